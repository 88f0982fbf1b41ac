package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies failures reported by the engine's external collaborators
// (ledger client, encryption/decryption capabilities, authorization prompt).
// The synchronization engine branches on Kind, never on message text.
type Kind uint8

const (
	// KindInternal covers failures that do not fit a more specific class.
	KindInternal Kind = iota
	// KindNetwork marks transient transport or provider failures.
	KindNetwork
	// KindRejected marks an interactive prompt declined by the owner.
	KindRejected
	// KindInsufficientFunds marks a submission refused for lack of gas funds.
	KindInsufficientFunds
	// KindPermission marks a capability refusing to act for this caller.
	KindPermission
	// KindMalformedProof marks ciphertext or attestation the capability
	// could not verify.
	KindMalformedProof
	// KindReverted marks a transaction that was mined but failed on chain.
	KindReverted
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindRejected:
		return "rejected"
	case KindInsufficientFunds:
		return "insufficient-funds"
	case KindPermission:
		return "permission"
	case KindMalformedProof:
		return "malformed-proof"
	case KindReverted:
		return "reverted"
	default:
		return "internal"
	}
}

// Error attaches a Kind and the failing operation to an underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf constructs a classified error from a format string.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from err, defaulting to KindInternal when the
// chain carries no classified error.
func KindOf(err error) Kind {
	var classified *Error
	if stderrors.As(err, &classified) {
		return classified.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var classified *Error
	if stderrors.As(err, &classified) {
		return classified.Kind == kind
	}
	return false
}
