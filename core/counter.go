package core

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Kind identifies one of the encrypted counters tracked per owner.
type Kind uint8

const (
	// SessionCount is the primary counter: the number of completed focus
	// sessions. It gates the "has this owner ever produced data" signal.
	SessionCount Kind = iota
	// TotalMinutes accumulates focused minutes across all sessions.
	TotalMinutes
	// WeeklyGoal holds the owner's target minutes per week.
	WeeklyGoal
)

// Kinds lists every counter in a stable order.
var Kinds = []Kind{SessionCount, TotalMinutes, WeeklyGoal}

func (k Kind) String() string {
	switch k {
	case SessionCount:
		return "sessionCount"
	case TotalMinutes:
		return "totalMinutes"
	case WeeklyGoal:
		return "weeklyGoal"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Handle is the opaque token identifying the current encrypted value of one
// counter for one owner on one deployment. Two fetches return equal handles
// iff no mutation landed between them.
type Handle [32]byte

// NullHandle is the reserved all-zero handle meaning "never been written".
// It is a valid state, not an error: its clear value is always zero and no
// decryption is required for it.
var NullHandle Handle

// IsNull reports whether h is the reserved null handle.
func (h Handle) IsNull() bool { return h == NullHandle }

// Hex renders the handle as a 0x-prefixed hex string.
func (h Handle) Hex() string { return hexutil.Encode(h[:]) }

// HandleFromBytes copies b into a Handle. Inputs that are not exactly 32
// bytes are rejected.
func HandleFromBytes(b []byte) (Handle, error) {
	var h Handle
	if len(b) != len(h) {
		return NullHandle, fmt.Errorf("handle must be %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

// HandleFromHex parses a 0x-prefixed hex handle.
func HandleFromHex(s string) (Handle, error) {
	raw, err := hexutil.Decode(s)
	if err != nil {
		return NullHandle, fmt.Errorf("invalid handle encoding: %w", err)
	}
	return HandleFromBytes(raw)
}

// ClearValue is a decrypted counter value tied to the handle it was decrypted
// from. Freshness is derived by comparing this handle against the counter's
// currently cached handle, never pushed.
type ClearValue struct {
	Handle Handle
	Value  uint64
}
