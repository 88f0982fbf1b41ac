package auth

import (
	"bytes"
	"errors"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"lukechampine.com/blake3"
)

// DefaultValidDays is the validity window granted to freshly signed
// artifacts.
const DefaultValidDays = 10

// ErrAuthorizationDenied is returned when the owner declines the interactive
// authorization prompt. Callers can retry by re-invoking; no cached state is
// touched.
var ErrAuthorizationDenied = errors.New("auth: authorization denied by owner")

// Artifact is an owner-approved, time-limited credential permitting
// decryption of any handle belonging to the listed contracts. The ephemeral
// key pair is generated per artifact; the signature binds the public key,
// contract set and validity window to the owner.
type Artifact struct {
	Owner      common.Address   `json:"owner"`
	Contracts  []common.Address `json:"contracts"`
	PublicKey  hexutil.Bytes    `json:"publicKey"`
	PrivateKey hexutil.Bytes    `json:"privateKey"`
	Signature  hexutil.Bytes    `json:"signature"`
	IssuedAt   time.Time        `json:"issuedAt"`
	ValidDays  int              `json:"validDays"`
}

// Valid reports whether the artifact's validity window covers now.
func (a Artifact) Valid(now time.Time) bool {
	if len(a.Signature) == 0 || a.ValidDays <= 0 {
		return false
	}
	expiry := a.IssuedAt.Add(time.Duration(a.ValidDays) * 24 * time.Hour)
	return !now.Before(a.IssuedAt) && now.Before(expiry)
}

// Covers reports whether the artifact's contract set includes every address
// in contracts.
func (a Artifact) Covers(contracts []common.Address) bool {
	for _, want := range contracts {
		found := false
		for _, have := range a.Contracts {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// SortContracts returns a sorted copy of contracts so cache keys and signing
// digests are independent of caller ordering.
func SortContracts(contracts []common.Address) []common.Address {
	sorted := make([]common.Address, len(contracts))
	copy(sorted, contracts)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i][:], sorted[j][:]) < 0
	})
	return sorted
}

// CacheKey derives the storage key for an (owner, contract set) pair as a
// blake3 digest over the owner address and the sorted contract addresses.
func CacheKey(owner common.Address, contracts []common.Address) []byte {
	hasher := blake3.New(32, nil)
	hasher.Write(owner[:])
	for _, contract := range SortContracts(contracts) {
		hasher.Write(contract[:])
	}
	return hasher.Sum(nil)
}
