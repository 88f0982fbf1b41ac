package auth

import (
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// LocalSigner signs authorization artifacts with an owner key held in
// process, for deployments where the daemon custodies the keystore. Remote
// wallet prompts implement Signer separately.
type LocalSigner struct {
	key       *ecdsa.PrivateKey
	validDays int
	now       func() time.Time
}

// LocalSignerOption mutates the signer during construction.
type LocalSignerOption func(*LocalSigner)

// WithValidDays overrides the validity window granted to new artifacts.
func WithValidDays(days int) LocalSignerOption {
	return func(s *LocalSigner) {
		if days > 0 {
			s.validDays = days
		}
	}
}

// WithSignerClock overrides the issuance time source. Primarily for tests.
func WithSignerClock(now func() time.Time) LocalSignerOption {
	return func(s *LocalSigner) {
		if now != nil {
			s.now = now
		}
	}
}

// NewLocalSigner constructs a signer around the owner's private key.
func NewLocalSigner(key *ecdsa.PrivateKey, opts ...LocalSignerOption) (*LocalSigner, error) {
	if key == nil {
		return nil, fmt.Errorf("auth: nil owner key")
	}
	signer := &LocalSigner{key: key, validDays: DefaultValidDays, now: time.Now}
	for _, opt := range opts {
		opt(signer)
	}
	return signer, nil
}

// Sign generates an ephemeral key pair and signs the binding digest with the
// owner key. The owner address must match the signing key.
func (s *LocalSigner) Sign(ctx context.Context, owner common.Address, contracts []common.Address) (Artifact, error) {
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}
	if derived := ethcrypto.PubkeyToAddress(s.key.PublicKey); derived != owner {
		return Artifact{}, fmt.Errorf("auth: signer key does not control %s", owner.Hex())
	}

	ephemeral, err := ethcrypto.GenerateKey()
	if err != nil {
		return Artifact{}, fmt.Errorf("auth: generate ephemeral key: %w", err)
	}
	publicKey := ethcrypto.FromECDSAPub(&ephemeral.PublicKey)
	issuedAt := s.now().UTC().Truncate(time.Second)

	digest := SigningDigest(owner, contracts, publicKey, issuedAt, s.validDays)
	signature, err := ethcrypto.Sign(digest, s.key)
	if err != nil {
		return Artifact{}, fmt.Errorf("auth: sign artifact: %w", err)
	}

	return Artifact{
		Owner:      owner,
		Contracts:  SortContracts(contracts),
		PublicKey:  publicKey,
		PrivateKey: ethcrypto.FromECDSA(ephemeral),
		Signature:  signature,
		IssuedAt:   issuedAt,
		ValidDays:  s.validDays,
	}, nil
}

// SigningDigest computes the keccak256 digest binding the ephemeral public
// key, contract set and validity window to the owner.
func SigningDigest(owner common.Address, contracts []common.Address, publicKey []byte, issuedAt time.Time, validDays int) []byte {
	var window [16]byte
	binary.BigEndian.PutUint64(window[:8], uint64(issuedAt.Unix()))
	binary.BigEndian.PutUint64(window[8:], uint64(validDays))

	pieces := [][]byte{[]byte("bloom-focus-chain/decrypt-authorization"), owner[:]}
	for _, contract := range SortContracts(contracts) {
		pieces = append(pieces, contract[:])
	}
	pieces = append(pieces, publicKey, window[:])
	return ethcrypto.Keccak256(pieces...)
}
