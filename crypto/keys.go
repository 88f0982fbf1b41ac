package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix is the human-readable prefix used when rendering owner
// addresses for display.
const AddressPrefix = "bloom"

// Address is a 20-byte owner address. On the wire and in contract calls it
// is a plain Ethereum address; the bech32 rendering is display-only.
type Address struct {
	bytes common.Address
}

// NewAddress wraps a raw Ethereum address.
func NewAddress(addr common.Address) Address {
	return Address{bytes: addr}
}

// String renders the address with the bloom bech32 prefix.
func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(AddressPrefix, conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// Eth returns the underlying Ethereum address used in contract calls.
func (a Address) Eth() common.Address {
	return a.bytes
}

// DecodeAddress parses a bloom-prefixed bech32 address.
func DecodeAddress(encoded string) (Address, error) {
	prefix, decoded, err := bech32.Decode(encoded)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	if prefix != AddressPrefix {
		return Address{}, fmt.Errorf("unexpected address prefix %q", prefix)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	if len(conv) != common.AddressLength {
		return Address{}, fmt.Errorf("address must be %d bytes, got %d", common.AddressLength, len(conv))
	}
	return Address{bytes: common.BytesToAddress(conv)}, nil
}

// PrivateKey wraps the owner's secp256k1 key.
type PrivateKey struct {
	*ecdsa.PrivateKey
}

// GeneratePrivateKey creates a fresh owner key.
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the raw private key material.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

// Address derives the owner address.
func (k *PrivateKey) Address() Address {
	return Address{bytes: crypto.PubkeyToAddress(k.PrivateKey.PublicKey)}
}

// PrivateKeyFromBytes reconstructs a key from its raw bytes.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}
