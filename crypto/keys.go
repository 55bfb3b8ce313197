// Package crypto wraps secp256k1 key handling and the bech32 address format
// used across the ledger. Addresses are 20 bytes derived the Ethereum way and
// rendered with a human-readable prefix.
package crypto

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix is the bech32 human-readable part.
type AddressPrefix string

const (
	// AccountPrefix tags ordinary participant accounts.
	AccountPrefix AddressPrefix = "lfg"
	// VaultPrefix tags module custody accounts (reserve pools, collateral
	// vaults, the fee treasury).
	VaultPrefix AddressPrefix = "lfgv"
)

// AddressLength is the raw address size in bytes.
const AddressLength = 20

// Address is a prefixed 20-byte account address.
type Address struct {
	prefix AddressPrefix
	raw    [AddressLength]byte
}

var errAddressLength = errors.New("crypto: address must be 20 bytes")

// NewAddress wraps raw bytes under the given prefix. It panics on a wrong
// length since every internal caller derives the bytes from a key or a
// decoded bech32 string.
func NewAddress(prefix AddressPrefix, b []byte) Address {
	if len(b) != AddressLength {
		panic(errAddressLength)
	}
	addr := Address{prefix: prefix}
	copy(addr.raw[:], b)
	return addr
}

// String renders the bech32 form, e.g. "lfg1...".
func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.raw[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// Bytes returns a copy of the raw address bytes.
func (a Address) Bytes() []byte {
	out := make([]byte, AddressLength)
	copy(out, a.raw[:])
	return out
}

// Prefix returns the human-readable prefix.
func (a Address) Prefix() AddressPrefix { return a.prefix }

// Raw returns the address as a fixed-size array suitable for map keys.
func (a Address) Raw() [AddressLength]byte { return a.raw }

// Equal reports whether two addresses share the same raw bytes, ignoring the
// prefix.
func (a Address) Equal(other Address) bool {
	return bytes.Equal(a.raw[:], other.raw[:])
}

// DecodeAddress parses a bech32 address string of any known prefix.
func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	if len(conv) != AddressLength {
		return Address{}, errAddressLength
	}
	return NewAddress(AddressPrefix(prefix), conv), nil
}

// PrivateKey is a secp256k1 signing key.
type PrivateKey struct {
	*ecdsa.PrivateKey
}

// PublicKey is the verification half of a PrivateKey.
type PublicKey struct {
	*ecdsa.PublicKey
}

// GeneratePrivateKey creates a fresh secp256k1 key from crypto/rand.
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// PrivateKeyFromBytes restores a key from its 32-byte scalar.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the 32-byte scalar form of the key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

// PubKey returns the corresponding public key.
func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Address derives the account address from the public key using the keccak
// truncation Ethereum uses.
func (k *PublicKey) Address() Address {
	addrBytes := crypto.PubkeyToAddress(*k.PublicKey).Bytes()
	return NewAddress(AccountPrefix, addrBytes)
}
