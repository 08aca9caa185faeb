// Package signer abstracts private-key custody away from the protocol core.
package signer

import (
	"crypto/ecdsa"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer produces commitment signatures for one participant. Implementations
// must be safe for concurrent use; the protocol shares one signer across all
// of a participant's channels.
type Signer interface {
	Address() common.Address
	SignMessage(digest []byte) ([]byte, error)
}

var ErrBadDigest = errors.New("digest must be 32 bytes")

// InMemorySigner signs with a secp256k1 key held in process memory.
type InMemorySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

var _ Signer = (*InMemorySigner)(nil)

// NewInMemorySigner wraps an existing private key.
func NewInMemorySigner(key *ecdsa.PrivateKey) *InMemorySigner {
	return &InMemorySigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}
}

// NewInMemorySignerFromHex parses a hex-encoded private key.
func NewInMemorySignerFromHex(hexKey string) (*InMemorySigner, error) {
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, err
	}
	return NewInMemorySigner(key), nil
}

// NewRandomSigner generates a fresh key. Useful for tests and ephemeral
// identities.
func NewRandomSigner() (*InMemorySigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return NewInMemorySigner(key), nil
}

func (s *InMemorySigner) Address() common.Address {
	return s.address
}

// SignMessage signs a 32-byte digest, returning the 65-byte compact
// signature with recovery id.
func (s *InMemorySigner) SignMessage(digest []byte) ([]byte, error) {
	if len(digest) != common.HashLength {
		return nil, ErrBadDigest
	}
	return crypto.Sign(digest, s.key)
}
