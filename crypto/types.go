package crypto

import (
	"crypto"
	"errors"
)

// KeyType identifies the signature algorithm backing a KeyPair.
type KeyType string

const (
	KeyTypeEd25519   KeyType = "Ed25519"
	KeyTypeSecp256k1 KeyType = "Secp256k1"
)

// KeyPair represents a cryptographic key pair used to sign and verify
// identity material (node keys, wallet keys, attestations).
type KeyPair interface {
	// PublicKey returns the public key.
	PublicKey() crypto.PublicKey

	// PrivateKey returns the private key.
	PrivateKey() crypto.PrivateKey

	// Type returns the key type.
	Type() KeyType

	// Sign signs the given message.
	Sign(message []byte) ([]byte, error)

	// Verify verifies the signature.
	Verify(message, signature []byte) error

	// ID returns a unique identifier for this key pair.
	ID() string
}

// Common errors
var (
	ErrInvalidKeyType   = errors.New("invalid key type")
	ErrInvalidSignature = errors.New("invalid signature")
)
