// Package identity implements the identity store: key generation, encrypted
// persistence, signing, and attestation issuance/verification for both
// identity modes the gateway supports (local and stacks).
package identity

import (
	"errors"
	"strings"

	sagecrypto "github.com/alexrudloff/clawchat/crypto"
)

// Mode distinguishes the two identity variants the store supports.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeStacks Mode = "stacks"
)

const (
	localPrefix  = "local:"
	stacksPrefix = "stacks:"
)

var (
	ErrInvalidMode       = errors.New("identity: invalid mode")
	ErrInvalidMnemonic   = errors.New("identity: invalid mnemonic")
	ErrPassphraseTooWeak = errors.New("identity: passphrase must be at least 12 characters")
	ErrNoIdentity        = errors.New("identity: no identity at path")
	ErrBadPassphrase     = errors.New("identity: bad passphrase or corrupt identity file")
	ErrUnsupportedFormat = errors.New("identity: unsupported identity file version")
)

// MinPassphraseLen is the minimum accepted passphrase length for save().
const MinPassphraseLen = 12

// Identity is a loaded identity: its principal, its key material, and the
// mode-specific attributes needed to sign messages and issue attestations.
type Identity struct {
	Principal string
	Mode      Mode
	Nick      string
	Testnet   bool

	// NodeKey terminates SNaP2P sessions in both modes, and signs
	// attestations directly in local mode.
	NodeKey sagecrypto.KeyPair

	// WalletKey signs attestations in stacks mode. Nil in local mode.
	WalletKey sagecrypto.KeyPair

	// WalletAddress is the blockchain address derived from WalletKey's
	// public key. Empty in local mode.
	WalletAddress string

	// Mnemonic is the 24-word BIP39 phrase that produced WalletKey, set in
	// stacks mode by create() and recover(). It is never persisted in
	// plaintext: Save stores it only inside the encrypted identity file,
	// and Load restores it from there.
	Mnemonic string
}

// AttestationSigner returns the key pair that signs attestations for this
// identity: the node key in local mode, the wallet key in stacks mode.
func (id *Identity) AttestationSigner() sagecrypto.KeyPair {
	if id.Mode == ModeStacks {
		return id.WalletKey
	}
	return id.NodeKey
}

// ParsePrincipal splits a principal into its mode and mode-specific suffix.
func ParsePrincipal(principal string) (Mode, string, error) {
	switch {
	case strings.HasPrefix(principal, localPrefix):
		return ModeLocal, strings.TrimPrefix(principal, localPrefix), nil
	case strings.HasPrefix(principal, stacksPrefix):
		return ModeStacks, strings.TrimPrefix(principal, stacksPrefix), nil
	default:
		return "", "", ErrInvalidMode
	}
}
