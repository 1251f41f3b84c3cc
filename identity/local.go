package identity

import (
	"crypto/ed25519"
	"encoding/hex"

	"github.com/alexrudloff/clawchat/crypto/keys"
	"github.com/alexrudloff/clawchat/internal/metrics"
)

// createLocal generates a fresh local-mode identity: a 32-byte Ed25519 node
// key whose public key, lowercased hex, forms the principal.
func createLocal() (*Identity, error) {
	kp, err := keys.GenerateEd25519KeyPair()
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("generate").Inc()
		return nil, err
	}
	metrics.CryptoOperations.WithLabelValues("generate", "ed25519").Inc()

	pub := kp.PublicKey().(ed25519.PublicKey)
	principal := localPrefix + hex.EncodeToString(pub)

	return &Identity{
		Principal: principal,
		Mode:      ModeLocal,
		NodeKey:   kp,
	}, nil
}

// localPublicKeyFromPrincipal recovers the Ed25519 public key embedded in a
// local principal, for attestation verification when the signer's node key
// is the identity key itself.
func localPublicKeyFromPrincipal(principal string) (ed25519.PublicKey, error) {
	_, suffix, err := ParsePrincipal(principal)
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(suffix)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, ErrInvalidMode
	}
	return ed25519.PublicKey(raw), nil
}
