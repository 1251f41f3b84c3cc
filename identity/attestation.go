package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	dcrecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/mr-tron/base58"

	"github.com/alexrudloff/clawchat/crypto/keys"
	"github.com/alexrudloff/clawchat/internal/metrics"
)

// AttestationDomain is the fixed domain string every attestation's canonical
// encoding includes, pinning signatures to this protocol version.
const AttestationDomain = "snap2p-nodekey-attestation-v1"

// AttestationVersion is the only attestation encoding version this
// implementation produces.
const AttestationVersion = 1

// DefaultAttestationValidity is used when createAttestation is called with a
// non-positive validity.
const DefaultAttestationValidity = 24 * time.Hour

// AttestationClockSkew bounds how far issuedAt may run ahead of, and
// expiresAt may trail, the verifier's clock before an attestation is rejected.
const AttestationClockSkew = 300 * time.Second

const (
	minNonceLen = 16
	maxNonceLen = 32
	nonceLen    = 24
)

var (
	ErrAttestationExpired      = errors.New("identity: attestation expired or not yet valid")
	ErrAttestationMalformed    = errors.New("identity: attestation malformed")
	ErrAttestationBadSignature = errors.New("identity: attestation signature invalid")
)

// Attestation binds a principal to a node public key for a bounded interval.
// It is never persisted; it is minted fresh for each handshake.
type Attestation struct {
	Version       int
	Domain        string
	Principal     string
	NodePublicKey []byte
	IssuedAt      int64
	ExpiresAt     int64
	Nonce         []byte
	Signature     []byte
}

// CreateAttestation issues a fresh attestation for id's node key, signed by
// id's attestation key (the node key itself in local mode, the wallet key in
// stacks mode).
func CreateAttestation(id *Identity, validity time.Duration) (*Attestation, error) {
	if validity <= 0 {
		validity = DefaultAttestationValidity
	}
	nodePub, ok := id.NodeKey.PublicKey().(ed25519.PublicKey)
	if !ok || len(nodePub) != ed25519.PublicKeySize {
		return nil, ErrAttestationMalformed
	}

	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	a := &Attestation{
		Version:       AttestationVersion,
		Domain:        AttestationDomain,
		Principal:     id.Principal,
		NodePublicKey: append([]byte(nil), nodePub...),
		IssuedAt:      now,
		ExpiresAt:     now + int64(validity/time.Second),
		Nonce:         nonce,
	}

	encoded := canonicalEncode(a)
	sig, err := signAttestation(id, encoded)
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("sign").Inc()
		return nil, err
	}
	alg := "ed25519"
	if id.Mode == ModeStacks {
		alg = "secp256k1"
	}
	metrics.CryptoOperations.WithLabelValues("sign", alg).Inc()
	a.Signature = sig
	return a, nil
}

// VerifyAttestation checks every invariant from the spec: version, domain,
// nonce length, node key length, the clock-skew window, a recognized
// principal prefix, and the mode-specific signature.
func VerifyAttestation(a *Attestation) bool {
	if a == nil || a.Version != AttestationVersion || a.Domain != AttestationDomain {
		return false
	}
	if len(a.Nonce) < minNonceLen || len(a.Nonce) > maxNonceLen {
		return false
	}
	if len(a.NodePublicKey) != 32 {
		return false
	}
	if a.ExpiresAt <= a.IssuedAt {
		return false
	}

	// Per spec: false strictly before issuedAt-skew (future-dated, rejected
	// as implausible) and false strictly after expiresAt+skew (expired
	// beyond the clock-skew allowance). Validity, not issuedAt, bounds how
	// long after minting an attestation remains usable.
	now := time.Now().Unix()
	skew := int64(AttestationClockSkew / time.Second)
	if now < a.IssuedAt-skew {
		return false
	}
	if now > a.ExpiresAt+skew {
		return false
	}

	mode, _, err := ParsePrincipal(a.Principal)
	if err != nil {
		return false
	}

	encoded := canonicalEncode(a)

	var verified bool
	switch mode {
	case ModeLocal:
		verified = verifyLocalAttestation(a, encoded)
	case ModeStacks:
		verified = verifyStacksAttestation(a, encoded)
	default:
		verified = false
	}
	if verified {
		alg := "ed25519"
		if mode == ModeStacks {
			alg = "secp256k1"
		}
		metrics.CryptoOperations.WithLabelValues("verify", alg).Inc()
	} else {
		metrics.CryptoErrors.WithLabelValues("verify").Inc()
	}
	return verified
}

// canonicalEncode produces the deterministic byte sequence both signer and
// verifier sign and check: fixed field order, length-prefixed strings,
// fixed-width integers, raw fixed-length byte strings.
func canonicalEncode(a *Attestation) []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, byte(a.Version))
	buf = appendLenPrefixed(buf, []byte(a.Domain))
	buf = appendLenPrefixed(buf, []byte(a.Principal))
	buf = append(buf, a.NodePublicKey...) // fixed 32 bytes
	buf = appendInt64(buf, a.IssuedAt)
	buf = appendInt64(buf, a.ExpiresAt)
	buf = append(buf, byte(len(a.Nonce)))
	buf = append(buf, a.Nonce...)
	return buf
}

func appendLenPrefixed(buf []byte, data []byte) []byte {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(data)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, data...)
}

func appendInt64(buf []byte, v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return append(buf, b[:]...)
}

func signAttestation(id *Identity, encoded []byte) ([]byte, error) {
	switch id.Mode {
	case ModeLocal:
		return id.NodeKey.Sign(encoded)
	case ModeStacks:
		seed, ok := keys.Secp256k1Seed(id.WalletKey)
		if !ok {
			return nil, ErrAttestationMalformed
		}
		priv := secp256k1.PrivKeyFromBytes(seed)
		hash := sha256.Sum256(encoded)
		return dcrecdsa.SignCompact(priv, hash[:], true), nil
	default:
		return nil, ErrInvalidMode
	}
}

// verifyLocalAttestation checks the signature against the Ed25519 public key
// embedded directly in the principal.
func verifyLocalAttestation(a *Attestation, encoded []byte) bool {
	pub, err := localPublicKeyFromPrincipal(a.Principal)
	if err != nil {
		return false
	}
	return keys.NewEd25519PublicKey(pub, "").Verify(encoded, a.Signature) == nil
}

// verifyStacksAttestation recovers the wallet public key from the compact
// recoverable signature and checks that the address it derives to matches
// the principal's address, respecting the testnet flag implied by the
// principal's own address version byte.
func verifyStacksAttestation(a *Attestation, encoded []byte) bool {
	_, addrSuffix, err := ParsePrincipal(a.Principal)
	if err != nil {
		return false
	}

	hash := sha256.Sum256(encoded)
	recovered, _, err := dcrecdsa.RecoverCompact(a.Signature, hash[:])
	if err != nil {
		return false
	}

	testnet := addressIsTestnet(addrSuffix)
	address, err := stacksAddress(recovered.ToECDSA(), testnet)
	if err != nil {
		return false
	}
	return address == addrSuffix
}

func addressIsTestnet(address string) bool {
	raw, err := base58.Decode(address)
	if err != nil || len(raw) == 0 {
		return false
	}
	return raw[0] == addressVersionTestnet
}
