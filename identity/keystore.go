package identity

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/alexrudloff/clawchat/crypto/keys"
	"github.com/alexrudloff/clawchat/internal/metrics"
)

// identity.enc binary layout: version(1) || salt(16) || nonce(12) || ciphertext.
const (
	fileVersion2 byte = 2 // legacy: accepted on read, never written
	fileVersion3 byte = 3 // current: written by save()

	saltLen = 16
)

// argon2id work factor, chosen so a single derivation costs roughly 2^17
// hashing operations worth of memory-hardness per the spec's recommendation.
const (
	argonTime    = 1
	argonMemory  = 128 * 1024 // KiB, ~128MB
	argonThreads = 4
	argonKeyLen  = 32
)

// plaintextIdentity is the canonical JSON payload encrypted inside
// identity.enc.
type plaintextIdentity struct {
	Principal           string `json:"principal"`
	Address             string `json:"address"`
	PublicKey           string `json:"publicKey"`
	PrivateKey          string `json:"privateKey"`
	Mnemonic            string `json:"mnemonic"`
	WalletPublicKeyHex  string `json:"walletPublicKeyHex"`
	WalletPrivateKeyHex string `json:"walletPrivateKeyHex"`
	Testnet             bool   `json:"testnet"`
	Nick                string `json:"nick,omitempty"`
	Mode                string `json:"mode"`
}

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// encodeIdentity serializes id to the plaintext JSON payload the keystore
// encrypts.
func encodeIdentity(id *Identity) ([]byte, error) {
	nodePub, _ := id.NodeKey.PublicKey().(ed25519.PublicKey)
	nodePriv, _ := keys.Ed25519Seed(id.NodeKey)

	p := plaintextIdentity{
		Principal:  id.Principal,
		Address:    id.WalletAddress,
		PublicKey:  hex.EncodeToString(nodePub),
		PrivateKey: hex.EncodeToString(nodePriv),
		Mnemonic:   id.Mnemonic,
		Testnet:    id.Testnet,
		Nick:       id.Nick,
		Mode:       string(id.Mode),
	}

	if id.Mode == ModeStacks && id.WalletKey != nil {
		walletPriv, _ := keys.Secp256k1Seed(id.WalletKey)
		p.WalletPrivateKeyHex = hex.EncodeToString(walletPriv)
		if pub, ok := id.WalletKey.PublicKey().(*ecdsa.PublicKey); ok {
			p.WalletPublicKeyHex = hex.EncodeToString(marshalUncompressed(pub))
		}
	}

	return json.Marshal(p)
}

// decodeIdentity rebuilds an Identity from its decrypted plaintext payload.
func decodeIdentity(data []byte) (*Identity, error) {
	var p plaintextIdentity
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPassphrase, err)
	}

	nodePrivSeed, err := hex.DecodeString(p.PrivateKey)
	if err != nil {
		return nil, ErrBadPassphrase
	}
	nodeKey, err := keys.GenerateEd25519KeyPairFromSeed(nodePrivSeed)
	if err != nil {
		return nil, ErrBadPassphrase
	}

	id := &Identity{
		Principal: p.Principal,
		Mode:      Mode(p.Mode),
		Nick:      p.Nick,
		Testnet:   p.Testnet,
		NodeKey:   nodeKey,
		Mnemonic:  p.Mnemonic,
	}

	if id.Mode == ModeStacks {
		walletSeed, err := hex.DecodeString(p.WalletPrivateKeyHex)
		if err != nil || len(walletSeed) != 32 {
			return nil, ErrBadPassphrase
		}
		walletKey, err := keys.GenerateSecp256k1KeyPairFromSeed(walletSeed)
		if err != nil {
			return nil, ErrBadPassphrase
		}
		id.WalletKey = walletKey
		id.WalletAddress = p.Address
	}

	return id, nil
}

// saveIdentity encrypts id with passphrase and returns the identity.enc
// file bytes: version(1) || salt(16) || nonce(12) || ciphertext.
func saveIdentity(id *Identity, passphrase string) ([]byte, error) {
	if len(passphrase) < MinPassphraseLen {
		return nil, ErrPassphraseTooWeak
	}

	plaintext, err := encodeIdentity(id)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := deriveKey(passphrase, salt)
	metrics.CryptoOperations.WithLabelValues("derive", "argon2id").Inc()

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, nil)
	metrics.CryptoOperations.WithLabelValues("seal", "chacha20poly1305").Inc()

	out := make([]byte, 0, 1+saltLen+len(nonce)+len(ciphertext))
	out = append(out, fileVersion3)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// loadIdentity decrypts the identity.enc file bytes with passphrase. It
// distinguishes "no identity" (handled by the caller before this is reached)
// from "bad passphrase or corrupt file" and accepts both the version this
// implementation writes (3) and the prior version (2), which uses the same
// layout.
func loadIdentity(raw []byte, passphrase string) (*Identity, error) {
	if len(raw) < 1+saltLen+12 {
		return nil, ErrBadPassphrase
	}
	version := raw[0]
	if version != fileVersion2 && version != fileVersion3 {
		return nil, ErrUnsupportedFormat
	}

	salt := raw[1 : 1+saltLen]
	nonce := raw[1+saltLen : 1+saltLen+12]
	ciphertext := raw[1+saltLen+12:]

	key := deriveKey(passphrase, salt)
	metrics.CryptoOperations.WithLabelValues("derive", "argon2id").Inc()

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("open").Inc()
		return nil, ErrBadPassphrase
	}
	metrics.CryptoOperations.WithLabelValues("open", "chacha20poly1305").Inc()

	return decodeIdentity(plaintext)
}
