package identity

import (
	"crypto/ecdsa"
	"math/big"

	"github.com/mr-tron/base58"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/sha3"

	sagecrypto "github.com/alexrudloff/clawchat/crypto"
	"github.com/alexrudloff/clawchat/crypto/keys"
	"github.com/alexrudloff/clawchat/internal/metrics"
)

// mnemonicEntropyBits yields a 24-word BIP39 phrase.
const mnemonicEntropyBits = 256

// addressVersionMainnet and addressVersionTestnet tag the derived wallet
// address so a principal carries its network. This is a simplified,
// internally-consistent address scheme; it is not wire-compatible with the
// real Stacks blockchain's c32check encoding.
const (
	addressVersionMainnet byte = 0x16
	addressVersionTestnet byte = 0x1a
)

// createStacks generates a fresh stacks-mode identity: a BIP39 mnemonic, the
// secp256k1 wallet key pair it derives, and a distinct Ed25519 node key pair
// for transport. The mnemonic is returned on the Identity but never persisted
// in plaintext.
func createStacks(testnet bool) (*Identity, error) {
	entropy, err := bip39.NewEntropy(mnemonicEntropyBits)
	if err != nil {
		return nil, err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, err
	}
	return deriveStacks(mnemonic, testnet)
}

// recoverStacks rebuilds a stacks-mode identity from an existing mnemonic.
// Fails if the phrase is not exactly 24 words or its checksum is invalid.
func recoverStacks(mnemonic string, testnet bool) (*Identity, error) {
	if len(splitWords(mnemonic)) != 24 || !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	return deriveStacks(mnemonic, testnet)
}

func splitWords(mnemonic string) []string {
	var words []string
	word := make([]byte, 0, 16)
	flush := func() {
		if len(word) > 0 {
			words = append(words, string(word))
			word = word[:0]
		}
	}
	for i := 0; i < len(mnemonic); i++ {
		switch mnemonic[i] {
		case ' ', '\t', '\n', '\r':
			flush()
		default:
			word = append(word, mnemonic[i])
		}
	}
	flush()
	return words
}

func deriveStacks(mnemonic string, testnet bool) (*Identity, error) {
	seed := bip39.NewSeed(mnemonic, "")

	walletKey, err := keys.GenerateSecp256k1KeyPairFromSeed(seed[:32])
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("generate").Inc()
		return nil, err
	}
	metrics.CryptoOperations.WithLabelValues("generate", "secp256k1").Inc()

	nodeKey, err := keys.GenerateEd25519KeyPair()
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("generate").Inc()
		return nil, err
	}
	metrics.CryptoOperations.WithLabelValues("generate", "ed25519").Inc()

	walletPub, ok := walletKey.PublicKey().(*ecdsa.PublicKey)
	if !ok {
		return nil, sagecrypto.ErrInvalidKeyType
	}
	address, err := stacksAddress(walletPub, testnet)
	if err != nil {
		return nil, err
	}

	return &Identity{
		Principal:     stacksPrefix + address,
		Mode:          ModeStacks,
		Testnet:       testnet,
		NodeKey:       nodeKey,
		WalletKey:     walletKey,
		WalletAddress: address,
		Mnemonic:      mnemonic,
	}, nil
}

// stacksAddress derives a text address from a wallet public key via
// Keccak256, the same hash the teacher's Ethereum chain provider uses, then
// base58-encodes the last 20 bytes with a network version byte.
func stacksAddress(pub *ecdsa.PublicKey, testnet bool) (string, error) {
	uncompressed := marshalUncompressed(pub)
	hash := sha3.NewLegacyKeccak256()
	hash.Write(uncompressed[1:]) // drop the 0x04 prefix, as Ethereum-style address derivation does
	digest := hash.Sum(nil)

	version := addressVersionMainnet
	if testnet {
		version = addressVersionTestnet
	}
	payload := append([]byte{version}, digest[len(digest)-20:]...)
	return base58.Encode(payload), nil
}

// marshalUncompressed renders an ECDSA public key as 0x04 || X(32) || Y(32).
func marshalUncompressed(pub *ecdsa.PublicKey) []byte {
	out := make([]byte, 65)
	out[0] = 0x04
	copyPadded(out[1:33], pub.X)
	copyPadded(out[33:65], pub.Y)
	return out
}

func copyPadded(dst []byte, v *big.Int) {
	b := v.Bytes()
	copy(dst[len(dst)-len(b):], b)
}
