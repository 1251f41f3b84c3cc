package identity

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alexrudloff/clawchat/internal/errs"
	"github.com/alexrudloff/clawchat/internal/logger"
)

// identityFileName is the on-disk name of the encrypted identity file
// within an identity's directory.
const identityFileName = "identity.enc"

// identityFilePerm grants owner-only read/write, per spec §6.
const identityFilePerm = 0o600

// CreateFlags customizes Create.
type CreateFlags struct {
	Testnet bool
}

// Store manages one identity's on-disk directory: creation, recovery, save,
// and load of its encrypted key material.
type Store struct {
	dir string
	log logger.Logger
}

// NewStore returns a Store rooted at dir, creating dir if necessary.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errs.Wrap(errs.CodeFatal, "create identity directory", err)
	}
	return &Store{dir: dir, log: logger.GetDefaultLogger()}, nil
}

// Create generates a fresh identity for mode. In stacks mode the returned
// Identity carries its one-time mnemonic; the caller must display or store
// it before the value is discarded.
func Create(mode Mode, flags CreateFlags) (*Identity, error) {
	switch mode {
	case ModeLocal:
		return createLocal()
	case ModeStacks:
		return createStacks(flags.Testnet)
	default:
		return nil, ErrInvalidMode
	}
}

// Recover rebuilds a stacks-mode identity from its mnemonic. It is an error
// in any other mode.
func Recover(mnemonic string, flags CreateFlags) (*Identity, error) {
	return recoverStacks(mnemonic, flags.Testnet)
}

func (s *Store) path() string {
	return filepath.Join(s.dir, identityFileName)
}

// Save encrypts id under passphrase and writes it to this store's identity
// file with owner-only permissions.
func (s *Store) Save(id *Identity, passphrase string) error {
	blob, err := saveIdentity(id, passphrase)
	if err != nil {
		if errors.Is(err, ErrPassphraseTooWeak) {
			return errs.New(errs.CodeAuth, err.Error())
		}
		return errs.Wrap(errs.CodeFatal, "encrypt identity", err)
	}
	if err := os.WriteFile(s.path(), blob, identityFilePerm); err != nil {
		return errs.Wrap(errs.CodeFatal, "write identity file", err)
	}
	s.log.Info("identity saved", logger.String("path", s.path()))
	return nil
}

// Load reads and decrypts this store's identity file with passphrase,
// distinguishing "no identity" from "bad passphrase or corrupt file".
func (s *Store) Load(passphrase string) (*Identity, error) {
	raw, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.CodeNotFound, "no identity at "+s.dir)
		}
		return nil, errs.Wrap(errs.CodeFatal, "read identity file", err)
	}

	id, err := loadIdentity(raw, passphrase)
	if err != nil {
		if errors.Is(err, ErrUnsupportedFormat) {
			return nil, errs.New(errs.CodeProtocol, err.Error())
		}
		return nil, errs.New(errs.CodeAuth, err.Error())
	}
	return id, nil
}

// Sign signs bytes with id's node key.
func Sign(id *Identity, message []byte) ([]byte, error) {
	return id.NodeKey.Sign(message)
}

// Verify checks a signature over bytes purportedly from principal, using
// the node public key embedded in the principal for local-mode principals.
// Stacks-mode verification of arbitrary application messages is not
// supported by the core; only attestation signatures recover a stacks
// wallet key, per spec §4.A.
func Verify(principal string, message, signature []byte) (bool, error) {
	mode, _, err := ParsePrincipal(principal)
	if err != nil {
		return false, errs.New(errs.CodeProtocol, "unrecognized principal")
	}
	if mode != ModeLocal {
		return false, fmt.Errorf("identity: direct verify unsupported for mode %q", mode)
	}
	pub, err := localPublicKeyFromPrincipal(principal)
	if err != nil {
		return false, errs.New(errs.CodeProtocol, "malformed local principal")
	}
	return ed25519.Verify(pub, message, signature), nil
}

// SetNick updates id's nick and re-encrypts the identity file in place.
func (s *Store) SetNick(id *Identity, nick string, passphrase string) error {
	id.Nick = nick
	return s.Save(id, passphrase)
}

// ClearNick removes id's nick and re-encrypts the identity file in place.
func (s *Store) ClearNick(id *Identity, passphrase string) error {
	id.Nick = ""
	return s.Save(id, passphrase)
}

// MigrateLegacy copies a single-identity legacy layout (identity.enc and its
// sibling mailbox/peer files directly under legacyDir, with no
// identities/<principal>/ prefix) into the current per-principal layout
// under newRoot. It verifies the passphrase before writing anything and
// never mutates or removes the legacy files, so a failed or partial
// migration leaves the original installation usable.
func MigrateLegacy(legacyDir, newRoot, passphrase string) (*Identity, error) {
	legacyStore := &Store{dir: legacyDir, log: logger.GetDefaultLogger()}
	id, err := legacyStore.Load(passphrase)
	if err != nil {
		return nil, err
	}

	destDir := filepath.Join(newRoot, "identities", SanitizePrincipal(id.Principal))
	if _, err := os.Stat(filepath.Join(destDir, identityFileName)); err == nil {
		return nil, errs.New(errs.CodeConflict, "identity already exists at destination")
	}

	destStore, err := NewStore(destDir)
	if err != nil {
		return nil, err
	}
	if err := destStore.Save(id, passphrase); err != nil {
		return nil, err
	}

	for _, name := range []string{"inbox.json", "outbox.json", "peers.json"} {
		src := filepath.Join(legacyDir, name)
		data, err := os.ReadFile(src)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, errs.Wrap(errs.CodeFatal, "read legacy "+name, err)
		}
		if err := os.WriteFile(filepath.Join(destDir, name), data, 0o600); err != nil {
			return nil, errs.Wrap(errs.CodeFatal, "write migrated "+name, err)
		}
	}

	return id, nil
}

// SanitizePrincipal produces a filesystem-safe directory name for a
// principal by replacing its colon separator.
func SanitizePrincipal(principal string) string {
	out := make([]byte, len(principal))
	for i := 0; i < len(principal); i++ {
		if principal[i] == ':' {
			out[i] = '_'
		} else {
			out[i] = principal[i]
		}
	}
	return string(out)
}
