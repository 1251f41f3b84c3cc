package identity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateLocal(t *testing.T) {
	id, err := Create(ModeLocal, CreateFlags{})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id.Principal, "local:"))
	assert.NotNil(t, id.NodeKey)
	assert.Nil(t, id.WalletKey)
}

func TestCreateStacks(t *testing.T) {
	id, err := Create(ModeStacks, CreateFlags{Testnet: true})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id.Principal, "stacks:"))
	assert.NotEmpty(t, id.Mnemonic)
	assert.Equal(t, 24, len(splitWords(id.Mnemonic)))
	assert.NotNil(t, id.WalletKey)
	assert.NotNil(t, id.NodeKey)
}

func TestRecoverStacksRoundTrip(t *testing.T) {
	original, err := Create(ModeStacks, CreateFlags{})
	require.NoError(t, err)

	recovered, err := Recover(original.Mnemonic, CreateFlags{})
	require.NoError(t, err)
	assert.Equal(t, original.Principal, recovered.Principal)
}

func TestRecoverRejectsBadWordCount(t *testing.T) {
	_, err := Recover("only a few words", CreateFlags{})
	assert.ErrorIs(t, err, ErrInvalidMnemonic)
}

func TestRecoverRejectsBadChecksum(t *testing.T) {
	original, err := Create(ModeStacks, CreateFlags{})
	require.NoError(t, err)

	words := splitWords(original.Mnemonic)
	if words[0] == "abandon" {
		words[0] = "ability"
	} else {
		words[0] = "abandon"
	}
	tampered := strings.Join(words, " ")

	_, err = Recover(tampered, CreateFlags{})
	assert.ErrorIs(t, err, ErrInvalidMnemonic)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	id, err := Create(ModeLocal, CreateFlags{})
	require.NoError(t, err)
	id.Nick = "alice"

	require.NoError(t, store.Save(id, "correct horse battery"))

	loaded, err := store.Load("correct horse battery")
	require.NoError(t, err)
	assert.Equal(t, id.Principal, loaded.Principal)
	assert.Equal(t, id.Nick, loaded.Nick)
}

func TestLoadWrongPassphraseFails(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	id, err := Create(ModeLocal, CreateFlags{})
	require.NoError(t, err)
	require.NoError(t, store.Save(id, "correct horse battery"))

	_, err = store.Load("wrong passphrase entirely")
	assert.Error(t, err)
}

func TestLoadMissingIdentityFails(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	_, err = store.Load("whatever passphrase")
	assert.Error(t, err)
}

func TestSaveRejectsShortPassphrase(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	id, err := Create(ModeLocal, CreateFlags{})
	require.NoError(t, err)

	err = store.Save(id, "short")
	assert.Error(t, err)
}

func TestSaveLoadStacksRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	id, err := Create(ModeStacks, CreateFlags{Testnet: true})
	require.NoError(t, err)

	require.NoError(t, store.Save(id, "a sufficiently long passphrase"))

	loaded, err := store.Load("a sufficiently long passphrase")
	require.NoError(t, err)
	assert.Equal(t, id.Principal, loaded.Principal)
	assert.Equal(t, id.Testnet, loaded.Testnet)
	assert.NotNil(t, loaded.WalletKey)
}

func TestSignVerify(t *testing.T) {
	id, err := Create(ModeLocal, CreateFlags{})
	require.NoError(t, err)

	msg := []byte("hello gateway")
	sig, err := Sign(id, msg)
	require.NoError(t, err)

	ok, err := Verify(id.Principal, msg, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify(id.Principal, []byte("tampered"), sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMigrateLegacy(t *testing.T) {
	legacyDir := t.TempDir()
	legacyStore, err := NewStore(legacyDir)
	require.NoError(t, err)

	id, err := Create(ModeLocal, CreateFlags{})
	require.NoError(t, err)
	require.NoError(t, legacyStore.Save(id, "a sufficiently long passphrase"))

	newRoot := t.TempDir()
	migrated, err := MigrateLegacy(legacyDir, newRoot, "a sufficiently long passphrase")
	require.NoError(t, err)
	assert.Equal(t, id.Principal, migrated.Principal)

	// legacy file must be untouched
	_, err = legacyStore.Load("a sufficiently long passphrase")
	assert.NoError(t, err)
}
