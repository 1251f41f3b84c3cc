package identitymgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexrudloff/clawchat/identity"
)

func createAndSave(t *testing.T, rootDir, passphrase string) *identity.Identity {
	t.Helper()
	id, err := identity.Create(identity.ModeLocal, identity.CreateFlags{})
	require.NoError(t, err)

	dir := rootDir + "/identities/" + identity.SanitizePrincipal(id.Principal)
	store, err := identity.NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Save(id, passphrase))
	return id
}

func TestLoadAndResolveByNick(t *testing.T) {
	root := t.TempDir()
	id := createAndSave(t, root, "correct horse battery staple")

	mgr := New(root, nil)
	state, err := mgr.Load(id.Principal, "correct horse battery staple", Config{Principal: id.Principal, Nick: "alice", Autoload: true})
	require.NoError(t, err)
	assert.Equal(t, id.Principal, state.Identity.Principal)

	resolved, ok := mgr.Resolve("alice")
	require.True(t, ok)
	assert.Equal(t, id.Principal, resolved)

	resolved, ok = mgr.Resolve(id.Principal)
	require.True(t, ok)
	assert.Equal(t, id.Principal, resolved)
}

func TestResolveEmptyReturnsDefault(t *testing.T) {
	root := t.TempDir()
	id := createAndSave(t, root, "correct horse battery staple")

	mgr := New(root, nil)
	_, err := mgr.Load(id.Principal, "correct horse battery staple", Config{Principal: id.Principal, Autoload: true})
	require.NoError(t, err)

	resolved, ok := mgr.Resolve("")
	require.True(t, ok)
	assert.Equal(t, id.Principal, resolved)
}

func TestLoadRejectsDuplicateNick(t *testing.T) {
	root := t.TempDir()
	idA := createAndSave(t, root, "correct horse battery staple")
	idB := createAndSave(t, root, "another very long passphrase")

	mgr := New(root, nil)
	_, err := mgr.Load(idA.Principal, "correct horse battery staple", Config{Principal: idA.Principal, Nick: "dup"})
	require.NoError(t, err)

	_, err = mgr.Load(idB.Principal, "another very long passphrase", Config{Principal: idB.Principal, Nick: "dup"})
	assert.Error(t, err)
}

func TestLoadRejectsDuplicateLoad(t *testing.T) {
	root := t.TempDir()
	id := createAndSave(t, root, "correct horse battery staple")

	mgr := New(root, nil)
	_, err := mgr.Load(id.Principal, "correct horse battery staple", Config{Principal: id.Principal})
	require.NoError(t, err)

	_, err = mgr.Load(id.Principal, "correct horse battery staple", Config{Principal: id.Principal})
	assert.Error(t, err)
}

func TestUnloadClearsNickAndDefault(t *testing.T) {
	root := t.TempDir()
	id := createAndSave(t, root, "correct horse battery staple")

	mgr := New(root, nil)
	_, err := mgr.Load(id.Principal, "correct horse battery staple", Config{Principal: id.Principal, Nick: "alice", Autoload: true})
	require.NoError(t, err)

	require.NoError(t, mgr.Unload(id.Principal))

	_, ok := mgr.Resolve("alice")
	assert.False(t, ok)
	_, ok = mgr.Resolve("")
	assert.False(t, ok)
}

func TestListReflectsLoadOrder(t *testing.T) {
	root := t.TempDir()
	idA := createAndSave(t, root, "correct horse battery staple")
	idB := createAndSave(t, root, "another very long passphrase")

	mgr := New(root, nil)
	_, err := mgr.Load(idA.Principal, "correct horse battery staple", Config{Principal: idA.Principal, Nick: "a"})
	require.NoError(t, err)
	_, err = mgr.Load(idB.Principal, "another very long passphrase", Config{Principal: idB.Principal, Nick: "b"})
	require.NoError(t, err)

	list := mgr.List()
	require.Len(t, list, 2)
	assert.Equal(t, idA.Principal, list[0].Principal)
	assert.Equal(t, idB.Principal, list[1].Principal)
}

func TestConfigAllowsWildcardAndVerbatim(t *testing.T) {
	c := Config{AllowedRemotePeers: []string{"local:aa"}}
	assert.True(t, c.Allows("local:aa"))
	assert.False(t, c.Allows("local:bb"))

	wild := Config{AllowedRemotePeers: []string{"*"}}
	assert.True(t, wild.Allows("stacks:anything"))
}
