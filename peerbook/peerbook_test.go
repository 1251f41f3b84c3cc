package peerbook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddMergesAddressSet(t *testing.T) {
	dir := t.TempDir()
	b, err := Open(dir, nil)
	require.NoError(t, err)

	require.NoError(t, b.Add("local:aa", "/ip4/1.2.3.4/tcp/9000", "alice"))
	require.NoError(t, b.Add("local:aa", "/ip4/5.6.7.8/tcp/9000", ""))
	require.NoError(t, b.Add("local:aa", "/ip4/1.2.3.4/tcp/9000", ""))

	r, ok := b.Get("local:aa")
	require.True(t, ok)
	assert.Equal(t, "alice", r.Alias)
	assert.ElementsMatch(t, []string{"/ip4/1.2.3.4/tcp/9000", "/ip4/5.6.7.8/tcp/9000"}, r.Multiaddrs)
}

func TestRemoveDeletesRecord(t *testing.T) {
	dir := t.TempDir()
	b, err := Open(dir, nil)
	require.NoError(t, err)

	require.NoError(t, b.Add("local:aa", "/ip4/1.2.3.4/tcp/9000", ""))
	require.NoError(t, b.Remove("local:aa"))

	_, ok := b.Get("local:aa")
	assert.False(t, ok)
}

func TestRemoveUnknownReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	b, err := Open(dir, nil)
	require.NoError(t, err)

	err = b.Remove("local:nope")
	assert.Error(t, err)
}

func TestMergeLearnedDoesNotDowngradeVerified(t *testing.T) {
	dir := t.TempDir()
	b, err := Open(dir, nil)
	require.NoError(t, err)

	require.NoError(t, b.Touch("local:aa"))
	require.NoError(t, b.MergeLearned("local:aa", "", []string{"/ip4/9.9.9.9/tcp/1"}, "local:bb", false))

	r, ok := b.Get("local:aa")
	require.True(t, ok)
	assert.True(t, r.Verified)
	assert.Contains(t, r.Multiaddrs, "/ip4/9.9.9.9/tcp/1")
}

func TestPersistenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	b, err := Open(dir, nil)
	require.NoError(t, err)
	require.NoError(t, b.Add("local:aa", "/ip4/1.2.3.4/tcp/9000", "alice"))

	b2, err := Open(dir, nil)
	require.NoError(t, err)
	r, ok := b2.Get("local:aa")
	require.True(t, ok)
	assert.Equal(t, "alice", r.Alias)
}

func TestListIsSortedByPrincipal(t *testing.T) {
	dir := t.TempDir()
	b, err := Open(dir, nil)
	require.NoError(t, err)
	require.NoError(t, b.Add("local:bb", "", ""))
	require.NoError(t, b.Add("local:aa", "", ""))

	list := b.List()
	require.Len(t, list, 2)
	assert.Equal(t, "local:aa", list[0].Principal)
	assert.Equal(t, "local:bb", list[1].Principal)
}
