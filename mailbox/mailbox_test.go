package mailbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendDedupsByID(t *testing.T) {
	dir := t.TempDir()
	mb, err := Open(dir, "inbox.json", nil)
	require.NoError(t, err)

	msg := Message{ID: "m1", From: "local:aa", To: "local:bb", Content: "hi", Timestamp: 1, Status: StatusDelivered}
	added, err := mb.Append(msg)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = mb.Append(msg)
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, 1, mb.Count())
}

func TestUpdateStatusPersists(t *testing.T) {
	dir := t.TempDir()
	mb, err := Open(dir, "outbox.json", nil)
	require.NoError(t, err)

	msg := Message{ID: "m1", From: "local:aa", To: "local:bb", Content: "hi", Timestamp: 1, Status: StatusPending}
	_, err = mb.Append(msg)
	require.NoError(t, err)

	require.NoError(t, mb.UpdateStatus("m1", StatusSent))
	got, ok := mb.Get("m1")
	require.True(t, ok)
	assert.Equal(t, StatusSent, got.Status)

	mb2, err := Open(dir, "outbox.json", nil)
	require.NoError(t, err)
	got2, ok := mb2.Get("m1")
	require.True(t, ok)
	assert.Equal(t, StatusSent, got2.Status)
}

func TestUpdateStatusUnknownIDFails(t *testing.T) {
	dir := t.TempDir()
	mb, err := Open(dir, "outbox.json", nil)
	require.NoError(t, err)
	assert.Error(t, mb.UpdateStatus("nope", StatusSent))
}

func TestSinceFiltersByTimestamp(t *testing.T) {
	dir := t.TempDir()
	mb, err := Open(dir, "inbox.json", nil)
	require.NoError(t, err)

	_, err = mb.Append(Message{ID: "a", Timestamp: 10, Status: StatusDelivered})
	require.NoError(t, err)
	_, err = mb.Append(Message{ID: "b", Timestamp: 20, Status: StatusDelivered})
	require.NoError(t, err)

	out := mb.Since(10)
	require.Len(t, out, 1)
	assert.Equal(t, "b", out[0].ID)
}

func TestPendingReturnsOnlyPendingStatus(t *testing.T) {
	dir := t.TempDir()
	mb, err := Open(dir, "outbox.json", nil)
	require.NoError(t, err)

	_, err = mb.Append(Message{ID: "a", Status: StatusPending})
	require.NoError(t, err)
	_, err = mb.Append(Message{ID: "b", Status: StatusSent})
	require.NoError(t, err)

	pending := mb.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "a", pending[0].ID)
}

func TestListSortsByTimestamp(t *testing.T) {
	dir := t.TempDir()
	mb, err := Open(dir, "inbox.json", nil)
	require.NoError(t, err)

	_, err = mb.Append(Message{ID: "b", Timestamp: 20})
	require.NoError(t, err)
	_, err = mb.Append(Message{ID: "a", Timestamp: 10})
	require.NoError(t, err)

	list := mb.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
}
