package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexrudloff/clawchat/identity"
	"github.com/alexrudloff/clawchat/identitymgr"
	"github.com/alexrudloff/clawchat/mailbox"
	"github.com/alexrudloff/clawchat/snap2p"
)

type recordingEvents struct {
	messages []mailbox.Message
	queued   []mailbox.Message
	errors   []error
}

func (r *recordingEvents) OnMessage(to string, msg mailbox.Message) {
	r.messages = append(r.messages, msg)
}
func (r *recordingEvents) OnOutboundQueued(state *identitymgr.State, msg mailbox.Message) {
	r.queued = append(r.queued, msg)
}
func (r *recordingEvents) OnError(context string, err error) {
	r.errors = append(r.errors, err)
}

func newState(t *testing.T, cfg identitymgr.Config) *identitymgr.State {
	t.Helper()
	root := t.TempDir()
	id, err := identity.Create(identity.ModeLocal, identity.CreateFlags{})
	require.NoError(t, err)

	dir := root + "/identities/" + identity.SanitizePrincipal(id.Principal)
	store, err := identity.NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Save(id, "correct horse battery staple"))

	mgr := identitymgr.New(root, nil)
	cfg.Principal = id.Principal
	state, err := mgr.Load(id.Principal, "correct horse battery staple", cfg)
	require.NoError(t, err)
	return state
}

func TestHandleChatDeniedByACL(t *testing.T) {
	state := newState(t, identitymgr.Config{})
	ev := &recordingEvents{}
	r := New(nil, ev, "")

	session := &snap2p.Session{RemotePrincipal: "local:stranger"}
	r.HandleChat(state, session, snap2p.ChatFrame{ID: "m1", Content: "hi"})

	assert.Empty(t, ev.messages)
	assert.Equal(t, 0, state.Inbox.Count())
}

func TestHandleChatAllowedByWildcard(t *testing.T) {
	state := newState(t, identitymgr.Config{AllowedRemotePeers: []string{"*"}})
	ev := &recordingEvents{}
	r := New(nil, ev, "")

	session := &snap2p.Session{RemotePrincipal: "local:friend"}
	r.HandleChat(state, session, snap2p.ChatFrame{ID: "m1", Content: "hi", SenderNick: "bob"})

	require.Len(t, ev.messages, 1)
	assert.Equal(t, "local:friend", ev.messages[0].From)
	assert.Equal(t, mailbox.StatusDelivered, ev.messages[0].Status)
}

func TestHandleChatDedupsByID(t *testing.T) {
	state := newState(t, identitymgr.Config{AllowedRemotePeers: []string{"*"}})
	ev := &recordingEvents{}
	r := New(nil, ev, "")

	session := &snap2p.Session{RemotePrincipal: "local:friend"}
	r.HandleChat(state, session, snap2p.ChatFrame{ID: "m1", Content: "hi"})
	r.HandleChat(state, session, snap2p.ChatFrame{ID: "m1", Content: "hi again"})

	assert.Len(t, ev.messages, 1)
	assert.Equal(t, 1, state.Inbox.Count())
}

func TestSendQueuesPendingAndNotifies(t *testing.T) {
	state := newState(t, identitymgr.Config{})
	ev := &recordingEvents{}
	r := New(nil, ev, "")

	msg, err := r.Send(state, "local:bob", "hello")
	require.NoError(t, err)
	assert.Equal(t, mailbox.StatusPending, msg.Status)
	assert.NotEmpty(t, msg.ID)

	require.Len(t, ev.queued, 1)
	assert.Equal(t, msg.ID, ev.queued[0].ID)
	assert.Equal(t, 1, state.Outbox.Count())
}
