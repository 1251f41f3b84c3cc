package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexrudloff/clawchat/identity"
	"github.com/alexrudloff/clawchat/identitymgr"
	"github.com/alexrudloff/clawchat/mailbox"
	"github.com/alexrudloff/clawchat/snap2p"
	"github.com/alexrudloff/clawchat/transport"
)

type noopEvents struct {
	chatCh chan snap2p.ChatFrame
}

func (e *noopEvents) OnAuthenticated(*snap2p.Session)                  {}
func (e *noopEvents) OnClosed(*snap2p.Session, error)                  {}
func (e *noopEvents) OnPXPush(*snap2p.Session, snap2p.PXPushFrame)     {}
func (e *noopEvents) OnPXRequest(*snap2p.Session, snap2p.PXRequestFrame) {}
func (e *noopEvents) OnPXResponse(*snap2p.Session, snap2p.PXResponseFrame) {}
func (e *noopEvents) OnChat(s *snap2p.Session, frame snap2p.ChatFrame) {
	if e.chatCh != nil {
		e.chatCh <- frame
	}
}

func loadState(t *testing.T, root string) *identitymgr.State {
	t.Helper()
	id, err := identity.Create(identity.ModeLocal, identity.CreateFlags{})
	require.NoError(t, err)

	dir := root + "/identities/" + identity.SanitizePrincipal(id.Principal)
	store, err := identity.NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Save(id, "correct horse battery staple"))

	mgr := identitymgr.New(root, nil)
	state, err := mgr.Load(id.Principal, "correct horse battery staple",
		identitymgr.Config{Principal: id.Principal, AllowedRemotePeers: []string{"*"}, Autoload: true})
	require.NoError(t, err)
	return state
}

func TestTryDeliverDialsAndSends(t *testing.T) {
	tr := transport.NewTCP()

	bRoot := t.TempDir()
	stateB := loadState(t, bRoot)

	listener, err := transport.ParseMultiaddr("/ip4/127.0.0.1/tcp/0")
	require.NoError(t, err)
	ln, err := tr.Listen(listener)
	require.NoError(t, err)
	defer ln.Close()

	chatCh := make(chan snap2p.ChatFrame, 1)
	eventsB := &noopEvents{chatCh: chatCh}
	go func() {
		ctx := context.Background()
		stream, err := ln.Accept(ctx)
		if err != nil {
			return
		}
		_, _ = snap2p.Accept(ctx, stream, stateB.Identity, eventsB)
	}()

	addr := ln.Multiaddrs()[0].String()

	aRoot := t.TempDir()
	stateA := loadState(t, aRoot)
	require.NoError(t, stateA.PeerBook.MergeLearned(stateB.Identity.Principal, "", []string{addr}, "", false))

	eng := New(nil, tr, &noopEvents{}, nil)

	msg := mailbox.Message{
		ID:        "m1",
		From:      stateA.Identity.Principal,
		To:        stateB.Identity.Principal,
		Content:   "hello",
		Timestamp: time.Now().UnixMilli(),
		Status:    mailbox.StatusPending,
	}
	_, err = stateA.Outbox.Append(msg)
	require.NoError(t, err)

	eng.TriggerImmediate(stateA, msg)

	select {
	case frame := <-chatCh:
		assert.Equal(t, "hello", frame.Content)
	case <-time.After(5 * time.Second):
		t.Fatal("chat frame was never received")
	}

	require.Eventually(t, func() bool {
		got, ok := stateA.Outbox.Get("m1")
		return ok && got.Status == mailbox.StatusSent
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := stateA.SessionFor(stateB.Identity.Principal)
	assert.True(t, ok)
}

func TestCollectCandidatesPrefersPeerBook(t *testing.T) {
	root := t.TempDir()
	state := loadState(t, root)
	require.NoError(t, state.PeerBook.Add("local:bob", "/ip4/10.0.0.1/tcp/9000", ""))

	eng := New(nil, transport.NewTCP(), &noopEvents{}, nil)
	addrs := eng.collectCandidates(state, "local:bob")
	require.Len(t, addrs, 1)
	assert.Equal(t, "/ip4/10.0.0.1/tcp/9000", addrs[0])
}

func TestCollectCandidatesEmptyWithNoSessionsOrPeerBookEntry(t *testing.T) {
	root := t.TempDir()
	state := loadState(t, root)

	eng := New(nil, transport.NewTCP(), &noopEvents{}, nil)
	addrs := eng.collectCandidates(state, "local:nobody")
	assert.Empty(t, addrs)
}
