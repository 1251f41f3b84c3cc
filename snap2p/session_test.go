package snap2p

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexrudloff/clawchat/identity"
)

// pipeStream adapts a net.Conn (as produced by net.Pipe) to transport.Stream
// for tests that don't need a real socket.
type pipeStream struct {
	net.Conn
}

func (p *pipeStream) RemoteMultiaddr() multiaddr.Multiaddr {
	addr, _ := multiaddr.NewMultiaddr("/ip4/127.0.0.1/tcp/0")
	return addr
}

type recordingEvents struct {
	mu            sync.Mutex
	authenticated []*Session
	closed        []*Session
	chats         []ChatFrame
	pxPushes      []PXPushFrame
}

func (r *recordingEvents) OnAuthenticated(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.authenticated = append(r.authenticated, s)
}
func (r *recordingEvents) OnClosed(s *Session, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, s)
}
func (r *recordingEvents) OnChat(s *Session, f ChatFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chats = append(r.chats, f)
}
func (r *recordingEvents) OnPXPush(s *Session, f PXPushFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pxPushes = append(r.pxPushes, f)
}
func (r *recordingEvents) OnPXRequest(s *Session, f PXRequestFrame)   {}
func (r *recordingEvents) OnPXResponse(s *Session, f PXResponseFrame) {}

func newTestIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Create(identity.ModeLocal, identity.CreateFlags{})
	require.NoError(t, err)
	return id
}

func TestHandshakeRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	clientID := newTestIdentity(t)
	serverID := newTestIdentity(t)

	clientEv := &recordingEvents{}
	serverEv := &recordingEvents{}

	var clientSession, serverSession *Session
	var clientErr, serverErr error

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		clientSession, clientErr = Initiate(context.Background(), &pipeStream{clientConn}, clientID, nil, clientEv)
	}()
	go func() {
		defer wg.Done()
		serverSession, serverErr = Accept(context.Background(), &pipeStream{serverConn}, serverID, serverEv)
	}()
	wg.Wait()

	require.NoError(t, clientErr)
	require.NoError(t, serverErr)
	require.NotNil(t, clientSession)
	require.NotNil(t, serverSession)

	assert.Equal(t, PhaseAuthenticated, clientSession.Phase)
	assert.Equal(t, PhaseAuthenticated, serverSession.Phase)
	assert.Equal(t, serverID.Principal, clientSession.RemotePrincipal)
	assert.Equal(t, clientID.Principal, serverSession.RemotePrincipal)

	require.Len(t, clientEv.authenticated, 1)
	require.Len(t, serverEv.authenticated, 1)
}

func TestChatFrameDelivery(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	clientID := newTestIdentity(t)
	serverID := newTestIdentity(t)

	clientEv := &recordingEvents{}
	serverEv := &recordingEvents{}

	var clientSession, serverSession *Session
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		clientSession, _ = Initiate(context.Background(), &pipeStream{clientConn}, clientID, nil, clientEv)
	}()
	go func() {
		defer wg.Done()
		serverSession, _ = Accept(context.Background(), &pipeStream{serverConn}, serverID, serverEv)
	}()
	wg.Wait()
	require.NotNil(t, clientSession)
	require.NotNil(t, serverSession)

	require.NoError(t, clientSession.SendChat("msg-1", "hello", "alice"))

	require.Eventually(t, func() bool {
		serverEv.mu.Lock()
		defer serverEv.mu.Unlock()
		return len(serverEv.chats) == 1
	}, time.Second, 10*time.Millisecond)

	serverEv.mu.Lock()
	assert.Equal(t, "hello", serverEv.chats[0].Content)
	assert.Equal(t, "msg-1", serverEv.chats[0].ID)
	serverEv.mu.Unlock()
}

func TestCloseFiresOnClosedOnce(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	clientID := newTestIdentity(t)
	serverID := newTestIdentity(t)

	clientEv := &recordingEvents{}
	serverEv := &recordingEvents{}

	var clientSession, serverSession *Session
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		clientSession, _ = Initiate(context.Background(), &pipeStream{clientConn}, clientID, nil, clientEv)
	}()
	go func() {
		defer wg.Done()
		serverSession, _ = Accept(context.Background(), &pipeStream{serverConn}, serverID, serverEv)
	}()
	wg.Wait()
	require.NotNil(t, clientSession)
	require.NotNil(t, serverSession)

	clientSession.Close(nil)
	clientSession.Close(nil)

	require.Eventually(t, func() bool {
		serverEv.mu.Lock()
		defer serverEv.mu.Unlock()
		return len(serverEv.closed) == 1
	}, time.Second, 10*time.Millisecond)

	clientEv.mu.Lock()
	assert.Len(t, clientEv.closed, 1)
	clientEv.mu.Unlock()

	assert.Equal(t, PhaseClosed, clientSession.Phase)
}

func TestNewMessageIDUnique(t *testing.T) {
	a := NewMessageID()
	b := NewMessageID()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 32)
}
