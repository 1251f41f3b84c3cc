package wsbridge

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexrudloff/clawchat/ipc"
)

type fakeDispatcher struct {
	mu    sync.Mutex
	sinks map[ipc.Sink]struct{}
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{sinks: make(map[ipc.Sink]struct{})}
}

func (d *fakeDispatcher) HandleLine(line []byte) ipc.Response {
	return ipc.Response{OK: true, Data: map[string]interface{}{"echo": string(line)}}
}

func (d *fakeDispatcher) AddSink(sink ipc.Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks[sink] = struct{}{}
}

func (d *fakeDispatcher) RemoveSink(sink ipc.Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sinks, sink)
}

func (d *fakeDispatcher) broadcast(v interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for s := range d.sinks {
		_ = s.WriteLine(v)
	}
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws", nil)
	require.NoError(t, err)
	return conn
}

func TestAutoAuthenticatesWithEmptyToken(t *testing.T) {
	disp := newFakeDispatcher()
	b := New(disp, "", nil, nil)
	ts := httptest.NewServer(b.Handler())
	defer ts.Close()

	conn := dialWS(t, ts.URL)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"cmd": "status"}))

	var resp map[string]interface{}
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, true, resp["ok"])
}

func TestRejectsCommandsBeforeAuthWhenTokenConfigured(t *testing.T) {
	disp := newFakeDispatcher()
	b := New(disp, "s3cret", nil, nil)
	ts := httptest.NewServer(b.Handler())
	defer ts.Close()

	conn := dialWS(t, ts.URL)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"cmd": "status"}))

	var resp map[string]interface{}
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "error", resp["type"])
}

func TestAuthWithValidTokenUnlocksCommands(t *testing.T) {
	disp := newFakeDispatcher()
	secret := "s3cret"
	b := New(disp, secret, nil, nil)
	ts := httptest.NewServer(b.Handler())
	defer ts.Close()

	token, err := SignToken(secret)
	require.NoError(t, err)

	conn := dialWS(t, ts.URL)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "auth", "token": token}))
	var authResp map[string]interface{}
	require.NoError(t, conn.ReadJSON(&authResp))
	assert.Equal(t, "auth_ok", authResp["type"])

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"cmd": "status"}))
	var resp map[string]interface{}
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, true, resp["ok"])
}

func TestAuthWithWrongTokenFails(t *testing.T) {
	disp := newFakeDispatcher()
	b := New(disp, "s3cret", nil, nil)
	ts := httptest.NewServer(b.Handler())
	defer ts.Close()

	wrongToken, err := SignToken("not-the-secret")
	require.NoError(t, err)

	conn := dialWS(t, ts.URL)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "auth", "token": wrongToken}))
	var resp map[string]interface{}
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "auth_fail", resp["type"])
}

func TestPingPong(t *testing.T) {
	disp := newFakeDispatcher()
	b := New(disp, "", nil, nil)
	ts := httptest.NewServer(b.Handler())
	defer ts.Close()

	conn := dialWS(t, ts.URL)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "ping"}))
	var resp map[string]interface{}
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "pong", resp["type"])
}

func TestBroadcastReachesAuthenticatedConnection(t *testing.T) {
	disp := newFakeDispatcher()
	b := New(disp, "", nil, nil)
	ts := httptest.NewServer(b.Handler())
	defer ts.Close()

	conn := dialWS(t, ts.URL)
	defer conn.Close()

	// give the server goroutine a moment to register the sink after upgrade
	require.Eventually(t, func() bool {
		disp.mu.Lock()
		defer disp.mu.Unlock()
		return len(disp.sinks) == 1
	}, time.Second, 10*time.Millisecond)

	disp.broadcast(map[string]interface{}{"type": "message", "content": "hi"})

	var resp map[string]interface{}
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "message", resp["type"])
}
