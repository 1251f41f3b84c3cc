// Package wsbridge implements the optional WebSocket control-plane bridge
// of spec §4.J: a pass-through that relays the same commands and events as
// the unix-socket IPC server, authenticated with a bearer JWT, over a
// separate TCP port a browser can reach.
package wsbridge

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/alexrudloff/clawchat/internal/errs"
	"github.com/alexrudloff/clawchat/internal/logger"
	"github.com/alexrudloff/clawchat/ipc"
)

// readTimeout/writeTimeout bound a single WebSocket I/O call so the bridge
// can never stall on an unresponsive browser tab.
const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

// Dispatcher is the one thing the bridge needs from the IPC core: run a
// request line and get a response, plus a place to register for the
// out-of-band event stream. *ipc.Server satisfies this.
type Dispatcher interface {
	HandleLine(line []byte) ipc.Response
	AddSink(sink ipc.Sink)
	RemoveSink(sink ipc.Sink)
}

// Bridge serves the WebSocket control-plane endpoint. It holds no identity
// state of its own.
type Bridge struct {
	log        logger.Logger
	dispatcher Dispatcher
	token      string // empty disables auth: every client is auto-authenticated
	upgrader   websocket.Upgrader
	staticDir  http.Handler
}

// New builds a Bridge. token is the shared secret configured in
// gateway-config.json's wsBridge.token; an empty token disables auth
// entirely, per spec §4.J. staticDir may be nil to disable static file
// serving.
func New(dispatcher Dispatcher, token string, staticDir http.Handler, log logger.Logger) *Bridge {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &Bridge{
		log:        log,
		dispatcher: dispatcher,
		token:      token,
		staticDir:  staticDir,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// SignToken issues a bearer JWT signed with HS256 keyed on secret (the
// bridge's configured token). Exposed so a CLI can mint a token for a browser client
// out of band; the bridge itself only ever verifies.
func SignToken(secret string) (string, error) {
	claims := jwt.MapClaims{
		"iat": time.Now().Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		return "", errs.Wrap(errs.CodeFatal, "wsbridge: sign token", err)
	}
	return signed, nil
}

func (b *Bridge) verifyToken(bearer string) bool {
	if b.token == "" {
		return true
	}
	parsed, err := jwt.Parse(bearer, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errs.New(errs.CodeAuth, "unexpected signing method")
		}
		return []byte(b.token), nil
	})
	return err == nil && parsed.Valid
}

// Handler returns the HTTP handler for the bridge's dedicated listener. It
// upgrades requests for the path "/ws" to WebSocket connections and serves
// every other path from staticDir, or answers 404 when staticDir is nil.
func (b *Bridge) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			if b.staticDir != nil {
				b.staticDir.ServeHTTP(w, r)
				return
			}
			http.NotFound(w, r)
			return
		}

		conn, err := b.upgrader.Upgrade(w, r, nil)
		if err != nil {
			b.log.Warn("wsbridge: upgrade failed", logger.Error(err))
			return
		}
		bc := &bridgeConn{conn: conn, bridge: b}
		bc.serve()
	})
}

type bridgeConn struct {
	conn          *websocket.Conn
	bridge        *Bridge
	writeMu       sync.Mutex
	authenticated bool
}

func (bc *bridgeConn) serve() {
	defer func() {
		bc.bridge.dispatcher.RemoveSink(bc)
		bc.conn.Close()
	}()

	bc.authenticated = bc.bridge.token == ""
	if bc.authenticated {
		bc.bridge.dispatcher.AddSink(bc)
	}

	for {
		if err := bc.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return
		}
		_, raw, err := bc.conn.ReadMessage()
		if err != nil {
			return
		}

		var env struct {
			Type  string `json:"type"`
			Token string `json:"token"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			bc.writeJSON(map[string]interface{}{"type": "error", "error": "malformed message"})
			continue
		}

		switch env.Type {
		case "auth":
			if bc.bridge.verifyToken(env.Token) {
				bc.authenticated = true
				bc.bridge.dispatcher.AddSink(bc)
				bc.writeJSON(map[string]interface{}{"type": "auth_ok"})
			} else {
				bc.writeJSON(map[string]interface{}{"type": "auth_fail"})
			}
		case "ping":
			bc.writeJSON(map[string]interface{}{"type": "pong"})
		default:
			if !bc.authenticated {
				bc.writeJSON(map[string]interface{}{"type": "error", "error": "not authenticated"})
				continue
			}
			resp := bc.bridge.dispatcher.HandleLine(raw)
			bc.writeJSON(resp)
		}
	}
}

func (bc *bridgeConn) writeJSON(v interface{}) {
	if err := bc.WriteLine(v); err != nil {
		bc.bridge.log.Warn("wsbridge: write failed", logger.Error(err))
	}
}

// WriteLine implements ipc.Sink so the bridge connection can receive
// Broadcast events the same way a unix-socket client does.
func (bc *bridgeConn) WriteLine(v interface{}) error {
	bc.writeMu.Lock()
	defer bc.writeMu.Unlock()
	if err := bc.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return bc.conn.WriteJSON(v)
}
