// Package ipc implements the gateway's control plane: a newline-delimited
// JSON protocol served over a POSIX unix-domain socket, per spec §4.I.
package ipc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/alexrudloff/clawchat/delivery"
	"github.com/alexrudloff/clawchat/identity"
	"github.com/alexrudloff/clawchat/identitymgr"
	"github.com/alexrudloff/clawchat/internal/errs"
	"github.com/alexrudloff/clawchat/internal/logger"
	"github.com/alexrudloff/clawchat/router"
)

// SocketFileName is the default unix socket name under the gateway's root
// directory.
const SocketFileName = "clawchat.sock"

// pollInterval bounds how often a blocking recv re-checks the inbox.
const pollInterval = 50 * time.Millisecond

// StopFunc is invoked when a stop command is received, after the ack is
// written; it should begin the daemon's orderly shutdown.
type StopFunc func()

// Server serves the control plane protocol over one unix socket. It holds no
// session or routing logic of its own — it is a thin command dispatcher over
// the manager, router, and delivery engine.
type Server struct {
	log      logger.Logger
	mgr      *identitymgr.Manager
	router   *router.Router
	delivery *delivery.Engine
	onStop   StopFunc

	// listenAddrs reports an identity's own inbound listen addresses, for
	// the status/multiaddrs commands. Wired by the gateway daemon, which is
	// the only thing that owns the listeners; nil until then, in which case
	// both commands report an empty list.
	listenAddrs func(principal string) []string
	// p2pPort is the configured listen port, reported by status. Zero until
	// the gateway daemon wires it.
	p2pPort int

	socketPath string
	listener   *net.UnixListener

	mu    sync.Mutex
	conns map[Sink]struct{}

	stopCh chan struct{}
	doneCh chan struct{}
}

// Sink is anything that can receive a response or out-of-band event line.
// serverConn (one unix-socket client) implements it; the WebSocket bridge
// implements it too, so Broadcast reaches both kinds of client uniformly.
type Sink interface {
	WriteLine(v interface{}) error
}

// AddSink registers sink to receive future Broadcast events, e.g. a
// WebSocket bridge connection relaying the event stream to a browser.
func (s *Server) AddSink(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[sink] = struct{}{}
}

// RemoveSink unregisters a sink added with AddSink.
func (s *Server) RemoveSink(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, sink)
}

// SetListenAddrs wires the function the status/multiaddrs commands use to
// report an identity's own inbound listen addresses.
func (s *Server) SetListenAddrs(f func(principal string) []string) {
	s.listenAddrs = f
}

// SetP2PPort records the configured listen port, reported by status.
func (s *Server) SetP2PPort(port int) {
	s.p2pPort = port
}

// HandleLine runs one request line through the same dispatch path a
// unix-socket client's requests go through. The WebSocket bridge uses this
// to pass commands received over its own framing.
func (s *Server) HandleLine(line []byte) Response {
	return s.dispatch(line)
}

// New builds a Server. onStop may be nil, in which case a stop command is
// acknowledged but no shutdown action is taken.
func New(mgr *identitymgr.Manager, rtr *router.Router, eng *delivery.Engine, onStop StopFunc, log logger.Logger) *Server {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &Server{
		log:      log,
		mgr:      mgr,
		router:   rtr,
		delivery: eng,
		onStop:   onStop,
		conns:    make(map[Sink]struct{}),
	}
}

// Listen binds socketPath, removing a stale socket file first, and begins
// accepting connections in the background.
func (s *Server) Listen(socketPath string) error {
	_ = os.Remove(socketPath)

	addr, err := net.ResolveUnixAddr("unix", socketPath)
	if err != nil {
		return errs.Wrap(errs.CodeConfig, "ipc: resolve socket path", err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return errs.Wrap(errs.CodeFatal, "ipc: listen", err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		ln.Close()
		return errs.Wrap(errs.CodeFatal, "ipc: chmod socket", err)
	}

	s.socketPath = socketPath
	s.listener = ln
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.acceptLoop()
	return nil
}

// Close stops accepting connections, closes every live connection, and
// removes the socket file.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	close(s.stopCh)
	err := s.listener.Close()
	<-s.doneCh

	s.mu.Lock()
	for c := range s.conns {
		if cl, ok := c.(interface{ Close() error }); ok {
			cl.Close()
		}
	}
	s.mu.Unlock()

	_ = os.Remove(s.socketPath)
	return err
}

func (s *Server) acceptLoop() {
	defer close(s.doneCh)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.log.Warn("ipc: accept failed", logger.Error(err))
				return
			}
		}
		sc := &serverConn{conn: conn}
		s.mu.Lock()
		s.conns[sc] = struct{}{}
		s.mu.Unlock()
		go s.handleConn(sc)
	}
}

func (s *Server) handleConn(c *serverConn) {
	defer func() {
		c.conn.Close()
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		resp := s.dispatch(line)
		if err := c.WriteLine(resp); err != nil {
			s.log.Warn("ipc: write failed", logger.Error(err))
			return
		}
	}
}

// Broadcast writes an out-of-band event line to every connected client,
// unix-socket or WebSocket bridge alike. event must carry its own "type"
// field.
func (s *Server) Broadcast(event interface{}) {
	s.mu.Lock()
	targets := make([]Sink, 0, len(s.conns))
	for c := range s.conns {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		if err := c.WriteLine(event); err != nil {
			s.log.Warn("ipc: broadcast failed", logger.Error(err))
		}
	}
}

type serverConn struct {
	conn    net.Conn
	writeMu sync.Mutex
}

// WriteLine implements Sink.
func (c *serverConn) WriteLine(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.conn.Write(data)
	return err
}

func (c *serverConn) Close() error {
	return c.conn.Close()
}

// Response is the {ok, data?, error?} shape every request line gets back.
type Response struct {
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

func ok(data interface{}) Response { return Response{OK: true, Data: data} }
func fail(err error) Response      { return Response{OK: false, Error: err.Error()} }
func failMsg(msg string) Response  { return Response{OK: false, Error: msg} }

func (s *Server) dispatch(line []byte) Response {
	var env struct {
		Cmd string `json:"cmd"`
	}
	if err := json.Unmarshal(line, &env); err != nil {
		return failMsg("malformed request")
	}

	switch env.Cmd {
	case "send":
		return s.cmdSend(line)
	case "recv":
		return s.cmdRecv(line)
	case "inbox":
		return s.cmdInbox(line)
	case "outbox":
		return s.cmdOutbox(line)
	case "peers":
		return s.cmdPeers(line)
	case "peer_add":
		return s.cmdPeerAdd(line)
	case "peer_remove":
		return s.cmdPeerRemove(line)
	case "peer_resolve":
		return s.cmdPeerResolve(line)
	case "status":
		return s.cmdStatus(line)
	case "multiaddrs":
		return s.cmdMultiaddrs(line)
	case "connect":
		return s.cmdConnect(line)
	case "stop":
		return s.cmdStop(line)
	default:
		return failMsg(fmt.Sprintf("unknown command: %s", env.Cmd))
	}
}

func (s *Server) resolveState(as string) (*identitymgr.State, error) {
	principal, ok := s.mgr.Resolve(as)
	if !ok {
		return nil, errs.New(errs.CodeNotFound, "no such identity")
	}
	state, ok := s.mgr.GetState(principal)
	if !ok {
		return nil, errs.New(errs.CodeNotFound, "no such identity")
	}
	return state, nil
}

func (s *Server) cmdSend(line []byte) Response {
	var args struct {
		To      string `json:"to"`
		Content string `json:"content"`
		As      string `json:"as"`
	}
	if err := json.Unmarshal(line, &args); err != nil {
		return failMsg("malformed send request")
	}
	state, err := s.resolveState(args.As)
	if err != nil {
		return fail(err)
	}
	if args.To == "" {
		return failMsg("missing recipient")
	}
	if _, _, err := identity.ParsePrincipal(args.To); err != nil {
		return fail(errs.New(errs.CodeProtocol, "bad recipient: "+args.To))
	}

	msg, err := s.router.Send(state, args.To, args.Content)
	if err != nil {
		return fail(err)
	}
	return ok(map[string]interface{}{"id": msg.ID, "status": "queued"})
}

// cmdRecv resolves on the first message delivered after since, or at timeout
// expiry, whichever comes first; see spec §5.
func (s *Server) cmdRecv(line []byte) Response {
	var args struct {
		As      string `json:"as"`
		Since   int64  `json:"since"`
		Timeout int64  `json:"timeout"`
	}
	if err := json.Unmarshal(line, &args); err != nil {
		return failMsg("malformed recv request")
	}
	state, err := s.resolveState(args.As)
	if err != nil {
		return fail(err)
	}

	if args.Timeout <= 0 {
		return ok(state.Inbox.Since(args.Since))
	}

	deadline := time.Now().Add(time.Duration(args.Timeout) * time.Millisecond)
	for {
		msgs := state.Inbox.Since(args.Since)
		if len(msgs) > 0 || time.Now().After(deadline) {
			return ok(msgs)
		}
		time.Sleep(pollInterval)
	}
}

func (s *Server) cmdInbox(line []byte) Response {
	var args struct {
		As string `json:"as"`
	}
	_ = json.Unmarshal(line, &args)
	state, err := s.resolveState(args.As)
	if err != nil {
		return fail(err)
	}
	return ok(state.Inbox.List())
}

func (s *Server) cmdOutbox(line []byte) Response {
	var args struct {
		As string `json:"as"`
	}
	_ = json.Unmarshal(line, &args)
	state, err := s.resolveState(args.As)
	if err != nil {
		return fail(err)
	}
	return ok(state.Outbox.List())
}

type peerView struct {
	Principal       string   `json:"principal"`
	NodePublicKey   string   `json:"nodePublicKey,omitempty"`
	Multiaddrs      []string `json:"multiaddrs"`
	Alias           string   `json:"alias,omitempty"`
	SourcePrincipal string   `json:"sourcePrincipal,omitempty"`
	FirstSeen       int64    `json:"firstSeen"`
	LastSeen        int64    `json:"lastSeen"`
	Verified        bool     `json:"verified"`
	Connected       bool     `json:"connected"`
}

func (s *Server) cmdPeers(line []byte) Response {
	var args struct {
		As string `json:"as"`
	}
	_ = json.Unmarshal(line, &args)
	state, err := s.resolveState(args.As)
	if err != nil {
		return fail(err)
	}

	records := state.PeerBook.List()
	out := make([]peerView, 0, len(records))
	for _, r := range records {
		_, connected := state.SessionFor(r.Principal)
		out = append(out, peerView{
			Principal:       r.Principal,
			NodePublicKey:   r.NodePublicKey,
			Multiaddrs:      r.Multiaddrs,
			Alias:           r.Alias,
			SourcePrincipal: r.SourcePrincipal,
			FirstSeen:       r.FirstSeen.UnixMilli(),
			LastSeen:        r.LastSeen.UnixMilli(),
			Verified:        r.Verified,
			Connected:       connected,
		})
	}
	return ok(out)
}

func (s *Server) cmdPeerAdd(line []byte) Response {
	var args struct {
		Principal string `json:"principal"`
		Address   string `json:"address"`
		Alias     string `json:"alias"`
		As        string `json:"as"`
	}
	if err := json.Unmarshal(line, &args); err != nil {
		return failMsg("malformed peer_add request")
	}
	state, err := s.resolveState(args.As)
	if err != nil {
		return fail(err)
	}
	if err := state.PeerBook.Add(args.Principal, args.Address, args.Alias); err != nil {
		return fail(err)
	}
	return ok(nil)
}

func (s *Server) cmdPeerRemove(line []byte) Response {
	var args struct {
		Principal string `json:"principal"`
		As        string `json:"as"`
	}
	if err := json.Unmarshal(line, &args); err != nil {
		return failMsg("malformed peer_remove request")
	}
	state, err := s.resolveState(args.As)
	if err != nil {
		return fail(err)
	}
	if err := state.PeerBook.Remove(args.Principal); err != nil {
		return fail(err)
	}
	return ok(nil)
}

func (s *Server) cmdPeerResolve(line []byte) Response {
	var args struct {
		Principal string `json:"principal"`
		Through   string `json:"through"`
		As        string `json:"as"`
	}
	if err := json.Unmarshal(line, &args); err != nil {
		return failMsg("malformed peer_resolve request")
	}
	state, err := s.resolveState(args.As)
	if err != nil {
		return fail(err)
	}
	if s.delivery == nil {
		return ok(nil)
	}
	return ok(s.delivery.ResolvePeer(state, args.Principal))
}

func (s *Server) cmdStatus(line []byte) Response {
	var args struct {
		As string `json:"as"`
	}
	_ = json.Unmarshal(line, &args)
	state, err := s.resolveState(args.As)
	if err != nil {
		return fail(err)
	}

	connected := make([]string, 0)
	for _, session := range state.Sessions() {
		connected = append(connected, session.RemotePrincipal)
	}

	snapshots := s.mgr.List()
	loaded := make([]string, 0, len(snapshots))
	for _, snap := range snapshots {
		loaded = append(loaded, snap.Principal)
	}

	return ok(map[string]interface{}{
		"principal":        state.Identity.Principal,
		"peerId":           state.Identity.NodeKey.ID(),
		"p2pPort":          s.p2pPort,
		"multiaddrs":       s.ownMultiaddrs(state.Identity.Principal),
		"connectedPeers":   connected,
		"inboxCount":       state.Inbox.Count(),
		"outboxCount":      state.Outbox.Count(),
		"loadedIdentities": loaded,
	})
}

// ownMultiaddrs reports principal's own inbound listen addresses, per spec
// §5's status/multiaddrs commands — not to be confused with peer_resolve,
// which reports a remote peer's addresses.
func (s *Server) ownMultiaddrs(principal string) []string {
	if s.listenAddrs == nil {
		return []string{}
	}
	out := s.listenAddrs(principal)
	if out == nil {
		out = []string{}
	}
	return out
}

func (s *Server) cmdMultiaddrs(line []byte) Response {
	var args struct {
		As string `json:"as"`
	}
	_ = json.Unmarshal(line, &args)
	state, err := s.resolveState(args.As)
	if err != nil {
		return fail(err)
	}
	return ok(s.ownMultiaddrs(state.Identity.Principal))
}

func (s *Server) cmdConnect(line []byte) Response {
	var args struct {
		Multiaddr string `json:"multiaddr"`
		As        string `json:"as"`
	}
	if err := json.Unmarshal(line, &args); err != nil {
		return failMsg("malformed connect request")
	}
	state, err := s.resolveState(args.As)
	if err != nil {
		return fail(err)
	}
	if s.delivery == nil {
		return failMsg("connect is unavailable: no delivery engine configured")
	}
	session, err := s.delivery.Connect(state, args.Multiaddr)
	if err != nil {
		return fail(errs.Wrap(errs.CodeTransport, "connect failed", err))
	}
	return ok(map[string]interface{}{"principal": session.RemotePrincipal})
}

func (s *Server) cmdStop(line []byte) Response {
	resp := ok(nil)
	if s.onStop != nil {
		go s.onStop()
	}
	return resp
}
