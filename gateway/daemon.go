// Package gateway wires every subsystem of the clawchat gateway together
// behind the single cooperative-concurrency daemon of spec §5: identity
// manager, router, delivery engine, peer book, IPC server, metrics/health
// endpoint, and the optional WebSocket bridge and session ledger.
package gateway

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/alexrudloff/clawchat/delivery"
	"github.com/alexrudloff/clawchat/gateway/config"
	"github.com/alexrudloff/clawchat/identity"
	"github.com/alexrudloff/clawchat/identitymgr"
	"github.com/alexrudloff/clawchat/internal/errs"
	"github.com/alexrudloff/clawchat/internal/logger"
	"github.com/alexrudloff/clawchat/internal/metrics"
	"github.com/alexrudloff/clawchat/ipc"
	"github.com/alexrudloff/clawchat/ledger"
	"github.com/alexrudloff/clawchat/router"
	"github.com/alexrudloff/clawchat/snap2p"
	"github.com/alexrudloff/clawchat/transport"
	"github.com/alexrudloff/clawchat/wsbridge"
)

// pidFileName is the file the running daemon's process id is written to,
// so `gatewayd stop`/`gatewayd status` can find it without an IPC round
// trip. Named per spec §6's on-disk layout.
const pidFileName = "daemon.pid"

// Daemon owns every long-lived subsystem and the identities loaded at
// startup. Start/Stop sequence per spec §5: stop accepting new IPC
// connections, stop the retry tick, close every session (notifying peers),
// await in-flight writes, then remove the PID file and IPC socket.
type Daemon struct {
	rootDir string
	log     logger.Logger
	cfg     *config.Config

	mgr       *identitymgr.Manager
	transport transport.Transport
	router    *router.Router
	delivery  *delivery.Engine
	ipcServer *ipc.Server
	ledger    *ledger.Ledger

	metricsSrv *http.Server
	bridgeSrv  *http.Server

	// mu guards listener and localPrincipals: every AllowLocal identity
	// answers inbound connections on the single shared listener (spec §2:
	// "nothing is shared across identities except the single underlying
	// transport"), demultiplexed by the node key the initiator targeted.
	mu              sync.Mutex
	listener        transport.Listener
	localPrincipals map[string]bool
}

// New constructs a Daemon from a loaded config, rooted at rootDir (the
// directory holding gateway-config.json, identities/, and clawchat.sock).
func New(rootDir string, cfg *config.Config, log logger.Logger) *Daemon {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &Daemon{
		rootDir:         rootDir,
		log:             log,
		cfg:             cfg,
		transport:       transport.NewTCP(),
		localPrincipals: make(map[string]bool),
	}
}

// HealthIdentities implements metrics.HealthReporter.
func (d *Daemon) HealthIdentities() []metrics.IdentityStatus {
	var out []metrics.IdentityStatus
	for _, snap := range d.mgr.List() {
		state, ok := d.mgr.GetState(snap.Principal)
		if !ok {
			continue
		}
		d.mu.Lock()
		listening := d.listener != nil && d.localPrincipals[snap.Principal]
		d.mu.Unlock()
		out = append(out, metrics.IdentityStatus{
			Principal:      snap.Principal,
			Nick:           snap.Nick,
			ListenerActive: listening,
			SessionCount:   len(state.Sessions()),
		})
	}
	return out
}

// Start brings up every subsystem: optional ledger, identity manager (with
// autoloaded identities), router, delivery engine, IPC server, the shared
// p2p listener, metrics/health endpoint, and the optional WebSocket bridge.
// The IPC server (and its event broadcaster) exists before any identity is
// loaded or the listener starts accepting, so a "started" event always
// precedes any "message"/"p2p:connected" event, per spec §5's ordering
// guarantees. passphrases maps principal to the passphrase used to unlock
// it; identities not present there are skipped with a warning rather than
// failing startup.
func (d *Daemon) Start(ctx context.Context, passphrases map[string]string) error {
	if d.cfg.SessionLedgerDSN != "" {
		l, err := ledger.Open(ctx, d.cfg.SessionLedgerDSN, d.log)
		if err != nil {
			return err
		}
		d.ledger = l
	}

	d.mgr = identitymgr.New(d.rootDir, d.log)

	events := &sharedEvents{mgr: d.mgr, log: d.log, ledger: d.ledger}
	d.delivery = delivery.New(d.mgr, d.transport, events, d.log)
	d.router = router.New(d.log, nil, wakeHookPathFor(d.cfg))
	events.router = d.router
	events.delivery = d.delivery

	d.ipcServer = ipc.New(d.mgr, d.router, d.delivery, d.Stop, d.log)
	socketPath := filepath.Join(d.rootDir, ipc.SocketFileName)
	if err := d.ipcServer.Listen(socketPath); err != nil {
		return err
	}
	events.SetBroadcaster(d.ipcServer)

	// The router and the IPC server each need a reference to the other
	// (router.Events broadcasts over IPC; IPC's send command runs through
	// the router), so the router's event sink is wired in after both exist.
	d.router.SetEvents(&daemonRouterEvents{ipcServer: d.ipcServer, delivery: d.delivery})
	d.ipcServer.SetP2PPort(d.cfg.P2PPort)
	d.ipcServer.SetListenAddrs(d.ownMultiaddrs)

	for _, idCfg := range d.cfg.Identities {
		if !idCfg.Autoload {
			continue
		}
		passphrase, ok := passphrases[idCfg.Principal]
		if !ok {
			d.log.Warn("gateway: no passphrase supplied for autoloaded identity, skipping",
				logger.String("principal", idCfg.Principal))
			continue
		}
		if _, err := d.mgr.Load(idCfg.Principal, passphrase, identitymgr.Config{
			Principal:          idCfg.Principal,
			Nick:               idCfg.Nick,
			Autoload:           idCfg.Autoload,
			AllowLocal:         idCfg.AllowLocal,
			AllowedRemotePeers: idCfg.AllowedRemotePeers,
			OpenclawWake:       idCfg.OpenclawWake,
		}); err != nil {
			return err
		}
		if idCfg.AllowLocal {
			d.mu.Lock()
			d.localPrincipals[idCfg.Principal] = true
			d.mu.Unlock()
		}
	}

	if len(d.localPrincipals) > 0 {
		if err := d.startSharedListener(events); err != nil {
			return err
		}
	}

	d.delivery.Start()

	if d.cfg.Metrics != nil {
		addr := fmt.Sprintf(":%d", d.cfg.Metrics.Port)
		d.metricsSrv = metrics.StartCombinedServer(addr, d)
	}

	if d.cfg.WSBridge != nil {
		bridge := wsbridge.New(d.ipcServer, d.cfg.WSBridge.Token, nil, d.log)
		addr := fmt.Sprintf(":%d", d.cfg.WSBridge.Port)
		d.bridgeSrv = &http.Server{Addr: addr, Handler: bridge.Handler()}
		go func() {
			_ = d.bridgeSrv.ListenAndServe()
		}()
	}

	if err := os.WriteFile(filepath.Join(d.rootDir, pidFileName), []byte(fmt.Sprintf("%d", os.Getpid())), 0o600); err != nil {
		return errs.Wrap(errs.CodeFatal, "gateway: write pid file", err)
	}

	d.ipcServer.Broadcast(map[string]interface{}{"type": "started", "p2pPort": d.cfg.P2PPort})

	d.log.Info("gateway: started", logger.Int("p2pPort", d.cfg.P2PPort), logger.Int("identities", len(d.mgr.List())))
	return nil
}

// wakeHookPathFor resolves the single external wake-hook executable shared
// by every openclawWake-enabled identity, per spec §6.
func wakeHookPathFor(cfg *config.Config) string {
	for _, id := range cfg.Identities {
		if id.OpenclawWake {
			return os.Getenv("CLAWGATE_WAKE_HOOK")
		}
	}
	return ""
}

// ownMultiaddrs reports principal's inbound listen addresses, satisfying the
// signature ipc.Server.SetListenAddrs expects. Every AllowLocal identity
// shares the same one listener, so they all report the same addresses.
func (d *Daemon) ownMultiaddrs(principal string) []string {
	d.mu.Lock()
	listener := d.listener
	listening := listener != nil && d.localPrincipals[principal]
	d.mu.Unlock()
	if !listening {
		return nil
	}
	addrs := listener.Multiaddrs()
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}

// nodeKeyHex hex-encodes id's node public key, the form attestations and
// AcceptMultiplexed's target-key comparisons use on the wire.
func nodeKeyHex(id *identity.Identity) (string, bool) {
	pub, ok := id.NodeKey.PublicKey().(ed25519.PublicKey)
	if !ok {
		return "", false
	}
	return hex.EncodeToString(pub), true
}

// resolveLocalByNodeKey picks which of this daemon's AllowLocal identities an
// inbound handshake on the shared listener is meant for, by the target node
// key the initiator declared (spec §2: one transport, demultiplexed per
// identity). If the initiator sent no hint and exactly one local identity is
// loaded, that identity is assumed; with more than one loaded it is
// ambiguous and the handshake is refused.
func (d *Daemon) resolveLocalByNodeKey(targetNodeKeyHex string) (*identity.Identity, bool) {
	d.mu.Lock()
	principals := make([]string, 0, len(d.localPrincipals))
	for p := range d.localPrincipals {
		principals = append(principals, p)
	}
	d.mu.Unlock()

	if targetNodeKeyHex == "" {
		if len(principals) != 1 {
			return nil, false
		}
		state, ok := d.mgr.GetState(principals[0])
		if !ok {
			return nil, false
		}
		return state.Identity, true
	}

	for _, p := range principals {
		state, ok := d.mgr.GetState(p)
		if !ok {
			continue
		}
		keyHex, ok := nodeKeyHex(state.Identity)
		if ok && keyHex == targetNodeKeyHex {
			return state.Identity, true
		}
	}
	return nil, false
}

func (d *Daemon) startSharedListener(events snap2p.Events) error {
	addr, err := transport.ParseMultiaddr(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", d.cfg.P2PPort))
	if err != nil {
		return err
	}
	listener, err := d.transport.Listen(addr)
	if err != nil {
		return errs.Wrap(errs.CodeTransport, "gateway: listen on shared p2p port", err)
	}
	d.mu.Lock()
	d.listener = listener
	d.mu.Unlock()

	go d.acceptLoop(listener, events)
	return nil
}

func (d *Daemon) acceptLoop(listener transport.Listener, events snap2p.Events) {
	for {
		stream, err := listener.Accept(context.Background())
		if err != nil {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), transport.DialTimeout)
			defer cancel()
			if _, err := snap2p.AcceptMultiplexed(ctx, stream, d.resolveLocalByNodeKey, events); err != nil {
				d.log.Info("gateway: inbound handshake failed", logger.Error(err))
			}
		}()
	}
}

// Stop sequences an orderly shutdown per spec §5: close the IPC listener so
// no new commands are accepted, stop the retry tick, close every session
// (which notifies the remote peer), close listeners, then remove the PID
// file and socket.
func (d *Daemon) Stop() {
	d.log.Info("gateway: stopping")

	if d.ipcServer != nil {
		d.ipcServer.Close()
	}
	if d.bridgeSrv != nil {
		_ = d.bridgeSrv.Shutdown(context.Background())
	}
	if d.metricsSrv != nil {
		_ = d.metricsSrv.Shutdown(context.Background())
	}
	if d.delivery != nil {
		d.delivery.Stop()
	}

	if d.mgr != nil {
		for _, principal := range d.mgr.LoadedPrincipals() {
			state, ok := d.mgr.GetState(principal)
			if !ok {
				continue
			}
			for _, s := range state.Sessions() {
				s.Close(nil)
			}
		}
	}

	d.mu.Lock()
	if d.listener != nil {
		d.listener.Close()
	}
	d.mu.Unlock()

	d.ledger.Close()

	_ = os.Remove(filepath.Join(d.rootDir, pidFileName))
	d.log.Info("gateway: stopped")
}

// ReadPID reads the PID of a running daemon rooted at rootDir, for
// `gatewayd status`/`gatewayd stop`.
func ReadPID(rootDir string) (int, error) {
	raw, err := os.ReadFile(filepath.Join(rootDir, pidFileName))
	if err != nil {
		return 0, errs.Wrap(errs.CodeNotFound, "gateway: no running daemon found", err)
	}
	var pid int
	if _, err := fmt.Sscanf(string(raw), "%d", &pid); err != nil {
		return 0, errs.Wrap(errs.CodeFatal, "gateway: malformed pid file", err)
	}
	return pid, nil
}
