// Package delivery implements the pending-delivery retry engine of spec
// §4.G: every tick, it tries to get each loaded identity's pending outbox
// entries onto the wire, dialing and re-handshaking as needed.
package delivery

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/alexrudloff/clawchat/identitymgr"
	"github.com/alexrudloff/clawchat/internal/logger"
	"github.com/alexrudloff/clawchat/internal/metrics"
	"github.com/alexrudloff/clawchat/mailbox"
	"github.com/alexrudloff/clawchat/snap2p"
	"github.com/alexrudloff/clawchat/transport"
)

// TickInterval is how often the retry loop scans pending outbox entries.
const TickInterval = 5 * time.Second

// ResolveTimeout bounds how long a PX-1 resolve() fan-out waits for a
// response before the delivery attempt gives up on that candidate source.
// Spec §4.D calls resolve "opportunistic, best effort."
const ResolveTimeout = 3 * time.Second

// Engine drives the retry loop. It is the one place that mutates sessions
// and outbox status as a result of delivery attempts, satisfying the
// single-actor requirement of spec §5 for this concern.
type Engine struct {
	mgr       *identitymgr.Manager
	transport transport.Transport
	events    snap2p.Events
	log       logger.Logger

	sf singleflight.Group

	pendingResolves sync.Map // principal -> chan *snap2p.PeerAddressRecord

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds an Engine. events is the shared snap2p.Events implementation
// the gateway wires to every session, inbound or outbound, so that a
// session opened by a delivery attempt behaves identically to one accepted
// from a listener.
func New(mgr *identitymgr.Manager, tr transport.Transport, events snap2p.Events, log logger.Logger) *Engine {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &Engine{mgr: mgr, transport: tr, events: events, log: log}
}

// Start begins the retry loop in a background goroutine.
func (e *Engine) Start() {
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	go e.loop()
}

// Stop ends the retry loop and waits for the in-flight tick to finish.
func (e *Engine) Stop() {
	if e.stopCh == nil {
		return
	}
	close(e.stopCh)
	<-e.doneCh
}

func (e *Engine) loop() {
	defer close(e.doneCh)
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

// tick processes one snapshot of every loaded identity's pending outbox
// entries, sequentially, matching the single-threaded cooperative model.
func (e *Engine) tick() {
	for _, principal := range e.mgr.LoadedPrincipals() {
		state, ok := e.mgr.GetState(principal)
		if !ok {
			continue
		}
		for _, msg := range state.Outbox.Pending() {
			e.tryDeliver(state, msg)
		}
	}
}

// TriggerImmediate attempts delivery of msg right away, called by the
// router right after an outbound send queues it (spec §4.F: "attempts
// immediate delivery via the Delivery Engine"). It runs the attempt in its
// own goroutine so a dial+handshake against an unreachable peer cannot hold
// up the caller — the IPC send command must ack with {id, status:"queued"}
// immediately, not after up to a dial timeout.
func (e *Engine) TriggerImmediate(state *identitymgr.State, msg mailbox.Message) {
	go e.tryDeliver(state, msg)
}

// NotifyResolveResponse delivers a px_response payload to whichever
// in-flight resolve() call is waiting on principal, if any. The gateway's
// shared snap2p.Events implementation calls this from OnPXResponse.
func (e *Engine) NotifyResolveResponse(principal string, record *snap2p.PeerAddressRecord) {
	if v, ok := e.pendingResolves.Load(principal); ok {
		select {
		case v.(chan *snap2p.PeerAddressRecord) <- record:
		default:
		}
	}
}

func (e *Engine) tryDeliver(state *identitymgr.State, msg mailbox.Message) {
	if session, ok := state.SessionFor(msg.To); ok {
		if e.sendOnSession(state, session, msg) {
			return
		}
	}

	for _, addr := range e.collectCandidates(state, msg.To) {
		session, err := e.dialAndHandshakeOnce(state, msg.To, addr)
		if err != nil {
			e.log.Info("delivery: dial attempt failed",
				logger.String("to", msg.To), logger.String("addr", addr), logger.Error(err))
			continue
		}
		if session.RemotePrincipal != msg.To {
			session.Close(fmt.Errorf("delivery: %s answered as a different principal than expected", addr))
			continue
		}

		state.PutSession(session)
		if err := state.PeerBook.MergeLearned(msg.To, hex.EncodeToString(session.RemoteNodePubKey), []string{addr}, state.Identity.Principal, true); err != nil {
			e.log.Warn("delivery: failed to record learned address", logger.Error(err))
		}

		if e.sendOnSession(state, session, msg) {
			return
		}
	}

	// nothing worked this tick; leave the entry pending for the next one.
	metrics.DeliveryAttempts.WithLabelValues("retry").Inc()
}

func (e *Engine) sendOnSession(state *identitymgr.State, session *snap2p.Session, msg mailbox.Message) bool {
	err := session.SendChat(msg.ID, msg.Content, state.Identity.Nick)
	if err != nil {
		session.Close(err)
		metrics.DeliveryAttempts.WithLabelValues("failed").Inc()
		return false
	}
	if err := state.Outbox.UpdateStatus(msg.ID, mailbox.StatusSent); err != nil {
		e.log.Error("delivery: failed to mark message sent", logger.Error(err))
	}
	metrics.DeliveryAttempts.WithLabelValues("delivered").Inc()
	return true
}

// collectCandidates gathers candidate multi-addresses for to: first the
// peer book, then a best-effort PX-1 resolve fan-out across the identity's
// current sessions. Tie-break order is lexicographic; this implementation
// does not track a per-address most-recent-success timestamp.
func (e *Engine) collectCandidates(state *identitymgr.State, to string) []string {
	if r, ok := state.PeerBook.Get(to); ok && len(r.Multiaddrs) > 0 {
		out := append([]string(nil), r.Multiaddrs...)
		sort.Strings(out)
		return out
	}

	rec := e.resolveViaSessions(state, to)
	if rec == nil {
		return nil
	}
	out := append([]string(nil), rec.Multiaddrs...)
	sort.Strings(out)
	return out
}

// ResolvePeer answers an IPC peer_resolve request: the local peer book if it
// already knows to, otherwise a best-effort PX-1 fan-out across state's live
// sessions.
func (e *Engine) ResolvePeer(state *identitymgr.State, to string) *snap2p.PeerAddressRecord {
	if r, ok := state.PeerBook.Get(to); ok && len(r.Multiaddrs) > 0 {
		return &snap2p.PeerAddressRecord{
			Principal:       r.Principal,
			NodePublicKey:   r.NodePublicKey,
			Multiaddrs:      r.Multiaddrs,
			SourcePrincipal: r.SourcePrincipal,
		}
	}
	return e.resolveViaSessions(state, to)
}

func (e *Engine) resolveViaSessions(state *identitymgr.State, to string) *snap2p.PeerAddressRecord {
	sessions := state.Sessions()
	if len(sessions) == 0 {
		return nil
	}

	ch := make(chan *snap2p.PeerAddressRecord, len(sessions))
	e.pendingResolves.Store(to, ch)
	defer e.pendingResolves.Delete(to)

	for _, session := range sessions {
		if err := session.SendPXRequest(to); err != nil {
			e.log.Warn("delivery: px resolve request failed", logger.Error(err))
		}
	}

	select {
	case rec := <-ch:
		return rec
	case <-time.After(ResolveTimeout):
		return nil
	}
}

// Connect dials addr directly, as driven by an IPC connect command, and on a
// successful handshake installs the resulting session and records addr as a
// verified contact address for whichever principal answered.
func (e *Engine) Connect(state *identitymgr.State, addr string) (*snap2p.Session, error) {
	maddr, err := transport.ParseMultiaddr(addr)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), transport.DialTimeout)
	defer cancel()

	stream, err := e.transport.Dial(ctx, maddr)
	if err != nil {
		return nil, err
	}
	session, err := snap2p.Initiate(ctx, stream, state.Identity, nil, e.events)
	if err != nil {
		return nil, err
	}
	// addr was dialed with no prior knowledge of which of the remote
	// gateway's identities answers it, so no target node key hint is sent;
	// whatever identity answers is learned from the returned attestation.

	state.PutSession(session)
	if err := state.PeerBook.MergeLearned(session.RemotePrincipal, hex.EncodeToString(session.RemoteNodePubKey), []string{addr}, state.Identity.Principal, true); err != nil {
		e.log.Warn("delivery: failed to record learned address", logger.Error(err))
	}
	return session, nil
}

func (e *Engine) dialAndHandshakeOnce(state *identitymgr.State, to, addr string) (*snap2p.Session, error) {
	key := state.Identity.Principal + "|" + to
	v, err, _ := e.sf.Do(key, func() (interface{}, error) {
		maddr, err := transport.ParseMultiaddr(addr)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), transport.DialTimeout)
		defer cancel()

		stream, err := e.transport.Dial(ctx, maddr)
		if err != nil {
			return nil, err
		}

		// If the peer book already knows to's node key, send it as the
		// target so a remote gateway sharing one listener across several
		// local identities (spec §2) can demultiplex to the right one.
		var hint []byte
		if rec, ok := state.PeerBook.Get(to); ok && rec.NodePublicKey != "" {
			if decoded, err := hex.DecodeString(rec.NodePublicKey); err == nil {
				hint = decoded
			}
		}

		return snap2p.Initiate(ctx, stream, state.Identity, hint, e.events)
	})
	if err != nil {
		return nil, err
	}
	return v.(*snap2p.Session), nil
}
