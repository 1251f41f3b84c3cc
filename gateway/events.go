package gateway

import (
	"context"

	"github.com/alexrudloff/clawchat/delivery"
	"github.com/alexrudloff/clawchat/identitymgr"
	"github.com/alexrudloff/clawchat/internal/logger"
	"github.com/alexrudloff/clawchat/ipc"
	"github.com/alexrudloff/clawchat/ledger"
	"github.com/alexrudloff/clawchat/mailbox"
	"github.com/alexrudloff/clawchat/router"
	"github.com/alexrudloff/clawchat/snap2p"
)

// ipcBroadcaster is the slice of ipc.Server that sharedEvents needs to
// publish out-of-band events. It is set after construction (SetBroadcaster)
// because the IPC server isn't built yet when sharedEvents is, breaking what
// would otherwise be a construction cycle.
type ipcBroadcaster interface {
	Broadcast(event interface{})
}

// sharedEvents is the one snap2p.Events implementation wired to every
// session the daemon ever creates, whether accepted from a listener or
// dialed by the delivery engine. It fans frames out to the router and PX-1
// exchange of whichever identity the session belongs to, and answers
// delivery's pending resolve() calls.
type sharedEvents struct {
	mgr      *identitymgr.Manager
	router   *router.Router
	delivery *delivery.Engine
	ledger   *ledger.Ledger // nil-safe: every method tolerates a nil receiver
	log      logger.Logger

	broadcaster ipcBroadcaster
}

// SetBroadcaster wires the IPC server sharedEvents publishes
// p2p:connected/p2p:disconnected/error events to.
func (e *sharedEvents) SetBroadcaster(b ipcBroadcaster) {
	e.broadcaster = b
}

func (e *sharedEvents) broadcast(event map[string]interface{}) {
	if e.broadcaster != nil {
		e.broadcaster.Broadcast(event)
	}
}

func (e *sharedEvents) stateFor(s *snap2p.Session) (*identitymgr.State, bool) {
	return e.mgr.GetState(s.LocalIdentity.Principal)
}

// OnAuthenticated installs the freshly authenticated session into its local
// identity's state and fires a PX-1 push so both sides' peer books converge
// without waiting for the next broadcast interval.
func (e *sharedEvents) OnAuthenticated(s *snap2p.Session) {
	state, ok := e.stateFor(s)
	if !ok {
		s.Close(nil)
		return
	}
	state.PutSession(s)
	if err := state.PeerBook.Touch(s.RemotePrincipal); err != nil {
		e.log.Warn("gateway: failed to touch peer book entry", logger.Error(err))
	}
	// snap2p.Events has no separate "stream opened" callback distinct from
	// "authenticated" (a stream that never completes the handshake never
	// reaches Events at all), so opened and authenticated are recorded
	// together here rather than at accept/dial time.
	e.ledger.RecordOpened(context.Background(), state.Identity.Principal, s.RemotePrincipal)
	e.ledger.RecordAuthenticated(context.Background(), state.Identity.Principal, s.RemotePrincipal)
	e.broadcast(map[string]interface{}{
		"type":      "p2p:connected",
		"principal": state.Identity.Principal,
		"peer":      s.RemotePrincipal,
	})
	if err := state.PX.PushPeers(s, s.RemotePrincipal); err != nil {
		e.log.Warn("gateway: initial px push failed", logger.Error(err))
		e.broadcast(map[string]interface{}{
			"type":    "error",
			"context": "px_push",
			"error":   err.Error(),
		})
	}
}

// OnClosed drops the session from its identity's live set.
func (e *sharedEvents) OnClosed(s *snap2p.Session, err error) {
	state, ok := e.stateFor(s)
	if !ok {
		return
	}
	state.DropSession(s)
	detail := "closed"
	if err != nil {
		detail = err.Error()
	}
	e.ledger.RecordClosed(context.Background(), state.Identity.Principal, s.RemotePrincipal, detail)
	e.broadcast(map[string]interface{}{
		"type":      "p2p:disconnected",
		"principal": state.Identity.Principal,
		"peer":      s.RemotePrincipal,
		"reason":    detail,
	})
}

// OnChat routes an inbound chat frame through the ACL/mailbox path.
func (e *sharedEvents) OnChat(s *snap2p.Session, frame snap2p.ChatFrame) {
	state, ok := e.stateFor(s)
	if !ok {
		return
	}
	e.router.HandleChat(state, s, frame)
}

// OnPXPush merges gossiped records into the identity's peer book.
func (e *sharedEvents) OnPXPush(s *snap2p.Session, frame snap2p.PXPushFrame) {
	state, ok := e.stateFor(s)
	if !ok {
		return
	}
	state.PX.OnPush(frame.Records, s.RemotePrincipal)
}

// OnPXRequest answers a resolve request from our own peer book.
func (e *sharedEvents) OnPXRequest(s *snap2p.Session, frame snap2p.PXRequestFrame) {
	state, ok := e.stateFor(s)
	if !ok {
		return
	}
	record := state.PX.Resolve(frame.Principal)
	if err := s.SendPXResponse(record); err != nil {
		e.log.Warn("gateway: px response send failed", logger.Error(err))
		e.broadcast(map[string]interface{}{
			"type":    "error",
			"context": "px_response",
			"error":   err.Error(),
		})
	}
}

// OnPXResponse merges the answer into the peer book and wakes up any
// delivery.Engine resolve() call waiting on it.
func (e *sharedEvents) OnPXResponse(s *snap2p.Session, frame snap2p.PXResponseFrame) {
	state, ok := e.stateFor(s)
	if ok {
		state.PX.OnResolveResponse(frame.Record, s.RemotePrincipal)
	}
	if frame.Record != nil {
		e.delivery.NotifyResolveResponse(frame.Record.Principal, frame.Record)
	}
}

// daemonRouterEvents bridges router.Events to the IPC broadcast stream and
// the delivery engine's immediate-retry trigger.
type daemonRouterEvents struct {
	ipcServer *ipc.Server
	delivery  *delivery.Engine
}

func (e *daemonRouterEvents) OnMessage(to string, msg mailbox.Message) {
	if e.ipcServer == nil {
		return
	}
	e.ipcServer.Broadcast(map[string]interface{}{
		"type":      "message",
		"to":        to,
		"id":        msg.ID,
		"from":      msg.From,
		"fromNick":  msg.FromNick,
		"content":   msg.Content,
		"timestamp": msg.Timestamp,
	})
}

func (e *daemonRouterEvents) OnOutboundQueued(state *identitymgr.State, msg mailbox.Message) {
	if e.delivery != nil {
		e.delivery.TriggerImmediate(state, msg)
	}
}

func (e *daemonRouterEvents) OnError(context string, err error) {
	if e.ipcServer == nil {
		return
	}
	e.ipcServer.Broadcast(map[string]interface{}{
		"type":    "error",
		"context": context,
		"error":   err.Error(),
	})
}
