// Package router implements the message router and ACL: the inbound path
// from an authenticated session into an identity's inbox, and the outbound
// path from an IPC send command into an identity's outbox.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"time"

	"github.com/alexrudloff/clawchat/identitymgr"
	"github.com/alexrudloff/clawchat/internal/errs"
	"github.com/alexrudloff/clawchat/internal/logger"
	"github.com/alexrudloff/clawchat/internal/metrics"
	"github.com/alexrudloff/clawchat/mailbox"
	"github.com/alexrudloff/clawchat/snap2p"
)

// WakeHookTimeout bounds how long the external wake hook process may run
// before it is killed, per spec §6. The hook's outcome is never awaited by
// message delivery.
const WakeHookTimeout = 5 * time.Second

var immediatePrefixes = []string{"URGENT:", "ALERT:", "CRITICAL:"}

// Events receives router-level notifications: a delivered inbound message,
// or a freshly queued outbound one needing immediate delivery attempt.
type Events interface {
	OnMessage(to string, msg mailbox.Message)
	OnOutboundQueued(state *identitymgr.State, msg mailbox.Message)
	// OnError reports a background failure that isn't a transport/protocol
	// close, an IPC command error, or an ACL denial — spec §5's catch-all
	// for conditions that "surface as error events on the IPC event
	// stream" (e.g. a wake hook that failed to run).
	OnError(context string, err error)
}

// Router enforces per-identity ACLs and bridges sessions to mailboxes.
type Router struct {
	log          logger.Logger
	events       Events
	wakeHookPath string
}

// New returns a Router. wakeHookPath is the external executable invoked for
// wake-enabled identities; an empty path disables the hook entirely.
func New(log logger.Logger, events Events, wakeHookPath string) *Router {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &Router{log: log, events: events, wakeHookPath: wakeHookPath}
}

// SetEvents replaces the router's event sink. Used by the gateway daemon to
// break the construction cycle between the router and the IPC server that
// both need a reference to each other at startup.
func (r *Router) SetEvents(events Events) {
	r.events = events
}

// HandleChat implements the inbound path of spec §4.F for a chat frame
// received on session, whose local identity is state.
func (r *Router) HandleChat(state *identitymgr.State, session *snap2p.Session, frame snap2p.ChatFrame) {
	remote := session.RemotePrincipal
	local := state.Identity.Principal

	if !state.Config.Allows(remote) {
		metrics.ACLDenied.WithLabelValues(string(state.Identity.Mode)).Inc()
		r.log.Info("router: ACL denied inbound message",
			logger.String("to", local), logger.String("from", remote))
		return
	}

	msg := mailbox.Message{
		ID:        frame.ID,
		From:      remote,
		FromNick:  frame.SenderNick,
		To:        local,
		Content:   frame.Content,
		Timestamp: frame.Timestamp,
		Status:    mailbox.StatusDelivered,
	}

	added, err := state.Inbox.Append(msg)
	if err != nil {
		r.log.Error("router: failed to persist inbound message", logger.Error(err))
		return
	}
	if !added {
		// duplicate id: spec §8 forbids two inbox entries sharing an id.
		metrics.DuplicateMessagesDropped.Inc()
		return
	}

	metrics.MessagesProcessed.WithLabelValues("inbound", "delivered").Inc()

	if r.events != nil {
		r.events.OnMessage(local, msg)
	}

	if state.Config.OpenclawWake {
		r.invokeWakeHook(local, msg)
	}
}

func (r *Router) invokeWakeHook(to string, msg mailbox.Message) {
	if r.wakeHookPath == "" {
		return
	}
	mode := "deferred"
	for _, p := range immediatePrefixes {
		if strings.HasPrefix(msg.Content, p) {
			mode = "immediate"
			break
		}
	}

	payload, err := json.Marshal(struct {
		Mode    string          `json:"mode"`
		To      string          `json:"to"`
		Message mailbox.Message `json:"message"`
	}{Mode: mode, To: to, Message: msg})
	if err != nil {
		r.log.Warn("router: failed to encode wake hook payload", logger.Error(err))
		return
	}

	go func() {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), WakeHookTimeout)
		defer cancel()

		cmd := exec.CommandContext(ctx, r.wakeHookPath, mode, to)
		cmd.Stdin = bytes.NewReader(payload)
		if err := cmd.Run(); err != nil {
			r.log.Warn("router: wake hook invocation failed", logger.Error(err))
			if r.events != nil {
				r.events.OnError("wake_hook", err)
			}
		}
		metrics.WakeHookDuration.Observe(time.Since(start).Seconds())
	}()
}

// Send implements the outbound path of spec §4.F: generate a fresh id,
// queue a pending record, persist, then notify for immediate delivery
// attempt.
func (r *Router) Send(state *identitymgr.State, to, content string) (mailbox.Message, error) {
	msg := mailbox.Message{
		ID:        snap2p.NewMessageID(),
		From:      state.Identity.Principal,
		To:        to,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
		Status:    mailbox.StatusPending,
	}

	if _, err := state.Outbox.Append(msg); err != nil {
		return mailbox.Message{}, errs.Wrap(errs.CodeFatal, "router: failed to queue outbound message", err)
	}

	metrics.MessagesProcessed.WithLabelValues("outbound", "pending").Inc()

	if r.events != nil {
		r.events.OnOutboundQueued(state, msg)
	}
	return msg, nil
}
