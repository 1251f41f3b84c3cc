// Package px implements PX-1, the peer-exchange gossip protocol: pushing
// verified peer contact records over authenticated SNaP2P sessions and
// merging what's received into the local peer book.
package px

import (
	"time"

	"github.com/alexrudloff/clawchat/internal/logger"
	"github.com/alexrudloff/clawchat/internal/metrics"
	"github.com/alexrudloff/clawchat/peerbook"
	"github.com/alexrudloff/clawchat/snap2p"
)

// MaxRecordsPerPush caps the number of records gossiped in a single push,
// per spec §4.D's recommendation.
const MaxRecordsPerPush = 64

// BroadcastInterval is how often an identity re-pushes its peer book to
// every authenticated session.
const BroadcastInterval = 60 * time.Second

// Visibility is a peer record's gossip scope.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityFriends Visibility = "friends"
	VisibilityPrivate Visibility = "private"
)

// Sender abstracts the one thing px needs from a live session: the ability
// to push records and to ask a peer to resolve a principal. snap2p.Session
// satisfies this.
type Sender interface {
	SendPXPush(records []snap2p.PeerAddressRecord) error
	SendPXRequest(principal string) error
}

// Exchange drives PX-1 for one identity: it owns the peer book the pushes
// are sourced from and merged into.
type Exchange struct {
	localPrincipal string
	book           *peerbook.Book
	log            logger.Logger

	// visibilityOf resolves a peer record's gossip tier from the record's
	// principal; friends-tier records are withheld from
	// anyone the identity has not itself authenticated with.
	visibilityOf func(recordPrincipal string) Visibility
}

// NewExchange builds a PX-1 exchange bound to book. visibilityOf may be nil,
// in which case every record is treated as public.
func NewExchange(localPrincipal string, book *peerbook.Book, log logger.Logger, visibilityOf func(string) Visibility) *Exchange {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	if visibilityOf == nil {
		visibilityOf = func(string) Visibility { return VisibilityPublic }
	}
	return &Exchange{localPrincipal: localPrincipal, book: book, log: log, visibilityOf: visibilityOf}
}

// PushPeers sends every verified record whose visibility is not private to
// sender, skipping remotePrincipal's own record and ours, capped at
// MaxRecordsPerPush. Friends-tier records are sent like public ones, since
// remotePrincipal holds an authenticated session with us, which is always
// true when called from a session handler.
func (e *Exchange) PushPeers(sender Sender, remotePrincipal string) error {
	records := e.book.List()
	out := make([]snap2p.PeerAddressRecord, 0, MaxRecordsPerPush)

	for _, r := range records {
		if r.Principal == remotePrincipal || r.Principal == e.localPrincipal {
			continue
		}
		if !r.Verified {
			continue
		}
		vis := e.visibilityOf(r.Principal)
		if vis == VisibilityPrivate {
			continue
		}
		// friends-tier records only go to sessions that are themselves
		// authenticated, which is always the case here; public and friends
		// are therefore equivalent at this call site.
		out = append(out, snap2p.PeerAddressRecord{
			Principal:       r.Principal,
			NodePublicKey:   r.NodePublicKey,
			Multiaddrs:      r.Multiaddrs,
			SourcePrincipal: e.localPrincipal,
		})
		if len(out) >= MaxRecordsPerPush {
			break
		}
	}

	if len(out) == 0 {
		return nil
	}
	metrics.PXPushesSent.Inc()
	return sender.SendPXPush(out)
}

// OnPush merges a batch of gossiped records into the peer book. Records
// equal to our own identity are dropped. Anything we haven't ourselves
// authenticated stays unverified regardless of what the gossiper claimed.
func (e *Exchange) OnPush(records []snap2p.PeerAddressRecord, fromPrincipal string) {
	for _, r := range records {
		if r.Principal == "" || r.Principal == e.localPrincipal {
			continue
		}
		source := r.SourcePrincipal
		if source == "" {
			source = fromPrincipal
		}
		if err := e.book.MergeLearned(r.Principal, r.NodePublicKey, r.Multiaddrs, source, false); err != nil {
			e.log.Warn("px: failed to merge gossiped record", logger.String("principal", r.Principal), logger.Error(err))
			continue
		}
		metrics.PXRecordsMerged.WithLabelValues("push").Inc()
	}
}

// Resolve answers a px_request for principal with our peer book's current
// view, if any.
func (e *Exchange) Resolve(principal string) *snap2p.PeerAddressRecord {
	r, ok := e.book.Get(principal)
	if !ok {
		return nil
	}
	return &snap2p.PeerAddressRecord{
		Principal:       r.Principal,
		NodePublicKey:   r.NodePublicKey,
		Multiaddrs:      r.Multiaddrs,
		SourcePrincipal: e.localPrincipal,
	}
}

// OnResolveResponse merges a targeted resolve response, same rules as a
// push: merged-in records stay unverified until we authenticate ourselves.
func (e *Exchange) OnResolveResponse(record *snap2p.PeerAddressRecord, fromPrincipal string) {
	if record == nil || record.Principal == "" || record.Principal == e.localPrincipal {
		return
	}
	source := record.SourcePrincipal
	if source == "" {
		source = fromPrincipal
	}
	if err := e.book.MergeLearned(record.Principal, record.NodePublicKey, record.Multiaddrs, source, false); err != nil {
		e.log.Warn("px: failed to merge resolve response", logger.String("principal", record.Principal), logger.Error(err))
		return
	}
	metrics.PXRecordsMerged.WithLabelValues("resolve").Inc()
}
