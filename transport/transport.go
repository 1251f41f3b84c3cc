// Package transport provides the bidirectional byte-stream contract SNaP2P
// runs over. Spec §2 marks the Transport Adapter as external and assumes a
// provided implementation (Noise handshake, multiplexing, hole punching);
// this package supplies a minimal concrete adapter — plain TCP addressed by
// multiaddr — that satisfies the same contract so the rest of the gateway
// can be built and tested without a production mesh stack wired in. See
// DESIGN.md for the justification of this simplification.
package transport

import (
	"context"
	"net"
	"time"

	"github.com/multiformats/go-multiaddr"
)

// DialTimeout bounds how long a single dial may take, per spec §5's
// recommendation of a finite dial+handshake deadline.
const DialTimeout = 10 * time.Second

// Stream is a single bidirectional byte stream to a remote node, along with
// the node's reported address.
type Stream interface {
	net.Conn
	// RemoteMultiaddr reports the multiaddr the stream was reached at or
	// accepted from.
	RemoteMultiaddr() multiaddr.Multiaddr
}

// Listener accepts inbound streams.
type Listener interface {
	Accept(ctx context.Context) (Stream, error)
	Multiaddrs() []multiaddr.Multiaddr
	Close() error
}

// Transport is the contract the rest of the gateway depends on: dial a peer
// by multiaddr, or listen for inbound streams on a local multiaddr.
type Transport interface {
	Dial(ctx context.Context, addr multiaddr.Multiaddr) (Stream, error)
	Listen(addr multiaddr.Multiaddr) (Listener, error)
}
