package transport

import (
	"context"
	"net"
	"strconv"

	"github.com/multiformats/go-multiaddr"
)

// TCP is the plain-TCP Transport implementation. It satisfies the
// bidirectional-stream contract the rest of the gateway needs; it performs
// no handshake or encryption of its own; SNaP2P's attestation exchange is
// what authenticates the stream's endpoints.
type TCP struct {
	dialer net.Dialer
}

// NewTCP returns a ready-to-use plain-TCP transport.
func NewTCP() *TCP {
	return &TCP{}
}

// Dial connects to addr within DialTimeout.
func (t *TCP) Dial(ctx context.Context, addr multiaddr.Multiaddr) (Stream, error) {
	hostPort, err := HostPort(addr)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()

	conn, err := t.dialer.DialContext(ctx, "tcp", hostPort)
	if err != nil {
		return nil, err
	}
	return &tcpStream{Conn: conn, remote: addr}, nil
}

// Listen binds addr and returns a Listener accepting inbound streams.
func (t *TCP) Listen(addr multiaddr.Multiaddr) (Listener, error) {
	hostPort, err := HostPort(addr)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", hostPort)
	if err != nil {
		return nil, err
	}
	return &tcpListener{ln: ln}, nil
}

type tcpStream struct {
	net.Conn
	remote multiaddr.Multiaddr
}

func (s *tcpStream) RemoteMultiaddr() multiaddr.Multiaddr {
	return s.remote
}

type tcpListener struct {
	ln net.Listener
}

func (l *tcpListener) Accept(ctx context.Context) (Stream, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.ln.Accept()
		ch <- result{conn, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		addr, err := remoteMultiaddrOf(r.conn)
		if err != nil {
			r.conn.Close()
			return nil, err
		}
		return &tcpStream{Conn: r.conn, remote: addr}, nil
	}
}

func (l *tcpListener) Multiaddrs() []multiaddr.Multiaddr {
	addr, err := multiaddr.NewMultiaddr(tcpAddrToMultiaddr(l.ln.Addr()))
	if err != nil {
		return nil
	}
	return []multiaddr.Multiaddr{addr}
}

func (l *tcpListener) Close() error {
	return l.ln.Close()
}

func remoteMultiaddrOf(conn net.Conn) (multiaddr.Multiaddr, error) {
	s := tcpAddrToMultiaddr(conn.RemoteAddr())
	return multiaddr.NewMultiaddr(s)
}

func tcpAddrToMultiaddr(addr net.Addr) string {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return "/ip4/0.0.0.0/tcp/0"
	}
	ip := tcpAddr.IP
	if ip.To4() != nil {
		return "/ip4/" + ip.String() + "/tcp/" + strconv.Itoa(tcpAddr.Port)
	}
	return "/ip6/" + ip.String() + "/tcp/" + strconv.Itoa(tcpAddr.Port)
}
