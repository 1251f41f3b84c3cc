package transport

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/multiformats/go-multiaddr"
)

// ParseMultiaddr accepts either a proper multiaddr ("/ip4/1.2.3.4/tcp/9000")
// or the legacy "host:port" form, normalizing the latter to
// "/ip4/<host>/tcp/<port>" per spec §6.
func ParseMultiaddr(s string) (multiaddr.Multiaddr, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "/") {
		return multiaddr.NewMultiaddr(s)
	}
	return parseLegacyHostPort(s)
}

func parseLegacyHostPort(s string) (multiaddr.Multiaddr, error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return nil, fmt.Errorf("transport: %q is neither a multiaddr nor host:port", s)
	}
	host, portStr := s[:idx], s[idx+1:]
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("transport: invalid port in %q", s)
	}
	if host == "" {
		host = "0.0.0.0"
	}
	return multiaddr.NewMultiaddr(fmt.Sprintf("/ip4/%s/tcp/%d", host, port))
}

// HostPort extracts the dialable "host:port" pair from a /ip4|ip6/.../tcp/...
// multiaddr.
func HostPort(addr multiaddr.Multiaddr) (string, error) {
	var host, port string
	multiaddr.ForEach(addr, func(c multiaddr.Component) bool {
		switch c.Protocol().Code {
		case multiaddr.P_IP4, multiaddr.P_IP6, multiaddr.P_DNS4, multiaddr.P_DNS6, multiaddr.P_DNS:
			host = c.Value()
		case multiaddr.P_TCP:
			port = c.Value()
		}
		return true
	})
	if host == "" || port == "" {
		return "", fmt.Errorf("transport: %s is not a tcp multiaddr", addr)
	}
	return host + ":" + port, nil
}
