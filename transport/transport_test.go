package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMultiaddrLegacyHostPort(t *testing.T) {
	addr, err := ParseMultiaddr("127.0.0.1:19000")
	require.NoError(t, err)
	assert.Equal(t, "/ip4/127.0.0.1/tcp/19000", addr.String())
}

func TestParseMultiaddrPassesThroughProper(t *testing.T) {
	addr, err := ParseMultiaddr("/ip4/10.0.0.1/tcp/4001")
	require.NoError(t, err)
	assert.Equal(t, "/ip4/10.0.0.1/tcp/4001", addr.String())
}

func TestParseMultiaddrRejectsGarbage(t *testing.T) {
	_, err := ParseMultiaddr("not an address")
	assert.Error(t, err)
}

func TestHostPort(t *testing.T) {
	addr, err := ParseMultiaddr("/ip4/192.168.1.1/tcp/9001")
	require.NoError(t, err)
	hp, err := HostPort(addr)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.1:9001", hp)
}

func TestTCPDialListenRoundTrip(t *testing.T) {
	tr := NewTCP()
	lnAddr, err := ParseMultiaddr("/ip4/127.0.0.1/tcp/0")
	require.NoError(t, err)

	ln, err := tr.Listen(lnAddr)
	require.NoError(t, err)
	defer ln.Close()

	actual := ln.Multiaddrs()
	require.Len(t, actual, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	accepted := make(chan Stream, 1)
	go func() {
		s, err := ln.Accept(context.Background())
		require.NoError(t, err)
		accepted <- s
	}()

	client, err := tr.Dial(ctx, actual[0])
	require.NoError(t, err)
	defer client.Close()

	server := <-accepted
	defer server.Close()

	msg := []byte("hello")
	_, err = client.Write(msg)
	require.NoError(t, err)

	buf := make([]byte, len(msg))
	_, err = server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, msg, buf)
}
