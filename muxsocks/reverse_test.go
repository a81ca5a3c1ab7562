package muxsocks

import (
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reverseEnv(t *testing.T) (*proxyTestServer, *proxyTestClient) {
	server := reverseServer(t, nil)
	client := testClient(t, &proxyTestClientOption{
		WSPort:  server.WSPort,
		Token:   server.Token,
		Reverse: true,
	})
	return server, client
}

func TestReverseProxyEcho(t *testing.T) {
	server, client := reverseEnv(t)
	defer server.Close()
	defer client.Close()

	assertEchoThroughProxy(t, server.SocksPort, []byte("reverse hello"))
}

func TestReverseProxySocksAuth(t *testing.T) {
	server := reverseServer(t, &proxyTestServerOption{
		SocksUser:     "user",
		SocksPassword: "pass",
	})
	defer server.Close()

	client := testClient(t, &proxyTestClientOption{
		WSPort:  server.WSPort,
		Token:   server.Token,
		Reverse: true,
	})
	defer client.Close()

	dialer := socksDialer(t, server.SocksPort, "user", "pass")
	conn, err := dialer.Dial("tcp", testTCPEcho)
	require.NoError(t, err)
	defer conn.Close()

	msg := []byte("authenticated")
	_, err = conn.Write(msg)
	require.NoError(t, err)

	received := make([]byte, len(msg))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(conn, received)
	require.NoError(t, err)
	assert.Equal(t, msg, received)

	// Wrong credentials are refused
	badDialer := socksDialer(t, server.SocksPort, "user", "wrong")
	_, err = badDialer.Dial("tcp", testTCPEcho)
	require.Error(t, err)
}

func TestReverseLoadBalance(t *testing.T) {
	server := reverseServer(t, nil)
	defer server.Close()

	p1 := testClient(t, &proxyTestClientOption{
		WSPort:       server.WSPort,
		Token:        server.Token,
		Reverse:      true,
		LoggerPrefix: "CLT1",
	})
	defer p1.Close()
	p2 := testClient(t, &proxyTestClientOption{
		WSPort:       server.WSPort,
		Token:        server.Token,
		Reverse:      true,
		LoggerPrefix: "CLT2",
	})
	defer p2.Close()

	require.Equal(t, 2, server.Server.GetTokenClientCount(server.Token))

	// Ten sequential connections all succeed across the two providers
	for i := 0; i < 10; i++ {
		assertEchoThroughProxy(t, server.SocksPort, []byte(fmt.Sprintf("balanced-%d", i)))
	}
}

func TestDispatcherRoundRobin(t *testing.T) {
	server := reverseServer(t, nil)
	defer server.Close()

	// Register fake peer entries directly and observe the rotation
	digest := HashToken(server.Token)
	a := &WSConn{label: "a"}
	b := &WSConn{label: "b"}

	server.Server.mu.Lock()
	server.Server.tokenClients[digest] = []clientInfo{
		{ID: uuid.New(), Conn: a},
		{ID: uuid.New(), Conn: b},
	}
	server.Server.mu.Unlock()

	var picks []string
	for i := 0; i < 6; i++ {
		ws, err := server.Server.nextPeer(digest)
		require.NoError(t, err)
		picks = append(picks, ws.Label())
	}
	assert.Equal(t, []string{"a", "b", "a", "b", "a", "b"}, picks)
}

func TestDispatcherStarvation(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the full dispatch window")
	}

	server := reverseServer(t, nil)
	defer server.Close()

	// The listener normally starts with the first provider; bind it
	// directly so the dispatcher faces zero providers.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Server.runSocksServer(ctx, HashToken(server.Token), server.SocksPort)
	time.Sleep(200 * time.Millisecond)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", server.SocksPort))
	require.NoError(t, err)
	defer conn.Close()

	start := time.Now()

	// Greeting
	_, err = conn.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	resp := make([]byte, 2)
	conn.SetReadDeadline(time.Now().Add(15 * time.Second))
	_, err = io.ReadFull(conn, resp)
	require.NoError(t, err)

	// CONNECT request
	_, err = conn.Write([]byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50})
	require.NoError(t, err)

	reply := make([]byte, 10)
	conn.SetReadDeadline(time.Now().Add(15 * time.Second))
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)

	elapsed := time.Since(start)
	assert.Equal(t, byte(SocksReplyNetworkUnreachable), reply[1])
	assert.GreaterOrEqual(t, elapsed, 9*time.Second, "refusal should wait out the dispatch window")
}

func TestReverseProviderDisconnectReleasesNothing(t *testing.T) {
	server, client := reverseEnv(t)
	defer server.Close()

	assertEchoThroughProxy(t, server.SocksPort, []byte("first"))

	client.Close()
	time.Sleep(500 * time.Millisecond)

	// The token and its port survive provider churn
	require.True(t, server.Server.portPool.IsUsed(server.SocksPort))

	replacement := testClient(t, &proxyTestClientOption{
		WSPort:       server.WSPort,
		Token:        server.Token,
		Reverse:      true,
		LoggerPrefix: "CLT1",
	})
	defer replacement.Close()

	assertEchoThroughProxy(t, server.SocksPort, []byte("second"))
}
