package muxsocks

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func forwardEnv(t *testing.T) (*proxyTestServer, *proxyTestClient) {
	server := forwardServer(t, nil)
	client := testClient(t, &proxyTestClientOption{
		WSPort: server.WSPort,
		Token:  server.Token,
	})
	return server, client
}

func TestForwardProxyEcho(t *testing.T) {
	server, client := forwardEnv(t)
	defer server.Close()
	defer client.Close()

	payload := bytes.Repeat([]byte{0xAB}, 1024*1024)
	assertEchoThroughProxy(t, client.SocksPort, payload)
}

func TestForwardProxySmallMessages(t *testing.T) {
	server, client := forwardEnv(t)
	defer server.Close()
	defer client.Close()

	dialer := socksDialer(t, client.SocksPort, "", "")
	conn, err := dialer.Dial("tcp", testTCPEcho)
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 10; i++ {
		msg := []byte(fmt.Sprintf("ping-%d", i))
		_, err := conn.Write(msg)
		require.NoError(t, err)

		received := make([]byte, len(msg))
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, err = io.ReadFull(conn, received)
		require.NoError(t, err)
		assert.Equal(t, msg, received)
	}
}

func TestForwardAuthRejection(t *testing.T) {
	server := forwardServer(t, nil)
	defer server.Close()

	socksPort, err := getFreePort()
	require.NoError(t, err)

	clientOpt := DefaultClientOption().
		WithWSURL(fmt.Sprintf("ws://localhost:%d", server.WSPort)).
		WithSocksPort(socksPort).
		WithReconnect(true).
		WithLogger(createPrefixedLogger("CLT0"))
	client := NewMuxSocksClient("bad", clientOpt)
	defer client.Close()

	// Auth rejection is fatal: the supervisor stops instead of retrying
	// even with reconnect enabled.
	err = client.WaitReady(context.Background(), 5*time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthRejected)
}

func TestForwardProxyCloseMultipleTimes(t *testing.T) {
	server, client := forwardEnv(t)
	server.Close()
	server.Close()
	client.Close()
	client.Close()
}

func TestForwardChannelIsolation(t *testing.T) {
	server, client := forwardEnv(t)
	defer server.Close()
	defer client.Close()

	dialer := socksDialer(t, client.SocksPort, "", "")

	connA, err := dialer.Dial("tcp", testTCPEcho)
	require.NoError(t, err)
	connB, err := dialer.Dial("tcp", testTCPEcho)
	require.NoError(t, err)
	defer connB.Close()

	// Kill channel A mid-flight; channel B must be unaffected
	_, err = connA.Write([]byte("doomed"))
	require.NoError(t, err)
	connA.Close()

	msg := []byte("survivor")
	_, err = connB.Write(msg)
	require.NoError(t, err)

	received := make([]byte, len(msg))
	connB.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(connB, received)
	require.NoError(t, err)
	assert.Equal(t, msg, received)
}

func TestForwardClientThreads(t *testing.T) {
	server := forwardServer(t, nil)
	defer server.Close()

	client := testClient(t, &proxyTestClientOption{
		WSPort:  server.WSPort,
		Token:   server.Token,
		Threads: 2,
	})
	defer client.Close()

	for i := 0; i < 4; i++ {
		assertEchoThroughProxy(t, client.SocksPort, []byte("threaded hello"))
	}
}

func TestForwardReconnect(t *testing.T) {
	server := forwardServer(t, nil)

	client := testClient(t, &proxyTestClientOption{
		WSPort:    server.WSPort,
		Token:     server.Token,
		Reconnect: true,
	})
	defer client.Close()

	assertEchoThroughProxy(t, client.SocksPort, []byte("before restart"))

	server.Close()

	select {
	case <-client.Client.Disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for client disconnection")
	}

	newServer := forwardServer(t, &proxyTestServerOption{
		WSPort:       server.WSPort,
		Token:        server.Token,
		LoggerPrefix: "SRV1",
	})
	defer newServer.Close()

	select {
	case <-client.Client.Connected:
	case <-time.After(10 * time.Second):
		t.Fatal("Timeout waiting for client reconnection")
	}

	assertEchoThroughProxy(t, client.SocksPort, []byte("after restart"))
}

func TestForwardFastOpen(t *testing.T) {
	server := forwardServer(t, nil)
	defer server.Close()

	client := testClient(t, &proxyTestClientOption{
		WSPort:   server.WSPort,
		Token:    server.Token,
		FastOpen: true,
	})
	defer client.Close()

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", client.SocksPort))
	require.NoError(t, err)
	defer conn.Close()

	// Greeting
	_, err = conn.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	resp := make([]byte, 2)
	_, err = io.ReadFull(conn, resp)
	require.NoError(t, err)
	require.Equal(t, []byte{0x05, 0x00}, resp)

	// CONNECT to the echo target
	host, portStr, err := net.SplitHostPort(testTCPEcho)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	request := []byte{0x05, 0x01, 0x00, 0x01}
	request = append(request, net.ParseIP(host).To4()...)
	request = append(request, byte(port>>8), byte(port))
	_, err = conn.Write(request)
	require.NoError(t, err)

	// The reply arrives before the remote dial completes
	reply := make([]byte, 10)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	require.Equal(t, byte(0x00), reply[1])

	// Optimistic bytes written right after the reply reach the target in
	// order once the dial lands.
	payload := []byte("GET /\r\n\r\n")
	_, err = conn.Write(payload)
	require.NoError(t, err)

	received := make([]byte, len(payload))
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, err = io.ReadFull(conn, received)
	require.NoError(t, err)
	assert.Equal(t, payload, received)
}

func TestForwardUDPAssociate(t *testing.T) {
	server, client := forwardEnv(t)
	defer server.Close()
	defer client.Close()

	assertUDPEchoThroughProxy(t, client.SocksPort)
}

// assertUDPEchoThroughProxy drives a full SOCKS5 UDP ASSOCIATE exchange
// against the global UDP echo server.
func assertUDPEchoThroughProxy(t *testing.T, socksPort int) {
	testData := []byte("Hello UDP")
	const attempts = 5

	tcpConn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", socksPort))
	require.NoError(t, err)
	defer tcpConn.Close()

	// SOCKS5 handshake
	_, err = tcpConn.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	resp := make([]byte, 2)
	_, err = io.ReadFull(tcpConn, resp)
	require.NoError(t, err)
	require.Equal(t, []byte{0x05, 0x00}, resp)

	// UDP ASSOCIATE request
	_, err = tcpConn.Write([]byte{0x05, 0x03, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	require.NoError(t, err)

	reply := make([]byte, 10)
	_, err = io.ReadFull(tcpConn, reply)
	require.NoError(t, err)
	require.Equal(t, byte(0x00), reply[1], "UDP ASSOCIATE failed")

	relayPort := binary.BigEndian.Uint16(reply[8:10])
	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", relayPort))
	require.NoError(t, err)
	defer conn.Close()

	host, portStr, err := net.SplitHostPort(testUDPEcho)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	header := []byte{0, 0, 0, 0x01}
	header = append(header, net.ParseIP(host).To4()...)
	header = append(header, byte(port>>8), byte(port))

	successCount := 0
	for i := 0; i < attempts; i++ {
		conn.SetDeadline(time.Now().Add(3 * time.Second))

		_, err = conn.Write(append(append([]byte{}, header...), testData...))
		if err != nil {
			continue
		}

		buf := make([]byte, 1024)
		n, err := conn.Read(buf)
		if err != nil {
			continue
		}

		// Response carries the origin address in its SOCKS5 UDP header
		if n > 10 && buf[3] == 0x01 {
			if bytes.Equal(buf[10:n], testData) {
				successCount++
			}
		}
	}

	require.GreaterOrEqual(t, successCount, attempts-1,
		"UDP echo failed: %d/%d packets returned", successCount, attempts)
}
