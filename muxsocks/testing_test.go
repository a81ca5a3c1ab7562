package muxsocks

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/proxy"
)

var (
	testLogger      zerolog.Logger
	testTCPEcho     string
	testUDPEcho     string
	testCleanupFns  []func()
)

func TestMain(m *testing.M) {
	testLogger = createPrefixedLogger("TEST")

	var cleanup func()
	var err error

	testTCPEcho, cleanup, err = startTCPEchoServer()
	if err != nil {
		testLogger.Fatal().Err(err).Msg("Failed to start TCP echo server")
	}
	testCleanupFns = append(testCleanupFns, cleanup)

	testUDPEcho, cleanup, err = startUDPEchoServer()
	if err != nil {
		testLogger.Fatal().Err(err).Msg("Failed to start UDP echo server")
	}
	testCleanupFns = append(testCleanupFns, cleanup)

	code := m.Run()

	for _, cleanup := range testCleanupFns {
		cleanup()
	}

	os.Exit(code)
}

// createPrefixedLogger creates a zerolog.Logger with customized level prefixes
func createPrefixedLogger(prefix string) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{
		Out: os.Stdout,
		FormatLevel: func(i interface{}) string {
			logLevel := i.(string)
			switch logLevel {
			case "trace":
				return fmt.Sprintf("%s TRC", prefix)
			case "debug":
				return fmt.Sprintf("%s DBG", prefix)
			case "info":
				return fmt.Sprintf("%s INF", prefix)
			case "warn":
				return fmt.Sprintf("%s WRN", prefix)
			case "error":
				return fmt.Sprintf("%s ERR", prefix)
			default:
				return fmt.Sprintf("%s %s", prefix, logLevel)
			}
		},
	}).Level(zerolog.InfoLevel).With().Timestamp().Logger()
}

// getFreePort returns a free port number
func getFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// startTCPEchoServer starts a TCP server echoing every byte back.
func startTCPEchoServer() (string, func(), error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()

	return listener.Addr().String(), func() { listener.Close() }, nil
}

// startUDPEchoServer starts a UDP server echoing every datagram back.
func startUDPEchoServer() (string, func(), error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return "", nil, err
	}

	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			conn.WriteToUDP(buf[:n], addr)
		}
	}()

	return conn.LocalAddr().String(), func() { conn.Close() }, nil
}

// proxyTestServer encapsulates the server-side test environment
type proxyTestServer struct {
	Server         *MuxSocksServer
	WSPort         int
	SocksPort      int
	Token          string
	ConnectorToken string
	Close          func()
}

type proxyTestServerOption struct {
	WSPort            int
	SocksPort         int
	SocksUser         string
	SocksPassword     string
	Token             string
	ConnectorToken    string
	ConnectorAutonomy bool
	PortPool          *PortPool
	APIKey            string
	LoggerPrefix      string
}

// proxyTestClient encapsulates the client-side test environment
type proxyTestClient struct {
	Client    *MuxSocksClient
	SocksPort int
	Close     func()
}

type proxyTestClientOption struct {
	WSPort       int
	Token        string
	SocksPort    int
	LoggerPrefix string
	Reverse      bool
	Connector    bool
	Reconnect    bool
	Threads      int
	FastOpen     bool
}

// forwardServer creates a server with a forward token
func forwardServer(t *testing.T, opt *proxyTestServerOption) *proxyTestServer {
	if opt == nil {
		opt = &proxyTestServerOption{}
	}

	wsPort := opt.WSPort
	if wsPort == 0 {
		var err error
		wsPort, err = getFreePort()
		require.NoError(t, err)
	}

	prefix := opt.LoggerPrefix
	if prefix == "" {
		prefix = "SRV0"
	}
	serverOpt := DefaultServerOption().
		WithWSPort(wsPort).
		WithLogger(createPrefixedLogger(prefix))
	if opt.PortPool != nil {
		serverOpt.WithPortPool(opt.PortPool)
	}
	if opt.APIKey != "" {
		serverOpt.WithAPI(opt.APIKey)
	}

	server := NewMuxSocksServer(serverOpt)
	token, err := server.AddForwardToken(opt.Token)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	require.NoError(t, server.WaitReady(context.Background(), 5*time.Second))

	return &proxyTestServer{
		Server: server,
		WSPort: wsPort,
		Token:  token,
		Close:  server.Close,
	}
}

// reverseServer creates a server with a reverse token
func reverseServer(t *testing.T, opt *proxyTestServerOption) *proxyTestServer {
	if opt == nil {
		opt = &proxyTestServerOption{}
	}

	wsPort := opt.WSPort
	if wsPort == 0 {
		var err error
		wsPort, err = getFreePort()
		require.NoError(t, err)
	}

	socksPort := opt.SocksPort
	if socksPort == 0 && !opt.ConnectorAutonomy {
		var err error
		socksPort, err = getFreePort()
		require.NoError(t, err)
	}

	prefix := opt.LoggerPrefix
	if prefix == "" {
		prefix = "SRV0"
	}
	serverOpt := DefaultServerOption().
		WithWSPort(wsPort).
		WithLogger(createPrefixedLogger(prefix))
	if opt.PortPool != nil {
		serverOpt.WithPortPool(opt.PortPool)
	} else {
		// getFreePort hands out ephemeral ports above the default range
		serverOpt.WithPortPool(NewPortPoolFromRange(1024, 65535))
	}
	if opt.APIKey != "" {
		serverOpt.WithAPI(opt.APIKey)
	}

	server := NewMuxSocksServer(serverOpt)
	token, assignedPort, err := server.AddReverseToken(&ReverseTokenOptions{
		Token:                opt.Token,
		Port:                 socksPort,
		Username:             opt.SocksUser,
		Password:             opt.SocksPassword,
		AllowManageConnector: opt.ConnectorAutonomy,
	})
	require.NoError(t, err)
	if !opt.ConnectorAutonomy {
		require.NotZero(t, assignedPort)
	}

	connectorToken := ""
	if opt.ConnectorToken != "" {
		connectorToken, err = server.AddConnectorToken(opt.ConnectorToken, token)
		require.NoError(t, err)
		require.NotEmpty(t, connectorToken)
	}

	require.NoError(t, server.WaitReady(context.Background(), 5*time.Second))

	return &proxyTestServer{
		Server:         server,
		WSPort:         wsPort,
		SocksPort:      assignedPort,
		Token:          token,
		ConnectorToken: connectorToken,
		Close:          server.Close,
	}
}

// testClient creates a client connected to the test server
func testClient(t *testing.T, opt *proxyTestClientOption) *proxyTestClient {
	prefix := opt.LoggerPrefix
	if prefix == "" {
		prefix = "CLT0"
	}

	socksPort := opt.SocksPort
	if socksPort == 0 {
		var err error
		socksPort, err = getFreePort()
		require.NoError(t, err)
	}

	clientOpt := DefaultClientOption().
		WithWSURL(fmt.Sprintf("ws://localhost:%d", opt.WSPort)).
		WithSocksPort(socksPort).
		WithReverse(opt.Reverse).
		WithConnector(opt.Connector).
		WithReconnect(opt.Reconnect).
		WithReconnectDelay(time.Second).
		WithFastOpen(opt.FastOpen).
		WithLogger(createPrefixedLogger(prefix))
	if opt.Threads > 0 {
		clientOpt.WithThreads(opt.Threads)
	}

	client := NewMuxSocksClient(opt.Token, clientOpt)
	require.NoError(t, client.WaitReady(context.Background(), 5*time.Second))

	return &proxyTestClient{
		Client:    client,
		SocksPort: socksPort,
		Close:     client.Close,
	}
}

// socksDialer returns a SOCKS5 dialer through the given local proxy port.
func socksDialer(t *testing.T, port int, username, password string) proxy.Dialer {
	var auth *proxy.Auth
	if username != "" {
		auth = &proxy.Auth{User: username, Password: password}
	}
	dialer, err := proxy.SOCKS5("tcp", fmt.Sprintf("127.0.0.1:%d", port), auth, proxy.Direct)
	require.NoError(t, err)
	return dialer
}

// assertEchoThroughProxy round-trips payload through the SOCKS proxy to the
// global TCP echo server and requires byte equality.
func assertEchoThroughProxy(t *testing.T, socksPort int, payload []byte) {
	dialer := socksDialer(t, socksPort, "", "")

	conn, err := dialer.Dial("tcp", testTCPEcho)
	require.NoError(t, err)
	defer conn.Close()

	done := make(chan error, 1)
	go func() {
		_, err := conn.Write(payload)
		done <- err
	}()

	received := make([]byte, len(payload))
	conn.SetReadDeadline(time.Now().Add(15 * time.Second))
	_, err = io.ReadFull(conn, received)
	require.NoError(t, err)
	require.NoError(t, <-done)
	require.Equal(t, payload, received)
}
