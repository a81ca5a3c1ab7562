package muxsocks

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentModeRelay(t *testing.T) {
	server := reverseServer(t, &proxyTestServerOption{
		ConnectorToken: "agent-connector",
	})
	defer server.Close()

	provider := testClient(t, &proxyTestClientOption{
		WSPort:       server.WSPort,
		Token:        server.Token,
		Reverse:      true,
		LoggerPrefix: "PRV0",
	})
	defer provider.Close()

	connector := testClient(t, &proxyTestClientOption{
		WSPort:       server.WSPort,
		Token:        server.ConnectorToken,
		Connector:    true,
		LoggerPrefix: "CON0",
	})
	defer connector.Close()

	// Traffic enters the connector's SOCKS listener, crosses the server
	// over two stitched channels, and egresses at the provider.
	assertEchoThroughProxy(t, connector.SocksPort, []byte("through the agent"))
}

func TestAgentModeMultipleChannels(t *testing.T) {
	server := reverseServer(t, &proxyTestServerOption{
		ConnectorToken: "agent-multi",
	})
	defer server.Close()

	provider := testClient(t, &proxyTestClientOption{
		WSPort:       server.WSPort,
		Token:        server.Token,
		Reverse:      true,
		LoggerPrefix: "PRV0",
	})
	defer provider.Close()

	connector := testClient(t, &proxyTestClientOption{
		WSPort:       server.WSPort,
		Token:        server.ConnectorToken,
		Connector:    true,
		LoggerPrefix: "CON0",
	})
	defer connector.Close()

	for i := 0; i < 5; i++ {
		assertEchoThroughProxy(t, connector.SocksPort, []byte(fmt.Sprintf("channel-%d", i)))
	}
}

func TestConnectorAutonomy(t *testing.T) {
	server := reverseServer(t, &proxyTestServerOption{
		ConnectorAutonomy: true,
	})
	defer server.Close()

	provider := testClient(t, &proxyTestClientOption{
		WSPort:       server.WSPort,
		Token:        server.Token,
		Reverse:      true,
		LoggerPrefix: "PRV0",
	})
	defer provider.Close()

	// The provider, not the server, defines the connector token
	connectorToken, err := provider.Client.AddConnector("")
	require.NoError(t, err)
	require.NotEmpty(t, connectorToken)

	connector := testClient(t, &proxyTestClientOption{
		WSPort:       server.WSPort,
		Token:        connectorToken,
		Connector:    true,
		LoggerPrefix: "CON0",
	})
	defer connector.Close()

	assertEchoThroughProxy(t, connector.SocksPort, []byte("autonomous pairing"))
}

func TestConnectorAutonomyRemove(t *testing.T) {
	server := reverseServer(t, &proxyTestServerOption{
		ConnectorAutonomy: true,
	})
	defer server.Close()

	provider := testClient(t, &proxyTestClientOption{
		WSPort:       server.WSPort,
		Token:        server.Token,
		Reverse:      true,
		LoggerPrefix: "PRV0",
	})
	defer provider.Close()

	connectorToken, err := provider.Client.AddConnector("removable")
	require.NoError(t, err)

	require.NoError(t, provider.Client.RemoveConnector(connectorToken))

	// A removed connector token no longer authenticates
	socksPort, err := getFreePort()
	require.NoError(t, err)
	clientOpt := DefaultClientOption().
		WithWSURL(fmt.Sprintf("ws://localhost:%d", server.WSPort)).
		WithSocksPort(socksPort).
		WithConnector(true).
		WithReconnect(false).
		WithLogger(createPrefixedLogger("CON1"))
	orphan := NewMuxSocksClient(connectorToken, clientOpt)
	defer orphan.Close()

	err = orphan.WaitReady(context.Background(), 5*time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthRejected)
}

func TestConnectorRejectedWhenProviderGone(t *testing.T) {
	server := reverseServer(t, &proxyTestServerOption{
		ConnectorAutonomy: true,
	})
	defer server.Close()

	provider := testClient(t, &proxyTestClientOption{
		WSPort:       server.WSPort,
		Token:        server.Token,
		Reverse:      true,
		LoggerPrefix: "PRV0",
	})

	connectorToken, err := provider.Client.AddConnector("")
	require.NoError(t, err)

	provider.Close()
	time.Sleep(500 * time.Millisecond)

	// Its paired provider gone, the connector token is rejected at auth
	socksPort, err := getFreePort()
	require.NoError(t, err)
	clientOpt := DefaultClientOption().
		WithWSURL(fmt.Sprintf("ws://localhost:%d", server.WSPort)).
		WithSocksPort(socksPort).
		WithConnector(true).
		WithReconnect(false).
		WithLogger(createPrefixedLogger("CON0"))
	connector := NewMuxSocksClient(connectorToken, clientOpt)
	defer connector.Close()

	err = connector.WaitReady(context.Background(), 5*time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthRejected)
}
