package muxsocks

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialTestServer(t *testing.T, wsPort int) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://localhost:%d/socket", wsPort), nil)
	require.NoError(t, err)
	return conn
}

func TestAuthGateRejectsNonAuthFrame(t *testing.T) {
	server := forwardServer(t, nil)
	defer server.Close()

	conn := dialTestServer(t, server.WSPort)
	defer conn.Close()

	// A Data frame before auth is not honored: the link is refused
	frame, err := PackMessage(DataMessage{Protocol: "tcp", ChannelID: uuid.New(), Data: []byte("x")})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := ParseMessage(data)
	require.NoError(t, err)
	resp, ok := msg.(AuthResponseMessage)
	require.True(t, ok)
	assert.False(t, resp.Success)

	// The server closes the link after the refusal
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
}

func TestAuthGateRejectsUnknownToken(t *testing.T) {
	server := forwardServer(t, nil)
	defer server.Close()

	conn := dialTestServer(t, server.WSPort)
	defer conn.Close()

	frame, err := PackMessage(AuthMessage{Token: "bad", Instance: uuid.New()})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := ParseMessage(data)
	require.NoError(t, err)
	resp, ok := msg.(AuthResponseMessage)
	require.True(t, ok)
	assert.False(t, resp.Success)
	assert.Equal(t, "invalid token", resp.Error)
}

func TestAuthGateRejectsWrongDirection(t *testing.T) {
	server := forwardServer(t, nil)
	defer server.Close()

	conn := dialTestServer(t, server.WSPort)
	defer conn.Close()

	// A forward token claiming the reverse role is refused
	frame, err := PackMessage(AuthMessage{Token: server.Token, Reverse: true, Instance: uuid.New()})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := ParseMessage(data)
	require.NoError(t, err)
	resp, ok := msg.(AuthResponseMessage)
	require.True(t, ok)
	assert.False(t, resp.Success)
}

func TestTextMessageClosesLink(t *testing.T) {
	server := forwardServer(t, nil)
	defer server.Close()

	conn := dialTestServer(t, server.WSPort)
	defer conn.Close()

	frame, err := PackMessage(AuthMessage{Token: server.Token, Instance: uuid.New()})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := ParseMessage(data)
	require.NoError(t, err)
	require.Equal(t, AuthResponseMessage{Success: true}, msg)

	// Text frames violate the protocol: the peer closes the link
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err = conn.ReadMessage(); err != nil {
			break
		}
	}
	require.Error(t, err)
}

func TestServerUpgradeOnAnyPath(t *testing.T) {
	server := forwardServer(t, nil)
	defer server.Close()

	// The upgrade is accepted on arbitrary paths, not just /socket
	conn, _, err := websocket.DefaultDialer.Dial(
		fmt.Sprintf("ws://localhost:%d/some/arbitrary/path", server.WSPort), nil)
	require.NoError(t, err)
	defer conn.Close()

	frame, err := PackMessage(AuthMessage{Token: server.Token, Instance: uuid.New()})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := ParseMessage(data)
	require.NoError(t, err)
	assert.Equal(t, AuthResponseMessage{Success: true}, msg)
}

func TestGetTokenClientCount(t *testing.T) {
	server, client := forwardEnv(t)
	defer server.Close()
	defer client.Close()

	require.Eventually(t, func() bool {
		return server.Server.GetTokenClientCount(server.Token) == 1
	}, 5*time.Second, 50*time.Millisecond)

	assert.Equal(t, 0, server.Server.GetTokenClientCount("unknown"))
	assert.True(t, server.Server.HasClients())
}
