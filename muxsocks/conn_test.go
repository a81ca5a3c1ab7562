package muxsocks

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindRequestPrefersProxyHeaders(t *testing.T) {
	conn := &WSConn{}

	r := &http.Request{Header: http.Header{}, RemoteAddr: "192.0.2.10:4444"}
	conn.BindRequest(r)
	assert.Equal(t, "192.0.2.10", conn.RemoteIP())

	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	conn.BindRequest(r)
	assert.Equal(t, "203.0.113.7", conn.RemoteIP())

	r.Header.Set("CF-Connecting-IP", "198.51.100.3")
	conn.BindRequest(r)
	assert.Equal(t, "198.51.100.3", conn.RemoteIP())
}

func TestProbeMeasuresLiveness(t *testing.T) {
	client, server, cleanup := wsPair(t)
	defer cleanup()

	// Both sides must be reading: the peer's reader answers the ping, and
	// the prober's reader delivers the pong to its handler
	go func() {
		for {
			if _, err := server.ReadMessage(); err != nil {
				return
			}
		}
	}()
	go func() {
		for {
			if _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	rtt, err := client.Probe(2 * time.Second)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rtt, time.Duration(0))
}

func TestProbeConcurrent(t *testing.T) {
	client, server, cleanup := wsPair(t)
	defer cleanup()

	go func() {
		for {
			if _, err := server.ReadMessage(); err != nil {
				return
			}
		}
	}()
	go func() {
		for {
			if _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Concurrent probes share the pong handler instead of racing over it
	results := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := client.Probe(2 * time.Second)
			results <- err
		}()
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, <-results)
	}
}

func TestProbeTimesOutOnDeadPeer(t *testing.T) {
	client, server, cleanup := wsPair(t)
	defer cleanup()

	// A peer that never reads never pongs
	_ = server

	_, err := client.Probe(300 * time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
}

func TestFrameDataLimitEnforcedOnRead(t *testing.T) {
	client, server, cleanup := wsPair(t)
	defer cleanup()

	server.SetFrameDataLimit(16)

	require.NoError(t, client.WriteMessage(DataMessage{
		Protocol: "tcp",
		Data:     make([]byte, 64),
	}))

	_, err := server.ReadMessage()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
}
