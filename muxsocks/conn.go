package muxsocks

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// MaxWebSocketMessageSize bounds a single frame on the wire.
	MaxWebSocketMessageSize = 32 * 1024 * 1024

	// pongReadDeadline is how far every pong pushes the read deadline out.
	// With keepalive pings every 15s this is two intervals, so a peer that
	// stops answering fails the reader about 30s after its last pong.
	pongReadDeadline = 30 * time.Second
)

// proxyIPHeaders are consulted in order when deriving the peer address of
// an upgraded connection behind a fronting proxy.
var proxyIPHeaders = []string{"CF-Connecting-IP", "X-Forwarded-For"}

// WSConn is one end of a peer session's transport. It serializes frame
// writes, enforces the binary-only rule on reads, bounds Data payloads to
// the session's frame limit, and answers liveness probes. The peer session
// read loop is the only reader.
type WSConn struct {
	conn *websocket.Conn
	log  zerolog.Logger

	writeMu sync.Mutex

	// Liveness probing. Probes register waiters that the single shared
	// pong handler answers, so concurrent probes cannot race each other.
	probeMu  sync.Mutex
	pingSent time.Time
	waiters  []chan time.Duration

	frameDataLimit int

	label    string
	remoteIP string
}

// NewWSConn wraps an established websocket connection for frame traffic.
func NewWSConn(conn *websocket.Conn, label string, logger zerolog.Logger) *WSConn {
	c := &WSConn{
		conn:           conn,
		log:            logger,
		label:          label,
		frameDataLimit: DefaultBufferSize * frameDataSafetyFactor,
	}
	conn.SetReadLimit(MaxWebSocketMessageSize)
	conn.SetPongHandler(c.onPong)
	return c
}

func (c *WSConn) Label() string {
	return c.label
}

// SetLabel names the connection in logs once the peer is identified.
func (c *WSConn) SetLabel(label string) {
	c.label = label
}

// SetFrameDataLimit caps the declared Data payload length this session
// accepts. Sessions with a larger negotiated buffer size raise it to
// bufferSize times the safety factor.
func (c *WSConn) SetFrameDataLimit(limit int) {
	if limit > 0 {
		c.frameDataLimit = limit
	}
}

// RemoteIP reports the peer address recorded at upgrade time, empty for
// outbound connections.
func (c *WSConn) RemoteIP() string {
	return c.remoteIP
}

// BindRequest records the peer address of an accepted upgrade, preferring
// fronting-proxy headers over the socket address.
func (c *WSConn) BindRequest(r *http.Request) {
	for _, header := range proxyIPHeaders {
		value := r.Header.Get(header)
		if value == "" {
			continue
		}
		// A forwarding chain lists the originating client first
		if idx := strings.Index(value, ","); idx != -1 {
			value = value[:idx]
		}
		c.remoteIP = strings.TrimSpace(value)
		return
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		c.remoteIP = host
		return
	}
	c.remoteIP = r.RemoteAddr
}

// onPong is the connection's only pong handler: it resolves every pending
// probe with the measured round trip and extends the read deadline.
func (c *WSConn) onPong(string) error {
	c.probeMu.Lock()
	rtt := time.Since(c.pingSent)
	waiters := c.waiters
	c.waiters = nil
	c.probeMu.Unlock()

	for _, waiter := range waiters {
		select {
		case waiter <- rtt:
		default:
		}
	}

	c.log.Trace().Int64("rtt_ms", rtt.Milliseconds()).Str("label", c.label).Msg("Received pong")
	return c.conn.SetReadDeadline(time.Now().Add(pongReadDeadline))
}

// Ping sends a keepalive ping. The pong it provokes refreshes the read
// deadline via onPong.
func (c *WSConn) Ping(timeout time.Duration) error {
	c.probeMu.Lock()
	c.pingSent = time.Now()
	c.probeMu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}

// Probe measures one-way latency (RTT/2) with a bounded wait. The
// dispatcher uses it as the pre-handoff liveness check; a peer that cannot
// answer within the timeout is skipped.
func (c *WSConn) Probe(timeout time.Duration) (time.Duration, error) {
	waiter := make(chan time.Duration, 1)
	c.probeMu.Lock()
	c.waiters = append(c.waiters, waiter)
	c.probeMu.Unlock()

	if err := c.Ping(timeout); err != nil {
		return 0, fmt.Errorf("%w: ping: %v", ErrTransport, err)
	}

	select {
	case rtt := <-waiter:
		return rtt / 2, nil
	case <-time.After(timeout):
		return 0, fmt.Errorf("%w: no pong within %s", ErrTransport, timeout)
	}
}

// ReadMessage reads and decodes the next frame. Receiving a text message
// is a protocol violation and closes the link; Data payloads beyond the
// session's frame limit are rejected the same way.
func (c *WSConn) ReadMessage() (BaseMessage, error) {
	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if msgType != websocket.BinaryMessage {
		return nil, fmt.Errorf("%w: non-binary websocket message", ErrProtocol)
	}
	return ParseMessageWithLimit(data, c.frameDataLimit)
}

// WriteMessage packs and writes one frame, serialized against concurrent
// writers.
func (c *WSConn) WriteMessage(msg BaseMessage) error {
	data, err := PackMessage(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Close closes the underlying websocket connection
func (c *WSConn) Close() error {
	return c.conn.Close()
}
