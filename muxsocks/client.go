package muxsocks

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// defaultReconnectDelay is the wait between reconnect attempts.
	defaultReconnectDelay = 5 * time.Second

	// authHandshakeTimeout bounds the auth exchange after the upgrade.
	authHandshakeTimeout = 10 * time.Second

	// keepaliveInterval is the application ping cadence; a dead peer is
	// detected within roughly twice this.
	keepaliveInterval = 15 * time.Second
)

// MuxSocksClient is the client side of a MuxSocks deployment: a forward
// opener, a reverse provider, or an agent-mode connector, depending on its
// options.
type MuxSocksClient struct {
	Connected    chan struct{} // Closed when at least one link is established
	Disconnected chan struct{} // Closed when the last link is lost
	errors       chan error

	relay           *Relay
	log             zerolog.Logger
	token           string
	wsURL           string
	reverse         bool
	connector       bool
	socksHost       string
	socksPort       int
	socksUsername   string
	socksPassword   string
	socksWaitServer bool

	reconnect      bool
	reconnectDelay time.Duration
	threads        int
	userAgent      string
	noEnvProxy     bool
	instance       uuid.UUID

	links     []*peerLink
	linkIndex int

	connectorQueues sync.Map // map[uuid.UUID]chan ConnectorResponseMessage

	socksListener net.Listener

	connectedLinks int

	mu         sync.RWMutex
	cancelFunc context.CancelFunc
}

// peerLink is one WebSocket peer session. With Threads > 1 the client keeps
// several, each with its own reconnect loop.
type peerLink struct {
	index int
	mu    sync.RWMutex
	ws    *WSConn
}

func (l *peerLink) conn() *WSConn {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ws
}

func (l *peerLink) setConn(ws *WSConn) {
	l.mu.Lock()
	l.ws = ws
	l.mu.Unlock()
}

// ClientOption represents configuration options for MuxSocksClient
type ClientOption struct {
	WSURL           string
	Reverse         bool
	Connector       bool
	SocksHost       string
	SocksPort       int
	SocksUsername   string
	SocksPassword   string
	SocksWaitServer bool
	Reconnect       bool
	ReconnectDelay  time.Duration
	Threads         int
	UserAgent       string
	NoEnvProxy      bool
	FastOpen        bool
	Logger          zerolog.Logger
	BufferSize      int
	DisableBatch    bool
	ChannelTimeout  time.Duration
	ConnectTimeout  time.Duration

	UpstreamProxy    string
	UpstreamUsername string
	UpstreamPassword string
}

// DefaultClientOption returns default client options
func DefaultClientOption() *ClientOption {
	return &ClientOption{
		WSURL:           "ws://localhost:8765",
		Reverse:         false,
		SocksHost:       "127.0.0.1",
		SocksPort:       1080,
		SocksWaitServer: true,
		Reconnect:       true,
		ReconnectDelay:  defaultReconnectDelay,
		Threads:         1,
		UserAgent:       fmt.Sprintf("MuxSocks/%s", Version),
		Logger:          zerolog.New(os.Stdout).With().Timestamp().Logger(),
		BufferSize:      DefaultBufferSize,
		ChannelTimeout:  DefaultChannelOpenTimeout,
		ConnectTimeout:  DefaultConnectTimeout,
	}
}

// WithWSURL sets the WebSocket server URL
func (o *ClientOption) WithWSURL(url string) *ClientOption {
	o.WSURL = convertWSPath(url)
	return o
}

// WithReverse sets the reverse (provider) mode
func (o *ClientOption) WithReverse(reverse bool) *ClientOption {
	o.Reverse = reverse
	return o
}

// WithConnector sets the connector mode: the client hosts a local SOCKS5
// front-end whose channels the server relays to a paired provider.
func (o *ClientOption) WithConnector(connector bool) *ClientOption {
	o.Connector = connector
	return o
}

// WithSocksHost sets the SOCKS5 server host
func (o *ClientOption) WithSocksHost(host string) *ClientOption {
	o.SocksHost = host
	return o
}

// WithSocksPort sets the SOCKS5 server port
func (o *ClientOption) WithSocksPort(port int) *ClientOption {
	o.SocksPort = port
	return o
}

// WithSocksUsername sets the SOCKS5 authentication username
func (o *ClientOption) WithSocksUsername(username string) *ClientOption {
	o.SocksUsername = username
	return o
}

// WithSocksPassword sets the SOCKS5 authentication password
func (o *ClientOption) WithSocksPassword(password string) *ClientOption {
	o.SocksPassword = password
	return o
}

// WithSocksWaitServer sets whether to wait for server connection before starting SOCKS server
func (o *ClientOption) WithSocksWaitServer(wait bool) *ClientOption {
	o.SocksWaitServer = wait
	return o
}

// WithReconnect sets the reconnect behavior
func (o *ClientOption) WithReconnect(reconnect bool) *ClientOption {
	o.Reconnect = reconnect
	return o
}

// WithReconnectDelay sets the reconnect delay duration
func (o *ClientOption) WithReconnectDelay(delay time.Duration) *ClientOption {
	o.ReconnectDelay = delay
	return o
}

// WithThreads sets the number of parallel peer sessions
func (o *ClientOption) WithThreads(threads int) *ClientOption {
	if threads < 1 {
		threads = 1
	}
	o.Threads = threads
	return o
}

// WithUserAgent sets the User-Agent header on the upgrade request
func (o *ClientOption) WithUserAgent(userAgent string) *ClientOption {
	o.UserAgent = userAgent
	return o
}

// WithNoEnvProxy disables proxy environment variables for the WebSocket dial
func (o *ClientOption) WithNoEnvProxy(noEnvProxy bool) *ClientOption {
	o.NoEnvProxy = noEnvProxy
	return o
}

// WithFastOpen enables optimistic SOCKS CONNECT acknowledgement
func (o *ClientOption) WithFastOpen(fastOpen bool) *ClientOption {
	o.FastOpen = fastOpen
	return o
}

// WithLogger sets the logger instance
func (o *ClientOption) WithLogger(logger zerolog.Logger) *ClientOption {
	o.Logger = logger
	return o
}

// WithBufferSize sets the buffer size for data transfer
func (o *ClientOption) WithBufferSize(size int) *ClientOption {
	o.BufferSize = size
	return o
}

// WithDisableBatch turns off send-path coalescing
func (o *ClientOption) WithDisableBatch(disable bool) *ClientOption {
	o.DisableBatch = disable
	return o
}

// WithChannelTimeout sets the channel open timeout duration
func (o *ClientOption) WithChannelTimeout(timeout time.Duration) *ClientOption {
	o.ChannelTimeout = timeout
	return o
}

// WithConnectTimeout sets the connect timeout duration
func (o *ClientOption) WithConnectTimeout(timeout time.Duration) *ClientOption {
	o.ConnectTimeout = timeout
	return o
}

// WithUpstreamProxy routes provider-side dials through a SOCKS5 upstream
func (o *ClientOption) WithUpstreamProxy(addr string) *ClientOption {
	o.UpstreamProxy = addr
	return o
}

// WithUpstreamAuth sets credentials for the upstream proxy
func (o *ClientOption) WithUpstreamAuth(username, password string) *ClientOption {
	o.UpstreamUsername = username
	o.UpstreamPassword = password
	return o
}

// NewMuxSocksClient creates a new MuxSocksClient instance
func NewMuxSocksClient(token string, opt *ClientOption) *MuxSocksClient {
	if opt == nil {
		opt = DefaultClientOption()
	}

	relayOpt := NewDefaultRelayOption().
		WithBufferSize(opt.BufferSize).
		WithChannelOpenTimeout(opt.ChannelTimeout).
		WithConnectTimeout(opt.ConnectTimeout).
		WithFastOpen(opt.FastOpen).
		WithDisableBatch(opt.DisableBatch).
		WithUpstreamProxy(opt.UpstreamProxy).
		WithUpstreamAuth(opt.UpstreamUsername, opt.UpstreamPassword)

	threads := opt.Threads
	if threads < 1 {
		threads = 1
	}

	client := &MuxSocksClient{
		relay:           NewRelay(opt.Logger, relayOpt),
		log:             opt.Logger,
		token:           token,
		wsURL:           opt.WSURL,
		reverse:         opt.Reverse,
		connector:       opt.Connector,
		socksHost:       opt.SocksHost,
		socksPort:       opt.SocksPort,
		socksUsername:   opt.SocksUsername,
		socksPassword:   opt.SocksPassword,
		socksWaitServer: opt.SocksWaitServer,
		reconnect:       opt.Reconnect,
		reconnectDelay:  opt.ReconnectDelay,
		threads:         threads,
		userAgent:       opt.UserAgent,
		noEnvProxy:      opt.NoEnvProxy,
		instance:        uuid.New(),
		errors:          make(chan error, 1),
		Connected:       make(chan struct{}),
		Disconnected:    make(chan struct{}),
	}
	close(client.Disconnected)

	for i := 0; i < threads; i++ {
		client.links = append(client.links, &peerLink{index: i})
	}

	return client
}

// convertWSPath converts HTTP(S) URLs to WS(S) URLs and ensures proper path
func convertWSPath(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		return wsURL
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	if u.Path == "" || u.Path == "/" {
		u.Path = "/socket"
	}

	return u.String()
}

// hasSocksServer reports whether this role hosts the local SOCKS front-end.
func (c *MuxSocksClient) hasSocksServer() bool {
	return !c.reverse || c.connector
}

// SocksAddr returns the local SOCKS5 listen address.
func (c *MuxSocksClient) SocksAddr() string {
	return net.JoinHostPort(c.socksHost, fmt.Sprint(c.socksPort))
}

// WaitReady waits for the client to be ready with optional timeout
func (c *MuxSocksClient) WaitReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.cancelFunc = cancel
	c.mu.Unlock()

	go func() {
		if err := c.Connect(ctx); err != nil {
			select {
			case c.errors <- err:
			default:
			}
		}
	}()

	if timeout > 0 {
		select {
		case <-c.Connected:
			return nil
		case err := <-c.errors:
			return err
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(timeout):
			return fmt.Errorf("timeout waiting for client to be ready")
		}
	}

	select {
	case <-c.Connected:
		return nil
	case err := <-c.errors:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect starts the client operation. It blocks until the context is
// cancelled or a fatal error (auth rejection, protocol violation, reconnect
// disabled) stops every link.
func (c *MuxSocksClient) Connect(ctx context.Context) error {
	c.log.Info().Str("url", c.wsURL).Int("threads", c.threads).Msg("MuxSocks Client is connecting to")

	if c.hasSocksServer() && !c.socksWaitServer {
		go c.runSocksServer(ctx, nil)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, link := range c.links {
		link := link
		g.Go(func() error {
			return c.runLink(ctx, link)
		})
	}
	return g.Wait()
}

// dialer builds the WebSocket dialer, honoring proxy environment variables
// unless disabled.
func (c *MuxSocksClient) dialer() *websocket.Dialer {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: authHandshakeTimeout,
	}
	if c.noEnvProxy {
		dialer.Proxy = nil
	}
	return dialer
}

// runLink is the reconnect supervisor for one peer session.
func (c *MuxSocksClient) runLink(ctx context.Context, link *peerLink) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := c.serveLink(ctx, link)
		if err == nil || errors.Is(err, context.Canceled) {
			return err
		}

		if errors.Is(err, ErrAuthRejected) || errors.Is(err, ErrProtocol) {
			c.log.Error().Err(err).Int("link", link.index).Msg("Fatal session error. Exiting...")
			return err
		}
		if !c.reconnect {
			c.log.Error().Err(err).Int("link", link.index).Msg("WebSocket connection closed. Exiting...")
			return err
		}

		c.log.Warn().Err(err).Int("link", link.index).
			Dur("delay", c.reconnectDelay).Msg("WebSocket connection closed. Retrying...")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.reconnectDelay):
		}
	}
}

// serveLink establishes, authenticates and serves one WebSocket session.
// Channels opened on the session die with it; a reconnected session starts
// clean.
func (c *MuxSocksClient) serveLink(ctx context.Context, link *peerLink) error {
	ws, _, err := c.dialer().Dial(c.wsURL, http.Header{"User-Agent": []string{c.userAgent}})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}

	wsConn := NewWSConn(ws, fmt.Sprintf("link-%d", link.index), c.log)
	wsConn.SetFrameDataLimit(c.relay.option.BufferSize * frameDataSafetyFactor)

	authMsg := AuthMessage{
		Token:    c.token,
		Reverse:  c.reverse || c.connector,
		Instance: c.instance,
	}
	c.relay.logMessage(authMsg, "send", wsConn.Label())
	if err := wsConn.WriteMessage(authMsg); err != nil {
		wsConn.Close()
		return fmt.Errorf("%w: auth write: %v", ErrTransport, err)
	}

	ws.SetReadDeadline(time.Now().Add(authHandshakeTimeout))
	msg, err := wsConn.ReadMessage()
	if err != nil {
		wsConn.Close()
		if errors.Is(err, ErrProtocol) {
			return err
		}
		return fmt.Errorf("%w: auth read: %v", ErrTransport, err)
	}
	ws.SetReadDeadline(time.Time{})

	authResponse, ok := msg.(AuthResponseMessage)
	if !ok {
		wsConn.Close()
		return fmt.Errorf("%w: unexpected message before auth response", ErrProtocol)
	}
	c.relay.logMessage(authResponse, "recv", wsConn.Label())
	if !authResponse.Success {
		wsConn.Close()
		if authResponse.Error != "" {
			return fmt.Errorf("%w: %s", ErrAuthRejected, authResponse.Error)
		}
		return ErrAuthRejected
	}

	c.log.Info().Int("link", link.index).Msg("Authentication successful")

	if c.hasSocksServer() && c.socksWaitServer {
		socksReady := make(chan struct{})
		go c.runSocksServer(ctx, socksReady)
		select {
		case <-socksReady:
		case <-ctx.Done():
			wsConn.Close()
			return ctx.Err()
		}
	}

	link.setConn(wsConn)
	c.markLinkUp()
	metricPeersConnected.Inc()
	defer func() {
		link.setConn(nil)
		wsConn.Close()
		c.markLinkDown()
		metricPeersConnected.Dec()
	}()

	errChan := make(chan error, 2)
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		errChan <- c.messageDispatcher(sessionCtx, wsConn)
	}()
	go func() {
		errChan <- c.heartbeatHandler(sessionCtx, wsConn)
	}()

	err = <-errChan
	cancel()

	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, net.ErrClosed) ||
			websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
			return fmt.Errorf("%w: connection closed", ErrTransport)
		}
		return err
	}
	return err
}

// markLinkUp flips Connected when the first link comes up.
func (c *MuxSocksClient) markLinkUp() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectedLinks++
	if c.connectedLinks == 1 {
		c.Disconnected = make(chan struct{})
		close(c.Connected)
	}
}

// markLinkDown flips Disconnected when the last link goes away.
func (c *MuxSocksClient) markLinkDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectedLinks--
	if c.connectedLinks == 0 {
		c.Connected = make(chan struct{})
		close(c.Disconnected)
	}
}

// messageDispatcher routes inbound frames on one session
func (c *MuxSocksClient) messageDispatcher(ctx context.Context, ws *WSConn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			msg, err := ws.ReadMessage()
			if err != nil {
				return err
			}

			c.relay.logMessage(msg, "recv", ws.Label())

			switch m := msg.(type) {
			case DataMessage:
				c.relay.queueData(ws, m)

			case ConnectMessage:
				if !c.reverse {
					c.log.Debug().Msg("Ignoring connect request on a non-provider session")
					continue
				}
				go func() {
					if err := c.relay.HandleNetworkConnection(ctx, ws, m); err != nil && !errors.Is(err, context.Canceled) {
						c.log.Debug().Err(err).Msg("Network connection handler error")
					}
				}()

			case ConnectResponseMessage:
				if !c.relay.routeConnectResponse(m) {
					c.log.Debug().Str("channel_id", m.ChannelID.String()).Msg("Received connect response for unknown channel")
				}

			case DisconnectMessage:
				c.relay.dropChannel(m.ChannelID)

			case ConnectorResponseMessage:
				if queue, ok := c.connectorQueues.Load(m.ChannelID); ok {
					select {
					case queue.(chan ConnectorResponseMessage) <- m:
					default:
					}
				} else {
					c.log.Debug().Str("channel_id", m.ChannelID.String()).Msg("Received connector response for unknown request")
				}

			default:
				c.log.Debug().Str("type", msg.GetType()).Msg("Received unknown message type")
			}
		}
	}
}

// heartbeatHandler maintains WebSocket connection with periodic pings
func (c *MuxSocksClient) heartbeatHandler(ctx context.Context, ws *WSConn) error {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := ws.Ping(10 * time.Second); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway) {
					c.log.Trace().Msg("WebSocket connection closed, stopping heartbeat")
				} else {
					c.log.Debug().Err(err).Msg("Heartbeat error")
				}
				return err
			}
			c.log.Trace().Msg("Heartbeat: sent ping")
		}
	}
}

// runSocksServer runs the local SOCKS5 server
func (c *MuxSocksClient) runSocksServer(ctx context.Context, readyEvent chan<- struct{}) error {
	c.mu.Lock()
	if c.socksListener != nil {
		c.mu.Unlock()
		if readyEvent != nil {
			close(readyEvent)
		}
		return nil
	}
	c.mu.Unlock()

	listener, err := net.Listen("tcp", c.SocksAddr())
	if err != nil {
		return fmt.Errorf("failed to start SOCKS server: %w", err)
	}

	c.mu.Lock()
	c.socksListener = listener
	c.mu.Unlock()

	c.log.Info().Str("addr", listener.Addr().String()).Msg("SOCKS5 server started")

	if readyEvent != nil {
		close(readyEvent)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			conn, err := listener.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				c.log.Warn().Err(err).Msg("Error accepting SOCKS connection")
				continue
			}

			c.log.Debug().Str("remote_addr", conn.RemoteAddr().String()).Msg("Accepted SOCKS5 connection")
			go c.handleSocksRequest(ctx, conn)
		}
	}
}

// pickLink returns a live session, round-robin across threads.
func (c *MuxSocksClient) pickLink() *WSConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < len(c.links); i++ {
		link := c.links[c.linkIndex%len(c.links)]
		c.linkIndex++
		if ws := link.conn(); ws != nil {
			return ws
		}
	}
	return nil
}

// handleSocksRequest handles a SOCKS5 client connection, waiting briefly
// for a live session if none is up yet.
func (c *MuxSocksClient) handleSocksRequest(ctx context.Context, socksConn net.Conn) {
	defer socksConn.Close()

	startTime := time.Now()
	for time.Since(startTime) < 10*time.Second {
		if ws := c.pickLink(); ws != nil {
			if err := c.relay.HandleSocksRequest(ctx, ws, socksConn, c.socksUsername, c.socksPassword); err != nil && !errors.Is(err, context.Canceled) {
				c.log.Warn().Err(err).Msg("Error handling SOCKS request")
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}

	c.log.Warn().Msg("No live session after waiting 10s, refusing socks request")
	if err := c.relay.RefuseSocksRequest(socksConn, SocksReplyNetworkUnreachable); err != nil {
		c.log.Warn().Err(err).Msg("Error refusing SOCKS request")
	}
}

// Close gracefully shuts down the MuxSocksClient
func (c *MuxSocksClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.relay.Close()

	if c.socksListener != nil {
		if err := c.socksListener.Close(); err != nil {
			c.log.Warn().Err(err).Msg("Error closing SOCKS listener")
		}
		c.socksListener = nil
	}

	for _, link := range c.links {
		if ws := link.conn(); ws != nil {
			if err := ws.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				c.log.Warn().Err(err).Msg("Error closing WebSocket connection")
			}
			link.setConn(nil)
		}
	}

	if c.cancelFunc != nil {
		c.cancelFunc()
		c.cancelFunc = nil
	}

	c.log.Info().Msg("Client stopped")
}

// AddConnector asks the server to register a connector token paired with
// this provider. Only available on an autonomy reverse session.
func (c *MuxSocksClient) AddConnector(connectorToken string) (string, error) {
	return c.connectorRequest("add", connectorToken)
}

// RemoveConnector asks the server to drop a connector token this provider
// registered earlier.
func (c *MuxSocksClient) RemoveConnector(connectorToken string) error {
	_, err := c.connectorRequest("remove", connectorToken)
	return err
}

func (c *MuxSocksClient) connectorRequest(operation, connectorToken string) (string, error) {
	if !c.reverse {
		return "", errors.New("connector management is only available in reverse proxy mode")
	}

	ws := c.pickLink()
	if ws == nil {
		return "", errors.New("client not connected")
	}

	requestID := uuid.New()
	msg := ConnectorMessage{
		Operation:      operation,
		ChannelID:      requestID,
		ConnectorToken: connectorToken,
	}

	respChan := make(chan ConnectorResponseMessage, 1)
	c.connectorQueues.Store(requestID, respChan)
	defer c.connectorQueues.Delete(requestID)

	c.relay.logMessage(msg, "send", ws.Label())
	if err := ws.WriteMessage(msg); err != nil {
		return "", fmt.Errorf("failed to send connector request: %w", err)
	}

	select {
	case resp := <-respChan:
		if !resp.Success {
			return "", fmt.Errorf("connector request failed: %s", resp.Error)
		}
		return resp.ConnectorToken, nil
	case <-time.After(10 * time.Second):
		return "", errors.New("timeout waiting for connector response")
	}
}
