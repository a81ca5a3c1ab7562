package muxsocks

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	// dispatchWait bounds how long a SOCKS accept waits for a provider.
	dispatchWait = 10 * time.Second

	// livenessProbeTimeout bounds the dispatcher's pre-handoff ping.
	livenessProbeTimeout = time.Second
)

// MuxSocksServer is the rendezvous side of a MuxSocks deployment: it
// authenticates peer sessions, dials targets for forward clients, hosts
// SOCKS5 listeners for reverse tokens and stitches connector channels to
// provider channels in agent mode.
type MuxSocksServer struct {
	relay *Relay
	log   zerolog.Logger

	mu         sync.RWMutex
	ready      chan struct{}
	cancelFunc context.CancelFunc

	wsHost   string
	wsPort   int
	wsServer *http.Server

	socksHost       string
	portPool        *PortPool
	socksWaitClient bool

	// Peer sessions keyed by the digest of the token they authenticated
	// under; autonomy providers get a per-session route key instead, with
	// clientTokens remembering the digest for removal cascades.
	clients      map[uuid.UUID]*WSConn
	clientTokens map[uuid.UUID]string
	tokenClients map[string][]clientInfo
	tokenIndexes map[string]int

	tokens *TokenRegistry

	siblings *siblingTable

	socksTasks    map[int]context.CancelFunc
	socketManager *SocketManager
	upnp          *upnpMapper

	apiKey string

	errors chan error
}

type clientInfo struct {
	ID   uuid.UUID
	Conn *WSConn
}

// autonomyRouteKey derives the internal route key a single autonomy
// provider session owns. Connector tokens it registers attach here, which
// is what pairs a connector one-to-one with that provider.
func autonomyRouteKey(clientID uuid.UUID) string {
	return "autonomy:" + clientID.String()
}

// siblingTable holds the agent-mode channel pairings. A pairing is a weak
// association between two (peer session, channel id) halves; it never owns
// either session.
type siblingTable struct {
	mu    sync.RWMutex
	links map[uuid.UUID]siblingLink
}

type siblingLink struct {
	peer *WSConn
	id   uuid.UUID
}

func newSiblingTable() *siblingTable {
	return &siblingTable{links: make(map[uuid.UUID]siblingLink)}
}

// pair ties channel a on peerA to channel b on peerB in both directions.
func (t *siblingTable) pair(a uuid.UUID, peerA *WSConn, b uuid.UUID, peerB *WSConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.links[a] = siblingLink{peer: peerB, id: b}
	t.links[b] = siblingLink{peer: peerA, id: a}
}

func (t *siblingTable) lookup(id uuid.UUID) (siblingLink, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	link, ok := t.links[id]
	return link, ok
}

// unpair removes a pairing given either half.
func (t *siblingTable) unpair(id uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if link, ok := t.links[id]; ok {
		delete(t.links, link.id)
		delete(t.links, id)
	}
}

// dropPeer removes every pairing touching a closed peer session and
// returns the surviving halves so the other side can be disconnected.
func (t *siblingTable) dropPeer(peer *WSConn) []siblingLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	var orphans []siblingLink
	for id, link := range t.links {
		if link.peer == peer {
			if other, ok := t.links[link.id]; ok {
				orphans = append(orphans, siblingLink{peer: other.peer, id: id})
				delete(t.links, link.id)
			}
			delete(t.links, id)
		}
	}
	return orphans
}

// ServerOption represents configuration options for MuxSocksServer
type ServerOption struct {
	WSHost          string
	WSPort          int
	SocksHost       string
	PortPool        *PortPool
	SocksWaitClient bool
	Logger          zerolog.Logger
	BufferSize      int
	APIKey          string
	FastOpen        bool
	DisableBatch    bool
	ChannelTimeout  time.Duration
	ConnectTimeout  time.Duration
	EnableUPnP      bool

	UpstreamProxy    string
	UpstreamUsername string
	UpstreamPassword string
}

// DefaultServerOption returns default server options
func DefaultServerOption() *ServerOption {
	return &ServerOption{
		WSHost:          "0.0.0.0",
		WSPort:          8765,
		SocksHost:       "127.0.0.1",
		PortPool:        NewDefaultPortPool(),
		SocksWaitClient: true,
		Logger:          zerolog.New(os.Stdout).With().Timestamp().Logger(),
		BufferSize:      DefaultBufferSize,
		APIKey:          "",
		ChannelTimeout:  DefaultChannelOpenTimeout,
		ConnectTimeout:  DefaultConnectTimeout,
	}
}

// WithWSHost sets the WebSocket host
func (o *ServerOption) WithWSHost(host string) *ServerOption {
	o.WSHost = host
	return o
}

// WithWSPort sets the WebSocket port
func (o *ServerOption) WithWSPort(port int) *ServerOption {
	o.WSPort = port
	return o
}

// WithSocksHost sets the SOCKS host
func (o *ServerOption) WithSocksHost(host string) *ServerOption {
	o.SocksHost = host
	return o
}

// WithPortPool sets the port pool
func (o *ServerOption) WithPortPool(pool *PortPool) *ServerOption {
	o.PortPool = pool
	return o
}

// WithSocksWaitClient sets whether to wait for client before starting SOCKS server
func (o *ServerOption) WithSocksWaitClient(wait bool) *ServerOption {
	o.SocksWaitClient = wait
	return o
}

// WithLogger sets the logger
func (o *ServerOption) WithLogger(logger zerolog.Logger) *ServerOption {
	o.Logger = logger
	return o
}

// WithBufferSize sets the buffer size for data transfer
func (o *ServerOption) WithBufferSize(size int) *ServerOption {
	o.BufferSize = size
	return o
}

// WithAPI sets apiKey to enable the HTTP API
func (o *ServerOption) WithAPI(apiKey string) *ServerOption {
	o.APIKey = apiKey
	return o
}

// WithFastOpen enables optimistic SOCKS CONNECT acknowledgement for
// reverse-mode listeners
func (o *ServerOption) WithFastOpen(fastOpen bool) *ServerOption {
	o.FastOpen = fastOpen
	return o
}

// WithDisableBatch turns off send-path coalescing
func (o *ServerOption) WithDisableBatch(disable bool) *ServerOption {
	o.DisableBatch = disable
	return o
}

// WithChannelTimeout sets the channel open timeout duration
func (o *ServerOption) WithChannelTimeout(timeout time.Duration) *ServerOption {
	o.ChannelTimeout = timeout
	return o
}

// WithConnectTimeout sets the connect timeout duration
func (o *ServerOption) WithConnectTimeout(timeout time.Duration) *ServerOption {
	o.ConnectTimeout = timeout
	return o
}

// WithUPnP maps reverse SOCKS ports on the gateway via UPnP
func (o *ServerOption) WithUPnP(enable bool) *ServerOption {
	o.EnableUPnP = enable
	return o
}

// WithUpstreamProxy routes forward-mode egress dials through a SOCKS5 upstream
func (o *ServerOption) WithUpstreamProxy(addr string) *ServerOption {
	o.UpstreamProxy = addr
	return o
}

// WithUpstreamAuth sets credentials for the upstream proxy
func (o *ServerOption) WithUpstreamAuth(username, password string) *ServerOption {
	o.UpstreamUsername = username
	o.UpstreamPassword = password
	return o
}

// NewMuxSocksServer creates a new MuxSocksServer instance
func NewMuxSocksServer(opt *ServerOption) *MuxSocksServer {
	if opt == nil {
		opt = DefaultServerOption()
	}

	relayOpt := NewDefaultRelayOption().
		WithBufferSize(opt.BufferSize).
		WithChannelOpenTimeout(opt.ChannelTimeout).
		WithConnectTimeout(opt.ConnectTimeout).
		WithFastOpen(opt.FastOpen).
		WithDisableBatch(opt.DisableBatch).
		WithUpstreamProxy(opt.UpstreamProxy).
		WithUpstreamAuth(opt.UpstreamUsername, opt.UpstreamPassword)

	s := &MuxSocksServer{
		relay:           NewRelay(opt.Logger, relayOpt),
		log:             opt.Logger,
		wsHost:          opt.WSHost,
		wsPort:          opt.WSPort,
		socksHost:       opt.SocksHost,
		portPool:        opt.PortPool,
		ready:           make(chan struct{}),
		clients:         make(map[uuid.UUID]*WSConn),
		clientTokens:    make(map[uuid.UUID]string),
		tokenClients:    make(map[string][]clientInfo),
		tokenIndexes:    make(map[string]int),
		tokens:          NewTokenRegistry(),
		siblings:        newSiblingTable(),
		socksTasks:      make(map[int]context.CancelFunc),
		socksWaitClient: opt.SocksWaitClient,
		socketManager:   NewSocketManager(opt.SocksHost, opt.Logger),
		apiKey:          opt.APIKey,
		errors:          make(chan error, 1),
	}
	if opt.EnableUPnP {
		s.upnp = newUPnPMapper(opt.Logger)
	}

	return s
}

// AddReverseToken adds a new token for reverse socks and assigns a port.
// Autonomy tokens (AllowManageConnector) bind no listener and report -1.
func (s *MuxSocksServer) AddReverseToken(opts *ReverseTokenOptions) (string, int, error) {
	if opts == nil {
		opts = DefaultReverseTokenOptions()
	}

	if opts.AllowManageConnector {
		plain, _, err := s.tokens.AddReverse(opts.Token, -1, opts)
		if err != nil {
			return "", 0, err
		}
		s.log.Info().Msg("New autonomy reverse token added")
		return plain, -1, nil
	}

	assignedPort := s.portPool.Get(opts.Port)
	if assignedPort == 0 {
		return "", 0, fmt.Errorf("cannot allocate port: %d", opts.Port)
	}

	plain, digest, err := s.tokens.AddReverse(opts.Token, assignedPort, opts)
	if err != nil {
		s.portPool.Put(assignedPort)
		return "", 0, err
	}

	// Start SOCKS server immediately if we're not waiting for clients
	s.mu.Lock()
	if s.wsServer != nil && !s.socksWaitClient {
		ctx, cancel := context.WithCancel(context.Background())
		s.socksTasks[assignedPort] = cancel
		go func() {
			if err := s.runSocksServer(ctx, digest, assignedPort); err != nil {
				s.log.Warn().Err(err).Int("port", assignedPort).Msg("SOCKS server error")
			}
		}()
	}
	s.mu.Unlock()

	s.log.Info().Int("port", assignedPort).Msg("New reverse proxy token added")
	return plain, assignedPort, nil
}

// AddForwardToken adds a new token for forward socks proxy
func (s *MuxSocksServer) AddForwardToken(token string) (string, error) {
	plain, _, err := s.tokens.AddForward(token)
	if err != nil {
		return "", err
	}
	s.log.Info().Msg("New forward proxy token added")
	return plain, nil
}

// AddConnectorToken adds a new connector token that forwards requests to a
// reverse token
func (s *MuxSocksServer) AddConnectorToken(connectorToken string, reverseToken string) (string, error) {
	plain, _, err := s.tokens.AddConnector(connectorToken, HashToken(reverseToken), true)
	if err != nil {
		return "", err
	}
	s.log.Info().Msg("New connector token added")
	return plain, nil
}

// RemoveToken removes a token by plaintext and disconnects all its peers.
// Removing a reverse token cascades to its connector tokens.
func (s *MuxSocksServer) RemoveToken(token string) bool {
	return s.removeTokenDigest(HashToken(token))
}

func (s *MuxSocksServer) removeTokenDigest(digest string) bool {
	kind, ok := s.tokens.LookupKind(digest)
	if !ok {
		return false
	}

	switch kind {
	case TokenKindConnector:
		s.tokens.RemoveConnector(digest)
		s.closeTokenClients(digest)
		s.log.Info().Str("kind", kind).Msg("Connector token removed")
		return true

	case TokenKindReverse:
		state, cascaded, ok := s.tokens.RemoveReverse(digest)
		if !ok {
			return false
		}
		for _, connectorDigest := range cascaded {
			s.closeTokenClients(connectorDigest)
		}
		s.closeTokenClients(digest)
		// Autonomy providers are filed under per-session route keys
		s.closeClientsByDigest(digest)

		if state.Port > 0 {
			s.mu.Lock()
			if cancel, exists := s.socksTasks[state.Port]; exists {
				cancel()
				delete(s.socksTasks, state.Port)
			}
			s.mu.Unlock()
			s.portPool.Put(state.Port)
		}
		s.log.Info().Str("kind", kind).Msg("Reverse token removed")
		return true

	case TokenKindForward:
		s.tokens.RemoveForward(digest)
		s.closeTokenClients(digest)
		s.log.Info().Str("kind", kind).Msg("Forward token removed")
		return true
	}

	return false
}

// closeTokenClients terminates every peer session routed under a key.
func (s *MuxSocksServer) closeTokenClients(routeKey string) {
	s.mu.Lock()
	clients := s.tokenClients[routeKey]
	delete(s.tokenClients, routeKey)
	delete(s.tokenIndexes, routeKey)
	for _, client := range clients {
		delete(s.clients, client.ID)
		delete(s.clientTokens, client.ID)
	}
	s.mu.Unlock()

	for _, client := range clients {
		client.Conn.Close()
	}
}

// closeClientsByDigest terminates every session that authenticated under
// the given token digest, whatever route key it was filed under. Autonomy
// providers live under per-session route keys, so digest is the only
// handle that reaches them all.
func (s *MuxSocksServer) closeClientsByDigest(digest string) {
	s.mu.RLock()
	var doomed []*WSConn
	for clientID, clientDigest := range s.clientTokens {
		if clientDigest == digest {
			if ws, ok := s.clients[clientID]; ok {
				doomed = append(doomed, ws)
			}
		}
	}
	s.mu.RUnlock()

	for _, ws := range doomed {
		ws.Close()
	}
}

// handlePendingToken handles starting SOCKS server for a token
func (s *MuxSocksServer) handlePendingToken(ctx context.Context, digest string) error {
	if s.socksWaitClient {
		return nil
	}

	state, ok := s.tokens.ReverseState(digest)
	if !ok || state.Port <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, running := s.socksTasks[state.Port]; !running {
		ctx, cancel := context.WithCancel(ctx)
		s.socksTasks[state.Port] = cancel
		go func() {
			if err := s.runSocksServer(ctx, digest, state.Port); err != nil {
				s.log.Warn().Err(err).Int("port", state.Port).Msg("SOCKS server error")
			}
		}()
	}
	return nil
}

// Serve starts the WebSocket server and waits for peers
func (s *MuxSocksServer) Serve(ctx context.Context) error {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // Allow all origins
		},
	}

	mux := http.NewServeMux()

	if s.apiKey != "" {
		apiHandler := NewAPIHandler(s, s.apiKey)
		apiHandler.RegisterHandlers(mux)
		mux.Handle("/metrics", promhttp.Handler())
		s.log.Info().Int("port", s.wsPort).Msg("API endpoints enabled")
	}

	// The upgrade is accepted on any path; authentication happens purely
	// via the Auth frame.
	wsHandler := func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn().Err(err).Msg("Failed to upgrade connection")
			return
		}
		go s.handleWebSocket(ctx, conn, r)
	}
	mux.HandleFunc("/socket", wsHandler)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			wsHandler(w, r)
			return
		}
		if r.URL.Path == "/" {
			if s.apiKey != "" {
				fmt.Fprintf(w, "MuxSocks %s is running. API endpoints available at /api/*\n", Version)
			} else {
				fmt.Fprintf(w, "MuxSocks %s is running but API is not enabled.\n", Version)
			}
			return
		}
		http.NotFound(w, r)
	})

	s.mu.Lock()
	s.wsServer = &http.Server{
		Addr:    net.JoinHostPort(s.wsHost, fmt.Sprint(s.wsPort)),
		Handler: mux,
	}
	server := s.wsServer
	s.mu.Unlock()

	// Handle all pending reverse tokens
	_, reverseTokens, _ := s.tokens.Snapshot()
	for digest := range reverseTokens {
		if err := s.handlePendingToken(ctx, digest); err != nil {
			s.log.Error().Err(err).Msg("Failed to handle pending token")
		}
	}

	s.log.Info().
		Str("listen", server.Addr).
		Str("url", fmt.Sprintf("http://localhost:%d", s.wsPort)).
		Msg("MuxSocks Server started")
	close(s.ready)

	return server.ListenAndServe()
}

// WaitReady waits for the server to be ready with optional timeout
func (s *MuxSocksServer) WaitReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancelFunc = cancel
	s.mu.Unlock()

	go func() {
		if err := s.Serve(ctx); err != nil {
			select {
			case s.errors <- err:
			default:
			}
		}
	}()

	if timeout > 0 {
		select {
		case <-s.ready:
			return nil
		case err := <-s.errors:
			return err
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(timeout):
			return fmt.Errorf("timeout waiting for server to be ready")
		}
	}

	select {
	case <-s.ready:
		return nil
	case err := <-s.errors:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// peerAuth is the outcome of a successful Auth handshake: how the session
// is routed, what kind of token it presented and, for connectors, the route
// key its channels forward to.
type peerAuth struct {
	routeKey     string
	kind         string
	digest       string
	reverseRoute string
}

// authenticate validates the first frame of a session. Any frame other than
// Auth, or an unknown token, rejects the session.
func (s *MuxSocksServer) authenticate(wsConn *WSConn, clientID uuid.UUID) (peerAuth, error) {
	reject := func(reason string) (peerAuth, error) {
		authResponse := AuthResponseMessage{Success: false, Error: reason}
		s.relay.logMessage(authResponse, "send", wsConn.Label())
		wsConn.WriteMessage(authResponse)
		return peerAuth{}, fmt.Errorf("%w: %s", ErrAuthRejected, reason)
	}

	msg, readErr := wsConn.ReadMessage()
	if readErr != nil {
		return reject("invalid auth message")
	}
	s.relay.logMessage(msg, "recv", wsConn.Label())

	authMsg, ok := msg.(AuthMessage)
	if !ok {
		return reject("authentication required")
	}

	digest := HashToken(authMsg.Token)
	tokenKind, known := s.tokens.LookupKind(digest)
	if !known {
		return reject("invalid token")
	}

	switch tokenKind {
	case TokenKindForward:
		if authMsg.Reverse {
			return reject("invalid token")
		}
		return peerAuth{routeKey: digest, kind: tokenKind, digest: digest}, nil

	case TokenKindReverse:
		if !authMsg.Reverse {
			return reject("invalid token")
		}
		state, _ := s.tokens.ReverseState(digest)
		if state != nil && state.AllowManageConnector {
			// Autonomy providers are addressed individually so their
			// connectors pair with exactly this session.
			return peerAuth{routeKey: autonomyRouteKey(clientID), kind: tokenKind, digest: digest}, nil
		}
		return peerAuth{routeKey: digest, kind: tokenKind, digest: digest}, nil

	case TokenKindConnector:
		if !authMsg.Reverse {
			return reject("invalid token")
		}
		target, ok := s.tokens.ConnectorTarget(digest)
		if !ok {
			return reject("invalid token")
		}
		// An autonomy pairing is dead once its provider session is gone.
		if _, isReverse := s.tokens.ReverseState(target); !isReverse {
			s.mu.RLock()
			_, alive := s.tokenClients[target]
			s.mu.RUnlock()
			if !alive {
				return reject(ErrNoProvider.Error())
			}
		}
		return peerAuth{routeKey: digest, kind: tokenKind, digest: digest, reverseRoute: target}, nil
	}

	return reject("invalid token")
}

// handleWebSocket handles one peer session from auth to teardown
func (s *MuxSocksServer) handleWebSocket(ctx context.Context, ws *websocket.Conn, r *http.Request) {
	wsConn := NewWSConn(ws, "", s.log)
	wsConn.SetFrameDataLimit(s.relay.option.BufferSize * frameDataSafetyFactor)
	wsConn.BindRequest(r)

	clientID := uuid.New()
	wsConn.SetLabel(clientID.String())

	ws.SetReadDeadline(time.Now().Add(authHandshakeTimeout))
	auth, err := s.authenticate(wsConn, clientID)
	if err != nil {
		wsConn.Close()
		return
	}
	ws.SetReadDeadline(time.Time{})
	routeKey, kind := auth.routeKey, auth.kind

	s.mu.Lock()
	s.tokenClients[routeKey] = append(s.tokenClients[routeKey], clientInfo{ID: clientID, Conn: wsConn})
	s.clients[clientID] = wsConn
	s.clientTokens[clientID] = auth.digest
	s.mu.Unlock()

	metricPeersConnected.Inc()

	defer func() {
		wsConn.Close()
		s.cleanupConnection(clientID, routeKey, wsConn)
		metricPeersConnected.Dec()
	}()

	switch kind {
	case TokenKindReverse:
		// Providers under a listener-bound reverse token get its SOCKS
		// server started on first arrival.
		if state, ok := s.tokens.ReverseState(auth.digest); ok && state.Port > 0 {
			s.mu.Lock()
			if _, exists := s.socksTasks[state.Port]; !exists {
				taskCtx, cancel := context.WithCancel(ctx)
				s.socksTasks[state.Port] = cancel
				port := state.Port
				go func() {
					if err := s.runSocksServer(taskCtx, routeKey, port); err != nil {
						s.log.Debug().Err(err).Int("port", port).Msg("SOCKS server error")
					}
				}()
			}
			s.mu.Unlock()
		}
		s.log.Debug().Str("client_id", clientID.String()).Str("remote_ip", wsConn.RemoteIP()).Msg("Provider client authenticated")
	case TokenKindConnector:
		s.log.Debug().Str("client_id", clientID.String()).Str("remote_ip", wsConn.RemoteIP()).Msg("Connector client authenticated")
	default:
		s.log.Debug().Str("client_id", clientID.String()).Str("remote_ip", wsConn.RemoteIP()).Msg("Forward client authenticated")
	}

	authResponse := AuthResponseMessage{Success: true}
	s.relay.logMessage(authResponse, "send", wsConn.Label())
	if err := wsConn.WriteMessage(authResponse); err != nil {
		s.log.Debug().Err(err).Msg("Failed to send auth response")
		return
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Application-level keepalive: the pong refreshes the read deadline, so
	// a dead peer is detected within a couple of intervals.
	go s.heartbeatHandler(sessionCtx, wsConn)

	if kind == TokenKindConnector {
		s.connectorMessageDispatcher(sessionCtx, wsConn, auth.reverseRoute)
		return
	}
	s.messageDispatcher(sessionCtx, wsConn, clientID, routeKey, kind)
}

// heartbeatHandler pings the peer session on a fixed cadence.
func (s *MuxSocksServer) heartbeatHandler(ctx context.Context, ws *WSConn) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ws.Ping(10 * time.Second); err != nil {
				s.log.Trace().Err(err).Msg("Heartbeat ping failed")
				return
			}
		}
	}
}

// messageDispatcher routes frames from forward and provider sessions
func (s *MuxSocksServer) messageDispatcher(ctx context.Context, ws *WSConn, clientID uuid.UUID, routeKey string, kind string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			msg, err := ws.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					s.log.Debug().Err(err).Msg("WebSocket read error")
				}
				return err
			}

			s.relay.logMessage(msg, "recv", ws.Label())

			switch m := msg.(type) {
			case DataMessage:
				// Agent-mode frames belong to a sibling pairing; anything
				// else is a local relay channel.
				if link, ok := s.siblings.lookup(m.ChannelID); ok {
					m.ChannelID = link.id
					if err := link.peer.WriteMessage(m); err != nil {
						s.log.Debug().Err(err).Msg("Failed to forward data frame to sibling")
					}
					continue
				}
				s.relay.queueData(ws, m)

			case ConnectMessage:
				if kind != TokenKindForward {
					s.log.Debug().Msg("Ignoring connect request from a provider session")
					continue
				}
				go func() {
					if err := s.relay.HandleNetworkConnection(ctx, ws, m); err != nil && !errors.Is(err, context.Canceled) {
						s.log.Debug().Err(err).Msg("Network connection handler error")
					}
				}()

			case ConnectResponseMessage:
				if s.relay.routeConnectResponse(m) {
					continue
				}
				if link, ok := s.siblings.lookup(m.ChannelID); ok {
					m.ChannelID = link.id
					if err := link.peer.WriteMessage(m); err != nil {
						s.log.Debug().Err(err).Msg("Failed to forward connect response to sibling")
					}
					if !m.Success {
						s.siblings.unpair(link.id)
					}
					continue
				}
				s.log.Debug().Str("channel_id", m.ChannelID.String()).Msg("Received connect response for unknown channel")

			case DisconnectMessage:
				if link, ok := s.siblings.lookup(m.ChannelID); ok {
					m.ChannelID = link.id
					if err := link.peer.WriteMessage(m); err != nil {
						s.log.Debug().Err(err).Msg("Failed to forward disconnect frame")
					}
					s.siblings.unpair(link.id)
					continue
				}
				s.relay.dropChannel(m.ChannelID)

			case ConnectorMessage:
				s.handleConnectorManagement(ws, clientID, routeKey, m)

			default:
				s.log.Debug().Str("type", msg.GetType()).Msg("Received unknown message type")
			}
		}
	}
}

// handleConnectorManagement serves add/remove connector requests from an
// autonomy provider session.
func (s *MuxSocksServer) handleConnectorManagement(ws *WSConn, clientID uuid.UUID, routeKey string, m ConnectorMessage) {
	response := ConnectorResponseMessage{ChannelID: m.ChannelID}

	state, _ := s.tokens.ReverseState(routeKey)
	hasPermission := state != nil && state.AllowManageConnector
	if !hasPermission && routeKey == autonomyRouteKey(clientID) {
		hasPermission = true
	}

	if !hasPermission {
		response.Success = false
		response.Error = "unauthorized connector management attempt"
		s.log.Warn().
			Str("client_id", clientID.String()).
			Msg("Unauthorized connector management attempt")
	} else {
		switch m.Operation {
		case "add":
			plain, _, err := s.tokens.AddConnector(m.ConnectorToken, routeKey, false)
			if err != nil {
				response.Success = false
				response.Error = err.Error()
				s.log.Warn().Err(err).Msg("Failed to add connector token")
			} else {
				response.Success = true
				response.ConnectorToken = plain
				s.log.Info().Msg("Added new connector token via WebSocket")
			}

		case "remove":
			if removed := s.removeTokenDigest(HashToken(m.ConnectorToken)); !removed {
				response.Success = false
				response.Error = "failed to remove connector token"
				s.log.Warn().Msg("Failed to remove connector token")
			} else {
				response.Success = true
				s.log.Info().Msg("Removed connector token via WebSocket")
			}

		default:
			response.Success = false
			response.Error = fmt.Sprintf("unknown connector operation: %s", m.Operation)
			s.log.Info().Str("operation", m.Operation).Msg("Unknown connector operation")
		}
	}

	s.relay.logMessage(response, "send", ws.Label())
	if err := ws.WriteMessage(response); err != nil {
		s.log.Warn().Err(err).Msg("Failed to send connector response")
	}
}

// connectorMessageDispatcher routes frames from connector sessions. The
// connector is the opener: its Connect frames are relayed to a provider
// under a fresh sibling channel id, and the pairing routes everything else.
func (s *MuxSocksServer) connectorMessageDispatcher(ctx context.Context, ws *WSConn, reverseRoute string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			msg, err := ws.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					s.log.Debug().Err(err).Msg("WebSocket read error")
				}
				return err
			}

			s.relay.logMessage(msg, "recv", ws.Label())

			switch m := msg.(type) {
			case ConnectMessage:
				providerWS, err := s.pickPeer(reverseRoute)
				if err != nil {
					s.log.Debug().Err(err).Msg("No provider for connector channel")
					response := ConnectResponseMessage{
						Success:   false,
						ChannelID: m.ChannelID,
						Error:     ErrNoProvider.Error(),
					}
					ws.WriteMessage(response)
					continue
				}

				siblingID := uuid.New()
				s.siblings.pair(m.ChannelID, ws, siblingID, providerWS)

				m.ChannelID = siblingID
				if err := providerWS.WriteMessage(m); err != nil {
					s.log.Debug().Err(err).Msg("Failed to forward connect frame to provider")
					s.siblings.unpair(siblingID)
				}

			case DataMessage:
				if link, ok := s.siblings.lookup(m.ChannelID); ok {
					m.ChannelID = link.id
					if err := link.peer.WriteMessage(m); err != nil {
						s.log.Debug().Err(err).Msg("Failed to forward data frame to provider")
					}
				}

			case DisconnectMessage:
				if link, ok := s.siblings.lookup(m.ChannelID); ok {
					m.ChannelID = link.id
					if err := link.peer.WriteMessage(m); err != nil {
						s.log.Debug().Err(err).Msg("Failed to forward disconnect frame to provider")
					}
					s.siblings.unpair(link.id)
				}

			default:
				s.log.Debug().Str("type", msg.GetType()).Msg("Ignoring frame from connector session")
			}
		}
	}
}

// cleanupConnection cleans up resources when a peer session ends
func (s *MuxSocksServer) cleanupConnection(clientID uuid.UUID, routeKey string, wsConn *WSConn) {
	// Sibling channels that crossed this session get a Disconnect on the
	// surviving side.
	for _, orphan := range s.siblings.dropPeer(wsConn) {
		orphan.peer.WriteMessage(DisconnectMessage{ChannelID: orphan.id, Error: "peer session closed"})
	}

	s.mu.Lock()
	if clients, ok := s.tokenClients[routeKey]; ok {
		kept := make([]clientInfo, 0, len(clients))
		for _, client := range clients {
			if client.ID != clientID {
				kept = append(kept, client)
			}
		}
		if len(kept) == 0 {
			delete(s.tokenClients, routeKey)
			delete(s.tokenIndexes, routeKey)
		} else {
			s.tokenClients[routeKey] = kept
		}
	}
	delete(s.clients, clientID)
	delete(s.clientTokens, clientID)
	s.mu.Unlock()

	// A gone autonomy provider takes its connector tokens with it.
	if routeKey == autonomyRouteKey(clientID) {
		for _, connectorDigest := range s.tokens.ConnectorsFor(routeKey) {
			s.removeTokenDigest(connectorDigest)
		}
	}

	s.log.Debug().Str("client_id", clientID.String()).Msg("Client disconnected")
}

// nextPeer returns the next session under a route key, round-robin.
func (s *MuxSocksServer) nextPeer(routeKey string) (*WSConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	clients := s.tokenClients[routeKey]
	if len(clients) == 0 {
		return nil, ErrNoProvider
	}

	currentIndex := s.tokenIndexes[routeKey] % len(clients)
	s.tokenIndexes[routeKey] = (currentIndex + 1) % len(clients)

	s.log.Trace().Int("index", currentIndex).Msg("Using client index for request")
	return clients[currentIndex].Conn, nil
}

// pickPeer selects a live session under a route key: round-robin with a
// liveness probe, trying each connected peer at most once.
func (s *MuxSocksServer) pickPeer(routeKey string) (*WSConn, error) {
	s.mu.RLock()
	count := len(s.tokenClients[routeKey])
	s.mu.RUnlock()

	for i := 0; i < count; i++ {
		ws, err := s.nextPeer(routeKey)
		if err != nil {
			return nil, err
		}
		if _, err := ws.Probe(livenessProbeTimeout); err != nil {
			s.log.Debug().Err(err).Msg("Liveness probe failed, trying next peer")
			continue
		}
		return ws, nil
	}
	return nil, ErrNoProvider
}

// handleSocksRequest dispatches one reverse-mode SOCKS5 accept to a
// provider peer. The selected peer serves the connection for its lifetime.
func (s *MuxSocksServer) handleSocksRequest(ctx context.Context, socksConn net.Conn, addr net.Addr, digest string) error {
	deadline := time.After(dispatchWait)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var ws *WSConn
	for ws == nil {
		var err error
		if ws, err = s.pickPeer(digest); err == nil {
			break
		}
		select {
		case <-deadline:
			s.log.Debug().Str("addr", addr.String()).Msg("No valid provider after timeout")
			return s.relay.RefuseSocksRequest(socksConn, SocksReplyNetworkUnreachable)
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	var username, password string
	if state, ok := s.tokens.ReverseState(digest); ok {
		username = state.Username
		password = state.Password
	}

	if err := s.relay.HandleSocksRequest(ctx, ws, socksConn, username, password); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn().Err(err).Msg("Error handling SOCKS request")
	}
	return nil
}

// runSocksServer runs a SOCKS5 listener for a reverse token
func (s *MuxSocksServer) runSocksServer(ctx context.Context, digest string, socksPort int) error {
	listener, err := s.socketManager.GetListener(socksPort)
	if err != nil {
		return err
	}
	defer s.socketManager.ReleaseListener(socksPort)

	if s.upnp != nil {
		s.upnp.MapPort(socksPort)
		defer s.upnp.UnmapPort(socksPort)
	}

	s.log.Debug().Str("addr", listener.Addr().String()).Msg("SOCKS5 server started")

	go func() {
		<-ctx.Done()
		listener.(*net.TCPListener).SetDeadline(time.Now())
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				listener.(*net.TCPListener).SetDeadline(time.Time{})
				return nil
			}
			s.log.Warn().Err(err).Msg("Failed to accept SOCKS connection")
			continue
		}

		go func() {
			defer conn.Close()
			if err := s.handleSocksRequest(ctx, conn, conn.RemoteAddr(), digest); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn().Err(err).Msg("Error handling SOCKS request")
			}
		}()
	}
}

// Close gracefully shuts down the MuxSocksServer
func (s *MuxSocksServer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.relay.Close()

	for port, cancel := range s.socksTasks {
		cancel()
		delete(s.socksTasks, port)
	}

	for clientID, ws := range s.clients {
		ws.Close()
		delete(s.clients, clientID)
		delete(s.clientTokens, clientID)
	}

	if s.wsServer != nil {
		if err := s.wsServer.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Error closing WebSocket server")
		}
		s.wsServer = nil
	}

	if s.cancelFunc != nil {
		s.cancelFunc()
		s.cancelFunc = nil
	}

	if s.upnp != nil {
		s.upnp.Close()
	}
	s.socketManager.Close()
	s.log.Info().Msg("Server stopped")
}

// GetClientCount returns the total number of connected peers
func (s *MuxSocksServer) GetClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// HasClients returns true if there are any connected peers
func (s *MuxSocksServer) HasClients() bool {
	return s.GetClientCount() > 0
}

// GetTokenClientCount counts peers connected for a given token plaintext
func (s *MuxSocksServer) GetTokenClientCount(token string) int {
	digest := HashToken(token)

	kind, ok := s.tokens.LookupKind(digest)
	if !ok {
		return 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if kind == TokenKindForward || kind == TokenKindConnector {
		if clients, exists := s.tokenClients[digest]; exists {
			return len(clients)
		}
		return 0
	}

	// Autonomy providers are filed under per-session route keys.
	if state, _ := s.tokens.ReverseState(digest); state != nil && state.AllowManageConnector {
		count := 0
		for _, clientDigest := range s.clientTokens {
			if clientDigest == digest {
				count++
			}
		}
		return count
	}

	return len(s.tokenClients[digest])
}
