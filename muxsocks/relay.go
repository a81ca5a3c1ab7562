package muxsocks

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/net/proxy"
)

const (
	// DefaultBufferSize is the size of reusable buffers
	// Larger buffers improve throughput but consume more memory
	DefaultBufferSize = 32 * 1024

	// DefaultChannelOpenTimeout bounds how long an initiator waits for the
	// responder's ConnectResponse.
	DefaultChannelOpenTimeout = 30 * time.Second

	// DefaultConnectTimeout bounds the responder's dial to the target.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultIdleTimeout reaps channels with no frame activity.
	DefaultIdleTimeout = 12 * time.Hour

	// channelInboxSize bounds the per-channel inbox; overflow drops newest.
	channelInboxSize = 1000

	// Batching window bounds for the send path coalescer.
	defaultBatchMinWait = 20 * time.Millisecond
	defaultBatchMaxWait = 500 * time.Millisecond
)

// RelayOption contains configuration options for Relay
type RelayOption struct {
	// BufferSize sizes the UDP read buffers and, times
	// frameDataSafetyFactor, the largest Data payload a session accepts.
	// TCP pumps read into pooled DefaultBufferSize buffers whatever its value.
	BufferSize         int
	ChannelOpenTimeout time.Duration
	ConnectTimeout     time.Duration
	IdleTimeout        time.Duration

	// FastOpen acknowledges SOCKS CONNECT before the remote dial finishes.
	FastOpen bool

	// DisableBatch turns off send-path coalescing.
	DisableBatch bool

	// Upstream SOCKS5 proxy for responder-side dials.
	UpstreamProxy    string
	UpstreamUsername string
	UpstreamPassword string
}

// Global buffer pool using pointer type
var bufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, DefaultBufferSize)
		return &b
	},
}

// NewDefaultRelayOption creates a RelayOption with default values
func NewDefaultRelayOption() *RelayOption {
	return &RelayOption{
		BufferSize:         DefaultBufferSize,
		ChannelOpenTimeout: DefaultChannelOpenTimeout,
		ConnectTimeout:     DefaultConnectTimeout,
		IdleTimeout:        DefaultIdleTimeout,
	}
}

// WithBufferSize sets the buffer size for the relay
func (o *RelayOption) WithBufferSize(size int) *RelayOption {
	o.BufferSize = size
	return o
}

// WithChannelOpenTimeout sets the channel open timeout
func (o *RelayOption) WithChannelOpenTimeout(timeout time.Duration) *RelayOption {
	o.ChannelOpenTimeout = timeout
	return o
}

// WithConnectTimeout sets the target dial timeout
func (o *RelayOption) WithConnectTimeout(timeout time.Duration) *RelayOption {
	o.ConnectTimeout = timeout
	return o
}

// WithIdleTimeout sets the idle reap timeout for channels
func (o *RelayOption) WithIdleTimeout(timeout time.Duration) *RelayOption {
	o.IdleTimeout = timeout
	return o
}

// WithFastOpen enables optimistic SOCKS CONNECT acknowledgement
func (o *RelayOption) WithFastOpen(fastOpen bool) *RelayOption {
	o.FastOpen = fastOpen
	return o
}

// WithDisableBatch turns off send-path coalescing
func (o *RelayOption) WithDisableBatch(disable bool) *RelayOption {
	o.DisableBatch = disable
	return o
}

// WithUpstreamProxy routes responder-side dials through a SOCKS5 upstream
func (o *RelayOption) WithUpstreamProxy(addr string) *RelayOption {
	o.UpstreamProxy = addr
	return o
}

// WithUpstreamAuth sets credentials for the upstream proxy
func (o *RelayOption) WithUpstreamAuth(username, password string) *RelayOption {
	o.UpstreamUsername = username
	o.UpstreamPassword = password
	return o
}

// Relay is the per-channel state machine bridging local sockets to channel
// endpoints. One Relay serves all channels of a peer role.
type Relay struct {
	log            zerolog.Logger
	messageQueues  sync.Map // map[uuid.UUID]chan DataMessage, the channel inboxes
	connectQueues  sync.Map // map[uuid.UUID]chan ConnectResponseMessage
	tcpChannels    sync.Map // map[uuid.UUID]context.CancelFunc
	udpChannels    sync.Map // map[uuid.UUID]context.CancelFunc
	udpClientAddrs sync.Map // map[uuid.UUID]*net.UDPAddr
	udpLastPeers   sync.Map // map[uuid.UUID]*net.UDPAddr, responder-side association peer
	lastActivity   sync.Map // map[uuid.UUID]time.Time
	disconnectOnce sync.Map // map[uuid.UUID]*sync.Once
	option         *RelayOption
	done           chan struct{}
	closeOnce      sync.Once
}

// NewRelay creates a new Relay instance
func NewRelay(logger zerolog.Logger, option *RelayOption) *Relay {
	if option == nil {
		option = NewDefaultRelayOption()
	}

	r := &Relay{
		log:    logger,
		option: option,
		done:   make(chan struct{}),
	}

	go r.channelCleaner()

	return r
}

// channelCleaner reaps channels idle past IdleTimeout.
func (r *Relay) channelCleaner() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			now := time.Now()
			reap := func(channels *sync.Map, kind string) {
				channels.Range(func(key, value interface{}) bool {
					channelID := key.(uuid.UUID)
					cancel := value.(context.CancelFunc)

					if lastTime, ok := r.lastActivity.Load(channelID); ok {
						if now.Sub(lastTime.(time.Time)) > r.option.IdleTimeout {
							r.log.Trace().
								Str("channel_id", channelID.String()).
								Str("type", kind).
								Dur("timeout", r.option.IdleTimeout).
								Msg("Channel timed out, closing")
							cancel()
							channels.Delete(channelID)
							r.lastActivity.Delete(channelID)
						}
					}
					return true
				})
			}
			reap(&r.tcpChannels, "tcp")
			reap(&r.udpChannels, "udp")
		}
	}
}

func (r *Relay) updateActivityTime(channelID uuid.UUID) {
	r.lastActivity.Store(channelID, time.Now())
}

// sendDisconnect emits the channel's single Disconnect frame. Subsequent
// calls for the same channel are no-ops.
func (r *Relay) sendDisconnect(ws *WSConn, channelID uuid.UUID, reason string) {
	onceVal, _ := r.disconnectOnce.LoadOrStore(channelID, &sync.Once{})
	onceVal.(*sync.Once).Do(func() {
		msg := DisconnectMessage{ChannelID: channelID, Error: reason}
		r.logMessage(msg, "send", ws.Label())
		ws.WriteMessage(msg)
	})
}

// dropChannel transitions a channel to Closed: cancels its task, clears all
// per-channel state. Receiving Disconnect for an already-dropped channel is
// a no-op.
func (r *Relay) dropChannel(channelID uuid.UUID) {
	if cancelVal, ok := r.tcpChannels.LoadAndDelete(channelID); ok {
		cancelVal.(context.CancelFunc)()
	}
	if cancelVal, ok := r.udpChannels.LoadAndDelete(channelID); ok {
		cancelVal.(context.CancelFunc)()
	}
	r.udpClientAddrs.Delete(channelID)
	r.udpLastPeers.Delete(channelID)
	r.messageQueues.Delete(channelID)
	r.connectQueues.Delete(channelID)
	r.lastActivity.Delete(channelID)
	r.disconnectOnce.Delete(channelID)
}

// routeConnectResponse hands a ConnectResponse to the waiting opener.
// Returns false when no opener is waiting on the channel id.
func (r *Relay) routeConnectResponse(msg ConnectResponseMessage) bool {
	queue, ok := r.connectQueues.Load(msg.ChannelID)
	if !ok {
		return false
	}
	select {
	case queue.(chan ConnectResponseMessage) <- msg:
	default:
	}
	return true
}

// queueData delivers a decoded Data frame to the channel inbox. On overflow
// the newest frame is dropped and the channel is scheduled for disconnect.
func (r *Relay) queueData(ws *WSConn, msg DataMessage) {
	queue, ok := r.messageQueues.Load(msg.ChannelID)
	if !ok {
		r.log.Debug().Str("channel_id", msg.ChannelID.String()).Msg("Received data for unknown channel")
		return
	}
	dataChan, ok := queue.(chan DataMessage)
	if !ok {
		return
	}
	select {
	case dataChan <- msg:
		r.log.Trace().Str("channel_id", msg.ChannelID.String()).Msg("Message forwarded to channel")
	default:
		r.log.Debug().Str("channel_id", msg.ChannelID.String()).Msg("Channel inbox full, dropping frame")
		r.sendDisconnect(ws, msg.ChannelID, ErrBackpressure.Error())
		r.dropChannel(msg.ChannelID)
	}
}

// targetDialer returns the dialer for responder-side target connections,
// honoring the configured upstream SOCKS5 proxy.
func (r *Relay) targetDialer() (proxy.Dialer, error) {
	if r.option.UpstreamProxy == "" {
		return &net.Dialer{Timeout: r.option.ConnectTimeout}, nil
	}
	var auth *proxy.Auth
	if r.option.UpstreamUsername != "" {
		auth = &proxy.Auth{User: r.option.UpstreamUsername, Password: r.option.UpstreamPassword}
	}
	return proxy.SOCKS5("tcp", r.option.UpstreamProxy, auth, &net.Dialer{Timeout: r.option.ConnectTimeout})
}

// RefuseSocksRequest refuses a SOCKS5 client request with the specified reason
func (r *Relay) RefuseSocksRequest(conn net.Conn, reason byte) error {
	buffer := make([]byte, 1024)
	n, err := conn.Read(buffer)
	if err != nil {
		return fmt.Errorf("read error: %w", err)
	}
	if n == 0 || buffer[0] != 0x05 {
		return fmt.Errorf("invalid socks version")
	}

	// Send auth method response
	if _, err := conn.Write([]byte{0x05, 0x00}); err != nil {
		return fmt.Errorf("write auth response error: %w", err)
	}

	// Read request
	n, err = conn.Read(buffer)
	if err != nil {
		if err == io.EOF {
			r.log.Debug().Msg("Client closed SOCKS connection")
			return nil
		}
		return fmt.Errorf("read request error: %w", err)
	}
	if n < 7 {
		return fmt.Errorf("request too short")
	}

	return writeSocksReply(conn, reason)
}

func writeSocksReply(conn net.Conn, reply byte) error {
	response := []byte{
		0x05,                   // version
		reply,                  // reply code
		0x00,                   // reserved
		0x01,                   // address type (IPv4)
		0x00, 0x00, 0x00, 0x00, // IP address
		0x00, 0x00, // port
	}
	if _, err := conn.Write(response); err != nil {
		return fmt.Errorf("write reply error: %w", err)
	}
	return nil
}

// HandleNetworkConnection handles a responder-side channel open
func (r *Relay) HandleNetworkConnection(ctx context.Context, ws *WSConn, request ConnectMessage) error {
	if request.Protocol == "tcp" {
		return r.HandleTCPConnection(ctx, ws, request)
	} else if request.Protocol == "udp" {
		return r.HandleUDPConnection(ctx, ws, request)
	}
	return fmt.Errorf("unsupported protocol: %s", request.Protocol)
}

// HandleTCPConnection dials the target and serves the channel. Data frames
// that arrive while the dial is in flight wait in the channel inbox and are
// flushed once the target is up, which is what makes fast-open safe.
func (r *Relay) HandleTCPConnection(ctx context.Context, ws *WSConn, request ConnectMessage) error {
	channelID := request.ChannelID

	if request.Port <= 0 || request.Port > 65535 {
		return fmt.Errorf("invalid port number: %d", request.Port)
	}

	// Register the inbox before dialing so optimistic data is buffered.
	msgChan := make(chan DataMessage, channelInboxSize)
	if _, loaded := r.messageQueues.LoadOrStore(channelID, msgChan); loaded {
		return fmt.Errorf("%w: duplicate channel id %s", ErrProtocol, channelID)
	}

	targetAddr := net.JoinHostPort(request.Address, fmt.Sprint(request.Port))
	r.log.Debug().Str("address", request.Address).Int("port", request.Port).
		Str("target", targetAddr).Msg("Attempting TCP connection to")

	dialer, err := r.targetDialer()
	var conn net.Conn
	if err == nil {
		conn, err = dialer.Dial("tcp", targetAddr)
	}
	if err != nil {
		r.log.Debug().
			Err(err).
			Str("target", targetAddr).
			Msg("Failed to connect to target")

		response := ConnectResponseMessage{
			Success:   false,
			Error:     err.Error(),
			ChannelID: channelID,
		}
		r.logMessage(response, "send", ws.Label())
		if writeErr := ws.WriteMessage(response); writeErr != nil {
			r.dropChannel(channelID)
			return fmt.Errorf("write error response error: %w", writeErr)
		}
		// Fast-open initiators are already pumping; tell them the dial died.
		r.sendDisconnect(ws, channelID, err.Error())
		r.dropChannel(channelID)
		return nil
	}

	childCtx, cancel := context.WithCancel(ctx)
	r.tcpChannels.Store(channelID, cancel)
	defer func() {
		cancel()
		conn.Close()
		r.dropChannel(channelID)
	}()

	metricChannelsOpened.WithLabelValues("tcp").Inc()

	response := ConnectResponseMessage{
		Success:   true,
		ChannelID: channelID,
	}
	r.logMessage(response, "send", ws.Label())
	if err := ws.WriteMessage(response); err != nil {
		return fmt.Errorf("write success response error: %w", err)
	}

	return r.HandleRemoteTCPForward(childCtx, ws, conn, channelID, msgChan)
}

// HandleUDPConnection binds a relay socket and serves the udp channel
func (r *Relay) HandleUDPConnection(ctx context.Context, ws *WSConn, request ConnectMessage) error {
	channelID := request.ChannelID

	msgChan := make(chan DataMessage, channelInboxSize)
	if _, loaded := r.messageQueues.LoadOrStore(channelID, msgChan); loaded {
		return fmt.Errorf("%w: duplicate channel id %s", ErrProtocol, channelID)
	}

	// Try dual-stack first
	localAddr := &net.UDPAddr{
		IP:   net.IPv6zero,
		Port: 0,
	}
	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		// Fallback to IPv4-only if dual-stack fails
		localAddr.IP = net.IPv4zero
		conn, err = net.ListenUDP("udp", localAddr)
		if err != nil {
			r.messageQueues.Delete(channelID)
			response := ConnectResponseMessage{
				Success:   false,
				Error:     err.Error(),
				ChannelID: channelID,
			}
			r.logMessage(response, "send", ws.Label())
			if err := ws.WriteMessage(response); err != nil {
				return fmt.Errorf("write error response error: %w", err)
			}
			return fmt.Errorf("udp listen error: %w", err)
		}
	}

	childCtx, cancel := context.WithCancel(ctx)
	r.udpChannels.Store(channelID, cancel)
	defer func() {
		cancel()
		conn.Close()
		r.dropChannel(channelID)
	}()

	metricChannelsOpened.WithLabelValues("udp").Inc()

	response := ConnectResponseMessage{
		Success:   true,
		ChannelID: channelID,
	}
	r.logMessage(response, "send", ws.Label())
	if err := ws.WriteMessage(response); err != nil {
		return fmt.Errorf("write success response error: %w", err)
	}

	return r.HandleRemoteUDPForward(childCtx, ws, conn, channelID, msgChan)
}

// HandleSocksRequest handles incoming SOCKS5 client request
func (r *Relay) HandleSocksRequest(ctx context.Context, ws *WSConn, socksConn net.Conn, socksUsername string, socksPassword string) error {
	buffer := make([]byte, 1024)

	// Read version and auth methods
	n, err := socksConn.Read(buffer)
	if err != nil {
		return fmt.Errorf("read version error: %w", err)
	}
	if n < 2 || buffer[0] != 0x05 {
		return fmt.Errorf("invalid socks version")
	}

	nmethods := int(buffer[1])
	if n < 2+nmethods {
		return fmt.Errorf("malformed method list")
	}
	methods := buffer[2 : 2+nmethods]

	if socksUsername != "" && socksPassword != "" {
		if err := r.handleSocksUserPassAuth(socksConn, buffer, methods, socksUsername, socksPassword); err != nil {
			return err
		}
	} else {
		// No authentication required
		if _, err := socksConn.Write([]byte{0x05, 0x00}); err != nil {
			return fmt.Errorf("write auth response error: %w", err)
		}
	}

	// Read request
	n, err = socksConn.Read(buffer)
	if err != nil {
		if err == io.EOF {
			r.log.Debug().Msg("Client closed SOCKS connection")
			return nil
		}
		return fmt.Errorf("read request error: %w", err)
	}
	if n < 7 {
		return fmt.Errorf("request too short")
	}

	cmd := buffer[1]
	atyp := buffer[3]
	var targetAddr string
	var targetPort uint16
	var offset int

	// Parse address
	switch atyp {
	case 0x01: // IPv4
		if n < 10 {
			return fmt.Errorf("request too short for IPv4")
		}
		targetAddr = net.IP(buffer[4:8]).String()
		offset = 8
	case 0x03: // Domain
		domainLen := int(buffer[4])
		if n < 5+domainLen+2 {
			return fmt.Errorf("request too short for domain")
		}
		targetAddr = string(buffer[5 : 5+domainLen])
		offset = 5 + domainLen
	case 0x04: // IPv6
		if n < 22 {
			return fmt.Errorf("request too short for IPv6")
		}
		targetAddr = net.IP(buffer[4:20]).String()
		offset = 20
	default:
		writeSocksReply(socksConn, SocksReplyGeneralFailure)
		return fmt.Errorf("unsupported address type: %d", atyp)
	}

	targetPort = binary.BigEndian.Uint16(buffer[offset : offset+2])

	switch cmd {
	case 0x01: // CONNECT
		return r.handleSocksConnect(ctx, ws, socksConn, targetAddr, int(targetPort))
	case 0x03: // UDP ASSOCIATE
		return r.handleSocksUDPAssociate(ctx, ws, socksConn)
	default:
		// BIND and anything else
		writeSocksReply(socksConn, SocksReplyCommandNotSupported)
		return fmt.Errorf("unsupported command: %d", cmd)
	}
}

func (r *Relay) handleSocksUserPassAuth(socksConn net.Conn, buffer []byte, methods []byte, socksUsername, socksPassword string) error {
	var hasUserPass bool
	for _, method := range methods {
		if method == 0x02 {
			hasUserPass = true
			break
		}
	}
	if !hasUserPass {
		if _, err := socksConn.Write([]byte{0x05, 0xFF}); err != nil {
			return fmt.Errorf("write auth method error: %w", err)
		}
		return fmt.Errorf("no username/password auth method")
	}

	// Select username/password authentication
	if _, err := socksConn.Write([]byte{0x05, 0x02}); err != nil {
		return fmt.Errorf("write auth response error: %w", err)
	}

	if _, err := io.ReadFull(socksConn, buffer[:2]); err != nil {
		return fmt.Errorf("read auth header error: %w", err)
	}
	if buffer[0] != 0x01 {
		return fmt.Errorf("invalid auth version")
	}

	ulen := int(buffer[1])
	if _, err := io.ReadFull(socksConn, buffer[:ulen]); err != nil {
		return fmt.Errorf("read username error: %w", err)
	}
	username := string(buffer[:ulen])

	if _, err := io.ReadFull(socksConn, buffer[:1]); err != nil {
		return fmt.Errorf("read password length error: %w", err)
	}
	plen := int(buffer[0])
	if _, err := io.ReadFull(socksConn, buffer[:plen]); err != nil {
		return fmt.Errorf("read password error: %w", err)
	}
	password := string(buffer[:plen])

	if username != socksUsername || password != socksPassword {
		if _, err := socksConn.Write([]byte{0x01, 0x01}); err != nil {
			return fmt.Errorf("write auth failure response error: %w", err)
		}
		return fmt.Errorf("authentication failed")
	}

	if _, err := socksConn.Write([]byte{0x01, 0x00}); err != nil {
		return fmt.Errorf("write auth success response error: %w", err)
	}
	return nil
}

// handleSocksConnect opens a tcp channel for a SOCKS CONNECT command.
func (r *Relay) handleSocksConnect(ctx context.Context, ws *WSConn, socksConn net.Conn, targetAddr string, targetPort int) error {
	channelID := uuid.New()
	r.log.Trace().Str("channel_id", channelID.String()).Msg("Starting SOCKS request handling")

	// Register both queues before the Connect frame leaves so an eager
	// responder cannot race the channel setup.
	connectQueue := make(chan ConnectResponseMessage, 1)
	r.connectQueues.Store(channelID, connectQueue)
	msgChan := make(chan DataMessage, channelInboxSize)
	r.messageQueues.Store(channelID, msgChan)

	requestData := ConnectMessage{
		Protocol:  "tcp",
		Address:   targetAddr,
		Port:      targetPort,
		ChannelID: channelID,
	}
	r.log.Debug().Str("address", targetAddr).Int("port", targetPort).Msg("Requesting TCP connecting to")
	r.logMessage(requestData, "send", ws.Label())
	if err := ws.WriteMessage(requestData); err != nil {
		r.dropChannel(channelID)
		writeSocksReply(socksConn, SocksReplyHostUnreachable)
		return fmt.Errorf("write connect request error: %w", err)
	}

	if r.option.FastOpen {
		// Acknowledge immediately; the first client bytes travel while the
		// responder is still dialing.
		if err := writeSocksReply(socksConn, SocksReplySuccess); err != nil {
			r.dropChannel(channelID)
			return err
		}

		fastOpenDeadline := r.option.ConnectTimeout + 5*time.Second
		pumpCtx, cancelPump := context.WithCancel(ctx)
		go func() {
			defer cancelPump()
			select {
			case response := <-connectQueue:
				if !response.Success {
					r.log.Debug().Str("error", response.Error).Msg("Remote connection failed after fast-open")
					return
				}
				<-pumpCtx.Done()
			case <-time.After(fastOpenDeadline):
				r.log.Debug().Str("channel_id", channelID.String()).Msg("Fast-open response timeout, closing channel")
			case <-pumpCtx.Done():
			}
		}()
		return r.HandleSocksTCPForward(pumpCtx, ws, socksConn, channelID, msgChan)
	}

	// Wait for response with the channel-open umbrella timeout
	var response ConnectResponseMessage
	select {
	case msg := <-connectQueue:
		response = msg
	case <-time.After(r.option.ChannelOpenTimeout):
		r.dropChannel(channelID)
		writeSocksReply(socksConn, SocksReplyHostUnreachable)
		r.log.Debug().Str("addr", targetAddr).Int("port", targetPort).Msg("Remote connection response timeout")
		return nil
	case <-ctx.Done():
		r.dropChannel(channelID)
		return ctx.Err()
	}

	if !response.Success {
		r.dropChannel(channelID)
		reply := socksReplyForError(response.Error)
		if err := writeSocksReply(socksConn, reply); err != nil {
			return err
		}
		r.log.Debug().Str("error", response.Error).Msg("Remote connection failed")
		return nil
	}

	r.log.Trace().Str("addr", targetAddr).Int("port", targetPort).Msg("Remote successfully connected")

	if err := writeSocksReply(socksConn, SocksReplySuccess); err != nil {
		return err
	}

	metricChannelsOpened.WithLabelValues("tcp").Inc()
	return r.HandleSocksTCPForward(ctx, ws, socksConn, channelID, msgChan)
}

// handleSocksUDPAssociate opens a udp channel and binds the local relay
// socket reported back to the SOCKS client.
func (r *Relay) handleSocksUDPAssociate(ctx context.Context, ws *WSConn, socksConn net.Conn) error {
	udpAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("resolve UDP addr error: %w", err)
	}

	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen UDP error: %w", err)
	}

	localAddr := udpConn.LocalAddr().(*net.UDPAddr)

	channelID := uuid.New()
	connectQueue := make(chan ConnectResponseMessage, 1)
	r.connectQueues.Store(channelID, connectQueue)
	msgChan := make(chan DataMessage, channelInboxSize)
	r.messageQueues.Store(channelID, msgChan)

	requestData := ConnectMessage{
		Protocol:  "udp",
		ChannelID: channelID,
	}
	r.log.Debug().Msg("Requesting UDP Associate")
	r.logMessage(requestData, "send", ws.Label())
	if err := ws.WriteMessage(requestData); err != nil {
		udpConn.Close()
		r.dropChannel(channelID)
		return fmt.Errorf("write UDP request error: %w", err)
	}

	var response ConnectResponseMessage
	select {
	case msg := <-connectQueue:
		response = msg
	case <-time.After(r.option.ChannelOpenTimeout):
		udpConn.Close()
		r.dropChannel(channelID)
		return fmt.Errorf("UDP association response timeout")
	case <-ctx.Done():
		udpConn.Close()
		r.dropChannel(channelID)
		return ctx.Err()
	}

	if !response.Success {
		udpConn.Close()
		r.dropChannel(channelID)
		return fmt.Errorf("UDP association failed: %s", response.Error)
	}

	// Send UDP associate response with the relay socket address
	resp := []byte{
		0x05, // version
		0x00, // success
		0x00, // reserved
		0x01, // IPv4
	}
	resp = append(resp, localAddr.IP.To4()...)
	resp = appendPort(resp, localAddr.Port)

	if _, err := socksConn.Write(resp); err != nil {
		udpConn.Close()
		r.dropChannel(channelID)
		return fmt.Errorf("write UDP associate response error: %w", err)
	}

	r.log.Trace().Int("port", localAddr.Port).Msg("UDP association established")

	metricChannelsOpened.WithLabelValues("udp").Inc()
	return r.HandleSocksUDPForward(ctx, ws, udpConn, socksConn, channelID, msgChan)
}

// batcher coalesces small reads on the send path. It waits between minWait
// and maxWait for additional bytes, flushing early on buffer-full, and
// adapts the window to the channel's observed throughput.
type batcher struct {
	wait    time.Duration
	minWait time.Duration
	maxWait time.Duration
}

func newBatcher() *batcher {
	return &batcher{
		wait:    defaultBatchMinWait,
		minWait: defaultBatchMinWait,
		maxWait: defaultBatchMaxWait,
	}
}

// read fills buf from conn, coalescing follow-up reads within the adaptive
// window. The first read blocks indefinitely; an error after bytes were
// already collected is deferred to the next call by returning the data now.
func (b *batcher) read(conn net.Conn, buf []byte) (int, error) {
	n, err := conn.Read(buf)
	if err != nil || n == len(buf) {
		return n, err
	}

	deadline := time.Now().Add(b.maxWait)
	for n < len(buf) {
		conn.SetReadDeadline(time.Now().Add(b.wait))
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				break
			}
			// Deliver the batch; the error resurfaces on the next read.
			break
		}
		if time.Now().After(deadline) {
			break
		}
	}
	conn.SetReadDeadline(time.Time{})

	// Full batches suggest a busy channel worth waiting longer for; short
	// ones shrink the window back toward the minimum.
	if n == len(buf) {
		if b.wait *= 2; b.wait > b.maxWait {
			b.wait = b.maxWait
		}
	} else {
		if b.wait /= 2; b.wait < b.minWait {
			b.wait = b.minWait
		}
	}
	return n, nil
}

// readLocal reads from the local socket, batched unless disabled.
func (r *Relay) readLocal(conn net.Conn, buf []byte, b *batcher) (int, error) {
	if r.option.DisableBatch || b == nil {
		return conn.Read(buf)
	}
	return b.read(conn, buf)
}

// HandleRemoteTCPForward pumps between the dialed target and the channel
func (r *Relay) HandleRemoteTCPForward(ctx context.Context, ws *WSConn, remoteConn net.Conn, channelID uuid.UUID, msgChan chan DataMessage) error {
	r.updateActivityTime(channelID)

	var wg sync.WaitGroup
	wg.Add(2)
	errChan := make(chan error, 2)

	// Target to WebSocket
	go func() {
		defer wg.Done()

		bufPtr := bufferPool.Get().(*[]byte)
		buffer := *bufPtr
		defer bufferPool.Put(bufPtr)
		batch := newBatcher()

		for {
			n, err := r.readLocal(remoteConn, buffer, batch)
			if err != nil {
				if err == io.EOF {
					r.log.Trace().Msg("Remote connection closed")
					r.sendDisconnect(ws, channelID, "")
				} else if opErr, ok := err.(*net.OpError); ok && errors.Is(opErr.Err, net.ErrClosed) {
					r.log.Trace().Msg("TCP connection closed as instructed")
				} else {
					r.log.Debug().Err(err).Msg("Remote TCP read error")
					errChan <- fmt.Errorf("remote read error: %w", err)
				}
				return
			}
			if n == 0 {
				continue
			}

			r.updateActivityTime(channelID)

			data := make([]byte, n)
			copy(data, buffer[:n])

			msg := DataMessage{
				Protocol:  "tcp",
				ChannelID: channelID,
				Data:      data,
			}

			r.logMessage(msg, "send", ws.Label())
			if err := ws.WriteMessage(msg); err != nil {
				errChan <- fmt.Errorf("websocket write error: %w", err)
				return
			}
			metricBytesRelayed.WithLabelValues("tcp", "to_peer").Add(float64(n))
			r.log.Trace().Int("size", n).Msg("Sent TCP data to WebSocket")
		}
	}()

	// WebSocket to target
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-msgChan:
				r.updateActivityTime(channelID)

				if _, err := remoteConn.Write(msg.Data); err != nil {
					errChan <- fmt.Errorf("remote write error: %w", err)
					return
				}
				metricBytesRelayed.WithLabelValues("tcp", "to_local").Add(float64(len(msg.Data)))
				r.log.Trace().Int("size", len(msg.Data)).Msg("Sent TCP data to target")
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errChan:
		return err
	case <-done:
		return nil
	}
}

// HandleRemoteUDPForward pumps datagrams between the relay socket and the
// channel. Frames toward the peer carry the datagram origin; frames from
// the peer carry the target, or reuse the association's current peer when
// the address is empty.
func (r *Relay) HandleRemoteUDPForward(ctx context.Context, ws *WSConn, udpConn *net.UDPConn, channelID uuid.UUID, msgChan chan DataMessage) error {
	r.updateActivityTime(channelID)

	var wg sync.WaitGroup
	wg.Add(2)
	errChan := make(chan error, 2)

	// UDP to WebSocket
	go func() {
		defer wg.Done()
		buffer := make([]byte, r.option.BufferSize)
		for {
			n, remoteAddr, err := udpConn.ReadFromUDP(buffer)
			if err != nil {
				if opErr, ok := err.(*net.OpError); ok && errors.Is(opErr.Err, net.ErrClosed) {
					r.log.Trace().Msg("UDP connection closed as instructed")
				} else {
					r.log.Debug().Err(err).Msg("Remote UDP read error")
					errChan <- fmt.Errorf("udp read error: %w", err)
				}
				return
			}

			r.updateActivityTime(channelID)

			msg := DataMessage{
				Protocol:  "udp",
				ChannelID: channelID,
				Data:      append([]byte(nil), buffer[:n]...),
				Address:   remoteAddr.IP.String(),
				Port:      remoteAddr.Port,
			}
			r.logMessage(msg, "send", ws.Label())
			if err := ws.WriteMessage(msg); err != nil {
				errChan <- fmt.Errorf("websocket write error: %w", err)
				return
			}
			metricBytesRelayed.WithLabelValues("udp", "to_peer").Add(float64(n))
			r.log.Trace().Int("size", n).Str("addr", remoteAddr.String()).Msg("Sent UDP data to WebSocket")
		}
	}()

	// WebSocket to UDP
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-msgChan:
				r.updateActivityTime(channelID)

				var targetAddr *net.UDPAddr
				if msg.Address == "" {
					// Reuse the association's current peer
					if last, ok := r.udpLastPeers.Load(channelID); ok {
						targetAddr = last.(*net.UDPAddr)
					} else {
						r.log.Debug().Msg("Dropping UDP frame: no current association peer")
						continue
					}
				} else {
					targetIP := net.ParseIP(msg.Address)
					if targetIP == nil {
						addrs, err := net.LookupHost(msg.Address)
						if err != nil {
							r.log.Debug().
								Err(err).
								Str("domain", msg.Address).
								Msg("Failed to resolve domain name")
							continue
						}
						targetIP = net.ParseIP(addrs[0])
						if targetIP == nil {
							r.log.Debug().
								Str("addr", addrs[0]).
								Str("domain", msg.Address).
								Msg("Failed to parse resolved IP address")
							continue
						}
					}
					targetAddr = &net.UDPAddr{IP: targetIP, Port: msg.Port}
					r.udpLastPeers.Store(channelID, targetAddr)
				}

				if _, err := udpConn.WriteToUDP(msg.Data, targetAddr); err != nil {
					errChan <- fmt.Errorf("udp write error: %w", err)
					return
				}
				metricBytesRelayed.WithLabelValues("udp", "to_local").Add(float64(len(msg.Data)))
				r.log.Trace().
					Int("size", len(msg.Data)).
					Str("addr", targetAddr.String()).
					Msg("Sent UDP data to target")
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errChan:
		return err
	case <-done:
		return nil
	}
}

// HandleSocksTCPForward pumps between the SOCKS client and the channel
func (r *Relay) HandleSocksTCPForward(ctx context.Context, ws *WSConn, socksConn net.Conn, channelID uuid.UUID, msgChan chan DataMessage) error {
	ctx, cancel := context.WithCancel(ctx)
	r.tcpChannels.Store(channelID, cancel)
	defer func() {
		cancel()
		r.sendDisconnect(ws, channelID, "")
		r.dropChannel(channelID)
	}()

	r.updateActivityTime(channelID)

	var wg sync.WaitGroup
	wg.Add(2)
	errChan := make(chan error, 2)

	// SOCKS to WebSocket
	go func() {
		defer wg.Done()
		defer cancel()

		bufPtr := bufferPool.Get().(*[]byte)
		buffer := *bufPtr
		defer bufferPool.Put(bufPtr)
		batch := newBatcher()

		for {
			n, err := r.readLocal(socksConn, buffer, batch)
			if err != nil {
				if err != io.EOF {
					errChan <- fmt.Errorf("socks read error: %w", err)
				}
				return
			}
			if n == 0 {
				continue
			}

			r.updateActivityTime(channelID)

			data := make([]byte, n)
			copy(data, buffer[:n])

			msg := DataMessage{
				Protocol:  "tcp",
				ChannelID: channelID,
				Data:      data,
			}

			r.logMessage(msg, "send", ws.Label())
			if err := ws.WriteMessage(msg); err != nil {
				errChan <- fmt.Errorf("websocket write error: %w", err)
				return
			}
			metricBytesRelayed.WithLabelValues("tcp", "to_peer").Add(float64(n))
			r.log.Trace().Int("size", n).Msg("Sent TCP data to WebSocket")
		}
	}()

	// WebSocket to SOCKS
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-msgChan:
				r.updateActivityTime(channelID)

				if _, err := socksConn.Write(msg.Data); err != nil {
					errChan <- fmt.Errorf("socks write error: %w", err)
					return
				}
				metricBytesRelayed.WithLabelValues("tcp", "to_local").Add(float64(len(msg.Data)))
				r.log.Trace().Int("size", len(msg.Data)).Msg("Sent TCP data to SOCKS")
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errChan:
		return err
	case <-done:
		return nil
	}
}

// HandleSocksUDPForward drives the SOCKS5 UDP associate dance: strip the
// client's SOCKS UDP header on the way out, rebuild it on the way back.
// The udp channel lives until the controlling TCP connection closes.
func (r *Relay) HandleSocksUDPForward(ctx context.Context, ws *WSConn, udpConn *net.UDPConn, socksConn net.Conn, channelID uuid.UUID, msgChan chan DataMessage) error {
	ctx, cancel := context.WithCancel(ctx)
	r.udpChannels.Store(channelID, cancel)
	defer func() {
		cancel()
		r.sendDisconnect(ws, channelID, "")
		r.dropChannel(channelID)
	}()

	r.updateActivityTime(channelID)

	var wg sync.WaitGroup
	wg.Add(3)
	errChan := make(chan error, 3)

	// Monitor TCP control connection for closure
	go func() {
		defer wg.Done()
		defer cancel()
		buffer := make([]byte, 1)
		socksConn.Read(buffer)
		udpConn.Close()
		r.log.Trace().Msg("SOCKS TCP connection closed")
	}()

	// UDP to WebSocket with SOCKS5 header handling
	go func() {
		defer wg.Done()
		defer cancel()
		buffer := make([]byte, r.option.BufferSize)
		for {
			n, remoteAddr, err := udpConn.ReadFromUDP(buffer)
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					errChan <- fmt.Errorf("udp read error: %w", err)
				}
				return
			}

			r.udpClientAddrs.Store(channelID, remoteAddr)

			// Parse SOCKS UDP header: RSV(2) FRAG(1) ATYP ADDR PORT payload
			if n <= 3 {
				continue
			}
			atyp := buffer[3]
			var targetAddr string
			var targetPort int
			var payload []byte

			switch atyp {
			case 0x01: // IPv4
				if n < 10 {
					continue
				}
				targetAddr = net.IP(buffer[4:8]).String()
				targetPort = int(binary.BigEndian.Uint16(buffer[8:10]))
				payload = buffer[10:n]
			case 0x03: // Domain
				addrLen := int(buffer[4])
				if n < 7+addrLen {
					continue
				}
				targetAddr = string(buffer[5 : 5+addrLen])
				targetPort = int(binary.BigEndian.Uint16(buffer[5+addrLen : 7+addrLen]))
				payload = buffer[7+addrLen : n]
			case 0x04: // IPv6
				if n < 22 {
					continue
				}
				targetAddr = net.IP(buffer[4:20]).String()
				targetPort = int(binary.BigEndian.Uint16(buffer[20:22]))
				payload = buffer[22:n]
			default:
				r.log.Trace().Msg("Cannot parse UDP packet from associated port")
				continue
			}

			r.updateActivityTime(channelID)

			msg := DataMessage{
				Protocol:  "udp",
				ChannelID: channelID,
				Data:      append([]byte(nil), payload...),
				Address:   targetAddr,
				Port:      targetPort,
			}
			r.logMessage(msg, "send", ws.Label())
			if err := ws.WriteMessage(msg); err != nil {
				errChan <- fmt.Errorf("websocket write error: %w", err)
				return
			}
			metricBytesRelayed.WithLabelValues("udp", "to_peer").Add(float64(len(payload)))
			r.log.Trace().Int("size", len(payload)).Msg("Sent UDP data to WebSocket")
		}
	}()

	// WebSocket to UDP with SOCKS5 header handling
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-msgChan:
				r.updateActivityTime(channelID)

				// Construct SOCKS UDP header with the datagram origin
				udpHeader := []byte{0, 0, 0} // RSV + FRAG

				if ip := net.ParseIP(msg.Address); ip != nil {
					if ip4 := ip.To4(); ip4 != nil {
						udpHeader = append(udpHeader, 0x01)
						udpHeader = append(udpHeader, ip4...)
					} else {
						udpHeader = append(udpHeader, 0x04)
						udpHeader = append(udpHeader, ip.To16()...)
					}
				} else {
					domainBytes := []byte(msg.Address)
					udpHeader = append(udpHeader, 0x03, byte(len(domainBytes)))
					udpHeader = append(udpHeader, domainBytes...)
				}

				udpHeader = appendPort(udpHeader, msg.Port)
				udpHeader = append(udpHeader, msg.Data...)

				addr, ok := r.udpClientAddrs.Load(channelID)
				if !ok {
					r.log.Debug().Msg("Dropping UDP packet: no socks client address available")
					continue
				}

				clientAddr := addr.(*net.UDPAddr)
				if _, err := udpConn.WriteToUDP(udpHeader, clientAddr); err != nil {
					errChan <- fmt.Errorf("udp write error: %w", err)
					return
				}
				metricBytesRelayed.WithLabelValues("udp", "to_local").Add(float64(len(msg.Data)))
				r.log.Trace().Int("size", len(msg.Data)).Str("addr", clientAddr.String()).Msg("Sent UDP data to SOCKS")
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errChan:
		return err
	case <-done:
		return nil
	}
}

// logMessage dumps a frame at trace level with payloads elided and tokens
// masked.
func (r *Relay) logMessage(msg BaseMessage, direction string, label string) {
	if !r.log.Trace().Enabled() {
		return
	}

	logEvent := r.log.Trace().Str("label", label).Str("type", msg.GetType()).Str("direction", direction)

	switch m := msg.(type) {
	case AuthMessage:
		logEvent = logEvent.Str("token", "...").Bool("reverse", m.Reverse).Str("instance", m.Instance.String())
	case AuthResponseMessage:
		logEvent = logEvent.Bool("success", m.Success).Str("error", m.Error)
	case ConnectMessage:
		logEvent = logEvent.Str("channel_id", m.ChannelID.String()).Str("protocol", m.Protocol).Str("address", m.Address).Int("port", m.Port)
	case ConnectResponseMessage:
		logEvent = logEvent.Str("channel_id", m.ChannelID.String()).Bool("success", m.Success).Str("error", m.Error)
	case DataMessage:
		logEvent = logEvent.Str("channel_id", m.ChannelID.String()).Str("protocol", m.Protocol).Int("data_length", len(m.Data))
	case DisconnectMessage:
		logEvent = logEvent.Str("channel_id", m.ChannelID.String())
	case ConnectorMessage:
		logEvent = logEvent.Str("channel_id", m.ChannelID.String()).Str("operation", m.Operation).Str("connector_token", "...")
	case ConnectorResponseMessage:
		logEvent = logEvent.Str("channel_id", m.ChannelID.String()).Bool("success", m.Success)
	}

	logEvent.Msg("WebSocket message")
}

// Close gracefully shuts down the Relay
func (r *Relay) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
	})

	r.tcpChannels.Range(func(key, value interface{}) bool {
		if cancel, ok := value.(context.CancelFunc); ok {
			cancel()
		}
		r.tcpChannels.Delete(key)
		return true
	})

	r.udpChannels.Range(func(key, value interface{}) bool {
		if cancel, ok := value.(context.CancelFunc); ok {
			cancel()
		}
		r.udpChannels.Delete(key)
		return true
	})

	r.messageQueues.Range(func(key, value interface{}) bool {
		r.messageQueues.Delete(key)
		return true
	})
	r.connectQueues.Range(func(key, value interface{}) bool {
		r.connectQueues.Delete(key)
		return true
	})
	r.udpClientAddrs.Range(func(key, value interface{}) bool {
		r.udpClientAddrs.Delete(key)
		return true
	})
	r.udpLastPeers.Range(func(key, value interface{}) bool {
		r.udpLastPeers.Delete(key)
		return true
	})
	r.lastActivity.Range(func(key, value interface{}) bool {
		r.lastActivity.Delete(key)
		return true
	})
}
