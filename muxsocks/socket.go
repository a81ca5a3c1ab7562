package muxsocks

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// socketCloseDelay keeps a released listener bound briefly so token churn
// does not lose the port to another process.
const socketCloseDelay = 30 * time.Second

// SocketManager owns the reverse-mode SOCKS listeners. Listeners are
// reference counted: a listener whose count drops to zero is closed after
// a grace delay unless it is reacquired first.
type SocketManager struct {
	host string
	log  zerolog.Logger

	mu      sync.Mutex
	sockets map[int]*managedSocket
}

type managedSocket struct {
	listener   net.Listener
	refCount   int
	closeTimer *time.Timer
}

// NewSocketManager creates a SocketManager binding on the given host.
func NewSocketManager(host string, logger zerolog.Logger) *SocketManager {
	return &SocketManager{
		host:    host,
		log:     logger,
		sockets: make(map[int]*managedSocket),
	}
}

// GetListener returns a listener for the port, reusing a held one if
// available.
func (m *SocketManager) GetListener(port int) (net.Listener, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sock, ok := m.sockets[port]; ok {
		if sock.closeTimer != nil {
			sock.closeTimer.Stop()
			sock.closeTimer = nil
		}
		sock.refCount++
		m.log.Debug().Int("port", port).Msg("Reusing listener")
		return sock.listener, nil
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", m.host, port))
	if err != nil {
		return nil, fmt.Errorf("%w: port %d: %v", ErrPortInUse, port, err)
	}
	m.log.Debug().Int("port", port).Msg("Allocated new listener")

	m.sockets[port] = &managedSocket{listener: listener, refCount: 1}
	return listener, nil
}

// ReleaseListener drops one reference to the port's listener and schedules
// its close once unreferenced.
func (m *SocketManager) ReleaseListener(port int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sock, ok := m.sockets[port]
	if !ok {
		return
	}
	sock.refCount--
	if sock.refCount > 0 || sock.closeTimer != nil {
		return
	}

	sock.closeTimer = time.AfterFunc(socketCloseDelay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if s, ok := m.sockets[port]; ok && s.refCount <= 0 {
			s.listener.Close()
			delete(m.sockets, port)
			m.log.Debug().Int("port", port).Msg("Listener closed after delay")
		}
	})
	m.log.Debug().Int("port", port).Msg("Listener scheduled for delayed close")
}

// Close shuts all managed listeners immediately.
func (m *SocketManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for port, sock := range m.sockets {
		if sock.closeTimer != nil {
			sock.closeTimer.Stop()
		}
		sock.listener.Close()
		delete(m.sockets, port)
	}
}
