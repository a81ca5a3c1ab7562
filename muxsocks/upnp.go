package muxsocks

import (
	"net"
	"sync"

	"github.com/huin/goupnp/dcps/internetgateway2"
	"github.com/rs/zerolog"
)

const upnpLeaseSeconds = 0 // permanent until unmapped

// upnpMapper maps reverse SOCKS ports on the local gateway so providers
// behind NAT can expose their listeners. Everything is best-effort: a
// missing or unwilling gateway only logs.
type upnpMapper struct {
	log zerolog.Logger

	mu      sync.Mutex
	clients []*internetgateway2.WANIPConnection1
	mapped  map[int]struct{}
}

func newUPnPMapper(logger zerolog.Logger) *upnpMapper {
	return &upnpMapper{
		log:    logger,
		mapped: make(map[int]struct{}),
	}
}

func (m *upnpMapper) gateways() []*internetgateway2.WANIPConnection1 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.clients != nil {
		return m.clients
	}
	clients, _, err := internetgateway2.NewWANIPConnection1Clients()
	if err != nil {
		m.log.Debug().Err(err).Msg("UPnP gateway discovery failed")
		m.clients = []*internetgateway2.WANIPConnection1{}
		return m.clients
	}
	m.clients = clients
	return m.clients
}

// localIPv4 finds the address gateways should forward to.
func localIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ip4 := ipNet.IP.To4(); ip4 != nil {
				return ip4.String()
			}
		}
	}
	return ""
}

// MapPort requests a TCP mapping for port on every discovered gateway.
func (m *upnpMapper) MapPort(port int) {
	internalClient := localIPv4()
	if internalClient == "" {
		m.log.Debug().Msg("No local IPv4 address for UPnP mapping")
		return
	}
	for _, client := range m.gateways() {
		err := client.AddPortMapping("", uint16(port), "TCP", uint16(port), internalClient, true, "muxsocks", upnpLeaseSeconds)
		if err != nil {
			m.log.Debug().Err(err).Int("port", port).Msg("UPnP port mapping failed")
			continue
		}
		m.mu.Lock()
		m.mapped[port] = struct{}{}
		m.mu.Unlock()
		m.log.Info().Int("port", port).Msg("UPnP port mapping added")
	}
}

// UnmapPort removes a mapping added earlier.
func (m *upnpMapper) UnmapPort(port int) {
	m.mu.Lock()
	_, ok := m.mapped[port]
	delete(m.mapped, port)
	m.mu.Unlock()
	if !ok {
		return
	}
	for _, client := range m.gateways() {
		if err := client.DeletePortMapping("", uint16(port), "TCP"); err != nil {
			m.log.Debug().Err(err).Int("port", port).Msg("UPnP port unmapping failed")
		}
	}
}

// Close removes every mapping this process added.
func (m *upnpMapper) Close() {
	m.mu.Lock()
	ports := make([]int, 0, len(m.mapped))
	for port := range m.mapped {
		ports = append(ports, port)
	}
	m.mu.Unlock()
	for _, port := range ports {
		m.UnmapPort(port)
	}
}
