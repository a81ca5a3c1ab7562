package muxsocks

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricChannelsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "muxsocks",
		Name:      "channels_opened_total",
		Help:      "Channels opened, by protocol.",
	}, []string{"protocol"})

	metricBytesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "muxsocks",
		Name:      "bytes_relayed_total",
		Help:      "Payload bytes relayed, by protocol and direction.",
	}, []string{"protocol", "direction"})

	metricPeersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "muxsocks",
		Name:      "peers_connected",
		Help:      "Authenticated peer sessions currently connected.",
	})
)
