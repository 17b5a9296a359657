package rdt

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// counter is an atomically updated monotonic count.
type counter int64

func (c *counter) inc()         { atomic.AddInt64((*int64)(c), 1) }
func (c *counter) add(n int64)  { atomic.AddInt64((*int64)(c), n) }
func (c *counter) value() int64 { return atomic.LoadInt64((*int64)(c)) }

// stats holds the engine-wide counters. They are updated on the hot path
// without locks and scraped by the Collector.
type stats struct {
	packetsReceived   counter
	packetsSent       counter
	bytesReceived     counter
	bytesSent         counter
	checksumFailures  counter
	malformedPackets  counter
	unknownPeerDrops  counter
	retransmissions   counter
	messagesDelivered counter
}

type metricInfo struct {
	description *prometheus.Desc
	supplier    func(e *Engine) prometheus.Metric
}

// Collector exposes an Engine's counters as prometheus metrics. It is a
// hand-built prometheus.Collector so scrapes read the live counters instead
// of a shadow copy.
type Collector struct {
	engine *Engine
	infos  []metricInfo
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	for _, info := range c.infos {
		descs <- info.description
	}
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	for _, info := range c.infos {
		metrics <- info.supplier(c.engine)
	}
}

// NewCollector builds a Collector for e. prefix is prepended to every metric
// name; constLabels is for labels constant across the process.
func NewCollector(e *Engine, prefix string, constLabels prometheus.Labels) *Collector {
	if prefix != "" {
		prefix += "_"
	}
	counterInfo := func(name, help string, v func(*stats) *counter) metricInfo {
		desc := prometheus.NewDesc(prefix+name, help, nil, constLabels)
		return metricInfo{
			description: desc,
			supplier: func(e *Engine) prometheus.Metric {
				return prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v(&e.stats).value()))
			},
		}
	}
	connsDesc := prometheus.NewDesc(prefix+"connections_active", "Connections currently tracked by the engine.", nil, constLabels)
	return &Collector{
		engine: e,
		infos: []metricInfo{
			counterInfo("packets_received_total", "Datagrams read from the socket.", func(s *stats) *counter { return &s.packetsReceived }),
			counterInfo("packets_sent_total", "Datagrams written to the socket.", func(s *stats) *counter { return &s.packetsSent }),
			counterInfo("bytes_received_total", "Payload bytes delivered to application callbacks.", func(s *stats) *counter { return &s.bytesReceived }),
			counterInfo("bytes_sent_total", "Datagram bytes written to the socket, headers included.", func(s *stats) *counter { return &s.bytesSent }),
			counterInfo("checksum_failures_total", "Datagrams dropped for a bad checksum.", func(s *stats) *counter { return &s.checksumFailures }),
			counterInfo("malformed_packets_total", "Datagrams dropped for an inconsistent header.", func(s *stats) *counter { return &s.malformedPackets }),
			counterInfo("unknown_peer_drops_total", "Datagrams dropped because no connection matched and the packet was not a SYN.", func(s *stats) *counter { return &s.unknownPeerDrops }),
			counterInfo("retransmissions_total", "Segments retransmitted after a timeout.", func(s *stats) *counter { return &s.retransmissions }),
			counterInfo("messages_delivered_total", "Chunks delivered to application callbacks.", func(s *stats) *counter { return &s.messagesDelivered }),
			{
				description: connsDesc,
				supplier: func(e *Engine) prometheus.Metric {
					return prometheus.MustNewConstMetric(connsDesc, prometheus.GaugeValue, float64(e.connCount()))
				},
			},
		},
	}
}
