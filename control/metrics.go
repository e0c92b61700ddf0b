// File: control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Prometheus counters for connection and frame traffic. Collectors are
// created unregistered so the package works without a registry; callers
// opt in with Register.

package control

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics aggregates the library's traffic counters.
type Metrics struct {
	ConnectionsOpened  prometheus.Counter
	ConnectionsClosed  prometheus.Counter
	ConnectionsAborted prometheus.Counter
	HandshakeFailures  prometheus.Counter
	FramesSent         prometheus.Counter
	FramesReceived     prometheus.Counter
	BytesSent          prometheus.Counter
	BytesReceived      prometheus.Counter
}

// NewMetrics creates the collector set.
func NewMetrics() *Metrics {
	c := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wscore",
			Name:      name,
			Help:      help,
		})
	}
	return &Metrics{
		ConnectionsOpened:  c("connections_opened_total", "Connections that completed the handshake."),
		ConnectionsClosed:  c("connections_closed_total", "Connections that finished the close handshake."),
		ConnectionsAborted: c("connections_aborted_total", "Connections terminated without a close handshake."),
		HandshakeFailures:  c("handshake_failures_total", "Upgrade attempts rejected or failed."),
		FramesSent:         c("frames_sent_total", "Frames written to the transport."),
		FramesReceived:     c("frames_received_total", "Frames read from the transport."),
		BytesSent:          c("payload_bytes_sent_total", "Payload bytes written, before masking."),
		BytesReceived:      c("payload_bytes_received_total", "Payload bytes read, after unmasking."),
	}
}

// Register adds all collectors to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, col := range []prometheus.Collector{
		m.ConnectionsOpened, m.ConnectionsClosed, m.ConnectionsAborted,
		m.HandshakeFailures, m.FramesSent, m.FramesReceived,
		m.BytesSent, m.BytesReceived,
	} {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}

var (
	metricsOnce sync.Once
	defaultM    *Metrics
)

// DefaultMetrics returns the process-wide metrics set.
func DefaultMetrics() *Metrics {
	metricsOnce.Do(func() {
		defaultM = NewMetrics()
	})
	return defaultM
}
