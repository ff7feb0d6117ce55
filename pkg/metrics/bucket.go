package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BucketMetrics records per-bucket command timings and response
// counters in the Prometheus registry. The GET_CMD_TIMER opcode does
// not read them back; it answers with an empty JSON document.
type BucketMetrics interface {
	// RecordCommand records one completed command with its opcode
	// name, response status name and duration.
	RecordCommand(bucket, opcode, status string, duration time.Duration)

	// RecordResponse bumps the per-status response counter.
	RecordResponse(bucket, status string)
}

// ConnectionMetrics tracks the connection population.
type ConnectionMetrics interface {
	ConnectionOpened()
	ConnectionClosed()
	// RecordStuckClose counts connections killed by the send-queue
	// watchdog.
	RecordStuckClose()
}

type bucketMetrics struct {
	commandDuration *prometheus.HistogramVec
	responsesTotal  *prometheus.CounterVec
}

type connectionMetrics struct {
	activeConnections prometheus.Gauge
	connectionsTotal  prometheus.Counter
	stuckClosesTotal  prometheus.Counter
}

// NewBucketMetrics creates the per-bucket collectors, or a no-op
// implementation when the registry has not been initialized.
func NewBucketMetrics() BucketMetrics {
	reg := GetRegistry()
	if reg == nil {
		return nopBucketMetrics{}
	}

	m := &bucketMetrics{
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dittokv",
			Subsystem: "mcbp",
			Name:      "command_duration_seconds",
			Help:      "Time spent executing one command, by bucket and opcode.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 20),
		}, []string{"bucket", "opcode", "status"}),
		responsesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dittokv",
			Subsystem: "mcbp",
			Name:      "responses_total",
			Help:      "Responses sent, by bucket and status.",
		}, []string{"bucket", "status"}),
	}
	reg.MustRegister(m.commandDuration, m.responsesTotal)
	return m
}

func (m *bucketMetrics) RecordCommand(bucket, opcode, status string, duration time.Duration) {
	m.commandDuration.WithLabelValues(bucket, opcode, status).Observe(duration.Seconds())
}

func (m *bucketMetrics) RecordResponse(bucket, status string) {
	m.responsesTotal.WithLabelValues(bucket, status).Inc()
}

// NewConnectionMetrics creates the connection collectors, or a no-op
// implementation when the registry has not been initialized.
func NewConnectionMetrics() ConnectionMetrics {
	reg := GetRegistry()
	if reg == nil {
		return nopConnectionMetrics{}
	}

	m := &connectionMetrics{
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dittokv",
			Subsystem: "server",
			Name:      "active_connections",
			Help:      "Currently open client connections.",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dittokv",
			Subsystem: "server",
			Name:      "connections_total",
			Help:      "Connections accepted since start.",
		}),
		stuckClosesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dittokv",
			Subsystem: "server",
			Name:      "stuck_connection_closes_total",
			Help:      "Connections force-closed by the send-queue watchdog.",
		}),
	}
	reg.MustRegister(m.activeConnections, m.connectionsTotal, m.stuckClosesTotal)
	return m
}

func (m *connectionMetrics) ConnectionOpened() {
	m.connectionsTotal.Inc()
	m.activeConnections.Inc()
}

func (m *connectionMetrics) ConnectionClosed() {
	m.activeConnections.Dec()
}

func (m *connectionMetrics) RecordStuckClose() {
	m.stuckClosesTotal.Inc()
}

type nopBucketMetrics struct{}

func (nopBucketMetrics) RecordCommand(string, string, string, time.Duration) {}
func (nopBucketMetrics) RecordResponse(string, string)                       {}

type nopConnectionMetrics struct{}

func (nopConnectionMetrics) ConnectionOpened()  {}
func (nopConnectionMetrics) ConnectionClosed()  {}
func (nopConnectionMetrics) RecordStuckClose()  {}
