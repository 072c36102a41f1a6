// Package health periodically samples queue depth and writer backpressure,
// warning and tripping a circuit breaker at configurable thresholds, and
// exposes the same counters to Prometheus via a custom Collector.
package health

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stlalpha/meshbbs/internal/config"
	"github.com/stlalpha/meshbbs/internal/logging"
	"github.com/stlalpha/meshbbs/internal/queue"
	"github.com/stlalpha/meshbbs/internal/writer"
)

// QueueStatsProvider is the subset of *queue.Queue the monitor samples.
type QueueStatsProvider interface {
	Stats() queue.Stats
}

// WriterStatsProvider is the subset of *writer.Writer the monitor samples.
type WriterStatsProvider interface {
	Stats() writer.Stats
}

// Monitor samples queue and writer statistics on a fixed interval, logging a
// warning when queue depth or writer pending depth passes CircuitWarnPct and
// marking the circuit breaker open at CircuitOpenPct queue depth. The
// breaker state is only reported through CircuitOpen; nothing refuses sends
// because of it.
type Monitor struct {
	cfg    config.QueueConfig
	period time.Duration
	q      QueueStatsProvider
	w      WriterStatsProvider

	circuitOpen bool
}

// New returns a Monitor sampling q and w every intervalSeconds.
func New(cfg config.QueueConfig, intervalSeconds int, q QueueStatsProvider, w WriterStatsProvider) *Monitor {
	if intervalSeconds <= 0 {
		intervalSeconds = 30
	}
	return &Monitor{cfg: cfg, period: time.Duration(intervalSeconds) * time.Second, q: q, w: w}
}

// Run samples on cfg's interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	if ws := m.w.Stats(); ws.PendingPercent() > float64(m.cfg.CircuitWarnPct) {
		logging.Warn("health: writer pending %d/%d (%.1f%%) above warn threshold %d%%",
			ws.PendingCount, ws.PendingSoftLimit, ws.PendingPercent(), m.cfg.CircuitWarnPct)
	}

	qs := m.q.Stats()
	depth := qs.DepthPercent()

	switch {
	case depth >= float64(m.cfg.CircuitOpenPct):
		if !m.circuitOpen {
			logging.Error("health: queue depth %.1f%% at or above open threshold %d%%, circuit open", depth, m.cfg.CircuitOpenPct)
		}
		m.circuitOpen = true
	case depth >= float64(m.cfg.CircuitWarnPct):
		logging.Warn("health: queue depth %.1f%% at or above warn threshold %d%%", depth, m.cfg.CircuitWarnPct)
		m.circuitOpen = false
	default:
		if m.circuitOpen {
			logging.Info("health: queue depth recovered to %.1f%%, circuit closed", depth)
		}
		m.circuitOpen = false
	}
}

// CircuitOpen reports whether the breaker is currently tripped. The server
// exposes it through Server.CircuitOpen; its enqueue paths do not consult it.
func (m *Monitor) CircuitOpen() bool {
	return m.circuitOpen
}

// Collector exposes queue and writer statistics to Prometheus.
type Collector struct {
	q QueueStatsProvider
	w WriterStatsProvider

	queueDepth      *prometheus.Desc
	queueDropped    *prometheus.Desc
	queueEscalated  *prometheus.Desc
	pendingDepth    *prometheus.Desc
	reliableAcked   *prometheus.Desc
	reliableFailed  *prometheus.Desc
	reliableRetries *prometheus.Desc
	ackLatencyAvgMs *prometheus.Desc
}

// NewCollector returns a Collector ready to register with a
// prometheus.Registry.
func NewCollector(q QueueStatsProvider, w WriterStatsProvider) *Collector {
	return &Collector{
		q: q,
		w: w,
		queueDepth:      prometheus.NewDesc("meshbbs_queue_depth", "Current queued envelope count.", nil, nil),
		queueDropped:    prometheus.NewDesc("meshbbs_queue_dropped_overflow_total", "Envelopes dropped on overflow.", nil, nil),
		queueEscalated:  prometheus.NewDesc("meshbbs_queue_escalations_total", "Envelopes promoted by aging.", nil, nil),
		pendingDepth:    prometheus.NewDesc("meshbbs_writer_pending_depth", "Current pending reliable-DM count.", nil, nil),
		reliableAcked:   prometheus.NewDesc("meshbbs_writer_reliable_acked_total", "Reliable DMs acknowledged.", nil, nil),
		reliableFailed:  prometheus.NewDesc("meshbbs_writer_reliable_failed_total", "Reliable DMs exhausted retries.", nil, nil),
		reliableRetries: prometheus.NewDesc("meshbbs_writer_reliable_retries_total", "Reliable DM retransmissions.", nil, nil),
		ackLatencyAvgMs: prometheus.NewDesc("meshbbs_writer_ack_latency_ms_avg", "Running average ACK latency in milliseconds.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueDepth
	ch <- c.queueDropped
	ch <- c.queueEscalated
	ch <- c.pendingDepth
	ch <- c.reliableAcked
	ch <- c.reliableFailed
	ch <- c.reliableRetries
	ch <- c.ackLatencyAvgMs
}

// Collect implements prometheus.Collector, sampling fresh stats on every
// scrape rather than caching between ticks.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	qs := c.q.Stats()
	ws := c.w.Stats()

	ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(qs.Queued))
	ch <- prometheus.MustNewConstMetric(c.queueDropped, prometheus.CounterValue, float64(qs.DroppedOverflow))
	ch <- prometheus.MustNewConstMetric(c.queueEscalated, prometheus.CounterValue, float64(qs.Escalations))
	ch <- prometheus.MustNewConstMetric(c.pendingDepth, prometheus.GaugeValue, float64(ws.PendingCount))
	ch <- prometheus.MustNewConstMetric(c.reliableAcked, prometheus.CounterValue, float64(ws.Counters.ReliableAcked))
	ch <- prometheus.MustNewConstMetric(c.reliableFailed, prometheus.CounterValue, float64(ws.Counters.ReliableFailed))
	ch <- prometheus.MustNewConstMetric(c.reliableRetries, prometheus.CounterValue, float64(ws.Counters.ReliableRetries))
	ch <- prometheus.MustNewConstMetric(c.ackLatencyAvgMs, prometheus.GaugeValue, ws.Counters.AckLatencyAvgMs())
}
