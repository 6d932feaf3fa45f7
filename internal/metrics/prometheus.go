// Package metrics exposes cluster and storage counters via
// github.com/prometheus/client_golang, replacing a hand-rolled text
// exporter with the standard registry/collector model.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter, gauge, and histogram this node exports.
type Metrics struct {
	registry *prometheus.Registry

	putsTotal    prometheus.Counter
	getsTotal    prometheus.Counter
	deletesTotal prometheus.Counter
	errorsTotal  *prometheus.CounterVec

	flushesTotal      prometheus.Counter
	compactionsTotal  *prometheus.CounterVec
	sstablesGauge     prometheus.Gauge
	memtableBytes     prometheus.Gauge

	electionsTotal   prometheus.Counter
	termGauge        prometheus.Gauge
	leaderGauge      prometheus.Gauge
	appliedIndex     prometheus.Gauge
	committedIndex   prometheus.Gauge

	rpcLatency *prometheus.HistogramVec

	startTime time.Time
}

// NewMetrics creates a fresh registry and registers every collector.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		putsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kvraft_puts_total",
			Help: "Total Put operations accepted by this node.",
		}),
		getsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kvraft_gets_total",
			Help: "Total Get operations served by this node.",
		}),
		deletesTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kvraft_deletes_total",
			Help: "Total Delete operations accepted by this node.",
		}),
		errorsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "kvraft_errors_total",
			Help: "Total errors by kind (io, corruption, not_leader, timeout).",
		}, []string{"kind"}),
		flushesTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kvraft_flushes_total",
			Help: "Total memtable flushes to SSTable.",
		}),
		compactionsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "kvraft_compactions_total",
			Help: "Total size-tiered compactions run, by level.",
		}, []string{"level"}),
		sstablesGauge: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "kvraft_sstables",
			Help: "Current number of SSTable files across all levels.",
		}),
		memtableBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "kvraft_memtable_bytes",
			Help: "Current active memtable size in bytes.",
		}),
		electionsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "kvraft_elections_total",
			Help: "Total elections started by this node.",
		}),
		termGauge: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "kvraft_term",
			Help: "Current Raft term as seen by this node.",
		}),
		leaderGauge: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "kvraft_is_leader",
			Help: "1 if this node believes itself the leader, else 0.",
		}),
		appliedIndex: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "kvraft_last_applied_index",
			Help: "Highest log index applied to the storage engine.",
		}),
		committedIndex: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "kvraft_commited_index",
			Help: "Highest log index this node considers committed.",
		}),
		rpcLatency: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kvraft_rpc_latency_seconds",
			Help:    "RPC latency by method (RequestVote, Append, Get, Put).",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		startTime: time.Now(),
	}

	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "kvraft_uptime_seconds",
		Help: "Time since this node's metrics collector started.",
	}, func() float64 { return time.Since(m.startTime).Seconds() })

	return m
}

// RecordPut records a successful Put.
func (m *Metrics) RecordPut() { m.putsTotal.Inc() }

// RecordGet records a Get, successful or not.
func (m *Metrics) RecordGet() { m.getsTotal.Inc() }

// RecordDelete records a successful Delete.
func (m *Metrics) RecordDelete() { m.deletesTotal.Inc() }

// RecordError increments the error counter for the given kind (matching
// the engine's Io/Corruption/NotLeader/Timeout error kinds).
func (m *Metrics) RecordError(kind string) { m.errorsTotal.WithLabelValues(kind).Inc() }

// RecordFlush records a memtable flush.
func (m *Metrics) RecordFlush() { m.flushesTotal.Inc() }

// RecordCompaction records a size-tiered compaction at the given level.
func (m *Metrics) RecordCompaction(level int) {
	m.compactionsTotal.WithLabelValues(levelLabel(level)).Inc()
}

// SetSSTableCount updates the current SSTable-file gauge.
func (m *Metrics) SetSSTableCount(n int) { m.sstablesGauge.Set(float64(n)) }

// SetMemTableBytes updates the active memtable size gauge.
func (m *Metrics) SetMemTableBytes(n int64) { m.memtableBytes.Set(float64(n)) }

// RecordElection records this node starting an election.
func (m *Metrics) RecordElection() { m.electionsTotal.Inc() }

// SetTerm updates the current-term gauge.
func (m *Metrics) SetTerm(term uint64) { m.termGauge.Set(float64(term)) }

// SetIsLeader updates the leader gauge.
func (m *Metrics) SetIsLeader(isLeader bool) {
	if isLeader {
		m.leaderGauge.Set(1)
	} else {
		m.leaderGauge.Set(0)
	}
}

// SetLogIndices updates the applied and committed index gauges.
func (m *Metrics) SetLogIndices(lastApplied, commited uint64) {
	m.appliedIndex.Set(float64(lastApplied))
	m.committedIndex.Set(float64(commited))
}

// ObserveRPCLatency records how long an RPC method took.
func (m *Metrics) ObserveRPCLatency(method string, d time.Duration) {
	m.rpcLatency.WithLabelValues(method).Observe(d.Seconds())
}

// Handler returns the /metrics HTTP handler for this collector's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func levelLabel(level int) string {
	switch level {
	case 0:
		return "0"
	case 1:
		return "1"
	case 2:
		return "2"
	case 3:
		return "3"
	case 4:
		return "4"
	default:
		return "5+"
	}
}
