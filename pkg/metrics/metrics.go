package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Mempool metrics
	MempoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "guts_mempool_size",
			Help: "Current number of pending transactions in the mempool",
		},
	)

	MempoolOldestAge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "guts_mempool_oldest_age_seconds",
			Help: "Age in seconds of the oldest pending transaction",
		},
	)

	MempoolRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guts_mempool_rejected_total",
			Help: "Total number of transactions rejected by the mempool, by reason",
		},
		[]string{"reason"},
	)

	// Consensus metrics
	ConsensusView = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "guts_consensus_view",
			Help: "Current consensus view number",
		},
	)

	ConsensusHeight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "guts_consensus_height",
			Help: "Height of the last finalized block",
		},
	)

	ConsensusIsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "guts_consensus_is_leader",
			Help: "Whether this validator is the leader for the current view (1) or not (0)",
		},
	)

	BlocksFinalizedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "guts_consensus_blocks_finalized_total",
			Help: "Total number of blocks finalized",
		},
	)

	BlockApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "guts_consensus_block_apply_duration_seconds",
			Help:    "Time taken to apply a finalized block to the state machine",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Replication metrics
	ReplicationObjectsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "guts_replication_objects_sent_total",
			Help: "Total number of objects sent to peers",
		},
	)

	ReplicationObjectsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "guts_replication_objects_received_total",
			Help: "Total number of objects received from peers",
		},
	)

	ReplicationPeersDead = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "guts_replication_peers_dead_total",
			Help: "Total number of peers marked dead after exhausting retry budget",
		},
	)

	ReplicationSyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "guts_replication_sync_duration_seconds",
			Help:    "Time taken for a peer sync cycle (AssessingDelta through Idle)",
			Buckets: prometheus.DefBuckets,
		},
	)

	// CI metrics
	CIJobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "guts_ci_job_duration_seconds",
			Help:    "Job execution duration in seconds, by conclusion",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"conclusion"},
	)

	CIRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guts_ci_runs_total",
			Help: "Total number of completed workflow runs, by conclusion",
		},
		[]string{"conclusion"},
	)

	// Audit / rate limit metrics
	AuditEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guts_audit_entries_total",
			Help: "Total number of audit log entries recorded, by severity",
		},
		[]string{"severity"},
	)

	RateLimitBlockedIPs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "guts_ratelimit_blocked_ips",
			Help: "Current number of IP addresses blocked by the adaptive rate limiter",
		},
	)

	RateLimitExceededTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guts_ratelimit_exceeded_total",
			Help: "Total number of requests rejected by the rate limiter, by scope",
		},
		[]string{"scope"},
	)
)

func init() {
	prometheus.MustRegister(MempoolSize)
	prometheus.MustRegister(MempoolOldestAge)
	prometheus.MustRegister(MempoolRejectedTotal)

	prometheus.MustRegister(ConsensusView)
	prometheus.MustRegister(ConsensusHeight)
	prometheus.MustRegister(ConsensusIsLeader)
	prometheus.MustRegister(BlocksFinalizedTotal)
	prometheus.MustRegister(BlockApplyDuration)

	prometheus.MustRegister(ReplicationObjectsSent)
	prometheus.MustRegister(ReplicationObjectsReceived)
	prometheus.MustRegister(ReplicationPeersDead)
	prometheus.MustRegister(ReplicationSyncDuration)

	prometheus.MustRegister(CIJobDuration)
	prometheus.MustRegister(CIRunsTotal)

	prometheus.MustRegister(AuditEntriesTotal)
	prometheus.MustRegister(RateLimitBlockedIPs)
	prometheus.MustRegister(RateLimitExceededTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
