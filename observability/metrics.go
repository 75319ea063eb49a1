package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	rewarddMetricsOnce sync.Once
	rewarddRegistry    *RewarddMetrics
)

// RewarddMetrics wraps collectors tracking reward issuance health.
type RewarddMetrics struct {
	submissions     *prometheus.CounterVec
	chainAttempts   *prometheus.CounterVec
	issuedTokens    *prometheus.CounterVec
	errors          *prometheus.CounterVec
	issueLatency    *prometheus.HistogramVec
	halted          prometheus.Gauge
	backlog         prometheus.Gauge
	reconciliations *prometheus.CounterVec
}

// Rewardd exposes the metrics registry for rewardd.
func Rewardd() *RewarddMetrics {
	rewarddMetricsOnce.Do(func() {
		rewarddRegistry = &RewarddMetrics{
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "help2earn",
				Subsystem: "rewardd",
				Name:      "submissions_total",
				Help:      "Processed submissions segmented by final status.",
			}, []string{"status"}),
			chainAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "help2earn",
				Subsystem: "rewardd",
				Name:      "chain_attempts_total",
				Help:      "Reward contract invocations segmented by classified outcome.",
			}, []string{"outcome"}),
			issuedTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "help2earn",
				Subsystem: "rewardd",
				Name:      "issued_tokens_total",
				Help:      "Whole tokens confirmed on-chain segmented by reward kind.",
			}, []string{"kind"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "help2earn",
				Subsystem: "rewardd",
				Name:      "errors_total",
				Help:      "Count of issuance failures segmented by reason.",
			}, []string{"reason"}),
			issueLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "help2earn",
				Subsystem: "rewardd",
				Name:      "issuance_latency_seconds",
				Help:      "Latency from reservation to chain confirmation.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"path"}),
			halted: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "help2earn",
				Subsystem: "rewardd",
				Name:      "issuance_halted",
				Help:      "Indicates whether issuance is halted (1) or running (0).",
			}),
			backlog: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "help2earn",
				Subsystem: "rewardd",
				Name:      "reconciliation_backlog",
				Help:      "Reward records awaiting reconciliation at the last sweep.",
			}),
			reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "help2earn",
				Subsystem: "rewardd",
				Name:      "reconciliations_total",
				Help:      "Reconciled reward records segmented by result.",
			}, []string{"result"}),
		}
		prometheus.MustRegister(
			rewarddRegistry.submissions,
			rewarddRegistry.chainAttempts,
			rewarddRegistry.issuedTokens,
			rewarddRegistry.errors,
			rewarddRegistry.issueLatency,
			rewarddRegistry.halted,
			rewarddRegistry.backlog,
			rewarddRegistry.reconciliations,
		)
	})
	return rewarddRegistry
}

// RecordSubmission increments the submission counter for the final status.
func (m *RewarddMetrics) RecordSubmission(status string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(label(status)).Inc()
}

// RecordChainAttempt counts one contract invocation.
func (m *RewarddMetrics) RecordChainAttempt(outcome string) {
	if m == nil {
		return
	}
	m.chainAttempts.WithLabelValues(label(outcome)).Inc()
}

// RecordIssued adds confirmed whole tokens for the reward kind.
func (m *RewarddMetrics) RecordIssued(kind string, tokens int64) {
	if m == nil || tokens <= 0 {
		return
	}
	m.issuedTokens.WithLabelValues(label(kind)).Add(float64(tokens))
}

// RecordError increments the error counter for the supplied reason.
func (m *RewarddMetrics) RecordError(reason string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(label(reason)).Inc()
}

// ObserveLatency records the reservation-to-confirmation latency.
func (m *RewarddMetrics) ObserveLatency(path string, d time.Duration) {
	if m == nil {
		return
	}
	m.issueLatency.WithLabelValues(label(path)).Observe(d.Seconds())
}

// SetHalted toggles the issuance_halted gauge.
func (m *RewarddMetrics) SetHalted(halted bool) {
	if m == nil {
		return
	}
	if halted {
		m.halted.Set(1)
		return
	}
	m.halted.Set(0)
}

// SetBacklog publishes the size of the reconciliation backlog.
func (m *RewarddMetrics) SetBacklog(n int) {
	if m == nil {
		return
	}
	m.backlog.Set(float64(n))
}

// RecordReconciliation counts one reconciled record.
func (m *RewarddMetrics) RecordReconciliation(result string) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(label(result)).Inc()
}

func label(value string) string {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return "unspecified"
	}
	return trimmed
}
