// metrics.go - Prometheus instrumentation for the ledger and bridge paths.

package pool

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "shieldedpool"
	subsystem        = "ledger"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	accepted       *prometheus.CounterVec
	rejected       *prometheus.CounterVec
	treeSize       prometheus.Gauge
	verifyDuration prometheus.Histogram
	pendingPayouts prometheus.Gauge
	bridgeMessages *prometheus.CounterVec
}

// NewMetrics registers the ledger collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		accepted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: subsystem,
				Name:      "transactions_accepted_total",
				Help:      "Total number of accepted ledger mutations",
			},
			[]string{"kind"}, // kind: "deposit", "transfer", "withdrawal", "public_deposit"
		),
		rejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: subsystem,
				Name:      "transactions_rejected_total",
				Help:      "Total number of rejected transactions by reason",
			},
			[]string{"reason"},
		),
		treeSize: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: subsystem,
				Name:      "tree_leaves",
				Help:      "Number of commitments in the Merkle tree",
			},
		),
		verifyDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: subsystem,
				Name:      "proof_verification_duration_seconds",
				Help:      "Time taken to verify a transaction proof",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
		),
		pendingPayouts: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: subsystem,
				Name:      "pending_payouts",
				Help:      "Number of payouts waiting for delivery",
			},
		),
		bridgeMessages: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "bridge",
				Name:      "messages_total",
				Help:      "Total number of bridge messages by outcome",
			},
			[]string{"outcome"}, // outcome: "accepted", "diverted", "replay", "unwrapped", "custody"
		),
	}
}

func (m *Metrics) transactionAccepted(kind string) {
	if m != nil {
		m.accepted.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) transactionRejected(reason string) {
	if m != nil {
		m.rejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) setTreeSize(n uint64) {
	if m != nil {
		m.treeSize.Set(float64(n))
	}
}

func (m *Metrics) observeVerify(d time.Duration) {
	if m != nil {
		m.verifyDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) addPendingPayouts(delta int) {
	if m != nil {
		m.pendingPayouts.Add(float64(delta))
	}
}

func (m *Metrics) setPendingPayouts(n int) {
	if m != nil {
		m.pendingPayouts.Set(float64(n))
	}
}

// BridgeMessage counts an inbound bridge message outcome.
func (m *Metrics) BridgeMessage(outcome string) {
	if m != nil {
		m.bridgeMessages.WithLabelValues(outcome).Inc()
	}
}
