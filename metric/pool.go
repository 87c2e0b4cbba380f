package metric

import (
	"strconv"
	"sync"
	"time"

	"shielded-pool/common"

	"github.com/prometheus/client_golang/prometheus"
)

// Sample is the cost of a single confirmed batch
type Sample struct {
	BatchSize     int
	ProofDuration time.Duration
	GasUsed       uint64
}

// PoolMetrics collects the metrics of a single pool.  Every
// BatchTreeUpdater owns one, nothing is shared between pools.
type PoolMetrics struct {
	ProofDuration  *prometheus.HistogramVec
	SubmitDuration prometheus.Histogram
	Batches        *prometheus.CounterVec
	Failures       *prometheus.CounterVec
	Leaves         prometheus.Gauge
	GasUsed        prometheus.Histogram

	samples []Sample
	rw      sync.RWMutex
}

// NewPoolMetrics creates the collectors of pool and registers them in reg
// if it is not nil
func NewPoolMetrics(pool string, reg prometheus.Registerer) (*PoolMetrics, error) {
	labels := prometheus.Labels{"pool": pool}
	m := &PoolMetrics{
		ProofDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespacePool,
				Name:        "proof_duration_ms",
				Help:        "Time to obtain a batch update proof",
				ConstLabels: labels,
				Buckets:     prometheus.ExponentialBuckets(50, 2, 12),
			}, []string{"circuit"}),
		SubmitDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace:   namespacePool,
				Name:        "submit_duration_ms",
				Help:        "Time from submission to confirmation of a batch",
				ConstLabels: labels,
				Buckets:     prometheus.ExponentialBuckets(100, 2, 12),
			}),
		Batches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespacePool,
				Name:        "batches_total",
				Help:        "Confirmed batch updates",
				ConstLabels: labels,
			}, []string{"batch_size"}),
		Failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespacePool,
				Name:        "batch_failures_total",
				Help:        "Failed batch updates",
				ConstLabels: labels,
			}, []string{"reason"}),
		Leaves: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespacePool,
				Name:        "tree_leaves",
				Help:        "Leaves in the local tree mirror",
				ConstLabels: labels,
			}),
		GasUsed: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace:   namespacePool,
				Name:        "batch_gas_used",
				Help:        "Gas used by batch update transactions",
				ConstLabels: labels,
				Buckets:     prometheus.LinearBuckets(100000, 100000, 20),
			}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.ProofDuration, m.SubmitDuration, m.Batches,
			m.Failures, m.Leaves, m.GasUsed} {
			if err := reg.Register(c); err != nil {
				return nil, common.Wrap(err)
			}
		}
	}
	return m, nil
}

// ObserveProof records the time taken to prove a circuit
func (m *PoolMetrics) ObserveProof(circuit common.CircuitID, d time.Duration) {
	m.ProofDuration.WithLabelValues(string(circuit)).Observe(float64(d.Milliseconds()))
}

// ObserveBatch records a confirmed batch
func (m *PoolMetrics) ObserveBatch(size int, proof, submit time.Duration, gasUsed uint64) {
	m.Batches.WithLabelValues(strconv.Itoa(size)).Inc()
	m.SubmitDuration.Observe(float64(submit.Milliseconds()))
	m.GasUsed.Observe(float64(gasUsed))
	m.rw.Lock()
	defer m.rw.Unlock()
	m.samples = append(m.samples, Sample{BatchSize: size, ProofDuration: proof, GasUsed: gasUsed})
}

// Failure records a failed batch
func (m *PoolMetrics) Failure(reason string) {
	m.Failures.WithLabelValues(reason).Inc()
}

// SetLeaves records the size of the tree mirror
func (m *PoolMetrics) SetLeaves(n int) {
	m.Leaves.Set(float64(n))
}

// Samples returns the confirmed batch samples in confirmation order
func (m *PoolMetrics) Samples() []Sample {
	m.rw.RLock()
	defer m.rw.RUnlock()
	return append([]Sample{}, m.samples...)
}

// FailureReason classifies an error into a metric label
func FailureReason(err error) string {
	switch common.Unwrap(err) {
	case common.ErrStaleRoot:
		return "stale_root"
	case common.ErrDoubleSpend:
		return "double_spend"
	case common.ErrDigestMismatch:
		return "digest_mismatch"
	case common.ErrProofVerificationFailed:
		return "proof_verification"
	case common.ErrDone:
		return "cancelled"
	default:
		return "other"
	}
}
