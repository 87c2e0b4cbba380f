package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespaceSync  = "synchronizer"
	namespacePool  = "pool"
	namespaceCoord = "coordinator"
	namespaceProp  = "proposal"
	namespaceAPI   = "api"
)

var (
	// Reorgs block reorg count
	Reorgs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespaceSync,
			Name:      "reorgs",
			Help:      "",
		}, []string{"pool"})

	// LastBlockNum last block synced
	LastBlockNum = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespaceSync,
			Name:      "synced_last_block_num",
			Help:      "",
		}, []string{"pool"})

	// EthLastBlockNum last eth block synced
	EthLastBlockNum = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespaceSync,
			Name:      "eth_last_block_num",
			Help:      "",
		}, []string{"pool"})

	// SyncedLeaves leaves of the synced tree
	SyncedLeaves = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespaceSync,
			Name:      "synced_leaves",
			Help:      "",
		}, []string{"pool"})

	// WaitServerProof duration time to get the calculated
	// proof from the server.
	WaitServerProof = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespaceCoord,
			Name:      "wait_server_proof",
			Help:      "",
		}, []string{"circuit", "pipeline_number"})

	// ProposalsPublished root update proposals published
	ProposalsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespaceProp,
			Name:      "published",
			Help:      "",
		}, []string{"pool"})
)

func init() {
	prometheus.MustRegister(Reorgs, LastBlockNum, EthLastBlockNum, SyncedLeaves, WaitServerProof,
		ProposalsPublished)
}

// MeasureDuration measure the method execution duration
// and save it into a histogram metric
func MeasureDuration(histogram *prometheus.HistogramVec, start time.Time, lvs ...string) {
	duration := time.Since(start)
	histogram.WithLabelValues(lvs...).Observe(float64(duration.Milliseconds()))
}
