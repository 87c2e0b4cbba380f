package metric

import (
	"fmt"
	"testing"
	"time"

	"shielded-pool/common"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolMetricsPerInstance(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := NewPoolMetrics("0xa", reg)
	require.NoError(t, err)
	b, err := NewPoolMetrics("0xb", reg)
	require.NoError(t, err)

	a.ObserveBatch(4, time.Second, 2*time.Second, 300000)
	a.ObserveBatch(8, time.Second, time.Second, 400000)
	b.ObserveBatch(16, time.Second, time.Second, 500000)
	a.Failure(FailureReason(common.Wrap(common.ErrStaleRoot)))
	a.SetLeaves(12)

	assert.Equal(t, 2, len(a.Samples()))
	assert.Equal(t, 1, len(b.Samples()))
	assert.Equal(t, uint64(400000), a.Samples()[1].GasUsed)
	assert.Equal(t, float64(1), testutil.ToFloat64(a.Batches.WithLabelValues("4")))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.Batches.WithLabelValues("4")))
	assert.Equal(t, float64(1), testutil.ToFloat64(a.Failures.WithLabelValues("stale_root")))
	assert.Equal(t, float64(12), testutil.ToFloat64(a.Leaves))

	// the same pool can not be registered twice
	_, err = NewPoolMetrics("0xa", reg)
	assert.Error(t, err)
	// without registerer nothing is shared
	_, err = NewPoolMetrics("0xa", nil)
	assert.NoError(t, err)
}

func TestFailureReason(t *testing.T) {
	assert.Equal(t, "double_spend", FailureReason(common.Wrap(common.ErrDoubleSpend)))
	assert.Equal(t, "digest_mismatch", FailureReason(common.ErrDigestMismatch))
	assert.Equal(t, "other", FailureReason(fmt.Errorf("boom")))
}
