package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTrackEndRecordsOutcome(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	require.NoError(t, m.Track("eod_snapshot").End(nil))
	failure := errors.New("boom")
	require.ErrorIs(t, m.Track("eod_snapshot").End(failure), failure)

	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("eod_snapshot", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("eod_snapshot", "failure")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("eod_snapshot")))
}

func TestSetQueueDepth(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.SetQueueDepth(42)
	require.Equal(t, 42.0, testutil.ToFloat64(m.depth))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	require.NoError(t, m.Track("anything").End(nil))
	m.SetQueueDepth(9)
}
