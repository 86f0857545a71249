package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestMetrics(t *testing.T) {
	t.Parallel()

	m := New(prometheus.NewRegistry())

	m.SetPresence(2, 3)
	m.Routed(OutcomeLive)
	m.Routed(OutcomeLive)
	m.Routed(OutcomeQueued)
	m.Replayed(4)
	m.Read(5)
	m.StoreError("append")
	m.AuthFailure()
	m.LostPush()

	require.Equal(t, 2.0, testutil.ToFloat64(m.onlineIdentities))
	require.Equal(t, 3.0, testutil.ToFloat64(m.connections))
	require.Equal(t, 2.0, testutil.ToFloat64(m.routed.WithLabelValues(OutcomeLive)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.routed.WithLabelValues(OutcomeQueued)))
	require.Equal(t, 4.0, testutil.ToFloat64(m.replayed))
	require.Equal(t, 5.0, testutil.ToFloat64(m.readTransitions))
	require.Equal(t, 1.0, testutil.ToFloat64(m.storeErrors.WithLabelValues("append")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.authFailures))
	require.Equal(t, 1.0, testutil.ToFloat64(m.lostPushes))
}

func TestNilMetrics(t *testing.T) {
	t.Parallel()

	var m *Metrics
	require.NotPanics(t, func() {
		m.SetPresence(1, 1)
		m.Routed(OutcomeFailed)
		m.Replayed(1)
		m.Read(1)
		m.StoreError("append")
		m.AuthFailure()
		m.LostPush()
	})
}
