package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestObserveEpochIncrementsLabeledCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveEpoch("cancel")
	m.ObserveEpoch("cancel")
	m.ObserveEpoch("punish")

	require.Equal(t, float64(2), counterValue(t, m.EpochTransitions.WithLabelValues("cancel")))
	require.Equal(t, float64(1), counterValue(t, m.EpochTransitions.WithLabelValues("punish")))
}

func TestObserveSwapTransitionIncrementsByRoleAndStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveSwapTransition("alice", "BtcLocked")
	m.ObserveSwapTransition("bob", "BtcLocked")

	require.Equal(t, float64(1), counterValue(t, m.SwapTransitions.WithLabelValues("alice", "BtcLocked")))
	require.Equal(t, float64(1), counterValue(t, m.SwapTransitions.WithLabelValues("bob", "BtcLocked")))
}
