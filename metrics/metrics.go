// Package metrics exposes the daemon's Prometheus counters and gauges:
// epoch transitions, swap state transitions, and cancel/refund/punish
// submissions. Carried as ambient observability even though spec.md's
// scope excludes a UI or a metrics server of its own — wiring an HTTP
// handler for /metrics is left to the daemon entrypoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every counter/gauge this package exports, registered
// against a single prometheus.Registerer so a daemon embedding this core
// can mount them on its own /metrics handler (or omit them entirely by
// passing a throwaway registry in tests).
type Metrics struct {
	EpochTransitions *prometheus.CounterVec
	SwapTransitions  *prometheus.CounterVec
	SwapsActive      prometheus.Gauge

	CancelSubmissions *prometheus.CounterVec
	RefundSubmissions *prometheus.CounterVec
	PunishSubmissions *prometheus.CounterVec
}

// New registers and returns a fresh Metrics against reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EpochTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swapd",
			Subsystem: "epoch",
			Name:      "transitions_total",
			Help:      "Number of epoch transitions observed, labeled by the epoch entered.",
		}, []string{"epoch"}),

		SwapTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swapd",
			Subsystem: "swap",
			Name:      "status_transitions_total",
			Help:      "Number of swap status transitions, labeled by role and the status entered.",
		}, []string{"role", "status"}),

		SwapsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "swapd",
			Subsystem: "swap",
			Name:      "active",
			Help:      "Number of swaps with a running driver goroutine right now.",
		}),

		CancelSubmissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swapd",
			Subsystem: "cancel",
			Name:      "submissions_total",
			Help:      "Number of TxCancel broadcasts, labeled by outcome.",
		}, []string{"outcome"}),

		RefundSubmissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swapd",
			Subsystem: "cancel",
			Name:      "refund_submissions_total",
			Help:      "Number of TxRefund broadcasts, labeled by outcome.",
		}, []string{"outcome"}),

		PunishSubmissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swapd",
			Subsystem: "cancel",
			Name:      "punish_submissions_total",
			Help:      "Number of TxPunish broadcasts, labeled by outcome.",
		}, []string{"outcome"}),
	}
}

// ObserveEpoch increments EpochTransitions for the epoch a Monitor just
// entered.
func (m *Metrics) ObserveEpoch(epoch string) {
	m.EpochTransitions.WithLabelValues(epoch).Inc()
}

// ObserveSwapTransition increments SwapTransitions for role entering
// status.
func (m *Metrics) ObserveSwapTransition(role, status string) {
	m.SwapTransitions.WithLabelValues(role, status).Inc()
}
