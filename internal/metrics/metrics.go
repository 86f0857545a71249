// Package metrics holds the Prometheus collectors of the relay.
// Every method is safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chat_relay"

// Route outcomes
const (
	OutcomeLive   = "live"
	OutcomeQueued = "queued"
	OutcomeFailed = "failed"
)

type Metrics struct {
	connections      prometheus.Gauge
	onlineIdentities prometheus.Gauge
	routed           *prometheus.CounterVec
	replayed         prometheus.Counter
	lostPushes       prometheus.Counter
	readTransitions  prometheus.Counter
	authFailures     prometheus.Counter
	storeErrors      *prometheus.CounterVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Registered connection handles.",
		}),
		onlineIdentities: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_identities",
			Help:      "Identities with at least one registered connection handle.",
		}),
		routed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_routed_total",
			Help:      "Routed messages by outcome.",
		}, []string{"outcome"}),
		replayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_replayed_total",
			Help:      "Messages delivered by backlog replay.",
		}),
		lostPushes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushes_lost_total",
			Help:      "Pushes refused by a closing or saturated connection.",
		}),
		readTransitions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_read_total",
			Help:      "Messages moved to the read state.",
		}),
		authFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Rejected connection attempts.",
		}),
		storeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Failed message store operations by operation.",
		}, []string{"op"}),
	}
}

func (m *Metrics) SetPresence(identities, connections int) {
	if m == nil {
		return
	}
	m.onlineIdentities.Set(float64(identities))
	m.connections.Set(float64(connections))
}

func (m *Metrics) Routed(outcome string) {
	if m == nil {
		return
	}
	m.routed.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Replayed(n int) {
	if m == nil {
		return
	}
	m.replayed.Add(float64(n))
}

func (m *Metrics) LostPush() {
	if m == nil {
		return
	}
	m.lostPushes.Inc()
}

func (m *Metrics) Read(n int64) {
	if m == nil {
		return
	}
	m.readTransitions.Add(float64(n))
}

func (m *Metrics) AuthFailure() {
	if m == nil {
		return
	}
	m.authFailures.Inc()
}

func (m *Metrics) StoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}
