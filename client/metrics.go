package client

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors a Session reports to. A nil *Metrics records nothing.
type Metrics struct {
	exchanges  *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	pending    prometheus.Gauge
	heartbeats *prometheus.CounterVec
	surfaced   prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when it is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "theas",
			Subsystem: "client",
			Name:      "exchanges_total",
			Help:      "Completed async exchanges by command and outcome.",
		}, []string{"command", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "theas",
			Subsystem: "client",
			Name:      "exchange_duration_seconds",
			Help:      "Round-trip time of async exchanges.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "theas",
			Subsystem: "client",
			Name:      "pending_requests",
			Help:      "Async exchanges awaiting a response.",
		}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "theas",
			Subsystem: "client",
			Name:      "heartbeats_total",
			Help:      "Heartbeat ticks by outcome.",
		}, []string{"outcome"}),
		surfaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "theas",
			Subsystem: "client",
			Name:      "errors_surfaced_total",
			Help:      "Errors taken from the error channel.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.exchanges, m.duration, m.pending, m.heartbeats, m.surfaced)
	}
	return m
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return KindOf(err).String()
}

func (m *Metrics) observeExchange(command string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.exchanges.WithLabelValues(command, outcome(err)).Inc()
	m.duration.WithLabelValues(command).Observe(d.Seconds())
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *Metrics) heartbeat(outcome string) {
	if m == nil {
		return
	}
	m.heartbeats.WithLabelValues(outcome).Inc()
}

func (m *Metrics) errorSurfaced() {
	if m == nil {
		return
	}
	m.surfaced.Inc()
}
