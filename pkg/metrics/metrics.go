// Package metrics holds the Prometheus collectors shared by the storage
// backends, the gateway and the bundler.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "repovault"

// Metrics 为 nil 时所有记录方法都是空操作
type Metrics struct {
	backendOps      *prometheus.CounterVec   // kind, op, outcome
	backendDuration *prometheus.HistogramVec // kind, op
	backendBytes    *prometheus.CounterVec   // kind, direction

	gatewayOps    *prometheus.CounterVec // op, outcome
	compensations *prometheus.CounterVec // op
	orphans       prometheus.Gauge

	bundles       *prometheus.CounterVec // outcome
	bundleMembers prometheus.Counter
	bundleSaved   prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		backendOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "operations_total",
			Help:      "Backend operations by kind, operation and outcome",
		}, []string{"kind", "op", "outcome"}),

		backendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "operation_duration_seconds",
			Help:      "Backend operation latency",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"kind", "op"}),

		backendBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "bytes_total",
			Help:      "Bytes written to backends",
		}, []string{"kind", "direction"}),

		gatewayOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "operations_total",
			Help:      "Gateway operations by outcome",
		}, []string{"op", "outcome"}),

		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "compensations_total",
			Help:      "Stored objects deleted because the index commit failed",
		}, []string{"op"}),

		orphans: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "orphans",
			Help:      "Objects known to be unreferenced and awaiting sweep",
		}),

		bundles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bundler",
			Name:      "bundles_total",
			Help:      "Bundle operations by outcome",
		}, []string{"outcome"}),

		bundleMembers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bundler",
			Name:      "members_total",
			Help:      "Loose objects packed into archives",
		}),

		bundleSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bundler",
			Name:      "saved_bytes_total",
			Help:      "Bytes saved by archive member compression",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.backendOps, m.backendDuration, m.backendBytes,
		m.gatewayOps, m.compensations, m.orphans,
		m.bundles, m.bundleMembers, m.bundleSaved,
	} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return nil, err
		}
	}
	return m, nil
}

// Outcome 把错误归类为低基数的标签值
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}

func (m *Metrics) BackendOp(kind, op string, seconds float64, err error) {
	if m == nil {
		return
	}
	m.backendOps.WithLabelValues(kind, op, Outcome(err)).Inc()
	m.backendDuration.WithLabelValues(kind, op).Observe(seconds)
}

func (m *Metrics) BackendBytes(kind, direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.backendBytes.WithLabelValues(kind, direction).Add(float64(n))
}

func (m *Metrics) GatewayOp(op string, err error) {
	if m == nil {
		return
	}
	m.gatewayOps.WithLabelValues(op, Outcome(err)).Inc()
}

func (m *Metrics) Compensation(op string) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(op).Inc()
}

func (m *Metrics) SetOrphans(n int) {
	if m == nil {
		return
	}
	m.orphans.Set(float64(n))
}

func (m *Metrics) Bundle(members int, saved int64, err error) {
	if m == nil {
		return
	}
	m.bundles.WithLabelValues(Outcome(err)).Inc()
	if err == nil {
		m.bundleMembers.Add(float64(members))
		if saved > 0 {
			m.bundleSaved.Add(float64(saved))
		}
	}
}
