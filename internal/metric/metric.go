// Package metric holds the Prometheus instrumentation for the session
// pipeline. Per-instance gauges carry an instance label so a horizontally
// scaled fleet aggregates without double counting.
package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	instanceID string

	ConnectionsAttempted prometheus.Counter
	ConnectionsAccepted  prometheus.Counter
	ConnectionsRejected  *prometheus.CounterVec // reason
	Disconnects          prometheus.Counter

	ActiveConnections *prometheus.GaugeVec // instance
	ActiveSessions    *prometheus.GaugeVec // instance

	EditsObserved     prometheus.Counter
	Flushes           *prometheus.CounterVec // status: written|skipped|failed
	FlushDuration     prometheus.Histogram
	PresenceWrites    prometheus.Counter
	SessionsDestroyed prometheus.Counter
}

func NewMetrics(instanceID string) *Metrics {
	return &Metrics{
		instanceID: instanceID,

		ConnectionsAttempted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collab", Subsystem: "connections", Name: "attempted_total",
			Help: "Total connection attempts seen by the admission pipeline",
		}),
		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collab", Subsystem: "connections", Name: "accepted_total",
			Help: "Total connections admitted into a session",
		}),
		ConnectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collab", Subsystem: "connections", Name: "rejected_total",
			Help: "Total connections rejected, by reason",
		}, []string{"reason"}),
		Disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collab", Subsystem: "connections", Name: "disconnected_total",
			Help: "Total disconnects",
		}),

		ActiveConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "collab", Subsystem: "connections", Name: "active",
			Help: "Currently active connections on this instance",
		}, []string{"instance"}),
		ActiveSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "collab", Subsystem: "sessions", Name: "active",
			Help: "Currently live sessions on this instance",
		}, []string{"instance"}),

		EditsObserved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collab", Subsystem: "edits", Name: "observed_total",
			Help: "Total edits accepted into a mergeable state",
		}),
		Flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collab", Subsystem: "flushes", Name: "total",
			Help: "Total flush cycles, by outcome",
		}, []string{"status"}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "collab", Subsystem: "flushes", Name: "duration_seconds",
			Help:    "Flush cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		PresenceWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collab", Subsystem: "presence", Name: "writes_total",
			Help: "Total coalesced presence writes",
		}),
		SessionsDestroyed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collab", Subsystem: "sessions", Name: "destroyed_total",
			Help: "Total sessions torn down after terminal flush",
		}),
	}
}

func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.ConnectionsAttempted, m.ConnectionsAccepted, m.ConnectionsRejected, m.Disconnects,
		m.ActiveConnections, m.ActiveSessions,
		m.EditsObserved, m.Flushes, m.FlushDuration, m.PresenceWrites, m.SessionsDestroyed,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) SetActiveConnections(n int) {
	m.ActiveConnections.WithLabelValues(m.instanceID).Set(float64(n))
}

func (m *Metrics) SetActiveSessions(n int) {
	m.ActiveSessions.WithLabelValues(m.instanceID).Set(float64(n))
}
