// Package metrics exposes Prometheus instrumentation for the scheduler
// core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors the scheduler core updates. A nil
// *Metrics is valid and records nothing, so tests can pass nil.
type Metrics struct {
	registry *prometheus.Registry

	placements       *prometheus.CounterVec
	migrations       *prometheus.CounterVec
	powerTransitions *prometheus.CounterVec
	slaWarnings      prometheus.Counter

	queueDepth     prometheus.Gauge
	activeMachines prometheus.Gauge
	clusterEnergy  prometheus.Gauge
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		placements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voltsched_placements_total",
				Help: "Total placement decisions by outcome.",
			},
			[]string{"outcome"},
		),
		migrations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voltsched_migrations_total",
				Help: "Total live migrations requested, by reason.",
			},
			[]string{"reason"},
		),
		powerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voltsched_power_transitions_total",
				Help: "Total machine power transitions requested, by direction.",
			},
			[]string{"direction"},
		),
		slaWarnings: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voltsched_sla_warnings_total",
				Help: "Total SLA warnings received from the substrate.",
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "voltsched_pending_queue_depth",
				Help: "Tasks waiting for a suitable host.",
			},
		),
		activeMachines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "voltsched_active_machines",
				Help: "Machines in S0 with no pending transition.",
			},
		),
		clusterEnergy: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "voltsched_cluster_energy_kwh",
				Help: "Cluster energy consumed so far in kWh.",
			},
		),
	}

	m.registry.MustRegister(
		m.placements, m.migrations, m.powerTransitions, m.slaWarnings,
		m.queueDepth, m.activeMachines, m.clusterEnergy,
	)
	return m
}

// Handler returns an HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Placement counts one placement decision: "assigned", "queued" or
// "failed".
func (m *Metrics) Placement(outcome string) {
	if m == nil {
		return
	}
	m.placements.WithLabelValues(outcome).Inc()
}

// Migration counts one migration request: "consolidation", "memory" or
// "sla".
func (m *Metrics) Migration(reason string) {
	if m == nil {
		return
	}
	m.migrations.WithLabelValues(reason).Inc()
}

// PowerTransition counts one power request: "on" or "off".
func (m *Metrics) PowerTransition(direction string) {
	if m == nil {
		return
	}
	m.powerTransitions.WithLabelValues(direction).Inc()
}

// SLAWarning counts one SLA warning callback.
func (m *Metrics) SLAWarning() {
	if m == nil {
		return
	}
	m.slaWarnings.Inc()
}

// SetQueueDepth records the pending queue depth.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// SetActiveMachines records the number of usable machines.
func (m *Metrics) SetActiveMachines(n int) {
	if m == nil {
		return
	}
	m.activeMachines.Set(float64(n))
}

// SetClusterEnergy records the cluster energy consumed so far.
func (m *Metrics) SetClusterEnergy(kwh float64) {
	if m == nil {
		return
	}
	m.clusterEnergy.Set(kwh)
}
