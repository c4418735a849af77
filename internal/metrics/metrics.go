// Package metrics defines the Prometheus instrumentation for the
// orchestrator control plane. All collectors are registered on a dedicated
// registry so tests can create isolated instances without hitting the
// global default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the control plane updates.
type Metrics struct {
	registry *prometheus.Registry

	// BusPublished counts events published per topic.
	BusPublished *prometheus.CounterVec

	// BusDropped counts events dropped because a subscriber's buffer was
	// full, labelled by topic and subscriber name. The at-least-once
	// delivery contract makes drops observable rather than silent.
	BusDropped *prometheus.CounterVec

	// RunTransitions counts run state transitions by target status.
	RunTransitions *prometheus.CounterVec

	// DispatchTotal counts dispatch attempts by outcome
	// ("ok", "transport_error", "bot_missing").
	DispatchTotal *prometheus.CounterVec

	// ObserverClients is the number of currently connected observer
	// WebSocket clients.
	ObserverClients prometheus.Gauge

	// AgentsOffline counts janitor demotions of stale agents.
	AgentsOffline prometheus.Counter

	// RunsRecovered counts stuck runs failed by the janitor.
	RunsRecovered prometheus.Counter
}

// New creates a Metrics instance with its own registry, pre-registered
// with the standard Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		BusPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "botfleet",
			Name:      "eventbus_published_total",
			Help:      "Events published to the event bus, by topic.",
		}, []string{"topic"}),
		BusDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "botfleet",
			Name:      "eventbus_dropped_total",
			Help:      "Events dropped for a slow subscriber, by topic and subscriber.",
		}, []string{"topic", "subscriber"}),
		RunTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "botfleet",
			Name:      "run_transitions_total",
			Help:      "Run state transitions, by target status.",
		}, []string{"status"}),
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "botfleet",
			Name:      "dispatch_total",
			Help:      "Dispatch attempts, by outcome.",
		}, []string{"outcome"}),
		ObserverClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "botfleet",
			Name:      "observer_clients",
			Help:      "Currently connected observer WebSocket clients.",
		}),
		AgentsOffline: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "botfleet",
			Name:      "janitor_agents_offline_total",
			Help:      "Agents demoted to offline by the janitor.",
		}),
		RunsRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "botfleet",
			Name:      "janitor_runs_recovered_total",
			Help:      "Stuck runs transitioned to error by the janitor.",
		}),
	}

	reg.MustRegister(
		m.BusPublished,
		m.BusDropped,
		m.RunTransitions,
		m.DispatchTotal,
		m.ObserverClients,
		m.AgentsOffline,
		m.RunsRecovered,
	)
	return m
}

// Handler returns the HTTP handler serving the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
