// Package metrics holds the Prometheus collectors for the manager. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "crewnet"

// Metrics is the set of collectors registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	messagesRouted   *prometheus.CounterVec
	broadcastPanics  prometheus.Counter
	gatewayStates    *prometheus.CounterVec
	wsSessions       prometheus.Gauge
	wsFramesDropped  *prometheus.CounterVec
	nudges           *prometheus.CounterVec
	agentTransitions *prometheus.CounterVec
	heartbeats       prometheus.Counter
}

// New creates the collectors on a fresh registry, together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		messagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_routed_total",
			Help:      "IRC channel messages routed, by tag (\"none\" when untagged).",
		}, []string{"tag"}),
		broadcastPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcaster_panics_total",
			Help:      "Broadcaster invocations that panicked.",
		}),
		gatewayStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_state_transitions_total",
			Help:      "IRC gateway state transitions, by new state.",
		}, []string{"state"}),
		wsSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_sessions",
			Help:      "Open WebSocket sessions.",
		}),
		wsFramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_frames_dropped_total",
			Help:      "Outbound WebSocket frames dropped for backpressure, by frame type.",
		}, []string{"type"}),
		nudges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nudges_total",
			Help:      "Nudges sent to idle agents, by outcome.",
		}, []string{"outcome"}),
		agentTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_status_transitions_total",
			Help:      "Watchdog stalled/alive transitions.",
		}, []string{"status"}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Agent heartbeats accepted.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.messagesRouted,
		m.broadcastPanics,
		m.gatewayStates,
		m.wsSessions,
		m.wsFramesDropped,
		m.nudges,
		m.agentTransitions,
		m.heartbeats,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) MessageRouted(tag string) {
	if m == nil {
		return
	}
	if tag == "" {
		tag = "none"
	}
	m.messagesRouted.WithLabelValues(tag).Inc()
}

func (m *Metrics) BroadcasterPanicked() {
	if m == nil {
		return
	}
	m.broadcastPanics.Inc()
}

func (m *Metrics) GatewayState(state string) {
	if m == nil {
		return
	}
	m.gatewayStates.WithLabelValues(state).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.wsSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.wsSessions.Dec()
}

func (m *Metrics) FrameDropped(frameType string) {
	if m == nil {
		return
	}
	m.wsFramesDropped.WithLabelValues(frameType).Inc()
}

// Nudge records a nudge attempt; outcome is "ok" or "error".
func (m *Metrics) Nudge(outcome string) {
	if m == nil {
		return
	}
	m.nudges.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AgentTransition(status string) {
	if m == nil {
		return
	}
	m.agentTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) Heartbeat() {
	if m == nil {
		return
	}
	m.heartbeats.Inc()
}
