// ABOUTME: Prometheus collectors for agent traffic, request outcomes and decoder health.
// ABOUTME: Owns a private registry and serves it through promhttp.

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "arena_bridge"

// Outcome labels for finished requests.
const (
	OutcomeSuccess    = "success"
	OutcomeError      = "error"
	OutcomeTimeout    = "timeout"
	OutcomeDisconnect = "client_disconnect"
)

// Metrics holds the bridge's collectors.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	firstChunkLatency prometheus.Histogram
	requestsInflight  prometheus.Gauge

	agentConnected   prometheus.Gauge
	agentAttachments prometheus.Counter
	framesDispatched prometheus.Counter
	framesDropped    prometheus.Counter
	mailboxOverflows prometheus.Counter
	malformed        *prometheus.CounterVec
}

// New creates a Metrics instance with Go runtime and process collectors registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of completion requests by shape, delivery mode and outcome",
			},
			[]string{"shape", "mode", "outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Duration of completion requests in seconds",
				Buckets:   []float64{.25, .5, 1, 2.5, 5, 10, 30, 60, 120, 360},
			},
			[]string{"shape", "mode"},
		),
		firstChunkLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "first_chunk_latency_seconds",
				Help:      "Time from dispatch to the first frame from the agent",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		requestsInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_inflight",
			Help:      "Number of requests waiting on the agent",
		}),
		agentConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_connected",
			Help:      "1 when an agent is attached, 0 otherwise",
		}),
		agentAttachments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_attachments_total",
			Help:      "Total number of agent connections accepted",
		}),
		framesDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dispatched_total",
			Help:      "Frames delivered to a pending request",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames dropped because no pending request matched",
		}),
		mailboxOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mailbox_overflows_total",
			Help:      "Requests failed because their mailbox filled up",
		}),
		malformed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "malformed_segments_total",
				Help:      "Segments skipped because they did not parse",
			},
			[]string{"kind"},
		),
	}

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.firstChunkLatency,
		m.requestsInflight,
		m.agentConnected,
		m.agentAttachments,
		m.framesDispatched,
		m.framesDropped,
		m.mailboxOverflows,
		m.malformed,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// RequestStarted marks a request as in flight.
func (m *Metrics) RequestStarted() {
	if m == nil {
		return
	}
	m.requestsInflight.Inc()
}

// RequestFinished records a completed request.
func (m *Metrics) RequestFinished(shape, mode, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requestsInflight.Dec()
	m.requestsTotal.WithLabelValues(shape, mode, outcome).Inc()
	m.requestDuration.WithLabelValues(shape, mode).Observe(d.Seconds())
}

// FirstChunk records the latency until the agent's first frame.
func (m *Metrics) FirstChunk(d time.Duration) {
	if m == nil {
		return
	}
	m.firstChunkLatency.Observe(d.Seconds())
}

// AgentAttached records a new agent connection.
func (m *Metrics) AgentAttached() {
	if m == nil {
		return
	}
	m.agentAttachments.Inc()
	m.agentConnected.Set(1)
}

// AgentDetached records that no agent is attached.
func (m *Metrics) AgentDetached() {
	if m == nil {
		return
	}
	m.agentConnected.Set(0)
}

func (m *Metrics) FrameDispatched() {
	if m == nil {
		return
	}
	m.framesDispatched.Inc()
}

func (m *Metrics) FrameDropped() {
	if m == nil {
		return
	}
	m.framesDropped.Inc()
}

func (m *Metrics) MailboxOverflow() {
	if m == nil {
		return
	}
	m.mailboxOverflows.Inc()
}

// MalformedSegment counts a skipped segment of the given kind.
func (m *Metrics) MalformedSegment(kind string) {
	if m == nil {
		return
	}
	m.malformed.WithLabelValues(kind).Inc()
}
