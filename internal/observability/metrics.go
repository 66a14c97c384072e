package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting livewire metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Transport lifecycle: state transitions, reconnects and retry exhaustion
//   - Frame flow in both directions, including malformed frames
//   - Multiplexer registrations and dispatches
//   - Hub client counts, roster size and HTTP latency
//
// All helper methods are safe to call on a nil *Metrics, so components can
// run without instrumentation.
//
// Usage:
//
//	reg := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(reg)
//	metrics.FrameReceived("chat", "chat_message")
type Metrics struct {
	// TransportStateChanges counts lifecycle transitions.
	// Labels: transport, state
	TransportStateChanges *prometheus.CounterVec

	// ReconnectAttempts counts scheduled reconnects.
	// Labels: transport
	ReconnectAttempts *prometheus.CounterVec

	// RetryExhausted counts transports that gave up reconnecting.
	// Labels: transport
	RetryExhausted *prometheus.CounterVec

	// Frames counts frames by transport, direction (inbound|outbound) and type.
	Frames *prometheus.CounterVec

	// MalformedFrames counts frames that failed to decode.
	// Labels: component
	MalformedFrames *prometheus.CounterVec

	// MultiplexDispatches counts callback invocations by resource class.
	MultiplexDispatches *prometheus.CounterVec

	// MultiplexSubscriptions tracks live callbacks by resource class.
	MultiplexSubscriptions *prometheus.GaugeVec

	// HubClients tracks currently connected websocket clients.
	HubClients prometheus.Gauge

	// RosterSize tracks the number of records in the presence roster.
	RosterSize prometheus.Gauge

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s
	HTTPRequestDuration *prometheus.HistogramVec

	// DatabaseQueryDuration measures store query latency.
	// Labels: operation, table
	DatabaseQueryDuration *prometheus.HistogramVec
}

// NewMetrics creates the metrics and registers them with reg. Passing
// prometheus.DefaultRegisterer exposes them on the default /metrics handler;
// tests pass a fresh registry so repeated construction does not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TransportStateChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livewire_transport_state_changes_total",
				Help: "Transport lifecycle transitions by transport and target state",
			},
			[]string{"transport", "state"},
		),
		ReconnectAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livewire_transport_reconnects_total",
				Help: "Reconnect attempts scheduled by transport",
			},
			[]string{"transport"},
		),
		RetryExhausted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livewire_transport_retry_exhausted_total",
				Help: "Transports that exhausted their retry budget",
			},
			[]string{"transport"},
		),
		Frames: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livewire_frames_total",
				Help: "Frames by transport, direction and type",
			},
			[]string{"transport", "direction", "type"},
		),
		MalformedFrames: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livewire_malformed_frames_total",
				Help: "Frames dropped because they could not be decoded",
			},
			[]string{"component"},
		),
		MultiplexDispatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "livewire_multiplex_dispatches_total",
				Help: "Multiplexer callback invocations by resource class",
			},
			[]string{"resource_class"},
		),
		MultiplexSubscriptions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "livewire_multiplex_subscriptions",
				Help: "Registered multiplexer callbacks by resource class",
			},
			[]string{"resource_class"},
		),
		HubClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "livewire_hub_clients",
				Help: "Websocket clients connected to the hub",
			},
		),
		RosterSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "livewire_presence_roster_size",
				Help: "Participants currently in the presence roster",
			},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "livewire_http_request_duration_seconds",
				Help:    "Duration of HTTP API requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
		DatabaseQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "livewire_db_query_duration_seconds",
				Help:    "Duration of store queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation", "table"},
		),
	}
}

// TransportState records a transition of transport name into state.
func (m *Metrics) TransportState(name, state string) {
	if m == nil {
		return
	}
	m.TransportStateChanges.WithLabelValues(name, state).Inc()
}

// ReconnectScheduled records a scheduled reconnect.
func (m *Metrics) ReconnectScheduled(name string) {
	if m == nil {
		return
	}
	m.ReconnectAttempts.WithLabelValues(name).Inc()
}

// TransportFailed records retry exhaustion.
func (m *Metrics) TransportFailed(name string) {
	if m == nil {
		return
	}
	m.RetryExhausted.WithLabelValues(name).Inc()
}

// FrameReceived records an inbound frame.
func (m *Metrics) FrameReceived(name, frameType string) {
	if m == nil {
		return
	}
	m.Frames.WithLabelValues(name, "inbound", frameType).Inc()
}

// FrameSent records an outbound frame.
func (m *Metrics) FrameSent(name, frameType string) {
	if m == nil {
		return
	}
	m.Frames.WithLabelValues(name, "outbound", frameType).Inc()
}

// FrameMalformed records a dropped frame.
func (m *Metrics) FrameMalformed(component string) {
	if m == nil {
		return
	}
	m.MalformedFrames.WithLabelValues(component).Inc()
}

// Dispatched records one multiplexer callback invocation.
func (m *Metrics) Dispatched(resourceClass string) {
	if m == nil {
		return
	}
	m.MultiplexDispatches.WithLabelValues(resourceClass).Inc()
}

// SubscriptionDelta adjusts the live callback gauge.
func (m *Metrics) SubscriptionDelta(resourceClass string, delta float64) {
	if m == nil {
		return
	}
	m.MultiplexSubscriptions.WithLabelValues(resourceClass).Add(delta)
}

// SetHubClients sets the connected client gauge.
func (m *Metrics) SetHubClients(n int) {
	if m == nil {
		return
	}
	m.HubClients.Set(float64(n))
}

// SetRosterSize sets the roster gauge.
func (m *Metrics) SetRosterSize(n int) {
	if m == nil {
		return
	}
	m.RosterSize.Set(float64(n))
}

// ObserveHTTP records an HTTP request duration in seconds.
func (m *Metrics) ObserveHTTP(method, path, status string, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, path, status).Observe(seconds)
}

// ObserveQuery records a store query duration in seconds.
func (m *Metrics) ObserveQuery(operation, table string, seconds float64) {
	if m == nil {
		return
	}
	m.DatabaseQueryDuration.WithLabelValues(operation, table).Observe(seconds)
}
