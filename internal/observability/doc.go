// Package observability provides the metrics, structured logging and
// distributed tracing shared by every livewire component.
//
// # Metrics
//
// Metrics are Prometheus collectors registered on a caller-supplied
// registry. Components hold a *Metrics and call its helpers, which are
// no-ops on a nil receiver:
//
//	reg := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(reg)
//	metrics.TransportState("chat", "open")
//	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
//
// # Logging
//
// NewLogger returns a *slog.Logger whose handler masks credentials (bearer
// tokens, passwords, connection-string passwords, JWTs) in messages and
// attributes, and attaches request, client and session ids carried in the
// context:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "debug", Format: "text"})
//	ctx = observability.WithClientID(ctx, clientID)
//	logger.InfoContext(ctx, "client joined", "session_id", sessionID)
//
// # Tracing
//
// NewTracer exports spans over OTLP gRPC when an endpoint is configured and
// is otherwise backed by the global no-op provider. The hub wraps HTTP
// handlers and inbound frames in spans:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{Endpoint: endpoint})
//	defer shutdown(ctx)
//	ctx, span := tracer.TraceHTTPRequest(ctx, r.Method, r.URL.Path)
//	defer span.End()
package observability
