package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/time/rate"

	"github.com/haasonsaas/livewire/internal/observability"
	"github.com/haasonsaas/livewire/internal/store"
	"github.com/haasonsaas/livewire/pkg/models"
)

const maxRequestBody = 64 << 10

// Handler returns the hub's HTTP surface: the websocket endpoint at wsPath
// plus the JSON API, health and metrics routes.
func (h *Hub) Handler(wsPath string) http.Handler {
	if wsPath == "" {
		wsPath = "/ws"
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+wsPath, h.ServeWS)
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.cfg.Gatherer, promhttp.HandlerOpts{}))
	mux.Handle("GET /healthz", h.api("/healthz", h.handleHealth))
	mux.Handle("GET /api/chat/history", h.api("/api/chat/history", h.handleHistory))
	mux.Handle("GET /api/alerts", h.api("/api/alerts", h.handleListAlerts))
	mux.Handle("POST /api/alerts", h.api("/api/alerts", h.handleCreateAlert))
	mux.Handle("DELETE /api/alerts/{id}", h.api("/api/alerts/{id}", h.handleDeleteAlert))
	mux.Handle("POST /api/alerts/read-all", h.api("/api/alerts/read-all", h.handleMarkAllRead))
	return mux
}

type apiFunc func(w http.ResponseWriter, r *http.Request) error

// httpError carries a status code to the api wrapper.
type httpError struct {
	status int
	err    error
}

func (e *httpError) Error() string { return e.err.Error() }
func (e *httpError) Unwrap() error { return e.err }

func badRequest(format string, args ...any) error {
	return &httpError{status: http.StatusBadRequest, err: fmt.Errorf(format, args...)}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// api wraps a handler with per-address rate limiting, a server span, a
// latency observation and JSON error rendering. route is the pattern used
// as the metric and span label.
func (h *Hub) api(route string, fn apiFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		ctx := h.tracer.ExtractHTTP(r.Context(), propagation.HeaderCarrier(r.Header))
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx = observability.WithRequestID(ctx, requestID)
		ctx, span := h.tracer.TraceHTTPRequest(ctx, r.Method, route)
		defer func() {
			span.End()
			h.metrics.ObserveHTTP(r.Method, route, strconv.Itoa(rec.status), time.Since(start).Seconds())
		}()
		rec.Header().Set("X-Request-ID", requestID)

		if limiter := h.limiterFor(r); limiter != nil {
			res := limiter.Reserve()
			if delay := res.Delay(); delay > 0 {
				res.Cancel()
				h.logger.WarnContext(ctx, "rate limit exceeded", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
				rec.Header().Set("Retry-After", fmt.Sprintf("%.0f", math.Ceil(delay.Seconds())))
				writeJSON(rec, http.StatusTooManyRequests, map[string]string{"error": http.StatusText(http.StatusTooManyRequests)})
				return
			}
		}

		err := fn(rec, r.WithContext(ctx))
		if err == nil {
			return
		}
		status := http.StatusInternalServerError
		var he *httpError
		switch {
		case errors.As(err, &he):
			status = he.status
		case errors.Is(err, store.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, context.Canceled):
			status = 499
		}
		h.tracer.RecordError(span, err)
		if status >= 500 {
			h.logger.ErrorContext(ctx, "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		} else {
			h.logger.DebugContext(ctx, "request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
		}
		writeJSON(rec, status, map[string]string{"error": err.Error()})
	})
}

func (h *Hub) limiterFor(r *http.Request) *rate.Limiter {
	if h.cfg.HTTPRate <= 0 {
		return nil
	}
	key := remoteHost(r)
	if item := h.limiters.Get(key); item != nil {
		return item.Value()
	}
	limiter := rate.NewLimiter(rate.Limit(h.cfg.HTTPRate), h.cfg.HTTPBurst)
	h.limiters.Set(key, limiter, time.Minute)
	return limiter
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	return nil
}

func requireParam(r *http.Request, name string) (string, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return "", badRequest("%s is required", name)
	}
	return v, nil
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) error {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		return &httpError{status: http.StatusServiceUnavailable, err: fmt.Errorf("store unavailable: %w", err)}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": h.Clients(),
		"roster":  len(h.Roster()),
	})
	return nil
}

func (h *Hub) handleHistory(w http.ResponseWriter, r *http.Request) error {
	sessionID, err := requireParam(r, "session_id")
	if err != nil {
		return err
	}
	limit := h.cfg.HistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return badRequest("limit must be a positive integer")
		}
		limit = min(n, h.cfg.HistoryLimit)
	}
	msgs, err := h.store.History(r.Context(), sessionID, limit)
	if err != nil {
		return err
	}
	if msgs == nil {
		msgs = []models.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
	return nil
}

func (h *Hub) handleListAlerts(w http.ResponseWriter, r *http.Request) error {
	ownerID, err := requireParam(r, "owner_id")
	if err != nil {
		return err
	}
	alerts, err := h.store.ListAlerts(r.Context(), ownerID)
	if err != nil {
		return err
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
	return nil
}

func (h *Hub) handleCreateAlert(w http.ResponseWriter, r *http.Request) error {
	var alert models.Alert
	if err := decodeBody(r, &alert); err != nil {
		return err
	}
	if err := alert.Validate(); err != nil {
		return badRequest("%v", err)
	}
	alert.Read = false
	created, err := h.store.CreateAlert(r.Context(), alert)
	if err != nil {
		return err
	}
	h.publishChange(models.ResourceAlerts, models.OperationCreated, created, nil)
	writeJSON(w, http.StatusCreated, created)
	return nil
}

func (h *Hub) handleDeleteAlert(w http.ResponseWriter, r *http.Request) error {
	old, err := h.store.DeleteAlert(r.Context(), r.PathValue("id"))
	if err != nil {
		return err
	}
	h.publishChange(models.ResourceAlerts, models.OperationDeleted, nil, old)
	writeJSON(w, http.StatusOK, old)
	return nil
}

type markAllReadRequest struct {
	OwnerID string `json:"owner_id"`
}

type markAllReadResponse struct {
	Updated int `json:"updated"`
}

// handleMarkAllRead flips every unread alert of the owner in one store call
// and publishes an update for each alert that changed.
func (h *Hub) handleMarkAllRead(w http.ResponseWriter, r *http.Request) error {
	var req markAllReadRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.OwnerID) == "" {
		return badRequest("owner_id is required")
	}
	before, err := h.store.ListAlerts(r.Context(), req.OwnerID)
	if err != nil {
		return err
	}
	n, err := h.store.MarkAllRead(r.Context(), req.OwnerID)
	if err != nil {
		return err
	}
	for _, a := range before {
		if a.Read {
			continue
		}
		old := a
		a.Read = true
		h.publishChange(models.ResourceAlerts, models.OperationUpdated, a, old)
	}
	writeJSON(w, http.StatusOK, markAllReadResponse{Updated: n})
	return nil
}
