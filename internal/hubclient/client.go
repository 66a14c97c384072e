// Package hubclient calls the hub's HTTP API. It backs the chat history
// and alert stores used by the live chat and alert center clients.
package hubclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/livewire/internal/backoff"
	"github.com/haasonsaas/livewire/internal/observability"
	"github.com/haasonsaas/livewire/pkg/models"
)

// ErrNotFound is returned when the hub answers 404.
var ErrNotFound = errors.New("hubclient: not found")

// StatusError is a non-2xx answer from the hub.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("hub returned %d", e.Status)
	}
	return fmt.Sprintf("hub returned %d: %s", e.Status, e.Message)
}

// Client talks to one hub.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	retry      backoff.Policy
	tracer     *observability.Tracer
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithRetryPolicy sets the policy for retrying transient failures.
func WithRetryPolicy(policy backoff.Policy) Option {
	return func(c *Client) {
		c.retry = policy
	}
}

// WithTracer sets the tracer whose context is propagated to the hub.
func WithTracer(tracer *observability.Tracer) Option {
	return func(c *Client) {
		c.tracer = tracer
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a client for the hub at baseURL, for example
// "http://localhost:8080".
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid hub URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid hub URL %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		baseURL:    u,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		retry: backoff.Policy{
			Initial:    200 * time.Millisecond,
			Max:        2 * time.Second,
			MaxRetries: 3,
			Jitter:     0.2,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.retry.Validate(); err != nil {
		return nil, err
	}
	c.logger = c.logger.With("component", "hubclient")
	return c, nil
}

// History returns up to limit of the newest messages in a session, oldest
// first. A limit of zero lets the hub pick its default.
func (c *Client) History(ctx context.Context, sessionID string, limit int) ([]models.ChatMessage, error) {
	q := url.Values{"session_id": {sessionID}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var msgs []models.ChatMessage
	if err := c.do(ctx, http.MethodGet, "/api/chat/history", q, nil, &msgs); err != nil {
		return nil, err
	}
	for i := range msgs {
		msgs[i].Delivery = models.DeliveryConfirmed
	}
	return msgs, nil
}

// ListAlerts returns the owner's alerts, newest first.
func (c *Client) ListAlerts(ctx context.Context, ownerID string) ([]models.Alert, error) {
	var alerts []models.Alert
	err := c.do(ctx, http.MethodGet, "/api/alerts", url.Values{"owner_id": {ownerID}}, nil, &alerts)
	return alerts, err
}

// CreateAlert stores a new alert and returns it with its id and timestamp.
func (c *Client) CreateAlert(ctx context.Context, alert models.Alert) (models.Alert, error) {
	var created models.Alert
	err := c.do(ctx, http.MethodPost, "/api/alerts", nil, alert, &created)
	return created, err
}

// DeleteAlert removes an alert and returns the deleted row.
func (c *Client) DeleteAlert(ctx context.Context, id string) (models.Alert, error) {
	var old models.Alert
	err := c.do(ctx, http.MethodDelete, "/api/alerts/"+url.PathEscape(id), nil, nil, &old)
	return old, err
}

// MarkAllRead marks every unread alert of the owner as read with a single
// request and returns how many changed.
func (c *Client) MarkAllRead(ctx context.Context, ownerID string) (int, error) {
	var out struct {
		Updated int `json:"updated"`
	}
	err := c.do(ctx, http.MethodPost, "/api/alerts/read-all", nil, map[string]string{"owner_id": ownerID}, &out)
	return out.Updated, err
}

// do sends one API call. Network errors and 5xx/429 answers are retried
// under the client's policy; other failures return at once.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	u := c.baseURL.JoinPath(path)
	u.RawQuery = query.Encode()
	target := u.String()

	return observability.WithSpan(ctx, c.tracer, "hubclient."+method+" "+path, func(ctx context.Context, _ trace.Span) error {
		data, err := backoff.Retry(ctx, c.retry, func(attempt int) ([]byte, error) {
			if attempt > 0 {
				c.logger.DebugContext(ctx, "retrying hub request", "method", method, "path", path, "attempt", attempt)
			}
			return c.roundTrip(ctx, method, target, payload)
		})
		if err != nil {
			return err
		}
		if out == nil || len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s %s response: %w", method, path, err)
		}
		return nil
	})
}

func (c *Client) roundTrip(ctx context.Context, method, target string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.tracer.InjectHTTP(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}

	statusErr := &StatusError{Status: resp.StatusCode, Message: errorMessage(data)}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, backoff.Permanent(fmt.Errorf("%w: %w", ErrNotFound, statusErr))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, statusErr
	default:
		return nil, backoff.Permanent(statusErr)
	}
}

func errorMessage(data []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(data))
}
