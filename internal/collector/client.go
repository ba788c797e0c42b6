// Package collector posts events to the GA4 Measurement Protocol endpoint.
package collector

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
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"example.com/conversion-relay/internal/identity"
	"example.com/conversion-relay/internal/metrics"
)

var (
	// ErrNotConfigured means the measurement id or api secret is missing.
	ErrNotConfigured = errors.New("collector not configured")
	// ErrInvalidPayload means the payload failed validation before sending.
	ErrInvalidPayload = errors.New("invalid collector payload")
	// ErrTransport covers network failures and non-2xx responses.
	ErrTransport = errors.New("collector transport error")
)

const (
	collectPath               = "/mp/collect"
	defaultEngagementTimeMsec = 100
	maxLoggedBody             = 2048
)

var measurementIDPattern = regexp.MustCompile(`(?i)^G-[A-Z0-9]+$`)

// ValidMeasurementID reports whether id looks like a GA4 measurement id.
func ValidMeasurementID(id string) bool {
	return measurementIDPattern.MatchString(id)
}

// Event is one entry of the events array.
type Event struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params"`
}

// Payload is the Measurement Protocol request body.
type Payload struct {
	ClientID        string  `json:"client_id"`
	UserID          string  `json:"user_id,omitempty"`
	TimestampMicros string  `json:"timestamp_micros,omitempty"`
	Events          []Event `json:"events"`
}

// SendContext carries what the caller knows about the event beyond its
// parameters.
type SendContext struct {
	Identity identity.Request
	// UserID is used verbatim when set.
	UserID string
	// ViewerID is the logged-in account making the request, if any.
	ViewerID int64
	// CustomerID is the order's customer, used when there is no viewer.
	CustomerID     int64
	OrderID        string
	OrderCreatedAt time.Time
	Timestamp      time.Time
}

// TransformInput is what a Transform sees besides the payload.
type TransformInput struct {
	EventName string
	Params    map[string]any
	Context   SendContext
}

// Transform rewrites the assembled payload right before it is sent.
type Transform func(Payload, TransformInput) Payload

// Result describes the outcome of one delivery.
type Result struct {
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	StatusCode int    `json:"code,omitempty"`
	Body       string `json:"body,omitempty"`
	// Err wraps one of the package sentinel errors on failure.
	Err error `json:"-"`
}

type Config struct {
	MeasurementID string
	APISecret     string
	// BaseURL is the collector origin, e.g. https://www.google-analytics.com.
	BaseURL string
	Timeout time.Duration
}

// Client sends events synchronously. It never retries.
type Client struct {
	cfg        Config
	httpClient *http.Client
	resolver   *identity.Resolver
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time

	mu         sync.RWMutex
	transforms []Transform
}

// NewClient configures a collector client. A malformed measurement id is
// logged but does not disable the client.
func NewClient(cfg Config, resolver *identity.Resolver, m *metrics.Metrics, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MeasurementID != "" && !ValidMeasurementID(cfg.MeasurementID) {
		logger.Warn("invalid measurement id format, expected G-XXXXXXXXXX", "measurement_id", cfg.MeasurementID)
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		resolver: resolver,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// Configured reports whether both the measurement id and api secret are set.
func (c *Client) Configured() bool {
	return strings.TrimSpace(c.cfg.MeasurementID) != "" && strings.TrimSpace(c.cfg.APISecret) != ""
}

// Use appends a transform. Transforms run in registration order.
func (c *Client) Use(t Transform) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transforms = append(c.transforms, t)
}

// Send assembles a single-event payload and posts it.
func (c *Client) Send(ctx context.Context, eventName string, params map[string]any, sc SendContext) Result {
	if !c.Configured() {
		return c.refuse(eventName, "not_configured", fmt.Errorf("%w: measurement id and api secret are required", ErrNotConfigured))
	}

	ident := c.resolver.Resolve(sc.Identity)

	enhanced := make(map[string]any, len(params)+2)
	enhanced["engagement_time_msec"] = defaultEngagementTimeMsec
	for k, v := range params {
		enhanced[k] = v
	}
	if ident.SessionID != nil {
		enhanced["session_id"] = *ident.SessionID
	}

	p := Payload{
		ClientID:        ident.ClientID,
		UserID:          userID(sc),
		TimestampMicros: c.timestampMicros(sc),
		Events:          []Event{{Name: eventName, Params: enhanced}},
	}

	c.mu.RLock()
	transforms := append([]Transform(nil), c.transforms...)
	c.mu.RUnlock()
	in := TransformInput{EventName: eventName, Params: params, Context: sc}
	for _, t := range transforms {
		p = t(p, in)
	}

	return c.SendPayload(ctx, p)
}

// SendPayload validates and posts a fully assembled payload.
func (c *Client) SendPayload(ctx context.Context, p Payload) Result {
	eventName := ""
	if len(p.Events) > 0 {
		eventName = p.Events[0].Name
	}
	if !c.Configured() {
		return c.refuse(eventName, "not_configured", fmt.Errorf("%w: measurement id and api secret are required", ErrNotConfigured))
	}
	if err := validate(p); err != nil {
		return c.refuse(eventName, "invalid", err)
	}

	body, err := json.Marshal(p)
	if err != nil {
		return c.refuse(eventName, "invalid", fmt.Errorf("%w: encode: %v", ErrInvalidPayload, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return c.refuse(eventName, "invalid", fmt.Errorf("%w: build request: %v", ErrTransport, err))
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.ObserveDelivery(eventName, false, time.Since(start))
		c.logger.Error("collector request failed", "event_name", eventName, "error_class", "transport", "error", err)
		return Result{Error: err.Error(), Err: fmt.Errorf("%w: %v", ErrTransport, err)}
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxLoggedBody))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.metrics.ObserveDelivery(eventName, false, time.Since(start))
		c.logger.Error("collector rejected event",
			"event_name", eventName,
			"error_class", "http_status",
			"status", resp.StatusCode,
			"body", string(respBody),
		)
		return Result{
			Error:      "HTTP " + strconv.Itoa(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
			Err:        fmt.Errorf("%w: collector responded with %s", ErrTransport, resp.Status),
		}
	}

	c.metrics.ObserveDelivery(eventName, true, time.Since(start))
	c.logger.Debug("collector accepted event", "event_name", eventName, "status", resp.StatusCode)
	return Result{Success: true, StatusCode: resp.StatusCode}
}

func (c *Client) refuse(eventName, reason string, err error) Result {
	c.metrics.ObserveRefused(eventName, reason)
	c.logger.Error("collector send refused", "event_name", eventName, "error_class", reason, "error", err)
	return Result{Error: err.Error(), Err: err}
}

func (c *Client) endpoint() string {
	q := url.Values{}
	q.Set("measurement_id", c.cfg.MeasurementID)
	q.Set("api_secret", c.cfg.APISecret)
	return c.cfg.BaseURL + collectPath + "?" + q.Encode()
}

func (c *Client) timestampMicros(sc SendContext) string {
	switch {
	case !sc.OrderCreatedAt.IsZero():
		return strconv.FormatInt(sc.OrderCreatedAt.Unix()*1_000_000, 10)
	case !sc.Timestamp.IsZero():
		return strconv.FormatInt(sc.Timestamp.Unix()*1_000_000, 10)
	default:
		return strconv.FormatInt(c.now().UnixMicro(), 10)
	}
}

// userID never returns a bare account id.
func userID(sc SendContext) string {
	switch {
	case sc.UserID != "":
		return sc.UserID
	case sc.ViewerID > 0:
		return "user_" + strconv.FormatInt(sc.ViewerID, 10)
	case sc.CustomerID > 0:
		return "user_" + strconv.FormatInt(sc.CustomerID, 10)
	}
	return ""
}

func validate(p Payload) error {
	if strings.TrimSpace(p.ClientID) == "" {
		return fmt.Errorf("%w: missing client_id", ErrInvalidPayload)
	}
	if len(p.Events) == 0 {
		return fmt.Errorf("%w: no events", ErrInvalidPayload)
	}
	for i, e := range p.Events {
		if strings.TrimSpace(e.Name) == "" {
			return fmt.Errorf("%w: event %d has no name", ErrInvalidPayload, i)
		}
	}
	return nil
}
