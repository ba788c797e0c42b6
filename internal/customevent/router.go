// Package customevent routes ad hoc browser events either to the collector
// or back to the browser for client-side delivery.
package customevent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"example.com/conversion-relay/internal/collector"
	"example.com/conversion-relay/internal/identity"
	"example.com/conversion-relay/internal/metrics"
)

// ErrValidation is returned when the event name is missing.
var ErrValidation = errors.New("event name is required")

// FailureMessage is reported to the browser when server-side delivery fails.
const FailureMessage = "Failed to track custom event"

const (
	TrackedServer = "server"
	TrackedClient = "client"
)

// DeliveryError carries the collector failure reason.
type DeliveryError struct {
	Reason string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("track custom event: %s", e.Reason)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Outcome tells the browser where the event went.
type Outcome struct {
	Tracked string         `json:"tracked"`
	Data    map[string]any `json:"data"`
}

// Sender is the collector surface used by the router.
type Sender interface {
	Send(ctx context.Context, eventName string, params map[string]any, sc collector.SendContext) collector.Result
}

type Router struct {
	serverSide bool
	sender     Sender
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

func NewRouter(serverSide bool, sender Sender, m *metrics.Metrics, logger *slog.Logger) *Router {
	return &Router{serverSide: serverSide, sender: sender, metrics: m, logger: logger}
}

// Request is one custom event submitted by a browser.
type Request struct {
	EventName string
	// RawParams is the event_params JSON document. Anything that does not
	// decode to an object is treated as empty.
	RawParams string
	Identity  identity.Request
	ViewerID  int64
}

func (r *Router) Route(ctx context.Context, req Request) (Outcome, error) {
	name := SanitizeText(req.EventName)
	if name == "" {
		return Outcome{}, ErrValidation
	}

	data, _ := Sanitize(decodeParams(req.RawParams), 0).(map[string]any)
	if data == nil {
		data = map[string]any{}
	}

	if !r.serverSide {
		r.metrics.ObserveCustomEvent(TrackedClient, true)
		return Outcome{Tracked: TrackedClient, Data: data}, nil
	}

	res := r.sender.Send(ctx, name, data, collector.SendContext{
		Identity: req.Identity,
		ViewerID: req.ViewerID,
	})
	r.metrics.ObserveCustomEvent(TrackedServer, res.Success)
	if !res.Success {
		reason := res.Error
		if reason == "" {
			reason = "Unknown error"
		}
		r.logger.Error("custom event delivery failed", "event_name", name, "error_class", "delivery", "error", reason)
		return Outcome{}, &DeliveryError{Reason: reason, Err: res.Err}
	}
	return Outcome{Tracked: TrackedServer, Data: data}, nil
}

func decodeParams(raw string) any {
	if raw == "" {
		return map[string]any{}
	}
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return map[string]any{}
	}
	if _, ok := decoded.(map[string]any); !ok {
		return map[string]any{}
	}
	return decoded
}
