// Package httpapi is the relay's public HTTP surface: storefront webhooks,
// browser endpoints for custom events and pending conversions, and the
// shop admin API.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"example.com/conversion-relay/internal/commerce"
	"example.com/conversion-relay/internal/customevent"
	"example.com/conversion-relay/internal/metrics"
	"example.com/conversion-relay/internal/payload"
	"example.com/conversion-relay/internal/pending"
	"example.com/conversion-relay/internal/tracking"
)

const clearPendingPath = "/pending/clear"

// Options carries the request-level limits and credentials.
type Options struct {
	HookKeys      map[string]struct{}
	MaxBodyBytes  int64
	PendingMaxAge time.Duration
}

type Server struct {
	pipeline *tracking.Pipeline
	events   *customevent.Router
	queue    *pending.Queue
	shop     http.Handler
	nonces   *Nonces
	metrics  *metrics.Metrics
	opts     Options
	logger   *slog.Logger
}

// NewServer wires the relay routes. shop may be nil when the admin API is
// not exposed.
func NewServer(pipeline *tracking.Pipeline, events *customevent.Router, queue *pending.Queue, shop http.Handler, nonces *Nonces, m *metrics.Metrics, opts Options, logger *slog.Logger) *Server {
	return &Server{
		pipeline: pipeline,
		events:   events,
		queue:    queue,
		shop:     shop,
		nonces:   nonces,
		metrics:  m,
		opts:     opts,
		logger:   logger,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(bodyLimit(s.opts.MaxBodyBytes))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Handle("/metrics", s.metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(withViewer)
		r.Get("/nonce", s.handleNonce)
		r.Post("/events/custom", s.handleCustomEvent)
		r.Get("/orders/{orderID}/thank-you", s.handleThankYou)
		r.Get("/pending/script", s.handlePendingScript)
		r.Post(clearPendingPath, s.handleClearPending)
	})

	r.Group(func(r chi.Router) {
		r.Use(requireHookKey(s.opts.HookKeys))
		r.Use(withViewer)
		r.Route("/hooks/orders/{orderID}", func(r chi.Router) {
			r.Post("/payment-complete", s.handlePaymentComplete)
			r.Post("/status", s.handleStatusHook)
		})
		if s.shop != nil {
			r.Mount("/shop", s.shop)
		}
	})

	return r
}

func (s *Server) handleNonce(w http.ResponseWriter, r *http.Request) {
	viewer := viewerFromContext(r.Context())
	out := map[string]any{
		ActionCustomEvent: s.nonces.Issue(ActionCustomEvent, viewer.UserID),
	}
	if !viewer.Anonymous() {
		out[ActionClearPending] = s.nonces.Issue(ActionClearPending, viewer.UserID)
	}
	writeJSON(w, http.StatusOK, out)
}

type customEventForm struct {
	EventName   string          `json:"event_name"`
	EventParams json.RawMessage `json:"event_params"`
	Nonce       string          `json:"nonce"`
}

func (s *Server) handleCustomEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	viewer := viewerFromContext(ctx)

	name, params, nonce, err := readCustomEvent(r)
	if err != nil {
		writeAjax(w, http.StatusBadRequest, false, map[string]any{
			"message": "Invalid request",
			"error":   err.Error(),
		})
		return
	}
	if nonce == "" {
		nonce = r.Header.Get("X-Relay-Nonce")
	}
	if !s.nonces.Verify(nonce, ActionCustomEvent, viewer.UserID) {
		writeAjax(w, http.StatusForbidden, false, map[string]any{
			"message": "Invalid nonce",
			"error":   "nonce",
		})
		return
	}

	out, err := s.events.Route(ctx, customevent.Request{
		EventName: name,
		RawParams: params,
		Identity:  viewer.Identity,
		ViewerID:  viewer.UserID,
	})
	var delivery *customevent.DeliveryError
	switch {
	case err == nil:
		writeAjax(w, http.StatusOK, true, out)
	case errors.Is(err, customevent.ErrValidation):
		writeAjax(w, http.StatusBadRequest, false, map[string]any{
			"message": "Event name is required",
			"error":   "validation",
		})
	case errors.As(err, &delivery):
		writeAjax(w, http.StatusBadGateway, false, map[string]any{
			"message": customevent.FailureMessage,
			"error":   delivery.Reason,
		})
	default:
		s.logger.Error("custom event failed", "event_name", name, "error", err)
		writeAjax(w, http.StatusInternalServerError, false, map[string]any{
			"message": customevent.FailureMessage,
			"error":   err.Error(),
		})
	}
}

// readCustomEvent accepts both the JSON body and the form encoding used by
// admin-ajax style callers.
func readCustomEvent(r *http.Request) (name, params, nonce string, err error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		var form customEventForm
		if err := json.NewDecoder(r.Body).Decode(&form); err != nil {
			return "", "", "", fmt.Errorf("invalid json: %w", err)
		}
		return form.EventName, rawParams(form.EventParams), form.Nonce, nil
	}
	if err := r.ParseForm(); err != nil {
		return "", "", "", fmt.Errorf("parse form: %w", err)
	}
	return r.PostForm.Get("event_name"), r.PostForm.Get("event_params"), r.PostForm.Get("nonce"), nil
}

// rawParams unwraps event_params sent as a JSON string and passes objects
// through untouched.
func rawParams(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func (s *Server) handlePaymentComplete(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	s.pipeline.OnPaymentComplete(r.Context(), id)
	writeJSON(w, http.StatusAccepted, map[string]any{"order_id": id, "accepted": true})
}

func (s *Server) handleStatusHook(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var body struct {
		OldStatus string `json:"old_status"`
		NewStatus string `json:"new_status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	t := commerce.StatusTransition{
		OrderID: id,
		From:    strings.TrimPrefix(strings.TrimSpace(body.OldStatus), "wc-"),
		To:      strings.TrimPrefix(strings.TrimSpace(body.NewStatus), "wc-"),
	}
	if t.To == "" {
		writeError(w, http.StatusBadRequest, "new_status is required")
		return
	}
	ctx := r.Context()
	s.pipeline.OnStatusChangedBy(ctx, t, viewerFromContext(ctx))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"order_id":   id,
		"old_status": t.From,
		"new_status": t.To,
		"accepted":   true,
	})
}

// handleThankYou renders the confirmation page snippets followed by the
// footer flush script. The order key must match; tracking problems never
// fail the page.
func (s *Server) handleThankYou(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	if err := s.pipeline.VerifyOrderKey(ctx, id, r.URL.Query().Get("key")); err != nil {
		switch {
		case errors.Is(err, tracking.ErrOrderKeyMismatch):
			writeError(w, http.StatusForbidden, "invalid order key")
		case errors.Is(err, payload.ErrInvalidOrder):
			writeError(w, http.StatusNotFound, "order not found")
		default:
			s.logger.Error("verify order key failed", "order_id", id, "error", err)
			writeHTML(w, "")
		}
		return
	}
	viewer := viewerFromContext(ctx)
	guest := pending.NewCookieHolder(w, r, s.opts.PendingMaxAge)

	page := s.pipeline.ThankYou(ctx, id, viewer, guest)
	footer := s.flushScript(r, viewer, guest)
	writeHTML(w, page.HTML()+footer)
}

func (s *Server) handlePendingScript(w http.ResponseWriter, r *http.Request) {
	viewer := viewerFromContext(r.Context())
	writeHTML(w, s.flushScript(r, viewer, pending.NewCookieHolder(w, r, s.opts.PendingMaxAge)))
}

func (s *Server) handleClearPending(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	viewer := viewerFromContext(ctx)
	if viewer.Anonymous() {
		writeAjax(w, http.StatusUnauthorized, false, "User not logged in")
		return
	}
	if !s.nonces.Verify(r.Header.Get("X-Relay-Nonce"), ActionClearPending, viewer.UserID) {
		writeAjax(w, http.StatusForbidden, false, "Invalid nonce")
		return
	}
	userID := strconv.FormatInt(viewer.UserID, 10)
	if err := s.queue.Clear(ctx, s.queue.ForUser(userID)); err != nil {
		s.logger.Error("clear pending conversions failed", "user_id", viewer.UserID, "error", err)
		writeAjax(w, http.StatusInternalServerError, false, "Failed to clear pending conversions")
		return
	}
	writeAjax(w, http.StatusOK, true, map[string]any{"cleared": true, "user_id": viewer.UserID})
}

// flushScript replays the viewer's pending conversions. A signed-in viewer
// also gets whatever was handed to their browser before logging in.
func (s *Server) flushScript(r *http.Request, viewer tracking.Viewer, guest pending.Holder) template.HTML {
	holders := []pending.Holder{guest}
	var token string
	if !viewer.Anonymous() {
		holders = []pending.Holder{s.queue.ForUser(strconv.FormatInt(viewer.UserID, 10)), guest}
		token = s.nonces.Issue(ActionClearPending, viewer.UserID)
	}
	script, err := s.pipeline.FlushScript(r.Context(), clearPendingPath, token, holders...)
	if err != nil {
		s.logger.Error("render flush script failed", "user_id", viewer.UserID, "error", err)
		return ""
	}
	return script
}

func orderIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "orderID must be a positive integer")
		return 0, false
	}
	return id, true
}

func writeHTML(w http.ResponseWriter, body template.HTML) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

// writeAjax uses the {success, data} envelope browsers expect.
func writeAjax(w http.ResponseWriter, status int, success bool, data any) {
	writeJSON(w, status, map[string]any{"success": success, "data": data})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": strings.TrimSpace(fmt.Sprintf(format, args...)),
			"status":  status,
		},
	})
}
