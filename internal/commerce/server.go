package commerce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

// Actor is the signed-in account behind an admin request, as forwarded by
// the storefront in X-User-ID and X-User-Roles.
type Actor struct {
	UserID int64
	Roles  []string
}

// StatusTransition describes an order moving from one status to another.
type StatusTransition struct {
	OrderID int64
	From    string
	To      string
	By      Actor
}

// OrderListener is notified about order lifecycle events raised through the
// shop admin API. The tracking pipeline is the production implementation.
type OrderListener interface {
	OnPaymentComplete(ctx context.Context, orderID int64)
	OnStatusChanged(ctx context.Context, t StatusTransition)
}

// Server exposes the shop admin API used to seed the catalog and drive
// orders through their lifecycle.
type Server struct {
	store    *Store
	listener OrderListener
	logger   *slog.Logger
}

// NewServer builds a server backed by the provided store. listener may be nil.
func NewServer(store *Store, listener OrderListener, logger *slog.Logger) *Server {
	return &Server{store: store, listener: listener, logger: logger}
}

// Router wires the shop routes. It is meant to be mounted under /shop.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/categories", s.handleCreateCategory)
	r.Post("/products", s.handleCreateProduct)
	r.Route("/products/{productID}", func(r chi.Router) {
		r.Get("/", s.handleGetProduct)
		r.Get("/variations", s.handleListVariations)
	})

	r.Post("/orders", s.handleCreateOrder)
	r.Post("/orders/random", s.handleRandomOrder)
	r.Route("/orders/{orderID}", func(r chi.Router) {
		r.Get("/", s.handleGetOrder)
		r.Post("/status", s.handleUpdateStatus)
		r.Post("/pay", s.handlePay)
	})

	return r
}

func (s *Server) handleCreateCategory(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	cat, err := s.store.CreateCategory(r.Context(), payload.Name)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, cat)
}

func (s *Server) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var payload Product
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	p, err := s.store.CreateProduct(r.Context(), payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "productID")
	if !ok {
		return
	}
	p, err := s.store.GetProduct(r.Context(), id)
	if err != nil {
		handleNotFound(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListVariations(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "productID")
	if !ok {
		return
	}
	vars, err := s.store.ListVariations(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list variations: %v", err)
		return
	}
	if vars == nil {
		vars = []Product{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"variations": vars})
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var payload NewOrder
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	order, err := s.store.CreateOrder(r.Context(), payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("order created", "order_id", order.ID, "status", order.Status, "total", order.Total)
	writeJSON(w, http.StatusCreated, order)
}

func (s *Server) handleRandomOrder(w http.ResponseWriter, r *http.Request) {
	customerID := int64(parseIntDefault(r.URL.Query().Get("customer_id"), 0))
	order, err := s.store.CreateRandomOrder(r.Context(), customerID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("random order created", "order_id", order.ID, "items", len(order.Items))
	writeJSON(w, http.StatusCreated, order)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "orderID")
	if !ok {
		return
	}
	order, err := s.store.GetOrder(r.Context(), id)
	if err != nil {
		handleNotFound(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "orderID")
	if !ok {
		return
	}
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	status := strings.TrimPrefix(strings.TrimSpace(payload.Status), "wc-")
	if !ValidStatus(status) {
		writeError(w, http.StatusBadRequest, "unknown order status %q", payload.Status)
		return
	}
	ctx := r.Context()
	old, err := s.store.UpdateOrderStatus(ctx, id, status)
	if err != nil {
		handleNotFound(w, err)
		return
	}
	t := StatusTransition{OrderID: id, From: old, To: status, By: actorFromRequest(r)}
	s.logger.Info("order status changed", "order_id", id, "from", old, "to", status)
	if s.listener != nil && old != status {
		s.listener.OnStatusChanged(ctx, t)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order_id":   id,
		"old_status": old,
		"new_status": status,
	})
}

// handlePay marks the order as paid the way a payment gateway would:
// payment-complete fires first, then the move to processing. Orders that
// are already paid are left alone.
func (s *Server) handlePay(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "orderID")
	if !ok {
		return
	}
	ctx := r.Context()
	old, changed, err := s.store.PayOrder(ctx, id)
	if err != nil {
		handleNotFound(w, err)
		return
	}
	if !changed {
		s.logger.Info("order already paid", "order_id", id, "status", old)
		writeJSON(w, http.StatusOK, map[string]any{
			"order_id":     id,
			"old_status":   old,
			"new_status":   old,
			"already_paid": true,
		})
		return
	}
	s.logger.Info("order paid", "order_id", id, "from", old)
	if s.listener != nil {
		s.listener.OnPaymentComplete(ctx, id)
		s.listener.OnStatusChanged(ctx, StatusTransition{OrderID: id, From: old, To: StatusProcessing, By: actorFromRequest(r)})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order_id":   id,
		"old_status": old,
		"new_status": StatusProcessing,
	})
}

func actorFromRequest(r *http.Request) Actor {
	var a Actor
	if id, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get("X-User-ID")), 10, 64); err == nil && id > 0 {
		a.UserID = id
	}
	for _, role := range strings.Split(r.Header.Get("X-User-Roles"), ",") {
		if role = strings.TrimSpace(role); role != "" {
			a.Roles = append(a.Roles, role)
		}
	}
	return a
}

func idParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "%s must be a positive integer", name)
		return 0, false
	}
	return id, true
}

func parseIntDefault(v string, fallback int) int {
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
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

func handleNotFound(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
