package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"example.com/conversion-relay/internal/collector"
	"example.com/conversion-relay/internal/commerce"
	"example.com/conversion-relay/internal/config"
	"example.com/conversion-relay/internal/guard"
	"example.com/conversion-relay/internal/payload"
)

// ServerSide reports purchases straight to the collector when an order is
// paid. The confirmed flag is only written after the collector accepted
// the event, so a failed delivery is retried by the next trigger.
type ServerSide struct {
	settings config.Settings
	guard    *guard.Guard
	catalog  payload.Catalog
	builder  *payload.Builder
	sender   Sender
	logger   *slog.Logger
}

func NewServerSide(settings config.Settings, g *guard.Guard, catalog payload.Catalog, builder *payload.Builder, sender Sender, logger *slog.Logger) *ServerSide {
	return &ServerSide{
		settings: settings,
		guard:    g,
		catalog:  catalog,
		builder:  builder,
		sender:   sender,
		logger:   logger,
	}
}

// Enabled reports whether server-side delivery is switched on and usable.
func (s *ServerSide) Enabled() bool {
	return s.settings.ServerSideTracking && s.sender.Configured()
}

// OnStatusChanged tracks the purchase when the order becomes paid.
func (s *ServerSide) OnStatusChanged(ctx context.Context, t commerce.StatusTransition, viewer Viewer) (Outcome, error) {
	if !s.Enabled() {
		return OutcomeDisabled, nil
	}
	if !paidTransition(t) {
		return OutcomeIgnored, nil
	}
	return s.TrackPurchase(ctx, t.OrderID, viewer)
}

// TrackPurchase sends the purchase event for orderID unless it was already
// confirmed or the viewer is excluded.
func (s *ServerSide) TrackPurchase(ctx context.Context, orderID int64, viewer Viewer) (Outcome, error) {
	if !s.Enabled() {
		return OutcomeDisabled, nil
	}
	id := entityID(orderID)
	confirmed, err := s.guard.IsConfirmed(ctx, id)
	if err != nil {
		return OutcomeFailed, err
	}
	if confirmed {
		return OutcomeAlreadyConfirmed, nil
	}
	if !viewer.Anonymous() && s.settings.IsExcluded(viewer.Roles) {
		s.logger.Debug("purchase not tracked for excluded role", "order_id", orderID, "roles", viewer.Roles)
		return OutcomeExcluded, nil
	}

	order, purchase, err := loadPurchase(ctx, s.catalog, s.builder, orderID)
	if err != nil {
		s.logger.Error("server-side purchase payload failed", "order_id", orderID, "error_class", errorClass(err), "error", err)
		return OutcomeFailed, err
	}

	res := s.sender.Send(ctx, "purchase", serverParams(purchase), collector.SendContext{
		Identity:       viewer.Identity,
		CustomerID:     order.CustomerID,
		OrderID:        id,
		OrderCreatedAt: order.CreatedAt,
	})
	if !res.Success {
		s.logger.Error("server-side purchase delivery failed", "order_id", orderID, "error_class", "delivery", "error", res.Error)
		return OutcomeFailed, fmt.Errorf("deliver purchase for order %d: %w", orderID, res.Err)
	}

	set, err := s.guard.MarkConfirmed(ctx, id)
	if err != nil {
		s.logger.Error("confirm purchase failed", "order_id", orderID, "error", err)
		return OutcomeSent, err
	}
	if !set {
		s.logger.Warn("purchase confirmed concurrently by another trigger", "order_id", orderID)
	}
	s.logger.Info("server-side purchase tracked", "order_id", orderID, "value", purchase.Value, "currency", purchase.Currency)
	return OutcomeSent, nil
}

// serverParams drops item discounts, which the collector endpoint ignores.
func serverParams(p payload.Purchase) map[string]any {
	items := make([]payload.Item, len(p.Items))
	for i, it := range p.Items {
		it.Discount = nil
		items[i] = it
	}
	p.Items = items
	return p.Params()
}

func errorClass(err error) string {
	switch {
	case errors.Is(err, payload.ErrInvalidOrder):
		return "data"
	case errors.Is(err, collector.ErrNotConfigured):
		return "configuration"
	case errors.Is(err, collector.ErrTransport):
		return "transport"
	default:
		return "internal"
	}
}
