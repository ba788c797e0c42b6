package tracking

import (
	"context"
	"html/template"
	"log/slog"

	"example.com/conversion-relay/internal/config"
	"example.com/conversion-relay/internal/guard"
	"example.com/conversion-relay/internal/payload"
	"example.com/conversion-relay/internal/pending"
)

// PageTracker renders the browser-side GA4 purchase event on the order
// confirmation page.
type PageTracker struct {
	settings config.Settings
	guard    *guard.Guard
	builder  *payload.Builder
	logger   *slog.Logger
}

func NewPageTracker(settings config.Settings, g *guard.Guard, builder *payload.Builder, logger *slog.Logger) *PageTracker {
	return &PageTracker{settings: settings, guard: g, builder: builder, logger: logger}
}

// PurchaseScript returns nothing when server-side tracking owns the order.
func (p *PageTracker) PurchaseScript(ctx context.Context, orderID int64) (template.HTML, error) {
	if !p.settings.PurchaseEvent || p.settings.ServerSideTracking {
		return "", nil
	}
	confirmed, err := p.guard.IsConfirmed(ctx, entityID(orderID))
	if err != nil {
		return "", err
	}
	if confirmed {
		return "", nil
	}
	purchase, err := p.builder.BuildPurchase(ctx, orderID, payload.PageContext{})
	if err != nil {
		return "", err
	}
	return pending.RenderEventScript("purchase", purchase.Params())
}
