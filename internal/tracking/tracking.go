// Package tracking reacts to order lifecycle events and decides how each
// purchase reaches the analytics collector: server to server, or through
// the browser via the pending queue.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"example.com/conversion-relay/internal/collector"
	"example.com/conversion-relay/internal/commerce"
	"example.com/conversion-relay/internal/identity"
	"example.com/conversion-relay/internal/payload"
)

// Viewer is whoever triggered the current request.
type Viewer struct {
	UserID   int64
	Roles    []string
	Identity identity.Request
}

func (v Viewer) Anonymous() bool { return v.UserID <= 0 }

// Outcome summarises what a tracker did with a trigger.
type Outcome string

const (
	OutcomeSent             Outcome = "sent"
	OutcomeFailed           Outcome = "failed"
	OutcomeAlreadyConfirmed Outcome = "already_confirmed"
	OutcomeAlreadyPrepared  Outcome = "already_prepared"
	OutcomeExcluded         Outcome = "excluded"
	OutcomeDisabled         Outcome = "disabled"
	OutcomeIgnored          Outcome = "ignored"
	OutcomeQueued           Outcome = "queued"
)

// Sender is the part of the collector client used by trackers.
type Sender interface {
	Configured() bool
	Send(ctx context.Context, eventName string, params map[string]any, sc collector.SendContext) collector.Result
}

// entityID is the idempotency key of an order.
func entityID(orderID int64) string {
	return strconv.FormatInt(orderID, 10)
}

// paidTransition is true only when an order enters a paid status from an
// unpaid one.
func paidTransition(t commerce.StatusTransition) bool {
	return commerce.IsPaidStatus(t.To) && !commerce.IsPaidStatus(t.From)
}

// loadPurchase resolves the order and its purchase parameters.
func loadPurchase(ctx context.Context, catalog payload.Catalog, builder *payload.Builder, orderID int64) (commerce.Order, payload.Purchase, error) {
	order, err := catalog.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, commerce.ErrNotFound) {
			return commerce.Order{}, payload.Purchase{}, fmt.Errorf("order %d: %w", orderID, payload.ErrInvalidOrder)
		}
		return commerce.Order{}, payload.Purchase{}, fmt.Errorf("load order %d: %w", orderID, err)
	}
	return order, builder.PurchaseFromOrder(ctx, order, payload.PageContext{}), nil
}
