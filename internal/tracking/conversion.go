package tracking

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"strconv"
	"time"

	"example.com/conversion-relay/internal/commerce"
	"example.com/conversion-relay/internal/config"
	"example.com/conversion-relay/internal/guard"
	"example.com/conversion-relay/internal/kvstore"
	"example.com/conversion-relay/internal/payload"
	"example.com/conversion-relay/internal/pending"
)

// Trigger sources recorded on pending conversions.
const (
	TriggerPaymentComplete = "payment_complete"
	TriggerStatusChange    = "status_change"
	TriggerThankYou        = "thank_you"
)

// Conversion captures Google Ads purchase conversions for delivery from the
// browser. Whichever trigger builds the payload first claims the prepared
// flag; later triggers only redistribute what was captured.
type Conversion struct {
	settings config.Settings
	sendTo   string
	guard    *guard.Guard
	catalog  payload.Catalog
	builder  *payload.Builder
	queue    *pending.Queue
	store    kvstore.Store
	logger   *slog.Logger
	now      func() time.Time
}

func NewConversion(settings config.Settings, g *guard.Guard, catalog payload.Catalog, builder *payload.Builder, queue *pending.Queue, store kvstore.Store, logger *slog.Logger) *Conversion {
	return &Conversion{
		settings: settings,
		sendTo:   pending.SendTo(settings.AdsConversionID, settings.AdsPurchaseLabel),
		guard:    g,
		catalog:  catalog,
		builder:  builder,
		queue:    queue,
		store:    store,
		logger:   logger,
		now:      time.Now,
	}
}

// Enabled is true once an Ads conversion id is configured.
func (c *Conversion) Enabled() bool {
	return c.settings.AdsConversionID != ""
}

// SendTo is the Ads conversion target, empty without a purchase label.
func (c *Conversion) SendTo() string {
	return c.sendTo
}

func (c *Conversion) OnPaymentComplete(ctx context.Context, orderID int64) (Outcome, error) {
	return c.prepare(ctx, orderID, TriggerPaymentComplete)
}

func (c *Conversion) OnStatusChanged(ctx context.Context, t commerce.StatusTransition) (Outcome, error) {
	if !paidTransition(t) {
		return OutcomeIgnored, nil
	}
	return c.prepare(ctx, t.OrderID, TriggerStatusChange)
}

// prepare builds the payload and, if this call claims the prepared flag,
// stashes it on the order and in the customer's queue.
func (c *Conversion) prepare(ctx context.Context, orderID int64, trigger string) (Outcome, error) {
	if !c.Enabled() {
		return OutcomeDisabled, nil
	}
	id := entityID(orderID)
	prepared, err := c.guard.IsPrepared(ctx, id)
	if err != nil {
		return OutcomeFailed, err
	}
	if prepared {
		return OutcomeAlreadyPrepared, nil
	}

	order, purchase, err := loadPurchase(ctx, c.catalog, c.builder, orderID)
	if err != nil {
		c.logger.Error("conversion payload failed", "order_id", orderID, "trigger_source", trigger, "error_class", errorClass(err), "error", err)
		return OutcomeFailed, err
	}

	won, err := c.guard.TryPrepare(ctx, id)
	if err != nil {
		return OutcomeFailed, err
	}
	if !won {
		return OutcomeAlreadyPrepared, nil
	}

	rec := pending.Record{
		EntityID:      id,
		Payload:       purchase,
		TriggerSource: trigger,
		CapturedAt:    c.now().UTC(),
	}
	if err := c.queue.StashForEntity(ctx, rec); err != nil {
		return OutcomeFailed, err
	}
	if order.CustomerID > 0 {
		h := c.queue.ForUser(strconv.FormatInt(order.CustomerID, 10))
		if err := c.queue.Enqueue(ctx, h, rec); err != nil {
			return OutcomeFailed, err
		}
	}
	c.logger.Info("conversion captured", "order_id", orderID, "trigger_source", trigger, "customer_id", order.CustomerID)
	return OutcomeQueued, nil
}

// ThankYouResult is what the thank-you page should do for the conversion.
type ThankYouResult struct {
	Outcome Outcome
	// Script runs the conversion immediately in the browser.
	Script template.HTML
	// HandedToAnonymous is set when the captured record was moved into the
	// anonymous holder for the footer flush.
	HandedToAnonymous bool
}

// OnThankYou runs when the order confirmation page renders. holder is the
// viewer's anonymous container and is only used for guests.
func (c *Conversion) OnThankYou(ctx context.Context, orderID int64, viewer Viewer, holder pending.Holder) (ThankYouResult, error) {
	if !c.Enabled() {
		return ThankYouResult{Outcome: OutcomeDisabled}, nil
	}
	id := entityID(orderID)

	prepared, err := c.guard.IsPrepared(ctx, id)
	if err != nil {
		return ThankYouResult{Outcome: OutcomeFailed}, err
	}
	if !prepared {
		_, purchase, err := loadPurchase(ctx, c.catalog, c.builder, orderID)
		if err != nil {
			return ThankYouResult{Outcome: OutcomeFailed}, err
		}
		won, err := c.guard.TryPrepare(ctx, id)
		if err != nil {
			return ThankYouResult{Outcome: OutcomeFailed}, err
		}
		if won {
			script, err := pending.RenderConversionScript(c.sendTo, purchase)
			if err != nil {
				return ThankYouResult{Outcome: OutcomeFailed}, err
			}
			c.logger.Info("conversion executed on thank-you page", "order_id", orderID)
			return ThankYouResult{Outcome: OutcomeSent, Script: script}, nil
		}
	}

	if !viewer.Anonymous() || holder == nil {
		return ThankYouResult{Outcome: OutcomeAlreadyPrepared}, nil
	}
	rec, ok, err := c.queue.ForEntity(ctx, id)
	if err != nil || !ok {
		return ThankYouResult{Outcome: OutcomeAlreadyPrepared}, err
	}
	// Only the first guest render of the page receives the record. The
	// marker is released again when the hand-off does not happen.
	marker := kvstore.EntityKey(id, "pending_handed")
	first, err := c.store.SetIfAbsent(ctx, marker, strconv.FormatInt(c.now().Unix(), 10))
	if err != nil || !first {
		return ThankYouResult{Outcome: OutcomeAlreadyPrepared}, err
	}
	err = c.queue.Enqueue(ctx, holder, rec)
	if err == nil {
		return ThankYouResult{Outcome: OutcomeQueued, HandedToAnonymous: true}, nil
	}
	if errors.Is(err, pending.ErrCookieTooLarge) {
		// The record does not fit the anonymous container; run it on this page.
		script, rerr := pending.RenderConversionScript(c.sendTo, rec.Payload)
		if rerr == nil {
			c.logger.Warn("pending conversion too large for cookie, executed inline", "order_id", orderID, "items", len(rec.Payload.Items))
			return ThankYouResult{Outcome: OutcomeSent, Script: script}, nil
		}
		err = rerr
	}
	if derr := c.store.Delete(ctx, marker); derr != nil {
		c.logger.Error("release hand-off marker failed", "order_id", orderID, "error", derr)
	}
	return ThankYouResult{Outcome: OutcomeFailed}, fmt.Errorf("hand off pending conversion: %w", err)
}
