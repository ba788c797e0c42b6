package tracking

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"html/template"
	"log/slog"

	"example.com/conversion-relay/internal/commerce"
	"example.com/conversion-relay/internal/payload"
	"example.com/conversion-relay/internal/pending"
)

// Pipeline fans order events out to every tracker. Tracker failures are
// logged and never surface to the storefront.
type Pipeline struct {
	Server     *ServerSide
	Conversion *Conversion
	Page       *PageTracker
	Queue      *pending.Queue
	logger     *slog.Logger
}

func NewPipeline(server *ServerSide, conversion *Conversion, page *PageTracker, queue *pending.Queue, logger *slog.Logger) *Pipeline {
	return &Pipeline{Server: server, Conversion: conversion, Page: page, Queue: queue, logger: logger}
}

// OnPaymentComplete implements commerce.OrderListener.
func (p *Pipeline) OnPaymentComplete(ctx context.Context, orderID int64) {
	outcome, err := p.Conversion.OnPaymentComplete(ctx, orderID)
	p.report("payment_complete", orderID, "conversion", outcome, err)
}

// OnStatusChanged implements commerce.OrderListener. The shop API's actor
// stands in for the viewer.
func (p *Pipeline) OnStatusChanged(ctx context.Context, t commerce.StatusTransition) {
	p.OnStatusChangedBy(ctx, t, Viewer{UserID: t.By.UserID, Roles: t.By.Roles})
}

func (p *Pipeline) OnStatusChangedBy(ctx context.Context, t commerce.StatusTransition, viewer Viewer) {
	outcome, err := p.Server.OnStatusChanged(ctx, t, viewer)
	p.report("status_change", t.OrderID, "server", outcome, err)
	outcome, err = p.Conversion.OnStatusChanged(ctx, t)
	p.report("status_change", t.OrderID, "conversion", outcome, err)
}

// ErrOrderKeyMismatch is returned when a confirmation page is requested
// without the order's key.
var ErrOrderKeyMismatch = errors.New("order key mismatch")

// VerifyOrderKey checks that key belongs to orderID. Confirmation pages
// must only render for the browser that placed the order.
func (p *Pipeline) VerifyOrderKey(ctx context.Context, orderID int64, key string) error {
	order, err := p.Conversion.catalog.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, commerce.ErrNotFound) {
			return fmt.Errorf("%w: order %d not found", payload.ErrInvalidOrder, orderID)
		}
		return fmt.Errorf("load order %d: %w", orderID, err)
	}
	if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(order.OrderKey)) != 1 {
		return ErrOrderKeyMismatch
	}
	return nil
}

// ThankYouPage holds the snippets for the order confirmation page.
type ThankYouPage struct {
	Purchase   template.HTML
	Conversion template.HTML
	Queued     bool
}

func (p ThankYouPage) HTML() template.HTML {
	return p.Purchase + p.Conversion
}

// ThankYou returns the scripts for the confirmation page. Errors from one
// tracker do not prevent the other from rendering.
func (p *Pipeline) ThankYou(ctx context.Context, orderID int64, viewer Viewer, holder pending.Holder) ThankYouPage {
	var page ThankYouPage

	script, err := p.Page.PurchaseScript(ctx, orderID)
	if err != nil {
		p.report("thank_you", orderID, "page", OutcomeFailed, err)
	}
	page.Purchase = script

	res, err := p.Conversion.OnThankYou(ctx, orderID, viewer, holder)
	p.report("thank_you", orderID, "conversion", res.Outcome, err)
	page.Conversion = res.Script
	page.Queued = res.HandedToAnonymous
	return page
}

// FlushScript renders the footer script replaying queued conversions held
// by any of holders. clearURL and token are only used when one of them is a
// user scope; the anonymous cookie is always expired by the script.
func (p *Pipeline) FlushScript(ctx context.Context, clearURL, token string, holders ...pending.Holder) (template.HTML, error) {
	if !p.Conversion.Enabled() {
		return "", nil
	}
	records, err := p.Queue.FlushAll(ctx, holders...)
	if err != nil {
		return "", fmt.Errorf("flush pending conversions: %w", err)
	}
	fs := pending.FlushScript{SendTo: p.Conversion.SendTo(), Records: records}
	for _, h := range holders {
		if h.Scope().Kind == pending.ScopeUser {
			fs.ClearURL = clearURL
			fs.ClearToken = token
		}
	}
	return pending.RenderFlushScript(fs)
}

func (p *Pipeline) report(trigger string, orderID int64, tracker string, outcome Outcome, err error) {
	if err != nil {
		p.logger.Error("tracker failed",
			"trigger", trigger,
			"tracker", tracker,
			"order_id", orderID,
			"outcome", outcome,
			"error_class", errorClass(err),
			"error", err,
		)
		return
	}
	p.logger.Debug("tracker finished", "trigger", trigger, "tracker", tracker, "order_id", orderID, "outcome", outcome)
}
