package tracking

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/conversion-relay/internal/collector"
	"example.com/conversion-relay/internal/commerce"
	"example.com/conversion-relay/internal/config"
	"example.com/conversion-relay/internal/guard"
	"example.com/conversion-relay/internal/kvstore"
	"example.com/conversion-relay/internal/logging"
	"example.com/conversion-relay/internal/payload"
	"example.com/conversion-relay/internal/pending"
	"example.com/conversion-relay/internal/sqliteutil"
)

type fakeSender struct {
	mu       sync.Mutex
	calls    []map[string]any
	contexts []collector.SendContext
	fail     bool
}

func (f *fakeSender) Configured() bool { return true }

func (f *fakeSender) Send(_ context.Context, eventName string, params map[string]any, sc collector.SendContext) collector.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, params)
	f.contexts = append(f.contexts, sc)
	if f.fail {
		return collector.Result{Error: "HTTP 500", StatusCode: 500, Err: collector.ErrTransport}
	}
	return collector.Result{Success: true, StatusCode: 204}
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type env struct {
	shop     *commerce.Store
	kv       kvstore.Store
	guard    *guard.Guard
	queue    *pending.Queue
	sender   *fakeSender
	pipeline *Pipeline
	product  commerce.Product
}

func newEnv(t *testing.T, settings config.Settings) *env {
	t.Helper()
	ctx := context.Background()
	db, err := sqliteutil.Open(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	shop := commerce.NewStore(db)
	require.NoError(t, shop.Init(ctx))
	product, err := shop.CreateProduct(ctx, commerce.Product{Name: "Mug", RegularPrice: 12, SalePrice: 10})
	require.NoError(t, err)

	logger := logging.Discard()
	kv := kvstore.NewMemoryStore()
	g := guard.New(kv, nil)
	queue := pending.NewQueue(kv, nil, logger)
	builder := payload.NewBuilder(shop, "Demo Shop", logger)
	sender := &fakeSender{}

	e := &env{shop: shop, kv: kv, guard: g, queue: queue, sender: sender, product: product}
	e.pipeline = NewPipeline(
		NewServerSide(settings, g, shop, builder, sender, logger),
		NewConversion(settings, g, shop, builder, queue, kv, logger),
		NewPageTracker(settings, g, builder, logger),
		queue,
		logger,
	)
	return e
}

func (e *env) order(t *testing.T, customerID int64) commerce.Order {
	t.Helper()
	o, err := e.shop.CreateOrder(context.Background(), commerce.NewOrder{
		CustomerID: customerID,
		Items:      []commerce.NewOrderItem{{ProductID: e.product.ID, Quantity: 2}},
	})
	require.NoError(t, err)
	return o
}

func serverSettings() config.Settings {
	return config.Settings{MeasurementID: "G-TEST1", APISecret: "s", ServerSideTracking: true, PurchaseEvent: true}
}

func adsSettings() config.Settings {
	return config.Settings{MeasurementID: "G-TEST1", PurchaseEvent: true, AdsConversionID: "123", AdsPurchaseLabel: "abc"}
}

func TestServerSideDeliversAtMostOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, serverSettings())
	o := e.order(t, 5)
	srv := e.pipeline.Server

	out, err := srv.OnStatusChanged(ctx, commerce.StatusTransition{OrderID: o.ID, From: "pending", To: "processing"}, Viewer{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, out)

	out, err = srv.OnStatusChanged(ctx, commerce.StatusTransition{OrderID: o.ID, From: "on-hold", To: "completed"}, Viewer{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyConfirmed, out)

	out, err = srv.TrackPurchase(ctx, o.ID, Viewer{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyConfirmed, out)

	require.Equal(t, 1, e.sender.count())
	params := e.sender.calls[0]
	assert.Equal(t, o.OrderNumber, params["transaction_id"])
	items := params["items"].([]payload.Item)
	require.Len(t, items, 1)
	assert.Nil(t, items[0].Discount, "server-side items carry no discount")
	assert.Equal(t, int64(5), e.sender.contexts[0].CustomerID)
	assert.Equal(t, o.CreatedAt.Unix(), e.sender.contexts[0].OrderCreatedAt.Unix())

	confirmed, err := e.guard.IsConfirmed(ctx, entityID(o.ID))
	require.NoError(t, err)
	assert.True(t, confirmed)
}

func TestServerSideFailureLeavesRoomForRetry(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, serverSettings())
	o := e.order(t, 0)
	e.sender.fail = true

	out, err := e.pipeline.Server.TrackPurchase(ctx, o.ID, Viewer{})
	assert.Error(t, err)
	assert.ErrorIs(t, err, collector.ErrTransport)
	assert.Equal(t, OutcomeFailed, out)
	confirmed, err := e.guard.IsConfirmed(ctx, entityID(o.ID))
	require.NoError(t, err)
	assert.False(t, confirmed)

	e.sender.fail = false
	out, err = e.pipeline.Server.OnStatusChanged(ctx, commerce.StatusTransition{OrderID: o.ID, From: "failed", To: "processing"}, Viewer{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, out)
	assert.Equal(t, 2, e.sender.count())
	confirmed, err = e.guard.IsConfirmed(ctx, entityID(o.ID))
	require.NoError(t, err)
	assert.True(t, confirmed)
}

func TestPaidToPaidTransitionDoesNotFire(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, serverSettings())
	o := e.order(t, 0)

	out, err := e.pipeline.Server.OnStatusChanged(ctx, commerce.StatusTransition{OrderID: o.ID, From: "processing", To: "completed"}, Viewer{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out)
	out, err = e.pipeline.Server.OnStatusChanged(ctx, commerce.StatusTransition{OrderID: o.ID, From: "pending", To: "cancelled"}, Viewer{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out)
	assert.Zero(t, e.sender.count())
}

func TestServerSideExcludedRoleAndDisabled(t *testing.T) {
	ctx := context.Background()
	settings := serverSettings()
	settings.ExcludedRoles = []string{"administrator"}
	e := newEnv(t, settings)
	o := e.order(t, 0)

	out, err := e.pipeline.Server.TrackPurchase(ctx, o.ID, Viewer{UserID: 1, Roles: []string{"administrator"}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeExcluded, out)
	assert.Zero(t, e.sender.count())

	off := newEnv(t, adsSettings())
	out, err = off.pipeline.Server.TrackPurchase(ctx, off.order(t, 0).ID, Viewer{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDisabled, out)
}

func TestServerSideUnknownOrder(t *testing.T) {
	e := newEnv(t, serverSettings())
	out, err := e.pipeline.Server.TrackPurchase(context.Background(), 4040, Viewer{})
	assert.ErrorIs(t, err, payload.ErrInvalidOrder)
	assert.Equal(t, OutcomeFailed, out)
	assert.Zero(t, e.sender.count())
}

func TestConversionCapturedOnceAcrossTriggers(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, adsSettings())
	o := e.order(t, 9)
	conv := e.pipeline.Conversion

	out, err := conv.OnPaymentComplete(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, out)

	out, err = conv.OnStatusChanged(ctx, commerce.StatusTransition{OrderID: o.ID, From: "pending", To: "processing"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyPrepared, out)

	res, err := conv.OnThankYou(ctx, o.ID, Viewer{UserID: 9}, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Script)

	records, err := e.queue.Flush(ctx, e.queue.ForUser("9"))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, TriggerPaymentComplete, records[0].TriggerSource)
	assert.Equal(t, o.OrderNumber, records[0].Payload.TransactionID)

	stashed, ok, err := e.queue.ForEntity(ctx, entityID(o.ID))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, records[0].EntityID, stashed.EntityID)
}

func TestThankYouWinsPrepareRunsImmediately(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, adsSettings())
	o := e.order(t, 0)

	res, err := e.pipeline.Conversion.OnThankYou(ctx, o.ID, Viewer{}, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, res.Outcome)
	assert.Contains(t, string(res.Script), "AW-123/abc")

	again, err := e.pipeline.Conversion.OnThankYou(ctx, o.ID, Viewer{}, nil)
	require.NoError(t, err)
	assert.Empty(t, again.Script)

	out, err := e.pipeline.Conversion.OnPaymentComplete(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyPrepared, out)
}

func TestGuestThankYouReceivesCapturedRecordOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, adsSettings())
	o := e.order(t, 0)

	_, err := e.pipeline.Conversion.OnPaymentComplete(ctx, o.ID)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	holder := pending.NewCookieHolder(rec, httptest.NewRequest(http.MethodGet, "/", nil), 30*time.Minute)
	res, err := e.pipeline.Conversion.OnThankYou(ctx, o.ID, Viewer{}, holder)
	require.NoError(t, err)
	assert.True(t, res.HandedToAnonymous)
	assert.Empty(t, res.Script)

	script, err := e.pipeline.FlushScript(ctx, "/pending/clear", "tok", holder)
	require.NoError(t, err)
	assert.Contains(t, string(script), `"transaction_id":"`+o.OrderNumber+`"`)
	assert.NotContains(t, string(script), "fetch(")
	require.NotEmpty(t, rec.Result().Cookies())

	second := pending.NewCookieHolder(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil), 30*time.Minute)
	res, err = e.pipeline.Conversion.OnThankYou(ctx, o.ID, Viewer{}, second)
	require.NoError(t, err)
	assert.False(t, res.HandedToAnonymous)
}

// flakyHolder fails its first saveFailures Save calls.
type flakyHolder struct {
	pending.Holder
	saveFailures int
}

func (h *flakyHolder) Save(ctx context.Context, records map[string]pending.Record) error {
	if h.saveFailures > 0 {
		h.saveFailures--
		return errors.New("cookie write failed")
	}
	return h.Holder.Save(ctx, records)
}

func TestGuestHandOffRetriedAfterSaveFailure(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, adsSettings())
	o := e.order(t, 0)

	_, err := e.pipeline.Conversion.OnPaymentComplete(ctx, o.ID)
	require.NoError(t, err)

	broken := &flakyHolder{
		Holder:       pending.NewCookieHolder(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil), 30*time.Minute),
		saveFailures: 1,
	}
	res, err := e.pipeline.Conversion.OnThankYou(ctx, o.ID, Viewer{}, broken)
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.False(t, res.HandedToAnonymous)

	holder := pending.NewCookieHolder(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil), 30*time.Minute)
	res, err = e.pipeline.Conversion.OnThankYou(ctx, o.ID, Viewer{}, holder)
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, res.Outcome)
	assert.True(t, res.HandedToAnonymous)

	records, err := e.queue.Flush(ctx, holder)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, entityID(o.ID), records[0].EntityID)
}

func TestGuestHandOffTooLargeForCookieRunsInline(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, adsSettings())

	lines := make([]commerce.NewOrderItem, 0, 60)
	for i := 0; i < 60; i++ {
		p, err := e.shop.CreateProduct(ctx, commerce.Product{
			Name:         "Handmade ceramic breakfast bowl, glazed, set " + strconv.Itoa(i),
			RegularPrice: 20,
		})
		require.NoError(t, err)
		lines = append(lines, commerce.NewOrderItem{ProductID: p.ID, Quantity: 1})
	}
	o, err := e.shop.CreateOrder(ctx, commerce.NewOrder{Items: lines})
	require.NoError(t, err)

	_, err = e.pipeline.Conversion.OnPaymentComplete(ctx, o.ID)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	holder := pending.NewCookieHolder(rec, httptest.NewRequest(http.MethodGet, "/", nil), 30*time.Minute)
	res, err := e.pipeline.Conversion.OnThankYou(ctx, o.ID, Viewer{}, holder)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, res.Outcome)
	assert.False(t, res.HandedToAnonymous)
	assert.Contains(t, string(res.Script), "AW-123/abc")
	assert.Empty(t, rec.Result().Cookies())
}

func TestVerifyOrderKey(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, adsSettings())
	o := e.order(t, 0)

	require.NoError(t, e.pipeline.VerifyOrderKey(ctx, o.ID, o.OrderKey))
	assert.ErrorIs(t, e.pipeline.VerifyOrderKey(ctx, o.ID, ""), ErrOrderKeyMismatch)
	assert.ErrorIs(t, e.pipeline.VerifyOrderKey(ctx, o.ID, o.OrderKey+"x"), ErrOrderKeyMismatch)
	assert.ErrorIs(t, e.pipeline.VerifyOrderKey(ctx, o.ID+100, o.OrderKey), payload.ErrInvalidOrder)
}

func TestPipelineStatusChangeHonoursActorRoles(t *testing.T) {
	ctx := context.Background()
	settings := serverSettings()
	settings.ExcludedRoles = []string{"administrator"}
	e := newEnv(t, settings)
	o := e.order(t, 5)

	e.pipeline.OnStatusChanged(ctx, commerce.StatusTransition{
		OrderID: o.ID, From: "pending", To: "completed",
		By: commerce.Actor{UserID: 1, Roles: []string{"administrator"}},
	})
	assert.Equal(t, 0, e.sender.count())

	e.pipeline.OnStatusChanged(ctx, commerce.StatusTransition{
		OrderID: o.ID, From: "on-hold", To: "processing",
		By: commerce.Actor{UserID: 2, Roles: []string{"shop_manager"}},
	})
	assert.Equal(t, 1, e.sender.count())
}

func TestConversionDisabledWithoutAdsID(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, serverSettings())
	o := e.order(t, 3)

	out, err := e.pipeline.Conversion.OnPaymentComplete(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDisabled, out)
	prepared, err := e.guard.IsPrepared(ctx, entityID(o.ID))
	require.NoError(t, err)
	assert.False(t, prepared)
}

func TestPagePurchaseScript(t *testing.T) {
	ctx := context.Background()

	client := newEnv(t, adsSettings())
	o := client.order(t, 0)
	script, err := client.pipeline.Page.PurchaseScript(ctx, o.ID)
	require.NoError(t, err)
	assert.Contains(t, string(script), `"event":"purchase"`)

	_, err = client.guard.MarkConfirmed(ctx, entityID(o.ID))
	require.NoError(t, err)
	script, err = client.pipeline.Page.PurchaseScript(ctx, o.ID)
	require.NoError(t, err)
	assert.Empty(t, script, "already confirmed server-side")

	server := newEnv(t, serverSettings())
	script, err = server.pipeline.Page.PurchaseScript(ctx, server.order(t, 0).ID)
	require.NoError(t, err)
	assert.Empty(t, script)

	noEvent := adsSettings()
	noEvent.PurchaseEvent = false
	off := newEnv(t, noEvent)
	script, err = off.pipeline.Page.PurchaseScript(ctx, off.order(t, 0).ID)
	require.NoError(t, err)
	assert.Empty(t, script)
}

func TestPipelineDispatchesToBothTrackers(t *testing.T) {
	ctx := context.Background()
	settings := serverSettings()
	settings.AdsConversionID = "123"
	settings.AdsPurchaseLabel = "abc"
	e := newEnv(t, settings)
	o := e.order(t, 11)

	e.pipeline.OnStatusChanged(ctx, commerce.StatusTransition{OrderID: o.ID, From: "pending", To: "processing"})

	assert.Equal(t, 1, e.sender.count())
	prepared, err := e.guard.IsPrepared(ctx, entityID(o.ID))
	require.NoError(t, err)
	assert.True(t, prepared)

	script, err := e.pipeline.FlushScript(ctx, "/pending/clear", "tok", e.queue.ForUser("11"))
	require.NoError(t, err)
	assert.Contains(t, string(script), "fetch(")
	assert.Contains(t, string(script), "AW-123/abc")
}
