package pending

import (
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/conversion-relay/internal/kvstore"
	"example.com/conversion-relay/internal/logging"
	"example.com/conversion-relay/internal/payload"
)

func record(id string, at time.Time) Record {
	price := 10.0
	return Record{
		EntityID: id,
		Payload: payload.Purchase{
			TransactionID: id,
			Value:         25,
			Currency:      "USD",
			Items:         []payload.Item{{ItemID: "5", ItemName: "Mug", Price: &price, Quantity: 2}},
		},
		TriggerSource: "payment_complete",
		CapturedAt:    at,
	}
}

func TestUserQueueFlushIsNonDestructiveAndOrdered(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(kvstore.NewMemoryStore(), nil, logging.Discard())
	h := q.ForUser("7")
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, q.Enqueue(ctx, h, record("30", base.Add(2*time.Minute))))
	require.NoError(t, q.Enqueue(ctx, h, record("10", base)))
	require.NoError(t, q.Enqueue(ctx, h, record("20", base.Add(time.Minute))))
	require.NoError(t, q.Enqueue(ctx, h, record("10", base)), "re-enqueue replaces")

	got, err := q.Flush(ctx, h)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"10", "20", "30"}, []string{got[0].EntityID, got[1].EntityID, got[2].EntityID})
	assert.Equal(t, "payment_complete", got[0].TriggerSource)

	again, err := q.Flush(ctx, h)
	require.NoError(t, err)
	assert.Len(t, again, 3)

	require.NoError(t, q.Clear(ctx, h))
	empty, err := q.Flush(ctx, h)
	require.NoError(t, err)
	assert.Empty(t, empty)

	other, err := q.Flush(ctx, q.ForUser("8"))
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestCookieHolderRoundTrip(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(kvstore.NewMemoryStore(), nil, logging.Discard())

	rec := httptest.NewRecorder()
	h := NewCookieHolder(rec, httptest.NewRequest(http.MethodGet, "/", nil), 30*time.Minute)
	require.NoError(t, q.Enqueue(ctx, h, record("41", time.Unix(1_700_000_000, 0).UTC())))

	inRequest, err := q.Flush(ctx, h)
	require.NoError(t, err)
	require.Len(t, inRequest, 1)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, CookieName, cookies[0].Name)
	assert.Equal(t, 1800, cookies[0].MaxAge)
	assert.False(t, cookies[0].HttpOnly)

	next := httptest.NewRequest(http.MethodGet, "/", nil)
	next.AddCookie(cookies[0])
	h2 := NewCookieHolder(httptest.NewRecorder(), next, 30*time.Minute)
	got, err := q.Flush(ctx, h2)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "41", got[0].EntityID)
	assert.Equal(t, 25.0, got[0].Payload.Value)
	require.NotNil(t, got[0].Payload.Items[0].Price)

	clearRec := httptest.NewRecorder()
	h3 := NewCookieHolder(clearRec, next, 30*time.Minute)
	require.NoError(t, q.Clear(ctx, h3))
	assert.Equal(t, -1, clearRec.Result().Cookies()[0].MaxAge)
}

func TestFlushAllMergesHoldersByEntity(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(kvstore.NewMemoryStore(), nil, logging.Discard())
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	user := q.ForUser("7")
	require.NoError(t, q.Enqueue(ctx, user, record("20", base.Add(time.Minute))))
	shared := record("10", base)
	shared.TriggerSource = "status_change"
	require.NoError(t, q.Enqueue(ctx, user, shared))

	guest := NewCookieHolder(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil), time.Hour)
	require.NoError(t, q.Enqueue(ctx, guest, record("10", base)))
	require.NoError(t, q.Enqueue(ctx, guest, record("5", base.Add(-time.Minute))))

	got, err := q.FlushAll(ctx, user, guest)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"5", "10", "20"}, []string{got[0].EntityID, got[1].EntityID, got[2].EntityID})
	assert.Equal(t, "status_change", got[1].TriggerSource, "first holder wins")
}

func TestCookieHolderRejectsGarbage(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: "not*base64"})
	_, err := NewCookieHolder(httptest.NewRecorder(), req, time.Minute).Load(context.Background())
	assert.Error(t, err)
}

func TestCookieHolderSizeLimit(t *testing.T) {
	ctx := context.Background()
	h := NewCookieHolder(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil), time.Minute)
	records := map[string]Record{}
	for i := 0; i < 60; i++ {
		r := record(strconv.Itoa(1000+i), time.Now())
		records[r.EntityID] = r
	}
	assert.ErrorIs(t, h.Save(ctx, records), ErrCookieTooLarge)
}

func TestEntityStash(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(kvstore.NewMemoryStore(), nil, logging.Discard())

	_, ok, err := q.ForEntity(ctx, "55")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, q.StashForEntity(ctx, record("55", time.Unix(1_700_000_000, 0).UTC())))
	got, ok, err := q.ForEntity(ctx, "55")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "55", got.Payload.TransactionID)
}

func TestSendTo(t *testing.T) {
	assert.Equal(t, "AW-123/abc", SendTo("123", "abc"))
	assert.Equal(t, "AW-123/abc", SendTo("AW-123", " abc "))
	assert.Empty(t, SendTo("123", ""))
	assert.Empty(t, SendTo("", "abc"))
}

func TestRenderFlushScript(t *testing.T) {
	base := time.Unix(1_700_000_000, 0).UTC()
	script, err := RenderFlushScript(FlushScript{
		SendTo:     "AW-123/abc",
		Records:    []Record{record("10", base), record("11", base.Add(time.Second))},
		ClearURL:   "/pending/clear",
		ClearToken: "tok",
	})
	require.NoError(t, err)
	s := string(script)

	assert.Contains(t, s, "gtag('event', calls[i].event, calls[i].params)")
	assert.Contains(t, s, `"transaction_id":"10"`)
	assert.Contains(t, s, `"transaction_id":"11"`)
	assert.Contains(t, s, `"event":"conversion"`)
	assert.Contains(t, s, "fetch(")
	assert.Contains(t, s, CookieName)
	assert.Regexp(t, regexp.MustCompile(`setTimeout\(run,\s*1000\s*\)`), s)
	assert.Regexp(t, regexp.MustCompile(`setTimeout\(run,\s*2000\s*\)`), s)
	assert.Regexp(t, regexp.MustCompile(`attempts <\s*10\s*\)`), s)
}

func TestRenderFlushScriptAnonymousHasNoClearRequest(t *testing.T) {
	script, err := RenderFlushScript(FlushScript{SendTo: "AW-1/x", Records: []Record{record("1", time.Now())}})
	require.NoError(t, err)
	assert.NotContains(t, string(script), "fetch(")
	assert.Contains(t, string(script), "document.cookie")
}

func TestRenderFlushScriptEmpty(t *testing.T) {
	script, err := RenderFlushScript(FlushScript{SendTo: "AW-1/x"})
	require.NoError(t, err)
	assert.Empty(t, script)

	script, err = RenderFlushScript(FlushScript{Records: []Record{record("1", time.Now())}})
	require.NoError(t, err)
	assert.Empty(t, script, "no label, no script")
}

func TestRenderConversionScript(t *testing.T) {
	script, err := RenderConversionScript("AW-1/x", record("77", time.Now()).Payload)
	require.NoError(t, err)
	s := string(script)
	assert.Contains(t, s, `"transaction_id":"77"`)
	assert.Regexp(t, regexp.MustCompile(`setTimeout\(run,\s*500\s*\)`), s)
	assert.NotContains(t, s, "document.cookie")

	script, err = RenderConversionScript("", record("77", time.Now()).Payload)
	require.NoError(t, err)
	assert.Empty(t, script)
}
