package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveDelivery("purchase", true, time.Millisecond)
		m.ObserveRefused("purchase", "not_configured")
		m.ObserveFlag("confirmed", true)
		m.ObservePending("enqueue", "user")
		m.ObserveCustomEvent("server", false)
	})
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.ObserveDelivery("purchase", true, 20*time.Millisecond)
	m.ObserveDelivery("purchase", false, 20*time.Millisecond)
	m.ObserveDelivery("purchase", true, 20*time.Millisecond)
	m.ObserveFlag("confirmed", false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.deliveries.WithLabelValues("purchase", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.flags.WithLabelValues("confirmed", "already_set")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `relay_collector_deliveries_total{event="purchase",outcome="failure"} 1`)
}
