package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tribixbite/stoatcord-bridge/internal/metrics"
)

func getCounterValue(t *testing.T, counter *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	c, err := counter.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	_ = c.(prometheus.Metric).Write(m)
	return m.GetCounter().GetValue()
}

func getGaugeValue(t *testing.T, gauge prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	_ = gauge.(prometheus.Metric).Write(m)
	return m.GetGauge().GetValue()
}

func getHistogramCount(t *testing.T, hist *prometheus.HistogramVec, labels ...string) uint64 {
	t.Helper()
	m := &dto.Metric{}
	o, err := hist.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	_ = o.(prometheus.Metric).Write(m)
	return m.GetHistogram().GetSampleCount()
}

func TestHTTPMiddleware_RecordsRequestMetrics(t *testing.T) {
	handler := metrics.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	server := httptest.NewServer(handler)
	defer server.Close()

	beforeCount := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/other", "200")
	beforeHistCount := getHistogramCount(t, metrics.HTTPRequestDuration, "GET", "/other")

	resp, err := http.Get(server.URL + "/some/asset.js")
	require.NoError(t, err)
	_ = resp.Body.Close()

	afterCount := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/other", "200")
	afterHistCount := getHistogramCount(t, metrics.HTTPRequestDuration, "GET", "/other")

	assert.Equal(t, float64(1), afterCount-beforeCount)
	assert.Equal(t, uint64(1), afterHistCount-beforeHistCount)
}

func TestHTTPMiddleware_NormalizesPaths(t *testing.T) {
	handler := metrics.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	server := httptest.NewServer(handler)
	defer server.Close()

	beforeAPI := getCounterValue(t, metrics.HTTPRequestsTotal, "POST", "/api/push/register", "200")
	req, _ := http.NewRequest("POST", server.URL+"/api/push/register", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	afterAPI := getCounterValue(t, metrics.HTTPRequestsTotal, "POST", "/api/push/register", "200")
	assert.Equal(t, float64(1), afterAPI-beforeAPI)

	beforeMetrics := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/metrics", "200")
	resp, err = http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	afterMetrics := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/metrics", "200")
	assert.Equal(t, float64(1), afterMetrics-beforeMetrics)

	beforeOther := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/other", "200")
	resp, err = http.Get(server.URL + "/favicon.ico")
	require.NoError(t, err)
	_ = resp.Body.Close()
	afterOther := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/other", "200")
	assert.Equal(t, float64(1), afterOther-beforeOther)
}

func TestHTTPMiddleware_Records404(t *testing.T) {
	handler := metrics.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	server := httptest.NewServer(handler)
	defer server.Close()

	beforeCount := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/other", "404")

	resp, err := http.Get(server.URL + "/nonexistent")
	require.NoError(t, err)
	_ = resp.Body.Close()

	afterCount := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/other", "404")
	assert.Equal(t, float64(1), afterCount-beforeCount)
}

func TestGatewayStateGauge(t *testing.T) {
	before := getGaugeValue(t, metrics.GatewayState.WithLabelValues("source"))
	metrics.GatewayState.WithLabelValues("source").Set(2)
	after := getGaugeValue(t, metrics.GatewayState.WithLabelValues("source"))
	assert.Equal(t, float64(2), after-before)
	metrics.GatewayState.WithLabelValues("source").Set(0)
}

func TestRelayedMessagesCounter(t *testing.T) {
	before := getCounterValue(t, metrics.RelayedMessagesTotal, "s->t", "ok")
	metrics.RelayedMessagesTotal.WithLabelValues("s->t", "ok").Inc()
	after := getCounterValue(t, metrics.RelayedMessagesTotal, "s->t", "ok")
	assert.Equal(t, float64(1), after-before)
}

func TestEchoGuardHitsCounter(t *testing.T) {
	before := getCounterValue(t, metrics.EchoGuardHitsTotal, "bridged")
	metrics.EchoGuardHitsTotal.WithLabelValues("bridged").Inc()
	after := getCounterValue(t, metrics.EchoGuardHitsTotal, "bridged")
	assert.Equal(t, float64(1), after-before)
}

func TestPushSentCounter(t *testing.T) {
	before := getCounterValue(t, metrics.PushSentTotal, "fcm", "ok")
	metrics.PushSentTotal.WithLabelValues("fcm", "ok").Inc()
	after := getCounterValue(t, metrics.PushSentTotal, "fcm", "ok")
	assert.Equal(t, float64(1), after-before)
}

func TestMetricsRegistered(t *testing.T) {
	count, err := testutil.GatherAndCount(prometheus.DefaultGatherer)
	require.NoError(t, err)
	assert.Greater(t, count, 0, "should have registered metrics")
}
