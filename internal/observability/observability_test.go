package observability_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entity-registry/internal/observability"
)

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:54321"
	assert.Equal(t, "192.0.2.1", observability.ClientIP(req))

	req.Header.Set("X-Forwarded-For", " 203.0.113.5 , 10.0.0.1")
	assert.Equal(t, "203.0.113.5", observability.ClientIP(req))

	req.Header.Set("X-Forwarded-For", "not-an-ip, 10.0.0.1")
	assert.Equal(t, "192.0.2.1", observability.ClientIP(req))

	bare := httptest.NewRequest(http.MethodGet, "/", nil)
	bare.RemoteAddr = "198.51.100.7"
	assert.Equal(t, "198.51.100.7", observability.ClientIP(bare))
}

func TestLogErrorExpandsOopsContext(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLoggerTo(&buf)

	err := oops.Code("AUTH_STORE_FAILED").With("operation", "update credential").Wrap(errors.New("connection reset"))
	logger.LogError("request_failed", err, map[string]any{"path": "/auth/login"})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "request_failed", line["msg"])
	assert.Equal(t, "AUTH_STORE_FAILED", line["code"])
	assert.Equal(t, "/auth/login", line["path"])
	assert.Contains(t, line["error"], "connection reset")
}

func TestMetricsMiddleware(t *testing.T) {
	metrics := observability.NewMetrics()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := metrics.Middleware(mux)

	for _, path := range []string{"/health", "/health", "/nope", "/also-nope"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/health", "200")))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "404")))

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "http_requests_total"))
	assert.True(t, strings.Contains(rec.Body.String(), "go_goroutines"))
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := observability.RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = observability.RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(observability.RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(observability.RequestIDHeader, "req-from-gateway")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "req-from-gateway", seen)
	assert.Equal(t, "req-from-gateway", rec.Header().Get(observability.RequestIDHeader))
}

func TestRecoverMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLoggerTo(&buf)
	handler := observability.RequestIDMiddleware(observability.RecoverMiddleware(logger, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(observability.RequestIDHeader, "req-7")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, buf.String(), `"panic_recovered"`)
	assert.Contains(t, buf.String(), `"request_id":"req-7"`)
}

func TestScrubEvent(t *testing.T) {
	event := &sentry.Event{Request: &sentry.Request{
		URL:     "https://api.example.com/auth/login",
		Data:    `{"username_or_email":"bob","password":"hunter22"}`,
		Cookies: "session=abc",
		Headers: map[string]string{
			"authorization":   "Bearer eyJ...",
			"X-Session-Token": "raw-session-token",
			"User-Agent":      "curl/8",
		},
	}}

	scrubbed := observability.ScrubEvent(event, nil)
	require.NotNil(t, scrubbed)
	assert.Empty(t, scrubbed.Request.Data)
	assert.Empty(t, scrubbed.Request.Cookies)
	assert.Equal(t, "[redacted]", scrubbed.Request.Headers["authorization"])
	assert.Equal(t, "[redacted]", scrubbed.Request.Headers["X-Session-Token"])
	assert.Equal(t, "curl/8", scrubbed.Request.Headers["User-Agent"])

	assert.Nil(t, observability.ScrubEvent(nil, nil))
}
