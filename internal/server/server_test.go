package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyclob/internal/domain"
	"github.com/alanyoungcy/polyclob/internal/server/handler"
	"github.com/alanyoungcy/polyclob/internal/server/middleware"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type countingLimiter struct {
	mu    sync.Mutex
	calls int
	allow int
}

func (l *countingLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return l.calls <= l.allow, nil
}

func newTestServer(cfg Config) http.Handler {
	logger := discardLogger()
	return NewServer(cfg, Handlers{
		Health: handler.NewHealthHandler(nil, logger),
		Status: handler.NewStatusHandler("trade", "0xabc", time.Now()),
	}, nil, logger).Handler()
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuth(t *testing.T) {
	h := newTestServer(Config{APIKey: "sekret"})

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer sekret")
	assert.Equal(t, http.StatusOK, serve(h, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("X-API-Key", "wrong")
	assert.Equal(t, http.StatusUnauthorized, serve(h, req).Code)

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "health is public")
}

func TestRequestID(t *testing.T) {
	h := newTestServer(Config{})

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set(middleware.RequestIDHeader, "req-1")
	rec = serve(h, req)
	assert.Equal(t, "req-1", rec.Header().Get(middleware.RequestIDHeader))
}

func TestRateLimitOnlyMutations(t *testing.T) {
	limiter := &countingLimiter{allow: 1}
	h := newTestServer(Config{Limiter: limiter, RateLimit: 1, RateWindow: time.Second})

	for range 3 {
		assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest(http.MethodGet, "/api/health", nil)).Code)
	}
	assert.Equal(t, 0, limiter.calls)

	rec := serve(h, httptest.NewRequest(http.MethodPost, "/api/orders", nil))
	assert.NotEqual(t, http.StatusTooManyRequests, rec.Code)
	rec = serve(h, httptest.NewRequest(http.MethodPost, "/api/orders", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestCORSPreflight(t *testing.T) {
	h := newTestServer(Config{CORSOrigins: []string{"http://localhost:3000"}, APIKey: "sekret"})

	req := httptest.NewRequest(http.MethodOptions, "/api/orders", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := serve(h, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/orders", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = serve(h, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

type memAudit []domain.AuditEntry

func (m memAudit) Log(context.Context, string, map[string]any) error { return nil }

func (m memAudit) List(context.Context, domain.AuditFilter) ([]domain.AuditEntry, error) {
	return m, nil
}

func TestAuditRoute(t *testing.T) {
	rec := serve(newTestServer(Config{}), httptest.NewRequest(http.MethodGet, "/api/audit", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code, "no route without an audit store")

	logger := discardLogger()
	audit := memAudit{{ID: 1, Event: "order.placed", CreatedAt: time.Unix(1700000000, 0)}}
	h := NewServer(Config{}, Handlers{Audit: handler.NewAuditHandler(audit, logger)}, nil, logger).Handler()
	rec = serve(h, httptest.NewRequest(http.MethodGet, "/api/audit?event=order.", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"event":"order.placed"`)
}

func TestRunShutsDownOnCancel(t *testing.T) {
	srv := NewServer(Config{Port: 0}, Handlers{Health: handler.NewHealthHandler(nil, discardLogger())}, nil, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
