package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apache/openwhisk-invoker-pool/internal/accountant"
	"github.com/apache/openwhisk-invoker-pool/internal/pool"
	"github.com/apache/openwhisk-invoker-pool/internal/sandboxdriver/fake"
	"github.com/apache/openwhisk-invoker-pool/internal/telemetry"
)

func newTestServer(t *testing.T) (*echo.Echo, *Handler) {
	t.Helper()
	drv := fake.New()
	acct := accountant.New(512)
	hooks := telemetry.New()
	p := pool.New(drv, acct, hooks, pool.Config{MemoryLimitMB: 512}, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	h := New(p, hooks, drv, zerolog.Nop())
	e := echo.New()
	h.RegisterRoutes(e)
	return e, h
}

func TestHealthzReportsOK(t *testing.T) {
	e, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPoolStatsReflectsEmptyPool(t *testing.T) {
	e, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/pool/stats", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"memory_limit":512`)
}

func TestMetricsExposesPrometheusFormat(t *testing.T) {
	e, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "invoker_pool_")
}

func TestDrainWithoutHookReturnsNotImplemented(t *testing.T) {
	e, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/pool/drain", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}
