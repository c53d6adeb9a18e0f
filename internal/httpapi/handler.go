// Package httpapi exposes the operator-facing HTTP surface over the
// container pool: stats, manual eviction, health, Prometheus metrics, and
// a websocket stream of live pool stats. Routing follows the teacher's
// echo.Echo + gorilla/websocket handler style.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/apache/openwhisk-invoker-pool/internal/pool"
	"github.com/apache/openwhisk-invoker-pool/internal/sandboxdriver"
	"github.com/apache/openwhisk-invoker-pool/internal/telemetry"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler wires the pool, its telemetry, and the underlying driver's
// health check into HTTP routes.
type Handler struct {
	pool   *pool.Pool
	hooks  *telemetry.Hooks
	driver sandboxdriver.Driver
	log    zerolog.Logger

	// OnDrainRequested, if set, is invoked asynchronously each time an
	// operator posts to /pool/drain — the process wrapper uses this to
	// kick off the same graceful shutdown path a SIGTERM would trigger,
	// so the `drain` CLI subcommand can drive a remote invoker the same
	// way an orchestrator's preStop hook would.
	OnDrainRequested func()
}

// New creates a Handler.
func New(p *pool.Pool, hooks *telemetry.Hooks, driver sandboxdriver.Driver, log zerolog.Logger) *Handler {
	return &Handler{pool: p, hooks: hooks, driver: driver, log: log}
}

// RegisterRoutes mounts every operator route on e.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.healthz)
	e.GET("/metrics", echo.WrapHandler(h.hooks.Handler()))
	e.GET("/pool/stats", h.poolStats)
	e.POST("/pool/evict", h.poolEvict)
	e.POST("/pool/drain", h.poolDrain)
	e.GET("/pool/stream", h.poolStream)
}

func (h *Handler) healthz(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()
	if err := h.driver.Healthy(ctx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func statsPayload(s pool.Stats) map[string]any {
	return map[string]any{
		"free":         s.Free,
		"busy":         s.Busy,
		"prewarm":      s.Prewarm,
		"memory_used":  s.MemoryUsed,
		"memory_limit": s.MemoryLimit,
	}
}

func (h *Handler) poolStats(c echo.Context) error {
	return c.JSON(http.StatusOK, statsPayload(h.pool.Stats()))
}

type evictRequest struct {
	TargetMB int64 `json:"target_mb"`
}

func (h *Handler) poolEvict(c echo.Context) error {
	var req evictRequest
	if err := c.Bind(&req); err != nil || req.TargetMB <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "target_mb must be positive")
	}
	reclaimed := h.pool.Evict(c.Request().Context(), req.TargetMB)
	return c.JSON(http.StatusOK, map[string]any{"reclaimed_mb": reclaimed})
}

func (h *Handler) poolDrain(c echo.Context) error {
	if h.OnDrainRequested == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "drain not wired")
	}
	go h.OnDrainRequested()
	return c.JSON(http.StatusAccepted, map[string]string{"status": "draining"})
}

// poolStream pushes a pool.Stats snapshot over a websocket on a fixed
// interval until the client disconnects, adapted from the teacher's
// paired reader/writer goroutine pattern for its interactive session
// stream.
func (h *Handler) poolStream(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	errChan := make(chan error, 2)
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				errChan <- err
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := ws.WriteJSON(statsPayload(h.pool.Stats())); err != nil {
				errChan <- err
				return
			}
		}
	}()

	<-errChan
	return nil
}
