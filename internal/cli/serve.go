package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/apache/openwhisk-invoker-pool/internal/accountant"
	"github.com/apache/openwhisk-invoker-pool/internal/config"
	"github.com/apache/openwhisk-invoker-pool/internal/httpapi"
	"github.com/apache/openwhisk-invoker-pool/internal/pool"
	dockerdriver "github.com/apache/openwhisk-invoker-pool/internal/sandboxdriver/docker"
	"github.com/apache/openwhisk-invoker-pool/internal/telemetry"
)

// ExitError carries a spec §6 process exit code alongside the underlying
// failure, so main can translate it without serve itself calling os.Exit.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return fmt.Sprintf("exit %d: %v", e.Code, e.Err) }
func (e *ExitError) Unwrap() error { return e.Err }

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the invoker container pool and its operator HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	RootCmd.AddCommand(serveCmd)
}

// runServer wires config, driver, accountant, telemetry, pool, and the
// operator HTTP API together, then blocks until a shutdown signal or an
// operator-triggered /pool/drain arrives (spec §6 exit codes 0/2/3/4).
func runServer() (err error) {
	cfg, cfgErr := config.Load(configPath)
	if cfgErr != nil {
		return &ExitError{Code: 2, Err: cfgErr}
	}

	defer func() {
		if r := recover(); r != nil {
			// Accountant underflow panics rather than returning an error
			// (internal/accountant). Only a panic raised on this goroutine
			// is recovered here and reported as code 4; an underflow inside
			// one of the pool's own goroutines (async destroy, prewarm
			// refill, shutdown destroys) is not recovered and ends the
			// process through the Go runtime instead.
			err = &ExitError{Code: 4, Err: fmt.Errorf("unrecoverable accountant corruption: %v", r)}
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		cancel()
	}()

	driver, driverErr := dockerdriver.New(log.Logger)
	if driverErr != nil {
		return &ExitError{Code: 3, Err: driverErr}
	}
	defer driver.Close()

	healthCtx, healthCancel := context.WithTimeout(ctx, 5*time.Second)
	healthErr := driver.Healthy(healthCtx)
	healthCancel()
	if healthErr != nil {
		return &ExitError{Code: 3, Err: fmt.Errorf("driver health check failed: %w", healthErr)}
	}

	acct := accountant.New(cfg.MemoryLimitMB)
	hooks := telemetry.New()
	p := pool.New(driver, acct, hooks, cfg.PoolConfig(), log.Logger)
	p.Warm(ctx)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	h := httpapi.New(p, hooks, driver, log.Logger)
	h.OnDrainRequested = cancel
	h.RegisterRoutes(e)

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("operator HTTP API listening")
		serverErr <- e.Start(cfg.HTTPAddr)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP server forced shutdown")
		}
		if err := p.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("pool shutdown reported errors")
		}
		return nil
	case srvErr := <-serverErr:
		return &ExitError{Code: 3, Err: srvErr}
	}
}
