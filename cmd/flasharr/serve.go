package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/spf13/cobra"

	"github.com/flasharr/flasharr/internal/app"
	"github.com/flasharr/flasharr/internal/config"
	"github.com/flasharr/flasharr/internal/httpapi"
	"github.com/flasharr/flasharr/internal/obs/logger"
)

const shutdownGrace = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the flasharr API server and worker pool",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

// runServe loads config, wires the app.Context, starts the Worker Pool and
// the HTTP API, then blocks until an interrupt or terminate signal arrives.
// Grounded on gonzb's cmd/gonzb/main.go signal-handling pattern, adapted
// from a one-shot download to a long-running server's graceful shutdown.
func runServe() {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	lvl := logger.ParseLevel(cfg.Log.Level)
	appLogger, err := logger.New(cfg.Log.Path, lvl, cfg.Log.IncludeStdout)
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("interrupt received, shutting down gracefully...")
		cancel()
	}()

	appCtx, err := app.NewContext(ctx, cfg, appLogger)
	if err != nil {
		log.Fatalf("app init error: %v", err)
	}
	defer appCtx.Close()

	appCtx.Start(ctx)

	e := echo.New()
	httpapi.RegisterRoutes(e, appCtx.Orchestrator, appCtx.Events, appLogger)

	addr := ":" + cfg.Port
	go func() {
		appLogger.Info("flasharr listening on %s", addr)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("server error: %v", err)
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("server shutdown error: %v", err)
		fmt.Fprintf(os.Stderr, "server shutdown error: %v\n", err)
	}
}
