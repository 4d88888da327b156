/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the offline-first sync server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and environment variables
  2. Initialize structured logging
  3. Initialize SQLite store (Record Store, Idempotency Ledger,
     Conflict Store, Transaction Coordinator - C1-C3, C6)
  4. Wire the Sync Processor (C4) and Conflict Resolver (C5)
  5. Configure HTTP router (C7) and, if enabled, a metrics listener (C9)
  6. Start server with graceful shutdown

CONFIGURATION (SPEC_FULL §9.3): flags take precedence over env vars.
  -db      / SYNCD_DB_PATH      SQLite database path (default: syncd.db)
  -addr    / SYNCD_ADDR         HTTP bind address (default: :8080)
  SYNCD_LOG_LEVEL                debug|info|warn|error (default: info)
  SYNCD_LOG_JSON                 true|false (default: false)
  SYNCD_METRICS_ADDR              bind address for /metrics; empty disables it

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

SEE ALSO:
  - api/server.go: router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: database implementation
*/
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nimbusnote/syncd/api"
	"github.com/nimbusnote/syncd/engine"
	"github.com/nimbusnote/syncd/internal/logging"
	"github.com/nimbusnote/syncd/internal/metrics"
	"github.com/nimbusnote/syncd/store/sqlite"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	dbPath := flag.String("db", envOr("SYNCD_DB_PATH", "syncd.db"), "SQLite database path")
	addr := flag.String("addr", envOr("SYNCD_ADDR", ":8080"), "HTTP server bind address")
	flag.Parse()

	logJSON, _ := strconv.ParseBool(envOr("SYNCD_LOG_JSON", "false"))
	logging.Init(logging.Config{
		Level:      logging.Level(envOr("SYNCD_LOG_LEVEL", "info")),
		JSONOutput: logJSON,
	})
	log := logging.WithComponent("main")

	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer store.Close()

	proc := engine.NewProcessor(store, logging.WithComponent("processor"))
	resolver := engine.NewResolver(store, logging.WithComponent("resolver"))
	handler := api.NewHandler(store.Records(), store.Conflicts(), store.Ledger(), proc, resolver)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         *addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if metricsAddr := os.Getenv("SYNCD_METRICS_ADDR"); metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			log.Info().Str("addr", metricsAddr).Msg("metrics listening")
			if err := http.ListenAndServe(metricsAddr, mux); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	go func() {
		log.Info().Str("addr", *addr).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}
