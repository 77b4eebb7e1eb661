/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the credits ledger server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Initialize SQLite store
  3. Wire the credits engine and payment dispatcher
  4. Configure HTTP router, start the expiry sweeper
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: 8080)
  -db      SQLite database path (default: credits.db)
           Use ":memory:" for an in-memory database
  -sweep   Subscription expiry sweep interval (default: 1h)
  -debug   Enable debug-level logging

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the expiry sweeper
  4. Close the database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/credits.db"

  # Run with in-memory database
  ./server -db=":memory:"

  # Run on a different port with a faster sweep
  ./server -port=3000 -sweep=10m

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hoangthanh168/clippizo/api"
	"github.com/hoangthanh168/clippizo/catalog"
	"github.com/hoangthanh168/clippizo/credits"
	"github.com/hoangthanh168/clippizo/payments"
	"github.com/hoangthanh168/clippizo/store/sqlite"
)

func main() {
	// Flags
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "credits.db", "SQLite database path")
	sweepInterval := flag.Duration("sweep", time.Hour, "subscription expiry sweep interval")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer store.Close()

	// Catalogs
	plans := catalog.NewPlans()
	packs := catalog.NewPacks()

	// Credits engine
	allocator := credits.NewAllocator(store, plans)
	consumer := credits.NewConsumer(store, store)
	balance := credits.NewBalanceAggregator(store, store, plans)
	ledger := credits.NewLedger(store)
	packPurchaser := credits.NewPackPurchaser(store, store, packs)
	lifecycle := credits.NewLifecycle(store, store)

	// Payments
	subscription := payments.NewManager(store, plans, store, log)
	dispatcher := payments.NewDispatcher(store, packPurchaser, allocator, lifecycle, subscription, log)

	// HTTP layer
	metrics := api.NewMetrics()
	handler := &api.Handler{
		Balance:      balance,
		Consumer:     consumer,
		Ledger:       ledger,
		Allocator:    allocator,
		Packs:        packPurchaser,
		Lifecycle:    lifecycle,
		Subscription: subscription,
		Dispatcher:   dispatcher,
		Profiles:     store,
		Plans:        plans,
		PackCatalog:  packs,
		Metrics:      metrics,
		Log:          log,
	}
	router := api.NewRouter(handler)

	// Background expiry sweep
	sweeper := api.NewExpirySweeper(store, lifecycle, metrics, log)
	sweeper.CheckInterval = *sweepInterval
	sweeper.Start()
	defer sweeper.Stop()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Int("port", *port).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Wait for interrupt signal
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
