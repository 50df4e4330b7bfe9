/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the shift engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load configuration
  2. Open the SQLite store and load jurisdictions
  3. Connect optional Redis (webhook dedup, sweep lease) and Kafka
     (notifications out, provider events in)
  4. Build the services and the settlement scheduler
  5. Start the HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML configuration file (default: $SHIFT_ENGINE_CONFIG)
  -port    HTTP server port, overrides the config
  -db      SQLite database path, overrides the config
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler and the event consumer
  2. Stop accepting new connections
  3. Wait for active requests to complete (server.shutdown_timeout)
  4. Close Kafka, Redis and the database
  5. Exit

EXAMPLES:
  # Run with the sample config
  ./server -config=config/shift-engine.yaml

  # Run with in-memory database
  ./server -db=":memory:"

ENVIRONMENT:
  SHIFT_ENGINE_* variables override the file; see config/config.go.

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration layers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/shift-engine/api"
	"github.com/warp/shift-engine/broker"
	"github.com/warp/shift-engine/cache"
	"github.com/warp/shift-engine/compliance"
	"github.com/warp/shift-engine/config"
	"github.com/warp/shift-engine/dispute"
	"github.com/warp/shift-engine/escrow"
	"github.com/warp/shift-engine/factory"
	"github.com/warp/shift-engine/notify"
	"github.com/warp/shift-engine/provider"
	"github.com/warp/shift-engine/settlement"
	"github.com/warp/shift-engine/shift"
	"github.com/warp/shift-engine/store/sqlite"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "YAML configuration file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	logger := cfg.Logger(os.Stderr)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	registry := compliance.NewRegistry()
	n, err := factory.NewJurisdictionFactory().LoadFile(cfg.Jurisdictions, registry)
	if err != nil {
		return fmt.Errorf("load jurisdictions: %w", err)
	}
	logger.Info("jurisdictions loaded", "count", n, "path", cfg.Jurisdictions)

	// Notifications always go to the log, and to Kafka when configured.
	notifiers := notify.Multi{notify.NewLog(logger)}
	if cfg.Kafka.Enabled() {
		pub, err := broker.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.NotificationsTopic, logger)
		if err != nil {
			return fmt.Errorf("kafka publisher: %w", err)
		}
		defer pub.Close()
		notifiers = append(notifiers, pub)
	}

	gate := compliance.NewGate(registry, db.Compliance(), nil, logger)
	esc := escrow.NewService(db.Escrow(), provider.NewSandbox("sandbox"), notifiers, cfg.EscrowConfig(), nil, logger)
	payments := settlement.NewEscrowPayments(esc)
	shifts := shift.NewService(db.Shifts(), gate, payments, notifiers, shift.Options{
		Policy:  cfg.ShiftPolicy(),
		Pricing: cfg.PricingConfig(),
		Logger:  logger,
	})
	disputes := dispute.NewService(db.Disputes(), shifts, esc, notifiers, cfg.DisputePolicy(), nil, logger)

	var lease settlement.Lease = settlement.NewMemoryLease(nil)
	if cfg.Redis.URL != "" {
		client, err := cache.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer client.Close()
		esc.SetDeduplicator(cache.NewDeduplicator(client, cfg.Redis.DedupTTL))
		lease = cache.NewLease(client)
		logger.Info("redis connected", "dedup_ttl", cfg.Redis.DedupTTL.String())
	}

	coord := settlement.NewCoordinator(shifts, esc, disputes, payments, logger)
	scheduler := settlement.NewScheduler(coord, lease, logger)
	scheduler.Interval = cfg.Sweep.Interval
	scheduler.SweepTimeout = cfg.Sweep.Timeout
	scheduler.Enabled = cfg.Sweep.Enabled
	scheduler.Start()
	defer scheduler.Stop()

	consumerDone := make(chan error, 1)
	if cfg.Kafka.Enabled() {
		consumer, err := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.WebhooksTopic, esc, logger)
		if err != nil {
			return fmt.Errorf("kafka consumer: %w", err)
		}
		defer consumer.Close()
		go func() { consumerDone <- consumer.Run(ctx) }()
	}

	handler := api.NewHandler(shifts, disputes, esc, gate, scheduler, logger)
	handler.Health = db.Ping

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(handler, cfg.Server.CORSOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverDone := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", server.Addr, "db", cfg.Database.Path)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverDone <- err
		}
		close(serverDone)
	}()

	// Wait for a signal or a failed component
	select {
	case <-ctx.Done():
		logger.Info("shutting down server")
	case err := <-serverDone:
		return err
	case err := <-consumerDone:
		if err != nil {
			logger.Error("event consumer stopped", "error", err)
		}
	}

	scheduler.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}
