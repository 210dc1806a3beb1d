package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/kelseyhightower/envconfig"

	"parishpay/internal/common/database"
	"parishpay/internal/common/middleware"
	"parishpay/internal/common/money"
	"parishpay/internal/common/nats"
	"parishpay/internal/distribution"
	"parishpay/internal/gateway"
	"parishpay/internal/gateway/stripe"
	"parishpay/internal/gateway/wompi"
	"parishpay/internal/orchestrator"
	paymentsapi "parishpay/internal/payments/api"
	"parishpay/internal/webhook"
)

// Config holds service configuration
type Config struct {
	Port        int    `envconfig:"PAYMENTS_PORT" default:"8086"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	MigrationsPath string `envconfig:"MIGRATIONS_PATH" default:"file://migrations"`

	// AccountingCurrency is the currency all distributions settle in.
	AccountingCurrency string `envconfig:"ACCOUNTING_CURRENCY" default:"COP"`
	// FXRates maps "FROM-TO" pairs to static conversion rates, refreshed by
	// redeploy or env change rather than live feeds.
	FXRates map[string]float64 `envconfig:"FX_RATES" default:"USD-COP:4000,EUR-COP:4350,GBP-COP:5100"`

	Database     database.Config
	NATS         nats.Config
	Wompi        wompi.Config
	Stripe       stripe.Config
	Orchestrator orchestrator.Config
	Distribution distribution.Config
}

func main() {
	// Load configuration
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	// Create context that listens for shutdown signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Run database migrations
	if err := runMigrations(cfg.MigrationsPath, cfg.Database.URL, logger); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Connect to database
	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Connect to NATS. Event publishing is best-effort, so a missing broker
	// degrades to running without events rather than refusing to start.
	var publisher *nats.Publisher
	natsClient, err := nats.New(ctx, cfg.NATS, logger)
	if err != nil {
		logger.Warn("NATS unavailable, events disabled", "error", err)
	} else {
		defer natsClient.Close()
		streamCfg := nats.DefaultStreamConfig("PARISHPAY", []string{"payments.>", "distribution.>"})
		if _, err := natsClient.EnsureStream(ctx, streamCfg); err != nil {
			logger.Warn("failed to ensure stream, events disabled", "error", err)
		} else {
			publisher = nats.NewPublisher(natsClient, logger)
		}
	}

	// Currency conversion
	accounting := money.Currency(cfg.AccountingCurrency)
	converter := money.NewConverter(accounting, parseRates(cfg.FXRates, logger))

	// Gateway adapters
	registry := gateway.NewRegistry(
		wompi.New(cfg.Wompi, logger),
		stripe.New(cfg.Stripe, logger),
	)
	logger.Info("gateways registered", "gateways", registry.Names())

	// Orchestrator
	attemptStore := orchestrator.NewPostgresAttemptStore(db)
	orch := orchestrator.New(registry, attemptStore, orchestratorPublisher(publisher), cfg.Orchestrator, logger)

	// Distribution engine
	distStore := distribution.NewPostgresStore(db)
	resolver := distribution.NewResolver(distStore, logger)
	engine := distribution.NewEngine(distStore, resolver, converter, distributionPublisher(publisher), cfg.Distribution, logger)

	// Webhook handler
	dedupe := webhook.NewPostgresDedupeStore(db)
	webhookHandler := webhook.NewHandler(registry, dedupe, engine, webhookPublisher(publisher), logger)

	// API handlers
	apiHandler := paymentsapi.NewHandler(orch, engine, logger)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.TenantExtractor)
	r.Use(chimw.Compress(5))

	// Health check. NATS is a soft dependency: events degrade, the service
	// does not.
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		eventsStatus := "connected"
		if natsClient == nil || natsClient.HealthCheck() != nil {
			eventsStatus = "degraded"
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"healthy","events":%q}`, eventsStatus)
	})

	// Ready check
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/", apiHandler.Routes())
		r.Mount("/webhooks", webhookHandler.Routes())
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting payments service",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"accounting_currency", string(accounting),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	// Wait for shutdown
	<-ctx.Done()

	// Graceful shutdown
	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

// runMigrations brings the schema up to date before the pool opens.
func runMigrations(sourceURL, databaseURL string, logger *slog.Logger) error {
	m, err := migrate.New(sourceURL, databaseURL)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("schema up to date")
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}

	logger.Info("migrations applied")
	return nil
}

// parseRates builds a rate table from "FROM-TO" keyed config entries.
// Malformed entries are skipped with a warning.
func parseRates(raw map[string]float64, logger *slog.Logger) money.RateTable {
	table := make(money.RateTable)
	for pair, rate := range raw {
		from, to, ok := strings.Cut(pair, "-")
		if !ok || rate <= 0 {
			logger.Warn("skipping malformed FX rate", "pair", pair, "rate", rate)
			continue
		}
		fromCur := money.Currency(strings.ToUpper(from))
		if table[fromCur] == nil {
			table[fromCur] = make(map[money.Currency]float64)
		}
		table[fromCur][money.Currency(strings.ToUpper(to))] = rate
	}
	return table
}

// The publisher interfaces are structurally identical but declared per
// package; a nil *nats.Publisher must stay a nil interface value.
func orchestratorPublisher(p *nats.Publisher) orchestrator.Publisher {
	if p == nil {
		return nil
	}
	return p
}

func distributionPublisher(p *nats.Publisher) distribution.Publisher {
	if p == nil {
		return nil
	}
	return p
}

func webhookPublisher(p *nats.Publisher) webhook.Publisher {
	if p == nil {
		return nil
	}
	return p
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
