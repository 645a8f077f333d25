package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"

	"railledger/internal/authorization"
	"railledger/internal/booking"
	"railledger/internal/common/database"
	"railledger/internal/common/idempotency"
	"railledger/internal/common/middleware"
	natsclient "railledger/internal/common/nats"
	"railledger/internal/deposit"
	"railledger/internal/ledger"
	ledgerapi "railledger/internal/ledger/api"
	"railledger/internal/ledger/domain"
	ledgerstore "railledger/internal/ledger/store"
	"railledger/internal/providers/cardrail"
	"railledger/internal/providers/walletrail"
	"railledger/internal/settlement"
	settlementapi "railledger/internal/settlement/api"
	"railledger/migrations"
)

// Config holds service configuration
type Config struct {
	Port        int    `envconfig:"SETTLEMENT_PORT" default:"8086"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	IdempotencyEnabled bool          `envconfig:"IDEMPOTENCY_ENABLED" default:"false"`
	IdempotencyTTL     time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`
	BookingTimeout     time.Duration `envconfig:"BOOKING_TIMEOUT" default:"10s"`
	ExpirySweep        time.Duration `envconfig:"AUTH_EXPIRY_SWEEP" default:"1m"`

	Database      database.Config
	NATS          natsclient.Config
	Redis         idempotency.Config
	CardRail      cardrail.Config
	WalletRail    walletrail.Config
	Authorization authorization.Config
	Settlement    settlement.Config
}

func main() {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Schema first, then the pool.
	if err := database.Migrate(cfg.Database.URL, migrations.FS, ".", logger); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	nc, err := natsclient.New(ctx, cfg.NATS, logger)
	if err != nil {
		logger.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	// Without the stream every domain-event publish fails with
	// "no stream matches subject".
	if err := nc.EnsureEventsStream(ctx); err != nil {
		logger.Error("failed to ensure events stream", "error", err)
		os.Exit(1)
	}

	publisher := natsclient.NewPublisher(nc, logger)

	// Stores
	entryStore, err := ledgerstore.NewPostgres(ctx, db)
	if err != nil {
		logger.Error("failed to initialize ledger store", "error", err)
		os.Exit(1)
	}
	authStore := authorization.NewPostgresStore(db.Pool())
	destinationStore := walletrail.NewPostgresDestinationStore(db.Pool())
	cardStore := cardrail.NewStore(db.Pool())

	// Rails
	cardAdapter, err := cardrail.NewAdapter(cfg.CardRail, nc.Conn(), cardStore, logger)
	if err != nil {
		logger.Error("failed to initialize card rail", "error", err)
		os.Exit(1)
	}
	defer cardAdapter.Close()
	walletAdapter := walletrail.NewAdapter(cfg.WalletRail, nc.Conn(), logger)

	// Services
	ledgerService := ledger.NewService(entryStore, publisher, logger)
	cardAdapter.SetLedgerService(&chargebackReverser{ledger: ledgerService})
	authService := authorization.NewService(cfg.Authorization, authStore, walletAdapter, ledgerService, publisher, logger)
	bookingClient := booking.NewClient(nc.Conn(), cfg.BookingTimeout, logger)
	depositService := deposit.NewService(bookingClient, walletAdapter, publisher, logger)
	dispatcher := settlement.NewDispatcher(cfg.Settlement, ledgerService, cardAdapter, walletAdapter, destinationStore, publisher, logger)

	// Booking workflow events drive capture/void.
	bookingSub := booking.NewSubscriber(nc.Conn(), authService, logger)
	if err := bookingSub.Start(); err != nil {
		logger.Error("failed to subscribe to booking events", "error", err)
		os.Exit(1)
	}
	defer bookingSub.Stop()

	go expiryLoop(ctx, authService, cfg.ExpirySweep, logger)

	// Handlers
	paymentsHandler := ledgerapi.NewHandler(ledgerService, authService, depositService, cardAdapter, cfg.Settlement.Cooldown)
	settlementHandler := settlementapi.NewHandler(dispatcher, destinationStore)

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.TenantExtractor)
	r.Use(chimw.Compress(5))

	if cfg.IdempotencyEnabled {
		idemStore, err := idempotency.NewRedisStore(ctx, cfg.Redis, "railledger")
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer idemStore.Close()
		r.Use(middleware.Idempotency(idemStore, cfg.IdempotencyTTL))
	} else {
		logger.Warn("idempotency replay disabled, retried requests hit handlers directly")
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		if err := nc.HealthCheck(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	r.Route("/api/v1/settlement", func(r chi.Router) {
		r.Mount("/", paymentsHandler.Routes())
		r.Mount("/ops", settlementHandler.Routes())
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting settlement service",
			"port", cfg.Port,
			"environment", cfg.Environment,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

// expiryLoop periodically releases wallet holds whose window elapsed.
func expiryLoop(ctx context.Context, auths *authorization.Service, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := auths.ExpireStale(ctx); err != nil {
				logger.Error("expiry sweep failed", "error", err)
			}
		}
	}
}

// chargebackReverser adapts the ledger service to the card rail's
// chargeback callback.
type chargebackReverser struct {
	ledger *ledger.Service
}

func (c *chargebackReverser) ReverseCardPayment(ctx context.Context, tenantID, transactionID, _ string) error {
	return c.ledger.Reverse(ctx, tenantID, domain.RailCard, transactionID)
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
