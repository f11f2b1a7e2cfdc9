package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/mysterium/ledger/internal/audit"
	"github.com/mysterium/ledger/internal/config"
	"github.com/mysterium/ledger/internal/database"
	"github.com/mysterium/ledger/internal/events"
	"github.com/mysterium/ledger/internal/handlers"
	"github.com/mysterium/ledger/internal/interfaces"
	mW "github.com/mysterium/ledger/internal/middleware"
	"github.com/mysterium/ledger/internal/services"
	"github.com/mysterium/ledger/internal/storage/postgres"
)

func main() {
	cfg, err := config.Load(".env")
	if cfg == nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, lerr := newLogger(cfg.Log)
	if lerr != nil {
		log.Fatalf("Failed to initialize logger: %v", lerr)
	}
	defer logger.Sync()

	if err != nil {
		logger.Warn("config file not found, using environment and defaults", zap.Error(err))
	}

	ctx := context.Background()

	db, err := database.InitDB(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	publisher, closePublisher := newPublisher(ctx, cfg, logger)
	defer closePublisher()

	store := postgres.NewPostgresLedgerStore(db, cfg.Ledger.MaxRetries, logger)
	transferService := services.NewTransferService(store, publisher, audit.NewAuditLogger(logger), logger, services.TransferConfig{
		TxTimeout:            cfg.Ledger.TxTimeout,
		FailureRecordTimeout: cfg.Ledger.FailureRecordTimeout,
		EventTopic:           cfg.EventTopic(),
	})
	transferHandler := handlers.NewTransferHandler(transferService, logger)

	// Setup router
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(mW.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := db.PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	r.Route("/api/v1", transferHandler.Routes)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		logger.Info("server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
		return
	}

	logger.Info("server stopped")
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}

	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zcfg.Level = level

	return zcfg.Build()
}

// newPublisher picks the transfer event sink for cfg.Events.Driver. The
// returned func releases whatever connection the sink holds.
func newPublisher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (interfaces.EventPublisher, func()) {
	switch cfg.Events.Driver {
	case config.DriverKafka:
		publisher := events.NewKafkaPublisher(cfg.Events.KafkaBrokers)
		logger.Info("publishing transfer events to kafka",
			zap.Strings("brokers", cfg.Events.KafkaBrokers),
			zap.String("topic", cfg.Events.KafkaTopic))
		return publisher, func() {
			if err := publisher.Close(); err != nil {
				logger.Warn("failed to close kafka writer", zap.Error(err))
			}
		}

	case config.DriverRedis:
		rdb := database.InitRedis(ctx, cfg.Redis, logger)
		if rdb == nil {
			logger.Warn("redis unavailable, transfer events disabled")
			return events.NopPublisher{}, func() {}
		}
		return events.NewRedisPublisher(rdb), func() { rdb.Close() }

	case config.DriverNone:
		return events.NopPublisher{}, func() {}

	default:
		logger.Warn("unknown events driver, transfer events disabled", zap.String("driver", cfg.Events.Driver))
		return events.NopPublisher{}, func() {}
	}
}
