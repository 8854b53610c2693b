package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"skyquery/internal/domain"
	"skyquery/internal/engine"
	"skyquery/internal/history"
	"skyquery/internal/index"
	"skyquery/internal/infra"
	"skyquery/internal/infra/hypixel"
	"skyquery/internal/infra/storage"
	"skyquery/internal/infra/stream"
	"skyquery/internal/infra/webhook"
	"skyquery/internal/query"
	"skyquery/internal/server"
	"skyquery/internal/service"
)

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config    *infra.Config
	Storage   *storage.Storage
	Hub       *stream.Hub
	Indexer   *engine.Indexer
	Scheduler *engine.Scheduler
	Server    *http.Server
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads the config and wires every component
func (b *Bootstrap) Initialize(configPath string) error {
	slog.Info("🚀 Bootstrapping skyquery...")

	// 1. Load Config
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)

	// 3. Initialize Storage (DB)
	store, err := storage.NewStorage(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return err
	}
	b.Storage = store
	slog.Info("✅ Database initialized", slog.String("driver", cfg.Storage.Driver))

	// 4. Index state and history
	state := index.NewCommitted()
	hist := history.NewAggregator(cfg.BucketWidth(), cfg.Retention())

	// 5. Underbin stream (only when the feature is on)
	features := cfg.Features()
	var publisher engine.Publisher
	if features.Enabled(domain.FeatureUnderBin) {
		b.Hub = stream.NewHub()
		publisher = b.Hub
	}

	// 6. Fetch pipeline
	source := hypixel.NewClient(hypixel.Options{
		BaseURL:     cfg.API.BaseURL,
		PageTimeout: time.Duration(cfg.API.PageTimeoutSec) * time.Second,
		MaxRetries:  cfg.API.MaxRetries,
		RetryDelay:  time.Duration(cfg.API.RetryBaseDelayMS) * time.Millisecond,
		Workers:     cfg.API.PageWorkers,
		UserAgent:   cfg.API.UserAgent,
	})
	b.Indexer = engine.NewIndexer(source, store, state, hist, publisher, engine.Options{
		DecodeWorkers:         cfg.Scheduler.DecodeWorkers,
		MaxDecodeFailureRatio: cfg.Scheduler.MaxDecodeFailureRatio,
		UndercutMargin:        cfg.UndercutMargin(),
		Metrics:               infra.GlobalMetrics,
		DumpPath:              "panic_dump.json",
	})

	var notifier domain.Notifier
	if n := webhook.NewNotifier(cfg.Notify.WebhookURL); n != nil {
		notifier = n
		slog.Info("✅ Webhook notifications enabled")
	}
	b.Scheduler = engine.NewScheduler(b.Indexer, cfg.Interval(), cfg.CycleTimeout(), notifier, infra.GlobalMetrics)

	// 7. Read surface
	svc := service.NewAuctionService(state, hist, query.NewEngine(state, store, cfg.Server.MaxLimit), b.Scheduler, service.Options{
		APIKey:       cfg.Server.APIKey,
		AdminAPIKey:  cfg.Server.AdminAPIKey,
		Features:     features,
		DefaultLimit: cfg.Server.DefaultLimit,
	})

	var streamHandler http.Handler
	if b.Hub != nil {
		streamHandler = b.Hub
	}
	router := server.NewRouter(server.NewHandler(svc, streamHandler), infra.GlobalMetrics, logger)
	b.Server = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("✅ Components wired", slog.Any("features", features.List()))
	return nil
}

// Restore loads the last committed state from storage. A failure is logged
// and the service starts from an empty index.
func (b *Bootstrap) Restore(ctx context.Context) {
	if err := b.Indexer.Restore(ctx); err != nil {
		slog.Warn("Failed to restore committed state, starting empty", slog.Any("error", err))
	}
}

// Shutdown stops the update loop, closes stream clients and the database
func (b *Bootstrap) Shutdown(ctx context.Context) {
	if b.Server != nil {
		if err := b.Server.Shutdown(ctx); err != nil {
			slog.Error("HTTP server shutdown failed", slog.Any("error", err))
		}
	}
	if b.Scheduler != nil {
		b.Scheduler.Stop()
	}
	if b.Hub != nil {
		b.Hub.Close()
	}
	if b.Storage != nil {
		if err := b.Storage.Close(); err != nil {
			slog.Error("Failed to close storage", slog.Any("error", err))
		}
	}
}
