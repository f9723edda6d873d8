package main

import (
	"context"
	"log/slog"

	"quotepush/internal/domain/notification"
	"quotepush/internal/domain/quote"
	"quotepush/internal/infrastructure/postgres"
	"quotepush/internal/infrastructure/postgres/listener"
	"quotepush/internal/infrastructure/push"
	httphandlers "quotepush/internal/interfaces/http"
	"quotepush/internal/interfaces/realtime"
	"quotepush/internal/interfaces/scheduler"
	"quotepush/internal/shared/auth"
	"quotepush/internal/shared/config"
	"quotepush/internal/shared/messages"
	"quotepush/internal/shared/telemetry"
)

// Dependencies holds all initialized application components.
type Dependencies struct {
	DB *postgres.DB

	// Handlers
	NotificationHandler *httphandlers.NotificationHandler
	QuoteHandler        *httphandlers.QuoteHandler
	RealtimeHandler     *realtime.Handler

	// Auth
	JWT *auth.JWT

	// Background work
	WorkerPool *scheduler.WorkerPool
	Sweeper    *scheduler.Sweeper
	Listener   *listener.QuoteListener
	Hub        *realtime.Hub
}

// NewDependencies initializes all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	db, err := postgres.New(cfg.Database.ConnectionString())
	if err != nil {
		return nil, err
	}
	logger.Info("connected to database", "host", cfg.Database.Host, "name", cfg.Database.DBName)

	if cfg.Database.AutoMigrate {
		if err := postgres.Migrate(db.DB); err != nil {
			db.Close()
			return nil, err
		}
	}

	msgs, err := messages.Load(cfg.Messages.Path)
	if err != nil {
		db.Close()
		return nil, err
	}

	// Repositories
	tokenRepo := postgres.NewTokenRepository(db)
	quoteRepo := postgres.NewQuoteRepository(db)

	channels, err := push.NewChannels(ctx, cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	notificationService := notification.NewService(tokenRepo, logger, channels.List...)

	pool := scheduler.NewWorkerPool(cfg.Worker.Count, cfg.Worker.QueueSize, logger)
	notifier := scheduler.NewQuoteNotifier(pool, notificationService, msgs, logger)
	quoteService := quote.NewService(quoteRepo, notifier, quote.Config{
		RequestCooldown: cfg.Quote.RequestCooldown,
		RequestTTL:      cfg.Quote.RequestTTL,
	}, logger)
	sweeper := scheduler.NewSweeper(pool, quoteService, cfg.Quote.SweepInterval, logger)

	jwt := auth.NewJWT(cfg.Auth.JWTSecret)

	hub := realtime.NewHub(logger)
	if err := telemetry.RegisterGauge("realtime_clients", "Open realtime connections", func() float64 {
		return float64(hub.ClientCount())
	}); err != nil {
		logger.Warn("failed to register realtime gauge", "error", err)
	}
	quoteListener := listener.NewQuoteListener(cfg.Database.ConnectionString(), quoteRepo, hub, msgs, logger)

	return &Dependencies{
		DB:                  db,
		NotificationHandler: httphandlers.NewNotificationHandler(notificationService, channels.VAPIDPublicKey, logger),
		QuoteHandler:        httphandlers.NewQuoteHandler(quoteService, logger),
		RealtimeHandler:     realtime.NewHandler(hub, jwt, cfg.Server.AllowedHosts),
		JWT:                 jwt,
		WorkerPool:          pool,
		Sweeper:             sweeper,
		Listener:            quoteListener,
		Hub:                 hub,
	}, nil
}

// Close releases all resources held by dependencies.
func (d *Dependencies) Close() {
	if d.DB != nil {
		d.DB.Close()
	}
}
