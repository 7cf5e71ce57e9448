package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agendabot/agendabot/internal/availability"
	"github.com/agendabot/agendabot/internal/config"
	"github.com/agendabot/agendabot/internal/dialog"
	"github.com/agendabot/agendabot/internal/dispatch"
	"github.com/agendabot/agendabot/internal/gcal"
	"github.com/agendabot/agendabot/internal/httpapi"
	"github.com/agendabot/agendabot/internal/kv"
	"github.com/agendabot/agendabot/internal/nlu"
	"github.com/agendabot/agendabot/internal/observability/metrics"
	"github.com/agendabot/agendabot/internal/reservations"
	"github.com/agendabot/agendabot/internal/shops"
	"github.com/agendabot/agendabot/internal/whatsapp"
	"github.com/agendabot/agendabot/pkg/logging"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting agendabot API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	if cfg.DatabaseURL == "" {
		logger.Error("api server requires DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to connect redis", "error", err)
		os.Exit(1)
	}

	shopsRepo := shops.NewRepository(pool)
	resvRepo := reservations.NewRepository(pool)

	busy, calendar, calPinger, err := setupCalendar(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build calendar client", "error", err)
		os.Exit(1)
	}

	var interpreter nlu.Interpreter
	if cfg.GeminiAPIKey != "" {
		gem, err := nlu.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, logger)
		if err != nil {
			logger.Error("failed to build gemini interpreter", "error", err)
			os.Exit(1)
		}
		defer func() { _ = gem.Close() }()
		interpreter = gem
	} else {
		logger.Warn("gemini interpreter disabled, deterministic parsing only")
	}

	msgMetrics := metrics.NewMessagingMetrics(nil)
	bookMetrics := metrics.NewBookingMetrics(nil)

	hours := availability.NewEngine(busy, resvRepo, store, cfg.HoursCacheTTL, logger)
	committer := reservations.NewCommitter(resvRepo, calendar, hours, bookMetrics, logger)

	engine := dialog.NewEngine(dialog.Config{
		Sessions:     dialog.NewSessions(store),
		Store:        store,
		Interpreter:  interpreter,
		Hours:        hours,
		Committer:    committer,
		Reservations: resvRepo,
		Idempotency:  reservations.NewIdemCache(store, logger),
		RatePerMin:   cfg.UserRatePerMin,
		Logger:       logger,
	})

	sender := whatsapp.NewClient(whatsapp.Config{
		BaseURL:       cfg.GraphBaseURL,
		Version:       cfg.GraphAPIVersion,
		Store:         store,
		PerShopPerMin: cfg.OutboundWAPerShop,
		PerUserPerMin: cfg.OutboundWAPerUser,
		Metrics:       msgMetrics,
		Logger:        logger,
	})

	queue := dispatch.NewMemoryQueue(cfg.DispatchQueueSize)
	dispatcher := dispatch.New(dispatch.Config{
		Queue:         queue,
		Shops:         shopsRepo,
		Engine:        engine,
		Sender:        sender,
		Store:         store,
		Workers:       cfg.DispatchWorkers,
		EngineTimeout: cfg.LoopbackTimeout,
		Metrics:       msgMetrics,
		Logger:        logger,
	})
	dispatcher.Start(ctx)

	router := httpapi.NewRouter(httpapi.Config{
		Webhook: httpapi.NewWebhookHandler(httpapi.WebhookConfig{
			VerifyToken:   cfg.WABAVerifyToken,
			AppSecret:     cfg.WABAAppSecret,
			Shops:         shopsRepo,
			Queue:         queue,
			Store:         store,
			PerShopPerMin: cfg.WebhookPerShop,
			Metrics:       msgMetrics,
			Logger:        logger,
		}),
		Loopback: httpapi.NewLoopbackHandler(httpapi.LoopbackConfig{
			Shops:   shopsRepo,
			Engine:  engine,
			Timeout: cfg.LoopbackTimeout,
			Logger:  logger,
		}),
		Health: httpapi.NewHealthHandler(httpapi.HealthConfig{
			DB:       pool,
			Store:    store,
			Calendar: calPinger,
			Logger:   logger,
		}),
		MetricsHandler: promhttp.Handler(),
		GlobalPerIP:    cfg.GlobalPerIP,
		Logger:         logger,
	})

	srv := newHTTPServer(cfg, router)

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Stop accepting requests before stopping the workers so nothing new
	// is queued while they wind down.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	cancel()
	dispatcher.Wait()

	logger.Info("server stopped")
}

// openStore picks the session backend. Without Redis everything lives
// in process memory, fine for development, useless across restarts.
func openStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (kv.Store, error) {
	if cfg.UseRedis() {
		return kv.OpenRedis(ctx, cfg.RedisURL)
	}
	logger.Warn("using in-memory storage, sessions will not survive a restart")
	return kv.NewMemory(), nil
}

// setupCalendar builds the Google Calendar client when a service
// account file is present. Without one the engine books against the
// database alone and health reports no calendar.
func setupCalendar(ctx context.Context, cfg *config.Config, logger *logging.Logger) (availability.BusySource, reservations.Calendar, httpapi.CalendarPinger, error) {
	if _, err := os.Stat(cfg.GoogleServiceAccountFile); err != nil {
		logger.Warn("calendar mirroring disabled, no service account file",
			"path", cfg.GoogleServiceAccountFile)
		return gcal.Disabled{}, gcal.Disabled{}, nil, nil
	}
	gc, err := gcal.New(ctx, cfg.GoogleServiceAccountFile, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return gc, gc, gc, nil
}

// newHTTPServer applies the timeouts. The write timeout must outlive
// the loopback budget or slow dialogue turns would be cut off
// mid-response.
func newHTTPServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.LoopbackTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
