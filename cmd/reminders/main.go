// The reminders binary sends every customer with a confirmed
// reservation tomorrow a day-before message. It is meant to run from
// cron, e.g. once a day at 09:00:
//
//	0 9 * * * /usr/local/bin/reminders
//
// Partial failures are logged and summarised but do not fail the run;
// only missing configuration or an unreachable database does.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agendabot/agendabot/internal/config"
	"github.com/agendabot/agendabot/internal/kv"
	"github.com/agendabot/agendabot/internal/reminders"
	"github.com/agendabot/agendabot/internal/reservations"
	"github.com/agendabot/agendabot/internal/shops"
	"github.com/agendabot/agendabot/internal/whatsapp"
	"github.com/agendabot/agendabot/pkg/logging"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		logger.Error("reminder job requires DATABASE_URL")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	var store kv.Store
	if cfg.UseRedis() {
		redisStore, err := kv.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("failed to connect redis", "error", err)
			os.Exit(1)
		}
		store = redisStore
	} else {
		logger.Warn("using in-memory storage, reminder dedupe will not survive this run")
		store = kv.NewMemory()
	}

	// No outbound buckets on this client: a rate-limited send would be
	// dropped silently, marked as delivered and never retried.
	sender := whatsapp.NewClient(whatsapp.Config{
		BaseURL: cfg.GraphBaseURL,
		Version: cfg.GraphAPIVersion,
		Logger:  logger,
	})

	job := reminders.New(reminders.Config{
		Shops:        shops.NewRepository(pool),
		Reservations: reservations.NewRepository(pool),
		Sender:       sender,
		Store:        store,
		DedupeTTL:    cfg.ReminderDedupe,
		Logger:       logger,
	})

	if _, err := job.Run(ctx); err != nil {
		logger.Error("reminder run aborted", "error", err)
		os.Exit(1)
	}
}
