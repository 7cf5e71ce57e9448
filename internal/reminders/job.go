// Package reminders implements the day-before reminder batch. The job
// is meant to run from cron once a day (see cmd/reminders); duplicate
// runs are safe because every delivery is marked in the key-value
// store before the next run can see the reservation again.
package reminders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agendabot/agendabot/internal/availability"
	"github.com/agendabot/agendabot/internal/kv"
	"github.com/agendabot/agendabot/internal/reservations"
	"github.com/agendabot/agendabot/internal/shops"
	"github.com/agendabot/agendabot/pkg/logging"
)

// dedupeTTL covers repeated cron runs without keeping keys forever.
const dedupeTTL = 72 * time.Hour

// ShopLister loads every tenant the batch should cover.
type ShopLister interface {
	List(ctx context.Context) ([]shops.Shop, error)
}

// ReservationSource returns one shop's confirmed reservations for a day.
type ReservationSource interface {
	ConfirmedByDate(ctx context.Context, shopID int64, dateISO string) ([]reservations.Reservation, error)
}

// TextSender delivers the reminder message. The batch sender must not
// drop messages silently, so wire a client without outbound buckets.
type TextSender interface {
	SendText(ctx context.Context, shop *shops.Shop, to, sessionID, body string) error
}

// Config wires the reminder job.
type Config struct {
	Shops        ShopLister
	Reservations ReservationSource
	Sender       TextSender
	Store        kv.Store
	DedupeTTL    time.Duration
	Logger       *logging.Logger
}

// Summary counts one run's outcomes per reservation. A shop whose
// reservations could not be loaded counts as one failure.
type Summary struct {
	Sent    int
	Skipped int
	Failed  int
}

// Job walks every shop, finds tomorrow's confirmed reservations in the
// shop's own timezone and sends each customer a reminder once.
type Job struct {
	shops        ShopLister
	reservations ReservationSource
	sender       TextSender
	store        kv.Store
	dedupeTTL    time.Duration
	logger       *logging.Logger
	now          func() time.Time
}

func New(cfg Config) *Job {
	j := &Job{
		shops:        cfg.Shops,
		reservations: cfg.Reservations,
		sender:       cfg.Sender,
		store:        cfg.Store,
		dedupeTTL:    cfg.DedupeTTL,
		logger:       cfg.Logger,
		now:          time.Now,
	}
	if j.dedupeTTL <= 0 {
		j.dedupeTTL = dedupeTTL
	}
	if j.logger == nil {
		j.logger = logging.Default()
	}
	return j
}

// Run executes one batch. Per-reservation problems are logged and
// counted; only a failure to list the shops aborts the run.
func (j *Job) Run(ctx context.Context) (Summary, error) {
	var sum Summary

	all, err := j.shops.List(ctx)
	if err != nil {
		return sum, fmt.Errorf("reminders: list shops: %w", err)
	}
	j.logger.Info("reminder run started", "shops", len(all))

	for i := range all {
		shop := &all[i]
		target := j.now().In(shop.Location()).AddDate(0, 0, 1).Format("2006-01-02")

		resvs, err := j.reservations.ConfirmedByDate(ctx, shop.ID, target)
		if err != nil {
			j.logger.WithShop(shop.ID, shop.Name).Error("load reservations for reminders", "date", target, "error", err)
			sum.Failed++
			continue
		}
		if len(resvs) == 0 {
			continue
		}
		if shop.WAToken == "" || shop.WAPhoneNumberID == "" {
			j.logger.WithShop(shop.ID, shop.Name).Info("skipping shop without messaging credentials", "reservations", len(resvs))
			sum.Skipped += len(resvs)
			continue
		}

		for k := range resvs {
			j.remindOne(ctx, shop, &resvs[k], &sum)
		}
	}

	j.logger.Info("reminder run complete", "sent", sum.Sent, "skipped", sum.Skipped, "failed", sum.Failed)
	return sum, nil
}

func (j *Job) remindOne(ctx context.Context, shop *shops.Shop, res *reservations.Reservation, sum *Summary) {
	log := j.logger.WithShop(shop.ID, shop.Name)

	if res.Phone == "" {
		sum.Skipped++
		return
	}

	key := fmt.Sprintf("rem24:%d", res.ID)
	if _, err := j.store.Get(ctx, key); err == nil {
		sum.Skipped++
		return
	} else if !errors.Is(err, kv.ErrMiss) {
		// A broken dedupe read fails closed: better a reminder the
		// next run retries than a customer we might message twice.
		log.Error("reminder dedupe read", "reservation", res.ID, "error", err)
		sum.Failed++
		return
	}

	if err := j.sender.SendText(ctx, shop, res.Phone, res.Phone, reminderText(shop, res)); err != nil {
		log.Error("reminder send failed", "reservation", res.ID, "error", err)
		sum.Failed++
		return
	}
	if err := j.store.SetEx(ctx, key, "1", j.dedupeTTL); err != nil {
		// The message went out; a lost mark only risks one duplicate.
		log.Warn("reminder dedupe write", "reservation", res.ID, "error", err)
	}
	sum.Sent++
	log.Info("reminder sent", "reservation", res.ID, "date", res.DateISO, "hour", res.StartTime)
}

// reminderText builds the day-before message. The service line is
// dropped when the reservation carries no service name.
func reminderText(shop *shops.Shop, res *reservations.Reservation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🔔 Recordatorio: tu cita en %s es mañana.\n\n", shop.Name)
	fmt.Fprintf(&b, "📅 %s a las %s\n", availability.FormatDateES(res.DateISO), res.StartTime)
	if res.ServiceName != "" {
		fmt.Fprintf(&b, "🧾 Servicio: %s\n", res.ServiceName)
	}
	b.WriteString("\nSi no puedes asistir, cancela tu cita.")
	return b.String()
}
