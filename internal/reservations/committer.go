package reservations

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/agendabot/agendabot/internal/availability"
	"github.com/agendabot/agendabot/internal/gcal"
	"github.com/agendabot/agendabot/internal/observability/metrics"
	"github.com/agendabot/agendabot/internal/shops"
	"github.com/agendabot/agendabot/pkg/logging"
)

// MaxLockRetries bounds how many times a lock_timeout insert is
// retried before the customer is asked to confirm again.
const MaxLockRetries = 1

// Store is the persistence the committer drives; *Repository
// implements it.
type Store interface {
	InsertConfirmed(ctx context.Context, shop *shops.Shop, b Booking) (int64, error)
	Cancel(ctx context.Context, reservationID int64) error
	SetExternalEventID(ctx context.Context, reservationID int64, eventID string) error
}

// Calendar mirrors reservations into the external calendar;
// *gcal.Client implements it.
type Calendar interface {
	CreateBooking(ctx context.Context, shop *shops.Shop, ev gcal.BookingEvent) (string, error)
	DeleteEvent(ctx context.Context, shop *shops.Shop, eventID string) error
}

// HoursCache invalidates cached availability once occupancy changes;
// *availability.Engine implements it.
type HoursCache interface {
	PurgeDay(ctx context.Context, shop *shops.Shop, dateISO string)
}

var (
	_ Store      = (*Repository)(nil)
	_ Calendar   = (*gcal.Client)(nil)
	_ HoursCache = (*availability.Engine)(nil)
)

// Outcome tells the dialogue layer how a booking commit ended.
type Outcome int

const (
	// OutcomeConfirmed means the reservation is committed and, when a
	// calendar is configured, mirrored.
	OutcomeConfirmed Outcome = iota
	// OutcomeNoSlot means the slot lost a capacity race; the caller
	// should offer fresh alternatives.
	OutcomeNoSlot
	// OutcomeLockBusy means the slot locks stayed contended through
	// the retry budget; the caller should ask the customer to confirm
	// again in a moment.
	OutcomeLockBusy
)

// BookResult carries the committed reservation and its event id.
type BookResult struct {
	Outcome       Outcome
	ReservationID int64
	EventID       string
}

// CancelOutcome distinguishes an effective cancellation from the
// idempotent no-op cases and the contended day lock.
type CancelOutcome int

const (
	CancelDone CancelOutcome = iota
	CancelNotFound
	CancelAlreadyCancelled
	CancelLockBusy
)

// Committer runs the two phase commit: reserve the slot in Postgres,
// then publish the calendar event, compensating the database when the
// calendar disagrees about capacity.
type Committer struct {
	store    Store
	calendar Calendar
	hours    HoursCache
	metrics  *metrics.BookingMetrics
	logger   *logging.Logger
	retries  int
	sleep    func(time.Duration)
}

func NewCommitter(store Store, calendar Calendar, hours HoursCache, m *metrics.BookingMetrics, logger *logging.Logger) *Committer {
	if store == nil {
		panic("reservations: store required")
	}
	if calendar == nil {
		panic("reservations: calendar required")
	}
	if hours == nil {
		panic("reservations: hours cache required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Committer{
		store:    store,
		calendar: calendar,
		hours:    hours,
		metrics:  m,
		logger:   logger,
		retries:  MaxLockRetries,
		sleep:    time.Sleep,
	}
}

// Book reserves the slot and mirrors it to the calendar. Calendar
// failures other than the capacity race never undo the reservation;
// the event id is simply left empty and saved later attempts can fill
// it in.
func (c *Committer) Book(ctx context.Context, shop *shops.Shop, b Booking) (BookResult, error) {
	var id int64
	for attempt := 0; ; attempt++ {
		var err error
		id, err = c.store.InsertConfirmed(ctx, shop, b)
		if err == nil {
			break
		}
		if errors.Is(err, ErrNoSlot) {
			c.metrics.ObserveCommit("no_slot")
			return BookResult{Outcome: OutcomeNoSlot}, nil
		}
		if !errors.Is(err, ErrLockTimeout) {
			c.metrics.ObserveCommit("error")
			return BookResult{}, err
		}
		if attempt >= c.retries {
			c.metrics.ObserveCommit("lock_busy")
			return BookResult{Outcome: OutcomeLockBusy}, nil
		}
		c.metrics.ObserveLockRetry()
		c.logger.Warn("slot locks busy, retrying",
			"shop_id", shop.ID, "date", b.DateISO, "time", b.StartTime, "attempt", attempt+1)
		c.sleep(lockBackoff(attempt))
	}

	ev := gcal.BookingEvent{
		Key:           fmt.Sprintf("%d:%s:%s:%d", shop.ID, b.DateISO, b.StartTime, id),
		ReservationID: id,
		DateISO:       b.DateISO,
		StartTime:     b.StartTime,
		DurationMin:   30,
		CustomerName:  b.CustomerName,
		Phone:         b.Phone,
	}
	if svc := shop.ServiceByID(b.ServiceID); svc != nil {
		ev.ServiceName = svc.Name
		if svc.DurationMin > 0 {
			ev.DurationMin = svc.DurationMin
		}
	}
	if b.StaffID != nil {
		if p := shop.StaffByID(*b.StaffID); p != nil {
			ev.StaffName = p.Name
		}
	}

	eventID, err := c.calendar.CreateBooking(ctx, shop, ev)
	switch {
	case err == nil:
	case errors.Is(err, gcal.ErrCalendarCapacity):
		c.logger.Warn("calendar rejected slot, compensating",
			"shop_id", shop.ID, "reservation_id", id, "date", b.DateISO, "time", b.StartTime)
		if cerr := c.store.Cancel(ctx, id); cerr != nil && !errors.Is(cerr, ErrAlreadyCancelled) {
			c.logger.Error("compensating cancel failed", "reservation_id", id, "error", cerr)
		}
		c.hours.PurgeDay(ctx, shop, b.DateISO)
		c.metrics.ObserveCommit("calendar_capacity")
		return BookResult{Outcome: OutcomeNoSlot}, nil
	case errors.Is(err, gcal.ErrMissingCalendarID):
		eventID = ""
	default:
		c.logger.Warn("calendar create failed, keeping reservation",
			"reservation_id", id, "error", err)
		eventID = ""
	}

	if eventID != "" {
		if err := c.store.SetExternalEventID(ctx, id, eventID); err != nil {
			c.logger.Warn("event id save failed", "reservation_id", id, "error", err)
		}
	}

	c.hours.PurgeDay(ctx, shop, b.DateISO)
	c.metrics.ObserveCommit("confirmed")
	return BookResult{Outcome: OutcomeConfirmed, ReservationID: id, EventID: eventID}, nil
}

// CancelBooking cancels in the database first, then best-effort
// deletes the calendar event and purges the day's cached hours. The
// idempotent no-op cases are reported as outcomes, not errors.
func (c *Committer) CancelBooking(ctx context.Context, shop *shops.Shop, res *Reservation) (CancelOutcome, error) {
	outcome := CancelDone
	for attempt := 0; ; attempt++ {
		err := c.store.Cancel(ctx, res.ID)
		if err == nil {
			break
		}
		if errors.Is(err, ErrNotFound) {
			outcome = CancelNotFound
			break
		}
		if errors.Is(err, ErrAlreadyCancelled) {
			outcome = CancelAlreadyCancelled
			break
		}
		if !errors.Is(err, ErrLockTimeout) {
			c.metrics.ObserveCancel("error")
			return CancelDone, err
		}
		if attempt >= c.retries {
			c.metrics.ObserveCancel("lock_busy")
			return CancelLockBusy, nil
		}
		c.metrics.ObserveLockRetry()
		c.logger.Warn("day lock busy, retrying cancel",
			"shop_id", shop.ID, "reservation_id", res.ID, "attempt", attempt+1)
		c.sleep(lockBackoff(attempt))
	}

	switch outcome {
	case CancelNotFound:
		c.metrics.ObserveCancel("not_found")
		return outcome, nil
	case CancelAlreadyCancelled:
		// Repeat cancellations must not delete the event again.
		c.metrics.ObserveCancel("already_cancelled")
		return outcome, nil
	}

	if res.EventID != "" {
		if err := c.calendar.DeleteEvent(ctx, shop, res.EventID); err != nil {
			c.logger.Warn("calendar delete failed",
				"reservation_id", res.ID, "event_id", res.EventID, "error", err)
		}
	}
	c.hours.PurgeDay(ctx, shop, res.DateISO)

	c.metrics.ObserveCancel("cancelled")
	return outcome, nil
}

// lockBackoff is 0.15·2^attempt seconds plus up to 50ms of jitter.
func lockBackoff(attempt int) time.Duration {
	base := 150 * time.Millisecond << attempt
	return base + time.Duration(rand.Intn(50))*time.Millisecond
}
