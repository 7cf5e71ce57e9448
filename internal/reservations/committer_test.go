package reservations

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agendabot/agendabot/internal/gcal"
	"github.com/agendabot/agendabot/internal/shops"
	"github.com/agendabot/agendabot/pkg/logging"
)

type fakeStore struct {
	insertErrs []error
	insertID   int64
	inserts    int
	cancelErr  error
	cancelled  []int64
	eventErr   error
	eventIDs   map[int64]string
}

func (f *fakeStore) InsertConfirmed(ctx context.Context, shop *shops.Shop, b Booking) (int64, error) {
	f.inserts++
	if len(f.insertErrs) > 0 {
		err := f.insertErrs[0]
		f.insertErrs = f.insertErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	return f.insertID, nil
}

func (f *fakeStore) Cancel(ctx context.Context, reservationID int64) error {
	f.cancelled = append(f.cancelled, reservationID)
	return f.cancelErr
}

func (f *fakeStore) SetExternalEventID(ctx context.Context, reservationID int64, eventID string) error {
	if f.eventErr != nil {
		return f.eventErr
	}
	if f.eventIDs == nil {
		f.eventIDs = map[int64]string{}
	}
	f.eventIDs[reservationID] = eventID
	return nil
}

type fakeCalendar struct {
	eventID   string
	createErr error
	created   []gcal.BookingEvent
	deleteErr error
	deleted   []string
}

func (f *fakeCalendar) CreateBooking(ctx context.Context, shop *shops.Shop, ev gcal.BookingEvent) (string, error) {
	f.created = append(f.created, ev)
	if f.createErr != nil {
		return "", f.createErr
	}
	return f.eventID, nil
}

func (f *fakeCalendar) DeleteEvent(ctx context.Context, shop *shops.Shop, eventID string) error {
	f.deleted = append(f.deleted, eventID)
	return f.deleteErr
}

type fakeHours struct {
	purged []string
}

func (f *fakeHours) PurgeDay(ctx context.Context, shop *shops.Shop, dateISO string) {
	f.purged = append(f.purged, dateISO)
}

func newTestCommitter(store *fakeStore, cal *fakeCalendar, hours *fakeHours) (*Committer, *[]time.Duration) {
	c := NewCommitter(store, cal, hours, nil, logging.Default())
	sleeps := &[]time.Duration{}
	c.sleep = func(d time.Duration) { *sleeps = append(*sleeps, d) }
	return c, sleeps
}

func TestBookConfirmed(t *testing.T) {
	store := &fakeStore{insertID: 42}
	cal := &fakeCalendar{eventID: "ev-9"}
	hours := &fakeHours{}
	c, _ := newTestCommitter(store, cal, hours)

	res, err := c.Book(context.Background(), testShop(), testBooking())
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if res.Outcome != OutcomeConfirmed || res.ReservationID != 42 || res.EventID != "ev-9" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(cal.created) != 1 {
		t.Fatalf("expected one calendar event, got %d", len(cal.created))
	}
	ev := cal.created[0]
	if ev.Key != "7:2026-09-02:10:00:42" {
		t.Fatalf("unexpected event key %q", ev.Key)
	}
	if ev.ServiceName != "Corte" || ev.DurationMin != 30 {
		t.Fatalf("expected service copied onto event, got %+v", ev)
	}
	if store.eventIDs[42] != "ev-9" {
		t.Fatalf("expected event id saved, got %v", store.eventIDs)
	}
	if len(hours.purged) != 1 || hours.purged[0] != "2026-09-02" {
		t.Fatalf("expected day purge, got %v", hours.purged)
	}
}

func TestBookCarriesStaffName(t *testing.T) {
	store := &fakeStore{insertID: 42}
	cal := &fakeCalendar{}
	c, _ := newTestCommitter(store, cal, &fakeHours{})

	b := testBooking()
	b.StaffID = staffPtr(3)
	if _, err := c.Book(context.Background(), testShop(), b); err != nil {
		t.Fatalf("book: %v", err)
	}
	if cal.created[0].StaffName != "Luis" {
		t.Fatalf("expected staff name on event, got %q", cal.created[0].StaffName)
	}
}

func TestBookRetriesLockTimeout(t *testing.T) {
	store := &fakeStore{insertID: 42, insertErrs: []error{ErrLockTimeout, nil}}
	c, sleeps := newTestCommitter(store, &fakeCalendar{eventID: "ev-1"}, &fakeHours{})

	res, err := c.Book(context.Background(), testShop(), testBooking())
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if res.Outcome != OutcomeConfirmed {
		t.Fatalf("expected confirmed after retry, got %+v", res)
	}
	if store.inserts != 2 {
		t.Fatalf("expected 2 insert attempts, got %d", store.inserts)
	}
	if len(*sleeps) != 1 {
		t.Fatalf("expected one backoff sleep, got %v", *sleeps)
	}
	if d := (*sleeps)[0]; d < 150*time.Millisecond || d >= 200*time.Millisecond {
		t.Fatalf("backoff out of range: %v", d)
	}
}

func TestBookLockBusyAfterRetries(t *testing.T) {
	store := &fakeStore{insertErrs: []error{ErrLockTimeout, ErrLockTimeout}}
	cal := &fakeCalendar{}
	hours := &fakeHours{}
	c, sleeps := newTestCommitter(store, cal, hours)

	res, err := c.Book(context.Background(), testShop(), testBooking())
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if res.Outcome != OutcomeLockBusy {
		t.Fatalf("expected lock busy, got %+v", res)
	}
	if store.inserts != 2 || len(*sleeps) != 1 {
		t.Fatalf("expected 2 attempts and one sleep, got %d/%v", store.inserts, *sleeps)
	}
	if len(cal.created) != 0 || len(hours.purged) != 0 {
		t.Fatalf("expected no calendar call or purge on lock busy")
	}
}

func TestBookNoSlot(t *testing.T) {
	store := &fakeStore{insertErrs: []error{ErrNoSlot}}
	cal := &fakeCalendar{}
	c, _ := newTestCommitter(store, cal, &fakeHours{})

	res, err := c.Book(context.Background(), testShop(), testBooking())
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if res.Outcome != OutcomeNoSlot {
		t.Fatalf("expected no slot, got %+v", res)
	}
	if len(cal.created) != 0 {
		t.Fatalf("expected no calendar call on lost capacity race")
	}
}

func TestBookInsertErrorPropagates(t *testing.T) {
	store := &fakeStore{insertErrs: []error{errors.New("pool closed")}}
	c, _ := newTestCommitter(store, &fakeCalendar{}, &fakeHours{})

	if _, err := c.Book(context.Background(), testShop(), testBooking()); err == nil {
		t.Fatalf("expected insert error to propagate")
	}
}

func TestBookCalendarCapacityCompensates(t *testing.T) {
	store := &fakeStore{insertID: 42}
	cal := &fakeCalendar{createErr: gcal.ErrCalendarCapacity}
	hours := &fakeHours{}
	c, _ := newTestCommitter(store, cal, hours)

	res, err := c.Book(context.Background(), testShop(), testBooking())
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if res.Outcome != OutcomeNoSlot {
		t.Fatalf("expected no slot after calendar rejection, got %+v", res)
	}
	if len(store.cancelled) != 1 || store.cancelled[0] != 42 {
		t.Fatalf("expected compensating cancel of 42, got %v", store.cancelled)
	}
	if len(hours.purged) != 1 {
		t.Fatalf("expected day purge after compensation, got %v", hours.purged)
	}
}

func TestBookCalendarDownKeepsReservation(t *testing.T) {
	store := &fakeStore{insertID: 42}
	cal := &fakeCalendar{createErr: errors.New("network down")}
	hours := &fakeHours{}
	c, _ := newTestCommitter(store, cal, hours)

	res, err := c.Book(context.Background(), testShop(), testBooking())
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if res.Outcome != OutcomeConfirmed || res.EventID != "" {
		t.Fatalf("expected confirmed without event id, got %+v", res)
	}
	if len(store.cancelled) != 0 {
		t.Fatalf("expected no compensation on calendar outage")
	}
	if len(store.eventIDs) != 0 {
		t.Fatalf("expected no event id save, got %v", store.eventIDs)
	}
	if len(hours.purged) != 1 {
		t.Fatalf("expected day purge, got %v", hours.purged)
	}
}

func TestBookWithoutCalendar(t *testing.T) {
	store := &fakeStore{insertID: 42}
	cal := &fakeCalendar{createErr: gcal.ErrMissingCalendarID}
	c, _ := newTestCommitter(store, cal, &fakeHours{})

	res, err := c.Book(context.Background(), testShop(), testBooking())
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if res.Outcome != OutcomeConfirmed || res.EventID != "" {
		t.Fatalf("expected confirmed without event, got %+v", res)
	}
}

func TestCancelBooking(t *testing.T) {
	res := &Reservation{ID: 42, ShopID: 7, DateISO: "2026-09-02", EventID: "ev-9"}

	t.Run("cancels and deletes event", func(t *testing.T) {
		store := &fakeStore{}
		cal := &fakeCalendar{}
		hours := &fakeHours{}
		c, _ := newTestCommitter(store, cal, hours)

		outcome, err := c.CancelBooking(context.Background(), testShop(), res)
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if outcome != CancelDone {
			t.Fatalf("expected done, got %v", outcome)
		}
		if len(store.cancelled) != 1 || store.cancelled[0] != 42 {
			t.Fatalf("expected cancel of 42, got %v", store.cancelled)
		}
		if len(cal.deleted) != 1 || cal.deleted[0] != "ev-9" {
			t.Fatalf("expected calendar delete, got %v", cal.deleted)
		}
		if len(hours.purged) != 1 || hours.purged[0] != "2026-09-02" {
			t.Fatalf("expected day purge, got %v", hours.purged)
		}
	})

	t.Run("already cancelled deletes nothing", func(t *testing.T) {
		store := &fakeStore{cancelErr: ErrAlreadyCancelled}
		cal := &fakeCalendar{}
		hours := &fakeHours{}
		c, _ := newTestCommitter(store, cal, hours)

		outcome, err := c.CancelBooking(context.Background(), testShop(), res)
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if outcome != CancelAlreadyCancelled {
			t.Fatalf("expected already cancelled, got %v", outcome)
		}
		if len(cal.deleted) != 0 || len(hours.purged) != 0 {
			t.Fatalf("expected no second delete or purge, got %v/%v", cal.deleted, hours.purged)
		}
	})

	t.Run("missing row", func(t *testing.T) {
		store := &fakeStore{cancelErr: ErrNotFound}
		cal := &fakeCalendar{}
		hours := &fakeHours{}
		c, _ := newTestCommitter(store, cal, hours)

		outcome, err := c.CancelBooking(context.Background(), testShop(), res)
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if outcome != CancelNotFound {
			t.Fatalf("expected not found, got %v", outcome)
		}
		if len(cal.deleted) != 0 || len(hours.purged) != 0 {
			t.Fatalf("expected no cleanup for a missing row, got %v/%v", cal.deleted, hours.purged)
		}
	})

	t.Run("lock busy after retries", func(t *testing.T) {
		store := &fakeStore{cancelErr: ErrLockTimeout}
		cal := &fakeCalendar{}
		hours := &fakeHours{}
		c, sleeps := newTestCommitter(store, cal, hours)

		outcome, err := c.CancelBooking(context.Background(), testShop(), res)
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if outcome != CancelLockBusy {
			t.Fatalf("expected lock busy, got %v", outcome)
		}
		if len(store.cancelled) != 2 || len(*sleeps) != 1 {
			t.Fatalf("expected 2 attempts and one sleep, got %d/%v", len(store.cancelled), *sleeps)
		}
		if len(cal.deleted) != 0 || len(hours.purged) != 0 {
			t.Fatalf("expected no cleanup while lock busy")
		}
	})

	t.Run("repo error propagates", func(t *testing.T) {
		store := &fakeStore{cancelErr: errors.New("pool closed")}
		cal := &fakeCalendar{}
		hours := &fakeHours{}
		c, _ := newTestCommitter(store, cal, hours)

		if _, err := c.CancelBooking(context.Background(), testShop(), res); err == nil {
			t.Fatalf("expected error to propagate")
		}
		if len(cal.deleted) != 0 || len(hours.purged) != 0 {
			t.Fatalf("expected no cleanup on repo error")
		}
	})

	t.Run("no event id skips calendar", func(t *testing.T) {
		store := &fakeStore{}
		cal := &fakeCalendar{}
		c, _ := newTestCommitter(store, cal, &fakeHours{})

		plain := &Reservation{ID: 43, ShopID: 7, DateISO: "2026-09-02"}
		if _, err := c.CancelBooking(context.Background(), testShop(), plain); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if len(cal.deleted) != 0 {
			t.Fatalf("expected no calendar delete, got %v", cal.deleted)
		}
	})
}
