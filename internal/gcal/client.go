// Package gcal wraps the Google Calendar API for the two uses the
// booking engine has: reading one day of occupancy and mirroring
// reservations as events, idempotently keyed by a private property.
package gcal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/agendabot/agendabot/internal/availability"
	"github.com/agendabot/agendabot/internal/shops"
	"github.com/agendabot/agendabot/pkg/logging"
)

var (
	// ErrMissingCalendarID means the shop has no calendar configured.
	ErrMissingCalendarID = errors.New("gcal: shop has no calendar id")

	// ErrCalendarCapacity means the event was inserted but the slot
	// turned out to be over capacity, so it was rolled back.
	ErrCalendarCapacity = errors.New("gcal: slot over capacity")

	// ErrMissingEventID means a delete was requested without an id.
	ErrMissingEventID = errors.New("gcal: missing event id")
)

// BookingEvent is the calendar payload for one reservation.
type BookingEvent struct {
	// Key is the private idempotency property, shaped
	// "<shopID>:<date>:<hour>:<reservationID>".
	Key           string
	ReservationID int64
	DateISO       string
	StartTime     string
	DurationMin   int
	ServiceName   string
	CustomerName  string
	Phone         string
	StaffName     string
}

// Client talks to one Google Calendar per shop.
type Client struct {
	svc    *calendar.Service
	logger *logging.Logger
	tracer trace.Tracer
	sleep  func(time.Duration)
}

var _ availability.BusySource = (*Client)(nil)

// New builds a client authenticated with a service account file.
func New(ctx context.Context, credentialsFile string, logger *logging.Logger) (*Client, error) {
	svc, err := calendar.NewService(ctx,
		option.WithCredentialsFile(credentialsFile),
		option.WithScopes(calendar.CalendarScope),
	)
	if err != nil {
		return nil, fmt.Errorf("gcal: build service: %w", err)
	}
	return NewWithService(svc, logger), nil
}

// NewWithService wraps an already-built calendar service.
func NewWithService(svc *calendar.Service, logger *logging.Logger) *Client {
	if svc == nil {
		panic("gcal: calendar service required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{
		svc:    svc,
		logger: logger,
		tracer: otel.Tracer("agendabot.internal.gcal"),
		sleep:  time.Sleep,
	}
}

// retry runs fn up to three times, backing off on throttling and
// server errors. Other API errors fail immediately.
func (c *Client) retry(fn func() error) error {
	var err error
	for i := 0; i < 3; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		var gerr *googleapi.Error
		if errors.As(err, &gerr) {
			switch gerr.Code {
			case 429, 500, 502, 503, 504:
				c.sleep(500 * time.Millisecond * (1 << i))
				continue
			}
			return err
		}
		if i < 2 {
			c.sleep(500 * time.Millisecond * (1 << i))
		}
	}
	return err
}

// BusyRanges lists the occupied intervals of one day in the shop
// calendar. Cancelled events are skipped; an all-day event blocks
// 00:00-23:59. A shop without a calendar simply has no busy ranges.
func (c *Client) BusyRanges(ctx context.Context, shop *shops.Shop, dateISO string) ([]availability.Range, error) {
	ctx, span := c.tracer.Start(ctx, "gcal.busy_ranges")
	defer span.End()

	if shop.CalendarID == "" {
		return nil, nil
	}
	loc := shop.Location()
	day, err := availability.ParseISODate(dateISO, loc)
	if err != nil {
		return nil, err
	}

	var resp *calendar.Events
	err = c.retry(func() error {
		var callErr error
		resp, callErr = c.svc.Events.List(shop.CalendarID).
			TimeMin(day.Format(time.RFC3339)).
			TimeMax(day.AddDate(0, 0, 1).Format(time.RFC3339)).
			SingleEvents(true).
			OrderBy("startTime").
			ShowDeleted(false).
			MaxResults(2500).
			Context(ctx).
			Do()
		return callErr
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("gcal: list day events: %w", err)
	}

	var ranges []availability.Range
	for _, ev := range resp.Items {
		if ev.Status == "cancelled" {
			continue
		}
		if ev.Start == nil || ev.End == nil {
			continue
		}
		if ev.Start.DateTime == "" || ev.End.DateTime == "" {
			if ev.Start.Date != "" && ev.End.Date != "" {
				ranges = append(ranges, availability.Range{Start: 0, End: 23*60 + 59})
			}
			continue
		}
		start, ok := clockMinutes(ev.Start.DateTime)
		if !ok {
			continue
		}
		end, ok := clockMinutes(ev.End.DateTime)
		if !ok {
			continue
		}
		ranges = append(ranges, availability.Range{Start: start, End: end})
	}
	return ranges, nil
}

// clockMinutes extracts the wall-clock HH:MM of an RFC3339 timestamp,
// keeping the offset the calendar reported.
func clockMinutes(rfc3339 string) (int, bool) {
	if len(rfc3339) >= 16 {
		if min, err := availability.ToMinutes(rfc3339[11:16]); err == nil {
			return min, true
		}
	}
	parsed, err := time.Parse(time.RFC3339, rfc3339)
	if err != nil {
		return 0, false
	}
	return parsed.Hour()*60 + parsed.Minute(), true
}

// CreateBooking ensures a calendar event exists for the reservation.
// When an event with the same idempotency key already exists it is
// refreshed in place. After inserting a new event the slot occupancy
// is re-counted; over capacity the event is removed again and
// ErrCalendarCapacity returned.
func (c *Client) CreateBooking(ctx context.Context, shop *shops.Shop, ev BookingEvent) (string, error) {
	ctx, span := c.tracer.Start(ctx, "gcal.create_booking")
	defer span.End()

	if shop.CalendarID == "" {
		return "", ErrMissingCalendarID
	}

	summary := ev.ServiceName + " - " + ev.CustomerName
	description := "Teléfono: " + ev.Phone
	if ev.StaffName != "" {
		summary += " · " + ev.StaffName
		description += "\nProfesional: " + ev.StaffName
	}

	// Idempotent path: an event tagged with the same key is reused.
	existing, err := c.findByKey(ctx, shop.CalendarID, ev.Key)
	if err == nil && existing != nil {
		private := map[string]string{}
		if existing.ExtendedProperties != nil {
			for k, v := range existing.ExtendedProperties.Private {
				private[k] = v
			}
		}
		if _, ok := private["gkey"]; !ok {
			private["gkey"] = ev.Key
		}
		if ev.ReservationID != 0 {
			private["reserva_id"] = fmt.Sprintf("%d", ev.ReservationID)
		}
		patch := &calendar.Event{
			Summary:     summary,
			Description: description,
			ExtendedProperties: &calendar.EventExtendedProperties{
				Private: private,
			},
		}
		patchErr := c.retry(func() error {
			_, callErr := c.svc.Events.Patch(shop.CalendarID, existing.Id, patch).
				SendUpdates("none").
				Context(ctx).
				Do()
			return callErr
		})
		if patchErr != nil {
			span.RecordError(patchErr)
			return "", fmt.Errorf("gcal: patch existing event: %w", patchErr)
		}
		return existing.Id, nil
	}

	loc := shop.Location()
	startMin, err := availability.ToMinutes(ev.StartTime)
	if err != nil {
		return "", err
	}
	durMin := ev.DurationMin
	if durMin <= 0 {
		durMin = 30
	}
	day, err := availability.ParseISODate(ev.DateISO, loc)
	if err != nil {
		return "", err
	}
	start := day.Add(time.Duration(startMin) * time.Minute)
	end := start.Add(time.Duration(durMin) * time.Minute)

	private := map[string]string{"gkey": ev.Key}
	if ev.ReservationID != 0 {
		private["reserva_id"] = fmt.Sprintf("%d", ev.ReservationID)
	}
	body := &calendar.Event{
		Summary:     summary,
		Description: description,
		Start:       &calendar.EventDateTime{DateTime: ev.DateISO + "T" + ev.StartTime + ":00", TimeZone: loc.String()},
		End:         &calendar.EventDateTime{DateTime: end.Format("2006-01-02T15:04:05"), TimeZone: loc.String()},
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: private,
		},
	}
	created, err := c.svc.Events.Insert(shop.CalendarID, body).
		SendUpdates("none").
		Context(ctx).
		Do()
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("gcal: insert event: %w", err)
	}

	capacity := shop.StaffCount
	if capacity < 1 {
		capacity = 1
	}
	overlaps, err := c.countOverlaps(ctx, shop.CalendarID, start, end)
	if err == nil && overlaps > capacity {
		// Lost the race: another writer filled the slot first.
		delErr := c.retry(func() error {
			return c.svc.Events.Delete(shop.CalendarID, created.Id).Context(ctx).Do()
		})
		if delErr != nil {
			c.logger.Error("rollback of over-capacity event failed",
				"event_id", created.Id, "error", delErr)
		}
		return "", ErrCalendarCapacity
	}

	return created.Id, nil
}

func (c *Client) findByKey(ctx context.Context, calendarID, key string) (*calendar.Event, error) {
	resp, err := c.svc.Events.List(calendarID).
		PrivateExtendedProperty("gkey=" + key).
		MaxResults(1).
		SingleEvents(true).
		Context(ctx).
		Do()
	if err != nil {
		return nil, err
	}
	if len(resp.Items) == 0 {
		return nil, nil
	}
	return resp.Items[0], nil
}

func (c *Client) countOverlaps(ctx context.Context, calendarID string, start, end time.Time) (int, error) {
	var resp *calendar.Events
	err := c.retry(func() error {
		var callErr error
		resp, callErr = c.svc.Events.List(calendarID).
			TimeMin(start.Format(time.RFC3339)).
			TimeMax(end.Format(time.RFC3339)).
			SingleEvents(true).
			OrderBy("startTime").
			ShowDeleted(false).
			MaxResults(2500).
			Context(ctx).
			Do()
		return callErr
	})
	if err != nil {
		return 0, fmt.Errorf("gcal: list overlaps: %w", err)
	}

	count := 0
	for _, ev := range resp.Items {
		if ev.Status == "cancelled" {
			continue
		}
		if ev.Start == nil || ev.End == nil {
			continue
		}
		if ev.Start.DateTime == "" || ev.End.DateTime == "" {
			if ev.Start.Date != "" && ev.End.Date != "" {
				count++
			}
			continue
		}
		s, err1 := time.Parse(time.RFC3339, ev.Start.DateTime)
		e, err2 := time.Parse(time.RFC3339, ev.End.DateTime)
		if err1 != nil || err2 != nil {
			continue
		}
		if !(e.Compare(start) <= 0 || end.Compare(s) <= 0) {
			count++
		}
	}
	return count, nil
}

// Ping verifies the credentials still reach the calendar API. Used by
// the readiness probe.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.svc.CalendarList.List().MaxResults(1).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("gcal: ping: %w", err)
	}
	return nil
}

// DeleteEvent removes a reservation's calendar event. Callers treat
// failures as best-effort.
func (c *Client) DeleteEvent(ctx context.Context, shop *shops.Shop, eventID string) error {
	ctx, span := c.tracer.Start(ctx, "gcal.delete_event")
	defer span.End()

	if eventID == "" {
		return ErrMissingEventID
	}
	if shop.CalendarID == "" {
		return ErrMissingCalendarID
	}
	err := c.retry(func() error {
		return c.svc.Events.Delete(shop.CalendarID, eventID).Context(ctx).Do()
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("gcal: delete event: %w", err)
	}
	return nil
}

// Disabled stands in when no service account is configured: every day
// reads as free and nothing is mirrored. Bookings still commit, they
// just carry no event id.
type Disabled struct{}

var _ availability.BusySource = Disabled{}

func (Disabled) BusyRanges(ctx context.Context, shop *shops.Shop, dateISO string) ([]availability.Range, error) {
	return nil, nil
}

func (Disabled) CreateBooking(ctx context.Context, shop *shops.Shop, ev BookingEvent) (string, error) {
	return "", ErrMissingCalendarID
}

func (Disabled) DeleteEvent(ctx context.Context, shop *shops.Shop, eventID string) error {
	return nil
}
