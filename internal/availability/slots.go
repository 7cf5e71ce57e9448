package availability

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/agendabot/agendabot/internal/kv"
	"github.com/agendabot/agendabot/internal/shops"
	"github.com/agendabot/agendabot/pkg/logging"
)

// BusySource lists calendar occupancy for one day.
type BusySource interface {
	BusyRanges(ctx context.Context, shop *shops.Shop, dateISO string) ([]Range, error)
}

// StaffAgenda reports reservation intervals already held by one staff
// member on one day.
type StaffAgenda interface {
	StaffDayIntervals(ctx context.Context, shopID, staffID int64, dateISO string) ([]Range, error)
}

// Engine computes free start times. Shared-capacity queries are cached
// briefly; per-staff queries always hit the sources.
type Engine struct {
	busy   BusySource
	agenda StaffAgenda
	store  kv.Store
	ttl    time.Duration
	logger *logging.Logger
	now    func() time.Time
}

func NewEngine(busy BusySource, agenda StaffAgenda, store kv.Store, cacheTTL time.Duration, logger *logging.Logger) *Engine {
	if busy == nil {
		panic("availability: busy source required")
	}
	if agenda == nil {
		panic("availability: staff agenda required")
	}
	if store == nil {
		panic("availability: kv store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cacheTTL <= 0 {
		cacheTTL = 2 * time.Minute
	}
	return &Engine{
		busy:   busy,
		agenda: agenda,
		store:  store,
		ttl:    cacheTTL,
		logger: logger,
		now:    time.Now,
	}
}

// Slots returns free "HH:MM" start times for the whole shop: a slot is
// bookable while the calendar events overlapping it stay below the
// staff count.
func (e *Engine) Slots(ctx context.Context, shop *shops.Shop, svc *shops.Service, dateISO string) ([]string, error) {
	key := hoursCacheKey(shop.ID, svc, dateISO)
	if cached, err := e.store.Get(ctx, key); err == nil {
		var hours []string
		if json.Unmarshal([]byte(cached), &hours) == nil {
			return hours, nil
		}
	}

	hours, err := e.SlotsFresh(ctx, shop, svc, dateISO)
	if err != nil {
		return nil, err
	}

	if payload, err := json.Marshal(hours); err == nil {
		if err := e.store.SetEx(ctx, key, string(payload), e.ttl); err != nil {
			e.logger.Warn("hours cache write failed", "error", err)
		}
	}
	return hours, nil
}

// SlotsFresh is Slots without reading or writing the cache; reused by
// the booking commit path to re-check occupancy after a collision.
func (e *Engine) SlotsFresh(ctx context.Context, shop *shops.Shop, svc *shops.Service, dateISO string) ([]string, error) {
	loc := shop.Location()
	d, err := ParseISODate(dateISO, loc)
	if err != nil {
		return nil, err
	}

	capacity := shop.StaffCount
	if capacity <= 0 {
		capacity = 1
	}

	localNow := e.now().In(loc)
	ok, cutoff := e.leadBounds(shop, d, localNow)
	if !ok {
		return []string{}, nil
	}

	busy, err := e.busy.BusyRanges(ctx, shop, dateISO)
	if err != nil {
		return nil, fmt.Errorf("availability: busy ranges: %w", err)
	}

	concurrent := func(a, b int) int {
		n := 0
		for _, r := range busy {
			if a < r.End && r.Start < b {
				n++
			}
		}
		return n
	}

	slots := make([]string, 0, 16)
	e.walkSlots(shop, svc, d, cutoff, func(cur, end int) {
		if concurrent(cur, end) < capacity {
			slots = append(slots, FromMinutes(cur))
		}
	})
	return slots, nil
}

// SlotsForStaff returns free start times for one staff member: any
// calendar overlap blocks the slot, and so does any reservation the
// staff member already holds.
func (e *Engine) SlotsForStaff(ctx context.Context, shop *shops.Shop, svc *shops.Service, staffID int64, dateISO string) ([]string, error) {
	loc := shop.Location()
	d, err := ParseISODate(dateISO, loc)
	if err != nil {
		return nil, err
	}

	localNow := e.now().In(loc)
	ok, cutoff := e.leadBounds(shop, d, localNow)
	if !ok {
		return []string{}, nil
	}

	busy, err := e.busy.BusyRanges(ctx, shop, dateISO)
	if err != nil {
		return nil, fmt.Errorf("availability: busy ranges: %w", err)
	}
	held, err := e.agenda.StaffDayIntervals(ctx, shop.ID, staffID, dateISO)
	if err != nil {
		return nil, fmt.Errorf("availability: staff agenda: %w", err)
	}

	blocked := func(a, b int, ranges []Range) bool {
		for _, r := range ranges {
			if a < r.End && r.Start < b {
				return true
			}
		}
		return false
	}

	slots := make([]string, 0, 16)
	e.walkSlots(shop, svc, d, cutoff, func(cur, end int) {
		if blocked(cur, end, busy) {
			return
		}
		if blocked(cur, end, held) {
			return
		}
		slots = append(slots, FromMinutes(cur))
	})
	return slots, nil
}

// leadBounds applies the booking horizon: false when the date is past
// the maximum lead, and a same-day cutoff in minutes otherwise (-1
// when the date is not today).
func (e *Engine) leadBounds(shop *shops.Shop, d time.Time, localNow time.Time) (bool, int) {
	today := time.Date(localNow.Year(), localNow.Month(), localNow.Day(), 0, 0, 0, 0, localNow.Location())

	maxDays := shop.MaxLeadDays
	if maxDays <= 0 {
		maxDays = 150
	}
	if d.After(today.AddDate(0, 0, maxDays)) {
		return false, -1
	}

	cutoff := -1
	if d.Equal(today) {
		minLead := shop.MinLeadMin
		if minLead <= 0 {
			minLead = 60
		}
		cutoff = localNow.Hour()*60 + localNow.Minute() + minLead
	}
	return true, cutoff
}

func (e *Engine) walkSlots(shop *shops.Shop, svc *shops.Service, d time.Time, cutoff int, visit func(cur, end int)) {
	step := shop.SlotStepMin
	if step <= 0 {
		step = 30
	}
	dur := 30
	if svc != nil && svc.DurationMin > 0 {
		dur = svc.DurationMin
	}

	for _, w := range WindowsFor(shop.Schedule, d.Weekday()) {
		for cur := w.Start; cur+dur <= w.End; cur += step {
			if cutoff >= 0 && cur < cutoff {
				continue
			}
			visit(cur, cur+dur)
		}
	}
}

// FilterFromNow drops start times already past when dateISO is today
// in the shop timezone.
func (e *Engine) FilterFromNow(shop *shops.Shop, hours []string, dateISO string) []string {
	loc := shop.Location()
	d, err := ParseISODate(dateISO, loc)
	if err != nil {
		return hours
	}
	localNow := e.now().In(loc)
	if d.Year() != localNow.Year() || d.YearDay() != localNow.YearDay() {
		return hours
	}

	nowMin := localNow.Hour()*60 + localNow.Minute()
	kept := make([]string, 0, len(hours))
	for _, h := range hours {
		min, err := ToMinutes(h)
		if err != nil {
			continue
		}
		if min > nowMin {
			kept = append(kept, h)
		}
	}
	return kept
}

// NextDatesWithSlots scans forward from fromISO and returns up to
// maxItems dates (dd/mm/yyyy) that still have at least one free hour.
// Days whose sources fail are skipped.
func (e *Engine) NextDatesWithSlots(ctx context.Context, shop *shops.Shop, svc *shops.Service, staffID *int64, fromISO string, maxItems int) []string {
	loc := shop.Location()
	from, err := ParseISODate(fromISO, loc)
	if err != nil {
		return nil
	}
	maxDays := shop.MaxLeadDays
	if maxDays <= 0 {
		maxDays = 150
	}

	var found []string
	for delta := 1; delta <= maxDays && len(found) < maxItems; delta++ {
		d := from.AddDate(0, 0, delta)
		iso := d.Format("2006-01-02")

		var hours []string
		var herr error
		if staffID != nil {
			hours, herr = e.SlotsForStaff(ctx, shop, svc, *staffID, iso)
		} else {
			hours, herr = e.Slots(ctx, shop, svc, iso)
		}
		if herr != nil {
			e.logger.Warn("skipping day while suggesting dates", "date", iso, "error", herr)
			continue
		}
		hours = e.FilterFromNow(shop, hours, iso)
		if len(hours) > 0 {
			found = append(found, d.Format("02/01/2006"))
		}
	}
	return found
}

// PurgeDay invalidates the cached hours of every service variant for
// one day, called after a booking or cancellation changes occupancy.
func (e *Engine) PurgeDay(ctx context.Context, shop *shops.Shop, dateISO string) {
	keys := make([]string, 0, len(shop.Services)+1)
	for i := range shop.Services {
		keys = append(keys, hoursCacheKey(shop.ID, &shop.Services[i], dateISO))
	}
	keys = append(keys, hoursCacheKey(shop.ID, nil, dateISO))
	if err := e.store.Delete(ctx, keys...); err != nil {
		e.logger.Warn("hours cache purge failed", "date", dateISO, "error", err)
	}
}

func hoursCacheKey(shopID int64, svc *shops.Service, dateISO string) string {
	svcPart := "none"
	if svc != nil {
		svcPart = strconv.FormatInt(svc.ID, 10)
	}
	return fmt.Sprintf("horas:%d:%s:%s", shopID, svcPart, dateISO)
}
