package availability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agendabot/agendabot/internal/shops"
)

func TestToFromMinutes(t *testing.T) {
	min, err := ToMinutes("09:30")
	require.NoError(t, err)
	assert.Equal(t, 570, min)

	min, err = ToMinutes(" 16:05 ")
	require.NoError(t, err)
	assert.Equal(t, 965, min)

	_, err = ToMinutes("morning")
	assert.Error(t, err)

	assert.Equal(t, "09:30", FromMinutes(570))
	assert.Equal(t, "00:00", FromMinutes(-10))
}

func TestOverlaps(t *testing.T) {
	assert.True(t, Overlaps(600, 30, 615, 30))
	assert.True(t, Overlaps(600, 60, 630, 15))
	assert.False(t, Overlaps(600, 30, 630, 30))
	assert.False(t, Overlaps(630, 30, 600, 30))
}

func TestWindowsForLegacy(t *testing.T) {
	windows := WindowsFor("09:00-14:00, 16:00-20:00", time.Monday)
	require.Len(t, windows, 2)
	assert.Equal(t, Window{Start: 540, End: 840}, windows[0])
	assert.Equal(t, Window{Start: 960, End: 1200}, windows[1])

	// Empty schedule falls back to the default working day.
	windows = WindowsFor("", time.Friday)
	require.Len(t, windows, 1)
	assert.Equal(t, Window{Start: 540, End: 1200}, windows[0])

	// Garbage that is not JSON is treated as legacy; nothing parses,
	// so the default applies.
	windows = WindowsFor("whenever", time.Friday)
	require.Len(t, windows, 1)
	assert.Equal(t, Window{Start: 540, End: 1200}, windows[0])
}

func TestWindowsForJSON(t *testing.T) {
	schedule := `{"mon":["09:00-14:00","16:00-20:00"],"SAT":["10:00-13:00"],"Sun":[]}`

	windows := WindowsFor(schedule, time.Monday)
	require.Len(t, windows, 2)
	assert.Equal(t, Window{Start: 540, End: 840}, windows[0])

	windows = WindowsFor(schedule, time.Saturday)
	require.Len(t, windows, 1)
	assert.Equal(t, Window{Start: 600, End: 780}, windows[0])

	// A weekday missing from the JSON form means closed.
	assert.Empty(t, WindowsFor(schedule, time.Tuesday))
	assert.Empty(t, WindowsFor(schedule, time.Sunday))

	// Broken JSON degrades to the legacy parser and then the default.
	windows = WindowsFor("{oops", time.Monday)
	require.Len(t, windows, 1)
	assert.Equal(t, Window{Start: 540, End: 1200}, windows[0])
}

func TestFormatDateES(t *testing.T) {
	assert.Equal(t, "05/09/2026", FormatDateES("2026-09-05"))
	assert.Equal(t, "not-a-date", FormatDateES("not-a-date"))
}

func TestWeekdayES(t *testing.T) {
	assert.Equal(t, "lunes", WeekdayES(time.Monday))
	assert.Equal(t, "miércoles", WeekdayES(time.Wednesday))
	assert.Equal(t, "domingo", WeekdayES(time.Sunday))
}

func TestNormalizeMonthDay(t *testing.T) {
	assert.Equal(t, "01-01", normalizeMonthDay("1-1"))
	assert.Equal(t, "08-15", normalizeMonthDay("8/15"))
	assert.Equal(t, "12-25", normalizeMonthDay("2026-12-25"))
	assert.Equal(t, "", normalizeMonthDay("navidad"))
	assert.Equal(t, "", normalizeMonthDay(""))
}

func TestCheckDate(t *testing.T) {
	shop := &shops.Shop{
		Timezone:       "Europe/Madrid",
		ClosedWeekdays: "lunes, domingo",
		ClosedDates:    `{"dates":["2026-10-12"],"recurring":["01-01"]}`,
		MaxLeadDays:    30,
		BusinessType:   "peluquería",
	}
	loc := shop.Location()
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, loc) // Tuesday

	issue, _ := CheckDate(shop, "2026-08-31", now)
	assert.Equal(t, DatePast, issue)

	issue, detail := CheckDate(shop, "2026-09-07", now) // Monday
	assert.Equal(t, DateClosedWeekday, issue)
	assert.Equal(t, "lunes", detail)

	issue, detail = CheckDate(shop, "2026-10-12", now)
	assert.Equal(t, DateClosedHoliday, issue)
	assert.Equal(t, "12/10/2026", detail)

	issue, _ = CheckDate(shop, "2027-01-01", now)
	assert.Equal(t, DateClosedRecurring, issue)

	issue, _ = CheckDate(shop, "2026-12-01", now)
	assert.Equal(t, DateTooFar, issue)

	issue, _ = CheckDate(shop, "2026-09-02", now)
	assert.Equal(t, DateOK, issue)

	issue, _ = CheckDate(shop, "mañana", now)
	assert.Equal(t, DateInvalid, issue)
}
