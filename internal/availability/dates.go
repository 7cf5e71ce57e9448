package availability

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/agendabot/agendabot/internal/shops"
)

// DateIssue classifies why a candidate booking date is rejected.
type DateIssue int

const (
	DateOK DateIssue = iota
	DateInvalid
	DatePast
	DateClosedWeekday
	DateClosedHoliday
	DateClosedRecurring
	DateTooFar
)

// CheckDate validates a candidate date against the shop calendar. The
// detail string carries the Spanish weekday name for DateClosedWeekday
// and the dd/mm/yyyy date for DateClosedHoliday.
func CheckDate(shop *shops.Shop, iso string, now time.Time) (DateIssue, string) {
	loc := shop.Location()
	d, err := ParseISODate(iso, loc)
	if err != nil {
		return DateInvalid, ""
	}
	localNow := now.In(loc)
	today := time.Date(localNow.Year(), localNow.Month(), localNow.Day(), 0, 0, 0, 0, loc)

	if d.Before(today) {
		return DatePast, ""
	}

	weekday := WeekdayES(d.Weekday())
	for _, closed := range strings.Split(shop.ClosedWeekdays, ",") {
		if strings.TrimSpace(strings.ToLower(closed)) == weekday {
			return DateClosedWeekday, weekday
		}
	}

	cal := shop.ParseClosedDates()
	for _, holiday := range cal.Dates {
		if strings.TrimSpace(holiday) == iso {
			return DateClosedHoliday, FormatDateES(iso)
		}
	}
	mmdd := d.Format("01-02")
	for _, rec := range cal.Recurring {
		if normalizeMonthDay(rec) == mmdd {
			return DateClosedRecurring, ""
		}
	}

	maxDays := shop.MaxLeadDays
	if maxDays <= 0 {
		maxDays = 150
	}
	if d.After(today.AddDate(0, 0, maxDays)) {
		return DateTooFar, ""
	}
	return DateOK, ""
}

// normalizeMonthDay accepts "MM-DD", "M/D" or "YYYY-MM-DD" and returns
// a zero-padded "MM-DD", or "" when the value is unusable.
func normalizeMonthDay(s string) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "/", "-"))
	parts := strings.Split(s, "-")
	var mm, dd string
	switch len(parts) {
	case 2:
		mm, dd = parts[0], parts[1]
	case 3:
		mm, dd = parts[1], parts[2]
	default:
		return ""
	}
	m, err := strconv.Atoi(mm)
	if err != nil {
		return ""
	}
	d, err := strconv.Atoi(dd)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%02d-%02d", m, d)
}
