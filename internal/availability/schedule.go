// Package availability computes bookable start times for a shop from
// its weekly schedule, calendar occupancy and reservation load.
package availability

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Window is one opening stretch within a day, in minutes from midnight.
type Window struct {
	Start int
	End   int
}

// Range is a busy interval within one day, in minutes from midnight.
type Range struct {
	Start int
	End   int
}

var weekdayKeys = [7]string{"mon", "tue", "wed", "thu", "fri", "sat", "sun"}

// WeekdayES maps a weekday to its Spanish name as used in closed-day
// configuration and user-facing messages.
func WeekdayES(wd time.Weekday) string {
	switch wd {
	case time.Monday:
		return "lunes"
	case time.Tuesday:
		return "martes"
	case time.Wednesday:
		return "miércoles"
	case time.Thursday:
		return "jueves"
	case time.Friday:
		return "viernes"
	case time.Saturday:
		return "sábado"
	default:
		return "domingo"
	}
}

// ToMinutes parses "HH:MM" into minutes from midnight.
func ToMinutes(hhmm string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(hhmm), ":", 3)
	if len(parts) < 2 {
		return 0, fmt.Errorf("availability: bad time %q", hhmm)
	}
	h, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, fmt.Errorf("availability: bad time %q", hhmm)
	}
	m, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, fmt.Errorf("availability: bad time %q", hhmm)
	}
	return h*60 + m, nil
}

// FromMinutes renders minutes from midnight as "HH:MM".
func FromMinutes(n int) string {
	if n < 0 {
		n = 0
	}
	return fmt.Sprintf("%02d:%02d", n/60, n%60)
}

// Overlaps reports whether [s1,s1+d1) and [s2,s2+d2) intersect.
func Overlaps(s1, d1, s2, d2 int) bool {
	return s1 < s2+d2 && s2 < s1+d1
}

func defaultWindows() []Window {
	return []Window{{Start: 9 * 60, End: 20 * 60}}
}

func parseLegacyWindows(schedule string) []Window {
	var windows []Window
	for _, part := range strings.Split(schedule, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		a, b, ok := strings.Cut(part, "-")
		if !ok {
			continue
		}
		start, err := ToMinutes(a)
		if err != nil {
			continue
		}
		end, err := ToMinutes(b)
		if err != nil {
			continue
		}
		windows = append(windows, Window{Start: start, End: end})
	}
	if len(windows) == 0 {
		return defaultWindows()
	}
	return windows
}

// WindowsFor resolves the opening windows of one weekday. The schedule
// is either a JSON object keyed by weekday ({"mon":["09:00-14:00"]}...)
// or the legacy comma-separated form applied to every day. A weekday
// missing from the JSON form means the shop is closed that day.
func WindowsFor(schedule string, weekday time.Weekday) []Window {
	trimmed := strings.TrimSpace(schedule)
	if trimmed == "" {
		return defaultWindows()
	}

	if trimmed[0] == '{' || trimmed[0] == '[' {
		var byDay map[string][]string
		if err := json.Unmarshal([]byte(trimmed), &byDay); err != nil {
			return parseLegacyWindows(schedule)
		}
		key := weekdayKeys[(int(weekday)+6)%7]
		ranges := byDay[key]
		if ranges == nil {
			ranges = byDay[strings.ToUpper(key)]
		}
		if ranges == nil {
			ranges = byDay[strings.ToUpper(key[:1])+key[1:]]
		}
		if len(ranges) == 0 {
			return nil
		}
		var windows []Window
		for _, r := range ranges {
			a, b, ok := strings.Cut(r, "-")
			if !ok {
				continue
			}
			start, err := ToMinutes(a)
			if err != nil {
				continue
			}
			end, err := ToMinutes(b)
			if err != nil {
				continue
			}
			windows = append(windows, Window{Start: start, End: end})
		}
		return windows
	}

	return parseLegacyWindows(schedule)
}

// ParseISODate parses "YYYY-MM-DD" into a date anchored in loc.
func ParseISODate(s string, loc *time.Location) (time.Time, error) {
	d, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(s), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("availability: bad date %q", s)
	}
	return d, nil
}

// FormatDateES renders an ISO date as dd/mm/yyyy for user-facing text.
// Values that do not parse are returned as-is.
func FormatDateES(iso string) string {
	d, err := time.Parse("2006-01-02", strings.TrimSpace(iso))
	if err != nil {
		return iso
	}
	return d.Format("02/01/2006")
}
