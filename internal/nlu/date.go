package nlu

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/agendabot/agendabot/internal/shops"
)

var (
	reISODate  = regexp.MustCompile(`\b(\d{4})[-/](\d{1,2})[-/](\d{1,2})\b`)
	reDMYDate  = regexp.MustCompile(`\b(\d{1,2})[/\-.](\d{1,2})(?:[/\-.](\d{2,4}))?\b`)
	reDayMonth = regexp.MustCompile(`\b(\d{1,2})\s+(?:de\s+)?([a-z]+)(?:\s+(?:de\s+|del\s+)?(\d{2,4}))?\b`)
	reMonthDay = regexp.MustCompile(`\b([a-z]+)\s+(\d{1,2})(?:\s+(?:de\s+|del\s+)?(\d{2,4}))?\b`)
	reInDays   = regexp.MustCompile(`\ben\s+(\d{1,3})\s+dias?\b`)
	reBareDay  = regexp.MustCompile(`^(?:el\s+)?(\d{1,2})$`)
	reISOOut   = regexp.MustCompile(`\b(\d{4})-(\d{1,2})-(\d{1,2})\b`)
)

var monthsES = map[string]time.Month{
	"enero": time.January, "ene": time.January,
	"febrero": time.February, "feb": time.February,
	"marzo": time.March, "mar": time.March,
	"abril": time.April, "abr": time.April,
	"mayo": time.May, "may": time.May,
	"junio": time.June, "jun": time.June,
	"julio": time.July, "jul": time.July,
	"agosto": time.August, "ago": time.August,
	"septiembre": time.September, "setiembre": time.September,
	"sept": time.September, "sep": time.September, "set": time.September,
	"octubre": time.October, "oct": time.October,
	"noviembre": time.November, "nov": time.November,
	"diciembre": time.December, "dic": time.December,
}

var weekdaysES = map[string]time.Weekday{
	"lunes":     time.Monday,
	"martes":    time.Tuesday,
	"miercoles": time.Wednesday,
	"jueves":    time.Thursday,
	"viernes":   time.Friday,
	"sabado":    time.Saturday,
	"domingo":   time.Sunday,
}

// ParseDate reads a Spanish date expression day-first: "03/09/2026",
// "3-9-26", "2026-09-03", "15 de octubre", "oct 15", "hoy", "mañana",
// "el lunes", "en 3 días", a bare day of month. Returns ISO
// YYYY-MM-DD. Relative forms resolve against now.
func ParseDate(text string, now time.Time) (string, bool) {
	raw := strings.ToLower(strings.TrimSpace(text))
	if raw == "" {
		return "", false
	}
	words := MatchKey(text)

	switch words {
	case "hoy":
		return isoDate(now), true
	case "manana":
		return isoDate(now.AddDate(0, 0, 1)), true
	case "pasado manana":
		return isoDate(now.AddDate(0, 0, 2)), true
	}

	if m := reISODate.FindStringSubmatch(raw); m != nil {
		y, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		d, _ := strconv.Atoi(m[3])
		return validDate(y, time.Month(mo), d)
	}
	if m := reDMYDate.FindStringSubmatch(raw); m != nil {
		d, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		y := now.Year()
		if m[3] != "" {
			y, _ = strconv.Atoi(m[3])
			if y < 100 {
				y += 2000
			}
		}
		return validDate(y, time.Month(mo), d)
	}

	if m := reInDays.FindStringSubmatch(words); m != nil {
		n, _ := strconv.Atoi(m[1])
		return isoDate(now.AddDate(0, 0, n)), true
	}

	if iso, ok := parseWeekday(words, now); ok {
		return iso, true
	}

	if m := reDayMonth.FindStringSubmatch(words); m != nil {
		if mo, ok := monthsES[m[2]]; ok {
			d, _ := strconv.Atoi(m[1])
			y := yearOrDefault(m[3], now)
			return validDate(y, mo, d)
		}
	}
	if m := reMonthDay.FindStringSubmatch(words); m != nil {
		if mo, ok := monthsES[m[1]]; ok {
			d, _ := strconv.Atoi(m[2])
			y := yearOrDefault(m[3], now)
			return validDate(y, mo, d)
		}
	}

	if m := reBareDay.FindStringSubmatch(words); m != nil {
		d, _ := strconv.Atoi(m[1])
		return validDate(now.Year(), now.Month(), d)
	}

	return "", false
}

// parseWeekday resolves "lunes", "el lunes", "este viernes", "proximo
// martes" to the upcoming occurrence; "proximo" on today's weekday
// jumps a full week.
func parseWeekday(words string, now time.Time) (string, bool) {
	fields := strings.Fields(words)
	proximo := false
	var day time.Weekday
	found := false
	for _, f := range fields {
		switch f {
		case "el", "este", "esta":
		case "proximo", "proxima", "siguiente":
			proximo = true
		default:
			if wd, ok := weekdaysES[f]; ok && !found {
				day, found = wd, true
			} else {
				return "", false
			}
		}
	}
	if !found {
		return "", false
	}
	delta := (int(day) - int(now.Weekday()) + 7) % 7
	if delta == 0 && proximo {
		delta = 7
	}
	return isoDate(now.AddDate(0, 0, delta)), true
}

func yearOrDefault(s string, now time.Time) int {
	if s == "" {
		return now.Year()
	}
	y, _ := strconv.Atoi(s)
	if y < 100 {
		y += 2000
	}
	return y
}

func validDate(y int, mo time.Month, d int) (string, bool) {
	if y < 1 || d < 1 {
		return "", false
	}
	dt := time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
	if dt.Year() != y || dt.Month() != mo || dt.Day() != d {
		return "", false
	}
	return dt.Format("2006-01-02"), true
}

func isoDate(t time.Time) string {
	return t.Format("2006-01-02")
}

// NormalizeDateOutput cleans an interpreter reply down to YYYY-MM-DD,
// tolerating missing zero padding and trailing punctuation.
func NormalizeDateOutput(s string) (string, bool) {
	s = strings.Trim(strings.TrimSpace(s), " .,'\"")
	m := reISOOut.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	y, _ := strconv.Atoi(m[1])
	mo, _ := strconv.Atoi(m[2])
	d, _ := strconv.Atoi(m[3])
	return validDate(y, time.Month(mo), d)
}

// ResolveDate parses a date expression, trying the deterministic
// grammar before the interpreter.
func ResolveDate(ctx context.Context, itp Interpreter, shop *shops.Shop, message string, now time.Time) (string, bool) {
	if iso, ok := ParseDate(message, now); ok {
		return iso, true
	}
	if itp == nil {
		return "", false
	}
	out, err := itp.Date(ctx, shop, message)
	if err != nil {
		return "", false
	}
	return NormalizeDateOutput(out)
}
