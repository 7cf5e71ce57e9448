package nlu

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/agendabot/agendabot/internal/availability"
)

// hourPrefix tolerates "a las 5", "las 5" or a bare "5".
const hourPrefix = `\b(?:a\s+las?\s+|las?\s+)?`

var (
	reMenos      = regexp.MustCompile(hourPrefix + `(\d{1,2})\s*menos\s*(\d{1,2}|media|cuarto|veinticinco|veinte|quince|diez|cinco)\b`)
	reY          = regexp.MustCompile(hourPrefix + `(\d{1,2})\s*y\s*(\d{1,2}|media|cuarto|veinticinco|veinte|quince|diez|cinco)\b`)
	reSep        = regexp.MustCompile(hourPrefix + `(\d{1,2})\s*[:h.]\s*(\d{1,2})\b`)
	reBare       = regexp.MustCompile(hourPrefix + `(\d{1,2})\b`)
	reSepPlain   = regexp.MustCompile(`\b(\d{1,2})\s*[:h.]\s*(\d{1,2})\b`)
	reBarePlain  = regexp.MustCompile(`\b(\d{1,2})\b`)
	reDigitComma = regexp.MustCompile(`\b\d{1,2}\s*,\s*\d{1,2}\b`)
	reWordY      = regexp.MustCompile(`\by\b`)
	reHourOut    = regexp.MustCompile(`\b(\d{1,2}):(\d{2})\b`)
)

var (
	amWords = []string{"am", "mañana", "de la mañana", "por la mañana", "mñna", "mañna", "mñn"}
	pmWords = []string{"pm", "tarde", "noche", "de la tarde", "por la tarde", "de la noche"}

	minuteWords = map[string]int{
		"cinco": 5, "diez": 10, "quince": 15, "veinte": 20,
		"veinticinco": 25, "cuarto": 15, "media": 30,
	}
)

// ParsedHour is an hour guess. Hour is 24h when Ambiguous is false;
// otherwise it is the spoken 12h value and the caller must resolve
// morning versus afternoon.
type ParsedHour struct {
	Hour      int
	Minute    int
	Clue      string // "am", "pm" or empty
	Ambiguous bool
}

// HourGuesser turns free-form hour text into "HH:MM". Implemented by
// the Gemini interpreter.
type HourGuesser interface {
	Hour(ctx context.Context, message string) (string, error)
}

// AMPMClue detects a morning or afternoon marker in the message.
func AMPMClue(text string) string {
	t := strings.ToLower(text)
	for _, w := range amWords {
		if strings.Contains(t, w) {
			return "am"
		}
	}
	for _, w := range pmWords {
		if strings.Contains(t, w) {
			return "pm"
		}
	}
	return ""
}

func minutePart(s string) (int, bool) {
	if n, err := strconv.Atoi(s); err == nil {
		return n, true
	}
	n, ok := minuteWords[s]
	return n, ok
}

// parseAmbiguous reads 12h Spanish forms without an am/pm marker:
// "5 menos cuarto", "5 y media", "5:30", "a las 5".
func parseAmbiguous(text string) (int, int, bool) {
	t := strings.ToLower(strings.TrimSpace(text))
	if AMPMClue(t) != "" {
		return 0, 0, false
	}
	if m := reMenos.FindStringSubmatch(t); m != nil {
		h, _ := strconv.Atoi(m[1])
		if h >= 1 && h <= 12 {
			if sub, ok := minutePart(m[2]); ok && sub >= 1 && sub <= 59 {
				minutes := (60 - sub) % 60
				if h == 1 {
					h = 12
				} else {
					h--
				}
				return h, minutes, true
			}
		}
	}
	if m := reY.FindStringSubmatch(t); m != nil {
		h, _ := strconv.Atoi(m[1])
		if h >= 1 && h <= 12 {
			if min, ok := minutePart(m[2]); ok && min >= 0 && min <= 59 {
				return h, min, true
			}
		}
	}
	if m := reSep.FindStringSubmatch(t); m != nil {
		h, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if h >= 1 && h <= 12 && mm <= 59 {
			return h, mm, true
		}
	}
	if m := reBare.FindStringSubmatch(t); m != nil {
		h, _ := strconv.Atoi(m[1])
		if h >= 1 && h <= 12 {
			return h, 0, true
		}
	}
	return 0, 0, false
}

// NormalizeHour turns hour text into a 24h guess, flagging 12h inputs
// without an am/pm marker as ambiguous. The guesser is consulted only
// when the deterministic grammar does not settle it; a nil result
// means the message was not understood as an hour.
func NormalizeHour(ctx context.Context, guesser HourGuesser, message string) *ParsedHour {
	if h, m, ok := parseAmbiguous(message); ok {
		return &ParsedHour{Hour: h, Minute: m, Ambiguous: true}
	}

	if guesser != nil {
		if out, err := guesser.Hour(ctx, message); err == nil {
			if m := reHourOut.FindStringSubmatch(strings.TrimSpace(out)); m != nil {
				h, _ := strconv.Atoi(m[1])
				mm, _ := strconv.Atoi(m[2])
				if h <= 23 && mm <= 59 {
					return &ParsedHour{Hour: h, Minute: mm}
				}
			}
		}
	}

	t := strings.ToLower(strings.TrimSpace(message))
	if reDigitComma.MatchString(t) {
		// "5, 30" is a list, not an hour.
		return nil
	}
	if reSepPlain.MatchString(t) {
		// A separated hour that survived the grammar and the guesser
		// is out of range or beyond 12h; don't keep guessing.
		return nil
	}
	if strings.Contains(t, "menos") || reWordY.MatchString(t) {
		return nil
	}
	m := reBarePlain.FindStringSubmatch(message)
	if m == nil {
		return nil
	}
	val, _ := strconv.Atoi(m[1])
	if val > 23 {
		return nil
	}
	if val >= 13 || val == 0 {
		return &ParsedHour{Hour: val}
	}
	clue := AMPMClue(message)
	return &ParsedHour{Hour: val, Clue: clue, Ambiguous: clue == ""}
}

// HourChoice is the outcome of matching a parsed hour against the
// day's free slots.
type HourChoice struct {
	OK          bool
	Hour        string
	NeedAMPM    bool
	Candidates  []string
	Suggestions []string
	Reason      string
}

// ChooseFinalHour resolves a parsed hour against the free slots. An
// ambiguous hour free in both halves of the day asks the customer;
// free in one half it is taken; free in neither the closest slots are
// suggested, preferring the afternoon when the day has afternoon
// openings.
func ChooseFinalHour(free []string, p *ParsedHour) HourChoice {
	h, m := p.Hour, p.Minute
	if !p.Ambiguous {
		if p.Clue == "am" && h == 12 {
			h = 0
		}
		if p.Clue == "pm" && h >= 1 && h <= 11 {
			h += 12
		}
		hhmm := availability.FromMinutes(h*60 + m)
		if slices.Contains(free, hhmm) {
			return HourChoice{OK: true, Hour: hhmm}
		}
		sug, reason := Suggestions(free, hhmm, "Esa hora no está disponible.")
		return HourChoice{Suggestions: sug, Reason: reason}
	}

	amH, pmH := h, h+12
	if h == 12 {
		amH, pmH = 0, 12
	}
	am := availability.FromMinutes(amH*60 + m)
	pm := availability.FromMinutes(pmH*60 + m)
	amOK := slices.Contains(free, am)
	pmOK := slices.Contains(free, pm)
	switch {
	case amOK && pmOK:
		return HourChoice{NeedAMPM: true, Candidates: []string{am, pm}}
	case amOK:
		return HourChoice{OK: true, Hour: am}
	case pmOK:
		return HourChoice{OK: true, Hour: pm}
	}

	prefer := am
	for _, x := range free {
		if len(x) >= 2 {
			switch x[:2] {
			case "15", "16", "17", "18", "19", "20", "21":
				prefer = pm
			}
		}
	}
	sug, reason := Suggestions(free, prefer, "No hay hueco exacto a esa hora.")
	return HourChoice{Suggestions: sug, Reason: reason}
}

// Suggestions picks the four free slots closest to ref and phrases why
// the asked hour did not work.
func Suggestions(free []string, ref, reason string) ([]string, string) {
	fallback := reason
	if fallback == "" {
		fallback = "Esa hora no está disponible."
	}

	refMin, err := availability.ToMinutes(ref)
	if err != nil {
		return headSlots(free), fallback
	}
	type slot struct {
		hour string
		dist int
	}
	slots := make([]slot, 0, len(free))
	for _, h := range free {
		min, err := availability.ToMinutes(h)
		if err != nil {
			return headSlots(free), fallback
		}
		d := min - refMin
		if d < 0 {
			d = -d
		}
		slots = append(slots, slot{hour: h, dist: d})
	}
	sort.SliceStable(slots, func(i, j int) bool { return slots[i].dist < slots[j].dist })

	out := make([]string, 0, 4)
	for i := 0; i < len(slots) && i < 4; i++ {
		out = append(out, slots[i].hour)
	}
	if len(free) > 0 {
		first, last := free[0], free[len(free)-1]
		switch {
		case ref < first:
			reason = fmt.Sprintf("A esa hora no hay huecos. La primera disponible es %s.", first)
		case ref > last:
			reason = fmt.Sprintf("A esa hora no damos citas ese día. La última disponible es %s.", last)
		default:
			reason = "Por favor, elige una hora de las disponibles."
		}
	}
	return out, reason
}

func headSlots(free []string) []string {
	if len(free) > 4 {
		return free[:4]
	}
	return free
}
