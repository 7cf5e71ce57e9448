package dialog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/agendabot/agendabot/internal/availability"
	"github.com/agendabot/agendabot/internal/nlu"
	"github.com/agendabot/agendabot/internal/reservations"
	"github.com/agendabot/agendabot/internal/shops"
)

var (
	reServiceRow = regexp.MustCompile(`^SERV_P\d+_(\d+)$`)
	reServiceOld = regexp.MustCompile(`^SERV_(\d+)$`)
	reStaffRow   = regexp.MustCompile(`^PEL_P\d+_(\d+)$`)
	reSmallNum   = regexp.MustCompile(`^\d{1,2}$`)
	reHHMM       = regexp.MustCompile(`(\d{1,2})\s*:\s*(\d{2})`)
)

func (e *Engine) stepServicio(ctx context.Context, sid string, sess *Session, shop *shops.Shop, text, origin string) (*Reply, error) {
	var chosen *shops.Service
	if origin == "list" {
		m := reServiceRow.FindStringSubmatch(text)
		if m == nil {
			m = reServiceOld.FindStringSubmatch(text)
		}
		if m != nil {
			// Row ids carry the absolute position across pages.
			if idx, err := strconv.Atoi(m[1]); err == nil && idx >= 0 && idx < len(shop.Services) {
				chosen = &shop.Services[idx]
			}
		} else {
			chosen = nlu.ChooseService(shop, text, "")
		}
	} else {
		if n, ok := smallNumber(text); ok && n >= 1 && n <= len(shop.Services) {
			chosen = &shop.Services[n-1]
		}
		if chosen == nil {
			suggestion := ""
			if e.itp != nil {
				if out, err := e.itp.Service(ctx, shop, text); err == nil {
					suggestion = out
				}
			}
			chosen = nlu.ChooseService(shop, text, suggestion)
		}
	}
	if chosen == nil {
		return reply(textServiceFromList).withUI(UIServices), nil
	}

	setService(&sess.Book, chosen)
	if shop.StaffPickEnabled && len(shop.ActiveStaff()) > 0 {
		sess.Step = StepPeluquero
		if err := e.sessions.Save(ctx, sid, sess); err != nil {
			return nil, err
		}
		return reply(textAskStaff).withUI(UIStaff), nil
	}
	sess.Step = StepFecha
	if err := e.sessions.Save(ctx, sid, sess); err != nil {
		return nil, err
	}
	return reply(textAskDate), nil
}

func (e *Engine) stepPeluquero(ctx context.Context, sid string, sess *Session, shop *shops.Shop, text, origin string) (*Reply, error) {
	staff := shop.ActiveStaff()
	if origin == "list" {
		if strings.ToUpper(text) == "PEL_ANY" {
			sess.Book.StaffID = 0
			sess.Book.StaffName = ""
			return e.askDate(ctx, sid, sess)
		}
		if m := reStaffRow.FindStringSubmatch(text); m != nil {
			if idx, err := strconv.Atoi(m[1]); err == nil && idx >= 0 && idx < len(staff) {
				sess.Book.StaffID = staff[idx].ID
				sess.Book.StaffName = staff[idx].Name
				return e.askDate(ctx, sid, sess)
			}
		}
		return reply(textStaffFromList).withUI(UIStaff), nil
	}

	want := strings.ToLower(text)
	for i := range staff {
		if strings.ToLower(strings.TrimSpace(staff[i].Name)) == want {
			sess.Book.StaffID = staff[i].ID
			sess.Book.StaffName = staff[i].Name
			return e.askDate(ctx, sid, sess)
		}
	}
	return reply(textAskStaff).withUI(UIStaff), nil
}

func (e *Engine) askDate(ctx context.Context, sid string, sess *Session) (*Reply, error) {
	sess.Step = StepFecha
	if err := e.sessions.Save(ctx, sid, sess); err != nil {
		return nil, err
	}
	return reply(textAskDate), nil
}

func (e *Engine) stepFecha(ctx context.Context, sid string, sess *Session, shop *shops.Shop, text string) (*Reply, error) {
	iso, ok := nlu.ResolveDate(ctx, e.itp, shop, text, e.now())
	if !ok {
		return reply(textBadDate), nil
	}
	switch issue, detail := availability.CheckDate(shop, iso, e.now()); issue {
	case availability.DateInvalid:
		return reply(textDateNotExist), nil
	case availability.DatePast:
		return reply(textDatePast), nil
	case availability.DateClosedWeekday:
		return reply(textClosedWeekday(shop, detail)), nil
	case availability.DateClosedHoliday:
		return reply(textClosedHoliday(shop, detail)), nil
	case availability.DateClosedRecurring:
		return reply(textClosedRecurring(shop)), nil
	case availability.DateTooFar:
		return reply(textDateTooFar), nil
	}

	hours, err := e.availableHours(ctx, shop, sess, iso)
	if err != nil {
		return nil, err
	}
	if len(hours) == 0 {
		msg := "Ese día está completo"
		if e.isToday(shop, iso) {
			msg = "Para hoy ya no quedan horas libres"
		}
		svc := shop.ServiceByID(sess.Book.ServiceID)
		dates := e.hours.NextDatesWithSlots(ctx, shop, svc, staffPtr(sess), iso, 5)
		return reply(appendDateHints(msg, dates, "\n\nElige otra fecha📅.")), nil
	}

	sess.Book.DateISO = iso
	sess.Step = StepHora
	if err := e.sessions.Save(ctx, sid, sess); err != nil {
		return nil, err
	}
	return reply(textAskHour).withUI(UIHours).withChoices(hourChoices(hours)), nil
}

func (e *Engine) stepHora(ctx context.Context, sid string, sess *Session, shop *shops.Shop, text, origin string) (*Reply, error) {
	hours, err := e.availableHours(ctx, shop, sess, sess.Book.DateISO)
	if err != nil {
		return nil, err
	}
	if len(hours) == 0 {
		sess.Step = StepFecha
		if err := e.sessions.Save(ctx, sid, sess); err != nil {
			return nil, err
		}
		msg := "No hay horas libres ese día"
		if e.isToday(shop, sess.Book.DateISO) {
			msg = "Para hoy ya no quedan horas disponibles"
		}
		svc := shop.ServiceByID(sess.Book.ServiceID)
		dates := e.hours.NextDatesWithSlots(ctx, shop, svc, staffPtr(sess), sess.Book.DateISO, 5)
		return reply(appendDateHints(msg, dates, "\nElige otra fecha, por favor.")), nil
	}

	// "3" picks the third row of the last list the customer saw, even
	// if the page has gone stale since.
	snapshot := e.hoursSnapshot(ctx, sid)
	if n, ok := smallNumber(text); ok && len(snapshot) > 0 && n >= 1 && n <= len(snapshot) {
		return e.acceptHour(ctx, sid, sess, snapshot[n-1])
	}
	if origin == "list" && (contains(hours, text) || contains(snapshot, text)) {
		return e.acceptHour(ctx, sid, sess, text)
	}

	parsed := nlu.NormalizeHour(ctx, e.itp, text)
	if parsed == nil {
		return reply(textHourNotParsed).withUI(UIHours).withChoices(hourChoices(hours)), nil
	}
	choice := nlu.ChooseFinalHour(hours, parsed)
	switch {
	case choice.NeedAMPM:
		sess.Book.AMPMOptions = choice.Candidates
		sess.Step = StepConfirmaAMPM
		if err := e.sessions.Save(ctx, sid, sess); err != nil {
			return nil, err
		}
		return reply(textAskAMPM(choice.Candidates[0], choice.Candidates[1])), nil
	case !choice.OK:
		return reply(choice.Reason).withUI(UIHours).withChoices(hourChoices(choice.Suggestions)), nil
	}
	return e.acceptHour(ctx, sid, sess, choice.Hour)
}

func (e *Engine) stepConfirmaAMPM(ctx context.Context, sid string, sess *Session, shop *shops.Shop, text string) (*Reply, error) {
	cands := sess.Book.AMPMOptions
	if len(cands) != 2 {
		sess.Step = StepHora
		if err := e.sessions.Save(ctx, sid, sess); err != nil {
			return nil, err
		}
		return reply(textReAskHour), nil
	}

	hours, err := e.availableHours(ctx, shop, sess, sess.Book.DateISO)
	if err != nil {
		return nil, err
	}
	am, pm := cands[0], cands[1]
	amFree, pmFree := contains(hours, am), contains(hours, pm)

	var chosen string
	switch {
	case !amFree && !pmFree:
		if len(hours) == 0 {
			sess.Step = StepFecha
			if err := e.sessions.Save(ctx, sid, sess); err != nil {
				return nil, err
			}
			svc := shop.ServiceByID(sess.Book.ServiceID)
			dates := e.hours.NextDatesWithSlots(ctx, shop, svc, staffPtr(sess), sess.Book.DateISO, 5)
			return reply(appendDateHints("Esa opción ya no está disponible", dates, "\nElige otra fecha, por favor.")), nil
		}
		sess.Step = StepHora
		if err := e.sessions.Save(ctx, sid, sess); err != nil {
			return nil, err
		}
		return reply(textHourGone).withUI(UIHours).withChoices(hourChoices(hours)), nil
	case amFree && !pmFree:
		chosen = am
	case pmFree && !amFree:
		chosen = pm
	default:
		chosen = e.resolveAMPM(ctx, text, cands, hours)
		if chosen == "" {
			return reply(textReAskAMPM(am, pm)), nil
		}
	}

	if e.isToday(shop, sess.Book.DateISO) {
		if min, err := availability.ToMinutes(chosen); err == nil {
			local := e.now().In(shop.Location())
			if min <= local.Hour()*60+local.Minute() {
				sess.Step = StepFecha
				if err := e.sessions.Save(ctx, sid, sess); err != nil {
					return nil, err
				}
				return reply(textHourPassed), nil
			}
		}
	}
	return e.acceptHour(ctx, sid, sess, chosen)
}

// resolveAMPM decides between the two candidate hours using, in order,
// an am/pm clue, the literal candidate text, an explicit HH:MM and a
// reparse of the message. Empty means still ambiguous.
func (e *Engine) resolveAMPM(ctx context.Context, text string, cands, hours []string) string {
	am, pm := cands[0], cands[1]
	switch nlu.AMPMClue(text) {
	case "am":
		return am
	case "pm":
		return pm
	}
	if t := strings.ToLower(strings.TrimSpace(text)); t == am || t == pm {
		return t
	}
	if lit := extractHHMM(text); lit != "" && (lit == am || lit == pm) && contains(hours, lit) {
		return lit
	}
	if p := nlu.NormalizeHour(ctx, e.itp, text); p != nil && !p.Ambiguous {
		h := p.Hour
		if p.Clue == "am" && h == 12 {
			h = 0
		}
		if p.Clue == "pm" && h >= 1 && h <= 11 {
			h += 12
		}
		cand := availability.FromMinutes(h*60 + p.Minute)
		if (cand == am || cand == pm) && contains(hours, cand) {
			return cand
		}
	}
	return ""
}

func (e *Engine) stepNombre(ctx context.Context, sid string, sess *Session, text string) (*Reply, error) {
	if len([]rune(text)) < 2 {
		return reply(textNameNotParsed), nil
	}
	if !hasLetter(text) {
		return reply(textNameInvalid), nil
	}
	sess.Book.Name = text
	sess.Step = StepTelefono
	if err := e.sessions.Save(ctx, sid, sess); err != nil {
		return nil, err
	}
	return reply(textAskPhone), nil
}

func (e *Engine) stepTelefono(ctx context.Context, sid string, sess *Session, shop *shops.Shop, text string) (*Reply, error) {
	phone, ok := normalizePhone(text, shop.CountryCode)
	if !ok {
		return reply(textPhoneInvalidBook), nil
	}
	sess.Book.Phone = phone
	sess.Step = StepConfirmar
	if err := e.sessions.Save(ctx, sid, sess); err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString("Resumen de tu reserva:\n")
	if len(shop.Services) > 1 {
		fmt.Fprintf(&b, "Servicio: %s\n", sess.Book.ServiceName)
	}
	if sess.Book.StaffName != "" {
		fmt.Fprintf(&b, "Peluquero/a: %s\n", sess.Book.StaffName)
	}
	fmt.Fprintf(&b, "Fecha: %s\n", availability.FormatDateES(sess.Book.DateISO))
	fmt.Fprintf(&b, "Hora: %s\n", sess.Book.Time)
	fmt.Fprintf(&b, "Nombre: %s\n", sess.Book.Name)
	fmt.Fprintf(&b, "Teléfono: %s\n", sess.Book.Phone)
	b.WriteString("¿Confirmas la reserva? (*si*/*no*)")
	return reply(b.String()), nil
}

func (e *Engine) stepConfirmar(ctx context.Context, sid string, sess *Session, shop *shops.Shop, text, idemKey string) (*Reply, error) {
	if nlu.IsDenial(text) {
		if err := e.sessions.Reset(ctx, sid, false); err != nil {
			return nil, err
		}
		return reply(textBookDeclined).withUI(UIMainMenu), nil
	}
	if !nlu.IsAffirmative(text) {
		return reply(textBookYesNo), nil
	}
	return e.commitBooking(ctx, sid, sess, shop, idemKey), nil
}

// commitBooking runs the idempotent confirm. It never propagates an
// error: failures collapse into the cached 500 reply so a retry with
// the same key replays instead of double booking.
func (e *Engine) commitBooking(ctx context.Context, sid string, sess *Session, shop *shops.Shop, idemKey string) *Reply {
	req := reservations.IdemRequest{
		ExplicitKey: idemKey,
		Action:      reservations.ActionBookConfirm,
		ShopID:      shop.ID,
		DateISO:     sess.Book.DateISO,
		StartTime:   sess.Book.Time,
		ServiceID:   sess.Book.ServiceID,
		Phone:       sess.Book.Phone,
	}
	if cached, ok := e.idem.Get(ctx, req); ok {
		if r, ok := replayReply(cached); ok {
			return r
		}
	}

	if sess.Book.DateISO == "" || sess.Book.Time == "" || sess.Book.Name == "" || sess.Book.Phone == "" {
		return e.bookFailed(ctx, sid, req)
	}

	res, err := e.committer.Book(ctx, shop, reservations.Booking{
		ServiceID:    sess.Book.ServiceID,
		StaffID:      staffPtr(sess),
		CustomerName: sess.Book.Name,
		Phone:        sess.Book.Phone,
		DateISO:      sess.Book.DateISO,
		StartTime:    sess.Book.Time,
	})
	if err != nil {
		// Uncertain outcome, not cached: the customer can retry.
		e.logger.WithShop(shop.ID, shop.Name).WithSession(sid).Error("booking commit failed", "error", err)
		return reply(textBookUncertain)
	}

	switch res.Outcome {
	case reservations.OutcomeLockBusy:
		return reply(textBookLockBusy)
	case reservations.OutcomeNoSlot:
		return e.slotLost(ctx, sid, sess, shop, req)
	}

	sess.Step = StepPostConfirm
	if err := e.sessions.Save(ctx, sid, sess); err != nil {
		return e.bookFailed(ctx, sid, req)
	}
	r := reply(textBookConfirmed(shop, sess.Book.DateISO, sess.Book.Time)).withSecond(textAnythingElse)
	e.idem.Put(ctx, req, http.StatusOK, r)
	return r
}

// slotLost reoffers the day after losing the race for a slot, falling
// back to a new date when the day just filled up.
func (e *Engine) slotLost(ctx context.Context, sid string, sess *Session, shop *shops.Shop, req reservations.IdemRequest) *Reply {
	svc := shop.ServiceByID(sess.Book.ServiceID)
	var (
		fresh []string
		err   error
	)
	if sess.Book.StaffID != 0 {
		fresh, err = e.hours.SlotsForStaff(ctx, shop, svc, sess.Book.StaffID, sess.Book.DateISO)
	} else {
		fresh, err = e.hours.SlotsFresh(ctx, shop, svc, sess.Book.DateISO)
	}
	if err != nil {
		e.logger.WithSession(sid).Warn("reoffer lookup failed", "error", err)
		fresh = nil
	}
	if filtered := e.hours.FilterFromNow(shop, fresh, sess.Book.DateISO); len(filtered) > 0 {
		fresh = filtered
	}

	if len(fresh) == 0 {
		sess.Step = StepFecha
		if err := e.sessions.Save(ctx, sid, sess); err != nil {
			return e.bookFailed(ctx, sid, req)
		}
		dates := e.hours.NextDatesWithSlots(ctx, shop, svc, staffPtr(sess), sess.Book.DateISO, 5)
		r := reply(appendDateHints(textSlotTakenNoDay, dates, "\nElige otra fecha, por favor."))
		e.idem.Put(ctx, req, http.StatusOK, r)
		return r
	}

	sess.Step = StepHora
	if err := e.sessions.Save(ctx, sid, sess); err != nil {
		return e.bookFailed(ctx, sid, req)
	}
	r := reply(textSlotTakenPick).withUI(UIHours).withChoices(hourChoices(fresh))
	e.idem.Put(ctx, req, http.StatusOK, r)
	return r
}

func (e *Engine) bookFailed(ctx context.Context, sid string, req reservations.IdemRequest) *Reply {
	r := reply(textBookError).withUI(UIMainMenu).withStatus(http.StatusInternalServerError)
	e.idem.Put(ctx, req, http.StatusInternalServerError, r)
	if err := e.sessions.Reset(ctx, sid, true); err != nil {
		e.logger.WithSession(sid).Warn("session reset failed", "error", err)
	}
	return r
}

func (e *Engine) stepPostBook(ctx context.Context, sid, text string) (*Reply, error) {
	if nlu.IsDenial(text) {
		if err := e.sessions.Reset(ctx, sid, true); err != nil {
			return nil, err
		}
		return reply(textBookFarewell), nil
	}
	if nlu.IsAffirmative(text) {
		if err := e.sessions.Reset(ctx, sid, false); err != nil {
			return nil, err
		}
		return reply(textBackToMenu).withUI(UIMainMenu), nil
	}
	return reply(textAnythingElse), nil
}

func (e *Engine) acceptHour(ctx context.Context, sid string, sess *Session, hour string) (*Reply, error) {
	sess.Book.Time = hour
	sess.Book.AMPMOptions = nil
	sess.Step = StepNombre
	if err := e.sessions.Save(ctx, sid, sess); err != nil {
		return nil, err
	}
	return reply(textAskName), nil
}

// availableHours lists the day's free start times for the drafted
// service and staff member, with already passed hours dropped.
func (e *Engine) availableHours(ctx context.Context, shop *shops.Shop, sess *Session, dateISO string) ([]string, error) {
	svc := shop.ServiceByID(sess.Book.ServiceID)
	var (
		hours []string
		err   error
	)
	if sess.Book.StaffID != 0 {
		hours, err = e.hours.SlotsForStaff(ctx, shop, svc, sess.Book.StaffID, dateISO)
	} else {
		hours, err = e.hours.Slots(ctx, shop, svc, dateISO)
	}
	if err != nil {
		return nil, err
	}
	return e.hours.FilterFromNow(shop, hours, dateISO), nil
}

// hoursSnapshot reads the hour list last shown to this session. The
// dispatcher saves it when it sends a paged list; a miss or a corrupt
// value reads as no snapshot.
func (e *Engine) hoursSnapshot(ctx context.Context, sid string) []string {
	raw, err := e.store.Get(ctx, "hours:"+sid)
	if err != nil {
		return nil
	}
	var hours []string
	if err := json.Unmarshal([]byte(raw), &hours); err != nil {
		return nil
	}
	return hours
}

func replayReply(c *reservations.CachedReply) (*Reply, bool) {
	var r Reply
	if err := json.Unmarshal(c.Body, &r); err != nil {
		return nil, false
	}
	r.Status = c.Status
	if r.Status == 0 {
		r.Status = http.StatusOK
	}
	return &r, true
}

func smallNumber(text string) (int, bool) {
	if !reSmallNum.MatchString(text) {
		return 0, false
	}
	n, err := strconv.Atoi(text)
	if err != nil {
		return 0, false
	}
	return n, true
}

func extractHHMM(text string) string {
	m := reHHMM.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	h, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if h > 23 || mm > 59 {
		return ""
	}
	return fmt.Sprintf("%02d:%02d", h, mm)
}

// hasLetter reports whether the name carries at least one letter, so
// plain numbers or punctuation are rejected in any alphabet.
func hasLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}
