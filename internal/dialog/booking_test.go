package dialog

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/agendabot/agendabot/internal/reservations"
	"github.com/agendabot/agendabot/internal/shops"
)

// walkToConfirm drives a booking to the yes/no summary.
func (b *testBot) walkToConfirm(t *testing.T) {
	t.Helper()
	b.walkToHora(t)
	b.say(t, "10:00")
	b.say(t, "María López")
	r := b.say(t, "600111222")
	if !strings.Contains(r.Text, "Resumen de tu reserva:") {
		t.Fatalf("expected summary, got %q", r.Text)
	}
}

func TestBookingHappyPath(t *testing.T) {
	b := newBot(t)
	b.com.result = reservations.BookResult{Outcome: reservations.OutcomeConfirmed, ReservationID: 42}

	b.walkToHora(t)

	r := b.say(t, "10:00")
	if r.Text != textAskName {
		t.Fatalf("expected name question, got %q", r.Text)
	}
	r = b.say(t, "María López")
	if r.Text != textAskPhone {
		t.Fatalf("expected phone question, got %q", r.Text)
	}

	r = b.say(t, "600111222")
	for _, want := range []string{
		"Servicio: Corte",
		"Fecha: 02/09/2026",
		"Hora: 10:00",
		"Nombre: María López",
		"Teléfono: +34600111222",
		"¿Confirmas la reserva? (*si*/*no*)",
	} {
		if !strings.Contains(r.Text, want) {
			t.Fatalf("summary missing %q:\n%s", want, r.Text)
		}
	}

	r = b.say(t, "si")
	if r.Text != "✅ ¡Reserva confirmada en Peluquería Sol! Te espero el 02/09/2026 a las 10:00." {
		t.Fatalf("unexpected confirmation: %q", r.Text)
	}
	if r.SecondText != textAnythingElse {
		t.Fatalf("expected follow-up question, got %q", r.SecondText)
	}

	if len(b.com.booked) != 1 {
		t.Fatalf("expected one commit, got %d", len(b.com.booked))
	}
	got := b.com.booked[0]
	if got.ServiceID != 1 || got.DateISO != "2026-09-02" || got.StartTime != "10:00" {
		t.Fatalf("unexpected booking: %+v", got)
	}
	if got.CustomerName != "María López" || got.Phone != "+34600111222" || got.StaffID != nil {
		t.Fatalf("unexpected booking: %+v", got)
	}

	// Closing the flow forces a fresh greeting on the next contact.
	r = b.say(t, "no")
	if r.Text != textBookFarewell {
		t.Fatalf("expected farewell, got %q", r.Text)
	}
	r = b.say(t, "hola")
	if !strings.Contains(r.Text, "Soy la secretaria virtual") {
		t.Fatalf("expected welcome after farewell, got %q", r.Text)
	}
}

func TestBookingDeclinedAtSummary(t *testing.T) {
	b := newBot(t)
	b.walkToConfirm(t)

	r := b.say(t, "no")
	if r.Text != textBookDeclined || r.UI != UIMainMenu {
		t.Fatalf("expected decline, got %q (%s)", r.Text, r.UI)
	}
	if len(b.com.booked) != 0 {
		t.Fatalf("expected no commit, got %d", len(b.com.booked))
	}
	if got := b.session(t).Step; got != StepInicio {
		t.Fatalf("expected reset, got %q", got)
	}
}

func TestBookingNeedsExplicitYes(t *testing.T) {
	b := newBot(t)
	b.walkToConfirm(t)

	r := b.say(t, "mmm dejame pensarlo")
	if r.Text != textBookYesNo {
		t.Fatalf("expected yes/no prompt, got %q", r.Text)
	}
	if got := b.session(t).Step; got != StepConfirmar {
		t.Fatalf("expected to stay at confirm, got %q", got)
	}
}

func TestAmbiguousHourAsksAMPM(t *testing.T) {
	b := newBot(t)
	b.walkToHora(t, "07:00", "19:00")

	r := b.say(t, "a las 7")
	if r.Text != "¿Es por la mañana (07:00) o por la tarde (19:00)?" {
		t.Fatalf("expected am/pm question, got %q", r.Text)
	}
	sess := b.session(t)
	if sess.Step != StepConfirmaAMPM || len(sess.Book.AMPMOptions) != 2 {
		t.Fatalf("expected am/pm step, got %+v", sess)
	}

	r = b.say(t, "por la tarde")
	if r.Text != textAskName {
		t.Fatalf("expected name question, got %q", r.Text)
	}
	sess = b.session(t)
	if sess.Book.Time != "19:00" || sess.Book.AMPMOptions != nil {
		t.Fatalf("expected 19:00 chosen, got %+v", sess.Book)
	}
}

func TestAMPMCandidatesGone(t *testing.T) {
	b := newBot(t)
	b.walkToHora(t, "07:00", "19:00")
	b.say(t, "a las 7")

	b.hours.byDate["2026-09-02"] = []string{"12:00"}
	r := b.say(t, "por la mañana")
	if r.Text != textHourGone || r.UI != UIHours {
		t.Fatalf("expected re-offer, got %q (%s)", r.Text, r.UI)
	}
	if len(r.Choices) != 1 || r.Choices[0].ID != "12:00" {
		t.Fatalf("expected fresh hours, got %+v", r.Choices)
	}
	if got := b.session(t).Step; got != StepHora {
		t.Fatalf("expected hora step, got %q", got)
	}
}

func TestHourSuggestionsWhenNoExactSlot(t *testing.T) {
	b := newBot(t)
	b.itp.hour = "13:00"
	b.walkToHora(t, "10:00", "10:30")

	r := b.say(t, "13:00")
	if r.Text != "A esa hora no damos citas ese día. La última disponible es 10:30." {
		t.Fatalf("unexpected reason: %q", r.Text)
	}
	if len(r.Choices) != 2 || r.Choices[0].ID != "10:30" {
		t.Fatalf("expected closest suggestions, got %+v", r.Choices)
	}
	if got := b.session(t).Step; got != StepHora {
		t.Fatalf("expected to stay at hora, got %q", got)
	}
}

func TestNumericPickUsesSnapshot(t *testing.T) {
	b := newBot(t)
	b.walkToHora(t)

	snap := `["10:00","10:30","19:00"]`
	if err := b.store.SetEx(context.Background(), "hours:"+b.sid, snap, time.Minute); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	r := b.say(t, "2")
	if r.Text != textAskName {
		t.Fatalf("expected name question, got %q", r.Text)
	}
	if got := b.session(t).Book.Time; got != "10:30" {
		t.Fatalf("expected second row, got %q", got)
	}
}

func TestListPickAcceptsShownHour(t *testing.T) {
	b := newBot(t)
	b.walkToHora(t)

	r := b.sayFrom(t, "list", "19:00")
	if r.Text != textAskName {
		t.Fatalf("expected name question, got %q", r.Text)
	}
	if got := b.session(t).Book.Time; got != "19:00" {
		t.Fatalf("expected 19:00, got %q", got)
	}
}

func TestSlotLostReoffersDay(t *testing.T) {
	b := newBot(t)
	b.walkToConfirm(t)
	b.com.result = reservations.BookResult{Outcome: reservations.OutcomeNoSlot}
	b.hours.fresh = map[string][]string{"2026-09-02": {"12:00"}}

	r := b.say(t, "si")
	if r.Text != textSlotTakenPick || r.UI != UIHours {
		t.Fatalf("expected re-offer, got %q (%s)", r.Text, r.UI)
	}
	if len(r.Choices) != 1 || r.Choices[0].ID != "12:00" {
		t.Fatalf("expected fresh hours, got %+v", r.Choices)
	}
	if got := b.session(t).Step; got != StepHora {
		t.Fatalf("expected hora step, got %q", got)
	}
}

func TestSlotLostDayFullSuggestsDates(t *testing.T) {
	b := newBot(t)
	b.walkToConfirm(t)
	b.com.result = reservations.BookResult{Outcome: reservations.OutcomeNoSlot}
	b.hours.fresh = map[string][]string{"2026-09-02": {}}
	b.hours.hints = []string{"03/09/2026", "04/09/2026"}

	r := b.say(t, "si")
	if !strings.HasPrefix(r.Text, textSlotTakenNoDay) {
		t.Fatalf("expected day-full message, got %q", r.Text)
	}
	if !strings.Contains(r.Text, "03/09/2026\n04/09/2026") {
		t.Fatalf("expected date hints, got %q", r.Text)
	}
	if got := b.session(t).Step; got != StepFecha {
		t.Fatalf("expected fecha step, got %q", got)
	}
}

func TestUncertainCommitIsRetriable(t *testing.T) {
	b := newBot(t)
	b.walkToConfirm(t)
	b.com.bookErr = errors.New("pool closed")

	r := b.say(t, "si")
	if r.Text != textBookUncertain {
		t.Fatalf("expected uncertain reply, got %q", r.Text)
	}
	if got := b.session(t).Step; got != StepConfirmar {
		t.Fatalf("expected to stay at confirm, got %q", got)
	}

	b.com.bookErr = nil
	r = b.say(t, "si")
	if !strings.HasPrefix(r.Text, "✅ ¡Reserva confirmada") {
		t.Fatalf("expected retry to commit, got %q", r.Text)
	}
	if len(b.com.booked) != 2 {
		t.Fatalf("expected both attempts to reach the committer, got %d", len(b.com.booked))
	}
}

func TestLockBusyAsksToConfirmAgain(t *testing.T) {
	b := newBot(t)
	b.walkToConfirm(t)
	b.com.result = reservations.BookResult{Outcome: reservations.OutcomeLockBusy}

	r := b.say(t, "si")
	if r.Text != textBookLockBusy {
		t.Fatalf("expected lock busy reply, got %q", r.Text)
	}
	if got := b.session(t).Step; got != StepConfirmar {
		t.Fatalf("expected to stay at confirm, got %q", got)
	}
}

func TestConfirmReplaysFromIdempotencyCache(t *testing.T) {
	b := newBot(t)
	b.walkToConfirm(t)

	first := b.sayKey(t, "si", "wamid.retry-1")
	if !strings.HasPrefix(first.Text, "✅") {
		t.Fatalf("expected confirmation, got %q", first.Text)
	}

	// A delivery retry that arrives before the state save became
	// visible: same key, session still at the summary.
	sess := b.session(t)
	sess.Step = StepConfirmar
	if err := b.e.sessions.Save(context.Background(), b.sid, sess); err != nil {
		t.Fatalf("save: %v", err)
	}

	again := b.sayKey(t, "si", "wamid.retry-1")
	if again.Text != first.Text || again.SecondText != first.SecondText {
		t.Fatalf("expected replayed reply, got %q", again.Text)
	}
	if len(b.com.booked) != 1 {
		t.Fatalf("replay must not commit twice, got %d commits", len(b.com.booked))
	}
}

func TestDateRejections(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want string
	}{
		{"past", "31/08/2026", textDatePast},
		{"closed weekday", "07/09/2026", "La peluquería cierra el lunes🔒, elige otra fecha."},
		{"too far ahead", "01/12/2026", textDateTooFar},
		{"not a date", "cuando pueda", textBadDate},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := newBot(t)
			b.say(t, "hola")
			b.say(t, "reservar")
			b.say(t, "corte")

			r := b.say(t, tc.msg)
			if r.Text != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, r.Text)
			}
			if got := b.session(t).Step; got != StepFecha {
				t.Fatalf("expected to stay at fecha, got %q", got)
			}
		})
	}
}

func TestFullDaySuggestsOtherDates(t *testing.T) {
	b := newBot(t)
	b.hours.hints = []string{"03/09/2026"}
	b.say(t, "hola")
	b.say(t, "reservar")
	b.say(t, "corte")

	r := b.say(t, "02/09/2026")
	if !strings.HasPrefix(r.Text, "Ese día está completo") {
		t.Fatalf("expected full-day message, got %q", r.Text)
	}
	if !strings.Contains(r.Text, "03/09/2026") {
		t.Fatalf("expected date hints, got %q", r.Text)
	}
	sess := b.session(t)
	if sess.Step != StepFecha || sess.Book.DateISO != "" {
		t.Fatalf("expected no date drafted, got %+v", sess.Book)
	}
}

func TestServiceOrdinalAndListRow(t *testing.T) {
	t.Run("ordinal", func(t *testing.T) {
		b := newBot(t)
		b.say(t, "hola")
		b.say(t, "reservar")
		r := b.say(t, "2")
		if r.Text != textAskDate {
			t.Fatalf("expected date question, got %q", r.Text)
		}
		if got := b.session(t).Book.ServiceName; got != "Tinte" {
			t.Fatalf("expected Tinte, got %q", got)
		}
	})

	t.Run("paged row id", func(t *testing.T) {
		b := newBot(t)
		b.say(t, "hola")
		b.say(t, "reservar")
		r := b.sayFrom(t, "list", "SERV_P0_1")
		if r.Text != textAskDate {
			t.Fatalf("expected date question, got %q", r.Text)
		}
		if got := b.session(t).Book.ServiceName; got != "Tinte" {
			t.Fatalf("expected Tinte, got %q", got)
		}
	})

	t.Run("unknown service reprompts", func(t *testing.T) {
		b := newBot(t)
		b.say(t, "hola")
		b.say(t, "reservar")
		r := b.say(t, "manicura")
		if r.Text != textServiceFromList || r.UI != UIServices {
			t.Fatalf("expected service reprompt, got %q (%s)", r.Text, r.UI)
		}
	})
}

func staffShop() *shops.Shop {
	s := testShop()
	s.StaffPickEnabled = true
	s.Staff = []shops.Professional{
		{ID: 3, ShopID: 7, Name: "Luis", Active: true, Position: 1},
		{ID: 4, ShopID: 7, Name: "Ana", Active: true, Position: 2},
		{ID: 5, ShopID: 7, Name: "Sofía", Active: false, Position: 3},
	}
	return s
}

func TestStaffPickByName(t *testing.T) {
	b := newBot(t)
	b.shop = staffShop()
	b.hours.staff = map[string][]string{"3:2026-09-02": {"11:00"}}
	b.say(t, "hola")
	b.say(t, "reservar")

	r := b.say(t, "corte")
	if r.Text != textAskStaff || r.UI != UIStaff {
		t.Fatalf("expected staff question, got %q (%s)", r.Text, r.UI)
	}

	r = b.say(t, "luis")
	if r.Text != textAskDate {
		t.Fatalf("expected date question, got %q", r.Text)
	}
	sess := b.session(t)
	if sess.Book.StaffID != 3 || sess.Book.StaffName != "Luis" {
		t.Fatalf("expected Luis drafted, got %+v", sess.Book)
	}

	r = b.say(t, "02/09/2026")
	if len(r.Choices) != 1 || r.Choices[0].ID != "11:00" {
		t.Fatalf("expected staff hours, got %+v", r.Choices)
	}
}

func TestStaffPickFromList(t *testing.T) {
	b := newBot(t)
	b.shop = staffShop()
	b.say(t, "hola")
	b.say(t, "reservar")
	b.say(t, "corte")

	t.Run("any clears the pick", func(t *testing.T) {
		r := b.sayFrom(t, "list", "PEL_ANY")
		if r.Text != textAskDate {
			t.Fatalf("expected date question, got %q", r.Text)
		}
		if got := b.session(t).Book.StaffID; got != 0 {
			t.Fatalf("expected no staff, got %d", got)
		}
	})
}

func TestStaffRowPicksActiveOnly(t *testing.T) {
	b := newBot(t)
	b.shop = staffShop()
	b.say(t, "hola")
	b.say(t, "reservar")
	b.say(t, "corte")

	r := b.sayFrom(t, "list", "PEL_P0_1")
	if r.Text != textAskDate {
		t.Fatalf("expected date question, got %q", r.Text)
	}
	if got := b.session(t).Book.StaffName; got != "Ana" {
		t.Fatalf("expected Ana (second active row), got %q", got)
	}
}

func TestNameValidation(t *testing.T) {
	b := newBot(t)
	b.walkToHora(t)
	b.say(t, "10:00")

	if r := b.say(t, "x"); r.Text != textNameNotParsed {
		t.Fatalf("expected short-name reprompt, got %q", r.Text)
	}
	if r := b.say(t, "1234"); r.Text != textNameInvalid {
		t.Fatalf("expected invalid-name reprompt, got %q", r.Text)
	}
	if r := b.say(t, "Ángela"); r.Text != textAskPhone {
		t.Fatalf("expected accented name accepted, got %q", r.Text)
	}
}

func TestPhoneValidation(t *testing.T) {
	b := newBot(t)
	b.walkToHora(t)
	b.say(t, "10:00")
	b.say(t, "María")

	if r := b.say(t, "12345"); r.Text != textPhoneInvalidBook {
		t.Fatalf("expected invalid-phone reprompt, got %q", r.Text)
	}
	if r := b.say(t, "+34 600 11 12 22"); !strings.Contains(r.Text, "Teléfono: +34600111222") {
		t.Fatalf("expected normalized phone in summary, got %q", r.Text)
	}
}
