package dialog

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/agendabot/agendabot/internal/reservations"
)

func futureRes(id int64, dateISO, start string) *reservations.Reservation {
	return &reservations.Reservation{
		ID: id, ShopID: 7, ServiceID: 1,
		CustomerName: "María", Phone: "+34600111222",
		DateISO: dateISO, StartTime: start, DurationMin: 30,
		Status: reservations.StatusConfirmed, EventID: "ev-9", ServiceName: "Corte",
	}
}

func (b *testBot) seedReservations(rs ...*reservations.Reservation) {
	for _, r := range rs {
		b.fin.byID[r.ID] = r
		b.fin.byPhone[r.Phone] = append(b.fin.byPhone[r.Phone], *r)
	}
}

func TestCancelSingleReservation(t *testing.T) {
	b := newBot(t)
	b.seedReservations(futureRes(42, "2026-09-02", "18:00"))

	b.say(t, "hola")
	r := b.say(t, "cancelar")
	if r.Text != textAskCancelPhone {
		t.Fatalf("expected phone question, got %q", r.Text)
	}

	r = b.say(t, "600111222")
	if r.Text != "Vas a cancelar la reserva del 02/09/2026 a las 18:00. ¿Confirmas la cancelación? (*si*/*no*)" {
		t.Fatalf("unexpected summary: %q", r.Text)
	}

	r = b.say(t, "si")
	for _, want := range []string{
		"❌ Reserva cancelada:",
		"Servicio: Corte",
		"Fecha: 02/09/2026",
		"Hora: 18:00",
		"Nombre: María",
		"Teléfono: +34600111222",
	} {
		if !strings.Contains(r.Text, want) {
			t.Fatalf("confirmation missing %q:\n%s", want, r.Text)
		}
	}
	if r.SecondText != textAnythingElse {
		t.Fatalf("expected follow-up question, got %q", r.SecondText)
	}
	if len(b.com.cancelled) != 1 || b.com.cancelled[0] != 42 {
		t.Fatalf("expected cancel of 42, got %v", b.com.cancelled)
	}

	// Anything but a no returns to the menu after a cancellation.
	r = b.say(t, "gracias")
	if r.Text != textCancelBackToMenu || r.UI != UIMainMenu {
		t.Fatalf("expected menu, got %q (%s)", r.Text, r.UI)
	}
}

func TestCancelPickFromList(t *testing.T) {
	b := newBot(t)
	b.seedReservations(
		futureRes(43, "2026-09-03", "12:00"),
		futureRes(44, "2026-09-04", "13:00"),
	)

	b.say(t, "hola")
	b.say(t, "cancelar")
	r := b.say(t, "600111222")
	if r.Text != textSeveralFound || r.UI != UIResList {
		t.Fatalf("expected reservation list, got %q (%s)", r.Text, r.UI)
	}
	if len(r.Choices) != 2 || r.Choices[0].ID != "RID_43" || r.Choices[1].ID != "RID_44" {
		t.Fatalf("unexpected choices: %+v", r.Choices)
	}
	if r.Choices[0].Title != "03/09/2026 · 12:00" || r.Choices[0].Description != "Corte · María" {
		t.Fatalf("unexpected row: %+v", r.Choices[0])
	}

	r = b.say(t, "RID_44")
	if r.Text != textConfirmCancel {
		t.Fatalf("expected confirmation question, got %q", r.Text)
	}
	b.say(t, "si")
	if len(b.com.cancelled) != 1 || b.com.cancelled[0] != 44 {
		t.Fatalf("expected cancel of 44, got %v", b.com.cancelled)
	}
}

func TestCancelIgnoresForeignReservation(t *testing.T) {
	b := newBot(t)
	other := futureRes(99, "2026-09-03", "12:00")
	other.ShopID = 8
	b.fin.byID[99] = other

	b.say(t, "hola")
	b.say(t, "cancelar")
	r := b.say(t, "RID_99")
	if r.Text != textRIDNotFound {
		t.Fatalf("expected not-found reply, got %q", r.Text)
	}
	if got := b.session(t).Step; got != StepBuscar {
		t.Fatalf("expected to ask for the phone, got %q", got)
	}
	if len(b.com.cancelled) != 0 {
		t.Fatalf("foreign reservation must never reach the committer")
	}
}

func TestCancelPastReservationOffersUpcoming(t *testing.T) {
	b := newBot(t)
	past := futureRes(31, "2026-08-20", "12:00")
	upcoming := futureRes(45, "2026-09-05", "17:00")
	b.fin.byID[31] = past
	b.fin.byID[45] = upcoming
	b.fin.byPhone["+34600111222"] = []reservations.Reservation{*upcoming}

	b.say(t, "hola")
	b.say(t, "cancelar")
	r := b.say(t, "RID_31")
	if r.Text != textRIDPastHasPhone || r.UI != UIResList {
		t.Fatalf("expected upcoming list, got %q (%s)", r.Text, r.UI)
	}
	if len(r.Choices) != 1 || r.Choices[0].ID != "RID_45" {
		t.Fatalf("unexpected choices: %+v", r.Choices)
	}
}

func TestCancelNoReservationsRetryLoop(t *testing.T) {
	b := newBot(t)
	b.say(t, "hola")
	b.say(t, "cancelar")

	r := b.say(t, "600111222")
	if r.Text != textNoReservations {
		t.Fatalf("expected no-reservations reply, got %q", r.Text)
	}

	r = b.say(t, "si")
	if r.Text != textAskCancelPhoneAlt {
		t.Fatalf("expected retry prompt, got %q", r.Text)
	}
	b.say(t, "600111222")

	r = b.say(t, "no")
	if r.Text != textRetryDeclined || r.UI != UIMainMenu {
		t.Fatalf("expected menu return, got %q (%s)", r.Text, r.UI)
	}
	if got := b.session(t).Step; got != StepInicio {
		t.Fatalf("expected reset, got %q", got)
	}
}

func TestCancelDeclineKeepsReservation(t *testing.T) {
	b := newBot(t)
	b.seedReservations(futureRes(42, "2026-09-02", "18:00"))
	b.say(t, "hola")
	b.say(t, "cancelar")
	b.say(t, "600111222")

	r := b.say(t, "no")
	if r.Text != textCancelDeclined || r.UI != UIMainMenu {
		t.Fatalf("expected decline, got %q (%s)", r.Text, r.UI)
	}
	if len(b.com.cancelled) != 0 {
		t.Fatalf("expected no cancellation, got %v", b.com.cancelled)
	}
}

func TestCancelRowVanishedUnderneath(t *testing.T) {
	b := newBot(t)
	b.seedReservations(futureRes(42, "2026-09-02", "18:00"))
	b.com.outcome = reservations.CancelNotFound
	b.say(t, "hola")
	b.say(t, "cancelar")
	b.say(t, "600111222")

	// The reservation is gone either way, so the live response and
	// the replay must match byte for byte.
	r := b.sayKey(t, "si", "wamid.gone-1")
	if r.Text != textCancelNotFound || r.Status != 200 {
		t.Fatalf("expected not-found with 200, got %q (%d)", r.Text, r.Status)
	}
	r = b.sayKey(t, "si", "wamid.gone-1")
	if r.Text != textCancelNotFound || r.Status != 200 {
		t.Fatalf("expected identical replay, got %q (%d)", r.Text, r.Status)
	}
	if len(b.com.cancelled) != 1 {
		t.Fatalf("replay must not reach the committer, got %v", b.com.cancelled)
	}
}

func TestCancelLockBusyNotCached(t *testing.T) {
	b := newBot(t)
	b.seedReservations(futureRes(42, "2026-09-02", "18:00"))
	b.com.outcome = reservations.CancelLockBusy
	b.say(t, "hola")
	b.say(t, "cancelar")
	b.say(t, "600111222")

	r := b.sayKey(t, "si", "wamid.cancel-1")
	if r.Text != textCancelLockBusy || r.UI != UIMainMenu {
		t.Fatalf("expected lock busy reply, got %q (%s)", r.Text, r.UI)
	}

	// The retry with the same key must reach the committer again.
	sess := b.session(t)
	sess.Intent = intentCancel
	sess.Step = StepConfirmarCancelar
	sess.Cancel.ReservationID = 42
	if err := b.e.sessions.Save(context.Background(), b.sid, sess); err != nil {
		t.Fatalf("save: %v", err)
	}
	b.com.outcome = reservations.CancelDone
	r = b.sayKey(t, "si", "wamid.cancel-1")
	if !strings.HasPrefix(r.Text, "❌ Reserva cancelada:") {
		t.Fatalf("expected retry to cancel, got %q", r.Text)
	}
	if len(b.com.cancelled) != 2 {
		t.Fatalf("expected both attempts, got %d", len(b.com.cancelled))
	}
}

func TestCancelCommitErrorResets(t *testing.T) {
	b := newBot(t)
	b.seedReservations(futureRes(42, "2026-09-02", "18:00"))
	b.com.cancelErr = errors.New("pool closed")
	b.say(t, "hola")
	b.say(t, "cancelar")
	b.say(t, "600111222")

	r := b.say(t, "si")
	if r.Text != textCancelFailed || r.UI != UIMainMenu {
		t.Fatalf("expected failure reply, got %q (%s)", r.Text, r.UI)
	}
	if got := b.session(t).Step; got != StepInicio {
		t.Fatalf("expected reset, got %q", got)
	}
}

func TestCancelListStopWords(t *testing.T) {
	b := newBot(t)
	b.seedReservations(
		futureRes(43, "2026-09-03", "12:00"),
		futureRes(44, "2026-09-04", "13:00"),
	)
	b.say(t, "hola")
	b.say(t, "cancelar")
	b.say(t, "600111222")

	r := b.say(t, "cancelar")
	if r.Text != textCancelStopped || r.UI != UIMainMenu {
		t.Fatalf("expected stop, got %q (%s)", r.Text, r.UI)
	}
	if got := b.session(t).Step; got != StepInicio {
		t.Fatalf("expected reset, got %q", got)
	}
}

func TestCancelListRepromptRebuildsChoices(t *testing.T) {
	b := newBot(t)
	b.seedReservations(
		futureRes(43, "2026-09-03", "12:00"),
		futureRes(44, "2026-09-04", "13:00"),
	)
	b.say(t, "hola")
	b.say(t, "cancelar")
	b.say(t, "600111222")

	r := b.say(t, "el del jueves")
	if r.Text != textPickReservation || r.UI != UIResList {
		t.Fatalf("expected reprompt, got %q (%s)", r.Text, r.UI)
	}
	if len(r.Choices) != 2 {
		t.Fatalf("expected choices kept, got %+v", r.Choices)
	}
}

func TestCancelListNextPageIsSilent(t *testing.T) {
	b := newBot(t)
	b.seedReservations(
		futureRes(43, "2026-09-03", "12:00"),
		futureRes(44, "2026-09-04", "13:00"),
	)
	b.say(t, "hola")
	b.say(t, "cancelar")
	b.say(t, "600111222")

	// Paging is resolved upstream from the list snapshot; the engine
	// stays quiet so no extra message reaches the user.
	r := b.say(t, "RID_NEXT_2")
	if r.Text != "" {
		t.Fatalf("expected silent reply, got %q", r.Text)
	}
	if got := b.session(t).Step; got != StepSeleccionarCancel {
		t.Fatalf("expected to keep waiting for a pick, got %q", got)
	}
}

func TestCancelReplaysFromIdempotencyCache(t *testing.T) {
	b := newBot(t)
	b.seedReservations(futureRes(42, "2026-09-02", "18:00"))
	b.say(t, "hola")
	b.say(t, "cancelar")
	b.say(t, "600111222")

	first := b.sayKey(t, "si", "wamid.retry-9")

	sess := b.session(t)
	sess.Intent = intentCancel
	sess.Step = StepConfirmarCancelar
	sess.Cancel.ReservationID = 42
	if err := b.e.sessions.Save(context.Background(), b.sid, sess); err != nil {
		t.Fatalf("save: %v", err)
	}

	second := b.sayKey(t, "si", "wamid.retry-9")
	if second.Text != first.Text || second.SecondText != first.SecondText {
		t.Fatalf("replay mismatch: %q vs %q", second.Text, first.Text)
	}
	if len(b.com.cancelled) != 1 {
		t.Fatalf("expected a single committer call, got %v", b.com.cancelled)
	}
}

func TestCancelFarewell(t *testing.T) {
	b := newBot(t)
	b.seedReservations(futureRes(42, "2026-09-02", "18:00"))
	b.say(t, "hola")
	b.say(t, "cancelar")
	b.say(t, "600111222")
	b.say(t, "si")

	r := b.say(t, "no")
	if r.Text != textCancelFarewell {
		t.Fatalf("expected farewell, got %q", r.Text)
	}
	r = b.say(t, "hola")
	if !strings.Contains(r.Text, "Soy la secretaria virtual") {
		t.Fatalf("expected welcome after farewell, got %q", r.Text)
	}
}
