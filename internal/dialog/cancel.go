package dialog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/agendabot/agendabot/internal/availability"
	"github.com/agendabot/agendabot/internal/nlu"
	"github.com/agendabot/agendabot/internal/reservations"
	"github.com/agendabot/agendabot/internal/shops"
)

var reRIDNext = regexp.MustCompile(`^RID_NEXT_\d+$`)

// cancelPickByID handles a reservation chosen from the list. A row for
// another shop reads as missing so a forged id cannot cross tenants.
func (e *Engine) cancelPickByID(ctx context.Context, sid string, sess *Session, shop *shops.Shop, rid int64) (*Reply, error) {
	res, err := e.finder.GetByID(ctx, rid)
	if err != nil && !errors.Is(err, reservations.ErrNotFound) {
		return nil, err
	}
	if res != nil && res.ShopID != shop.ID {
		res = nil
	}
	if res == nil {
		sess.Step = StepBuscar
		if err := e.sessions.Save(ctx, sid, sess); err != nil {
			return nil, err
		}
		return reply(textRIDNotFound), nil
	}

	if !isFuture(res, shop, e.now()) {
		phone := res.Phone
		if phone == "" {
			phone = sess.Cancel.Phone
		}
		if phone != "" {
			list, err := e.finder.FutureConfirmedByPhone(ctx, shop.ID, phone, e.now().In(shop.Location()))
			if err != nil {
				return nil, err
			}
			if len(list) > 0 {
				sess.Cancel.Phone = phone
				sess.Cancel.Choices = reservationChoices(list)
				sess.Step = StepSeleccionarCancel
				if err := e.sessions.Save(ctx, sid, sess); err != nil {
					return nil, err
				}
				return reply(textRIDPastHasPhone).withUI(UIResList).withChoices(sess.Cancel.Choices), nil
			}
		}
		sess.Step = StepBuscar
		if err := e.sessions.Save(ctx, sid, sess); err != nil {
			return nil, err
		}
		return reply(textRIDPastNoPhone), nil
	}

	sess.Cancel.ReservationID = rid
	sess.Step = StepConfirmarCancelar
	if err := e.sessions.Save(ctx, sid, sess); err != nil {
		return nil, err
	}
	return reply(textConfirmCancel), nil
}

func (e *Engine) stepBuscar(ctx context.Context, sid string, sess *Session, shop *shops.Shop, text string) (*Reply, error) {
	phone, ok := normalizePhone(text, shop.CountryCode)
	if !ok {
		return reply(textPhoneInvalid), nil
	}

	list, err := e.finder.FutureConfirmedByPhone(ctx, shop.ID, phone, e.now().In(shop.Location()))
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		sess.Step = StepCancelarContinuar
		if err := e.sessions.Save(ctx, sid, sess); err != nil {
			return nil, err
		}
		return reply(textNoReservations), nil
	}

	sess.Cancel.Phone = phone
	if len(list) == 1 {
		sess.Cancel.ReservationID = list[0].ID
		sess.Step = StepConfirmarCancelar
		if err := e.sessions.Save(ctx, sid, sess); err != nil {
			return nil, err
		}
		return reply(textCancelSummary(list[0].DateISO, list[0].StartTime)), nil
	}

	sess.Cancel.Choices = reservationChoices(list)
	sess.Step = StepSeleccionarCancel
	if err := e.sessions.Save(ctx, sid, sess); err != nil {
		return nil, err
	}
	return reply(textSeveralFound).withUI(UIResList).withChoices(sess.Cancel.Choices), nil
}

func (e *Engine) stepSeleccionarCancel(ctx context.Context, sid string, sess *Session, shop *shops.Shop, text string) (*Reply, error) {
	// Page turns are resolved by the dispatcher from its snapshot.
	if reRIDNext.MatchString(text) {
		return reply(""), nil
	}
	if t := strings.ToLower(text); nlu.IsDenial(text) || t == "volver" || t == "cancelar" {
		if err := e.sessions.Reset(ctx, sid, false); err != nil {
			return nil, err
		}
		return reply(textCancelStopped).withUI(UIMainMenu), nil
	}

	choices := sess.Cancel.Choices
	if len(choices) == 0 && sess.Cancel.Phone != "" {
		list, err := e.finder.FutureConfirmedByPhone(ctx, shop.ID, sess.Cancel.Phone, e.now().In(shop.Location()))
		if err != nil {
			return nil, err
		}
		choices = reservationChoices(list)
		sess.Cancel.Choices = choices
	}
	if err := e.sessions.Save(ctx, sid, sess); err != nil {
		return nil, err
	}
	return reply(textPickReservation).withUI(UIResList).withChoices(choices), nil
}

func (e *Engine) stepCancelarContinuar(ctx context.Context, sid string, sess *Session, text string) (*Reply, error) {
	if nlu.IsDenial(text) {
		if err := e.sessions.Reset(ctx, sid, false); err != nil {
			return nil, err
		}
		return reply(textRetryDeclined).withUI(UIMainMenu), nil
	}
	if nlu.IsAffirmative(text) {
		sess.Step = StepBuscar
		if err := e.sessions.Save(ctx, sid, sess); err != nil {
			return nil, err
		}
		return reply(textAskCancelPhoneAlt), nil
	}
	return reply(textRetryOtherNumber), nil
}

func (e *Engine) stepConfirmarCancelar(ctx context.Context, sid string, sess *Session, shop *shops.Shop, text, idemKey string) (*Reply, error) {
	if nlu.IsDenial(text) {
		if err := e.sessions.Reset(ctx, sid, false); err != nil {
			return nil, err
		}
		return reply(textCancelDeclined).withUI(UIMainMenu), nil
	}
	if !nlu.IsAffirmative(text) {
		return reply(textCancelYesNo), nil
	}
	return e.commitCancel(ctx, sid, sess, shop, idemKey), nil
}

// commitCancel runs the idempotent cancellation. Like the booking
// commit it never propagates an error to the dispatcher.
func (e *Engine) commitCancel(ctx context.Context, sid string, sess *Session, shop *shops.Shop, idemKey string) *Reply {
	req := reservations.IdemRequest{
		ExplicitKey:   idemKey,
		Action:        reservations.ActionCancelConfirm,
		ShopID:        shop.ID,
		ReservationID: sess.Cancel.ReservationID,
	}
	if cached, ok := e.idem.Get(ctx, req); ok {
		if r, ok := replayReply(cached); ok {
			return r
		}
	}
	if sess.Cancel.ReservationID == 0 {
		return e.cancelBroken(ctx, sid)
	}

	res, err := e.finder.GetByID(ctx, sess.Cancel.ReservationID)
	if err != nil && !errors.Is(err, reservations.ErrNotFound) {
		e.logger.WithShop(shop.ID, shop.Name).WithSession(sid).Error("cancel lookup failed", "error", err)
		return e.cancelBroken(ctx, sid)
	}
	if res != nil && res.ShopID != shop.ID {
		res = nil
	}
	if res == nil {
		r := reply(textCancelNotFound)
		e.idem.Put(ctx, req, http.StatusOK, r)
		return r
	}

	outcome, err := e.committer.CancelBooking(ctx, shop, res)
	if err != nil {
		e.logger.WithShop(shop.ID, shop.Name).WithSession(sid).Error("cancel commit failed", "error", err)
		if rerr := e.sessions.Reset(ctx, sid, false); rerr != nil {
			return e.cancelBroken(ctx, sid)
		}
		r := reply(textCancelFailed).withUI(UIMainMenu)
		e.idem.Put(ctx, req, http.StatusOK, r)
		return r
	}
	if outcome == reservations.CancelLockBusy {
		// Transient contention is never cached so the retry can land.
		if rerr := e.sessions.Reset(ctx, sid, false); rerr != nil {
			return e.cancelBroken(ctx, sid)
		}
		return reply(textCancelLockBusy).withUI(UIMainMenu)
	}
	if outcome == reservations.CancelNotFound {
		// Idempotent success: the reservation is gone either way, so
		// the replayed status matches the live one.
		r := reply(textCancelNotFound)
		e.idem.Put(ctx, req, http.StatusOK, r)
		return r
	}

	sess.Step = StepPostConfirm
	if err := e.sessions.Save(ctx, sid, sess); err != nil {
		return e.cancelBroken(ctx, sid)
	}

	lines := []string{"Reserva cancelada:"}
	if len(shop.Services) > 1 && res.ServiceName != "" {
		lines = append(lines, "Servicio: "+res.ServiceName)
	}
	if res.DateISO != "" {
		lines = append(lines, "Fecha: "+availability.FormatDateES(res.DateISO))
	}
	if res.StartTime != "" {
		lines = append(lines, "Hora: "+res.StartTime)
	}
	if res.CustomerName != "" {
		lines = append(lines, "Nombre: "+res.CustomerName)
	}
	if res.Phone != "" {
		lines = append(lines, "Teléfono: "+res.Phone)
	}
	r := reply("❌ " + strings.Join(lines, "\n")).withSecond(textAnythingElse)
	e.idem.Put(ctx, req, http.StatusOK, r)
	return r
}

func (e *Engine) cancelBroken(ctx context.Context, sid string) *Reply {
	if err := e.sessions.Reset(ctx, sid, true); err != nil {
		e.logger.WithSession(sid).Warn("session reset failed", "error", err)
	}
	return reply(textCancelError).withUI(UIMainMenu)
}

func (e *Engine) stepPostCancel(ctx context.Context, sid, text string) (*Reply, error) {
	if nlu.IsDenial(text) {
		if err := e.sessions.Reset(ctx, sid, true); err != nil {
			return nil, err
		}
		return reply(textCancelFarewell), nil
	}
	if err := e.sessions.Reset(ctx, sid, false); err != nil {
		return nil, err
	}
	return reply(textCancelBackToMenu).withUI(UIMainMenu), nil
}

// reservationChoices renders upcoming reservations as list rows. The
// row id carries the reservation id so picking needs no second lookup.
func reservationChoices(list []reservations.Reservation) []Choice {
	out := make([]Choice, 0, len(list))
	for i := range list {
		r := &list[i]
		desc := r.ServiceName
		if r.CustomerName != "" {
			if desc != "" {
				desc += " · "
			}
			desc += r.CustomerName
		}
		out = append(out, Choice{
			ID:          fmt.Sprintf("RID_%d", r.ID),
			Title:       availability.FormatDateES(r.DateISO) + " · " + r.StartTime,
			Description: desc,
		})
	}
	return out
}

func isFuture(res *reservations.Reservation, shop *shops.Shop, now time.Time) bool {
	loc := shop.Location()
	day, err := availability.ParseISODate(res.DateISO, loc)
	if err != nil {
		return false
	}
	min, err := availability.ToMinutes(res.StartTime)
	if err != nil {
		return false
	}
	return day.Add(time.Duration(min) * time.Minute).After(now.In(loc))
}
