package dialog

import (
	"context"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/agendabot/agendabot/internal/availability"
	"github.com/agendabot/agendabot/internal/kv"
	"github.com/agendabot/agendabot/internal/nlu"
	"github.com/agendabot/agendabot/internal/reservations"
	"github.com/agendabot/agendabot/internal/shops"
	"github.com/agendabot/agendabot/pkg/logging"
)

// HoursSource computes the bookable start times for a shop day.
// *availability.Engine satisfies it.
type HoursSource interface {
	Slots(ctx context.Context, shop *shops.Shop, svc *shops.Service, dateISO string) ([]string, error)
	SlotsFresh(ctx context.Context, shop *shops.Shop, svc *shops.Service, dateISO string) ([]string, error)
	SlotsForStaff(ctx context.Context, shop *shops.Shop, svc *shops.Service, staffID int64, dateISO string) ([]string, error)
	FilterFromNow(shop *shops.Shop, hours []string, dateISO string) []string
	NextDatesWithSlots(ctx context.Context, shop *shops.Shop, svc *shops.Service, staffID *int64, fromISO string, maxItems int) []string
}

// BookingCommitter runs the transactional booking and cancellation
// commits. *reservations.Committer satisfies it.
type BookingCommitter interface {
	Book(ctx context.Context, shop *shops.Shop, b reservations.Booking) (reservations.BookResult, error)
	CancelBooking(ctx context.Context, shop *shops.Shop, res *reservations.Reservation) (reservations.CancelOutcome, error)
}

// ReservationFinder looks up committed reservations for the
// cancellation flow. *reservations.Repository satisfies it.
type ReservationFinder interface {
	GetByID(ctx context.Context, reservationID int64) (*reservations.Reservation, error)
	FutureConfirmedByPhone(ctx context.Context, shopID int64, phone string, nowLocal time.Time) ([]reservations.Reservation, error)
}

var (
	_ HoursSource       = (*availability.Engine)(nil)
	_ BookingCommitter  = (*reservations.Committer)(nil)
	_ ReservationFinder = (*reservations.Repository)(nil)
)

const defaultRatePerMin = 100

// Intent tags stored in the session while a flow is active.
const (
	intentBook   = string(nlu.IntentBook)
	intentCancel = string(nlu.IntentCancel)
	intentFAQ    = string(nlu.IntentQuestion)
)

// Config wires the engine's collaborators. Interpreter may be nil,
// in which case only keyword and literal inputs are understood.
type Config struct {
	Sessions     *Sessions
	Store        kv.Store
	Interpreter  nlu.Interpreter
	Hours        HoursSource
	Committer    BookingCommitter
	Reservations ReservationFinder
	Idempotency  *reservations.IdemCache
	RatePerMin   int
	Logger       *logging.Logger
}

// Engine runs one turn of the conversation per inbound message. It is
// stateless between calls; every piece of flow state lives in the
// session store so any replica can serve any turn.
type Engine struct {
	sessions   *Sessions
	store      kv.Store
	itp        nlu.Interpreter
	hours      HoursSource
	committer  BookingCommitter
	finder     ReservationFinder
	idem       *reservations.IdemCache
	ratePerMin int64
	logger     *logging.Logger
	now        func() time.Time
}

func NewEngine(cfg Config) *Engine {
	switch {
	case cfg.Sessions == nil:
		panic("dialog: nil sessions")
	case cfg.Store == nil:
		panic("dialog: nil store")
	case cfg.Hours == nil:
		panic("dialog: nil hours source")
	case cfg.Committer == nil:
		panic("dialog: nil committer")
	case cfg.Reservations == nil:
		panic("dialog: nil reservation finder")
	case cfg.Idempotency == nil:
		panic("dialog: nil idempotency cache")
	}
	rate := int64(cfg.RatePerMin)
	if rate <= 0 {
		rate = defaultRatePerMin
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	return &Engine{
		sessions:   cfg.Sessions,
		store:      cfg.Store,
		itp:        cfg.Interpreter,
		hours:      cfg.Hours,
		committer:  cfg.Committer,
		finder:     cfg.Reservations,
		idem:       cfg.Idempotency,
		ratePerMin: rate,
		logger:     log,
		now:        time.Now,
	}
}

var reRID = regexp.MustCompile(`^RID_(\d+)$`)

// Handle runs one conversation turn and always produces a customer
// facing reply. Unexpected failures reset the session and surface the
// generic error text with Status 500; everything else is a 200.
func (e *Engine) Handle(ctx context.Context, sid string, shop *shops.Shop, message, origin, idemKey string) *Reply {
	log := e.logger.WithShop(shop.ID, shop.Name).WithSession(sid)
	text := strings.TrimSpace(message)
	origin = strings.ToLower(strings.TrimSpace(origin))
	if origin == "" {
		origin = "text"
	}

	// Per-session flood guard. Storage trouble fails open: a broken
	// counter must not silence the bot.
	if n, err := e.store.Incr(ctx, "rl:"+sid, time.Minute); err != nil {
		log.Warn("rate counter unavailable", "error", err)
	} else if n > e.ratePerMin {
		if err := e.sessions.Reset(ctx, sid, true); err != nil {
			log.Warn("rate limit reset failed", "error", err)
		}
		return reply(textRateLimited).withUI(UIMainMenu).withStatus(http.StatusTooManyRequests)
	}

	sess, found, err := e.sessions.Load(ctx, sid)
	if err != nil {
		return e.fail(ctx, sid, log, err)
	}
	if !found {
		// First contact: greet and swallow the message, whatever it was.
		if err := e.sessions.Save(ctx, sid, newSession()); err != nil {
			return e.fail(ctx, sid, log, err)
		}
		return reply(welcomeText(shop)).withUI(UIMainMenu)
	}

	if _, ok := nlu.GlobalCommand(text); ok {
		if err := e.sessions.Reset(ctx, sid, false); err != nil {
			return e.fail(ctx, sid, log, err)
		}
		return reply(returnText(shop)).withUI(UIMainMenu)
	}

	if sess.ForceWelcome {
		sess.ForceWelcome = false
		if err := e.sessions.Save(ctx, sid, sess); err != nil {
			return e.fail(ctx, sid, log, err)
		}
		return reply(welcomeText(shop)).withUI(UIMainMenu)
	}

	r, err := e.dispatch(ctx, sid, sess, shop, text, origin, idemKey)
	if err != nil {
		return e.fail(ctx, sid, log, err)
	}
	return r
}

func (e *Engine) dispatch(ctx context.Context, sid string, sess *Session, shop *shops.Shop, text, origin, idemKey string) (*Reply, error) {
	// A reservation picked from the list works from either cancel step.
	if sess.Intent == intentCancel && (sess.Step == StepBuscar || sess.Step == StepSeleccionarCancel) {
		if m := reRID.FindStringSubmatch(text); m != nil {
			rid, err := strconv.ParseInt(m[1], 10, 64)
			if err == nil {
				return e.cancelPickByID(ctx, sid, sess, shop, rid)
			}
		}
	}

	switch sess.Step {
	case StepInicio:
		return e.stepInicio(ctx, sid, sess, shop, text, origin)
	case StepServicio:
		return e.stepServicio(ctx, sid, sess, shop, text, origin)
	case StepPeluquero:
		return e.stepPeluquero(ctx, sid, sess, shop, text, origin)
	case StepFecha:
		return e.stepFecha(ctx, sid, sess, shop, text)
	case StepHora:
		return e.stepHora(ctx, sid, sess, shop, text, origin)
	case StepConfirmaAMPM:
		return e.stepConfirmaAMPM(ctx, sid, sess, shop, text)
	case StepNombre:
		return e.stepNombre(ctx, sid, sess, text)
	case StepTelefono:
		return e.stepTelefono(ctx, sid, sess, shop, text)
	case StepConfirmar:
		return e.stepConfirmar(ctx, sid, sess, shop, text, idemKey)
	case StepPostConfirm:
		if sess.Intent == intentCancel {
			return e.stepPostCancel(ctx, sid, text)
		}
		return e.stepPostBook(ctx, sid, text)
	case StepBuscar:
		return e.stepBuscar(ctx, sid, sess, shop, text)
	case StepSeleccionarCancel:
		return e.stepSeleccionarCancel(ctx, sid, sess, shop, text)
	case StepCancelarContinuar:
		return e.stepCancelarContinuar(ctx, sid, sess, text)
	case StepConfirmarCancelar:
		return e.stepConfirmarCancelar(ctx, sid, sess, shop, text, idemKey)
	case StepDuda:
		return e.stepDuda(ctx, sid, sess, shop, text)
	case StepDudaConfirmar:
		return e.stepDudaConfirmar(ctx, sid, sess, text)
	}

	// Unknown step, stale session from an older build. Start over.
	if err := e.sessions.Reset(ctx, sid, false); err != nil {
		return nil, err
	}
	return reply(returnText(shop)).withUI(UIMainMenu), nil
}

func (e *Engine) stepInicio(ctx context.Context, sid string, sess *Session, shop *shops.Shop, text, origin string) (*Reply, error) {
	intent, ok := nlu.KeywordIntent(text)
	if !ok && origin == "text" && e.itp != nil {
		// Interpreter errors fall through to the menu prompt.
		if out, err := e.itp.Intent(ctx, text); err == nil {
			switch strings.ToLower(strings.TrimSpace(out)) {
			case "reservar":
				intent, ok = nlu.IntentBook, true
			case "cancelar":
				intent, ok = nlu.IntentCancel, true
			case "duda":
				intent, ok = nlu.IntentQuestion, true
			}
		}
	}
	if !ok {
		return reply(textChooseMenu).withUI(UIMainMenu), nil
	}

	switch intent {
	case nlu.IntentBook:
		sess.Intent = intentBook
		if len(shop.Services) == 1 {
			setService(&sess.Book, &shop.Services[0])
			sess.Step = StepFecha
			if err := e.sessions.Save(ctx, sid, sess); err != nil {
				return nil, err
			}
			return reply(textAskDate), nil
		}
		sess.Step = StepServicio
		if err := e.sessions.Save(ctx, sid, sess); err != nil {
			return nil, err
		}
		return reply(textAskService).withUI(UIServices), nil
	case nlu.IntentCancel:
		sess.Intent = intentCancel
		sess.Step = StepBuscar
		if err := e.sessions.Save(ctx, sid, sess); err != nil {
			return nil, err
		}
		return reply(textAskCancelPhone), nil
	case nlu.IntentQuestion:
		sess.Intent = intentFAQ
		sess.Step = StepDuda
		if err := e.sessions.Save(ctx, sid, sess); err != nil {
			return nil, err
		}
		return reply(textAskQuestion), nil
	}
	return reply(textChooseMenu).withUI(UIMainMenu), nil
}

// fail resets the session so the customer is not trapped in a broken
// step, then reports the generic error.
func (e *Engine) fail(ctx context.Context, sid string, log *logging.Logger, err error) *Reply {
	log.Error("conversation turn failed", "error", err)
	if rerr := e.sessions.Reset(ctx, sid, true); rerr != nil {
		log.Warn("session reset failed", "error", rerr)
	}
	return reply(TextInternalError).withStatus(http.StatusInternalServerError)
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func setService(b *BookDraft, svc *shops.Service) {
	b.ServiceID = svc.ID
	b.ServiceName = svc.Name
}

func staffPtr(sess *Session) *int64 {
	if sess.Book.StaffID == 0 {
		return nil
	}
	id := sess.Book.StaffID
	return &id
}

func (e *Engine) isToday(shop *shops.Shop, dateISO string) bool {
	return e.now().In(shop.Location()).Format("2006-01-02") == dateISO
}
