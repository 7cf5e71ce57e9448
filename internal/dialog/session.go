// Package dialog runs the per-session conversation state machine: it
// turns one inbound WhatsApp message into a reply, driving the booking,
// cancellation and Q&A flows over the injected stores and services.
package dialog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agendabot/agendabot/internal/kv"
)

// Dialogue steps. The values are the stable serialisation tags of the
// session state; renaming one would strand live conversations.
const (
	StepInicio            = "inicio"
	StepServicio          = "servicio"
	StepPeluquero         = "peluquero"
	StepFecha             = "fecha"
	StepHora              = "hora"
	StepConfirmaAMPM      = "confirma_am_pm"
	StepNombre            = "nombre"
	StepTelefono          = "telefono"
	StepConfirmar         = "confirmar"
	StepPostConfirm       = "post_confirm"
	StepBuscar            = "buscar"
	StepSeleccionarCancel = "seleccionar_reserva_cancelar"
	StepConfirmarCancelar = "confirmar_cancelar"
	StepCancelarContinuar = "cancelar_confirmar_continuar"
	StepDuda              = "duda"
	StepDudaConfirmar     = "duda_confirmar"
)

const sessionTTL = 5 * time.Hour

// BookDraft accumulates the booking answers across steps.
type BookDraft struct {
	ServiceID   int64    `json:"service_id,omitempty"`
	ServiceName string   `json:"service_name,omitempty"`
	StaffID     int64    `json:"staff_id,omitempty"`
	StaffName   string   `json:"staff_name,omitempty"`
	DateISO     string   `json:"date,omitempty"`
	Time        string   `json:"time,omitempty"`
	AMPMOptions []string `json:"am_pm_candidates,omitempty"`
	Name        string   `json:"name,omitempty"`
	Phone       string   `json:"phone,omitempty"`
}

// CancelDraft accumulates the cancellation answers, including the last
// reservation list shown so a stray reply can re-display it.
type CancelDraft struct {
	Phone         string   `json:"phone,omitempty"`
	ReservationID int64    `json:"reservation_id,omitempty"`
	Choices       []Choice `json:"choices,omitempty"`
}

// Session is the conversation state persisted between messages.
type Session struct {
	Step         string      `json:"step"`
	Intent       string      `json:"intent,omitempty"`
	Book         BookDraft   `json:"book"`
	Cancel       CancelDraft `json:"cancel"`
	ForceWelcome bool        `json:"force_welcome,omitempty"`
}

func newSession() *Session {
	return &Session{Step: StepInicio}
}

func sessionKey(sid string) string {
	return "state:" + sid
}

// Sessions stores dialogue state in the KV backend, one JSON document
// per session id.
type Sessions struct {
	store kv.Store
}

func NewSessions(store kv.Store) *Sessions {
	if store == nil {
		panic("dialog: kv store required")
	}
	return &Sessions{store: store}
}

// Load returns the stored session, or found=false when none exists. A
// document that no longer decodes is treated as absent so the customer
// restarts at the welcome instead of being stuck.
func (s *Sessions) Load(ctx context.Context, sid string) (*Session, bool, error) {
	raw, err := s.store.Get(ctx, sessionKey(sid))
	if err != nil {
		if errors.Is(err, kv.ErrMiss) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("dialog: load session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, false, nil
	}
	if sess.Step == "" {
		sess.Step = StepInicio
	}
	return &sess, true, nil
}

// Save persists the session and refreshes its expiry.
func (s *Sessions) Save(ctx context.Context, sid string, sess *Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("dialog: encode session: %w", err)
	}
	if err := s.store.SetEx(ctx, sessionKey(sid), string(payload), sessionTTL); err != nil {
		return fmt.Errorf("dialog: save session: %w", err)
	}
	return nil
}

// Reset replaces the session with a fresh one at the start step,
// optionally flagged so the next message re-emits the welcome.
func (s *Sessions) Reset(ctx context.Context, sid string, forceWelcome bool) error {
	sess := newSession()
	sess.ForceWelcome = forceWelcome
	return s.Save(ctx, sid, sess)
}
