package dialog

import (
	"context"
	"testing"
	"time"

	"github.com/agendabot/agendabot/internal/kv"
)

func TestSessionRoundTrip(t *testing.T) {
	store := kv.NewMemory()
	s := NewSessions(store)
	ctx := context.Background()

	if _, found, err := s.Load(ctx, "wa_1"); err != nil || found {
		t.Fatalf("expected clean miss, got found=%v err=%v", found, err)
	}

	sess := newSession()
	sess.Step = StepHora
	sess.Intent = intentBook
	sess.Book = BookDraft{
		ServiceID: 2, ServiceName: "Tinte",
		DateISO: "2026-09-02", AMPMOptions: []string{"07:00", "19:00"},
	}
	if err := s.Save(ctx, "wa_1", sess); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, found, err := s.Load(ctx, "wa_1")
	if err != nil || !found {
		t.Fatalf("load: found=%v err=%v", found, err)
	}
	if got.Step != StepHora || got.Book.ServiceName != "Tinte" || len(got.Book.AMPMOptions) != 2 {
		t.Fatalf("round trip lost state: %+v", got)
	}
}

func TestSessionCorruptDocumentReadsAsAbsent(t *testing.T) {
	store := kv.NewMemory()
	s := NewSessions(store)
	ctx := context.Background()

	if err := store.SetEx(ctx, "state:wa_1", "{not json", time.Minute); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, found, err := s.Load(ctx, "wa_1"); err != nil || found {
		t.Fatalf("corrupt state must read as absent, got found=%v err=%v", found, err)
	}
}

func TestSessionEmptyStepBackfilled(t *testing.T) {
	store := kv.NewMemory()
	s := NewSessions(store)
	ctx := context.Background()

	if err := store.SetEx(ctx, "state:wa_1", `{"intent":"reservar"}`, time.Minute); err != nil {
		t.Fatalf("seed: %v", err)
	}
	got, found, err := s.Load(ctx, "wa_1")
	if err != nil || !found {
		t.Fatalf("load: found=%v err=%v", found, err)
	}
	if got.Step != StepInicio {
		t.Fatalf("expected backfilled start step, got %q", got.Step)
	}
}

func TestSessionResetSetsWelcomeFlag(t *testing.T) {
	store := kv.NewMemory()
	s := NewSessions(store)
	ctx := context.Background()

	sess := newSession()
	sess.Step = StepConfirmar
	if err := s.Save(ctx, "wa_1", sess); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Reset(ctx, "wa_1", true); err != nil {
		t.Fatalf("reset: %v", err)
	}

	got, found, err := s.Load(ctx, "wa_1")
	if err != nil || !found {
		t.Fatalf("load: found=%v err=%v", found, err)
	}
	if got.Step != StepInicio || !got.ForceWelcome || got.Book.ServiceID != 0 {
		t.Fatalf("reset left state behind: %+v", got)
	}
}
