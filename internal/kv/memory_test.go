package kv

import (
	"context"
	"testing"
	"time"
)

func TestMemoryGetSet(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	if _, err := s.Get(ctx, "state:wa_1"); err != ErrMiss {
		t.Fatalf("expected ErrMiss, got %v", err)
	}

	if err := s.SetEx(ctx, "state:wa_1", `{"step":"inicio"}`, time.Minute); err != nil {
		t.Fatalf("setex: %v", err)
	}
	got, err := s.Get(ctx, "state:wa_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != `{"step":"inicio"}` {
		t.Fatalf("unexpected value %q", got)
	}
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	base := time.Now()
	s.now = func() time.Time { return base }
	if err := s.SetEx(ctx, "idemp:abc", "cached", 10*time.Second); err != nil {
		t.Fatalf("setex: %v", err)
	}

	s.now = func() time.Time { return base.Add(11 * time.Second) }
	if _, err := s.Get(ctx, "idemp:abc"); err != ErrMiss {
		t.Fatalf("expected ErrMiss after expiry, got %v", err)
	}
}

func TestMemoryIncr(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	for want := int64(1); want <= 3; want++ {
		got, err := s.Incr(ctx, "rl:wa_1", time.Minute)
		if err != nil {
			t.Fatalf("incr: %v", err)
		}
		if got != want {
			t.Fatalf("expected count %d, got %d", want, got)
		}
	}

	// An expired counter restarts from one.
	base := time.Now()
	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	got, err := s.Incr(ctx, "rl:wa_1", time.Minute)
	if err != nil {
		t.Fatalf("incr: %v", err)
	}
	if got != 1 {
		t.Fatalf("expected restart at 1, got %d", got)
	}
}

func TestMemoryDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	_ = s.SetEx(ctx, "horas:1:none:2026-09-01", `["09:00"]`, time.Minute)
	_ = s.SetEx(ctx, "horas:1:2:2026-09-01", `["09:30"]`, time.Minute)

	if err := s.Delete(ctx, "horas:1:none:2026-09-01", "horas:1:2:2026-09-01", "missing"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "horas:1:none:2026-09-01"); err != ErrMiss {
		t.Fatalf("expected ErrMiss after delete, got %v", err)
	}
}
