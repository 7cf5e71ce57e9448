package reservations

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agendabot/agendabot/internal/kv"
	"github.com/agendabot/agendabot/pkg/logging"
)

// Idempotency actions. The tag is part of the cache key so a booking
// and a cancellation for the same slot never collide.
const (
	ActionBookConfirm   = "reservar_confirm"
	ActionCancelConfirm = "cancelar_confirm"
)

// idemTTL keeps replays available long enough to absorb channel
// redeliveries and double taps without pinning stale replies.
const idemTTL = 10 * time.Minute

// IdemRequest identifies one confirmation attempt. ExplicitKey wins
// when the caller supplied an Idempotency-Key header; otherwise the
// canonical fingerprint of the action is hashed.
type IdemRequest struct {
	ExplicitKey   string
	Action        string
	ShopID        int64
	DateISO       string
	StartTime     string
	ServiceID     int64
	Phone         string
	ReservationID int64
}

// Key returns the storage key for this request.
func (r IdemRequest) Key() string {
	raw := r.ExplicitKey
	if raw == "" {
		raw = fmt.Sprintf("%s:%d:%s:%s:%d:%s:%d",
			r.Action, r.ShopID, r.DateISO, r.StartTime, r.ServiceID, r.Phone, r.ReservationID)
	}
	sum := sha256.Sum256([]byte(raw))
	return "idemp:" + hex.EncodeToString(sum[:])
}

// CachedReply is a stored {status, body} pair replayed verbatim when
// the same confirmation arrives again.
type CachedReply struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"json"`
}

// IdemCache replays confirmation replies so retries never double-book
// or double-cancel. Transient outcomes are simply never stored.
type IdemCache struct {
	store  kv.Store
	logger *logging.Logger
}

func NewIdemCache(store kv.Store, logger *logging.Logger) *IdemCache {
	if store == nil {
		panic("reservations: kv store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &IdemCache{store: store, logger: logger}
}

// Get returns the cached reply for req, if any. Read failures count as
// a miss so a degraded cache never blocks confirmations.
func (c *IdemCache) Get(ctx context.Context, req IdemRequest) (*CachedReply, bool) {
	raw, err := c.store.Get(ctx, req.Key())
	if err != nil {
		if !errors.Is(err, kv.ErrMiss) {
			c.logger.Warn("idempotency read failed", "error", err)
		}
		return nil, false
	}
	var reply CachedReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		c.logger.Warn("idempotency entry corrupt", "key", req.Key(), "error", err)
		return nil, false
	}
	return &reply, true
}

// Put stores a reply for replay. Failures are logged; the live reply
// still goes out.
func (c *IdemCache) Put(ctx context.Context, req IdemRequest, status int, body any) {
	encoded, err := json.Marshal(body)
	if err != nil {
		c.logger.Warn("idempotency encode failed", "error", err)
		return
	}
	entry, err := json.Marshal(CachedReply{Status: status, Body: encoded})
	if err != nil {
		c.logger.Warn("idempotency encode failed", "error", err)
		return
	}
	if err := c.store.SetEx(ctx, req.Key(), string(entry), idemTTL); err != nil {
		c.logger.Warn("idempotency write failed", "error", err)
	}
}
