package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/agendabot/agendabot/internal/dispatch"
	"github.com/agendabot/agendabot/internal/kv"
	"github.com/agendabot/agendabot/internal/observability/metrics"
	"github.com/agendabot/agendabot/internal/shops"
	"github.com/agendabot/agendabot/internal/whatsapp"
	"github.com/agendabot/agendabot/pkg/logging"
)

const (
	// publishTimeout bounds the queue publish so a stuck broker cannot
	// hold the webhook past the provider's delivery deadline.
	publishTimeout = 3 * time.Second

	guardTTL = 24 * time.Hour
)

// ShopResolver finds the tenant that owns an inbound phone number id.
type ShopResolver interface {
	GetByPhoneNumberID(ctx context.Context, phoneNumberID string) (*shops.Shop, error)
}

// WebhookConfig wires the WhatsApp webhook handler.
type WebhookConfig struct {
	VerifyToken string
	AppSecret   string
	Shops       ShopResolver
	Queue       dispatch.Queue
	Store       kv.Store

	// PerShopPerMin caps webhook deliveries per tenant per minute;
	// zero disables the bucket.
	PerShopPerMin int

	Metrics *metrics.MessagingMetrics
	Logger  *logging.Logger
}

// WebhookHandler terminates the Meta WhatsApp webhook: it verifies the
// subscription handshake and ingests signed message envelopes into the
// dispatch queue.
type WebhookHandler struct {
	verifyToken string
	appSecret   string
	shops       ShopResolver
	queue       dispatch.Queue
	store       kv.Store
	perShop     int64
	metrics     *metrics.MessagingMetrics
	logger      *logging.Logger
	now         func() time.Time
}

func NewWebhookHandler(cfg WebhookConfig) *WebhookHandler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &WebhookHandler{
		verifyToken: cfg.VerifyToken,
		appSecret:   cfg.AppSecret,
		shops:       cfg.Shops,
		queue:       cfg.Queue,
		store:       cfg.Store,
		perShop:     int64(cfg.PerShopPerMin),
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		now:         time.Now,
	}
}

// Verify answers the Meta subscription handshake.
func (h *WebhookHandler) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	challenge := q.Get("hub.challenge")
	if q.Get("hub.mode") == "subscribe" &&
		whatsapp.VerifyToken(h.verifyToken, q.Get("hub.verify_token")) &&
		challenge != "" {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(challenge))
		return
	}
	w.WriteHeader(http.StatusForbidden)
}

// Receive ingests one provider envelope. Anything that passed the
// signature check is acknowledged so the provider stops retrying;
// per-message filtering happens inside.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	start := h.now()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if !whatsapp.VerifySignature(h.appSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		h.logger.Warn("invalid webhook signature")
		w.WriteHeader(http.StatusForbidden)
		return
	}

	inbounds, err := whatsapp.ParseEnvelope(body)
	if err != nil {
		h.logger.Warn("undecodable webhook payload", "error", err)
		h.ack(w)
		return
	}

	if !h.allowTenant(r.Context(), inbounds) {
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}

	for _, in := range inbounds {
		h.ingest(r.Context(), in)
	}

	h.metrics.ObserveWebhookLatency("whatsapp", time.Since(start).Seconds())
	h.ack(w)
}

func (h *WebhookHandler) ack(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("EVENT_RECEIVED"))
}

// allowTenant charges one webhook delivery to the owning tenant's
// minute bucket. Envelopes whose tenant cannot be resolved share the
// "unknown" bucket. Storage failures fail open.
func (h *WebhookHandler) allowTenant(ctx context.Context, inbounds []whatsapp.Inbound) bool {
	if h.store == nil || h.perShop <= 0 || len(inbounds) == 0 {
		return true
	}
	scope := "unknown"
	if shop, err := h.shops.GetByPhoneNumberID(ctx, inbounds[0].PhoneNumberID); err == nil {
		scope = strconv.FormatInt(shop.ID, 10)
	}
	key := fmt.Sprintf("rl:wa:in:%s:%s", scope, h.now().UTC().Format("200601021504"))
	n, err := h.store.Incr(ctx, key, time.Minute)
	if err != nil {
		h.logger.Warn("webhook bucket unavailable", "error", err)
		return true
	}
	return n <= h.perShop
}

func (h *WebhookHandler) ingest(ctx context.Context, in whatsapp.Inbound) {
	if !h.freshTimestamp(ctx, in) {
		h.metrics.ObserveInbound(in.Origin, "stale")
		return
	}
	if h.seenBefore(ctx, in.WamID) {
		h.metrics.ObserveInbound(in.Origin, "duplicate")
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := dispatch.Enqueue(pubCtx, h.queue, in); err != nil {
		h.logger.Error("failed to enqueue inbound message", "error", err, "session_id", in.SessionID)
		h.metrics.ObserveInbound(in.Origin, "failed")
		return
	}
	h.metrics.ObserveInbound(in.Origin, "enqueued")
}

// freshTimestamp drops deliveries older than the newest one already
// seen for the session. Equal stamps pass so same-second bursts
// survive; a guard outage fails open.
func (h *WebhookHandler) freshTimestamp(ctx context.Context, in whatsapp.Inbound) bool {
	if h.store == nil {
		return true
	}
	key := "last_ts:" + in.SessionID
	raw, err := h.store.Get(ctx, key)
	if err != nil && !errors.Is(err, kv.ErrMiss) {
		h.logger.Warn("timestamp guard unavailable", "error", err)
		return true
	}
	last, _ := strconv.ParseInt(raw, 10, 64)
	if in.Timestamp < last {
		return false
	}
	if err := h.store.SetEx(ctx, key, strconv.FormatInt(in.Timestamp, 10), guardTTL); err != nil {
		h.logger.Warn("timestamp guard save failed", "error", err)
	}
	return true
}

func (h *WebhookHandler) seenBefore(ctx context.Context, wamID string) bool {
	if wamID == "" || h.store == nil {
		return false
	}
	key := "seen_wamid:" + wamID
	_, err := h.store.Get(ctx, key)
	if err == nil {
		return true
	}
	if !errors.Is(err, kv.ErrMiss) {
		h.logger.Warn("dedupe lookup failed", "error", err)
	}
	if err := h.store.SetEx(ctx, key, "1", guardTTL); err != nil {
		h.logger.Warn("dedupe save failed", "error", err)
	}
	return false
}
