package whatsapp

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agendabot/agendabot/internal/kv"
	"github.com/agendabot/agendabot/internal/observability/metrics"
	"github.com/agendabot/agendabot/internal/shops"
	"github.com/agendabot/agendabot/pkg/logging"
)

const (
	defaultBaseURL     = "https://graph.facebook.com"
	defaultVersion     = "v23.0"
	defaultHTTPTimeout = 10 * time.Second

	textBodyMax = 4096
)

// ErrNoCredentials marks a shop without a messaging token; callers
// skip such tenants instead of retrying.
var ErrNoCredentials = errors.New("whatsapp: shop has no messaging credentials")

// Config wires the Graph API client. Store backs the outbound minute
// buckets; a zero or negative limit disables that bucket.
type Config struct {
	BaseURL       string
	Version       string
	HTTPClient    *http.Client
	Store         kv.Store
	PerShopPerMin int
	PerUserPerMin int
	Metrics       *metrics.MessagingMetrics
	Logger        *logging.Logger
}

// Client sends messages through the WhatsApp Cloud API using each
// shop's own phone number id and token.
type Client struct {
	baseURL    string
	version    string
	httpClient *http.Client
	store      kv.Store
	perShop    int64
	perUser    int64
	metrics    *metrics.MessagingMetrics
	logger     *logging.Logger
	now        func() time.Time
}

func NewClient(cfg Config) *Client {
	c := &Client{
		baseURL:    cfg.BaseURL,
		version:    cfg.Version,
		httpClient: cfg.HTTPClient,
		store:      cfg.Store,
		perShop:    int64(cfg.PerShopPerMin),
		perUser:    int64(cfg.PerUserPerMin),
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		now:        time.Now,
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	if c.version == "" {
		c.version = defaultVersion
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if c.logger == nil {
		c.logger = logging.Default()
	}
	return c
}

// SetBaseURL overrides the Graph API host, used by tests.
func (c *Client) SetBaseURL(base string) {
	c.baseURL = strings.TrimRight(base, "/")
}

// SendText delivers a plain text message. The body is capped at the
// Cloud API limit.
func (c *Client) SendText(ctx context.Context, shop *shops.Shop, to, sessionID, body string) error {
	if to == "" || strings.TrimSpace(body) == "" {
		return errors.New("whatsapp: to and body required")
	}
	payload := sendRequest{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "text",
		Text:             &sendText{Body: truncateRunes(body, textBodyMax)},
	}
	return c.send(ctx, shop, sessionID, "text", payload)
}

// SendMainMenu shows the three action buttons. When the interactive
// send fails the menu falls back to a numbered text message.
func (c *Client) SendMainMenu(ctx context.Context, shop *shops.Shop, to, sessionID string) error {
	payload := sendRequest{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "interactive",
		Interactive: &sendInteractive{
			Type:   "button",
			Body:   &sendBodyText{Text: "¿Qué quieres hacer?"},
			Footer: &sendBodyText{Text: "Elige una opción ↓"},
			Action: &sendAction{
				Buttons: []sendButton{
					{Type: "reply", Reply: sendButtonID{ID: "ACT_RESERVAR", Title: "Reservar cita"}},
					{Type: "reply", Reply: sendButtonID{ID: "ACT_CAN", Title: "Cancelar cita"}},
					{Type: "reply", Reply: sendButtonID{ID: "ACT_DUDA", Title: "Duda"}},
				},
			},
		},
	}
	err := c.send(ctx, shop, sessionID, "menu", payload)
	if err == nil || errors.Is(err, ErrNoCredentials) {
		return err
	}
	fallback := "¿Qué quieres hacer?\n1) Reservar cita\n2) Cancelar cita\n3) Duda"
	return c.fallbackText(ctx, shop, to, sessionID, fallback, err)
}

// SendServiceList shows one page of the shop's services.
func (c *Client) SendServiceList(ctx context.Context, shop *shops.Shop, to, sessionID string, page int) error {
	if len(shop.Services) == 0 {
		c.logger.WithShop(shop.ID, shop.Name).Warn("service list requested with no services")
		return nil
	}
	rows, _ := serviceRows(shop, page)
	payload := listPayload(to, "Elige un servicio:", "Pulsa para ver opciones", "Ver servicios", "Servicios", rows)
	err := c.send(ctx, shop, sessionID, "services", payload)
	if err == nil || errors.Is(err, ErrNoCredentials) {
		return err
	}

	var b strings.Builder
	b.WriteString("Elige un servicio:")
	for i, svc := range shop.Services {
		b.WriteString(fmt.Sprintf("\n%d) %s", i+1, svc.Name))
		if svc.Description != "" {
			b.WriteString(" - " + svc.Description)
		}
	}
	return c.fallbackText(ctx, shop, to, sessionID, b.String(), err)
}

// SendStaffList shows one page of active staff with the no-preference
// row pinned first.
func (c *Client) SendStaffList(ctx context.Context, shop *shops.Shop, to, sessionID string, page int) error {
	active := shop.ActiveStaff()
	if len(active) == 0 {
		c.logger.WithShop(shop.ID, shop.Name).Warn("staff list requested with no active staff")
		return nil
	}
	rows, _ := staffRows(shop, page)
	payload := listPayload(to, "Elige un profesional:", "Pulsa para ver opciones", "Ver peluqueros", "Peluqueros", rows)
	err := c.send(ctx, shop, sessionID, "staff", payload)
	if err == nil || errors.Is(err, ErrNoCredentials) {
		return err
	}

	lines := []string{"Elige un profesional:", "1) Sin preferencia"}
	for i, p := range active {
		lines = append(lines, fmt.Sprintf("%d) %s", i+2, p.Name))
	}
	return c.fallbackText(ctx, shop, to, sessionID, strings.Join(lines, "\n"), err)
}

// SendHoursPage shows one page of free hours. The full set goes out as
// text when the interactive send fails so the customer can still pick.
func (c *Client) SendHoursPage(ctx context.Context, shop *shops.Shop, to, sessionID string, hours []string, page int) error {
	if len(hours) == 0 {
		return c.SendText(ctx, shop, to, sessionID, "No hay horas disponibles.")
	}
	rows, _ := hourRows(hours, page)
	payload := listPayload(to, "Horas disponibles", "Elige una hora", "Selecciona hora", "Horas", rows)
	err := c.send(ctx, shop, sessionID, "hours", payload)
	if err == nil || errors.Is(err, ErrNoCredentials) {
		return err
	}
	return c.fallbackText(ctx, shop, to, sessionID, "Elige una hora:\n"+strings.Join(hours, "\n"), err)
}

// SendReservationList shows one page of the customer's reservations.
func (c *Client) SendReservationList(ctx context.Context, shop *shops.Shop, to, sessionID, prompt string, items []Row, page int) error {
	if len(items) == 0 {
		return c.SendText(ctx, shop, to, sessionID, "No he encontrado reservas.")
	}
	if prompt == "" {
		prompt = "Selecciona la reserva:"
	}
	rows, _ := reservationRows(items, page)
	payload := listPayload(to, prompt, "Pulsa para ver reservas", "Ver reservas", "Reservas", rows)
	err := c.send(ctx, shop, sessionID, "res_list", payload)
	if err == nil || errors.Is(err, ErrNoCredentials) {
		return err
	}

	lines := make([]string, 0, len(items)+1)
	lines = append(lines, prompt)
	for _, it := range items {
		lines = append(lines, "- "+it.Title)
	}
	return c.fallbackText(ctx, shop, to, sessionID, strings.Join(lines, "\n"), err)
}

func listPayload(to, body, footer, button, section string, rows []sendRow) sendRequest {
	return sendRequest{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "interactive",
		Interactive: &sendInteractive{
			Type:   "list",
			Body:   &sendBodyText{Text: body},
			Footer: &sendBodyText{Text: footer},
			Action: &sendAction{
				Button:   button,
				Sections: []sendSection{{Title: section, Rows: rows}},
			},
		},
	}
}

// send posts one payload to the Graph API. A rate-limited send is
// dropped with a nil error so callers never retry it into the limit.
func (c *Client) send(ctx context.Context, shop *shops.Shop, sessionID, kind string, payload sendRequest) error {
	if shop.WAToken == "" || shop.WAPhoneNumberID == "" {
		return ErrNoCredentials
	}
	if !c.allowOutbound(ctx, shop, sessionID) {
		c.metrics.ObserveOutbound(kind, "dropped")
		c.logger.WithShop(shop.ID, shop.Name).WithSession(sessionID).Warn("outbound send dropped by rate limit", "kind", kind)
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("whatsapp: marshal %s payload: %w", kind, err)
	}

	url := fmt.Sprintf("%s/%s/%s/messages", c.baseURL, c.version, shop.WAPhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("whatsapp: build %s request: %w", kind, err)
	}
	req.Header.Set("Authorization", "Bearer "+shop.WAToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", idempotencyKey(sessionID, body))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.ObserveOutbound(kind, "failed")
		return fmt.Errorf("whatsapp: send %s: %w", kind, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.metrics.ObserveOutbound(kind, "sent")
		return nil
	}

	c.metrics.ObserveOutbound(kind, "failed")
	var parsed sendResponse
	if json.Unmarshal(raw, &parsed) == nil && parsed.Error != nil {
		return fmt.Errorf("whatsapp: %s send failed: API error %d: %s", kind, parsed.Error.Code, parsed.Error.Message)
	}
	return fmt.Errorf("whatsapp: %s send failed: status %d", kind, resp.StatusCode)
}

// fallbackText downgrades a failed interactive send to plain text. The
// customer still gets a usable message, so a delivered fallback clears
// the error.
func (c *Client) fallbackText(ctx context.Context, shop *shops.Shop, to, sessionID, body string, cause error) error {
	c.logger.WithShop(shop.ID, shop.Name).WithSession(sessionID).Warn("interactive send failed, falling back to text", "error", cause)
	if err := c.SendText(ctx, shop, to, sessionID, body); err != nil {
		return cause
	}
	c.metrics.ObserveOutbound("fallback", "sent")
	return nil
}

// allowOutbound charges the shop and session minute buckets. Storage
// failures fail open so messaging never stalls on the limiter.
func (c *Client) allowOutbound(ctx context.Context, shop *shops.Shop, sessionID string) bool {
	if c.store == nil {
		return true
	}
	minute := c.now().UTC().Format("200601021504")
	if c.perShop > 0 {
		key := fmt.Sprintf("rl:wa:out:%d:%s", shop.ID, minute)
		n, err := c.store.Incr(ctx, key, time.Minute)
		if err != nil {
			c.logger.Warn("outbound shop bucket unavailable", "error", err)
		} else if n > c.perShop {
			return false
		}
	}
	if c.perUser > 0 && sessionID != "" {
		key := fmt.Sprintf("rl:wa:out:user:%s:%s", sessionID, minute)
		n, err := c.store.Incr(ctx, key, time.Minute)
		if err != nil {
			c.logger.Warn("outbound user bucket unavailable", "error", err)
		} else if n > c.perUser {
			return false
		}
	}
	return true
}

// idempotencyKey hashes the session and the exact payload bytes so the
// Graph API can collapse duplicate deliveries of the same message.
func idempotencyKey(sessionID string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(sessionID))
	h.Write([]byte(":"))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
