package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/agendabot/agendabot/internal/dialog"
	"github.com/agendabot/agendabot/internal/shops"
	"github.com/agendabot/agendabot/pkg/logging"
)

var reSessionID = regexp.MustCompile(`^[A-Za-z0-9_-]{4,40}$`)

// APIKeyResolver authenticates loopback callers by shop API key.
type APIKeyResolver interface {
	GetByAPIKey(ctx context.Context, apiKey string) (*shops.Shop, error)
}

// DialogEngine runs one conversation turn.
type DialogEngine interface {
	Handle(ctx context.Context, sid string, shop *shops.Shop, message, origin, idemKey string) *dialog.Reply
}

// loopbackRequest is the website widget's envelope.
type loopbackRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"mensaje"`
	Origin    string `json:"origin"`
}

// LoopbackConfig wires the loopback handler.
type LoopbackConfig struct {
	Shops   APIKeyResolver
	Engine  DialogEngine
	Timeout time.Duration
	Logger  *logging.Logger
}

// LoopbackHandler serves the synchronous dialogue API: one message in,
// one reply envelope out.
type LoopbackHandler struct {
	shops   APIKeyResolver
	engine  DialogEngine
	timeout time.Duration
	logger  *logging.Logger
}

func NewLoopbackHandler(cfg LoopbackConfig) *LoopbackHandler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 40 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &LoopbackHandler{
		shops:   cfg.Shops,
		engine:  cfg.Engine,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}
}

// Handle runs one loopback turn. Dialogue outcomes answer 200 with the
// reply envelope; auth problems answer 403 and malformed requests 400,
// both still carrying a customer-presentable envelope.
func (h *LoopbackHandler) Handle(w http.ResponseWriter, r *http.Request) {
	var req loopbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeReply(w, http.StatusBadRequest, &dialog.Reply{Text: dialog.TextCannotProcess, UI: dialog.UIMainMenu})
		return
	}
	if req.SessionID == "" || strings.TrimSpace(req.Message) == "" {
		writeReply(w, http.StatusBadRequest, &dialog.Reply{Text: dialog.TextCannotProcess, UI: dialog.UIMainMenu})
		return
	}
	if !reSessionID.MatchString(req.SessionID) {
		writeReply(w, http.StatusBadRequest, &dialog.Reply{Text: dialog.TextCannotContinue, UI: dialog.UIMainMenu})
		return
	}

	apiKey := r.Header.Get("X-API-KEY")
	if apiKey == "" {
		writeReply(w, http.StatusForbidden, &dialog.Reply{Text: dialog.TextCannotProcess, UI: dialog.UIMainMenu})
		return
	}
	shop, err := h.shops.GetByAPIKey(r.Context(), apiKey)
	if err != nil {
		if errors.Is(err, shops.ErrNotFound) {
			writeReply(w, http.StatusForbidden, &dialog.Reply{Text: dialog.TextUnknownShop, UI: dialog.UIMainMenu})
			return
		}
		h.logger.Error("loopback shop lookup failed", "error", err)
		writeReply(w, http.StatusInternalServerError, &dialog.Reply{Text: dialog.TextInternalError, UI: dialog.UIMainMenu})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	reply := h.engine.Handle(ctx, req.SessionID, shop, req.Message, req.Origin, r.Header.Get("Idempotency-Key"))
	if reply == nil {
		h.logger.Error("engine returned no reply", "session_id", req.SessionID)
		writeReply(w, http.StatusInternalServerError, &dialog.Reply{Text: dialog.TextInternalError, UI: dialog.UIMainMenu})
		return
	}

	status := reply.Status
	if status == 0 {
		status = http.StatusOK
	}
	writeReply(w, status, reply)
}

func writeReply(w http.ResponseWriter, status int, reply *dialog.Reply) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(reply)
}
