package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/agendabot/agendabot/internal/dialog"
	"github.com/agendabot/agendabot/internal/shops"
	"github.com/agendabot/agendabot/pkg/logging"
)

type scriptedEngine struct {
	reply *dialog.Reply
	sid   string
	text  string
	orig  string
	idem  string
}

func (e *scriptedEngine) Handle(_ context.Context, sid string, _ *shops.Shop, message, origin, idemKey string) *dialog.Reply {
	e.sid, e.text, e.orig, e.idem = sid, message, origin, idemKey
	if e.reply != nil {
		return e.reply
	}
	return &dialog.Reply{Text: "ok", Status: http.StatusOK}
}

func newLoopback(engine *scriptedEngine) *LoopbackHandler {
	return NewLoopbackHandler(LoopbackConfig{
		Shops:  &stubShops{shop: testShop()},
		Engine: engine,
		Logger: logging.Default(),
	})
}

func postLoopback(t *testing.T, h *LoopbackHandler, apiKey, body string, headers map[string]string) (*httptest.ResponseRecorder, *dialog.Reply) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-KEY", apiKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.Handle(w, req)

	var reply dialog.Reply
	if err := json.Unmarshal(w.Body.Bytes(), &reply); err != nil {
		t.Fatalf("decode reply envelope: %v (%q)", err, w.Body.String())
	}
	return w, &reply
}

func TestLoopbackAnswersDialogue(t *testing.T) {
	engine := &scriptedEngine{reply: &dialog.Reply{
		Text:   "¿Qué servicio deseas reservar?⬇️",
		UI:     dialog.UIServices,
		Status: http.StatusOK,
	}}
	h := newLoopback(engine)

	w, reply := postLoopback(t, h, "key_7",
		`{"session_id":"web_abc123","mensaje":"quiero reservar","origin":"text"}`,
		map[string]string{"Idempotency-Key": "idem-1"})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if reply.Text != "¿Qué servicio deseas reservar?⬇️" || reply.UI != dialog.UIServices {
		t.Fatalf("unexpected envelope: %#v", reply)
	}
	if engine.sid != "web_abc123" || engine.text != "quiero reservar" || engine.orig != "text" {
		t.Fatalf("unexpected engine args: %#v", engine)
	}
	if engine.idem != "idem-1" {
		t.Fatalf("expected idempotency header forwarded, got %q", engine.idem)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected json content type, got %q", ct)
	}
}

func TestLoopbackRejectsBadAPIKey(t *testing.T) {
	h := newLoopback(&scriptedEngine{})

	w, reply := postLoopback(t, h, "key_wrong", `{"session_id":"web_abc123","mensaje":"hola"}`, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for unknown key, got %d", w.Code)
	}
	if reply.Text != dialog.TextUnknownShop || reply.UI != dialog.UIMainMenu {
		t.Fatalf("unexpected envelope: %#v", reply)
	}

	w, reply = postLoopback(t, h, "", `{"session_id":"web_abc123","mensaje":"hola"}`, nil)
	if w.Code != http.StatusForbidden || reply.Text != dialog.TextCannotProcess {
		t.Fatalf("expected 403 for missing key, got %d %q", w.Code, reply.Text)
	}
}

func TestLoopbackRejectsMalformedRequests(t *testing.T) {
	engine := &scriptedEngine{}
	h := newLoopback(engine)

	w, reply := postLoopback(t, h, "key_7", `{not json`, nil)
	if w.Code != http.StatusBadRequest || reply.Text != dialog.TextCannotProcess {
		t.Fatalf("expected 400 cannot-process, got %d %q", w.Code, reply.Text)
	}

	w, reply = postLoopback(t, h, "key_7", `{"session_id":"web_abc123"}`, nil)
	if w.Code != http.StatusBadRequest || reply.Text != dialog.TextCannotProcess {
		t.Fatalf("expected 400 for missing mensaje, got %d %q", w.Code, reply.Text)
	}

	w, reply = postLoopback(t, h, "key_7", `{"session_id":"a b c!","mensaje":"hola"}`, nil)
	if w.Code != http.StatusBadRequest || reply.Text != dialog.TextCannotContinue {
		t.Fatalf("expected 400 for bad session id, got %d %q", w.Code, reply.Text)
	}

	if engine.sid != "" {
		t.Fatalf("engine must not run for malformed requests")
	}
}

func TestLoopbackSurfacesEngineStatus(t *testing.T) {
	engine := &scriptedEngine{reply: &dialog.Reply{
		Text:   "Estoy recibiendo muchos mensajes seguidos 😅. Espera unos segundos y seguimos.",
		UI:     dialog.UIMainMenu,
		Status: http.StatusTooManyRequests,
	}}
	h := newLoopback(engine)

	w, _ := postLoopback(t, h, "key_7", `{"session_id":"web_abc123","mensaje":"hola"}`, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected engine status surfaced, got %d", w.Code)
	}

	engine.reply = &dialog.Reply{Text: dialog.TextInternalError, Status: http.StatusInternalServerError}
	w, _ = postLoopback(t, h, "key_7", `{"session_id":"web_abc123","mensaje":"hola"}`, nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 surfaced, got %d", w.Code)
	}
}

func TestLoopbackDefaultsOriginAndStatus(t *testing.T) {
	engine := &scriptedEngine{reply: &dialog.Reply{Text: "hecho"}}
	h := newLoopback(engine)

	w, _ := postLoopback(t, h, "key_7", `{"session_id":"web_abc123","mensaje":"hola"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("zero status defaults to 200, got %d", w.Code)
	}
	if engine.orig != "" {
		t.Fatalf("origin passes through untouched, got %q", engine.orig)
	}
}
