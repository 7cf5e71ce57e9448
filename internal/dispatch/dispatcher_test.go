package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/agendabot/agendabot/internal/dialog"
	"github.com/agendabot/agendabot/internal/kv"
	"github.com/agendabot/agendabot/internal/shops"
	"github.com/agendabot/agendabot/internal/whatsapp"
	"github.com/agendabot/agendabot/pkg/logging"
)

func dispatchShop() *shops.Shop {
	return &shops.Shop{
		ID:              7,
		Name:            "Peluquería Sol",
		APIKey:          "key_7",
		WAPhoneNumberID: "PNID_7",
		WAToken:         "tok_7",
		Services: []shops.Service{
			{ID: 1, ShopID: 7, Name: "Corte", DurationMin: 30},
			{ID: 2, ShopID: 7, Name: "Tinte", DurationMin: 60},
		},
		Staff: []shops.Professional{
			{ID: 11, ShopID: 7, Name: "Ana", Active: true, Position: 1},
		},
	}
}

func inboundText(text string) whatsapp.Inbound {
	return whatsapp.Inbound{
		PhoneNumberID: "PNID_7",
		SessionID:     "wa_34600111222",
		From:          "34600111222",
		WamID:         "wamid.test-1",
		Timestamp:     1756713600,
		Origin:        "text",
		Text:          text,
	}
}

func inboundSelection(origin, id, title string) whatsapp.Inbound {
	in := inboundText(title)
	in.Origin = origin
	in.SelectionID = id
	return in
}

type stubShops struct {
	shop *shops.Shop
}

func (s *stubShops) GetByPhoneNumberID(_ context.Context, phoneNumberID string) (*shops.Shop, error) {
	if s.shop != nil && s.shop.WAPhoneNumberID == phoneNumberID {
		return s.shop, nil
	}
	return nil, shops.ErrNotFound
}

type engineCall struct {
	sid    string
	text   string
	origin string
	idem   string
}

type recordingEngine struct {
	reply *dialog.Reply
	calls []engineCall
	mu    sync.Mutex
}

func (e *recordingEngine) Handle(_ context.Context, sid string, _ *shops.Shop, message, origin, idemKey string) *dialog.Reply {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, engineCall{sid: sid, text: message, origin: origin, idem: idemKey})
	if e.reply != nil {
		return e.reply
	}
	return &dialog.Reply{Text: "ok", Status: http.StatusOK}
}

func (e *recordingEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func (e *recordingEngine) lastCall() engineCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.calls) == 0 {
		return engineCall{}
	}
	return e.calls[len(e.calls)-1]
}

type sentEvent struct {
	kind   string
	to     string
	body   string
	page   int
	hours  []string
	items  []whatsapp.Row
	prompt string
}

type recordingSender struct {
	sends []sentEvent
	mu    sync.Mutex
}

func (s *recordingSender) record(ev sentEvent) {
	s.mu.Lock()
	s.sends = append(s.sends, ev)
	s.mu.Unlock()
}

func (s *recordingSender) SendText(_ context.Context, _ *shops.Shop, to, _, body string) error {
	s.record(sentEvent{kind: "text", to: to, body: body})
	return nil
}

func (s *recordingSender) SendMainMenu(_ context.Context, _ *shops.Shop, to, _ string) error {
	s.record(sentEvent{kind: "menu", to: to})
	return nil
}

func (s *recordingSender) SendServiceList(_ context.Context, _ *shops.Shop, to, _ string, page int) error {
	s.record(sentEvent{kind: "services", to: to, page: page})
	return nil
}

func (s *recordingSender) SendStaffList(_ context.Context, _ *shops.Shop, to, _ string, page int) error {
	s.record(sentEvent{kind: "staff", to: to, page: page})
	return nil
}

func (s *recordingSender) SendHoursPage(_ context.Context, _ *shops.Shop, to, _ string, hours []string, page int) error {
	s.record(sentEvent{kind: "hours", to: to, hours: append([]string(nil), hours...), page: page})
	return nil
}

func (s *recordingSender) SendReservationList(_ context.Context, _ *shops.Shop, to, _, prompt string, items []whatsapp.Row, page int) error {
	s.record(sentEvent{kind: "res_list", to: to, prompt: prompt, items: append([]whatsapp.Row(nil), items...), page: page})
	return nil
}

func (s *recordingSender) events() []sentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentEvent(nil), s.sends...)
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sends)
}

type testDispatcher struct {
	d      *Dispatcher
	engine *recordingEngine
	sender *recordingSender
	store  kv.Store
}

func newTestDispatcher(t *testing.T) *testDispatcher {
	t.Helper()
	engine := &recordingEngine{}
	sender := &recordingSender{}
	store := kv.NewMemory()
	d := New(Config{
		Queue:  NewMemoryQueue(8),
		Shops:  &stubShops{shop: dispatchShop()},
		Engine: engine,
		Sender: sender,
		Store:  store,
		Logger: logging.Default(),
	})
	return &testDispatcher{d: d, engine: engine, sender: sender, store: store}
}

// dispatch runs one inbound message through handleMessage synchronously.
func (td *testDispatcher) dispatch(t *testing.T, in whatsapp.Inbound) {
	t.Helper()
	body, err := json.Marshal(payload{ID: "job-1", Inbound: in})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	td.d.handleMessage(context.Background(), Message{ID: "msg-1", Body: string(body), ReceiptHandle: "rh-1"})
}

func TestDispatcherRunsEngineAndDeliversText(t *testing.T) {
	td := newTestDispatcher(t)
	td.engine.reply = &dialog.Reply{Text: "¡Hola!", Status: http.StatusOK}

	td.dispatch(t, inboundText("hola"))

	if td.engine.callCount() != 1 {
		t.Fatalf("expected one engine call, got %d", td.engine.callCount())
	}
	call := td.engine.lastCall()
	if call.sid != "wa_34600111222" || call.text != "hola" || call.origin != "text" {
		t.Fatalf("unexpected engine call: %#v", call)
	}
	if call.idem != "wamid.test-1" {
		t.Fatalf("expected wamid as idempotency key, got %q", call.idem)
	}

	events := td.sender.events()
	if len(events) != 1 || events[0].kind != "text" || events[0].body != "¡Hola!" {
		t.Fatalf("unexpected sends: %#v", events)
	}
	if events[0].to != "34600111222" {
		t.Fatalf("expected reply to sender msisdn, got %q", events[0].to)
	}
}

func TestDispatcherIdempotencyFallsBackToTimestamp(t *testing.T) {
	td := newTestDispatcher(t)
	in := inboundText("hola")
	in.WamID = ""

	td.dispatch(t, in)

	if got := td.engine.lastCall().idem; got != "34600111222:1756713600" {
		t.Fatalf("expected from:timestamp key, got %q", got)
	}
}

func TestDispatcherMenuSwallowsFollowUpText(t *testing.T) {
	td := newTestDispatcher(t)
	td.engine.reply = &dialog.Reply{
		Text:       "Te espero en el menú.",
		SecondText: "nunca debería salir",
		UI:         dialog.UIMainMenu,
		Status:     http.StatusOK,
	}

	td.dispatch(t, inboundText("menu"))

	events := td.sender.events()
	if len(events) != 2 {
		t.Fatalf("expected text then menu, got %#v", events)
	}
	if events[0].kind != "text" || events[1].kind != "menu" {
		t.Fatalf("unexpected delivery order: %#v", events)
	}
}

func TestDispatcherHoursDeliverySavesSnapshot(t *testing.T) {
	td := newTestDispatcher(t)
	td.engine.reply = &dialog.Reply{
		Text:    "Horas libres para el 02/09/2026:",
		UI:      dialog.UIHours,
		Choices: []dialog.Choice{{ID: "09:00", Title: "09:00"}, {ID: "09:30", Title: "09:30"}, {ID: "10:00", Title: "10:00"}},
		Status:  http.StatusOK,
	}

	td.dispatch(t, inboundText("02/09/2026"))

	events := td.sender.events()
	if len(events) != 2 || events[1].kind != "hours" {
		t.Fatalf("expected text then hours page, got %#v", events)
	}
	if events[1].page != 1 || len(events[1].hours) != 3 || events[1].hours[2] != "10:00" {
		t.Fatalf("unexpected hours page: %#v", events[1])
	}

	raw, err := td.store.Get(context.Background(), "hours:wa_34600111222")
	if err != nil {
		t.Fatalf("expected hours snapshot, got %v", err)
	}
	var saved []string
	if err := json.Unmarshal([]byte(raw), &saved); err != nil || len(saved) != 3 {
		t.Fatalf("unexpected snapshot %q: %v", raw, err)
	}
}

func TestDispatcherReservationListSendsFollowUp(t *testing.T) {
	td := newTestDispatcher(t)
	td.engine.reply = &dialog.Reply{
		Text:       "He encontrado varias reservas.",
		SecondText: "Elige una para cancelarla.",
		UI:         dialog.UIResList,
		Choices: []dialog.Choice{
			{ID: "RID_42", Title: "02/09/2026 · 18:00", Description: "Corte · María"},
			{ID: "RID_43", Title: "03/09/2026 · 12:00", Description: "Corte · María"},
		},
		Status: http.StatusOK,
	}

	td.dispatch(t, inboundText("600111222"))

	events := td.sender.events()
	if len(events) != 3 {
		t.Fatalf("expected text, list and follow-up, got %#v", events)
	}
	if events[1].kind != "res_list" || events[1].prompt != "¿Qué reserva quieres cancelar?" {
		t.Fatalf("unexpected list send: %#v", events[1])
	}
	if len(events[1].items) != 2 || events[1].items[0].ID != "RID_42" {
		t.Fatalf("unexpected list rows: %#v", events[1].items)
	}
	if events[2].kind != "text" || events[2].body != "Elige una para cancelarla." {
		t.Fatalf("expected follow-up text last, got %#v", events[2])
	}

	if _, err := td.store.Get(context.Background(), "reslist:wa_34600111222"); err != nil {
		t.Fatalf("expected reservation snapshot, got %v", err)
	}
}

func TestDispatcherServicePagingSkipsEngine(t *testing.T) {
	td := newTestDispatcher(t)

	td.dispatch(t, inboundSelection("list", "SERV_NEXT_2", "➡️ Ver mas servicios"))

	if td.engine.callCount() != 0 {
		t.Fatalf("paging must not reach the engine")
	}
	events := td.sender.events()
	if len(events) != 1 || events[0].kind != "services" || events[0].page != 2 {
		t.Fatalf("expected services page 2, got %#v", events)
	}
}

func TestDispatcherStaffPagingSkipsEngine(t *testing.T) {
	td := newTestDispatcher(t)

	td.dispatch(t, inboundSelection("list", "PEL_NEXT_3", "➡️ Ver más opciones"))

	if td.engine.callCount() != 0 {
		t.Fatalf("paging must not reach the engine")
	}
	events := td.sender.events()
	if len(events) != 1 || events[0].kind != "staff" || events[0].page != 3 {
		t.Fatalf("expected staff page 3, got %#v", events)
	}
}

func TestDispatcherHourPagingReadsSnapshot(t *testing.T) {
	td := newTestDispatcher(t)
	snapshot, _ := json.Marshal([]string{"09:00", "09:30", "10:00"})
	if err := td.store.SetEx(context.Background(), "hours:wa_34600111222", string(snapshot), time.Minute); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	td.dispatch(t, inboundSelection("list", "HORA_NEXT_2", "➡️ Ver más horas"))

	if td.engine.callCount() != 0 {
		t.Fatalf("paging must not reach the engine")
	}
	events := td.sender.events()
	if len(events) != 1 || events[0].kind != "hours" || events[0].page != 2 || len(events[0].hours) != 3 {
		t.Fatalf("expected hours page 2 from snapshot, got %#v", events)
	}
}

func TestDispatcherReservationPagingWithoutSnapshot(t *testing.T) {
	td := newTestDispatcher(t)

	td.dispatch(t, inboundSelection("list", "RID_NEXT_2", "➡️ Ver más reservas"))

	// An expired snapshot pages an empty list; the sender turns that
	// into its "nothing found" text.
	events := td.sender.events()
	if len(events) != 1 || events[0].kind != "res_list" || len(events[0].items) != 0 {
		t.Fatalf("expected empty reservation page, got %#v", events)
	}
	if td.engine.callCount() != 0 {
		t.Fatalf("paging must not reach the engine")
	}
}

func TestDispatcherTranslatesMenuButtons(t *testing.T) {
	td := newTestDispatcher(t)

	td.dispatch(t, inboundSelection("button", "ACT_CAN", "Cancelar cita"))

	call := td.engine.lastCall()
	if call.text != "cancelar" || call.origin != "button" {
		t.Fatalf("expected translated button, got %#v", call)
	}
}

func TestDispatcherResolvesHourRowFromSnapshot(t *testing.T) {
	td := newTestDispatcher(t)
	snapshot, _ := json.Marshal([]string{"09:00", "09:30", "10:00"})
	if err := td.store.SetEx(context.Background(), "hours:wa_34600111222", string(snapshot), time.Minute); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}

	td.dispatch(t, inboundSelection("list", "HORA_P1_2", "10:00"))

	if got := td.engine.lastCall().text; got != "10:00" {
		t.Fatalf("expected snapshot hour, got %q", got)
	}
}

func TestDispatcherHourRowFallsBackToTitle(t *testing.T) {
	td := newTestDispatcher(t)

	td.dispatch(t, inboundSelection("list", "HORA_P4_99", "12:30"))

	if got := td.engine.lastCall().text; got != "12:30" {
		t.Fatalf("expected row title fallback, got %q", got)
	}
}

func TestDispatcherPassesRowIDsThrough(t *testing.T) {
	td := newTestDispatcher(t)

	for _, id := range []string{"SERV_P1_3", "PEL_P2_9", "PEL_ANY", "RID_42"} {
		td.dispatch(t, inboundSelection("list", id, "whatever"))
		if got := td.engine.lastCall().text; got != id {
			t.Fatalf("expected %q passed through, got %q", id, got)
		}
	}
}

func TestDispatcherDropsUnknownPhoneNumber(t *testing.T) {
	td := newTestDispatcher(t)
	in := inboundText("hola")
	in.PhoneNumberID = "PNID_UNKNOWN"

	td.dispatch(t, in)

	if td.engine.callCount() != 0 || td.sender.count() != 0 {
		t.Fatalf("unknown tenant must be dropped silently")
	}
}

func TestDispatcherSkipsMalformedPayload(t *testing.T) {
	td := newTestDispatcher(t)

	td.d.handleMessage(context.Background(), Message{ID: "bad", Body: "{", ReceiptHandle: "rh-bad"})

	if td.engine.callCount() != 0 || td.sender.count() != 0 {
		t.Fatalf("malformed payload must not be processed")
	}
}

func TestDispatcherConsumesQueue(t *testing.T) {
	engine := &recordingEngine{}
	sender := &recordingSender{}
	queue := NewMemoryQueue(8)
	d := New(Config{
		Queue:   queue,
		Shops:   &stubShops{shop: dispatchShop()},
		Engine:  engine,
		Sender:  sender,
		Store:   kv.NewMemory(),
		Workers: 1,
		Logger:  logging.Default(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	if err := Enqueue(context.Background(), queue, inboundText("hola")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		return engine.callCount() == 1
	})

	cancel()
	d.Wait()

	if sender.count() == 0 {
		t.Fatalf("expected a delivered reply")
	}
}

func TestDispatcherDrainsCleanly(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	d := New(Config{
		Queue:   NewMemoryQueue(8),
		Shops:   &stubShops{shop: dispatchShop()},
		Engine:  &recordingEngine{},
		Sender:  &recordingSender{},
		Store:   kv.NewMemory(),
		Workers: 3,
		Logger:  logging.Default(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	cancel()
	d.Wait()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
