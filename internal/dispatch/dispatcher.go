package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agendabot/agendabot/internal/dialog"
	"github.com/agendabot/agendabot/internal/kv"
	"github.com/agendabot/agendabot/internal/observability/metrics"
	"github.com/agendabot/agendabot/internal/shops"
	"github.com/agendabot/agendabot/internal/whatsapp"
	"github.com/agendabot/agendabot/pkg/logging"
)

const (
	defaultWorkerCount   = 2
	defaultWaitSeconds   = 2
	defaultBatchSize     = 5
	deleteTimeoutSeconds = 5

	// Snapshots outlive the list message just long enough for the
	// customer to page through it.
	snapshotTTL = 5 * time.Minute

	cancelListPrompt = "¿Qué reserva quieres cancelar?"
)

var reNextPage = regexp.MustCompile(`^(SERV|PEL|HORA|RID)_NEXT_(\d+)$`)

var reHourRow = regexp.MustCompile(`^HORA_P\d+_(\d+)$`)

// ShopResolver finds the tenant that owns an inbound phone number id.
type ShopResolver interface {
	GetByPhoneNumberID(ctx context.Context, phoneNumberID string) (*shops.Shop, error)
}

// Engine runs one conversation turn.
type Engine interface {
	Handle(ctx context.Context, sid string, shop *shops.Shop, message, origin, idemKey string) *dialog.Reply
}

// Sender delivers replies back over WhatsApp.
type Sender interface {
	SendText(ctx context.Context, shop *shops.Shop, to, sessionID, body string) error
	SendMainMenu(ctx context.Context, shop *shops.Shop, to, sessionID string) error
	SendServiceList(ctx context.Context, shop *shops.Shop, to, sessionID string, page int) error
	SendStaffList(ctx context.Context, shop *shops.Shop, to, sessionID string, page int) error
	SendHoursPage(ctx context.Context, shop *shops.Shop, to, sessionID string, hours []string, page int) error
	SendReservationList(ctx context.Context, shop *shops.Shop, to, sessionID, prompt string, items []whatsapp.Row, page int) error
}

var (
	_ ShopResolver = (*shops.Repository)(nil)
	_ Engine       = (*dialog.Engine)(nil)
	_ Sender       = (*whatsapp.Client)(nil)
)

// Config wires a Dispatcher.
type Config struct {
	Queue  Queue
	Shops  ShopResolver
	Engine Engine
	Sender Sender
	Store  kv.Store

	// Workers is the number of consumer goroutines.
	Workers int

	// EngineTimeout bounds one conversation turn.
	EngineTimeout time.Duration

	Metrics *metrics.MessagingMetrics
	Logger  *logging.Logger
}

// Dispatcher consumes queued inbound messages, translates interactive
// selections, runs the dialogue engine and delivers the reply.
type Dispatcher struct {
	queue         Queue
	shops         ShopResolver
	engine        Engine
	sender        Sender
	store         kv.Store
	workers       int
	engineTimeout time.Duration
	metrics       *metrics.MessagingMetrics
	logger        *logging.Logger
	now           func() time.Time

	wg sync.WaitGroup
}

func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		queue:         cfg.Queue,
		shops:         cfg.Shops,
		engine:        cfg.Engine,
		sender:        cfg.Sender,
		store:         cfg.Store,
		workers:       cfg.Workers,
		engineTimeout: cfg.EngineTimeout,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		now:           time.Now,
	}
	if d.workers <= 0 {
		d.workers = defaultWorkerCount
	}
	if d.engineTimeout <= 0 {
		d.engineTimeout = 40 * time.Second
	}
	if d.logger == nil {
		d.logger = logging.Default()
	}
	return d
}

// Start launches worker goroutines until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.run(ctx, i+1)
	}
}

// Wait blocks until all worker goroutines exit.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context, workerID int) {
	defer d.wg.Done()
	d.logger.Debug("dispatch worker started", "worker_id", workerID)

	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			d.logger.Debug("dispatch worker stopping", "worker_id", workerID)
			return
		default:
		}

		messages, err := d.queue.Receive(ctx, defaultBatchSize, defaultWaitSeconds)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			d.logger.Error("failed to receive inbound messages", "error", err, "worker_id", workerID)
			time.Sleep(backoff)
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			d.handleMessage(ctx, msg)
		}
	}
}

func (d *Dispatcher) handleMessage(ctx context.Context, msg Message) {
	defer d.deleteMessage(msg.ReceiptHandle)

	var p payload
	if err := json.Unmarshal([]byte(msg.Body), &p); err != nil {
		d.logger.Error("failed to decode inbound job", "error", err, "msg_id", msg.ID)
		return
	}
	in := p.Inbound

	shop, err := d.shops.GetByPhoneNumberID(ctx, in.PhoneNumberID)
	if err != nil {
		if errors.Is(err, shops.ErrNotFound) {
			d.logger.Warn("inbound for unknown phone number id", "phone_number_id", in.PhoneNumberID, "job_id", p.ID)
		} else {
			d.logger.Error("shop lookup failed", "error", err, "phone_number_id", in.PhoneNumberID, "job_id", p.ID)
		}
		d.metrics.ObserveInbound(in.Origin, "dropped")
		return
	}
	log := d.logger.WithShop(shop.ID, shop.Name).WithSession(in.SessionID)

	if d.servePaging(ctx, shop, in, log) {
		d.metrics.ObserveInbound(in.Origin, "paged")
		return
	}

	text := translateSelection(ctx, d.store, in)
	idem := in.WamID
	if idem == "" {
		idem = in.From + ":" + strconv.FormatInt(in.Timestamp, 10)
	}

	turnCtx, cancel := context.WithTimeout(ctx, d.engineTimeout)
	reply := d.engine.Handle(turnCtx, in.SessionID, shop, text, in.Origin, idem)
	cancel()
	if reply == nil {
		log.Error("engine returned no reply", "job_id", p.ID)
		d.metrics.ObserveInbound(in.Origin, "failed")
		return
	}

	d.deliver(ctx, shop, in, reply, log)
	d.metrics.ObserveInbound(in.Origin, "processed")
}

// servePaging answers "see more" rows straight from the tenant record
// or the list snapshot, without a conversation turn.
func (d *Dispatcher) servePaging(ctx context.Context, shop *shops.Shop, in whatsapp.Inbound, log *logging.Logger) bool {
	if in.Origin != "list" {
		return false
	}
	m := reNextPage.FindStringSubmatch(in.SelectionID)
	if m == nil {
		return false
	}
	page, err := strconv.Atoi(m[2])
	if err != nil || page < 1 {
		page = 1
	}

	switch m[1] {
	case "SERV":
		if err := d.sender.SendServiceList(ctx, shop, in.From, in.SessionID, page); err != nil {
			log.Warn("service page send failed", "error", err, "page", page)
		}
	case "PEL":
		if err := d.sender.SendStaffList(ctx, shop, in.From, in.SessionID, page); err != nil {
			log.Warn("staff page send failed", "error", err, "page", page)
		}
	case "HORA":
		hours := d.loadHoursSnapshot(ctx, in.SessionID)
		if err := d.sender.SendHoursPage(ctx, shop, in.From, in.SessionID, hours, page); err != nil {
			log.Warn("hours page send failed", "error", err, "page", page)
		}
	case "RID":
		items := d.loadReservationSnapshot(ctx, in.SessionID)
		if err := d.sender.SendReservationList(ctx, shop, in.From, in.SessionID, cancelListPrompt, items, page); err != nil {
			log.Warn("reservation page send failed", "error", err, "page", page)
		}
	}
	return true
}

// translateSelection rewrites interactive row and button ids into the
// token the engine expects. Plain text passes through untouched.
func translateSelection(ctx context.Context, store kv.Store, in whatsapp.Inbound) string {
	id := strings.TrimSpace(in.SelectionID)
	if id == "" {
		return in.Text
	}

	switch in.Origin {
	case "button":
		switch id {
		case "ACT_RESERVAR":
			return "reservar"
		case "ACT_CAN":
			return "cancelar"
		case "ACT_DUDA":
			return "duda"
		}
		return in.Text
	case "list":
		if strings.EqualFold(id, "PEL_ANY") {
			return "PEL_ANY"
		}
		if m := reHourRow.FindStringSubmatch(id); m != nil {
			// Resolve the row against the hours snapshot; an expired
			// snapshot leaves the row title, which is the hour itself.
			if store != nil {
				if raw, err := store.Get(ctx, "hours:"+in.SessionID); err == nil {
					var hours []string
					if json.Unmarshal([]byte(raw), &hours) == nil {
						if idx, convErr := strconv.Atoi(m[1]); convErr == nil && idx >= 0 && idx < len(hours) {
							return hours[idx]
						}
					}
				}
			}
			return in.Text
		}
		// Service, staff and reservation rows are parsed by the engine.
		if strings.HasPrefix(id, "SERV_") || strings.HasPrefix(id, "PEL_") || strings.HasPrefix(id, "RID_") {
			return id
		}
		return in.Text
	}
	return in.Text
}

// deliver sends the reply text and whatever interactive surface the
// engine asked for. Interactive surfaces swallow the follow-up text so
// the list stays the last thing on the customer's screen; reservation
// lists are the exception because their follow-up carries instructions.
func (d *Dispatcher) deliver(ctx context.Context, shop *shops.Shop, in whatsapp.Inbound, reply *dialog.Reply, log *logging.Logger) {
	if reply.Text != "" {
		if err := d.sender.SendText(ctx, shop, in.From, in.SessionID, reply.Text); err != nil {
			log.Warn("reply text send failed", "error", err)
		}
	}

	switch reply.UI {
	case dialog.UIMainMenu:
		if err := d.sender.SendMainMenu(ctx, shop, in.From, in.SessionID); err != nil {
			log.Warn("menu send failed", "error", err)
		}
		return
	case dialog.UIServices:
		if err := d.sender.SendServiceList(ctx, shop, in.From, in.SessionID, 1); err != nil {
			log.Warn("service list send failed", "error", err)
		}
		return
	case dialog.UIStaff:
		if err := d.sender.SendStaffList(ctx, shop, in.From, in.SessionID, 1); err != nil {
			log.Warn("staff list send failed", "error", err)
		}
		return
	case dialog.UIHours:
		hours := make([]string, 0, len(reply.Choices))
		for _, c := range reply.Choices {
			hours = append(hours, c.Title)
		}
		d.saveSnapshot(ctx, "hours:"+in.SessionID, hours, log)
		if err := d.sender.SendHoursPage(ctx, shop, in.From, in.SessionID, hours, 1); err != nil {
			log.Warn("hours send failed", "error", err)
		}
		return
	case dialog.UIResList:
		items := make([]whatsapp.Row, 0, len(reply.Choices))
		for _, c := range reply.Choices {
			items = append(items, whatsapp.Row{ID: c.ID, Title: c.Title, Description: c.Description})
		}
		d.saveSnapshot(ctx, "reslist:"+in.SessionID, items, log)
		if err := d.sender.SendReservationList(ctx, shop, in.From, in.SessionID, cancelListPrompt, items, 1); err != nil {
			log.Warn("reservation list send failed", "error", err)
		}
	}

	if reply.SecondText != "" {
		if err := d.sender.SendText(ctx, shop, in.From, in.SessionID, reply.SecondText); err != nil {
			log.Warn("follow-up text send failed", "error", err)
		}
	}
}

func (d *Dispatcher) saveSnapshot(ctx context.Context, key string, v any, log *logging.Logger) {
	if d.store == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		log.Warn("snapshot encode failed", "key", key, "error", err)
		return
	}
	if err := d.store.SetEx(ctx, key, string(raw), snapshotTTL); err != nil {
		log.Warn("snapshot save failed", "key", key, "error", err)
	}
}

func (d *Dispatcher) loadHoursSnapshot(ctx context.Context, sessionID string) []string {
	if d.store == nil {
		return nil
	}
	raw, err := d.store.Get(ctx, "hours:"+sessionID)
	if err != nil {
		return nil
	}
	var hours []string
	if err := json.Unmarshal([]byte(raw), &hours); err != nil {
		return nil
	}
	return hours
}

func (d *Dispatcher) loadReservationSnapshot(ctx context.Context, sessionID string) []whatsapp.Row {
	if d.store == nil {
		return nil
	}
	raw, err := d.store.Get(ctx, "reslist:"+sessionID)
	if err != nil {
		return nil
	}
	var items []whatsapp.Row
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil
	}
	return items
}

func (d *Dispatcher) deleteMessage(receiptHandle string) {
	if receiptHandle == "" {
		return
	}

	deleteCtx, cancel := context.WithTimeout(context.Background(), deleteTimeoutSeconds*time.Second)
	defer cancel()

	if err := d.queue.Delete(deleteCtx, receiptHandle); err != nil {
		d.logger.Error("failed to delete inbound job", "error", err)
	}
}
