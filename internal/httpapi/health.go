package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/agendabot/agendabot/internal/kv"
	"github.com/agendabot/agendabot/pkg/logging"
)

// DBPinger is satisfied by *pgxpool.Pool.
type DBPinger interface {
	Ping(ctx context.Context) error
}

// CalendarPinger is satisfied by *gcal.Client.
type CalendarPinger interface {
	Ping(ctx context.Context) error
}

// HealthConfig wires the health endpoints. Nil dependencies are
// reported as unconfigured rather than failing readiness.
type HealthConfig struct {
	DB       DBPinger
	Store    kv.Store
	Calendar CalendarPinger
	Logger   *logging.Logger
}

// HealthHandler serves liveness, health and readiness probes.
type HealthHandler struct {
	db       DBPinger
	store    kv.Store
	calendar CalendarPinger
	logger   *logging.Logger
}

func NewHealthHandler(cfg HealthConfig) *HealthHandler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &HealthHandler{
		db:       cfg.DB,
		store:    cfg.Store,
		calendar: cfg.Calendar,
		logger:   cfg.Logger,
	}
}

// Live reports that the process answers requests.
func (h *HealthHandler) Live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// Health reports that the application is up.
func (h *HealthHandler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

type readiness struct {
	Status string `json:"status"`
	DB     *bool  `json:"db"`
	KV     *bool  `json:"kv"`
	GCal   *bool  `json:"gcal"`
}

// Ready probes every configured dependency. Any failing probe turns
// the report DEGRADED with a 503 so orchestrators stop routing here.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	report := readiness{Status: "OK"}
	status := http.StatusOK

	if h.db != nil {
		ok := h.db.Ping(ctx) == nil
		report.DB = &ok
		if !ok {
			h.logger.Warn("readiness: database unreachable")
			report.Status = "DEGRADED"
			status = http.StatusServiceUnavailable
		}
	}

	if h.store != nil {
		ok := h.store.SetEx(ctx, "probe", "1", 5*time.Second) == nil
		report.KV = &ok
		if !ok {
			h.logger.Warn("readiness: kv store unreachable")
			report.Status = "DEGRADED"
			status = http.StatusServiceUnavailable
		}
	}

	if h.calendar != nil {
		ok := h.calendar.Ping(ctx) == nil
		report.GCal = &ok
		if !ok {
			h.logger.Warn("readiness: calendar unreachable")
			report.Status = "DEGRADED"
			status = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, status, report)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
