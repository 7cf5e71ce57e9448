package reservations

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/agendabot/agendabot/internal/availability"
	"github.com/agendabot/agendabot/internal/shops"
)

// PgxPool is the subset of pgxpool.Pool the repository needs; pgxmock
// satisfies it in tests.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SlotLockBudget is the total wait shared by the slot locks of one
// insert; each lock gets budget/N with a one second floor.
const SlotLockBudget = 5 * time.Second

// dayLockTimeout bounds the day lock taken while saving an event id.
const dayLockTimeout = 4 * time.Second

// lockNotAvailable is the SQLSTATE Postgres raises when lock_timeout
// expires while waiting.
const lockNotAvailable = "55P03"

// Repository persists reservations. Every mutation runs inside one
// transaction; the insert additionally serialises on per-slot advisory
// locks so concurrent commits for the same slot queue up instead of
// thrashing on row locks. Transaction-scoped locks release themselves
// on every exit path.
type Repository struct {
	pool PgxPool
}

func NewRepository(pool PgxPool) *Repository {
	if pool == nil {
		panic("reservations: pgx pool required")
	}
	return &Repository{pool: pool}
}

var _ availability.StaffAgenda = (*Repository)(nil)

const reservationColumns = `
	r.id, r.shop_id, r.service_id, r.staff_id, r.customer_name, r.phone,
	to_char(r.date, 'YYYY-MM-DD'), to_char(r.start_time, 'HH24:MI'),
	COALESCE(r.duration_min, s.duration_min, 30), COALESCE(r.price, 0),
	r.status, COALESCE(r.event_id, ''), COALESCE(s.name, ''),
	r.created_at, r.updated_at`

// InsertConfirmed reserves one slot. The transaction takes an advisory
// lock per slot boundary the booking covers, re-reads the shop and
// service rows FOR UPDATE, locks the day's confirmed reservations and
// counts overlaps against capacity before inserting. Duration and
// price are copied from the locked service row. Returns ErrLockTimeout
// when the slot locks stay busy and ErrNoSlot when the capacity race
// is lost.
func (r *Repository) InsertConfirmed(ctx context.Context, shop *shops.Shop, b Booking) (int64, error) {
	startMin, err := availability.ToMinutes(b.StartTime)
	if err != nil {
		return 0, err
	}
	if _, err := availability.ParseISODate(b.DateISO, time.UTC); err != nil {
		return 0, err
	}

	// Slot keys come from the caller's loaded catalogue; the values
	// copied onto the row are re-read under row locks below.
	dur := 30
	if svc := shop.ServiceByID(b.ServiceID); svc != nil && svc.DurationMin > 0 {
		dur = svc.DurationMin
	}
	keys := slotKeys(shop.ID, b.DateISO, startMin, dur, shop.SlotStepMin)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("reservations: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := acquireSlotLocks(ctx, tx, keys); err != nil {
		return 0, err
	}

	var capacity int
	if err := tx.QueryRow(ctx,
		`SELECT staff_count FROM shops WHERE id = $1 FOR UPDATE`,
		shop.ID,
	).Scan(&capacity); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("reservations: shop %d not found", shop.ID)
		}
		return 0, fmt.Errorf("reservations: lock shop row: %w", err)
	}
	if capacity <= 0 {
		capacity = 1
	}

	var (
		duration int
		price    decimal.Decimal
	)
	if err := tx.QueryRow(ctx,
		`SELECT duration_min, COALESCE(price, 0) FROM services WHERE id = $1 AND shop_id = $2 FOR UPDATE`,
		b.ServiceID, shop.ID,
	).Scan(&duration, &price); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("reservations: service %d not found", b.ServiceID)
		}
		return 0, fmt.Errorf("reservations: lock service row: %w", err)
	}
	if duration <= 0 {
		duration = 30
	}

	held, err := lockDayIntervals(ctx, tx, shop.ID, b.DateISO)
	if err != nil {
		return 0, err
	}

	overlapping := 0
	for _, iv := range held {
		if availability.Overlaps(startMin, duration, iv.start, iv.dur) {
			overlapping++
		}
	}
	if overlapping >= capacity {
		return 0, ErrNoSlot
	}
	if b.StaffID != nil {
		for _, iv := range held {
			if iv.staffID != nil && *iv.staffID == *b.StaffID &&
				availability.Overlaps(startMin, duration, iv.start, iv.dur) {
				return 0, ErrNoSlot
			}
		}
	}

	var id int64
	if err := tx.QueryRow(ctx, `
		INSERT INTO reservations
			(shop_id, service_id, staff_id, customer_name, phone, date, start_time, duration_min, price, status, event_id)
		VALUES ($1, $2, $3, $4, $5, $6::date, $7::time, $8, $9, 'confirmed', NULLIF($10, ''))
		RETURNING id`,
		shop.ID, b.ServiceID, b.StaffID, b.CustomerName, b.Phone,
		b.DateISO, b.StartTime, duration, price, b.EventID,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("reservations: insert confirmed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("reservations: commit: %w", err)
	}
	return id, nil
}

type dayInterval struct {
	start   int
	dur     int
	staffID *int64
}

// lockDayIntervals loads and row-locks the day's confirmed
// reservations. Rows from before duration copying fall back to their
// service duration.
func lockDayIntervals(ctx context.Context, tx pgx.Tx, shopID int64, dateISO string) ([]dayInterval, error) {
	rows, err := tx.Query(ctx, `
		SELECT to_char(r.start_time, 'HH24:MI'),
		       COALESCE(r.duration_min, (SELECT duration_min FROM services WHERE id = r.service_id), 0),
		       r.staff_id
		FROM reservations r
		WHERE r.shop_id = $1 AND r.date = $2::date AND r.status = 'confirmed'
		FOR UPDATE`,
		shopID, dateISO)
	if err != nil {
		return nil, fmt.Errorf("reservations: lock day rows: %w", err)
	}
	defer rows.Close()

	var held []dayInterval
	for rows.Next() {
		var (
			hhmm    string
			iv      dayInterval
			staffID *int64
		)
		if err := rows.Scan(&hhmm, &iv.dur, &staffID); err != nil {
			return nil, fmt.Errorf("reservations: scan day row: %w", err)
		}
		start, err := availability.ToMinutes(hhmm)
		if err != nil {
			continue
		}
		iv.start = start
		iv.staffID = staffID
		held = append(held, iv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reservations: read day rows: %w", err)
	}
	return held, nil
}

// Cancel flips one reservation to cancelled. The row is locked first;
// missing rows and repeat cancellations come back as ErrNotFound and
// ErrAlreadyCancelled so callers can treat both as idempotent success.
func (r *Repository) Cancel(ctx context.Context, reservationID int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reservations: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status string
	if err := tx.QueryRow(ctx,
		`SELECT status FROM reservations WHERE id = $1 FOR UPDATE`,
		reservationID,
	).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("reservations: lock reservation: %w", err)
	}
	if status == StatusCancelled {
		return ErrAlreadyCancelled
	}

	if _, err := tx.Exec(ctx,
		`UPDATE reservations SET status = $2, updated_at = now() WHERE id = $1`,
		reservationID, StatusCancelled,
	); err != nil {
		return fmt.Errorf("reservations: cancel: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reservations: commit: %w", err)
	}
	return nil
}

// SetExternalEventID stores the calendar event id after the event is
// published. The day advisory lock keeps the write from racing an
// insert that is scanning the same day.
func (r *Repository) SetExternalEventID(ctx context.Context, reservationID int64, eventID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reservations: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		shopID  int64
		dateISO string
	)
	if err := tx.QueryRow(ctx,
		`SELECT shop_id, to_char(date, 'YYYY-MM-DD') FROM reservations WHERE id = $1`,
		reservationID,
	).Scan(&shopID, &dateISO); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("reservations: load reservation: %w", err)
	}

	if err := setLockTimeout(ctx, tx, dayLockTimeout); err != nil {
		return err
	}
	if err := advisoryLock(ctx, tx, fmt.Sprintf("resv:%d:%s", shopID, dateISO)); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx,
		`UPDATE reservations SET event_id = $2, updated_at = now() WHERE id = $1`,
		reservationID, eventID,
	)
	if err != nil {
		return fmt.Errorf("reservations: set event id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reservations: commit: %w", err)
	}
	return nil
}

// GetByID loads one reservation with its service name.
func (r *Repository) GetByID(ctx context.Context, reservationID int64) (*Reservation, error) {
	query := `SELECT` + reservationColumns + `
		FROM reservations r
		LEFT JOIN services s ON s.id = r.service_id
		WHERE r.id = $1`
	res, err := scanReservation(r.pool.QueryRow(ctx, query, reservationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reservations: select reservation: %w", err)
	}
	return res, nil
}

// FutureConfirmedByPhone lists the confirmed reservations a customer
// still has ahead of nowLocal (shop timezone), newest first.
func (r *Repository) FutureConfirmedByPhone(ctx context.Context, shopID int64, phone string, nowLocal time.Time) ([]Reservation, error) {
	query := `SELECT` + reservationColumns + `
		FROM reservations r
		LEFT JOIN services s ON s.id = r.service_id
		WHERE r.shop_id = $1 AND r.phone = $2 AND r.status = 'confirmed'
		  AND (r.date > $3::date OR (r.date = $3::date AND r.start_time > $4::time))
		ORDER BY r.date DESC, r.start_time DESC`
	rows, err := r.pool.Query(ctx, query, shopID, phone,
		nowLocal.Format("2006-01-02"), nowLocal.Format("15:04"))
	if err != nil {
		return nil, fmt.Errorf("reservations: select by phone: %w", err)
	}
	return collectReservations(rows)
}

// ConfirmedByDate lists a day's confirmed reservations in start order,
// used by the reminder job and operational tooling.
func (r *Repository) ConfirmedByDate(ctx context.Context, shopID int64, dateISO string) ([]Reservation, error) {
	query := `SELECT` + reservationColumns + `
		FROM reservations r
		LEFT JOIN services s ON s.id = r.service_id
		WHERE r.shop_id = $1 AND r.date = $2::date AND r.status = 'confirmed'
		ORDER BY r.start_time`
	rows, err := r.pool.Query(ctx, query, shopID, dateISO)
	if err != nil {
		return nil, fmt.Errorf("reservations: select by date: %w", err)
	}
	return collectReservations(rows)
}

// StaffDayIntervals reports the intervals one staff member already
// holds on a day, satisfying availability.StaffAgenda.
func (r *Repository) StaffDayIntervals(ctx context.Context, shopID, staffID int64, dateISO string) ([]availability.Range, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT to_char(r.start_time, 'HH24:MI'),
		       COALESCE(r.duration_min, (SELECT duration_min FROM services WHERE id = r.service_id), 30)
		FROM reservations r
		WHERE r.shop_id = $1 AND r.staff_id = $2 AND r.date = $3::date AND r.status = 'confirmed'
		ORDER BY r.start_time`,
		shopID, staffID, dateISO)
	if err != nil {
		return nil, fmt.Errorf("reservations: staff day: %w", err)
	}
	defer rows.Close()

	var held []availability.Range
	for rows.Next() {
		var (
			hhmm string
			dur  int
		)
		if err := rows.Scan(&hhmm, &dur); err != nil {
			return nil, fmt.Errorf("reservations: scan staff day: %w", err)
		}
		start, err := availability.ToMinutes(hhmm)
		if err != nil {
			continue
		}
		held = append(held, availability.Range{Start: start, End: start + dur})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reservations: read staff day: %w", err)
	}
	return held, nil
}

func scanReservation(row pgx.Row) (*Reservation, error) {
	var res Reservation
	if err := row.Scan(
		&res.ID, &res.ShopID, &res.ServiceID, &res.StaffID, &res.CustomerName, &res.Phone,
		&res.DateISO, &res.StartTime, &res.DurationMin, &res.Price,
		&res.Status, &res.EventID, &res.ServiceName,
		&res.CreatedAt, &res.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &res, nil
}

func collectReservations(rows pgx.Rows) ([]Reservation, error) {
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("reservations: scan reservation: %w", err)
		}
		out = append(out, *res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reservations: read reservations: %w", err)
	}
	return out, nil
}

// acquireSlotLocks serialises the insert on every slot boundary the
// booking covers.
func acquireSlotLocks(ctx context.Context, tx pgx.Tx, keys []string) error {
	perLock := SlotLockBudget / time.Duration(len(keys))
	if perLock < time.Second {
		perLock = time.Second
	}
	if err := setLockTimeout(ctx, tx, perLock); err != nil {
		return err
	}
	for _, key := range keys {
		if err := advisoryLock(ctx, tx, key); err != nil {
			return err
		}
	}
	return nil
}

// setLockTimeout scopes lock_timeout to the transaction so the setting
// never leaks back into the pool.
func setLockTimeout(ctx context.Context, tx pgx.Tx, d time.Duration) error {
	timeout := strconv.FormatInt(d.Milliseconds(), 10) + "ms"
	if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, timeout); err != nil {
		return fmt.Errorf("reservations: set lock timeout: %w", err)
	}
	return nil
}

func advisoryLock(ctx context.Context, tx pgx.Tx, key string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, lockID(key)); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == lockNotAvailable {
			return ErrLockTimeout
		}
		return fmt.Errorf("reservations: advisory lock %s: %w", key, err)
	}
	return nil
}

// slotKeys lists one advisory key per step boundary the booking
// covers, e.g. slot:7:2026-09-02:0600.
func slotKeys(shopID int64, dateISO string, startMin, durationMin, stepMin int) []string {
	if stepMin <= 0 {
		stepMin = 15
	}
	if durationMin <= 0 {
		durationMin = 30
	}
	keys := make([]string, 0, (durationMin+stepMin-1)/stepMin)
	for m := startMin; m < startMin+durationMin; m += stepMin {
		keys = append(keys, fmt.Sprintf("slot:%d:%s:%04d", shopID, dateISO, m))
	}
	return keys
}

// lockID folds a lock key into the signed 64 bit space
// pg_advisory_xact_lock expects.
func lockID(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64())
}
