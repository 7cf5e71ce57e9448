package shops

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when no shop matches the lookup.
var ErrNotFound = errors.New("shops: shop not found")

// PgxPool is the subset of pgxpool.Pool the repository needs; pgxmock
// satisfies it in tests.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository loads tenants from Postgres.
type Repository struct {
	pool PgxPool
}

func NewRepository(pool PgxPool) *Repository {
	if pool == nil {
		panic("shops: pgx pool required")
	}
	return &Repository{pool: pool}
}

const shopColumns = `
	id, name, business_type, address, info,
	schedule, closed_weekdays, closed_dates,
	country_code, timezone, currency_code, locale, phone,
	calendar_id, api_key,
	staff_count, slot_step_min, min_lead_min, max_lead_days,
	wa_phone_number_id, wa_token, wa_business_id,
	staff_pick_enabled, staff_pick_required`

// GetByAPIKey resolves the tenant authenticated by the loopback API.
func (r *Repository) GetByAPIKey(ctx context.Context, apiKey string) (*Shop, error) {
	query := `SELECT` + shopColumns + ` FROM shops WHERE api_key = $1`
	return r.getOne(ctx, query, apiKey)
}

// GetByPhoneNumberID resolves the tenant an inbound Meta webhook
// belongs to.
func (r *Repository) GetByPhoneNumberID(ctx context.Context, phoneNumberID string) (*Shop, error) {
	query := `SELECT` + shopColumns + ` FROM shops WHERE wa_phone_number_id = $1`
	return r.getOne(ctx, query, phoneNumberID)
}

// GetByID loads a tenant by primary key.
func (r *Repository) GetByID(ctx context.Context, id int64) (*Shop, error) {
	query := `SELECT` + shopColumns + ` FROM shops WHERE id = $1`
	return r.getOne(ctx, query, id)
}

// List loads every tenant with its catalogue. The reminder batch walks
// the result, so ordering is stable by id.
func (r *Repository) List(ctx context.Context) ([]Shop, error) {
	query := `SELECT` + shopColumns + ` FROM shops ORDER BY id`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("shops: select shops: %w", err)
	}

	var out []Shop
	for rows.Next() {
		var shop Shop
		if err := scanShop(rows, &shop); err != nil {
			rows.Close()
			return nil, fmt.Errorf("shops: scan shop: %w", err)
		}
		out = append(out, shop)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("shops: read shops: %w", err)
	}

	// Catalogues load after the shop cursor closes so a single
	// connection (pgxmock, tests) can serve the child queries.
	for i := range out {
		if err := r.loadServices(ctx, &out[i]); err != nil {
			return nil, err
		}
		if err := r.loadStaff(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Repository) getOne(ctx context.Context, query string, arg any) (*Shop, error) {
	var shop Shop
	if err := scanShop(r.pool.QueryRow(ctx, query, arg), &shop); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("shops: select shop: %w", err)
	}

	if err := r.loadServices(ctx, &shop); err != nil {
		return nil, err
	}
	if err := r.loadStaff(ctx, &shop); err != nil {
		return nil, err
	}
	return &shop, nil
}

func scanShop(row pgx.Row, shop *Shop) error {
	return row.Scan(
		&shop.ID,
		&shop.Name,
		&shop.BusinessType,
		&shop.Address,
		&shop.Info,
		&shop.Schedule,
		&shop.ClosedWeekdays,
		&shop.ClosedDates,
		&shop.CountryCode,
		&shop.Timezone,
		&shop.CurrencyCode,
		&shop.Locale,
		&shop.Phone,
		&shop.CalendarID,
		&shop.APIKey,
		&shop.StaffCount,
		&shop.SlotStepMin,
		&shop.MinLeadMin,
		&shop.MaxLeadDays,
		&shop.WAPhoneNumberID,
		&shop.WAToken,
		&shop.WABusinessID,
		&shop.StaffPickEnabled,
		&shop.StaffPickRequired,
	)
}

func (r *Repository) loadServices(ctx context.Context, shop *Shop) error {
	query := `
		SELECT id, shop_id, name, description, price, duration_min
		FROM services
		WHERE shop_id = $1
		ORDER BY id`
	rows, err := r.pool.Query(ctx, query, shop.ID)
	if err != nil {
		return fmt.Errorf("shops: select services: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var svc Service
		if err := rows.Scan(&svc.ID, &svc.ShopID, &svc.Name, &svc.Description, &svc.Price, &svc.DurationMin); err != nil {
			return fmt.Errorf("shops: scan service: %w", err)
		}
		shop.Services = append(shop.Services, svc)
	}
	return rows.Err()
}

// loadStaff keeps the display order customers see in selection lists.
func (r *Repository) loadStaff(ctx context.Context, shop *Shop) error {
	query := `
		SELECT id, shop_id, name, active, position
		FROM staff
		WHERE shop_id = $1 AND active = TRUE
		ORDER BY position ASC, id ASC`
	rows, err := r.pool.Query(ctx, query, shop.ID)
	if err != nil {
		return fmt.Errorf("shops: select staff: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p Professional
		if err := rows.Scan(&p.ID, &p.ShopID, &p.Name, &p.Active, &p.Position); err != nil {
			return fmt.Errorf("shops: scan staff: %w", err)
		}
		shop.Staff = append(shop.Staff, p)
	}
	return rows.Err()
}
