// Package reservations persists bookings and commits them in two
// phases: a locked Postgres transaction that claims the slot, then an
// idempotent calendar event, with compensation when the two disagree.
package reservations

import (
	"time"

	"github.com/shopspring/decimal"
)

// Reservation states.
const (
	StatusConfirmed = "confirmed"
	StatusCancelled = "cancelled"
)

// Reservation is one committed booking. Duration and price are copied
// from the service at commit time so later catalogue edits do not
// rewrite history.
type Reservation struct {
	ID           int64
	ShopID       int64
	ServiceID    int64
	StaffID      *int64
	CustomerName string
	Phone        string
	DateISO      string // YYYY-MM-DD
	StartTime    string // HH:MM
	DurationMin  int
	Price        decimal.Decimal
	Status       string
	EventID      string

	// ServiceName is filled by queries that join the services table.
	ServiceName string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Booking is a validated request to reserve one slot.
type Booking struct {
	ServiceID    int64
	StaffID      *int64
	CustomerName string
	Phone        string
	DateISO      string // YYYY-MM-DD
	StartTime    string // HH:MM
	EventID      string
}
