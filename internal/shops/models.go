// Package shops holds the tenant model: a bookable business with its
// services, staff and WhatsApp/Calendar wiring, loaded from Postgres.
package shops

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Shop is one tenant reachable over WhatsApp.
type Shop struct {
	ID           int64
	Name         string
	BusinessType string
	Address      string
	Info         string

	// Weekly opening windows. Either the legacy
	// "09:00-14:00,16:00-20:00" form applied to every day, or a JSON
	// object keyed by weekday: {"mon":["09:00-14:00"],...}.
	Schedule string
	// Comma separated Spanish weekday names the shop never opens,
	// e.g. "lunes,domingo".
	ClosedWeekdays string
	// JSON with one-off and recurring closures:
	// {"dates":["2026-12-25"],"recurring":["01-01"]}.
	ClosedDates string

	CountryCode  string
	Timezone     string
	CurrencyCode string
	Locale       string
	Phone        string

	CalendarID string
	APIKey     string

	StaffCount  int
	SlotStepMin int
	MinLeadMin  int
	MaxLeadDays int

	WAPhoneNumberID string
	WAToken         string
	WABusinessID    string

	StaffPickEnabled  bool
	StaffPickRequired bool

	Services []Service
	Staff    []Professional
}

// Service is something the shop sells, with a fixed duration used for
// slot math.
type Service struct {
	ID          int64
	ShopID      int64
	Name        string
	Description string
	Price       decimal.Decimal
	DurationMin int
}

// Professional is a named staff member customers may pick.
type Professional struct {
	ID       int64
	ShopID   int64
	Name     string
	Active   bool
	Position int
}

// ClosedCalendar lists one-off dates (YYYY-MM-DD) and yearly recurring
// days (MM-DD) the shop does not open.
type ClosedCalendar struct {
	Dates     []string `json:"dates"`
	Recurring []string `json:"recurring"`
}

// Location resolves the shop timezone, falling back to Europe/Madrid
// and finally UTC.
func (s *Shop) Location() *time.Location {
	if s.Timezone != "" {
		if loc, err := time.LoadLocation(s.Timezone); err == nil {
			return loc
		}
	}
	if loc, err := time.LoadLocation("Europe/Madrid"); err == nil {
		return loc
	}
	return time.UTC
}

// ParseClosedDates decodes ClosedDates leniently: malformed JSON means
// no extra closures rather than an error.
func (s *Shop) ParseClosedDates() ClosedCalendar {
	var cal ClosedCalendar
	if s.ClosedDates == "" {
		return cal
	}
	_ = json.Unmarshal([]byte(s.ClosedDates), &cal)
	return cal
}

// BusinessLabel is the business type used in customer-facing texts,
// "peluquería" when the tenant never set one.
func (s *Shop) BusinessLabel() string {
	if t := strings.TrimSpace(s.BusinessType); t != "" {
		return t
	}
	return "peluquería"
}

// ActiveStaff returns the bookable professionals in display order.
func (s *Shop) ActiveStaff() []Professional {
	out := make([]Professional, 0, len(s.Staff))
	for _, p := range s.Staff {
		if p.Active {
			out = append(out, p)
		}
	}
	return out
}

// ServiceByID returns the loaded service or nil.
func (s *Shop) ServiceByID(id int64) *Service {
	for i := range s.Services {
		if s.Services[i].ID == id {
			return &s.Services[i]
		}
	}
	return nil
}

// StaffByID returns the loaded staff member or nil.
func (s *Shop) StaffByID(id int64) *Professional {
	for i := range s.Staff {
		if s.Staff[i].ID == id {
			return &s.Staff[i]
		}
	}
	return nil
}

// CurrencySymbol maps the shop currency to a display symbol, keeping
// the ISO code when no symbol is known.
func (s *Shop) CurrencySymbol() string {
	switch strings.ToUpper(s.CurrencyCode) {
	case "", "EUR":
		return "€"
	case "USD", "UYU", "MXN", "CLP", "ARS", "COP", "DOP":
		return "$"
	case "PEN":
		return "S/"
	case "BRL":
		return "R$"
	case "GBP":
		return "£"
	case "CRC":
		return "₡"
	default:
		return s.CurrencyCode
	}
}

// PriceLabel renders a price with two decimals and the shop currency,
// e.g. "12.50 €".
func (s *Shop) PriceLabel(price decimal.Decimal) string {
	return price.StringFixed(2) + " " + s.CurrencySymbol()
}
