package whatsapp

import (
	"fmt"

	"github.com/agendabot/agendabot/internal/shops"
)

// WhatsApp caps interactive lists at 10 rows. One slot is reserved for
// the "see more" row, and the staff list spends another on the
// no-preference option shown on every page.
const (
	listItemsPerPage  = 9
	staffItemsPerPage = 8

	rowTitleMax = 24
	rowDescMax  = 72
)

// Row is one list entry supplied by the caller; reservation lists
// arrive with their RID_<id> selectors already set.
type Row struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// pageBounds clamps page to the valid range and returns the slice
// bounds plus whether another page follows. Pages are 1-based.
func pageBounds(total, page, perPage int) (start, end, clamped int, hasNext bool) {
	if perPage < 1 {
		perPage = 1
	}
	maxPage := (total + perPage - 1) / perPage
	if maxPage < 1 {
		maxPage = 1
	}
	if page < 1 {
		page = 1
	}
	if page > maxPage {
		page = maxPage
	}
	start = (page - 1) * perPage
	end = start + perPage
	if end > total {
		end = total
	}
	return start, end, page, end < total
}

func serviceRows(shop *shops.Shop, page int) ([]sendRow, bool) {
	services := shop.Services
	start, end, page, hasNext := pageBounds(len(services), page, listItemsPerPage)

	rows := make([]sendRow, 0, end-start+1)
	for i, svc := range services[start:end] {
		idx := start + i
		title := truncateRunes(svc.Name, rowTitleMax)
		if title == "" {
			title = fmt.Sprintf("Servicio %d", idx+1)
		}
		rows = append(rows, sendRow{
			ID:          fmt.Sprintf("SERV_P%d_%d", page, idx),
			Title:       title,
			Description: truncateRunes(svc.Description, rowDescMax),
		})
	}
	if hasNext {
		rows = append(rows, sendRow{
			ID:    fmt.Sprintf("SERV_NEXT_%d", page+1),
			Title: "➡️ Ver mas servicios",
		})
	}
	return rows, hasNext
}

func staffRows(shop *shops.Shop, page int) ([]sendRow, bool) {
	active := shop.ActiveStaff()
	start, end, page, hasNext := pageBounds(len(active), page, staffItemsPerPage)

	rows := make([]sendRow, 0, end-start+2)
	rows = append(rows, sendRow{
		ID:          "PEL_ANY",
		Title:       "Sin preferencia",
		Description: "Asignaremos a quien esté disponible",
	})
	for i, p := range active[start:end] {
		idx := start + i
		title := truncateRunes(p.Name, rowTitleMax)
		if title == "" {
			title = fmt.Sprintf("Peluquero %d", idx+1)
		}
		rows = append(rows, sendRow{
			ID:          fmt.Sprintf("PEL_P%d_%d", page, idx),
			Title:       title,
			Description: truncateRunes(runesFrom(p.Name, rowTitleMax), rowDescMax),
		})
	}
	if hasNext {
		rows = append(rows, sendRow{
			ID:    fmt.Sprintf("PEL_NEXT_%d", page+1),
			Title: "➡️ Ver más opciones",
		})
	}
	return rows, hasNext
}

func hourRows(hours []string, page int) ([]sendRow, bool) {
	start, end, page, hasNext := pageBounds(len(hours), page, listItemsPerPage)

	rows := make([]sendRow, 0, end-start+1)
	for i, h := range hours[start:end] {
		rows = append(rows, sendRow{
			ID:    fmt.Sprintf("HORA_P%d_%d", page, start+i),
			Title: truncateRunes(h, rowTitleMax),
		})
	}
	if hasNext {
		rows = append(rows, sendRow{
			ID:    fmt.Sprintf("HORA_NEXT_%d", page+1),
			Title: "➡️ Ver más horas",
		})
	}
	return rows, hasNext
}

func reservationRows(items []Row, page int) ([]sendRow, bool) {
	start, end, page, hasNext := pageBounds(len(items), page, listItemsPerPage)

	rows := make([]sendRow, 0, end-start+1)
	for i, it := range items[start:end] {
		title := truncateRunes(it.Title, rowTitleMax)
		if title == "" {
			title = "Reserva"
		}
		id := it.ID
		if id == "" {
			id = fmt.Sprintf("RID_%d", start+i)
		}
		rows = append(rows, sendRow{
			ID:          id,
			Title:       title,
			Description: truncateRunes(it.Description, rowDescMax),
		})
	}
	if hasNext {
		rows = append(rows, sendRow{
			ID:    fmt.Sprintf("RID_NEXT_%d", page+1),
			Title: "➡️ Ver más reservas",
		})
	}
	return rows, hasNext
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

// runesFrom returns the tail of s starting at the given rune offset,
// used to spill a long staff name into the row description.
func runesFrom(s string, from int) string {
	r := []rune(s)
	if len(r) <= from {
		return ""
	}
	return string(r[from:])
}
