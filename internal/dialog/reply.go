package dialog

import "net/http"

// UI tells the messaging layer which interactive surface to render
// alongside the reply text.
type UI string

const (
	UIMainMenu UI = "main_menu"
	UIServices UI = "services"
	UIStaff    UI = "staff"
	UIHours    UI = "hours"
	UIResList  UI = "res_list"
)

// Choice is one row of an interactive list. Hour lists carry the hour
// in both ID and Title; reservation lists carry a RID_<id> selector.
type Choice struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// Reply is the engine's answer to one message. It marshals directly as
// the loopback response envelope; Status is the HTTP code the loopback
// layer should answer with.
type Reply struct {
	Text       string   `json:"respuesta"`
	SecondText string   `json:"respuesta2,omitempty"`
	UI         UI       `json:"ui,omitempty"`
	Choices    []Choice `json:"choices,omitempty"`

	Status int `json:"-"`
}

func reply(text string) *Reply {
	return &Reply{Text: text, Status: http.StatusOK}
}

func (r *Reply) withUI(ui UI) *Reply {
	r.UI = ui
	return r
}

func (r *Reply) withChoices(choices []Choice) *Reply {
	r.Choices = choices
	return r
}

func (r *Reply) withSecond(text string) *Reply {
	r.SecondText = text
	return r
}

func (r *Reply) withStatus(status int) *Reply {
	r.Status = status
	return r
}

// hourChoices wraps plain "HH:MM" strings as list rows.
func hourChoices(hours []string) []Choice {
	out := make([]Choice, 0, len(hours))
	for _, h := range hours {
		out = append(out, Choice{ID: h, Title: h})
	}
	return out
}
