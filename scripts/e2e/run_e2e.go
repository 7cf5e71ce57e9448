// Package main drives end-to-end conversations against a running API
// server through the synchronous dialogue endpoint.
//
// Scenarios cover:
//   - First-contact welcome and main menu
//   - Happy-path booking: service, date, hour, name, phone, confirm
//   - Date validation (impossible, past and malformed input)
//   - The global «menu» command mid-flow
//   - Cancellation by phone of a reservation booked moments before
//   - The Q&A flow entry and farewell
//   - Rejection of an unknown API key
//
// Every scenario opens a fresh session id, so nothing needs purging
// between runs; the cancellation scenario books its own reservation
// with a phone number unique to the run.
//
// Usage:
//
//	API_BASE_URL=http://localhost:8080 SHOP_API_KEY=... go run scripts/e2e/run_e2e.go [scenario-name]
//	API_BASE_URL=... SHOP_API_KEY=... go run scripts/e2e/run_e2e.go                   # runs all
//	API_BASE_URL=... SHOP_API_KEY=... go run scripts/e2e/run_e2e.go booking           # runs one
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

var (
	apiBase string
	apiKey  string
)

// ---------------------------------------------------------------------------
// Scenario definition
// ---------------------------------------------------------------------------

type scenario struct {
	Name string
	Fn   func(t *T)
}

// T is a lightweight test context for a single scenario.
type T struct {
	passed int
	failed int
	name   string
}

func (t *T) check(name string, ok bool) {
	if ok {
		fmt.Printf("    PASS: %s\n", name)
		t.passed++
	} else {
		fmt.Printf("    FAIL: %s\n", name)
		t.failed++
	}
}

func (t *T) fatalf(format string, args ...interface{}) {
	fmt.Printf("    FATAL: "+format+"\n", args...)
	t.failed++
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// envelope mirrors the loopback reply shape.
type envelope struct {
	Text       string   `json:"respuesta"`
	SecondText string   `json:"respuesta2"`
	UI         string   `json:"ui"`
	Choices    []choice `json:"choices"`
}

type choice struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

func turn(sid, message, origin string) (*envelope, int, error) {
	payload, _ := json.Marshal(map[string]string{
		"session_id": sid,
		"mensaje":    message,
		"origin":     origin,
	})
	req, _ := http.NewRequest("POST", apiBase+"/webhook", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", apiKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, resp.StatusCode, err
	}
	return &env, resp.StatusCode, nil
}

// mustTurn sends one typed message and reports transport failures as
// fatal. A nil result means the scenario should stop.
func mustTurn(t *T, sid, message string) *envelope {
	env, _, err := turn(sid, message, "text")
	if err != nil {
		t.fatalf("turn %q: %v", message, err)
		return nil
	}
	return env
}

func newSessionID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func containsAny(s string, substrs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range substrs {
		if strings.Contains(lower, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}

// enterBooking walks the menu into the date question, handling shops
// with one service, several services or staff picking enabled.
func enterBooking(t *T, sid string) *envelope {
	if mustTurn(t, sid, "hola") == nil {
		return nil
	}
	env := mustTurn(t, sid, "reservar")
	if env == nil {
		return nil
	}
	if containsAny(env.Text, "servicio") {
		if env = mustTurn(t, sid, "1"); env == nil {
			return nil
		}
	}
	if containsAny(env.Text, "con quién", "con quien") {
		// PEL_ANY is the "anyone" row of the staff list surface.
		var err error
		if env, _, err = turn(sid, "PEL_ANY", "list"); err != nil {
			t.fatalf("pick staff: %v", err)
			return nil
		}
	}
	return env
}

// pickOpenDate answers the date question, walking forward from
// tomorrow until a day with free hours shows up.
func pickOpenDate(t *T, sid string) *envelope {
	for i := 1; i <= 14; i++ {
		date := time.Now().AddDate(0, 0, i).Format("02/01/2006")
		env := mustTurn(t, sid, date)
		if env == nil {
			return nil
		}
		if len(env.Choices) > 0 && containsAny(env.Text, "hora") {
			return env
		}
	}
	t.fatalf("no bookable day within 14 days")
	return nil
}

// bookOne runs a full booking under the given phone. Returns false when
// the flow could not reach confirmation.
func bookOne(t *T, sid, phone string) bool {
	env := enterBooking(t, sid)
	if env == nil || !containsAny(env.Text, "fecha") {
		t.fatalf("never reached the date question")
		return false
	}
	if env = pickOpenDate(t, sid); env == nil {
		return false
	}
	if env = mustTurn(t, sid, env.Choices[0].ID); env == nil {
		return false
	}
	if env = mustTurn(t, sid, "Cliente Prueba"); env == nil {
		return false
	}
	if env = mustTurn(t, sid, phone); env == nil {
		return false
	}
	if !containsAny(env.Text, "¿Confirmas la reserva?") {
		t.fatalf("no confirmation prompt, got: %s", env.Text)
		return false
	}
	if env = mustTurn(t, sid, "si"); env == nil {
		return false
	}
	return containsAny(env.Text, "Reserva confirmada")
}

func runPhone() string {
	return fmt.Sprintf("+346%08d", time.Now().UnixNano()%100000000)
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

// 1. First contact greets and shows the menu; the first message is
// swallowed whatever it says.
func scenarioWelcome(t *T) {
	sid := newSessionID("e2e-hello")
	env := mustTurn(t, sid, "quiero cortarme el pelo mañana")
	if env == nil {
		return
	}
	t.check("greets as the virtual secretary", containsAny(env.Text, "secretaria virtual"))
	t.check("shows the main menu surface", env.UI == "main_menu")
	t.check("mentions the menu command", containsAny(env.Text, "menu"))
}

// 2. Full booking: service, date, hour, name, phone, confirm, farewell.
func scenarioBooking(t *T) {
	sid := newSessionID("e2e-book")

	env := enterBooking(t, sid)
	if env == nil {
		return
	}
	t.check("asks for a date", containsAny(env.Text, "fecha"))

	if env = pickOpenDate(t, sid); env == nil {
		return
	}
	t.check("offers hour choices", len(env.Choices) > 0)
	t.check("hour rows carry HH:MM ids", len(env.Choices) > 0 && strings.Contains(env.Choices[0].ID, ":"))

	if env = mustTurn(t, sid, env.Choices[0].ID); env == nil {
		return
	}
	t.check("asks for a name", containsAny(env.Text, "nombre"))

	if env = mustTurn(t, sid, "Cliente Prueba"); env == nil {
		return
	}
	t.check("asks for a phone", containsAny(env.Text, "teléfono"))

	if env = mustTurn(t, sid, runPhone()); env == nil {
		return
	}
	t.check("shows the booking summary", containsAny(env.Text, "Resumen de tu reserva"))
	t.check("asks for confirmation", containsAny(env.Text, "¿Confirmas la reserva?"))

	if env = mustTurn(t, sid, "si"); env == nil {
		return
	}
	t.check("confirms the reservation", containsAny(env.Text, "Reserva confirmada"))
	t.check("offers to continue", containsAny(env.SecondText, "algo más"))

	if env = mustTurn(t, sid, "no"); env == nil {
		return
	}
	t.check("says goodbye", containsAny(env.Text, "buen día"))
}

// 3. Date answers that must be rejected, each with its own message.
func scenarioDateValidation(t *T) {
	sid := newSessionID("e2e-date")

	env := enterBooking(t, sid)
	if env == nil || !containsAny(env.Text, "fecha") {
		t.fatalf("never reached the date question")
		return
	}

	impossible := fmt.Sprintf("31/02/%d", time.Now().Year()+1)
	if env = mustTurn(t, sid, impossible); env == nil {
		return
	}
	t.check("rejects an impossible date", containsAny(env.Text, "no existe", "correcta"))

	if env = mustTurn(t, sid, "01/01/2020"); env == nil {
		return
	}
	t.check("rejects a past date", containsAny(env.Text, "pasada"))

	if env = mustTurn(t, sid, "zzz qqq"); env == nil {
		return
	}
	t.check("asks for dd/mm/aaaa on gibberish", containsAny(env.Text, "dd/mm/aaaa"))
}

// 4. «menu» aborts any flow and returns to the main menu.
func scenarioMenuCommand(t *T) {
	sid := newSessionID("e2e-menu")

	env := enterBooking(t, sid)
	if env == nil {
		return
	}

	if env = mustTurn(t, sid, "menu"); env == nil {
		return
	}
	t.check("returns to the main menu", containsAny(env.Text, "Menú principal"))
	t.check("menu surface", env.UI == "main_menu")
}

// 5. Cancel the reservation booked moments before under a unique phone.
func scenarioCancel(t *T) {
	phone := runPhone()
	if !bookOne(t, newSessionID("e2e-cbook"), phone) {
		t.fatalf("could not book the reservation to cancel")
		return
	}

	sid := newSessionID("e2e-cancel")
	if mustTurn(t, sid, "hola") == nil {
		return
	}
	env := mustTurn(t, sid, "cancelar")
	if env == nil {
		return
	}
	t.check("asks for the booking phone", containsAny(env.Text, "teléfono"))

	if env = mustTurn(t, sid, phone); env == nil {
		return
	}
	if len(env.Choices) > 0 {
		// More than one reservation under this phone; pick the first.
		if env = mustTurn(t, sid, env.Choices[0].ID); env == nil {
			return
		}
	}
	t.check("asks to confirm the cancellation", containsAny(env.Text, "Confirmas la cancelación"))

	if env = mustTurn(t, sid, "si"); env == nil {
		return
	}
	t.check("cancels the reservation", containsAny(env.Text, "Reserva cancelada"))
}

// 6. Q&A flow: entry prompt, one question, farewell. Works with and
// without an interpreter on the server.
func scenarioQuestion(t *T) {
	sid := newSessionID("e2e-faq")
	if mustTurn(t, sid, "hola") == nil {
		return
	}
	env := mustTurn(t, sid, "duda")
	if env == nil {
		return
	}
	t.check("invites the question", containsAny(env.Text, "duda"))

	if env = mustTurn(t, sid, "¿Cuál es el horario?"); env == nil {
		return
	}
	if containsAny(env.Text, "No he podido consultar") {
		t.check("reports the interpreter is unavailable", true)
		return
	}
	t.check("answers and offers another question", containsAny(env.Text, "otra duda"))

	if env = mustTurn(t, sid, "no"); env == nil {
		return
	}
	t.check("says goodbye", containsAny(env.Text, "aquí estoy"))
}

// 7. A wrong API key must never reach the engine.
func scenarioWrongKey(t *T) {
	saved := apiKey
	apiKey = "not-a-real-key"
	defer func() { apiKey = saved }()

	env, status, err := turn(newSessionID("e2e-key"), "hola", "text")
	if err != nil {
		t.fatalf("turn: %v", err)
		return
	}
	t.check("answers 403", status == http.StatusForbidden)
	t.check("carries a customer-presentable text", env.Text != "")
}

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	apiBase = os.Getenv("API_BASE_URL")
	apiKey = os.Getenv("SHOP_API_KEY")
	if apiBase == "" || apiKey == "" {
		fmt.Fprintln(os.Stderr, "ERROR: API_BASE_URL and SHOP_API_KEY required")
		os.Exit(1)
	}

	scenarios := []scenario{
		{"welcome", scenarioWelcome},
		{"booking", scenarioBooking},
		{"date-validation", scenarioDateValidation},
		{"menu-command", scenarioMenuCommand},
		{"cancel", scenarioCancel},
		{"question", scenarioQuestion},
		{"wrong-key", scenarioWrongKey},
	}

	filter := ""
	if len(os.Args) > 1 {
		filter = os.Args[1]
	}

	totalPassed := 0
	totalFailed := 0
	results := make([]string, 0)

	for _, s := range scenarios {
		if filter != "" && s.Name != filter {
			continue
		}

		fmt.Printf("\n========================================\n")
		fmt.Printf("SCENARIO: %s\n", s.Name)
		fmt.Printf("========================================\n")

		t := &T{name: s.Name}
		s.Fn(t)

		totalPassed += t.passed
		totalFailed += t.failed

		status := "✅"
		if t.failed > 0 {
			status = "❌"
		}
		results = append(results, fmt.Sprintf("  %s %s (%d passed, %d failed)", status, s.Name, t.passed, t.failed))
	}

	fmt.Printf("\n========================================\n")
	fmt.Println("SUMMARY")
	fmt.Printf("========================================\n")
	for _, r := range results {
		fmt.Println(r)
	}
	fmt.Printf("\nTotal: %d passed, %d failed\n", totalPassed, totalFailed)

	if totalFailed > 0 {
		fmt.Println("\n❌ SOME SCENARIOS FAILED")
		os.Exit(1)
	}
	fmt.Println("\n✅ ALL SCENARIOS PASSED")
}
