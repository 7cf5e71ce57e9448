package nlu

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/shopspring/decimal"
	"google.golang.org/api/option"

	"github.com/agendabot/agendabot/internal/shops"
	"github.com/agendabot/agendabot/pkg/logging"
)

// ErrNoUnderstand means the interpreter could not extract an answer.
var ErrNoUnderstand = errors.New("nlu: no understand")

// Interpreter resolves the free text the deterministic grammar cannot.
type Interpreter interface {
	Intent(ctx context.Context, message string) (string, error)
	Service(ctx context.Context, shop *shops.Shop, message string) (string, error)
	Date(ctx context.Context, shop *shops.Shop, message string) (string, error)
	Hour(ctx context.Context, message string) (string, error)
	Question(ctx context.Context, shop *shops.Shop, message string) (string, error)
}

const (
	interpreterSystem = "Eres un experto en interpretar texto para reservas de peluquería. Responde solo con lo pedido."
	hourSystem        = "Eres experto en interpretar horas en español. Responde solo con HH:MM o 'NO_ENTIENDO'."
)

// Gemini implements Interpreter on Google's Gemini API.
type Gemini struct {
	client  *genai.Client
	modelID string
	logger  *logging.Logger
	now     func() time.Time
}

var _ Interpreter = (*Gemini)(nil)

// NewGemini creates the Gemini-backed interpreter.
func NewGemini(ctx context.Context, apiKey, modelID string, logger *logging.Logger) (*Gemini, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("nlu: gemini api key is required")
	}
	if strings.TrimSpace(modelID) == "" {
		modelID = "gemini-2.5-flash"
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("nlu: failed to create gemini client: %w", err)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Gemini{
		client:  client,
		modelID: modelID,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Close releases the underlying API client.
func (g *Gemini) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

func (g *Gemini) generate(ctx context.Context, system, prompt string, maxTokens int32) (string, error) {
	model := g.client.GenerativeModel(g.modelID)
	model.SetTemperature(0.2)
	model.SetMaxOutputTokens(maxTokens)
	model.SystemInstruction = genai.NewUserContent(genai.Text(system))

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		g.logger.Error("gemini generate failed", "error", err)
		return "", fmt.Errorf("nlu: gemini generate: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", ErrNoUnderstand
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" || strings.EqualFold(out, "NO_ENTIENDO") {
		return "", ErrNoUnderstand
	}
	return out, nil
}

// Intent classifies the message as reservar, cancelar or duda.
func (g *Gemini) Intent(ctx context.Context, message string) (string, error) {
	return g.generate(ctx, interpreterSystem, intentPrompt(message), 60)
}

// Service matches the message against the shop's service names.
func (g *Gemini) Service(ctx context.Context, shop *shops.Shop, message string) (string, error) {
	return g.generate(ctx, interpreterSystem, servicePrompt(shop, message), 60)
}

// Date extracts an ISO date relative to today in the shop timezone.
func (g *Gemini) Date(ctx context.Context, shop *shops.Shop, message string) (string, error) {
	today := g.now().In(shop.Location()).Format("2006-01-02")
	return g.generate(ctx, interpreterSystem, datePrompt(today, message), 60)
}

// Hour extracts a 24h "HH:MM" from the message. Noon and midnight are
// resolved locally.
func (g *Gemini) Hour(ctx context.Context, message string) (string, error) {
	switch Normalize(message) {
	case "mediodia":
		return "12:00", nil
	case "medianoche":
		return "00:00", nil
	}
	out, err := g.generate(ctx, hourSystem, hourPrompt(message), 12)
	if err != nil {
		return "", err
	}
	m := reHourOut.FindStringSubmatch(out)
	if m == nil {
		return "", ErrNoUnderstand
	}
	h, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if h > 23 || mm > 59 {
		return "", ErrNoUnderstand
	}
	return fmt.Sprintf("%02d:%02d", h, mm), nil
}

// Question answers a customer doubt strictly from shop data.
func (g *Gemini) Question(ctx context.Context, shop *shops.Shop, message string) (string, error) {
	return g.generate(ctx, interpreterSystem, questionPrompt(shop, message), 120)
}

// cleanLeading trims whitespace and framing punctuation so the prompt
// carries only the customer's words.
func cleanLeading(s string) string {
	return strings.Trim(strings.TrimSpace(s), " \t\n\r\"'¡!¿?.")
}

func intentPrompt(message string) string {
	return "Clasifica la intención del usuario en un chatbot de una peluquería.\n" +
		"Opciones visibles:\n" +
		"1. Reservar cita\n" +
		"2. Cancelar una cita\n" +
		"3. Tengo una duda\n\n" +
		"Devuelve exactamente una de estas palabras: 'reservar', 'cancelar', 'duda', 'NO_ENTIENDO'.\n" +
		"Mensaje: " + cleanLeading(message)
}

func servicePrompt(shop *shops.Shop, message string) string {
	names := make([]string, 0, len(shop.Services))
	for _, svc := range shop.Services {
		names = append(names, svc.Name)
	}
	return "Eres el asistente de una peluquería. INTERPRETA el servicio que pide el cliente.\n" +
		"Servicios disponibles: " + strings.Join(names, ", ") + ".\n" +
		"Mensaje: " + cleanLeading(message) + "\n" +
		"Devuelve solo el nombre exacto del servicio o 'NO_ENTIENDO'."
}

func datePrompt(todayISO, message string) string {
	return fmt.Sprintf("Hoy es %s (formato ISO YYYY-MM-DD).\n", todayISO) +
		fmt.Sprintf("El cliente dice: %s\n\n", cleanLeading(message)) +
		"TAREA: Interpreta a qué FECHA concreta se refiere el cliente.\n" +
		"Acepta SOLO estos formatos de entrada: " +
		"'03/09/2025', '3/9/25', '3-9-25', '03-09-2025', '2025-09-03', '2025/9/3', " +
		"'15 de octubre', '15 octubre 2025', 'oct 15', '15 oct', '15 oct 25', " +
		"'octubre 15, 2025', 'oct 3, 2025', '3 oct', '3 oct 25', 'oct 3', " +
		"'3 de octubre de 2025', '25 diciembre', '25 dic 25', 'dic 25', 'diciembre 25, 2025'.\n" +
		"REGLAS IMPORTANTES:\n" +
		"1) Si el texto es ambiguo y NO puedes estar 100% seguro, devuelve EXACTAMENTE 'NO_ENTIENDO'.\n" +
		"2) La salida debe ser SOLO una fecha en formato EXACTO 'YYYY-MM-DD' (por ejemplo 2025-09-16), sin texto adicional.\n"
}

func hourPrompt(message string) string {
	return fmt.Sprintf("Extrae una hora del mensaje: '%s'. ", message) +
		"Devuelve SOLO una hora en 24h HH:MM (con cero inicial). " +
		"Acepta: '17:30', '5 pm', '5 y media', '5 menos cuarto', 'mediodía', 'medianoche'. " +
		"Si no logras interpretarlo, responde 'NO_ENTIENDO'."
}

func questionPrompt(shop *shops.Shop, message string) string {
	lines := make([]string, 0, len(shop.Services))
	for _, svc := range shop.Services {
		parts := []string{svc.Name, moneyLine(shop, svc.Price), fmt.Sprintf("%d min", svc.DurationMin)}
		lines = append(lines, " - "+strings.Join(parts, " · "))
	}
	servicesTxt := "(sin servicios configurados)"
	if len(lines) > 0 {
		servicesTxt = strings.Join(lines, "\n")
	}
	return fmt.Sprintf("Eres la secretaria virtual de la peluquería %s.\n", shop.Name) +
		"Tu misión es contestar la duda del cliente usando EXCLUSIVAMENTE estos datos:\n" +
		fmt.Sprintf("- Dirección: %s\n", shop.Address) +
		fmt.Sprintf("- Días cerrados: %s\n", shop.ClosedWeekdays) +
		fmt.Sprintf("- Horarios: %s\n", shop.Schedule) +
		fmt.Sprintf("- Telefono de la Peluqueria: %s\n", shop.Phone) +
		fmt.Sprintf("- Servicios disponibles:\n%s\n", servicesTxt) +
		fmt.Sprintf("- Número de peluqueros: %d\n", shop.StaffCount) +
		fmt.Sprintf("- Información adicional: %s\n\n", shop.Info) +
		"REGLAS ESTRICTAS:\n" +
		"1. Si el cliente pregunta por un servicio que NO está en la lista, responde que no ofrece ese servicio.\n" +
		"2. Si el cliente pregunta por horarios o días que no coinciden con los listados, responde que en esos horarios/días no se atiende.\n" +
		"3. Si el cliente pide información no incluida en los datos, responde exactamente: " +
		fmt.Sprintf("'Lo siento, no dispongo de esa información. Por favor, contacta directamente con la peluquería en el número %s'.\n", shop.Phone) +
		"4. Nunca inventes servicios, precios ni horarios.\n" +
		"5. Si el cliente pide hablar con una persona, proporciona el teléfono de la peluquería.\n" +
		"Mensaje del cliente: " + cleanLeading(message)
}

// moneyLine renders "€ 15 EUR" style amounts, trimming trailing zeros
// the way prices read in chat.
func moneyLine(shop *shops.Shop, price decimal.Decimal) string {
	code := strings.ToUpper(strings.TrimSpace(shop.CurrencyCode))
	if code == "" {
		code = "EUR"
	}
	txt := strings.TrimRight(strings.TrimRight(price.StringFixed(2), "0"), ".")
	return shop.CurrencySymbol() + " " + txt + " " + code
}
