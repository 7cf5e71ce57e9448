// The llmtest binary exercises the Gemini interpreter against a sample
// shop without going through the dialogue engine. Useful when tuning
// prompts or trying a new model: set GEMINI_API_KEY (and optionally
// GEMINI_MODEL) and run it.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/agendabot/agendabot/internal/nlu"
	"github.com/agendabot/agendabot/internal/shops"
	"github.com/agendabot/agendabot/pkg/logging"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		log.Fatal("GEMINI_API_KEY is required")
	}
	modelID := os.Getenv("GEMINI_MODEL")
	if modelID == "" {
		modelID = "gemini-2.5-flash"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	interp, err := nlu.NewGemini(ctx, apiKey, modelID, logging.New("warn"))
	if err != nil {
		log.Fatalf("failed to create interpreter: %v", err)
	}
	defer interp.Close()

	shop := &shops.Shop{
		Name:           "Peluquería Sol",
		Address:        "Calle Mayor 12, Madrid",
		Schedule:       "10:00-14:00,16:00-20:00",
		ClosedWeekdays: "domingo",
		Timezone:       "Europe/Madrid",
		CurrencyCode:   "EUR",
		Phone:          "+34911222333",
		StaffCount:     2,
		Services: []shops.Service{
			{Name: "Corte", Price: decimal.NewFromInt(15), DurationMin: 30},
			{Name: "Tinte", Price: decimal.NewFromInt(40), DurationMin: 90},
		},
	}

	divider := strings.Repeat("=", 60)
	fmt.Println(divider)
	fmt.Println("Interpreter smoke test, model:", modelID)
	fmt.Println(divider)

	probe(ctx, "intent", func() (string, error) {
		return interp.Intent(ctx, "hola, querría pedir cita")
	})
	probe(ctx, "service", func() (string, error) {
		return interp.Service(ctx, shop, "cortarme el pelo")
	})
	probe(ctx, "date", func() (string, error) {
		return interp.Date(ctx, shop, "el 3 de octubre")
	})
	probe(ctx, "hour", func() (string, error) {
		return interp.Hour(ctx, "a las cinco y media de la tarde")
	})
	probe(ctx, "question", func() (string, error) {
		return interp.Question(ctx, shop, "¿cuánto cuesta un tinte?")
	})
}

func probe(ctx context.Context, name string, fn func() (string, error)) {
	if ctx.Err() != nil {
		fmt.Printf("  ⏭  %-8s skipped: %v\n", name, ctx.Err())
		return
	}
	start := time.Now()
	out, err := fn()
	elapsed := time.Since(start).Round(time.Millisecond)
	if err != nil {
		fmt.Printf("  ❌ %-8s (%v): %v\n", name, elapsed, err)
		return
	}
	fmt.Printf("  ✅ %-8s (%v): %s\n", name, elapsed, out)
}
