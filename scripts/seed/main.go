// Package main seeds a demo shop with a small catalogue so the API can
// be exercised locally. It prints the generated API key, which the e2e
// script expects in SHOP_API_KEY.
//
// Usage:
//
//	DATABASE_URL=postgres://... go run scripts/seed/main.go [shop-name]
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
)

func main() {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		fmt.Fprintln(os.Stderr, "ERROR: DATABASE_URL required")
		os.Exit(1)
	}

	name := "Peluquería Demo"
	if len(os.Args) > 1 {
		name = os.Args[1]
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: connect: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close(ctx)

	apiKey := newAPIKey()

	var shopID int64
	err = conn.QueryRow(ctx, `
		INSERT INTO shops (name, address, info, schedule, closed_weekdays,
		                   phone, api_key, staff_count, staff_pick_enabled)
		VALUES ($1, 'Calle Mayor 12, Madrid', 'Se aceptan pagos con tarjeta.',
		        '10:00-14:00,16:00-20:00', 'domingo', '+34911222333', $2, 2, TRUE)
		RETURNING id`, name, apiKey).Scan(&shopID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: insert shop: %v\n", err)
		os.Exit(1)
	}

	services := []struct {
		name     string
		price    int
		duration int
	}{
		{"Corte", 15, 30},
		{"Tinte", 40, 90},
		{"Peinado", 20, 30},
	}
	for _, svc := range services {
		if _, err := conn.Exec(ctx, `
			INSERT INTO services (shop_id, name, price, duration_min)
			VALUES ($1, $2, $3, $4)`, shopID, svc.name, svc.price, svc.duration); err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: insert service %s: %v\n", svc.name, err)
			os.Exit(1)
		}
	}

	for i, member := range []string{"Marta", "Lucía"} {
		if _, err := conn.Exec(ctx, `
			INSERT INTO staff (shop_id, name, active, position)
			VALUES ($1, $2, TRUE, $3)`, shopID, member, (i+1)*10); err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: insert staff %s: %v\n", member, err)
			os.Exit(1)
		}
	}

	fmt.Printf("seeded shop %q (id=%d)\n", name, shopID)
	fmt.Println("  services: Corte, Tinte, Peinado")
	fmt.Println("  staff: Marta, Lucía")
	fmt.Printf("  SHOP_API_KEY=%s\n", apiKey)
}

func newAPIKey() string {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: entropy: %v\n", err)
		os.Exit(1)
	}
	return "agb_" + hex.EncodeToString(b)
}
