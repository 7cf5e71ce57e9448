// Package dispatch moves parsed WhatsApp messages from the webhook to
// the dialogue engine: a queue decouples intake from processing, and a
// worker pool turns each message into outbound replies.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/agendabot/agendabot/internal/whatsapp"
)

// Message is one queued item. ReceiptHandle acknowledges delivery the
// way broker-backed queues expect.
type Message struct {
	ID            string
	Body          string
	ReceiptHandle string
}

// Queue carries encoded inbound messages between the webhook and the
// workers.
type Queue interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, maxMessages, waitSeconds int) ([]Message, error)
	Delete(ctx context.Context, receiptHandle string) error
}

type payload struct {
	ID      string           `json:"id"`
	Inbound whatsapp.Inbound `json:"inbound"`
}

// Enqueue encodes one inbound message and publishes it.
func Enqueue(ctx context.Context, q Queue, in whatsapp.Inbound) error {
	body, err := json.Marshal(payload{ID: uuid.NewString(), Inbound: in})
	if err != nil {
		return fmt.Errorf("dispatch: encode payload: %w", err)
	}
	if err := q.Send(ctx, string(body)); err != nil {
		return fmt.Errorf("dispatch: enqueue: %w", err)
	}
	return nil
}
