package whatsapp

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Inbound is one parsed customer message, normalised for the
// dispatcher: SessionID is "wa_<msisdn>", Origin is text, button or
// list, and SelectionID carries the tapped row/button id when the
// message came from an interactive surface.
type Inbound struct {
	PhoneNumberID string `json:"phone_number_id"`
	SessionID     string `json:"session_id"`
	From          string `json:"from"`
	WamID         string `json:"wamid"`
	Timestamp     int64  `json:"timestamp"`
	Origin        string `json:"origin"`
	Text          string `json:"text"`
	SelectionID   string `json:"selection_id,omitempty"`
}

// ParseEnvelope extracts the customer messages from a webhook body.
// Status-only changes and messages without a sender are skipped; an
// undecodable body is an error so the webhook can answer 200 without
// queueing garbage.
func ParseEnvelope(body []byte) ([]Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("whatsapp: decode envelope: %w", err)
	}

	var out []Inbound
	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			v := change.Value
			if v.Metadata.PhoneNumberID == "" || len(v.Messages) == 0 {
				continue
			}
			for _, msg := range v.Messages {
				if msg.From == "" {
					continue
				}
				in := Inbound{
					PhoneNumberID: v.Metadata.PhoneNumberID,
					SessionID:     "wa_" + msg.From,
					From:          msg.From,
					WamID:         msg.ID,
					Timestamp:     parseTimestamp(msg.Timestamp),
					Origin:        "text",
					Text:          extractText(&msg),
				}
				switch strings.ToLower(strings.TrimSpace(msg.Type)) {
				case "button":
					in.Origin = "button"
					if msg.Button != nil {
						in.SelectionID = strings.TrimSpace(msg.Button.Payload)
					}
				case "interactive":
					if msg.Interactive == nil {
						break
					}
					switch strings.ToLower(strings.TrimSpace(msg.Interactive.Type)) {
					case "button_reply":
						in.Origin = "button"
						if msg.Interactive.ButtonReply != nil {
							in.SelectionID = strings.TrimSpace(msg.Interactive.ButtonReply.ID)
						}
					case "list_reply":
						in.Origin = "list"
						if msg.Interactive.ListReply != nil {
							in.SelectionID = strings.TrimSpace(msg.Interactive.ListReply.ID)
						}
					}
				}
				out = append(out, in)
			}
		}
	}
	return out, nil
}

// extractText mirrors the surface the customer actually saw: body for
// text, title for button and list replies.
func extractText(msg *Message) string {
	switch msg.Type {
	case "text":
		if msg.Text != nil {
			return msg.Text.Body
		}
	case "button":
		if msg.Button != nil {
			return msg.Button.Text
		}
	case "interactive":
		if msg.Interactive == nil {
			return ""
		}
		switch msg.Interactive.Type {
		case "button_reply":
			if msg.Interactive.ButtonReply != nil {
				return msg.Interactive.ButtonReply.Title
			}
		case "list_reply":
			if msg.Interactive.ListReply != nil {
				return msg.Interactive.ListReply.Title
			}
		}
	}
	return ""
}

func parseTimestamp(raw string) int64 {
	ts, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0
	}
	return ts
}
