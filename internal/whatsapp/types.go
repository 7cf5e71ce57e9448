// Package whatsapp speaks the Meta WhatsApp Cloud API: it parses
// inbound webhook envelopes and sends text, button and paginated list
// messages through the Graph API with per-tenant credentials.
package whatsapp

import "encoding/json"

// Envelope is the top-level webhook document Meta posts.
type Envelope struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry groups the changes for one WhatsApp Business Account.
type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

// Change carries one field update, normally "messages".
type Change struct {
	Field string `json:"field"`
	Value Value  `json:"value"`
}

// Value holds the messages and the phone number they arrived on.
// Statuses stay raw; delivery receipts are ignored.
type Value struct {
	Metadata Metadata          `json:"metadata"`
	Contacts []Contact         `json:"contacts"`
	Messages []Message         `json:"messages"`
	Statuses []json.RawMessage `json:"statuses"`
}

// Metadata identifies the receiving business number.
type Metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

// Contact is the sender's profile entry.
type Contact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

// Message is one inbound customer message.
type Message struct {
	From        string       `json:"from"`
	ID          string       `json:"id"`
	Timestamp   string       `json:"timestamp"`
	Type        string       `json:"type"`
	Text        *TextBody    `json:"text,omitempty"`
	Button      *ButtonBody  `json:"button,omitempty"`
	Interactive *Interactive `json:"interactive,omitempty"`
}

// TextBody is the payload of a plain text message.
type TextBody struct {
	Body string `json:"body"`
}

// ButtonBody is the payload of a template button tap.
type ButtonBody struct {
	Text    string `json:"text"`
	Payload string `json:"payload"`
}

// Interactive is the payload of a button or list reply.
type Interactive struct {
	Type        string    `json:"type"`
	ButtonReply *ReplyRef `json:"button_reply,omitempty"`
	ListReply   *ReplyRef `json:"list_reply,omitempty"`
}

// ReplyRef is the id/title pair of the tapped button or row.
type ReplyRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// sendRequest is the outbound Graph API message payload. Exactly one
// of Text and Interactive is set.
type sendRequest struct {
	MessagingProduct string           `json:"messaging_product"`
	To               string           `json:"to"`
	Type             string           `json:"type"`
	Text             *sendText        `json:"text,omitempty"`
	Interactive      *sendInteractive `json:"interactive,omitempty"`
}

type sendText struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type sendInteractive struct {
	Type   string        `json:"type"`
	Body   *sendBodyText `json:"body,omitempty"`
	Footer *sendBodyText `json:"footer,omitempty"`
	Action *sendAction   `json:"action,omitempty"`
}

type sendBodyText struct {
	Text string `json:"text"`
}

type sendAction struct {
	Button   string        `json:"button,omitempty"`
	Buttons  []sendButton  `json:"buttons,omitempty"`
	Sections []sendSection `json:"sections,omitempty"`
}

type sendButton struct {
	Type  string       `json:"type"`
	Reply sendButtonID `json:"reply"`
}

type sendButtonID struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type sendSection struct {
	Title string    `json:"title"`
	Rows  []sendRow `json:"rows"`
}

type sendRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// sendResponse is the Graph API reply; only the error matters here.
type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *APIError `json:"error,omitempty"`
}

// APIError is the Graph API error document.
type APIError struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Code      int    `json:"code"`
	FBTraceID string `json:"fbtrace_id"`
}
