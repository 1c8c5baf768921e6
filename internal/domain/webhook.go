package domain

import (
	"encoding/json"
	"time"
)

// WebhookEvent is the subset of the channel's webhook envelope the relay reads.
type WebhookEvent struct {
	Object string         `json:"object"`
	Entry  []WebhookEntry `json:"entry"`
}

type WebhookEntry struct {
	ID      string          `json:"id"`
	Changes []WebhookChange `json:"changes"`
}

type WebhookChange struct {
	Field string       `json:"field"`
	Value WebhookValue `json:"value"`
}

type WebhookValue struct {
	MessagingProduct string `json:"messaging_product"`
	Metadata         struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
		WaID string `json:"wa_id"`
	} `json:"contacts"`
	Messages []struct {
		From      string `json:"from"`
		ID        string `json:"id"`
		Timestamp string `json:"timestamp"`
		Type      string `json:"type"`
		Text      *struct {
			Body string `json:"body"`
		} `json:"text"`
	} `json:"messages"`
}

// InboundMessage is the message extracted from a webhook event.
type InboundMessage struct {
	SenderID   string
	SenderName string
	MessageID  string
	ChannelID  string
	// Text is nil for non-text messages (media, reactions).
	Text *string
}

// FirstMessage returns the first message of the first change of the first
// entry. Events without messages (status and read receipts) return false.
func (e WebhookEvent) FirstMessage() (InboundMessage, bool) {
	if len(e.Entry) == 0 || len(e.Entry[0].Changes) == 0 {
		return InboundMessage{}, false
	}
	value := e.Entry[0].Changes[0].Value
	if len(value.Messages) == 0 {
		return InboundMessage{}, false
	}
	m := value.Messages[0]
	in := InboundMessage{
		SenderID:  m.From,
		MessageID: m.ID,
		ChannelID: value.Metadata.PhoneNumberID,
	}
	if m.Text != nil {
		body := m.Text.Body
		in.Text = &body
	}
	if len(value.Contacts) > 0 {
		in.SenderName = value.Contacts[0].Profile.Name
	}
	return in, true
}

// WebhookLog is the raw audit copy of a message-bearing webhook.
type WebhookLog struct {
	TraceID   string
	SenderID  string
	MessageID string
	Text      string
	Payload   json.RawMessage
	CreatedAt time.Time
	TTL       int64
}
