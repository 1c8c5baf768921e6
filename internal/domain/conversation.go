package domain

import "time"

type ConversationStatus string

const (
	ConversationActive ConversationStatus = "active"
	ConversationClosed ConversationStatus = "closed"
)

// Conversation is a bounded-lifetime grouping of exchanges with one sender.
// It owns the agent session handle for that window.
type Conversation struct {
	ConversationID string
	SenderID       string
	ChannelID      string
	SessionHandle  string
	Status         ConversationStatus
	StartedAt      time.Time
	LastMessageAt  time.Time
	ClosedAt       *time.Time
}

// Expired reports whether the conversation has been idle for longer than window.
func (c Conversation) Expired(now time.Time, window time.Duration) bool {
	return now.Sub(c.LastMessageAt) > window
}

// HistoryMessage is an inbound user message stored under its conversation.
type HistoryMessage struct {
	ConversationID string
	MessageID      string
	SenderID       string
	From           string
	Text           string
	CreatedAt      time.Time
}
