package domain

import (
	"strings"
	"time"
)

// AgentFallbackReply is returned by the agent adapter when a stream produced no text.
const AgentFallbackReply = "Desculpe, não consegui gerar uma resposta agora."

// IsPlaceholderReply reports whether text carries no usable answer.
func IsPlaceholderReply(text string) bool {
	text = strings.TrimSpace(text)
	return text == "" || text == AgentFallbackReply
}

// Identity is the composite user key sent to the agent backend.
type Identity struct {
	Name  string
	Phone string
}

// Key renders the identity as "name|phone", or the bare phone when no name is known.
func (i Identity) Key() string {
	name := strings.TrimSpace(i.Name)
	if name == "" {
		return i.Phone
	}
	return name + "|" + i.Phone
}

// AgentQuery is one streamed question to the agent backend.
type AgentQuery struct {
	SessionHandle string
	Identity      Identity
	Text          string
	LastMessageAt *time.Time
}

// AgentReply is the accumulated result of a streamed query.
type AgentReply struct {
	Text string
	// SessionHandle is set when the backend reported the session it used.
	SessionHandle string
}
