package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"agent-relay/internal/domain"
)

// DefaultInactivityWindow closes a conversation after 48h without messages.
const DefaultInactivityWindow = 48 * time.Hour

// ConversationRepository is the persistence ConversationStore needs.
type ConversationRepository interface {
	ActiveConversation(ctx context.Context, senderID string) (domain.Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error)
	CreateConversation(ctx context.Context, conv domain.Conversation) error
	CloseConversation(ctx context.Context, conversationID string, closedAt time.Time) error
	UpdateSessionHandle(ctx context.Context, conversationID, handle string) error
	TouchLastMessage(ctx context.Context, conversationID string, at time.Time) error
	LastMessageTimestamp(ctx context.Context, conversationID string) (*time.Time, error)
	AppendHistory(ctx context.Context, msg domain.HistoryMessage) error
}

// ConversationStore owns conversation lifecycle and session handle assignment.
//
// FindOrCreate is a read-then-write: two concurrent first messages from one
// sender may both create a conversation. Jobs are keyed by message id, so the
// result is a duplicate conversation, not a lost or doubled answer.
type ConversationStore struct {
	repo      ConversationRepository
	channelID string
	window    time.Duration
	logger    *slog.Logger
}

func NewConversationStore(repo ConversationRepository, channelID string, window time.Duration, logger *slog.Logger) (*ConversationStore, error) {
	if repo == nil {
		return nil, errors.New("usecase: conversation repository must not be nil")
	}
	if strings.TrimSpace(channelID) == "" {
		return nil, errors.New("usecase: channel id must not be empty")
	}
	if window <= 0 {
		window = DefaultInactivityWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationStore{repo: repo, channelID: channelID, window: window, logger: logger}, nil
}

// FindOrCreate returns the sender's active conversation, closing it first
// when it has been idle longer than the inactivity window.
func (s *ConversationStore) FindOrCreate(ctx context.Context, senderID string) (domain.Conversation, error) {
	now := clock()
	conv, err := s.repo.ActiveConversation(ctx, senderID)
	switch {
	case err == nil:
		if !conv.Expired(now, s.window) {
			return conv, nil
		}
		if err := s.repo.CloseConversation(ctx, conv.ConversationID, now); err != nil && !errors.Is(err, domain.ErrPreconditionFailed) {
			return domain.Conversation{}, newError(ErrorStore, "conversation_close_error", err)
		}
		s.logger.Info("conversation_expired",
			"conversation_id", conv.ConversationID,
			"sender_id", senderID,
			"idle", now.Sub(conv.LastMessageAt).String(),
		)
	case errors.Is(err, domain.ErrNotFound):
	default:
		return domain.Conversation{}, newError(ErrorStore, "conversation_lookup_error", err)
	}

	created := domain.Conversation{
		ConversationID: newUUID(),
		SenderID:       senderID,
		ChannelID:      s.channelID,
		Status:         domain.ConversationActive,
		StartedAt:      now,
		LastMessageAt:  now,
	}
	if err := s.repo.CreateConversation(ctx, created); err != nil {
		return domain.Conversation{}, newError(ErrorStore, "conversation_create_error", err)
	}
	return created, nil
}

// Get loads a conversation by id.
func (s *ConversationStore) Get(ctx context.Context, conversationID string) (domain.Conversation, error) {
	return s.repo.GetConversation(ctx, conversationID)
}

func (s *ConversationStore) UpdateSessionHandle(ctx context.Context, conversationID, handle string) error {
	if err := s.repo.UpdateSessionHandle(ctx, conversationID, handle); err != nil {
		return newError(ErrorStore, "conversation_session_error", err)
	}
	return nil
}

// TouchLastMessage bumps lastMessageAt to now.
func (s *ConversationStore) TouchLastMessage(ctx context.Context, conversationID string) error {
	if err := s.repo.TouchLastMessage(ctx, conversationID, clock()); err != nil {
		return newError(ErrorStore, "conversation_touch_error", err)
	}
	return nil
}

// LastMessageTimestamp returns when the sender's previous message arrived.
func (s *ConversationStore) LastMessageTimestamp(ctx context.Context, conversationID string) (*time.Time, error) {
	return s.repo.LastMessageTimestamp(ctx, conversationID)
}

// AppendHistory stores the inbound text. Failures are logged, not returned:
// history is secondary data.
func (s *ConversationStore) AppendHistory(ctx context.Context, conversationID, senderID, messageID, text string) {
	err := s.repo.AppendHistory(ctx, domain.HistoryMessage{
		ConversationID: conversationID,
		MessageID:      messageID,
		SenderID:       senderID,
		From:           "user",
		Text:           text,
		CreatedAt:      clock(),
	})
	if err != nil {
		s.logger.Warn("history_append_failed",
			"conversation_id", conversationID,
			"message_id", messageID,
			"error", err.Error(),
		)
	}
}
