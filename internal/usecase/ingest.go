package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"agent-relay/internal/domain"
)

// NoAccessNotice is sent to senders without an order, once per message.
const NoAccessNotice = "Você ainda não tem acesso ao agente. Adquira seu acesso ou envie o código do seu gift card para ativar."

// Dispatcher publishes job pointers to the broker.
type Dispatcher interface {
	Publish(ctx context.Context, jobID, traceID string) error
}

// Sender delivers a text message to a channel user.
type Sender interface {
	Send(ctx context.Context, to, text string) error
}

// WebhookLogger keeps the raw audit copy of inbound events.
type WebhookLogger interface {
	PutWebhookLog(ctx context.Context, log domain.WebhookLog) error
}

// Activator redeems an activation code for a sender and returns the reply
// to send back.
type Activator interface {
	Activate(ctx context.Context, senderID, code string) (string, error)
}

type IngestOutcome string

const (
	IngestIgnored    IngestOutcome = "ignored"
	IngestDenied     IngestOutcome = "denied"
	IngestActivation IngestOutcome = "activation"
	IngestDuplicate  IngestOutcome = "duplicate"
	IngestQueued     IngestOutcome = "queued"
)

type IngestResult struct {
	Outcome IngestOutcome
	JobID   string
	TraceID string
}

type IngestDeps struct {
	Gate          *AccessGate
	Conversations *ConversationStore
	Jobs          *JobStore
	Dispatcher    Dispatcher
	Sender        Sender
	WebhookLogs   WebhookLogger
	// Activator is optional. Without one, activation-shaped text from a
	// denied sender gets the no-access notice.
	Activator Activator
	Logger    *slog.Logger
	LogTTL    time.Duration
}

// IngestService turns one inbound webhook event into at most one queued job.
type IngestService struct {
	gate          *AccessGate
	conversations *ConversationStore
	jobs          *JobStore
	dispatcher    Dispatcher
	sender        Sender
	webhookLogs   WebhookLogger
	activator     Activator
	logger        *slog.Logger
	logTTL        time.Duration
}

func NewIngestService(deps IngestDeps) (*IngestService, error) {
	if deps.Gate == nil || deps.Conversations == nil || deps.Jobs == nil {
		return nil, errors.New("usecase: gate, conversations and jobs are required")
	}
	if deps.Dispatcher == nil || deps.Sender == nil || deps.WebhookLogs == nil {
		return nil, errors.New("usecase: dispatcher, sender and webhook logger are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &IngestService{
		gate:          deps.Gate,
		conversations: deps.Conversations,
		jobs:          deps.Jobs,
		dispatcher:    deps.Dispatcher,
		sender:        deps.Sender,
		webhookLogs:   deps.WebhookLogs,
		activator:     deps.Activator,
		logger:        logger,
		logTTL:        deps.LogTTL,
	}, nil
}

// Ingest handles a raw webhook body. Events without messages are ignored.
// Errors mean the caller should answer with a failure so the channel retries.
func (s *IngestService) Ingest(ctx context.Context, raw []byte) (IngestResult, error) {
	var event domain.WebhookEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return IngestResult{}, newError(ErrorMalformedPayload, "invalid_json", err)
	}
	in, ok := event.FirstMessage()
	if !ok {
		return IngestResult{Outcome: IngestIgnored}, nil
	}
	if strings.TrimSpace(in.SenderID) == "" {
		return IngestResult{}, newError(ErrorMalformedPayload, "missing_sender", nil)
	}
	if strings.TrimSpace(in.MessageID) == "" {
		return IngestResult{}, newError(ErrorMalformedPayload, "missing_message_id", nil)
	}

	traceID := newUUID()
	text := ""
	if in.Text != nil {
		text = *in.Text
	}
	logger := s.logger.With("trace_id", traceID, "sender_id", in.SenderID, "message_id", in.MessageID)

	s.writeWebhookLog(ctx, logger, traceID, in, text, raw)

	authorized, err := s.gate.IsAuthorized(ctx, in.SenderID)
	if err != nil {
		logger.Warn("access_check_failed", "error", err.Error())
	}
	if !authorized {
		return s.deny(ctx, logger, traceID, in, text)
	}

	conv, err := s.conversations.FindOrCreate(ctx, in.SenderID)
	if err != nil {
		return IngestResult{}, err
	}
	s.conversations.AppendHistory(ctx, conv.ConversationID, in.SenderID, in.MessageID, text)

	job, err := s.jobs.CreateIfAbsent(ctx, domain.Job{
		JobID:          newUUID(),
		TraceID:        traceID,
		SenderID:       in.SenderID,
		SenderName:     in.SenderName,
		MessageID:      in.MessageID,
		Text:           text,
		ConversationID: conv.ConversationID,
		SessionHandle:  conv.SessionHandle,
	})
	if errors.Is(err, domain.ErrDuplicateMessage) {
		return s.duplicate(ctx, logger, job)
	}
	if err != nil {
		return IngestResult{}, err
	}

	if err := s.dispatcher.Publish(ctx, job.JobID, job.TraceID); err != nil {
		return IngestResult{}, newError(ErrorInternal, "dispatch_error", err)
	}
	logger.Info("job_queued", "job_id", job.JobID, "conversation_id", conv.ConversationID)
	return IngestResult{Outcome: IngestQueued, JobID: job.JobID, TraceID: job.TraceID}, nil
}

// deny answers a sender without access. The message id is reserved first so
// a redelivery is not answered twice; a failed answer releases it again.
func (s *IngestService) deny(ctx context.Context, logger *slog.Logger, traceID string, in domain.InboundMessage, text string) (IngestResult, error) {
	err := s.jobs.ReserveMessage(ctx, in.MessageID, traceID)
	if errors.Is(err, domain.ErrDuplicateMessage) {
		logger.Info("duplicate_message")
		return IngestResult{Outcome: IngestDuplicate, TraceID: traceID}, nil
	}
	if err != nil {
		return IngestResult{}, err
	}

	result, err := s.answerDenied(ctx, logger, traceID, in.SenderID, text)
	if err != nil {
		if releaseErr := s.jobs.ReleaseMessage(ctx, in.MessageID); releaseErr != nil {
			logger.Warn("message_release_failed", "error", releaseErr.Error())
		}
		return IngestResult{}, err
	}
	return result, nil
}

func (s *IngestService) answerDenied(ctx context.Context, logger *slog.Logger, traceID, senderID, text string) (IngestResult, error) {
	if s.activator != nil && IsActivationCode(text) {
		reply, err := s.activator.Activate(ctx, senderID, strings.TrimSpace(text))
		if err != nil {
			return IngestResult{}, newError(ErrorInternal, "activation_error", err)
		}
		if err := s.sender.Send(ctx, senderID, reply); err != nil {
			return IngestResult{}, deliveryError("activation_reply_error", err)
		}
		logger.Info("activation_handled")
		return IngestResult{Outcome: IngestActivation, TraceID: traceID}, nil
	}

	if err := s.sender.Send(ctx, senderID, NoAccessNotice); err != nil {
		return IngestResult{}, deliveryError("no_access_notice_error", err)
	}
	logger.Info("access_denied")
	return IngestResult{Outcome: IngestDenied, TraceID: traceID}, nil
}

// duplicate republishes a job that never left Pending, since the first
// delivery may have failed to dispatch it.
func (s *IngestService) duplicate(ctx context.Context, logger *slog.Logger, existing domain.Job) (IngestResult, error) {
	result := IngestResult{Outcome: IngestDuplicate, JobID: existing.JobID, TraceID: existing.TraceID}
	if existing.Status != domain.JobPending {
		logger.Info("duplicate_message", "job_id", existing.JobID, "status", string(existing.Status))
		return result, nil
	}
	if err := s.dispatcher.Publish(ctx, existing.JobID, existing.TraceID); err != nil {
		return IngestResult{}, newError(ErrorInternal, "dispatch_error", err)
	}
	logger.Info("duplicate_message_republished", "job_id", existing.JobID)
	return result, nil
}

func (s *IngestService) writeWebhookLog(ctx context.Context, logger *slog.Logger, traceID string, in domain.InboundMessage, text string, raw []byte) {
	now := clock()
	entry := domain.WebhookLog{
		TraceID:   traceID,
		SenderID:  in.SenderID,
		MessageID: in.MessageID,
		Text:      text,
		Payload:   json.RawMessage(raw),
		CreatedAt: now,
	}
	if s.logTTL > 0 {
		entry.TTL = now.Add(s.logTTL).Unix()
	}
	if err := s.webhookLogs.PutWebhookLog(ctx, entry); err != nil {
		logger.Warn("webhook_log_failed", "error", err.Error())
	}
}
