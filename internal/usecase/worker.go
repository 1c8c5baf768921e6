package usecase

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"agent-relay/internal/domain"
)

// AgentBackend is the conversational AI backend.
type AgentBackend interface {
	CreateSession(ctx context.Context, identity domain.Identity) (string, error)
	Query(ctx context.Context, q domain.AgentQuery) (domain.AgentReply, error)
}

// ResponseRecorder stores the audit record of an answered job.
type ResponseRecorder interface {
	PutAgentResponse(ctx context.Context, resp domain.AgentResponse) error
}

type WorkerOutcome string

const (
	// WorkerDone means the job was answered and completed.
	WorkerDone WorkerOutcome = "done"
	// WorkerDropped means the delivery was acknowledged without work.
	WorkerDropped WorkerOutcome = "dropped"
	// WorkerRetry means the delivery must not be acknowledged.
	WorkerRetry WorkerOutcome = "retry"
	// WorkerDeadLettered means the job reached Failed and the delivery is acknowledged.
	WorkerDeadLettered WorkerOutcome = "dead_lettered"
)

type WorkerDeps struct {
	Jobs          *JobStore
	Conversations *ConversationStore
	Agent         AgentBackend
	Sender        Sender
	Responses     ResponseRecorder
	Logger        *slog.Logger
}

// Worker consumes job pointers. Each delivery is handled independently; the
// claim is the only point of mutual exclusion between concurrent deliveries.
type Worker struct {
	jobs          *JobStore
	conversations *ConversationStore
	agent         AgentBackend
	sender        Sender
	responses     ResponseRecorder
	logger        *slog.Logger
}

func NewWorker(deps WorkerDeps) (*Worker, error) {
	if deps.Jobs == nil || deps.Conversations == nil {
		return nil, errors.New("usecase: jobs and conversations are required")
	}
	if deps.Agent == nil || deps.Sender == nil || deps.Responses == nil {
		return nil, errors.New("usecase: agent, sender and response recorder are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		jobs:          deps.Jobs,
		conversations: deps.Conversations,
		agent:         deps.Agent,
		sender:        deps.Sender,
		responses:     deps.Responses,
		logger:        logger,
	}, nil
}

// DecodePointer parses a broker body. Bodies may arrive as JSON or as
// base64-encoded JSON.
func DecodePointer(body string) (domain.JobPointer, error) {
	body = strings.TrimSpace(body)
	var ptr domain.JobPointer
	if err := json.Unmarshal([]byte(body), &ptr); err != nil {
		decoded, decodeErr := base64.StdEncoding.DecodeString(body)
		if decodeErr != nil {
			return domain.JobPointer{}, newError(ErrorMalformedPayload, "invalid_pointer", err)
		}
		if err := json.Unmarshal(decoded, &ptr); err != nil {
			return domain.JobPointer{}, newError(ErrorMalformedPayload, "invalid_pointer", err)
		}
	}
	if strings.TrimSpace(ptr.JobID) == "" {
		return domain.JobPointer{}, newError(ErrorMalformedPayload, "missing_job_id", nil)
	}
	return ptr, nil
}

// HandleMessage runs one delivery. A non-nil error comes with WorkerRetry and
// means the broker should redeliver.
func (w *Worker) HandleMessage(ctx context.Context, body string) (WorkerOutcome, error) {
	ptr, err := DecodePointer(body)
	if err != nil {
		w.logger.Warn("job_dropped", "reason", "malformed_pointer", "error", err.Error())
		return WorkerDropped, nil
	}
	logger := w.logger.With("job_id", ptr.JobID, "trace_id", ptr.TraceID)

	job, err := w.jobs.Get(ctx, ptr.JobID)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Warn("job_dropped", "reason", "job_not_found")
		return WorkerDropped, nil
	}
	if err != nil {
		return WorkerRetry, newError(ErrorStore, "job_load_error", err)
	}
	if !job.Claimable() {
		reason := "in_flight"
		if job.Terminal() {
			reason = "terminal"
		}
		logger.Info("job_dropped", "reason", reason, "status", string(job.Status))
		return WorkerDropped, nil
	}

	job, err = w.jobs.Claim(ctx, ptr.JobID)
	if errors.Is(err, domain.ErrAlreadyClaimed) {
		logger.Info("job_dropped", "reason", "already_claimed")
		return WorkerDropped, nil
	}
	if err != nil {
		return WorkerRetry, newError(ErrorStore, "job_claim_error", err)
	}
	logger = logger.With("sender_id", job.SenderID, "attempt", job.Attempts)

	if err := w.process(ctx, logger, &job); err != nil {
		deadLettered, failErr := w.jobs.Fail(ctx, job.JobID, err)
		if deadLettered {
			logger.Error("job_dead_lettered",
				"error", err.Error(),
				"code", string(CodeOf(err)),
				"attempts", job.Attempts,
				"max_attempts", w.jobs.MaxAttempts(),
			)
			return WorkerDeadLettered, nil
		}
		logger.Warn("job_attempt_failed", "error", failErr.Error(), "code", string(CodeOf(failErr)))
		return WorkerRetry, failErr
	}
	logger.Info("job_done", "conversation_id", job.ConversationID)
	return WorkerDone, nil
}

// process drives a claimed job from conversation resolution to completion.
func (w *Worker) process(ctx context.Context, logger *slog.Logger, job *domain.Job) error {
	reply := job.ReplyText
	if job.DeliveredAt == nil {
		if err := w.resolveConversation(ctx, job); err != nil {
			return err
		}
		if err := w.resolveSession(ctx, job); err != nil {
			return err
		}

		answer, err := w.answer(ctx, logger, job)
		if err != nil {
			return err
		}
		reply = answer

		if err := w.sender.Send(ctx, job.SenderID, reply); err != nil {
			return deliveryError("reply_send_error", err)
		}
		if err := w.jobs.MarkDelivered(ctx, job.JobID, reply); err != nil {
			logger.Warn("job_mark_delivered_failed", "error", err.Error())
		}
	} else {
		logger.Info("job_reply_already_delivered")
	}

	err := w.responses.PutAgentResponse(ctx, domain.AgentResponse{
		JobID:        job.JobID,
		TraceID:      job.TraceID,
		SenderID:     job.SenderID,
		Question:     job.Text,
		ResponseText: reply,
		Source:       domain.ResponseSourceAgentEngine,
		Offensive:    HasOffense(job.Text),
		Abandoned:    HasAbandonment(job.Text, reply),
		CreatedAt:    clock(),
	})
	if err != nil {
		return newError(ErrorStore, "agent_response_error", err)
	}
	w.conversations.AppendHistory(ctx, job.ConversationID, job.SenderID, job.MessageID, job.Text)

	if err := w.conversations.TouchLastMessage(ctx, job.ConversationID); err != nil {
		return err
	}
	err = w.jobs.Complete(ctx, job.JobID, domain.JobCompletion{SessionHandle: job.SessionHandle})
	if errors.Is(err, domain.ErrPreconditionFailed) {
		logger.Warn("job_complete_skipped", "reason", "not_processing")
		return nil
	}
	if err != nil {
		return newError(ErrorStore, "job_complete_error", err)
	}
	return nil
}

// resolveConversation attaches a conversation to jobs created without one.
func (w *Worker) resolveConversation(ctx context.Context, job *domain.Job) error {
	if job.ConversationID != "" {
		return nil
	}
	conv, err := w.conversations.FindOrCreate(ctx, job.SenderID)
	if err != nil {
		return err
	}
	if err := w.jobs.AttachConversation(ctx, job.JobID, conv.ConversationID, conv.SessionHandle); err != nil {
		return err
	}
	job.ConversationID = conv.ConversationID
	if job.SessionHandle == "" {
		job.SessionHandle = conv.SessionHandle
	}
	return nil
}

// resolveSession prefers the conversation's current handle and creates a
// session only when neither the job nor the conversation has one.
func (w *Worker) resolveSession(ctx context.Context, job *domain.Job) error {
	if job.SessionHandle != "" {
		return nil
	}
	conv, err := w.conversations.Get(ctx, job.ConversationID)
	if err != nil {
		return newError(ErrorStore, "conversation_load_error", err)
	}
	if conv.SessionHandle != "" {
		job.SessionHandle = conv.SessionHandle
		return w.jobs.SetSessionHandle(ctx, job.JobID, conv.SessionHandle)
	}
	return w.newSession(ctx, job)
}

func (w *Worker) newSession(ctx context.Context, job *domain.Job) error {
	handle, err := w.agent.CreateSession(ctx, identityOf(*job))
	if err != nil {
		return newError(ErrorSessionCreationFailed, "create_session_error", err)
	}
	return w.adoptSession(ctx, job, handle)
}

// adoptSession records handle on the conversation and the job.
func (w *Worker) adoptSession(ctx context.Context, job *domain.Job, handle string) error {
	if err := w.conversations.UpdateSessionHandle(ctx, job.ConversationID, handle); err != nil {
		return err
	}
	if err := w.jobs.SetSessionHandle(ctx, job.JobID, handle); err != nil {
		return err
	}
	job.SessionHandle = handle
	return nil
}

// answer queries the agent. An empty reply is taken as a broken session: one
// fresh session and one more query, whatever that returns.
func (w *Worker) answer(ctx context.Context, logger *slog.Logger, job *domain.Job) (string, error) {
	lastAt, err := w.conversations.LastMessageTimestamp(ctx, job.ConversationID)
	if err != nil {
		logger.Warn("last_message_lookup_failed", "error", err.Error())
		lastAt = nil
	}

	reply, err := w.query(ctx, job, lastAt)
	if err != nil {
		return "", err
	}
	if domain.IsPlaceholderReply(reply) {
		logger.Warn("agent_empty_reply", "session_handle", job.SessionHandle)
		if err := w.newSession(ctx, job); err != nil {
			return "", err
		}
		if reply, err = w.query(ctx, job, lastAt); err != nil {
			return "", err
		}
	}
	if strings.TrimSpace(reply) == "" {
		reply = domain.AgentFallbackReply
	}
	return reply, nil
}

func (w *Worker) query(ctx context.Context, job *domain.Job, lastAt *time.Time) (string, error) {
	reply, err := w.agent.Query(ctx, domain.AgentQuery{
		SessionHandle: job.SessionHandle,
		Identity:      identityOf(*job),
		Text:          job.Text,
		LastMessageAt: lastAt,
	})
	if err != nil {
		return "", newError(ErrorStream, "agent_query_error", err)
	}
	if reply.SessionHandle != "" && reply.SessionHandle != job.SessionHandle {
		if err := w.adoptSession(ctx, job, reply.SessionHandle); err != nil {
			return "", err
		}
	}
	return reply.Text, nil
}

func identityOf(job domain.Job) domain.Identity {
	return domain.Identity{Name: job.SenderName, Phone: job.SenderID}
}
