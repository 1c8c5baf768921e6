package usecase

import (
	"context"
	"errors"
	"time"

	"agent-relay/internal/domain"
)

// DefaultMaxAttempts bounds how many claims a job gets before it is dead-lettered.
const DefaultMaxAttempts = 3

// JobRepository is the persistence JobStore needs.
type JobRepository interface {
	CreateJob(ctx context.Context, job domain.Job) error
	JobIDForMessage(ctx context.Context, messageID string) (string, error)
	ReserveMessage(ctx context.Context, messageID, traceID string, at time.Time) error
	ReleaseMessage(ctx context.Context, messageID string) error
	GetJob(ctx context.Context, jobID string) (domain.Job, error)
	ClaimJob(ctx context.Context, jobID string, now time.Time) (domain.Job, error)
	AttachConversation(ctx context.Context, jobID, conversationID, sessionHandle string) error
	SetJobSessionHandle(ctx context.Context, jobID, handle string) error
	MarkDelivered(ctx context.Context, jobID, replyText string, now time.Time) error
	CompleteJob(ctx context.Context, jobID string, completion domain.JobCompletion, now time.Time) error
	FailJob(ctx context.Context, jobID, reason string, maxAttempts int, now time.Time) (bool, error)
}

// JobStore owns the job lifecycle:
//
//	Pending              --claim-->    Processing (attempts+1)
//	Processing, released --claim-->    Processing (attempts+1)
//	Processing           --complete--> Done
//	Processing           --fail-->     Processing, released   (attempts < max)
//	Processing           --fail-->     Failed                 (attempts >= max)
type JobStore struct {
	repo        JobRepository
	maxAttempts int
}

func NewJobStore(repo JobRepository, maxAttempts int) (*JobStore, error) {
	if repo == nil {
		return nil, errors.New("usecase: job repository must not be nil")
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &JobStore{repo: repo, maxAttempts: maxAttempts}, nil
}

// MaxAttempts returns the retry bound.
func (s *JobStore) MaxAttempts() int {
	return s.maxAttempts
}

// CreateIfAbsent inserts a Pending job for in. When a job already exists for
// the message id it returns that job and domain.ErrDuplicateMessage. A message
// that was answered without a job returns a zero Job and the same error.
func (s *JobStore) CreateIfAbsent(ctx context.Context, job domain.Job) (domain.Job, error) {
	job.Status = domain.JobPending
	job.Attempts = 0
	job.Released = false
	if job.CreatedAt.IsZero() {
		job.CreatedAt = clock()
	}

	err := s.repo.CreateJob(ctx, job)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, domain.ErrDuplicateMessage) {
		return domain.Job{}, newError(ErrorStore, "job_create_error", err)
	}

	existingID, lookupErr := s.repo.JobIDForMessage(ctx, job.MessageID)
	if errors.Is(lookupErr, domain.ErrNotFound) {
		return domain.Job{}, domain.ErrDuplicateMessage
	}
	if lookupErr != nil {
		return domain.Job{}, newError(ErrorStore, "job_dedupe_lookup_error", lookupErr)
	}
	existing, getErr := s.repo.GetJob(ctx, existingID)
	if getErr != nil {
		return domain.Job{}, newError(ErrorStore, "job_dedupe_lookup_error", getErr)
	}
	return existing, domain.ErrDuplicateMessage
}

// ReserveMessage records that a message is being answered without a job.
// A message seen before returns domain.ErrDuplicateMessage.
func (s *JobStore) ReserveMessage(ctx context.Context, messageID, traceID string) error {
	err := s.repo.ReserveMessage(ctx, messageID, traceID, clock())
	if err == nil || errors.Is(err, domain.ErrDuplicateMessage) {
		return err
	}
	return newError(ErrorStore, "message_reserve_error", err)
}

// ReleaseMessage drops a reservation so the next delivery is answered again.
func (s *JobStore) ReleaseMessage(ctx context.Context, messageID string) error {
	if err := s.repo.ReleaseMessage(ctx, messageID); err != nil {
		return newError(ErrorStore, "message_release_error", err)
	}
	return nil
}

// Get loads a job. A missing job returns domain.ErrNotFound.
func (s *JobStore) Get(ctx context.Context, jobID string) (domain.Job, error) {
	return s.repo.GetJob(ctx, jobID)
}

// Claim moves a claimable job into Processing. Losing a race returns
// domain.ErrAlreadyClaimed.
func (s *JobStore) Claim(ctx context.Context, jobID string) (domain.Job, error) {
	return s.repo.ClaimJob(ctx, jobID, clock())
}

func (s *JobStore) AttachConversation(ctx context.Context, jobID, conversationID, sessionHandle string) error {
	if err := s.repo.AttachConversation(ctx, jobID, conversationID, sessionHandle); err != nil {
		return newError(ErrorStore, "job_conversation_error", err)
	}
	return nil
}

func (s *JobStore) SetSessionHandle(ctx context.Context, jobID, handle string) error {
	if err := s.repo.SetJobSessionHandle(ctx, jobID, handle); err != nil {
		return newError(ErrorStore, "job_session_error", err)
	}
	return nil
}

func (s *JobStore) MarkDelivered(ctx context.Context, jobID, replyText string) error {
	return s.repo.MarkDelivered(ctx, jobID, replyText, clock())
}

// Complete moves a Processing job to Done.
func (s *JobStore) Complete(ctx context.Context, jobID string, completion domain.JobCompletion) error {
	return s.repo.CompleteJob(ctx, jobID, completion, clock())
}

// Fail records cause against the job. It returns deadLettered=true and a nil
// error once attempts reached the bound, or right away when cause is not
// retryable. Otherwise it returns cause so the caller leaves the delivery
// unacknowledged and the broker retries.
func (s *JobStore) Fail(ctx context.Context, jobID string, cause error) (deadLettered bool, err error) {
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}
	bound := s.maxAttempts
	if cause != nil && !IsRetryable(cause) {
		bound = 0
	}
	terminal, err := s.repo.FailJob(ctx, jobID, reason, bound, clock())
	if err != nil {
		return false, newError(ErrorStore, "job_fail_error", errors.Join(cause, err))
	}
	if terminal {
		return true, nil
	}
	return false, cause
}
