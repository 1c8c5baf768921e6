package domain

import "time"

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobDone       JobStatus = "done"
	JobFailed     JobStatus = "failed"
)

// Job is one unit of "answer this inbound message" work.
//
// Status only moves forward. A Processing job whose attempt failed below the
// retry bound is marked Released so the next broker delivery may claim it
// again without moving the status backward.
type Job struct {
	JobID          string
	TraceID        string
	SenderID       string
	SenderName     string
	MessageID      string
	Text           string
	ConversationID string
	SessionHandle  string
	Status         JobStatus
	Attempts       int
	Released       bool
	CreatedAt      time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
	FailedAt       *time.Time
	LastError      string
	// ReplyText and DeliveredAt are set once the reply reached the sender,
	// so a retried attempt does not answer twice.
	ReplyText   string
	DeliveredAt *time.Time
}

// Claimable reports whether a claim may take the job.
func (j Job) Claimable() bool {
	return j.Status == JobPending || (j.Status == JobProcessing && j.Released)
}

// Terminal reports whether the job reached Done or Failed.
func (j Job) Terminal() bool {
	return j.Status == JobDone || j.Status == JobFailed
}

// JobPointer is the broker message body. It carries no business data.
type JobPointer struct {
	JobID   string `json:"jobId"`
	TraceID string `json:"traceId"`
}

// JobCompletion holds the fields written when a job reaches Done.
type JobCompletion struct {
	SessionHandle string
}
