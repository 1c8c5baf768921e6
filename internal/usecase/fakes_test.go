package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"agent-relay/internal/domain"
)

var errBoom = errors.New("boom")

// memStore is an in-memory stand-in for the DynamoDB repository. Every write
// checks the same preconditions the conditional expressions do.
type memStore struct {
	mu            sync.Mutex
	conversations map[string]domain.Conversation
	jobs          map[string]domain.Job
	markers       map[string]string
	history       map[string][]domain.HistoryMessage
	responses     []domain.AgentResponse
	webhookLogs   []domain.WebhookLog

	failOps map[string]error
}

func newMemStore() *memStore {
	return &memStore{
		conversations: map[string]domain.Conversation{},
		jobs:          map[string]domain.Job{},
		markers:       map[string]string{},
		history:       map[string][]domain.HistoryMessage{},
		failOps:       map[string]error{},
	}
}

func (m *memStore) failing(op string) error {
	return m.failOps[op]
}

func (m *memStore) ActiveConversation(_ context.Context, senderID string) (domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing("ActiveConversation"); err != nil {
		return domain.Conversation{}, err
	}
	var found *domain.Conversation
	for _, c := range m.conversations {
		if c.SenderID != senderID || c.Status != domain.ConversationActive {
			continue
		}
		if found == nil || c.LastMessageAt.After(found.LastMessageAt) {
			c := c
			found = &c
		}
	}
	if found == nil {
		return domain.Conversation{}, domain.ErrNotFound
	}
	return *found, nil
}

func (m *memStore) GetConversation(_ context.Context, id string) (domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return domain.Conversation{}, domain.ErrNotFound
	}
	return c, nil
}

func (m *memStore) CreateConversation(_ context.Context, conv domain.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing("CreateConversation"); err != nil {
		return err
	}
	if _, ok := m.conversations[conv.ConversationID]; ok {
		return domain.ErrPreconditionFailed
	}
	m.conversations[conv.ConversationID] = conv
	return nil
}

func (m *memStore) CloseConversation(_ context.Context, id string, closedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok || c.Status != domain.ConversationActive {
		return domain.ErrPreconditionFailed
	}
	c.Status = domain.ConversationClosed
	c.ClosedAt = &closedAt
	m.conversations[id] = c
	return nil
}

func (m *memStore) UpdateSessionHandle(_ context.Context, id, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return domain.ErrNotFound
	}
	c.SessionHandle = handle
	m.conversations[id] = c
	return nil
}

func (m *memStore) TouchLastMessage(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing("TouchLastMessage"); err != nil {
		return err
	}
	c, ok := m.conversations[id]
	if !ok {
		return domain.ErrNotFound
	}
	c.LastMessageAt = at
	m.conversations[id] = c
	return nil
}

func (m *memStore) LastMessageTimestamp(_ context.Context, id string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := append([]domain.HistoryMessage(nil), m.history[id]...)
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].CreatedAt.After(msgs[j].CreatedAt) })
	if len(msgs) < 2 {
		return nil, nil
	}
	t := msgs[1].CreatedAt
	return &t, nil
}

func (m *memStore) AppendHistory(_ context.Context, msg domain.HistoryMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing("AppendHistory"); err != nil {
		return err
	}
	for _, existing := range m.history[msg.ConversationID] {
		if existing.MessageID == msg.MessageID {
			return nil
		}
	}
	m.history[msg.ConversationID] = append(m.history[msg.ConversationID], msg)
	return nil
}

func (m *memStore) CreateJob(_ context.Context, job domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing("CreateJob"); err != nil {
		return err
	}
	if _, ok := m.markers[job.MessageID]; ok {
		return domain.ErrDuplicateMessage
	}
	if _, ok := m.jobs[job.JobID]; ok {
		return domain.ErrDuplicateMessage
	}
	m.markers[job.MessageID] = job.JobID
	m.jobs[job.JobID] = job
	return nil
}

func (m *memStore) JobIDForMessage(_ context.Context, messageID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.markers[messageID]
	if id == "" {
		return "", domain.ErrNotFound
	}
	return id, nil
}

// ReserveMessage stores a marker without a job id.
func (m *memStore) ReserveMessage(_ context.Context, messageID, _ string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing("ReserveMessage"); err != nil {
		return err
	}
	if _, ok := m.markers[messageID]; ok {
		return domain.ErrDuplicateMessage
	}
	m.markers[messageID] = ""
	return nil
}

func (m *memStore) ReleaseMessage(_ context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing("ReleaseMessage"); err != nil {
		return err
	}
	if m.markers[messageID] != "" {
		return domain.ErrPreconditionFailed
	}
	delete(m.markers, messageID)
	return nil
}

func (m *memStore) GetJob(_ context.Context, id string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing("GetJob"); err != nil {
		return domain.Job{}, err
	}
	j, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (m *memStore) ClaimJob(_ context.Context, id string, now time.Time) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || !j.Claimable() {
		return domain.Job{}, domain.ErrAlreadyClaimed
	}
	j.Status = domain.JobProcessing
	j.Attempts++
	j.Released = false
	j.StartedAt = &now
	m.jobs[id] = j
	return j, nil
}

func (m *memStore) updateProcessing(id string, fn func(*domain.Job)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != domain.JobProcessing {
		return domain.ErrPreconditionFailed
	}
	fn(&j)
	m.jobs[id] = j
	return nil
}

func (m *memStore) AttachConversation(_ context.Context, id, conversationID, handle string) error {
	return m.updateProcessing(id, func(j *domain.Job) {
		j.ConversationID = conversationID
		if handle != "" {
			j.SessionHandle = handle
		}
	})
}

func (m *memStore) SetJobSessionHandle(_ context.Context, id, handle string) error {
	return m.updateProcessing(id, func(j *domain.Job) { j.SessionHandle = handle })
}

func (m *memStore) MarkDelivered(_ context.Context, id, reply string, now time.Time) error {
	return m.updateProcessing(id, func(j *domain.Job) {
		j.ReplyText = reply
		j.DeliveredAt = &now
	})
}

func (m *memStore) CompleteJob(_ context.Context, id string, completion domain.JobCompletion, now time.Time) error {
	return m.updateProcessing(id, func(j *domain.Job) {
		j.Status = domain.JobDone
		j.FinishedAt = &now
		if completion.SessionHandle != "" {
			j.SessionHandle = completion.SessionHandle
		}
	})
}

func (m *memStore) FailJob(_ context.Context, id, reason string, maxAttempts int, now time.Time) (bool, error) {
	terminal := false
	err := m.updateProcessing(id, func(j *domain.Job) {
		j.LastError = reason
		if j.Attempts >= maxAttempts {
			j.Status = domain.JobFailed
			j.FailedAt = &now
			j.FinishedAt = &now
			terminal = true
			return
		}
		j.Released = true
	})
	return terminal, err
}

func (m *memStore) PutAgentResponse(_ context.Context, resp domain.AgentResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing("PutAgentResponse"); err != nil {
		return err
	}
	for _, existing := range m.responses {
		if existing.JobID == resp.JobID {
			return nil
		}
	}
	m.responses = append(m.responses, resp)
	return nil
}

func (m *memStore) PutWebhookLog(_ context.Context, log domain.WebhookLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing("PutWebhookLog"); err != nil {
		return err
	}
	m.webhookLogs = append(m.webhookLogs, log)
	return nil
}

func (m *memStore) jobCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

func (m *memStore) onlyJob(t *testing.T) domain.Job {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.jobs) != 1 {
		t.Fatalf("expected exactly one job, got %d", len(m.jobs))
	}
	for _, j := range m.jobs {
		return j
	}
	return domain.Job{}
}

type fakeOrders struct {
	allowed map[string]bool
	err     error
	calls   [][]string
}

func (f *fakeOrders) HasOrder(_ context.Context, phones ...string) (bool, error) {
	f.calls = append(f.calls, phones)
	if f.err != nil {
		return false, f.err
	}
	for _, p := range phones {
		if f.allowed[p] {
			return true, nil
		}
	}
	return false, nil
}

type sentMessage struct {
	To   string
	Text string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
	errs []error
}

func (f *fakeSender) Send(_ context.Context, to, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return err
		}
	}
	f.sent = append(f.sent, sentMessage{To: to, Text: text})
	return nil
}

type fakeDispatcher struct {
	published []domain.JobPointer
	err       error
}

func (f *fakeDispatcher) Publish(_ context.Context, jobID, traceID string) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, domain.JobPointer{JobID: jobID, TraceID: traceID})
	return nil
}

type fakeActivator struct {
	codes []string
	reply string
}

func (f *fakeActivator) Activate(_ context.Context, _ string, code string) (string, error) {
	f.codes = append(f.codes, code)
	return f.reply, nil
}

// fakeAgent returns replies in order; the last one repeats.
type fakeAgent struct {
	mu        sync.Mutex
	sessions  []domain.Identity
	queries   []domain.AgentQuery
	replies   []domain.AgentReply
	queryErr  error
	createErr error
}

func (f *fakeAgent) CreateSession(_ context.Context, identity domain.Identity) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.sessions = append(f.sessions, identity)
	return fmt.Sprintf("session-%d", len(f.sessions)), nil
}

func (f *fakeAgent) Query(_ context.Context, q domain.AgentQuery) (domain.AgentReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.queryErr != nil {
		return domain.AgentReply{}, f.queryErr
	}
	if len(f.replies) == 0 {
		return domain.AgentReply{Text: domain.AgentFallbackReply}, nil
	}
	reply := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return reply, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// setClock pins the package clock to *now for the duration of the test.
func setClock(t *testing.T, now *time.Time) {
	t.Helper()
	prev := clock
	clock = func() time.Time { return *now }
	t.Cleanup(func() { clock = prev })
}

// sequentialIDs replaces newUUID with prefix-1, prefix-2, ...
func sequentialIDs(t *testing.T, prefix string) {
	t.Helper()
	prev := newUUID
	var mu sync.Mutex
	n := 0
	newUUID = func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
	t.Cleanup(func() { newUUID = prev })
}
