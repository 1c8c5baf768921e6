package usecase

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// pipeline wires ingest and worker over one in-memory store.
type pipeline struct {
	store      *memStore
	orders     *fakeOrders
	sender     *fakeSender
	dispatcher *fakeDispatcher
	agent      *fakeAgent
	jobs       *JobStore
	convs      *ConversationStore
	ingest     *IngestService
	worker     *Worker
}

func newPipeline(t *testing.T, authorized ...string) *pipeline {
	t.Helper()
	p := &pipeline{
		store:      newMemStore(),
		orders:     &fakeOrders{allowed: map[string]bool{}},
		sender:     &fakeSender{},
		dispatcher: &fakeDispatcher{},
		agent:      &fakeAgent{},
	}
	for _, phone := range authorized {
		p.orders.allowed[phone] = true
	}

	gate, err := NewAccessGate(p.orders)
	require.NoError(t, err)
	p.convs, err = NewConversationStore(p.store, "channel-1", DefaultInactivityWindow, discardLogger())
	require.NoError(t, err)
	p.jobs, err = NewJobStore(p.store, 3)
	require.NoError(t, err)

	p.ingest, err = NewIngestService(IngestDeps{
		Gate:          gate,
		Conversations: p.convs,
		Jobs:          p.jobs,
		Dispatcher:    p.dispatcher,
		Sender:        p.sender,
		WebhookLogs:   p.store,
		Logger:        discardLogger(),
		LogTTL:        24 * time.Hour,
	})
	require.NoError(t, err)

	p.worker, err = NewWorker(WorkerDeps{
		Jobs:          p.jobs,
		Conversations: p.convs,
		Agent:         p.agent,
		Sender:        p.sender,
		Responses:     p.store,
		Logger:        discardLogger(),
	})
	require.NoError(t, err)
	return p
}

// lastPointer returns the most recently published pointer as a broker body.
func (p *pipeline) lastPointer(t *testing.T) string {
	t.Helper()
	require.NotEmpty(t, p.dispatcher.published)
	raw, err := json.Marshal(p.dispatcher.published[len(p.dispatcher.published)-1])
	require.NoError(t, err)
	return string(raw)
}

func webhookBody(t *testing.T, from, messageID, text string) []byte {
	t.Helper()
	message := map[string]any{
		"from":      from,
		"id":        messageID,
		"timestamp": "1767268800",
		"type":      "text",
		"text":      map[string]any{"body": text},
	}
	event := map[string]any{
		"object": "whatsapp_business_account",
		"entry": []any{map[string]any{
			"id": "waba-1",
			"changes": []any{map[string]any{
				"field": "messages",
				"value": map[string]any{
					"messaging_product": "whatsapp",
					"metadata":          map[string]any{"phone_number_id": "channel-1"},
					"contacts":          []any{map[string]any{"profile": map[string]any{"name": "Ana"}, "wa_id": from}},
					"messages":          []any{message},
				},
			}},
		}},
	}
	raw, err := json.Marshal(event)
	require.NoError(t, err)
	return raw
}
