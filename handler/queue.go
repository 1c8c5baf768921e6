package handler

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"agent-relay/internal/usecase"
)

type MessageHandler interface {
	HandleMessage(ctx context.Context, body string) (usecase.WorkerOutcome, error)
}

// QueueHandler consumes SQS batches. Records whose work must be retried are
// reported as batch item failures so only they are redelivered.
type QueueHandler struct {
	worker MessageHandler
	logger *slog.Logger
}

func NewQueueHandler(worker MessageHandler, logger *slog.Logger) (*QueueHandler, error) {
	if worker == nil {
		return nil, errors.New("handler: worker must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueHandler{worker: worker, logger: logger}, nil
}

func (h *QueueHandler) Handle(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, record := range event.Records {
		outcome, err := h.worker.HandleMessage(ctx, record.Body)
		if err != nil {
			h.logger.Warn("queue_record_failed",
				"message_id", record.MessageId,
				"receive_count", record.Attributes["ApproximateReceiveCount"],
				"code", string(usecase.CodeOf(err)),
				"error", err.Error(),
			)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
			continue
		}
		h.logger.Info("queue_record_handled", "message_id", record.MessageId, "outcome", string(outcome))
	}
	return resp, nil
}
