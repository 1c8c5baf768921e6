package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"agent-relay/internal/domain"
)

// sqsAPI is the minimal SQS interface required by Dispatcher.
// *sqs.Client from aws-sdk-go-v2 satisfies this interface.
type sqsAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Dispatcher publishes job pointers to the worker queue.
type Dispatcher struct {
	api      sqsAPI
	queueURL string
}

// New creates a Dispatcher for queueURL.
func New(api sqsAPI, queueURL string) (*Dispatcher, error) {
	if api == nil {
		return nil, errors.New("queue: api must not be nil")
	}
	queueURL = strings.TrimSpace(queueURL)
	if queueURL == "" {
		return nil, errors.New("queue: queue url must not be empty")
	}
	return &Dispatcher{api: api, queueURL: queueURL}, nil
}

// Publish sends {jobId, traceId}. The worker loads everything else from the
// job store, so no message content travels through the queue.
func (d *Dispatcher) Publish(ctx context.Context, jobID, traceID string) error {
	if jobID == "" {
		return errors.New("queue: job id is required")
	}
	body, err := json.Marshal(domain.JobPointer{JobID: jobID, TraceID: traceID})
	if err != nil {
		return fmt.Errorf("queue: marshal pointer: %w", err)
	}
	_, err = d.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(d.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"traceId": {DataType: aws.String("String"), StringValue: aws.String(traceID)},
		},
	})
	if err != nil {
		return fmt.Errorf("queue: publish job %s: %w", jobID, err)
	}
	return nil
}

// Ping checks that the queue is reachable.
func (d *Dispatcher) Ping(ctx context.Context) error {
	_, err := d.api.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(d.queueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return fmt.Errorf("queue: Ping: %w", err)
	}
	return nil
}
