package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"agent-relay/internal/domain"
)

// CreateJob writes the job together with a marker keyed by its message id in
// one transaction. A second job for the same message id fails with
// domain.ErrDuplicateMessage and writes nothing.
func (c *Client) CreateJob(ctx context.Context, job domain.Job) error {
	if job.JobID == "" || job.MessageID == "" {
		return errors.New("repository: CreateJob: job id and message id are required")
	}
	marker := itemKey(messageIDPK(job.MessageID), skDedupe)
	marker["jobId"] = strValue(job.JobID)
	marker["createdAt"] = timeValue(job.CreatedAt)

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                marker,
					ConditionExpression: aws.String("attribute_not_exists(PK)"),
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                jobItem(job),
					ConditionExpression: aws.String("attribute_not_exists(PK)"),
				},
			},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("repository: CreateJob: %w", domain.ErrDuplicateMessage)
		}
		return fmt.Errorf("repository: CreateJob: %w", err)
	}
	return nil
}

// JobIDForMessage resolves the job created for an inbound message id.
func (c *Client) JobIDForMessage(ctx context.Context, messageID string) (string, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            itemKey(messageIDPK(messageID), skDedupe),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("repository: JobIDForMessage get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return "", domain.ErrNotFound
	}
	// markers written by ReserveMessage carry no job
	id := optStrAttr(out.Item, "jobId")
	if id == "" {
		return "", domain.ErrNotFound
	}
	return id, nil
}

// ReserveMessage writes the marker for a message that is answered without a
// job. Any existing marker, with or without a job, fails with
// domain.ErrDuplicateMessage.
func (c *Client) ReserveMessage(ctx context.Context, messageID, traceID string, at time.Time) error {
	if messageID == "" {
		return errors.New("repository: ReserveMessage: message id is required")
	}
	marker := itemKey(messageIDPK(messageID), skDedupe)
	marker["traceId"] = strValue(traceID)
	marker["createdAt"] = timeValue(at)

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                marker,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("repository: ReserveMessage: %w", domain.ErrDuplicateMessage)
		}
		return fmt.Errorf("repository: ReserveMessage: %w", err)
	}
	return nil
}

// ReleaseMessage removes a marker written by ReserveMessage. Markers that
// point at a job are never removed.
func (c *Client) ReleaseMessage(ctx context.Context, messageID string) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 itemKey(messageIDPK(messageID), skDedupe),
		ConditionExpression: aws.String("attribute_not_exists(jobId)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("repository: ReleaseMessage: %w", domain.ErrPreconditionFailed)
		}
		return fmt.Errorf("repository: ReleaseMessage: %w", err)
	}
	return nil
}

// GetJob loads a job by id with a strongly consistent read.
func (c *Client) GetJob(ctx context.Context, jobID string) (domain.Job, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            itemKey(jobPK(jobID), skMeta),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Job{}, fmt.Errorf("repository: GetJob get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Job{}, domain.ErrNotFound
	}
	job, err := itemToJob(out.Item)
	if err != nil {
		return domain.Job{}, fmt.Errorf("repository: GetJob unmarshal: %w", err)
	}
	return job, nil
}

// ClaimJob takes a claimable job into Processing and counts the attempt.
// Exactly one of several concurrent claims succeeds; the rest get
// domain.ErrAlreadyClaimed.
func (c *Client) ClaimJob(ctx context.Context, jobID string, now time.Time) (domain.Job, error) {
	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 itemKey(jobPK(jobID), skMeta),
		UpdateExpression:    aws.String("SET #status = :processing, attempts = attempts + :one, startedAt = :now, released = :false"),
		ConditionExpression: aws.String("#status = :pending OR (#status = :processing AND released = :true)"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pending":    strValue(string(domain.JobPending)),
			":processing": strValue(string(domain.JobProcessing)),
			":one":        intValue(1),
			":now":        timeValue(now),
			":true":       boolValue(true),
			":false":      boolValue(false),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionFailed(err) {
			return domain.Job{}, fmt.Errorf("repository: ClaimJob: %w", domain.ErrAlreadyClaimed)
		}
		return domain.Job{}, fmt.Errorf("repository: ClaimJob: %w", err)
	}
	job, err := itemToJob(out.Attributes)
	if err != nil {
		return domain.Job{}, fmt.Errorf("repository: ClaimJob unmarshal: %w", err)
	}
	return job, nil
}

// AttachConversation records the conversation (and its session handle, when
// known) on a job that was created without one.
func (c *Client) AttachConversation(ctx context.Context, jobID, conversationID, sessionHandle string) error {
	expr := "SET conversationId = :conv"
	values := map[string]types.AttributeValue{
		":conv":       strValue(conversationID),
		":processing": strValue(string(domain.JobProcessing)),
	}
	if sessionHandle != "" {
		expr += ", sessionHandle = :handle"
		values[":handle"] = strValue(sessionHandle)
	}
	return c.updateProcessingJob(ctx, "AttachConversation", jobID, expr, values)
}

// SetJobSessionHandle records the session handle used for a job.
func (c *Client) SetJobSessionHandle(ctx context.Context, jobID, handle string) error {
	return c.updateProcessingJob(ctx, "SetJobSessionHandle", jobID, "SET sessionHandle = :handle", map[string]types.AttributeValue{
		":handle":     strValue(handle),
		":processing": strValue(string(domain.JobProcessing)),
	})
}

// MarkDelivered records that the reply was sent for a Processing job.
func (c *Client) MarkDelivered(ctx context.Context, jobID, replyText string, now time.Time) error {
	return c.updateProcessingJob(ctx, "MarkDelivered", jobID, "SET replyText = :reply, deliveredAt = :now", map[string]types.AttributeValue{
		":reply":      strValue(replyText),
		":now":        timeValue(now),
		":processing": strValue(string(domain.JobProcessing)),
	})
}

// CompleteJob moves a Processing job to Done.
func (c *Client) CompleteJob(ctx context.Context, jobID string, completion domain.JobCompletion, now time.Time) error {
	expr := "SET #status = :done, finishedAt = :now"
	values := map[string]types.AttributeValue{
		":done":       strValue(string(domain.JobDone)),
		":now":        timeValue(now),
		":processing": strValue(string(domain.JobProcessing)),
	}
	if completion.SessionHandle != "" {
		expr += ", sessionHandle = :handle"
		values[":handle"] = strValue(completion.SessionHandle)
	}
	return c.updateProcessingJob(ctx, "CompleteJob", jobID, expr, values)
}

// FailJob records a failed attempt. When attempts reached maxAttempts the job
// becomes Failed and terminal is true. Otherwise the job stays Processing,
// is released for the next delivery, and terminal is false.
func (c *Client) FailJob(ctx context.Context, jobID, reason string, maxAttempts int, now time.Time) (terminal bool, err error) {
	_, err = c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 itemKey(jobPK(jobID), skMeta),
		UpdateExpression:    aws.String("SET #status = :failed, lastError = :reason, failedAt = :now, finishedAt = :now"),
		ConditionExpression: aws.String("#status = :processing AND attempts >= :max"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":failed":     strValue(string(domain.JobFailed)),
			":processing": strValue(string(domain.JobProcessing)),
			":reason":     strValue(reason),
			":now":        timeValue(now),
			":max":        intValue(maxAttempts),
		},
	})
	if err == nil {
		return true, nil
	}
	if !isConditionFailed(err) {
		return false, fmt.Errorf("repository: FailJob dead-letter: %w", err)
	}

	err = c.updateProcessingJob(ctx, "FailJob", jobID, "SET released = :true, lastError = :reason", map[string]types.AttributeValue{
		":true":       boolValue(true),
		":reason":     strValue(reason),
		":processing": strValue(string(domain.JobProcessing)),
	})
	if err != nil {
		return false, err
	}
	return false, nil
}

// updateProcessingJob applies expr only while the job is Processing.
func (c *Client) updateProcessingJob(ctx context.Context, op, jobID, expr string, values map[string]types.AttributeValue) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 itemKey(jobPK(jobID), skMeta),
		UpdateExpression:    aws.String(expr),
		ConditionExpression: aws.String("#status = :processing"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("repository: %s: %w", op, domain.ErrPreconditionFailed)
		}
		return fmt.Errorf("repository: %s: %w", op, err)
	}
	return nil
}

func jobItem(job domain.Job) map[string]types.AttributeValue {
	item := itemKey(jobPK(job.JobID), skMeta)
	item["entity"] = strValue("job")
	item["jobId"] = strValue(job.JobID)
	item["traceId"] = strValue(job.TraceID)
	item["senderId"] = strValue(job.SenderID)
	item["messageId"] = strValue(job.MessageID)
	item["text"] = strValue(job.Text)
	item["status"] = strValue(string(job.Status))
	item["attempts"] = intValue(job.Attempts)
	item["released"] = boolValue(job.Released)
	item["createdAt"] = timeValue(job.CreatedAt)
	if job.SenderName != "" {
		item["senderName"] = strValue(job.SenderName)
	}
	if job.ConversationID != "" {
		item["conversationId"] = strValue(job.ConversationID)
	}
	if job.SessionHandle != "" {
		item["sessionHandle"] = strValue(job.SessionHandle)
	}
	return item
}

func itemToJob(item map[string]types.AttributeValue) (domain.Job, error) {
	id, err := strAttr(item, "jobId")
	if err != nil {
		return domain.Job{}, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return domain.Job{}, err
	}
	attempts, err := intAttr(item, "attempts")
	if err != nil {
		return domain.Job{}, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Job{}, err
	}
	job := domain.Job{
		JobID:          id,
		TraceID:        optStrAttr(item, "traceId"),
		SenderID:       optStrAttr(item, "senderId"),
		SenderName:     optStrAttr(item, "senderName"),
		MessageID:      optStrAttr(item, "messageId"),
		Text:           optStrAttr(item, "text"),
		ConversationID: optStrAttr(item, "conversationId"),
		SessionHandle:  optStrAttr(item, "sessionHandle"),
		Status:         domain.JobStatus(status),
		Attempts:       attempts,
		Released:       boolAttr(item, "released"),
		CreatedAt:      createdAt,
		LastError:      optStrAttr(item, "lastError"),
		ReplyText:      optStrAttr(item, "replyText"),
	}
	if job.StartedAt, err = optTimeAttr(item, "startedAt"); err != nil {
		return domain.Job{}, err
	}
	if job.FinishedAt, err = optTimeAttr(item, "finishedAt"); err != nil {
		return domain.Job{}, err
	}
	if job.FailedAt, err = optTimeAttr(item, "failedAt"); err != nil {
		return domain.Job{}, err
	}
	if job.DeliveredAt, err = optTimeAttr(item, "deliveredAt"); err != nil {
		return domain.Job{}, err
	}
	return job, nil
}
