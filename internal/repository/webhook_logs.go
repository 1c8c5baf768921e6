package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"agent-relay/internal/domain"
)

const defaultWebhookLogTTL = 30 * 24 * time.Hour

// WebhookLogTTL returns the expiry epoch for a log written at now.
func WebhookLogTTL(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		ttl = defaultWebhookLogTTL
	}
	return now.Add(ttl).Unix()
}

// PutWebhookLog stores the raw webhook body for auditing. A zero TTL gets
// the default retention.
func (c *Client) PutWebhookLog(ctx context.Context, log domain.WebhookLog) error {
	if log.TTL == 0 {
		log.TTL = WebhookLogTTL(log.CreatedAt, 0)
	}
	item := itemKey(webhookPK(log.TraceID), skMeta)
	item["entity"] = strValue("webhook_log")
	item["traceId"] = strValue(log.TraceID)
	item["senderId"] = strValue(log.SenderID)
	item["messageId"] = strValue(log.MessageID)
	item["text"] = strValue(log.Text)
	item["payload"] = strValue(string(log.Payload))
	item["createdAt"] = timeValue(log.CreatedAt)
	item["ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(log.TTL, 10)}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("repository: PutWebhookLog: %w", err)
	}
	return nil
}
