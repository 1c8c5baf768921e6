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

// AppendHistory stores an inbound message under its conversation. Storing
// the same message id again leaves the first copy untouched.
func (c *Client) AppendHistory(ctx context.Context, msg domain.HistoryMessage) error {
	if msg.ConversationID == "" || msg.MessageID == "" {
		return errors.New("repository: AppendHistory: conversation id and message id are required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                historyItem(msg),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return nil
		}
		return fmt.Errorf("repository: AppendHistory: %w", err)
	}
	return nil
}

// LastMessageTimestamp returns the createdAt of the second-most-recent
// history message, i.e. the message before the one being answered. It
// returns nil when the conversation has fewer than two messages.
func (c *Client) LastMessageTimestamp(ctx context.Context, conversationID string) (*time.Time, error) {
	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		IndexName:              aws.String(messageTimeIndex),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": strValue(convPK(conversationID)),
		},
		ProjectionExpression: aws.String("createdAt"),
		ScanIndexForward:     aws.Bool(false),
		Limit:                aws.Int32(2),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: LastMessageTimestamp query: %w", err)
	}
	if out == nil || len(out.Items) < 2 {
		return nil, nil
	}
	t, err := timeAttr(out.Items[1], "createdAt")
	if err != nil {
		return nil, fmt.Errorf("repository: LastMessageTimestamp: %w", err)
	}
	return &t, nil
}

func historyItem(msg domain.HistoryMessage) map[string]types.AttributeValue {
	item := itemKey(convPK(msg.ConversationID), msgSK(msg.MessageID))
	item["entity"] = strValue("message")
	item["conversationId"] = strValue(msg.ConversationID)
	item["messageId"] = strValue(msg.MessageID)
	item["senderId"] = strValue(msg.SenderID)
	item["from"] = strValue(msg.From)
	item["text"] = strValue(msg.Text)
	item["createdAt"] = timeValue(msg.CreatedAt)
	return item
}
