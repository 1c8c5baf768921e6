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

// ActiveConversation returns the most recently used active conversation for
// the sender, or domain.ErrNotFound.
func (c *Client) ActiveConversation(ctx context.Context, senderID string) (domain.Conversation, error) {
	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		IndexName:              aws.String(activeSenderIndex),
		KeyConditionExpression: aws.String("activeSender = :sender"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sender": strValue(senderID),
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: ActiveConversation query: %w", err)
	}
	if out == nil || len(out.Items) == 0 {
		return domain.Conversation{}, domain.ErrNotFound
	}
	conv, err := itemToConversation(out.Items[0])
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: ActiveConversation unmarshal: %w", err)
	}
	return conv, nil
}

// GetConversation loads a conversation by id.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            itemKey(convPK(conversationID), skMeta),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Conversation{}, domain.ErrNotFound
	}
	conv, err := itemToConversation(out.Item)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation unmarshal: %w", err)
	}
	return conv, nil
}

// CreateConversation inserts a new conversation. It never overwrites.
func (c *Client) CreateConversation(ctx context.Context, conv domain.Conversation) error {
	if conv.ConversationID == "" {
		return errors.New("repository: CreateConversation: conversation id is required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                conversationItem(conv),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("repository: CreateConversation: %w", domain.ErrPreconditionFailed)
		}
		return fmt.Errorf("repository: CreateConversation: %w", err)
	}
	return nil
}

// CloseConversation moves an active conversation to closed and drops it from
// the active-sender index. Closing an already closed conversation returns
// domain.ErrPreconditionFailed.
func (c *Client) CloseConversation(ctx context.Context, conversationID string, closedAt time.Time) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 itemKey(convPK(conversationID), skMeta),
		UpdateExpression:    aws.String("SET #status = :closed, closedAt = :now REMOVE activeSender"),
		ConditionExpression: aws.String("#status = :active"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":closed": strValue(string(domain.ConversationClosed)),
			":active": strValue(string(domain.ConversationActive)),
			":now":    timeValue(closedAt),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("repository: CloseConversation: %w", domain.ErrPreconditionFailed)
		}
		return fmt.Errorf("repository: CloseConversation: %w", err)
	}
	return nil
}

// UpdateSessionHandle sets the agent session handle. Setting the same value
// twice is harmless.
func (c *Client) UpdateSessionHandle(ctx context.Context, conversationID, handle string) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 itemKey(convPK(conversationID), skMeta),
		UpdateExpression:    aws.String("SET sessionHandle = :handle"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":handle": strValue(handle),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("repository: UpdateSessionHandle: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("repository: UpdateSessionHandle: %w", err)
	}
	return nil
}

// TouchLastMessage bumps lastMessageAt. For an active conversation this also
// moves it within the active-sender index.
func (c *Client) TouchLastMessage(ctx context.Context, conversationID string, at time.Time) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 itemKey(convPK(conversationID), skMeta),
		UpdateExpression:    aws.String("SET lastMessageAt = :now"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": timeValue(at),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("repository: TouchLastMessage: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("repository: TouchLastMessage: %w", err)
	}
	return nil
}

func conversationItem(conv domain.Conversation) map[string]types.AttributeValue {
	item := itemKey(convPK(conv.ConversationID), skMeta)
	item["entity"] = strValue("conversation")
	item["conversationId"] = strValue(conv.ConversationID)
	item["senderId"] = strValue(conv.SenderID)
	item["channelId"] = strValue(conv.ChannelID)
	item["status"] = strValue(string(conv.Status))
	item["startedAt"] = timeValue(conv.StartedAt)
	item["lastMessageAt"] = timeValue(conv.LastMessageAt)
	if conv.SessionHandle != "" {
		item["sessionHandle"] = strValue(conv.SessionHandle)
	}
	if conv.ClosedAt != nil {
		item["closedAt"] = timeValue(*conv.ClosedAt)
	}
	if conv.Status == domain.ConversationActive {
		item["activeSender"] = strValue(conv.SenderID)
	}
	return item
}

func itemToConversation(item map[string]types.AttributeValue) (domain.Conversation, error) {
	id, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Conversation{}, err
	}
	sender, err := strAttr(item, "senderId")
	if err != nil {
		return domain.Conversation{}, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return domain.Conversation{}, err
	}
	startedAt, err := timeAttr(item, "startedAt")
	if err != nil {
		return domain.Conversation{}, err
	}
	lastMessageAt, err := timeAttr(item, "lastMessageAt")
	if err != nil {
		return domain.Conversation{}, err
	}
	closedAt, err := optTimeAttr(item, "closedAt")
	if err != nil {
		return domain.Conversation{}, err
	}
	return domain.Conversation{
		ConversationID: id,
		SenderID:       sender,
		ChannelID:      optStrAttr(item, "channelId"),
		SessionHandle:  optStrAttr(item, "sessionHandle"),
		Status:         domain.ConversationStatus(status),
		StartedAt:      startedAt,
		LastMessageAt:  lastMessageAt,
		ClosedAt:       closedAt,
	}, nil
}
