package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	skMeta      = "META#"
	skPrefixMsg = "MSG#"
	skDedupe    = "DEDUPE#"
	skResponse  = "RESPONSE#"

	// activeSenderIndex is a sparse GSI: activeSender (HASH) is only present
	// while a conversation is active; lastMessageAt is the RANGE key.
	activeSenderIndex = "active-sender-index"

	// messageTimeIndex is an LSI ordering history items by createdAt.
	messageTimeIndex = "message-time-index"

	// timeLayout is fixed width so lexicographic order matches time order.
	timeLayout = "2006-01-02T15:04:05.000000000Z"

	maxMessageKeyLen = 1500
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Client wraps the relay's single DynamoDB state table. Conversations,
// history, jobs, message-id markers, agent responses and webhook logs share
// it and are told apart by key prefix.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

// Ping checks that the state table is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(c.tableName),
	})
	if err != nil {
		return fmt.Errorf("repository: Ping: %w", err)
	}
	return nil
}

func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

func jobPK(jobID string) string {
	return "JOB#" + jobID
}

func messageIDPK(messageID string) string {
	return "MSGID#" + messageID
}

func webhookPK(traceID string) string {
	return "WEBHOOK#" + traceID
}

// msgSK keys a history item by its sanitized message id so re-insertion is a no-op.
func msgSK(messageID string) string {
	return skPrefixMsg + sanitizeMessageID(messageID)
}

func sanitizeMessageID(messageID string) string {
	id := strings.ReplaceAll(messageID, "/", "_")
	if len(id) <= maxMessageKeyLen {
		return id
	}
	cut := maxMessageKeyLen
	for cut > 0 && !utf8.RuneStart(id[cut]) {
		cut--
	}
	return id[:cut]
}

func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func strValue(s string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: s}
}

func intValue(n int) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.Itoa(n)}
}

func timeValue(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: formatTime(t)}
}

func boolValue(b bool) types.AttributeValue {
	return &types.AttributeValueMemberBOOL{Value: b}
}

// isConditionFailed reports whether err is a failed ConditionExpression,
// either on a single-item write or inside a cancelled transaction.
func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		for _, r := range tce.CancellationReasons {
			if aws.ToString(r.Code) == "ConditionalCheckFailed" {
				return true
			}
		}
	}
	return false
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

// optStrAttr returns "" for absent or NULL attributes.
func optStrAttr(item map[string]types.AttributeValue, key string) string {
	s, _ := item[key].(*types.AttributeValueMemberS)
	if s == nil {
		return ""
	}
	return s.Value
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func boolAttr(item map[string]types.AttributeValue, key string) bool {
	b, _ := item[key].(*types.AttributeValueMemberBOOL)
	return b != nil && b.Value
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := parseTime(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return t, nil
}

// optTimeAttr returns nil for absent or empty attributes.
func optTimeAttr(item map[string]types.AttributeValue, key string) (*time.Time, error) {
	s := optStrAttr(item, key)
	if s == "" {
		return nil, nil
	}
	t, err := parseTime(s)
	if err != nil {
		return nil, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return &t, nil
}
