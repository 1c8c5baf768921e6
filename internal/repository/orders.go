package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// queryAPI is the slice of DynamoDB the order lookup needs.
type queryAPI interface {
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Orders reads the purchase table that grants access to the agent. The
// table is owned by the store front; the relay only reads it.
type Orders struct {
	api        queryAPI
	tableName  string
	phoneIndex string
}

// NewOrders creates an order lookup over tableName using a GSI whose hash
// key is phoneNumber.
func NewOrders(api queryAPI, tableName, phoneIndex string) (*Orders, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: orders table name must not be empty")
	}
	if strings.TrimSpace(phoneIndex) == "" {
		return nil, errors.New("repository: orders phone index must not be empty")
	}
	return &Orders{api: api, tableName: tableName, phoneIndex: phoneIndex}, nil
}

// HasOrder reports whether any of the phone forms has at least one order.
func (o *Orders) HasOrder(ctx context.Context, phones ...string) (bool, error) {
	seen := make(map[string]struct{}, len(phones))
	for _, phone := range phones {
		phone = strings.TrimSpace(phone)
		if phone == "" {
			continue
		}
		if _, ok := seen[phone]; ok {
			continue
		}
		seen[phone] = struct{}{}

		out, err := o.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(o.tableName),
			IndexName:              aws.String(o.phoneIndex),
			KeyConditionExpression: aws.String("phoneNumber = :phone"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":phone": strValue(phone),
			},
			Select: types.SelectCount,
			Limit:  aws.Int32(1),
		})
		if err != nil {
			return false, fmt.Errorf("repository: HasOrder query: %w", err)
		}
		if out != nil && out.Count > 0 {
			return true, nil
		}
	}
	return false, nil
}
