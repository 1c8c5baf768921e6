package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"agent-relay/internal/domain"
)

// PutAgentResponse appends the audit record for a job. The record lives next
// to the job and is written at most once.
func (c *Client) PutAgentResponse(ctx context.Context, resp domain.AgentResponse) error {
	if resp.JobID == "" {
		return errors.New("repository: PutAgentResponse: job id is required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                responseItem(resp),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return nil
		}
		return fmt.Errorf("repository: PutAgentResponse: %w", err)
	}
	return nil
}

func responseItem(resp domain.AgentResponse) map[string]types.AttributeValue {
	item := itemKey(jobPK(resp.JobID), skResponse)
	item["entity"] = strValue("agent_response")
	item["jobId"] = strValue(resp.JobID)
	item["traceId"] = strValue(resp.TraceID)
	item["senderId"] = strValue(resp.SenderID)
	item["question"] = strValue(resp.Question)
	item["responseText"] = strValue(resp.ResponseText)
	item["source"] = strValue(resp.Source)
	item["offensive"] = boolValue(resp.Offensive)
	item["abandoned"] = boolValue(resp.Abandoned)
	item["createdAt"] = timeValue(resp.CreatedAt)
	return item
}
