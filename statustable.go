package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

// minimal DynamoDB surface used by StatusTable, *dynamodb.Client satisfies it
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

var _ dynamodbAPI = (*dynamodb.Client)(nil)

// StatusWriter persists job status records.
type StatusWriter interface {
	PutStatus(ctx context.Context, rec StatusRecord) error
}

// StatusTable upserts job status records into a DynamoDB table keyed by id.
type StatusTable struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

var _ StatusWriter = (*StatusTable)(nil)

func NewStatusTable(api dynamodbAPI, tableName string) (*StatusTable, error) {
	if api == nil {
		return nil, errors.New("status table: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("status table: table name must not be empty")
	}
	return &StatusTable{api: api, tableName: tableName, now: time.Now}, nil
}

// PutStatus replaces the whole record for rec.ID. Results are only written
// when present.
func (t *StatusTable) PutStatus(ctx context.Context, rec StatusRecord) error {
	if rec.UpdatedAt == "" {
		rec.UpdatedAt = t.now().UTC().Format(time.RFC3339)
	}

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("status table: marshal job %s: %w", rec.ID, err)
	}

	if rec.Results != nil {
		av, err := marshalAttribute(rec.Results)
		if err != nil {
			return fmt.Errorf("status table: marshal results for job %s: %w", rec.ID, err)
		}
		item["results"] = av
	}

	_, err = t.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(t.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("status table: PutItem id=%s status=%s: %w", rec.ID, rec.Status, err)
	}
	return nil
}
