package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type SQSClientInterface interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

var _ SQSClientInterface = (*sqs.Client)(nil)

// resolveQueueURL looks up the URL of the queue called name
func resolveQueueURL(ctx context.Context, client SQSClientInterface, name string) (string, error) {
	if name == "" {
		return "", errors.New("queue name is required")
	}
	out, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		return "", fmt.Errorf("get url of queue %s: %w", name, err)
	}
	if out == nil || out.QueueUrl == nil {
		return "", fmt.Errorf("get url of queue %s: empty response", name)
	}
	return *out.QueueUrl, nil
}

func jobFromSQS(msg types.Message) Job {
	var id *string
	if attr, ok := msg.MessageAttributes[jobIDAttribute]; ok {
		id = attr.StringValue
	}
	return Job{
		ID:        jobIDFromAttribute(id),
		MessageID: aws.ToString(msg.MessageId),
		Body:      aws.ToString(msg.Body),
	}
}
