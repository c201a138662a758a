package main

import (
	"context"
	"errors"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog/log"
)

// runs jobs delivered by an SQS event source mapping. Lambda deletes the batch
// itself, records that fail are reported back so only they are redelivered.
// The function needs ReportBatchItemFailures enabled on its event source.
type LambdaHandler struct {
	handler *JobHandler
}

func NewLambdaHandler(handler *JobHandler) (*LambdaHandler, error) {
	if handler == nil {
		return nil, errors.New("job handler is required")
	}
	return &LambdaHandler{handler: handler}, nil
}

func (lh *LambdaHandler) Handle(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse

	for _, record := range event.Records {
		job := jobFromLambda(record)
		if err := lh.handler.Handle(ctx, job); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Str("message_id", job.MessageID).Msg("Job failed, reporting batch item failure")
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{
				ItemIdentifier: record.MessageId,
			})
		}
	}

	log.Debug().
		Int("records", len(event.Records)).
		Int("failed", len(resp.BatchItemFailures)).
		Msg("SQS batch processed")
	return resp, nil
}

func jobFromLambda(record events.SQSMessage) Job {
	var id *string
	if attr, ok := record.MessageAttributes[jobIDAttribute]; ok {
		id = attr.StringValue
	}
	return Job{
		ID:        jobIDFromAttribute(id),
		MessageID: record.MessageId,
		Body:      record.Body,
	}
}
