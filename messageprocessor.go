package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog/log"
)

// how long dedup entries are kept, well past the queue's retention period
const dedupRetention = 7 * 24 * time.Hour

type ProcessorConfig struct {
	QueueURL        string
	WaitTimeSeconds int32
	ContinueOnError bool          // log failed jobs and keep polling instead of stopping
	StatsInterval   time.Duration // 0 disables queue stats
}

// polls one queue and runs each message through the job handler, one at a time
type MessageProcessor struct {
	config     ProcessorConfig
	sqsClient  SQSClientInterface
	handler    *JobHandler
	dedupStore DeduplicationStore
	ctx        context.Context
	cancel     context.CancelFunc
}

func NewMessageProcessor(config ProcessorConfig, sqsClient SQSClientInterface, handler *JobHandler) (*MessageProcessor, error) {
	if config.QueueURL == "" {
		return nil, errors.New("queue url is required")
	}
	if sqsClient == nil || handler == nil {
		return nil, errors.New("sqs client and job handler are required")
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &MessageProcessor{
		config:     config,
		sqsClient:  sqsClient,
		handler:    handler,
		dedupStore: handler.dedupStore,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start blocks until Stop is called or a job fails. The returned error is the
// failure that stopped the loop, nil after Stop.
func (mp *MessageProcessor) Start() error {
	log.Info().Str("queue_url", mp.config.QueueURL).Msg("Worker started, polling queue")

	if mp.config.StatsInterval > 0 {
		go mp.monitorQueueStats()
	}
	if mp.dedupStore != nil {
		go mp.cleanupDeduplicationStore()
	}

	return mp.pollSQS()
}

func (mp *MessageProcessor) Stop() {
	log.Info().Msg("Stopping message processor")
	mp.cancel()
}

func (mp *MessageProcessor) cleanupDeduplicationStore() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := mp.dedupStore.Cleanup(mp.ctx, dedupRetention); err != nil {
				log.Error().Err(err).Msg("Failed to cleanup deduplication store")
			} else {
				log.Debug().Msg("Cleaned up old deduplication entries")
			}
		case <-mp.ctx.Done():
			return
		}
	}
}

func (mp *MessageProcessor) monitorQueueStats() {
	ticker := time.NewTicker(mp.config.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			mp.logQueueStats()
		case <-mp.ctx.Done():
			return
		}
	}
}

func (mp *MessageProcessor) logQueueStats() {
	result, err := mp.sqsClient.GetQueueAttributes(mp.ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(mp.config.QueueURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
			types.QueueAttributeNameApproximateNumberOfMessagesDelayed,
		},
	})

	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch queue stats")
		return
	}

	available := result.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)]
	inFlight := result.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible)]
	delayed := result.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessagesDelayed)]

	log.Info().
		Str("available", available).
		Str("in_flight", inFlight).
		Str("delayed", delayed).
		Msg("SQS queue stats")
}

// pollSQS receives at most one message per call and finishes it before the
// next receive. Empty receives are retried straight away.
func (mp *MessageProcessor) pollSQS() error {
	for {
		select {
		case <-mp.ctx.Done():
			return nil
		default:
		}

		result, err := mp.sqsClient.ReceiveMessage(mp.ctx, &sqs.ReceiveMessageInput{
			QueueUrl:              aws.String(mp.config.QueueURL),
			MaxNumberOfMessages:   1,
			WaitTimeSeconds:       mp.config.WaitTimeSeconds,
			MessageAttributeNames: []string{"All"},
		})
		if err != nil {
			if mp.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive messages from SQS: %w", err)
		}

		for _, sqsMsg := range result.Messages {
			if err := mp.processMessage(sqsMsg); err != nil {
				if mp.ctx.Err() != nil {
					return nil
				}
				if !mp.config.ContinueOnError {
					return err
				}
				log.Error().Err(err).Str("message_id", aws.ToString(sqsMsg.MessageId)).Msg("Job failed, message left for redelivery")
			}
		}
	}
}

// processMessage runs the job and deletes the message once it succeeded. On
// error the message is not deleted so SQS redelivers it or moves it to the DLQ.
func (mp *MessageProcessor) processMessage(sqsMsg types.Message) error {
	job := jobFromSQS(sqsMsg)

	if err := mp.handler.Handle(mp.ctx, job); err != nil {
		return err
	}

	if err := mp.deleteMessage(sqsMsg); err != nil {
		return fmt.Errorf("delete job %s from SQS: %w", job.ID, err)
	}
	mp.handler.successLog(log.With().Str("job_id", job.ID).Logger()).Msg("Deleted job from SQS")
	return nil
}

func (mp *MessageProcessor) deleteMessage(sqsMsg types.Message) error {
	_, err := mp.sqsClient.DeleteMessage(mp.ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(mp.config.QueueURL),
		ReceiptHandle: sqsMsg.ReceiptHandle,
	})
	return err
}
