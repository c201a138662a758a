package main

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// runs before all tests and configures the test environment
func TestMain(m *testing.M) {
	// we do not need logging during the tests
	zerolog.SetGlobalLevel(zerolog.Disabled)

	code := m.Run()

	os.Exit(code)
}

type MockDeduplicationStore struct {
	mock.Mock
}

func (m *MockDeduplicationStore) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	args := m.Called(ctx, messageID)
	return args.Bool(0), args.Error(1)
}

func (m *MockDeduplicationStore) MarkProcessed(ctx context.Context, messageID, jobID string) error {
	args := m.Called(ctx, messageID, jobID)
	return args.Error(0)
}

func (m *MockDeduplicationStore) Cleanup(ctx context.Context, olderThan time.Duration) error {
	args := m.Called(ctx, olderThan)
	return args.Error(0)
}

func (m *MockDeduplicationStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

type MockSQSClient struct {
	mock.Mock
}

func (m *MockSQSClient) GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.GetQueueUrlOutput), args.Error(1)
}

func (m *MockSQSClient) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.ReceiveMessageOutput), args.Error(1)
}

func (m *MockSQSClient) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.DeleteMessageOutput), args.Error(1)
}

func (m *MockSQSClient) GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.GetQueueAttributesOutput), args.Error(1)
}

type MockStatusWriter struct {
	mock.Mock
}

func (m *MockStatusWriter) PutStatus(ctx context.Context, rec StatusRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

type MockSentimentDetector struct {
	mock.Mock
}

func (m *MockSentimentDetector) DetectSentiment(ctx context.Context, text string) (*SentimentResult, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*SentimentResult), args.Error(1)
}

type MockDatabase struct {
	mock.Mock
}

func (m *MockDatabase) CreateJobRun(ctx context.Context, params CreateJobRunParams) error {
	args := m.Called(ctx, params)
	return args.Error(0)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}

// delayJobConfig is the variant that reads the delay from the message and
// reports how long it ran
func delayJobConfig() JobConfig {
	return JobConfig{
		ProcessingDelay: 5,
		DelaySource:     DelayFromMessage,
		SentimentErrors: SentimentErrorsAbsorb,
	}
}

func newTestHandler(t *testing.T, cfg JobConfig, table StatusWriter, detector SentimentDetector) (*JobHandler, *[]time.Duration) {
	t.Helper()
	h, err := NewJobHandler(cfg, table, detector, nil, nil)
	require.NoError(t, err)

	slept := []time.Duration{}
	h.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return h, &slept
}

func newTestProcessor(sqsClient SQSClientInterface, handler *JobHandler) *MessageProcessor {
	ctx, cancel := context.WithCancel(context.Background())
	return &MessageProcessor{
		config: ProcessorConfig{
			QueueURL:        "test-queue-url",
			WaitTimeSeconds: 10,
		},
		sqsClient: sqsClient,
		handler:   handler,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func sqsMessage(body string, jobID *string) types.Message {
	msg := types.Message{
		Body:          aws.String(body),
		ReceiptHandle: aws.String("receipt-" + xid.New().String()),
		MessageId:     aws.String(xid.New().String()),
	}
	if jobID != nil {
		msg.MessageAttributes = map[string]types.MessageAttributeValue{
			"id": {DataType: aws.String("String"), StringValue: jobID},
		}
	}
	return msg
}

func TestJobFromSQS(t *testing.T) {
	tests := []struct {
		name       string
		attributes map[string]types.MessageAttributeValue
		expectedID string
	}{
		{
			name: "id attribute present",
			attributes: map[string]types.MessageAttributeValue{
				"id": {DataType: aws.String("String"), StringValue: aws.String("job-42")},
			},
			expectedID: "job-42",
		},
		{
			name:       "no attributes",
			expectedID: "unknown",
		},
		{
			name: "binary id attribute",
			attributes: map[string]types.MessageAttributeValue{
				"id": {DataType: aws.String("Binary"), BinaryValue: []byte("job-42")},
			},
			expectedID: "unknown",
		},
		{
			name: "blank id attribute",
			attributes: map[string]types.MessageAttributeValue{
				"id": {DataType: aws.String("String"), StringValue: aws.String("  ")},
			},
			expectedID: "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := jobFromSQS(types.Message{
				Body:              aws.String(`{"seconds": 1}`),
				MessageId:         aws.String("m-1"),
				MessageAttributes: tt.attributes,
			})

			assert.Equal(t, tt.expectedID, job.ID)
			assert.Equal(t, "m-1", job.MessageID)
			assert.Equal(t, `{"seconds": 1}`, job.Body)
		})
	}
}

func TestResolveQueueURL(t *testing.T) {
	mockSQS := new(MockSQSClient)
	mockSQS.On("GetQueueUrl", mock.Anything, mock.MatchedBy(func(input *sqs.GetQueueUrlInput) bool {
		return *input.QueueName == "jobs"
	})).Return(&sqs.GetQueueUrlOutput{QueueUrl: aws.String("https://sqs.local/123/jobs")}, nil)

	url, err := resolveQueueURL(context.Background(), mockSQS, "jobs")
	require.NoError(t, err)
	assert.Equal(t, "https://sqs.local/123/jobs", url)

	_, err = resolveQueueURL(context.Background(), mockSQS, "")
	assert.Error(t, err)

	failing := new(MockSQSClient)
	failing.On("GetQueueUrl", mock.Anything, mock.Anything).Return(nil, assert.AnError)
	_, err = resolveQueueURL(context.Background(), failing, "missing")
	assert.ErrorIs(t, err, assert.AnError)
}

func TestProcessMessageDeletesAfterCompletion(t *testing.T) {
	mockSQS := new(MockSQSClient)
	mockTable := new(MockStatusWriter)
	handler, _ := newTestHandler(t, delayJobConfig(), mockTable, nil)
	processor := newTestProcessor(mockSQS, handler)
	defer processor.cancel()

	msg := sqsMessage(`{"seconds": 2}`, nil)

	mockTable.On("PutStatus", mock.Anything, StatusRecord{
		ID:      "unknown",
		Status:  StatusCompleted,
		Results: "Job ran for 2s",
	}).Return(nil).Once()
	mockSQS.On("DeleteMessage", mock.Anything, mock.MatchedBy(func(input *sqs.DeleteMessageInput) bool {
		return *input.ReceiptHandle == *msg.ReceiptHandle && *input.QueueUrl == "test-queue-url"
	})).Return(&sqs.DeleteMessageOutput{}, nil).Once()

	err := processor.processMessage(msg)

	require.NoError(t, err)
	mockTable.AssertExpectations(t)
	mockSQS.AssertExpectations(t)
}

func TestProcessMessageFailureKeepsMessage(t *testing.T) {
	mockSQS := new(MockSQSClient)
	mockTable := new(MockStatusWriter)
	cfg := delayJobConfig()
	cfg.FailMode = true
	handler, _ := newTestHandler(t, cfg, mockTable, nil)
	processor := newTestProcessor(mockSQS, handler)
	defer processor.cancel()

	err := processor.processMessage(sqsMessage(`{"seconds": 2}`, aws.String("job-1")))

	assert.ErrorIs(t, err, ErrForcedFailure)
	mockTable.AssertNotCalled(t, "PutStatus", mock.Anything, mock.Anything)
	mockSQS.AssertNotCalled(t, "DeleteMessage", mock.Anything, mock.Anything)
}

func TestProcessMessageDeleteError(t *testing.T) {
	mockSQS := new(MockSQSClient)
	mockTable := new(MockStatusWriter)
	handler, _ := newTestHandler(t, delayJobConfig(), mockTable, nil)
	processor := newTestProcessor(mockSQS, handler)
	defer processor.cancel()

	mockTable.On("PutStatus", mock.Anything, mock.Anything).Return(nil)
	mockSQS.On("DeleteMessage", mock.Anything, mock.Anything).Return(nil, assert.AnError)

	err := processor.processMessage(sqsMessage(`{"seconds": 1}`, aws.String("job-1")))

	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "job-1")
}

func TestPollSQSReceiveRequest(t *testing.T) {
	mockSQS := new(MockSQSClient)
	mockTable := new(MockStatusWriter)
	handler, _ := newTestHandler(t, delayJobConfig(), mockTable, nil)
	processor := newTestProcessor(mockSQS, handler)

	// first poll comes back empty, the second one is interrupted by shutdown
	mockSQS.On("ReceiveMessage", mock.Anything, mock.MatchedBy(func(input *sqs.ReceiveMessageInput) bool {
		return *input.QueueUrl == "test-queue-url" &&
			input.MaxNumberOfMessages == 1 &&
			input.WaitTimeSeconds == 10 &&
			assert.ObjectsAreEqual([]string{"All"}, input.MessageAttributeNames)
	})).Return(&sqs.ReceiveMessageOutput{}, nil).Once()
	mockSQS.On("ReceiveMessage", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { processor.Stop() }).
		Return(nil, context.Canceled).Once()

	err := processor.pollSQS()

	assert.NoError(t, err)
	mockSQS.AssertNumberOfCalls(t, "ReceiveMessage", 2)
	mockTable.AssertNotCalled(t, "PutStatus", mock.Anything, mock.Anything)
}

func TestPollSQSStopsOnJobError(t *testing.T) {
	mockSQS := new(MockSQSClient)
	mockTable := new(MockStatusWriter)
	cfg := delayJobConfig()
	cfg.FailMode = true
	handler, _ := newTestHandler(t, cfg, mockTable, nil)
	processor := newTestProcessor(mockSQS, handler)
	defer processor.cancel()

	mockSQS.On("ReceiveMessage", mock.Anything, mock.Anything).Return(&sqs.ReceiveMessageOutput{
		Messages: []types.Message{sqsMessage(`{"seconds": 1}`, aws.String("job-1"))},
	}, nil).Once()

	err := processor.pollSQS()

	assert.ErrorIs(t, err, ErrForcedFailure)
	mockSQS.AssertNotCalled(t, "DeleteMessage", mock.Anything, mock.Anything)
}

func TestPollSQSContinueOnError(t *testing.T) {
	mockSQS := new(MockSQSClient)
	mockTable := new(MockStatusWriter)
	handler, _ := newTestHandler(t, delayJobConfig(), mockTable, nil)
	processor := newTestProcessor(mockSQS, handler)
	processor.config.ContinueOnError = true

	bad := sqsMessage(`{not json`, aws.String("job-bad"))
	good := sqsMessage(`{"seconds": 3}`, aws.String("job-good"))

	mockSQS.On("ReceiveMessage", mock.Anything, mock.Anything).Return(&sqs.ReceiveMessageOutput{
		Messages: []types.Message{bad},
	}, nil).Once()
	mockSQS.On("ReceiveMessage", mock.Anything, mock.Anything).Return(&sqs.ReceiveMessageOutput{
		Messages: []types.Message{good},
	}, nil).Once()
	mockSQS.On("ReceiveMessage", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { processor.Stop() }).
		Return(nil, context.Canceled).Once()

	mockTable.On("PutStatus", mock.Anything, StatusRecord{
		ID:      "job-good",
		Status:  StatusCompleted,
		Results: "Job ran for 3s",
	}).Return(nil).Once()
	mockSQS.On("DeleteMessage", mock.Anything, mock.MatchedBy(func(input *sqs.DeleteMessageInput) bool {
		return *input.ReceiptHandle == *good.ReceiptHandle
	})).Return(&sqs.DeleteMessageOutput{}, nil).Once()

	err := processor.pollSQS()

	assert.NoError(t, err)
	mockTable.AssertExpectations(t)
	mockSQS.AssertExpectations(t)
	mockSQS.AssertNumberOfCalls(t, "DeleteMessage", 1)
}

func TestPollSQSReceiveError(t *testing.T) {
	mockSQS := new(MockSQSClient)
	handler, _ := newTestHandler(t, delayJobConfig(), new(MockStatusWriter), nil)
	processor := newTestProcessor(mockSQS, handler)
	defer processor.cancel()

	mockSQS.On("ReceiveMessage", mock.Anything, mock.Anything).Return(nil, assert.AnError).Once()

	err := processor.pollSQS()

	assert.ErrorIs(t, err, assert.AnError)
}

func TestContextCancellation(t *testing.T) {
	mockSQS := new(MockSQSClient)
	handler, _ := newTestHandler(t, delayJobConfig(), new(MockStatusWriter), nil)
	processor := newTestProcessor(mockSQS, handler)

	processor.Stop()

	assert.NoError(t, processor.pollSQS())
	mockSQS.AssertNotCalled(t, "ReceiveMessage", mock.Anything, mock.Anything)
}

func TestShutdownDuringJobKeepsMessage(t *testing.T) {
	mockSQS := new(MockSQSClient)
	mockTable := new(MockStatusWriter)
	handler, _ := newTestHandler(t, delayJobConfig(), mockTable, nil)
	processor := newTestProcessor(mockSQS, handler)
	handler.sleep = func(ctx context.Context, d time.Duration) error {
		processor.Stop()
		return ctx.Err()
	}

	mockSQS.On("ReceiveMessage", mock.Anything, mock.Anything).Return(&sqs.ReceiveMessageOutput{
		Messages: []types.Message{sqsMessage(`{"seconds": 60}`, aws.String("job-1"))},
	}, nil).Once()

	err := processor.pollSQS()

	assert.NoError(t, err)
	mockTable.AssertNotCalled(t, "PutStatus", mock.Anything, mock.Anything)
	mockSQS.AssertNotCalled(t, "DeleteMessage", mock.Anything, mock.Anything)
}

func TestLogQueueStats(t *testing.T) {
	mockSQS := new(MockSQSClient)
	handler, _ := newTestHandler(t, delayJobConfig(), new(MockStatusWriter), nil)
	processor := newTestProcessor(mockSQS, handler)
	defer processor.cancel()

	mockSQS.On("GetQueueAttributes", mock.Anything, mock.MatchedBy(func(input *sqs.GetQueueAttributesInput) bool {
		return *input.QueueUrl == "test-queue-url" && len(input.AttributeNames) == 3
	})).Return(&sqs.GetQueueAttributesOutput{
		Attributes: map[string]string{
			string(types.QueueAttributeNameApproximateNumberOfMessages): "4",
		},
	}, nil).Once()
	mockSQS.On("GetQueueAttributes", mock.Anything, mock.Anything).Return(nil, errors.New("throttled")).Once()

	processor.logQueueStats()
	processor.logQueueStats()

	mockSQS.AssertNumberOfCalls(t, "GetQueueAttributes", 2)
}

func TestNewMessageProcessorValidation(t *testing.T) {
	handler, _ := newTestHandler(t, delayJobConfig(), new(MockStatusWriter), nil)

	_, err := NewMessageProcessor(ProcessorConfig{}, new(MockSQSClient), handler)
	assert.Error(t, err)

	_, err = NewMessageProcessor(ProcessorConfig{QueueURL: "q"}, nil, handler)
	assert.Error(t, err)

	mp, err := NewMessageProcessor(ProcessorConfig{QueueURL: "q"}, new(MockSQSClient), handler)
	require.NoError(t, err)
	mp.Stop()
}
