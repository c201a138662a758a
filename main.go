package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/comprehend"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	jobFlags := []cli.Flag{
		&cli.StringFlag{
			Name:     "table-name",
			Usage:    "DynamoDB table receiving job status records",
			Required: true,
			EnvVars:  []string{"TABLE_NAME"},
		},
		&cli.IntFlag{
			Name:    "processing-delay",
			Usage:   "Seconds each job sleeps when the delay source is config",
			Value:   5,
			EnvVars: []string{"PROCESSING_DELAY"},
		},
		&cli.StringFlag{
			Name:    "delay-source",
			Usage:   "Where the job delay comes from (config, message)",
			Value:   string(DelayFromConfig),
			EnvVars: []string{"DELAY_SOURCE"},
		},
		&cli.IntFlag{
			Name:    "max-delay",
			Usage:   "Upper bound in seconds for the job delay, 0 leaves it unbounded",
			Value:   0,
			EnvVars: []string{"MAX_DELAY"},
		},
		&cli.BoolFlag{
			Name:    "fail-mode",
			Usage:   "Fail every job before any status write (DLQ testing)",
			Value:   false,
			EnvVars: []string{"FAIL_MODE"},
		},
		&cli.BoolFlag{
			Name:    "write-processing",
			Usage:   "Write a processing status before the job runs",
			Value:   true,
			EnvVars: []string{"WRITE_PROCESSING"},
		},
		&cli.BoolFlag{
			Name:    "sentiment",
			Usage:   "Classify the job text with Amazon Comprehend",
			Value:   true,
			EnvVars: []string{"SENTIMENT"},
		},
		&cli.StringFlag{
			Name:    "language-code",
			Usage:   "Language of the job text",
			Value:   "en",
			EnvVars: []string{"LANGUAGE_CODE"},
		},
		&cli.StringFlag{
			Name:    "sentiment-errors",
			Usage:   "On Comprehend errors: absorb (job completes with an error body) or fail (message stays queued)",
			Value:   string(SentimentErrorsAbsorb),
			EnvVars: []string{"SENTIMENT_ERRORS"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			EnvVars: []string{"LOG_LEVEL"},
		},
		&cli.BoolFlag{
			Name:    "quiet",
			Usage:   "Suppress per-job success logs (only show failures and stats)",
			Value:   false,
			EnvVars: []string{"QUIET"},
		},
		&cli.StringFlag{
			Name:    "dedup-type",
			Usage:   "Skip redelivered messages whose job already completed (none, memory, postgres)",
			Value:   "none",
			EnvVars: []string{"DEDUP_TYPE"},
		},
		&cli.StringFlag{
			Name:    "db-url",
			Usage:   "Postgres URL for the job run audit and postgres dedup, empty disables both",
			EnvVars: []string{"DATABASE_URL"},
		},
	}

	queueFlags := []cli.Flag{
		&cli.StringFlag{
			Name:    "queue-name",
			Usage:   "SQS queue name, resolved to its URL at startup",
			EnvVars: []string{"QUEUE_NAME"},
		},
		&cli.StringFlag{
			Name:    "queue-url",
			Usage:   "SQS queue URL, takes precedence over queue-name",
			EnvVars: []string{"SQS_QUEUE_URL"},
		},
		&cli.IntFlag{
			Name:    "wait-time",
			Usage:   "Long poll wait in seconds (0-20)",
			Value:   10,
			EnvVars: []string{"WAIT_TIME_SECONDS"},
		},
		&cli.BoolFlag{
			Name:    "continue-on-error",
			Usage:   "Keep polling after a failed job instead of exiting",
			Value:   false,
			EnvVars: []string{"CONTINUE_ON_ERROR"},
		},
		&cli.DurationFlag{
			Name:    "stats-interval",
			Usage:   "How often to log queue stats, 0 disables",
			Value:   0,
			EnvVars: []string{"STATS_INTERVAL"},
		},
	}

	app := &cli.App{
		Name:  "job-worker",
		Usage: "Run queued jobs and record their status in DynamoDB",
		Commands: []*cli.Command{
			{
				Name:   "start",
				Usage:  "Long poll the SQS queue and run jobs one at a time",
				Flags:  append(queueFlags, jobFlags...),
				Action: startProcessor,
			},
			{
				Name:   "lambda",
				Usage:  "Run jobs delivered by an SQS event source mapping",
				Flags:  jobFlags,
				Action: startLambda,
			},
		},
	}

	args := os.Args
	// the Lambda runtime starts the binary without arguments
	if os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" && len(args) == 1 {
		args = append(args, "lambda")
	}

	if err := app.Run(args); err != nil {
		log.Fatal().Err(err).Msg("Application failed")
	}
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func startProcessor(c *cli.Context) error {
	setLogLevel(c.String("log-level"))

	queueURL, queueName := c.String("queue-url"), c.String("queue-name")
	if queueURL == "" && queueName == "" {
		return fmt.Errorf("one of queue-name or queue-url is required")
	}
	waitTime := c.Int("wait-time")
	if waitTime < 0 || waitTime > 20 {
		return fmt.Errorf("wait-time must be between 0 and 20, got %d", waitTime)
	}

	// aws config
	awsCFG, err := config.LoadDefaultConfig(c.Context)
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}

	handler, cleanup, err := newJobHandler(c, awsCFG)
	if err != nil {
		return err
	}
	defer cleanup()

	sqsClient := sqs.NewFromConfig(awsCFG)
	if queueURL == "" {
		log.Info().Str("queue_name", queueName).Msg("Fetching queue URL")
		queueURL, err = resolveQueueURL(c.Context, sqsClient, queueName)
		if err != nil {
			return err
		}
	}

	processor, err := NewMessageProcessor(ProcessorConfig{
		QueueURL:        queueURL,
		WaitTimeSeconds: int32(waitTime),
		ContinueOnError: c.Bool("continue-on-error"),
		StatsInterval:   c.Duration("stats-interval"),
	}, sqsClient, handler)
	if err != nil {
		return fmt.Errorf("failed to create processor: %w", err)
	}

	// shutdown setup
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- processor.Start()
	}()

	// wait for shutdown signal / ctrl-c or sigterm which is what docker sends
	select {
	case <-sigChan:
		log.Info().Msg("Shutting down...")
		processor.Stop()
		return <-errChan
	case err := <-errChan:
		processor.Stop()
		return err
	}
}

func startLambda(c *cli.Context) error {
	setLogLevel(c.String("log-level"))

	awsCFG, err := config.LoadDefaultConfig(c.Context)
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}

	handler, _, err := newJobHandler(c, awsCFG)
	if err != nil {
		return err
	}

	lh, err := NewLambdaHandler(handler)
	if err != nil {
		return err
	}

	log.Info().Msg("Starting SQS Lambda handler")
	lambda.Start(lh.Handle)
	return nil
}

// newJobHandler builds the job handler and its stores from the flags. The
// returned cleanup releases the database connection.
func newJobHandler(c *cli.Context, awsCFG aws.Config) (*JobHandler, func(), error) {
	cleanup := func() {}

	table, err := NewStatusTable(dynamodb.NewFromConfig(awsCFG), c.String("table-name"))
	if err != nil {
		return nil, cleanup, err
	}

	var detector SentimentDetector
	if c.Bool("sentiment") {
		detector, err = NewComprehendDetector(comprehend.NewFromConfig(awsCFG), c.String("language-code"))
		if err != nil {
			return nil, cleanup, err
		}
	}

	var db *Database
	var dbIface DatabaseInterface
	if dbURL := c.String("db-url"); dbURL != "" {
		db, err = NewDatabase(dbURL)
		if err != nil {
			return nil, cleanup, fmt.Errorf("failed to connect to database: %w", err)
		}
		dbIface = db
		cleanup = func() {
			if err := db.Close(); err != nil {
				log.Error().Err(err).Msg("Failed to close database")
			}
		}
	}

	var dedupStore DeduplicationStore
	switch dedupType := c.String("dedup-type"); dedupType {
	case "none":
	case "memory":
		dedupStore = NewInMemoryDeduplicationStore()
	case "postgres":
		if db == nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("dedup-type postgres requires db-url")
		}
		dedupStore = NewPostgresDeduplicationStore(db.queries)
	default:
		cleanup()
		return nil, func() {}, fmt.Errorf("invalid dedup-type: %s", dedupType)
	}
	if dedupStore != nil {
		closeDB := cleanup
		cleanup = func() {
			if err := dedupStore.Close(); err != nil {
				log.Error().Err(err).Msg("Failed to close deduplication store")
			}
			closeDB()
		}
	}

	handler, err := NewJobHandler(JobConfig{
		ProcessingDelay: c.Int("processing-delay"),
		DelaySource:     DelaySource(c.String("delay-source")),
		MaxDelay:        c.Int("max-delay"),
		FailMode:        c.Bool("fail-mode"),
		WriteProcessing: c.Bool("write-processing"),
		Sentiment:       c.Bool("sentiment"),
		SentimentErrors: SentimentErrorPolicy(c.String("sentiment-errors")),
		Quiet:           c.Bool("quiet"),
	}, table, detector, dedupStore, dbIface)
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}

	return handler, cleanup, nil
}
