package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrForcedFailure   = errors.New("simulated processing failure")
	ErrSentimentFailed = errors.New("sentiment classification failed")
	ErrInvalidDelay    = errors.New("invalid job delay")
)

// longest delay time.Duration can represent, in seconds
var maxDelaySeconds = float64(math.MaxInt64) / float64(time.Second)

// where the per-job delay comes from
type DelaySource string

const (
	DelayFromConfig  DelaySource = "config"
	DelayFromMessage DelaySource = "message"
)

// what happens to a job when the classification service rejects its text
type SentimentErrorPolicy string

const (
	// record the job as completed with an error body
	SentimentErrorsAbsorb SentimentErrorPolicy = "absorb"
	// fail the job and leave the message on the queue
	SentimentErrorsFail SentimentErrorPolicy = "fail"
)

type JobConfig struct {
	ProcessingDelay int // seconds
	DelaySource     DelaySource
	MaxDelay        int // seconds, 0 means unbounded
	FailMode        bool
	WriteProcessing bool
	Sentiment       bool
	SentimentErrors SentimentErrorPolicy
	Quiet           bool // only log job failures and stats
}

// runs a single job: status writes, delay, optional classification
type JobHandler struct {
	config     JobConfig
	table      StatusWriter
	sentiment  SentimentDetector
	dedupStore DeduplicationStore // nil disables deduplication
	db         DatabaseInterface  // nil disables the run audit
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewJobHandler(config JobConfig, table StatusWriter, sentiment SentimentDetector, dedupStore DeduplicationStore, db DatabaseInterface) (*JobHandler, error) {
	if table == nil {
		return nil, errors.New("job handler: status table is required")
	}
	if config.Sentiment && sentiment == nil {
		return nil, errors.New("job handler: sentiment detector is required when sentiment is enabled")
	}
	if config.ProcessingDelay < 0 || config.MaxDelay < 0 {
		return nil, errors.New("job handler: delays must not be negative")
	}
	switch config.DelaySource {
	case DelayFromConfig, DelayFromMessage:
	default:
		return nil, fmt.Errorf("job handler: invalid delay source %q", config.DelaySource)
	}
	switch config.SentimentErrors {
	case SentimentErrorsAbsorb, SentimentErrorsFail:
	default:
		return nil, fmt.Errorf("job handler: invalid sentiment error policy %q", config.SentimentErrors)
	}

	return &JobHandler{
		config:     config,
		table:      table,
		sentiment:  sentiment,
		dedupStore: dedupStore,
		db:         db,
		sleep:      sleepContext,
	}, nil
}

// Handle runs job to completion. A nil error means the message can be deleted,
// any error means it must stay on the queue.
func (h *JobHandler) Handle(ctx context.Context, job Job) (err error) {
	startTime := time.Now()
	outcome := OutcomeCompleted
	jl := log.With().Str("job_id", job.ID).Str("message_id", job.MessageID).Logger()

	defer func() {
		if err != nil {
			outcome = OutcomeFailed
		}
		h.recordRun(ctx, jl, job, outcome, err, time.Since(startTime))
	}()

	payload, err := parsePayload(job.Body)
	if err != nil {
		return fmt.Errorf("parse body of job %s: %w", job.ID, err)
	}

	jl.Info().Msg("Received job")

	// forced failure for DLQ testing, nothing is written
	if h.config.FailMode {
		jl.Error().Msg("Forced failure enabled, simulating failure")
		return ErrForcedFailure
	}

	if h.dedupStore != nil && job.MessageID != "" {
		processed, err := h.dedupStore.IsProcessed(ctx, job.MessageID)
		if err != nil {
			return fmt.Errorf("check if message %s was processed: %w", job.MessageID, err)
		}
		if processed {
			jl.Info().Msg("Duplicate message detected, skipping")
			outcome = OutcomeSkipped
			return nil
		}
	}

	if h.config.WriteProcessing {
		if err := h.updateStatus(ctx, jl, job.ID, StatusProcessing, nil); err != nil {
			return err
		}
	}

	delay, err := h.planDelay(payload)
	if err != nil {
		return fmt.Errorf("job %s: %w", job.ID, err)
	}
	if delay.clamped {
		jl.Warn().Str("requested", delay.requested).Int("max_delay", h.config.MaxDelay).Msg("Job delay exceeds max delay, clamping")
	}

	jl.Info().Dur("delay", delay.duration).Msg("Processing job")
	if err := h.sleep(ctx, delay.duration); err != nil {
		return fmt.Errorf("job %s interrupted: %w", job.ID, err)
	}

	var results any
	if h.config.Sentiment {
		results, err = h.classify(ctx, jl, payload.Text)
		if err != nil {
			return fmt.Errorf("job %s: %w", job.ID, err)
		}
	} else {
		results = fmt.Sprintf("Job ran for %ss", delay.label)
	}

	h.successLog(jl).Interface("results", results).Msg("Job complete")

	results, err = ToDecimal(results)
	if err != nil {
		return fmt.Errorf("convert results of job %s: %w", job.ID, err)
	}

	if err := h.updateStatus(ctx, jl, job.ID, StatusCompleted, results); err != nil {
		return err
	}

	if h.dedupStore != nil && job.MessageID != "" {
		if err := h.dedupStore.MarkProcessed(ctx, job.MessageID, job.ID); err != nil {
			jl.Error().Err(err).Msg("Failed to mark message as processed")
		}
	}
	return nil
}

func (h *JobHandler) updateStatus(ctx context.Context, jl zerolog.Logger, jobID string, status JobStatus, results any) error {
	err := h.table.PutStatus(ctx, StatusRecord{
		ID:      jobID,
		Status:  status,
		Results: results,
	})
	if err != nil {
		return fmt.Errorf("update status of job %s to %s: %w", jobID, status, err)
	}
	h.successLog(jl).Str("status", string(status)).Msg("Updated job status")
	return nil
}

// classify runs the sentiment step. Service errors are absorbed into an error
// body unless the policy says otherwise, other errors always fail the job.
func (h *JobHandler) classify(ctx context.Context, jl zerolog.Logger, text string) (any, error) {
	res, err := h.sentiment.DetectSentiment(ctx, text)
	if err == nil {
		return res.toResults(), nil
	}
	if !isServiceError(err) {
		return nil, err
	}

	jl.Error().Err(err).Msg("Comprehend error")
	if h.config.SentimentErrors == SentimentErrorsFail {
		return nil, fmt.Errorf("%w: %w", ErrSentimentFailed, err)
	}
	return map[string]any{"error": sentimentErrorText}, nil
}

type delayPlan struct {
	duration  time.Duration
	label     string // seconds as given, used in the results text
	clamped   bool
	requested string
}

func (h *JobHandler) planDelay(p JobPayload) (delayPlan, error) {
	seconds := float64(h.config.ProcessingDelay)
	label := strconv.Itoa(h.config.ProcessingDelay)

	if h.config.DelaySource == DelayFromMessage && p.Seconds != nil {
		f, err := p.Seconds.Float64()
		if err != nil || math.IsNaN(f) || f < 0 {
			return delayPlan{}, fmt.Errorf("%w: seconds=%q", ErrInvalidDelay, p.Seconds.String())
		}
		seconds, label = f, p.Seconds.String()
	}

	if max := h.config.MaxDelay; max > 0 && seconds > float64(max) {
		return delayPlan{
			duration:  time.Duration(max) * time.Second,
			label:     strconv.Itoa(max),
			clamped:   true,
			requested: label,
		}, nil
	}
	if seconds > maxDelaySeconds {
		return delayPlan{}, fmt.Errorf("%w: seconds=%s overflows", ErrInvalidDelay, label)
	}

	return delayPlan{
		duration: time.Duration(seconds * float64(time.Second)),
		label:    label,
	}, nil
}

func (h *JobHandler) recordRun(ctx context.Context, jl zerolog.Logger, job Job, outcome JobOutcome, jobErr error, took time.Duration) {
	if h.db == nil {
		return
	}

	params := CreateJobRunParams{
		JobID:      job.ID,
		MessageID:  job.MessageID,
		Outcome:    outcome,
		DurationMs: took.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
	if jobErr != nil {
		params.Error = sql.NullString{String: jobErr.Error(), Valid: true}
	}

	// the run is recorded even when shutdown interrupted the job
	if err := h.db.CreateJobRun(context.WithoutCancel(ctx), params); err != nil {
		jl.Error().Err(err).Msg("Failed to record job run")
	}
}

func (h *JobHandler) successLog(jl zerolog.Logger) *zerolog.Event {
	if h.config.Quiet {
		return jl.Debug()
	}
	return jl.Info()
}

func parsePayload(body string) (JobPayload, error) {
	var p JobPayload
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return JobPayload{}, err
	}
	return p, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
