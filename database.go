package main

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
)

// audit trail of job runs, separate from the status table the jobs report to
type DatabaseInterface interface {
	CreateJobRun(ctx context.Context, params CreateJobRunParams) error
	Close() error
}

type Database struct {
	db      *sql.DB
	queries *Queries
}

func NewDatabase(databaseURL string) (*Database, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{
		db:      db,
		queries: New(db),
	}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) CreateJobRun(ctx context.Context, params CreateJobRunParams) error {
	return d.queries.CreateJobRun(ctx, params)
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	PrepareContext(context.Context, string) (*sql.Stmt, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

type JobOutcome string

const (
	OutcomeCompleted JobOutcome = "completed"
	OutcomeSkipped   JobOutcome = "skipped"
	OutcomeFailed    JobOutcome = "failed"
)

type CreateJobRunParams struct {
	JobID      string
	MessageID  string
	Outcome    JobOutcome
	Error      sql.NullString
	DurationMs int64
	CreatedAt  time.Time
}

const createJobRun = `-- name: CreateJobRun :exec
INSERT INTO job_runs (job_id, message_id, outcome, error, duration_ms, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`

func (q *Queries) CreateJobRun(ctx context.Context, arg CreateJobRunParams) error {
	_, err := q.db.ExecContext(ctx, createJobRun,
		arg.JobID,
		arg.MessageID,
		arg.Outcome,
		arg.Error,
		arg.DurationMs,
		arg.CreatedAt,
	)
	return err
}

const isMessageProcessed = `-- name: IsMessageProcessed :one
SELECT EXISTS(SELECT 1 FROM processed_messages WHERE message_id = $1)
`

func (q *Queries) IsMessageProcessed(ctx context.Context, messageID string) (bool, error) {
	row := q.db.QueryRowContext(ctx, isMessageProcessed, messageID)
	var exists bool
	err := row.Scan(&exists)
	return exists, err
}

type MarkMessageProcessedParams struct {
	MessageID   string
	JobID       string
	ProcessedAt time.Time
}

const markMessageProcessed = `-- name: MarkMessageProcessed :exec
INSERT INTO processed_messages (message_id, job_id, processed_at)
VALUES ($1, $2, $3)
ON CONFLICT (message_id) DO NOTHING
`

func (q *Queries) MarkMessageProcessed(ctx context.Context, arg MarkMessageProcessedParams) error {
	_, err := q.db.ExecContext(ctx, markMessageProcessed, arg.MessageID, arg.JobID, arg.ProcessedAt)
	return err
}

const deleteProcessedMessagesBefore = `-- name: DeleteProcessedMessagesBefore :execrows
DELETE FROM processed_messages WHERE processed_at < $1
`

func (q *Queries) DeleteProcessedMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := q.db.ExecContext(ctx, deleteProcessedMessagesBefore, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
