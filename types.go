package main

import (
	"encoding/json"
	"strings"
)

// job id used when the message carries no usable id attribute
const unknownJobID = "unknown"

// name of the message attribute carrying the job id
const jobIDAttribute = "id"

type JobStatus string

const (
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
)

// represents the body of a job message, fields not used by the configured
// work steps are ignored
type JobPayload struct {
	Text    string       `json:"text"`
	Seconds *json.Number `json:"seconds"`
}

// a received message reduced to what the job handler needs, independent of
// whether it came from a long poll or a lambda event
type Job struct {
	ID        string
	MessageID string
	Body      string
}

// the record persisted to the status table, keyed by id
type StatusRecord struct {
	ID        string    `dynamodbav:"id"`
	Status    JobStatus `dynamodbav:"status"`
	UpdatedAt string    `dynamodbav:"updatedAt"`
	Results   any       `dynamodbav:"-"`
}

// SentimentResult is the classification returned for a job's text.
type SentimentResult struct {
	Sentiment string
	Scores    map[string]float32
}

// toResults shapes the classification the way it is stored in the table
func (s *SentimentResult) toResults() map[string]any {
	scores := make(map[string]any, len(s.Scores))
	for k, v := range s.Scores {
		scores[k] = v
	}
	return map[string]any{
		"sentiment": s.Sentiment,
		"scores":    scores,
	}
}

func jobIDFromAttribute(v *string) string {
	if v == nil || strings.TrimSpace(*v) == "" {
		return unknownJobID
	}
	return *v
}
