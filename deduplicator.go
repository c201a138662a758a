package main

import (
	"context"
	"time"
)

// remembers deliveries whose job already completed so a redelivered copy can be
// acknowledged without running the job again
type DeduplicationStore interface {
	// checks if the message has already been completed
	IsProcessed(ctx context.Context, messageID string) (bool, error)

	// records that the message's job completed
	MarkProcessed(ctx context.Context, messageID, jobID string) error

	// removes old entries to prevent unbounded growth
	Cleanup(ctx context.Context, olderThan time.Duration) error

	// releases any resources, could be a noop if not required
	Close() error
}
