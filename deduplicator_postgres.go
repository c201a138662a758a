package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// shares the processed_messages table between workers, so a redelivery picked
// up by another worker is still recognised
type PostgresDeduplicationStore struct {
	queries *Queries
	now     func() time.Time
}

func NewPostgresDeduplicationStore(queries *Queries) *PostgresDeduplicationStore {
	return &PostgresDeduplicationStore{queries: queries, now: time.Now}
}

func (p *PostgresDeduplicationStore) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	exists, err := p.queries.IsMessageProcessed(ctx, messageID)
	if err != nil {
		return false, fmt.Errorf("dedup: lookup message %s: %w", messageID, err)
	}
	return exists, nil
}

func (p *PostgresDeduplicationStore) MarkProcessed(ctx context.Context, messageID, jobID string) error {
	err := p.queries.MarkMessageProcessed(ctx, MarkMessageProcessedParams{
		MessageID:   messageID,
		JobID:       jobID,
		ProcessedAt: p.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("dedup: mark message %s: %w", messageID, err)
	}
	return nil
}

func (p *PostgresDeduplicationStore) Cleanup(ctx context.Context, olderThan time.Duration) error {
	removed, err := p.queries.DeleteProcessedMessagesBefore(ctx, p.now().UTC().Add(-olderThan))
	if err != nil {
		return fmt.Errorf("dedup: cleanup: %w", err)
	}
	if removed > 0 {
		log.Debug().Int64("removed", removed).Msg("Removed expired dedup entries")
	}
	return nil
}

// the connection belongs to Database
func (p *PostgresDeduplicationStore) Close() error {
	return nil
}
