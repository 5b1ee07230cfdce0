package store

import (
	"context"
	"fmt"
	"time"
)

// Compile-time check that SQLiteStore implements DedupRepo.
var _ DedupRepo = (*SQLiteStore)(nil)

// RecordInbound relies on the upsert's WHERE clause: a row inside the window
// is left untouched, so zero affected rows means duplicate.
func (s *SQLiteStore) RecordInbound(ctx context.Context, messageID, peer string, window time.Duration) (bool, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO inbound_dedup (message_id, peer, received_at) VALUES (?, ?, ?)
		 ON CONFLICT (message_id) DO UPDATE SET peer = excluded.peer, received_at = excluded.received_at, processed_at = NULL
		 WHERE inbound_dedup.received_at < ?`,
		messageID, peer, now, now.Add(-window),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`,
		time.Now().UTC(), messageID,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}
