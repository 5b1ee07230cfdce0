// Package store provides the DedupRepo interface for inbound message deduplication.
package store

import (
	"context"
	"time"
)

// DedupRecord represents an inbound message deduplication record.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	Peer        string     `json:"peer"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo defines the interface for inbound message deduplication.
type DedupRepo interface {
	// RecordInbound atomically records messageID. It returns false when the id
	// was already recorded within window (duplicate). Records older than the
	// window are refreshed and count as new.
	RecordInbound(ctx context.Context, messageID, peer string, window time.Duration) (bool, error)

	// MarkProcessed sets processed_at once the event has been answered and its
	// session committed. A later RecordInbound that refreshes the row clears it.
	MarkProcessed(ctx context.Context, messageID string) error
}
