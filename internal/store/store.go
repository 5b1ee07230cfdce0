// Package store provides storage backends for RepairPipe.
//
// It persists sessions, the append-only message log, inbound deduplication
// records, verified appointments and classifier audit rows. An in-memory store
// is used when no DSN is configured; SQLite and PostgreSQL are supported for
// durable and multi-process deployments.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/BTreeMap/RepairPipe/internal/models"
	"github.com/BTreeMap/RepairPipe/internal/util"
)

var (
	// ErrSessionNotFound is returned when no session matches the lookup.
	ErrSessionNotFound = errors.New("session not found")
	// ErrVersionConflict is returned when a conditional update lost to another writer.
	ErrVersionConflict = errors.New("session version conflict")
	// ErrDuplicateOutbound is returned when an outbound log row for the same source id already exists.
	ErrDuplicateOutbound = errors.New("duplicate outbound message")
)

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string
}

// Option defines a function that configures Opts.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	// key=value form used by lib/pq
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// SessionRepo persists sessions keyed by (channel, peer).
type SessionRepo interface {
	// GetSession returns the session for (channel, peer) or ErrSessionNotFound.
	GetSession(ctx context.Context, channel models.Channel, peer string) (*models.Session, error)
	// GetSessionByID returns the session with the given id or ErrSessionNotFound.
	GetSessionByID(ctx context.Context, id string) (*models.Session, error)
	// CreateSession inserts s unless a session for the same (channel, peer) exists.
	// It reports whether a row was inserted.
	CreateSession(ctx context.Context, s *models.Session) (bool, error)
	// UpdateSession writes s only if the stored version equals s.Version.
	// On success s.Version is incremented; otherwise ErrVersionConflict is returned.
	UpdateSession(ctx context.Context, s *models.Session) error
}

// MessageLog is the append-only conversation log. It also serves as the
// cross-process ledger for outbound duplicate detection.
type MessageLog interface {
	// AppendMessage appends e. Outbound rows with a source id are unique per
	// session; a second append returns ErrDuplicateOutbound.
	AppendMessage(ctx context.Context, e models.MessageLogEntry) error
	// RecentMessages returns the last limit entries in chronological order.
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]models.MessageLogEntry, error)
	// HasRecentOutbound reports whether body was sent on the session at or after since.
	HasRecentOutbound(ctx context.Context, sessionID, body string, since time.Time) (bool, error)
}

// AppointmentRepo stores appointments that were verified as booked.
type AppointmentRepo interface {
	// SaveAppointment inserts or updates an appointment by id.
	SaveAppointment(ctx context.Context, a models.AppointmentRecord) error
	// FindRecentAppointmentByPhone returns the newest non-cancelled appointment for
	// phone created at or after since, or nil. When suffixDigits > 0 only the
	// trailing digits of the phone are compared.
	FindRecentAppointmentByPhone(ctx context.Context, phone string, since time.Time, suffixDigits int) (*models.AppointmentRecord, error)
}

// DecisionAuditRepo stores raw classifier exchanges.
type DecisionAuditRepo interface {
	AddDecisionAudit(ctx context.Context, a models.DecisionAudit) error
}

// Store is the full persistence surface used by RepairPipe.
type Store interface {
	SessionRepo
	MessageLog
	DedupRepo
	AppointmentRepo
	DecisionAuditRepo
	Close() error
}

// lastDigits returns the trailing n digits of phone, or all of its digits when shorter.
func lastDigits(phone string, n int) string {
	d := util.DigitsOnly(phone)
	if n > 0 && len(d) > n {
		return d[len(d)-n:]
	}
	return d
}
