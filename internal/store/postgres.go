// Package store provides storage backends for RepairPipe.
//
// This file implements a PostgreSQL-backed store for multi-process deployments.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/RepairPipe/internal/models"
	"github.com/BTreeMap/RepairPipe/internal/util"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "dsn_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore.NewPostgresStore: DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("PostgresStore.NewPostgresStore: failed to open connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("PostgresStore.NewPostgresStore: ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("PostgresStore.NewPostgresStore: failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgresStore.NewPostgresStore: migrations applied")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, channel models.Channel, peer string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE channel = $1 AND peer = $2`, string(channel), peer)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		slog.Error("PostgresStore.GetSession failed", "error", err, "channel", channel, "peer", peer)
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) GetSessionByID(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		slog.Error("PostgresStore.GetSessionByID failed", "error", err, "id", id)
		return nil, fmt.Errorf("get session by id: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess *models.Session) (bool, error) {
	state, err := encodeState(sess.State)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, channel, peer, state, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7) ON CONFLICT (channel, peer) DO NOTHING`,
		sess.ID, string(sess.Channel), sess.Peer, state, sess.Version, sess.CreatedAt.UTC(), time.Now().UTC(),
	)
	if err != nil {
		slog.Error("PostgresStore.CreateSession failed", "error", err, "peer", sess.Peer)
		return false, fmt.Errorf("create session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create session rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) UpdateSession(ctx context.Context, sess *models.Session) error {
	state, err := encodeState(sess.State)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET state = $1::jsonb, version = version + 1, updated_at = $2,
		 last_inbound_at = $3, last_outbound_at = $4, last_greeting_at = $5
		 WHERE id = $6 AND version = $7`,
		state, time.Now().UTC(), nilIfZero(sess.LastInboundAt), nilIfZero(sess.LastOutboundAt), nilIfZero(sess.LastGreetingAt),
		sess.ID, sess.Version,
	)
	if err != nil {
		slog.Error("PostgresStore.UpdateSession failed", "error", err, "id", sess.ID)
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session rows affected: %w", err)
	}
	if n == 0 {
		slog.Debug("PostgresStore.UpdateSession: version conflict", "id", sess.ID, "version", sess.Version)
		return ErrVersionConflict
	}
	sess.Version++
	return nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, e models.MessageLogEntry) error {
	if e.ID == "" {
		e.ID = util.GenerateMessageID()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO message_log (id, session_id, direction, body, created_at, source_id)
		 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT DO NOTHING`,
		e.ID, e.SessionID, string(e.Direction), e.Body, e.Timestamp.UTC(), nilIfEmpty(e.SourceID),
	)
	if err != nil {
		slog.Error("PostgresStore.AppendMessage failed", "error", err, "session_id", e.SessionID)
		return fmt.Errorf("append message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("append message rows affected: %w", err)
	}
	if n == 0 {
		return ErrDuplicateOutbound
	}
	return nil
}

func (s *PostgresStore) RecentMessages(ctx context.Context, sessionID string, limit int) ([]models.MessageLogEntry, error) {
	query := `SELECT id, session_id, direction, body, created_at, source_id FROM message_log
		WHERE session_id = $1 ORDER BY created_at DESC`
	args := []interface{}{sessionID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent messages query failed: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *PostgresStore) HasRecentOutbound(ctx context.Context, sessionID, body string, since time.Time) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM message_log WHERE session_id = $1 AND direction = 'out' AND body = $2 AND created_at >= $3)`,
		sessionID, body, since.UTC(),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("recent outbound check failed: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) SaveAppointment(ctx context.Context, a models.AppointmentRecord) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO appointments (id, phone, phone_digits, scheduled_at, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET scheduled_at = EXCLUDED.scheduled_at, status = EXCLUDED.status`,
		a.ID, a.Phone, util.DigitsOnly(a.Phone), a.ScheduledAt.UTC(), string(a.Status), a.CreatedAt.UTC(),
	)
	if err != nil {
		slog.Error("PostgresStore.SaveAppointment failed", "error", err, "id", a.ID)
		return fmt.Errorf("save appointment: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindRecentAppointmentByPhone(ctx context.Context, phone string, since time.Time, suffixDigits int) (*models.AppointmentRecord, error) {
	cond := `phone_digits = $1`
	arg := util.DigitsOnly(phone)
	if suffixDigits > 0 {
		cond = `phone_digits LIKE $1`
		arg = "%" + lastDigits(phone, suffixDigits)
	}
	query := `SELECT id, phone, scheduled_at, status, created_at FROM appointments
		WHERE ` + cond + ` AND status <> 'cancelled' AND created_at >= $2
		ORDER BY created_at DESC LIMIT 1`
	a, err := scanAppointment(s.db.QueryRowContext(ctx, query, arg, since.UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find appointment: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) AddDecisionAudit(ctx context.Context, a models.DecisionAudit) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decision_audit (session_id, request, response, action, valid, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		a.SessionID, a.Request, a.Response, a.Action, a.Valid, a.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("add decision audit: %w", err)
	}
	return nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	err := s.db.Close()
	if err != nil {
		slog.Error("PostgresStore.Close: failed to close database", "error", err)
	}
	return err
}
