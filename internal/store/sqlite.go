// Package store provides storage backends for RepairPipe.
//
// This file implements an SQLite-backed store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/RepairPipe/internal/models"
	"github.com/BTreeMap/RepairPipe/internal/util"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: invoked", "dsn_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore.NewSQLiteStore: DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: failed to open connection", "error", err)
		return nil, err
	}
	// SQLite allows one writer; a single connection serializes statements
	// instead of surfacing "database is locked" under concurrent handlers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: migrations applied", "dsn", dsn)

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, channel models.Channel, peer string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE channel = ? AND peer = ?`, string(channel), peer)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore.GetSession failed", "error", err, "channel", channel, "peer", peer)
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) GetSessionByID(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore.GetSessionByID failed", "error", err, "id", id)
		return nil, fmt.Errorf("get session by id: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *models.Session) (bool, error) {
	state, err := encodeState(sess.State)
	if err != nil {
		return false, err
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, channel, peer, state, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT (channel, peer) DO NOTHING`,
		sess.ID, string(sess.Channel), sess.Peer, state, sess.Version, sess.CreatedAt.UTC(), now,
	)
	if err != nil {
		slog.Error("SQLiteStore.CreateSession failed", "error", err, "peer", sess.Peer)
		return false, fmt.Errorf("create session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create session rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *models.Session) error {
	state, err := encodeState(sess.State)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET state = ?, version = version + 1, updated_at = ?,
		 last_inbound_at = ?, last_outbound_at = ?, last_greeting_at = ?
		 WHERE id = ? AND version = ?`,
		state, time.Now().UTC(), nilIfZero(sess.LastInboundAt), nilIfZero(sess.LastOutboundAt), nilIfZero(sess.LastGreetingAt),
		sess.ID, sess.Version,
	)
	if err != nil {
		slog.Error("SQLiteStore.UpdateSession failed", "error", err, "id", sess.ID)
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session rows affected: %w", err)
	}
	if n == 0 {
		slog.Debug("SQLiteStore.UpdateSession: version conflict", "id", sess.ID, "version", sess.Version)
		return ErrVersionConflict
	}
	sess.Version++
	return nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, e models.MessageLogEntry) error {
	if e.ID == "" {
		e.ID = util.GenerateMessageID()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO message_log (id, session_id, direction, body, created_at, source_id)
		 VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		e.ID, e.SessionID, string(e.Direction), e.Body, e.Timestamp.UTC(), nilIfEmpty(e.SourceID),
	)
	if err != nil {
		slog.Error("SQLiteStore.AppendMessage failed", "error", err, "session_id", e.SessionID)
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

func (s *SQLiteStore) RecentMessages(ctx context.Context, sessionID string, limit int) ([]models.MessageLogEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, direction, body, created_at, source_id FROM message_log
		 WHERE session_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent messages query failed: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *SQLiteStore) HasRecentOutbound(ctx context.Context, sessionID, body string, since time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM message_log WHERE session_id = ? AND direction = 'out' AND body = ? AND created_at >= ?`,
		sessionID, body, since.UTC(),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("recent outbound check failed: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) SaveAppointment(ctx context.Context, a models.AppointmentRecord) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO appointments (id, phone, phone_digits, scheduled_at, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET scheduled_at = excluded.scheduled_at, status = excluded.status`,
		a.ID, a.Phone, util.DigitsOnly(a.Phone), a.ScheduledAt.UTC(), string(a.Status), a.CreatedAt.UTC(),
	)
	if err != nil {
		slog.Error("SQLiteStore.SaveAppointment failed", "error", err, "id", a.ID)
		return fmt.Errorf("save appointment: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FindRecentAppointmentByPhone(ctx context.Context, phone string, since time.Time, suffixDigits int) (*models.AppointmentRecord, error) {
	query := `SELECT id, phone, scheduled_at, status, created_at FROM appointments
		WHERE phone_digits = ? AND status != 'cancelled' AND created_at >= ?
		ORDER BY created_at DESC LIMIT 1`
	arg := util.DigitsOnly(phone)
	if suffixDigits > 0 {
		query = `SELECT id, phone, scheduled_at, status, created_at FROM appointments
			WHERE phone_digits LIKE ? AND status != 'cancelled' AND created_at >= ?
			ORDER BY created_at DESC LIMIT 1`
		arg = "%" + lastDigits(phone, suffixDigits)
	}
	a, err := scanAppointment(s.db.QueryRowContext(ctx, query, arg, since.UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find appointment: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) AddDecisionAudit(ctx context.Context, a models.DecisionAudit) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decision_audit (session_id, request, response, action, valid, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		a.SessionID, a.Request, a.Response, a.Action, a.Valid, a.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("add decision audit: %w", err)
	}
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	err := s.db.Close()
	if err != nil {
		slog.Error("SQLiteStore.Close: failed to close database", "error", err)
	}
	return err
}
