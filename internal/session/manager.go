// Package session manages per-conversation sessions on top of the store.
//
// Sessions are identified by (channel, peer). Creation is idempotent and state
// updates use optimistic concurrency: a write that loses to a concurrent writer
// is merged field by field onto the latest stored state and retried.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/BTreeMap/RepairPipe/internal/models"
	"github.com/BTreeMap/RepairPipe/internal/store"
)

// DefaultMaxRetries bounds re-read and merge attempts after a version conflict.
const DefaultMaxRetries = 3

// Repo is the persistence surface the Manager needs.
type Repo interface {
	store.SessionRepo
	store.MessageLog
}

// Manager loads, creates and persists sessions.
type Manager struct {
	repo       Repo
	group      singleflight.Group
	now        func() time.Time
	maxRetries int
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMaxRetries overrides DefaultMaxRetries.
func WithMaxRetries(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxRetries = n
		}
	}
}

// NewManager creates a Manager backed by repo.
func NewManager(repo Repo, opts ...Option) *Manager {
	m := &Manager{repo: repo, now: time.Now, maxRetries: DefaultMaxRetries}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Now returns the manager's current time.
func (m *Manager) Now() time.Time { return m.now() }

// GetOrCreate returns the session for (channel, peer), creating it on first contact.
// Concurrent callers in this process share one lookup; callers in other
// processes converge through the store's unique (channel, peer) key.
func (m *Manager) GetOrCreate(ctx context.Context, channel models.Channel, peer string) (*models.Session, error) {
	key := string(channel) + "|" + peer
	v, err, shared := m.group.Do(key, func() (interface{}, error) {
		sess, err := m.repo.GetSession(ctx, channel, peer)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, store.ErrSessionNotFound) {
			return nil, err
		}

		fresh := &models.Session{
			ID:        uuid.NewString(),
			Channel:   channel,
			Peer:      peer,
			CreatedAt: m.now().UTC(),
		}
		created, err := m.repo.CreateSession(ctx, fresh)
		if err != nil {
			return nil, err
		}
		if created {
			slog.Info("SessionManager.GetOrCreate: session created", "session_id", fresh.ID, "channel", channel, "peer", peer)
			return fresh, nil
		}
		// lost the insert race to another process
		return m.repo.GetSession(ctx, channel, peer)
	})
	if err != nil {
		slog.Error("SessionManager.GetOrCreate failed", "error", err, "channel", channel, "peer", peer)
		return nil, fmt.Errorf("get or create session: %w", err)
	}
	sess := v.(*models.Session)
	if shared {
		// callers must not share a mutable session
		copySess, err := m.repo.GetSessionByID(ctx, sess.ID)
		if err != nil {
			return nil, fmt.Errorf("reload shared session: %w", err)
		}
		return copySess, nil
	}
	return sess, nil
}

// Get returns the session with the given id.
func (m *Manager) Get(ctx context.Context, id string) (*models.Session, error) {
	return m.repo.GetSessionByID(ctx, id)
}

// Lookup returns the session for (channel, peer) without creating it.
func (m *Manager) Lookup(ctx context.Context, channel models.Channel, peer string) (*models.Session, error) {
	return m.repo.GetSession(ctx, channel, peer)
}

// Persist writes sess conditionally on its version. It returns
// store.ErrVersionConflict when another writer updated the session first.
func (m *Manager) Persist(ctx context.Context, sess *models.Session) error {
	return m.repo.UpdateSession(ctx, sess)
}

// Commit persists sess, whose state was derived from before. On a version
// conflict only the fields this caller changed are applied onto the latest
// stored state, so concurrent writers touching other fields are not clobbered.
func (m *Manager) Commit(ctx context.Context, sess *models.Session, before models.FunnelState) error {
	mine := *sess
	var lastErr error
	for attempt := 0; attempt < m.maxRetries; attempt++ {
		err := m.repo.UpdateSession(ctx, sess)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
		lastErr = err
		slog.Debug("SessionManager.Commit: version conflict, merging", "session_id", sess.ID, "attempt", attempt+1)

		latest, err := m.repo.GetSessionByID(ctx, sess.ID)
		if err != nil {
			return fmt.Errorf("reload session after conflict: %w", err)
		}
		merged, err := MergeChangedFields(before, mine.State, latest.State)
		if err != nil {
			return err
		}
		latest.State = merged
		latest.LastInboundAt = laterOf(latest.LastInboundAt, mine.LastInboundAt)
		latest.LastOutboundAt = laterOf(latest.LastOutboundAt, mine.LastOutboundAt)
		latest.LastGreetingAt = laterOf(latest.LastGreetingAt, mine.LastGreetingAt)
		*sess = *latest
	}
	slog.Warn("SessionManager.Commit: giving up after retries", "session_id", sess.ID, "retries", m.maxRetries)
	return lastErr
}

// Update re-reads the session, applies fn and persists, retrying on version conflicts.
func (m *Manager) Update(ctx context.Context, id string, fn func(*models.Session) error) (*models.Session, error) {
	var lastErr error
	for attempt := 0; attempt < m.maxRetries; attempt++ {
		sess, err := m.repo.GetSessionByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(sess); err != nil {
			return nil, err
		}
		err = m.repo.UpdateSession(ctx, sess)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// Reset clears the session's funnel state. Identity and timestamps are kept.
func (m *Manager) Reset(ctx context.Context, id string) (*models.Session, error) {
	sess, err := m.Update(ctx, id, func(s *models.Session) error {
		s.State = models.FunnelState{}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reset session: %w", err)
	}
	slog.Info("SessionManager.Reset: state cleared", "session_id", id)
	return sess, nil
}

// Touch records activity on the session at the given time.
func (m *Manager) Touch(ctx context.Context, id string, direction models.Direction, at time.Time) error {
	_, err := m.Update(ctx, id, func(s *models.Session) error {
		stamp := at.UTC()
		if direction == models.DirectionIn {
			s.LastInboundAt = laterOf(s.LastInboundAt, &stamp)
		} else {
			s.LastOutboundAt = laterOf(s.LastOutboundAt, &stamp)
		}
		return nil
	})
	return err
}

// AppendMessage adds an entry to the session's message log.
func (m *Manager) AppendMessage(ctx context.Context, sessionID string, direction models.Direction, body, sourceID string) error {
	return m.repo.AppendMessage(ctx, models.MessageLogEntry{
		SessionID: sessionID,
		Direction: direction,
		Body:      body,
		Timestamp: m.now().UTC(),
		SourceID:  sourceID,
	})
}

// RecentMessages returns the last limit log entries, oldest first.
func (m *Manager) RecentMessages(ctx context.Context, sessionID string, limit int) ([]models.MessageLogEntry, error) {
	return m.repo.RecentMessages(ctx, sessionID, limit)
}

// MergeChangedFields applies every top-level field that differs between
// before and mine onto latest. Fields mine did not touch keep latest's value.
func MergeChangedFields(before, mine, latest models.FunnelState) (models.FunnelState, error) {
	b, err := toFieldMap(before)
	if err != nil {
		return latest, err
	}
	m, err := toFieldMap(mine)
	if err != nil {
		return latest, err
	}
	l, err := toFieldMap(latest)
	if err != nil {
		return latest, err
	}

	for k, mv := range m {
		if bv, ok := b[k]; !ok || string(bv) != string(mv) {
			l[k] = mv
		}
	}
	for k := range b {
		if _, ok := m[k]; !ok {
			// cleared by this writer
			delete(l, k)
		}
	}

	raw, err := json.Marshal(l)
	if err != nil {
		return latest, fmt.Errorf("merge session state: %w", err)
	}
	var out models.FunnelState
	if err := json.Unmarshal(raw, &out); err != nil {
		return latest, fmt.Errorf("merge session state: %w", err)
	}
	return out, nil
}

func toFieldMap(st models.FunnelState) (map[string]json.RawMessage, error) {
	raw, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("encode session state: %w", err)
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode session state fields: %w", err)
	}
	return fields, nil
}

func laterOf(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.After(*a):
		return b
	default:
		return a
	}
}
