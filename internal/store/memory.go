package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/RepairPipe/internal/models"
)

// InMemoryStore is a process-local Store used when no database is configured and in tests.
type InMemoryStore struct {
	mu           sync.Mutex
	sessions     map[string]*models.Session
	byPeer       map[string]string
	messages     map[string][]models.MessageLogEntry
	outboundKeys map[string]struct{}
	dedup        map[string]DedupRecord
	appointments map[string]models.AppointmentRecord
	audits       []models.DecisionAudit
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:     make(map[string]*models.Session),
		byPeer:       make(map[string]string),
		messages:     make(map[string][]models.MessageLogEntry),
		outboundKeys: make(map[string]struct{}),
		dedup:        make(map[string]DedupRecord),
		appointments: make(map[string]models.AppointmentRecord),
	}
}

func peerKey(channel models.Channel, peer string) string {
	return string(channel) + "|" + peer
}

// cloneSession returns a deep copy so callers never share state with the store.
func cloneSession(s *models.Session) *models.Session {
	data, err := encodeState(s.State)
	c := *s
	if err == nil {
		if st, derr := decodeState(data); derr == nil {
			c.State = st
		}
	}
	return &c
}

func (s *InMemoryStore) GetSession(ctx context.Context, channel models.Channel, peer string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byPeer[peerKey(channel, peer)]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(s.sessions[id]), nil
}

func (s *InMemoryStore) GetSessionByID(ctx context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(sess), nil
}

func (s *InMemoryStore) CreateSession(ctx context.Context, sess *models.Session) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := peerKey(sess.Channel, sess.Peer)
	if _, exists := s.byPeer[key]; exists {
		return false, nil
	}
	s.byPeer[key] = sess.ID
	s.sessions[sess.ID] = cloneSession(sess)
	return true, nil
}

func (s *InMemoryStore) UpdateSession(ctx context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[sess.ID]
	if !ok {
		return ErrSessionNotFound
	}
	if cur.Version != sess.Version {
		return ErrVersionConflict
	}
	sess.Version++
	s.sessions[sess.ID] = cloneSession(sess)
	return nil
}

func (s *InMemoryStore) AppendMessage(ctx context.Context, e models.MessageLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Direction == models.DirectionOut && e.SourceID != "" {
		key := e.SessionID + "|" + e.SourceID
		if _, dup := s.outboundKeys[key]; dup {
			return ErrDuplicateOutbound
		}
		s.outboundKeys[key] = struct{}{}
	}
	e.Timestamp = e.Timestamp.UTC()
	s.messages[e.SessionID] = append(s.messages[e.SessionID], e)
	return nil
}

func (s *InMemoryStore) RecentMessages(ctx context.Context, sessionID string, limit int) ([]models.MessageLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.messages[sessionID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]models.MessageLogEntry, len(all))
	copy(out, all)
	return out, nil
}

func (s *InMemoryStore) HasRecentOutbound(ctx context.Context, sessionID, body string, since time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.messages[sessionID] {
		if e.Direction == models.DirectionOut && e.Body == body && !e.Timestamp.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemoryStore) RecordInbound(ctx context.Context, messageID, peer string, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if rec, ok := s.dedup[messageID]; ok && !rec.ReceivedAt.Before(now.Add(-window)) {
		return false, nil
	}
	s.dedup[messageID] = DedupRecord{MessageID: messageID, Peer: peer, ReceivedAt: now}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.dedup[messageID]; ok {
		now := time.Now().UTC()
		rec.ProcessedAt = &now
		s.dedup[messageID] = rec
	}
	return nil
}

func (s *InMemoryStore) SaveAppointment(ctx context.Context, a models.AppointmentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.ScheduledAt = a.ScheduledAt.UTC()
	s.appointments[a.ID] = a
	return nil
}

func (s *InMemoryStore) FindRecentAppointmentByPhone(ctx context.Context, phone string, since time.Time, suffixDigits int) (*models.AppointmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := lastDigits(phone, suffixDigits)
	var matches []models.AppointmentRecord
	for _, a := range s.appointments {
		if a.Status == models.AppointmentStatusCancelled || a.CreatedAt.Before(since) {
			continue
		}
		got := lastDigits(a.Phone, suffixDigits)
		if suffixDigits > 0 {
			if len(got) < suffixDigits || got != want {
				continue
			}
		} else if got != want {
			continue
		}
		matches = append(matches, a)
	}
	if len(matches) == 0 {
		return nil, nil
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].CreatedAt.After(matches[j].CreatedAt) })
	found := matches[0]
	return &found, nil
}

func (s *InMemoryStore) AddDecisionAudit(ctx context.Context, a models.DecisionAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, a)
	return nil
}

// DecisionAudits returns a copy of all stored audit rows.
func (s *InMemoryStore) DecisionAudits() []models.DecisionAudit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.DecisionAudit, len(s.audits))
	copy(out, s.audits)
	return out
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }
