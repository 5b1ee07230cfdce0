package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BTreeMap/RepairPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nilIfZero returns nil for a nil time pointer and the UTC time otherwise.
func nilIfZero(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func encodeState(st models.FunnelState) (string, error) {
	b, err := json.Marshal(st)
	if err != nil {
		return "", fmt.Errorf("encode session state: %w", err)
	}
	return string(b), nil
}

func decodeState(raw string) (models.FunnelState, error) {
	var st models.FunnelState
	if raw == "" {
		return st, nil
	}
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return st, fmt.Errorf("decode session state: %w", err)
	}
	return st, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const sessionColumns = `id, channel, peer, state, version, created_at, last_inbound_at, last_outbound_at, last_greeting_at`

// scanSession scans a session row selected with sessionColumns.
func scanSession(row rowScanner) (*models.Session, error) {
	var s models.Session
	var channel, stateJSON string
	var lastIn, lastOut, lastGreet sql.NullTime
	err := row.Scan(&s.ID, &channel, &s.Peer, &stateJSON, &s.Version, &s.CreatedAt, &lastIn, &lastOut, &lastGreet)
	if err != nil {
		return nil, err
	}
	s.Channel = models.Channel(channel)
	st, err := decodeState(stateJSON)
	if err != nil {
		return nil, err
	}
	s.State = st
	if lastIn.Valid {
		s.LastInboundAt = &lastIn.Time
	}
	if lastOut.Valid {
		s.LastOutboundAt = &lastOut.Time
	}
	if lastGreet.Valid {
		s.LastGreetingAt = &lastGreet.Time
	}
	return &s, nil
}

// scanMessages reads message log rows and reverses them into chronological order.
func scanMessages(rows *sql.Rows) ([]models.MessageLogEntry, error) {
	var out []models.MessageLogEntry
	for rows.Next() {
		var e models.MessageLogEntry
		var direction string
		var sourceID sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionID, &direction, &e.Body, &e.Timestamp, &sourceID); err != nil {
			return nil, fmt.Errorf("scan message row failed: %w", err)
		}
		e.Direction = models.Direction(direction)
		e.SourceID = sourceID.String
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows failed: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func scanAppointment(row rowScanner) (*models.AppointmentRecord, error) {
	var a models.AppointmentRecord
	var status string
	if err := row.Scan(&a.ID, &a.Phone, &a.ScheduledAt, &status, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Status = models.AppointmentStatus(status)
	return &a, nil
}
