// Package models defines session and funnel state structures for RepairPipe.
package models

import (
	"strings"
	"time"
)

// Stage is the position of a session inside the service-scheduling funnel.
type Stage string

const (
	StageCollectingEquipment    Stage = "collecting_equipment"
	StageCollectingBrand        Stage = "collecting_brand"
	StageCollectingProblem      Stage = "collecting_problem"
	StageQuoteReady             Stage = "quote_ready"
	StageAwaitingAcceptance     Stage = "awaiting_acceptance"
	StageCollectingPersonalData Stage = "collecting_personal_data"
	StageAwaitingTimeSelection  Stage = "awaiting_time_selection"
	StageScheduled              Stage = "scheduled"
	StageTransferredToHuman     Stage = "transferred_to_human"
	StageCancelled              Stage = "cancelled"
)

// IsTerminal reports whether no further funnel progress is possible from s.
func (s Stage) IsTerminal() bool {
	switch s {
	case StageScheduled, StageTransferredToHuman, StageCancelled:
		return true
	default:
		return false
	}
}

// QuoteSource records where a quote value came from.
type QuoteSource string

const (
	QuoteSourceBackend  QuoteSource = "backend"
	QuoteSourceFallback QuoteSource = "fallback"
	QuoteSourceOffline  QuoteSource = "offline"
)

// QuoteRecord is a priced estimate for one equipment/service/problem tuple.
type QuoteRecord struct {
	Equipment   string      `json:"equipment"`
	ServiceType string      `json:"service_type"`
	Brand       string      `json:"brand"`
	Problem     string      `json:"problem"`
	Currency    string      `json:"currency"`
	Value       float64     `json:"value"`
	Source      QuoteSource `json:"source"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Matches reports whether the quote was produced for exactly this input tuple.
func (q *QuoteRecord) Matches(equipment, serviceType, brand, problem string) bool {
	if q == nil {
		return false
	}
	return strings.EqualFold(q.Equipment, equipment) &&
		strings.EqualFold(q.ServiceType, serviceType) &&
		strings.EqualFold(q.Brand, brand) &&
		strings.EqualFold(q.Problem, problem)
}

// AppointmentStatus is the lifecycle status of a booked visit.
type AppointmentStatus string

const (
	AppointmentStatusConfirmed AppointmentStatus = "confirmed"
	AppointmentStatusPending   AppointmentStatus = "pending"
	AppointmentStatusCancelled AppointmentStatus = "cancelled"
)

// AppointmentRecord is a booked technician visit.
type AppointmentRecord struct {
	ID          string            `json:"id"`
	Phone       string            `json:"phone"`
	ScheduledAt time.Time         `json:"scheduled_at"`
	Status      AppointmentStatus `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Slot is an available visit window offered to the client.
type Slot struct {
	ID    string    `json:"id"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Label string    `json:"label"`
}

// FunnelItem is one piece of equipment in a multi-item request.
type FunnelItem struct {
	Equipment   string       `json:"equipment"`
	Brand       string       `json:"brand,omitempty"`
	Problem     string       `json:"problem,omitempty"`
	ServiceType string       `json:"service_type,omitempty"`
	Quote       *QuoteRecord `json:"quote,omitempty"`
}

// Complete reports whether the item has everything needed for a quote.
func (i FunnelItem) Complete() bool {
	return i.Equipment != "" && i.Brand != "" && i.Problem != ""
}

// PersonalData is the client information required to book a visit.
type PersonalData struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address,omitempty"`
	Phone   string `json:"phone,omitempty"`
}

// Complete reports whether booking can proceed.
func (p PersonalData) Complete() bool {
	return p.Name != "" && p.Address != ""
}

// FunnelState is the collected-data portion of a session's state.
// Invariants: AcceptedService implies QuoteDelivered, and
// CollectingPersonalData implies AcceptedService.
type FunnelState struct {
	Equipment              string        `json:"equipment,omitempty"`
	Brand                  string        `json:"brand,omitempty"`
	Problem                string        `json:"problem,omitempty"`
	ServiceType            string        `json:"service_type,omitempty"`
	Quote                  *QuoteRecord  `json:"quote,omitempty"`
	Quotes                 []QuoteRecord `json:"quotes,omitempty"`
	Items                  []FunnelItem  `json:"items,omitempty"`
	QuoteDelivered         bool          `json:"quote_delivered,omitempty"`
	AcceptedService        bool          `json:"accepted_service,omitempty"`
	PendingTimeSelection   bool          `json:"pending_time_selection,omitempty"`
	CollectingPersonalData bool          `json:"collecting_personal_data,omitempty"`
	PersonalData           PersonalData  `json:"personal_data,omitempty"`
	OfferedSlots           []Slot        `json:"offered_slots,omitempty"`
	AppointmentID          *string       `json:"appointment_id,omitempty"`
	Stage                  Stage         `json:"stage,omitempty"`
	FamilySwitches         int           `json:"family_switches,omitempty"`
}

// IsEmpty reports whether nothing has been collected yet.
func (f FunnelState) IsEmpty() bool {
	return f.Equipment == "" && f.Brand == "" && f.Problem == "" && f.ServiceType == "" &&
		f.Quote == nil && len(f.Quotes) == 0 && len(f.Items) == 0 &&
		!f.QuoteDelivered && !f.AcceptedService && !f.PendingTimeSelection &&
		!f.CollectingPersonalData && f.PersonalData == (PersonalData{}) &&
		len(f.OfferedSlots) == 0 && f.AppointmentID == nil && f.Stage == "" && f.FamilySwitches == 0
}

// Session is the per-conversation record identified by (Channel, Peer).
type Session struct {
	ID             string      `json:"id"`
	Channel        Channel     `json:"channel"`
	Peer           string      `json:"peer"`
	State          FunnelState `json:"state"`
	Version        int64       `json:"version"`
	CreatedAt      time.Time   `json:"created_at"`
	LastInboundAt  *time.Time  `json:"last_inbound_at,omitempty"`
	LastOutboundAt *time.Time  `json:"last_outbound_at,omitempty"`
	LastGreetingAt *time.Time  `json:"last_greeting_at,omitempty"`
}

// LastActivity returns the most recent inbound or outbound time, or nil.
func (s *Session) LastActivity() *time.Time {
	switch {
	case s.LastInboundAt == nil:
		return s.LastOutboundAt
	case s.LastOutboundAt == nil:
		return s.LastInboundAt
	case s.LastOutboundAt.After(*s.LastInboundAt):
		return s.LastOutboundAt
	default:
		return s.LastInboundAt
	}
}

// MessageLogEntry is one row of the append-only conversation log.
type MessageLogEntry struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Direction Direction `json:"direction"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
	SourceID  string    `json:"source_id,omitempty"`
}

// DecisionAudit is the raw classifier exchange kept for audit.
type DecisionAudit struct {
	SessionID string    `json:"session_id"`
	Request   string    `json:"request"`
	Response  string    `json:"response"`
	Action    string    `json:"action"`
	Valid     bool      `json:"valid"`
	CreatedAt time.Time `json:"created_at"`
}
