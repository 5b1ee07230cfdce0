// Package funnel owns the ordering rules of the service-scheduling funnel:
// which question comes next, how newly extracted fields merge into the
// collected state, and when a quote must (or must not) be generated.
package funnel

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/BTreeMap/RepairPipe/internal/models"
	"github.com/BTreeMap/RepairPipe/internal/signals"
)

// ProblemInstallation is recorded as the problem for installation requests.
const ProblemInstallation = "instalação"

var (
	// ErrQuoteNotDelivered is returned when acceptance arrives before any quote.
	ErrQuoteNotDelivered = errors.New("quote not delivered")
	// ErrNotAccepted is returned when personal data or scheduling starts before acceptance.
	ErrNotAccepted = errors.New("service not accepted")
)

// Update is the set of fields extracted from one inbound message.
type Update struct {
	Equipment   string
	Brand       string
	Problem     string
	ServiceType string
	Name        string
	Address     string
	Phone       string
}

// Empty reports whether the update carries nothing.
func (u Update) Empty() bool {
	return u == Update{}
}

// UpdateFrom combines deterministic extraction with classifier fields.
// Deterministic matches win for equipment, brand and problem; the classifier
// only fills what the rule tables could not see.
func UpdateFrom(a signals.Analysis, d models.Decision) Update {
	u := Update{
		Brand:       a.Brand,
		Problem:     a.Problem,
		ServiceType: a.ServiceType,
		Name:        a.Name,
		Address:     a.Address,
		Phone:       a.Phone,
	}
	if m, ok := a.FirstEquipment(); ok {
		u.Equipment = m.Name
	}
	fill := func(dst *string, key string) {
		if *dst == "" {
			*dst = strings.TrimSpace(d.ExtractedFields[key])
		}
	}
	fill(&u.Equipment, models.FieldEquipment)
	fill(&u.Brand, models.FieldBrand)
	fill(&u.Problem, models.FieldProblem)
	fill(&u.ServiceType, models.FieldServiceType)
	fill(&u.Name, models.FieldName)
	fill(&u.Address, models.FieldAddress)
	fill(&u.Phone, models.FieldPhone)

	// classifier equipment is free text; map it onto the canonical name when possible
	if m := signals.FindEquipment(signals.Normalize(u.Equipment)); len(m) > 0 {
		u.Equipment = m[0].Name
	}
	if u.Phone != "" {
		u.Phone = signals.FindPhone(u.Phone)
	}
	return u
}

// MergeResult describes what Merge changed.
type MergeResult struct {
	Changed      bool
	FamilySwitch bool
}

// Merge applies u to st. When the new equipment belongs to a different family
// than the stored one, brand, problem and every quote-derived flag are
// cleared before the rest of u is applied, so stale answers are never
// attributed to the new item.
func Merge(st *models.FunnelState, u Update) MergeResult {
	var res MergeResult
	set := func(dst *string, v string) {
		if v != "" && *dst != v {
			*dst = v
			res.Changed = true
		}
	}

	if u.Equipment != "" && st.Equipment != "" && !sameFamily(st.Equipment, u.Equipment) {
		slog.Debug("funnel.Merge: equipment family switch", "from", st.Equipment, "to", u.Equipment)
		st.Brand = ""
		st.Problem = ""
		st.ServiceType = ""
		clearQuote(st)
		st.FamilySwitches++
		res.FamilySwitch = true
		res.Changed = true
	} else if u.Equipment != "" && st.Equipment != u.Equipment && st.Quote != nil && !st.AcceptedService {
		// same family, different appliance: the cached quote no longer applies
		clearQuote(st)
	}

	set(&st.Equipment, u.Equipment)
	set(&st.Brand, u.Brand)
	set(&st.Problem, u.Problem)
	set(&st.ServiceType, u.ServiceType)
	set(&st.PersonalData.Name, u.Name)
	set(&st.PersonalData.Address, u.Address)
	set(&st.PersonalData.Phone, u.Phone)

	if st.ServiceType == signals.ServiceInstallation && st.Problem == "" && st.Equipment != "" {
		st.Problem = ProblemInstallation
		res.Changed = true
	}
	st.Stage = Evaluate(*st)
	return res
}

func sameFamily(a, b string) bool {
	if strings.EqualFold(a, b) {
		return true
	}
	fa, fb := signals.FamilyOf(a), signals.FamilyOf(b)
	return fa != "" && fa == fb
}

func clearQuote(st *models.FunnelState) {
	st.Quote = nil
	st.QuoteDelivered = false
	st.AcceptedService = false
	st.CollectingPersonalData = false
	st.PendingTimeSelection = false
	st.OfferedSlots = nil
}

// Evaluate derives the funnel stage from the collected fields and flags.
// Terminal stages are sticky until a reset.
func Evaluate(st models.FunnelState) models.Stage {
	switch {
	case st.Stage.IsTerminal():
		return st.Stage
	case st.PendingTimeSelection:
		return models.StageAwaitingTimeSelection
	case st.CollectingPersonalData:
		return models.StageCollectingPersonalData
	case st.QuoteDelivered:
		return models.StageAwaitingAcceptance
	case st.Equipment == "":
		return models.StageCollectingEquipment
	case st.Brand == "":
		return models.StageCollectingBrand
	case st.Problem == "":
		return models.StageCollectingProblem
	default:
		return models.StageQuoteReady
	}
}

// ServiceType returns the stored service type, defaulting to repair.
func ServiceType(st models.FunnelState) string {
	if st.ServiceType != "" {
		return st.ServiceType
	}
	return signals.ServiceRepair
}

// NeedsQuote reports whether all quote inputs are present, the service has
// not been accepted yet, and no cached quote exists for the same tuple.
func NeedsQuote(st models.FunnelState) bool {
	if st.Equipment == "" || st.Brand == "" || st.Problem == "" || st.AcceptedService {
		return false
	}
	return !st.Quote.Matches(st.Equipment, ServiceType(st), st.Brand, st.Problem)
}

// HasCachedQuote reports whether st already holds a quote for its current tuple.
func HasCachedQuote(st models.FunnelState) bool {
	return st.Quote.Matches(st.Equipment, ServiceType(st), st.Brand, st.Problem)
}

// ApplyQuote caches q and marks it delivered.
func ApplyQuote(st *models.FunnelState, q models.QuoteRecord) {
	st.Quote = &q
	st.QuoteDelivered = true
	st.Stage = Evaluate(*st)
}

// Accept records explicit acceptance of the delivered quote. Personal data
// collection starts, unless it was already under way with everything needed,
// in which case the funnel is ready for time selection and ready is true.
func Accept(st *models.FunnelState) (ready bool, err error) {
	if !st.QuoteDelivered {
		return false, ErrQuoteNotDelivered
	}
	st.AcceptedService = true
	alreadyCollecting := st.CollectingPersonalData
	st.CollectingPersonalData = true
	st.Stage = Evaluate(*st)
	return alreadyCollecting && st.PersonalData.Complete(), nil
}

// BeginTimeSelection stores the offered slots and waits for the client's pick.
func BeginTimeSelection(st *models.FunnelState, slots []models.Slot) error {
	if !st.AcceptedService {
		return ErrNotAccepted
	}
	st.OfferedSlots = slots
	st.PendingTimeSelection = true
	st.Stage = Evaluate(*st)
	return nil
}

// MarkScheduled records a verified appointment.
func MarkScheduled(st *models.FunnelState, appointmentID string) {
	id := appointmentID
	st.AppointmentID = &id
	st.PendingTimeSelection = false
	st.OfferedSlots = nil
	st.Stage = models.StageScheduled
}

// MarkCancelled records a cancelled appointment.
func MarkCancelled(st *models.FunnelState) {
	st.PendingTimeSelection = false
	st.OfferedSlots = nil
	st.Stage = models.StageCancelled
}

// MarkTransferred hands the conversation to a human attendant.
func MarkTransferred(st *models.FunnelState) {
	st.PendingTimeSelection = false
	st.Stage = models.StageTransferredToHuman
}

// Absorb merges one analyzed message into st. Terminal sessions take
// nothing; while personal data is being collected, a message that names no
// equipment contributes only personal fields.
func Absorb(st *models.FunnelState, a signals.Analysis, d models.Decision) MergeResult {
	if st.Stage.IsTerminal() {
		return MergeResult{}
	}
	u := UpdateFrom(a, d)
	if st.CollectingPersonalData && len(a.Equipment) == 0 {
		u = Update{Name: u.Name, Address: u.Address, Phone: u.Phone}
	}
	return Merge(st, u)
}
