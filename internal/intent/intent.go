// Package intent turns free text into a normalized Decision through the LLM
// classifier. Whatever the model returns, the Decision that leaves this
// package carries a valid Action and only known extracted fields.
package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/RepairPipe/internal/genai"
	"github.com/BTreeMap/RepairPipe/internal/models"
)

// DefaultHistoryLimit is the number of log entries rendered into the prompt.
const DefaultHistoryLimit = 8

var (
	// ErrClassifierInvalidOutput marks output that could not be used as-is.
	ErrClassifierInvalidOutput = errors.New("classifier returned invalid output")
	// ErrClassifierUnavailable wraps transport failures of the classifier.
	ErrClassifierUnavailable = errors.New("classifier unavailable")
)

// SystemPrompt is sent verbatim on every call.
const SystemPrompt = `Você classifica mensagens de clientes de uma assistência técnica de eletrodomésticos.
Responda somente com um objeto JSON com as chaves:
"intent" (texto curto), "action" (uma de: generate_quote, collect_data, answer_info, schedule_service, transfer_human),
"extracted_fields" (objeto com qualquer das chaves: equipment, brand, problem, service_type, name, address, phone),
"suggested_reply" (texto em português, opcional).
Use generate_quote quando equipamento, marca e problema forem conhecidos.
Use schedule_service quando o cliente quiser marcar ou escolher um horário.
Use transfer_human quando o cliente pedir um atendente.
Na dúvida, use collect_data.`

// Completer is the chat-completion dependency.
type Completer interface {
	Complete(ctx context.Context, req genai.Request) (string, error)
}

// AuditRecorder stores raw classifier exchanges.
type AuditRecorder interface {
	AddDecisionAudit(ctx context.Context, a models.DecisionAudit) error
}

// Opts holds Boundary configuration.
type Opts struct {
	HistoryLimit int
	Audit        AuditRecorder
	Now          func() time.Time
}

// Option configures a Boundary.
type Option func(*Opts)

// WithHistoryLimit overrides DefaultHistoryLimit.
func WithHistoryLimit(n int) Option {
	return func(o *Opts) { o.HistoryLimit = n }
}

// WithAudit stores every exchange through rec.
func WithAudit(rec AuditRecorder) Option {
	return func(o *Opts) { o.Audit = rec }
}

// WithClock overrides the audit timestamp source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Boundary is the single entry point to the classifier.
type Boundary struct {
	llm  Completer
	opts Opts
}

// NewBoundary creates a Boundary. A nil llm makes every Decision the default
// collect_data one, so the deterministic funnel drives the conversation alone.
func NewBoundary(llm Completer, opts ...Option) *Boundary {
	cfg := Opts{HistoryLimit: DefaultHistoryLimit, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Boundary{llm: llm, opts: cfg}
}

// Decide classifies text. On any failure it still returns a usable Decision
// (action collect_data) together with the error describing what went wrong.
func (b *Boundary) Decide(ctx context.Context, sessionID, text string, state models.FunnelState, history []models.MessageLogEntry) (models.Decision, error) {
	fallback := models.Decision{Intent: "unknown", Action: models.ActionCollectData}
	if b.llm == nil {
		return fallback, nil
	}

	user := BuildPrompt(text, state, history, b.opts.HistoryLimit)
	raw, err := b.llm.Complete(ctx, genai.Request{System: SystemPrompt, User: user, JSON: true})
	if err != nil {
		slog.Warn("Boundary.Decide: classifier call failed", "session_id", sessionID, "error", err)
		b.audit(ctx, sessionID, user, "", fallback.Action, false)
		return fallback, fmt.Errorf("%w: %v", ErrClassifierUnavailable, err)
	}

	decision, perr := Parse(raw)
	if perr != nil {
		slog.Warn("Boundary.Decide: normalized classifier output", "session_id", sessionID, "error", perr)
	}
	slog.Debug("Boundary.Decide: decision", "session_id", sessionID, "intent", decision.Intent,
		"action", decision.Action.String(), "fields", len(decision.ExtractedFields))
	b.audit(ctx, sessionID, user, raw, decision.Action, perr == nil)
	return decision, perr
}

func (b *Boundary) audit(ctx context.Context, sessionID, request, response string, action models.Action, valid bool) {
	if b.opts.Audit == nil {
		return
	}
	rec := models.DecisionAudit{
		SessionID: sessionID,
		Request:   request,
		Response:  response,
		Action:    action.String(),
		Valid:     valid,
		CreatedAt: b.opts.Now(),
	}
	if err := b.opts.Audit.AddDecisionAudit(ctx, rec); err != nil {
		slog.Warn("Boundary.audit: failed to store decision audit", "session_id", sessionID, "error", err)
	}
}

type rawDecision struct {
	Intent          string         `json:"intent"`
	Action          string         `json:"action"`
	ExtractedFields map[string]any `json:"extracted_fields"`
	SuggestedReply  string         `json:"suggested_reply"`
}

// Parse normalizes raw classifier output. Unknown actions become
// collect_data and unknown field keys are dropped; in both cases the returned
// error wraps ErrClassifierInvalidOutput but the Decision is still usable.
func Parse(raw string) (models.Decision, error) {
	d := models.Decision{Intent: "unknown", Action: models.ActionCollectData}

	var rd rawDecision
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &rd); err != nil {
		return d, fmt.Errorf("%w: %v", ErrClassifierInvalidOutput, err)
	}
	if intent := strings.TrimSpace(rd.Intent); intent != "" {
		d.Intent = intent
	}
	d.SuggestedReply = strings.TrimSpace(rd.SuggestedReply)

	var problems []string
	action, ok := models.ParseAction(strings.ToLower(strings.TrimSpace(rd.Action)))
	if ok {
		d.Action = action
	} else {
		problems = append(problems, fmt.Sprintf("unknown action %q", rd.Action))
	}

	for key, v := range rd.ExtractedFields {
		k := strings.ToLower(strings.TrimSpace(key))
		if !slices.Contains(models.KnownFields, k) {
			problems = append(problems, fmt.Sprintf("unknown field %q", key))
			continue
		}
		s := fieldString(v)
		if s == "" {
			continue
		}
		if d.ExtractedFields == nil {
			d.ExtractedFields = make(map[string]string)
		}
		d.ExtractedFields[k] = s
	}

	if len(problems) > 0 {
		slices.Sort(problems)
		return d, fmt.Errorf("%w: %s", ErrClassifierInvalidOutput, strings.Join(problems, "; "))
	}
	return d, nil
}

func fieldString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// BuildPrompt renders the user message deterministically: the same inputs
// always produce the same string.
func BuildPrompt(text string, state models.FunnelState, history []models.MessageLogEntry, limit int) string {
	var b strings.Builder

	b.WriteString("Estado atual:\n")
	lines := stateLines(state)
	for _, k := range slices.Sorted(maps.Keys(lines)) {
		fmt.Fprintf(&b, "%s: %s\n", k, lines[k])
	}

	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	if len(history) > 0 {
		b.WriteString("\nHistórico recente:\n")
		for _, e := range history {
			who := "cliente"
			if e.Direction == models.DirectionOut {
				who = "assistente"
			}
			fmt.Fprintf(&b, "%s: %s\n", who, e.Body)
		}
	}

	b.WriteString("\nMensagem do cliente:\n")
	b.WriteString(text)
	return b.String()
}

func stateLines(st models.FunnelState) map[string]string {
	stage := st.Stage
	if stage == "" {
		stage = models.StageCollectingEquipment
	}
	lines := map[string]string{
		"stage":                    string(stage),
		"quote_delivered":          strconv.FormatBool(st.QuoteDelivered),
		"accepted_service":         strconv.FormatBool(st.AcceptedService),
		"pending_time_selection":   strconv.FormatBool(st.PendingTimeSelection),
		"collecting_personal_data": strconv.FormatBool(st.CollectingPersonalData),
	}
	add := func(k, v string) {
		if v != "" {
			lines[k] = v
		}
	}
	add(models.FieldEquipment, st.Equipment)
	add(models.FieldBrand, st.Brand)
	add(models.FieldProblem, st.Problem)
	add(models.FieldServiceType, st.ServiceType)
	add(models.FieldName, st.PersonalData.Name)
	add(models.FieldAddress, st.PersonalData.Address)
	if st.Quote != nil {
		lines["quote"] = fmt.Sprintf("%s %.2f", st.Quote.Currency, st.Quote.Value)
	}
	if len(st.Items) > 0 {
		lines["items"] = strconv.Itoa(len(st.Items))
	}
	return lines
}
