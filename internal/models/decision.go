package models

// Action is the closed set of actions the intent classifier may request.
type Action int

const (
	// ActionCollectData asks the next funnel question. It is the default for invalid output.
	ActionCollectData Action = iota
	ActionGenerateQuote
	ActionAnswerInfo
	ActionScheduleService
	ActionTransferHuman
)

var actionNames = [...]string{
	ActionCollectData:     "collect_data",
	ActionGenerateQuote:   "generate_quote",
	ActionAnswerInfo:      "answer_info",
	ActionScheduleService: "schedule_service",
	ActionTransferHuman:   "transfer_human",
}

// String returns the wire name of the action.
func (a Action) String() string {
	if a < 0 || int(a) >= len(actionNames) {
		return "unknown"
	}
	return actionNames[a]
}

// ParseAction maps a wire name to an Action. The boolean is false for unknown names.
func ParseAction(name string) (Action, bool) {
	for i, n := range actionNames {
		if n == name {
			return Action(i), true
		}
	}
	return ActionCollectData, false
}

// Known extracted-field keys accepted from the classifier.
const (
	FieldEquipment   = "equipment"
	FieldBrand       = "brand"
	FieldProblem     = "problem"
	FieldServiceType = "service_type"
	FieldName        = "name"
	FieldAddress     = "address"
	FieldPhone       = "phone"
)

// KnownFields lists every extracted-field key the funnel understands.
var KnownFields = []string{
	FieldEquipment, FieldBrand, FieldProblem, FieldServiceType,
	FieldName, FieldAddress, FieldPhone,
}

// Decision is the normalized classifier output for one inbound message.
type Decision struct {
	Intent          string            `json:"intent"`
	Action          Action            `json:"-"`
	ExtractedFields map[string]string `json:"extracted_fields,omitempty"`
	SuggestedReply  string            `json:"suggested_reply,omitempty"`
}
