package signals

import "strings"

// Analysis is everything the rule tables can tell about one message.
type Analysis struct {
	Raw         string
	Normalized  string
	Signals     Set
	Equipment   []EquipmentMatch
	Brand       string
	Problem     string
	ServiceType string
	Name        string
	Address     string
	Phone       string
}

// Analyze runs every rule and extraction table over text.
func Analyze(text string) Analysis {
	normalized := Normalize(text)
	a := Analysis{
		Raw:         text,
		Normalized:  normalized,
		Signals:     classify(normalized, strings.ToLower(text)),
		Equipment:   FindEquipment(normalized),
		Problem:     FindProblem(normalized),
		ServiceType: FindServiceType(normalized),
		Name:        FindName(text),
		Address:     FindAddress(text),
		Phone:       FindPhone(text),
	}
	if brands := FindBrands(normalized); len(brands) > 0 {
		a.Brand = brands[0]
	}
	if len(DistinctEquipment(a.Equipment)) >= 2 {
		a.Signals = a.Signals.With(SignalMultiItem)
	}
	return a
}

// HasFunnelData reports whether the message carries any equipment, brand or problem.
func (a Analysis) HasFunnelData() bool {
	return len(a.Equipment) > 0 || a.Brand != "" || a.Problem != "" || a.ServiceType != ""
}

// HasPersonalData reports whether any personal field was extracted.
func (a Analysis) HasPersonalData() bool {
	return a.Name != "" || a.Address != "" || a.Phone != ""
}

// FirstEquipment returns the first equipment mention, or a zero match.
func (a Analysis) FirstEquipment() (EquipmentMatch, bool) {
	if len(a.Equipment) == 0 {
		return EquipmentMatch{}, false
	}
	return a.Equipment[0], true
}
