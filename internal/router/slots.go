package router

import (
	"regexp"
	"strconv"
	"time"

	"github.com/BTreeMap/RepairPipe/internal/models"
	"github.com/BTreeMap/RepairPipe/internal/signals"
)

var (
	numberPickRe  = regexp.MustCompile(`^(?:opcao |numero |horario |o |a )?([1-9]|10)(?: opcao| horario)?$`)
	ordinalPickRe = regexp.MustCompile(`^(?:a |o )?(primeir|segund|terceir|quart|quint)[oa](?: opcao| horario)?$`)
	weekdayRe     = regexp.MustCompile(`\b(domingo|segunda|terca|quarta|quinta|sexta|sabado)\b`)
	hourRe        = regexp.MustCompile(`\b(\d{1,2})(?::(\d{2})|h(\d{2})?)\b|\bas (\d{1,2})\b`)
	periodRe      = regexp.MustCompile(`\b(manha|tarde|noite)\b`)
)

var ordinals = map[string]int{"primeir": 1, "segund": 2, "terceir": 3, "quart": 4, "quint": 5}

var weekdayIndex = map[string]time.Weekday{
	"domingo": time.Sunday, "segunda": time.Monday, "terca": time.Tuesday, "quarta": time.Wednesday,
	"quinta": time.Thursday, "sexta": time.Friday, "sabado": time.Saturday,
}

// SelectSlot maps the client's answer onto one of the offered slots. It
// understands option numbers ("2", "opção 2"), ordinals ("a segunda"), the
// slot label itself, and weekday, hour or period descriptions ("quinta às
// 14h", "de manhã"). A bare confirmation picks the only slot offered.
func SelectSlot(slots []models.Slot, a signals.Analysis) (models.Slot, bool) {
	if len(slots) == 0 {
		return models.Slot{}, false
	}
	text := a.Normalized

	if m := numberPickRe.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		return pick(slots, n)
	}
	if m := ordinalPickRe.FindStringSubmatch(text); m != nil {
		if s, ok := pick(slots, ordinals[m[1]]); ok {
			return s, true
		}
	}
	for _, s := range slots {
		if s.Label != "" && signals.Normalize(s.Label) == text {
			return s, true
		}
	}

	if s, ok := matchDescription(slots, text); ok {
		return s, true
	}
	if len(slots) == 1 && a.Signals.Has(signals.SignalAffirmative) {
		return slots[0], true
	}
	return models.Slot{}, false
}

func pick(slots []models.Slot, n int) (models.Slot, bool) {
	if n < 1 || n > len(slots) {
		return models.Slot{}, false
	}
	return slots[n-1], true
}

// matchDescription returns the first slot matching every criterion the text
// names. Text naming none of them matches nothing.
func matchDescription(slots []models.Slot, text string) (models.Slot, bool) {
	day, hasDay := time.Weekday(0), false
	if m := weekdayRe.FindStringSubmatch(text); m != nil {
		day, hasDay = weekdayIndex[m[1]], true
	}
	hour, hasHour := 0, false
	if m := hourRe.FindStringSubmatch(text); m != nil {
		h := m[1]
		if h == "" {
			h = m[4]
		}
		if n, err := strconv.Atoi(h); err == nil && n < 24 {
			hour, hasHour = n, true
		}
	}
	period := ""
	if m := periodRe.FindStringSubmatch(text); m != nil {
		period = m[1]
	}
	if !hasDay && !hasHour && period == "" {
		return models.Slot{}, false
	}

	for _, s := range slots {
		if hasDay && s.Start.Weekday() != day {
			continue
		}
		if hasHour && s.Start.Hour() != hour {
			continue
		}
		if period != "" && periodOf(s.Start) != period {
			continue
		}
		return s, true
	}
	return models.Slot{}, false
}

func periodOf(t time.Time) string {
	switch h := t.Hour(); {
	case h < 12:
		return "manha"
	case h < 18:
		return "tarde"
	default:
		return "noite"
	}
}
