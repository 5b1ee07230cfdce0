package funnel

import (
	"github.com/BTreeMap/RepairPipe/internal/models"
	"github.com/BTreeMap/RepairPipe/internal/signals"
)

// Segment splits a multi-item message into one item per equipment mention.
// Each item owns the text from its equipment token up to the next one; text
// before the first token belongs to the first item. A brand mentioned only
// once in the whole message applies to every item that names none.
func Segment(text string) []models.FunnelItem {
	normalized := signals.Normalize(text)
	matches := signals.FindEquipment(normalized)
	if len(matches) == 0 {
		return nil
	}

	brands := signals.FindBrands(normalized)
	sharedBrand := ""
	if len(brands) == 1 {
		sharedBrand = brands[0]
	}
	service := signals.FindServiceType(normalized)

	var items []models.FunnelItem
	index := make(map[string]int)
	for i, m := range matches {
		start := m.Start
		if i == 0 {
			start = 0
		}
		end := len(normalized)
		if i+1 < len(matches) {
			end = matches[i+1].Start
		}
		part := normalized[start:end]

		item := models.FunnelItem{Equipment: m.Name, ServiceType: service}
		if b := signals.FindBrands(part); len(b) > 0 {
			item.Brand = b[0]
		} else {
			item.Brand = sharedBrand
		}
		item.Problem = signals.FindProblem(part)
		if item.Problem == "" && service == signals.ServiceInstallation {
			item.Problem = ProblemInstallation
		}

		// a repeated equipment token refines the existing item
		if at, ok := index[m.Name]; ok {
			mergeItem(&items[at], item)
			continue
		}
		index[m.Name] = len(items)
		items = append(items, item)
	}
	return items
}

func mergeItem(dst *models.FunnelItem, src models.FunnelItem) {
	if dst.Brand == "" {
		dst.Brand = src.Brand
	}
	if dst.Problem == "" {
		dst.Problem = src.Problem
	}
}

// MergeItems folds newly segmented items into the stored ones by equipment
// name. Items not mentioned again are kept untouched.
func MergeItems(stored, incoming []models.FunnelItem) []models.FunnelItem {
	out := append([]models.FunnelItem(nil), stored...)
	for _, in := range incoming {
		found := false
		for i := range out {
			if out[i].Equipment != in.Equipment {
				continue
			}
			found = true
			if in.Brand != "" && in.Brand != out[i].Brand {
				out[i].Brand = in.Brand
				out[i].Quote = nil
			}
			if in.Problem != "" && in.Problem != out[i].Problem {
				out[i].Problem = in.Problem
				out[i].Quote = nil
			}
			break
		}
		if !found {
			out = append(out, in)
		}
	}
	return out
}

// ItemsComplete reports whether every item can be quoted.
func ItemsComplete(items []models.FunnelItem) bool {
	if len(items) == 0 {
		return false
	}
	for _, it := range items {
		if !it.Complete() {
			return false
		}
	}
	return true
}

// FillItemsFromUpdate applies a single-item follow-up answer (for example just
// a brand) to the first incomplete item.
func FillItemsFromUpdate(items []models.FunnelItem, u Update) bool {
	for i := range items {
		if items[i].Complete() {
			continue
		}
		changed := false
		if items[i].Brand == "" && u.Brand != "" {
			items[i].Brand = u.Brand
			changed = true
		}
		if items[i].Problem == "" && u.Problem != "" {
			items[i].Problem = u.Problem
			changed = true
		}
		return changed
	}
	return false
}

// ApplyBatchQuotes stores per-item quotes and marks the batch delivered.
// The first item's quote doubles as the session quote so acceptance and
// idempotence checks work the same way as for a single item.
func ApplyBatchQuotes(st *models.FunnelState, items []models.FunnelItem) {
	st.Items = items
	st.Quotes = nil
	for _, it := range items {
		if it.Quote != nil {
			st.Quotes = append(st.Quotes, *it.Quote)
		}
	}
	first := items[0]
	st.Equipment, st.Brand, st.Problem = first.Equipment, first.Brand, first.Problem
	if first.ServiceType != "" {
		st.ServiceType = first.ServiceType
	}
	if first.Quote != nil {
		ApplyQuote(st, *first.Quote)
	}
}
