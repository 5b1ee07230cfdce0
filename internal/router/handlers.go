package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/BTreeMap/RepairPipe/internal/funnel"
	"github.com/BTreeMap/RepairPipe/internal/models"
	"github.com/BTreeMap/RepairPipe/internal/signals"
	"github.com/BTreeMap/RepairPipe/internal/tools"
)

const replySlotTaken = "Esse horário acabou de ser preenchido. Escolha outra opção:"

func (r *Router) collect(ctx context.Context, t *Turn) (models.Reply, error) {
	st := t.state()
	if len(st.Items) > 1 && !st.QuoteDelivered {
		funnel.FillItemsFromUpdate(st.Items, funnel.UpdateFrom(t.Analysis, t.Decision))
		return r.quoteItems(ctx, t, nil)
	}
	if funnel.NeedsQuote(*st) {
		return r.quote(ctx, t)
	}
	return funnel.NextQuestion(*st), nil
}

// quote produces a quote only when every input is present. A quote cached for
// the same tuple is repeated without calling the backend.
func (r *Router) quote(ctx context.Context, t *Turn) (models.Reply, error) {
	st := t.state()
	if st.AcceptedService {
		return funnel.NextQuestion(*st), nil
	}
	if t.Analysis.Signals.Has(signals.SignalMultiItem) || len(st.Items) > 1 {
		return r.quoteItems(ctx, t, funnel.Segment(t.Analysis.Raw))
	}
	if funnel.HasCachedQuote(*st) {
		return funnel.QuoteReply(*st), nil
	}
	if !funnel.NeedsQuote(*st) {
		return funnel.NextQuestion(*st), nil
	}

	q, err := r.tools.BuildQuote(ctx, tools.QuoteInput{
		Equipment:   st.Equipment,
		ServiceType: funnel.ServiceType(*st),
		Brand:       st.Brand,
		Problem:     st.Problem,
	})
	if err != nil {
		return models.Reply{}, fmt.Errorf("build quote: %w", err)
	}
	funnel.ApplyQuote(st, q)
	slog.Info("Router.quote: quote delivered", "session_id", t.Session.ID, "equipment", q.Equipment,
		"value", q.Value, "source", q.Source)
	return funnel.QuoteReply(*st), nil
}

// quoteItems merges incoming items into the stored batch and quotes every
// item once all of them are complete.
func (r *Router) quoteItems(ctx context.Context, t *Turn, incoming []models.FunnelItem) (models.Reply, error) {
	st := t.state()
	items := funnel.MergeItems(st.Items, incoming)
	if len(items) == 0 {
		return funnel.NextQuestion(*st), nil
	}
	st.Items = items
	if !funnel.ItemsComplete(items) {
		return funnel.ItemsQuestion(items), nil
	}
	for i := range items {
		it := &items[i]
		serviceType := it.ServiceType
		if serviceType == "" {
			serviceType = signals.ServiceRepair
		}
		if it.Quote.Matches(it.Equipment, serviceType, it.Brand, it.Problem) {
			continue
		}
		q, err := r.tools.BuildQuote(ctx, tools.QuoteInput{
			Equipment:   it.Equipment,
			ServiceType: serviceType,
			Brand:       it.Brand,
			Problem:     it.Problem,
		})
		if err != nil {
			return models.Reply{}, fmt.Errorf("build quote for %s: %w", it.Equipment, err)
		}
		it.Quote = &q
	}
	funnel.ApplyBatchQuotes(st, items)
	slog.Info("Router.quoteItems: batch quote delivered", "session_id", t.Session.ID, "items", len(items))
	return funnel.QuoteReply(*st), nil
}

func (r *Router) info(ctx context.Context, t *Turn) (models.Reply, error) {
	next := funnel.NextQuestion(*t.state())
	if funnel.NeedsQuote(*t.state()) {
		var err error
		if next, err = r.quote(ctx, t); err != nil {
			return models.Reply{}, err
		}
	}
	answer := strings.TrimSpace(t.Decision.SuggestedReply)
	if answer == "" {
		return next, nil
	}
	return models.Reply{Text: answer + "\n\n" + next.Text, Options: next.Options}, nil
}

func (r *Router) accept(ctx context.Context, t *Turn) (models.Reply, error) {
	st := t.state()
	if _, err := funnel.Accept(st); err != nil {
		if errors.Is(err, funnel.ErrQuoteNotDelivered) {
			return r.collect(ctx, t)
		}
		return models.Reply{}, err
	}
	slog.Info("Router.accept: service accepted", "session_id", t.Session.ID)
	if st.PersonalData.Complete() {
		return r.offerSlots(ctx, t)
	}
	return funnel.PersonalDataQuestion(st.PersonalData), nil
}

func (r *Router) personalData(ctx context.Context, t *Turn) (models.Reply, error) {
	st := t.state()
	pd := &st.PersonalData
	raw := strings.TrimSpace(t.Analysis.Raw)
	switch {
	case pd.Name == "" && signals.LooksLikeBareName(raw):
		pd.Name = raw
	case pd.Name != "" && pd.Address == "" && t.Analysis.Address == "" && looksLikeFreeAddress(raw):
		pd.Address = strings.Trim(raw, ".,; ")
	}
	if !pd.Complete() {
		return funnel.PersonalDataQuestion(*pd), nil
	}
	return r.offerSlots(ctx, t)
}

// offerSlots lists visit windows once personal data is complete.
func (r *Router) offerSlots(ctx context.Context, t *Turn) (models.Reply, error) {
	st := t.state()
	date := r.opts.Now().Add(r.opts.AvailabilityLead)
	slots, err := r.tools.GetAvailability(ctx, date, funnel.ServiceType(*st))
	if err != nil {
		slog.Warn("Router.offerSlots: availability lookup failed", "session_id", t.Session.ID, "error", err)
		return models.Reply{Text: funnel.ReplyNoSlots}, nil
	}
	if len(slots) == 0 {
		return models.Reply{Text: funnel.ReplyNoSlots}, nil
	}
	if len(slots) > models.MaxReplyOptions {
		slots = slots[:models.MaxReplyOptions]
	}
	if err := funnel.BeginTimeSelection(st, slots); err != nil {
		return models.Reply{}, err
	}
	return funnel.SlotsReply(slots), nil
}

func (r *Router) schedule(ctx context.Context, t *Turn) (models.Reply, error) {
	st := t.state()
	switch {
	case st.Stage == models.StageScheduled:
		return models.Reply{Text: funnel.ReplyAlreadyScheduled}, nil
	case st.PendingTimeSelection:
		slot, ok := SelectSlot(st.OfferedSlots, t.Analysis)
		if !ok {
			return models.Reply{Text: funnel.ReplyPickSlot, Options: funnel.SlotsReply(st.OfferedSlots).Options}, nil
		}
		return r.book(ctx, t, slot)
	case st.QuoteDelivered && !st.AcceptedService:
		// a time word alone does not accept the quote
		sig := t.Analysis.Signals
		switch {
		case sig.Has(signals.SignalNegative):
			return models.Reply{Text: funnel.ReplyDeclined}, nil
		case sig.Has(signals.SignalAffirmative):
			return r.accept(ctx, t)
		default:
			return funnel.QuoteReply(*st), nil
		}
	case st.CollectingPersonalData:
		if st.PersonalData.Complete() {
			return r.offerSlots(ctx, t)
		}
		return funnel.PersonalDataQuestion(st.PersonalData), nil
	default:
		return r.collect(ctx, t)
	}
}

func (r *Router) book(ctx context.Context, t *Turn, slot models.Slot) (models.Reply, error) {
	st := t.state()
	req := tools.BookingRequest{
		Name:      st.PersonalData.Name,
		Phone:     bookingPhone(t.Session),
		Address:   st.PersonalData.Address,
		Equipment: st.Equipment,
		Brand:     st.Brand,
		Problem:   st.Problem,
		SlotID:    slot.ID,
		Start:     slot.Start,
		End:       slot.End,
	}
	rec, err := r.tools.CreateAppointment(ctx, req)
	switch {
	case err == nil:
		funnel.MarkScheduled(st, rec.ID)
		slog.Info("Router.book: appointment scheduled", "session_id", t.Session.ID, "appointment_id", rec.ID)
		return funnel.ScheduledReply(rec, &slot), nil
	case errors.Is(err, tools.ErrAmbiguousBooking), errors.Is(err, tools.ErrToolUnavailable):
		slog.Warn("Router.book: booking not confirmed", "session_id", t.Session.ID, "slot_id", slot.ID, "error", err)
		return models.Reply{Text: funnel.ReplyBookingPending, Options: funnel.SlotsReply(st.OfferedSlots).Options}, nil
	default:
		slog.Warn("Router.book: slot rejected", "session_id", t.Session.ID, "slot_id", slot.ID, "error", err)
		st.OfferedSlots = withoutSlot(st.OfferedSlots, slot)
		if len(st.OfferedSlots) == 0 {
			st.PendingTimeSelection = false
			st.Stage = funnel.Evaluate(*st)
			return r.offerSlots(ctx, t)
		}
		return models.Reply{Text: replySlotTaken, Options: funnel.SlotsReply(st.OfferedSlots).Options}, nil
	}
}

func (r *Router) transfer(_ context.Context, t *Turn) (models.Reply, error) {
	funnel.MarkTransferred(t.state())
	slog.Info("Router.transfer: handed over to a human", "session_id", t.Session.ID)
	return models.Reply{Text: funnel.ReplyTransferred}, nil
}

func (r *Router) cancel(ctx context.Context, t *Turn) (models.Reply, error) {
	st := t.state()
	if st.AppointmentID == nil {
		return models.Reply{Text: funnel.ReplyDeclined}, nil
	}
	if err := r.tools.CancelAppointment(ctx, *st.AppointmentID, bookingPhone(t.Session)); err != nil {
		slog.Error("Router.cancel: cancellation failed", "session_id", t.Session.ID, "appointment_id", *st.AppointmentID, "error", err)
		return models.Reply{Text: funnel.ReplyCancelFailed}, nil
	}
	funnel.MarkCancelled(st)
	return models.Reply{Text: funnel.ReplyCancelled}, nil
}

// bookingPhone prefers the phone the client typed over the channel address.
func bookingPhone(s *models.Session) string {
	if p := s.State.PersonalData.Phone; p != "" {
		return p
	}
	var b strings.Builder
	for _, c := range s.Peer {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	return b.String()
}

func withoutSlot(slots []models.Slot, drop models.Slot) []models.Slot {
	out := make([]models.Slot, 0, len(slots))
	for _, s := range slots {
		if s.ID == drop.ID && s.Start.Equal(drop.Start) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// looksLikePersonalData reports whether a message sent while personal data is
// being collected is an answer to that question.
func looksLikePersonalData(st models.FunnelState, a signals.Analysis) bool {
	if a.Signals.Has(signals.SignalPersonalData) || a.HasPersonalData() {
		return true
	}
	if st.PersonalData.Name == "" {
		return signals.LooksLikeBareName(a.Raw)
	}
	return st.PersonalData.Address == "" && looksLikeFreeAddress(a.Raw)
}

// looksLikeFreeAddress accepts an address typed without a street marker,
// e.g. "Joaquim Nabuco 120, Centro".
func looksLikeFreeAddress(text string) bool {
	text = strings.TrimSpace(text)
	if len(text) < 8 || !strings.ContainsFunc(text, unicode.IsDigit) || !strings.ContainsFunc(text, unicode.IsLetter) {
		return false
	}
	sig := signals.Classify(text)
	return !sig.Has(signals.SignalTimeSelection) && !sig.Has(signals.SignalCancel) && !sig.Has(signals.SignalHuman)
}
