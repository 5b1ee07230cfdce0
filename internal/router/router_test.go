package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/RepairPipe/internal/funnel"
	"github.com/BTreeMap/RepairPipe/internal/models"
	"github.com/BTreeMap/RepairPipe/internal/signals"
	"github.com/BTreeMap/RepairPipe/internal/tools"
)

var fixedNow = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

type fakeTools struct {
	quoteCalls  int
	quoteInputs []tools.QuoteInput
	quotePanic  bool
	quoteValue  float64

	availDates []time.Time
	slots      []models.Slot
	availErr   error

	bookings   []tools.BookingRequest
	bookResult models.AppointmentRecord
	bookErr    error

	cancelled []string
	cancelErr error
}

func (f *fakeTools) BuildQuote(_ context.Context, in tools.QuoteInput) (models.QuoteRecord, error) {
	if f.quotePanic {
		panic("pricing table exploded")
	}
	f.quoteCalls++
	f.quoteInputs = append(f.quoteInputs, in)
	value := f.quoteValue
	if value == 0 {
		value = 180
	}
	return models.QuoteRecord{
		Equipment: in.Equipment, ServiceType: in.ServiceType, Brand: in.Brand, Problem: in.Problem,
		Currency: "BRL", Value: value, Source: models.QuoteSourceBackend, CreatedAt: fixedNow,
	}, nil
}

func (f *fakeTools) GetAvailability(_ context.Context, date time.Time, _ string) ([]models.Slot, error) {
	f.availDates = append(f.availDates, date)
	return f.slots, f.availErr
}

func (f *fakeTools) CreateAppointment(_ context.Context, req tools.BookingRequest) (models.AppointmentRecord, error) {
	f.bookings = append(f.bookings, req)
	return f.bookResult, f.bookErr
}

func (f *fakeTools) CancelAppointment(_ context.Context, id, _ string) error {
	f.cancelled = append(f.cancelled, id)
	return f.cancelErr
}

func testSlots() []models.Slot {
	return []models.Slot{
		{ID: "s1", Start: time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC), End: time.Date(2026, 3, 3, 11, 0, 0, 0, time.UTC)},
		{ID: "s2", Start: time.Date(2026, 3, 3, 14, 0, 0, 0, time.UTC), End: time.Date(2026, 3, 3, 16, 0, 0, 0, time.UTC)},
		{ID: "s3", Start: time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC), End: time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)},
	}
}

func quotedState() models.FunnelState {
	q := models.QuoteRecord{
		Equipment: "fogão", ServiceType: signals.ServiceRepair, Brand: "Brastemp", Problem: "não acende",
		Currency: "BRL", Value: 180, Source: models.QuoteSourceBackend,
	}
	st := models.FunnelState{
		Equipment: "fogão", Brand: "Brastemp", Problem: "não acende",
		Quote: &q, QuoteDelivered: true,
	}
	st.Stage = funnel.Evaluate(st)
	return st
}

func pendingState() models.FunnelState {
	st := quotedState()
	st.AcceptedService = true
	st.CollectingPersonalData = true
	st.PersonalData = models.PersonalData{Name: "Maria Silva", Address: "Rua das Flores, 123"}
	st.PendingTimeSelection = true
	st.OfferedSlots = testSlots()
	st.Stage = funnel.Evaluate(st)
	return st
}

func newTurn(st models.FunnelState, text string, action models.Action) *Turn {
	return &Turn{
		Session:  &models.Session{ID: "s1", Channel: models.ChannelWhatsApp, Peer: "5511987654321", State: st},
		Analysis: signals.Analyze(text),
		Decision: models.Decision{Action: action},
	}
}

func newRouter(ft *fakeTools) *Router {
	return New(ft, WithClock(func() time.Time { return fixedNow }))
}

func TestResolve(t *testing.T) {
	scheduled := quotedState()
	id := "A-1"
	scheduled.AcceptedService = true
	scheduled.AppointmentID = &id
	scheduled.Stage = models.StageScheduled

	collectingPD := quotedState()
	collectingPD.AcceptedService = true
	collectingPD.CollectingPersonalData = true
	collectingPD.Stage = funnel.Evaluate(collectingPD)

	tests := []struct {
		name   string
		state  models.FunnelState
		text   string
		action models.Action
		want   Route
	}{
		{"slot number beats classifier", pendingState(), "2", models.ActionCollectData, RouteSchedule},
		{"slot number beats quote action", pendingState(), "opção 1", models.ActionGenerateQuote, RouteSchedule},
		{"acceptance of delivered quote", quotedState(), "pode agendar", models.ActionCollectData, RouteAcceptance},
		{"refusal of delivered quote", quotedState(), "não, obrigado", models.ActionGenerateQuote, RouteDecline},
		{"cancel booked visit", scheduled, "quero cancelar a visita", models.ActionCollectData, RouteCancel},
		{"human request", models.FunnelState{}, "quero falar com um atendente", models.ActionCollectData, RouteTransfer},
		{"bare name while collecting", collectingPD, "Maria Silva", models.ActionCollectData, RoutePersonalData},
		{"multi item", models.FunnelState{}, "tenho 2 geladeiras com problema", models.ActionCollectData, RouteQuote},
		{"classifier info", models.FunnelState{}, "vocês atendem em Campinas?", models.ActionAnswerInfo, RouteInfo},
		{"classifier quote", models.FunnelState{}, "fogão", models.ActionGenerateQuote, RouteQuote},
		{"classifier schedule", models.FunnelState{}, "quero marcar", models.ActionScheduleService, RouteSchedule},
		{"classifier transfer", models.FunnelState{}, "prefiro ligação", models.ActionTransferHuman, RouteTransfer},
		{"unknown action defaults to collect", models.FunnelState{}, "fogão", models.Action(42), RouteCollect},
	}
	r := newRouter(&fakeTools{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Resolve(newTurn(tt.state, tt.text, tt.action)); got != tt.want {
				t.Errorf("Resolve(%q) = %s, want %s", tt.text, got, tt.want)
			}
		})
	}
}

func TestDispatchSlotPickBooksSelectedSlot(t *testing.T) {
	ft := &fakeTools{bookResult: models.AppointmentRecord{ID: "A-77", ScheduledAt: testSlots()[1].Start, Status: models.AppointmentStatusConfirmed}}
	turn := newTurn(pendingState(), "2", models.ActionCollectData)

	reply, route := newRouter(ft).Dispatch(context.Background(), turn)
	if route != RouteSchedule {
		t.Fatalf("route = %s", route)
	}
	if len(ft.bookings) != 1 {
		t.Fatalf("bookings = %d, want 1", len(ft.bookings))
	}
	req := ft.bookings[0]
	if req.SlotID != "s2" || req.Name != "Maria Silva" || req.Phone != "5511987654321" {
		t.Errorf("booking request = %+v", req)
	}
	st := turn.Session.State
	if st.Stage != models.StageScheduled || st.AppointmentID == nil || *st.AppointmentID != "A-77" {
		t.Errorf("state after booking = stage %s, id %v", st.Stage, st.AppointmentID)
	}
	if st.PendingTimeSelection {
		t.Error("time selection still pending")
	}
	if !strings.Contains(reply.Text, "A-77") {
		t.Errorf("reply = %q", reply.Text)
	}
}

func TestDispatchQuoteRequiresAllFields(t *testing.T) {
	ft := &fakeTools{}
	turn := newTurn(models.FunnelState{Equipment: "fogão"}, "fogão", models.ActionGenerateQuote)

	reply, _ := newRouter(ft).Dispatch(context.Background(), turn)
	if ft.quoteCalls != 0 {
		t.Errorf("quote calls = %d, want 0", ft.quoteCalls)
	}
	if reply.Text != "Qual é a marca do seu fogão?" {
		t.Errorf("reply = %q", reply.Text)
	}
}

func TestDispatchQuoteGeneratedOnce(t *testing.T) {
	ft := &fakeTools{}
	r := newRouter(ft)
	st := models.FunnelState{Equipment: "fogão", Brand: "Brastemp", Problem: "não acende"}
	turn := newTurn(st, "quanto fica?", models.ActionGenerateQuote)

	reply, _ := r.Dispatch(context.Background(), turn)
	if ft.quoteCalls != 1 {
		t.Fatalf("quote calls = %d, want 1", ft.quoteCalls)
	}
	in := ft.quoteInputs[0]
	if in.Equipment != "fogão" || in.Brand != "Brastemp" || in.ServiceType != signals.ServiceRepair {
		t.Errorf("quote input = %+v", in)
	}
	if turn.Session.State.Stage != models.StageAwaitingAcceptance || !turn.Session.State.QuoteDelivered {
		t.Errorf("stage = %s", turn.Session.State.Stage)
	}
	if len(reply.Options) != 2 || !strings.Contains(reply.Text, "R$") {
		t.Errorf("reply = %+v", reply)
	}

	// asking again reuses the cached quote
	again := &Turn{Session: turn.Session, Analysis: signals.Analyze("quanto fica?"), Decision: models.Decision{Action: models.ActionGenerateQuote}}
	reply2, _ := r.Dispatch(context.Background(), again)
	if ft.quoteCalls != 1 {
		t.Errorf("quote calls after repeat = %d, want 1", ft.quoteCalls)
	}
	if reply2.Text != reply.Text {
		t.Errorf("repeated quote = %q, want %q", reply2.Text, reply.Text)
	}
}

func TestDispatchBatchQuote(t *testing.T) {
	ft := &fakeTools{}
	turn := newTurn(models.FunnelState{}, "fogão Brastemp não acende e geladeira Consul não gela", models.ActionCollectData)
	if !turn.Analysis.Signals.Has(signals.SignalMultiItem) {
		t.Fatal("expected multi item signal")
	}
	reply, route := newRouter(ft).Dispatch(context.Background(), turn)
	if route != RouteQuote {
		t.Fatalf("route = %s", route)
	}
	if ft.quoteCalls != 2 {
		t.Errorf("quote calls = %d, want 2", ft.quoteCalls)
	}
	if !strings.Contains(reply.Text, "Total:") {
		t.Errorf("reply = %q", reply.Text)
	}
	if len(turn.Session.State.Quotes) != 2 {
		t.Errorf("quotes = %d", len(turn.Session.State.Quotes))
	}
}

func TestDispatchAcceptanceThroughSlots(t *testing.T) {
	ft := &fakeTools{slots: testSlots()[:2]}
	r := newRouter(ft)
	ctx := context.Background()

	turn := newTurn(quotedState(), "pode agendar", models.ActionCollectData)
	reply, route := r.Dispatch(ctx, turn)
	if route != RouteAcceptance || reply.Text != funnel.QuestionName {
		t.Fatalf("acceptance: route %s reply %q", route, reply.Text)
	}
	sess := turn.Session
	if !sess.State.AcceptedService || !sess.State.CollectingPersonalData {
		t.Fatalf("flags after acceptance: %+v", sess.State)
	}

	reply, route = r.Dispatch(ctx, &Turn{Session: sess, Analysis: signals.Analyze("Maria Silva")})
	if route != RoutePersonalData || sess.State.PersonalData.Name != "Maria Silva" {
		t.Fatalf("name: route %s, pd %+v", route, sess.State.PersonalData)
	}
	if reply.Text != funnel.QuestionAddress {
		t.Errorf("reply = %q", reply.Text)
	}

	reply, route = r.Dispatch(ctx, &Turn{Session: sess, Analysis: signals.Analyze("Joaquim Nabuco 120, Centro")})
	if route != RoutePersonalData {
		t.Fatalf("address route = %s", route)
	}
	if sess.State.PersonalData.Address != "Joaquim Nabuco 120, Centro" {
		t.Errorf("address = %q", sess.State.PersonalData.Address)
	}
	if !sess.State.PendingTimeSelection || len(reply.Options) != 2 {
		t.Errorf("slots not offered: reply %+v", reply)
	}
	if len(ft.availDates) != 1 || !ft.availDates[0].Equal(fixedNow.Add(24*time.Hour)) {
		t.Errorf("availability dates = %v", ft.availDates)
	}
}

func TestDispatchAmbiguousBookingKeepsSelection(t *testing.T) {
	for _, bookErr := range []error{
		tools.ErrAmbiguousBooking,
		fmt.Errorf("create appointment: %w", tools.ErrToolUnavailable),
	} {
		ft := &fakeTools{bookErr: bookErr}
		turn := newTurn(pendingState(), "1", models.ActionCollectData)
		reply, _ := newRouter(ft).Dispatch(context.Background(), turn)
		if reply.Text != funnel.ReplyBookingPending {
			t.Errorf("%v: reply = %q", bookErr, reply.Text)
		}
		if !turn.Session.State.PendingTimeSelection || turn.Session.State.Stage == models.StageScheduled {
			t.Errorf("%v: state = %+v", bookErr, turn.Session.State)
		}
	}
}

func TestDispatchRejectedSlotIsDropped(t *testing.T) {
	ft := &fakeTools{bookErr: fmt.Errorf("create appointment: %w", &tools.HTTPError{StatusCode: 422, Body: "slot taken"})}
	turn := newTurn(pendingState(), "1", models.ActionCollectData)
	reply, _ := newRouter(ft).Dispatch(context.Background(), turn)
	if reply.Text != replySlotTaken || len(reply.Options) != 2 {
		t.Errorf("reply = %+v", reply)
	}
	for _, s := range turn.Session.State.OfferedSlots {
		if s.ID == "s1" {
			t.Error("rejected slot still offered")
		}
	}
}

func TestDispatchRecoversFromPanic(t *testing.T) {
	ft := &fakeTools{quotePanic: true}
	st := models.FunnelState{Equipment: "fogão", Brand: "Brastemp", Problem: "não acende"}
	turn := newTurn(st, "quanto fica?", models.ActionGenerateQuote)

	reply, _ := newRouter(ft).Dispatch(context.Background(), turn)
	if want := funnel.NextQuestion(turn.Session.State); reply.Text != want.Text {
		t.Errorf("reply = %q, want %q", reply.Text, want.Text)
	}
}

func TestDispatchCancel(t *testing.T) {
	scheduled := func() models.FunnelState {
		st := pendingState()
		funnel.MarkScheduled(&st, "A-1")
		return st
	}

	ft := &fakeTools{}
	turn := newTurn(scheduled(), "quero cancelar a visita", models.ActionCollectData)
	reply, _ := newRouter(ft).Dispatch(context.Background(), turn)
	if reply.Text != funnel.ReplyCancelled || turn.Session.State.Stage != models.StageCancelled {
		t.Errorf("cancel: reply %q stage %s", reply.Text, turn.Session.State.Stage)
	}
	if len(ft.cancelled) != 1 || ft.cancelled[0] != "A-1" {
		t.Errorf("cancelled = %v", ft.cancelled)
	}

	failing := &fakeTools{cancelErr: errors.New("backend down")}
	turn = newTurn(scheduled(), "cancelar", models.ActionCollectData)
	reply, _ = newRouter(failing).Dispatch(context.Background(), turn)
	if reply.Text != funnel.ReplyCancelFailed || turn.Session.State.Stage != models.StageScheduled {
		t.Errorf("failed cancel: reply %q stage %s", reply.Text, turn.Session.State.Stage)
	}
}

func TestDispatchTransfer(t *testing.T) {
	turn := newTurn(models.FunnelState{Equipment: "fogão"}, "quero falar com um atendente", models.ActionCollectData)
	reply, _ := newRouter(&fakeTools{}).Dispatch(context.Background(), turn)
	if reply.Text != funnel.ReplyTransferred || turn.Session.State.Stage != models.StageTransferredToHuman {
		t.Errorf("reply %q stage %s", reply.Text, turn.Session.State.Stage)
	}
}

func TestSelectSlot(t *testing.T) {
	slots := testSlots()
	tests := []struct {
		text   string
		want   string
		wantOK bool
	}{
		{"2", "s2", true},
		{"opção 3", "s3", true},
		{"a primeira", "s1", true},
		{"terça às 14h", "s2", true},
		{"quinta de manhã", "s3", true},
		{"de tarde", "s2", true},
		{"7", "", false},
		{"sexta", "", false},
		{"sei lá", "", false},
	}
	for _, tt := range tests {
		got, ok := SelectSlot(slots, signals.Analyze(tt.text))
		if ok != tt.wantOK || got.ID != tt.want {
			t.Errorf("SelectSlot(%q) = %q, %v; want %q, %v", tt.text, got.ID, ok, tt.want, tt.wantOK)
		}
	}

	if got, ok := SelectSlot(slots[:1], signals.Analyze("sim")); !ok || got.ID != "s1" {
		t.Errorf("single slot confirmation = %q, %v", got.ID, ok)
	}
	if _, ok := SelectSlot(nil, signals.Analyze("1")); ok {
		t.Error("no slots should select nothing")
	}
}

func TestDispatchTimeWordNeedsExplicitAcceptance(t *testing.T) {
	tests := []struct {
		name         string
		text         string
		wantReply    string
		wantAccepted bool
	}{
		{"refusal mentioning a day", "não, obrigado, talvez amanhã", funnel.ReplyDeclined, false},
		{"question about a day", "e se for amanhã?", funnel.QuoteReply(quotedState()).Text, false},
		{"acceptance with a day", "sim, amanhã de manhã", funnel.QuestionName, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := &fakeTools{slots: testSlots()}
			turn := newTurn(quotedState(), tt.text, models.ActionCollectData)
			reply, route := newRouter(ft).Dispatch(context.Background(), turn)
			if route != RouteSchedule {
				t.Fatalf("route = %s, want schedule", route)
			}
			if reply.Text != tt.wantReply {
				t.Errorf("reply = %q, want %q", reply.Text, tt.wantReply)
			}
			st := turn.Session.State
			if st.AcceptedService != tt.wantAccepted || st.CollectingPersonalData != tt.wantAccepted {
				t.Errorf("accepted = %v, collecting = %v; want %v", st.AcceptedService, st.CollectingPersonalData, tt.wantAccepted)
			}
		})
	}
}
