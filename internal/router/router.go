// Package router dispatches a turn to exactly one handler. Deterministic
// guards on the funnel state take precedence over the classifier's action,
// and no handler error or panic ever reaches the client: they degrade to the
// most specific funnel question available.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/BTreeMap/RepairPipe/internal/funnel"
	"github.com/BTreeMap/RepairPipe/internal/models"
	"github.com/BTreeMap/RepairPipe/internal/signals"
	"github.com/BTreeMap/RepairPipe/internal/tools"
)

// Route is the closed set of handlers.
type Route int

const (
	RouteCollect Route = iota
	RouteQuote
	RouteInfo
	RouteSchedule
	RouteTransfer
	RouteAcceptance
	RoutePersonalData
	RouteDecline
	RouteCancel
)

func (r Route) String() string {
	switch r {
	case RouteCollect:
		return "collect"
	case RouteQuote:
		return "quote"
	case RouteInfo:
		return "info"
	case RouteSchedule:
		return "schedule"
	case RouteTransfer:
		return "transfer"
	case RouteAcceptance:
		return "acceptance"
	case RoutePersonalData:
		return "personal_data"
	case RouteDecline:
		return "decline"
	case RouteCancel:
		return "cancel"
	default:
		return fmt.Sprintf("route(%d)", int(r))
	}
}

// Tools is the backend surface the handlers use.
type Tools interface {
	BuildQuote(ctx context.Context, in tools.QuoteInput) (models.QuoteRecord, error)
	GetAvailability(ctx context.Context, date time.Time, serviceType string) ([]models.Slot, error)
	CreateAppointment(ctx context.Context, req tools.BookingRequest) (models.AppointmentRecord, error)
	CancelAppointment(ctx context.Context, id, phone string) error
}

// Turn is one inbound message after classification. Handlers mutate
// Session.State in place.
type Turn struct {
	Session  *models.Session
	Analysis signals.Analysis
	Decision models.Decision
}

func (t *Turn) state() *models.FunnelState { return &t.Session.State }

// Opts configures a Router.
type Opts struct {
	// AvailabilityLead is added to now to choose the first day offered.
	AvailabilityLead time.Duration
	Now              func() time.Time
}

// Option configures a Router.
type Option func(*Opts)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// WithAvailabilityLead overrides the default one-day lead for offered slots.
func WithAvailabilityLead(d time.Duration) Option {
	return func(o *Opts) { o.AvailabilityLead = d }
}

// Router resolves and runs handlers.
type Router struct {
	tools Tools
	opts  Opts
}

// New creates a Router.
func New(t Tools, opts ...Option) *Router {
	cfg := Opts{AvailabilityLead: 24 * time.Hour, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Router{tools: t, opts: cfg}
}

// Resolve picks the route for t. Order: cancellation of a booked visit, the
// hard time-selection guard, an explicit request for a human, pending time
// selection, personal data in progress, acceptance or refusal of a delivered
// quote, multi-item batches, and finally the classifier's action.
func (r *Router) Resolve(t *Turn) Route {
	st := t.state()
	sig := t.Analysis.Signals

	if sig.Has(signals.SignalCancel) && st.AppointmentID != nil && st.Stage == models.StageScheduled {
		return RouteCancel
	}
	if sig.Has(signals.SignalTimeSelection) {
		return RouteSchedule
	}
	if sig.Has(signals.SignalHuman) {
		return RouteTransfer
	}
	if st.PendingTimeSelection && (sig.Has(signals.SignalAffirmative) || sig.Has(signals.SignalTimeSelection)) {
		return RouteSchedule
	}
	if st.CollectingPersonalData && !st.PendingTimeSelection && looksLikePersonalData(*st, t.Analysis) {
		return RoutePersonalData
	}
	if st.QuoteDelivered && !st.AcceptedService {
		switch {
		case sig.Has(signals.SignalAffirmative):
			return RouteAcceptance
		case sig.Has(signals.SignalNegative), sig.Has(signals.SignalCancel):
			return RouteDecline
		}
	}
	if sig.Has(signals.SignalMultiItem) && !st.AcceptedService {
		return RouteQuote
	}
	return routeForAction(t.Decision.Action)
}

// routeForAction maps every classifier action to a route.
func routeForAction(a models.Action) Route {
	switch a {
	case models.ActionGenerateQuote:
		return RouteQuote
	case models.ActionCollectData:
		return RouteCollect
	case models.ActionAnswerInfo:
		return RouteInfo
	case models.ActionScheduleService:
		return RouteSchedule
	case models.ActionTransferHuman:
		return RouteTransfer
	default:
		return RouteCollect
	}
}

// Dispatch resolves and runs the handler for t. It always returns a reply.
func (r *Router) Dispatch(ctx context.Context, t *Turn) (reply models.Reply, route Route) {
	route = r.Resolve(t)
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Router.Dispatch: handler panicked", "session_id", t.Session.ID, "route", route.String(),
				"panic", p, "stack", string(debug.Stack()))
			reply = funnel.NextQuestion(t.Session.State)
		}
	}()

	reply, err := r.run(ctx, route, t)
	if err != nil {
		slog.Error("Router.Dispatch: handler failed", "session_id", t.Session.ID, "route", route.String(), "error", err)
		return funnel.NextQuestion(t.Session.State), route
	}
	if reply.Empty() {
		reply = funnel.NextQuestion(t.Session.State)
	}
	slog.Debug("Router.Dispatch: handled", "session_id", t.Session.ID, "route", route.String(), "stage", t.Session.State.Stage)
	return reply, route
}

func (r *Router) run(ctx context.Context, route Route, t *Turn) (models.Reply, error) {
	switch route {
	case RouteCollect:
		return r.collect(ctx, t)
	case RouteQuote:
		return r.quote(ctx, t)
	case RouteInfo:
		return r.info(ctx, t)
	case RouteSchedule:
		return r.schedule(ctx, t)
	case RouteTransfer:
		return r.transfer(ctx, t)
	case RouteAcceptance:
		return r.accept(ctx, t)
	case RoutePersonalData:
		return r.personalData(ctx, t)
	case RouteDecline:
		return models.Reply{Text: funnel.ReplyDeclined}, nil
	case RouteCancel:
		return r.cancel(ctx, t)
	default:
		return models.Reply{}, fmt.Errorf("unhandled route %s", route)
	}
}
