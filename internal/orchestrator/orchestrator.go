// Package orchestrator runs the per-message pipeline: inbound deduplication,
// session load, reset and re-engagement detection, intent classification,
// funnel merge, routing, outbound suppression, send and persist.
//
// Each inbound event is handled in its own goroutine. There is no lock per
// session: the guards and the session version column are the only
// synchronization.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/RepairPipe/internal/detect"
	"github.com/BTreeMap/RepairPipe/internal/funnel"
	"github.com/BTreeMap/RepairPipe/internal/guard"
	"github.com/BTreeMap/RepairPipe/internal/intent"
	"github.com/BTreeMap/RepairPipe/internal/messaging"
	"github.com/BTreeMap/RepairPipe/internal/models"
	"github.com/BTreeMap/RepairPipe/internal/router"
	"github.com/BTreeMap/RepairPipe/internal/session"
	"github.com/BTreeMap/RepairPipe/internal/signals"
	"github.com/BTreeMap/RepairPipe/internal/store"
)

// Defaults for the event loop.
const (
	DefaultHandleTimeout = 45 * time.Second
	DefaultMaxInFlight   = 64
)

// Sender delivers replies to a peer.
type Sender interface {
	SendText(ctx context.Context, to, body string) error
	SendButtons(ctx context.Context, to, body string, options []string) error
}

// Opts configures an Orchestrator.
type Opts struct {
	Inbound       *guard.InboundGuard
	Outbound      *guard.OutboundGuard
	Detector      *detect.Detector
	HandleTimeout time.Duration
	MaxInFlight   int
	Now           func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Opts)

// WithInboundGuard replaces the default in-process inbound guard.
func WithInboundGuard(g *guard.InboundGuard) Option {
	return func(o *Opts) { o.Inbound = g }
}

// WithOutboundGuard replaces the default in-process outbound guard.
func WithOutboundGuard(g *guard.OutboundGuard) Option {
	return func(o *Opts) { o.Outbound = g }
}

// WithDetector replaces the default detector (re-engagement disabled).
func WithDetector(d *detect.Detector) Option {
	return func(o *Opts) { o.Detector = d }
}

// WithHandleTimeout bounds the processing of one event.
func WithHandleTimeout(d time.Duration) Option {
	return func(o *Opts) { o.HandleTimeout = d }
}

// WithMaxInFlight bounds the number of events handled concurrently by Run.
func WithMaxInFlight(n int) Option {
	return func(o *Opts) { o.MaxInFlight = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Orchestrator wires the pipeline stages together.
type Orchestrator struct {
	sessions *session.Manager
	intent   *intent.Boundary
	router   *router.Router
	sender   Sender
	opts     Opts
}

// New creates an Orchestrator.
func New(sessions *session.Manager, boundary *intent.Boundary, r *router.Router, sender Sender, opts ...Option) *Orchestrator {
	cfg := Opts{
		HandleTimeout: DefaultHandleTimeout,
		MaxInFlight:   DefaultMaxInFlight,
		Now:           time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Inbound == nil {
		cfg.Inbound = guard.NewInboundGuard()
	}
	if cfg.Outbound == nil {
		cfg.Outbound = guard.NewOutboundGuard()
	}
	if cfg.Detector == nil {
		cfg.Detector = detect.New()
	}
	return &Orchestrator{sessions: sessions, intent: boundary, router: r, sender: sender, opts: cfg}
}

// Outcome reports what happened to one inbound event.
type Outcome struct {
	SessionID string
	// Dropped is set for redelivered events.
	Dropped bool
	// Silenced is set when the session is with a human attendant.
	Silenced bool
	Detected detect.Kind
	Route    string
	Reply    models.Reply
	Sent     bool
	// Suppressed holds the outbound guard's reason when the reply was not sent.
	Suppressed string
}

// Run handles events from in until it is closed or ctx is done.
func (o *Orchestrator) Run(ctx context.Context, in <-chan models.InboundEvent) error {
	var g errgroup.Group
	g.SetLimit(o.opts.MaxInFlight)
	defer func() { _ = g.Wait() }()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Orchestrator.Run: stopping", "reason", ctx.Err())
			return nil
		case ev, ok := <-in:
			if !ok {
				slog.Info("Orchestrator.Run: inbound channel closed")
				return nil
			}
			g.Go(func() error {
				if _, err := o.Handle(ctx, ev); err != nil {
					slog.Error("Orchestrator.Run: event failed", "channel", ev.Channel, "peer", ev.Peer,
						"message_id", ev.MessageID, "error", err)
				}
				return nil
			})
		}
	}
}

// Handle processes one inbound event end to end.
func (o *Orchestrator) Handle(ctx context.Context, ev models.InboundEvent) (Outcome, error) {
	if err := ev.Validate(); err != nil {
		return Outcome{}, fmt.Errorf("invalid inbound event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, o.opts.HandleTimeout)
	defer cancel()

	if err := o.opts.Inbound.Check(ctx, ev); err != nil {
		if errors.Is(err, guard.ErrDuplicateInbound) {
			slog.Debug("Orchestrator.Handle: duplicate inbound dropped", "peer", ev.Peer, "message_id", ev.MessageID)
			return Outcome{Dropped: true}, nil
		}
		return Outcome{}, err
	}

	sess, err := o.sessions.GetOrCreate(ctx, ev.Channel, ev.Peer)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{SessionID: sess.ID}
	before := snapshot(sess.State)
	now := o.opts.Now().UTC()
	eventID := o.opts.Inbound.EventID(ev, now)
	slog.Info("Orchestrator.Handle: inbound", "session_id", sess.ID, "channel", ev.Channel, "peer", ev.Peer,
		"message_id", ev.MessageID, "length", len(ev.Text), "stage", sess.State.Stage)

	history, err := o.sessions.RecentMessages(ctx, sess.ID, intent.DefaultHistoryLimit)
	if err != nil {
		slog.Warn("Orchestrator.Handle: failed to load history", "session_id", sess.ID, "error", err)
	}
	if err := o.sessions.AppendMessage(ctx, sess.ID, models.DirectionIn, ev.Text, ev.MessageID); err != nil {
		slog.Warn("Orchestrator.Handle: failed to log inbound", "session_id", sess.ID, "error", err)
	}

	analysis := signals.Analyze(ev.Text)
	if sess.State.Stage == models.StageTransferredToHuman && !detect.IsResetPhrase(analysis.Normalized) {
		sess.LastInboundAt = &now
		out.Silenced = true
		slog.Info("Orchestrator.Handle: session with human attendant, not replying", "session_id", sess.ID)
		if err := o.sessions.Commit(ctx, sess, before); err != nil {
			return out, err
		}
		o.opts.Inbound.Done(ctx, ev)
		return out, nil
	}

	result := o.opts.Detector.Detect(sess, analysis)
	out.Detected = result.Kind
	switch result.Kind {
	case detect.KindReset:
		sess.State = models.FunnelState{}
		out.Reply = result.Reply
	case detect.KindReengage:
		sess.LastGreetingAt = &now
		out.Reply = result.Reply
	case detect.KindGreetingOnly:
		out.Reply = result.Reply
	default:
		decision, derr := o.intent.Decide(ctx, sess.ID, ev.Text, sess.State, history)
		if derr != nil {
			slog.Warn("Orchestrator.Handle: classifier degraded", "session_id", sess.ID, "error", derr)
		}
		merged := funnel.Absorb(&sess.State, analysis, decision)
		if merged.FamilySwitch {
			slog.Info("Orchestrator.Handle: equipment family switched", "session_id", sess.ID, "equipment", sess.State.Equipment)
		}
		turn := &router.Turn{Session: sess, Analysis: analysis, Decision: decision}
		reply, route := o.router.Dispatch(ctx, turn)
		out.Reply = reply
		out.Route = route.String()
	}
	sess.LastInboundAt = &now

	sent, reason, sendErr := o.deliver(ctx, sess, ev, eventID, out.Reply)
	out.Sent, out.Suppressed = sent, reason
	if sent {
		sentAt := o.opts.Now().UTC()
		sess.LastOutboundAt = &sentAt
	}

	if err := o.sessions.Commit(ctx, sess, before); err != nil {
		slog.Error("Orchestrator.Handle: failed to persist session", "session_id", sess.ID, "error", err)
		return out, fmt.Errorf("persist session: %w", err)
	}
	if sendErr == nil {
		o.opts.Inbound.Done(ctx, ev)
	}
	slog.Debug("Orchestrator.Handle: done", "session_id", sess.ID, "route", out.Route, "detected", out.Detected.String(),
		"stage", sess.State.Stage, "sent", sent, "suppressed", reason)
	return out, sendErr
}

// deliver runs the outbound guard, records the reply in the message log and
// sends it. A duplicate log row means another process already answered this
// inbound event.
func (o *Orchestrator) deliver(ctx context.Context, sess *models.Session, ev models.InboundEvent, inboundID string, reply models.Reply) (bool, string, error) {
	if reply.Empty() {
		return false, "", nil
	}
	if err := reply.Validate(); err != nil {
		reply.Options = reply.Options[:models.MaxReplyOptions]
	}
	text := messaging.Render(reply.Text, reply.Options)
	attempt := guard.Outbound{SessionID: sess.ID, Peer: ev.Peer, InboundID: inboundID, Text: text}

	verdict := o.opts.Outbound.Check(ctx, attempt)
	if !verdict.Allowed {
		return false, verdict.Reason, nil
	}
	if err := o.sessions.AppendMessage(ctx, sess.ID, models.DirectionOut, text, inboundID); err != nil {
		if errors.Is(err, store.ErrDuplicateOutbound) {
			slog.Info("Orchestrator.deliver: reply already logged by another worker", "session_id", sess.ID, "inbound_id", inboundID)
			return false, guard.ReasonLedger, nil
		}
		slog.Warn("Orchestrator.deliver: failed to log outbound", "session_id", sess.ID, "error", err)
	}

	var err error
	if len(reply.Options) > 0 {
		err = o.sender.SendButtons(ctx, ev.Peer, reply.Text, reply.Options)
	} else {
		err = o.sender.SendText(ctx, ev.Peer, reply.Text)
	}
	if err != nil {
		o.opts.Outbound.Release(attempt)
		slog.Error("Orchestrator.deliver: send failed", "session_id", sess.ID, "peer", ev.Peer, "error", err)
		return false, "", fmt.Errorf("send reply: %w", err)
	}
	slog.Info("Orchestrator.deliver: reply sent", "session_id", sess.ID, "peer", ev.Peer, "length", len(text))
	return true, "", nil
}

// snapshot deep-copies st so handlers mutating slices in place cannot alter it.
func snapshot(st models.FunnelState) models.FunnelState {
	data, err := json.Marshal(st)
	if err != nil {
		return st
	}
	var cp models.FunnelState
	if err := json.Unmarshal(data, &cp); err != nil {
		return st
	}
	return cp
}
