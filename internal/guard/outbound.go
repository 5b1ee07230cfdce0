package guard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Outbound defaults.
const (
	DefaultHardWindow = 1500 * time.Millisecond
	DefaultCooldown   = 5 * time.Second
	DefaultTextWindow = 8 * time.Second
)

// Suppression reasons.
const (
	ReasonHardWindow    = "hard_window"
	ReasonCooldown      = "cooldown"
	ReasonDuplicateText = "duplicate_text"
	ReasonLedger        = "duplicate_text_ledger"
)

// OutboundLedger is the persisted record of sent messages.
type OutboundLedger interface {
	HasRecentOutbound(ctx context.Context, sessionID, body string, since time.Time) (bool, error)
}

// Outbound describes one attempted send.
type Outbound struct {
	SessionID string
	Peer      string
	InboundID string
	Text      string
}

// Verdict is the guard's answer for one attempted send.
type Verdict struct {
	Allowed bool
	Reason  string
}

// OutboundOpts configures an OutboundGuard.
type OutboundOpts struct {
	HardWindow time.Duration
	Cooldown   time.Duration
	TextWindow time.Duration
	CacheSize  int
	Ledger     OutboundLedger
	Now        func() time.Time
}

// OutboundOption configures an OutboundGuard.
type OutboundOption func(*OutboundOpts)

// WithHardWindow overrides DefaultHardWindow.
func WithHardWindow(d time.Duration) OutboundOption {
	return func(o *OutboundOpts) { o.HardWindow = d }
}

// WithCooldown overrides DefaultCooldown.
func WithCooldown(d time.Duration) OutboundOption {
	return func(o *OutboundOpts) { o.Cooldown = d }
}

// WithTextWindow overrides DefaultTextWindow.
func WithTextWindow(d time.Duration) OutboundOption {
	return func(o *OutboundOpts) { o.TextWindow = d }
}

// WithOutboundCacheSize bounds each cache.
func WithOutboundCacheSize(n int) OutboundOption {
	return func(o *OutboundOpts) { o.CacheSize = n }
}

// WithLedger also checks identical text against the persisted message log.
func WithLedger(l OutboundLedger) OutboundOption {
	return func(o *OutboundOpts) { o.Ledger = l }
}

// WithOutboundClock overrides the time source.
func WithOutboundClock(now func() time.Time) OutboundOption {
	return func(o *OutboundOpts) { o.Now = now }
}

// OutboundGuard suppresses double sends for one inbound event and repeated
// identical text to the same peer.
type OutboundGuard struct {
	mu       sync.Mutex
	inbound  *expirable.LRU[string, time.Time]
	sessions *expirable.LRU[string, time.Time]
	texts    *expirable.LRU[string, time.Time]
	opts     OutboundOpts
}

// NewOutboundGuard creates an OutboundGuard.
func NewOutboundGuard(opts ...OutboundOption) *OutboundGuard {
	cfg := OutboundOpts{
		HardWindow: DefaultHardWindow,
		Cooldown:   DefaultCooldown,
		TextWindow: DefaultTextWindow,
		CacheSize:  DefaultCacheSize,
		Now:        time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &OutboundGuard{
		inbound:  expirable.NewLRU[string, time.Time](cfg.CacheSize, nil, cfg.HardWindow),
		sessions: expirable.NewLRU[string, time.Time](cfg.CacheSize, nil, cfg.Cooldown),
		texts:    expirable.NewLRU[string, time.Time](cfg.CacheSize, nil, cfg.TextWindow),
		opts:     cfg,
	}
}

// Check decides whether o may be sent and, when it may, reserves it so that
// a concurrent identical attempt is suppressed.
func (g *OutboundGuard) Check(ctx context.Context, o Outbound) Verdict {
	now := g.opts.Now()
	textKey := ContentKey(o.Peer, o.Text)

	g.mu.Lock()
	if o.InboundID != "" {
		if at, ok := g.inbound.Get(o.InboundID); ok && now.Sub(at) < g.opts.HardWindow {
			g.mu.Unlock()
			return g.suppress(o, ReasonHardWindow)
		}
		if at, ok := g.sessions.Get(o.SessionID + "|" + o.InboundID); ok && now.Sub(at) < g.opts.Cooldown {
			g.mu.Unlock()
			return g.suppress(o, ReasonCooldown)
		}
	}
	if at, ok := g.texts.Get(textKey); ok && now.Sub(at) < g.opts.TextWindow {
		g.mu.Unlock()
		return g.suppress(o, ReasonDuplicateText)
	}
	if o.InboundID != "" {
		g.inbound.Add(o.InboundID, now)
		g.sessions.Add(o.SessionID+"|"+o.InboundID, now)
	}
	g.texts.Add(textKey, now)
	g.mu.Unlock()

	if g.opts.Ledger != nil && o.SessionID != "" {
		dup, err := g.opts.Ledger.HasRecentOutbound(ctx, o.SessionID, o.Text, now.Add(-g.opts.TextWindow))
		if err != nil {
			slog.Warn("OutboundGuard.Check: ledger lookup failed", "session_id", o.SessionID, "error", err)
		} else if dup {
			return g.suppress(o, ReasonLedger)
		}
	}
	return Verdict{Allowed: true}
}

// Release forgets the text reservation made by Check, for sends that failed
// before reaching the channel.
func (g *OutboundGuard) Release(o Outbound) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.texts.Remove(ContentKey(o.Peer, o.Text))
}

func (g *OutboundGuard) suppress(o Outbound, reason string) Verdict {
	slog.Info("OutboundGuard.Check: send suppressed", "session_id", o.SessionID, "peer", o.Peer,
		"inbound_id", o.InboundID, "reason", reason, "length", len(o.Text))
	return Verdict{Reason: reason}
}
