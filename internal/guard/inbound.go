// Package guard holds the two concurrency guards of the pipeline: inbound
// deduplication of redelivered events and suppression of duplicate replies.
// Both use mutex-protected check-and-set on bounded TTL caches, optionally
// backed by database unique constraints for multi-process deployments.
package guard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/BTreeMap/RepairPipe/internal/models"
	"github.com/BTreeMap/RepairPipe/internal/signals"
)

// Inbound defaults.
const (
	DefaultIDWindow      = 60 * time.Second
	DefaultContentWindow = 10 * time.Second
	DefaultCacheSize     = 10000
)

// ErrDuplicateInbound means the event was already accepted inside the window.
var ErrDuplicateInbound = errors.New("duplicate inbound event")

// InboundRecorder is the persisted side of inbound deduplication.
type InboundRecorder interface {
	// RecordInbound reports false when messageID was recorded within window.
	RecordInbound(ctx context.Context, messageID, peer string, window time.Duration) (bool, error)
	MarkProcessed(ctx context.Context, messageID string) error
}

// InboundOpts configures an InboundGuard.
type InboundOpts struct {
	IDWindow      time.Duration
	ContentWindow time.Duration
	CacheSize     int
	Recorder      InboundRecorder
	Now           func() time.Time
}

// InboundOption configures an InboundGuard.
type InboundOption func(*InboundOpts)

// WithIDWindow overrides DefaultIDWindow.
func WithIDWindow(d time.Duration) InboundOption {
	return func(o *InboundOpts) { o.IDWindow = d }
}

// WithContentWindow overrides DefaultContentWindow.
func WithContentWindow(d time.Duration) InboundOption {
	return func(o *InboundOpts) { o.ContentWindow = d }
}

// WithInboundCacheSize bounds each cache.
func WithInboundCacheSize(n int) InboundOption {
	return func(o *InboundOpts) { o.CacheSize = n }
}

// WithRecorder also records message ids in persistent storage.
func WithRecorder(r InboundRecorder) InboundOption {
	return func(o *InboundOpts) { o.Recorder = r }
}

// WithInboundClock overrides the time source.
func WithInboundClock(now func() time.Time) InboundOption {
	return func(o *InboundOpts) { o.Now = now }
}

// InboundGuard drops events already seen within a trailing window.
type InboundGuard struct {
	mu       sync.Mutex
	ids      *expirable.LRU[string, time.Time]
	contents *expirable.LRU[string, time.Time]
	opts     InboundOpts
}

// NewInboundGuard creates an InboundGuard.
func NewInboundGuard(opts ...InboundOption) *InboundGuard {
	cfg := InboundOpts{
		IDWindow:      DefaultIDWindow,
		ContentWindow: DefaultContentWindow,
		CacheSize:     DefaultCacheSize,
		Now:           time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &InboundGuard{
		ids:      expirable.NewLRU[string, time.Time](cfg.CacheSize, nil, cfg.IDWindow),
		contents: expirable.NewLRU[string, time.Time](cfg.CacheSize, nil, cfg.ContentWindow),
		opts:     cfg,
	}
}

// ContentKey is the fallback identity of an event without a message id.
func ContentKey(peer, text string) string {
	sum := sha256.Sum256([]byte(peer + "|" + signals.Normalize(text)))
	return hex.EncodeToString(sum[:])
}

// EventID names the event a reply answers. Events without a message id are
// keyed by content plus the content window they arrived in, so the same text
// sent again after the window is a new event.
func (g *InboundGuard) EventID(ev models.InboundEvent, at time.Time) string {
	if ev.MessageID != "" {
		return ev.MessageID
	}
	key := ContentKey(ev.Peer, ev.Text+"|"+ev.Media)
	if g.opts.ContentWindow <= 0 {
		return key + ":" + strconv.FormatInt(at.UnixNano(), 10)
	}
	return key + ":" + strconv.FormatInt(at.UTC().Truncate(g.opts.ContentWindow).Unix(), 10)
}

// Check accepts ev or returns ErrDuplicateInbound. Accepting is a
// check-and-set: of two concurrent calls for the same event, exactly one
// returns nil.
func (g *InboundGuard) Check(ctx context.Context, ev models.InboundEvent) error {
	now := g.opts.Now()
	if ev.MessageID == "" {
		key := ContentKey(ev.Peer, ev.Text+"|"+ev.Media)
		if !g.checkAndSet(g.contents, key, g.opts.ContentWindow, now) {
			slog.Debug("InboundGuard.Check: duplicate content", "peer", ev.Peer)
			return ErrDuplicateInbound
		}
		return nil
	}

	if !g.checkAndSet(g.ids, ev.MessageID, g.opts.IDWindow, now) {
		slog.Debug("InboundGuard.Check: duplicate message id", "peer", ev.Peer, "message_id", ev.MessageID)
		return ErrDuplicateInbound
	}
	if g.opts.Recorder == nil {
		return nil
	}
	fresh, err := g.opts.Recorder.RecordInbound(ctx, ev.MessageID, ev.Peer, g.opts.IDWindow)
	if err != nil {
		// the in-process cache already accepted it; prefer answering over dropping
		slog.Warn("InboundGuard.Check: failed to record inbound id", "message_id", ev.MessageID, "error", err)
		return nil
	}
	if !fresh {
		slog.Debug("InboundGuard.Check: message id recorded by another process", "message_id", ev.MessageID)
		return ErrDuplicateInbound
	}
	return nil
}

func (g *InboundGuard) checkAndSet(cache *expirable.LRU[string, time.Time], key string, window time.Duration, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if seen, ok := cache.Get(key); ok && now.Sub(seen) < window {
		return false
	}
	cache.Add(key, now)
	return true
}

// Done marks an accepted event as fully handled in the recorder. Events
// without a message id were never recorded.
func (g *InboundGuard) Done(ctx context.Context, ev models.InboundEvent) {
	if g.opts.Recorder == nil || ev.MessageID == "" {
		return
	}
	if err := g.opts.Recorder.MarkProcessed(ctx, ev.MessageID); err != nil {
		slog.Warn("InboundGuard.Done: failed to mark processed", "message_id", ev.MessageID, "error", err)
	}
}
