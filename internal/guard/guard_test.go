package guard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/RepairPipe/internal/models"
	"github.com/BTreeMap/RepairPipe/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func event(id, text string) models.InboundEvent {
	return models.InboundEvent{Channel: models.ChannelWhatsApp, Peer: "5511987654321", Text: text, MessageID: id}
}

func TestInboundGuardMessageID(t *testing.T) {
	clock := newFakeClock()
	g := NewInboundGuard(WithInboundClock(clock.Now))
	ctx := context.Background()

	if err := g.Check(ctx, event("m1", "oi")); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	clock.Advance(30 * time.Second)
	if err := g.Check(ctx, event("m1", "oi")); !errors.Is(err, ErrDuplicateInbound) {
		t.Errorf("redelivery within 60s: %v", err)
	}
	if err := g.Check(ctx, event("m2", "oi")); err != nil {
		t.Errorf("different id should pass: %v", err)
	}
	clock.Advance(61 * time.Second)
	if err := g.Check(ctx, event("m1", "oi")); err != nil {
		t.Errorf("redelivery after the window should pass: %v", err)
	}
}

func TestInboundGuardContentFallback(t *testing.T) {
	clock := newFakeClock()
	g := NewInboundGuard(WithInboundClock(clock.Now))
	ctx := context.Background()

	if err := g.Check(ctx, event("", "Fogão não liga")); err != nil {
		t.Fatal(err)
	}
	clock.Advance(5 * time.Second)
	if err := g.Check(ctx, event("", "fogao nao liga!")); !errors.Is(err, ErrDuplicateInbound) {
		t.Errorf("same normalized text within 10s: %v", err)
	}
	other := event("", "Fogão não liga")
	other.Peer = "5521999990000"
	if err := g.Check(ctx, other); err != nil {
		t.Errorf("other peer should pass: %v", err)
	}
	clock.Advance(11 * time.Second)
	if err := g.Check(ctx, event("", "Fogão não liga")); err != nil {
		t.Errorf("after 10s should pass: %v", err)
	}
}

func TestInboundGuardEventID(t *testing.T) {
	g := NewInboundGuard()
	at := time.Date(2026, 3, 2, 12, 0, 1, 0, time.UTC)
	base := g.EventID(event("", "geladeira"), at)

	tests := []struct {
		name     string
		ev       models.InboundEvent
		at       time.Time
		wantSame bool
	}{
		{"redelivery inside the content window", event("", "Geladeira!"), at.Add(5 * time.Second), true},
		{"same text minutes later", event("", "geladeira"), at.Add(3 * time.Minute), false},
		{"different text", event("", "Consul"), at, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := g.EventID(tt.ev, tt.at); (got == base) != tt.wantSame {
				t.Errorf("EventID = %q, base %q, want same = %v", got, base, tt.wantSame)
			}
		})
	}
	if got := g.EventID(event("wamid.1", "geladeira"), at); got != "wamid.1" {
		t.Errorf("EventID with message id = %q", got)
	}
}

func TestInboundGuardConcurrentDeliveries(t *testing.T) {
	g := NewInboundGuard()
	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Check(context.Background(), event("same", "oi")) == nil {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()
	if accepted.Load() != 1 {
		t.Errorf("accepted = %d, want 1", accepted.Load())
	}
}

func TestInboundGuardSharedRecorder(t *testing.T) {
	st := store.NewInMemoryStore()
	// two guards stand in for two processes sharing one database
	a := NewInboundGuard(WithRecorder(st))
	b := NewInboundGuard(WithRecorder(st))
	ctx := context.Background()

	if err := a.Check(ctx, event("m1", "oi")); err != nil {
		t.Fatal(err)
	}
	if err := b.Check(ctx, event("m1", "oi")); !errors.Is(err, ErrDuplicateInbound) {
		t.Errorf("second process should see the recorded id: %v", err)
	}
}

type markingRecorder struct {
	*store.InMemoryStore
	marked []string
}

func (r *markingRecorder) MarkProcessed(ctx context.Context, messageID string) error {
	r.marked = append(r.marked, messageID)
	return r.InMemoryStore.MarkProcessed(ctx, messageID)
}

func TestInboundGuardDone(t *testing.T) {
	rec := &markingRecorder{InMemoryStore: store.NewInMemoryStore()}
	g := NewInboundGuard(WithRecorder(rec))
	ctx := context.Background()

	for _, ev := range []models.InboundEvent{event("m1", "oi"), event("", "geladeira")} {
		if err := g.Check(ctx, ev); err != nil {
			t.Fatal(err)
		}
		g.Done(ctx, ev)
	}
	if len(rec.marked) != 1 || rec.marked[0] != "m1" {
		t.Errorf("marked = %v, want only the recorded id", rec.marked)
	}
	NewInboundGuard().Done(ctx, event("m2", "oi"))
}

func TestInboundGuardCacheIsBounded(t *testing.T) {
	g := NewInboundGuard(WithInboundCacheSize(2))
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := g.Check(ctx, event(id, "x")); err != nil {
			t.Fatal(err)
		}
	}
	if g.ids.Len() != 2 {
		t.Errorf("cache length = %d, want 2", g.ids.Len())
	}
}

func out(inbound, text string) Outbound {
	return Outbound{SessionID: "s1", Peer: "5511987654321", InboundID: inbound, Text: text}
}

func TestOutboundGuardPerInbound(t *testing.T) {
	clock := newFakeClock()
	g := NewOutboundGuard(WithOutboundClock(clock.Now))
	ctx := context.Background()

	if v := g.Check(ctx, out("m1", "Qual a marca?")); !v.Allowed {
		t.Fatalf("first send suppressed: %s", v.Reason)
	}
	if v := g.Check(ctx, out("m1", "Olá!")); v.Allowed || v.Reason != ReasonHardWindow {
		t.Errorf("second send within 1.5s = %+v", v)
	}
	clock.Advance(2 * time.Second)
	if v := g.Check(ctx, out("m1", "Outro texto")); v.Allowed || v.Reason != ReasonCooldown {
		t.Errorf("second send within cooldown = %+v", v)
	}
	clock.Advance(4 * time.Second)
	if v := g.Check(ctx, out("m1", "Mais um")); !v.Allowed {
		t.Errorf("after cooldown = %+v", v)
	}
	if v := g.Check(ctx, out("m2", "Resposta nova")); !v.Allowed {
		t.Errorf("other inbound id = %+v", v)
	}
}

func TestOutboundGuardIdenticalText(t *testing.T) {
	clock := newFakeClock()
	g := NewOutboundGuard(WithOutboundClock(clock.Now))
	ctx := context.Background()

	if v := g.Check(ctx, out("m1", "Qual é a marca do seu fogão?")); !v.Allowed {
		t.Fatal("first send suppressed")
	}
	clock.Advance(3 * time.Second)
	if v := g.Check(ctx, out("m2", "Qual é a marca do seu fogão?")); v.Allowed || v.Reason != ReasonDuplicateText {
		t.Errorf("identical text within 8s = %+v", v)
	}
	clock.Advance(6 * time.Second)
	if v := g.Check(ctx, out("m3", "Qual é a marca do seu fogão?")); !v.Allowed {
		t.Errorf("identical text after 8s = %+v", v)
	}
}

func TestOutboundGuardLedger(t *testing.T) {
	st := store.NewInMemoryStore()
	ctx := context.Background()
	sess := &models.Session{ID: "s1", Channel: models.ChannelWhatsApp, Peer: "5511987654321", CreatedAt: time.Now()}
	if _, err := st.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	err := st.AppendMessage(ctx, models.MessageLogEntry{
		ID: "x", SessionID: "s1", Direction: models.DirectionOut, Body: "Olá!", Timestamp: time.Now(), SourceID: "m0",
	})
	if err != nil {
		t.Fatal(err)
	}

	// a fresh guard has an empty cache, as another process would
	g := NewOutboundGuard(WithLedger(st))
	if v := g.Check(ctx, out("m1", "Olá!")); v.Allowed || v.Reason != ReasonLedger {
		t.Errorf("text sent by another process = %+v", v)
	}
	if v := g.Check(ctx, out("m2", "Outra coisa")); !v.Allowed {
		t.Errorf("new text = %+v", v)
	}
}

func TestOutboundGuardConcurrentSends(t *testing.T) {
	g := NewOutboundGuard()
	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Check(context.Background(), out("m1", "Resposta")).Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	if allowed.Load() != 1 {
		t.Errorf("allowed = %d, want 1", allowed.Load())
	}
}

func TestOutboundGuardRelease(t *testing.T) {
	clock := newFakeClock()
	g := NewOutboundGuard(WithOutboundClock(clock.Now))
	ctx := context.Background()
	o := out("", "Texto")
	if !g.Check(ctx, o).Allowed {
		t.Fatal("first check")
	}
	g.Release(o)
	if !g.Check(ctx, o).Allowed {
		t.Error("released text should be sendable again")
	}
}
