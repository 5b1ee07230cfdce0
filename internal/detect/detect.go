// Package detect recognizes turns that short-circuit the funnel: explicit
// reset requests, greeting-only messages and returns after a long gap.
package detect

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/RepairPipe/internal/funnel"
	"github.com/BTreeMap/RepairPipe/internal/models"
	"github.com/BTreeMap/RepairPipe/internal/signals"
)

const (
	// DefaultReengagementGap is the inactivity after which a returning client is re-greeted.
	DefaultReengagementGap = 60 * time.Minute
	// DefaultGreetingCooldown prevents re-greeting twice in quick succession.
	DefaultGreetingCooldown = 2 * time.Minute
	// minFuzzyRunes is the shortest phrase that may match with one typo.
	minFuzzyRunes = 8
)

// Canned replies.
const (
	ReplyFreshStart     = "Tudo bem, vamos começar do zero! Qual equipamento precisa de atendimento?"
	ReplyMinimalRequest = "Olá! Para agilizar seu atendimento, me diga qual é o equipamento, a marca e o problema que ele apresenta."
)

// Kind is the outcome of detection.
type Kind int

const (
	// KindNone means the turn continues through the classifier.
	KindNone Kind = iota
	KindReset
	KindGreetingOnly
	KindReengage
)

func (k Kind) String() string {
	switch k {
	case KindReset:
		return "reset"
	case KindGreetingOnly:
		return "greeting_only"
	case KindReengage:
		return "reengage"
	default:
		return "none"
	}
}

// Result is what the detector decided for a message.
type Result struct {
	Kind  Kind
	Reply models.Reply
}

// Handled reports whether the turn ends here.
func (r Result) Handled() bool { return r.Kind != KindNone }

// Opts holds detector configuration.
type Opts struct {
	Reengagement bool
	Gap          time.Duration
	Cooldown     time.Duration
	Now          func() time.Time
}

// Option configures a Detector.
type Option func(*Opts)

// WithReengagement enables contextual return greetings after gap of inactivity.
func WithReengagement(enabled bool, gap time.Duration) Option {
	return func(o *Opts) {
		o.Reengagement = enabled
		if gap > 0 {
			o.Gap = gap
		}
	}
}

// WithCooldown overrides DefaultGreetingCooldown.
func WithCooldown(d time.Duration) Option {
	return func(o *Opts) { o.Cooldown = d }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Detector recognizes reset, greeting-only and re-engagement turns.
type Detector struct {
	opts Opts
}

// New creates a Detector. Re-engagement is disabled unless enabled by an option.
func New(opts ...Option) *Detector {
	cfg := Opts{Gap: DefaultReengagementGap, Cooldown: DefaultGreetingCooldown, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Detector{opts: cfg}
}

// Detect inspects a message against the session as it was before this message
// was recorded. It does not mutate the session.
func (d *Detector) Detect(sess *models.Session, a signals.Analysis) Result {
	if IsResetPhrase(a.Normalized) {
		slog.Debug("Detector.Detect: reset phrase", "session_id", sess.ID)
		return Result{Kind: KindReset, Reply: models.Reply{Text: ReplyFreshStart}}
	}

	if d.opts.Reengagement {
		if d.shouldReengage(sess) {
			slog.Debug("Detector.Detect: re-engaging after gap", "session_id", sess.ID)
			return Result{Kind: KindReengage, Reply: ReengagementReply(sess.State)}
		}
		return Result{Kind: KindNone}
	}

	if a.Signals.Has(signals.SignalGreeting) {
		slog.Debug("Detector.Detect: greeting only", "session_id", sess.ID)
		return Result{Kind: KindGreetingOnly, Reply: models.Reply{Text: ReplyMinimalRequest}}
	}
	return Result{Kind: KindNone}
}

func (d *Detector) shouldReengage(sess *models.Session) bool {
	last := sess.LastActivity()
	if last == nil {
		return false
	}
	now := d.opts.Now()
	if now.Sub(*last) <= d.opts.Gap {
		return false
	}
	if sess.LastGreetingAt != nil && now.Sub(*sess.LastGreetingAt) < d.opts.Cooldown {
		return false
	}
	return true
}

// ReengagementReply builds the return greeting, mentioning what was collected before.
func ReengagementReply(st models.FunnelState) models.Reply {
	var context string
	switch {
	case st.Equipment != "" && st.Problem != "":
		context = fmt.Sprintf(" Da última vez falamos sobre %s (%s).", funnel.Your(st.Equipment), st.Problem)
	case st.Equipment != "":
		context = fmt.Sprintf(" Da última vez falamos sobre %s.", funnel.Your(st.Equipment))
	case st.Problem != "":
		context = fmt.Sprintf(" Da última vez você comentou: %s.", st.Problem)
	}
	if context == "" {
		return models.Reply{Text: "Olá de novo! Como posso ajudar com o seu equipamento hoje?"}
	}
	return models.Reply{
		Text:    "Olá de novo!" + context + " Quer continuar de onde paramos ou fazer um novo pedido?",
		Options: []string{"Continuar", "Novo pedido"},
	}
}

// IsResetPhrase matches normalized text against signals.ResetPhrases exactly,
// by containment, or within one edit for phrases of at least eight runes.
func IsResetPhrase(normalized string) bool {
	if normalized == "" {
		return false
	}
	if signals.ContainsResetPhrase(normalized) {
		return true
	}
	words := strings.Fields(normalized)
	for _, phrase := range signals.ResetPhrases {
		if len([]rune(phrase)) < minFuzzyRunes {
			continue
		}
		n := len(strings.Fields(phrase))
		for i := 0; i+n <= len(words); i++ {
			window := strings.Join(words[i:i+n], " ")
			if Levenshtein(window, phrase) <= 1 {
				return true
			}
		}
	}
	return false
}

// Levenshtein returns the edit distance between a and b, counted in runes.
func Levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}
