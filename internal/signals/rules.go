package signals

import (
	"regexp"
	"strings"
)

// Signal is a typed cue detected in customer text.
type Signal uint32

const (
	SignalReset Signal = 1 << iota
	SignalHuman
	SignalCancel
	SignalNegative
	SignalAffirmative
	SignalTimeSelection
	SignalPersonalData
	SignalMultiItem
	SignalGreeting
)

var signalNames = map[Signal]string{
	SignalReset:         "reset",
	SignalHuman:         "human",
	SignalCancel:        "cancel",
	SignalNegative:      "negative",
	SignalAffirmative:   "affirmative",
	SignalTimeSelection: "time_selection",
	SignalPersonalData:  "personal_data",
	SignalMultiItem:     "multi_item",
	SignalGreeting:      "greeting",
}

func (s Signal) String() string {
	if n, ok := signalNames[s]; ok {
		return n
	}
	return "unknown"
}

// Set is a bit set of signals.
type Set uint32

// Has reports whether sig is in the set.
func (s Set) Has(sig Signal) bool { return s&Set(sig) != 0 }

// With returns the set with sig added.
func (s Set) With(sig Signal) Set { return s | Set(sig) }

// Without returns the set with sig removed.
func (s Set) Without(sig Signal) Set { return s &^ Set(sig) }

var priority = []Signal{
	SignalReset, SignalHuman, SignalCancel, SignalNegative, SignalAffirmative,
	SignalTimeSelection, SignalPersonalData, SignalMultiItem, SignalGreeting,
}

// Names lists the signals in priority order, for logging.
func (s Set) Names() []string {
	var out []string
	for _, sig := range priority {
		if s.Has(sig) {
			out = append(out, sig.String())
		}
	}
	return out
}

// Rule maps a pattern on normalized text to a signal.
type Rule struct {
	Signal  Signal
	Pattern *regexp.Regexp
	// MaxWords restricts the rule to short messages when greater than zero.
	MaxWords int
	// Raw matches against lower-cased original text instead of normalized text.
	Raw bool
}

// Rules is evaluated top to bottom; order is the signal priority.
var Rules = []Rule{
	{Signal: SignalHuman, Pattern: regexp.MustCompile(`\b(atendente|humano|pessoa real|falar com (alguem|uma pessoa|um atendente|o tecnico|voces)|gerente|suporte humano)\b`)},
	{Signal: SignalCancel, Pattern: regexp.MustCompile(`\b(cancelar|cancela|cancele|cancelamento|desmarcar|desmarca|desmarque)\b`)},
	{Signal: SignalNegative, Pattern: regexp.MustCompile(`^(nao|n|nope|negativo|agora nao|ainda nao)( obrigad[oa]| valeu| por enquanto)?$`)},
	{Signal: SignalNegative, Pattern: regexp.MustCompile(`\b(nao quero|nao precisa|nao obrigad[oa]|deixa pra la|muito caro|nao vou|desisto)\b`)},
	{Signal: SignalAffirmative, Pattern: regexp.MustCompile(`^(sim|s|ss|pode|ok|okay|claro|fechado|beleza|blz|isso|confirmo|confirmado|aceito|bora|perfeito|combinado|show|positivo|com certeza|top|otimo)\b`)},
	{Signal: SignalAffirmative, Pattern: regexp.MustCompile(`\b(pode agendar|pode marcar|quero agendar|quero marcar|vamos agendar|vamos marcar|pode confirmar|pode ser|pode sim|quero sim|de acordo|tudo certo|aceito|fechado)\b`)},
	{Signal: SignalTimeSelection, Pattern: regexp.MustCompile(`^(opcao |numero |horario |o |a )?([1-9]|10)( opcao| horario)?$`)},
	{Signal: SignalTimeSelection, Pattern: regexp.MustCompile(`^(a |o )?(primeir[oa]|segund[oa]|terceir[oa]|quart[oa]|quint[oa])( opcao| horario)?$`)},
	{Signal: SignalTimeSelection, Pattern: regexp.MustCompile(`\b(segunda|terca|quarta|quinta|sexta|sabado|domingo)( feira)?\b`), MaxWords: 8},
	{Signal: SignalTimeSelection, Pattern: regexp.MustCompile(`\b(de manha|pela manha|manha|a tarde|de tarde|pela tarde|a noite|de noite|amanha|hoje|depois de amanha)\b`), MaxWords: 8},
	{Signal: SignalTimeSelection, Pattern: regexp.MustCompile(`\b(as )?\d{1,2}(:\d{2}|h\d{0,2})\b`), MaxWords: 8},
	{Signal: SignalPersonalData, Pattern: regexp.MustCompile(`\b(meu nome e|me chamo|nome:|sou o|sou a)\b`)},
	{Signal: SignalPersonalData, Pattern: regexp.MustCompile(`\b(rua|avenida|av|travessa|alameda|estrada|rodovia|praca|bairro|cep|apto|apartamento|condominio|quadra|lote)\b`)},
	{Signal: SignalPersonalData, Pattern: regexp.MustCompile(`\b\d{5} ?\d{3}\b`)},
	{Signal: SignalMultiItem, Pattern: regexp.MustCompile(`\b([2-9]|dois|duas|tres|quatro|cinco)( [a-z]+)? (geladeiras|fogoes|maquinas|lavadoras|freezers|micro ondas|microondas|ar condicionados|ares condicionados|aparelhos|equipamentos|fornos|cooktops|secadoras|lava loucas)\b`)},
	{Signal: SignalMultiItem, Pattern: regexp.MustCompile(`\b(itens|item [1-9]|primeiro item|segundo item)\b`)},
	{Signal: SignalMultiItem, Pattern: regexp.MustCompile(`(?m)(^|\s)[1-9][).:-]\s*\S.*\s[1-9][).:-]\s*\S`), Raw: true},
}

// ResetPhrases are explicit requests to start the conversation over.
var ResetPhrases = []string{
	"comecar de novo", "comecar do zero", "recomecar", "reiniciar", "resetar",
	"novo pedido", "nova solicitacao", "novo atendimento", "novo orcamento",
	"esquece tudo", "esqueca tudo", "start over", "new request", "reset",
}

// greetingPhrases are stripped longest-first; text that is empty afterwards is greeting-only.
var greetingPhrases = []string{
	"boa tarde", "boa noite", "bom dia", "tudo bem", "tudo bom", "td bem", "e ai", "como vai",
	"ola", "oi", "oie", "opa", "eai", "salve", "alo", "hello", "hi", "hey", "oii", "oiii",
}

// greetingTimeRe removes greetings that would otherwise read as a time period.
var greetingTimeRe = regexp.MustCompile(`\b(boa tarde|boa noite|bom dia)\b`)

// Classify evaluates Rules against text and returns the matched signals.
// A negative answer suppresses an affirmative one.
func Classify(text string) Set {
	normalized := Normalize(text)
	raw := strings.ToLower(text)
	return classify(normalized, raw)
}

func classify(normalized, raw string) Set {
	var set Set
	if ContainsResetPhrase(normalized) {
		set = set.With(SignalReset)
	}
	words := WordCount(normalized)
	withoutGreeting := strings.TrimSpace(greetingTimeRe.ReplaceAllString(normalized, " "))
	for _, r := range Rules {
		if set.Has(r.Signal) {
			continue
		}
		if r.MaxWords > 0 && words > r.MaxWords {
			continue
		}
		subject := normalized
		switch {
		case r.Raw:
			subject = raw
		case r.Signal == SignalTimeSelection:
			subject = withoutGreeting
		}
		if r.Pattern.MatchString(subject) {
			set = set.With(r.Signal)
		}
	}
	if set.Has(SignalNegative) {
		set = set.Without(SignalAffirmative)
	}
	if len(DigitsInText(raw)) >= 10 {
		set = set.With(SignalPersonalData)
	}
	if IsGreetingOnly(normalized) {
		set = set.With(SignalGreeting)
	}
	return set
}

// ContainsResetPhrase reports whether normalized text contains a reset phrase as whole words.
func ContainsResetPhrase(normalized string) bool {
	padded := " " + normalized + " "
	for _, p := range ResetPhrases {
		if strings.Contains(padded, " "+p+" ") {
			return true
		}
	}
	return false
}

// IsGreetingOnly reports whether normalized text consists solely of greetings.
func IsGreetingOnly(normalized string) bool {
	rest := " " + normalized + " "
	matched := false
	for _, g := range greetingPhrases {
		needle := " " + g + " "
		for strings.Contains(rest, needle) {
			rest = strings.Replace(rest, needle, " ", 1)
			matched = true
		}
	}
	return matched && strings.TrimSpace(rest) == ""
}

// DigitsInText returns the longest run of digits once separators inside a
// phone-like sequence are removed.
func DigitsInText(s string) string {
	best := ""
	for _, m := range phoneRe.FindAllString(s, -1) {
		var b strings.Builder
		for _, r := range m {
			if r >= '0' && r <= '9' {
				b.WriteRune(r)
			}
		}
		if d := b.String(); len(d) > len(best) {
			best = d
		}
	}
	return best
}

var phoneRe = regexp.MustCompile(`\+?\d[\d\s().-]{7,}\d`)
