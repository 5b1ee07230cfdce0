package signals

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
)

// Equipment families. A change of family mid-funnel invalidates brand, problem and quote.
const (
	FamilyCooking       = "cooking"
	FamilyRefrigeration = "refrigeration"
	FamilyLaundry       = "laundry"
	FamilyDishwasher    = "dishwasher"
	FamilyMicrowave     = "microwave"
	FamilyHVAC          = "hvac"
	FamilyHood          = "hood"
	FamilyWaterHeater   = "water_heater"
)

// Service types sent to the pricing backend.
const (
	ServiceRepair       = "repair"
	ServiceInstallation = "installation"
	ServiceMaintenance  = "maintenance"
)

// EquipmentEntry maps customer wording to a canonical equipment name.
type EquipmentEntry struct {
	Name     string
	Family   string
	Feminine bool
	Pattern  *regexp.Regexp
}

// EquipmentTable is matched in order; earlier entries claim their span first,
// so "forno de micro-ondas" is a microwave and not an oven.
var EquipmentTable = []EquipmentEntry{
	{Name: "lava-louças", Family: FamilyDishwasher, Feminine: true, Pattern: regexp.MustCompile(`\b(lava ?loucas?|maquinas? de lavar loucas?)\b`)},
	{Name: "lava e seca", Family: FamilyLaundry, Feminine: true, Pattern: regexp.MustCompile(`\blava e seca\b`)},
	{Name: "máquina de lavar", Family: FamilyLaundry, Feminine: true, Pattern: regexp.MustCompile(`\b(maquinas? de lavar( roupas?)?|lavadoras?( de roupas?)?|tanquinhos?)\b`)},
	{Name: "secadora", Family: FamilyLaundry, Feminine: true, Pattern: regexp.MustCompile(`\bsecadoras?( de roupas?)?\b`)},
	{Name: "micro-ondas", Family: FamilyMicrowave, Pattern: regexp.MustCompile(`\b(fornos? de )?micro ?ondas\b`)},
	{Name: "ar-condicionado", Family: FamilyHVAC, Pattern: regexp.MustCompile(`\b(ares condicionados|ar condicionados?|splits?)\b`)},
	{Name: "geladeira", Family: FamilyRefrigeration, Feminine: true, Pattern: regexp.MustCompile(`\b(geladeiras?|refrigeradore?s?)\b`)},
	{Name: "freezer", Family: FamilyRefrigeration, Pattern: regexp.MustCompile(`\b(freezers?|congeladore?s?)\b`)},
	{Name: "frigobar", Family: FamilyRefrigeration, Pattern: regexp.MustCompile(`\bfrigobar(es)?\b`)},
	{Name: "fogão", Family: FamilyCooking, Pattern: regexp.MustCompile(`\b(fogao|fogoes)\b`)},
	{Name: "cooktop", Family: FamilyCooking, Pattern: regexp.MustCompile(`\bcook ?tops?\b`)},
	{Name: "forno", Family: FamilyCooking, Pattern: regexp.MustCompile(`\bfornos?( eletricos?| a gas)?\b`)},
	{Name: "coifa", Family: FamilyHood, Feminine: true, Pattern: regexp.MustCompile(`\b(coifas?|depuradore?s?)\b`)},
	{Name: "aquecedor", Family: FamilyWaterHeater, Pattern: regexp.MustCompile(`\baquecedore?s?( a gas| de agua)?\b`)},
}

// EquipmentMatch is one equipment mention found in text.
type EquipmentMatch struct {
	Name   string
	Family string
	Start  int
	End    int
}

// FamilyOf returns the family of a canonical or free-form equipment name.
func FamilyOf(equipment string) string {
	if equipment == "" {
		return ""
	}
	for _, e := range EquipmentTable {
		if e.Name == equipment {
			return e.Family
		}
	}
	if m := FindEquipment(Normalize(equipment)); len(m) > 0 {
		return m[0].Family
	}
	return ""
}

// IsFeminine reports whether equipment takes feminine agreement, as in
// "a geladeira". Unknown equipment is treated as masculine.
func IsFeminine(equipment string) bool {
	for _, e := range EquipmentTable {
		if e.Name == equipment {
			return e.Feminine
		}
	}
	if m := FindEquipment(Normalize(equipment)); len(m) > 0 {
		for _, e := range EquipmentTable {
			if e.Name == m[0].Name {
				return e.Feminine
			}
		}
	}
	return false
}

// FindEquipment returns every equipment mention in normalized text, in order of appearance.
func FindEquipment(normalized string) []EquipmentMatch {
	var found []EquipmentMatch
	claimed := make([]bool, len(normalized))
	for _, e := range EquipmentTable {
		for _, loc := range e.Pattern.FindAllStringIndex(normalized, -1) {
			if spanClaimed(claimed, loc[0], loc[1]) {
				continue
			}
			for i := loc[0]; i < loc[1]; i++ {
				claimed[i] = true
			}
			found = append(found, EquipmentMatch{Name: e.Name, Family: e.Family, Start: loc[0], End: loc[1]})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Start < found[j].Start })
	return found
}

func spanClaimed(claimed []bool, start, end int) bool {
	for i := start; i < end; i++ {
		if claimed[i] {
			return true
		}
	}
	return false
}

// DistinctEquipment returns the canonical names in order, without repeats.
func DistinctEquipment(matches []EquipmentMatch) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range matches {
		if !seen[m.Name] {
			seen[m.Name] = true
			out = append(out, m.Name)
		}
	}
	return out
}

// Brands maps normalized brand tokens to their display names.
var Brands = []struct {
	Token   string
	Display string
}{
	{"brastemp", "Brastemp"}, {"consul", "Consul"}, {"electrolux", "Electrolux"},
	{"eletrolux", "Electrolux"}, {"samsung", "Samsung"}, {"lg", "LG"},
	{"panasonic", "Panasonic"}, {"philco", "Philco"}, {"midea", "Midea"},
	{"fischer", "Fischer"}, {"esmaltec", "Esmaltec"}, {"atlas", "Atlas"},
	{"continental", "Continental"}, {"mueller", "Mueller"}, {"bosch", "Bosch"},
	{"whirlpool", "Whirlpool"}, {"dako", "Dako"}, {"mabe", "Mabe"},
	{"springer", "Springer"}, {"gree", "Gree"}, {"elgin", "Elgin"},
	{"britania", "Britânia"}, {"fogatti", "Fogatti"}, {"tramontina", "Tramontina"},
}

var brandRe = func() *regexp.Regexp {
	tokens := make([]string, 0, len(Brands))
	for _, b := range Brands {
		tokens = append(tokens, regexp.QuoteMeta(b.Token))
	}
	return regexp.MustCompile(`\b(` + strings.Join(tokens, "|") + `)\b`)
}()

// FindBrands returns brand display names in order of appearance.
func FindBrands(normalized string) []string {
	var out []string
	for _, tok := range brandRe.FindAllString(normalized, -1) {
		for _, b := range Brands {
			if b.Token == tok {
				out = append(out, b.Display)
				break
			}
		}
	}
	return out
}

// ProblemEntry maps a symptom pattern to its display text. Specific entries come first.
type ProblemEntry struct {
	Display string
	Pattern *regexp.Regexp
}

var ProblemTable = []ProblemEntry{
	{Display: "cheiro de gás", Pattern: regexp.MustCompile(`\b(cheiro de gas|vazamento de gas|vazando gas)\b`)},
	{Display: "desliga sozinho", Pattern: regexp.MustCompile(`\b(desliga sozinh[oa]|fica desligando|liga e desliga)\b`)},
	{Display: "boca não acende", Pattern: regexp.MustCompile(`\b(boca|bocas|queimador|queimadores) (nao acende|nao acendem|entupid[oa]s?)\b`)},
	{Display: "não liga", Pattern: regexp.MustCompile(`\bnao (liga|ta ligando|esta ligando|quer ligar)\b`)},
	{Display: "não acende", Pattern: regexp.MustCompile(`\bnao (acende|ascende|acendem)\b`)},
	{Display: "não esquenta", Pattern: regexp.MustCompile(`\bnao (esquenta|aquece|ta esquentando|esta esquentando|assa)\b`)},
	{Display: "não gela", Pattern: regexp.MustCompile(`\bnao (gela|congela|resfria|ta gelando|esta gelando)\b`)},
	{Display: "não centrifuga", Pattern: regexp.MustCompile(`\bnao (centrifuga|gira)\b`)},
	{Display: "não bate roupa", Pattern: regexp.MustCompile(`\bnao bate\b`)},
	{Display: "não seca", Pattern: regexp.MustCompile(`\bnao seca\b`)},
	{Display: "não escoa água", Pattern: regexp.MustCompile(`\bnao (escoa|drena|sai agua|puxa agua|enche)\b`)},
	{Display: "gelo acumulado", Pattern: regexp.MustCompile(`\b(acumulando gelo|muito gelo|gelo acumulado)\b`)},
	{Display: "vazando", Pattern: regexp.MustCompile(`\b(vazando|vaza|vazamento|pingando|gotejando)\b`)},
	{Display: "barulho estranho", Pattern: regexp.MustCompile(`\b(barulho|barulhos|ruido|ruidos|zumbido|batendo)\b`)},
	{Display: "porta com defeito", Pattern: regexp.MustCompile(`\b(porta (nao fecha|quebrada|solta|nao veda)|borracha da porta)\b`)},
	{Display: "dando choque", Pattern: regexp.MustCompile(`\b(da choque|dando choque|desarma|desarmando)\b`)},
	{Display: "painel com defeito", Pattern: regexp.MustCompile(`\b(painel|display|visor) (apagado|nao funciona|piscando|com erro)\b`)},
	{Display: "queimado", Pattern: regexp.MustCompile(`\b(queimou|queimado|queimada|cheiro de queimado)\b`)},
	{Display: "quebrado", Pattern: regexp.MustCompile(`\b(quebrou|quebrado|quebrada)\b`)},
	{Display: "não funciona", Pattern: regexp.MustCompile(`\b(nao funciona|parou de funcionar|parou|com defeito|estragou)\b`)},
}

// FindProblem returns the display text of the first matching symptom, or "".
func FindProblem(normalized string) string {
	for _, p := range ProblemTable {
		if p.Pattern.MatchString(normalized) {
			return p.Display
		}
	}
	return ""
}

var (
	installationRe = regexp.MustCompile(`\b(instalacao|instalar|instala|instalado)\b`)
	maintenanceRe  = regexp.MustCompile(`\b(manutencao|limpeza|revisao|preventiva|higienizacao|higienizar)\b`)
)

// FindServiceType returns installation or maintenance when asked for explicitly, or "".
func FindServiceType(normalized string) string {
	switch {
	case installationRe.MatchString(normalized):
		return ServiceInstallation
	case maintenanceRe.MatchString(normalized):
		return ServiceMaintenance
	default:
		return ""
	}
}

var (
	nameRe    = regexp.MustCompile(`(?i)(?:meu nome (?:é|e)|me chamo|nome:|sou (?:o|a))\s*(\p{L}+(?:[ \t]+\p{L}+){0,5})`)
	addressRe = regexp.MustCompile(`(?i)(?:endere[cç]o(?:\s+(?:é|e))?:?\s*)?\b((?:rua|r\.|avenida|av\.?|travessa|alameda|estrada|rodovia|pra[cç]a)\s+[^\n;]+)`)
	// words that end a captured name
	nameStop = map[string]bool{
		"e": true, "moro": true, "meu": true, "minha": true, "rua": true, "avenida": true,
		"av": true, "endereço": true, "endereco": true, "tel": true, "telefone": true, "cpf": true,
		"no": true, "na": true, "em": true,
	}
	addressStopRe = regexp.MustCompile(`(?i)\s*(,\s*)?(meu nome|me chamo|telefone|tel\b|celular|whats).*$`)
)

// FindName returns a name introduced with a marker such as "meu nome é".
func FindName(text string) string {
	m := nameRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	var kept []string
	for _, w := range strings.Fields(m[1]) {
		if nameStop[strings.ToLower(w)] {
			break
		}
		kept = append(kept, w)
	}
	return strings.Join(kept, " ")
}

// FindAddress returns a street address starting at a street marker.
func FindAddress(text string) string {
	m := addressRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	addr := addressStopRe.ReplaceAllString(m[1], "")
	return strings.Trim(strings.TrimSpace(addr), ".,;")
}

// FindPhone returns a 10 to 13 digit phone number, or "".
func FindPhone(text string) string {
	d := DigitsInText(text)
	if len(d) >= 10 && len(d) <= 13 {
		return d
	}
	return ""
}

// LooksLikeBareName reports whether text is plausibly just a person's name:
// two to five words of letters that carry no funnel meaning.
func LooksLikeBareName(text string) bool {
	words := strings.Fields(strings.TrimSpace(text))
	if len(words) < 2 || len(words) > 5 {
		return false
	}
	for _, w := range words {
		for _, r := range w {
			if !unicode.IsLetter(r) && r != '\'' && r != '-' {
				return false
			}
		}
	}
	a := Analyze(text)
	return len(a.Equipment) == 0 && a.Brand == "" && a.Problem == "" &&
		!a.Signals.Has(SignalAffirmative) && !a.Signals.Has(SignalNegative) &&
		!a.Signals.Has(SignalGreeting) && !a.Signals.Has(SignalTimeSelection) &&
		!a.Signals.Has(SignalReset) && !a.Signals.Has(SignalHuman) && !a.Signals.Has(SignalCancel)
}
