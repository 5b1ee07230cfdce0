package signals

import (
	"reflect"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Fogão NÃO liga!!", "fogao nao liga"},
		{"  Micro-ondas   quebrado ", "micro ondas quebrado"},
		{"Às 14:30, pode ser?", "as 14:30 pode ser"},
		{"Lava-louças Electrolux", "lava loucas electrolux"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		text    string
		want    []Signal
		notWant []Signal
	}{
		{text: "sim", want: []Signal{SignalAffirmative}},
		{text: "Pode agendar", want: []Signal{SignalAffirmative}, notWant: []Signal{SignalTimeSelection}},
		{text: "não, obrigado", want: []Signal{SignalNegative}, notWant: []Signal{SignalAffirmative}},
		{text: "não quero agendar", want: []Signal{SignalNegative}, notWant: []Signal{SignalAffirmative}},
		{text: "2", want: []Signal{SignalTimeSelection}},
		{text: "opção 3", want: []Signal{SignalTimeSelection}},
		{text: "segunda de manhã", want: []Signal{SignalTimeSelection}},
		{text: "às 14h", want: []Signal{SignalTimeSelection}},
		{text: "boa tarde", want: []Signal{SignalGreeting}, notWant: []Signal{SignalTimeSelection}},
		{text: "oi, tudo bem?", want: []Signal{SignalGreeting}},
		{text: "oi, minha geladeira não gela", notWant: []Signal{SignalGreeting, SignalNegative}},
		{text: "fogão não liga", notWant: []Signal{SignalTimeSelection, SignalAffirmative, SignalNegative}},
		{text: "quero cancelar a visita", want: []Signal{SignalCancel}},
		{text: "quero falar com um atendente", want: []Signal{SignalHuman}},
		{text: "Começar de novo", want: []Signal{SignalReset}},
		{text: "Meu nome é Maria Silva", want: []Signal{SignalPersonalData}},
		{text: "Rua das Flores, 123", want: []Signal{SignalPersonalData}},
		{text: "meu número é (11) 98765-4321", want: []Signal{SignalPersonalData}},
		{text: "tenho 2 geladeiras com problema", want: []Signal{SignalMultiItem}},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got := Classify(tt.text)
			for _, s := range tt.want {
				if !got.Has(s) {
					t.Errorf("Classify(%q) = %v, missing %s", tt.text, got.Names(), s)
				}
			}
			for _, s := range tt.notWant {
				if got.Has(s) {
					t.Errorf("Classify(%q) = %v, unexpected %s", tt.text, got.Names(), s)
				}
			}
		})
	}
}

func TestFindEquipment(t *testing.T) {
	tests := []struct {
		text string
		want []string
	}{
		{"meu fogão não liga", []string{"fogão"}},
		{"forno de micro-ondas parou", []string{"micro-ondas"}},
		{"máquina de lavar louças vazando", []string{"lava-louças"}},
		{"a geladeira e o fogão", []string{"geladeira", "fogão"}},
		{"ar condicionado split", []string{"ar-condicionado"}},
		{"nada a ver", nil},
	}
	for _, tt := range tests {
		got := DistinctEquipment(FindEquipment(Normalize(tt.text)))
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("FindEquipment(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestFamilyOf(t *testing.T) {
	tests := []struct {
		equipment, want string
	}{
		{"fogão", FamilyCooking},
		{"cooktop", FamilyCooking},
		{"geladeira", FamilyRefrigeration},
		{"freezer", FamilyRefrigeration},
		{"Lavadora", FamilyLaundry},
		{"", ""},
		{"bicicleta", ""},
	}
	for _, tt := range tests {
		if got := FamilyOf(tt.equipment); got != tt.want {
			t.Errorf("FamilyOf(%q) = %q, want %q", tt.equipment, got, tt.want)
		}
	}
}

func TestAnalyzeExtractsFunnelFields(t *testing.T) {
	tests := []struct {
		text        string
		equipment   string
		brand       string
		problem     string
		serviceType string
	}{
		{text: "fogão não liga", equipment: "fogão", problem: "não liga"},
		{text: "Brastemp", brand: "Brastemp"},
		{text: "minha geladeira LG está vazando", equipment: "geladeira", brand: "LG", problem: "vazando"},
		{text: "fogão: boca não acende", equipment: "fogão", problem: "boca não acende"},
		{text: "quero instalar um cooktop", equipment: "cooktop", serviceType: ServiceInstallation},
		{text: "limpeza do ar condicionado Springer", equipment: "ar-condicionado", brand: "Springer", serviceType: ServiceMaintenance},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			a := Analyze(tt.text)
			var eq string
			if m, ok := a.FirstEquipment(); ok {
				eq = m.Name
			}
			if eq != tt.equipment || a.Brand != tt.brand || a.Problem != tt.problem || a.ServiceType != tt.serviceType {
				t.Errorf("Analyze(%q) = equipment %q brand %q problem %q service %q; want %q %q %q %q",
					tt.text, eq, a.Brand, a.Problem, a.ServiceType, tt.equipment, tt.brand, tt.problem, tt.serviceType)
			}
		})
	}
}

func TestAnalyzeMultiItemByEquipmentCount(t *testing.T) {
	a := Analyze("a geladeira não gela e o fogão não acende")
	if !a.Signals.Has(SignalMultiItem) {
		t.Errorf("two equipment tokens should mark multi-item, got %v", a.Signals.Names())
	}
	if Analyze("a geladeira não gela").Signals.Has(SignalMultiItem) {
		t.Error("single equipment should not be multi-item")
	}
}

func TestPersonalDataExtraction(t *testing.T) {
	a := Analyze("Meu nome é Maria Silva e moro na Rua das Flores, 123, apto 4")
	if a.Name != "Maria Silva" {
		t.Errorf("Name = %q, want Maria Silva", a.Name)
	}
	if a.Address != "Rua das Flores, 123, apto 4" {
		t.Errorf("Address = %q", a.Address)
	}

	b := Analyze("Av. Paulista 1000, meu nome é João")
	if b.Address != "Av. Paulista 1000" {
		t.Errorf("Address = %q, want Av. Paulista 1000", b.Address)
	}
	if b.Name != "João" {
		t.Errorf("Name = %q, want João", b.Name)
	}

	if got := FindPhone("meu telefone é (11) 98765-4321"); got != "11987654321" {
		t.Errorf("FindPhone = %q", got)
	}
	if got := FindPhone("CEP 01234-567"); got != "" {
		t.Errorf("FindPhone on a CEP = %q, want empty", got)
	}
}

func TestLooksLikeBareName(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"Maria Silva", true},
		{"José da Costa Lima", true},
		{"Maria", false},
		{"pode agendar", false},
		{"boa tarde", false},
		{"Brastemp Consul", false},
		{"Rua 7", false},
	}
	for _, tt := range tests {
		if got := LooksLikeBareName(tt.text); got != tt.want {
			t.Errorf("LooksLikeBareName(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestIsGreetingOnly(t *testing.T) {
	for _, s := range []string{"oi", "ola bom dia", "boa noite tudo bem", "e ai"} {
		if !IsGreetingOnly(s) {
			t.Errorf("IsGreetingOnly(%q) = false", s)
		}
	}
	for _, s := range []string{"", "oi geladeira", "bom dia quero um orcamento"} {
		if IsGreetingOnly(s) {
			t.Errorf("IsGreetingOnly(%q) = true", s)
		}
	}
}
