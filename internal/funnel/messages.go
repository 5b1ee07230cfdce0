package funnel

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"github.com/BTreeMap/RepairPipe/internal/models"
	"github.com/BTreeMap/RepairPipe/internal/signals"
)

// Fixed client-facing texts.
const (
	QuestionEquipment     = "Qual equipamento precisa de atendimento? Por exemplo: fogão, geladeira, máquina de lavar."
	QuestionName          = "Para agendar, preciso do seu nome completo."
	QuestionAddress       = "Qual é o endereço completo para a visita (rua, número e bairro)?"
	ReplyDeclined         = "Tudo bem! Se mudar de ideia é só me chamar por aqui."
	ReplyTransferred      = "Certo, vou transferir você para um de nossos atendentes. Em instantes alguém continua por aqui."
	ReplyCancelled        = "Sua visita foi cancelada. Se precisar de algo, é só chamar."
	ReplyCancelFailed     = "Não consegui cancelar agora. Um atendente vai confirmar o cancelamento com você."
	ReplyNoSlots          = "No momento não encontrei horários disponíveis. Um atendente vai entrar em contato para combinar a visita."
	ReplyBookingPending   = "Seu pedido de agendamento ainda está sendo processado. Se preferir, escolha outro horário da lista."
	ReplyPickSlot         = "Não entendi qual horário você prefere. Responda com o número da opção."
	ReplyAlreadyScheduled = "Sua visita já está agendada. Se quiser cancelar, é só dizer \"cancelar\"."
)

// Acceptance options offered with every quote.
var quoteOptions = []string{"Pode agendar", "Não, obrigado"}

var printer = message.NewPrinter(language.BrazilianPortuguese)

// FormatMoney renders value in Brazilian notation, e.g. "R$ 1.234,50".
func FormatMoney(currency string, value float64) string {
	symbol := currency
	if currency == "" || strings.EqualFold(currency, "BRL") {
		symbol = "R$"
	}
	return symbol + " " + printer.Sprint(number.Decimal(value, number.Scale(2)))
}

// Your prefixes equipment with the possessive that agrees with it, e.g.
// "a sua geladeira" or "o seu fogão".
func Your(equipment string) string {
	if signals.IsFeminine(equipment) {
		return "a sua " + equipment
	}
	return "o seu " + equipment
}

// OfYour is Your contracted with "de": "da sua geladeira", "do seu fogão".
func OfYour(equipment string) string {
	return "d" + Your(equipment)
}

// NextQuestion returns the deterministic question for the current stage.
func NextQuestion(st models.FunnelState) models.Reply {
	switch Evaluate(st) {
	case models.StageCollectingEquipment:
		return models.Reply{Text: QuestionEquipment}
	case models.StageCollectingBrand:
		return models.Reply{Text: fmt.Sprintf("Qual é a marca %s?", OfYour(st.Equipment))}
	case models.StageCollectingProblem:
		return models.Reply{Text: fmt.Sprintf("Qual problema %s %s está apresentando?", Your(st.Equipment), st.Brand)}
	case models.StageQuoteReady, models.StageAwaitingAcceptance:
		if st.Quote != nil {
			return QuoteReply(st)
		}
		return models.Reply{Text: "Estou preparando o seu orçamento, só um instante."}
	case models.StageCollectingPersonalData:
		return PersonalDataQuestion(st.PersonalData)
	case models.StageAwaitingTimeSelection:
		if len(st.OfferedSlots) > 0 {
			return SlotsReply(st.OfferedSlots)
		}
		return models.Reply{Text: ReplyPickSlot}
	case models.StageScheduled:
		return models.Reply{Text: ReplyAlreadyScheduled}
	case models.StageCancelled:
		return models.Reply{Text: "Seu atendimento foi cancelado. Para um novo pedido, diga \"novo pedido\"."}
	default:
		return models.Reply{Text: ReplyTransferred}
	}
}

// PersonalDataQuestion asks for the first missing personal field.
func PersonalDataQuestion(p models.PersonalData) models.Reply {
	switch {
	case p.Name == "":
		return models.Reply{Text: QuestionName}
	case p.Address == "":
		return models.Reply{Text: QuestionAddress}
	default:
		return models.Reply{Text: "Obrigado! Vou verificar os horários disponíveis."}
	}
}

// QuoteReply presents the cached quote (or all item quotes) and asks for acceptance.
func QuoteReply(st models.FunnelState) models.Reply {
	if len(st.Items) > 1 && len(st.Quotes) > 0 {
		return BatchQuoteReply(st.Quotes)
	}
	q := st.Quote
	var b strings.Builder
	fmt.Fprintf(&b, "Orçamento para %s %s (%s): %s.", q.Equipment, q.Brand, q.Problem, FormatMoney(q.Currency, q.Value))
	if q.Source != models.QuoteSourceBackend {
		b.WriteString(" Valor estimado, sujeito a confirmação na visita.")
	}
	b.WriteString(" Podemos agendar a visita do técnico?")
	return models.Reply{Text: b.String(), Options: quoteOptions}
}

// BatchQuoteReply presents one line per quoted item and the total.
func BatchQuoteReply(quotes []models.QuoteRecord) models.Reply {
	var b strings.Builder
	b.WriteString("Orçamentos:\n")
	var total float64
	currency := ""
	for i, q := range quotes {
		fmt.Fprintf(&b, "%d. %s %s (%s): %s\n", i+1, q.Equipment, q.Brand, q.Problem, FormatMoney(q.Currency, q.Value))
		total += q.Value
		currency = q.Currency
	}
	fmt.Fprintf(&b, "Total: %s. Podemos agendar a visita do técnico?", FormatMoney(currency, total))
	return models.Reply{Text: b.String(), Options: quoteOptions}
}

// ItemsQuestion asks for what is missing in a multi-item request.
func ItemsQuestion(items []models.FunnelItem) models.Reply {
	var b strings.Builder
	b.WriteString("Para fazer o orçamento de cada equipamento, preciso de mais detalhes:\n")
	for i, it := range items {
		if it.Complete() {
			continue
		}
		var missing []string
		if it.Brand == "" {
			missing = append(missing, "marca")
		}
		if it.Problem == "" {
			missing = append(missing, "problema")
		}
		fmt.Fprintf(&b, "%d. %s: %s\n", i+1, it.Equipment, strings.Join(missing, " e "))
	}
	return models.Reply{Text: strings.TrimRight(b.String(), "\n")}
}

// SlotsReply lists slots as numbered options.
func SlotsReply(slots []models.Slot) models.Reply {
	opts := make([]string, 0, min(len(slots), models.MaxReplyOptions))
	for i, s := range slots {
		if i == models.MaxReplyOptions {
			break
		}
		opts = append(opts, SlotLabel(s))
	}
	return models.Reply{Text: "Estes são os horários disponíveis. Qual você prefere?", Options: opts}
}

var weekdays = [...]string{"domingo", "segunda", "terça", "quarta", "quinta", "sexta", "sábado"}

// SlotLabel returns the slot's label or a pt-BR rendering of its start time.
func SlotLabel(s models.Slot) string {
	if s.Label != "" {
		return s.Label
	}
	return fmt.Sprintf("%s %s às %s", weekdays[s.Start.Weekday()], s.Start.Format("02/01"), s.Start.Format("15:04"))
}

// ScheduledReply confirms a booked appointment.
func ScheduledReply(rec models.AppointmentRecord, slot *models.Slot) models.Reply {
	when := rec.ScheduledAt
	label := SlotLabel(models.Slot{Start: when})
	if slot != nil {
		label = SlotLabel(*slot)
	}
	return models.Reply{Text: fmt.Sprintf("Visita agendada para %s. Número do atendimento: %s.", label, rec.ID)}
}
