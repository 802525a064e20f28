package scorer

import (
	"regexp"
	"strings"

	"github.com/tetraminz/collection_phases/internal/phase"
)

// turnContext is what a heuristic can see about the turn being scored.
type turnContext struct {
	text   string // normalized
	length int    // runes in text
	words  int
	turn   int
	total  int
	last   phase.Phase
	isLast bool
}

func (c turnContext) lastIn(phases ...phase.Phase) bool {
	for _, p := range phases {
		if c.last == p {
			return true
		}
	}
	return false
}

// negotiationAdjacent lists the phases after which short answers usually keep
// negotiating.
var negotiationAdjacent = []phase.Phase{phase.InformacionDeuda, phase.Negociacion, phase.ConsultaAceptacion}

var (
	numberRe        = regexp.MustCompile(`\d{2,}|\d+[.,]\d+`)
	payWordsRe      = regexp.MustCompile(`(?i)pagar|abonar|pago|cuota|sol|soles|nuevo sol|lucas|mango|palo|palos`)
	digitsChunkRe   = regexp.MustCompile(`^(?:\d[\s\-.]*){3,}$`)
	repitoRe        = regexp.MustCompile(`(?i)\b(como le repito|se lo repito|le repito)\b`)
	repitoStrongRe  = regexp.MustCompile(`(?i)\b(como le repito|le repito)\b`)
	whenBrindoRe    = regexp.MustCompile(`(?i)\b(cuando le brind[oa]?\b|cuando le brinde)\b`)
	digameRe        = regexp.MustCompile(`^digame[.!]?$`)
	earlySiRe       = regexp.MustCompile(`^(si|si senorita|si señorita)[.!]?$`)
	bareYaRe        = regexp.MustCompile(`^ya[.!]?$`)
	negContextRe    = regexp.MustCompile(`(?i)\b(mi esposo|mi hijo|mis hijos|familiar|familia|gastos|trabaj|desemplead|no tengo|no puedo|ingreso|morosidad|coordinar|comunicar|no se ha podido|no han podido|unos dias|deme unos dias|minimo|mínimo|catalogo|catálogo|ventas|vendo|no vende|no se vende|no pide|no hay)\b`)
	tenureRe        = regexp.MustCompile(`\b\d+\s*(anos?|a[nñ]os?|mes(es)?)\b`)
	tenureWordsRe   = regexp.MustCompile(`\b(buen tiempo|hace tiempo|ya tengo)\b`)
	onlyDigitsRe    = regexp.MustCompile(`^(ya[.,]?\s*)?[0-9\s.,-]+$`)
	cardRe          = regexp.MustCompile(`\btarjeta\b`)
	callbackRe      = regexp.MustCompile(`devolver la llamada|horario|a que hora|me podria llamar|podria llamar|manana`)
	contactRe       = regexp.MustCompile(`\b(me podria llamar|podria llamar|me puede llamar|lo llamo|le llamo)\b`)
	timingRe        = regexp.MustCompile(`\b(manana|horario|coordino|coordinar)\b`)
	nameCheckRe     = regexp.MustCompile(`con quien tengo el gusto`)
	debtAmountRe    = regexp.MustCompile(`\b(deuda|saldo|monto|soles?|s/|tanto)\b`)
	singleDigitsRe  = regexp.MustCompile(`(?:\b\d\b[\s.\-]*){3,}`)
	okRe            = regexp.MustCompile(`\bok\b`)
	brindoPrefixRe  = regexp.MustCompile(`\bcuando le brind`)
	earlyGreetingRe = regexp.MustCompile(`(?i)\b(al[oó]|buenos dias|buenas tardes|buenas noches|digame)\b`)
)

// heuristic is a guarded bonus applied on top of the base pattern scores.
// Heuristics run in table order and may read the scores accumulated so far.
type heuristic struct {
	name   string
	target phase.Phase
	bonus  int
	when   func(c turnContext, scores scoreCard) bool
}

// Heuristic names, stable for configuration overrides.
const (
	HeuristicEarlyDigame          = "early_digame"
	HeuristicEarlySi              = "early_si"
	HeuristicShortYa              = "short_ya"
	HeuristicNegotiationContext   = "negotiation_context"
	HeuristicTenure               = "tenure"
	HeuristicTenureWords          = "tenure_words"
	HeuristicAmountInNegotiation  = "amount_in_negotiation"
	HeuristicDigitsInFormalizing  = "digits_in_formalization"
	HeuristicLateThanks           = "late_thanks"
	HeuristicCardInNegotiation    = "card_in_negotiation"
	HeuristicCallback             = "callback"
	HeuristicRecontactTiming      = "recontact_timing"
	HeuristicNameCheckNegotiation = "name_check_in_negotiation"
	HeuristicDebtAmount           = "debt_amount"
	HeuristicDigitChunks          = "digit_chunks"
	HeuristicRepito               = "repito"
	HeuristicTruncatedBrindo      = "truncated_brindo"
	HeuristicSingleDigitRun       = "single_digit_run"
	HeuristicRepitoStrong         = "repito_strong"
	HeuristicOkBrindo             = "ok_brindo"
	HeuristicEarlyGreeting        = "early_greeting"
	HeuristicNegotiationAmount    = "negotiation_amount"
	HeuristicClosingTail          = "closing_tail"
)

var heuristics = []heuristic{
	{HeuristicEarlyDigame, phase.Apertura, 3, func(c turnContext, _ scoreCard) bool {
		return c.last == phase.Apertura && c.turn <= 5 && c.length <= 25 && digameRe.MatchString(c.text)
	}},
	{HeuristicEarlySi, phase.Apertura, 4, func(c turnContext, _ scoreCard) bool {
		return c.last == phase.Apertura && c.turn <= 5 && c.length <= 20 && earlySiRe.MatchString(c.text)
	}},
	{HeuristicShortYa, phase.ConsultaAceptacion, 4, func(c turnContext, _ scoreCard) bool {
		return c.length <= 5 && bareYaRe.MatchString(c.text) && c.lastIn(negotiationAdjacent...)
	}},
	{HeuristicNegotiationContext, phase.Negociacion, 4, func(c turnContext, _ scoreCard) bool {
		return c.lastIn(negotiationAdjacent...) && c.length >= 20 && negContextRe.MatchString(c.text)
	}},
	{HeuristicTenure, phase.Negociacion, 4, func(c turnContext, _ scoreCard) bool {
		return c.lastIn(phase.Negociacion, phase.ConsultaAceptacion) && tenureRe.MatchString(c.text)
	}},
	{HeuristicTenureWords, phase.Negociacion, 4, func(c turnContext, _ scoreCard) bool {
		return c.lastIn(phase.Negociacion, phase.ConsultaAceptacion) && tenureWordsRe.MatchString(c.text)
	}},
	{HeuristicAmountInNegotiation, phase.Negociacion, 3, func(c turnContext, _ scoreCard) bool {
		return c.last == phase.Negociacion && numberRe.MatchString(c.text) && payWordsRe.MatchString(c.text)
	}},
	{HeuristicDigitsInFormalizing, phase.FormalizacionPago, 5, func(c turnContext, _ scoreCard) bool {
		onlyDigits := onlyDigitsRe.MatchString(c.text) && numberRe.MatchString(c.text)
		return c.last == phase.FormalizacionPago && onlyDigits && c.length <= 30
	}},
	{HeuristicLateThanks, phase.Cierre, 5, func(c turnContext, _ scoreCard) bool {
		return strings.Contains(c.text, "gracias") && c.turn >= max(1, c.total-2)
	}},
	{HeuristicCardInNegotiation, phase.Negociacion, 4, func(c turnContext, _ scoreCard) bool {
		return c.lastIn(phase.Negociacion, phase.ConsultaAceptacion) && cardRe.MatchString(c.text)
	}},
	{HeuristicCallback, phase.Negociacion, 4, func(c turnContext, _ scoreCard) bool {
		return c.lastIn(phase.Negociacion, phase.FormalizacionPago) && callbackRe.MatchString(c.text)
	}},
	{HeuristicRecontactTiming, phase.Negociacion, 6, func(c turnContext, _ scoreCard) bool {
		return c.lastIn(phase.Negociacion, phase.FormalizacionPago) &&
			contactRe.MatchString(c.text) && timingRe.MatchString(c.text)
	}},
	{HeuristicNameCheckNegotiation, phase.Negociacion, 4, func(c turnContext, _ scoreCard) bool {
		return c.lastIn(phase.Negociacion, phase.FormalizacionPago) && nameCheckRe.MatchString(c.text)
	}},
	{HeuristicDebtAmount, phase.InformacionDeuda, 4, func(c turnContext, _ scoreCard) bool {
		return c.last == phase.InformacionDeuda && numberRe.MatchString(c.text) && debtAmountRe.MatchString(c.text)
	}},
	{HeuristicDigitChunks, phase.FormalizacionPago, 4, func(c turnContext, _ scoreCard) bool {
		return c.last == phase.FormalizacionPago && digitsChunkRe.MatchString(c.text)
	}},
	{HeuristicRepito, phase.InformacionDeuda, 3, func(c turnContext, _ scoreCard) bool {
		return c.last == phase.InformacionDeuda && repitoRe.MatchString(c.text)
	}},
	{HeuristicTruncatedBrindo, phase.Negociacion, 3, func(c turnContext, _ scoreCard) bool {
		return c.last == phase.Negociacion && whenBrindoRe.MatchString(c.text)
	}},
	{HeuristicSingleDigitRun, phase.FormalizacionPago, 5, func(c turnContext, _ scoreCard) bool {
		return c.last == phase.FormalizacionPago && singleDigitsRe.MatchString(c.text)
	}},
	{HeuristicRepitoStrong, phase.InformacionDeuda, 4, func(c turnContext, _ scoreCard) bool {
		return c.last == phase.InformacionDeuda && repitoStrongRe.MatchString(c.text)
	}},
	{HeuristicOkBrindo, phase.Negociacion, 4, func(c turnContext, _ scoreCard) bool {
		return c.last == phase.Negociacion && okRe.MatchString(c.text) && brindoPrefixRe.MatchString(c.text)
	}},
	{HeuristicEarlyGreeting, phase.Apertura, 3, func(c turnContext, _ scoreCard) bool {
		return c.turn <= 3 && c.length <= 20 && earlyGreetingRe.MatchString(c.text)
	}},
	// Bare numbers only count towards negotiation once something else did.
	{HeuristicNegotiationAmount, phase.Negociacion, 2, func(c turnContext, scores scoreCard) bool {
		return scores.get(phase.Negociacion) > 0 && numberRe.MatchString(c.text) && payWordsRe.MatchString(c.text)
	}},
	{HeuristicClosingTail, phase.Cierre, 1, func(c turnContext, scores scoreCard) bool {
		return c.isLast && scores.get(phase.Cierre) > 0
	}},
}

// HeuristicNames lists the heuristics in evaluation order.
func HeuristicNames() []string {
	names := make([]string, 0, len(heuristics))
	for _, h := range heuristics {
		names = append(names, h.name)
	}
	return names
}

// scoreCard holds one accumulated score per macro-phase, indexed like
// phase.Sequence.
type scoreCard []int

func newScoreCard() scoreCard {
	return make(scoreCard, len(phase.Sequence))
}

func (s scoreCard) get(p phase.Phase) int {
	if i := p.Index(); i >= 0 {
		return s[i]
	}
	return 0
}

func (s scoreCard) add(p phase.Phase, n int) {
	if i := p.Index(); i >= 0 {
		s[i] += n
	}
}
