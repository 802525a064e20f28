package stabilize

import (
	"regexp"
	"strings"

	"github.com/tetraminz/collection_phases/internal/phase"
	"github.com/tetraminz/collection_phases/internal/textnorm"
)

// RuleID names a stabilization rule.
type RuleID string

const (
	RuleNull              RuleID = "A"
	RuleShortClientReply  RuleID = "B"
	RuleEarlyIdentity     RuleID = "D"
	RuleDebtEvidence      RuleID = "E"
	RuleBacktrack         RuleID = "C"
	RuleLateOpening       RuleID = "F"
	RuleEarlyFormalizing  RuleID = "G"
	RuleDebtAfterNegotiat RuleID = "H"
	RuleKeepFormalizing   RuleID = "I"
	RuleKeepWarnings      RuleID = "J"
)

// state is carried from one turn to the next.
type state struct {
	prev phase.Phase // last emitted stabilized phase, None before the first
}

// Rule is one (predicate, transform) pair. A terminal rule decides the turn's
// phase on its own; the others rewrite the candidate and let the chain go on.
type Rule struct {
	ID   RuleID
	Stat string
	// Terminal rules stop the chain for the turn.
	Terminal bool
	// KeepsPrev rules do not become the new previous phase.
	KeepsPrev bool
	apply     func(st state, t Turn, cand phase.Phase) (phase.Phase, bool)
}

var (
	idNumberRe = regexp.MustCompile(`\d{7,}`)
	dateRe     = regexp.MustCompile(`\d{1,2}[/-]\d{1,2}[/-]\d{2,4}`)
	debtRe     = regexp.MustCompile(`(?i)saldo|deuda|mora|vencid|balance|importe`)
)

// rules builds the chain in evaluation order: A, B, D, E and C exit early;
// F through J compose.
func (s *Stabilizer) rules() []Rule {
	return []Rule{
		{
			ID: RuleNull, Stat: StatNullKept, Terminal: true, KeepsPrev: true,
			apply: func(_ state, _ Turn, cand phase.Phase) (phase.Phase, bool) {
				return phase.None, cand == phase.None
			},
		},
		{
			ID: RuleShortClientReply, Stat: StatShortClientKept, Terminal: true, KeepsPrev: true,
			apply: func(st state, t Turn, _ phase.Phase) (phase.Phase, bool) {
				return st.prev, st.prev != phase.None && s.isShortClientReply(t)
			},
		},
		{
			ID: RuleEarlyIdentity, Stat: StatIdentificacionForced, Terminal: true,
			apply: func(_ state, t Turn, _ phase.Phase) (phase.Phase, bool) {
				ok := t.Ordinal <= s.cfg.EarlyWindow && s.isCustomer(t) &&
					(idNumberRe.MatchString(t.Text) || dateRe.MatchString(t.Text))
				return phase.Identificacion, ok
			},
		},
		{
			ID: RuleDebtEvidence, Stat: StatInfoDeudaForced, Terminal: true,
			apply: func(st state, t Turn, _ phase.Phase) (phase.Phase, bool) {
				if !debtRe.MatchString(t.Text) {
					return phase.None, false
				}
				// No zigzag back to the debt once negotiation started.
				if st.prev.Known() && st.prev.Index() >= phase.Negociacion.Index() {
					return phase.None, false
				}
				return phase.InformacionDeuda, true
			},
		},
		{
			ID: RuleBacktrack, Stat: StatBacktrackPrevented, Terminal: true,
			apply: func(st state, _ Turn, cand phase.Phase) (phase.Phase, bool) {
				d, ok := st.prev.Distance(cand)
				return st.prev, ok && d <= -2
			},
		},
		{
			ID: RuleLateOpening, Stat: StatAperturaBlocked,
			apply: func(st state, _ Turn, cand phase.Phase) (phase.Phase, bool) {
				return st.prev, cand == phase.Apertura && st.prev.Known() && st.prev.Index() >= phase.Identificacion.Index()
			},
		},
		{
			ID: RuleEarlyFormalizing, Stat: StatFormalizacionBlocked,
			apply: func(st state, _ Turn, cand phase.Phase) (phase.Phase, bool) {
				return st.prev, cand == phase.FormalizacionPago && st.prev.Known() && st.prev.Index() < phase.Negociacion.Index()
			},
		},
		{
			ID: RuleDebtAfterNegotiat, Stat: StatInfoDeudaBlocked,
			apply: func(st state, _ Turn, cand phase.Phase) (phase.Phase, bool) {
				return phase.Negociacion, st.prev == phase.Negociacion && cand == phase.InformacionDeuda
			},
		},
		{
			ID: RuleKeepFormalizing, Stat: StatFormalizacionKept,
			apply: func(st state, _ Turn, cand phase.Phase) (phase.Phase, bool) {
				return phase.FormalizacionPago, st.prev == phase.FormalizacionPago && oneOf(cand,
					phase.Negociacion, phase.ConsultaAceptacion, phase.InformacionDeuda, phase.Identificacion, phase.Apertura)
			},
		},
		{
			ID: RuleKeepWarnings, Stat: StatAdvertenciasKept,
			apply: func(st state, _ Turn, cand phase.Phase) (phase.Phase, bool) {
				return phase.Advertencias, st.prev == phase.Advertencias && oneOf(cand,
					phase.FormalizacionPago, phase.ConsultaAceptacion, phase.Negociacion, phase.InformacionDeuda)
			},
		},
	}
}

func (s *Stabilizer) isCustomer(t Turn) bool {
	return strings.EqualFold(strings.TrimSpace(t.Speaker), s.cfg.CustomerRole)
}

// isShortClientReply reports customer turns that are only an acknowledgement.
func (s *Stabilizer) isShortClientReply(t Turn) bool {
	if !s.isCustomer(t) {
		return false
	}
	text := strings.TrimSpace(t.Text)
	if text == "" {
		return false
	}
	if textnorm.RuneLen(text) <= s.cfg.ShortReplyMaxRunes {
		return true
	}
	_, ok := s.shortReplies[strings.ToLower(text)]
	return ok
}

func oneOf(p phase.Phase, set ...phase.Phase) bool {
	for _, candidate := range set {
		if p == candidate {
			return true
		}
	}
	return false
}
