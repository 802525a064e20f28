// Package sequence summarizes a conversation's stabilized phases into one
// record and scores it against the allowed-transition grammar.
package sequence

import (
	"strings"

	"github.com/tetraminz/collection_phases/internal/phase"
)

// Separator joins phases in the stored compact sequence.
const Separator = ">"

// TurnPhases is one turn as the analyzer sees it.
type TurnPhases struct {
	Stabilized phase.Phase // already macro; preferred when present
	Raw        phase.Phase // mapped through the dictionary when Stabilized is empty
}

// Record is the per-conversation summary.
type Record struct {
	Sequence             []phase.Phase
	Start                phase.Phase
	End                  phase.Phase
	Coverage             int
	HasDebtInfo          bool
	HasNegotiation       bool
	Violations           int
	MeetsIdeal           bool
	CutBeforeNegotiation bool
	ValidStart           bool
}

// SequenceString renders the compact sequence, e.g. "APERTURA>IDENTIFICACION".
func (r Record) SequenceString() string {
	return Join(r.Sequence)
}

// Analyzer is immutable and safe for concurrent use.
type Analyzer struct {
	grammar phase.Grammar
	macros  phase.MacroMap
}

// NewAnalyzer builds an analyzer over a grammar and a fine-to-macro map.
func NewAnalyzer(grammar phase.Grammar, macros phase.MacroMap) *Analyzer {
	if macros == nil {
		macros = phase.DefaultMacroMap()
	}
	return &Analyzer{grammar: grammar, macros: macros}
}

// DefaultAnalyzer uses the default grammar and dictionary.
func DefaultAnalyzer() *Analyzer {
	return NewAnalyzer(phase.DefaultGrammar(), phase.DefaultMacroMap())
}

// Analyze builds the record for one conversation. It returns false when no
// turn carries a usable phase; that is different from a record whose flags
// are all false.
func (a *Analyzer) Analyze(turns []TurnPhases) (Record, bool) {
	macros := make([]phase.Phase, 0, len(turns))
	for _, t := range turns {
		if p := a.macroOf(t); p != phase.None {
			macros = append(macros, p)
		}
	}
	compact := Compact(macros)
	if len(compact) == 0 {
		return Record{}, false
	}

	rec := Record{
		Sequence:   compact,
		Start:      compact[0],
		End:        compact[len(compact)-1],
		Violations: a.CountViolations(compact),
	}
	seen := make(map[phase.Phase]struct{}, len(compact))
	for _, p := range compact {
		seen[p] = struct{}{}
	}
	rec.Coverage = len(seen)
	_, rec.HasDebtInfo = seen[phase.InformacionDeuda]
	_, rec.HasNegotiation = seen[phase.Negociacion]

	rec.ValidStart = rec.Start == phase.Apertura || rec.Start == phase.Identificacion
	rec.MeetsIdeal = rec.Violations == 0 && rec.ValidStart && rec.HasDebtInfo
	rec.CutBeforeNegotiation = rec.HasDebtInfo && !rec.HasNegotiation
	return rec, true
}

// AnalyzePhases is Analyze over already stabilized phases.
func (a *Analyzer) AnalyzePhases(phases []phase.Phase) (Record, bool) {
	turns := make([]TurnPhases, len(phases))
	for i, p := range phases {
		turns[i] = TurnPhases{Stabilized: p}
	}
	return a.Analyze(turns)
}

func (a *Analyzer) macroOf(t TurnPhases) phase.Phase {
	if p := phase.Parse(string(t.Stabilized)); p != phase.None {
		return p
	}
	return a.macros.Macro(t.Raw)
}

// CountViolations counts adjacent distinct pairs of compact that the grammar
// does not allow.
func (a *Analyzer) CountViolations(compact []phase.Phase) int {
	n := 0
	for i := 1; i < len(compact); i++ {
		from, to := compact[i-1], compact[i]
		if from != to && !a.grammar.Allowed(from, to) {
			n++
		}
	}
	return n
}

// Compact drops blanks and collapses runs of equal phases.
func Compact(phases []phase.Phase) []phase.Phase {
	out := make([]phase.Phase, 0, len(phases))
	for _, p := range phases {
		p = phase.Parse(string(p))
		if p == phase.None {
			continue
		}
		if len(out) > 0 && out[len(out)-1] == p {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Join renders phases with Separator.
func Join(phases []phase.Phase) string {
	parts := make([]string, len(phases))
	for i, p := range phases {
		parts[i] = string(p)
	}
	return strings.Join(parts, Separator)
}

// Split parses a stored compact sequence.
func Split(s string) []phase.Phase {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, Separator)
	out := make([]phase.Phase, 0, len(parts))
	for _, part := range parts {
		if p := phase.Parse(part); p != phase.None {
			out = append(out, p)
		}
	}
	return out
}
