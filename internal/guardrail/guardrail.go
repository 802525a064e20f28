// Package guardrail corrects two known classifier mistakes using the turns
// around the one being labeled: a closing detected while the call is still
// going, and an opening re-detected mid-call.
package guardrail

import (
	"math"
	"regexp"
	"strings"
	"unicode"

	"github.com/tetraminz/collection_phases/internal/phase"
)

// Reasons reported with corrected outputs.
const (
	ReasonNoise            = "Detected noise/out-of-domain"
	ReasonClosingToDebt    = "Prevented premature CIERRE -> info deuda"
	ReasonClosingToNegotia = "Prevented premature CIERRE -> negociacion"
	ReasonLateOpening      = "Adjusted late APERTURA -> IDENTIFICACION"
)

// Input is a classifier verdict plus the evidence needed to check it.
type Input struct {
	Phase      phase.Phase
	Confidence float64
	// Source tags a pass-through result; empty means RULES.
	Source            phase.Source
	IsNoise           bool
	LastStable        phase.Phase
	HasMeaningfulNext bool
	CurrentText       string
	PreviousTexts     []string
}

// Output is the corrected assignment. Reason is empty on pass-through.
type Output struct {
	Phase      phase.Phase
	Confidence float64
	Source     phase.Source
	Reason     string
}

// Corrected reports whether a guardrail changed the input.
func (o Output) Corrected() bool {
	return o.Reason != ""
}

// Corrector holds the patterns the guardrails consult.
type Corrector struct {
	Filler        *regexp.Regexp
	DebtKeywords  *regexp.Regexp
	StrongRestart *regexp.Regexp
	// ClosingFloor and OpeningFloor are the minimum confidences of the two
	// redirections.
	ClosingFloor float64
	OpeningFloor float64
}

// New returns a Corrector with the production patterns.
func New() *Corrector {
	return &Corrector{
		Filler:        regexp.MustCompile(`(?i)^(si|sí|ok|okay|ya|aj[aá]|mm+|eh+|gracias|dale|listo|perfecto)\W*$`),
		DebtKeywords:  regexp.MustCompile(`(?i)\b(deuda|monto|saldo|importe|venc|interes|cuota|pag[oar]|cbu|alias|transfer|deposit)\b`),
		StrongRestart: regexp.MustCompile(`(?i)me\s+comunico\s+con\s+usted|de\s+parte\s+de|somos\s+`),
		ClosingFloor:  0.55,
		OpeningFloor:  0.50,
	}
}

// Correct applies the guardrails in order: noise, premature closing, late
// opening, pass-through.
func (c *Corrector) Correct(in Input) Output {
	if in.IsNoise {
		return Output{Phase: phase.None, Confidence: 0, Source: phase.SourceNoise, Reason: ReasonNoise}
	}

	p := phase.Parse(string(in.Phase))
	conf := clamp01(in.Confidence)

	if p == phase.Cierre && in.HasMeaningfulNext {
		block := strings.Join(append([]string{in.CurrentText}, in.PreviousTexts...), " ")
		if c.DebtKeywords.MatchString(block) {
			return Output{
				Phase:      phase.InformacionDeuda,
				Confidence: math.Max(conf, c.ClosingFloor),
				Source:     phase.SourceGuardrails,
				Reason:     ReasonClosingToDebt,
			}
		}
		return Output{
			Phase:      phase.Negociacion,
			Confidence: math.Max(conf, c.ClosingFloor),
			Source:     phase.SourceGuardrails,
			Reason:     ReasonClosingToNegotia,
		}
	}

	last := phase.Parse(string(in.LastStable))
	if p == phase.Apertura && last != phase.None && last != phase.Apertura {
		if !c.StrongRestart.MatchString(in.CurrentText) {
			return Output{
				Phase:      phase.Identificacion,
				Confidence: math.Max(conf, c.OpeningFloor),
				Source:     phase.SourceGuardrails,
				Reason:     ReasonLateOpening,
			}
		}
	}

	source := in.Source
	if source == phase.SourceNone {
		source = phase.SourceRules
	}
	if p == phase.None {
		conf = 0
	}
	return Output{Phase: p, Confidence: conf, Source: source}
}

// HasMeaningfulText reports whether s carries dialogue: non-blank, not only
// an acknowledgement or filler, and at least three non-space characters.
func (c *Corrector) HasMeaningfulText(s string) bool {
	t := strings.TrimSpace(s)
	if t == "" {
		return false
	}
	if c.Filler.MatchString(strings.ToLower(t)) {
		return false
	}
	n := 0
	for _, r := range t {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n >= 3
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
