package phase

import "strings"

// Source records who produced a phase assignment.
type Source string

const (
	SourceNone       Source = ""
	SourceRules      Source = "RULES"
	SourceGuardrails Source = "GUARDRAILS"
	SourceNoise      Source = "NOISE"
	SourceLLM        Source = "DEEPSEEK"
	SourceHuman      Source = "HUMAN"
	SourceSmooth     Source = "SMOOTH"
)

// ParseSource canonicalizes a stored tag.
func ParseSource(raw string) Source {
	return Source(strings.ToUpper(strings.TrimSpace(raw)))
}

// Trust ranks sources: human corrections outrank the LLM, which outranks
// guardrail corrections and noise verdicts, which outrank plain rules. Empty
// tags carry no trust. Unknown tags rank with rules.
func (s Source) Trust() int {
	switch s {
	case SourceHuman:
		return 4
	case SourceLLM:
		return 3
	case SourceGuardrails, SourceNoise:
		return 2
	case SourceRules, SourceSmooth:
		return 1
	case SourceNone:
		return 0
	default:
		return 1
	}
}

// CanOverwrite reports whether an assignment tagged incoming may replace one
// tagged existing.
func CanOverwrite(existing, incoming Source) bool {
	return incoming.Trust() >= existing.Trust()
}

// Carried reports whether the scorer must keep an existing assignment from
// this source instead of re-scoring the turn.
func (s Source) Carried() bool {
	return s.Trust() > SourceRules.Trust()
}

func (s Source) String() string {
	return string(s)
}
