// Package scorer assigns a phase to a single turn from weighted keyword
// patterns, contextual heuristics and the phase of the previous turn.
//
// Scoring is a pure function of its Input: the same text, position and prior
// phase always produce the same Result.
package scorer

import (
	"errors"
	"fmt"
	"math"

	"github.com/tetraminz/collection_phases/internal/phase"
	"github.com/tetraminz/collection_phases/internal/textnorm"
)

// Tuning holds the numeric thresholds of the resolution step. The values are
// empirical; keep them as data.
type Tuning struct {
	// MinScore is the lowest winning score that yields a phase.
	MinScore int `yaml:"min_score"`
	// ConfidenceScale maps a score to confidence: min(1, score/scale).
	ConfidenceScale float64 `yaml:"confidence_scale"`
	// FallbackScore is reported (and scaled into confidence) when the
	// continuity fallback inherits the previous phase.
	FallbackScore int `yaml:"fallback_score"`
	// ShortMaxRunes and ShortMaxWords decide whether a turn is short enough
	// to inherit the previous phase. Either bound is sufficient.
	ShortMaxRunes int `yaml:"short_max_runes"`
	ShortMaxWords int `yaml:"short_max_words"`
	// BackwardJump is the distance, in taxonomy positions behind the previous
	// phase, from which the winner is penalized by BackwardPenalty.
	BackwardJump    int `yaml:"backward_jump"`
	BackwardPenalty int `yaml:"backward_penalty"`
	// Sticky phases may be inherited by the continuity fallback.
	Sticky []phase.Phase `yaml:"sticky"`
	// Bonuses overrides heuristic bonuses by heuristic name.
	Bonuses map[string]int `yaml:"bonuses"`
}

// DefaultTuning returns the thresholds the built-in rule table was tuned with.
func DefaultTuning() Tuning {
	return Tuning{
		MinScore:        2,
		ConfidenceScale: 7,
		FallbackScore:   4,
		ShortMaxRunes:   45,
		ShortMaxWords:   7,
		BackwardJump:    3,
		BackwardPenalty: 2,
		Sticky: []phase.Phase{
			phase.InformacionDeuda,
			phase.Negociacion,
			phase.ConsultaAceptacion,
			phase.FormalizacionPago,
			phase.Cierre,
		},
	}
}

// Validate reports every problem with t.
func (t Tuning) Validate() error {
	var errs []error
	if t.MinScore < 1 {
		errs = append(errs, fmt.Errorf("min_score must be >= 1, got %d", t.MinScore))
	}
	if t.ConfidenceScale <= 0 {
		errs = append(errs, fmt.Errorf("confidence_scale must be > 0, got %v", t.ConfidenceScale))
	}
	if t.FallbackScore < 0 {
		errs = append(errs, fmt.Errorf("fallback_score must be >= 0, got %d", t.FallbackScore))
	}
	if t.ShortMaxRunes < 0 || t.ShortMaxWords < 0 {
		errs = append(errs, errors.New("short_max_runes and short_max_words must be >= 0"))
	}
	if t.BackwardJump < 1 {
		errs = append(errs, fmt.Errorf("backward_jump must be >= 1, got %d", t.BackwardJump))
	}
	if t.BackwardPenalty < 0 {
		errs = append(errs, fmt.Errorf("backward_penalty must be >= 0, got %d", t.BackwardPenalty))
	}
	for _, p := range t.Sticky {
		if !phase.Parse(string(p)).Known() {
			errs = append(errs, fmt.Errorf("sticky phase %q is not a macro-phase", p))
		}
	}
	known := map[string]struct{}{}
	for _, name := range HeuristicNames() {
		known[name] = struct{}{}
	}
	for name := range t.Bonuses {
		if _, ok := known[name]; !ok {
			errs = append(errs, fmt.Errorf("unknown heuristic %q in bonuses", name))
		}
	}
	return errors.Join(errs...)
}

// Input describes the turn being scored.
type Input struct {
	Text          string
	TurnIndex     int // 1-based ordinal
	TotalTurns    int
	LastPhase     phase.Phase // last non-null phase before this turn
	IsLastSegment bool
}

// Result is the scorer's verdict. No classification is Phase == phase.None
// with zero Confidence and RawScore.
type Result struct {
	Phase      phase.Phase
	Confidence float64
	RawScore   int
}

// Matched reports whether a phase was assigned.
func (r Result) Matched() bool {
	return r.Phase != phase.None
}

// Explanation is a Result plus the evidence behind it.
type Explanation struct {
	Result
	Normalized string
	Scores     map[phase.Phase]int
	Patterns   []string // "PHASE+weight" for every matching pattern
	Heuristics []string // names of the heuristics that fired
	Fallback   bool
	Penalized  bool
}

// Scorer is safe for concurrent use; it holds only immutable tables.
type Scorer struct {
	rules  RuleSet
	tuning Tuning
	sticky map[phase.Phase]struct{}
}

// New builds a Scorer from a rule table and tuning.
func New(rules RuleSet, tuning Tuning) (*Scorer, error) {
	if rules.Len() == 0 {
		return nil, errors.New("scorer: rule set is empty")
	}
	if err := tuning.Validate(); err != nil {
		return nil, fmt.Errorf("scorer: %w", err)
	}
	sticky := make(map[phase.Phase]struct{}, len(tuning.Sticky))
	for _, p := range tuning.Sticky {
		sticky[phase.Parse(string(p))] = struct{}{}
	}
	return &Scorer{rules: rules, tuning: tuning, sticky: sticky}, nil
}

// Default returns a Scorer with the built-in table and tuning.
func Default() *Scorer {
	s, err := New(DefaultRuleSet(), DefaultTuning())
	if err != nil {
		panic(err)
	}
	return s
}

// Score classifies one turn. It never fails; text that matches nothing and
// cannot inherit the previous phase yields no classification.
func (s *Scorer) Score(in Input) Result {
	return s.explain(in, false).Result
}

// Explain is Score plus the per-phase scores and the evidence that fired.
func (s *Scorer) Explain(in Input) Explanation {
	return s.explain(in, true)
}

func (s *Scorer) explain(in Input, trace bool) Explanation {
	text := textnorm.Normalize(in.Text)
	c := turnContext{
		text:   text,
		length: textnorm.RuneLen(text),
		words:  textnorm.WordCount(text),
		turn:   in.TurnIndex,
		total:  in.TotalTurns,
		last:   phase.Parse(string(in.LastPhase)),
		isLast: in.IsLastSegment,
	}

	var ex Explanation
	if trace {
		ex.Normalized = text
	}

	scores := newScoreCard()
	for _, rule := range s.rules.rules {
		if rule.Pattern.MatchString(text) {
			scores.add(rule.Phase, rule.Weight)
			if trace {
				ex.Patterns = append(ex.Patterns, fmt.Sprintf("%s+%d", rule.Phase, rule.Weight))
			}
		}
	}
	for _, h := range heuristics {
		if h.when(c, scores) {
			scores.add(h.target, s.bonus(h))
			if trace {
				ex.Heuristics = append(ex.Heuristics, h.name)
			}
		}
	}
	if trace {
		ex.Scores = make(map[phase.Phase]int, len(phase.Sequence))
		for i, p := range phase.Sequence {
			ex.Scores[p] = scores[i]
		}
	}

	best, bestScore := phase.None, -1
	for i, p := range phase.Sequence {
		if scores[i] > bestScore {
			best, bestScore = p, scores[i]
		}
	}

	if bestScore < s.tuning.MinScore {
		ex.Result, ex.Fallback = s.continuity(c)
		return ex
	}

	if dist, ok := c.last.Distance(best); ok && -dist >= s.tuning.BackwardJump {
		ex.Penalized = true
		bestScore = max(0, bestScore-s.tuning.BackwardPenalty)
		if bestScore < s.tuning.MinScore {
			ex.Result, ex.Fallback = s.continuity(c)
			return ex
		}
	}

	ex.Result = Result{Phase: best, Confidence: s.confidence(bestScore), RawScore: bestScore}
	return ex
}

// continuity inherits the previous phase for short, low-signal turns.
func (s *Scorer) continuity(c turnContext) (Result, bool) {
	if _, ok := s.sticky[c.last]; ok && s.isShort(c) {
		return Result{
			Phase:      c.last,
			Confidence: s.confidence(s.tuning.FallbackScore),
			RawScore:   s.tuning.FallbackScore,
		}, true
	}
	return Result{}, false
}

func (s *Scorer) isShort(c turnContext) bool {
	return c.length <= s.tuning.ShortMaxRunes || c.words <= s.tuning.ShortMaxWords
}

func (s *Scorer) confidence(score int) float64 {
	conf := float64(score) / s.tuning.ConfidenceScale
	return math.Max(0, math.Min(1, conf))
}

func (s *Scorer) bonus(h heuristic) int {
	if v, ok := s.tuning.Bonuses[h.name]; ok {
		return v
	}
	return h.bonus
}
