// Package pipeline runs the labeling stages over the conversations of a run
// and writes their results to the store.
package pipeline

import (
	"context"
	"regexp"
	"strings"

	"github.com/tetraminz/collection_phases/internal/guardrail"
	"github.com/tetraminz/collection_phases/internal/observe"
	"github.com/tetraminz/collection_phases/internal/openai"
	"github.com/tetraminz/collection_phases/internal/phase"
	"github.com/tetraminz/collection_phases/internal/scorer"
	"github.com/tetraminz/collection_phases/internal/store"
)

const (
	// lastSegmentTurns is how many trailing turns the scorer treats as the
	// end of the call.
	lastSegmentTurns = 3
	// classifierWindow is how many turns on each side of the target the
	// classifier sees.
	classifierWindow  = 2
	previousTextDepth = 2

	minClassifiableRunes = 12
	minClassifiableWords = 4
)

var (
	numericOnly = regexp.MustCompile(`^[0-9\s.,\-]+$`)

	acknowledgements = map[string]struct{}{
		"si": {}, "sí": {}, "ya": {}, "ok": {}, "okay": {}, "listo": {}, "dale": {},
		"ajá": {}, "aja": {}, "mm": {}, "mhm": {}, "gracias": {}, "bien": {},
		"perfecto": {}, "entiendo": {}, "claro": {},
	}
)

// Detector labels the turns of one conversation.
//
// Cascade per turn, in ordinal order:
//  1. Turns whose stored source is trusted above rules are carried, not
//     re-scored. Their phase, resolved through Macros, becomes last_phase for
//     the turns after them. Noise verdicts are carried without a phase.
//  2. The scorer proposes a phase; results below MinConfidence become none.
//  3. With Guardrails on, the corrector checks the proposal.
//  4. When the turn is still unlabeled and a Classifier is configured, the
//     classifier is asked. Its answer always goes through the corrector and
//     is tagged DEEPSEEK unless a guardrail rewrote it.
//
// The forward pass carries last_phase through all four steps, so a phase
// found by the classifier is context for the next turn.
type Detector struct {
	Scorer        *scorer.Scorer
	Corrector     *guardrail.Corrector
	Classifier    openai.Classifier
	MinConfidence float64
	Guardrails    bool
	// Macros resolves carried fine labels; nil means phase.DefaultMacroMap.
	Macros  phase.MacroMap
	Metrics *observe.Metrics
}

// Detection is the result of one conversation.
type Detection struct {
	Assignments []store.Assignment
	Final       store.FinalPhase
	// ClassifierCalls counts turns sent to the classifier; ClassifierErrors
	// those whose call failed after all attempts.
	ClassifierCalls  int
	ClassifierErrors int
	LLMUsed          bool
}

// Input is the conversation the detector sees.
type Input struct {
	ConversationPK int64
	ConversationID string
	Turns          []store.Turn
}

// DetectConversation never fails because of a classifier error; those are
// counted and the turn keeps the rule result. It fails only when ctx does.
func (d *Detector) DetectConversation(ctx context.Context, in Input) (Detection, error) {
	var out Detection
	macros := d.Macros
	if macros == nil {
		macros = phase.DefaultMacroMap()
	}
	total := len(in.Turns)
	labeled := make([]phase.Phase, total)

	var last phase.Phase
	var lastConf float64
	var lastSource phase.Source
	for i, t := range in.Turns {
		if err := ctx.Err(); err != nil {
			return Detection{}, err
		}

		if t.Source.Carried() {
			if t.Source == phase.SourceLLM || t.Source == phase.SourceNoise {
				out.LLMUsed = true
			}
			if t.Source == phase.SourceNoise {
				continue
			}
			labeled[i] = macros.Macro(t.Phase)
			if labeled[i] != phase.None {
				last, lastConf, lastSource = labeled[i], t.Confidence, t.Source
			}
			continue
		}

		res := d.Scorer.Score(scorer.Input{
			Text:          t.Text,
			TurnIndex:     t.Ordinal,
			TotalTurns:    total,
			LastPhase:     last,
			IsLastSegment: total-t.Ordinal < lastSegmentTurns,
		})
		p, conf := res.Phase, res.Confidence
		if conf < d.MinConfidence {
			p, conf = phase.None, 0
		}
		a := store.Assignment{Ordinal: t.Ordinal, Phase: p, Confidence: conf, Source: phase.SourceRules}
		if d.Guardrails {
			a = d.correct(in.Turns, i, last, p, conf, false, phase.SourceRules)
		}

		if a.Phase == phase.None && d.Classifier != nil && worthClassifying(t.Text) {
			out.ClassifierCalls++
			got, applied, err := d.classify(ctx, in, i, labeled, last, lastConf, lastSource)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Detection{}, ctxErr
			}
			switch {
			case err != nil:
				out.ClassifierErrors++
			case applied:
				a = got
				out.LLMUsed = true
			}
		}

		out.Assignments = append(out.Assignments, a)
		labeled[i] = a.Phase
		if a.Phase != phase.None {
			last, lastConf, lastSource = a.Phase, a.Confidence, a.Source
		}
	}

	out.Final = finalPhase(in.Turns, labeled)
	return out, nil
}

func (d *Detector) classify(
	ctx context.Context,
	in Input,
	i int,
	labeled []phase.Phase,
	last phase.Phase,
	lastConf float64,
	lastSource phase.Source,
) (store.Assignment, bool, error) {
	t := in.Turns[i]
	turn := openai.TurnContext{
		ConversationPK: in.ConversationPK,
		ConversationID: in.ConversationID,
		Ordinal:        t.Ordinal,
		TotalTurns:     len(in.Turns),
		Speaker:        t.Speaker,
		Text:           t.Text,
		LastPhase:      last,
		LastConfidence: lastConf,
		LastSource:     lastSource,
	}
	if i > 0 {
		turn.PrevPhase = labeled[i-1]
	}
	if i+1 < len(in.Turns) {
		turn.NextPhase = in.Turns[i+1].Phase
	}
	for j := max(0, i-classifierWindow); j <= min(len(in.Turns)-1, i+classifierWindow); j++ {
		turn.Window = append(turn.Window, openai.ContextLine{
			Ordinal: in.Turns[j].Ordinal,
			Speaker: in.Turns[j].Speaker,
			Text:    in.Turns[j].Text,
		})
	}

	got, err := d.Classifier.Classify(ctx, turn)
	if err != nil {
		d.Metrics.RecordClassifierCall(ctx, "error")
		return store.Assignment{}, false, err
	}
	if got.IsNoise {
		d.Metrics.RecordClassifierCall(ctx, "noise")
		return d.correct(in.Turns, i, last, phase.None, 0, true, phase.SourceLLM), true, nil
	}
	d.Metrics.RecordClassifierCall(ctx, "ok")
	if got.Phase == phase.None || got.Confidence < d.MinConfidence {
		return store.Assignment{}, false, nil
	}
	return d.correct(in.Turns, i, last, got.Phase, got.Confidence, false, phase.SourceLLM), true, nil
}

func (d *Detector) correct(turns []store.Turn, i int, last, p phase.Phase, conf float64, noise bool, source phase.Source) store.Assignment {
	c := d.Corrector
	if c == nil {
		c = guardrail.New()
	}
	hasNext := i+1 < len(turns) && c.HasMeaningfulText(turns[i+1].Text)
	var previous []string
	for j := i - 1; j >= 0 && j >= i-previousTextDepth; j-- {
		previous = append(previous, turns[j].Text)
	}
	got := c.Correct(guardrail.Input{
		Phase:             p,
		Confidence:        conf,
		Source:            source,
		IsNoise:           noise,
		LastStable:        last,
		HasMeaningfulNext: hasNext,
		CurrentText:       turns[i].Text,
		PreviousTexts:     previous,
	})
	return store.Assignment{Ordinal: turns[i].Ordinal, Phase: got.Phase, Confidence: got.Confidence, Source: got.Source}
}

// finalPhase is the last labeled turn; a call ending anywhere but the closing
// phase was cut.
func finalPhase(turns []store.Turn, labeled []phase.Phase) store.FinalPhase {
	for i := len(labeled) - 1; i >= 0; i-- {
		if labeled[i] == phase.None {
			continue
		}
		final := store.FinalPhase{Phase: labeled[i], Ordinal: turns[i].Ordinal, EndType: store.EndTypeCut}
		if labeled[i] == phase.Cierre {
			final.EndType = store.EndTypeClosing
		}
		return final
	}
	return store.FinalPhase{EndType: store.EndTypeCut}
}

// worthClassifying filters turns not worth a classifier call: very short
// text, bare acknowledgements, numbers and fragments of three words or less.
func worthClassifying(text string) bool {
	t := strings.TrimSpace(text)
	if len([]rune(t)) < minClassifiableRunes {
		return false
	}
	if _, ok := acknowledgements[strings.ToLower(t)]; ok {
		return false
	}
	if numericOnly.MatchString(t) {
		return false
	}
	return len(strings.Fields(t)) >= minClassifiableWords
}
