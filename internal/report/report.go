// Package report aggregates the stored results of a run into a summary and
// renders it as text or Markdown.
package report

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tetraminz/collection_phases/internal/phase"
	"github.com/tetraminz/collection_phases/internal/sequence"
	"github.com/tetraminz/collection_phases/internal/stabilize"
	"github.com/tetraminz/collection_phases/internal/store"
)

const (
	topSequences   = 10
	topViolating   = 10
	topBadBackward = 10
)

// Report is the summary of one run.
type Report struct {
	RunID         string
	Input         string
	CreatedAt     time.Time
	Conversations int
	Turns         int
	Unlabeled     int

	// PhaseCounts is the raw assignment distribution by phase and source.
	PhaseCounts []store.PhaseCount
	// SourceTotals counts labeled turns per source.
	SourceTotals map[phase.Source]int
	// MeanConfidence is averaged over labeled turns of all conversations.
	MeanConfidence float64

	Closed           int
	Cut              int
	LLMConversations int

	Stabilizer stabilize.Stats
	RuleHits   []stabilize.RuleHit

	Sequences sequence.KPIs
	Violating []ViolatingConversation

	Backward BackwardSteps

	Classifier store.EventCounts
}

// BackwardSteps counts labeled turns whose macro-phase sits before the
// furthest phase the conversation already reached. Tolerable steps are
// whitelisted, the rest are bad.
type BackwardSteps struct {
	Total     int
	Tolerable int
	Bad       int
	TopBad    []BackwardPair
}

// BackwardPair is a bad backward step and how often it occurred in the run.
type BackwardPair struct {
	Prev  phase.Phase
	Curr  phase.Phase
	Count int
}

// ViolatingConversation is a conversation whose compact sequence breaks the
// transition grammar.
type ViolatingConversation struct {
	ConversationID string
	Sequence       string
	Violations     int
}

// Build reads everything the report needs for runID. macros resolves stored
// labels for the backward-step count, tol decides which steps are tolerable.
func Build(ctx context.Context, st *store.Store, runID string, macros phase.MacroMap, tol phase.Tolerance) (Report, error) {
	run, err := st.GetRun(ctx, runID)
	if err != nil {
		return Report{}, err
	}
	r := Report{
		RunID:         run.ID,
		Input:         run.Input,
		CreatedAt:     run.CreatedAt,
		Conversations: run.Conversations,
		SourceTotals:  map[phase.Source]int{},
	}

	convs, err := st.ListConversations(ctx, run.ID)
	if err != nil {
		return Report{}, err
	}
	for _, c := range convs {
		switch c.EndType {
		case store.EndTypeClosing:
			r.Closed++
		case store.EndTypeCut:
			r.Cut++
		}
		if c.LLMUsed {
			r.LLMConversations++
		}
	}

	if r.PhaseCounts, err = st.PhaseCounts(ctx, run.ID); err != nil {
		return Report{}, err
	}
	for _, pc := range r.PhaseCounts {
		r.Turns += pc.Count
		if pc.Phase == phase.None {
			r.Unlabeled += pc.Count
			continue
		}
		r.SourceTotals[pc.Source] += pc.Count
	}

	metrics, err := st.LoadMetrics(ctx, run.ID)
	if err != nil {
		return Report{}, err
	}
	var labeled int
	var confidence float64
	for _, m := range metrics {
		labeled += m.LabeledTurns
		confidence += m.MeanConfidence * float64(m.LabeledTurns)
	}
	if labeled > 0 {
		r.MeanConfidence = confidence / float64(labeled)
	}

	if r.Stabilizer, err = st.LoadStabilizerStats(ctx, run.ID); err != nil {
		return Report{}, err
	}
	r.RuleHits = r.Stabilizer.SortedRuleHits()

	rows, err := st.LoadSequences(ctx, run.ID)
	if err != nil {
		return Report{}, err
	}
	records := make([]sequence.Record, len(rows))
	for i, row := range rows {
		records[i] = row.Record
		if row.Record.Violations > 0 {
			r.Violating = append(r.Violating, ViolatingConversation{
				ConversationID: row.ConversationID,
				Sequence:       row.Record.SequenceString(),
				Violations:     row.Record.Violations,
			})
		}
	}
	r.Sequences = sequence.Summarize(records, max(0, len(convs)-len(rows)), topSequences)
	sort.Slice(r.Violating, func(i, j int) bool {
		if r.Violating[i].Violations != r.Violating[j].Violations {
			return r.Violating[i].Violations > r.Violating[j].Violations
		}
		return r.Violating[i].ConversationID < r.Violating[j].ConversationID
	})
	if len(r.Violating) > topViolating {
		r.Violating = r.Violating[:topViolating]
	}

	if r.Backward, err = backwardSteps(ctx, st, convs, macros, tol); err != nil {
		return Report{}, err
	}

	if r.Classifier, err = st.LLMEventCounts(ctx, run.ID); err != nil {
		return Report{}, err
	}
	return r, nil
}

func backwardSteps(ctx context.Context, st *store.Store, convs []store.Conversation, macros phase.MacroMap, tol phase.Tolerance) (BackwardSteps, error) {
	if macros == nil {
		macros = phase.DefaultMacroMap()
	}
	var out BackwardSteps
	bad := map[phase.Transition]int{}
	for _, c := range convs {
		turns, err := st.LoadTurns(ctx, c.PK)
		if err != nil {
			return BackwardSteps{}, err
		}
		// mark is the furthest phase reached; a step back does not move it.
		mark := phase.None
		for _, p := range reportedPhases(turns, macros) {
			if !p.Known() {
				continue
			}
			if !p.Before(mark) {
				mark = p
				continue
			}
			out.Total++
			if tol.IsBackwardTolerable(string(mark), string(p)) {
				out.Tolerable++
			} else {
				out.Bad++
				bad[phase.Transition{From: mark, To: p}]++
			}
		}
	}

	for tr, n := range bad {
		out.TopBad = append(out.TopBad, BackwardPair{Prev: tr.From, Curr: tr.To, Count: n})
	}
	sort.Slice(out.TopBad, func(i, j int) bool {
		a, b := out.TopBad[i], out.TopBad[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		if a.Prev != b.Prev {
			return a.Prev.Index() < b.Prev.Index()
		}
		return a.Curr.Index() < b.Curr.Index()
	})
	if len(out.TopBad) > topBadBackward {
		out.TopBad = out.TopBad[:topBadBackward]
	}
	return out, nil
}

// reportedPhases resolves each turn to a macro-phase, taking the stabilized
// phases when the conversation was stabilized and the raw ones otherwise.
func reportedPhases(turns []store.Turn, macros phase.MacroMap) []phase.Phase {
	stabilized := false
	for _, t := range turns {
		if t.StabilizedPhase != phase.None {
			stabilized = true
			break
		}
	}
	out := make([]phase.Phase, len(turns))
	for i, t := range turns {
		p := t.Phase
		if stabilized {
			p = t.StabilizedPhase
		}
		out[i] = macros.Macro(p)
	}
	return out
}

func percent(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return 100.0 * float64(part) / float64(total)
}

// FormatText renders the report as key=value lines.
func FormatText(r Report) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("run_id=%s\n", r.RunID))
	b.WriteString(fmt.Sprintf("conversations=%d\n", r.Conversations))
	b.WriteString(fmt.Sprintf("turns=%d\n", r.Turns))
	b.WriteString(fmt.Sprintf("unlabeled=%d (%.2f%%)\n", r.Unlabeled, percent(r.Unlabeled, r.Turns)))
	b.WriteString(fmt.Sprintf("mean_confidence=%.4f\n", r.MeanConfidence))
	for _, source := range sortedSources(r.SourceTotals) {
		b.WriteString(fmt.Sprintf("source_%s=%d\n", strings.ToLower(string(source)), r.SourceTotals[source]))
	}
	b.WriteString(fmt.Sprintf("end_closing=%d\n", r.Closed))
	b.WriteString(fmt.Sprintf("end_cut=%d\n", r.Cut))
	b.WriteString(fmt.Sprintf("sequences=%d\n", r.Sequences.Total))
	b.WriteString(fmt.Sprintf("without_phases=%d\n", r.Sequences.WithoutPhases))
	b.WriteString(fmt.Sprintf("valid_start_percent=%.2f\n", r.Sequences.ValidStartPercent))
	b.WriteString(fmt.Sprintf("meets_ideal_percent=%.2f\n", r.Sequences.MeetsIdealPercent))
	b.WriteString(fmt.Sprintf("cut_before_negotiation_percent=%.2f\n", r.Sequences.CutBeforeNegotiationPct))
	b.WriteString(fmt.Sprintf("avg_violations=%.2f\n", r.Sequences.AvgViolations))
	for _, hit := range r.RuleHits {
		b.WriteString(fmt.Sprintf("rule_%s=%d\n", hit.Stat, hit.Count))
	}
	b.WriteString(fmt.Sprintf("backward_total=%d\n", r.Backward.Total))
	b.WriteString(fmt.Sprintf("backward_tolerable=%d\n", r.Backward.Tolerable))
	b.WriteString(fmt.Sprintf("backward_bad=%d\n", r.Backward.Bad))
	for _, pair := range r.Backward.TopBad {
		b.WriteString(fmt.Sprintf("backward_bad_pair=%s>%s:%d\n", pair.Prev, pair.Curr, pair.Count))
	}
	b.WriteString(fmt.Sprintf("classifier_attempts=%d\n", r.Classifier.Attempts))
	b.WriteString(fmt.Sprintf("classifier_parse_failures=%d\n", r.Classifier.ParseFailures))
	b.WriteString(fmt.Sprintf("classifier_invalid_answers=%d\n", r.Classifier.InvalidAnswers))
	b.WriteString(fmt.Sprintf("classifier_transport_errors=%d\n", r.Classifier.TransportErrors))
	return b.String()
}

// FormatMarkdown renders the report as a Markdown document.
func FormatMarkdown(r Report) string {
	var b strings.Builder
	b.WriteString("# Collection Call Phases\n\n")
	b.WriteString(fmt.Sprintf("- run_id: `%s`\n", r.RunID))
	if r.Input != "" {
		b.WriteString(fmt.Sprintf("- input: `%s`\n", r.Input))
	}
	if !r.CreatedAt.IsZero() {
		b.WriteString(fmt.Sprintf("- created_at: `%s`\n", r.CreatedAt.UTC().Format(time.RFC3339)))
	}
	b.WriteString("\n")

	b.WriteString("## Totals\n")
	b.WriteString(fmt.Sprintf("- conversations: `%d`\n", r.Conversations))
	b.WriteString(fmt.Sprintf("- turns: `%d`\n", r.Turns))
	b.WriteString(fmt.Sprintf("- unlabeled: `%d` (%.2f%%)\n", r.Unlabeled, percent(r.Unlabeled, r.Turns)))
	b.WriteString(fmt.Sprintf("- mean_confidence: `%.4f`\n", r.MeanConfidence))
	b.WriteString(fmt.Sprintf("- ended_in_closing: `%d` (%.2f%%)\n", r.Closed, percent(r.Closed, r.Conversations)))
	b.WriteString(fmt.Sprintf("- cut: `%d` (%.2f%%)\n", r.Cut, percent(r.Cut, r.Conversations)))
	b.WriteString(fmt.Sprintf("- classifier_used: `%d`\n\n", r.LLMConversations))

	b.WriteString("## Phase Distribution\n")
	if len(r.PhaseCounts) == 0 {
		b.WriteString("- none\n\n")
	} else {
		b.WriteString("| phase | source | turns |\n")
		b.WriteString("| --- | --- | ---: |\n")
		for _, pc := range r.PhaseCounts {
			b.WriteString(fmt.Sprintf("| %s | %s | `%d` |\n", orNone(string(pc.Phase)), orNone(string(pc.Source)), pc.Count))
		}
		b.WriteString("\n")
	}

	b.WriteString("## Stabilizer\n")
	b.WriteString(fmt.Sprintf("- turns: `%d`\n", r.Stabilizer.Total))
	if len(r.RuleHits) == 0 {
		b.WriteString("- no rule fired\n\n")
	} else {
		for _, hit := range r.RuleHits {
			b.WriteString(fmt.Sprintf("- %s: `%d` (%.2f%%)\n", hit.Stat, hit.Count, percent(hit.Count, r.Stabilizer.Total)))
		}
		b.WriteString("\n")
	}

	b.WriteString("## Sequences\n")
	b.WriteString(fmt.Sprintf("- records: `%d`\n", r.Sequences.Total))
	b.WriteString(fmt.Sprintf("- without_phases: `%d`\n", r.Sequences.WithoutPhases))
	b.WriteString(fmt.Sprintf("- valid_start: `%.2f%%`\n", r.Sequences.ValidStartPercent))
	b.WriteString(fmt.Sprintf("- meets_ideal: `%.2f%%`\n", r.Sequences.MeetsIdealPercent))
	b.WriteString(fmt.Sprintf("- cut_before_negotiation: `%.2f%%`\n", r.Sequences.CutBeforeNegotiationPct))
	b.WriteString(fmt.Sprintf("- avg_violations: `%.2f`\n\n", r.Sequences.AvgViolations))

	b.WriteString("### Top Sequences\n")
	if len(r.Sequences.TopSequences) == 0 {
		b.WriteString("- none\n\n")
	} else {
		b.WriteString("| sequence | conversations |\n")
		b.WriteString("| --- | ---: |\n")
		for _, sc := range r.Sequences.TopSequences {
			b.WriteString(fmt.Sprintf("| `%s` | `%d` |\n", sc.Sequence, sc.Count))
		}
		b.WriteString("\n")
	}

	b.WriteString("### Grammar Violations\n")
	if len(r.Violating) == 0 {
		b.WriteString("- none\n\n")
	} else {
		b.WriteString("| conversation_id | violations | sequence |\n")
		b.WriteString("| --- | ---: | --- |\n")
		for _, v := range r.Violating {
			b.WriteString(fmt.Sprintf("| `%s` | `%d` | `%s` |\n", v.ConversationID, v.Violations, v.Sequence))
		}
		b.WriteString("\n")
	}

	b.WriteString("## Backward Steps\n")
	b.WriteString(fmt.Sprintf("- total: `%d`\n", r.Backward.Total))
	b.WriteString(fmt.Sprintf("- tolerable: `%d` (%.2f%%)\n", r.Backward.Tolerable, percent(r.Backward.Tolerable, r.Backward.Total)))
	b.WriteString(fmt.Sprintf("- bad: `%d` (%.2f%%)\n\n", r.Backward.Bad, percent(r.Backward.Bad, r.Backward.Total)))

	b.WriteString("### Top Bad Steps\n")
	if len(r.Backward.TopBad) == 0 {
		b.WriteString("- none\n\n")
	} else {
		b.WriteString("| prev | curr | steps |\n")
		b.WriteString("| --- | --- | ---: |\n")
		for _, pair := range r.Backward.TopBad {
			b.WriteString(fmt.Sprintf("| %s | %s | `%d` |\n", pair.Prev, pair.Curr, pair.Count))
		}
		b.WriteString("\n")
	}

	b.WriteString("## Classifier\n")
	b.WriteString(fmt.Sprintf("- attempts: `%d`\n", r.Classifier.Attempts))
	b.WriteString(fmt.Sprintf("- parse_failures: `%d`\n", r.Classifier.ParseFailures))
	b.WriteString(fmt.Sprintf("- invalid_answers: `%d`\n", r.Classifier.InvalidAnswers))
	b.WriteString(fmt.Sprintf("- transport_errors: `%d`\n", r.Classifier.TransportErrors))
	return b.String()
}

var pendingHeader = []string{
	"conversation_id", "turn", "speaker", "phase", "confidence", "source", "prev_phase", "next_phase", "text",
}

// WritePendingCSV writes pending turns for human review. The phase column is
// the one a reviewer fills in before feeding rows back through correct.
func WritePendingCSV(w io.Writer, turns []store.PendingTurn) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(pendingHeader); err != nil {
		return fmt.Errorf("write pending header: %w", err)
	}
	for _, t := range turns {
		if err := cw.Write([]string{
			t.ConversationID,
			strconv.Itoa(t.Ordinal),
			t.Speaker,
			string(t.Phase),
			strconv.FormatFloat(t.Confidence, 'f', 4, 64),
			string(t.Source),
			string(t.PrevPhase),
			string(t.NextPhase),
			t.Text,
		}); err != nil {
			return fmt.Errorf("write pending row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func sortedSources(m map[phase.Source]int) []phase.Source {
	out := make([]phase.Source, 0, len(m))
	for source := range m {
		out = append(out, source)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
