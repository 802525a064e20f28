package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tetraminz/collection_phases/internal/compute"
	"github.com/tetraminz/collection_phases/internal/dataset"
	"github.com/tetraminz/collection_phases/internal/observe"
	"github.com/tetraminz/collection_phases/internal/phase"
	"github.com/tetraminz/collection_phases/internal/sequence"
	"github.com/tetraminz/collection_phases/internal/stabilize"
	"github.com/tetraminz/collection_phases/internal/store"
)

// ErrNoConversations is returned by stages run over an empty run.
var ErrNoConversations = errors.New("run has no conversations")

// Stage names, as logged and recorded in the stage duration histogram.
const (
	StageIngest    = "ingest"
	StageDetect    = "detect"
	StageStabilize = "stabilize"
	StageSequences = "sequences"
)

// Runner executes stages over all conversations of a run. Conversations are
// processed in parallel, bounded by Workers; the turns of one conversation
// stay on one goroutine and are handled in ordinal order.
type Runner struct {
	Store      *store.Store
	Detector   *Detector
	Stabilizer *stabilize.Stabilizer
	Analyzer   *sequence.Analyzer
	Workers    int
	Logger     *slog.Logger
	Metrics    *observe.Metrics
}

// DetectSummary totals a detection pass.
type DetectSummary struct {
	Conversations    int
	Turns            int
	Written          int
	Skipped          int
	Unlabeled        int
	ClassifierCalls  int
	ClassifierErrors int
}

// StabilizeSummary totals a stabilization pass.
type StabilizeSummary struct {
	Conversations int
	Stats         stabilize.Stats
}

// SequenceSummary totals an analyzer pass.
type SequenceSummary struct {
	Conversations int
	Records       int
	WithoutPhases int
	MeetsIdeal    int
}

// RunSummary is the outcome of Run.
type RunSummary struct {
	Detect    DetectSummary
	Stabilize StabilizeSummary
	Sequences SequenceSummary
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func (r *Runner) workers() int {
	if r.Workers < 1 {
		return 1
	}
	return r.Workers
}

// Ingest loads conversations from a CSV directory or file into a new run.
func (r *Runner) Ingest(ctx context.Context, input, filterPrefix string, limit int) (store.Run, int, error) {
	start := time.Now()
	convs, err := dataset.LoadConversations(input, filterPrefix, limit)
	if err != nil {
		return store.Run{}, 0, err
	}
	return r.ingest(ctx, input, convs, start)
}

// ImportJSONL loads a JSONL turn file into a new run.
func (r *Runner) ImportJSONL(ctx context.Context, path string) (store.Run, int, error) {
	start := time.Now()
	convs, err := dataset.LoadJSONL(path)
	if err != nil {
		return store.Run{}, 0, err
	}
	return r.ingest(ctx, path, convs, start)
}

func (r *Runner) ingest(ctx context.Context, input string, convs []dataset.Conversation, start time.Time) (store.Run, int, error) {
	if len(convs) == 0 {
		return store.Run{}, 0, fmt.Errorf("%s: %w", input, ErrNoConversations)
	}
	run, err := r.Store.CreateRun(ctx, input)
	if err != nil {
		return store.Run{}, 0, err
	}
	turns, err := r.Store.ImportConversations(ctx, run.ID, convs)
	if err != nil {
		return store.Run{}, 0, err
	}
	run.Conversations = len(convs)
	r.Metrics.ObserveStage(ctx, StageIngest, start)
	r.logger().Info("ingest done",
		"run_id", run.ID,
		"input", input,
		"conversations", len(convs),
		"turns", turns,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return run, turns, nil
}

// Detect labels every conversation of the run and refreshes their metrics.
func (r *Runner) Detect(ctx context.Context, runID string) (DetectSummary, error) {
	start := time.Now()
	convs, err := r.conversations(ctx, runID)
	if err != nil {
		return DetectSummary{}, err
	}

	var mu sync.Mutex
	sum := DetectSummary{Conversations: len(convs)}
	err = r.forEach(ctx, convs, func(ctx context.Context, conv store.Conversation) error {
		got, err := r.detectOne(ctx, conv)
		if err != nil {
			return fmt.Errorf("detect %s: %w", conv.ConversationID, err)
		}
		mu.Lock()
		defer mu.Unlock()
		sum.Turns += got.Turns
		sum.Written += got.Written
		sum.Skipped += got.Skipped
		sum.Unlabeled += got.Unlabeled
		sum.ClassifierCalls += got.ClassifierCalls
		sum.ClassifierErrors += got.ClassifierErrors
		return nil
	})
	if err != nil {
		return DetectSummary{}, err
	}

	r.Metrics.ObserveStage(ctx, StageDetect, start)
	r.logger().Info("detect done",
		"run_id", runID,
		"conversations", sum.Conversations,
		"turns", sum.Turns,
		"written", sum.Written,
		"skipped", sum.Skipped,
		"unlabeled", sum.Unlabeled,
		"classifier_calls", sum.ClassifierCalls,
		"classifier_errors", sum.ClassifierErrors,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return sum, nil
}

func (r *Runner) detectOne(ctx context.Context, conv store.Conversation) (DetectSummary, error) {
	turns, err := r.Store.LoadTurns(ctx, conv.PK)
	if err != nil {
		return DetectSummary{}, err
	}
	det, err := r.Detector.DetectConversation(ctx, Input{
		ConversationPK: conv.PK,
		ConversationID: conv.ConversationID,
		Turns:          turns,
	})
	if err != nil {
		return DetectSummary{}, err
	}
	res, err := r.Store.WriteAssignments(ctx, conv.PK, det.Assignments)
	if err != nil {
		return DetectSummary{}, err
	}
	if err := r.Store.WriteFinalPhase(ctx, conv.PK, det.Final, det.LLMUsed); err != nil {
		return DetectSummary{}, err
	}

	// Metrics are computed over what the store kept, trust order applied.
	stored, err := r.Store.LoadTurns(ctx, conv.PK)
	if err != nil {
		return DetectSummary{}, err
	}
	if err := r.Store.WriteMetrics(ctx, conv.PK, compute.ComputeMetrics(datasetTurns(stored))); err != nil {
		return DetectSummary{}, err
	}

	sum := DetectSummary{
		Turns:            len(turns),
		Written:          res.Written,
		Skipped:          res.Skipped,
		ClassifierCalls:  det.ClassifierCalls,
		ClassifierErrors: det.ClassifierErrors,
	}
	for _, t := range stored {
		if t.Phase == phase.None {
			sum.Unlabeled++
		}
		r.Metrics.RecordTurnLabeled(ctx, t.Phase, t.Source)
	}
	if det.ClassifierErrors > 0 {
		r.logger().Warn("classifier failures",
			"conversation_id", conv.ConversationID,
			"calls", det.ClassifierCalls,
			"errors", det.ClassifierErrors,
		)
	}
	return sum, nil
}

// Stabilize rewrites the stabilized phase of every turn of the run and
// replaces the run's rule counters.
func (r *Runner) Stabilize(ctx context.Context, runID string) (StabilizeSummary, error) {
	start := time.Now()
	convs, err := r.conversations(ctx, runID)
	if err != nil {
		return StabilizeSummary{}, err
	}

	var mu sync.Mutex
	sum := StabilizeSummary{Conversations: len(convs)}
	err = r.forEach(ctx, convs, func(ctx context.Context, conv store.Conversation) error {
		stats, err := r.stabilizeOne(ctx, conv.PK)
		if err != nil {
			return fmt.Errorf("stabilize %s: %w", conv.ConversationID, err)
		}
		mu.Lock()
		sum.Stats.Add(stats)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return StabilizeSummary{}, err
	}
	if err := r.Store.ReplaceStabilizerStats(ctx, runID, sum.Stats); err != nil {
		return StabilizeSummary{}, err
	}

	hits := sum.Stats.SortedRuleHits()
	attrs := []any{
		"run_id", runID,
		"conversations", sum.Conversations,
		"turns", sum.Stats.Total,
		"elapsed", time.Since(start).Round(time.Millisecond),
	}
	for _, hit := range hits {
		r.Metrics.RecordRuleHits(ctx, hit.Stat, hit.Count)
		attrs = append(attrs, hit.Stat, hit.Count)
	}
	r.Metrics.ObserveStage(ctx, StageStabilize, start)
	r.logger().Info("stabilize done", attrs...)
	return sum, nil
}

func (r *Runner) stabilizeOne(ctx context.Context, conversationPK int64) (stabilize.Stats, error) {
	turns, err := r.Store.LoadTurns(ctx, conversationPK)
	if err != nil {
		return stabilize.Stats{}, err
	}
	in := make([]stabilize.Turn, len(turns))
	for i, t := range turns {
		in[i] = stabilize.Turn{Ordinal: t.Ordinal, Speaker: t.Speaker, Text: t.Text, Phase: t.Phase}
	}
	res := r.Stabilizer.Run(in)

	out := make([]store.StabilizedTurn, len(res.Turns))
	for i, t := range res.Turns {
		ids := make([]string, len(t.Rules))
		for j, id := range t.Rules {
			ids[j] = string(id)
		}
		out[i] = store.StabilizedTurn{Ordinal: t.Ordinal, Phase: t.Phase, Rules: strings.Join(ids, ",")}
	}
	if err := r.Store.WriteStabilized(ctx, conversationPK, out); err != nil {
		return stabilize.Stats{}, err
	}
	return res.Stats, nil
}

// Sequences rebuilds the sequence record of every conversation of the run.
// Conversations without any phase lose their record.
func (r *Runner) Sequences(ctx context.Context, runID string) (SequenceSummary, error) {
	start := time.Now()
	convs, err := r.conversations(ctx, runID)
	if err != nil {
		return SequenceSummary{}, err
	}

	var mu sync.Mutex
	sum := SequenceSummary{Conversations: len(convs)}
	err = r.forEach(ctx, convs, func(ctx context.Context, conv store.Conversation) error {
		rec, ok, err := r.sequenceOne(ctx, conv.PK)
		if err != nil {
			return fmt.Errorf("sequence %s: %w", conv.ConversationID, err)
		}
		mu.Lock()
		defer mu.Unlock()
		if !ok {
			sum.WithoutPhases++
			return nil
		}
		sum.Records++
		if rec.MeetsIdeal {
			sum.MeetsIdeal++
		}
		return nil
	})
	if err != nil {
		return SequenceSummary{}, err
	}

	r.Metrics.ObserveStage(ctx, StageSequences, start)
	r.logger().Info("sequences done",
		"run_id", runID,
		"conversations", sum.Conversations,
		"records", sum.Records,
		"without_phases", sum.WithoutPhases,
		"meets_ideal", sum.MeetsIdeal,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return sum, nil
}

func (r *Runner) sequenceOne(ctx context.Context, conversationPK int64) (sequence.Record, bool, error) {
	turns, err := r.Store.LoadTurns(ctx, conversationPK)
	if err != nil {
		return sequence.Record{}, false, err
	}
	in := make([]sequence.TurnPhases, len(turns))
	for i, t := range turns {
		in[i] = sequence.TurnPhases{Stabilized: t.StabilizedPhase, Raw: t.Phase}
	}
	rec, ok := r.Analyzer.Analyze(in)
	if !ok {
		return sequence.Record{}, false, r.Store.DeleteSequence(ctx, conversationPK)
	}
	if err := r.Store.UpsertSequence(ctx, conversationPK, rec); err != nil {
		return sequence.Record{}, false, err
	}
	r.Metrics.RecordSequence(ctx, rec.MeetsIdeal)
	return rec, true, nil
}

// Run executes detect, stabilize and sequences in order.
func (r *Runner) Run(ctx context.Context, runID string) (RunSummary, error) {
	var out RunSummary
	var err error
	if out.Detect, err = r.Detect(ctx, runID); err != nil {
		return RunSummary{}, err
	}
	if out.Stabilize, err = r.Stabilize(ctx, runID); err != nil {
		return RunSummary{}, err
	}
	if out.Sequences, err = r.Sequences(ctx, runID); err != nil {
		return RunSummary{}, err
	}
	return out, nil
}

// Correct stores a human decision and re-derives the conversation's
// stabilized phases and sequence record. Run-level stabilizer counters are
// left as they were until the next full pass.
func (r *Runner) Correct(ctx context.Context, runID, conversationID string, ordinal int, p phase.Phase) error {
	if err := r.Store.Correct(ctx, runID, conversationID, ordinal, p); err != nil {
		return err
	}
	conv, err := r.Store.GetConversation(ctx, runID, conversationID)
	if err != nil {
		return err
	}
	if _, err := r.stabilizeOne(ctx, conv.PK); err != nil {
		return fmt.Errorf("re-stabilize %s: %w", conversationID, err)
	}
	if _, _, err := r.sequenceOne(ctx, conv.PK); err != nil {
		return fmt.Errorf("re-sequence %s: %w", conversationID, err)
	}
	r.logger().Info("turn corrected",
		"run_id", runID,
		"conversation_id", conversationID,
		"ordinal", ordinal,
		"phase", string(phase.Parse(string(p))),
	)
	return nil
}

// Pending lists the turns of the run still waiting for a trustworthy label.
func (r *Runner) Pending(ctx context.Context, runID string, maxConfidence float64) ([]store.PendingTurn, error) {
	return r.Store.PendingTurns(ctx, runID, maxConfidence)
}

func (r *Runner) conversations(ctx context.Context, runID string) ([]store.Conversation, error) {
	if _, err := r.Store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	convs, err := r.Store.ListConversations(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(convs) == 0 {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNoConversations)
	}
	return convs, nil
}

func (r *Runner) forEach(ctx context.Context, convs []store.Conversation, fn func(context.Context, store.Conversation) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers())
	for _, conv := range convs {
		g.Go(func() error {
			return fn(gctx, conv)
		})
	}
	return g.Wait()
}

func datasetTurns(turns []store.Turn) []dataset.Turn {
	out := make([]dataset.Turn, len(turns))
	for i, t := range turns {
		out[i] = dataset.Turn{
			Ordinal:    t.Ordinal,
			Speaker:    t.Speaker,
			Text:       t.Text,
			Phase:      string(t.Phase),
			Confidence: t.Confidence,
			Source:     string(t.Source),
		}
	}
	return out
}
