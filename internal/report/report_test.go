package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tetraminz/collection_phases/internal/compute"
	"github.com/tetraminz/collection_phases/internal/dataset"
	"github.com/tetraminz/collection_phases/internal/phase"
	"github.com/tetraminz/collection_phases/internal/sequence"
	"github.com/tetraminz/collection_phases/internal/stabilize"
	"github.com/tetraminz/collection_phases/internal/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "phases.db")
	if err := store.Setup(dbPath); err != nil {
		t.Fatalf("setup: %v", err)
	}
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func seededStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	ctx := context.Background()
	st := openStore(t)

	run, err := st.CreateRun(ctx, "fixtures")
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	convs := []dataset.Conversation{
		{ConversationID: "a", Turns: []dataset.Turn{
			{Ordinal: 1, Speaker: dataset.SpeakerAgent, Text: "buenos dias"},
			{Ordinal: 2, Speaker: dataset.SpeakerCustomer, Text: "si"},
			{Ordinal: 3, Speaker: dataset.SpeakerAgent, Text: "hasta luego"},
		}},
		{ConversationID: "b", Turns: []dataset.Turn{
			{Ordinal: 1, Speaker: dataset.SpeakerAgent, Text: "buenos dias"},
			{Ordinal: 2, Speaker: dataset.SpeakerAgent, Text: "le ofrecemos cuotas"},
		}},
	}
	if _, err := st.ImportConversations(ctx, run.ID, convs); err != nil {
		t.Fatalf("import: %v", err)
	}
	stored, err := st.ListConversations(ctx, run.ID)
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	a, b := stored[0].PK, stored[1].PK

	mustWrite := func(pk int64, assignments ...store.Assignment) {
		t.Helper()
		if _, err := st.WriteAssignments(ctx, pk, assignments); err != nil {
			t.Fatalf("write assignments: %v", err)
		}
	}
	mustWrite(a,
		store.Assignment{Ordinal: 1, Phase: phase.Apertura, Confidence: 0.8, Source: phase.SourceRules},
		store.Assignment{Ordinal: 2, Phase: phase.None, Source: phase.SourceRules},
		store.Assignment{Ordinal: 3, Phase: phase.Cierre, Confidence: 0.6, Source: phase.SourceLLM},
	)
	mustWrite(b,
		store.Assignment{Ordinal: 1, Phase: phase.Apertura, Confidence: 1, Source: phase.SourceRules},
		store.Assignment{Ordinal: 2, Phase: phase.Negociacion, Confidence: 0.6, Source: phase.SourceRules},
	)
	if err := st.WriteFinalPhase(ctx, a, store.FinalPhase{Phase: phase.Cierre, Ordinal: 3, EndType: store.EndTypeClosing}, true); err != nil {
		t.Fatalf("final phase: %v", err)
	}
	if err := st.WriteFinalPhase(ctx, b, store.FinalPhase{Phase: phase.Negociacion, Ordinal: 2, EndType: store.EndTypeCut}, false); err != nil {
		t.Fatalf("final phase: %v", err)
	}
	if err := st.WriteMetrics(ctx, a, compute.Metrics{LabeledTurns: 2, MeanConfidence: 0.7}); err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if err := st.WriteMetrics(ctx, b, compute.Metrics{LabeledTurns: 2, MeanConfidence: 0.8}); err != nil {
		t.Fatalf("metrics: %v", err)
	}

	analyzer := sequence.DefaultAnalyzer()
	recA, _ := analyzer.AnalyzePhases([]phase.Phase{phase.Apertura, phase.Cierre})
	recB, _ := analyzer.AnalyzePhases([]phase.Phase{phase.Apertura, phase.Identificacion, phase.InformacionDeuda, phase.Negociacion})
	if err := st.UpsertSequence(ctx, a, recA); err != nil {
		t.Fatalf("upsert sequence: %v", err)
	}
	if err := st.UpsertSequence(ctx, b, recB); err != nil {
		t.Fatalf("upsert sequence: %v", err)
	}

	if err := st.ReplaceStabilizerStats(ctx, run.ID, stabilize.Stats{Total: 5, NullKept: 1, Normal: 4}); err != nil {
		t.Fatalf("stabilizer stats: %v", err)
	}
	for _, status := range []int{200, 500} {
		event := store.LLMEvent{ConversationPK: a, Ordinal: 3, Attempt: 1, ResponseHTTPStatus: status}
		if status == 200 {
			event.ParseOK, event.ValidationOK = true, true
		}
		if err := st.InsertLLMEvent(ctx, event); err != nil {
			t.Fatalf("insert event: %v", err)
		}
	}
	return st, run.ID
}

func TestBuildAggregatesRun(t *testing.T) {
	t.Parallel()

	st, runID := seededStore(t)
	r, err := Build(context.Background(), st, runID, nil, phase.DefaultTolerance(phase.DefaultMacroMap()))
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if r.Conversations != 2 || r.Turns != 5 || r.Unlabeled != 1 {
		t.Fatalf("totals mismatch: conversations=%d turns=%d unlabeled=%d", r.Conversations, r.Turns, r.Unlabeled)
	}
	if r.SourceTotals[phase.SourceRules] != 3 || r.SourceTotals[phase.SourceLLM] != 1 {
		t.Fatalf("source totals mismatch: %v", r.SourceTotals)
	}
	if math.Abs(r.MeanConfidence-0.75) > 1e-9 {
		t.Fatalf("mean confidence got %v want 0.75", r.MeanConfidence)
	}
	if r.Closed != 1 || r.Cut != 1 || r.LLMConversations != 1 {
		t.Fatalf("end types mismatch: closed=%d cut=%d llm=%d", r.Closed, r.Cut, r.LLMConversations)
	}
	if len(r.RuleHits) != 2 || r.RuleHits[0] != (stabilize.RuleHit{Stat: stabilize.StatNormal, Count: 4}) {
		t.Fatalf("rule hits mismatch: %+v", r.RuleHits)
	}
	if r.Sequences.Total != 2 || r.Sequences.WithoutPhases != 0 || r.Sequences.MeetsIdealPercent != 50 {
		t.Fatalf("sequence kpis mismatch: %+v", r.Sequences)
	}
	if len(r.Violating) != 1 || r.Violating[0] != (ViolatingConversation{ConversationID: "a", Sequence: "APERTURA>CIERRE", Violations: 1}) {
		t.Fatalf("violating mismatch: %+v", r.Violating)
	}
	if r.Classifier.Attempts != 2 || r.Classifier.TransportErrors != 1 {
		t.Fatalf("classifier counts mismatch: %+v", r.Classifier)
	}
}

func TestBuildCountsBackwardSteps(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := openStore(t)
	run, err := st.CreateRun(ctx, "backward")
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	raw := map[string][]phase.Phase{
		"c": {
			phase.Apertura, phase.Identificacion, phase.InformacionDeuda, phase.Identificacion,
			phase.InformacionDeuda, phase.Identificacion, phase.None, phase.Negociacion,
			phase.ConsultaAceptacion, "OBJECIONES_CLIENTE", phase.FormalizacionPago,
			phase.Negociacion, phase.Negociacion, phase.Cierre,
		},
		"d": {phase.Apertura, phase.Negociacion, phase.Apertura},
	}
	var convs []dataset.Conversation
	for _, id := range []string{"c", "d"} {
		conv := dataset.Conversation{ConversationID: id}
		for i := range raw[id] {
			conv.Turns = append(conv.Turns, dataset.Turn{Ordinal: i + 1, Speaker: dataset.SpeakerAgent, Text: "texto"})
		}
		convs = append(convs, conv)
	}
	if _, err := st.ImportConversations(ctx, run.ID, convs); err != nil {
		t.Fatalf("import: %v", err)
	}
	stored, err := st.ListConversations(ctx, run.ID)
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	for _, c := range stored {
		var assignments []store.Assignment
		for i, p := range raw[c.ConversationID] {
			assignments = append(assignments, store.Assignment{Ordinal: i + 1, Phase: p, Confidence: 0.5, Source: phase.SourceRules})
		}
		if _, err := st.WriteAssignments(ctx, c.PK, assignments); err != nil {
			t.Fatalf("write assignments: %v", err)
		}
	}
	// Once stabilized, "d" no longer steps back to the opening.
	if err := st.WriteStabilized(ctx, stored[1].PK, []store.StabilizedTurn{
		{Ordinal: 1, Phase: phase.Apertura},
		{Ordinal: 2, Phase: phase.Negociacion},
		{Ordinal: 3, Phase: phase.Negociacion, Rules: "F"},
	}); err != nil {
		t.Fatalf("write stabilized: %v", err)
	}

	r, err := Build(ctx, st, run.ID, phase.DefaultMacroMap(), phase.DefaultTolerance(phase.DefaultMacroMap()))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	got := r.Backward
	// The second NEGOCIACION after FORMALIZACION_PAGO is still behind the
	// furthest phase reached, so it counts again.
	if got.Total != 5 || got.Tolerable != 1 || got.Bad != 4 {
		t.Fatalf("backward counts got total=%d tolerable=%d bad=%d want 5/1/4", got.Total, got.Tolerable, got.Bad)
	}
	want := []BackwardPair{
		{Prev: phase.InformacionDeuda, Curr: phase.Identificacion, Count: 2},
		{Prev: phase.FormalizacionPago, Curr: phase.Negociacion, Count: 2},
	}
	if len(got.TopBad) != len(want) {
		t.Fatalf("top bad got %+v want %+v", got.TopBad, want)
	}
	for i := range want {
		if got.TopBad[i] != want[i] {
			t.Fatalf("top bad %d got %+v want %+v", i, got.TopBad[i], want[i])
		}
	}

	text := FormatText(r)
	for _, token := range []string{
		"backward_total=5\n",
		"backward_tolerable=1\n",
		"backward_bad=4\n",
		"backward_bad_pair=INFORMACION_DEUDA>IDENTIFICACION:2\n",
	} {
		if !strings.Contains(text, token) {
			t.Fatalf("text report missing %q:\n%s", token, text)
		}
	}
	md := FormatMarkdown(r)
	for _, token := range []string{
		"- tolerable: `1` (20.00%)",
		"| FORMALIZACION_PAGO | NEGOCIACION | `2` |",
	} {
		if !strings.Contains(md, token) {
			t.Fatalf("markdown report missing %q:\n%s", token, md)
		}
	}
}

func TestBuildUnknownRun(t *testing.T) {
	t.Parallel()

	st, _ := seededStore(t)
	if _, err := Build(context.Background(), st, "missing", nil, phase.Tolerance{}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFormatTextAndMarkdown(t *testing.T) {
	t.Parallel()

	st, runID := seededStore(t)
	r, err := Build(context.Background(), st, runID, nil, phase.DefaultTolerance(phase.DefaultMacroMap()))
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	text := FormatText(r)
	for _, token := range []string{
		"turns=5\n",
		"unlabeled=1 (20.00%)\n",
		"source_deepseek=1\n",
		"rule_normal=4\n",
		"meets_ideal_percent=50.00\n",
		"classifier_transport_errors=1\n",
	} {
		if !strings.Contains(text, token) {
			t.Fatalf("text report missing %q:\n%s", token, text)
		}
	}

	md := FormatMarkdown(r)
	for _, token := range []string{
		"# Collection Call Phases",
		"| - | RULES | `1` |",
		"- null_kept: `1` (20.00%)",
		"| `a` | `1` | `APERTURA>CIERRE` |",
		"- transport_errors: `1`",
	} {
		if !strings.Contains(md, token) {
			t.Fatalf("markdown report missing %q:\n%s", token, md)
		}
	}
}

func TestFormatMarkdownEmptyRun(t *testing.T) {
	t.Parallel()

	md := FormatMarkdown(Report{RunID: "empty"})
	if got := strings.Count(md, "- none\n"); got != 4 {
		t.Fatalf("expected four empty sections, got %d:\n%s", got, md)
	}
	if !strings.Contains(md, "- no rule fired") {
		t.Fatalf("markdown missing empty stabilizer line:\n%s", md)
	}
}

func TestWritePendingCSV(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	err := WritePendingCSV(&buf, []store.PendingTurn{
		{ConversationID: "a", Ordinal: 2, Speaker: dataset.SpeakerCustomer, Text: "si, claro", Source: phase.SourceRules, PrevPhase: phase.Apertura, NextPhase: phase.Cierre},
		{ConversationID: "b", Ordinal: 4, Speaker: dataset.SpeakerAgent, Text: "le \"repito\" el monto", Phase: phase.InformacionDeuda, Confidence: 0.25, Source: phase.SourceRules},
	})
	if err != nil {
		t.Fatalf("write csv: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("row count mismatch: got %d want 3", len(rows))
	}
	if strings.Join(rows[0], ",") != strings.Join(pendingHeader, ",") {
		t.Fatalf("header mismatch: %v", rows[0])
	}
	if rows[1][8] != "si, claro" || rows[1][6] != "APERTURA" || rows[1][3] != "" {
		t.Fatalf("first row mismatch: %v", rows[1])
	}
	if rows[2][4] != "0.2500" || rows[2][8] != "le \"repito\" el monto" {
		t.Fatalf("second row mismatch: %v", rows[2])
	}
}
