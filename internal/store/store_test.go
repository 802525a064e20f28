package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tetraminz/collection_phases/internal/compute"
	"github.com/tetraminz/collection_phases/internal/dataset"
	"github.com/tetraminz/collection_phases/internal/phase"
	"github.com/tetraminz/collection_phases/internal/sequence"
	"github.com/tetraminz/collection_phases/internal/stabilize"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "out", "phases.db")
	if err := Setup(dbPath); err != nil {
		t.Fatalf("setup: %v", err)
	}
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleConversation(id string) dataset.Conversation {
	return dataset.Conversation{
		ConversationID: id,
		SourceFile:     id + ".csv",
		Turns: []dataset.Turn{
			{Ordinal: 1, Speaker: dataset.SpeakerAgent, Text: "Buenos días, le llamo por su deuda"},
			{Ordinal: 2, Speaker: dataset.SpeakerCustomer, Text: "sí"},
			{Ordinal: 3, Speaker: dataset.SpeakerAgent, Text: "le puedo ofrecer tres cuotas", Phase: "negociacion", Confidence: 0.9, Source: "human"},
		},
	}
}

func seed(t *testing.T, s *Store, ids ...string) (Run, []int64) {
	t.Helper()
	ctx := context.Background()
	run, err := s.CreateRun(ctx, "fixtures")
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	var pks []int64
	for _, id := range ids {
		pk, err := s.InsertConversation(ctx, run.ID, sampleConversation(id))
		if err != nil {
			t.Fatalf("insert conversation: %v", err)
		}
		pks = append(pks, pk)
	}
	return run, pks
}

func TestSetupAndOpen(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	missing, err := missingTableColumns(s.db, "turns", tables[2].required)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if len(missing) != 0 {
		t.Fatalf("missing columns after setup: %v", missing)
	}
}

func TestOpenRejectsIncompatibleSchema(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "old.db")
	db, err := openSQLite(dbPath)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE runs (run_id TEXT PRIMARY KEY)`); err != nil {
		t.Fatalf("create old table: %v", err)
	}
	db.Close()

	_, err = Open(dbPath)
	if err == nil || !strings.Contains(err.Error(), "incompatible runs schema") {
		t.Fatalf("expected incompatible schema error, got %v", err)
	}
}

func TestRunsAndConversations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	run, pks := seed(t, s, "c1", "c2")

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Conversations != 2 || got.Input != "fixtures" {
		t.Fatalf("run mismatch: %+v", got)
	}
	latest, err := s.LatestRun(ctx)
	if err != nil || latest.ID != run.ID {
		t.Fatalf("latest run mismatch: %+v err=%v", latest, err)
	}
	if _, err := s.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	convs, err := s.ListConversations(ctx, run.ID)
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(convs) != 2 || convs[0].ConversationID != "c1" || convs[1].PK != pks[1] {
		t.Fatalf("conversations mismatch: %+v", convs)
	}
	if convs[0].TotalTurns != 3 {
		t.Fatalf("total turns got %d want 3", convs[0].TotalTurns)
	}

	turns, err := s.LoadTurns(ctx, pks[0])
	if err != nil {
		t.Fatalf("load turns: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("turn count got %d want 3", len(turns))
	}
	if turns[2].Phase != phase.Negociacion || turns[2].Source != phase.SourceHuman || turns[2].Confidence != 0.9 {
		t.Fatalf("prior assignment not stored: %+v", turns[2])
	}
	if turns[0].Phase != phase.None || turns[0].Source != phase.SourceNone {
		t.Fatalf("unlabeled turn mismatch: %+v", turns[0])
	}

	if _, err := s.InsertConversation(ctx, run.ID, sampleConversation("c1")); err == nil {
		t.Fatalf("expected duplicate conversation error")
	}
}

func TestWriteAssignmentsHonorsTrust(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	_, pks := seed(t, s, "c1")

	res, err := s.WriteAssignments(ctx, pks[0], []Assignment{
		{Ordinal: 1, Phase: phase.Apertura, Confidence: 1.4, Source: phase.SourceRules},
		{Ordinal: 2, Phase: phase.None, Confidence: 0.5, Source: phase.SourceRules},
		{Ordinal: 3, Phase: phase.Cierre, Confidence: 0.8, Source: phase.SourceLLM},
	})
	if err != nil {
		t.Fatalf("write assignments: %v", err)
	}
	if res.Written != 2 || res.Skipped != 1 {
		t.Fatalf("write result got %+v want 2 written 1 skipped", res)
	}

	// LLM over rules is allowed, rules over LLM is not.
	if _, err := s.WriteAssignments(ctx, pks[0], []Assignment{{Ordinal: 1, Phase: phase.Identificacion, Confidence: 0.6, Source: phase.SourceLLM}}); err != nil {
		t.Fatalf("write llm: %v", err)
	}
	res, err = s.WriteAssignments(ctx, pks[0], []Assignment{{Ordinal: 1, Phase: phase.Cierre, Confidence: 1, Source: phase.SourceRules}})
	if err != nil {
		t.Fatalf("write rules: %v", err)
	}
	if res.Skipped != 1 {
		t.Fatalf("rules overwrote llm: %+v", res)
	}

	turns, err := s.LoadTurns(ctx, pks[0])
	if err != nil {
		t.Fatalf("load turns: %v", err)
	}
	if turns[0].Phase != phase.Identificacion || turns[0].Source != phase.SourceLLM {
		t.Fatalf("turn 1 mismatch: %+v", turns[0])
	}
	if turns[1].Confidence != 0 {
		t.Fatalf("null phase must have zero confidence: %+v", turns[1])
	}
	if turns[2].Phase != phase.Negociacion {
		t.Fatalf("human label overwritten: %+v", turns[2])
	}

	if _, err := s.WriteAssignments(ctx, pks[0], []Assignment{{Ordinal: 99, Phase: phase.Cierre, Source: phase.SourceHuman}}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing turn, got %v", err)
	}
}

func TestRulesConfidenceIsClamped(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	_, pks := seed(t, s, "c1")
	if _, err := s.WriteAssignments(ctx, pks[0], []Assignment{{Ordinal: 1, Phase: phase.Apertura, Confidence: 1.4, Source: phase.SourceRules}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	turns, err := s.LoadTurns(ctx, pks[0])
	if err != nil {
		t.Fatalf("load turns: %v", err)
	}
	if turns[0].Confidence != 1 {
		t.Fatalf("confidence got %v want 1", turns[0].Confidence)
	}
}

func TestStabilizedFinalAndSequence(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	run, pks := seed(t, s, "c1")

	err := s.WriteStabilized(ctx, pks[0], []StabilizedTurn{
		{Ordinal: 1, Phase: phase.Apertura, Rules: ""},
		{Ordinal: 2, Phase: phase.Apertura, Rules: "B"},
		{Ordinal: 3, Phase: phase.Negociacion},
	})
	if err != nil {
		t.Fatalf("write stabilized: %v", err)
	}
	if err := s.WriteFinalPhase(ctx, pks[0], FinalPhase{Phase: phase.Negociacion, Ordinal: 3}, true); err != nil {
		t.Fatalf("write final: %v", err)
	}

	turns, err := s.LoadTurns(ctx, pks[0])
	if err != nil {
		t.Fatalf("load turns: %v", err)
	}
	if turns[1].StabilizedPhase != phase.Apertura || turns[1].StabilizedRules != "B" {
		t.Fatalf("stabilized turn mismatch: %+v", turns[1])
	}
	conv, err := s.GetConversation(ctx, run.ID, "c1")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conv.FinalPhase != phase.Negociacion || conv.FinalOrdinal != 3 || conv.EndType != EndTypeCut || !conv.LLMUsed {
		t.Fatalf("final phase mismatch: %+v", conv)
	}

	rec, ok := sequence.DefaultAnalyzer().AnalyzePhases([]phase.Phase{phase.Apertura, phase.Negociacion})
	if !ok {
		t.Fatalf("expected a record")
	}
	if err := s.UpsertSequence(ctx, pks[0], rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpsertSequence(ctx, pks[0], rec); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	rows, err := s.LoadSequences(ctx, run.ID)
	if err != nil {
		t.Fatalf("load sequences: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("sequence rows got %d want 1", len(rows))
	}
	if got := rows[0].Record; got.SequenceString() != "APERTURA>NEGOCIACION" || got.Violations != 1 || !got.ValidStart || got.MeetsIdeal {
		t.Fatalf("sequence record mismatch: %+v", got)
	}

	if err := s.DeleteSequence(ctx, pks[0]); err != nil {
		t.Fatalf("delete: %v", err)
	}
	rows, err = s.LoadSequences(ctx, run.ID)
	if err != nil || len(rows) != 0 {
		t.Fatalf("expected no sequences after delete, got %v err=%v", rows, err)
	}
}

func TestCorrectAndPending(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	run, pks := seed(t, s, "c1")
	if _, err := s.WriteAssignments(ctx, pks[0], []Assignment{
		{Ordinal: 1, Phase: phase.Apertura, Confidence: 0.9, Source: phase.SourceRules},
		{Ordinal: 2, Phase: phase.Apertura, Confidence: 0.3, Source: phase.SourceRules},
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	pending, err := s.PendingTurns(ctx, run.ID, 0.5)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending count got %d want 1: %+v", len(pending), pending)
	}
	if p := pending[0]; p.Ordinal != 2 || p.PrevPhase != phase.Apertura || p.NextPhase != phase.Negociacion {
		t.Fatalf("pending turn mismatch: %+v", p)
	}

	if err := s.Correct(ctx, run.ID, "c1", 2, "identificacion"); err != nil {
		t.Fatalf("correct: %v", err)
	}
	pending, err = s.PendingTurns(ctx, run.ID, 0.5)
	if err != nil || len(pending) != 0 {
		t.Fatalf("expected nothing pending, got %+v err=%v", pending, err)
	}
	turns, err := s.LoadTurns(ctx, pks[0])
	if err != nil {
		t.Fatalf("load turns: %v", err)
	}
	if turns[1].Phase != phase.Identificacion || turns[1].Source != phase.SourceHuman || turns[1].Confidence != 1 {
		t.Fatalf("corrected turn mismatch: %+v", turns[1])
	}

	if err := s.Correct(ctx, run.ID, "c1", 42, phase.Cierre); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing turn, got %v", err)
	}
	if err := s.Correct(ctx, run.ID, "nope", 1, phase.Cierre); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing conversation, got %v", err)
	}
}

func TestStatsMacroMapAndMetrics(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	run, pks := seed(t, s, "c1")

	stats := stabilize.Stats{Total: 3, ShortClientKept: 1, Normal: 2}
	if err := s.ReplaceStabilizerStats(ctx, run.ID, stats); err != nil {
		t.Fatalf("replace stats: %v", err)
	}
	if err := s.ReplaceStabilizerStats(ctx, run.ID, stats); err != nil {
		t.Fatalf("replace stats twice: %v", err)
	}
	got, err := s.LoadStabilizerStats(ctx, run.ID)
	if err != nil {
		t.Fatalf("load stats: %v", err)
	}
	if got != stats {
		t.Fatalf("stats got %+v want %+v", got, stats)
	}

	m := phase.MacroMap{"PROMESA_PAGO": phase.FormalizacionPago, "SALUDO": phase.Apertura}
	if err := s.ReplaceMacroMap(ctx, m); err != nil {
		t.Fatalf("replace macro map: %v", err)
	}
	loaded, err := s.LoadMacroMap(ctx)
	if err != nil {
		t.Fatalf("load macro map: %v", err)
	}
	if len(loaded) != 2 || loaded["SALUDO"] != phase.Apertura {
		t.Fatalf("macro map mismatch: %v", loaded)
	}

	metrics := compute.Metrics{TurnCountTotal: 3, TurnsBySource: map[string]int{"RULES": 2}}
	if err := s.WriteMetrics(ctx, pks[0], metrics); err != nil {
		t.Fatalf("write metrics: %v", err)
	}
	all, err := s.LoadMetrics(ctx, run.ID)
	if err != nil {
		t.Fatalf("load metrics: %v", err)
	}
	if len(all) != 1 || all[0].TurnCountTotal != 3 || all[0].TurnsBySource["RULES"] != 2 {
		t.Fatalf("metrics mismatch: %+v", all)
	}
}

func TestLLMEventsAndPhaseCounts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	run, pks := seed(t, s, "c1")

	events := []LLMEvent{
		{ConversationPK: pks[0], Ordinal: 2, Attempt: 1, Model: "m", ResponseHTTPStatus: 200, ParseOK: false},
		{ConversationPK: pks[0], Ordinal: 2, Attempt: 2, Model: "m", ResponseHTTPStatus: 200, ParseOK: true, ValidationOK: false},
		{ConversationPK: pks[0], Ordinal: 2, Attempt: 3, Model: "m", ResponseHTTPStatus: 0, ErrorMessage: "timeout"},
		{ConversationPK: pks[0], Ordinal: 2, Attempt: 4, Model: "m", ResponseHTTPStatus: 200, ParseOK: true, ValidationOK: true},
	}
	for _, e := range events {
		if err := s.InsertLLMEvent(ctx, e); err != nil {
			t.Fatalf("insert event: %v", err)
		}
	}
	counts, err := s.LLMEventCounts(ctx, run.ID)
	if err != nil {
		t.Fatalf("event counts: %v", err)
	}
	want := EventCounts{Attempts: 4, ParseFailures: 1, InvalidAnswers: 1, TransportErrors: 1}
	if counts != want {
		t.Fatalf("event counts got %+v want %+v", counts, want)
	}

	pcs, err := s.PhaseCounts(ctx, run.ID)
	if err != nil {
		t.Fatalf("phase counts: %v", err)
	}
	total := 0
	for _, pc := range pcs {
		total += pc.Count
	}
	if total != 3 || len(pcs) != 2 {
		t.Fatalf("phase counts mismatch: %+v", pcs)
	}
}

func TestImportJSONL(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestStore(t)
	run, err := s.CreateRun(ctx, "jsonl")
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	path := filepath.Join(t.TempDir(), "turns.jsonl")
	content := `{"conversation_id":"j1","speaker":"agente","text":"hola"}` + "\n" +
		`{"conversation_id":"j1","speaker":"cliente","text":"aló"}` + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write jsonl: %v", err)
	}
	n, err := s.ImportJSONL(ctx, run.ID, path)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if n != 2 {
		t.Fatalf("imported turns got %d want 2", n)
	}
}

func TestNilStore(t *testing.T) {
	t.Parallel()

	var s *Store
	if _, err := s.CreateRun(context.Background(), "x"); err == nil {
		t.Fatalf("expected error from nil store")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close nil store: %v", err)
	}
}
