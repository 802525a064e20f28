package compute

import (
	"math"
	"testing"

	"github.com/tetraminz/collection_phases/internal/dataset"
)

func TestComputeMetrics(t *testing.T) {
	t.Parallel()

	turns := []dataset.Turn{
		{Ordinal: 1, Speaker: dataset.SpeakerAgent, Text: "Buenos días, ¿hablo con el titular?", Phase: "APERTURA", Confidence: 0.8, Source: "RULES"},
		{Ordinal: 2, Speaker: dataset.SpeakerCustomer, Text: "Sí, ¿quién habla?", Phase: "IDENTIFICACION", Confidence: 0.6, Source: "deepseek"},
		{Ordinal: 3, Speaker: dataset.SpeakerAgent, Text: "Tiene un saldo vencido; si no paga, lo reportamos a Infocorp.", Phase: "INFORMACION_DEUDA", Confidence: 1, Source: "RULES"},
		{Ordinal: 4, Speaker: dataset.SpeakerCustomer, Text: "Mmm"},
	}

	got := ComputeMetrics(turns)

	if got.TurnCountTotal != 4 {
		t.Fatalf("TurnCountTotal got %d want %d", got.TurnCountTotal, 4)
	}
	if got.TurnCountAgent != 2 {
		t.Fatalf("TurnCountAgent got %d want %d", got.TurnCountAgent, 2)
	}
	if got.TurnCountCustomer != 2 {
		t.Fatalf("TurnCountCustomer got %d want %d", got.TurnCountCustomer, 2)
	}
	if got.QuestionMarksAgent != 1 {
		t.Fatalf("QuestionMarksAgent got %d want %d", got.QuestionMarksAgent, 1)
	}
	if got.QuestionMarksCustomer != 1 {
		t.Fatalf("QuestionMarksCustomer got %d want %d", got.QuestionMarksCustomer, 1)
	}
	if got.LabeledTurns != 3 || got.UnlabeledTurns != 1 {
		t.Fatalf("labeled/unlabeled got %d/%d want 3/1", got.LabeledTurns, got.UnlabeledTurns)
	}
	if got.TurnsBySource["RULES"] != 2 || got.TurnsBySource["DEEPSEEK"] != 1 {
		t.Fatalf("TurnsBySource got %v", got.TurnsBySource)
	}
	if math.Abs(got.MeanConfidence-0.8) > 1e-9 {
		t.Fatalf("MeanConfidence got %v want %v", got.MeanConfidence, 0.8)
	}
	if !got.MentionsDebt {
		t.Fatalf("MentionsDebt got false want true")
	}
	if !got.MentionsLegal {
		t.Fatalf("MentionsLegal got false want true")
	}
	if got.MentionsPayment {
		t.Fatalf("MentionsPayment got true want false")
	}
}

func TestComputeMetricsEmpty(t *testing.T) {
	t.Parallel()

	got := ComputeMetrics(nil)
	if got.TurnCountTotal != 0 || got.MeanConfidence != 0 || len(got.TurnsBySource) != 0 {
		t.Fatalf("unexpected metrics for no turns: %+v", got)
	}
}
