package compute

import (
	"strings"

	"github.com/tetraminz/collection_phases/internal/dataset"
	"github.com/tetraminz/collection_phases/internal/textnorm"
)

// Metrics are deterministic values computed directly from turns.
type Metrics struct {
	TurnCountTotal        int            `json:"turn_count_total"`
	TurnCountAgent        int            `json:"turn_count_agent"`
	TurnCountCustomer     int            `json:"turn_count_customer"`
	QuestionMarksAgent    int            `json:"question_marks_agent"`
	QuestionMarksCustomer int            `json:"question_marks_customer"`
	LabeledTurns          int            `json:"labeled_turns"`
	UnlabeledTurns        int            `json:"unlabeled_turns"`
	TurnsBySource         map[string]int `json:"turns_by_source"`
	MeanConfidence        float64        `json:"mean_confidence"`
	MentionsDebt          bool           `json:"mentions_debt"`
	MentionsLegal         bool           `json:"mentions_legal"`
	MentionsPayment       bool           `json:"mentions_payment"`
}

// ComputeMetrics derives deterministic metrics from a conversation. Turns
// without a phase count as unlabeled whatever their source says.
func ComputeMetrics(turns []dataset.Turn) Metrics {
	metrics := Metrics{TurnsBySource: map[string]int{}}
	metrics.TurnCountTotal = len(turns)

	var confidenceSum float64
	normalizedLines := make([]string, 0, len(turns))
	for _, turn := range turns {
		questionMarks := strings.Count(turn.Text, "?")

		switch turn.Speaker {
		case dataset.SpeakerAgent:
			metrics.TurnCountAgent++
			metrics.QuestionMarksAgent += questionMarks
		case dataset.SpeakerCustomer:
			metrics.TurnCountCustomer++
			metrics.QuestionMarksCustomer += questionMarks
		}

		if strings.TrimSpace(turn.Phase) == "" {
			metrics.UnlabeledTurns++
		} else {
			metrics.LabeledTurns++
			confidenceSum += turn.Confidence
			source := strings.ToUpper(strings.TrimSpace(turn.Source))
			if source == "" {
				source = "UNKNOWN"
			}
			metrics.TurnsBySource[source]++
		}

		normalizedLines = append(normalizedLines, textnorm.Normalize(turn.Text))
	}
	if metrics.LabeledTurns > 0 {
		metrics.MeanConfidence = confidenceSum / float64(metrics.LabeledTurns)
	}

	allText := " " + strings.Join(normalizedLines, " ") + " "
	metrics.MentionsDebt = containsAny(allText, "deuda", "saldo", "mora", "vencid", "monto", "importe")
	metrics.MentionsLegal = containsAny(allText, "infocorp", "central de riesgo", "prejudicial", "pre legal", "judicial", "embargo", "reporte")
	metrics.MentionsPayment = containsAny(allText, "pagar", "pago", "cuota", "deposit", "transferencia", "yape", "plin", "numero de cuenta")

	return metrics
}

func containsAny(text string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(text, needle) {
			return true
		}
	}
	return false
}
