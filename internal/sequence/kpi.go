package sequence

import (
	"sort"

	"github.com/tetraminz/collection_phases/internal/phase"
)

// KPIs aggregates records of one batch.
type KPIs struct {
	Total                   int
	WithoutPhases           int
	ValidStartPercent       float64
	MeetsIdealPercent       float64
	CutBeforeNegotiationPct float64
	AvgViolations           float64
	StartPhases             map[phase.Phase]int
	EndPhases               map[phase.Phase]int
	TopSequences            []SequenceCount
}

type SequenceCount struct {
	Sequence string
	Count    int
}

// Summarize computes batch KPIs. withoutPhases is the number of conversations
// for which Analyze returned no record; they are not part of the percentages.
// topN bounds TopSequences (0 means no limit).
func Summarize(records []Record, withoutPhases, topN int) KPIs {
	k := KPIs{
		Total:         len(records),
		WithoutPhases: withoutPhases,
		StartPhases:   map[phase.Phase]int{},
		EndPhases:     map[phase.Phase]int{},
	}
	if len(records) == 0 {
		return k
	}

	var valid, ideal, cut, violations int
	sequences := map[string]int{}
	for _, r := range records {
		if r.ValidStart {
			valid++
		}
		if r.MeetsIdeal {
			ideal++
		}
		if r.CutBeforeNegotiation {
			cut++
		}
		violations += r.Violations
		k.StartPhases[r.Start]++
		k.EndPhases[r.End]++
		sequences[r.SequenceString()]++
	}

	n := float64(len(records))
	k.ValidStartPercent = percent(valid, n)
	k.MeetsIdealPercent = percent(ideal, n)
	k.CutBeforeNegotiationPct = percent(cut, n)
	k.AvgViolations = float64(violations) / n

	for seq, count := range sequences {
		k.TopSequences = append(k.TopSequences, SequenceCount{Sequence: seq, Count: count})
	}
	sort.Slice(k.TopSequences, func(i, j int) bool {
		if k.TopSequences[i].Count != k.TopSequences[j].Count {
			return k.TopSequences[i].Count > k.TopSequences[j].Count
		}
		return k.TopSequences[i].Sequence < k.TopSequences[j].Sequence
	})
	if topN > 0 && len(k.TopSequences) > topN {
		k.TopSequences = k.TopSequences[:topN]
	}
	return k
}

func percent(part int, total float64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(part) * 100 / total
}
