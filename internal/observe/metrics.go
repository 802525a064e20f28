// Package observe holds the OpenTelemetry instruments of the annotator.
//
// Instruments are created from an explicit [metric.MeterProvider]; tests pass
// a provider backed by a manual reader, the CLI passes the one built by
// [InitProvider] or the global no-op provider when metrics are disabled.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tetraminz/collection_phases/internal/phase"
)

const meterName = "github.com/tetraminz/collection_phases"

// Metrics holds the instruments. All fields are safe for concurrent use.
type Metrics struct {
	// TurnsLabeled counts stored assignments by phase and source.
	TurnsLabeled metric.Int64Counter

	// RuleHits counts stabilizer rule applications by rule.
	RuleHits metric.Int64Counter

	// SequenceRecords counts analyzer records by meets_ideal.
	SequenceRecords metric.Int64Counter

	// ClassifierCalls counts secondary classifier calls by status.
	ClassifierCalls metric.Int64Counter

	// StageDuration tracks the wall time of one pipeline stage over a run.
	StageDuration metric.Float64Histogram
}

var stageBuckets = []float64{
	0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300,
}

// NewMetrics creates the instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TurnsLabeled, err = m.Int64Counter("phases.turns.labeled",
		metric.WithDescription("Turn phase assignments written, by phase and source."),
	); err != nil {
		return nil, err
	}
	if met.RuleHits, err = m.Int64Counter("phases.stabilizer.rule_hits",
		metric.WithDescription("Stabilizer rule applications by rule."),
	); err != nil {
		return nil, err
	}
	if met.SequenceRecords, err = m.Int64Counter("phases.sequence.records",
		metric.WithDescription("Sequence records written, by whether the ideal sequence was met."),
	); err != nil {
		return nil, err
	}
	if met.ClassifierCalls, err = m.Int64Counter("phases.classifier.calls",
		metric.WithDescription("Secondary classifier calls by status."),
	); err != nil {
		return nil, err
	}
	if met.StageDuration, err = m.Float64Histogram("phases.stage.duration",
		metric.WithDescription("Duration of a pipeline stage over one run."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stageBuckets...),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// The Record methods accept a nil receiver so callers without metrics need
// no guards.

func (m *Metrics) RecordTurnLabeled(ctx context.Context, p phase.Phase, source phase.Source) {
	if m == nil {
		return
	}
	label := string(p)
	if label == "" {
		label = "none"
	}
	m.TurnsLabeled.Add(ctx, 1, metric.WithAttributes(
		attribute.String("phase", label),
		attribute.String("source", string(source)),
	))
}

func (m *Metrics) RecordRuleHits(ctx context.Context, rule string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RuleHits.Add(ctx, int64(n), metric.WithAttributes(attribute.String("rule", rule)))
}

func (m *Metrics) RecordSequence(ctx context.Context, meetsIdeal bool) {
	if m == nil {
		return
	}
	m.SequenceRecords.Add(ctx, 1, metric.WithAttributes(attribute.Bool("meets_ideal", meetsIdeal)))
}

// RecordClassifierCall uses status "ok", "noise" or "error".
func (m *Metrics) RecordClassifierCall(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.ClassifierCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// ObserveStage records the time elapsed since start for stage.
func (m *Metrics) ObserveStage(ctx context.Context, stage string, start time.Time) {
	if m == nil {
		return
	}
	m.StageDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
}
