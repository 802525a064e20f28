package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tetraminz/collection_phases/internal/phase"
	"github.com/tetraminz/collection_phases/internal/pipeline"
	"github.com/tetraminz/collection_phases/internal/report"
	"github.com/tetraminz/collection_phases/internal/store"
)

func runSetupCmd(_ context.Context, args []string, stdout, stderr io.Writer) error {
	fs, common := newFlagSet("setup", stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := common.load()
	if err != nil {
		return err
	}
	if err := store.Setup(cfg.DBPath); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "db=%s ready\n", cfg.DBPath)
	return nil
}

func runIngestCmd(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs, common := newFlagSet("ingest", stderr)
	input := fs.String("input", "", "CSV file or directory of conversation CSV files")
	filterPrefix := fs.String("filter_prefix", "", "Optional filename prefix filter")
	limit := fs.Int("limit", 0, "Optional max conversations (0 = all)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireFlag("input", *input); err != nil {
		return err
	}
	if *limit < 0 {
		return fmt.Errorf("--limit must be >= 0")
	}

	return withRunner(ctx, common, stderr, func(r *pipeline.Runner, _ *env) error {
		run, turns, err := r.Ingest(ctx, *input, *filterPrefix, *limit)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "run_id=%s conversations=%d turns=%d\n", run.ID, run.Conversations, turns)
		return nil
	})
}

func runImportJSONLCmd(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs, common := newFlagSet("import-jsonl", stderr)
	in := fs.String("in", "", "Path to JSONL file, one turn per line")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireFlag("in", *in); err != nil {
		return err
	}

	return withRunner(ctx, common, stderr, func(r *pipeline.Runner, _ *env) error {
		run, turns, err := r.ImportJSONL(ctx, *in)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "run_id=%s conversations=%d turns=%d\n", run.ID, run.Conversations, turns)
		return nil
	})
}

func runDetectCmd(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	return runStage(ctx, "detect", args, stdout, stderr, func(r *pipeline.Runner, runID string) (string, error) {
		sum, err := r.Detect(ctx, runID)
		if err != nil {
			return "", err
		}
		return formatDetect(sum), nil
	})
}

func runStabilizeCmd(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	return runStage(ctx, "stabilize", args, stdout, stderr, func(r *pipeline.Runner, runID string) (string, error) {
		sum, err := r.Stabilize(ctx, runID)
		if err != nil {
			return "", err
		}
		return formatStabilize(sum), nil
	})
}

func runSequencesCmd(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	return runStage(ctx, "sequences", args, stdout, stderr, func(r *pipeline.Runner, runID string) (string, error) {
		sum, err := r.Sequences(ctx, runID)
		if err != nil {
			return "", err
		}
		return formatSequences(sum), nil
	})
}

func runAllCmd(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	return runStage(ctx, "run", args, stdout, stderr, func(r *pipeline.Runner, runID string) (string, error) {
		sum, err := r.Run(ctx, runID)
		if err != nil {
			return "", err
		}
		return formatDetect(sum.Detect) + formatStabilize(sum.Stabilize) + formatSequences(sum.Sequences), nil
	})
}

func runStage(
	ctx context.Context,
	name string,
	args []string,
	stdout, stderr io.Writer,
	stage func(r *pipeline.Runner, runID string) (string, error),
) error {
	fs, common := newFlagSet(name, stderr)
	runID := fs.String("run", "", "Run id (default: latest run)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withRunner(ctx, common, stderr, func(r *pipeline.Runner, e *env) error {
		id, err := e.resolveRun(ctx, *runID)
		if err != nil {
			return err
		}
		out, err := stage(r, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "run_id=%s\n%s", id, out)
		return nil
	})
}

func runReportCmd(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs, common := newFlagSet("report", stderr)
	runID := fs.String("run", "", "Run id (default: latest run)")
	format := fs.String("format", "text", "Output format: text or markdown")
	outPath := fs.String("out", "", "Optional output file (default: stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	render, err := reportRenderer(*format)
	if err != nil {
		return err
	}

	e, err := openEnv(common, stderr)
	if err != nil {
		return err
	}
	defer e.close()

	id, err := e.resolveRun(ctx, *runID)
	if err != nil {
		return err
	}
	macros, err := e.macros(ctx)
	if err != nil {
		return err
	}
	r, err := report.Build(ctx, e.store, id, macros, phase.DefaultTolerance(macros))
	if err != nil {
		return err
	}
	return writeOutput(*outPath, stdout, func(w io.Writer) error {
		_, err := io.WriteString(w, render(r))
		return err
	})
}

func reportRenderer(format string) (func(report.Report) string, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return report.FormatText, nil
	case "markdown", "md":
		return report.FormatMarkdown, nil
	}
	return nil, fmt.Errorf("unknown report format %q (want text or markdown)", format)
}

func runCorrectCmd(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs, common := newFlagSet("correct", stderr)
	runID := fs.String("run", "", "Run id (default: latest run)")
	conversationID := fs.String("conversation", "", "Conversation id")
	ordinal := fs.Int("turn", 0, "1-based turn ordinal")
	label := fs.String("phase", "", "Phase to record; fine labels are accepted")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireFlag("conversation", *conversationID); err != nil {
		return err
	}
	if *ordinal < 1 {
		return fmt.Errorf("--turn must be >= 1")
	}
	if err := requireFlag("phase", *label); err != nil {
		return err
	}

	return withRunner(ctx, common, stderr, func(r *pipeline.Runner, e *env) error {
		id, err := e.resolveRun(ctx, *runID)
		if err != nil {
			return err
		}
		p := phase.Parse(*label)
		if err := r.Correct(ctx, id, *conversationID, *ordinal, p); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "corrected run_id=%s conversation=%s turn=%d phase=%s\n", id, *conversationID, *ordinal, p)
		return nil
	})
}

func runPendingCmd(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs, common := newFlagSet("pending", stderr)
	runID := fs.String("run", "", "Run id (default: latest run)")
	maxConfidence := fs.Float64("max_confidence", -1, "Confidence below which a turn is pending (default: pending.max_confidence)")
	outPath := fs.String("out", "", "Optional CSV output file (default: stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withRunner(ctx, common, stderr, func(r *pipeline.Runner, e *env) error {
		id, err := e.resolveRun(ctx, *runID)
		if err != nil {
			return err
		}
		threshold := *maxConfidence
		if threshold < 0 {
			threshold = e.cfg.Pending.MaxConfidence
		}
		turns, err := r.Pending(ctx, id, threshold)
		if err != nil {
			return err
		}
		e.logger.Info("pending turns", "run_id", id, "max_confidence", threshold, "turns", len(turns))
		return writeOutput(*outPath, stdout, func(w io.Writer) error {
			return report.WritePendingCSV(w, turns)
		})
	})
}

func runMacroMapCmd(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs, common := newFlagSet("macro-map", stderr)
	file := fs.String("file", "", "YAML mapping of fine label to macro-phase to store (replaces the stored map)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	e, err := openEnv(common, stderr)
	if err != nil {
		return err
	}
	defer e.close()

	if path := strings.TrimSpace(*file); path != "" {
		loaded, err := phase.LoadMacroMap(path)
		if err != nil {
			return err
		}
		if err := e.store.ReplaceMacroMap(ctx, loaded); err != nil {
			return err
		}
		e.logger.Info("macro map stored", "file", path, "entries", len(loaded))
	}

	m, err := e.macros(ctx)
	if err != nil {
		return err
	}
	for _, fine := range m.Keys() {
		fmt.Fprintf(stdout, "%s=%s\n", fine, m[fine])
	}
	return nil
}

func withRunner(ctx context.Context, common *commonFlags, stderr io.Writer, fn func(r *pipeline.Runner, e *env) error) error {
	e, err := openEnv(common, stderr)
	if err != nil {
		return err
	}
	defer e.close()

	r, err := e.runner(ctx)
	if err != nil {
		return err
	}
	return fn(r, e)
}

// writeOutput writes to path when set, to stdout otherwise.
func writeOutput(path string, stdout io.Writer, write func(io.Writer) error) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return write(stdout)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output directory %q: %w", dir, err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %q: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func formatDetect(s pipeline.DetectSummary) string {
	return fmt.Sprintf("detect conversations=%d turns=%d written=%d skipped=%d unlabeled=%d classifier_calls=%d classifier_errors=%d\n",
		s.Conversations, s.Turns, s.Written, s.Skipped, s.Unlabeled, s.ClassifierCalls, s.ClassifierErrors)
}

func formatStabilize(s pipeline.StabilizeSummary) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("stabilize conversations=%d turns=%d", s.Conversations, s.Stats.Total))
	for _, hit := range s.Stats.SortedRuleHits() {
		b.WriteString(fmt.Sprintf(" %s=%d", hit.Stat, hit.Count))
	}
	b.WriteString("\n")
	return b.String()
}

func formatSequences(s pipeline.SequenceSummary) string {
	return fmt.Sprintf("sequences conversations=%d records=%d without_phases=%d meets_ideal=%d\n",
		s.Conversations, s.Records, s.WithoutPhases, s.MeetsIdeal)
}
