package main

/*
phase_annotator labels the turns of debt-collection calls with their
conversational phase and summarizes the phase sequence of every call.

Usage:
  go run ./cmd/phase_annotator setup --db out/phases.db
  go run ./cmd/phase_annotator ingest --db out/phases.db --input data/calls
  go run ./cmd/phase_annotator run --db out/phases.db
  go run ./cmd/phase_annotator report --db out/phases.db --format markdown

Every command accepts --config (YAML file) and --db (overrides db_path).
Stage commands default to the latest run when --run is omitted. The
classifier is used only when llm.enabled is set and the key is present in
the variable named by llm.api_key_env.
*/

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type command struct {
	name    string
	usage   string
	execute func(ctx context.Context, args []string, stdout, stderr io.Writer) error
}

var commands = []command{
	{"setup", "setup --db out/phases.db", runSetupCmd},
	{"ingest", "ingest --input data/calls [--filter_prefix p] [--limit n]", runIngestCmd},
	{"import-jsonl", "import-jsonl --in turns.jsonl", runImportJSONLCmd},
	{"detect", "detect [--run id]", runDetectCmd},
	{"stabilize", "stabilize [--run id]", runStabilizeCmd},
	{"sequences", "sequences [--run id]", runSequencesCmd},
	{"run", "run [--run id]", runAllCmd},
	{"report", "report [--run id] [--format text|markdown] [--out path]", runReportCmd},
	{"correct", "correct --conversation id --turn n --phase PHASE [--run id]", runCorrectCmd},
	{"pending", "pending [--run id] [--max_confidence f] [--out path]", runPendingCmd},
	{"macro-map", "macro-map [--file map.yaml]", runMacroMapCmd},
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) < 1 {
		printUsage(stdout)
		return nil
	}

	name, rest := args[0], args[1:]
	switch name {
	case "-h", "--help", "help":
		printUsage(stdout)
		return nil
	}
	for _, cmd := range commands {
		if cmd.name == name {
			err := cmd.execute(ctx, rest, stdout, stderr)
			if errors.Is(err, flag.ErrHelp) {
				return nil
			}
			return err
		}
	}
	printUsage(stderr)
	return fmt.Errorf("unknown command: %s", name)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage:")
	for _, cmd := range commands {
		fmt.Fprintf(w, "  phase_annotator %s\n", cmd.usage)
	}
	fmt.Fprintln(w, "Common flags: --config path.yaml --db path.db")
}

// requireFlag reports a missing string flag the way flag errors report.
func requireFlag(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("--%s is required", name)
	}
	return nil
}
