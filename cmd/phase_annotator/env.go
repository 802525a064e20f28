package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/tetraminz/collection_phases/internal/config"
	"github.com/tetraminz/collection_phases/internal/guardrail"
	"github.com/tetraminz/collection_phases/internal/observe"
	"github.com/tetraminz/collection_phases/internal/openai"
	"github.com/tetraminz/collection_phases/internal/phase"
	"github.com/tetraminz/collection_phases/internal/pipeline"
	"github.com/tetraminz/collection_phases/internal/sequence"
	"github.com/tetraminz/collection_phases/internal/stabilize"
	"github.com/tetraminz/collection_phases/internal/store"
)

const shutdownTimeout = 5 * time.Second

// commonFlags are registered on every subcommand.
type commonFlags struct {
	configPath string
	dbPath     string
}

func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, *commonFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	common := &commonFlags{}
	fs.StringVar(&common.configPath, "config", "", "Path to YAML config (defaults apply when empty)")
	fs.StringVar(&common.dbPath, "db", "", "Path to SQLite DB file (overrides db_path)")
	return fs, common
}

func (c *commonFlags) load() (*config.Config, error) {
	cfg := config.Default()
	if path := strings.TrimSpace(c.configPath); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if db := strings.TrimSpace(c.dbPath); db != "" {
		cfg.DBPath = db
	}
	return cfg, nil
}

// env is what a command needs once its flags are parsed.
type env struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *store.Store
	metrics *observe.Metrics
	closers []func(context.Context) error
}

func openEnv(common *commonFlags, stderr io.Writer) (*env, error) {
	cfg, err := common.load()
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.LogLevel.SlogLevel()}))

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, logger: logger, store: st}
	e.closers = append(e.closers, func(context.Context) error { return st.Close() })

	if addr := strings.TrimSpace(cfg.Metrics.ListenAddr); addr != "" {
		if err := e.serveMetrics(addr); err != nil {
			e.close()
			return nil, err
		}
	}
	return e, nil
}

func (e *env) serveMetrics(addr string) error {
	mp, shutdown, err := observe.InitProvider()
	if err != nil {
		return err
	}
	e.closers = append(e.closers, shutdown)
	if e.metrics, err = observe.NewMetrics(mp); err != nil {
		return err
	}
	srv, err := observe.Listen(addr)
	if err != nil {
		return err
	}
	e.closers = append(e.closers, srv.Shutdown)
	e.logger.Info("serving metrics", "addr", srv.Addr())
	return nil
}

// close releases resources in reverse order of acquisition.
func (e *env) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i](ctx))
	}
	if err := errors.Join(errs...); err != nil {
		e.logger.Warn("shutdown", "err", err)
	}
}

// macros is the configured dictionary with the stored one applied on top.
func (e *env) macros(ctx context.Context) (phase.MacroMap, error) {
	m, err := e.cfg.Macros()
	if err != nil {
		return nil, err
	}
	stored, err := e.store.LoadMacroMap(ctx)
	if err != nil {
		return nil, err
	}
	return m.Merge(stored), nil
}

func (e *env) runner(ctx context.Context) (*pipeline.Runner, error) {
	macros, err := e.macros(ctx)
	if err != nil {
		return nil, err
	}
	sc, err := e.cfg.NewScorer()
	if err != nil {
		return nil, err
	}

	det := &pipeline.Detector{
		Scorer:        sc,
		Corrector:     guardrail.New(),
		MinConfidence: e.cfg.Detect.MinConfidence,
		Guardrails:    e.cfg.Detect.Guardrails,
		Macros:        macros,
		Metrics:       e.metrics,
	}
	if e.cfg.LLM.Enabled {
		client, err := openai.New(openai.Config{
			APIKey:      e.cfg.APIKey(),
			Model:       e.cfg.LLM.Model,
			BaseURL:     e.cfg.LLM.BaseURL,
			MaxAttempts: e.cfg.LLM.MaxAttempts,
			Timeout:     e.cfg.LLM.Timeout,
		}, pipeline.StoreEventSink{Store: e.store})
		if err != nil {
			return nil, fmt.Errorf("classifier (key from $%s): %w", e.cfg.LLM.APIKeyEnv, err)
		}
		det.Classifier = client
		e.logger.Debug("classifier enabled", "model", client.Model())
	}

	return &pipeline.Runner{
		Store:      e.store,
		Detector:   det,
		Stabilizer: stabilize.New(e.cfg.StabilizerSettings(macros)),
		Analyzer:   sequence.NewAnalyzer(phase.DefaultGrammar(), macros),
		Workers:    e.cfg.Workers,
		Logger:     e.logger,
		Metrics:    e.metrics,
	}, nil
}

// resolveRun returns runID, or the latest run when it is empty.
func (e *env) resolveRun(ctx context.Context, runID string) (string, error) {
	if id := strings.TrimSpace(runID); id != "" {
		return id, nil
	}
	run, err := e.store.LatestRun(ctx)
	if err != nil {
		return "", err
	}
	return run.ID, nil
}
