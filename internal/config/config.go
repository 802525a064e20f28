// Package config loads the annotator's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tetraminz/collection_phases/internal/phase"
	"github.com/tetraminz/collection_phases/internal/scorer"
	"github.com/tetraminz/collection_phases/internal/stabilize"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// LogLevel is one of debug, info, warn or error.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps the level to slog; unknown levels are info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Config is the root of the YAML file.
type Config struct {
	DBPath     string           `yaml:"db_path"`
	LogLevel   LogLevel         `yaml:"log_level"`
	Workers    int              `yaml:"workers"`
	Detect     DetectConfig     `yaml:"detect"`
	Scorer     ScorerConfig     `yaml:"scorer"`
	Stabilizer StabilizerConfig `yaml:"stabilizer"`
	MacroMap   MacroMapConfig   `yaml:"macro_map"`
	LLM        LLMConfig        `yaml:"llm"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Pending    PendingConfig    `yaml:"pending"`
}

type DetectConfig struct {
	// MinConfidence drops scorer results below it to no phase.
	MinConfidence float64 `yaml:"min_confidence"`
	Guardrails    bool    `yaml:"guardrails"`
}

type ScorerConfig struct {
	// RulesFile replaces the built-in pattern table when set.
	RulesFile     string `yaml:"rules_file"`
	scorer.Tuning `yaml:",inline"`
}

type StabilizerConfig struct {
	EarlyWindow        int      `yaml:"early_window"`
	ShortReplyMaxRunes int      `yaml:"short_reply_max_runes"`
	ShortReplies       []string `yaml:"short_replies"`
}

type MacroMapConfig struct {
	File    string            `yaml:"file"`
	Entries map[string]string `yaml:"entries"`
}

type LLMConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Model       string        `yaml:"model"`
	BaseURL     string        `yaml:"base_url"`
	APIKeyEnv   string        `yaml:"api_key_env"`
	MaxAttempts int           `yaml:"max_attempts"`
	Timeout     time.Duration `yaml:"timeout"`
}

type MetricsConfig struct {
	// ListenAddr serves /metrics when set, e.g. ":9464".
	ListenAddr string `yaml:"listen_addr"`
}

type PendingConfig struct {
	MaxConfidence float64 `yaml:"max_confidence"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	stab := stabilize.DefaultConfig()
	return &Config{
		DBPath:   "out/phases.db",
		LogLevel: LogInfo,
		Workers:  4,
		Detect: DetectConfig{
			MinConfidence: 0.3,
			Guardrails:    true,
		},
		Scorer: ScorerConfig{Tuning: scorer.DefaultTuning()},
		Stabilizer: StabilizerConfig{
			EarlyWindow:        stab.EarlyWindow,
			ShortReplyMaxRunes: stab.ShortReplyMaxRunes,
			ShortReplies:       stab.ShortReplies,
		},
		LLM: LLMConfig{
			Model:       "deepseek-chat",
			BaseURL:     "https://api.deepseek.com/v1",
			APIKeyEnv:   "DEEPSEEK_API_KEY",
			MaxAttempts: 2,
			Timeout:     60 * time.Second,
		},
		Pending: PendingConfig{MaxConfidence: 0.5},
	}
}

// Load reads the YAML file at path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r over the defaults. Unknown fields are
// rejected. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate returns every problem found, joined.
func Validate(cfg *Config) error {
	var errs []error

	if strings.TrimSpace(cfg.DBPath) == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be >= 1, got %d", cfg.Workers))
	}
	if cfg.Detect.MinConfidence < 0 || cfg.Detect.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("detect.min_confidence %.2f is out of range [0, 1]", cfg.Detect.MinConfidence))
	}
	if err := cfg.Scorer.Tuning.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("scorer: %w", err))
	}
	if cfg.Stabilizer.EarlyWindow < 0 {
		errs = append(errs, fmt.Errorf("stabilizer.early_window must be >= 0, got %d", cfg.Stabilizer.EarlyWindow))
	}
	for fine, macro := range cfg.MacroMap.Entries {
		if !phase.Parse(macro).Known() {
			errs = append(errs, fmt.Errorf("macro_map.entries[%s] %q is not a macro-phase", fine, macro))
		}
	}
	if cfg.LLM.Enabled {
		if strings.TrimSpace(cfg.LLM.Model) == "" {
			errs = append(errs, errors.New("llm.model is required when llm.enabled"))
		}
		if strings.TrimSpace(cfg.LLM.APIKeyEnv) == "" {
			errs = append(errs, errors.New("llm.api_key_env is required when llm.enabled"))
		}
	}
	if cfg.LLM.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("llm.max_attempts must be >= 1, got %d", cfg.LLM.MaxAttempts))
	}
	if cfg.LLM.Timeout < 0 {
		errs = append(errs, fmt.Errorf("llm.timeout must not be negative, got %s", cfg.LLM.Timeout))
	}
	if cfg.Pending.MaxConfidence < 0 || cfg.Pending.MaxConfidence > 1 {
		errs = append(errs, fmt.Errorf("pending.max_confidence %.2f is out of range [0, 1]", cfg.Pending.MaxConfidence))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// APIKey reads the classifier key from the configured environment variable.
func (c *Config) APIKey() string {
	if strings.TrimSpace(c.LLM.APIKeyEnv) == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(c.LLM.APIKeyEnv))
}

// Macros builds the dictionary: defaults, then the YAML file, then inline
// entries.
func (c *Config) Macros() (phase.MacroMap, error) {
	m := phase.DefaultMacroMap()
	if path := strings.TrimSpace(c.MacroMap.File); path != "" {
		fromFile, err := phase.LoadMacroMap(path)
		if err != nil {
			return nil, err
		}
		m = m.Merge(fromFile)
	}
	inline := make(phase.MacroMap, len(c.MacroMap.Entries))
	for fine, macro := range c.MacroMap.Entries {
		inline[phase.Parse(fine)] = phase.Parse(macro)
	}
	return m.Merge(inline), nil
}

// NewScorer builds the scorer from the rules file, if any, and the tuning.
func (c *Config) NewScorer() (*scorer.Scorer, error) {
	rules := scorer.DefaultRuleSet()
	if path := strings.TrimSpace(c.Scorer.RulesFile); path != "" {
		loaded, err := scorer.LoadRuleSet(path)
		if err != nil {
			return nil, err
		}
		rules = loaded
	}
	return scorer.New(rules, c.Scorer.Tuning)
}

// StabilizerSettings returns the stabilizer settings over macros.
func (c *Config) StabilizerSettings(macros phase.MacroMap) stabilize.Config {
	cfg := stabilize.DefaultConfig()
	cfg.Macros = macros
	if c.Stabilizer.EarlyWindow > 0 {
		cfg.EarlyWindow = c.Stabilizer.EarlyWindow
	}
	if c.Stabilizer.ShortReplyMaxRunes > 0 {
		cfg.ShortReplyMaxRunes = c.Stabilizer.ShortReplyMaxRunes
	}
	if c.Stabilizer.ShortReplies != nil {
		cfg.ShortReplies = c.Stabilizer.ShortReplies
	}
	return cfg
}
