// Package stabilize rewrites a conversation's raw per-turn phases into a
// coherent, mostly monotonic macro-phase sequence.
//
// The rewrite is a left-to-right fold: each turn sees the stabilized phase of
// the turn before it. Rules are evaluated in a fixed order; the first
// terminal rule that applies decides the turn, the modifying rules F to J
// rewrite the candidate and compose.
package stabilize

import (
	"sort"
	"strings"

	"github.com/tetraminz/collection_phases/internal/phase"
)

// Turn is the stabilizer's view of one turn.
type Turn struct {
	Ordinal int // 1-based
	Speaker string
	Text    string
	Phase   phase.Phase // raw phase, fine or macro
}

// Output is the stabilized phase of one turn and the rules that produced it.
// Phase is None when the raw phase was blank.
type Output struct {
	Ordinal int
	Phase   phase.Phase
	Rules   []RuleID
}

// Result holds one Output per input turn, in input order.
type Result struct {
	Turns []Output
	Stats Stats
}

// Phases returns the stabilized phases in turn order.
func (r Result) Phases() []phase.Phase {
	out := make([]phase.Phase, len(r.Turns))
	for i, t := range r.Turns {
		out[i] = t.Phase
	}
	return out
}

// Config parameterizes the stabilizer.
type Config struct {
	Macros phase.MacroMap
	// EarlyWindow is the last ordinal where identity evidence forces
	// IDENTIFICACION.
	EarlyWindow int
	// ShortReplyMaxRunes bounds a customer acknowledgement by length.
	ShortReplyMaxRunes int
	// ShortReplies are acknowledgements recognized regardless of length.
	ShortReplies []string
	CustomerRole string
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		Macros:             phase.DefaultMacroMap(),
		EarlyWindow:        6,
		ShortReplyMaxRunes: 6,
		ShortReplies:       []string{"si", "sí", "no", "ok", "vale", "ya", "ajá", "aja", "mmm", "ehh", "..."},
		CustomerRole:       "CLIENTE",
	}
}

// Stabilizer is immutable after New and safe for concurrent use.
type Stabilizer struct {
	cfg          Config
	shortReplies map[string]struct{}
	chain        []Rule
}

// New builds a Stabilizer. Zero fields of cfg take their default values.
func New(cfg Config) *Stabilizer {
	def := DefaultConfig()
	if cfg.Macros == nil {
		cfg.Macros = def.Macros
	}
	if cfg.EarlyWindow <= 0 {
		cfg.EarlyWindow = def.EarlyWindow
	}
	if cfg.ShortReplyMaxRunes <= 0 {
		cfg.ShortReplyMaxRunes = def.ShortReplyMaxRunes
	}
	if cfg.ShortReplies == nil {
		cfg.ShortReplies = def.ShortReplies
	}
	if strings.TrimSpace(cfg.CustomerRole) == "" {
		cfg.CustomerRole = def.CustomerRole
	}

	s := &Stabilizer{cfg: cfg, shortReplies: make(map[string]struct{}, len(cfg.ShortReplies))}
	for _, reply := range cfg.ShortReplies {
		s.shortReplies[strings.ToLower(strings.TrimSpace(reply))] = struct{}{}
	}
	s.chain = s.rules()
	return s
}

// Rules returns the chain in evaluation order.
func (s *Stabilizer) Rules() []Rule {
	out := make([]Rule, len(s.chain))
	copy(out, s.chain)
	return out
}

// Run stabilizes turns, which must be in ordinal order.
func (s *Stabilizer) Run(turns []Turn) Result {
	res := Result{Turns: make([]Output, 0, len(turns))}
	res.Stats.Total = len(turns)

	st := state{}
	for _, t := range turns {
		out, next := s.step(st, t, &res.Stats)
		res.Turns = append(res.Turns, out)
		st = next
	}
	return res
}

func (s *Stabilizer) step(st state, t Turn, stats *Stats) (Output, state) {
	out := Output{Ordinal: t.Ordinal}
	cand := s.cfg.Macros.Macro(t.Phase)

	for _, r := range s.chain {
		got, ok := r.apply(st, t, cand)
		if !ok {
			continue
		}
		stats.inc(r.Stat)
		out.Rules = append(out.Rules, r.ID)
		if r.Terminal {
			out.Phase = got
			if !r.KeepsPrev {
				st.prev = got
			}
			return out, st
		}
		cand = got
	}

	stats.inc(StatNormal)
	out.Phase = cand
	st.prev = cand
	return out, st
}

// Stat keys, as stored and reported.
const (
	StatTotal                = "total"
	StatNullKept             = "null_kept"
	StatShortClientKept      = "short_client_kept"
	StatIdentificacionForced = "identificacion_forced"
	StatInfoDeudaForced      = "info_deuda_forced"
	StatBacktrackPrevented   = "backtrack_prevented"
	StatAperturaBlocked      = "apertura_blocked"
	StatFormalizacionBlocked = "formalizacion_blocked"
	StatInfoDeudaBlocked     = "info_deuda_blocked"
	StatFormalizacionKept    = "formalizacion_kept"
	StatAdvertenciasKept     = "advertencias_kept"
	StatNormal               = "normal"
)

// Stats counts rule applications. Modifying rules can fire together on one
// turn, so the counters do not partition Total.
type Stats struct {
	Total                int
	NullKept             int
	ShortClientKept      int
	IdentificacionForced int
	InfoDeudaForced      int
	BacktrackPrevented   int
	AperturaBlocked      int
	FormalizacionBlocked int
	InfoDeudaBlocked     int
	FormalizacionKept    int
	AdvertenciasKept     int
	Normal               int
}

func (s *Stats) counter(key string) *int {
	switch key {
	case StatTotal:
		return &s.Total
	case StatNullKept:
		return &s.NullKept
	case StatShortClientKept:
		return &s.ShortClientKept
	case StatIdentificacionForced:
		return &s.IdentificacionForced
	case StatInfoDeudaForced:
		return &s.InfoDeudaForced
	case StatBacktrackPrevented:
		return &s.BacktrackPrevented
	case StatAperturaBlocked:
		return &s.AperturaBlocked
	case StatFormalizacionBlocked:
		return &s.FormalizacionBlocked
	case StatInfoDeudaBlocked:
		return &s.InfoDeudaBlocked
	case StatFormalizacionKept:
		return &s.FormalizacionKept
	case StatAdvertenciasKept:
		return &s.AdvertenciasKept
	case StatNormal:
		return &s.Normal
	}
	return nil
}

func (s *Stats) inc(key string) {
	if c := s.counter(key); c != nil {
		*c++
	}
}

// Add accumulates other into s.
func (s *Stats) Add(other Stats) {
	for key, v := range other.Map() {
		if c := s.counter(key); c != nil {
			*c += v
		}
	}
}

// Map returns the counters keyed by stat name.
func (s Stats) Map() map[string]int {
	return map[string]int{
		StatTotal:                s.Total,
		StatNullKept:             s.NullKept,
		StatShortClientKept:      s.ShortClientKept,
		StatIdentificacionForced: s.IdentificacionForced,
		StatInfoDeudaForced:      s.InfoDeudaForced,
		StatBacktrackPrevented:   s.BacktrackPrevented,
		StatAperturaBlocked:      s.AperturaBlocked,
		StatFormalizacionBlocked: s.FormalizacionBlocked,
		StatInfoDeudaBlocked:     s.InfoDeudaBlocked,
		StatFormalizacionKept:    s.FormalizacionKept,
		StatAdvertenciasKept:     s.AdvertenciasKept,
		StatNormal:               s.Normal,
	}
}

// FromMap rebuilds Stats from stored counters; unknown keys are ignored.
func FromMap(m map[string]int) Stats {
	var s Stats
	for key, v := range m {
		if c := s.counter(key); c != nil {
			*c = v
		}
	}
	return s
}

// StatKeys lists the counter names in report order.
func StatKeys() []string {
	return []string{
		StatTotal, StatNullKept, StatShortClientKept, StatIdentificacionForced,
		StatInfoDeudaForced, StatBacktrackPrevented, StatAperturaBlocked,
		StatFormalizacionBlocked, StatInfoDeudaBlocked, StatFormalizacionKept,
		StatAdvertenciasKept, StatNormal,
	}
}

// SortedRuleHits flattens per-rule hit counts for logging, highest first.
func (s Stats) SortedRuleHits() []RuleHit {
	hits := make([]RuleHit, 0, 12)
	for key, v := range s.Map() {
		if key == StatTotal || v == 0 {
			continue
		}
		hits = append(hits, RuleHit{Stat: key, Count: v})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Count != hits[j].Count {
			return hits[i].Count > hits[j].Count
		}
		return hits[i].Stat < hits[j].Stat
	})
	return hits
}

type RuleHit struct {
	Stat  string
	Count int
}
