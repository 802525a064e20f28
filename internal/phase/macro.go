package phase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// MacroMap maps fine-grained labels onto macro-phases. Labels without an
// entry are treated as already being macro-phases.
type MacroMap map[Phase]Phase

// DefaultMacroMap returns the identity entries for the eight macro-phases
// plus the known fine-grained labels.
func DefaultMacroMap() MacroMap {
	m := make(MacroMap, len(Sequence)+4)
	for _, p := range Sequence {
		m[p] = p
	}
	m["OFERTA_PAGO"] = Negociacion
	m["OBJECIONES_CLIENTE"] = Negociacion
	m["PRESENTACION_AGENTE"] = Apertura
	m["VALIDACION_IDENTIDAD"] = Identificacion
	return m
}

// Macro resolves label to its macro-phase. Blank labels resolve to None.
func (m MacroMap) Macro(label Phase) Phase {
	key := Parse(string(label))
	if key == None {
		return None
	}
	if mapped, ok := m[key]; ok {
		return Parse(string(mapped))
	}
	return key
}

// Merge returns a copy of m with the entries of other applied on top.
func (m MacroMap) Merge(other MacroMap) MacroMap {
	out := make(MacroMap, len(m)+len(other))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range other {
		key := Parse(string(k))
		if key == None {
			continue
		}
		out[key] = Parse(string(v))
	}
	return out
}

// Keys returns the fine labels in sorted order.
func (m MacroMap) Keys() []Phase {
	keys := make([]Phase, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// LoadMacroMap reads a YAML mapping of fine label to macro label from path.
func LoadMacroMap(path string) (MacroMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open macro map %q: %w", path, err)
	}
	defer f.Close()
	return ReadMacroMap(f)
}

// ReadMacroMap decodes a YAML mapping such as
//
//	OFERTA_PAGO: NEGOCIACION
//	OBJECIONES_CLIENTE: NEGOCIACION
//
// Every value must be one of the macro-phases.
func ReadMacroMap(r io.Reader) (MacroMap, error) {
	raw := map[string]string{}
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return MacroMap{}, nil
		}
		return nil, fmt.Errorf("decode macro map: %w", err)
	}

	out := make(MacroMap, len(raw))
	var bad []string
	for fine, macro := range raw {
		key := Parse(fine)
		value := Parse(macro)
		if key == None {
			continue
		}
		if !value.Known() {
			bad = append(bad, fmt.Sprintf("%s->%s", key, value))
			continue
		}
		out[key] = value
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return nil, fmt.Errorf("macro map targets outside the taxonomy: %s", strings.Join(bad, ", "))
	}
	return out, nil
}
