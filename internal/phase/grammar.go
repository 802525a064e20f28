package phase

// Transition is a directed edge between two labels.
type Transition struct {
	From Phase
	To   Phase
}

// Grammar is a read-only set of allowed macro-phase transitions.
type Grammar struct {
	edges map[Transition]struct{}
}

// NewGrammar builds a grammar from the given edges.
func NewGrammar(edges ...Transition) Grammar {
	g := Grammar{edges: make(map[Transition]struct{}, len(edges))}
	for _, e := range edges {
		g.edges[Transition{From: Parse(string(e.From)), To: Parse(string(e.To))}] = struct{}{}
	}
	return g
}

// DefaultGrammar is the 14-edge script graph.
func DefaultGrammar() Grammar {
	return NewGrammar(
		Transition{Apertura, Identificacion},
		Transition{Identificacion, InformacionDeuda},
		Transition{InformacionDeuda, Negociacion},
		Transition{Negociacion, ConsultaAceptacion},
		Transition{ConsultaAceptacion, FormalizacionPago},
		Transition{Negociacion, FormalizacionPago},
		Transition{InformacionDeuda, Advertencias},
		Transition{Negociacion, Advertencias},
		Transition{FormalizacionPago, Advertencias},
		Transition{Advertencias, Cierre},
		Transition{FormalizacionPago, Cierre},
		Transition{InformacionDeuda, Cierre},
		Transition{Negociacion, Cierre},
		Transition{ConsultaAceptacion, Cierre},
	)
}

// Allowed reports whether from→to is an edge of the grammar.
func (g Grammar) Allowed(from, to Phase) bool {
	_, ok := g.edges[Transition{From: from, To: to}]
	return ok
}

func (g Grammar) Len() int {
	return len(g.edges)
}

// Tolerance is the whitelist of backward transitions that are not errors.
type Tolerance struct {
	pairs map[Transition]struct{}
}

// NewTolerance builds a whitelist from explicit pairs.
func NewTolerance(pairs ...Transition) Tolerance {
	t := Tolerance{pairs: make(map[Transition]struct{}, len(pairs))}
	for _, p := range pairs {
		t.pairs[Transition{From: Parse(string(p.From)), To: Parse(string(p.To))}] = struct{}{}
	}
	return t
}

// DefaultTolerance returns the fine-grained whitelist and its projection
// through macros.
func DefaultTolerance(macros MacroMap) Tolerance {
	fine := []Transition{
		{"OBJECIONES_CLIENTE", "OFERTA_PAGO"},
		{"VALIDACION_IDENTIDAD", "PRESENTACION_AGENTE"},
		{ConsultaAceptacion, "OFERTA_PAGO"},
		{ConsultaAceptacion, "OBJECIONES_CLIENTE"},
	}
	pairs := make([]Transition, 0, len(fine)*2)
	pairs = append(pairs, fine...)
	for _, p := range fine {
		from, to := macros.Macro(p.From), macros.Macro(p.To)
		if from != to {
			pairs = append(pairs, Transition{From: from, To: to})
		}
	}
	return NewTolerance(pairs...)
}

// IsBackwardTolerable reports whether prev→curr is whitelisted. Labels are
// compared trimmed and upper-cased.
func (t Tolerance) IsBackwardTolerable(prev, curr string) bool {
	_, ok := t.pairs[Transition{From: Parse(prev), To: Parse(curr)}]
	return ok
}
