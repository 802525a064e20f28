// Package phase defines the collection call script taxonomy shared by every
// stage: macro-phases and their order, provenance tags, the fine-to-macro
// dictionary, the allowed-transition grammar and the tolerated backward
// transitions.
package phase

import "strings"

// Phase is a script stage label. The zero value means "no phase".
type Phase string

const (
	None               Phase = ""
	Apertura           Phase = "APERTURA"
	Identificacion     Phase = "IDENTIFICACION"
	InformacionDeuda   Phase = "INFORMACION_DEUDA"
	Negociacion        Phase = "NEGOCIACION"
	ConsultaAceptacion Phase = "CONSULTA_ACEPTACION"
	FormalizacionPago  Phase = "FORMALIZACION_PAGO"
	Advertencias       Phase = "ADVERTENCIAS"
	Cierre             Phase = "CIERRE"
)

// Sequence is the canonical macro-phase order. Position in this slice is the
// phase index used for backward/forward comparisons.
var Sequence = []Phase{
	Apertura,
	Identificacion,
	InformacionDeuda,
	Negociacion,
	ConsultaAceptacion,
	FormalizacionPago,
	Advertencias,
	Cierre,
}

// Parse canonicalizes a raw label: trimmed and upper-cased. Blank input
// yields None. Labels outside the taxonomy are returned as-is so fine-grained
// labels survive until they are mapped.
func Parse(raw string) Phase {
	return Phase(strings.ToUpper(strings.TrimSpace(raw)))
}

// Index returns the 0-based position of p in Sequence, or -1 for None and
// labels outside the macro taxonomy.
func (p Phase) Index() int {
	for i, candidate := range Sequence {
		if candidate == p {
			return i
		}
	}
	return -1
}

// Order is the 1-based position used in reports (APERTURA=1 ... CIERRE=8),
// 0 when p is not a macro-phase.
func (p Phase) Order() int {
	return p.Index() + 1
}

// Known reports whether p is one of the eight macro-phases.
func (p Phase) Known() bool {
	return p.Index() >= 0
}

func (p Phase) IsNone() bool {
	return strings.TrimSpace(string(p)) == ""
}

func (p Phase) String() string {
	return string(p)
}

// Before reports whether p sits strictly earlier than other in the taxonomy.
// Unknown phases are never before or after anything.
func (p Phase) Before(other Phase) bool {
	pi, oi := p.Index(), other.Index()
	return pi >= 0 && oi >= 0 && pi < oi
}

// Distance returns other.Index() - p.Index() and false when either phase has
// no position.
func (p Phase) Distance(other Phase) (int, bool) {
	pi, oi := p.Index(), other.Index()
	if pi < 0 || oi < 0 {
		return 0, false
	}
	return oi - pi, true
}
