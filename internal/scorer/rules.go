package scorer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/tetraminz/collection_phases/internal/phase"
)

// RuleSpec is the serialized form of one weighted pattern.
type RuleSpec struct {
	Phase   phase.Phase `yaml:"phase"`
	Pattern string      `yaml:"pattern"`
	Weight  int         `yaml:"weight"`
}

// PatternRule is a compiled RuleSpec. Patterns are matched against
// normalized text, case-insensitively.
type PatternRule struct {
	Phase   phase.Phase
	Pattern *regexp.Regexp
	Weight  int
}

// RuleSet is an immutable table of weighted patterns.
type RuleSet struct {
	rules []PatternRule
}

// NewRuleSet compiles specs. Every spec must target a macro-phase and carry a
// positive weight.
func NewRuleSet(specs []RuleSpec) (RuleSet, error) {
	rules := make([]PatternRule, 0, len(specs))
	var errs []error
	for i, spec := range specs {
		p := phase.Parse(string(spec.Phase))
		if !p.Known() {
			errs = append(errs, fmt.Errorf("rule %d: unknown phase %q", i, spec.Phase))
			continue
		}
		if spec.Weight <= 0 {
			errs = append(errs, fmt.Errorf("rule %d: weight must be > 0, got %d", i, spec.Weight))
			continue
		}
		re, err := regexp.Compile("(?i)" + spec.Pattern)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %d: compile pattern: %w", i, err))
			continue
		}
		rules = append(rules, PatternRule{Phase: p, Pattern: re, Weight: spec.Weight})
	}
	if err := errors.Join(errs...); err != nil {
		return RuleSet{}, err
	}
	return RuleSet{rules: rules}, nil
}

// Rules returns a copy of the compiled table.
func (rs RuleSet) Rules() []PatternRule {
	out := make([]PatternRule, len(rs.rules))
	copy(out, rs.rules)
	return out
}

func (rs RuleSet) Len() int {
	return len(rs.rules)
}

// LoadRuleSet reads a YAML list of rule specs from path.
func LoadRuleSet(path string) (RuleSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("open rules %q: %w", path, err)
	}
	defer f.Close()
	return ReadRuleSet(f)
}

// ReadRuleSet decodes a YAML sequence of phase, pattern and weight entries,
// e.g. {phase: CIERRE, pattern: 'hasta luego|chau', weight: 4}.
func ReadRuleSet(r io.Reader) (RuleSet, error) {
	var specs []RuleSpec
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&specs); err != nil {
		return RuleSet{}, fmt.Errorf("decode rules: %w", err)
	}
	if len(specs) == 0 {
		return RuleSet{}, errors.New("rules file contains no rules")
	}
	return NewRuleSet(specs)
}

// DefaultRuleSet returns the built-in table tuned on Peruvian collection calls.
func DefaultRuleSet() RuleSet {
	return defaultRuleSet
}

var defaultRuleSet = mustRuleSet(DefaultRuleSpecs())

func mustRuleSet(specs []RuleSpec) RuleSet {
	rs, err := NewRuleSet(specs)
	if err != nil {
		panic(fmt.Sprintf("scorer: invalid built-in rules: %v", err))
	}
	return rs
}

// DefaultRuleSpecs lists the built-in patterns. Currency amounts accept the
// "s/" prefix the normalizer keeps.
func DefaultRuleSpecs() []RuleSpec {
	return []RuleSpec{
		// APERTURA
		{phase.Apertura, `\b(al[oó]|hola|buenos dias|buenas tardes|buenas noches)\b`, 4},
		{phase.Apertura, `\balo\b|muy buenos dias|buen dia|buenas|estimado|senor|senorita|que tal|¿que tal\??|como esta|disculpe|disculpe la molestia|perm[ií]tame|un momentito|¿me escucha\??|le saluda la senorita|le saluda el senor|central de cobranzas|area de recuperos|gestion de cobranza|una consultita`, 2},
		{phase.Apertura, `le saluda|mi nombre es|habla|se comunica|me comunico|me comunico con|le llamo|lo contacto|llamo de|por encargo|cobranzas|area de cobran`, 4},
		{phase.Apertura, `\bdigame\b`, 2},

		// IDENTIFICACION
		{phase.Identificacion, `con quien tengo el gusto|hablo con|me confirma|me valida|verificar datos|es usted|titular|apoderado|se encuentra|puede atender|me regala su|me brinda su|me indica su|me confirma su nombre|titular de la linea|don|dona|¿me indica su dni\??|¿me brinda su documento\??|¿me confirma sus datos\??|¿usted es|¿se encuentra|verificacion de identidad|validacion de seguridad|¿me confirma su fecha de nacimiento\??|¿me confirma su direccion\??`, 4},
		{phase.Identificacion, `\bdni\b|documento de identidad|numero de documento|\bce\b|carnet de extranjeria|fecha de nacimiento|direccion|correo|ruc`, 5},
		{phase.Identificacion, `de parte de quien|quien habla|con quien hablo|de donde llama|de que empresa|de que entidad|de que area`, 4},

		// INFORMACION_DEUDA
		{phase.InformacionDeuda, `deuda|saldo|saldo pendiente|monto pendiente|importe|adeuda|vencid|mora|cuota vencida|interes|moratorio|penalidad|cartera castig|monto total|importe total|saldo total|deuda asciende|a la fecha|tiene pendiente|presenta atraso|cuotas vencidas|monto adeudado|deuda registrada|obligacion|gastos de cobranza|intereses|vencimiento|regularice su deuda`, 5},
		{phase.InformacionDeuda, `tarjeta|credito|prestamo|linea|financiera|banco|cuenta|contrato|operacion|tarjeta oh|financiera oh|plaza vea|ripley|falabella`, 3},
		{phase.InformacionDeuda, `\bs/?\s*\d{2,}\b|sol|soles|nuevo sol|lucas|mango|palo|palos`, 2},

		// NEGOCIACION
		{phase.Negociacion, `podemos|le puedo ofrecer|oferta|beneficio|descuento|campana|convenio|acuerdo|fraccion|cuotas|cronograma|reprogram|refinanc|pago unico|liquidacion|liquidar|rebaja|rebajita|condonacion|quita|fraccionamiento|podemos llegar a un acuerdo|alternativas de pago|facilidades|reprogramacion|refinanciacion|descuento por pronto pago|pagar una parte|abonar algo|¿cuanto podria pagar hoy\??|¿con cuanto cuenta\??|¿que monto se le haria posible\??|sin chamba|sin trabajo|estoy misio|no tengo saldo|no cuento con dinero|ahorita|en un ratito|mas tarde|estoy corto|estoy ajustado|no dispongo|no cuento con`, 5},
		{phase.Negociacion, `cuanto podria abonar|cuanto podria pagar|con cuanto cuenta|monto minimo|cuota minima|abono inicial|pago parcial`, 5},
		{phase.Negociacion, `\bs/?\s*\d{2,}\b`, 1},
		{phase.Negociacion, `ahorita|en un ratito|mas tarde|no tengo|no hay plata|sin trabajo|estoy misio|no me alcanza|pucha|ya pe|pues|\bpe\b|chamba|me quede sin chamba|estoy corto|estoy ajustado|no dispongo|no cuento con`, 2},
		{phase.Negociacion, `\b(no puedo|no cuento|no tengo|no dispongo|ahorita no|por ahora no|en este momento no|sin trabajo|desemplead(o|a)|no me alcanza|no alcanza|no tengo dinero|no tengo efectivo|no tengo saldo|estoy misio|m[aá]s adelante|otro d[ií]a|despu[eé]s|cuando cobre|cuando tenga)\b`, 4},
		{phase.Negociacion, `\b(cuotas?|en\s+cuotas|a\s+cuotas|mes(es)?|\d+\s+mes(es)?|plazo|fraccion(ar|ado)|financi(ar|ado))\b`, 4},
		{phase.Negociacion, `\b(voy a buscar|lo voy a buscar|ya lo busco|lo veo|yo lo veo|te digo|le digo|te aviso|le aviso|voy a ver|lo reviso|en efectivo)\b`, 4},
		{phase.Negociacion, `puedo hacer el pago|donde puedo pagar|en donde puedo pagar|puedo pagar en|pagar en`, 4},

		// CONSULTA_ACEPTACION
		{phase.ConsultaAceptacion, `\b(le parece|le parece bien|est[aá] de acuerdo|de acuerdo|conforme|acept(o|a)|confirm(o|a)|confirmamos|me confirma|me confirmas|queda conforme|queda de acuerdo|correcto|perfecto)\b`, 5},
		{phase.ConsultaAceptacion, `\b(ok|okay|okey|listo|dale)\b`, 2},
		{phase.ConsultaAceptacion, `\bya(,)?\s*(se[nñ]orita)?\b|\ba ver\b`, 2},
		{phase.ConsultaAceptacion, `\b(s[ií])\b.*\b(de acuerdo|correcto|conforme|acept(o|a)|confirm(o|a)|perfecto)\b`, 4},

		// FORMALIZACION_PAGO
		{phase.FormalizacionPago, `queda registrado|queda agendado|se agenda|promesa de pago|compromiso|se compromete|fecha de pago|dia de pago|queda pactado|queda confirmado|le envio el numero de cuenta|le envio el cci|le mando por whatsapp|le llega el link|codigo de operacion|numero de operacion|nro de operacion|voucher|constancia|captura|pantallazo|yape|plin|transferencia|deposito|agente|banca movil|banca por internet|bcp|interbank|bbva|scotiabank`, 5},
		{phase.FormalizacionPago, `tome nota|anote|anota|apunte|le doy el numero|le dejo el numero|por whatsapp|\bwhatsapp\b`, 5},
		{phase.FormalizacionPago, `tarjeta en fisico|tarjeta fisica|realizar la cancelacion|cancelacion`, 4},
		{phase.FormalizacionPago, `hoy|manana|pasado|quincena|fin de mes|\b\d{1,2}\s+de\s+\w+\b`, 4},
		{phase.FormalizacionPago, `\b\d{1,2}[\s/]+\d{1,2}\b`, 3},
		{phase.FormalizacionPago, `\b(en\s+)?\d+\s+d[ií]as?(?:\s+h[aá]biles)?\b`, 4},
		{phase.FormalizacionPago, `\b(en\s+)?\d+\s+horas?\b|\b(48|72)\s+horas?\b`, 3},

		// ADVERTENCIAS
		{phase.Advertencias, `pasa a pre legal|pasa a legal|area legal|acciones legales|proceso legal|proceso judicial|demanda|embargo|medida cautelar|notificacion|carta notarial|cobranza judicial|se derivara a legal|central de riesgo|reporte a infocorp|bloqueo|juicio|historial crediticio|calificacion negativa|sbs`, 6},
		{phase.Advertencias, `infocorp|centrales de riesgo|sbs|reporte negativo|calificacion|historial crediticio`, 6},
		{phase.Advertencias, `si no paga|de lo contrario|caso contrario|procederemos|se derivara|se reportara`, 4},

		// CIERRE
		{phase.Cierre, `gracias por su tiempo|muchas gracias|gracias|que tenga buen dia|que este bien|hasta luego|nos comunicamos|quedamos atentos|chau|buenas tardes|listo gracias|que le vaya bien`, 2},
		{phase.Cierre, `hasta luego|que tenga buen dia|que este bien|nos comunicamos|quedamos atentos|chau|buenas tardes|listo gracias|que le vaya bien`, 4},
	}
}
