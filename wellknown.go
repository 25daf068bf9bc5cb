package abikit

import "encoding/json"

// Context is the input to a well-known handler: the parsed value and the
// schema name it was parsed as. Fields is set when the value has struct
// shape, in declaration order.
type Context struct {
	TypeName string
	Value    *Value
	Fields   []FieldValue
}

// Outcome is a handler's verdict on a value.
type Outcome struct {
	kind        outcomeKind
	extras      []Extra
	replacement json.RawMessage
}

type outcomeKind int

const (
	outcomeNone outcomeKind = iota
	outcomeEnrich
	outcomeReplace
)

// Extra is one enrichment key added next to a struct's formatted fields.
type Extra struct {
	Key   string
	Value any
}

// Enrich adds the given keys to the formatted output; original fields are
// retained.
func Enrich(extras ...Extra) Outcome {
	return Outcome{kind: outcomeEnrich, extras: extras}
}

// Replace substitutes the entire formatted output.
func Replace(raw json.RawMessage) Outcome {
	return Outcome{kind: outcomeReplace, replacement: raw}
}

// Decline leaves the value unchanged.
func Decline() Outcome { return Outcome{} }

// Handler recognizes one well-known type shape and produces a human-readable
// representation alongside or instead of the raw parsed fields. Handlers are
// best-effort: malformed input declines, it never fails the parse.
type Handler interface {
	// TypeName is the canonical schema name this handler targets.
	TypeName() string

	// Category groups related handlers, e.g. "time" or "numeric".
	Category() string

	// Matches reports whether the handler applies. The usual rule is
	// exact type-name equality.
	Matches(ctx *Context) bool

	// Process inspects the parsed value and returns its verdict.
	Process(ctx *Context) Outcome
}

// CategoryGeneric is the category of handlers that declare no grouping.
const CategoryGeneric = "generic"

// Registry holds well-known handlers. It is populated once and read-only
// afterwards; a nil Registry matches nothing.
type Registry struct {
	handlers []Handler
}

// NewRegistry returns a registry over the given handlers. Earlier handlers
// take precedence when more than one matches.
func NewRegistry(handlers ...Handler) *Registry {
	return &Registry{handlers: handlers}
}

// Handlers returns the registered handlers in precedence order.
func (r *Registry) Handlers() []Handler {
	if r == nil {
		return nil
	}
	out := make([]Handler, len(r.handlers))
	copy(out, r.handlers)
	return out
}

// Apply runs the first matching handler against the context. No match, or a
// nil registry, declines.
func (r *Registry) Apply(ctx *Context) Outcome {
	if r == nil {
		return Decline()
	}
	for _, h := range r.handlers {
		if h.Matches(ctx) {
			return h.Process(ctx)
		}
	}
	return Decline()
}

// DefaultRegistry returns a registry with every built-in handler. Each call
// builds a fresh value; there is no package-level registry state.
func DefaultRegistry() *Registry {
	return NewRegistry(
		PubkeyHandler{},
		SignatureHandler{},
		HashHandler{},
		TimestampHandler{},
		DurationHandler{},
		DateHandler{},
		DateTimeHandler{},
		TimeOfDayHandler{},
		IntervalHandler{},
		MonthHandler{},
		DayOfWeekHandler{},
		CalendarPeriodHandler{},
		DecimalHandler{},
		FixedPointHandler{},
		FractionHandler{},
		ColorHandler{},
		LatLngHandler{},
		QuaternionHandler{},
		MoneyHandler{},
		InstructionDataHandler{},
	)
}

// exactMatch is the default matching rule shared by the built-in handlers.
func exactMatch(name string, ctx *Context) bool { return ctx.TypeName == name }

// fixedBytes extracts the payload of a struct whose single field "bytes" is
// a u8 array of the given length.
func fixedBytes(fields []FieldValue, n int) ([]byte, bool) {
	if len(fields) != 1 || fields[0].Name != "bytes" {
		return nil, false
	}
	b, ok := fields[0].Value.Bytes()
	if !ok || len(b) != n {
		return nil, false
	}
	return b, true
}

func fieldInt(fields []FieldValue, name string) (int64, bool) {
	for _, f := range fields {
		if f.Name == name {
			return f.Value.IntValue()
		}
	}
	return 0, false
}

func fieldUint(fields []FieldValue, name string) (uint64, bool) {
	for _, f := range fields {
		if f.Name == name {
			return f.Value.UintValue()
		}
	}
	return 0, false
}

func fieldFloat(fields []FieldValue, name string) (float64, bool) {
	for _, f := range fields {
		if f.Name == name {
			return f.Value.FloatValue()
		}
	}
	return 0, false
}

func fieldBytes(fields []FieldValue, name string) ([]byte, bool) {
	for _, f := range fields {
		if f.Name == name {
			return f.Value.Bytes()
		}
	}
	return nil, false
}
