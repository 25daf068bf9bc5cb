package abikit

import (
	"encoding/binary"
	"math"
	"strings"
	"testing"

	"github.com/abikit/abikit/schema"
)

func decodeAndFormat(t *testing.T, def schema.TypeDef, buf []byte) string {
	t.Helper()
	ir := buildIR(t, def)
	v, err := NewDecoder(ir).Decode(def.Name, buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	f := &Formatter{Registry: DefaultRegistry()}
	out, err := f.Format(v)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	return string(out)
}

func TestFormat_HashEnrichment(t *testing.T) {
	// An all-zero 32-byte hash keeps its raw bytes and gains a hex key.
	out := decodeAndFormat(t, hashDef(), make([]byte, 32))

	wantHex := `"hex":"0x` + strings.Repeat("00", 32) + `"`
	if !strings.Contains(out, wantHex) {
		t.Errorf("output %s is missing %s", out, wantHex)
	}
	if !strings.Contains(out, `"bytes":[`) {
		t.Error("enrichment dropped the raw bytes field")
	}
}

func TestFormat_LatLngEnrichment(t *testing.T) {
	def := schema.TypeDef{Name: "LatLng", Type: &schema.Struct{Fields: []schema.StructField{
		{Name: "latitude", Type: &schema.Primitive{Prim: schema.F64}},
		{Name: "longitude", Type: &schema.Primitive{Prim: schema.F64}},
	}}}

	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:], math.Float64bits(37.7749))
	binary.LittleEndian.PutUint64(buf[8:], math.Float64bits(-122.4194))

	out := decodeAndFormat(t, def, buf)
	if !strings.Contains(out, `"formatted":"37.774900, -122.419400"`) {
		t.Errorf("output %s is missing the formatted coordinates", out)
	}
}

func TestFormat_UnrecognizedTypeUntouched(t *testing.T) {
	def := schema.TypeDef{Name: "Custom", Type: &schema.Struct{Fields: []schema.StructField{
		{Name: "v", Type: u8Prim()},
	}}}
	out := decodeAndFormat(t, def, []byte{7})
	want := `{"v":{"type":"u8","value":7}}`
	if out != want {
		t.Errorf("output = %s, want %s", out, want)
	}
}

func TestFormat_MalformedShapeDeclines(t *testing.T) {
	// A type named Hash without the expected single bytes field must pass
	// through unchanged rather than fail.
	def := schema.TypeDef{Name: "Hash", Type: &schema.Struct{Fields: []schema.StructField{
		{Name: "not_bytes", Type: u8Prim()},
	}}}
	out := decodeAndFormat(t, def, []byte{1})
	if strings.Contains(out, "hex") {
		t.Errorf("handler enriched a shape it should have declined: %s", out)
	}
}

func TestHandlers_Process(t *testing.T) {
	i64 := func(v int64) *Value { return &Value{Kind: schema.KindPrimitive, Prim: schema.I64, Int: v} }
	i32 := func(v int64) *Value { return &Value{Kind: schema.KindPrimitive, Prim: schema.I32, Int: v} }
	u8v := func(v uint64) *Value { return &Value{Kind: schema.KindPrimitive, Prim: schema.U8, Uint: v} }
	f32v := func(v float64) *Value { return &Value{Kind: schema.KindPrimitive, Prim: schema.F32, Float: v} }
	byteArray := func(b []byte) *Value {
		arr := &Value{Kind: schema.KindArray}
		for _, c := range b {
			arr.Elems = append(arr.Elems, u8v(uint64(c)))
		}
		return arr
	}

	tests := []struct {
		name    string
		handler Handler
		fields  []FieldValue
		wantKey string
		want    any
	}{
		{
			name:    "timestamp",
			handler: TimestampHandler{},
			fields: []FieldValue{
				{Name: "seconds", Value: i64(0)},
				{Name: "nanos", Value: i32(0)},
			},
			wantKey: "iso8601",
			want:    "1970-01-01T00:00:00Z",
		},
		{
			name:    "duration",
			handler: DurationHandler{},
			fields: []FieldValue{
				{Name: "seconds", Value: i64(5400)},
				{Name: "nanos", Value: i32(0)},
			},
			wantKey: "iso8601",
			want:    "PT1H30M",
		},
		{
			name:    "fixed point",
			handler: FixedPointHandler{},
			fields: []FieldValue{
				{Name: "mantissa", Value: i64(-12345)},
				{Name: "scale", Value: u8v(2)},
			},
			wantKey: "formatted",
			want:    "-123.45",
		},
		{
			name:    "fraction",
			handler: FractionHandler{},
			fields: []FieldValue{
				{Name: "numerator", Value: i64(1)},
				{Name: "denominator", Value: i64(4)},
			},
			wantKey: "formatted",
			want:    "1/4",
		},
		{
			name:    "color",
			handler: ColorHandler{},
			fields: []FieldValue{
				{Name: "red", Value: f32v(1)},
				{Name: "green", Value: f32v(0)},
				{Name: "blue", Value: f32v(0)},
			},
			wantKey: "hex",
			want:    "#FF0000FF",
		},
		{
			name:    "money",
			handler: MoneyHandler{},
			fields: []FieldValue{
				{Name: "currency_code", Value: byteArray([]byte("USD"))},
				{Name: "units", Value: i64(12)},
				{Name: "nanos", Value: i32(500000000)},
			},
			wantKey: "formatted",
			want:    "USD 12.5",
		},
		{
			name:    "date",
			handler: DateHandler{},
			fields: []FieldValue{
				{Name: "year", Value: i32(2024)},
				{Name: "month", Value: u8v(2)},
				{Name: "day", Value: u8v(29)},
			},
			wantKey: "iso8601",
			want:    "2024-02-29",
		},
		{
			name:    "datetime",
			handler: DateTimeHandler{},
			fields: []FieldValue{
				{Name: "year", Value: i32(2024)},
				{Name: "month", Value: u8v(6)},
				{Name: "day", Value: u8v(15)},
				{Name: "hours", Value: u8v(10)},
				{Name: "minutes", Value: u8v(30)},
				{Name: "seconds", Value: u8v(0)},
				{Name: "nanos", Value: i32(0)},
				{Name: "utc_offset_seconds", Value: i32(3600)},
			},
			wantKey: "iso8601",
			want:    "2024-06-15T10:30:00+01:00",
		},
		{
			name:    "time of day",
			handler: TimeOfDayHandler{},
			fields: []FieldValue{
				{Name: "hours", Value: u8v(9)},
				{Name: "minutes", Value: u8v(5)},
				{Name: "seconds", Value: u8v(30)},
				{Name: "nanos", Value: i32(250000000)},
			},
			wantKey: "formatted",
			want:    "09:05:30.25",
		},
		{
			name:    "interval",
			handler: IntervalHandler{},
			fields: []FieldValue{
				{Name: "start_time", Value: i64(0)},
				{Name: "end_time", Value: i64(3600)},
			},
			wantKey: "formatted",
			want:    "1970-01-01T00:00:00Z - 1970-01-01T01:00:00Z",
		},
		{
			name:    "month",
			handler: MonthHandler{},
			fields:  []FieldValue{{Name: "value", Value: u8v(3)}},
			wantKey: "name",
			want:    "March",
		},
		{
			name:    "month out of range",
			handler: MonthHandler{},
			fields:  []FieldValue{{Name: "value", Value: u8v(13)}},
			wantKey: "name",
			want:    "Unknown(13)",
		},
		{
			name:    "day of week",
			handler: DayOfWeekHandler{},
			fields:  []FieldValue{{Name: "value", Value: u8v(0)}},
			wantKey: "name",
			want:    "Sunday",
		},
		{
			name:    "calendar period",
			handler: CalendarPeriodHandler{},
			fields:  []FieldValue{{Name: "value", Value: u8v(5)}},
			wantKey: "name",
			want:    "QUARTER",
		},
		{
			name:    "quaternion",
			handler: QuaternionHandler{},
			fields: []FieldValue{
				{Name: "x", Value: f32v(0)},
				{Name: "y", Value: f32v(0)},
				{Name: "z", Value: f32v(0)},
				{Name: "w", Value: f32v(1)},
			},
			wantKey: "formatted",
			want:    "(0.000000, 0.000000, 0.000000, 1.000000)",
		},
		{
			name:    "decimal",
			handler: DecimalHandler{},
			fields: []FieldValue{
				{Name: "value", Value: byteArray([]byte("3.14159"))},
			},
			wantKey: "formatted",
			want:    "3.14159",
		},
		{
			name:    "signature",
			handler: SignatureHandler{},
			fields: []FieldValue{
				{Name: "bytes", Value: byteArray(make([]byte, 64))},
			},
			wantKey: "hex",
			want:    "0x" + strings.Repeat("00", 64),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := &Context{TypeName: tt.handler.TypeName(), Fields: tt.fields}
			outcome := tt.handler.Process(ctx)
			if outcome.kind != outcomeEnrich {
				t.Fatalf("handler declined")
			}
			for _, extra := range outcome.extras {
				if extra.Key == tt.wantKey {
					if extra.Value != tt.want {
						t.Errorf("%s = %v, want %v", tt.wantKey, extra.Value, tt.want)
					}
					return
				}
			}
			t.Errorf("enrichment has no %q key: %+v", tt.wantKey, outcome.extras)
		})
	}
}

func TestDateHandler_RejectsImpossibleDate(t *testing.T) {
	i32 := func(v int64) *Value { return &Value{Kind: schema.KindPrimitive, Prim: schema.I32, Int: v} }
	u8v := func(v uint64) *Value { return &Value{Kind: schema.KindPrimitive, Prim: schema.U8, Uint: v} }

	ctx := &Context{TypeName: "Date", Fields: []FieldValue{
		{Name: "year", Value: i32(2023)},
		{Name: "month", Value: u8v(2)},
		{Name: "day", Value: u8v(30)},
	}}
	if outcome := (DateHandler{}).Process(ctx); outcome.kind != outcomeNone {
		t.Errorf("February 30 was enriched: %+v", outcome.extras)
	}
}

func TestRegistry_Categories(t *testing.T) {
	wantCategories := map[string]string{
		"Pubkey":          "domain",
		"Signature":       "domain",
		"Hash":            "domain",
		"Timestamp":       "time",
		"Duration":        "time",
		"Date":            "time",
		"DateTime":        "time",
		"TimeOfDay":       "time",
		"Interval":        "time",
		"Month":           "calendar",
		"DayOfWeek":       "calendar",
		"CalendarPeriod":  "calendar",
		"Decimal":         "numeric",
		"FixedPoint":      "numeric",
		"Fraction":        "numeric",
		"Color":           "common",
		"LatLng":          "common",
		"Quaternion":      "common",
		"Money":           "common",
		"InstructionData": "system",
	}

	handlers := DefaultRegistry().Handlers()
	if len(handlers) != len(wantCategories) {
		t.Fatalf("registry has %d handlers, want %d", len(handlers), len(wantCategories))
	}
	for _, h := range handlers {
		want, ok := wantCategories[h.TypeName()]
		if !ok {
			t.Errorf("unexpected handler %q", h.TypeName())
			continue
		}
		if h.Category() != want {
			t.Errorf("%s category = %s, want %s", h.TypeName(), h.Category(), want)
		}
	}
}

func TestRegistry_FirstMatchWins(t *testing.T) {
	r := NewRegistry(replaceAll{}, HashHandler{})
	ctx := &Context{TypeName: "Hash"}
	outcome := r.Apply(ctx)
	if outcome.kind != outcomeReplace {
		t.Error("earlier handler did not take precedence")
	}
}

type replaceAll struct{}

func (replaceAll) TypeName() string         { return "*" }
func (replaceAll) Category() string         { return CategoryGeneric }
func (replaceAll) Matches(*Context) bool    { return true }
func (replaceAll) Process(*Context) Outcome { return Replace([]byte(`"gone"`)) }
