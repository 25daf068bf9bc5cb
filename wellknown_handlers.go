package abikit

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// PubkeyHandler enriches 32-byte public keys with a hex address.
type PubkeyHandler struct{}

func (PubkeyHandler) TypeName() string          { return "Pubkey" }
func (PubkeyHandler) Category() string          { return "domain" }
func (h PubkeyHandler) Matches(c *Context) bool { return exactMatch(h.TypeName(), c) }

func (PubkeyHandler) Process(ctx *Context) Outcome {
	b, ok := fixedBytes(ctx.Fields, 32)
	if !ok {
		return Decline()
	}
	return Enrich(Extra{Key: "address", Value: "0x" + hex.EncodeToString(b)})
}

// SignatureHandler enriches 64-byte signatures with a hex rendering.
type SignatureHandler struct{}

func (SignatureHandler) TypeName() string          { return "Signature" }
func (SignatureHandler) Category() string          { return "domain" }
func (h SignatureHandler) Matches(c *Context) bool { return exactMatch(h.TypeName(), c) }

func (SignatureHandler) Process(ctx *Context) Outcome {
	b, ok := fixedBytes(ctx.Fields, 64)
	if !ok {
		return Decline()
	}
	return Enrich(Extra{Key: "hex", Value: "0x" + hex.EncodeToString(b)})
}

// HashHandler enriches 32-byte hashes with a hex rendering.
type HashHandler struct{}

func (HashHandler) TypeName() string          { return "Hash" }
func (HashHandler) Category() string          { return "domain" }
func (h HashHandler) Matches(c *Context) bool { return exactMatch(h.TypeName(), c) }

func (HashHandler) Process(ctx *Context) Outcome {
	b, ok := fixedBytes(ctx.Fields, 32)
	if !ok {
		return Decline()
	}
	return Enrich(Extra{Key: "hex", Value: "0x" + hex.EncodeToString(b)})
}

// TimestampHandler enriches seconds/nanos pairs with an RFC 3339 rendering.
type TimestampHandler struct{}

func (TimestampHandler) TypeName() string          { return "Timestamp" }
func (TimestampHandler) Category() string          { return "time" }
func (h TimestampHandler) Matches(c *Context) bool { return exactMatch(h.TypeName(), c) }

func (TimestampHandler) Process(ctx *Context) Outcome {
	secs, ok := fieldInt(ctx.Fields, "seconds")
	if !ok {
		return Decline()
	}
	nanos, _ := fieldInt(ctx.Fields, "nanos")
	if nanos < 0 || nanos >= 1e9 {
		return Decline()
	}
	t := time.Unix(secs, nanos).UTC()
	return Enrich(Extra{Key: "iso8601", Value: t.Format(time.RFC3339Nano)})
}

// DurationHandler enriches seconds/nanos pairs with an ISO 8601 duration.
type DurationHandler struct{}

func (DurationHandler) TypeName() string          { return "Duration" }
func (DurationHandler) Category() string          { return "time" }
func (h DurationHandler) Matches(c *Context) bool { return exactMatch(h.TypeName(), c) }

func (DurationHandler) Process(ctx *Context) Outcome {
	secs, ok := fieldInt(ctx.Fields, "seconds")
	if !ok {
		return Decline()
	}
	nanos, _ := fieldInt(ctx.Fields, "nanos")
	return Enrich(Extra{Key: "iso8601", Value: iso8601Duration(secs, nanos)})
}

func iso8601Duration(seconds, nanos int64) string {
	neg := seconds < 0 || (seconds == 0 && nanos < 0)
	if seconds < 0 {
		seconds = -seconds
	}
	if nanos < 0 {
		nanos = -nanos
	}

	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	secs := seconds % 60

	var sb strings.Builder
	sb.WriteString("PT")
	if neg {
		sb.WriteByte('-')
	}
	if hours > 0 {
		fmt.Fprintf(&sb, "%dH", hours)
	}
	if minutes > 0 {
		fmt.Fprintf(&sb, "%dM", minutes)
	}
	if secs > 0 || nanos > 0 || (hours == 0 && minutes == 0) {
		if nanos > 0 {
			frac := strings.TrimRight(fmt.Sprintf("%09d", nanos), "0")
			fmt.Fprintf(&sb, "%d.%sS", secs, frac)
		} else {
			fmt.Fprintf(&sb, "%dS", secs)
		}
	}
	return sb.String()
}

// DecimalHandler enriches string-encoded arbitrary-precision decimals.
type DecimalHandler struct{}

func (DecimalHandler) TypeName() string          { return "Decimal" }
func (DecimalHandler) Category() string          { return "numeric" }
func (h DecimalHandler) Matches(c *Context) bool { return exactMatch(h.TypeName(), c) }

func (DecimalHandler) Process(ctx *Context) Outcome {
	b, ok := fieldBytes(ctx.Fields, "value")
	if !ok || !utf8.Valid(b) {
		return Decline()
	}
	return Enrich(Extra{Key: "formatted", Value: string(b)})
}

// FixedPointHandler enriches mantissa/scale pairs with a decimal rendering.
type FixedPointHandler struct{}

func (FixedPointHandler) TypeName() string          { return "FixedPoint" }
func (FixedPointHandler) Category() string          { return "numeric" }
func (h FixedPointHandler) Matches(c *Context) bool { return exactMatch(h.TypeName(), c) }

func (FixedPointHandler) Process(ctx *Context) Outcome {
	mantissa, ok := fieldInt(ctx.Fields, "mantissa")
	if !ok {
		return Decline()
	}
	scale, ok := fieldUint(ctx.Fields, "scale")
	if !ok || scale > 18 {
		return Decline()
	}
	return Enrich(Extra{Key: "formatted", Value: formatFixedPoint(mantissa, scale)})
}

func formatFixedPoint(mantissa int64, scale uint64) string {
	if scale == 0 {
		return fmt.Sprintf("%d", mantissa)
	}
	neg := mantissa < 0
	abs := uint64(mantissa)
	if neg {
		abs = uint64(-mantissa)
	}
	div := uint64(1)
	for i := uint64(0); i < scale; i++ {
		div *= 10
	}
	sign := ""
	if neg {
		sign = "-"
	}
	return fmt.Sprintf("%s%d.%0*d", sign, abs/div, int(scale), abs%div)
}

// FractionHandler enriches numerator/denominator pairs.
type FractionHandler struct{}

func (FractionHandler) TypeName() string          { return "Fraction" }
func (FractionHandler) Category() string          { return "numeric" }
func (h FractionHandler) Matches(c *Context) bool { return exactMatch(h.TypeName(), c) }

func (FractionHandler) Process(ctx *Context) Outcome {
	num, ok := fieldInt(ctx.Fields, "numerator")
	if !ok {
		return Decline()
	}
	denom, ok := fieldInt(ctx.Fields, "denominator")
	if !ok {
		return Decline()
	}
	extras := []Extra{{Key: "formatted", Value: fmt.Sprintf("%d/%d", num, denom)}}
	if denom != 0 {
		extras = append(extras, Extra{Key: "decimal", Value: float64(num) / float64(denom)})
	}
	return Enrich(extras...)
}

// ColorHandler enriches float RGB(A) values with a hex rendering.
type ColorHandler struct{}

func (ColorHandler) TypeName() string          { return "Color" }
func (ColorHandler) Category() string          { return "common" }
func (h ColorHandler) Matches(c *Context) bool { return exactMatch(h.TypeName(), c) }

func (ColorHandler) Process(ctx *Context) Outcome {
	r, okR := fieldFloat(ctx.Fields, "red")
	g, okG := fieldFloat(ctx.Fields, "green")
	b, okB := fieldFloat(ctx.Fields, "blue")
	if !okR || !okG || !okB {
		return Decline()
	}
	a, okA := fieldFloat(ctx.Fields, "alpha")
	if !okA {
		a = 1.0
	}
	hexed := fmt.Sprintf("#%02X%02X%02X%02X", channel(r), channel(g), channel(b), channel(a))
	return Enrich(Extra{Key: "hex", Value: hexed})
}

func channel(v float64) uint8 {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return uint8(v*255 + 0.5)
}

// LatLngHandler enriches latitude/longitude pairs with a formatted rendering.
type LatLngHandler struct{}

func (LatLngHandler) TypeName() string          { return "LatLng" }
func (LatLngHandler) Category() string          { return "common" }
func (h LatLngHandler) Matches(c *Context) bool { return exactMatch(h.TypeName(), c) }

func (LatLngHandler) Process(ctx *Context) Outcome {
	lat, okLat := fieldFloat(ctx.Fields, "latitude")
	lng, okLng := fieldFloat(ctx.Fields, "longitude")
	if !okLat || !okLng {
		return Decline()
	}
	return Enrich(Extra{Key: "formatted", Value: fmt.Sprintf("%.6f, %.6f", lat, lng)})
}

// MoneyHandler enriches currency/units/nanos triples, e.g. "USD 12.50".
type MoneyHandler struct{}

func (MoneyHandler) TypeName() string          { return "Money" }
func (MoneyHandler) Category() string          { return "common" }
func (h MoneyHandler) Matches(c *Context) bool { return exactMatch(h.TypeName(), c) }

func (MoneyHandler) Process(ctx *Context) Outcome {
	code, ok := fieldBytes(ctx.Fields, "currency_code")
	if !ok || !utf8.Valid(code) {
		return Decline()
	}
	units, ok := fieldInt(ctx.Fields, "units")
	if !ok {
		return Decline()
	}
	nanos, _ := fieldInt(ctx.Fields, "nanos")

	currency := strings.TrimRight(string(code), "\x00")
	neg := units < 0 || (units == 0 && nanos < 0)
	absUnits := units
	if absUnits < 0 {
		absUnits = -absUnits
	}
	absNanos := nanos
	if absNanos < 0 {
		absNanos = -absNanos
	}

	sign := ""
	if neg {
		sign = "-"
	}
	var formatted string
	if absNanos > 0 {
		frac := strings.TrimRight(fmt.Sprintf("%09d", absNanos), "0")
		formatted = fmt.Sprintf("%s %s%d.%s", currency, sign, absUnits, frac)
	} else {
		formatted = fmt.Sprintf("%s %s%d", currency, sign, absUnits)
	}
	return Enrich(Extra{Key: "formatted", Value: formatted})
}

// InstructionDataHandler enriches instruction payload containers with the
// routing index, declared size, and a hex dump of the data.
type InstructionDataHandler struct{}

func (InstructionDataHandler) TypeName() string          { return "InstructionData" }
func (InstructionDataHandler) Category() string          { return "system" }
func (h InstructionDataHandler) Matches(c *Context) bool { return exactMatch(h.TypeName(), c) }

func (InstructionDataHandler) Process(ctx *Context) Outcome {
	var extras []Extra
	if idx, ok := fieldUint(ctx.Fields, "program_idx"); ok {
		extras = append(extras, Extra{Key: "programIndex", Value: idx})
	}
	if size, ok := fieldUint(ctx.Fields, "data_size"); ok {
		extras = append(extras, Extra{Key: "dataSize", Value: size})
	}
	if data, ok := fieldBytes(ctx.Fields, "data"); ok {
		extras = append(extras, Extra{Key: "dataHex", Value: "0x" + hex.EncodeToString(data)})
	}
	if len(extras) == 0 {
		return Decline()
	}
	return Enrich(extras...)
}

// DateHandler enriches year/month/day triples with an ISO 8601 date.
type DateHandler struct{}

func (DateHandler) TypeName() string          { return "Date" }
func (DateHandler) Category() string          { return "time" }
func (h DateHandler) Matches(c *Context) bool { return exactMatch(h.TypeName(), c) }

func (DateHandler) Process(ctx *Context) Outcome {
	year, okY := fieldInt(ctx.Fields, "year")
	month, okM := fieldUint(ctx.Fields, "month")
	day, okD := fieldUint(ctx.Fields, "day")
	if !okY || !okM || !okD || !validDate(year, month, day) {
		return Decline()
	}
	return Enrich(Extra{Key: "iso8601", Value: fmt.Sprintf("%04d-%02d-%02d", year, month, day)})
}

// validDate checks that the calendar triple round-trips, which rejects
// impossible days such as February 30.
func validDate(year int64, month, day uint64) bool {
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return false
	}
	t := time.Date(int(year), time.Month(month), int(day), 0, 0, 0, 0, time.UTC)
	return t.Year() == int(year) && t.Month() == time.Month(month) && t.Day() == int(day)
}

// DateTimeHandler enriches full civil timestamps with a UTC-offset-aware
// RFC 3339 rendering.
type DateTimeHandler struct{}

func (DateTimeHandler) TypeName() string          { return "DateTime" }
func (DateTimeHandler) Category() string          { return "time" }
func (h DateTimeHandler) Matches(c *Context) bool { return exactMatch(h.TypeName(), c) }

func (DateTimeHandler) Process(ctx *Context) Outcome {
	year, okY := fieldInt(ctx.Fields, "year")
	month, okMo := fieldUint(ctx.Fields, "month")
	day, okD := fieldUint(ctx.Fields, "day")
	hours, okH := fieldUint(ctx.Fields, "hours")
	minutes, okMi := fieldUint(ctx.Fields, "minutes")
	seconds, okS := fieldUint(ctx.Fields, "seconds")
	if !okY || !okMo || !okD || !okH || !okMi || !okS {
		return Decline()
	}
	nanos, _ := fieldInt(ctx.Fields, "nanos")
	offset, _ := fieldInt(ctx.Fields, "utc_offset_seconds")

	if !validDate(year, month, day) || hours > 23 || minutes > 59 || seconds > 59 {
		return Decline()
	}
	if nanos < 0 || nanos >= 1e9 || offset <= -86400 || offset >= 86400 {
		return Decline()
	}

	loc := time.FixedZone("", int(offset))
	t := time.Date(int(year), time.Month(month), int(day),
		int(hours), int(minutes), int(seconds), int(nanos), loc)
	return Enrich(Extra{Key: "iso8601", Value: t.Format(time.RFC3339Nano)})
}

// TimeOfDayHandler enriches hours/minutes/seconds triples with an HH:MM:SS
// rendering.
type TimeOfDayHandler struct{}

func (TimeOfDayHandler) TypeName() string          { return "TimeOfDay" }
func (TimeOfDayHandler) Category() string          { return "time" }
func (h TimeOfDayHandler) Matches(c *Context) bool { return exactMatch(h.TypeName(), c) }

func (TimeOfDayHandler) Process(ctx *Context) Outcome {
	hours, okH := fieldUint(ctx.Fields, "hours")
	minutes, okM := fieldUint(ctx.Fields, "minutes")
	seconds, okS := fieldUint(ctx.Fields, "seconds")
	if !okH || !okM || !okS {
		return Decline()
	}
	nanos, _ := fieldInt(ctx.Fields, "nanos")

	formatted := fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
	if nanos > 0 && nanos < 1e9 {
		frac := strings.TrimRight(fmt.Sprintf("%09d", nanos), "0")
		formatted += "." + frac
	}
	return Enrich(Extra{Key: "formatted", Value: formatted})
}

// IntervalHandler enriches start/end second pairs with RFC 3339 renderings.
type IntervalHandler struct{}

func (IntervalHandler) TypeName() string          { return "Interval" }
func (IntervalHandler) Category() string          { return "time" }
func (h IntervalHandler) Matches(c *Context) bool { return exactMatch(h.TypeName(), c) }

func (IntervalHandler) Process(ctx *Context) Outcome {
	start, okS := fieldInt(ctx.Fields, "start_time")
	end, okE := fieldInt(ctx.Fields, "end_time")
	if !okS || !okE {
		return Decline()
	}
	startISO := time.Unix(start, 0).UTC().Format(time.RFC3339)
	endISO := time.Unix(end, 0).UTC().Format(time.RFC3339)
	return Enrich(
		Extra{Key: "formatted", Value: startISO + " - " + endISO},
		Extra{Key: "startIso8601", Value: startISO},
		Extra{Key: "endIso8601", Value: endISO},
	)
}

var monthNames = [...]string{
	"January", "February", "March", "April", "May", "June",
	"July", "August", "September", "October", "November", "December",
}

// MonthHandler enriches month ordinals (1-12) with the month name.
type MonthHandler struct{}

func (MonthHandler) TypeName() string          { return "Month" }
func (MonthHandler) Category() string          { return "calendar" }
func (h MonthHandler) Matches(c *Context) bool { return exactMatch(h.TypeName(), c) }

func (MonthHandler) Process(ctx *Context) Outcome {
	v, ok := fieldUint(ctx.Fields, "value")
	if !ok {
		return Decline()
	}
	name := fmt.Sprintf("Unknown(%d)", v)
	if v >= 1 && v <= 12 {
		name = monthNames[v-1]
	}
	return Enrich(Extra{Key: "name", Value: name})
}

var dayNames = [...]string{
	"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday",
}

// DayOfWeekHandler enriches weekday ordinals (0=Sunday) with the day name.
type DayOfWeekHandler struct{}

func (DayOfWeekHandler) TypeName() string          { return "DayOfWeek" }
func (DayOfWeekHandler) Category() string          { return "calendar" }
func (h DayOfWeekHandler) Matches(c *Context) bool { return exactMatch(h.TypeName(), c) }

func (DayOfWeekHandler) Process(ctx *Context) Outcome {
	v, ok := fieldUint(ctx.Fields, "value")
	if !ok {
		return Decline()
	}
	name := fmt.Sprintf("Unknown(%d)", v)
	if v < uint64(len(dayNames)) {
		name = dayNames[v]
	}
	return Enrich(Extra{Key: "name", Value: name})
}

var calendarPeriodNames = [...]string{
	"CALENDAR_PERIOD_UNSPECIFIED", "DAY", "WEEK", "FORTNIGHT",
	"MONTH", "QUARTER", "HALF", "YEAR",
}

// CalendarPeriodHandler enriches calendar-period ordinals with the period
// name.
type CalendarPeriodHandler struct{}

func (CalendarPeriodHandler) TypeName() string          { return "CalendarPeriod" }
func (CalendarPeriodHandler) Category() string          { return "calendar" }
func (h CalendarPeriodHandler) Matches(c *Context) bool { return exactMatch(h.TypeName(), c) }

func (CalendarPeriodHandler) Process(ctx *Context) Outcome {
	v, ok := fieldUint(ctx.Fields, "value")
	if !ok {
		return Decline()
	}
	name := fmt.Sprintf("Unknown(%d)", v)
	if v < uint64(len(calendarPeriodNames)) {
		name = calendarPeriodNames[v]
	}
	return Enrich(Extra{Key: "name", Value: name})
}

// QuaternionHandler enriches x/y/z/w component quadruples with a tuple
// rendering.
type QuaternionHandler struct{}

func (QuaternionHandler) TypeName() string          { return "Quaternion" }
func (QuaternionHandler) Category() string          { return "common" }
func (h QuaternionHandler) Matches(c *Context) bool { return exactMatch(h.TypeName(), c) }

func (QuaternionHandler) Process(ctx *Context) Outcome {
	x, okX := fieldFloat(ctx.Fields, "x")
	y, okY := fieldFloat(ctx.Fields, "y")
	z, okZ := fieldFloat(ctx.Fields, "z")
	w, okW := fieldFloat(ctx.Fields, "w")
	if !okX || !okY || !okZ || !okW {
		return Decline()
	}
	return Enrich(Extra{Key: "formatted", Value: fmt.Sprintf("(%.6f, %.6f, %.6f, %.6f)", x, y, z, w)})
}
