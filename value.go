package foxl

import (
	"strconv"
	"strings"
)

// ValueTag identifies which arm of the tagged union a Value holds.
type ValueTag int

const (
	VNull ValueTag = iota
	VInt
	VFloat
	VBool
	VString
	VArray
)

// Value is the tagged-union runtime value: Null, Integer (i64), Float (f64),
// Boolean, String, Array. Values are freely copyable — Array's backing slice
// is never mutated in place by the evaluator, only replaced, so sharing a
// slice header is safe.
type Value struct {
	Tag ValueTag
	I   int64
	F   float64
	B   bool
	S   string
	A   []Value
}

var Null = Value{Tag: VNull}

func Int(i int64) Value       { return Value{Tag: VInt, I: i} }
func Float(f float64) Value   { return Value{Tag: VFloat, F: f} }
func Bool(b bool) Value       { return Value{Tag: VBool, B: b} }
func Str(s string) Value      { return Value{Tag: VString, S: s} }
func Arr(xs []Value) Value    { return Value{Tag: VArray, A: xs} }

func (v Value) IsNull() bool  { return v.Tag == VNull }
func (v Value) IsNumber() bool { return v.Tag == VInt || v.Tag == VFloat }

// AsFloat returns the numeric value of v as a float64. Callers must check
// IsNumber first; it is a programmer error to call this on a non-number.
func (v Value) AsFloat() float64 {
	if v.Tag == VInt {
		return float64(v.I)
	}
	return v.F
}

// Equal requires same tag and structural equality, with no implicit
// coercion between tags — so Int(1) and Float(1) are unequal.
func (v Value) Equal(o Value) bool {
	if v.Tag != o.Tag {
		return false
	}
	switch v.Tag {
	case VNull:
		return true
	case VInt:
		return v.I == o.I
	case VFloat:
		return v.F == o.F
	case VBool:
		return v.B == o.B
	case VString:
		return v.S == o.S
	case VArray:
		if len(v.A) != len(o.A) {
			return false
		}
		for i := range v.A {
			if !v.A[i].Equal(o.A[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// String is a debug representation distinct from the user-facing write
// formatter below: strings are always quoted here, even at top level.
func (v Value) String() string {
	switch v.Tag {
	case VNull:
		return "null"
	case VInt:
		return strconv.FormatInt(v.I, 10)
	case VFloat:
		return formatFloat(v.F)
	case VBool:
		if v.B {
			return "true"
		}
		return "false"
	case VString:
		return strconv.Quote(v.S)
	case VArray:
		parts := make([]string, len(v.A))
		for i, e := range v.A {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return "<invalid value>"
	}
}

// FormatForWrite implements the value-formatting rules used by `write`:
// unquoted strings at top level, quoted strings inside arrays.
func FormatForWrite(v Value) string {
	switch v.Tag {
	case VString:
		return v.S
	case VArray:
		parts := make([]string, len(v.A))
		for i, e := range v.A {
			parts[i] = formatForWriteInArray(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return v.String()
	}
}

func formatForWriteInArray(v Value) string {
	if v.Tag == VString {
		return strconv.Quote(v.S)
	}
	return FormatForWrite(v)
}

// formatFloat renders a float in its shortest form, appending ".0" when that
// form has neither a decimal point nor an exponent (so 3 becomes "3.0";
// exponent forms such as "1e+21" are left as they are).
func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}
