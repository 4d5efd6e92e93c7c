// Package profile holds the tabular model shared by every pipeline stage:
// tagged scalar values, explicitly classified columns, schemas, row-major
// tables and the pipeline error taxonomy.
package profile

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind identifies the dynamic type of a Value. As a column type, KindNull
// means the type is not known.
type Kind uint8

const (
	KindNull Kind = iota
	KindInt
	KindFloat
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	default:
		return "null"
	}
}

// Numeric reports whether values of this kind can be used as features.
func (k Kind) Numeric() bool { return k == KindInt || k == KindFloat }

// Value is a nullable scalar cell. The zero Value is NULL. Values are
// comparable with == which is what the stage-identity checks rely on.
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
}

// Null returns the NULL value.
func Null() Value { return Value{} }

// IntValue wraps an integer.
func IntValue(n int64) Value { return Value{kind: KindInt, i: n} }

// FloatValue wraps a float. NaN is stored as NULL.
func FloatValue(f float64) Value {
	if math.IsNaN(f) {
		return Value{}
	}
	return Value{kind: KindFloat, f: f}
}

// StringValue wraps a string.
func StringValue(s string) Value { return Value{kind: KindString, s: s} }

// FromAny converts driver and decoder values into a Value.
func FromAny(v any) Value {
	switch t := v.(type) {
	case nil:
		return Null()
	case Value:
		return t
	case int64:
		return IntValue(t)
	case int:
		return IntValue(int64(t))
	case int32:
		return IntValue(int64(t))
	case int16:
		return IntValue(int64(t))
	case int8:
		return IntValue(int64(t))
	case uint32:
		return IntValue(int64(t))
	case uint16:
		return IntValue(int64(t))
	case uint8:
		return IntValue(int64(t))
	case float64:
		return FloatValue(t)
	case float32:
		return FloatValue(float64(t))
	case bool:
		if t {
			return IntValue(1)
		}
		return IntValue(0)
	case string:
		return StringValue(t)
	case []byte:
		return StringValue(string(t))
	case time.Time:
		return StringValue(t.UTC().Format(time.RFC3339Nano))
	case fmt.Stringer:
		return StringValue(t.String())
	default:
		return StringValue(fmt.Sprint(t))
	}
}

// ParseValue infers a Value from text: empty is NULL, then int, float, string.
func ParseValue(raw string) Value {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Null()
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return IntValue(n)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return FloatValue(f)
	}
	return StringValue(raw)
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

// Float returns the numeric value as float64; ok is false for NULL and strings.
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindFloat:
		return v.f, true
	default:
		return 0, false
	}
}

// Int returns the integer payload; integral floats convert.
func (v Value) Int() (int64, bool) {
	switch v.kind {
	case KindInt:
		return v.i, true
	case KindFloat:
		if v.f == math.Trunc(v.f) && math.Abs(v.f) < 1<<62 {
			return int64(v.f), true
		}
	}
	return 0, false
}

// Str returns the string payload.
func (v Value) Str() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

// Text renders the canonical text form used for join keys and CSV cells.
// Integral floats render like integers so 1, 1.0 and "1" share a key.
func (v Value) Text() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		if n, ok := v.Int(); ok {
			return strconv.FormatInt(n, 10)
		}
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return v.s
	default:
		return ""
	}
}

// Format renders the value for persisted artifacts. Unlike Text it keeps a
// float's representation so a float column reads back as float.
func (v Value) Format() string {
	if v.kind != KindFloat {
		return v.Text()
	}
	s := strconv.FormatFloat(v.f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eIN") {
		s += ".0"
	}
	return s
}

func (v Value) String() string {
	if v.kind == KindNull {
		return "NULL"
	}
	return v.Text()
}

// Compare orders values: NULL < numbers < strings. Numbers compare
// numerically across int and float.
func Compare(a, b Value) int {
	ra, rb := rank(a.kind), rank(b.kind)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch {
	case a.kind == KindNull:
		return 0
	case a.kind == KindInt && b.kind == KindInt:
		switch {
		case a.i < b.i:
			return -1
		case a.i > b.i:
			return 1
		}
		return 0
	case ra == 1:
		af, _ := a.Float()
		bf, _ := b.Float()
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	default:
		return strings.Compare(a.s, b.s)
	}
}

func rank(k Kind) int {
	switch k {
	case KindNull:
		return 0
	case KindInt, KindFloat:
		return 1
	default:
		return 2
	}
}

// CompareKeys compares composite keys column by column.
func CompareKeys(a, b []Value) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}

// JoinKey renders a composite key for hashing. ok is false when any
// component is NULL: NULL keys never match.
func JoinKey(vals ...Value) (string, bool) {
	if len(vals) == 1 {
		if vals[0].IsNull() {
			return "", false
		}
		return vals[0].Text(), true
	}
	var b strings.Builder
	for i, v := range vals {
		if v.IsNull() {
			return "", false
		}
		if i > 0 {
			b.WriteByte(0x1f)
		}
		b.WriteString(v.Text())
	}
	return b.String(), true
}
