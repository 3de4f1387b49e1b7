// Package register implements the application-layer registry: a store of
// named, typed parameters keyed by the CRC-64/WE hash of their names, with
// get/set, ordered enumeration, and factory helpers for common shapes.
package register

// Kind discriminates the value union. The subset mirrors the register value
// shapes the stack itself needs; wire-level mapping lives in
// register/uavcanreg.
type Kind uint8

const (
	KindEmpty Kind = iota
	KindString
	KindUnstructured
	KindBit
	KindInteger
	KindReal
)

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindString:
		return "string"
	case KindUnstructured:
		return "unstructured"
	case KindBit:
		return "bit"
	case KindInteger:
		return "integer"
	case KindReal:
		return "real"
	default:
		return "invalid"
	}
}

// Value is a register value: a tagged union of the supported shapes.
// The zero value is Empty.
type Value struct {
	kind  Kind
	bytes []byte // string, unstructured
	bits  []bool
	ints  []int64
	reals []float64
}

func Empty() Value                { return Value{} }
func String(s string) Value       { return Value{kind: KindString, bytes: []byte(s)} }
func Unstructured(b []byte) Value { return Value{kind: KindUnstructured, bytes: b} }
func Bit(b ...bool) Value         { return Value{kind: KindBit, bits: b} }
func Integer(v ...int64) Value    { return Value{kind: KindInteger, ints: v} }
func Real(v ...float64) Value     { return Value{kind: KindReal, reals: v} }

func (v Value) Kind() Kind    { return v.kind }
func (v Value) IsEmpty() bool { return v.kind == KindEmpty }

// Accessors return the zero shape when the kind does not match.

func (v Value) AsString() string {
	if v.kind != KindString {
		return ""
	}
	return string(v.bytes)
}

func (v Value) AsBytes() []byte {
	if v.kind != KindString && v.kind != KindUnstructured {
		return nil
	}
	return v.bytes
}

func (v Value) AsBits() []bool { return v.bits }

func (v Value) AsIntegers() []int64 { return v.ints }

func (v Value) AsReals() []float64 { return v.reals }

// AsInteger returns the first element of a numeric value.
func (v Value) AsInteger() (int64, bool) {
	switch v.kind {
	case KindInteger:
		if len(v.ints) > 0 {
			return v.ints[0], true
		}
	case KindReal:
		if len(v.reals) > 0 {
			return int64(v.reals[0]), true
		}
	}
	return 0, false
}

// AsReal returns the first element of a numeric value.
func (v Value) AsReal() (float64, bool) {
	switch v.kind {
	case KindReal:
		if len(v.reals) > 0 {
			return v.reals[0], true
		}
	case KindInteger:
		if len(v.ints) > 0 {
			return float64(v.ints[0]), true
		}
	}
	return 0, false
}

// Coerce converts v to the shape of target. Numeric kinds convert
// element-wise, string and unstructured convert into each other; everything
// else requires an exact kind match.
func Coerce(target, v Value) (Value, bool) {
	if v.kind == target.kind {
		return v, true
	}
	switch {
	case target.kind == KindInteger && v.kind == KindReal:
		out := make([]int64, len(v.reals))
		for i, r := range v.reals {
			out[i] = int64(r)
		}
		return Integer(out...), true
	case target.kind == KindReal && v.kind == KindInteger:
		out := make([]float64, len(v.ints))
		for i, n := range v.ints {
			out[i] = float64(n)
		}
		return Real(out...), true
	case target.kind == KindString && v.kind == KindUnstructured:
		return String(string(v.bytes)), true
	case target.kind == KindUnstructured && v.kind == KindString:
		return Unstructured(v.bytes), true
	}
	return Value{}, false
}

// Equal compares two values by kind and contents.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindEmpty:
		return true
	case KindString, KindUnstructured:
		return string(a.bytes) == string(b.bytes)
	case KindBit:
		if len(a.bits) != len(b.bits) {
			return false
		}
		for i := range a.bits {
			if a.bits[i] != b.bits[i] {
				return false
			}
		}
		return true
	case KindInteger:
		if len(a.ints) != len(b.ints) {
			return false
		}
		for i := range a.ints {
			if a.ints[i] != b.ints[i] {
				return false
			}
		}
		return true
	case KindReal:
		if len(a.reals) != len(b.reals) {
			return false
		}
		for i := range a.reals {
			if a.reals[i] != b.reals[i] {
				return false
			}
		}
		return true
	}
	return false
}

// SetError enumerates the ways a register set can be rejected.
type SetError uint8

const (
	// SetErrorExistence: the register does not exist.
	SetErrorExistence SetError = iota
	// SetErrorMutability: the register is immutable.
	SetErrorMutability
	// SetErrorCoercion: the value cannot be coerced to the register type.
	SetErrorCoercion
	// SetErrorSemantics: rejected by the register semantics (out of range,
	// inappropriate value, bad state).
	SetErrorSemantics
)

func (e SetError) Error() string {
	switch e {
	case SetErrorExistence:
		return "register does not exist"
	case SetErrorMutability:
		return "register is immutable"
	case SetErrorCoercion:
		return "value cannot be coerced to the register type"
	case SetErrorSemantics:
		return "value rejected by register semantics"
	default:
		return "unknown set error"
	}
}
