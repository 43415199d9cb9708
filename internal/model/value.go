package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cast"
)

// Kind is the value kind stored by a register space.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool
	KindInt
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	default:
		return "invalid"
	}
}

// Value is a boolean or integer sensor value. The zero Value is invalid and
// encodes as JSON null.
type Value struct {
	kind Kind
	b    bool
	i    int64
}

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

func Int(i int64) Value { return Value{kind: KindInt, i: i} }

func (v Value) Kind() Kind    { return v.kind }
func (v Value) IsValid() bool { return v.kind != KindInvalid }

// Bool reports the value as a boolean; integers are true when non-zero.
func (v Value) Bool() bool {
	if v.kind == KindInt {
		return v.i != 0
	}
	return v.b
}

// Int reports the value as an integer; booleans are 0 or 1.
func (v Value) Int() int64 {
	if v.kind == KindBool {
		if v.b {
			return 1
		}
		return 0
	}
	return v.i
}

// Interface returns the underlying bool or int64, or nil for an invalid value.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	default:
		return nil
	}
}

func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindBool:
		return v.b == o.b
	case KindInt:
		return v.i == o.i
	default:
		return true
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	default:
		return "<invalid>"
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindBool:
		return []byte(strconv.FormatBool(v.b)), nil
	case KindInt:
		return []byte(strconv.FormatInt(v.i, 10)), nil
	default:
		return []byte("null"), nil
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch string(data) {
	case "null":
		*v = Value{}
		return nil
	case "true":
		*v = Bool(true)
		return nil
	case "false":
		*v = Bool(false)
		return nil
	}
	n, err := Coerce(json.Number(data), KindInt)
	if err != nil {
		return err
	}
	*v = n
	return nil
}

// Coerce converts raw into a Value of the requested kind. Numbers become
// booleans by comparison with zero, floats become integers by truncation and
// booleans become 0 or 1. Strings are parsed.
func Coerce(raw any, kind Kind) (Value, error) {
	if n, ok := raw.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			raw = i
		} else if f, err := n.Float64(); err == nil {
			raw = f
		} else {
			return Value{}, fmt.Errorf("%w: %s", ErrInvalidValue, n)
		}
	}
	if v, ok := raw.(Value); ok {
		if !v.IsValid() {
			return Value{}, fmt.Errorf("%w: invalid value", ErrInvalidValue)
		}
		switch kind {
		case KindBool:
			return Bool(v.Bool()), nil
		case KindInt:
			return Int(v.Int()), nil
		}
	}
	switch kind {
	case KindBool:
		switch raw.(type) {
		case bool, string, nil:
			b, err := cast.ToBoolE(raw)
			if err != nil {
				return Value{}, fmt.Errorf("%w: %v", ErrInvalidValue, err)
			}
			return Bool(b), nil
		}
		f, err := cast.ToFloat64E(raw)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		return Bool(f != 0), nil
	case KindInt:
		if raw == nil {
			return Value{}, fmt.Errorf("%w: nil is not an integer", ErrInvalidValue)
		}
		n, err := cast.ToInt64E(raw)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		return Int(n), nil
	default:
		return Value{}, fmt.Errorf("%w: kind %s", ErrInvalidValue, kind)
	}
}
