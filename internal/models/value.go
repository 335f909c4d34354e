package models

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ValueKind discriminates the closed set of attribute value shapes.
type ValueKind uint8

const (
	KindNumber ValueKind = iota
	KindText
	KindBool
	KindObject
	KindArray
)

func (k ValueKind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindText:
		return "text"
	case KindBool:
		return "bool"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	default:
		return "unknown"
	}
}

// AttributeValueType tags a temporal attribute with the kind of instances it
// accepts. The tag is fixed at first observation.
type AttributeValueType string

const (
	ValueTypeMeasure AttributeValueType = "MEASURE"
	ValueTypeAny     AttributeValueType = "ANY"
)

// Value is a tagged union over the JSON-representable attribute values.
type Value struct {
	kind ValueKind
	num  float64
	str  string
	b    bool
	obj  map[string]Value
	arr  []Value
}

func NumberValue(f float64) Value {
	return Value{kind: KindNumber, num: f}
}

func TextValue(s string) Value {
	return Value{kind: KindText, str: s}
}

func BoolValue(b bool) Value {
	return Value{kind: KindBool, b: b}
}

func ObjectValue(m map[string]Value) Value {
	return Value{kind: KindObject, obj: m}
}

func ArrayValue(vs []Value) Value {
	return Value{kind: KindArray, arr: vs}
}

// ValueFrom converts a decoded JSON value into a Value. Integers and floats
// both map to KindNumber.
func ValueFrom(raw any) (Value, error) {
	switch v := raw.(type) {
	case float64:
		return NumberValue(v), nil
	case float32:
		return NumberValue(float64(v)), nil
	case int:
		return NumberValue(float64(v)), nil
	case int64:
		return NumberValue(float64(v)), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("non-numeric json.Number %q: %w", v.String(), err)
		}
		return NumberValue(f), nil
	case string:
		return TextValue(v), nil
	case bool:
		return BoolValue(v), nil
	case map[string]any:
		obj := make(map[string]Value, len(v))
		for key, elem := range v {
			converted, err := ValueFrom(elem)
			if err != nil {
				return Value{}, err
			}
			obj[key] = converted
		}
		return ObjectValue(obj), nil
	case []any:
		arr := make([]Value, len(v))
		for i, elem := range v {
			converted, err := ValueFrom(elem)
			if err != nil {
				return Value{}, err
			}
			arr[i] = converted
		}
		return ArrayValue(arr), nil
	case nil:
		return Value{}, fmt.Errorf("null is not a valid attribute value")
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", raw)
	}
}

func (v Value) Kind() ValueKind {
	return v.kind
}

// IsMeasure reports whether the value is a numeric observation.
func (v Value) IsMeasure() bool {
	return v.kind == KindNumber
}

// Float returns the numeric value, coerced to float64.
func (v Value) Float() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return v.num, true
}

func (v Value) Text() (string, bool) {
	if v.kind != KindText {
		return "", false
	}
	return v.str, true
}

func (v Value) Bool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

// Interface returns the plain Go representation used for JSON rendering.
func (v Value) Interface() any {
	switch v.kind {
	case KindNumber:
		return v.num
	case KindText:
		return v.str
	case KindBool:
		return v.b
	case KindObject:
		m := make(map[string]any, len(v.obj))
		for key, elem := range v.obj {
			m[key] = elem.Interface()
		}
		return m
	case KindArray:
		s := make([]any, len(v.arr))
		for i, elem := range v.arr {
			s[i] = elem.Interface()
		}
		return s
	default:
		return nil
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ValueFrom(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Lexeme is the lexical form the value is compared under when numeric
// comparison does not apply.
func (v Value) Lexeme() string {
	switch v.kind {
	case KindText:
		return v.str
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v.Interface())
		}
		return string(raw)
	}
}

// InferValueType returns the permanent value-kind tag for a first observation:
// numeric values are MEASURE, everything else is ANY.
func InferValueType(v Value) AttributeValueType {
	if v.IsMeasure() {
		return ValueTypeMeasure
	}
	return ValueTypeAny
}
