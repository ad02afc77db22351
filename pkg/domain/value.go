package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ValueType tags the variant held by an AttributeValue.
type ValueType string

// Supported attribute value types.
const (
	ValueTypeText          ValueType = "text"
	ValueTypeMultilineText ValueType = "multiline_text"
	ValueTypeInteger       ValueType = "integer"
	ValueTypeDouble        ValueType = "double"
	ValueTypeBoolean       ValueType = "boolean"
	ValueTypeJSON          ValueType = "json"
	ValueTypeGUID          ValueType = "guid"
	ValueTypeTimestamp     ValueType = "timestamp"
)

// Valid reports whether t is a known value type.
func (t ValueType) Valid() bool {
	switch t {
	case ValueTypeText, ValueTypeMultilineText, ValueTypeInteger, ValueTypeDouble,
		ValueTypeBoolean, ValueTypeJSON, ValueTypeGUID, ValueTypeTimestamp:
		return true
	}
	return false
}

// IsText reports whether values of type t are strings.
func (t ValueType) IsText() bool {
	return t == ValueTypeText || t == ValueTypeMultilineText
}

// AttributeValue is a tagged union over the supported value types, either as a
// single scalar or as a homogeneous array. Exactly one of the typed slices is
// populated, matching Type.
type AttributeValue struct {
	Type    ValueType
	IsArray bool

	texts    []string
	integers []int64
	doubles  []float64
	booleans []bool
	jsons    []json.RawMessage
	guids    []uuid.UUID
	times    []time.Time
}

// TextValue builds a single-line text scalar.
func TextValue(v string) AttributeValue {
	return AttributeValue{Type: ValueTypeText, texts: []string{v}}
}

// MultilineTextValue builds a multi-line text scalar.
func MultilineTextValue(v string) AttributeValue {
	return AttributeValue{Type: ValueTypeMultilineText, texts: []string{v}}
}

// IntegerValue builds an integer scalar.
func IntegerValue(v int64) AttributeValue {
	return AttributeValue{Type: ValueTypeInteger, integers: []int64{v}}
}

// DoubleValue builds a floating point scalar.
func DoubleValue(v float64) AttributeValue {
	return AttributeValue{Type: ValueTypeDouble, doubles: []float64{v}}
}

// BooleanValue builds a boolean scalar.
func BooleanValue(v bool) AttributeValue {
	return AttributeValue{Type: ValueTypeBoolean, booleans: []bool{v}}
}

// JSONValue builds a JSON scalar; the document is compacted.
func JSONValue(v json.RawMessage) (AttributeValue, error) {
	c, err := compactJSON(v)
	if err != nil {
		return AttributeValue{}, err
	}
	return AttributeValue{Type: ValueTypeJSON, jsons: []json.RawMessage{c}}, nil
}

// GUIDValue builds a GUID scalar.
func GUIDValue(v uuid.UUID) AttributeValue {
	return AttributeValue{Type: ValueTypeGUID, guids: []uuid.UUID{v}}
}

// TimestampValue builds a timestamp scalar.
func TimestampValue(v time.Time) AttributeValue {
	return AttributeValue{Type: ValueTypeTimestamp, times: []time.Time{v.UTC()}}
}

// TextArray builds a text array.
func TextArray(vs ...string) AttributeValue {
	return AttributeValue{Type: ValueTypeText, IsArray: true, texts: append([]string{}, vs...)}
}

// IntegerArray builds an integer array.
func IntegerArray(vs ...int64) AttributeValue {
	return AttributeValue{Type: ValueTypeInteger, IsArray: true, integers: append([]int64{}, vs...)}
}

// DoubleArray builds a floating point array.
func DoubleArray(vs ...float64) AttributeValue {
	return AttributeValue{Type: ValueTypeDouble, IsArray: true, doubles: append([]float64{}, vs...)}
}

// BooleanArray builds a boolean array.
func BooleanArray(vs ...bool) AttributeValue {
	return AttributeValue{Type: ValueTypeBoolean, IsArray: true, booleans: append([]bool{}, vs...)}
}

// JSONArray builds a JSON array; each document is compacted.
func JSONArray(vs ...json.RawMessage) (AttributeValue, error) {
	out := make([]json.RawMessage, 0, len(vs))
	for _, v := range vs {
		c, err := compactJSON(v)
		if err != nil {
			return AttributeValue{}, err
		}
		out = append(out, c)
	}
	return AttributeValue{Type: ValueTypeJSON, IsArray: true, jsons: out}, nil
}

// GUIDArray builds a GUID array.
func GUIDArray(vs ...uuid.UUID) AttributeValue {
	return AttributeValue{Type: ValueTypeGUID, IsArray: true, guids: append([]uuid.UUID{}, vs...)}
}

// TimestampArray builds a timestamp array.
func TimestampArray(vs ...time.Time) AttributeValue {
	out := make([]time.Time, len(vs))
	for i, v := range vs {
		out[i] = v.UTC()
	}
	return AttributeValue{Type: ValueTypeTimestamp, IsArray: true, times: out}
}

// ParseValue is the inverse of RawStrings.
func ParseValue(t ValueType, isArray bool, raws []string) (AttributeValue, error) {
	if !isArray && len(raws) != 1 {
		return AttributeValue{}, fmt.Errorf("%w: scalar value needs exactly one element, got %d", ErrInvalidAttribute, len(raws))
	}
	v := AttributeValue{Type: t, IsArray: isArray}
	switch t {
	case ValueTypeText, ValueTypeMultilineText:
		v.texts = append([]string{}, raws...)
	case ValueTypeInteger:
		v.integers = make([]int64, 0, len(raws))
		for _, r := range raws {
			i, err := strconv.ParseInt(r, 10, 64)
			if err != nil {
				return AttributeValue{}, fmt.Errorf("%w: parse integer %q: %v", ErrInvalidAttribute, r, err)
			}
			v.integers = append(v.integers, i)
		}
	case ValueTypeDouble:
		v.doubles = make([]float64, 0, len(raws))
		for _, r := range raws {
			f, err := strconv.ParseFloat(r, 64)
			if err != nil {
				return AttributeValue{}, fmt.Errorf("%w: parse double %q: %v", ErrInvalidAttribute, r, err)
			}
			v.doubles = append(v.doubles, f)
		}
	case ValueTypeBoolean:
		v.booleans = make([]bool, 0, len(raws))
		for _, r := range raws {
			b, err := strconv.ParseBool(r)
			if err != nil {
				return AttributeValue{}, fmt.Errorf("%w: parse boolean %q: %v", ErrInvalidAttribute, r, err)
			}
			v.booleans = append(v.booleans, b)
		}
	case ValueTypeJSON:
		v.jsons = make([]json.RawMessage, 0, len(raws))
		for _, r := range raws {
			c, err := compactJSON(json.RawMessage(r))
			if err != nil {
				return AttributeValue{}, err
			}
			v.jsons = append(v.jsons, c)
		}
	case ValueTypeGUID:
		v.guids = make([]uuid.UUID, 0, len(raws))
		for _, r := range raws {
			g, err := uuid.Parse(r)
			if err != nil {
				return AttributeValue{}, fmt.Errorf("%w: parse guid %q: %v", ErrInvalidAttribute, r, err)
			}
			v.guids = append(v.guids, g)
		}
	case ValueTypeTimestamp:
		v.times = make([]time.Time, 0, len(raws))
		for _, r := range raws {
			ts, err := time.Parse(time.RFC3339Nano, r)
			if err != nil {
				return AttributeValue{}, fmt.Errorf("%w: parse timestamp %q: %v", ErrInvalidAttribute, r, err)
			}
			v.times = append(v.times, ts.UTC())
		}
	default:
		return AttributeValue{}, fmt.Errorf("%w: unknown value type %q", ErrInvalidAttribute, t)
	}
	return v, nil
}

// Len returns the number of elements; 1 for scalars.
func (v AttributeValue) Len() int {
	switch v.Type {
	case ValueTypeText, ValueTypeMultilineText:
		return len(v.texts)
	case ValueTypeInteger:
		return len(v.integers)
	case ValueTypeDouble:
		return len(v.doubles)
	case ValueTypeBoolean:
		return len(v.booleans)
	case ValueTypeJSON:
		return len(v.jsons)
	case ValueTypeGUID:
		return len(v.guids)
	case ValueTypeTimestamp:
		return len(v.times)
	}
	return 0
}

// IsZero reports whether v carries no type.
func (v AttributeValue) IsZero() bool { return v.Type == "" }

// Texts returns the string elements of a text value.
func (v AttributeValue) Texts() []string {
	if !v.Type.IsText() {
		return nil
	}
	return append([]string{}, v.texts...)
}

// Text returns the scalar string of a text value.
func (v AttributeValue) Text() (string, bool) {
	if !v.Type.IsText() || v.IsArray || len(v.texts) != 1 {
		return "", false
	}
	return v.texts[0], true
}

// Integers returns the elements of an integer value.
func (v AttributeValue) Integers() []int64 { return append([]int64{}, v.integers...) }

// Doubles returns the elements of a double value.
func (v AttributeValue) Doubles() []float64 { return append([]float64{}, v.doubles...) }

// Booleans returns the elements of a boolean value.
func (v AttributeValue) Booleans() []bool { return append([]bool{}, v.booleans...) }

// JSONs returns the elements of a JSON value.
func (v AttributeValue) JSONs() []json.RawMessage { return append([]json.RawMessage{}, v.jsons...) }

// GUIDs returns the elements of a GUID value.
func (v AttributeValue) GUIDs() []uuid.UUID { return append([]uuid.UUID{}, v.guids...) }

// Timestamps returns the elements of a timestamp value.
func (v AttributeValue) Timestamps() []time.Time { return append([]time.Time{}, v.times...) }

// RawStrings renders every element in its canonical string form.
func (v AttributeValue) RawStrings() []string {
	switch v.Type {
	case ValueTypeText, ValueTypeMultilineText:
		return append([]string{}, v.texts...)
	case ValueTypeInteger:
		out := make([]string, len(v.integers))
		for i, x := range v.integers {
			out[i] = strconv.FormatInt(x, 10)
		}
		return out
	case ValueTypeDouble:
		out := make([]string, len(v.doubles))
		for i, x := range v.doubles {
			out[i] = strconv.FormatFloat(x, 'g', -1, 64)
		}
		return out
	case ValueTypeBoolean:
		out := make([]string, len(v.booleans))
		for i, x := range v.booleans {
			out[i] = strconv.FormatBool(x)
		}
		return out
	case ValueTypeJSON:
		out := make([]string, len(v.jsons))
		for i, x := range v.jsons {
			out[i] = string(x)
		}
		return out
	case ValueTypeGUID:
		out := make([]string, len(v.guids))
		for i, x := range v.guids {
			out[i] = x.String()
		}
		return out
	case ValueTypeTimestamp:
		out := make([]string, len(v.times))
		for i, x := range v.times {
			out[i] = x.Format(time.RFC3339Nano)
		}
		return out
	}
	return nil
}

// String renders scalars as their raw form and arrays as a comma-separated list.
func (v AttributeValue) String() string {
	raws := v.RawStrings()
	if !v.IsArray {
		if len(raws) == 0 {
			return ""
		}
		return raws[0]
	}
	return "[" + strings.Join(raws, ",") + "]"
}

// Equal compares type, multiplicity and elements.
func (v AttributeValue) Equal(other AttributeValue) bool {
	if v.Type != other.Type || v.IsArray != other.IsArray {
		return false
	}
	a, b := v.RawStrings(), other.RawStrings()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type valueJSON struct {
	Type    ValueType `json:"type"`
	IsArray bool      `json:"is_array"`
	Values  []string  `json:"values"`
}

// MarshalJSON encodes the value in its raw DTO form.
func (v AttributeValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(valueJSON{Type: v.Type, IsArray: v.IsArray, Values: v.RawStrings()})
}

// UnmarshalJSON decodes the raw DTO form.
func (v *AttributeValue) UnmarshalJSON(data []byte) error {
	var raw valueJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Type == "" {
		*v = AttributeValue{}
		return nil
	}
	parsed, err := ParseValue(raw.Type, raw.IsArray, raw.Values)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func compactJSON(in json.RawMessage) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, in); err != nil {
		return nil, fmt.Errorf("%w: invalid json: %v", ErrInvalidAttribute, err)
	}
	return json.RawMessage(buf.Bytes()), nil
}
