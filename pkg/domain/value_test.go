package domain

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestValueRawRoundTrip(t *testing.T) {
	ts := time.Date(2024, 5, 6, 7, 8, 9, 10, time.FixedZone("x", 7200))
	guid := uuid.MustParse("0b8e1f6a-3c1d-4c55-9f66-0e4e0c3e7a11")
	js, err := JSONValue(json.RawMessage(`{ "a" : 1 }`))
	if err != nil {
		t.Fatalf("json value: %v", err)
	}
	values := []AttributeValue{
		TextValue("web01"),
		MultilineTextValue("a\nb"),
		IntegerValue(-3),
		DoubleValue(1.5),
		BooleanValue(true),
		js,
		GUIDValue(guid),
		TimestampValue(ts),
		TextArray("a", "b"),
		IntegerArray(80, 443),
		DoubleArray(0.25),
		BooleanArray(true, false),
		GUIDArray(guid),
		TimestampArray(ts),
	}
	for _, v := range values {
		parsed, err := ParseValue(v.Type, v.IsArray, v.RawStrings())
		if err != nil {
			t.Fatalf("parse %s: %v", v, err)
		}
		if !parsed.Equal(v) {
			t.Fatalf("round trip changed %s into %s", v, parsed)
		}
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal %s: %v", v, err)
		}
		var decoded AttributeValue
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if !decoded.Equal(v) {
			t.Fatalf("json round trip changed %s into %s", v, decoded)
		}
	}
	if got := js.RawStrings()[0]; got != `{"a":1}` {
		t.Fatalf("json must be compacted, got %s", got)
	}
	if got := TimestampValue(ts).Timestamps()[0].Location(); got != time.UTC {
		t.Fatalf("timestamps must be stored in UTC, got %v", got)
	}
}

func TestValueAccessors(t *testing.T) {
	v := TextValue("x")
	if s, ok := v.Text(); !ok || s != "x" || v.Len() != 1 || v.String() != "x" {
		t.Fatalf("unexpected scalar accessors")
	}
	arr := TextArray("a", "b")
	if _, ok := arr.Text(); ok {
		t.Fatalf("Text must reject arrays")
	}
	if arr.String() != "[a,b]" || arr.Len() != 2 {
		t.Fatalf("unexpected array rendering %s", arr)
	}
	ints := IntegerArray(1, 2)
	got := ints.Integers()
	got[0] = 99
	if !reflect.DeepEqual(ints.Integers(), []int64{1, 2}) {
		t.Fatalf("accessors must return copies")
	}
	if ints.Texts() != nil {
		t.Fatalf("Texts must be nil for integer values")
	}
	if !(AttributeValue{}).IsZero() || v.IsZero() {
		t.Fatalf("unexpected zero detection")
	}
}

func TestValueEqualityRespectsTypeAndMultiplicity(t *testing.T) {
	if TextValue("1").Equal(IntegerValue(1)) {
		t.Fatalf("different types must differ")
	}
	if TextValue("a").Equal(TextArray("a")) {
		t.Fatalf("scalar and single element array must differ")
	}
	if TextValue("a").Equal(MultilineTextValue("a")) {
		t.Fatalf("text and multiline text must differ")
	}
	if !IntegerArray(1, 2).Equal(IntegerArray(1, 2)) || IntegerArray(1, 2).Equal(IntegerArray(2, 1)) {
		t.Fatalf("array equality must be ordered")
	}
}

func TestParseValueErrors(t *testing.T) {
	cases := []struct {
		typ   ValueType
		array bool
		raws  []string
	}{
		{ValueTypeText, false, []string{"a", "b"}},
		{ValueTypeText, false, nil},
		{ValueTypeInteger, false, []string{"x"}},
		{ValueTypeDouble, true, []string{"1", "y"}},
		{ValueTypeBoolean, false, []string{"maybe"}},
		{ValueTypeJSON, false, []string{"{"}},
		{ValueTypeGUID, false, []string{"nope"}},
		{ValueTypeTimestamp, false, []string{"yesterday"}},
		{ValueType("blob"), false, []string{"x"}},
	}
	for _, c := range cases {
		if _, err := ParseValue(c.typ, c.array, c.raws); !errors.Is(err, ErrInvalidAttribute) {
			t.Fatalf("ParseValue(%s, %v, %v): expected ErrInvalidAttribute, got %v", c.typ, c.array, c.raws, err)
		}
	}
	if v, err := ParseValue(ValueTypeText, true, nil); err != nil || v.Len() != 0 || !v.IsArray {
		t.Fatalf("empty arrays are allowed: %v", err)
	}
	var v AttributeValue
	if err := json.Unmarshal([]byte(`{"type":"","values":[]}`), &v); err != nil || !v.IsZero() {
		t.Fatalf("untyped json must decode to the zero value: %v", err)
	}
}

func TestValueTypeClassification(t *testing.T) {
	if !ValueTypeMultilineText.IsText() || ValueTypeJSON.IsText() {
		t.Fatalf("unexpected text classification")
	}
	if ValueType("").Valid() || !ValueTypeTimestamp.Valid() {
		t.Fatalf("unexpected validity")
	}
}
