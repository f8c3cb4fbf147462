package crawler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// Kind identifies which of the closed set of shapes a Value holds.
type Kind uint8

// Value kinds understood by the normalizer and the stores.
const (
	KindInvalid Kind = iota
	KindString
	KindInt
	KindFloat
	KindList
	KindPeople
	KindLabels
	KindTime
)

var kindNames = [...]string{"invalid", "string", "int", "float", "list", "people", "labels", "time"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Value is a single scraped field. The zero Value is KindInvalid.
type Value struct {
	kind   Kind
	str    string
	num    int64
	flt    float64
	list   []string
	people []PersonRef
	labels map[string]string
	at     time.Time
}

// StringValue wraps a string.
func StringValue(s string) Value { return Value{kind: KindString, str: s} }

// IntValue wraps a signed integer.
func IntValue(n int64) Value { return Value{kind: KindInt, num: n} }

// FloatValue wraps a float.
func FloatValue(f float64) Value { return Value{kind: KindFloat, flt: f} }

// ListValue wraps a copy of a string list.
func ListValue(items ...string) Value {
	return Value{kind: KindList, list: append([]string{}, items...)}
}

// PeopleValue wraps a copy of a person reference list.
func PeopleValue(people ...PersonRef) Value {
	return Value{kind: KindPeople, people: append([]PersonRef{}, people...)}
}

// LabelsValue wraps a copy of a label → raw value dictionary.
func LabelsValue(labels map[string]string) Value {
	cp := make(map[string]string, len(labels))
	maps.Copy(cp, labels)
	return Value{kind: KindLabels, labels: cp}
}

// TimeValue wraps a timestamp.
func TimeValue(t time.Time) Value { return Value{kind: KindTime, at: t} }

// Kind reports the value's shape.
func (v Value) Kind() Kind { return v.kind }

// Str returns the string payload; empty for other kinds.
func (v Value) Str() string { return v.str }

// Int returns the integer payload.
func (v Value) Int() int64 { return v.num }

// Float returns the float payload.
func (v Value) Float() float64 { return v.flt }

// List returns a copy of the list payload.
func (v Value) List() []string { return append([]string(nil), v.list...) }

// People returns a copy of the people payload.
func (v Value) People() []PersonRef { return append([]PersonRef(nil), v.people...) }

// Labels returns a copy of the labels payload.
func (v Value) Labels() map[string]string {
	cp := make(map[string]string, len(v.labels))
	maps.Copy(cp, v.labels)
	return cp
}

// Time returns the timestamp payload.
func (v Value) Time() time.Time { return v.at }

// IsZero reports whether the value counts as "not scraped": empty strings,
// zero numbers, empty collections, zero times and invalid values.
func (v Value) IsZero() bool {
	switch v.kind {
	case KindString:
		return v.str == ""
	case KindInt:
		return v.num == 0
	case KindFloat:
		return v.flt == 0
	case KindList:
		return len(v.list) == 0
	case KindPeople:
		return len(v.people) == 0
	case KindLabels:
		return len(v.labels) == 0
	case KindTime:
		return v.at.IsZero()
	default:
		return true
	}
}

// Native returns the value as a plain Go value suitable for drivers and
// JSON encoding.
func (v Value) Native() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindInt:
		return v.num
	case KindFloat:
		return v.flt
	case KindList:
		return v.List()
	case KindPeople:
		return v.People()
	case KindLabels:
		return v.Labels()
	case KindTime:
		return v.at
	default:
		return nil
	}
}

// MarshalJSON encodes the payload without a kind envelope.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == KindTime {
		return json.Marshal(v.at.UTC().Format(time.RFC3339))
	}
	return json.Marshal(v.Native())
}

// UnmarshalJSON infers the kind from the JSON shape. Timestamps decode as
// strings; integral numbers decode as KindInt.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("decode value: %w", err)
	}
	decoded, err := valueFromJSON(raw)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

func valueFromJSON(raw any) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Value{}, nil
	case string:
		return StringValue(t), nil
	case bool:
		if t {
			return IntValue(1), nil
		}
		return IntValue(0), nil
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return IntValue(n), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("decode number %q: %w", t, err)
		}
		return FloatValue(f), nil
	case []any:
		return listFromJSON(t)
	case map[string]any:
		labels := make(map[string]string, len(t))
		for k, item := range t {
			labels[k] = fmt.Sprint(item)
		}
		return LabelsValue(labels), nil
	default:
		return Value{}, fmt.Errorf("unsupported value %T", raw)
	}
}

func listFromJSON(items []any) (Value, error) {
	if len(items) == 0 {
		return ListValue(), nil
	}
	if _, ok := items[0].(map[string]any); ok {
		people := make([]PersonRef, 0, len(items))
		for _, item := range items {
			obj, ok := item.(map[string]any)
			if !ok {
				return Value{}, fmt.Errorf("mixed people list element %T", item)
			}
			name, _ := obj["name"].(string)
			url, _ := obj["url"].(string)
			people = append(people, PersonRef{Name: name, URL: url})
		}
		return PeopleValue(people...), nil
	}
	list := make([]string, 0, len(items))
	for _, item := range items {
		list = append(list, fmt.Sprint(item))
	}
	return ListValue(list...), nil
}
