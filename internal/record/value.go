package record

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
)

// Value is a sealed interface over the supported attribute value types.
// Only String, Number, Bool, Null, Bytes, List, and Map implement it.
type Value interface {
	attrValue()
}

// String is a string attribute value.
type String string

func (String) attrValue() {}

// Number is a numeric attribute value, carried as its exact decimal string.
// Parsing it into a float would lose precision for large or high-scale
// numbers, so the string is preserved verbatim through decode and replay.
type Number string

func (Number) attrValue() {}

// Bool is a boolean attribute value.
type Bool bool

func (Bool) attrValue() {}

// Null is an explicit null attribute value.
type Null struct{}

func (Null) attrValue() {}

// Bytes is a binary attribute value. Serialized as base64.
type Bytes []byte

func (Bytes) attrValue() {}

// List is an ordered list of attribute values.
type List []Value

func (List) attrValue() {}

// Map is a nested map of attribute values.
type Map map[string]Value

func (Map) attrValue() {}

// Row maps attribute names to values. A row's key attributes uniquely
// identify it in the table.
type Row map[string]Value

// wire tags for typed attribute values.
const (
	tagString = "S"
	tagNumber = "N"
	tagBool   = "BOOL"
	tagNull   = "NULL"
	tagBytes  = "B"
	tagList   = "L"
	tagMap    = "M"
)

// MarshalValue encodes a Value as its typed JSON form.
func MarshalValue(v Value) ([]byte, error) {
	switch val := v.(type) {
	case String:
		return json.Marshal(map[string]string{tagString: string(val)})
	case Number:
		return json.Marshal(map[string]string{tagNumber: string(val)})
	case Bool:
		return json.Marshal(map[string]bool{tagBool: bool(val)})
	case Null:
		return []byte(`{"NULL":true}`), nil
	case Bytes:
		return json.Marshal(map[string]string{tagBytes: base64.StdEncoding.EncodeToString(val)})
	case List:
		parts := make([]json.RawMessage, len(val))
		for i, elem := range val {
			data, err := MarshalValue(elem)
			if err != nil {
				return nil, fmt.Errorf("list[%d]: %w", i, err)
			}
			parts[i] = data
		}
		return json.Marshal(map[string][]json.RawMessage{tagList: parts})
	case Map:
		inner := make(map[string]json.RawMessage, len(val))
		for k, elem := range val {
			data, err := MarshalValue(elem)
			if err != nil {
				return nil, fmt.Errorf("map[%q]: %w", k, err)
			}
			inner[k] = data
		}
		return json.Marshal(map[string]map[string]json.RawMessage{tagMap: inner})
	case nil:
		return nil, fmt.Errorf("nil Value; use record.Null for explicit nulls")
	default:
		return nil, fmt.Errorf("unsupported value type: %T", v)
	}
}

// UnmarshalValue decodes a typed JSON attribute value.
func UnmarshalValue(data []byte) (Value, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("attribute value: %w", err)
	}
	if len(raw) != 1 {
		return nil, fmt.Errorf("attribute value must have exactly one type tag, got %d", len(raw))
	}

	for tag, body := range raw {
		switch tag {
		case tagString:
			var s string
			if err := json.Unmarshal(body, &s); err != nil {
				return nil, fmt.Errorf("S value: %w", err)
			}
			return String(s), nil
		case tagNumber:
			var s string
			if err := json.Unmarshal(body, &s); err != nil {
				return nil, fmt.Errorf("N value: %w", err)
			}
			return Number(s), nil
		case tagBool:
			var b bool
			if err := json.Unmarshal(body, &b); err != nil {
				return nil, fmt.Errorf("BOOL value: %w", err)
			}
			return Bool(b), nil
		case tagNull:
			return Null{}, nil
		case tagBytes:
			var s string
			if err := json.Unmarshal(body, &s); err != nil {
				return nil, fmt.Errorf("B value: %w", err)
			}
			decoded, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return nil, fmt.Errorf("B value: %w", err)
			}
			return Bytes(decoded), nil
		case tagList:
			var parts []json.RawMessage
			if err := json.Unmarshal(body, &parts); err != nil {
				return nil, fmt.Errorf("L value: %w", err)
			}
			list := make(List, len(parts))
			for i, part := range parts {
				elem, err := UnmarshalValue(part)
				if err != nil {
					return nil, fmt.Errorf("L[%d]: %w", i, err)
				}
				list[i] = elem
			}
			return list, nil
		case tagMap:
			var inner map[string]json.RawMessage
			if err := json.Unmarshal(body, &inner); err != nil {
				return nil, fmt.Errorf("M value: %w", err)
			}
			m := make(Map, len(inner))
			for k, part := range inner {
				elem, err := UnmarshalValue(part)
				if err != nil {
					return nil, fmt.Errorf("M[%q]: %w", k, err)
				}
				m[k] = elem
			}
			return m, nil
		default:
			return nil, fmt.Errorf("unknown attribute type tag %q", tag)
		}
	}
	return nil, fmt.Errorf("empty attribute value")
}

// MarshalJSON implements json.Marshaler for Row.
func (r Row) MarshalJSON() ([]byte, error) {
	// Deterministic key order keeps artifacts diffable.
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]json.RawMessage, len(r))
	for _, name := range names {
		data, err := MarshalValue(r[name])
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", name, err)
		}
		out[name] = data
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler for Row.
func (r *Row) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	row := make(Row, len(raw))
	for name, body := range raw {
		v, err := UnmarshalValue(body)
		if err != nil {
			return fmt.Errorf("attribute %q: %w", name, err)
		}
		row[name] = v
	}
	*r = row
	return nil
}
