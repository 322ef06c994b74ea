package record

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"golang.org/x/text/unicode/norm"
)

// KeyDigest returns a stable hex digest of a row's key attributes.
//
// The digest is computed over a canonical JSON form: object keys sorted,
// strings NFC-normalized, no HTML escaping, bytes as base64. Two keys that
// differ only in attribute order or Unicode normalization produce the same
// digest, so replaying the same logical key always addresses the same stored
// row.
func KeyDigest(keys Row) (string, error) {
	if len(keys) == 0 {
		return "", fmt.Errorf("key digest: empty key")
	}
	canonical, err := marshalCanonicalRow(keys)
	if err != nil {
		return "", fmt.Errorf("key digest: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func marshalCanonicalRow(row Row) ([]byte, error) {
	names := make([]string, 0, len(row))
	for name := range row {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range names {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := marshalCanonicalString(name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := marshalCanonicalValue(row[name])
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", name, err)
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func marshalCanonicalValue(v Value) ([]byte, error) {
	switch val := v.(type) {
	case String:
		return marshalCanonicalTagged(tagString, string(val))
	case Number:
		return marshalCanonicalTagged(tagNumber, string(val))
	case Bool:
		if val {
			return []byte(`{"BOOL":true}`), nil
		}
		return []byte(`{"BOOL":false}`), nil
	case Null:
		return []byte(`{"NULL":true}`), nil
	case Bytes:
		return marshalCanonicalTagged(tagBytes, base64.StdEncoding.EncodeToString(val))
	case List:
		var buf bytes.Buffer
		buf.WriteString(`{"L":[`)
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			data, err := marshalCanonicalValue(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			buf.Write(data)
		}
		buf.WriteString(`]}`)
		return buf.Bytes(), nil
	case Map:
		inner, err := marshalCanonicalRow(Row(val))
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		buf.WriteString(`{"M":`)
		buf.Write(inner)
		buf.WriteByte('}')
		return buf.Bytes(), nil
	case nil:
		return nil, fmt.Errorf("nil value")
	default:
		return nil, fmt.Errorf("unsupported value type: %T", v)
	}
}

func marshalCanonicalTagged(tag, s string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"`)
	buf.WriteString(tag)
	buf.WriteString(`":`)
	data, err := marshalCanonicalString(s)
	if err != nil {
		return nil, err
	}
	buf.Write(data)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// marshalCanonicalString encodes a string with NFC normalization at the
// serialization boundary and without HTML escaping, so the digest does not
// depend on the encoder's JavaScript-safety quirks.
func marshalCanonicalString(s string) ([]byte, error) {
	normalized := norm.NFC.String(s)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, err
	}

	// json.Encoder adds a trailing newline, remove it.
	result := buf.Bytes()
	if len(result) > 0 && result[len(result)-1] == '\n' {
		result = result[:len(result)-1]
	}
	return result, nil
}
