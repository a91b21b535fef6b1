// Package canon implements the Canonical Encoder (C1): deterministic byte
// serialization of structured values. Every hash, MAC, and signature in this
// module is computed over bytes produced here, never over ad-hoc
// json.Marshal output, so "same logical value => same bytes" holds
// regardless of struct field order or map iteration order.
//
// There is no canonical-JSON library anywhere in the reference corpus, so
// this package is written against the standard library only; see DESIGN.md
// for that justification.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"strconv"

	"github.com/drp-network/gateway/internal/types"
)

// logger is package-scoped because the canonical encoder has no natural
// constructor to inject one into; callers that care can redirect it.
var logger = log.New(log.Writer(), "[canon] ", log.LstdFlags)

// SetLogger overrides the package logger.
func SetLogger(l *log.Logger) { logger = l }

// ErrUnsupportedType is returned when a value cannot be represented in
// canonical form (channels, functions, complex numbers, NaN/Inf floats).
var ErrUnsupportedType = errors.New("canon: unsupported value type")

// Encode produces the canonical byte representation of v: object keys
// sorted lexicographically ascending, no insignificant whitespace, numbers
// without trailing zeros, binary data base64-encoded, UTF-8 strings.
//
// v may be a struct (encoded via its json tags), a map, a slice, a
// primitive, or a types.Value.
func Encode(v interface{}) ([]byte, error) {
	if val, ok := v.(types.Value); ok {
		v = val.ToAny()
	}

	raw, err := json.Marshal(v)
	if err != nil {
		var typeErr *json.UnsupportedTypeError
		var valueErr *json.UnsupportedValueError
		if errors.As(err, &typeErr) || errors.As(err, &valueErr) {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedType, err)
		}
		return nil, fmt.Errorf("canon: marshal: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canon: redecode: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns SHA-256 of the canonical encoding of v.
func Hash(v interface{}) ([32]byte, error) {
	b, err := Encode(v)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(b), nil
}

// HashHex returns the lowercase-hex SHA-256 digest of the canonical
// encoding of v.
func HashHex(v interface{}) (string, error) {
	h, err := Hash(v)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h), nil
}

// Idempotent reports whether encoding v, parsing the result back into a
// generic value, and re-encoding it yields identical bytes.
func Idempotent(v interface{}) (bool, error) {
	b1, err := Encode(v)
	if err != nil {
		return false, err
	}
	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(b1))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return false, err
	}
	b2, err := Encode(generic)
	if err != nil {
		return false, err
	}
	return bytes.Equal(b1, b2), nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		return writeNumber(buf, t)
	case float64:
		return writeNumber(buf, json.Number(strconv.FormatFloat(t, 'g', -1, 64)))
	case string:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	case []byte:
		b, err := json.Marshal(t) // base64 via encoding/json's []byte handling
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	case []interface{}:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	default:
		logger.Printf("unsupported type %T in canonical encode", v)
		return ErrUnsupportedType
	}
}

func writeNumber(buf *bytes.Buffer, n json.Number) error {
	if f, err := n.Float64(); err == nil {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return ErrUnsupportedType
		}
	}
	s := n.String()
	if iv, err := n.Int64(); err == nil {
		buf.WriteString(strconv.FormatInt(iv, 10))
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("canon: bad number %q: %w", s, err)
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}
