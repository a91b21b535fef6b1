// Package types holds the dynamic value model shared by proof documents,
// metadata, and the canonical encoder.
package types

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
)

// Kind tags the shape held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindList
	KindMap
)

// Value is a tagged variant standing in for an untyped JSON-shaped field.
// Proof activity_data and metadata documents are Map[string]Value trees;
// this replaces the "any-shaped map" pattern of the original source with an
// explicit, exhaustively-switchable type.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	bs   []byte
	list []Value
	m    Map
}

// Map is a collection of named Values. Iteration order is not defined;
// SortedKeys returns the keys in ascending order.
type Map map[string]Value

func Null() Value              { return Value{kind: KindNull} }
func Bool(v bool) Value        { return Value{kind: KindBool, b: v} }
func Int(v int64) Value        { return Value{kind: KindInt, i: v} }
func Float(v float64) Value    { return Value{kind: KindFloat, f: v} }
func String(v string) Value    { return Value{kind: KindString, s: v} }
func Bytes(v []byte) Value     { return Value{kind: KindBytes, bs: append([]byte(nil), v...)} }
func List(v []Value) Value     { return Value{kind: KindList, list: v} }
func MapValue(v Map) Value     { return Value{kind: KindMap, m: v} }

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsBool() (bool, bool)       { return v.b, v.kind == KindBool }
func (v Value) AsInt() (int64, bool)       { return v.i, v.kind == KindInt }
func (v Value) AsFloat() (float64, bool)   { return v.f, v.kind == KindFloat }
func (v Value) AsString() (string, bool)   { return v.s, v.kind == KindString }
func (v Value) AsBytes() ([]byte, bool)    { return v.bs, v.kind == KindBytes }
func (v Value) AsList() ([]Value, bool)    { return v.list, v.kind == KindList }
func (v Value) AsMap() (Map, bool)         { return v.m, v.kind == KindMap }

// FromAny converts a generic, JSON-decoded value (map[string]interface{},
// []interface{}, string, float64, bool, nil) into a Value tree. It is the
// boundary adapter for JSON payloads arriving over the HTTP surface.
func FromAny(a interface{}) Value {
	switch t := a.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case string:
		return String(t)
	case float64:
		if t == float64(int64(t)) {
			return Int(int64(t))
		}
		return Float(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i)
		}
		f, _ := t.Float64()
		return Float(f)
	case []byte:
		return Bytes(t)
	case []interface{}:
		out := make([]Value, len(t))
		for i, e := range t {
			out[i] = FromAny(e)
		}
		return List(out)
	case map[string]interface{}:
		out := make(Map, len(t))
		for k, e := range t {
			out[k] = FromAny(e)
		}
		return MapValue(out)
	default:
		return String(fmt.Sprintf("%v", t))
	}
}

// ToAny converts a Value back into a plain interface{} tree suitable for
// json.Marshal or further processing. Bytes become base64 strings.
func (v Value) ToAny() interface{} {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindBytes:
		return base64.StdEncoding.EncodeToString(v.bs)
	case KindList:
		out := make([]interface{}, len(v.list))
		for i, e := range v.list {
			out[i] = e.ToAny()
		}
		return out
	case KindMap:
		out := make(map[string]interface{}, len(v.m))
		for k, e := range v.m {
			out[k] = e.ToAny()
		}
		return out
	default:
		return nil
	}
}

// MarshalJSON encodes a Value via its plain-interface projection, since
// Value's fields are unexported and would otherwise marshal as "{}".
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.ToAny())
}

// UnmarshalJSON decodes into a Value via FromAny, preserving integer vs.
// float distinction through json.Number.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return err
	}
	*v = FromAny(generic)
	return nil
}

// SortedKeys returns the Map's keys in ascending lexicographic order.
func (m Map) SortedKeys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy of m.
func (m Map) Clone() Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v Value) Value {
	switch v.kind {
	case KindBytes:
		v.bs = append([]byte(nil), v.bs...)
	case KindList:
		list := make([]Value, len(v.list))
		for i, e := range v.list {
			list[i] = cloneValue(e)
		}
		v.list = list
	case KindMap:
		v.m = v.m.Clone()
	}
	return v
}
