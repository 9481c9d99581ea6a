// Package jtree models schema-shaped JSON payloads as a closed recursive
// sum type, so tree walkers (diff, merge, normalization, validation) can
// dispatch on structure instead of duck-typing raw interface{} values.
package jtree

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

type Node interface {
	node()
}

type Object map[string]Node

type Array []Node

type String string

type Number float64

type Bool bool

type Null struct{}

func (Object) node() {}
func (Array) node()  {}
func (String) node() {}
func (Number) node() {}
func (Bool) node()   {}
func (Null) node()   {}

var ErrBadValue = fmt.Errorf("jtree: unsupported value type")

// FromAny converts a decoded encoding/json value into a Node.
func FromAny(v any) (Node, error) {
	switch t := v.(type) {
	case nil:
		return Null{}, nil
	case map[string]any:
		o := make(Object, len(t))
		for k, e := range t {
			n, err := FromAny(e)
			if err != nil {
				return nil, err
			}
			o[k] = n
		}
		return o, nil
	case []any:
		a := make(Array, 0, len(t))
		for _, e := range t {
			n, err := FromAny(e)
			if err != nil {
				return nil, err
			}
			a = append(a, n)
		}
		return a, nil
	case string:
		return String(t), nil
	case float64:
		return Number(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, err
		}
		return Number(f), nil
	case int:
		return Number(t), nil
	case int64:
		return Number(t), nil
	case bool:
		return Bool(t), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrBadValue, v)
	}
}

func ToAny(n Node) any {
	switch t := n.(type) {
	case nil:
		return nil
	case Null:
		return nil
	case Object:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = ToAny(e)
		}
		return m
	case Array:
		a := make([]any, 0, len(t))
		for _, e := range t {
			a = append(a, ToAny(e))
		}
		return a
	case String:
		return string(t)
	case Number:
		return float64(t)
	case Bool:
		return bool(t)
	default:
		return nil
	}
}

func FromJSON(raw []byte) (Node, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return FromAny(v)
}

func ToJSON(n Node) ([]byte, error) {
	if n == nil {
		return nil, nil
	}
	return json.Marshal(ToAny(n))
}

// Equal compares two trees structurally. A nil Node only equals nil;
// explicit JSON null is Null{}.
func Equal(a, b Node) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch ta := a.(type) {
	case Null:
		_, ok := b.(Null)
		return ok
	case Object:
		tb, ok := b.(Object)
		if !ok || len(ta) != len(tb) {
			return false
		}
		for k, ea := range ta {
			eb, ok := tb[k]
			if !ok || !Equal(ea, eb) {
				return false
			}
		}
		return true
	case Array:
		tb, ok := b.(Array)
		if !ok || len(ta) != len(tb) {
			return false
		}
		for i := range ta {
			if !Equal(ta[i], tb[i]) {
				return false
			}
		}
		return true
	case String:
		tb, ok := b.(String)
		return ok && ta == tb
	case Number:
		tb, ok := b.(Number)
		return ok && (ta == tb || (math.IsNaN(float64(ta)) && math.IsNaN(float64(tb))))
	case Bool:
		tb, ok := b.(Bool)
		return ok && ta == tb
	}
	return false
}

func Clone(n Node) Node {
	switch t := n.(type) {
	case Object:
		o := make(Object, len(t))
		for k, e := range t {
			o[k] = Clone(e)
		}
		return o
	case Array:
		a := make(Array, len(t))
		for i, e := range t {
			a[i] = Clone(e)
		}
		return a
	default:
		return n
	}
}

// Keys returns the object's property names, sorted.
func (o Object) Keys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (o Object) GetString(key string) (string, bool) {
	s, ok := o[key].(String)
	return string(s), ok
}

func (o Object) GetInt(key string) (int64, bool) {
	f, ok := o[key].(Number)
	if !ok || float64(f) != math.Trunc(float64(f)) {
		return 0, false
	}
	return int64(f), true
}
