package jtree

import (
	"github.com/google/uuid"
)

// Identity is the federation identity of the local component. It is
// threaded explicitly into every operation that has to tell "ours" from
// "theirs"; there is no ambient global.
type Identity struct {
	UUID uuid.UUID
}

// Ref points at an entity owned by some component.
type Ref struct {
	ID        int64
	Component uuid.UUID
}

// RefKind enumerates the typed in-payload references the wire format
// carries. The set is closed: anything else in a "_type" tag is payload
// data, not a reference, and passes through normalization untouched.
type RefKind byte

const (
	RefNone RefKind = iota
	RefObject
	RefSample
	RefMeasurement
	RefUser
	RefFile
)

func refKindOf(tag string) RefKind {
	switch tag {
	case "object_reference":
		return RefObject
	case "sample":
		return RefSample
	case "measurement":
		return RefMeasurement
	case "user":
		return RefUser
	case "file":
		return RefFile
	default:
		return RefNone
	}
}

func (k RefKind) idKey() string {
	switch k {
	case RefObject, RefSample, RefMeasurement:
		return "object_id"
	case RefUser:
		return "user_id"
	case RefFile:
		return "file_id"
	default:
		return ""
	}
}

// Normalize rewrites locally-meaningless references into portable
// (id, component_uuid) pairs: a reference without an explicit origin is
// owned by the local component, so the local UUID is filled in. The
// input tree is not mutated. Running Normalize on an already-normalized
// tree is a no-op, so both sides of a federation link canonize shared
// content identically.
func (id Identity) Normalize(n Node) Node {
	switch t := n.(type) {
	case Object:
		out := make(Object, len(t))
		for k, e := range t {
			out[k] = id.Normalize(e)
		}
		tag, _ := t.GetString("_type")
		kind := refKindOf(tag)
		if kind == RefNone {
			return out
		}
		idKey := kind.idKey()
		if _, ok := t.GetInt(idKey); !ok {
			return out
		}
		if _, ok := out.GetString("component_uuid"); !ok {
			out["component_uuid"] = String(id.UUID.String())
		}
		return out
	case Array:
		out := make(Array, len(t))
		for i, e := range t {
			out[i] = id.Normalize(e)
		}
		return out
	default:
		return n
	}
}

// RefAt reports the reference a normalized node carries, if any.
func RefAt(n Node) (kind RefKind, ref Ref, ok bool) {
	o, isObj := n.(Object)
	if !isObj {
		return RefNone, Ref{}, false
	}
	tag, _ := o.GetString("_type")
	kind = refKindOf(tag)
	if kind == RefNone {
		return RefNone, Ref{}, false
	}
	rid, ok := o.GetInt(kind.idKey())
	if !ok {
		return RefNone, Ref{}, false
	}
	ref.ID = rid
	if s, ok := o.GetString("component_uuid"); ok {
		if u, err := uuid.Parse(s); err == nil {
			ref.Component = u
		}
	}
	return kind, ref, true
}
