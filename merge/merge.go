package merge

import (
	"strconv"

	"github.com/sciapp/sampledb-sub002/jtree"
)

// Strategy selects how a genuinely conflicting leaf is resolved.
type Strategy byte

const (
	// Automerge keeps non-overlapping edits and refuses to resolve
	// overlapping ones: the result is only committable when the merge
	// reports fully merged.
	Automerge Strategy = iota
	// ApplyLocal resolves every conflicting leaf to the local value.
	ApplyLocal
	// ApplyImported resolves every conflicting leaf to the imported value.
	ApplyImported
)

func (s Strategy) String() string {
	return []string{"Automerge", "ApplyLocal", "ApplyImported"}[s]
}

// Merge performs a schema-shaped three-way merge of local and imported
// against their common ancestor. blocked holds the paths edited on both
// sides since divergence; those must never be auto-resolved through the
// base-equality shortcut even if one side's tip happens to match base
// again. The result may only be committed when full is true; otherwise
// unresolved leaves carry both candidates as {"local": ..., "imported": ...}.
func Merge(base, local, imported jtree.Node, schema *jtree.Schema, blocked PathSet, strategy Strategy) (result jtree.Node, full bool) {
	return mergeNode(base, local, imported, schema, blocked, strategy, Path{})
}

func mergeNode(base, local, imported jtree.Node, schema *jtree.Schema, blocked PathSet, strategy Strategy, at Path) (jtree.Node, bool) {
	if schema != nil {
		switch schema.Type {
		case "array":
			if la, lok := local.(jtree.Array); lok {
				if ia, iok := imported.(jtree.Array); iok {
					ba, _ := base.(jtree.Array)
					return mergeArray(ba, la, ia, schema.Items, blocked, strategy, at)
				}
			}
		case "object":
			if lo, lok := local.(jtree.Object); lok {
				if io, iok := imported.(jtree.Object); iok {
					bo, _ := base.(jtree.Object)
					return mergeObject(bo, lo, io, schema, blocked, strategy, at)
				}
			}
		}
	}
	return mergeLeaf(base, local, imported, blocked, strategy, at)
}

func mergeArray(base, local, imported jtree.Array, items *jtree.Schema, blocked PathSet, strategy Strategy, at Path) (jtree.Node, bool) {
	short := len(local)
	if len(imported) < short {
		short = len(imported)
	}
	out := make(jtree.Array, 0, short)
	full := true
	for i := 0; i < short; i++ {
		var b jtree.Node
		if i < len(base) {
			b = base[i]
		}
		m, f := mergeNode(b, local[i], imported[i], items, blocked, strategy, at.child(strconv.Itoa(i)))
		out = append(out, m)
		full = full && f
	}
	// Tail elements the longer side added are taken as-is: pure
	// additions do not conflict.
	for i := short; i < len(local); i++ {
		out = append(out, local[i])
	}
	for i := short; i < len(imported); i++ {
		out = append(out, imported[i])
	}
	return out, full
}

func mergeObject(base, local, imported jtree.Object, schema *jtree.Schema, blocked PathSet, strategy Strategy, at Path) (jtree.Node, bool) {
	names := map[string]struct{}{}
	for k := range base {
		names[k] = struct{}{}
	}
	for k := range local {
		names[k] = struct{}{}
	}
	for k := range imported {
		names[k] = struct{}{}
	}
	out := jtree.Object{}
	full := true
	for name := range names {
		sub, inSchema := schema.Properties[name]
		if !inSchema {
			continue
		}
		b, l, i := base[name], local[name], imported[name]
		if l == nil && i == nil {
			continue
		}
		m, f := mergeNode(b, l, i, sub, blocked, strategy, at.child(name))
		if m != nil {
			out[name] = m
		}
		full = full && f
	}
	return out, full
}

func mergeLeaf(base, local, imported jtree.Node, blocked PathSet, strategy Strategy, at Path) (jtree.Node, bool) {
	if jtree.Equal(local, imported) {
		return local, true
	}
	if !blocked.Has(at) {
		if jtree.Equal(local, base) {
			return imported, true
		}
		if jtree.Equal(imported, base) {
			return local, true
		}
	}
	switch strategy {
	case ApplyLocal:
		return local, true
	case ApplyImported:
		return imported, true
	default:
		return jtree.Object{
			"local":    local,
			"imported": imported,
		}, false
	}
}
