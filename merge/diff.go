// Package merge implements the schema-aware path diff and the three-way
// merge used for federated conflict resolution. Both walk payload and
// schema trees in lock-step; neither touches storage.
package merge

import (
	"strconv"
	"strings"

	"github.com/sciapp/sampledb-sub002/jtree"
)

// Path addresses one schema node: property names for objects, decimal
// positions for arrays.
type Path []string

func (p Path) String() string {
	return strings.Join(p, ".")
}

func (p Path) child(elem string) Path {
	child := make(Path, len(p), len(p)+1)
	copy(child, p)
	return append(child, elem)
}

// PathSet is a set of changed paths keyed by their string form.
type PathSet map[string]Path

func (s PathSet) Add(p Path) {
	s[p.String()] = p
}

func (s PathSet) Has(p Path) bool {
	_, ok := s[p.String()]
	return ok
}

func (s PathSet) AddAll(other PathSet) {
	for k, p := range other {
		s[k] = p
	}
}

// Intersect returns the paths present in both sets.
func (s PathSet) Intersect(other PathSet) PathSet {
	out := PathSet{}
	for k, p := range s {
		if _, ok := other[k]; ok {
			out[k] = p
		}
	}
	return out
}

// DiffPaths returns the set of schema paths whose value differs between
// the two payloads. The walk follows the schema shape: objects recurse
// per property, arrays per index, everything else is a leaf compared by
// value.
func DiffPaths(before, after jtree.Node, schema *jtree.Schema) PathSet {
	set := PathSet{}
	diffPaths(before, after, schema, Path{}, set)
	return set
}

func diffPaths(before, after jtree.Node, schema *jtree.Schema, at Path, set PathSet) {
	if schema == nil {
		if !jtree.Equal(before, after) {
			set.Add(at)
		}
		return
	}
	switch schema.Type {
	case "object":
		bo, _ := before.(jtree.Object)
		ao, _ := after.(jtree.Object)
		for name, sub := range schema.Properties {
			bv, bok := bo[name]
			av, aok := ao[name]
			if !bok && !aok {
				continue
			}
			diffPaths(bv, av, sub, at.child(name), set)
		}
	case "array":
		ba, _ := before.(jtree.Array)
		aa, _ := after.(jtree.Array)
		n := len(ba)
		if len(aa) > n {
			n = len(aa)
		}
		for i := 0; i < n; i++ {
			var bv, av jtree.Node
			if i < len(ba) {
				bv = ba[i]
			}
			if i < len(aa) {
				av = aa[i]
			}
			diffPaths(bv, av, schema.Items, at.child(strconv.Itoa(i)), set)
		}
	default:
		if !jtree.Equal(before, after) {
			set.Add(at)
		}
	}
}
