package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sciapp/sampledb-sub002/jtree"
)

func testSchema(t *testing.T) *jtree.Schema {
	t.Helper()
	sn, err := jtree.FromJSON([]byte(`{
		"type": "object",
		"properties": {
			"name": {"type": "text"},
			"x": {"type": "quantity"},
			"tags": {"type": "array", "items": {"type": "text"}}
		}
	}`))
	require.Nil(t, err)
	s, err := jtree.ParseSchema(sn)
	require.Nil(t, err)
	return s
}

func text(s string) jtree.Node {
	return jtree.Object{"_type": jtree.String("text"), "text": jtree.String(s)}
}

func quantity(v float64) jtree.Node {
	return jtree.Object{"_type": jtree.String("quantity"), "magnitude": jtree.Number(v)}
}

func TestDiffPaths(t *testing.T) {
	s := testSchema(t)
	before := jtree.Object{"name": text("A"), "x": quantity(1)}
	after := jtree.Object{"name": text("A"), "x": quantity(2)}

	set := DiffPaths(before, after, s)
	assert.Len(t, set, 1)
	assert.True(t, set.Has(Path{"x"}))

	// added property counts as changed
	after2 := jtree.Object{"name": text("A"), "x": quantity(1), "tags": jtree.Array{text("t")}}
	set2 := DiffPaths(before, after2, s)
	assert.True(t, set2.Has(Path{"tags", "0"}))
	assert.False(t, set2.Has(Path{"name"}))

	assert.Empty(t, DiffPaths(before, before, s))
}

func TestDiffPaths_ArrayIndexes(t *testing.T) {
	s := testSchema(t)
	before := jtree.Object{"tags": jtree.Array{text("a"), text("b")}}
	after := jtree.Object{"tags": jtree.Array{text("a"), text("c"), text("d")}}
	set := DiffPaths(before, after, s)
	assert.False(t, set.Has(Path{"tags", "0"}))
	assert.True(t, set.Has(Path{"tags", "1"}))
	assert.True(t, set.Has(Path{"tags", "2"}))
}

func TestPathSet_Intersect(t *testing.T) {
	a := PathSet{}
	a.Add(Path{"x"})
	a.Add(Path{"name"})
	b := PathSet{}
	b.Add(Path{"name"})
	b.Add(Path{"tags", "1"})
	i := a.Intersect(b)
	assert.Len(t, i, 1)
	assert.True(t, i.Has(Path{"name"}))
}

func TestMerge_IdenticalSides(t *testing.T) {
	s := testSchema(t)
	base := jtree.Object{"name": text("A")}
	tip := jtree.Object{"name": text("B"), "x": quantity(1)}

	out, full := Merge(base, tip, jtree.Clone(tip), s, PathSet{}, Automerge)
	assert.True(t, full)
	assert.True(t, jtree.Equal(tip, out))
}

func TestMerge_BaseWins(t *testing.T) {
	s := testSchema(t)
	base := jtree.Object{"name": text("A"), "x": quantity(1)}
	local := jtree.Object{"name": text("A"), "x": quantity(2)}
	imported := jtree.Object{"name": text("B"), "x": quantity(1)}

	out, full := Merge(base, local, imported, s, PathSet{}, Automerge)
	assert.True(t, full)
	want := jtree.Object{"name": text("B"), "x": quantity(2)}
	assert.True(t, jtree.Equal(want, out))
}

func TestMerge_ConflictSurfacesBothCandidates(t *testing.T) {
	s := testSchema(t)
	base := jtree.Object{"name": text("A")}
	local := jtree.Object{"name": text("C")}
	imported := jtree.Object{"name": text("B")}

	out, full := Merge(base, local, imported, s, PathSet{}, Automerge)
	assert.False(t, full)
	leaf := out.(jtree.Object)["name"].(jtree.Object)
	assert.True(t, jtree.Equal(text("C"), leaf["local"]))
	assert.True(t, jtree.Equal(text("B"), leaf["imported"]))
}

func TestMerge_BlockedPathRefusesShortcut(t *testing.T) {
	s := testSchema(t)
	// Local went A -> B -> A, so its tip equals base again, but the path
	// was edited on both sides and must not silently take the import.
	base := jtree.Object{"name": text("A")}
	local := jtree.Object{"name": text("A")}
	imported := jtree.Object{"name": text("B")}
	blocked := PathSet{}
	blocked.Add(Path{"name"})

	out, full := Merge(base, local, imported, s, blocked, Automerge)
	assert.False(t, full)
	leaf := out.(jtree.Object)["name"].(jtree.Object)
	assert.True(t, jtree.Equal(text("A"), leaf["local"]))
	assert.True(t, jtree.Equal(text("B"), leaf["imported"]))
}

func TestMerge_Strategies(t *testing.T) {
	s := testSchema(t)
	base := jtree.Object{"name": text("A")}
	local := jtree.Object{"name": text("C")}
	imported := jtree.Object{"name": text("B")}

	out, full := Merge(base, local, imported, s, PathSet{}, ApplyLocal)
	assert.True(t, full)
	assert.True(t, jtree.Equal(local, out))

	out, full = Merge(base, local, imported, s, PathSet{}, ApplyImported)
	assert.True(t, full)
	assert.True(t, jtree.Equal(imported, out))
}

func TestMerge_ArrayTailAdditions(t *testing.T) {
	s := testSchema(t)
	base := jtree.Object{"tags": jtree.Array{text("a")}}
	local := jtree.Object{"tags": jtree.Array{text("a"), text("l")}}
	imported := jtree.Object{"tags": jtree.Array{text("a")}}

	out, full := Merge(base, local, imported, s, PathSet{}, Automerge)
	assert.True(t, full)
	tags := out.(jtree.Object)["tags"].(jtree.Array)
	assert.Len(t, tags, 2)
	assert.True(t, jtree.Equal(text("l"), tags[1]))
}

func TestMerge_SkipsNonSchemaProperties(t *testing.T) {
	s := testSchema(t)
	local := jtree.Object{"name": text("A"), "stray": text("x")}
	imported := jtree.Object{"name": text("A")}
	out, full := Merge(nil, local, imported, s, PathSet{}, Automerge)
	assert.True(t, full)
	_, ok := out.(jtree.Object)["stray"]
	assert.False(t, ok)
}
