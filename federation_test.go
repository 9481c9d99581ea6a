package federation

import (
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sciapp/sampledb-sub002/jtree"
	"github.com/sciapp/sampledb-sub002/merge"
	"github.com/sciapp/sampledb-sub002/wire"
)

var (
	compA = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	compB = uuid.MustParse("22222222-2222-2222-2222-222222222222")
)

const testSchema = `{"type":"object","properties":{"name":{"type":"text"},"x":{"type":"quantity"}},"required":["name"]}`

func testdirs(names ...string) ([]string, func()) {
	dirs := make([]string, len(names))
	for i, name := range names {
		dirs[i] = fmt.Sprintf("fed-%s.db", name)
		os.RemoveAll(dirs[i])
	}
	return dirs, func() {
		for _, dir := range dirs {
			os.RemoveAll(dir)
		}
	}
}

func testDB(t *testing.T, dir string) *DB {
	t.Helper()
	d, err := Open(dir, Options{Src: jtree.Identity{UUID: compA}, Name: "test instance"})
	require.NoError(t, err)
	return d
}

func tree(t *testing.T, src string) jtree.Node {
	t.Helper()
	n, err := jtree.FromJSON([]byte(src))
	require.NoError(t, err)
	return n
}

func shareVersion(t *testing.T, fedver int64, data string, userID int64, utc string) wire.VersionShare {
	t.Helper()
	vs := wire.VersionShare{
		FedVersion: fedver,
		Data:       wire.Tree{Node: tree(t, data)},
		Schema:     wire.Tree{Node: tree(t, testSchema)},
		UTC:        utc,
	}
	if userID >= 0 {
		vs.Author = &wire.Ref{ID: userID, Component: compB}
	}
	return vs
}

func share(robj int64, versions ...wire.VersionShare) *wire.ObjectShare {
	return &wire.ObjectShare{ObjectID: robj, Component: compB, Versions: versions}
}

func TestImport_CreatesMirror(t *testing.T) {
	dirs, cancel := testdirs("create")
	defer cancel()
	d := testDB(t, dirs[0])
	defer d.Close()

	s := share(7,
		shareVersion(t, 0, `{"name":"A","x":1}`, 10, "2024-05-01 10:00:00"),
		shareVersion(t, 1, `{"name":"A","x":2}`, 10, "2024-05-01 10:05:00"),
	)
	obj, changed, err := d.ImportObject(s)
	require.NoError(t, err)
	require.NotNil(t, obj)
	assert.True(t, changed)
	assert.Equal(t, int64(1), obj.CurrentVersion)
	require.NotNil(t, obj.Origin)
	assert.Equal(t, int64(7), obj.Origin.ID)
	assert.Equal(t, compB, obj.Origin.Component)

	v, err := d.GetCurrentVersion(obj.ID)
	require.NoError(t, err)
	assert.True(t, jtree.Equal(tree(t, `{"name":"A","x":2}`), v.Data))
	require.NotNil(t, v.Provenance)
	assert.Equal(t, int64(1), v.Provenance.FedVersion)

	// replaying the same share changes nothing
	again, changed, err := d.ImportObject(s)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, obj.ID, again.ID)
	assert.Equal(t, int64(1), again.CurrentVersion)
}

func TestImport_CleanFastForward(t *testing.T) {
	dirs, cancel := testdirs("ff")
	defer cancel()
	d := testDB(t, dirs[0])
	defer d.Close()

	v0 := shareVersion(t, 0, `{"name":"A"}`, 10, "2024-05-01 10:00:00")
	obj, _, err := d.ImportObject(share(7, v0))
	require.NoError(t, err)
	assert.Equal(t, int64(0), obj.CurrentVersion)

	v1 := shareVersion(t, 1, `{"name":"B"}`, 11, "2024-05-01 11:00:00")
	obj, changed, err := d.ImportObject(share(7, v0, v1))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, int64(1), obj.CurrentVersion)

	v, err := d.GetCurrentVersion(obj.ID)
	require.NoError(t, err)
	assert.True(t, jtree.Equal(tree(t, `{"name":"B"}`), v.Data))

	conflicts, err := d.ListConflicts(obj.ID, ConflictFilter{})
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestImport_ConflictThenAutomerge(t *testing.T) {
	dirs, cancel := testdirs("automerge")
	defer cancel()
	d := testDB(t, dirs[0])
	defer d.Close()

	v0 := shareVersion(t, 0, `{"name":"A","x":1}`, 10, "2024-05-01 10:00:00")
	obj, _, err := d.ImportObject(share(7, v0))
	require.NoError(t, err)

	// local edit touches x only
	_, err = d.UpdateObject(obj.ID, tree(t, `{"name":"A","x":2}`), tree(t, testSchema),
		&jtree.Ref{ID: 1, Component: compA})
	require.NoError(t, err)

	// remote edit touches name only
	v1 := shareVersion(t, 1, `{"name":"B","x":1}`, 11, "2024-05-01 12:00:00")
	obj, changed, err := d.ImportObject(share(7, v0, v1))
	require.NoError(t, err)
	assert.True(t, changed)

	c, err := d.GetConflict(obj.ID, compB, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), c.BaseVersion)
	assert.True(t, c.Solved)
	assert.True(t, c.Automerged)
	assert.Nil(t, c.Solver)
	assert.Equal(t, int64(2), c.VersionSolvedIn)

	v, err := d.GetCurrentVersion(obj.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v.VersionID)
	assert.True(t, jtree.Equal(tree(t, `{"name":"B","x":2}`), v.Data))
	assert.Nil(t, v.Author)
}

func TestImport_UnsolvableConflictStaysOpen(t *testing.T) {
	dirs, cancel := testdirs("open")
	defer cancel()
	d := testDB(t, dirs[0])
	defer d.Close()

	v0 := shareVersion(t, 0, `{"name":"A"}`, 10, "2024-05-01 10:00:00")
	obj, _, err := d.ImportObject(share(7, v0))
	require.NoError(t, err)

	_, err = d.UpdateObject(obj.ID, tree(t, `{"name":"C"}`), tree(t, testSchema),
		&jtree.Ref{ID: 1, Component: compA})
	require.NoError(t, err)

	v1 := shareVersion(t, 1, `{"name":"B"}`, 11, "2024-05-01 12:00:00")
	_, _, err = d.ImportObject(share(7, v0, v1))
	require.NoError(t, err)

	c, err := d.GetConflict(obj.ID, compB, 1)
	require.NoError(t, err)
	assert.False(t, c.Solved)
	obj, err = d.GetObject(obj.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), obj.CurrentVersion)

	// the candidates surface at the blocked leaf
	local, imported, err := d.ChangedPaths(obj.ID, compB, 1)
	require.NoError(t, err)
	blocked := local.Intersect(imported)
	assert.True(t, blocked.Has(merge.Path{"name"}))
}

func TestSolveConflictByStrategy_ApplyLocal(t *testing.T) {
	dirs, cancel := testdirs("manual")
	defer cancel()
	d := testDB(t, dirs[0])
	defer d.Close()

	v0 := shareVersion(t, 0, `{"name":"A"}`, 10, "2024-05-01 10:00:00")
	obj, _, err := d.ImportObject(share(7, v0))
	require.NoError(t, err)
	_, err = d.UpdateObject(obj.ID, tree(t, `{"name":"C"}`), tree(t, testSchema),
		&jtree.Ref{ID: 1, Component: compA})
	require.NoError(t, err)
	v1 := shareVersion(t, 1, `{"name":"B"}`, 11, "2024-05-01 12:00:00")
	_, _, err = d.ImportObject(share(7, v0, v1))
	require.NoError(t, err)

	solver := &jtree.Ref{ID: 42, Component: compA}
	solved, err := d.SolveConflictByStrategy(obj.ID, compB, 1, merge.ApplyLocal, solver)
	require.NoError(t, err)
	assert.Equal(t, int64(2), solved.VersionID)
	assert.True(t, jtree.Equal(tree(t, `{"name":"C"}`), solved.Data))

	c, err := d.GetConflict(obj.ID, compB, 1)
	require.NoError(t, err)
	assert.True(t, c.Solved)
	assert.False(t, c.Automerged)
	require.NotNil(t, c.Solver)
	assert.Equal(t, int64(42), c.Solver.ID)

	// resolving twice must fail
	_, err = d.SolveConflictByStrategy(obj.ID, compB, 1, merge.ApplyLocal, solver)
	assert.ErrorIs(t, err, ErrConflictAlreadySolved)

	// the resolution is attributed in the audit log
	entries, err := d.AuditLog(obj.ID)
	require.NoError(t, err)
	var found bool
	for _, e := range entries {
		if e.Type == "solve" && e.User != nil && e.User.ID == 42 {
			found = true
		}
	}
	assert.True(t, found)
}

func TestSolveConflictByStrategy_AutomergeRefusesOverlap(t *testing.T) {
	dirs, cancel := testdirs("refuse")
	defer cancel()
	d := testDB(t, dirs[0])
	defer d.Close()

	v0 := shareVersion(t, 0, `{"name":"A"}`, 10, "2024-05-01 10:00:00")
	obj, _, err := d.ImportObject(share(7, v0))
	require.NoError(t, err)
	_, err = d.UpdateObject(obj.ID, tree(t, `{"name":"C"}`), tree(t, testSchema),
		&jtree.Ref{ID: 1, Component: compA})
	require.NoError(t, err)
	v1 := shareVersion(t, 1, `{"name":"B"}`, 11, "2024-05-01 12:00:00")
	_, _, err = d.ImportObject(share(7, v0, v1))
	require.NoError(t, err)

	_, err = d.SolveConflictByStrategy(obj.ID, compB, 1, merge.Automerge, nil)
	assert.ErrorIs(t, err, ErrFailedSolvingByStrategy)

	c, err := d.GetConflict(obj.ID, compB, 1)
	require.NoError(t, err)
	assert.False(t, c.Solved)
}

func TestImport_IdempotentReplayAfterResolution(t *testing.T) {
	dirs, cancel := testdirs("replay")
	defer cancel()
	d := testDB(t, dirs[0])
	defer d.Close()

	v0 := shareVersion(t, 0, `{"name":"A"}`, 10, "2024-05-01 10:00:00")
	obj, _, err := d.ImportObject(share(7, v0))
	require.NoError(t, err)
	_, err = d.UpdateObject(obj.ID, tree(t, `{"name":"C"}`), tree(t, testSchema),
		&jtree.Ref{ID: 1, Component: compA})
	require.NoError(t, err)
	v1 := shareVersion(t, 1, `{"name":"B"}`, 11, "2024-05-01 12:00:00")

	// replaying the conflicting share leaves exactly one conflict
	_, _, err = d.ImportObject(share(7, v0, v1))
	require.NoError(t, err)
	_, changed, err := d.ImportObject(share(7, v0, v1))
	require.NoError(t, err)
	assert.False(t, changed)
	unsolved := false
	open, err := d.ListConflicts(obj.ID, ConflictFilter{Solved: &unsolved})
	require.NoError(t, err)
	require.Len(t, open, 1)

	// after resolution, replaying neither reopens nor re-diverges
	_, err = d.SolveConflictByStrategy(obj.ID, compB, 1, merge.ApplyLocal, &jtree.Ref{ID: 1, Component: compA})
	require.NoError(t, err)
	before, err := d.GetObject(obj.ID)
	require.NoError(t, err)
	_, changed, err = d.ImportObject(share(7, v0, v1))
	require.NoError(t, err)
	assert.False(t, changed)
	after, err := d.GetObject(obj.ID)
	require.NoError(t, err)
	assert.Equal(t, before.CurrentVersion, after.CurrentVersion)
	open, err = d.ListConflicts(obj.ID, ConflictFilter{Solved: &unsolved})
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestImport_NewerConflictSupersedesOlder(t *testing.T) {
	dirs, cancel := testdirs("supersede")
	defer cancel()
	d := testDB(t, dirs[0])
	defer d.Close()

	v0 := shareVersion(t, 0, `{"name":"A"}`, 10, "2024-05-01 10:00:00")
	obj, _, err := d.ImportObject(share(7, v0))
	require.NoError(t, err)
	_, err = d.UpdateObject(obj.ID, tree(t, `{"name":"C"}`), tree(t, testSchema),
		&jtree.Ref{ID: 1, Component: compA})
	require.NoError(t, err)

	v1 := shareVersion(t, 1, `{"name":"B"}`, 11, "2024-05-01 12:00:00")
	_, _, err = d.ImportObject(share(7, v0, v1))
	require.NoError(t, err)

	v2 := shareVersion(t, 2, `{"name":"D"}`, 11, "2024-05-01 13:00:00")
	_, _, err = d.ImportObject(share(7, v0, v1, v2))
	require.NoError(t, err)

	unsolved := false
	open, err := d.ListConflicts(obj.ID, ConflictFilter{Solved: &unsolved})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, int64(2), open[0].FedVersion)

	old, err := d.GetConflict(obj.ID, compB, 1)
	require.NoError(t, err)
	assert.True(t, old.Discarded)
}

func TestImport_SubversionOnMetadataVariance(t *testing.T) {
	dirs, cancel := testdirs("subversion")
	defer cancel()
	d := testDB(t, dirs[0])
	defer d.Close()

	v0 := shareVersion(t, 0, `{"name":"A"}`, 10, "2024-05-01 10:00:00")
	obj, _, err := d.ImportObject(share(7, v0))
	require.NoError(t, err)

	// same payload, different author and timestamp
	v1 := shareVersion(t, 1, `{"name":"A"}`, 11, "2024-05-02 09:00:00")
	obj, changed, err := d.ImportObject(share(7, v0, v1))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, int64(0), obj.CurrentVersion)

	conflicts, err := d.ListConflicts(obj.ID, ConflictFilter{})
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	// duplicate subversion is a no-op
	_, changed, err = d.ImportObject(share(7, v0, v1))
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestImport_LegacyHashlessOverwrite(t *testing.T) {
	dirs, cancel := testdirs("legacy")
	defer cancel()
	d := testDB(t, dirs[0])
	defer d.Close()

	// hand-craft a mirror whose tip has no recorded fingerprints
	pb := d.db.NewIndexedBatch()
	o := &Object{ID: d.allocObjectID(), CurrentVersion: 0, Origin: &jtree.Ref{ID: 7, Component: compB}}
	v := &Version{ObjectID: o.ID, VersionID: 0, Data: tree(t, `{"name":"old"}`), Schema: tree(t, testSchema), UTC: d.now()}
	require.NoError(t, d.putVersion(pb, v))
	require.NoError(t, d.putObject(pb, o))
	require.NoError(t, pb.Set(RKey(compB, 7), appendInt(nil, o.ID), d.opts.PebbleWriteOptions))
	require.NoError(t, pb.Commit(d.opts.PebbleWriteOptions))
	pb.Close()

	v0 := shareVersion(t, 0, `{"name":"new"}`, 10, "2024-05-01 10:00:00")
	obj, changed, err := d.ImportObject(share(7, v0))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, int64(0), obj.CurrentVersion)

	cur, err := d.GetCurrentVersion(obj.ID)
	require.NoError(t, err)
	assert.True(t, jtree.Equal(tree(t, `{"name":"new"}`), cur.Data))
	assert.NotEmpty(t, cur.HashData)
	assert.NotEmpty(t, cur.HashMetadata)
}

func TestImport_AdoptsRemoteResolution(t *testing.T) {
	dirs, cancel := testdirs("remote-sol")
	defer cancel()
	d := testDB(t, dirs[0])
	defer d.Close()

	v0 := shareVersion(t, 0, `{"name":"A"}`, 10, "2024-05-01 10:00:00")
	obj, _, err := d.ImportObject(share(7, v0))
	require.NoError(t, err)
	_, err = d.UpdateObject(obj.ID, tree(t, `{"name":"C"}`), tree(t, testSchema),
		&jtree.Ref{ID: 1, Component: compA})
	require.NoError(t, err)

	// the remote diverged at v1 and already resolved it in its v2,
	// producing exactly our local content
	v1 := shareVersion(t, 1, `{"name":"B"}`, 11, "2024-05-01 12:00:00")
	v2 := shareVersion(t, 2, `{"name":"C"}`, 11, "2024-05-01 13:00:00")
	s := share(7, v0, v1, v2)
	s.ConflictStatus = wire.ConflictStatus{1: {VersionSolvedIn: 2, FedVersionID: 1}}

	obj, _, err = d.ImportObject(s)
	require.NoError(t, err)
	assert.Equal(t, int64(1), obj.CurrentVersion)

	unsolved := false
	open, err := d.ListConflicts(obj.ID, ConflictFilter{Solved: &unsolved})
	require.NoError(t, err)
	assert.Empty(t, open)

	// the adopted resolution lands in the ledger as a solved conflict
	c, err := d.GetConflict(obj.ID, compB, 2)
	require.NoError(t, err)
	assert.True(t, c.Solved)
	assert.False(t, c.Automerged)
	assert.Equal(t, int64(0), c.BaseVersion)
	assert.Equal(t, int64(1), c.VersionSolvedIn)

	// and is advertised onward to other components
	out, err := d.ExportObject(obj.ID, wire.Policy{
		Access: wire.Access{Data: true, Users: true},
	})
	require.NoError(t, err)
	require.NotNil(t, out.ConflictStatus)
	entry, ok := out.ConflictStatus[1]
	require.True(t, ok)
	assert.Equal(t, int64(1), entry.VersionSolvedIn)

	// replaying the share short-circuits through the recorded
	// resolution instead of re-diverging
	_, changed, err := d.ImportObject(s)
	require.NoError(t, err)
	assert.False(t, changed)
	solved, err := d.ListConflicts(obj.ID, ConflictFilter{})
	require.NoError(t, err)
	require.Len(t, solved, 1)
}

func TestVersions_MonotonicSequence(t *testing.T) {
	dirs, cancel := testdirs("monotonic")
	defer cancel()
	d := testDB(t, dirs[0])
	defer d.Close()

	v0 := shareVersion(t, 0, `{"name":"A","x":1}`, 10, "2024-05-01 10:00:00")
	obj, _, err := d.ImportObject(share(7, v0))
	require.NoError(t, err)
	_, err = d.UpdateObject(obj.ID, tree(t, `{"name":"A","x":2}`), tree(t, testSchema),
		&jtree.Ref{ID: 1, Component: compA})
	require.NoError(t, err)
	v1 := shareVersion(t, 1, `{"name":"B","x":1}`, 11, "2024-05-01 12:00:00")
	_, _, err = d.ImportObject(share(7, v0, v1))
	require.NoError(t, err)

	versions, err := d.Versions(obj.ID)
	require.NoError(t, err)
	for i, v := range versions {
		assert.Equal(t, int64(i), v.VersionID)
	}
	assert.Len(t, versions, 3) // v0, local edit, automerge result
}

func TestCreateObject_LocalEditing(t *testing.T) {
	dirs, cancel := testdirs("local")
	defer cancel()
	d := testDB(t, dirs[0])
	defer d.Close()

	author := &jtree.Ref{ID: 1, Component: compA}
	o, v, err := d.CreateObject(tree(t, `{"name":"A"}`), tree(t, testSchema), author)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v.VersionID)
	assert.Nil(t, o.Origin)

	_, err = d.UpdateObject(o.ID, tree(t, `{"x":1}`), tree(t, testSchema), author)
	assert.ErrorIs(t, err, ErrVersionRejected) // required property missing

	v2, err := d.UpdateObject(o.ID, tree(t, `{"name":"B"}`), tree(t, testSchema), author)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v2.VersionID)

	_, err = d.GetVersion(o.ID, 5)
	assert.ErrorIs(t, err, ErrVersionNotFound)
	_, err = d.GetObject(999)
	assert.ErrorIs(t, err, ErrObjectNotFound)
}
