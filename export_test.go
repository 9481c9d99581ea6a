package federation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sciapp/sampledb-sub002/jtree"
	"github.com/sciapp/sampledb-sub002/wire"
)

func TestExportObject_ShapeAndConflictStatus(t *testing.T) {
	dirs, cancel := testdirs("export")
	defer cancel()
	d := testDB(t, dirs[0])
	defer d.Close()

	v0 := shareVersion(t, 0, `{"name":"A","x":1}`, 10, "2024-05-01 10:00:00")
	obj, _, err := d.ImportObject(share(7, v0))
	require.NoError(t, err)

	_, err = d.UpdateObject(obj.ID, tree(t, `{"name":"A","x":2}`), tree(t, testSchema),
		&jtree.Ref{ID: 1, Component: compA})
	require.NoError(t, err)

	// disjoint remote edit diverges and automerges into local version 2
	s := share(7, v0, shareVersion(t, 1, `{"name":"B","x":1}`, 11, "2024-05-01 12:00:00"))
	s.Permissions = &wire.PermissionsShare{Users: map[int64]string{5: "write"}}
	obj, _, err = d.ImportObject(s)
	require.NoError(t, err)
	obj, err = d.GetObject(obj.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), obj.CurrentVersion)

	full := wire.Policy{
		Access:      wire.Access{Data: true, Action: true, Users: true, Comments: true, Files: true, ObjectLocationAssignments: true},
		Permissions: wire.PermissionPolicy{Users: []int64{5}, AllUsers: true},
	}
	out, err := d.ExportObject(obj.ID, full)
	require.NoError(t, err)

	assert.Equal(t, obj.ID, out.ObjectID)
	assert.Equal(t, compA, out.Component)
	require.Len(t, out.Versions, 3)
	for i, vs := range out.Versions {
		assert.Equal(t, int64(i), vs.FedVersion)
		assert.NotEmpty(t, vs.HashData)
		assert.NotEmpty(t, vs.HashMetadata)
		assert.NotNil(t, vs.Data.Node)
	}
	assert.True(t, jtree.Equal(tree(t, `{"name":"B","x":2}`), out.Versions[2].Data.Node))

	require.NotNil(t, out.Permissions)
	assert.Equal(t, "write", out.Permissions.Users[5])

	// the automerged resolution is advertised so the remote side can
	// adopt it instead of re-diverging
	require.NotNil(t, out.ConflictStatus)
	entry, ok := out.ConflictStatus[1]
	require.True(t, ok)
	assert.Equal(t, int64(2), entry.VersionSolvedIn)
	assert.Equal(t, int64(1), entry.FedVersionID)

	// the exported share parses back on the receiving side
	raw, err := json.Marshal(out)
	require.NoError(t, err)
	parsed, err := wire.ParseObjectShare(raw)
	require.NoError(t, err)
	assert.Equal(t, out.ObjectID, parsed.ObjectID)
	require.Len(t, parsed.Versions, 3)
}

func TestExportObject_PolicyWithholdsPayloads(t *testing.T) {
	dirs, cancel := testdirs("export-policy")
	defer cancel()
	d := testDB(t, dirs[0])
	defer d.Close()

	obj, _, err := d.ImportObject(share(7,
		shareVersion(t, 0, `{"name":"A","x":1}`, 10, "2024-05-01 10:00:00")))
	require.NoError(t, err)

	out, err := d.ExportObject(obj.ID, wire.Policy{})
	require.NoError(t, err)
	require.Len(t, out.Versions, 1)
	assert.Nil(t, out.Versions[0].Data.Node)
	assert.Nil(t, out.Versions[0].Schema.Node)
	assert.Nil(t, out.Versions[0].Author)
	// fingerprints still travel for history alignment
	assert.NotEmpty(t, out.Versions[0].HashData)
	assert.Nil(t, out.Permissions)
	assert.Nil(t, out.SharingUser)
}
