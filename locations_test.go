package federation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sciapp/sampledb-sub002/wire"
)

func TestImport_Satellites(t *testing.T) {
	dirs, cancel := testdirs("satellites")
	defer cancel()
	d := testDB(t, dirs[0])
	defer d.Close()

	v0 := shareVersion(t, 0, `{"name":"A"}`, 10, "2024-05-01 10:00:00")
	s := share(7, v0)
	s.Comments = []wire.CommentShare{{
		Ref:     wire.Ref{ID: 1, Component: compB},
		Author:  &wire.Ref{ID: 10, Component: compB},
		Content: "looks fine",
		UTC:     "2024-05-01 10:30:00",
	}}
	s.Files = []wire.FileShare{{
		Ref:  wire.Ref{ID: 2, Component: compB},
		Name: "spectrum.csv",
		URL:  "https://b.example/files/2",
		UTC:  "2024-05-01 10:31:00",
	}}
	s.Locations = []wire.LocationShare{
		{Ref: wire.Ref{ID: 1, Component: compB}, Name: "Building 1"},
		{Ref: wire.Ref{ID: 2, Component: compB}, Name: "Lab 1.2", Parent: &wire.Ref{ID: 1, Component: compB}},
	}
	s.LocationAssignments = []wire.LocationAssignmentShare{{
		Ref:      wire.Ref{ID: 3, Component: compB},
		Location: &wire.Ref{ID: 2, Component: compB},
		UTC:      "2024-05-01 11:00:00",
	}}

	obj, changed, err := d.ImportObject(s)
	require.NoError(t, err)
	assert.True(t, changed)

	comments, err := d.ObjectComments(obj.ID)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "looks fine", comments[0].Content)

	files, err := d.ObjectFiles(obj.ID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "spectrum.csv", files[0].Name)

	assignments, err := d.ObjectLocationAssignments(obj.ID)
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	require.NotNil(t, assignments[0].Location)
	assert.Equal(t, int64(2), assignments[0].Location.ID)

	loc, err := d.GetLocation(compB, 2)
	require.NoError(t, err)
	assert.Equal(t, "Lab 1.2", loc.Name)
	require.NotNil(t, loc.Parent)
	assert.Equal(t, int64(1), loc.Parent.ID)

	// satellite replay is a no-op
	_, changed, err = d.ImportObject(s)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestImport_CyclicLocationsRejectedWhole(t *testing.T) {
	dirs, cancel := testdirs("cycle")
	defer cancel()
	d := testDB(t, dirs[0])
	defer d.Close()

	v0 := shareVersion(t, 0, `{"name":"A"}`, 10, "2024-05-01 10:00:00")
	s := share(7, v0)
	s.Locations = []wire.LocationShare{
		{Ref: wire.Ref{ID: 1, Component: compB}, Name: "A", Parent: &wire.Ref{ID: 2, Component: compB}},
		{Ref: wire.Ref{ID: 2, Component: compB}, Name: "B", Parent: &wire.Ref{ID: 1, Component: compB}},
	}
	_, _, err := d.ImportObject(s)
	assert.ErrorIs(t, err, ErrCyclicLocation)

	// the whole batch was rejected, including the versions
	_, err = d.GetLocation(compB, 1)
	assert.Error(t, err)
	_, err = d.GetObject(0)
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestImport_CycleWithExistingLocations(t *testing.T) {
	dirs, cancel := testdirs("cycle2")
	defer cancel()
	d := testDB(t, dirs[0])
	defer d.Close()

	v0 := shareVersion(t, 0, `{"name":"A"}`, 10, "2024-05-01 10:00:00")
	s := share(7, v0)
	s.Locations = []wire.LocationShare{
		{Ref: wire.Ref{ID: 1, Component: compB}, Name: "A"},
		{Ref: wire.Ref{ID: 2, Component: compB}, Name: "B", Parent: &wire.Ref{ID: 1, Component: compB}},
	}
	_, _, err := d.ImportObject(s)
	require.NoError(t, err)

	// an update that would close a cycle over the stored rows
	s2 := share(7, v0)
	s2.Locations = []wire.LocationShare{
		{Ref: wire.Ref{ID: 1, Component: compB}, Name: "A", Parent: &wire.Ref{ID: 2, Component: compB}},
	}
	_, _, err = d.ImportObject(s2)
	assert.ErrorIs(t, err, ErrCyclicLocation)

	// stored rows are untouched
	loc, err := d.GetLocation(compB, 1)
	require.NoError(t, err)
	assert.Nil(t, loc.Parent)
}
