package federation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sciapp/sampledb-sub002/wire"
)

func TestPermissionLevel_Ordering(t *testing.T) {
	assert.True(t, PermGrant.Implies(PermWrite))
	assert.True(t, PermWrite.Implies(PermRead))
	assert.True(t, PermRead.Implies(PermNone))
	assert.False(t, PermRead.Implies(PermWrite))
	assert.Equal(t, PermWrite, ParsePermissionLevel("write"))
	assert.Equal(t, PermNone, ParsePermissionLevel("bogus"))
	assert.Equal(t, "grant", PermGrant.String())
}

func TestImport_PermissionsMergeMonotonically(t *testing.T) {
	dirs, cancel := testdirs("perms")
	defer cancel()
	d := testDB(t, dirs[0])
	defer d.Close()

	v0 := shareVersion(t, 0, `{"name":"A"}`, 10, "2024-05-01 10:00:00")
	s := share(7, v0)
	s.Permissions = &wire.PermissionsShare{
		Users:    map[int64]string{5: "write"},
		Groups:   map[int64]string{3: "read"},
		AllUsers: "read",
	}
	obj, _, err := d.ImportObject(s)
	require.NoError(t, err)

	lvl, err := d.GetPermission(obj.ID, PrincipalUser, 5)
	require.NoError(t, err)
	assert.Equal(t, PermWrite, lvl)

	// a later share must never lower a grant
	s.Permissions = &wire.PermissionsShare{Users: map[int64]string{5: "read"}}
	_, changed, err := d.ImportObject(s)
	require.NoError(t, err)
	assert.False(t, changed)
	lvl, err = d.GetPermission(obj.ID, PrincipalUser, 5)
	require.NoError(t, err)
	assert.Equal(t, PermWrite, lvl)

	// raising works
	s.Permissions = &wire.PermissionsShare{Users: map[int64]string{5: "grant"}}
	_, changed, err = d.ImportObject(s)
	require.NoError(t, err)
	assert.True(t, changed)
	lvl, err = d.GetPermission(obj.ID, PrincipalUser, 5)
	require.NoError(t, err)
	assert.Equal(t, PermGrant, lvl)

	// the all-users default backfills principals without own grants
	lvl, err = d.GetPermission(obj.ID, PrincipalUser, 99)
	require.NoError(t, err)
	assert.Equal(t, PermRead, lvl)

	perms, err := d.GetObjectPermissions(obj.ID)
	require.NoError(t, err)
	assert.Equal(t, PermGrant, perms.Users[5])
	assert.Equal(t, PermRead, perms.Groups[3])
	assert.Equal(t, PermRead, perms.AllUsers)
}
