package federation

import (
	"github.com/cockroachdb/pebble"

	"github.com/sciapp/sampledb-sub002/wire"
)

// PermissionLevel orders the grants a principal can hold on an object.
// Imports only ever raise a level, never lower it.
type PermissionLevel byte

const (
	PermNone PermissionLevel = iota
	PermRead
	PermWrite
	PermGrant
)

func (l PermissionLevel) String() string {
	switch l {
	case PermRead:
		return "read"
	case PermWrite:
		return "write"
	case PermGrant:
		return "grant"
	default:
		return "none"
	}
}

func ParsePermissionLevel(s string) PermissionLevel {
	switch s {
	case "read":
		return PermRead
	case "write":
		return PermWrite
	case "grant":
		return PermGrant
	default:
		return PermNone
	}
}

// Implies reports whether holding l already covers m.
func (l PermissionLevel) Implies(m PermissionLevel) bool {
	return l >= m
}

func readPermission(r pebble.Reader, obj int64, kind byte, principal int64) (PermissionLevel, error) {
	val, ok, err := get(r, PKey(obj, kind, principal))
	if err != nil || !ok || len(val) != 1 {
		return PermNone, err
	}
	return PermissionLevel(val[0]), nil
}

// raisePermission applies the monotonic merge rule for one principal:
// write the incoming level only when the current grant does not already
// imply it.
func (d *DB) raisePermission(pb *pebble.Batch, obj int64, kind byte, principal int64, level PermissionLevel) (raised bool, err error) {
	cur, err := readPermission(pb, obj, kind, principal)
	if err != nil {
		return false, err
	}
	if cur.Implies(level) {
		return false, nil
	}
	err = pb.Set(PKey(obj, kind, principal), []byte{byte(level)}, d.opts.PebbleWriteOptions)
	return err == nil, err
}

func (d *DB) mergePermissions(pb *pebble.Batch, obj int64, share *wire.PermissionsShare) (changed bool, err error) {
	if share == nil {
		return false, nil
	}
	apply := func(kind byte, levels map[int64]string) error {
		for principal, s := range levels {
			raised, err := d.raisePermission(pb, obj, kind, principal, ParsePermissionLevel(s))
			if err != nil {
				return err
			}
			changed = changed || raised
		}
		return nil
	}
	if err = apply(PrincipalUser, share.Users); err != nil {
		return changed, err
	}
	if err = apply(PrincipalGroup, share.Groups); err != nil {
		return changed, err
	}
	if err = apply(PrincipalProject, share.Projects); err != nil {
		return changed, err
	}
	if share.AllUsers != "" {
		raised, err := d.raisePermission(pb, obj, PrincipalAll, 0, ParsePermissionLevel(share.AllUsers))
		if err != nil {
			return changed, err
		}
		changed = changed || raised
	}
	return changed, nil
}

// ObjectPermissions is the full permission state of one object.
type ObjectPermissions struct {
	Users    map[int64]PermissionLevel
	Groups   map[int64]PermissionLevel
	Projects map[int64]PermissionLevel
	AllUsers PermissionLevel
}

// GetPermission returns the effective level for one principal: the
// principal's own grant or the all-users default, whichever is higher.
func (d *DB) GetPermission(obj int64, kind byte, principal int64) (PermissionLevel, error) {
	snap := d.db.NewSnapshot()
	defer snap.Close()
	own, err := readPermission(snap, obj, kind, principal)
	if err != nil {
		return PermNone, err
	}
	all, err := readPermission(snap, obj, PrincipalAll, 0)
	if err != nil {
		return PermNone, err
	}
	if all > own {
		return all, nil
	}
	return own, nil
}

// GetObjectPermissions lists every grant recorded for the object.
func (d *DB) GetObjectPermissions(obj int64) (*ObjectPermissions, error) {
	perms := &ObjectPermissions{
		Users:    map[int64]PermissionLevel{},
		Groups:   map[int64]PermissionLevel{},
		Projects: map[int64]PermissionLevel{},
	}
	prefix := appendInt([]byte{'P'}, obj)
	it, err := d.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		_, kind, principal := PKeyIds(it.Key())
		val := it.Value()
		if len(val) != 1 {
			continue
		}
		level := PermissionLevel(val[0])
		switch kind {
		case PrincipalUser:
			perms.Users[principal] = level
		case PrincipalGroup:
			perms.Groups[principal] = level
		case PrincipalProject:
			perms.Projects[principal] = level
		case PrincipalAll:
			perms.AllUsers = level
		}
	}
	return perms, it.Error()
}
