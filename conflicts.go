package federation

import (
	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/learn-decentralized-systems/toytlv"

	"github.com/sciapp/sampledb-sub002/jtree"
	"github.com/sciapp/sampledb-sub002/merge"
)

// Conflict records one detected divergence between local history and a
// remote component's history. At most one live (not discarded), unsolved
// conflict exists per (object, component): creating a newer one discards
// the older.
type Conflict struct {
	ObjectID   int64
	Component  uuid.UUID
	FedVersion int64 // the remote version that diverged

	// BaseVersion is the last local version known identical to the
	// remote history; FirstFedVersion the first remote version past it.
	BaseVersion     int64
	FirstFedVersion int64

	Solved     bool
	Discarded  bool
	Automerged bool

	VersionSolvedIn  int64      // local version holding the resolution, -1 while open
	LocalVersionUsed int64      // the local input of the resolution, -1 while open
	Solver           *jtree.Ref // nil means automerged
}

const (
	conflictSolved     = 1
	conflictDiscarded  = 2
	conflictAutomerged = 4
)

func (c *Conflict) value() []byte {
	flags := byte(0)
	if c.Solved {
		flags |= conflictSolved
	}
	if c.Discarded {
		flags |= conflictDiscarded
	}
	if c.Automerged {
		flags |= conflictAutomerged
	}
	return toytlv.Concat(
		toytlv.Record('F', []byte{flags}),
		toytlv.Record('B', appendInt(nil, c.BaseVersion)),
		toytlv.Record('G', appendInt(nil, c.FirstFedVersion)),
		toytlv.Record('V', appendInt(nil, c.VersionSolvedIn)),
		toytlv.Record('W', appendInt(nil, c.LocalVersionUsed)),
		toytlv.Record('U', appendRef(c.Solver)),
	)
}

func parseConflict(obj int64, comp uuid.UUID, fedver int64, raw []byte) (c *Conflict, err error) {
	c = &Conflict{ObjectID: obj, Component: comp, FedVersion: fedver}
	f, rest := toytlv.Take('F', raw)
	b, rest := toytlv.Take('B', rest)
	g, rest := toytlv.Take('G', rest)
	v, rest := toytlv.Take('V', rest)
	w, rest := toytlv.Take('W', rest)
	u, _ := toytlv.Take('U', rest)
	if len(f) != 1 || b == nil {
		return nil, ErrBadShare
	}
	c.Solved = f[0]&conflictSolved != 0
	c.Discarded = f[0]&conflictDiscarded != 0
	c.Automerged = f[0]&conflictAutomerged != 0
	c.BaseVersion = takeInt(b)
	c.FirstFedVersion = takeInt(g)
	c.VersionSolvedIn = takeInt(v)
	c.LocalVersionUsed = takeInt(w)
	c.Solver = takeRef(u)
	return c, nil
}

func readConflict(r pebble.Reader, obj int64, comp uuid.UUID, fedver int64) (*Conflict, error) {
	raw, ok, err := get(r, CKey(obj, comp, fedver))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflictNotFound
	}
	return parseConflict(obj, comp, fedver, raw)
}

func (d *DB) putConflict(pb *pebble.Batch, c *Conflict) error {
	return pb.Set(CKey(c.ObjectID, c.Component, c.FedVersion), c.value(), d.opts.PebbleWriteOptions)
}

func listConflicts(r pebble.Reader, obj int64) (out []*Conflict, err error) {
	prefix := appendInt([]byte{'C'}, obj)
	it, err := r.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		o, comp, fedver := CKeyIds(it.Key())
		if o != obj {
			continue
		}
		c, err := parseConflict(o, comp, fedver, it.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// createConflict records a new divergence. It fails with
// ErrConflictExists when a live conflict is already recorded for the
// exact (object, component, remote version); any older live unsolved
// conflict from the same component is discarded in the same batch, so
// the supersede and the create commit or fail together.
func (d *DB) createConflict(pb *pebble.Batch, c *Conflict) (*Conflict, error) {
	existing, err := readConflict(pb, c.ObjectID, c.Component, c.FedVersion)
	if err == nil && !existing.Discarded {
		return nil, ErrConflictExists
	}
	if err != nil && err != ErrConflictNotFound {
		return nil, err
	}
	all, err := listConflicts(pb, c.ObjectID)
	if err != nil {
		return nil, err
	}
	for _, old := range all {
		if old.Component != c.Component || old.Discarded || old.Solved {
			continue
		}
		if old.FedVersion < c.FedVersion {
			old.Discarded = true
			if err = d.putConflict(pb, old); err != nil {
				return nil, err
			}
			d.log.Debug("conflict superseded", "object", c.ObjectID,
				"component", c.Component.String(), "old", old.FedVersion, "new", c.FedVersion)
		}
	}
	c.Solved = false
	c.Discarded = false
	c.VersionSolvedIn = -1
	c.LocalVersionUsed = -1
	if err = d.putConflict(pb, c); err != nil {
		return nil, err
	}
	conflictsCreated.Inc()
	return c, nil
}

// solveConflict marks a conflict solved exactly once. Solved and
// discarded conflicts are never reopened.
func (d *DB) solveConflict(pb *pebble.Batch, c *Conflict, solvedIn, localUsed int64, solver *jtree.Ref, automerged bool) error {
	if c.Discarded {
		return ErrConflictAlreadyDiscarded
	}
	if c.Solved {
		return ErrConflictAlreadySolved
	}
	c.Solved = true
	c.Automerged = automerged
	c.VersionSolvedIn = solvedIn
	c.LocalVersionUsed = localUsed
	c.Solver = solver
	if err := d.putConflict(pb, c); err != nil {
		return err
	}
	note := "conflict solved"
	if automerged {
		note = "conflict solved automatically"
	}
	d.appendAudit(pb, c.ObjectID, auditEntry{Type: "solve", User: solver, Note: note})
	conflictsSolved.WithLabelValues(solvedLabel(automerged)).Inc()
	return nil
}

func solvedLabel(automerged bool) string {
	if automerged {
		return "automerged"
	}
	return "manual"
}

// GetConflict returns the conflict row for the exact coordinates.
func (d *DB) GetConflict(obj int64, comp uuid.UUID, fedver int64) (*Conflict, error) {
	return readConflict(d.db, obj, comp, fedver)
}

// ConflictFilter narrows ListConflicts. Discarded rows are always
// excluded.
type ConflictFilter struct {
	Component *uuid.UUID
	Solved    *bool
}

func (d *DB) ListConflicts(obj int64, filter ConflictFilter) ([]*Conflict, error) {
	return listConflictsFiltered(d.db, obj, filter)
}

func listConflictsFiltered(r pebble.Reader, obj int64, filter ConflictFilter) (out []*Conflict, err error) {
	all, err := listConflicts(r, obj)
	if err != nil {
		return nil, err
	}
	for _, c := range all {
		if c.Discarded {
			continue
		}
		if filter.Component != nil && c.Component != *filter.Component {
			continue
		}
		if filter.Solved != nil && c.Solved != *filter.Solved {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// solvedConflictForBase finds an already-recorded resolution whose
// divergence started at the given base, newest remote version first.
func solvedConflictForBase(r pebble.Reader, obj int64, comp uuid.UUID, base int64) (*Conflict, error) {
	all, err := listConflicts(r, obj)
	if err != nil {
		return nil, err
	}
	var best *Conflict
	for _, c := range all {
		if c.Component != comp || c.Discarded || !c.Solved || c.BaseVersion != base {
			continue
		}
		if best == nil || c.FedVersion > best.FedVersion {
			best = c
		}
	}
	if best == nil {
		return nil, ErrConflictNotFound
	}
	return best, nil
}

// changedPaths walks both sides of the divergence: every local version
// strictly after the base up to the local tip, and every remote version
// from the first forked one up to the conflict's remote version, and
// unions the per-version path diffs against the base.
func (d *DB) changedPaths(r pebble.Reader, c *Conflict) (local, imported merge.PathSet, err error) {
	o, err := readObject(r, c.ObjectID)
	if err != nil {
		return nil, nil, err
	}
	base, err := readVersion(r, c.ObjectID, c.BaseVersion)
	if err != nil {
		return nil, nil, err
	}
	schema, err := jtree.ParseSchema(base.Schema)
	if err != nil {
		return nil, nil, err
	}

	local = merge.PathSet{}
	for ver := c.BaseVersion + 1; ver <= o.CurrentVersion; ver++ {
		v, err := readVersion(r, c.ObjectID, ver)
		if err != nil {
			return nil, nil, err
		}
		local.AddAll(merge.DiffPaths(base.Data, v.Data, schema))
	}

	imported = merge.PathSet{}
	for fedver := c.FirstFedVersion; fedver <= c.FedVersion; fedver++ {
		f, err := readFedVersion(r, c.ObjectID, c.Component, fedver)
		if err == ErrFederatedVersionNotFound {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		imported.AddAll(merge.DiffPaths(base.Data, f.Data, schema))
	}
	return local, imported, nil
}

// ChangedPaths reports which schema paths each side of the conflict has
// touched since the base version.
func (d *DB) ChangedPaths(obj int64, comp uuid.UUID, fedver int64) (local, imported merge.PathSet, err error) {
	c, err := d.GetConflict(obj, comp, fedver)
	if err != nil {
		return nil, nil, err
	}
	return d.changedPaths(d.db, c)
}
