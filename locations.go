package federation

import (
	"bytes"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/learn-decentralized-systems/toytlv"

	"github.com/sciapp/sampledb-sub002/jtree"
	"github.com/sciapp/sampledb-sub002/wire"
)

// Location is a place objects can be assigned to. Locations are global
// rows (not per object) and form parent chains that must stay acyclic.
type Location struct {
	ID        int64
	Component uuid.UUID
	Name      string
	Parent    *jtree.Ref
}

// LocationAssignment places one object at a location.
type LocationAssignment struct {
	ObjectID    int64
	ID          int64
	Component   uuid.UUID
	Location    *jtree.Ref
	Responsible *jtree.Ref
	Description string
	Confirmed   bool
	UTC         time.Time
}

// Comment is a satellite row attached to an object.
type Comment struct {
	ObjectID  int64
	ID        int64
	Component uuid.UUID
	Author    *jtree.Ref
	Content   string
	UTC       time.Time
}

// File is file metadata attached to an object; content is fetched on
// demand, never stored here.
type File struct {
	ObjectID  int64
	ID        int64
	Component uuid.UUID
	Uploader  *jtree.Ref
	Name      string
	URL       string
	Hash      string
	UTC       time.Time
}

func (l *Location) value() []byte {
	return toytlv.Concat(
		toytlv.Record('E', []byte(l.Name)),
		toytlv.Record('P', appendRef(l.Parent)),
	)
}

func parseLocation(comp uuid.UUID, id int64, raw []byte) (*Location, error) {
	name, rest := toytlv.Take('E', raw)
	if name == nil && rest == nil {
		return nil, ErrBadShare
	}
	parent, _ := toytlv.Take('P', rest)
	return &Location{ID: id, Component: comp, Name: string(name), Parent: takeRef(parent)}, nil
}

func (a *LocationAssignment) value() []byte {
	confirmed := byte(0)
	if a.Confirmed {
		confirmed = 1
	}
	return toytlv.Concat(
		toytlv.Record('L', appendRef(a.Location)),
		toytlv.Record('U', appendRef(a.Responsible)),
		toytlv.Record('D', []byte(a.Description)),
		toytlv.Record('C', []byte{confirmed}),
		toytlv.Record('T', appendTime(a.UTC)),
	)
}

func parseLocationAssignment(obj int64, comp uuid.UUID, id int64, raw []byte) (*LocationAssignment, error) {
	loc, rest := toytlv.Take('L', raw)
	user, rest := toytlv.Take('U', rest)
	desc, rest := toytlv.Take('D', rest)
	confirmed, rest := toytlv.Take('C', rest)
	utc, _ := toytlv.Take('T', rest)
	if utc == nil {
		return nil, ErrBadShare
	}
	return &LocationAssignment{
		ObjectID:    obj,
		ID:          id,
		Component:   comp,
		Location:    takeRef(loc),
		Responsible: takeRef(user),
		Description: string(desc),
		Confirmed:   len(confirmed) == 1 && confirmed[0] == 1,
		UTC:         takeTime(utc),
	}, nil
}

func (c *Comment) value() []byte {
	return toytlv.Concat(
		toytlv.Record('U', appendRef(c.Author)),
		toytlv.Record('D', []byte(c.Content)),
		toytlv.Record('T', appendTime(c.UTC)),
	)
}

func parseComment(obj int64, comp uuid.UUID, id int64, raw []byte) (*Comment, error) {
	user, rest := toytlv.Take('U', raw)
	content, rest := toytlv.Take('D', rest)
	utc, _ := toytlv.Take('T', rest)
	if utc == nil {
		return nil, ErrBadShare
	}
	return &Comment{
		ObjectID: obj, ID: id, Component: comp,
		Author: takeRef(user), Content: string(content), UTC: takeTime(utc),
	}, nil
}

func (f *File) value() []byte {
	return toytlv.Concat(
		toytlv.Record('U', appendRef(f.Uploader)),
		toytlv.Record('E', []byte(f.Name)),
		toytlv.Record('R', []byte(f.URL)),
		toytlv.Record('H', []byte(f.Hash)),
		toytlv.Record('T', appendTime(f.UTC)),
	)
}

func parseFile(obj int64, comp uuid.UUID, id int64, raw []byte) (*File, error) {
	user, rest := toytlv.Take('U', raw)
	name, rest := toytlv.Take('E', rest)
	url, rest := toytlv.Take('R', rest)
	hash, rest := toytlv.Take('H', rest)
	utc, _ := toytlv.Take('T', rest)
	if utc == nil {
		return nil, ErrBadShare
	}
	return &File{
		ObjectID: obj, ID: id, Component: comp,
		Uploader: takeRef(user), Name: string(name), URL: string(url),
		Hash: string(hash), UTC: takeTime(utc),
	}, nil
}

// --- cycle validation -------------------------------------------------

type locNode struct {
	ID        int64
	Component uuid.UUID
}

// checkLocationCycles validates the parent chains that would exist
// after applying the incoming location records over the current rows.
// Pure adjacency walk, nothing is written; a cyclic batch is rejected
// whole with ErrCyclicLocation.
func (d *DB) checkLocationCycles(r pebble.Reader, incoming []wire.LocationShare) error {
	adj := map[locNode]*locNode{}
	it, err := r.NewIter(&pebble.IterOptions{
		LowerBound: []byte{'N'},
		UpperBound: prefixEnd([]byte{'N'}),
	})
	if err != nil {
		return err
	}
	for it.First(); it.Valid(); it.Next() {
		comp, rid := NKeyIds(it.Key())
		loc, err := parseLocation(comp, rid, it.Value())
		if err != nil {
			continue
		}
		adj[locNode{rid, comp}] = refNode(loc.Parent)
	}
	if err = it.Close(); err != nil {
		return err
	}
	for _, share := range incoming {
		adj[locNode{share.ID, share.Component}] = refNode(share.Parent.Tree())
	}

	safe := map[locNode]bool{}
	for start := range adj {
		seen := map[locNode]bool{}
		node := start
		for {
			if safe[node] {
				break
			}
			if seen[node] {
				return ErrCyclicLocation
			}
			seen[node] = true
			parent, known := adj[node]
			if !known || parent == nil {
				break
			}
			node = *parent
		}
		for n := range seen {
			safe[n] = true
		}
	}
	return nil
}

func refNode(ref *jtree.Ref) *locNode {
	if ref == nil {
		return nil
	}
	return &locNode{ID: ref.ID, Component: ref.Component}
}

// --- satellite import -------------------------------------------------

// setIfChanged writes the row only when the stored bytes differ,
// keeping satellite imports idempotent and cheap on replay.
func (d *DB) setIfChanged(pb *pebble.Batch, key, val []byte) (changed bool, err error) {
	cur, ok, err := get(pb, key)
	if err != nil {
		return false, err
	}
	if ok && bytes.Equal(cur, val) {
		return false, nil
	}
	return true, pb.Set(key, val, d.opts.PebbleWriteOptions)
}

// importSatellites applies the share's comments, files, locations and
// location assignments inside the object's import batch. Rows are keyed
// by remote provenance, so replaying a batch is a no-op.
func (d *DB) importSatellites(pb *pebble.Batch, obj int64, share *wire.ObjectShare) (changed bool, err error) {
	if len(share.Locations) > 0 {
		if err = d.checkLocationCycles(pb, share.Locations); err != nil {
			return false, err
		}
		for _, ls := range share.Locations {
			loc := &Location{ID: ls.ID, Component: ls.Component, Name: ls.Name, Parent: ls.Parent.Tree()}
			ch, err := d.setIfChanged(pb, NKey(ls.Component, ls.ID), loc.value())
			if err != nil {
				return changed, err
			}
			changed = changed || ch
		}
	}
	for _, as := range share.LocationAssignments {
		a := &LocationAssignment{
			ObjectID: obj, ID: as.ID, Component: as.Component,
			Location: as.Location.Tree(), Responsible: as.Responsible.Tree(),
			Description: as.Description, Confirmed: as.Confirmed,
		}
		if t, err := time.Parse(wire.TimeFormat, as.UTC); err == nil {
			a.UTC = t.UTC()
		}
		ch, err := d.setIfChanged(pb, SatKey(SatLocation, obj, as.Component, as.ID), a.value())
		if err != nil {
			return changed, err
		}
		changed = changed || ch
	}
	for _, cs := range share.Comments {
		c := &Comment{ObjectID: obj, ID: cs.ID, Component: cs.Component, Author: cs.Author.Tree(), Content: cs.Content}
		if t, err := time.Parse(wire.TimeFormat, cs.UTC); err == nil {
			c.UTC = t.UTC()
		}
		ch, err := d.setIfChanged(pb, SatKey(SatComment, obj, cs.Component, cs.ID), c.value())
		if err != nil {
			return changed, err
		}
		changed = changed || ch
	}
	for _, fs := range share.Files {
		f := &File{
			ObjectID: obj, ID: fs.ID, Component: fs.Component,
			Uploader: fs.Uploader.Tree(), Name: fs.Name, URL: fs.URL, Hash: fs.Hash,
		}
		if t, err := time.Parse(wire.TimeFormat, fs.UTC); err == nil {
			f.UTC = t.UTC()
		}
		ch, err := d.setIfChanged(pb, SatKey(SatFile, obj, fs.Component, fs.ID), f.value())
		if err != nil {
			return changed, err
		}
		changed = changed || ch
	}
	return changed, nil
}

// --- reads ------------------------------------------------------------

func (d *DB) GetLocation(comp uuid.UUID, id int64) (*Location, error) {
	val, ok, err := get(d.db, NKey(comp, id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrObjectNotFound
	}
	return parseLocation(comp, id, val)
}

func (d *DB) ObjectComments(obj int64) (out []*Comment, err error) {
	prefix := appendInt([]byte{SatComment}, obj)
	it, err := d.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		key := it.Key()
		var comp uuid.UUID
		copy(comp[:], key[9:25])
		c, err := parseComment(obj, comp, takeInt(key[25:33]), it.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, it.Error()
}

func (d *DB) ObjectFiles(obj int64) (out []*File, err error) {
	prefix := appendInt([]byte{SatFile}, obj)
	it, err := d.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		key := it.Key()
		var comp uuid.UUID
		copy(comp[:], key[9:25])
		f, err := parseFile(obj, comp, takeInt(key[25:33]), it.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, it.Error()
}

func (d *DB) ObjectLocationAssignments(obj int64) (out []*LocationAssignment, err error) {
	prefix := appendInt([]byte{SatLocation}, obj)
	it, err := d.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		key := it.Key()
		var comp uuid.UUID
		copy(comp[:], key[9:25])
		a, err := parseLocationAssignment(obj, comp, takeInt(key[25:33]), it.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, it.Error()
}
