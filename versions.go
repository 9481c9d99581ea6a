package federation

import (
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/learn-decentralized-systems/toytlv"

	"github.com/sciapp/sampledb-sub002/jtree"
)

// Object is the mutable logical record. Origin is set when the object
// mirrors a record owned by a remote component.
type Object struct {
	ID             int64
	CurrentVersion int64
	Origin         *jtree.Ref // remote (object id, component), nil if local
}

// Version is an immutable snapshot of an object at one local sequence
// number. Version ids per object are contiguous starting at 0.
type Version struct {
	ObjectID  int64
	VersionID int64

	Data   jtree.Node
	Schema jtree.Node
	Author *jtree.Ref // nil means automerged
	UTC    time.Time

	HashData     string
	HashMetadata string
	ImportNotes  string

	// Provenance is set when this local version was produced by an
	// import, recording which remote version it came from.
	Provenance *Provenance
}

type Provenance struct {
	Component  uuid.UUID
	FedVersion int64
}

// FedVersion is a version snapshot received from a remote component,
// stored alongside but outside the local version sequence.
type FedVersion struct {
	ObjectID   int64
	Component  uuid.UUID
	FedVersion int64

	// LocalVersion is the local version this remote version corresponds
	// to; -1 while the remote history is diverged.
	LocalVersion int64

	Data   jtree.Node
	Schema jtree.Node
	Author *jtree.Ref
	UTC    time.Time

	HashData     string
	HashMetadata string
	ImportNotes  string
}

// Subversion is an alternate-provenance record attached to an existing
// local version: same content, different origin metadata.
type Subversion struct {
	ObjectID   int64
	VersionID  int64
	Component  uuid.UUID
	FedVersion int64

	Author       *jtree.Ref
	UTC          time.Time
	HashMetadata string
	ImportNotes  string
}

// --- row codecs ------------------------------------------------------

func appendRef(ref *jtree.Ref) []byte {
	if ref == nil {
		return nil
	}
	b := appendInt(nil, ref.ID)
	return append(b, ref.Component[:]...)
}

func takeRef(b []byte) *jtree.Ref {
	if len(b) != 24 {
		return nil
	}
	ref := &jtree.Ref{ID: takeInt(b[:8])}
	copy(ref.Component[:], b[8:24])
	return ref
}

func appendTime(t time.Time) []byte {
	return appendInt(nil, t.UTC().Unix())
}

func takeTime(b []byte) time.Time {
	if len(b) != 8 {
		return time.Time{}
	}
	return time.Unix(takeInt(b), 0).UTC()
}

func mustJSON(n jtree.Node) []byte {
	raw, _ := jtree.ToJSON(n)
	return raw
}

func (o *Object) value() []byte {
	return toytlv.Concat(
		toytlv.Record('V', appendInt(nil, o.CurrentVersion)),
		toytlv.Record('P', appendRef(o.Origin)),
	)
}

func parseObject(id int64, raw []byte) (o *Object, err error) {
	o = &Object{ID: id}
	cur, rest := toytlv.Take('V', raw)
	if cur == nil {
		return nil, ErrBadShare
	}
	o.CurrentVersion = takeInt(cur)
	origin, _ := toytlv.Take('P', rest)
	o.Origin = takeRef(origin)
	return o, nil
}

func versionBody(data, schema jtree.Node, author *jtree.Ref, utc time.Time, hashData, hashMeta, notes string) []byte {
	return toytlv.Concat(
		toytlv.Record('D', mustJSON(data)),
		toytlv.Record('S', mustJSON(schema)),
		toytlv.Record('U', appendRef(author)),
		toytlv.Record('T', appendTime(utc)),
		toytlv.Record('H', []byte(hashData)),
		toytlv.Record('M', []byte(hashMeta)),
		toytlv.Record('N', []byte(notes)),
	)
}

func (v *Version) value() []byte {
	body := versionBody(v.Data, v.Schema, v.Author, v.UTC, v.HashData, v.HashMetadata, v.ImportNotes)
	var prov []byte
	if v.Provenance != nil {
		prov = append(v.Provenance.Component[:], appendInt(nil, v.Provenance.FedVersion)...)
	}
	return append(body, toytlv.Record('P', prov)...)
}

func takeVersionBody(raw []byte) (data, schema jtree.Node, author *jtree.Ref, utc time.Time, hashData, hashMeta, notes string, rest []byte, err error) {
	var d, s, u, t, h, m, n []byte
	d, rest = toytlv.Take('D', raw)
	s, rest = toytlv.Take('S', rest)
	u, rest = toytlv.Take('U', rest)
	t, rest = toytlv.Take('T', rest)
	h, rest = toytlv.Take('H', rest)
	m, rest = toytlv.Take('M', rest)
	n, rest = toytlv.Take('N', rest)
	if t == nil {
		err = ErrBadShare
		return
	}
	if data, err = jtree.FromJSON(d); err != nil {
		return
	}
	if schema, err = jtree.FromJSON(s); err != nil {
		return
	}
	author = takeRef(u)
	utc = takeTime(t)
	hashData, hashMeta, notes = string(h), string(m), string(n)
	return
}

func parseVersion(obj, ver int64, raw []byte) (v *Version, err error) {
	v = &Version{ObjectID: obj, VersionID: ver}
	var rest, prov []byte
	v.Data, v.Schema, v.Author, v.UTC, v.HashData, v.HashMetadata, v.ImportNotes, rest, err = takeVersionBody(raw)
	if err != nil {
		return nil, err
	}
	prov, _ = toytlv.Take('P', rest)
	if len(prov) == 24 {
		p := &Provenance{FedVersion: takeInt(prov[16:24])}
		copy(p.Component[:], prov[:16])
		v.Provenance = p
	}
	return v, nil
}

func (f *FedVersion) value() []byte {
	body := toytlv.Record('L', appendInt(nil, f.LocalVersion))
	return append(body, versionBody(f.Data, f.Schema, f.Author, f.UTC, f.HashData, f.HashMetadata, f.ImportNotes)...)
}

func parseFedVersion(obj int64, comp uuid.UUID, fedver int64, raw []byte) (f *FedVersion, err error) {
	f = &FedVersion{ObjectID: obj, Component: comp, FedVersion: fedver}
	local, rest := toytlv.Take('L', raw)
	if local == nil {
		return nil, ErrBadShare
	}
	f.LocalVersion = takeInt(local)
	f.Data, f.Schema, f.Author, f.UTC, f.HashData, f.HashMetadata, f.ImportNotes, _, err = takeVersionBody(rest)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Subversion) value() []byte {
	return toytlv.Concat(
		toytlv.Record('U', appendRef(s.Author)),
		toytlv.Record('T', appendTime(s.UTC)),
		toytlv.Record('M', []byte(s.HashMetadata)),
		toytlv.Record('N', []byte(s.ImportNotes)),
	)
}

// --- reads -----------------------------------------------------------

func get(r pebble.Reader, key []byte) (val []byte, ok bool, err error) {
	val, closer, err := r.Get(key)
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	out := make([]byte, len(val))
	copy(out, val)
	_ = closer.Close()
	return out, true, nil
}

func readObject(r pebble.Reader, obj int64) (*Object, error) {
	raw, ok, err := get(r, OKey(obj))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrObjectNotFound
	}
	return parseObject(obj, raw)
}

func readVersion(r pebble.Reader, obj, ver int64) (*Version, error) {
	raw, ok, err := get(r, VKey(obj, ver))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrVersionNotFound
	}
	return parseVersion(obj, ver, raw)
}

func readFedVersion(r pebble.Reader, obj int64, comp uuid.UUID, fedver int64) (*FedVersion, error) {
	raw, ok, err := get(r, FKey(obj, comp, fedver))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrFederatedVersionNotFound
	}
	return parseFedVersion(obj, comp, fedver, raw)
}

func lookupRemoteObject(r pebble.Reader, comp uuid.UUID, robj int64) (local int64, ok bool, err error) {
	raw, ok, err := get(r, RKey(comp, robj))
	if err != nil || !ok {
		return -1, false, err
	}
	return takeInt(raw), true, nil
}

// GetObject returns the object row.
func (d *DB) GetObject(obj int64) (*Object, error) {
	return readObject(d.db, obj)
}

// GetVersion returns one version of an object.
func (d *DB) GetVersion(obj, ver int64) (*Version, error) {
	if v, ok := d.vcache.Get(versionCacheKey{obj, ver}); ok {
		return v, nil
	}
	v, err := readVersion(d.db, obj, ver)
	if err != nil {
		return nil, err
	}
	d.vcache.Add(versionCacheKey{obj, ver}, v)
	return v, nil
}

// GetCurrentVersion returns the object's newest version.
func (d *DB) GetCurrentVersion(obj int64) (*Version, error) {
	o, err := d.GetObject(obj)
	if err != nil {
		return nil, err
	}
	return d.GetVersion(obj, o.CurrentVersion)
}

// GetFederatedVersion returns the stored snapshot of a remote version.
func (d *DB) GetFederatedVersion(obj, fedver int64, comp uuid.UUID) (*FedVersion, error) {
	return readFedVersion(d.db, obj, comp, fedver)
}

// --- writes ----------------------------------------------------------

func (d *DB) putObject(pb *pebble.Batch, o *Object) error {
	return pb.Set(OKey(o.ID), o.value(), d.opts.PebbleWriteOptions)
}

func (d *DB) putVersion(pb *pebble.Batch, v *Version) error {
	d.vcache.Remove(versionCacheKey{v.ObjectID, v.VersionID})
	return pb.Set(VKey(v.ObjectID, v.VersionID), v.value(), d.opts.PebbleWriteOptions)
}

func (d *DB) putFedVersion(pb *pebble.Batch, f *FedVersion) error {
	return pb.Set(FKey(f.ObjectID, f.Component, f.FedVersion), f.value(), d.opts.PebbleWriteOptions)
}

// CreateConflictingFederatedVersion records a remote version snapshot
// that is not (yet) part of the local history.
func (d *DB) CreateConflictingFederatedVersion(pb *pebble.Batch, f *FedVersion) error {
	return d.putFedVersion(pb, f)
}

// UpdateConflictingFederatedVersion overwrites an existing federated
// version row; fails if the row does not exist.
func (d *DB) UpdateConflictingFederatedVersion(pb *pebble.Batch, f *FedVersion) error {
	_, err := readFedVersion(pb, f.ObjectID, f.Component, f.FedVersion)
	if err != nil {
		return err
	}
	return d.putFedVersion(pb, f)
}

// AddSubversion attaches an alternate-provenance copy to an existing
// local version. Returns false when an identical record already exists.
func (d *DB) AddSubversion(pb *pebble.Batch, s *Subversion) (created bool, err error) {
	if _, err = readVersion(pb, s.ObjectID, s.VersionID); err != nil {
		return false, err
	}
	key := SKey(s.ObjectID, s.VersionID, s.Component, s.FedVersion)
	old, ok, err := get(pb, key)
	if err != nil {
		return false, err
	}
	val := s.value()
	if ok && string(old) == string(val) {
		return false, nil
	}
	return true, pb.Set(key, val, d.opts.PebbleWriteOptions)
}

// fillHashes computes missing fingerprints in place.
func (d *DB) fillHashes(data, schema jtree.Node, author *jtree.Ref, utc time.Time, hashData, hashMeta *string) {
	if *hashData == "" {
		*hashData = d.src.HashData(data, schema)
	}
	if *hashMeta == "" {
		*hashMeta = jtree.HashMetadata(author, utc)
	}
}

// insertVersion appends v as the object's next version. The version id
// must be exactly CurrentVersion+1 (or 0 for a fresh object); data must
// satisfy the schema. Precondition failures return ErrVersionRejected so
// callers can fall back to conflict handling.
func (d *DB) insertVersion(pb *pebble.Batch, o *Object, v *Version) error {
	if v.Data == nil || v.Schema == nil {
		return ErrVersionRejected
	}
	s, err := jtree.ParseSchema(v.Schema)
	if err != nil {
		return ErrVersionRejected
	}
	if err = jtree.Validate(v.Data, s); err != nil {
		return ErrVersionRejected
	}
	if v.VersionID != o.CurrentVersion+1 {
		return ErrVersionRejected
	}
	d.fillHashes(v.Data, v.Schema, v.Author, v.UTC, &v.HashData, &v.HashMetadata)
	o.CurrentVersion = v.VersionID
	if err = d.putVersion(pb, v); err != nil {
		return err
	}
	return d.putObject(pb, o)
}

// CreateObject creates a local object with version 0.
func (d *DB) CreateObject(data, schema jtree.Node, author *jtree.Ref) (*Object, *Version, error) {
	pb := d.db.NewIndexedBatch()
	defer pb.Close()

	// CurrentVersion -1 marks a fresh object so that version 0 is the
	// only acceptable first insert.
	o := &Object{ID: d.allocObjectID(), CurrentVersion: -1}
	v := &Version{ObjectID: o.ID, VersionID: 0, Data: data, Schema: schema, Author: author, UTC: d.now()}
	if err := d.insertVersion(pb, o, v); err != nil {
		return nil, nil, err
	}
	d.appendAudit(pb, o.ID, auditEntry{Type: "create", User: v.Author})
	if err := pb.Commit(d.opts.PebbleWriteOptions); err != nil {
		return nil, nil, err
	}
	return o, v, nil
}

// UpdateObject appends a new version with the given payload.
func (d *DB) UpdateObject(obj int64, data, schema jtree.Node, author *jtree.Ref) (*Version, error) {
	mu := d.objectLock(obj)
	mu.Lock()
	defer mu.Unlock()

	pb := d.db.NewIndexedBatch()
	defer pb.Close()

	o, err := readObject(pb, obj)
	if err != nil {
		return nil, err
	}
	v := &Version{ObjectID: obj, VersionID: o.CurrentVersion + 1, Data: data, Schema: schema, Author: author, UTC: d.now()}
	if err = d.insertVersion(pb, o, v); err != nil {
		return nil, err
	}
	d.appendAudit(pb, obj, auditEntry{Type: "update", User: v.Author})
	if err = pb.Commit(d.opts.PebbleWriteOptions); err != nil {
		return nil, err
	}
	return v, nil
}

// Versions returns the full local history of an object, oldest first.
func (d *DB) Versions(obj int64) (vers []*Version, err error) {
	o, err := d.GetObject(obj)
	if err != nil {
		return nil, err
	}
	for ver := int64(0); ver <= o.CurrentVersion; ver++ {
		v, err := d.GetVersion(obj, ver)
		if err != nil {
			return nil, err
		}
		vers = append(vers, v)
	}
	return vers, nil
}
