package federation

import (
	"encoding/binary"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash"
	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"

	"github.com/sciapp/sampledb-sub002/jtree"
	"github.com/sciapp/sampledb-sub002/wire"
)

// importContext is the state the protocol state machine threads across
// one object's remote version sequence.
type importContext struct {
	share *wire.ObjectShare
	obj   *Object // nil until a local object exists

	// cursor is the local version aligned with the last processed
	// remote version; -1 before alignment is known.
	cursor int64
	// base/firstFed bound the active divergence while conflicting.
	base        int64
	firstFed    int64
	conflicting bool
	// skipUntil fast-forwards past remote versions already subsumed by
	// a recorded resolution.
	skipUntil int64
	// nextSolution is the remote version id of a known remote-side
	// resolution, applied when the sequence reaches it.
	nextSolution int64
	lastFed      int64

	changed bool
	created bool
}

// fedKeep tells upsertFedRow to leave an existing local-version mapping
// untouched.
const fedKeep = int64(-2)

// ImportObject applies one object's shared state: walks the remote
// version sequence per the protocol state machine, maintains the
// conflict ledger, merges permissions monotonically, imports satellite
// rows, and attempts automerge on whatever conflicts remain. Returns
// the (possibly created) local object and whether anything changed.
// All writes for the object commit in one batch; replaying the same
// share is a no-op.
func (d *DB) ImportObject(share *wire.ObjectShare) (*Object, bool, error) {
	start := time.Now()
	ic, err := d.importObject(share)
	importDuration.Observe(time.Since(start).Seconds())
	switch {
	case err != nil:
		importedObjects.WithLabelValues("error").Inc()
		return nil, false, err
	case ic.created:
		importedObjects.WithLabelValues("created").Inc()
	case ic.changed:
		importedObjects.WithLabelValues("updated").Inc()
	default:
		importedObjects.WithLabelValues("unchanged").Inc()
	}
	return ic.obj, ic.changed, nil
}

func (d *DB) importObject(share *wire.ObjectShare) (*importContext, error) {
	if share == nil || share.ObjectID < 0 || share.Component == uuid.Nil {
		return nil, ErrBadShare
	}
	if share.Component == d.src.UUID {
		return nil, pkgerrors.Wrap(ErrBadShare, "share claims to come from this component")
	}

	// Serialize concurrent imports of the same remote object even
	// before a local object id exists for it.
	rl := d.objectLock(remoteLockKey(share.Component, share.ObjectID))
	rl.Lock()
	defer rl.Unlock()

	pb := d.db.NewIndexedBatch()
	defer pb.Close()

	ic := &importContext{
		share: share, cursor: -1, base: -1, firstFed: -1,
		skipUntil: -1, nextSolution: -1, lastFed: -1,
	}
	local, ok, err := lookupRemoteObject(pb, share.Component, share.ObjectID)
	if err != nil {
		return nil, err
	}
	var mu *sync.Mutex
	if ok {
		if ic.obj, err = readObject(pb, local); err != nil {
			return nil, pkgerrors.Wrapf(err, "remote object %d@%s maps to missing local object %d",
				share.ObjectID, share.Component, local)
		}
		mu = d.objectLock(local)
		mu.Lock()
	}
	unlock := func() {
		if mu != nil {
			mu.Unlock()
			mu = nil
		}
	}
	defer unlock()

	if err = d.applyShare(pb, ic); err != nil {
		return nil, err
	}
	if err = pb.Commit(d.opts.PebbleWriteOptions); err != nil {
		return nil, err
	}
	unlock()

	if ic.obj != nil {
		if _, err = d.TryAutomergeOpen(ic.obj.ID); err != nil {
			d.log.Error("automerge pass failed", "object", ic.obj.ID, "err", err)
		}
	}
	return ic, nil
}

func (d *DB) applyShare(pb *pebble.Batch, ic *importContext) error {
	for i := range ic.share.Versions {
		if err := d.importVersion(pb, ic, &ic.share.Versions[i]); err != nil {
			return pkgerrors.Wrapf(err, "remote version %d from %s",
				ic.share.Versions[i].FedVersion, ic.share.Component)
		}
	}

	// End of batch: persist the divergence if it is still open.
	if ic.conflicting {
		if ic.obj == nil || ic.base < 0 || ic.lastFed < 0 {
			return pkgerrors.Wrap(ErrImportInvariant, "conflicting without a recorded base")
		}
		_, err := d.createConflict(pb, &Conflict{
			ObjectID:        ic.obj.ID,
			Component:       ic.share.Component,
			FedVersion:      ic.lastFed,
			BaseVersion:     ic.base,
			FirstFedVersion: ic.firstFed,
		})
		if err == nil {
			ic.changed = true
		} else if err != ErrConflictExists {
			return err
		}
	}

	if ic.obj == nil {
		return nil
	}
	permChanged, err := d.mergePermissions(pb, ic.obj.ID, ic.share.Permissions)
	if err != nil {
		return err
	}
	satChanged, err := d.importSatellites(pb, ic.obj.ID, ic.share)
	if err != nil {
		return err
	}
	ic.changed = ic.changed || permChanged || satChanged
	if ic.changed {
		d.appendAudit(pb, ic.obj.ID, auditEntry{
			Type: "import",
			User: ic.share.SharingUser.Tree(),
			Note: "import from " + ic.share.Component.String(),
		})
	}
	return nil
}

func (d *DB) importVersion(pb *pebble.Batch, ic *importContext, vs *wire.VersionShare) error {
	ic.lastFed = vs.FedVersion
	hashData, hashMeta := vs.HashData, vs.HashMetadata
	if hashData == "" && vs.Data.Node != nil {
		hashData = d.src.HashData(vs.Data.Node, vs.Schema.Node)
	}
	if hashMeta == "" && !vs.Time().IsZero() {
		hashMeta = jtree.HashMetadata(vs.Author.Tree(), vs.Time())
	}

	// Step 1: subsumed by a recorded resolution; mirror row only.
	if ic.obj != nil && ic.skipUntil >= 0 && vs.FedVersion < ic.skipUntil {
		_, err := d.upsertFedRow(pb, ic, vs, hashData, hashMeta, fedKeep)
		importedVersions.WithLabelValues("skipped").Inc()
		return err
	}

	// Step 2: this is a known remote-side resolution.
	if ic.nextSolution >= 0 && vs.FedVersion == ic.nextSolution {
		return d.applySolution(pb, ic, vs, hashData, hashMeta)
	}

	// Idempotent replay: this remote version is already mapped to a
	// local one.
	if ic.obj != nil {
		f, err := readFedVersion(pb, ic.obj.ID, ic.share.Component, vs.FedVersion)
		if err != nil && err != ErrFederatedVersionNotFound {
			return err
		}
		if err == nil && f.LocalVersion >= 0 {
			ic.cursor = f.LocalVersion
			importedVersions.WithLabelValues("replayed").Inc()
			return nil
		}
	}

	// Step 4: mid-divergence, mirror the row and move on.
	if ic.conflicting {
		changed, err := d.upsertFedRow(pb, ic, vs, hashData, hashMeta, -1)
		ic.changed = ic.changed || changed
		importedVersions.WithLabelValues("mirrored").Inc()
		return err
	}

	// Step 3: fast path.
	if ic.obj == nil {
		return d.createFromShare(pb, ic, vs, hashData, hashMeta)
	}
	tip, err := readVersion(pb, ic.obj.ID, ic.obj.CurrentVersion)
	if err != nil {
		return err
	}
	if ic.cursor == -1 {
		aligned, ok, err := lastAlignedBefore(pb, ic.obj.ID, ic.share.Component, vs.FedVersion)
		if err != nil {
			return err
		}
		if ok {
			ic.cursor = aligned
		} else {
			// No prior alignment recorded for this component: assume
			// the remote history builds on our current tip.
			ic.cursor = tip.VersionID
		}
	}

	switch {
	case tip.HashData != "" && hashData == tip.HashData && hashMeta == tip.HashMetadata:
		// Same everything; refresh provenance details in place when the
		// tip already carries this remote's provenance.
		if _, err = d.upsertFedRow(pb, ic, vs, hashData, hashMeta, tip.VersionID); err != nil {
			return err
		}
		if err = d.refreshInPlace(pb, tip, vs); err != nil {
			return err
		}
		ic.cursor = tip.VersionID
		importedVersions.WithLabelValues("aligned").Inc()
		return nil

	case tip.HashData != "" && hashData != "" && hashData == tip.HashData:
		// Same content, different provenance: subversion, no new
		// version.
		created, err := d.AddSubversion(pb, &Subversion{
			ObjectID:     ic.obj.ID,
			VersionID:    tip.VersionID,
			Component:    ic.share.Component,
			FedVersion:   vs.FedVersion,
			Author:       vs.Author.Tree(),
			UTC:          vs.Time(),
			HashMetadata: hashMeta,
			ImportNotes:  strings.Join(vs.ImportNotes, "\n"),
		})
		if err != nil {
			return err
		}
		if _, err = d.upsertFedRow(pb, ic, vs, hashData, hashMeta, tip.VersionID); err != nil {
			return err
		}
		ic.changed = ic.changed || created
		ic.cursor = tip.VersionID
		importedVersions.WithLabelValues("subversion").Inc()
		return nil

	case tip.HashData == "" && tip.HashMetadata == "":
		// Legacy row without recorded fingerprints: overwrite in place.
		return d.overwriteInPlace(pb, ic, tip, vs, hashData, hashMeta)

	case ic.cursor == tip.VersionID:
		// Remote builds on our tip: fast-forward append.
		v := &Version{
			ObjectID:     ic.obj.ID,
			VersionID:    tip.VersionID + 1,
			Data:         vs.Data.Node,
			Schema:       vs.Schema.Node,
			Author:       vs.Author.Tree(),
			UTC:          vs.Time(),
			HashData:     hashData,
			HashMetadata: hashMeta,
			ImportNotes:  strings.Join(vs.ImportNotes, "\n"),
			Provenance:   &Provenance{Component: ic.share.Component, FedVersion: vs.FedVersion},
		}
		err = d.insertVersion(pb, ic.obj, v)
		if err == ErrVersionRejected {
			return d.fork(pb, ic, vs, hashData, hashMeta)
		}
		if err != nil {
			return err
		}
		if _, err = d.upsertFedRow(pb, ic, vs, hashData, hashMeta, v.VersionID); err != nil {
			return err
		}
		ic.cursor = v.VersionID
		ic.changed = true
		importedVersions.WithLabelValues("fast_forward").Inc()
		return nil

	default:
		// Local history advanced past the alignment point: genuine
		// fork.
		return d.fork(pb, ic, vs, hashData, hashMeta)
	}
}

// createFromShare creates the local mirror object (if needed) and
// appends the remote version as the next local version.
func (d *DB) createFromShare(pb *pebble.Batch, ic *importContext, vs *wire.VersionShare, hashData, hashMeta string) error {
	if vs.Data.Node == nil || vs.Schema.Node == nil {
		return pkgerrors.Wrap(ErrImportInvariant, "cannot create an object from a payload-less share")
	}
	if ic.obj == nil {
		o := &Object{
			ID:             d.allocObjectID(),
			CurrentVersion: -1,
			Origin:         &jtree.Ref{ID: ic.share.ObjectID, Component: ic.share.Component},
		}
		err := pb.Set(RKey(ic.share.Component, ic.share.ObjectID), appendInt(nil, o.ID), d.opts.PebbleWriteOptions)
		if err != nil {
			return err
		}
		ic.obj = o
		ic.created = true
		d.appendAudit(pb, o.ID, auditEntry{Type: "create", User: vs.Author.Tree(),
			Note: "imported from " + ic.share.Component.String()})
	}
	v := &Version{
		ObjectID:     ic.obj.ID,
		VersionID:    ic.obj.CurrentVersion + 1,
		Data:         vs.Data.Node,
		Schema:       vs.Schema.Node,
		Author:       vs.Author.Tree(),
		UTC:          vs.Time(),
		HashData:     hashData,
		HashMetadata: hashMeta,
		ImportNotes:  strings.Join(vs.ImportNotes, "\n"),
		Provenance:   &Provenance{Component: ic.share.Component, FedVersion: vs.FedVersion},
	}
	if err := d.insertVersion(pb, ic.obj, v); err != nil {
		return pkgerrors.Wrap(err, "creating local mirror")
	}
	if _, err := d.upsertFedRow(pb, ic, vs, hashData, hashMeta, v.VersionID); err != nil {
		return err
	}
	ic.cursor = v.VersionID
	ic.changed = true
	importedVersions.WithLabelValues("created").Inc()
	return nil
}

// refreshInPlace patches non-identity fields (import notes) of a tip
// that already matches the incoming version by both fingerprints.
func (d *DB) refreshInPlace(pb *pebble.Batch, tip *Version, vs *wire.VersionShare) error {
	notes := strings.Join(vs.ImportNotes, "\n")
	if tip.Provenance == nil || notes == "" || notes == tip.ImportNotes {
		return nil
	}
	tip.ImportNotes = notes
	return d.putVersion(pb, tip)
}

// overwriteInPlace replaces a legacy hash-less tip with the incoming
// payload, keeping the version id.
func (d *DB) overwriteInPlace(pb *pebble.Batch, ic *importContext, tip *Version, vs *wire.VersionShare, hashData, hashMeta string) error {
	if vs.Data.Node == nil || vs.Schema.Node == nil {
		return d.fork(pb, ic, vs, hashData, hashMeta)
	}
	s, err := jtree.ParseSchema(vs.Schema.Node)
	if err != nil {
		return d.fork(pb, ic, vs, hashData, hashMeta)
	}
	if err = jtree.Validate(vs.Data.Node, s); err != nil {
		return d.fork(pb, ic, vs, hashData, hashMeta)
	}
	tip.Data = vs.Data.Node
	tip.Schema = vs.Schema.Node
	tip.Author = vs.Author.Tree()
	tip.UTC = vs.Time()
	tip.HashData = hashData
	tip.HashMetadata = hashMeta
	tip.ImportNotes = strings.Join(vs.ImportNotes, "\n")
	tip.Provenance = &Provenance{Component: ic.share.Component, FedVersion: vs.FedVersion}
	d.fillHashes(tip.Data, tip.Schema, tip.Author, tip.UTC, &tip.HashData, &tip.HashMetadata)
	if err = d.putVersion(pb, tip); err != nil {
		return err
	}
	if _, err = d.upsertFedRow(pb, ic, vs, tip.HashData, tip.HashMetadata, tip.VersionID); err != nil {
		return err
	}
	ic.cursor = tip.VersionID
	ic.changed = true
	importedVersions.WithLabelValues("overwritten").Inc()
	return nil
}

// fork marks the start (or continuation) of a divergence and runs the
// resolution lookup of step 5: adopt an already-recorded local
// resolution, schedule a known remote one, or stay diverged until the
// batch ends.
func (d *DB) fork(pb *pebble.Batch, ic *importContext, vs *wire.VersionShare, hashData, hashMeta string) error {
	if ic.obj == nil {
		return pkgerrors.Wrap(ErrImportInvariant, "divergence without a local object")
	}
	if ic.cursor < 0 {
		return pkgerrors.Wrap(ErrImportInvariant, "divergence without an alignment point")
	}
	if !ic.conflicting {
		ic.conflicting = true
		ic.base = ic.cursor
		ic.firstFed = vs.FedVersion
	}
	changed, err := d.upsertFedRow(pb, ic, vs, hashData, hashMeta, -1)
	if err != nil {
		return err
	}
	ic.changed = ic.changed || changed
	importedVersions.WithLabelValues("forked").Inc()

	localSol, err := solvedConflictForBase(pb, ic.obj.ID, ic.share.Component, ic.base)
	if err != nil && err != ErrConflictNotFound {
		return err
	}
	_, remoteSol, hasRemote := ic.share.ConflictStatus.SolutionAtOrAfter(vs.FedVersion)

	if localSol != nil {
		// A recorded local resolution covers this divergence: jump past
		// it and skip the remote versions it subsumes.
		ic.conflicting = false
		ic.cursor = localSol.VersionSolvedIn
		ic.skipUntil = localSol.FedVersion + 1
		ic.base, ic.firstFed = -1, -1
		// A remote resolution past ours has to be reconciled when the
		// sequence reaches it; later remote version wins is the
		// explicit precedence rule here.
		if hasRemote && remoteSol.VersionSolvedIn >= ic.skipUntil {
			ic.nextSolution = remoteSol.VersionSolvedIn
		}
		return nil
	}
	if hasRemote {
		ic.nextSolution = remoteSol.VersionSolvedIn
	}
	return nil
}

// applySolution handles step 2: the sequence reached a remote version
// that a remote-side resolution declared as its result.
func (d *DB) applySolution(pb *pebble.Batch, ic *importContext, vs *wire.VersionShare, hashData, hashMeta string) error {
	ic.nextSolution = -1
	if ic.obj == nil {
		return d.createFromShare(pb, ic, vs, hashData, hashMeta)
	}
	tip, err := readVersion(pb, ic.obj.ID, ic.obj.CurrentVersion)
	if err != nil {
		return err
	}

	if hashData != "" && hashData == tip.HashData {
		// The remote resolution matches our local state: record it as
		// solved, keep both provenances.
		if hashMeta != "" && hashMeta != tip.HashMetadata {
			created, err := d.AddSubversion(pb, &Subversion{
				ObjectID:     ic.obj.ID,
				VersionID:    tip.VersionID,
				Component:    ic.share.Component,
				FedVersion:   vs.FedVersion,
				Author:       vs.Author.Tree(),
				UTC:          vs.Time(),
				HashMetadata: hashMeta,
				ImportNotes:  strings.Join(vs.ImportNotes, "\n"),
			})
			if err != nil {
				return err
			}
			ic.changed = ic.changed || created
		}
		if _, err = d.upsertFedRow(pb, ic, vs, hashData, hashMeta, tip.VersionID); err != nil {
			return err
		}
		unsolved := false
		open, err := listConflictsFiltered(pb, ic.obj.ID, ConflictFilter{Component: &ic.share.Component, Solved: &unsolved})
		if err != nil {
			return err
		}
		for _, c := range open {
			if err = d.solveConflict(pb, c, tip.VersionID, tip.VersionID, vs.Author.Tree(), false); err != nil {
				return err
			}
			ic.changed = true
		}
		if len(open) == 0 && ic.conflicting {
			// The divergence opened earlier in this same batch, so no
			// ledger row exists yet. Record it as solved: replays then
			// short-circuit through the resolution and the export
			// advertises it onward.
			c, err := d.createConflict(pb, &Conflict{
				ObjectID:        ic.obj.ID,
				Component:       ic.share.Component,
				FedVersion:      vs.FedVersion,
				BaseVersion:     ic.base,
				FirstFedVersion: ic.firstFed,
			})
			if err != nil && err != ErrConflictExists {
				return err
			}
			if err == nil {
				if err = d.solveConflict(pb, c, tip.VersionID, tip.VersionID, vs.Author.Tree(), false); err != nil {
					return err
				}
				ic.changed = true
			}
		}
		ic.conflicting = false
		ic.cursor = tip.VersionID
		ic.base, ic.firstFed = -1, -1
		ic.skipUntil = vs.FedVersion + 1
		importedVersions.WithLabelValues("solution").Inc()
		return nil
	}

	// The remote resolution itself conflicts with local changes: open a
	// nested conflict for it right away.
	if !ic.conflicting {
		ic.conflicting = true
		ic.base = ic.cursor
		ic.firstFed = vs.FedVersion
	}
	if ic.base < 0 {
		return pkgerrors.Wrap(ErrImportInvariant, "solution conflict without an alignment point")
	}
	if _, err = d.upsertFedRow(pb, ic, vs, hashData, hashMeta, -1); err != nil {
		return err
	}
	_, err = d.createConflict(pb, &Conflict{
		ObjectID:        ic.obj.ID,
		Component:       ic.share.Component,
		FedVersion:      vs.FedVersion,
		BaseVersion:     ic.base,
		FirstFedVersion: ic.firstFed,
	})
	if err == nil {
		ic.changed = true
	} else if err != ErrConflictExists {
		return err
	}
	importedVersions.WithLabelValues("solution_conflict").Inc()
	return nil
}

// upsertFedRow creates or patches the federated mirror row. local sets
// the local-version mapping; -1 marks the row diverged, fedKeep leaves
// an existing mapping untouched.
func (d *DB) upsertFedRow(pb *pebble.Batch, ic *importContext, vs *wire.VersionShare, hashData, hashMeta string, local int64) (changed bool, err error) {
	if ic.obj == nil {
		return false, pkgerrors.Wrap(ErrImportInvariant, "federated row without a local object")
	}
	f, err := readFedVersion(pb, ic.obj.ID, ic.share.Component, vs.FedVersion)
	if err == ErrFederatedVersionNotFound {
		f = &FedVersion{
			ObjectID:     ic.obj.ID,
			Component:    ic.share.Component,
			FedVersion:   vs.FedVersion,
			LocalVersion: -1,
		}
	} else if err != nil {
		return false, err
	}
	if local != fedKeep {
		f.LocalVersion = local
	}
	if vs.Data.Node != nil {
		f.Data = vs.Data.Node
	}
	if vs.Schema.Node != nil {
		f.Schema = vs.Schema.Node
	}
	if vs.Author != nil {
		f.Author = vs.Author.Tree()
	}
	if !vs.Time().IsZero() {
		f.UTC = vs.Time()
	}
	if hashData != "" {
		f.HashData = hashData
	}
	if hashMeta != "" {
		f.HashMetadata = hashMeta
	}
	if notes := strings.Join(vs.ImportNotes, "\n"); notes != "" {
		f.ImportNotes = notes
	}
	return d.setIfChanged(pb, FKey(f.ObjectID, f.Component, f.FedVersion), f.value())
}

// lastAlignedBefore finds the newest remote version below fedver that
// is mapped to a local version.
func lastAlignedBefore(r pebble.Reader, obj int64, comp uuid.UUID, fedver int64) (local int64, ok bool, err error) {
	if fedver <= 0 {
		return -1, false, nil
	}
	it, err := r.NewIter(&pebble.IterOptions{
		LowerBound: FKey(obj, comp, 0),
		UpperBound: FKey(obj, comp, fedver),
	})
	if err != nil {
		return -1, false, err
	}
	defer it.Close()
	for valid := it.Last(); valid; valid = it.Prev() {
		_, _, fv := FKeyIds(it.Key())
		f, err := parseFedVersion(obj, comp, fv, it.Value())
		if err != nil {
			continue
		}
		if f.LocalVersion >= 0 {
			return f.LocalVersion, true, nil
		}
	}
	return -1, false, it.Error()
}

// remoteLockKey maps a remote object identity into the negative key
// range of the per-object lock table, so it can never collide with a
// local object id.
func remoteLockKey(comp uuid.UUID, robj int64) int64 {
	h := xxhash.New()
	_, _ = h.Write(comp[:])
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(robj))
	_, _ = h.Write(b[:])
	return -1 - int64(h.Sum64()>>1)
}
