package federation

import (
	"errors"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"

	"github.com/sciapp/sampledb-sub002/jtree"
	"github.com/sciapp/sampledb-sub002/merge"
)

// SolveConflictByStrategy resolves an open conflict. Automerge succeeds
// only when the sides' edits do not overlap; ApplyLocal/ApplyImported
// always produce a candidate but it still has to pass schema
// validation. The resolution becomes a new local version; the conflict
// is marked solved with the solver's attribution (nil solver means
// automerged). Failures of the strategy itself (missing side data, an
// incomplete automerge, an invalid candidate) return
// ErrFailedSolvingByStrategy and leave the conflict open.
func (d *DB) SolveConflictByStrategy(obj int64, comp uuid.UUID, fedver int64, strategy merge.Strategy, solver *jtree.Ref) (*Version, error) {
	mu := d.objectLock(obj)
	mu.Lock()
	defer mu.Unlock()
	return d.solveByStrategyLocked(obj, comp, fedver, strategy, solver)
}

func (d *DB) solveByStrategyLocked(obj int64, comp uuid.UUID, fedver int64, strategy merge.Strategy, solver *jtree.Ref) (*Version, error) {
	pb := d.db.NewIndexedBatch()
	defer pb.Close()

	c, err := readConflict(pb, obj, comp, fedver)
	if err != nil {
		return nil, err
	}
	if c.Discarded {
		return nil, ErrConflictAlreadyDiscarded
	}
	if c.Solved {
		return nil, ErrConflictAlreadySolved
	}

	o, err := readObject(pb, obj)
	if err != nil {
		return nil, err
	}
	tip, err := readVersion(pb, obj, o.CurrentVersion)
	if err != nil {
		return nil, err
	}
	base, err := readVersion(pb, obj, c.BaseVersion)
	if err != nil {
		return nil, err
	}
	fed, err := readFedVersion(pb, obj, comp, fedver)
	if err != nil {
		return nil, err
	}

	// A side whose data was withheld by the sharing policy cannot be
	// merged yet; the conflict stays open until a later batch delivers it.
	if tip.Data == nil || fed.Data == nil || base.Data == nil {
		return nil, pkgerrors.Wrap(ErrFailedSolvingByStrategy, "side data unavailable")
	}

	schemaNode := tip.Schema
	if strategy == merge.ApplyImported {
		schemaNode = fed.Schema
	}
	schema, err := jtree.ParseSchema(schemaNode)
	if err != nil {
		return nil, pkgerrors.Wrap(ErrFailedSolvingByStrategy, "unparseable schema")
	}

	localPaths, importedPaths, err := d.changedPaths(pb, c)
	if err != nil {
		return nil, err
	}
	blocked := localPaths.Intersect(importedPaths)

	merged, full := merge.Merge(base.Data, tip.Data, fed.Data, schema, blocked, strategy)
	if !full {
		automergeFailures.Inc()
		return nil, pkgerrors.Wrap(ErrFailedSolvingByStrategy, "overlapping edits")
	}
	if err = jtree.Validate(merged, schema); err != nil {
		return nil, pkgerrors.Wrap(ErrFailedSolvingByStrategy, err.Error())
	}

	v := &Version{
		ObjectID:   obj,
		VersionID:  o.CurrentVersion + 1,
		Data:       merged,
		Schema:     schemaNode,
		Author:     solver,
		UTC:        d.now(),
		Provenance: &Provenance{Component: comp, FedVersion: fedver},
	}
	if err = d.insertVersion(pb, o, v); err != nil {
		return nil, pkgerrors.Wrap(ErrFailedSolvingByStrategy, err.Error())
	}
	if err = d.solveConflict(pb, c, v.VersionID, tip.VersionID, solver, solver == nil); err != nil {
		return nil, err
	}
	if err = pb.Commit(d.opts.PebbleWriteOptions); err != nil {
		return nil, err
	}
	d.log.Info("conflict solved", "object", obj, "component", comp.String(),
		"fedver", fedver, "strategy", strategy.String(), "version", v.VersionID)
	return v, nil
}

// TryAutomergeOpen attempts automerge on every open conflict of the
// object until no further one can be solved. Unsolvable conflicts stay
// open; solving one can unblock another, hence the fixpoint loop. Safe
// to call after every import batch and after every manual resolution.
func (d *DB) TryAutomergeOpen(obj int64) (solved int, err error) {
	mu := d.objectLock(obj)
	mu.Lock()
	defer mu.Unlock()
	return d.tryAutomergeOpenLocked(obj)
}

func (d *DB) tryAutomergeOpenLocked(obj int64) (solved int, err error) {
	unsolved := false
	for {
		open, err := listConflictsFiltered(d.db, obj, ConflictFilter{Solved: &unsolved})
		if err != nil {
			return solved, err
		}
		progress := false
		for _, c := range open {
			_, err := d.solveByStrategyLocked(obj, c.Component, c.FedVersion, merge.Automerge, nil)
			switch {
			case err == nil:
				solved++
				progress = true
			case errors.Is(err, ErrFailedSolvingByStrategy):
				d.log.Debug("automerge not possible", "object", obj,
					"component", c.Component.String(), "fedver", c.FedVersion, "reason", err)
			case errors.Is(err, ErrConflictAlreadySolved) || errors.Is(err, ErrConflictAlreadyDiscarded):
				// raced with another resolution, nothing to do
			default:
				return solved, err
			}
		}
		if !progress {
			return solved, nil
		}
	}
}
