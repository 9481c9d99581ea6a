// Package federation implements the object synchronization and
// conflict-resolution engine: a pebble-backed store of local and
// federated object version histories, a conflict ledger, and the import
// state machine that reconciles version sequences arriving from remote
// components.
package federation

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/sciapp/sampledb-sub002/jtree"
	"github.com/sciapp/sampledb-sub002/utils"
)

type Options struct {
	pebble.Options

	// Src is the local component's federation identity.
	Src jtree.Identity
	// Name is a human-readable instance name, stored for diagnostics.
	Name string

	Logger             utils.Logger
	VersionCacheSize   int
	PebbleWriteOptions *pebble.WriteOptions
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
	if o.VersionCacheSize == 0 {
		o.VersionCacheSize = 10000
	}
	if o.PebbleWriteOptions == nil {
		o.PebbleWriteOptions = &pebble.WriteOptions{Sync: true}
	}
}

type DB struct {
	log  utils.Logger
	db   *pebble.DB
	dir  string
	src  jtree.Identity
	opts Options

	nextObj atomic.Int64
	aseq    atomic.Int64

	vcache *lru.Cache[versionCacheKey, *Version]
	locks  *xsync.MapOf[int64, *sync.Mutex]

	clock func() time.Time
}

type versionCacheKey struct {
	obj, ver int64
}

func Open(dir string, opts Options) (db *DB, err error) {
	opts.SetDefaults()
	pdb, err := pebble.Open(dir, &opts.Options)
	if err != nil {
		return nil, err
	}
	cache, _ := lru.New[versionCacheKey, *Version](opts.VersionCacheSize)
	db = &DB{
		log:    opts.Logger,
		db:     pdb,
		dir:    dir,
		src:    opts.Src,
		opts:   opts,
		vcache: cache,
		locks:  xsync.NewMapOf[int64, *sync.Mutex](),
		clock:  time.Now,
	}
	last, err := db.lastObjectID()
	if err != nil {
		_ = pdb.Close()
		return nil, err
	}
	db.nextObj.Store(last + 1)
	db.aseq.Store(time.Now().UnixNano())
	db.log.Info("store open", "dir", dir, "src", opts.Src.UUID.String(), "objects", last+1)
	return db, nil
}

func (d *DB) Close() error {
	if d.db == nil {
		return ErrClosed
	}
	err := d.db.Close()
	d.db = nil
	return err
}

func (d *DB) Source() jtree.Identity {
	return d.src
}

func (d *DB) Logger() utils.Logger {
	return d.log
}

func (d *DB) Snapshot() pebble.Reader {
	return d.db.NewSnapshot()
}

func (d *DB) WriteOptions() *pebble.WriteOptions {
	return d.opts.PebbleWriteOptions
}

func (d *DB) lastObjectID() (last int64, err error) {
	it, err := d.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{'O'},
		UpperBound: []byte{'P'},
	})
	if err != nil {
		return -1, err
	}
	defer it.Close()
	last = -1
	if it.Last() && len(it.Key()) == 9 {
		last = takeInt(it.Key()[1:9])
	}
	return last, nil
}

func (d *DB) allocObjectID() int64 {
	return d.nextObj.Add(1) - 1
}

// objectLock serializes imports per object; different objects import
// concurrently.
func (d *DB) objectLock(obj int64) *sync.Mutex {
	mu, _ := d.locks.LoadOrStore(obj, &sync.Mutex{})
	return mu
}

func (d *DB) now() time.Time {
	return d.clock().UTC()
}
