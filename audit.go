package federation

import (
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/learn-decentralized-systems/toytlv"

	"github.com/sciapp/sampledb-sub002/jtree"
)

// auditEntry is one line of an object's append-only history log.
// Types: "create", "update", "import", "solve".
type auditEntry struct {
	Type string
	User *jtree.Ref // nil for automatic actions
	Note string
	UTC  time.Time
}

type AuditEntry struct {
	ObjectID int64
	Seq      int64
	auditEntry
}

func (e *auditEntry) value() []byte {
	return toytlv.Concat(
		toytlv.Record('T', []byte(e.Type)),
		toytlv.Record('U', appendRef(e.User)),
		toytlv.Record('N', []byte(e.Note)),
		toytlv.Record('S', appendTime(e.UTC)),
	)
}

func parseAuditEntry(obj, seq int64, raw []byte) (e *AuditEntry, err error) {
	e = &AuditEntry{ObjectID: obj, Seq: seq}
	t, rest := toytlv.Take('T', raw)
	u, rest := toytlv.Take('U', rest)
	n, rest := toytlv.Take('N', rest)
	s, _ := toytlv.Take('S', rest)
	if t == nil || s == nil {
		return nil, ErrBadShare
	}
	e.Type = string(t)
	e.User = takeRef(u)
	e.Note = string(n)
	e.UTC = takeTime(s)
	return e, nil
}

func (d *DB) appendAudit(pb *pebble.Batch, obj int64, e auditEntry) {
	if e.UTC.IsZero() {
		e.UTC = d.now()
	}
	seq := d.aseq.Add(1)
	err := pb.Set(AKey(obj, seq), e.value(), d.opts.PebbleWriteOptions)
	if err != nil {
		d.log.Error("audit append failed", "object", obj, "type", e.Type, "err", err)
	}
}

// AuditLog returns the object's audit entries, oldest first.
func (d *DB) AuditLog(obj int64) (entries []*AuditEntry, err error) {
	it, err := d.db.NewIter(&pebble.IterOptions{
		LowerBound: AKey(obj, 0),
		UpperBound: prefixEnd(appendInt([]byte{'A'}, obj)),
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		key := it.Key()
		if len(key) != 17 {
			continue
		}
		e, err := parseAuditEntry(takeInt(key[1:9]), takeInt(key[9:17]), it.Value())
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}
