package federation

import (
	"fmt"
	"io"

	"github.com/cockroachdb/pebble"
)

// DumpAll writes a human-readable snapshot of the keyspace, one row per
// line. Meant for tests and the console, not for parsing.
func (d *DB) DumpAll(writer io.Writer) {
	d.DumpObjects(writer)
	fmt.Fprintln(writer, "")
	d.DumpFederated(writer)
	fmt.Fprintln(writer, "")
	d.DumpConflicts(writer)
}

func (d *DB) DumpObjects(writer io.Writer) {
	it, err := d.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{'O'},
		UpperBound: []byte{'P'},
	})
	if err != nil {
		return
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		if len(it.Key()) != 9 {
			continue
		}
		obj := takeInt(it.Key()[1:9])
		o, err := parseObject(obj, it.Value())
		if err != nil {
			fmt.Fprintf(writer, "O.%d:\t<bad row>\n", obj)
			continue
		}
		origin := "local"
		if o.Origin != nil {
			origin = fmt.Sprintf("%d@%s", o.Origin.ID, o.Origin.Component)
		}
		fmt.Fprintf(writer, "O.%d:\tv%d\t%s\n", obj, o.CurrentVersion, origin)
	}
}

func (d *DB) DumpFederated(writer io.Writer) {
	it, err := d.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{'F'},
		UpperBound: []byte{'G'},
	})
	if err != nil {
		return
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		obj, comp, fedver := FKeyIds(it.Key())
		if obj < 0 {
			continue
		}
		f, err := parseFedVersion(obj, comp, fedver, it.Value())
		if err != nil {
			fmt.Fprintf(writer, "F.%d.%s.%d:\t<bad row>\n", obj, comp, fedver)
			continue
		}
		fmt.Fprintf(writer, "F.%d.%s.%d:\tlocal %d\t%s\n", obj, comp, fedver, f.LocalVersion, f.HashData)
	}
}

func (d *DB) DumpConflicts(writer io.Writer) {
	it, err := d.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{'C'},
		UpperBound: []byte{'D'},
	})
	if err != nil {
		return
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		obj, comp, fedver := CKeyIds(it.Key())
		if obj < 0 {
			continue
		}
		c, err := parseConflict(obj, comp, fedver, it.Value())
		if err != nil {
			fmt.Fprintf(writer, "C.%d.%s.%d:\t<bad row>\n", obj, comp, fedver)
			continue
		}
		state := "open"
		switch {
		case c.Discarded:
			state = "discarded"
		case c.Solved && c.Automerged:
			state = fmt.Sprintf("automerged in v%d", c.VersionSolvedIn)
		case c.Solved:
			state = fmt.Sprintf("solved in v%d", c.VersionSolvedIn)
		}
		fmt.Fprintf(writer, "C.%d.%s.%d:\tbase v%d\t%s\n", obj, comp, fedver, c.BaseVersion, state)
	}
}
