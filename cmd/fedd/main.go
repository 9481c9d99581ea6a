package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/ergochat/readline"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	federation "github.com/sciapp/sampledb-sub002"
	"github.com/sciapp/sampledb-sub002/jtree"
	"github.com/sciapp/sampledb-sub002/merge"
	"github.com/sciapp/sampledb-sub002/poll"
	"github.com/sciapp/sampledb-sub002/wire"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),
	readline.PcItem("objects"),
	readline.PcItem("versions"),
	readline.PcItem("show"),
	readline.PcItem("conflicts"),
	readline.PcItem("solve"),
	readline.PcItem("audit"),
	readline.PcItem("import"),
	readline.PcItem("export"),
	readline.PcItem("dump"),
	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

const usage = `commands:
  objects                                list local objects
  versions <obj>                         version history of an object
  show <obj> [ver]                       print one version's payload
  conflicts <obj>                        list the object's conflicts
  solve <obj> <comp> <fedver> <strategy> [user]
                                         resolve a conflict (strategy:
                                         automerge|local|imported)
  audit <obj>                            print the object's audit log
  import <file>                          import an object share from a JSON file
  export <obj> <file>                    write an object share to a JSON file
  dump                                   dump the keyspace
  exit | quit`

func main() {
	dir := flag.String("dir", "fedd.db", "store directory")
	src := flag.String("uuid", "", "this component's federation UUID")
	name := flag.String("name", "fedd", "instance name")
	metrics := flag.String("metrics", "", "expose prometheus metrics on this address")
	flag.Parse()

	var id uuid.UUID
	if *src != "" {
		var err error
		if id, err = uuid.Parse(*src); err != nil {
			fmt.Fprintln(os.Stderr, "bad -uuid:", err)
			os.Exit(2)
		}
	} else {
		id = uuid.New()
	}

	db, err := federation.Open(*dir, federation.Options{
		Src:  jtree.Identity{UUID: id},
		Name: *name,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	defer db.Close()

	if *metrics != "" {
		reg := prometheus.NewRegistry()
		if err = db.RegisterMetrics(reg); err == nil {
			err = poll.RegisterMetrics(reg)
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
		go func() {
			http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			_ = http.ListenAndServe(*metrics, nil)
		}()
	}

	l, err := readline.NewEx(&readline.Config{
		Prompt:            "fed> ",
		HistoryFile:       "/tmp/fedd.history",
		AutoComplete:      completer,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		panic(err)
	}
	defer l.Close()
	l.CaptureExitSignal()

	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			}
			continue
		} else if err == io.EOF {
			break
		}
		args := strings.Fields(strings.TrimSpace(line))
		if len(args) == 0 {
			continue
		}
		switch args[0] {
		case "exit", "quit":
			if err = db.Close(); err != nil {
				fmt.Fprintln(os.Stderr, err.Error())
				os.Exit(1)
			}
			os.Exit(0)
		case "help":
			fmt.Println(usage)
		case "dump":
			db.DumpAll(os.Stdout)
		default:
			if err = run(db, args); err != nil {
				fmt.Fprintln(os.Stderr, err.Error())
			}
		}
	}
}

func run(db *federation.DB, args []string) error {
	switch args[0] {
	case "objects":
		return listObjects(db)
	case "versions":
		obj, err := argInt(args, 1)
		if err != nil {
			return err
		}
		return listVersions(db, obj)
	case "show":
		obj, err := argInt(args, 1)
		if err != nil {
			return err
		}
		var v *federation.Version
		if len(args) > 2 {
			ver, err := argInt(args, 2)
			if err != nil {
				return err
			}
			v, err = db.GetVersion(obj, ver)
			if err != nil {
				return err
			}
		} else if v, err = db.GetCurrentVersion(obj); err != nil {
			return err
		}
		raw, err := jtree.ToJSON(v.Data)
		if err != nil {
			return err
		}
		fmt.Printf("v%d by %s at %s\n%s\n", v.VersionID, refString(v.Author), v.UTC, raw)
		return nil
	case "conflicts":
		obj, err := argInt(args, 1)
		if err != nil {
			return err
		}
		return listConflicts(db, obj)
	case "solve":
		return solve(db, args)
	case "audit":
		obj, err := argInt(args, 1)
		if err != nil {
			return err
		}
		entries, err := db.AuditLog(obj)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%s\t%s\t%s\t%s\n", e.UTC, e.Type, refString(e.User), e.Note)
		}
		return nil
	case "import":
		if len(args) < 2 {
			return fmt.Errorf("usage: import <file>")
		}
		raw, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		share, err := wire.ParseObjectShare(raw)
		if err != nil {
			return err
		}
		obj, changed, err := db.ImportObject(share)
		if err != nil {
			return err
		}
		fmt.Printf("object %d, changed: %v\n", obj.ID, changed)
		return nil
	case "export":
		obj, err := argInt(args, 1)
		if err != nil {
			return err
		}
		if len(args) < 3 {
			return fmt.Errorf("usage: export <obj> <file>")
		}
		share, err := db.ExportObject(obj, fullAccessPolicy())
		if err != nil {
			return err
		}
		raw, err := json.MarshalIndent(share, "", "  ")
		if err != nil {
			return err
		}
		return os.WriteFile(args[2], raw, 0644)
	}
	return fmt.Errorf("unknown command %q, try help", args[0])
}

func listObjects(db *federation.DB) error {
	db.DumpObjects(os.Stdout)
	return nil
}

func listVersions(db *federation.DB, obj int64) error {
	versions, err := db.Versions(obj)
	if err != nil {
		return err
	}
	for _, v := range versions {
		prov := ""
		if v.Provenance != nil {
			prov = fmt.Sprintf("\t<- %d@%s", v.Provenance.FedVersion, v.Provenance.Component)
		}
		fmt.Printf("v%d\t%s\t%s\t%s%s\n", v.VersionID, v.UTC, refString(v.Author), v.HashData, prov)
	}
	return nil
}

func listConflicts(db *federation.DB, obj int64) error {
	conflicts, err := db.ListConflicts(obj, federation.ConflictFilter{})
	if err != nil {
		return err
	}
	for _, c := range conflicts {
		state := "open"
		if c.Solved {
			state = fmt.Sprintf("solved in v%d by %s", c.VersionSolvedIn, refString(c.Solver))
			if c.Automerged {
				state = fmt.Sprintf("automerged in v%d", c.VersionSolvedIn)
			}
		}
		fmt.Printf("%s fedver %d\tbase v%d\t%s\n", c.Component, c.FedVersion, c.BaseVersion, state)
	}
	return nil
}

func solve(db *federation.DB, args []string) error {
	if len(args) < 5 {
		return fmt.Errorf("usage: solve <obj> <comp> <fedver> <strategy> [user]")
	}
	obj, err := argInt(args, 1)
	if err != nil {
		return err
	}
	comp, err := uuid.Parse(args[2])
	if err != nil {
		return err
	}
	fedver, err := argInt(args, 3)
	if err != nil {
		return err
	}
	var strategy merge.Strategy
	switch args[4] {
	case "automerge":
		strategy = merge.Automerge
	case "local":
		strategy = merge.ApplyLocal
	case "imported":
		strategy = merge.ApplyImported
	default:
		return fmt.Errorf("unknown strategy %q", args[4])
	}
	var solver *jtree.Ref
	if len(args) > 5 {
		user, err := strconv.ParseInt(args[5], 10, 64)
		if err != nil {
			return err
		}
		solver = &jtree.Ref{ID: user, Component: db.Source().UUID}
	}
	v, err := db.SolveConflictByStrategy(obj, comp, fedver, strategy, solver)
	if err != nil {
		return err
	}
	fmt.Printf("solved in v%d\n", v.VersionID)
	return nil
}

func argInt(args []string, i int) (int64, error) {
	if len(args) <= i {
		return -1, fmt.Errorf("missing argument")
	}
	return strconv.ParseInt(args[i], 10, 64)
}

func refString(ref *jtree.Ref) string {
	if ref == nil {
		return "-"
	}
	return fmt.Sprintf("%d@%s", ref.ID, ref.Component)
}

func fullAccessPolicy() wire.Policy {
	return wire.Policy{
		Access: wire.Access{
			Data: true, Action: true, Users: true,
			Comments: true, Files: true, ObjectLocationAssignments: true,
		},
		Permissions: wire.PermissionPolicy{AllUsers: true},
	}
}

