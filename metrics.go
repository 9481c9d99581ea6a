package federation

import (
	"github.com/prometheus/client_golang/prometheus"
)

var importedObjects = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "federation",
	Subsystem: "import",
	Name:      "objects",
}, []string{"result"})

var importedVersions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "federation",
	Subsystem: "import",
	Name:      "versions",
}, []string{"outcome"})

var importDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "federation",
	Subsystem: "import",
	Name:      "duration_seconds",
	Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
})

var conflictsCreated = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "federation",
	Subsystem: "conflicts",
	Name:      "created",
})

var conflictsSolved = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "federation",
	Subsystem: "conflicts",
	Name:      "solved",
}, []string{"mode"})

var automergeFailures = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "federation",
	Subsystem: "conflicts",
	Name:      "automerge_failures",
})

// RegisterMetrics registers the engine's collectors, including the
// pebble internals collector for this store.
func (d *DB) RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		importedObjects, importedVersions, importDuration,
		conflictsCreated, conflictsSolved, automergeFailures,
		NewPebbleCollector(d.db),
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
