// Package poll implements the pull side of federation: per-component
// pollers fetch object shares from remote components and a worker pool
// drains them into the importer. Timeouts apply to the network fetches
// only; the import itself runs to completion once started.
package poll

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/learn-decentralized-systems/toyqueue"
	"github.com/prometheus/client_golang/prometheus"

	federation "github.com/sciapp/sampledb-sub002"
	"github.com/sciapp/sampledb-sub002/utils"
	"github.com/sciapp/sampledb-sub002/wire"
)

// Importer is the narrow surface the worker pool needs from the store;
// *federation.DB satisfies it.
type Importer interface {
	ImportObject(share *wire.ObjectShare) (*federation.Object, bool, error)
}

// Source fetches one remote component's pending object shares, one raw
// JSON share per record.
type Source interface {
	Component() uuid.UUID
	Fetch(ctx context.Context) (toyqueue.Records, error)
}

type Options struct {
	Interval     time.Duration
	FetchTimeout time.Duration
	Workers      int
	QueueLimit   int
	Logger       utils.Logger
}

func (o *Options) SetDefaults() {
	if o.Interval == 0 {
		o.Interval = time.Minute
	}
	if o.FetchTimeout == 0 {
		o.FetchTimeout = 30 * time.Second
	}
	if o.Workers == 0 {
		o.Workers = 4
	}
	if o.QueueLimit == 0 {
		o.QueueLimit = 1 << 20
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
}

// Syncer owns the pollers and the worker pool between them and the
// importer.
type Syncer struct {
	imp  Importer
	log  utils.Logger
	opts Options

	queue   *utils.FDQueue[toyqueue.Records]
	pollers utils.CMap[uuid.UUID, Source]

	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewSyncer(imp Importer, opts Options) *Syncer {
	opts.SetDefaults()
	return &Syncer{
		imp:   imp,
		log:   opts.Logger,
		opts:  opts,
		queue: utils.NewFDQueue[toyqueue.Records](opts.QueueLimit, time.Second, 64<<10),
	}
}

// AddSource registers a remote component to poll. Safe while running;
// the poller starts on the next Start or immediately if started.
func (s *Syncer) AddSource(src Source) {
	s.pollers.Store(src.Component(), src)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.startPoller(src)
	}
}

func (s *Syncer) RemoveSource(comp uuid.UUID) {
	s.pollers.Delete(comp)
}

// Start launches the worker pool and one poller per registered source.
// It returns immediately; Close stops everything.
func (s *Syncer) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.ctx = ctx
	for i := 0; i < s.opts.Workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.workerLoop(ctx)
		}()
	}
	s.pollers.Range(func(comp uuid.UUID, src Source) bool {
		s.startPoller(src)
		return true
	})
}

func (s *Syncer) Close() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()
	_ = s.queue.Close()
	s.wg.Wait()
	return nil
}

func (s *Syncer) startPoller(src Source) {
	comp := src.Component()
	ctx := s.ctx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pollLoop(ctx, comp, src)
	}()
}

func (s *Syncer) pollLoop(ctx context.Context, comp uuid.UUID, src Source) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		s.pollOnce(ctx, comp, src)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if cur, ok := s.pollers.Load(comp); !ok || cur != src {
			return
		}
	}
}

func (s *Syncer) pollOnce(ctx context.Context, comp uuid.UUID, src Source) {
	fctx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	recs, err := src.Fetch(fctx)
	cancel()
	if err != nil {
		pollErrors.WithLabelValues(comp.String()).Inc()
		s.log.Error("poll failed", "component", comp.String(), "err", err)
		return
	}
	pollBatches.WithLabelValues(comp.String()).Inc()
	if len(recs) == 0 {
		return
	}
	if err = s.queue.Drain(ctx, recs); err != nil {
		s.log.Error("enqueue failed", "component", comp.String(), "err", err)
	}
}

func (s *Syncer) workerLoop(ctx context.Context) {
	for {
		recs, err := s.queue.Feed(ctx)
		if err != nil {
			return
		}
		for _, rec := range recs {
			s.importOne(rec)
		}
	}
}

func (s *Syncer) importOne(rec []byte) {
	share, err := wire.ParseObjectShare(rec)
	if err != nil {
		importErrors.Inc()
		s.log.Error("bad share", "err", err)
		return
	}
	_, changed, err := s.imp.ImportObject(share)
	if err != nil {
		importErrors.Inc()
		s.log.Error("import failed", "object", share.ObjectID,
			"component", share.Component.String(), "err", err)
		return
	}
	importedShares.Inc()
	if changed {
		s.log.Info("object imported", "object", share.ObjectID,
			"component", share.Component.String())
	}
}

// HTTPSource fetches shares from a remote component's federation
// endpoint. The body is a JSON array of object shares.
type HTTPSource struct {
	Client *http.Client
	URL    string
	Comp   uuid.UUID
	Token  string
}

func (h *HTTPSource) Component() uuid.UUID {
	return h.Comp
}

func (h *HTTPSource) Fetch(ctx context.Context) (toyqueue.Records, error) {
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return nil, err
	}
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll: %s returned %s", h.URL, resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var raw []json.RawMessage
	if err = json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	recs := make(toyqueue.Records, 0, len(raw))
	for _, r := range raw {
		recs = append(recs, []byte(r))
	}
	return recs, nil
}

var pollBatches = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "federation",
	Subsystem: "poll",
	Name:      "batches",
}, []string{"component"})

var pollErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "federation",
	Subsystem: "poll",
	Name:      "errors",
}, []string{"component"})

var importedShares = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "federation",
	Subsystem: "poll",
	Name:      "shares_imported",
})

var importErrors = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "federation",
	Subsystem: "poll",
	Name:      "share_errors",
})

// RegisterMetrics exposes the poll counters on the given registry.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{pollBatches, pollErrors, importedShares, importErrors} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
