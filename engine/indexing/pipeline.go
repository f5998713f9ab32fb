// Package indexing turns change events into vector index writes. Each event
// runs through validate, embed and upsert stages (or a delete stage) built
// from pkg/fn, so every stage is traced and timed.
package indexing

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/WessleyAI/notesync/engine/domain"
	"github.com/WessleyAI/notesync/pkg/fn"
	"github.com/WessleyAI/notesync/pkg/metrics"
)

// Stage names, also used as IndexingError.Stage.
const (
	StageValidate = "validate"
	StageEmbed    = "embed"
	StageUpsert   = "upsert"
	StageDelete   = "delete"
	StageLookup   = "lookup"
)

// Embedder produces the vector for a piece of text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Index is the write side of the vector index.
type Index interface {
	Upsert(ctx context.Context, doc domain.IndexedDocument) error
	Delete(ctx context.Context, recordID string) error
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Indexed       uint64    `json:"indexed"`
	Deleted       uint64    `json:"deleted"`
	Failed        uint64    `json:"failed"`
	LastIndexedAt time.Time `json:"last_indexed_at"`
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.log = l } }

// WithMetrics records stage durations and outcomes on m.
func WithMetrics(m *metrics.Registry) Option { return func(p *Pipeline) { p.metrics = m } }

// WithLookup lets ProcessSince read back what the index holds for a record.
// Without it ProcessSince writes unconditionally.
func WithLookup(l Lookup) Option { return func(p *Pipeline) { p.lookup = l } }

// WithRetry retries the embed, upsert and delete calls. The zero value makes a
// single attempt.
func WithRetry(opts fn.RetryOpts) Option { return func(p *Pipeline) { p.retry = opts } }

// Pipeline indexes change events. It is safe for concurrent use, though the
// change feed delivers events one at a time.
type Pipeline struct {
	embedder Embedder
	index    Index
	lookup   Lookup
	log      *slog.Logger
	metrics  *metrics.Registry
	retry    fn.RetryOpts

	write  fn.Stage[domain.ChangeEvent, domain.IndexResult]
	remove fn.Stage[domain.ChangeEvent, domain.IndexResult]

	indexed     atomic.Uint64
	deleted     atomic.Uint64
	failed      atomic.Uint64
	lastIndexed atomic.Int64

	records [64]sync.Mutex
}

// New builds a pipeline over embedder and index.
func New(embedder Embedder, index Index, opts ...Option) *Pipeline {
	p := &Pipeline{
		embedder: embedder,
		index:    index,
		log:      slog.Default(),
		retry:    fn.RetryOpts{MaxAttempts: 1},
	}
	for _, o := range opts {
		o(p)
	}
	p.log = p.log.With("component", "indexing")

	validate := timed(p, StageValidate, validateStage)
	p.write = fn.Then(validate, fn.Then(
		timed(p, StageEmbed, p.embedStage),
		timed(p, StageUpsert, p.upsertStage),
	))
	p.remove = fn.Then(validate, timed(p, StageDelete, p.deleteStage))
	return p
}

// lockRecord serializes writes for one record id, so a conditional write
// cannot interleave with a live one for the same record.
func (p *Pipeline) lockRecord(id string) func() {
	h := fnv.New32a()
	h.Write([]byte(id))
	mu := &p.records[h.Sum32()%uint32(len(p.records))]
	mu.Lock()
	return mu.Unlock
}

// ProcessChange indexes a single event. INSERT and UPDATE embed the content
// and replace the stored document; DELETE removes it. Failures are returned
// as *domain.IndexingError naming the failed stage.
func (p *Pipeline) ProcessChange(ctx context.Context, ev domain.ChangeEvent) (domain.IndexResult, error) {
	defer p.lockRecord(ev.RecordID)()
	return p.process(ctx, ev)
}

func (p *Pipeline) process(ctx context.Context, ev domain.ChangeEvent) (domain.IndexResult, error) {
	stage := p.write
	if ev.Operation == domain.OpDelete {
		stage = p.remove
	}

	res, err := stage(ctx, ev).Unwrap()
	if err != nil {
		p.failed.Add(1)
		p.count(ev.Operation, "error")
		p.log.Error("index change failed", "op", ev.Operation, "id", ev.RecordID, "error", err)
		return domain.IndexResult{}, err
	}

	if res.Status == domain.StatusDeleted {
		p.deleted.Add(1)
	} else {
		p.indexed.Add(1)
	}
	p.lastIndexed.Store(time.Now().UnixNano())
	p.count(ev.Operation, res.Status)
	p.log.Info("indexed change", "op", ev.Operation, "id", res.DocumentID, "status", res.Status)
	return res, nil
}

// HandleChange lets the pipeline serve as the change feed's handler.
func (p *Pipeline) HandleChange(ctx context.Context, ev domain.ChangeEvent) error {
	_, err := p.ProcessChange(ctx, ev)
	return err
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	s := Stats{
		Indexed: p.indexed.Load(),
		Deleted: p.deleted.Load(),
		Failed:  p.failed.Load(),
	}
	if ns := p.lastIndexed.Load(); ns != 0 {
		s.LastIndexedAt = time.Unix(0, ns).UTC()
	}
	return s
}

func validateStage(_ context.Context, ev domain.ChangeEvent) fn.Result[domain.ChangeEvent] {
	if err := domain.ValidateChangeEvent(ev); err != nil {
		return fn.Err[domain.ChangeEvent](&domain.IndexingError{RecordID: ev.RecordID, Stage: StageValidate, Err: err})
	}
	return fn.Ok(ev)
}

func (p *Pipeline) embedStage(ctx context.Context, ev domain.ChangeEvent) fn.Result[domain.IndexedDocument] {
	vec := fn.Retry(ctx, p.retry, func(ctx context.Context) fn.Result[[]float32] {
		v, err := p.embedder.Embed(ctx, ev.Content)
		return fn.FromPair(v, err)
	})
	v, err := vec.Unwrap()
	if err != nil {
		return fn.Err[domain.IndexedDocument](&domain.IndexingError{RecordID: ev.RecordID, Stage: StageEmbed, Err: err})
	}
	return fn.Ok(domain.DocumentFromEvent(ev, v))
}

func (p *Pipeline) upsertStage(ctx context.Context, doc domain.IndexedDocument) fn.Result[domain.IndexResult] {
	doc.Metadata.IndexedAt = time.Now().UTC()
	err := fn.RetryErr(ctx, p.retry, func(ctx context.Context) error {
		return p.index.Upsert(ctx, doc)
	})
	if err != nil {
		return fn.Err[domain.IndexResult](&domain.IndexingError{RecordID: doc.ID, Stage: StageUpsert, Err: err})
	}
	return fn.Ok(domain.IndexResult{Status: domain.StatusSuccess, DocumentID: doc.ID})
}

func (p *Pipeline) deleteStage(ctx context.Context, ev domain.ChangeEvent) fn.Result[domain.IndexResult] {
	err := fn.RetryErr(ctx, p.retry, func(ctx context.Context) error {
		return p.index.Delete(ctx, ev.RecordID)
	})
	if err != nil {
		return fn.Err[domain.IndexResult](&domain.IndexingError{RecordID: ev.RecordID, Stage: StageDelete, Err: err})
	}
	return fn.Ok(domain.IndexResult{Status: domain.StatusDeleted, DocumentID: ev.RecordID})
}

// timed wraps a stage in a span and records its duration.
func timed[In, Out any](p *Pipeline, name string, stage fn.Stage[In, Out]) fn.Stage[In, Out] {
	traced := fn.TracedStage("indexing."+name, stage)
	if p.metrics == nil {
		return traced
	}
	hist := p.metrics.StageDuration.WithLabelValues(name)
	return func(ctx context.Context, in In) fn.Result[Out] {
		start := time.Now()
		defer func() { hist.Observe(time.Since(start).Seconds()) }()
		return traced(ctx, in)
	}
}

func (p *Pipeline) count(op domain.Operation, status string) {
	if p.metrics != nil {
		p.metrics.IndexEvents.WithLabelValues(string(op), status).Inc()
	}
}
