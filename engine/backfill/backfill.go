// Package backfill indexes rows that existed before change capture was
// installed. Each row is rendered into the same JSON payload the trigger
// publishes, so it takes the same parse and indexing path as a live change.
package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/WessleyAI/notesync/engine/domain"
	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"
)

// Handler indexes one change event. since is when the scan started; rows
// indexed by the live feed after it are newer than the snapshot and must not
// be overwritten.
type Handler interface {
	HandleChangeSince(ctx context.Context, ev domain.ChangeEvent, since time.Time) error
}

// DeadLetter receives rows that could not be parsed or indexed.
type DeadLetter interface {
	Publish(ctx context.Context, payload string, ev *domain.ChangeEvent, cause error)
}

// Source streams row payloads to fn in table order.
type Source interface {
	Payloads(ctx context.Context, fn func(payload string) error) error
}

// Querier is the subset of *pgx.Conn / *pgxpool.Pool the Postgres source needs.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PgSource reads every row of a table as a trigger-shaped payload.
type PgSource struct {
	q     Querier
	table string
}

// NewPgSource creates a source over table.
func NewPgSource(q Querier, table string) *PgSource {
	return &PgSource{q: q, table: table}
}

func selectStatement(table string) string {
	return fmt.Sprintf(`SELECT json_build_object(
    'operation', 'INSERT',
    'id', id,
    'content', content,
    'title', title,
    'tags', tags,
    'updateAt', updateAt
)::text FROM %s ORDER BY id`, pgx.Identifier{table}.Sanitize())
}

// Payloads implements Source.
func (s *PgSource) Payloads(ctx context.Context, fn func(string) error) error {
	rows, err := s.q.Query(ctx, selectStatement(s.table))
	if err != nil {
		return &domain.ConnectionError{Op: "backfill query", Err: err}
	}
	var payload string
	_, err = pgx.ForEachRow(rows, []any{&payload}, func() error {
		return fn(payload)
	})
	if err != nil {
		return fmt.Errorf("backfill: scan %s: %w", s.table, err)
	}
	return nil
}

// Result summarizes a backfill run.
type Result struct {
	Total   int64 `json:"total"`
	Indexed int64 `json:"indexed"`
	Failed  int64 `json:"failed"`
}

// Options configures a Runner.
type Options struct {
	// Concurrency bounds in-flight handler calls.
	Concurrency int
	DeadLetter  DeadLetter
	Logger      *slog.Logger
}

// Runner feeds a Source into a Handler.
type Runner struct {
	src  Source
	h    Handler
	opts Options
	log  *slog.Logger
}

// New creates a Runner.
func New(src Source, h Handler, opts Options) *Runner {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Runner{src: src, h: h, opts: opts, log: log.With("component", "backfill")}
}

// Run indexes every row. Per-row failures are counted and dead-lettered; only
// a failure to read the source aborts the run.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	var total, indexed, failed atomic.Int64
	started := time.Now().UTC()

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)

	readErr := r.src.Payloads(gCtx, func(payload string) error {
		total.Add(1)
		g.Go(func() error {
			ev, err := domain.ParseChangeEvent(payload)
			if err != nil {
				failed.Add(1)
				r.log.Warn("backfill row unparseable", "err", err)
				r.deadLetter(gCtx, payload, nil, err)
				return nil
			}
			if err := r.h.HandleChangeSince(gCtx, ev, started); err != nil {
				failed.Add(1)
				r.log.Warn("backfill row failed", "record_id", ev.RecordID, "err", err)
				r.deadLetter(gCtx, payload, &ev, err)
				return nil
			}
			if n := indexed.Add(1); n%100 == 0 {
				r.log.Info("backfill progress", "indexed", n, "failed", failed.Load())
			}
			return nil
		})
		return gCtx.Err()
	})
	g.Wait()

	res := Result{Total: total.Load(), Indexed: indexed.Load(), Failed: failed.Load()}
	if readErr != nil {
		return res, readErr
	}
	r.log.Info("backfill done", "total", res.Total, "indexed", res.Indexed, "failed", res.Failed)
	return res, nil
}

func (r *Runner) deadLetter(ctx context.Context, payload string, ev *domain.ChangeEvent, cause error) {
	if r.opts.DeadLetter != nil {
		r.opts.DeadLetter.Publish(context.WithoutCancel(ctx), payload, ev, cause)
	}
}
