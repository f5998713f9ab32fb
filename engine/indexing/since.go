package indexing

import (
	"context"
	"time"

	"github.com/WessleyAI/notesync/engine/domain"
)

// Lookup is the read side of the vector index. Get returns nil when the
// record is not indexed.
type Lookup interface {
	Get(ctx context.Context, recordID string) (*domain.SearchHit, error)
}

// ProcessSince indexes an event that was captured no later than since, such
// as a replayed dead letter or a backfilled row. The write is skipped when the
// index already holds something newer: a document written after since, or
// one whose row timestamp is later than the event's. Live changes go through
// ProcessChange, which always writes.
func (p *Pipeline) ProcessSince(ctx context.Context, ev domain.ChangeEvent, since time.Time) (domain.IndexResult, error) {
	defer p.lockRecord(ev.RecordID)()
	if p.lookup == nil {
		return p.process(ctx, ev)
	}

	hit, err := p.lookup.Get(ctx, ev.RecordID)
	if err != nil {
		p.failed.Add(1)
		p.count(ev.Operation, "error")
		err = &domain.IndexingError{RecordID: ev.RecordID, Stage: StageLookup, Err: err}
		p.log.Error("index change failed", "op", ev.Operation, "id", ev.RecordID, "error", err)
		return domain.IndexResult{}, err
	}
	if superseded(hit, ev, since) {
		p.count(ev.Operation, domain.StatusSkipped)
		p.log.Info("skipped stale change", "op", ev.Operation, "id", ev.RecordID,
			"since", since, "indexed_at", hit.Time(domain.MetaIndexedAt))
		return domain.IndexResult{Status: domain.StatusSkipped, DocumentID: ev.RecordID}, nil
	}
	return p.process(ctx, ev)
}

// HandleChangeSince is ProcessSince without the result.
func (p *Pipeline) HandleChangeSince(ctx context.Context, ev domain.ChangeEvent, since time.Time) error {
	_, err := p.ProcessSince(ctx, ev, since)
	return err
}

// superseded reports whether the stored hit is newer than ev. Zero times on
// either side never count as newer.
func superseded(hit *domain.SearchHit, ev domain.ChangeEvent, since time.Time) bool {
	if hit == nil {
		return false
	}
	if at := hit.Time(domain.MetaIndexedAt); !at.IsZero() && !since.IsZero() && at.After(since) {
		return true
	}
	stored := hit.Time(domain.MetaUpdatedAt)
	return !stored.IsZero() && !ev.UpdatedAt.IsZero() && stored.After(ev.UpdatedAt)
}
