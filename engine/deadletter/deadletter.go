// Package deadletter publishes change notifications the listener could not
// process to NATS, and can replay them into the indexing pipeline.
package deadletter

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/WessleyAI/notesync/engine/domain"
	"github.com/WessleyAI/notesync/pkg/metrics"
	"github.com/WessleyAI/notesync/pkg/natsutil"
	"github.com/nats-io/nats.go"
)

const (
	// DefaultSubject is the NATS subject dead letters are published to.
	DefaultSubject = "notesync.changes.dlq"
	// RetryHeader carries how many times an entry has been replayed.
	RetryHeader = "X-Retry-Count"
)

// Entry is the JSON body of a dead letter.
type Entry struct {
	Payload   string           `json:"payload"`
	Error     string           `json:"error"`
	Operation domain.Operation `json:"operation,omitempty"`
	RecordID  string           `json:"record_id,omitempty"`
	FailedAt  time.Time        `json:"failed_at"` // first failure; kept across replays
}

// NewEntry builds an entry for a failed notification. ev is nil when the
// payload could not be parsed.
func NewEntry(payload string, ev *domain.ChangeEvent, cause error) Entry {
	e := Entry{Payload: payload, FailedAt: time.Now().UTC()}
	if cause != nil {
		e.Error = cause.Error()
	}
	if ev != nil {
		e.Operation = ev.Operation
		e.RecordID = ev.RecordID
	}
	return e
}

// Publisher sends dead letters to NATS.
type Publisher struct {
	nc      *nats.Conn
	subject string
	log     *slog.Logger
	metrics *metrics.Registry
}

// NewPublisher creates a publisher. An empty subject uses DefaultSubject.
func NewPublisher(nc *nats.Conn, subject string, log *slog.Logger, m *metrics.Registry) *Publisher {
	if subject == "" {
		subject = DefaultSubject
	}
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{nc: nc, subject: subject, log: log.With("component", "deadletter"), metrics: m}
}

// Publish records a failed notification. Publish errors are logged, never
// returned, so the change feed is not held up by NATS.
func (p *Publisher) Publish(ctx context.Context, payload string, ev *domain.ChangeEvent, cause error) {
	p.publish(ctx, NewEntry(payload, ev, cause), 0)
}

func (p *Publisher) publish(ctx context.Context, e Entry, retries int) {
	hdr := nats.Header{}
	hdr.Set(RetryHeader, strconv.Itoa(retries))
	if err := natsutil.PublishWithHeader(ctx, p.nc, p.subject, e, hdr); err != nil {
		p.count("error")
		p.log.Error("dead letter publish failed", "error", err, "record_id", e.RecordID)
		return
	}
	p.count("published")
	p.log.Warn("dead-lettered change", "record_id", e.RecordID, "operation", e.Operation, "cause", e.Error)
}

func (p *Publisher) count(result string) {
	if p.metrics != nil {
		p.metrics.DeadLetters.WithLabelValues(result).Inc()
	}
}
