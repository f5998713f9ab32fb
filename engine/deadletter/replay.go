package deadletter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/WessleyAI/notesync/engine/domain"
	"github.com/WessleyAI/notesync/pkg/natsutil"
	"github.com/nats-io/nats.go"
)

// DefaultMaxReplays bounds how often one entry is retried.
const DefaultMaxReplays = 3

// Handler is what replayed events are fed to. since is when the change first
// failed; a handler should not overwrite state written after it.
type Handler interface {
	HandleChangeSince(ctx context.Context, ev domain.ChangeEvent, since time.Time) error
}

// ReplayOpts configures a Replayer.
type ReplayOpts struct {
	MaxReplays int
	Delay      time.Duration // wait before each replay
	Timeout    time.Duration // bound on one handler call
}

// Replayer consumes dead letters and feeds them back to a handler. Entries
// that fail again are re-published with an incremented retry count until
// MaxReplays is reached, then dropped.
type Replayer struct {
	pub     *Publisher
	handler Handler
	opts    ReplayOpts
}

// NewReplayer creates a replayer that re-publishes through pub.
func NewReplayer(pub *Publisher, h Handler, opts ReplayOpts) *Replayer {
	if opts.MaxReplays <= 0 {
		opts.MaxReplays = DefaultMaxReplays
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Replayer{pub: pub, handler: h, opts: opts}
}

// Start subscribes to the dead-letter subject.
func (r *Replayer) Start() (*nats.Subscription, error) {
	sub, err := natsutil.Subscribe(r.pub.nc, r.pub.subject, r.replay)
	if err != nil {
		return nil, fmt.Errorf("deadletter: subscribe %s: %w", r.pub.subject, err)
	}
	return sub, nil
}

func (r *Replayer) replay(ctx context.Context, e Entry, hdr nats.Header) {
	log := r.pub.log.With("record_id", e.RecordID)

	retries := 0
	if hdr != nil {
		retries, _ = strconv.Atoi(hdr.Get(RetryHeader))
	}
	if retries >= r.opts.MaxReplays {
		r.pub.count("dropped")
		log.Error("dropping dead letter after max replays", "retries", retries, "cause", e.Error)
		return
	}

	ev, err := domain.ParseChangeEvent(e.Payload)
	if err != nil {
		r.pub.count("dropped")
		log.Error("dropping unparseable dead letter", "error", err)
		return
	}

	if r.opts.Delay > 0 {
		time.Sleep(r.opts.Delay)
	}

	hctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	err = r.handler.HandleChangeSince(hctx, ev, e.FailedAt)
	cancel()
	if err != nil {
		next := NewEntry(e.Payload, &ev, err)
		if !e.FailedAt.IsZero() {
			next.FailedAt = e.FailedAt
		}
		r.pub.publish(ctx, next, retries+1)
		return
	}
	r.pub.count("replayed")
	log.Info("replayed dead letter", "retries", retries)
}
