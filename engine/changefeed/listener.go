// Package changefeed delivers row changes from PostgreSQL to a handler using
// LISTEN/NOTIFY. A trigger on the source table publishes each change as JSON;
// the Listener decodes it and hands it to the registered Handler one event at
// a time, in delivery order.
package changefeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/WessleyAI/notesync/engine/domain"
	"github.com/WessleyAI/notesync/pkg/fn"
	"github.com/WessleyAI/notesync/pkg/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrRunning is returned by operations that need exclusive use of the
// connection while Run is active.
var ErrRunning = errors.New("changefeed: listener is running")

// ErrNoHandler is the dead-letter cause for changes received before a
// handler was registered.
var ErrNoHandler = errors.New("changefeed: no handler registered")

// Conn is the subset of *pgx.Conn the listener needs.
type Conn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// Dialer opens a connection for dsn.
type Dialer func(ctx context.Context, dsn string) (Conn, error)

// PgxDialer dials with pgx. pgx runs each statement in autocommit mode, so
// no transaction is held open while waiting for notifications.
func PgxDialer(ctx context.Context, dsn string) (Conn, error) {
	c, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Handler processes one change event.
type Handler interface {
	HandleChange(ctx context.Context, ev domain.ChangeEvent) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev domain.ChangeEvent) error

// HandleChange calls f.
func (f HandlerFunc) HandleChange(ctx context.Context, ev domain.ChangeEvent) error {
	return f(ctx, ev)
}

// DeadLetter receives notifications that could not be parsed or handled.
// ev is nil when the payload failed to parse.
type DeadLetter interface {
	Publish(ctx context.Context, payload string, ev *domain.ChangeEvent, cause error)
}

// Option configures a Listener.
type Option func(*Listener)

// WithDialer replaces the pgx dialer.
func WithDialer(d Dialer) Option { return func(l *Listener) { l.dial = d } }

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option { return func(l *Listener) { l.log = log } }

// WithMetrics records listener activity on m.
func WithMetrics(m *metrics.Registry) Option { return func(l *Listener) { l.metrics = m } }

// WithDeadLetter forwards failed notifications to dl.
func WithDeadLetter(dl DeadLetter) Option { return func(l *Listener) { l.dlq = dl } }

// Listener owns one PostgreSQL connection and the notification loop on it.
type Listener struct {
	cfg     Config
	dial    Dialer
	log     *slog.Logger
	metrics *metrics.Registry
	dlq     DeadLetter

	state atomic.Int32

	mu        sync.Mutex // guards the fields below
	conn      Conn
	handler   Handler
	running   bool
	cancelRun context.CancelFunc
	runDone   chan struct{}
}

// New creates a disconnected Listener.
func New(cfg Config, opts ...Option) *Listener {
	l := &Listener{
		cfg:  cfg.withDefaults(),
		dial: PgxDialer,
		log:  slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	l.log = l.log.With("component", "changefeed", "channel", l.cfg.Channel)
	return l
}

// State returns the current lifecycle state.
func (l *Listener) State() State { return State(l.state.Load()) }

func (l *Listener) setState(s State) {
	l.state.Store(int32(s))
	if l.metrics != nil {
		l.metrics.ListenerState.Set(float64(s))
	}
}

// SetHandler registers the event handler. The last registration wins and
// applies from the next notification on.
func (l *Listener) SetHandler(h Handler) {
	l.mu.Lock()
	l.handler = h
	l.mu.Unlock()
}

func (l *Listener) currentHandler() Handler {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handler
}

func (l *Listener) currentConn() Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}

// Connect opens the connection if it is not already open.
func (l *Listener) Connect(ctx context.Context) error {
	_, err := l.ensureConn(ctx)
	return err
}

// ensureConn returns the open connection, dialing one if needed. The dial
// happens outside the lock so Close is never held up by it.
func (l *Listener) ensureConn(ctx context.Context) (Conn, error) {
	if c := l.currentConn(); c != nil {
		return c, nil
	}
	conn, err := l.dial(ctx, l.cfg.DSN)
	if err != nil {
		return nil, &domain.ConnectionError{Op: "connect", Err: err}
	}

	l.mu.Lock()
	if l.conn != nil {
		existing := l.conn
		l.mu.Unlock()
		conn.Close(ctx)
		return existing, nil
	}
	l.conn = conn
	l.mu.Unlock()

	l.setState(StateConnected)
	l.log.Info("connected to postgres")
	return conn, nil
}

// InstallChangeCapture (re)creates the trigger function and the trigger on
// the source table, connecting first if needed. It must not be called
// while Run is active.
func (l *Listener) InstallChangeCapture(ctx context.Context) error {
	l.mu.Lock()
	running := l.running
	l.mu.Unlock()
	if running {
		return ErrRunning
	}

	conn, err := l.ensureConn(ctx)
	if err != nil {
		return err
	}
	for _, stmt := range captureStatements(l.cfg) {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return &domain.ConnectionError{Op: "install change capture", Err: err}
		}
	}
	l.log.Info("change capture installed",
		"table", l.cfg.Table,
		"trigger", l.cfg.TriggerName,
		"capture_deletes", l.cfg.CaptureDeletes,
	)
	return nil
}

// Run subscribes to the channel and dispatches notifications until ctx is
// cancelled or Close is called, in which case it returns nil once the
// in-flight handler has finished. A lost connection is re-established with
// backoff; when the attempts run out Run returns a *domain.ConnectionError.
func (l *Listener) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		cancel()
		return ErrRunning
	}
	l.running = true
	l.cancelRun = cancel
	l.runDone = make(chan struct{})
	done := l.runDone
	l.mu.Unlock()

	defer func() {
		cancel()
		l.mu.Lock()
		l.running = false
		l.cancelRun = nil
		if l.conn != nil && l.State() == StateListening {
			l.setState(StateConnected)
		}
		l.mu.Unlock()
		close(done)
	}()

	if err := l.subscribe(runCtx); err != nil {
		if runCtx.Err() != nil {
			return nil
		}
		l.log.Warn("subscribe failed, reconnecting", "error", err)
		if err := l.reconnect(runCtx, err); err != nil {
			if runCtx.Err() != nil {
				return nil
			}
			return err
		}
	}

	for {
		if runCtx.Err() != nil {
			return nil
		}

		waitCtx, cancelWait := context.WithTimeout(runCtx, l.cfg.PollInterval)
		n, err := l.currentConn().WaitForNotification(waitCtx)
		timedOut := waitCtx.Err() != nil
		cancelWait()

		if err != nil {
			if runCtx.Err() != nil {
				return nil
			}
			if timedOut {
				if l.metrics != nil {
					l.metrics.IdleTicks.Inc()
				}
				continue
			}
			l.log.Warn("connection lost", "error", err)
			if err := l.reconnect(runCtx, err); err != nil {
				if runCtx.Err() != nil {
					return nil
				}
				return err
			}
			continue
		}

		l.dispatch(runCtx, n.Payload)
	}
}

// subscribe connects if needed and issues LISTEN.
func (l *Listener) subscribe(ctx context.Context) error {
	conn, err := l.ensureConn(ctx)
	if err != nil {
		return err
	}
	if _, err := conn.Exec(ctx, listenStatement(l.cfg.Channel)); err != nil {
		return &domain.ConnectionError{Op: "listen", Err: err}
	}
	l.setState(StateListening)
	l.log.Info("listening for notifications")
	return nil
}

// reconnect drops the current connection and re-subscribes with backoff.
func (l *Listener) reconnect(ctx context.Context, cause error) error {
	l.dropConn(ctx)

	opts := l.cfg.Reconnect
	opts.OnRetry = func(attempt int, err error, wait time.Duration) {
		l.log.Warn("reconnect attempt failed", "attempt", attempt, "error", err, "retry_in", wait)
	}
	err := fn.RetryErr(ctx, opts, func(ctx context.Context) error {
		if l.metrics != nil {
			l.metrics.Reconnects.Inc()
		}
		if err := l.subscribe(ctx); err != nil {
			l.dropConn(ctx)
			return err
		}
		return nil
	})
	if err != nil {
		l.log.Error("giving up on reconnect", "attempts", opts.MaxAttempts, "cause", cause, "error", err)
		return &domain.ConnectionError{Op: "reconnect", Err: err}
	}
	l.log.Info("reconnected")
	return nil
}

func (l *Listener) dropConn(ctx context.Context) {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()
	if conn != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		conn.Close(closeCtx)
		cancel()
	}
	if l.State() != StateClosing {
		l.setState(StateDisconnected)
	}
}

// dispatch parses one payload and runs the handler. Failures are logged,
// counted and dead-lettered; they never stop the loop.
func (l *Listener) dispatch(ctx context.Context, payload string) {
	if l.metrics != nil {
		l.metrics.Notifications.Inc()
	}

	ev, err := domain.ParseChangeEvent(payload)
	if err != nil {
		if l.metrics != nil {
			l.metrics.ParseFailures.Inc()
		}
		l.log.Error("discarding malformed notification", "error", err)
		l.deadLetter(ctx, payload, nil, err)
		return
	}

	h := l.currentHandler()
	if h == nil {
		if l.metrics != nil {
			l.metrics.HandlerFailures.Inc()
		}
		l.log.Warn("no handler registered, dead-lettering change", "op", ev.Operation, "id", ev.RecordID)
		l.deadLetter(ctx, payload, &ev, ErrNoHandler)
		return
	}

	// The handler finishes even if the loop is being stopped.
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.HandlerTimeout)
	err = safeHandle(hctx, h, ev)
	cancel()
	if err != nil {
		if l.metrics != nil {
			l.metrics.HandlerFailures.Inc()
		}
		l.log.Error("change handler failed", "op", ev.Operation, "id", ev.RecordID, "error", err)
		l.deadLetter(ctx, payload, &ev, err)
	}
}

func safeHandle(ctx context.Context, h Handler, ev domain.ChangeEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("changefeed: handler panic: %v", r)
		}
	}()
	return h.HandleChange(ctx, ev)
}

func (l *Listener) deadLetter(ctx context.Context, payload string, ev *domain.ChangeEvent, cause error) {
	if l.dlq == nil {
		return
	}
	l.dlq.Publish(context.WithoutCancel(ctx), payload, ev, cause)
}

// Close stops a running loop, waits for it (bounded by ctx) and closes the
// connection. It is safe to call more than once.
func (l *Listener) Close(ctx context.Context) error {
	l.mu.Lock()
	running, cancel, done := l.running, l.cancelRun, l.runDone
	l.mu.Unlock()

	if running {
		l.setState(StateClosing)
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("changefeed: close: %w", ctx.Err())
		}
	}

	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()

	var err error
	if conn != nil {
		l.setState(StateClosing)
		if cerr := conn.Close(ctx); cerr != nil {
			err = fmt.Errorf("changefeed: close: %w", cerr)
		}
		l.log.Info("connection closed")
	}
	l.setState(StateDisconnected)
	return err
}
