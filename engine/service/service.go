// Package service is the facade the binary talks to: it starts the change
// feed with the indexing pipeline as its handler, answers queries through the
// RAG pipeline and reports health and index statistics.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/WessleyAI/notesync/engine/changefeed"
	"github.com/WessleyAI/notesync/engine/domain"
	"github.com/WessleyAI/notesync/engine/indexing"
)

// ErrStarted is returned by Start when the facade is already running.
var ErrStarted = errors.New("service: already started")

// Listener is the change feed as the facade drives it.
type Listener interface {
	Connect(ctx context.Context) error
	InstallChangeCapture(ctx context.Context) error
	SetHandler(h changefeed.Handler)
	Run(ctx context.Context) error
	Close(ctx context.Context) error
	State() changefeed.State
}

// Pipeline indexes change events.
type Pipeline interface {
	changefeed.Handler
	Stats() indexing.Stats
}

// Answerer answers queries.
type Answerer interface {
	Answer(ctx context.Context, q domain.Query) (*domain.Answer, error)
}

// Counter reports how many documents the index holds.
type Counter interface {
	Count(ctx context.Context) (uint64, error)
}

// Capabilities are static flags describing which backends are configured.
type Capabilities struct {
	VectorIndex bool
	Generation  bool
	DeadLetter  bool
}

// Deps wires the facade.
type Deps struct {
	Listener     Listener
	Pipeline     Pipeline
	RAG          Answerer
	Index        Counter
	Capabilities Capabilities
	Logger       *slog.Logger
}

// Health is the payload of the health endpoint.
type Health struct {
	Status   string          `json:"status"`
	Listener string          `json:"listener"`
	Services map[string]bool `json:"services"`
}

// Stats is the payload of the stats endpoint.
type Stats struct {
	TotalDocuments uint64     `json:"total_documents"`
	LastIndexed    *time.Time `json:"last_indexed,omitempty"`
	Indexed        uint64     `json:"indexed"`
	Deleted        uint64     `json:"deleted"`
	Failed         uint64     `json:"failed"`
	SystemStatus   string     `json:"system_status"`
}

// Service ties the listener, the indexing pipeline and the RAG pipeline together.
type Service struct {
	deps Deps
	log  *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error
	started bool
}

// New creates a Service.
func New(deps Deps) *Service {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Service{deps: deps, log: log.With("component", "service"), done: make(chan struct{})}
}

// Start connects the listener, installs change capture, registers the
// indexing pipeline as handler and runs the listen loop in the background.
// Any setup failure aborts, releases the connection and is returned.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}

	l := s.deps.Listener
	if err := l.Connect(ctx); err != nil {
		return fmt.Errorf("service: start: %w", err)
	}
	if err := l.InstallChangeCapture(ctx); err != nil {
		if cerr := l.Close(ctx); cerr != nil {
			s.log.Warn("close after failed setup", "err", cerr)
		}
		return fmt.Errorf("service: start: %w", err)
	}
	l.SetHandler(s.deps.Pipeline)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.started = true
	go s.run(runCtx)

	s.log.Info("service started")
	return nil
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)
	err := s.deps.Listener.Run(ctx)
	if err != nil {
		s.log.Error("change feed stopped", "err", err)
	}
	s.mu.Lock()
	s.runErr = err
	s.mu.Unlock()
}

// Done is closed when the listen loop exits, whether by Stop or by a fatal error.
func (s *Service) Done() <-chan struct{} { return s.done }

// Err returns the error the listen loop exited with, if any.
func (s *Service) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runErr
}

// Stop cancels the listen loop, waits for it to finish (bounded by ctx) and
// closes the listener. Stop on a facade that was never started only closes
// the listener.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, started := s.cancel, s.started
	s.mu.Unlock()

	if started {
		cancel()
		select {
		case <-s.done:
		case <-ctx.Done():
			s.log.Warn("listen loop did not stop in time")
		}
	}
	if err := s.deps.Listener.Close(ctx); err != nil {
		return fmt.Errorf("service: stop: %w", err)
	}
	s.log.Info("service stopped")
	return nil
}

// Query answers q through the RAG pipeline.
func (s *Service) Query(ctx context.Context, q domain.Query) (*domain.Answer, error) {
	return s.deps.RAG.Answer(ctx, q)
}

// Health reports listener state and the configured backends.
func (s *Service) Health() Health {
	state := s.deps.Listener.State()
	status := "healthy"
	if state != changefeed.StateListening {
		status = "degraded"
	}
	return Health{
		Status:   status,
		Listener: state.String(),
		Services: map[string]bool{
			"vector_index": s.deps.Capabilities.VectorIndex,
			"generation":   s.deps.Capabilities.Generation,
			"dead_letter":  s.deps.Capabilities.DeadLetter,
			"change_feed":  state == changefeed.StateListening,
		},
	}
}

// Stats reports the document count from the index together with pipeline counters.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	ps := s.deps.Pipeline.Stats()
	st := Stats{
		Indexed:      ps.Indexed,
		Deleted:      ps.Deleted,
		Failed:       ps.Failed,
		SystemStatus: s.Health().Status,
	}
	if !ps.LastIndexedAt.IsZero() {
		t := ps.LastIndexedAt
		st.LastIndexed = &t
	}
	n, err := s.deps.Index.Count(ctx)
	if err != nil {
		return st, fmt.Errorf("service: stats: %w", err)
	}
	st.TotalDocuments = n
	return st, nil
}
