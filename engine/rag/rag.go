// Package rag answers questions over the note index: it embeds the question,
// retrieves the nearest documents, assembles them into a prompt and asks the
// generation backend for the answer.
package rag

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/WessleyAI/notesync/engine/domain"
	"github.com/WessleyAI/notesync/pkg/fn"
	"github.com/WessleyAI/notesync/pkg/metrics"
	"github.com/WessleyAI/notesync/pkg/resilience"
)

// Embedder embeds the question.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher retrieves the nearest documents, best first.
type Searcher interface {
	Search(ctx context.Context, embedding []float32, limit int) ([]domain.SearchHit, error)
}

// Generator produces the answer text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// StatusCoder is implemented by backend errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// DefaultPromptTemplate is filled with the retrieved context and the question.
const DefaultPromptTemplate = "Context: {context}\n\nQuestion: {question}\n\nAnswer:"

// Options configures the pipeline.
type Options struct {
	DefaultTopK int
	// MaxTopK clamps larger requests.
	MaxTopK int
	// MaxContextChars caps the assembled context. Zero means unbounded;
	// otherwise the lowest-scored hits are dropped whole until it fits.
	MaxContextChars   int
	GenerationTimeout time.Duration
	SearchTimeout     time.Duration
	PromptTemplate    string
	Breaker           resilience.BreakerOpts
	Metrics           *metrics.Registry
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		DefaultTopK:       domain.DefaultTopK,
		MaxTopK:           50,
		GenerationTimeout: 30 * time.Second,
		SearchTimeout:     5 * time.Second,
		PromptTemplate:    DefaultPromptTemplate,
		Breaker:           resilience.DefaultBreakerOpts,
	}
}

// Service is the retrieval-augmented generation pipeline.
type Service struct {
	embed   Embedder
	search  Searcher
	gen     Generator
	breaker *resilience.Breaker
	opts    Options
	model   string
	logger  *slog.Logger
}

// New creates a Service. Zero-valued options fall back to DefaultOptions.
func New(embed Embedder, search Searcher, gen Generator, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultOptions()
	if opts.DefaultTopK <= 0 {
		opts.DefaultTopK = d.DefaultTopK
	}
	if opts.MaxTopK <= 0 {
		opts.MaxTopK = d.MaxTopK
	}
	if opts.GenerationTimeout <= 0 {
		opts.GenerationTimeout = d.GenerationTimeout
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = d.SearchTimeout
	}
	if opts.PromptTemplate == "" {
		opts.PromptTemplate = d.PromptTemplate
	}

	bo := opts.Breaker
	if bo.Name == "" {
		bo.Name = "generation"
	}
	if bo.IsFailure == nil {
		bo.IsFailure = isBackendFailure
	}
	m := opts.Metrics
	userHook := bo.OnStateChange
	bo.OnStateChange = func(name string, from, to resilience.State) {
		logger.Warn("generation breaker state change", "breaker", name, "from", from, "to", to)
		if m != nil {
			m.BreakerState.WithLabelValues(name).Set(float64(to))
		}
		if userHook != nil {
			userHook(name, from, to)
		}
	}

	s := &Service{
		embed:   embed,
		search:  search,
		gen:     gen,
		breaker: resilience.NewBreaker(bo),
		opts:    opts,
		logger:  logger.With("component", "rag"),
	}
	if named, ok := gen.(interface{ Model() string }); ok {
		s.model = named.Model()
	}
	return s
}

// DefaultTopK is the hit count used when a request does not name one.
func (s *Service) DefaultTopK() int { return s.opts.DefaultTopK }

// BreakerState reports the generation breaker state.
func (s *Service) BreakerState() resilience.State { return s.breaker.State() }

// Answer runs the full pipeline for q. Validation happens before any
// backend call. Errors are *domain.ValidationError, *domain.RetrievalError
// or *domain.GenerationError.
func (s *Service) Answer(ctx context.Context, q domain.Query) (*domain.Answer, error) {
	start := time.Now()
	ans, err := s.answer(ctx, q)
	s.observe(start, err)
	return ans, err
}

func (s *Service) answer(ctx context.Context, q domain.Query) (*domain.Answer, error) {
	if err := domain.ValidateQuery(q); err != nil {
		return nil, err
	}
	topK := q.TopK
	if topK > s.opts.MaxTopK {
		s.logger.Info("clamping top_k", "requested", topK, "max", s.opts.MaxTopK)
		topK = s.opts.MaxTopK
	}
	s.logger.Info("rag query start", "question_len", len(q.Text), "top_k", topK)

	hits, err := s.retrieve(ctx, q.Text, topK)
	if err != nil {
		return nil, err
	}

	hits = fitContext(hits, s.opts.MaxContextChars)
	prompt := BuildPrompt(s.opts.PromptTemplate, JoinContext(hits), q.Text)

	text, err := s.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}

	if hits == nil {
		hits = []domain.SearchHit{}
	}
	return &domain.Answer{Text: text, Sources: hits, Model: s.model}, nil
}

// retrieve embeds the question and searches the index.
func (s *Service) retrieve(ctx context.Context, question string, topK int) ([]domain.SearchHit, error) {
	embedStage := fn.TracedStage("rag.embed", func(ctx context.Context, text string) fn.Result[[]float32] {
		v, err := s.embed.Embed(ctx, text)
		if err != nil {
			return fn.Err[[]float32](&domain.RetrievalError{Stage: "embed", Err: err})
		}
		return fn.Ok(v)
	})
	searchStage := fn.TracedStage("rag.search", func(ctx context.Context, vec []float32) fn.Result[[]domain.SearchHit] {
		searchCtx, cancel := context.WithTimeout(ctx, s.opts.SearchTimeout)
		defer cancel()
		hits, err := s.search.Search(searchCtx, vec, topK)
		if err != nil {
			return fn.Err[[]domain.SearchHit](&domain.RetrievalError{Stage: "search", Err: err})
		}
		return fn.Ok(hits)
	})

	logHits := fn.TapStage(func(_ context.Context, hits []domain.SearchHit) {
		s.logger.Info("rag semantic search done", "results", len(hits))
	})
	return fn.Then(fn.Then(embedStage, searchStage), logHits)(ctx, question).Unwrap()
}

// generate calls the backend through the breaker under the generation timeout.
func (s *Service) generate(ctx context.Context, prompt string) (string, error) {
	genCtx, cancel := context.WithTimeout(ctx, s.opts.GenerationTimeout)
	defer cancel()

	stage := fn.TracedStage("rag.generate", func(ctx context.Context, p string) fn.Result[string] {
		return resilience.CallResult(s.breaker, ctx, func(ctx context.Context) fn.Result[string] {
			text, err := s.gen.Generate(ctx, p)
			return fn.FromPair(text, err)
		})
	})
	text, err := stage(genCtx, prompt).Unwrap()
	if err != nil {
		return "", classifyGenerationError(genCtx, err)
	}
	return text, nil
}

func classifyGenerationError(ctx context.Context, err error) error {
	ge := &domain.GenerationError{Message: err.Error(), Err: err}
	var sc StatusCoder
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		ge.Message = "backend unavailable: circuit open"
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		ge.Message = "timeout"
	case errors.As(err, &sc):
		ge.StatusCode = sc.HTTPStatus()
	}
	return ge
}

// isBackendFailure keeps client-side rejections (4xx) from tripping the breaker.
func isBackendFailure(err error) bool {
	if err == nil {
		return false
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		code := sc.HTTPStatus()
		return code >= 500 || code == 429
	}
	return !errors.Is(err, context.Canceled)
}

func (s *Service) observe(start time.Time, err error) {
	m := s.opts.Metrics
	if m == nil {
		return
	}
	status := "success"
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrValidation):
		status = "invalid"
	case errors.Is(err, domain.ErrRetrieval):
		status = "retrieval_error"
	case errors.Is(err, domain.ErrGeneration):
		status = "generation_error"
	default:
		status = "error"
	}
	m.Queries.WithLabelValues(status).Inc()
	m.QueryDuration.Observe(time.Since(start).Seconds())
}

// JoinContext concatenates hit contents in order, one per line.
func JoinContext(hits []domain.SearchHit) string {
	parts := make([]string, len(hits))
	for i, h := range hits {
		parts[i] = h.Content
	}
	return strings.Join(parts, "\n")
}

// BuildPrompt fills template's {context} and {question} placeholders.
func BuildPrompt(template, contextText, question string) string {
	return strings.NewReplacer("{context}", contextText, "{question}", question).Replace(template)
}

// fitContext drops the lowest-scored hits until the joined context fits in
// limit characters. Order of the survivors is preserved.
func fitContext(hits []domain.SearchHit, limit int) []domain.SearchHit {
	if limit <= 0 || len(JoinContext(hits)) <= limit {
		return hits
	}

	keep := make([]bool, len(hits))
	for i := range keep {
		keep[i] = true
	}
	size := len(JoinContext(hits))
	for size > limit {
		worst := -1
		for i, h := range hits {
			if keep[i] && (worst < 0 || h.Score < hits[worst].Score ||
				(h.Score == hits[worst].Score && i > worst)) {
				worst = i
			}
		}
		if worst < 0 {
			break
		}
		keep[worst] = false
		size = 0
		n := 0
		for i, h := range hits {
			if keep[i] {
				size += len(h.Content)
				n++
			}
		}
		if n > 1 {
			size += n - 1
		}
	}

	out := make([]domain.SearchHit, 0, len(hits))
	for i, h := range hits {
		if keep[i] {
			out = append(out, h)
		}
	}
	return out
}
