package rag

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/WessleyAI/notesync/engine/domain"
	"github.com/WessleyAI/notesync/pkg/metrics"
	"github.com/WessleyAI/notesync/pkg/resilience"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// --- Mocks ---

type mockEmbedder struct {
	calls int
	err   error
}

func (m *mockEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

type mockSearcher struct {
	hits      []domain.SearchHit
	err       error
	lastLimit int
}

func (m *mockSearcher) Search(_ context.Context, _ []float32, limit int) ([]domain.SearchHit, error) {
	m.lastLimit = limit
	if m.err != nil {
		return nil, m.err
	}
	if limit < len(m.hits) {
		return m.hits[:limit], nil
	}
	return m.hits, nil
}

type mockGenerator struct {
	reply      string
	err        error
	delay      time.Duration
	calls      int
	lastPrompt string
}

func (m *mockGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	m.calls++
	m.lastPrompt = prompt
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return m.reply, m.err
}

func (m *mockGenerator) Model() string { return "llama2" }

type statusErr struct{ code int }

func (e *statusErr) Error() string   { return fmt.Sprintf("status %d", e.code) }
func (e *statusErr) HTTPStatus() int { return e.code }

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func twoHits() []domain.SearchHit {
	return []domain.SearchHit{
		{ID: "1", Content: "Go was created at Google.", Score: 0.9, Metadata: map[string]any{"title": "go"}},
		{ID: "2", Content: "Postgres supports LISTEN/NOTIFY.", Score: 0.7, Metadata: map[string]any{"title": "pg"}},
	}
}

// --- Tests ---

func TestAnswer(t *testing.T) {
	search := &mockSearcher{hits: twoHits()}
	gen := &mockGenerator{reply: "Google created Go."}
	svc := New(&mockEmbedder{}, search, gen, DefaultOptions(), quiet())

	ans, err := svc.Answer(context.Background(), domain.Query{Text: "Who made Go?", TopK: 2})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.Text != "Google created Go." || ans.Model != "llama2" {
		t.Fatalf("unexpected answer: %+v", ans)
	}
	if len(ans.Sources) != 2 || ans.Sources[0].Score != 0.9 || ans.Sources[1].Score != 0.7 {
		t.Fatalf("sources = %+v", ans.Sources)
	}
	want := "Context: Go was created at Google.\nPostgres supports LISTEN/NOTIFY.\n\nQuestion: Who made Go?\n\nAnswer:"
	if gen.lastPrompt != want {
		t.Fatalf("prompt = %q\nwant   %q", gen.lastPrompt, want)
	}
	if search.lastLimit != 2 {
		t.Fatalf("limit = %d", search.lastLimit)
	}
}

func TestAnswer_NoHits(t *testing.T) {
	gen := &mockGenerator{reply: "I don't know."}
	svc := New(&mockEmbedder{}, &mockSearcher{}, gen, DefaultOptions(), quiet())

	ans, err := svc.Answer(context.Background(), domain.Query{Text: "anything", TopK: 5})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.Sources == nil || len(ans.Sources) != 0 {
		t.Fatalf("expected empty sources, got %#v", ans.Sources)
	}
	if !strings.HasPrefix(gen.lastPrompt, "Context: \n\nQuestion: anything") {
		t.Fatalf("prompt = %q", gen.lastPrompt)
	}
}

func TestAnswer_ValidationBeforeBackends(t *testing.T) {
	for name, q := range map[string]domain.Query{
		"zero top_k":     {Text: "q", TopK: 0},
		"negative top_k": {Text: "q", TopK: -1},
		"empty text":     {Text: "   ", TopK: 3},
	} {
		t.Run(name, func(t *testing.T) {
			emb := &mockEmbedder{}
			gen := &mockGenerator{}
			svc := New(emb, &mockSearcher{}, gen, DefaultOptions(), quiet())

			_, err := svc.Answer(context.Background(), q)
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if emb.calls != 0 || gen.calls != 0 {
				t.Fatal("backends called for invalid query")
			}
		})
	}
}

func TestAnswer_ClampsTopK(t *testing.T) {
	search := &mockSearcher{}
	opts := DefaultOptions()
	opts.MaxTopK = 10
	svc := New(&mockEmbedder{}, search, &mockGenerator{}, opts, quiet())

	if _, err := svc.Answer(context.Background(), domain.Query{Text: "q", TopK: 500}); err != nil {
		t.Fatal(err)
	}
	if search.lastLimit != 10 {
		t.Fatalf("limit = %d, want clamp to 10", search.lastLimit)
	}
}

func TestAnswer_RetrievalErrors(t *testing.T) {
	cases := []struct {
		name  string
		emb   *mockEmbedder
		srch  *mockSearcher
		stage string
	}{
		{"embed", &mockEmbedder{err: errors.New("ollama down")}, &mockSearcher{}, "embed"},
		{"search", &mockEmbedder{}, &mockSearcher{err: errors.New("qdrant down")}, "search"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gen := &mockGenerator{}
			svc := New(tc.emb, tc.srch, gen, DefaultOptions(), quiet())
			_, err := svc.Answer(context.Background(), domain.Query{Text: "q", TopK: 1})
			var re *domain.RetrievalError
			if !errors.As(err, &re) || re.Stage != tc.stage {
				t.Fatalf("expected retrieval error at %s, got %v", tc.stage, err)
			}
			if gen.calls != 0 {
				t.Fatal("generator called after retrieval failure")
			}
		})
	}
}

func TestAnswer_GenerationStatus(t *testing.T) {
	gen := &mockGenerator{err: fmt.Errorf("ollama generate: %w", &statusErr{code: 500})}
	svc := New(&mockEmbedder{}, &mockSearcher{hits: twoHits()}, gen, DefaultOptions(), quiet())

	_, err := svc.Answer(context.Background(), domain.Query{Text: "q", TopK: 2})
	var ge *domain.GenerationError
	if !errors.As(err, &ge) {
		t.Fatalf("expected GenerationError, got %v", err)
	}
	if ge.StatusCode != 500 {
		t.Fatalf("status = %d", ge.StatusCode)
	}
}

func TestAnswer_GenerationTimeout(t *testing.T) {
	gen := &mockGenerator{delay: time.Second}
	opts := DefaultOptions()
	opts.GenerationTimeout = 20 * time.Millisecond
	svc := New(&mockEmbedder{}, &mockSearcher{}, gen, opts, quiet())

	_, err := svc.Answer(context.Background(), domain.Query{Text: "q", TopK: 1})
	var ge *domain.GenerationError
	if !errors.As(err, &ge) || ge.Message != "timeout" || ge.StatusCode != 0 {
		t.Fatalf("expected timeout GenerationError, got %v", err)
	}
}

func TestAnswer_BreakerOpens(t *testing.T) {
	gen := &mockGenerator{err: &statusErr{code: 503}}
	opts := DefaultOptions()
	opts.Breaker = resilience.BreakerOpts{FailThreshold: 2, Timeout: time.Hour}
	m := metrics.New()
	opts.Metrics = m
	svc := New(&mockEmbedder{}, &mockSearcher{}, gen, opts, quiet())
	q := domain.Query{Text: "q", TopK: 1}

	svc.Answer(context.Background(), q)
	svc.Answer(context.Background(), q)
	if svc.BreakerState() != resilience.StateOpen {
		t.Fatalf("breaker state = %v", svc.BreakerState())
	}

	_, err := svc.Answer(context.Background(), q)
	if !errors.Is(err, domain.ErrGeneration) || !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("expected circuit-open generation error, got %v", err)
	}
	if gen.calls != 2 {
		t.Fatalf("generator calls = %d, want 2", gen.calls)
	}
	if got := testutil.ToFloat64(m.BreakerState.WithLabelValues("generation")); got != float64(resilience.StateOpen) {
		t.Fatalf("breaker gauge = %v", got)
	}
	if got := testutil.ToFloat64(m.Queries.WithLabelValues("generation_error")); got != 3 {
		t.Fatalf("generation errors = %v", got)
	}
}

func TestAnswer_ClientErrorsDoNotTripBreaker(t *testing.T) {
	gen := &mockGenerator{err: &statusErr{code: 404}}
	opts := DefaultOptions()
	opts.Breaker = resilience.BreakerOpts{FailThreshold: 1, Timeout: time.Hour}
	svc := New(&mockEmbedder{}, &mockSearcher{}, gen, opts, quiet())

	for i := 0; i < 3; i++ {
		svc.Answer(context.Background(), domain.Query{Text: "q", TopK: 1})
	}
	if svc.BreakerState() != resilience.StateClosed {
		t.Fatalf("breaker tripped on 404s: %v", svc.BreakerState())
	}
}

func TestAnswer_ContextBudget(t *testing.T) {
	hits := []domain.SearchHit{
		{Content: strings.Repeat("a", 10), Score: 0.9},
		{Content: strings.Repeat("b", 10), Score: 0.5},
		{Content: strings.Repeat("c", 10), Score: 0.7},
	}
	gen := &mockGenerator{}
	opts := DefaultOptions()
	opts.MaxContextChars = 21
	svc := New(&mockEmbedder{}, &mockSearcher{hits: hits}, gen, opts, quiet())

	ans, err := svc.Answer(context.Background(), domain.Query{Text: "q", TopK: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(ans.Sources) != 2 || ans.Sources[0].Score != 0.9 || ans.Sources[1].Score != 0.7 {
		t.Fatalf("expected lowest-scored hit dropped, got %+v", ans.Sources)
	}
	if strings.Contains(gen.lastPrompt, "b") {
		t.Fatal("dropped hit leaked into prompt")
	}
}

func TestFitContext(t *testing.T) {
	hits := []domain.SearchHit{{Content: "xxxx", Score: 1}, {Content: "yyyy", Score: 1}}
	if got := fitContext(hits, 0); len(got) != 2 {
		t.Fatal("zero limit should keep everything")
	}
	if got := fitContext(hits, 4); len(got) != 1 || got[0].Content != "xxxx" {
		t.Fatalf("tie should drop the later hit, got %+v", got)
	}
	if got := fitContext(hits, 2); len(got) != 0 {
		t.Fatalf("hits never truncated, got %+v", got)
	}
}

func TestBuildPrompt(t *testing.T) {
	got := BuildPrompt("C={context} Q={question}", "ctx", "why")
	if got != "C=ctx Q=why" {
		t.Fatalf("prompt = %q", got)
	}
}
