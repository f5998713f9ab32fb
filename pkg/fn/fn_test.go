package fn

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestResult(t *testing.T) {
	ok := Ok(3)
	if !ok.IsOk() || ok.IsErr() {
		t.Fatal("expected ok")
	}
	if v, err := ok.Unwrap(); v != 3 || err != nil {
		t.Fatalf("got %d, %v", v, err)
	}

	bad := Err[int](errors.New("boom"))
	if bad.IsOk() || !bad.IsErr() {
		t.Fatal("expected err")
	}
	if bad.Error() == nil || bad.Error().Error() != "boom" {
		t.Fatalf("error = %v", bad.Error())
	}
	if Err[int](nil).IsOk() {
		t.Fatal("Err(nil) must not read as success")
	}
	if r := FromPair(1, errors.New("x")); r.IsOk() {
		t.Fatal("expected err from pair")
	}
	if r := FromPair(1, nil); !r.IsOk() {
		t.Fatal("expected ok from pair")
	}
}

func TestThenShortCircuits(t *testing.T) {
	called := false
	first := func(_ context.Context, in int) Result[int] { return Err[int](errors.New("stop")) }
	second := func(_ context.Context, in int) Result[string] {
		called = true
		return Ok("x")
	}

	r := Then(Stage[int, int](first), Stage[int, string](second))(context.Background(), 1)
	if r.IsOk() {
		t.Fatal("expected error")
	}
	if called {
		t.Fatal("second stage should not run")
	}
}

func TestThenAndTracedStage(t *testing.T) {
	double := Stage[int, int](func(_ context.Context, in int) Result[int] { return Ok(in * 2) })
	tapped := 0
	tap := TapStage(func(_ context.Context, v int) { tapped = v })

	s := TracedStage("double", Then(double, tap))
	r := s(context.Background(), 4)
	if v, _ := r.Unwrap(); v != 8 {
		t.Fatalf("got %d, want 8", v)
	}
	if tapped != 8 {
		t.Fatalf("tap saw %d", tapped)
	}

	failing := TracedStage("fail", Stage[int, int](func(context.Context, int) Result[int] {
		return Err[int](errors.New("fail"))
	}))
	if failing(context.Background(), 1).IsOk() {
		t.Fatal("expected traced failure to propagate")
	}
}

func TestRetrySucceedsEventually(t *testing.T) {
	attempts := 0
	var retried []int
	opts := RetryOpts{
		MaxAttempts: 3,
		InitialWait: time.Millisecond,
		MaxWait:     5 * time.Millisecond,
		OnRetry:     func(attempt int, _ error, _ time.Duration) { retried = append(retried, attempt) },
	}
	r := Retry(context.Background(), opts, func(context.Context) Result[string] {
		attempts++
		if attempts < 3 {
			return Err[string](errors.New("not yet"))
		}
		return Ok("done")
	})
	if v, err := r.Unwrap(); err != nil || v != "done" {
		t.Fatalf("got %q, %v", v, err)
	}
	if len(retried) != 2 || retried[0] != 1 || retried[1] != 2 {
		t.Fatalf("OnRetry calls = %v", retried)
	}
}

func TestRetryExhausts(t *testing.T) {
	attempts := 0
	err := RetryErr(context.Background(), RetryOpts{MaxAttempts: 2, InitialWait: time.Millisecond, MaxWait: time.Millisecond, Jitter: true}, func(context.Context) error {
		attempts++
		return errors.New("always")
	})
	if err == nil || err.Error() != "always" {
		t.Fatalf("expected last error, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestRetryZeroAttemptsRunsOnce(t *testing.T) {
	attempts := 0
	err := RetryErr(context.Background(), RetryOpts{}, func(context.Context) error {
		attempts++
		return errors.New("fail")
	})
	if err == nil || attempts != 1 {
		t.Fatalf("attempts=%d err=%v", attempts, err)
	}
}

func TestRetryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	opts := RetryOpts{MaxAttempts: 5, InitialWait: time.Hour, MaxWait: time.Hour}
	err := RetryErr(ctx, opts, func(context.Context) error {
		cancel()
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
