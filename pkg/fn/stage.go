// Package fn provides the small generic toolkit the engine pipelines are
// composed from: Result values, composable Stages and retry with backoff.
package fn

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "notesync/pkg/fn"

// Result holds either a value or the error that prevented it.
type Result[T any] struct {
	val T
	err error
}

// Ok wraps a value.
func Ok[T any](v T) Result[T] { return Result[T]{val: v} }

// Err wraps a failure. A nil err is recorded as a generic failure so an
// Err result is never mistaken for success.
func Err[T any](err error) Result[T] {
	if err == nil {
		err = fmt.Errorf("fn: failed result without error")
	}
	return Result[T]{err: err}
}

// FromPair converts a (value, error) return into a Result.
func FromPair[T any](v T, err error) Result[T] {
	if err != nil {
		return Err[T](err)
	}
	return Ok(v)
}

func (r Result[T]) IsOk() bool  { return r.err == nil }
func (r Result[T]) IsErr() bool { return r.err != nil }

// Error returns the failure, or nil.
func (r Result[T]) Error() error { return r.err }

// Unwrap returns the value and error.
func (r Result[T]) Unwrap() (T, error) { return r.val, r.err }

// Stage is one step of a pipeline.
type Stage[In, Out any] func(context.Context, In) Result[Out]

// Then runs second on the output of first. A failed first stage
// short-circuits and second never runs.
func Then[A, B, C any](first Stage[A, B], second Stage[B, C]) Stage[A, C] {
	return func(ctx context.Context, a A) Result[C] {
		r := first(ctx, a)
		if r.IsErr() {
			return Err[C](r.err)
		}
		return second(ctx, r.val)
	}
}

// TapStage observes the value without changing it.
func TapStage[T any](f func(context.Context, T)) Stage[T, T] {
	return func(ctx context.Context, t T) Result[T] {
		f(ctx, t)
		return Ok(t)
	}
}

// TracedStage runs stage inside a span named name. Failures mark the span
// as errored and record the concrete error type.
func TracedStage[In, Out any](name string, stage Stage[In, Out]) Stage[In, Out] {
	return func(ctx context.Context, in In) Result[Out] {
		ctx, span := otel.Tracer(tracerName).Start(ctx, name)
		defer span.End()

		r := stage(ctx, in)
		if r.IsErr() {
			span.RecordError(r.err)
			span.SetStatus(codes.Error, r.err.Error())
			span.SetAttributes(attribute.String("error.type", fmt.Sprintf("%T", r.err)))
		}
		return r
	}
}
