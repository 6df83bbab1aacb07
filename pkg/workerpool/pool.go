// Package workerpool runs a fixed set of independent items through a bounded
// number of goroutines and always waits for every item to finish.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultSize is the pool size used when a caller passes a non-positive limit.
const DefaultSize = 5

var (
	// ErrPanic classifies items whose function panicked.
	ErrPanic = errors.New("workerpool item panicked")
	// ErrTimeout classifies items that exceeded their per-item timeout.
	ErrTimeout = errors.New("workerpool item timed out")
)

// Result carries the output of one item. Index is the item's position in the input.
type Result[R any] struct {
	Index int
	Value R
	Err   error
}

// Options tunes a pool run.
type Options struct {
	// Size bounds concurrent items. Values <= 0 fall back to DefaultSize.
	Size int
	// ItemTimeout bounds each item. Zero disables the per-item deadline.
	ItemTimeout time.Duration
}

func (o *Options) normalize() {
	if o.Size <= 0 {
		o.Size = DefaultSize
	}
	if o.ItemTimeout < 0 {
		o.ItemTimeout = 0
	}
}

// Map applies fn to every item with at most opts.Size items in flight and
// returns one Result per item in input order. A failing or panicking item
// never cancels its siblings, and Map returns only after all of them finished.
func Map[T, R any](ctx context.Context, items []T, opts Options, fn func(ctx context.Context, item T) (R, error)) []Result[R] {
	opts.normalize()
	results := make([]Result[R], len(items))
	if len(items) == 0 {
		return results
	}

	// A plain Group: sibling failures must not cancel ctx.
	var g errgroup.Group
	g.SetLimit(opts.Size)
	for idx, item := range items {
		g.Go(func() error {
			value, err := runItem(ctx, item, opts.ItemTimeout, fn)
			results[idx] = Result[R]{Index: idx, Value: value, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Run is Map for functions without a value. The returned slice holds one
// error (possibly nil) per item in input order.
func Run[T any](ctx context.Context, items []T, opts Options, fn func(ctx context.Context, item T) error) []error {
	results := Map(ctx, items, opts, func(ctx context.Context, item T) (struct{}, error) {
		return struct{}{}, fn(ctx, item)
	})
	errs := make([]error, len(results))
	for idx, result := range results {
		errs[idx] = result.Err
	}
	return errs
}

func runItem[T, R any](ctx context.Context, item T, timeout time.Duration, fn func(context.Context, T) (R, error)) (value R, err error) {
	if err := ctx.Err(); err != nil {
		return value, err
	}
	if timeout <= 0 {
		return callSafely(ctx, item, fn)
	}

	itemCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value R
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, e := callSafely(itemCtx, item, fn)
		done <- outcome{value: v, err: e}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-itemCtx.Done():
		if errors.Is(itemCtx.Err(), context.DeadlineExceeded) {
			return value, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return value, itemCtx.Err()
	}
}

func callSafely[T, R any](ctx context.Context, item T, fn func(context.Context, T) (R, error)) (value R, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v; stack=%s", ErrPanic, rec, string(debug.Stack()))
		}
	}()
	return fn(ctx, item)
}
