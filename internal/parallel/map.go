// Package parallel runs a function over a sequence with bounded concurrency.
package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

type result[D any] struct {
	d D
	e error
}

// Map applies mapFunc to every element of a sequence, running at most limit
// calls at once. Results are yielded in completion order, not input order.
// A canceled context stops dispatching new elements; mapFunc gets the context
// and decides itself how to react to the cancellation.
//
//	for d, err := range parallel.NewMap(ctx, 10, f).Iter(slices.Values(in)) {}
type Map[E, D any] struct {
	ctx     context.Context
	limit   int
	mapFunc func(context.Context, E) (D, error)
}

func NewMap[E, D any](ctx context.Context, limit int, mapFunc func(context.Context, E) (D, error)) *Map[E, D] {
	if limit < 1 {
		limit = 1
	}
	return &Map[E, D]{
		ctx:     ctx,
		limit:   limit,
		mapFunc: mapFunc,
	}
}

// Iter dispatches seq and yields the results. When the caller stops the
// iteration early, the remaining calls are canceled and Iter returns after
// all of them finished, so no goroutine outlives the loop.
func (m *Map[E, D]) Iter(seq iter.Seq[E]) iter.Seq2[D, error] {
	return func(yield func(D, error) bool) {
		ctx, cancel := context.WithCancel(m.ctx)
		defer cancel()

		g, gctx := errgroup.WithContext(ctx)
		// one extra slot for the dispatching goroutine
		g.SetLimit(m.limit + 1)
		mapped := make(chan result[D], m.limit)

		g.Go(func() error {
			for entry := range seq {
				if gctx.Err() != nil {
					return nil
				}
				g.Go(func() error {
					d, err := m.mapFunc(gctx, entry)
					// mapped is drained until closed, a finished call is
					// never lost to a cancellation
					mapped <- result[D]{d: d, e: err}
					return nil
				})
			}
			return nil
		})

		done := make(chan struct{})
		go func() {
			_ = g.Wait()
			close(mapped)
			close(done)
		}()
		defer func() {
			cancel()
			for range mapped {
			}
			<-done
		}()

		for r := range mapped {
			if !yield(r.d, r.e) {
				return
			}
		}
	}
}
