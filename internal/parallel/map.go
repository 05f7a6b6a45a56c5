package parallel

import (
	"context"
	"iter"
	"sync/atomic"

	"github.com/CZERTAINLY/jsexec/internal/model"
	"golang.org/x/sync/errgroup"
)

// ErrNotStarted is reported for items, which were never picked by a worker
var ErrNotStarted = model.ErrNotStarted

// Result of a mapping of one item. Index points to the input slice.
type Result[E, D any] struct {
	Index   int
	Item    E
	Value   D
	Err     error
	Started bool
}

// Map is a fixed size worker pool. Every worker pulls the next item by
// incrementing a shared cursor, so an item is never started twice and at most
// limit mapFuncs are in flight.
// Map is context aware: a canceled context stops workers from pulling new
// items, the in-flight ones are finished and reported. Items never started
// are reported last with ErrNotStarted.
//
//	for result := range pmap.Iter(ctx, input) {}
type Map[E, D any] struct {
	limit   int
	mapFunc func(context.Context, E) (D, error)
}

func NewMap[E, D any](limit int, mapFunc func(context.Context, E) (D, error)) *Map[E, D] {
	if limit < 1 {
		limit = 1
	}
	return &Map[E, D]{
		limit:   limit,
		mapFunc: mapFunc,
	}
}

func (m *Map[E, D]) Iter(ctx context.Context, items []E) iter.Seq[Result[E, D]] {
	return func(yield func(Result[E, D]) bool) {
		// cancelled when the consumer stops early
		workCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		var cursor atomic.Int64
		started := make([]atomic.Bool, len(items))
		mapped := make(chan Result[E, D], m.limit)
		abandoned := make(chan struct{})
		defer close(abandoned)

		var g errgroup.Group
		for range min(m.limit, len(items)) {
			g.Go(func() error {
				for workCtx.Err() == nil {
					i := int(cursor.Add(1) - 1)
					if i >= len(items) {
						return nil
					}
					started[i].Store(true)
					d, err := m.mapFunc(workCtx, items[i])
					select {
					case mapped <- Result[E, D]{Index: i, Item: items[i], Value: d, Err: err, Started: true}:
					case <-abandoned:
						return nil
					}
				}
				return nil
			})
		}
		go func() {
			_ = g.Wait()
			close(mapped)
		}()

		for r := range mapped {
			if !yield(r) {
				return
			}
		}

		for i := range items {
			if started[i].Load() {
				continue
			}
			if !yield(Result[E, D]{Index: i, Item: items[i], Err: ErrNotStarted}) {
				return
			}
		}
	}
}

// Run collects all results in the order of items
func (m *Map[E, D]) Run(ctx context.Context, items []E) []Result[E, D] {
	ret := make([]Result[E, D], len(items))
	for r := range m.Iter(ctx, items) {
		ret[r.Index] = r
	}
	return ret
}
