package parallel

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// MapLimit applies fn to every item with at most limit calls in flight and
// returns the results in input order, independent of completion order.
// The first error cancels the remaining work and is returned; partial
// results are discarded.
func MapLimit[T, R any](ctx context.Context, items []T, limit int, fn func(context.Context, T) (R, error)) ([]R, error) {
	if limit < 1 {
		return nil, errors.New("parallel: limit must be >= 1")
	}
	if len(items) == 0 {
		return []R{}, nil
	}

	results := make([]R, len(items))
	workers := limit
	if workers > len(items) {
		workers = len(items)
	}

	var next atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				i := int(next.Add(1)) - 1
				if i >= len(items) {
					return nil
				}
				if err := gctx.Err(); err != nil {
					return err
				}
				out, err := fn(gctx, items[i])
				if err != nil {
					return err
				}
				results[i] = out
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
