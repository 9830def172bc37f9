package detector

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// ForEachLevel calls fn once per pyramid level, running at most maxWorkers
// levels concurrently (maxWorkers <= 1 runs them in order). Each call must
// only write its own level's result slot. ForEachLevel returns after every
// call has finished, so the caller may regroup results immediately; the
// first error cancels the remaining levels and is returned.
func ForEachLevel(ctx context.Context, numLevels, maxWorkers int, fn func(ctx context.Context, level int) error) error {
	if maxWorkers <= 1 {
		for l := range numLevels {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(ctx, l); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxWorkers)
	for l := range numLevels {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(gctx, l)
		})
	}
	return g.Wait()
}
