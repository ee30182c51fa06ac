// Package worker hosts the queue consumers that drive campaign dispatch and
// delivery status updates.
package worker

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Runner is a long-running consumer.
type Runner interface {
	Run(ctx context.Context) error
}

// RunAll runs every runner until ctx ends or one of them fails, in which
// case the others are cancelled and the first error is returned.
func RunAll(ctx context.Context, runners ...Runner) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range runners {
		r := r
		g.Go(func() error { return r.Run(gctx) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
