package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type runnerFunc func(ctx context.Context) error

func (f runnerFunc) Run(ctx context.Context) error { return f(ctx) }

func TestRunAllStopsOthersOnFailure(t *testing.T) {
	var stopped atomic.Bool
	boom := errors.New("consumer closed")

	err := RunAll(context.Background(),
		runnerFunc(func(ctx context.Context) error {
			<-ctx.Done()
			stopped.Store(true)
			return ctx.Err()
		}),
		runnerFunc(func(context.Context) error { return boom }),
	)

	assert.ErrorIs(t, err, boom)
	assert.True(t, stopped.Load())
}

func TestRunAllReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := RunAll(ctx, runnerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
