package queue

import (
	"context"
	"time"
)

// maxHandleAttempts bounds in-place retries of one delivery.
const maxHandleAttempts = 3

// retryPause is the base pause between retries; attempt n waits n times it.
var retryPause = time.Second

// Delivery is one message handed to a Handler.
type Delivery struct {
	Key   []byte
	Value []byte
}

// Handler processes a delivery. Returning an error asks the broker to hand
// the message out again.
type Handler func(ctx context.Context, d Delivery) error

// Publisher writes raw messages to one destination.
type Publisher interface {
	Publish(ctx context.Context, key, value []byte) error
	Close() error
}

// Consumer feeds deliveries from one source to a handler until ctx ends.
type Consumer interface {
	Consume(ctx context.Context, handle Handler) error
	Close() error
}

// deliverWithRetry runs handle until it accepts d, pausing between tries. It
// returns the last handler error once maxHandleAttempts is spent, or ctx.Err
// when cancelled while waiting.
func deliverWithRetry(ctx context.Context, handle Handler, d Delivery, pause time.Duration) error {
	var err error
	for attempt := 1; attempt <= maxHandleAttempts; attempt++ {
		if err = handle(ctx, d); err == nil {
			return nil
		}
		if attempt == maxHandleAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * pause):
		}
	}
	return err
}
