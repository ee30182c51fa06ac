package breaker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/acme/outbound-messaging/internal/domain"
	apperrors "github.com/acme/outbound-messaging/pkg/errors"
)

const (
	fieldFailures    = "failures"
	fieldLastFailure = "last_failure_ms"
	fieldOpen        = "open"
)

// admitScript returns 1 while the circuit is open and cooling down. An open
// circuit whose cooldown elapsed is closed and the call admitted.
var admitScript = redis.NewScript(`
local key = KEYS[1]
if redis.call('HGET', key, 'open') ~= '1' then
  return 0
end
local last = tonumber(redis.call('HGET', key, 'last_failure_ms') or '0')
if tonumber(ARGV[1]) - last >= tonumber(ARGV[2]) then
  redis.call('HSET', key, 'failures', 0, 'open', '0')
  return 2
end
return 1
`)

// failureScript records a failure and returns {failures, opened_now}.
var failureScript = redis.NewScript(`
local key = KEYS[1]
local failures = redis.call('HINCRBY', key, 'failures', 1)
redis.call('HSET', key, 'last_failure_ms', ARGV[1])
local opened = 0
if failures >= tonumber(ARGV[2]) and redis.call('HGET', key, 'open') ~= '1' then
  redis.call('HSET', key, 'open', '1')
  opened = 1
end
return {failures, opened}
`)

const (
	admitClosed = 0
	admitOpen   = 1
	admitReset  = 2
)

// Options tunes a Breaker.
type Options struct {
	Threshold int
	Cooldown  time.Duration
	KeyPrefix string
	// Now overrides the clock, mostly for tests.
	Now func() time.Time
	// OnStateChange is invoked when a service's circuit opens or closes.
	OnStateChange func(service string, open bool)
}

// Breaker guards provider calls with a failure counter shared through Redis.
// There is no half-open probing: once the cooldown since the last failure
// elapses the next call resets the circuit and goes through.
type Breaker struct {
	client    *redis.Client
	threshold int
	cooldown  time.Duration
	prefix    string
	now       func() time.Time
	onChange  func(string, bool)
}

// New constructs a Breaker.
func New(client *redis.Client, opts Options) *Breaker {
	b := &Breaker{
		client:    client,
		threshold: opts.Threshold,
		cooldown:  opts.Cooldown,
		prefix:    opts.KeyPrefix,
		now:       opts.Now,
		onChange:  opts.OnStateChange,
	}
	if b.threshold <= 0 {
		b.threshold = 3
	}
	if b.cooldown <= 0 {
		b.cooldown = 60 * time.Second
	}
	if b.prefix == "" {
		b.prefix = "outbound:circuit"
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.onChange == nil {
		b.onChange = func(string, bool) {}
	}
	return b
}

// Call runs op unless the circuit for service is open. Failures that count
// against the provider come back as *apperrors.TransportCallError; other
// errors are returned unchanged.
func (b *Breaker) Call(ctx context.Context, service string, op func(context.Context) error) error {
	key := b.key(service)
	admit, err := admitScript.Run(ctx, b.client, []string{key}, b.now().UnixMilli(), b.cooldown.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("breaker: admit %s: %w", service, err)
	}
	switch admit {
	case admitOpen:
		return fmt.Errorf("breaker: %s: %w", service, apperrors.ErrCircuitOpen)
	case admitReset:
		b.onChange(service, false)
	}

	opErr := op(ctx)
	if opErr == nil {
		if err := b.client.HSet(ctx, key, fieldFailures, 0).Err(); err != nil {
			return fmt.Errorf("breaker: record success %s: %w", service, err)
		}
		return nil
	}
	if !countsAsFailure(ctx, opErr) {
		return opErr
	}

	res, err := failureScript.Run(ctx, b.client, []string{key}, b.now().UnixMilli(), b.threshold).Int64Slice()
	if err != nil {
		return fmt.Errorf("breaker: record failure %s: %w", service, errors.Join(err, opErr))
	}
	opened := len(res) == 2 && res[1] == 1
	if opened {
		b.onChange(service, true)
	}
	return &apperrors.TransportCallError{
		Service: service,
		Code:    apperrors.ErrorCode(opErr),
		Cause:   opErr,
		Opened:  opened,
	}
}

// State returns the shared circuit record for service.
func (b *Breaker) State(ctx context.Context, service string) (*domain.CircuitState, error) {
	values, err := b.client.HGetAll(ctx, b.key(service)).Result()
	if err != nil {
		return nil, fmt.Errorf("breaker: state %s: %w", service, err)
	}
	state := &domain.CircuitState{Service: service, Open: values[fieldOpen] == "1"}
	state.FailureCount, _ = strconv.Atoi(values[fieldFailures])
	if ms, err := strconv.ParseInt(values[fieldLastFailure], 10, 64); err == nil && ms > 0 {
		at := time.UnixMilli(ms).UTC()
		state.LastFailureAt = &at
	}
	return state, nil
}

// Reset closes the circuit for service and clears its counters.
func (b *Breaker) Reset(ctx context.Context, service string) error {
	if err := b.client.Del(ctx, b.key(service)).Err(); err != nil {
		return fmt.Errorf("breaker: reset %s: %w", service, err)
	}
	b.onChange(service, false)
	return nil
}

// countsAsFailure decides whether err reflects provider health. Address
// validation and cancellation by the caller do not; timeouts do.
func countsAsFailure(ctx context.Context, err error) bool {
	if errors.Is(err, apperrors.ErrInvalidAddress) || errors.Is(err, apperrors.ErrValidation) {
		return false
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return false
	}
	return true
}

func (b *Breaker) key(service string) string {
	return b.prefix + ":" + service
}
