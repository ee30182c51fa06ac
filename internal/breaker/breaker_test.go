package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/acme/outbound-messaging/pkg/errors"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(t *testing.T, clock *fakeClock, changes *[]bool) *Breaker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, Options{
		Threshold: 3,
		Cooldown:  time.Minute,
		KeyPrefix: "test:circuit",
		Now:       clock.Now,
		OnStateChange: func(_ string, open bool) {
			if changes != nil {
				*changes = append(*changes, open)
			}
		},
	})
}

var errBoom = errors.New("provider 503")

func failing(calls *int) func(context.Context) error {
	return func(context.Context) error {
		*calls++
		return errBoom
	}
}

func TestOpensAfterThresholdAndSkipsOperation(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)}
	var changes []bool
	b := newTestBreaker(t, clock, &changes)

	calls := 0
	for i := 1; i <= 3; i++ {
		err := b.Call(ctx, "sms-provider", failing(&calls))
		var tce *apperrors.TransportCallError
		require.ErrorAs(t, err, &tce)
		assert.ErrorIs(t, err, errBoom)
		assert.Equal(t, i == 3, tce.Opened)
	}

	err := b.Call(ctx, "sms-provider", failing(&calls))
	assert.ErrorIs(t, err, apperrors.ErrCircuitOpen)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []bool{true}, changes)

	state, err := b.State(ctx, "sms-provider")
	require.NoError(t, err)
	assert.True(t, state.Open)
	assert.Equal(t, 3, state.FailureCount)
	require.NotNil(t, state.LastFailureAt)
}

func TestCooldownReadmitsCall(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)}
	b := newTestBreaker(t, clock, nil)

	calls := 0
	for i := 0; i < 3; i++ {
		_ = b.Call(ctx, "sms-provider", failing(&calls))
	}

	clock.Advance(59 * time.Second)
	assert.ErrorIs(t, b.Call(ctx, "sms-provider", failing(&calls)), apperrors.ErrCircuitOpen)

	clock.Advance(time.Second)
	ok := 0
	require.NoError(t, b.Call(ctx, "sms-provider", func(context.Context) error { ok++; return nil }))
	assert.Equal(t, 1, ok)

	state, err := b.State(ctx, "sms-provider")
	require.NoError(t, err)
	assert.False(t, state.Open)
	assert.Equal(t, 0, state.FailureCount)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Now()}
	b := newTestBreaker(t, clock, nil)

	calls := 0
	_ = b.Call(ctx, "email-provider", failing(&calls))
	_ = b.Call(ctx, "email-provider", failing(&calls))
	require.NoError(t, b.Call(ctx, "email-provider", func(context.Context) error { return nil }))
	_ = b.Call(ctx, "email-provider", failing(&calls))

	state, err := b.State(ctx, "email-provider")
	require.NoError(t, err)
	assert.Equal(t, 1, state.FailureCount)
	assert.False(t, state.Open)
}

func TestInvalidAddressDoesNotCount(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(t, &fakeClock{t: time.Now()}, nil)

	for i := 0; i < 5; i++ {
		err := b.Call(ctx, "sms-provider", func(context.Context) error {
			return apperrors.Wrap(apperrors.ErrInvalidAddress, "sms: normalize")
		})
		assert.ErrorIs(t, err, apperrors.ErrInvalidAddress)
		assert.False(t, apperrors.Is(err, apperrors.ErrTransportCall))
	}

	state, err := b.State(ctx, "sms-provider")
	require.NoError(t, err)
	assert.Equal(t, 0, state.FailureCount)
}

func TestTimeoutCountsButCallerCancelDoesNot(t *testing.T) {
	b := newTestBreaker(t, &fakeClock{t: time.Now()}, nil)

	err := b.Call(context.Background(), "sms-provider", func(context.Context) error {
		return context.DeadlineExceeded
	})
	assert.ErrorIs(t, err, apperrors.ErrTransportCall)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = b.Call(ctx, "sms-provider", func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, apperrors.Is(err, apperrors.ErrTransportCall))

	state, err := b.State(context.Background(), "sms-provider")
	require.NoError(t, err)
	assert.Equal(t, 1, state.FailureCount)
}

func TestServicesAreIsolatedAndResettable(t *testing.T) {
	ctx := context.Background()
	b := newTestBreaker(t, &fakeClock{t: time.Now()}, nil)

	calls := 0
	for i := 0; i < 3; i++ {
		_ = b.Call(ctx, "sms-provider", failing(&calls))
	}
	require.NoError(t, b.Call(ctx, "whatsapp-provider", func(context.Context) error { return nil }))

	require.NoError(t, b.Reset(ctx, "sms-provider"))
	require.NoError(t, b.Call(ctx, "sms-provider", func(context.Context) error { return nil }))
}
