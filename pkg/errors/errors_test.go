package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransportCallErrorMatching(t *testing.T) {
	cause := &ProviderError{StatusCode: 503, Code: "30001", Message: "queue overflow"}
	err := fmt.Errorf("send: %w", &TransportCallError{Service: "sms-provider", Code: "30001", Cause: cause})

	assert.True(t, Is(err, ErrTransportCall))
	assert.False(t, Is(err, ErrCircuitOpen))
	assert.Equal(t, "30001", ErrorCode(err))

	var pe *ProviderError
	assert.True(t, As(err, &pe))
	assert.Equal(t, 503, pe.StatusCode)
}

func TestTransportCallErrorUnwrapsDeadline(t *testing.T) {
	err := &TransportCallError{Service: "email-provider", Cause: context.DeadlineExceeded}
	assert.True(t, Is(err, context.DeadlineExceeded))
	assert.Equal(t, "", ErrorCode(err))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "ignored"))
	assert.ErrorIs(t, Wrap(ErrNotFound, "campaign"), ErrNotFound)
}
