package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/outbound-messaging/internal/dispatch"
	"github.com/acme/outbound-messaging/internal/queue"
	apperrors "github.com/acme/outbound-messaging/pkg/errors"
)

type stubRunner struct {
	err   error
	calls []uuid.UUID
}

func (s *stubRunner) Run(_ context.Context, id uuid.UUID) (*dispatch.RunReport, error) {
	s.calls = append(s.calls, id)
	if s.err != nil {
		return nil, s.err
	}
	return &dispatch.RunReport{CampaignID: id, FinalStatus: "sent"}, nil
}

type recordedErrors map[uuid.UUID]string

func (r recordedErrors) SetLastError(_ context.Context, id uuid.UUID, msg string) error {
	r[id] = msg
	return nil
}

func delivery(t *testing.T, id uuid.UUID) queue.Delivery {
	t.Helper()
	body, err := json.Marshal(queue.DispatchMessage{CampaignID: id, Reason: dispatch.ReasonManual})
	require.NoError(t, err)
	return queue.Delivery{Key: []byte(id.String()), Value: body}
}

func TestHandleRunsCampaign(t *testing.T) {
	runner := &stubRunner{}
	errs := recordedErrors{}
	w := New(nil, runner, errs, nil)
	id := uuid.New()

	require.NoError(t, w.Handle(context.Background(), delivery(t, id)))
	assert.Equal(t, []uuid.UUID{id}, runner.calls)
	assert.Empty(t, errs)
}

func TestHandleDropsMalformedMessage(t *testing.T) {
	runner := &stubRunner{}
	w := New(nil, runner, recordedErrors{}, nil)

	require.NoError(t, w.Handle(context.Background(), queue.Delivery{Value: []byte("{not json")}))
	assert.Empty(t, runner.calls)
}

func TestHandleClassifiesRunErrors(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		redeliver bool
		recorded  bool
	}{
		{"conflict", fmt.Errorf("run: %w", apperrors.ErrConflict), false, false},
		{"invalid state", fmt.Errorf("run: %w", apperrors.ErrInvalidState), false, false},
		{"not found", fmt.Errorf("run: %w", apperrors.ErrNotFound), false, false},
		{"quota exceeded", fmt.Errorf("run: %w", apperrors.ErrQuotaExceeded), false, true},
		{"no quota", fmt.Errorf("run: %w", apperrors.ErrNoActiveQuota), false, true},
		{"no transport", fmt.Errorf("run: %w", apperrors.ErrUnavailable), false, true},
		{"transient", errors.New("postgres: connection reset"), true, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			errs := recordedErrors{}
			w := New(nil, &stubRunner{err: tc.err}, errs, nil)
			id := uuid.New()

			err := w.Handle(context.Background(), delivery(t, id))
			if tc.redeliver {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			_, ok := errs[id]
			assert.Equal(t, tc.recorded, ok)
		})
	}
}

func TestHandleRedeliversWhenInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	errs := recordedErrors{}
	w := New(nil, &stubRunner{err: errors.New("dispatch: run interrupted")}, errs, nil)
	id := uuid.New()

	assert.Error(t, w.Handle(ctx, delivery(t, id)))
	assert.Empty(t, errs)
}
