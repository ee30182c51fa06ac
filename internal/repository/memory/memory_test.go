package memory

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/outbound-messaging/internal/domain"
)

func TestAttemptClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	attempts := New().Attempts()
	campaignID, recipientID := uuid.New(), uuid.New()
	a := &domain.MessageAttempt{CampaignID: campaignID, RecipientID: recipientID, Status: domain.AttemptStatusPending}

	ok, err := attempts.Claim(ctx, a)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = attempts.Claim(ctx, a)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAttemptSaveIfChecksStoredStatus(t *testing.T) {
	ctx := context.Background()
	attempts := New().Attempts()
	campaignID, recipientID := uuid.New(), uuid.New()
	a := &domain.MessageAttempt{CampaignID: campaignID, RecipientID: recipientID, Status: domain.AttemptStatusPending}

	ok, err := attempts.SaveIf(ctx, a, domain.AttemptStatusPending)
	require.NoError(t, err)
	assert.False(t, ok, "nothing stored yet")

	_, err = attempts.Claim(ctx, a)
	require.NoError(t, err)

	sent := *a
	sent.Status = domain.AttemptStatusSent
	ok, err = attempts.SaveIf(ctx, &sent, domain.AttemptStatusPending)
	require.NoError(t, err)
	assert.True(t, ok)

	failed := *a
	failed.Status = domain.AttemptStatusFailed
	ok, err = attempts.SaveIf(ctx, &failed, domain.AttemptStatusPending)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := attempts.Get(ctx, campaignID, recipientID)
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptStatusSent, got.Status)
}
