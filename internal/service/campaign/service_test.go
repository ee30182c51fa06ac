package campaign

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/outbound-messaging/internal/domain"
	"github.com/acme/outbound-messaging/internal/repository/memory"
	apperrors "github.com/acme/outbound-messaging/pkg/errors"
)

type enqueued struct {
	id     uuid.UUID
	reason string
}

type fakeEnqueuer struct{ calls []enqueued }

func (f *fakeEnqueuer) Enqueue(_ context.Context, c *domain.Campaign, reason string) {
	f.calls = append(f.calls, enqueued{id: c.ID, reason: reason})
}

var base = time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*Service, *memory.Store, *fakeEnqueuer) {
	t.Helper()
	store := memory.New()
	enq := &fakeEnqueuer{}
	tick := 0
	svc := NewService(store.Campaigns(), store.Recipients(), store.Statistics(), store.Attempts(), enq, "33").
		WithClock(func() time.Time {
			tick++
			return base.Add(time.Duration(tick) * time.Millisecond)
		})
	return svc, store, enq
}

func addContact(t *testing.T, svc *Service, name, phone, gender string) *domain.Recipient {
	t.Helper()
	r, err := svc.AddRecipient(context.Background(), RecipientInput{OwnerID: "shop-1", Name: name, Phone: phone, Gender: gender})
	require.NoError(t, err)
	return r
}

func validInput() CreateCampaignInput {
	return CreateCampaignInput{
		OwnerID:  "shop-1",
		Name:     "Summer sale",
		Channel:  domain.ChannelSMS,
		Template: "Hello {firstName}",
		Audience: domain.Audience{Kind: domain.AudienceAll},
	}
}

func TestValidateCreateInputFailures(t *testing.T) {
	cases := map[string]func(*CreateCampaignInput){
		"missing owner":    func(in *CreateCampaignInput) { in.OwnerID = "" },
		"missing name":     func(in *CreateCampaignInput) { in.Name = " " },
		"bad channel":      func(in *CreateCampaignInput) { in.Channel = "fax" },
		"missing template": func(in *CreateCampaignInput) { in.Template = "" },
		"email no subject": func(in *CreateCampaignInput) { in.Channel = domain.ChannelEmail },
		"bad audience":     func(in *CreateCampaignInput) { in.Audience = domain.Audience{Kind: domain.AudienceTag} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := validInput()
			mutate(&in)
			assert.ErrorIs(t, validateCreateInput(in), apperrors.ErrValidation)
		})
	}
	assert.NoError(t, validateCreateInput(validInput()))
}

func TestCreateSelectsAudienceInOrder(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	alice := addContact(t, svc, "Alice Martin", "06 12 34 56 78", "female")
	addContact(t, svc, "Bob Durand", "0611111111", "male")
	carla := addContact(t, svc, "Carla Petit", "+33622222222", "F")

	in := validInput()
	in.Audience = domain.Audience{Kind: domain.AudienceGender, Gender: "female"}
	c, err := svc.Create(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatusDraft, c.Status)
	assert.EqualValues(t, 2, c.RecipientsCount)

	members, err := store.Recipients().ListForCampaign(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, alice.ID, members[0].ID)
	assert.Equal(t, carla.ID, members[1].ID)
	assert.Equal(t, "+33612345678", members[0].Phone)

	stats, err := store.Statistics().Get(ctx, c.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.RecipientsCount)
}

func TestCreateRejectsEmptyAudience(t *testing.T) {
	svc, _, _ := newService(t)
	addContact(t, svc, "Bob Durand", "0611111111", "male")

	in := validInput()
	in.Audience = domain.Audience{Kind: domain.AudienceCategory, Category: "vip"}
	_, err := svc.Create(context.Background(), in)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestCreateWithPastScheduleEnqueues(t *testing.T) {
	svc, _, enq := newService(t)
	addContact(t, svc, "Alice Martin", "0612345678", "female")

	in := validInput()
	at := base.Add(-time.Hour)
	in.ScheduledAt = &at
	c, err := svc.Create(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatusScheduled, c.Status)
	require.Len(t, enq.calls, 1)
	assert.Equal(t, c.ID, enq.calls[0].id)
}

func TestLifecycleTransitions(t *testing.T) {
	svc, store, enq := newService(t)
	ctx := context.Background()
	addContact(t, svc, "Alice Martin", "0612345678", "female")
	c, err := svc.Create(ctx, validInput())
	require.NoError(t, err)

	future := base.Add(48 * time.Hour)
	scheduled, err := svc.Schedule(ctx, c.ID, &future)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatusScheduled, scheduled.Status)
	assert.Empty(t, enq.calls, "future schedule waits for the scheduler")

	_, err = svc.Schedule(ctx, c.ID, nil)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)

	require.NoError(t, svc.Pause(ctx, c.ID))
	assert.ErrorIs(t, svc.Pause(ctx, c.ID), apperrors.ErrInvalidState)

	resumed, err := svc.Resume(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatusScheduled, resumed.Status)
	require.Len(t, enq.calls, 1)
	assert.Equal(t, "resume", enq.calls[0].reason)

	require.NoError(t, svc.Cancel(ctx, c.ID))
	status, err := store.Campaigns().GetStatus(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatusCancelled, status)
	assert.ErrorIs(t, svc.Cancel(ctx, c.ID), apperrors.ErrInvalidState)
	_, err = svc.RunNow(ctx, c.ID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)
}

func TestLifecycleUnknownCampaign(t *testing.T) {
	svc, _, _ := newService(t)
	assert.ErrorIs(t, svc.Pause(context.Background(), uuid.New()), apperrors.ErrNotFound)
}

func TestFailuresMostCommonError(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	campaignID := uuid.New()
	require.NoError(t, store.Campaigns().Create(ctx, &domain.Campaign{ID: campaignID, OwnerID: "shop-1", Status: domain.CampaignStatusPartiallySent}))

	codes := []string{"30003", "30005", "30003", "", ""}
	for i, code := range codes {
		rid := uuid.New()
		require.NoError(t, store.Attempts().Save(ctx, &domain.MessageAttempt{
			ID:          domain.AttemptID(campaignID, rid),
			CampaignID:  campaignID,
			RecipientID: rid,
			Address:     "+3361234567" + string(rune('0'+i)),
			Status:      domain.AttemptStatusFailed,
			ErrorCode:   code,
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		}))
	}
	rid := uuid.New()
	require.NoError(t, store.Attempts().Save(ctx, &domain.MessageAttempt{
		ID: domain.AttemptID(campaignID, rid), CampaignID: campaignID, RecipientID: rid,
		Status: domain.AttemptStatusDelivered, CreatedAt: base,
	}))

	report, err := svc.Failures(ctx, campaignID)
	require.NoError(t, err)
	assert.Len(t, report.Failures, 5)
	assert.Equal(t, map[string]int{"30003": 2, "30005": 1, "unknown": 2}, report.ByError)
	assert.Equal(t, "30003", report.MostCommonError)
}

func TestAddRecipientValidation(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.AddRecipient(ctx, RecipientInput{OwnerID: "shop-1", Name: "Nobody"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = svc.AddRecipient(ctx, RecipientInput{OwnerID: "shop-1", Phone: "12"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	r, err := svc.AddRecipient(ctx, RecipientInput{OwnerID: "shop-1", Email: "Ana@Example.COM"})
	require.NoError(t, err)
	assert.Equal(t, "Ana@example.com", r.Email)
	assert.True(t, r.IsActive)
}
