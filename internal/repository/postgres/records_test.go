package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/outbound-messaging/internal/domain"
	"github.com/acme/outbound-messaging/internal/repository"
)

func TestCampaignRecordRoundTrip(t *testing.T) {
	parent := uuid.New()
	at := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	in := &domain.Campaign{
		ID:          uuid.New(),
		OwnerID:     "shop-1",
		Name:        "Summer",
		Channel:     domain.ChannelWhatsApp,
		Template:    "Hi {firstName}",
		Status:      domain.CampaignStatusScheduled,
		Audience:    domain.Audience{Kind: domain.AudienceTag, Tag: "vip"},
		ScheduledAt: &at,
		ParentID:    &parent,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
	params, err := campaignParams(in)
	require.NoError(t, err)

	rec := campaignRecord{
		ID:              in.ID,
		OwnerID:         in.OwnerID,
		Name:            in.Name,
		Channel:         string(in.Channel),
		Template:        in.Template,
		Status:          string(in.Status),
		Audience:        params["audience"].([]byte),
		ScheduledAt:     sql.NullTime{Time: at, Valid: true},
		ParentID:        uuid.NullUUID{UUID: parent, Valid: true},
		CreatedAt:       at,
		UpdatedAt:       at,
		RecipientsCount: 10,
		DeliveredCount:  7,
	}
	out, err := rec.toDomain()
	require.NoError(t, err)
	assert.Equal(t, in.Audience, out.Audience)
	assert.Equal(t, &parent, out.ParentID)
	assert.Equal(t, &at, out.ScheduledAt)
	assert.Nil(t, out.StartedAt)
	assert.EqualValues(t, 7, out.DeliveredCount)
}

func TestCampaignRecordBadAudience(t *testing.T) {
	_, err := campaignRecord{Audience: []byte("{")}.toDomain()
	assert.Error(t, err)
}

func TestRecipientRecordDecodesJSONColumns(t *testing.T) {
	tags, _ := json.Marshal([]string{"vip", "newsletter"})
	fields, _ := json.Marshal(map[string]string{"city": "Lyon"})
	rec := recipientRecord{ID: uuid.New(), Name: "Alice Martin", Tags: tags, Fields: fields, OptedOut: true}

	out, err := rec.toDomain()
	require.NoError(t, err)
	assert.Equal(t, []string{"vip", "newsletter"}, out.Tags)
	assert.Equal(t, "Lyon", out.Fields["city"])
	assert.True(t, out.OptedOut)
	assert.Nil(t, out.Birthday)

	assert.Equal(t, []string{}, nonNilTags(nil))
	assert.Equal(t, map[string]string{}, nonNilFields(nil))
}

func TestTranslate(t *testing.T) {
	assert.ErrorIs(t, translate(sql.ErrNoRows), repository.ErrNotFound)
	assert.ErrorIs(t, translate(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "23505", ConstraintName: "campaigns_pkey"})), repository.ErrConflict)
	assert.ErrorIs(t, translate(&pgconn.PgError{Code: "23503"}), repository.ErrNotFound)

	other := &pgconn.PgError{Code: "40001"}
	assert.Equal(t, error(other), translate(other))
}

func TestStatusStrings(t *testing.T) {
	got := statusStrings([]domain.CampaignStatus{domain.CampaignStatusDraft, domain.CampaignStatusPaused})
	assert.Equal(t, []string{"draft", "paused"}, got)
}
