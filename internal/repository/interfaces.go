package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-messaging/internal/domain"
	apperrors "github.com/acme/outbound-messaging/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
)

// CampaignRepository manages campaign persistence.
type CampaignRepository interface {
	Create(ctx context.Context, campaign *domain.Campaign) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	Update(ctx context.Context, campaign *domain.Campaign) error
	GetStatus(ctx context.Context, id uuid.UUID) (domain.CampaignStatus, error)
	// TransitionStatus moves the campaign to `to` only when its current status
	// is one of from. It stamps started_at on the first move to sending and
	// completed_at on terminal statuses.
	TransitionStatus(ctx context.Context, id uuid.UUID, from []domain.CampaignStatus, to domain.CampaignStatus, at time.Time) (bool, error)
	// Reschedule sets status scheduled and scheduled_at when the current
	// status is one of from.
	Reschedule(ctx context.Context, id uuid.UUID, from []domain.CampaignStatus, at time.Time) (bool, error)
	SetLastError(ctx context.Context, id uuid.UUID, msg string) error
	List(ctx context.Context, ownerID string, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error)
	// ListDue returns scheduled campaigns whose scheduled_at is not after now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Campaign, error)
}

// RecipientRepository stores contacts and campaign membership.
type RecipientRepository interface {
	Create(ctx context.Context, recipient *domain.Recipient) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Recipient, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*domain.Recipient, error)
	// AttachToCampaign records recipients in the given order.
	AttachToCampaign(ctx context.Context, campaignID uuid.UUID, recipientIDs []uuid.UUID) error
	// ListForCampaign returns recipients in attach order.
	ListForCampaign(ctx context.Context, campaignID uuid.UUID) ([]*domain.Recipient, error)
	// SetOptOutByAddress flags every recipient reachable at address and
	// returns how many rows changed.
	SetOptOutByAddress(ctx context.Context, address string, optedOut bool) (int64, error)
}

// CampaignStatisticsRepository keeps aggregate counters.
type CampaignStatisticsRepository interface {
	Ensure(ctx context.Context, campaignID uuid.UUID, recipients int64) error
	Get(ctx context.Context, campaignID uuid.UUID) (*domain.CampaignStats, error)
	ApplyDelta(ctx context.Context, campaignID uuid.UUID, delta StatsDelta) error
	SetSkipped(ctx context.Context, campaignID uuid.UUID, skipped int64) error
	Reset(ctx context.Context, campaignID uuid.UUID, recipients int64) error
}

// AttemptStore persists message attempts.
type AttemptStore interface {
	Get(ctx context.Context, campaignID, recipientID uuid.UUID) (*domain.MessageAttempt, error)
	ListByCampaign(ctx context.Context, campaignID uuid.UUID) ([]domain.MessageAttempt, error)
	FindByExternalID(ctx context.Context, externalID string) (*domain.MessageAttempt, error)
	// Save upserts the attempt keyed by (campaign, recipient).
	Save(ctx context.Context, attempt *domain.MessageAttempt) error
	// Claim stores the attempt only when the (campaign, recipient) pair has
	// none yet and reports whether it did.
	Claim(ctx context.Context, attempt *domain.MessageAttempt) (bool, error)
	// SaveIf replaces the stored attempt only while its status is still from.
	SaveIf(ctx context.Context, attempt *domain.MessageAttempt, from domain.AttemptStatus) (bool, error)
	DeleteByCampaign(ctx context.Context, campaignID uuid.UUID) error
}

// StatsDelta captures atomic counter increments.
type StatsDelta struct {
	DeliveredDelta int64
	FailedDelta    int64
	SkippedDelta   int64
}

// IsZero reports whether applying the delta would change nothing.
func (d StatsDelta) IsZero() bool {
	return d.DeliveredDelta == 0 && d.FailedDelta == 0 && d.SkippedDelta == 0
}
