package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-messaging/internal/domain"
	"github.com/acme/outbound-messaging/internal/queue"
	apperrors "github.com/acme/outbound-messaging/pkg/errors"
)

// Enqueue reasons carried on dispatch messages.
const (
	ReasonScheduled   = "scheduled"
	ReasonManual      = "manual"
	ReasonRetryFailed = "retry_failed"
	ReasonRetryAll    = "retry_all"
	ReasonResume      = "resume"
)

// Stats is the campaign counters plus a breakdown of attempts by status.
type Stats struct {
	domain.CampaignStats
	ByStatus map[domain.AttemptStatus]int64
}

func retryable(s domain.CampaignStatus) bool {
	return s == domain.CampaignStatusPartiallySent || s == domain.CampaignStatusFailed
}

// RetryFailed creates a new scheduled campaign holding the recipients whose
// attempt failed, in their original order. The original campaign is untouched.
func (d *Dispatcher) RetryFailed(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	ctx, span := tracer.Start(ctx, "dispatch.retry_failed", trace.WithAttributes(attribute.String("campaign.id", id.String())))
	defer span.End()

	orig, err := d.Campaigns.Get(ctx, id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("dispatch: retry failed: %w", err)
	}
	if !retryable(orig.Status) {
		return uuid.Nil, fmt.Errorf("dispatch: retry failed: campaign %s is %s: %w", id, orig.Status, apperrors.ErrInvalidState)
	}

	attempts, err := d.Attempts.ListByCampaign(ctx, id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("dispatch: retry failed: list attempts: %w", err)
	}
	failedSet := make(map[uuid.UUID]bool)
	for _, a := range attempts {
		if a.Status == domain.AttemptStatusFailed {
			failedSet[a.RecipientID] = true
		}
	}
	if len(failedSet) == 0 {
		return uuid.Nil, fmt.Errorf("dispatch: retry failed: campaign %s has no failed recipients: %w", id, apperrors.ErrValidation)
	}

	recipients, err := d.Recipients.ListForCampaign(ctx, id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("dispatch: retry failed: list recipients: %w", err)
	}
	ids := make([]uuid.UUID, 0, len(failedSet))
	for _, r := range recipients {
		if failedSet[r.ID] {
			ids = append(ids, r.ID)
		}
	}

	now := d.now()
	parent := orig.ID
	retry := &domain.Campaign{
		ID:              uuid.New(),
		OwnerID:         orig.OwnerID,
		Name:            orig.Name + " (retry)",
		Channel:         orig.Channel,
		Template:        orig.Template,
		Subject:         orig.Subject,
		SenderName:      orig.SenderName,
		BusinessName:    orig.BusinessName,
		Status:          domain.CampaignStatusScheduled,
		Audience:        domain.Audience{Kind: domain.AudienceCustom, RecipientIDs: ids},
		RecipientsCount: int64(len(ids)),
		ScheduledAt:     &now,
		ParentID:        &parent,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := d.Campaigns.Create(ctx, retry); err != nil {
		return uuid.Nil, fmt.Errorf("dispatch: retry failed: create campaign: %w", err)
	}
	if err := d.Recipients.AttachToCampaign(ctx, retry.ID, ids); err != nil {
		return uuid.Nil, fmt.Errorf("dispatch: retry failed: attach recipients: %w", err)
	}
	if err := d.Stats.Ensure(ctx, retry.ID, retry.RecipientsCount); err != nil {
		return uuid.Nil, fmt.Errorf("dispatch: retry failed: init stats: %w", err)
	}

	d.enqueue(ctx, retry, ReasonRetryFailed)
	d.Logger.WithContext(ctx).Info("dispatch: retry campaign created",
		zap.String("campaign_id", id.String()),
		zap.String("retry_campaign_id", retry.ID.String()),
		zap.Int("recipients", len(ids)))
	return retry.ID, nil
}

// RetryAll discards every attempt of the campaign, zeroes its counters and
// schedules it again.
func (d *Dispatcher) RetryAll(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracer.Start(ctx, "dispatch.retry_all", trace.WithAttributes(attribute.String("campaign.id", id.String())))
	defer span.End()

	lock, err := d.Locker.Acquire(ctx, "run:"+id.String())
	if err != nil {
		return fmt.Errorf("dispatch: retry all: %w", err)
	}
	if lock == nil {
		return fmt.Errorf("dispatch: retry all: campaign %s is running: %w", id, apperrors.ErrConflict)
	}
	defer func() { _ = d.Locker.Release(context.WithoutCancel(ctx), lock) }()

	c, err := d.Campaigns.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("dispatch: retry all: %w", err)
	}
	if !retryable(c.Status) {
		return fmt.Errorf("dispatch: retry all: campaign %s is %s: %w", id, c.Status, apperrors.ErrInvalidState)
	}

	recipients, err := d.Recipients.ListForCampaign(ctx, id)
	if err != nil {
		return fmt.Errorf("dispatch: retry all: list recipients: %w", err)
	}
	if err := d.Attempts.DeleteByCampaign(ctx, id); err != nil {
		return fmt.Errorf("dispatch: retry all: discard attempts: %w", err)
	}
	if err := d.Stats.Reset(ctx, id, int64(len(recipients))); err != nil {
		return fmt.Errorf("dispatch: retry all: reset stats: %w", err)
	}
	now := d.now()
	ok, err := d.Campaigns.Reschedule(ctx, id, []domain.CampaignStatus{domain.CampaignStatusPartiallySent, domain.CampaignStatusFailed}, now)
	if err != nil {
		return fmt.Errorf("dispatch: retry all: reschedule: %w", err)
	}
	if !ok {
		return fmt.Errorf("dispatch: retry all: campaign %s changed: %w", id, apperrors.ErrInvalidState)
	}
	c.Status = domain.CampaignStatusScheduled
	c.ScheduledAt = &now

	d.enqueue(ctx, c, ReasonRetryAll)
	return nil
}

// GetStats returns the counters of a campaign and its attempts by status.
func (d *Dispatcher) GetStats(ctx context.Context, id uuid.UUID) (*Stats, error) {
	counters, err := d.Stats.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("dispatch: stats: %w", err)
	}
	attempts, err := d.Attempts.ListByCampaign(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("dispatch: stats: list attempts: %w", err)
	}
	out := &Stats{CampaignStats: *counters, ByStatus: make(map[domain.AttemptStatus]int64)}
	for _, a := range attempts {
		out.ByStatus[a.Status]++
	}
	return out, nil
}

// Enqueue hands the campaign to the dispatch queue. Failures are logged only:
// the scheduler picks up due scheduled campaigns anyway.
func (d *Dispatcher) Enqueue(ctx context.Context, c *domain.Campaign, reason string) {
	d.enqueue(ctx, c, reason)
}

func (d *Dispatcher) enqueue(ctx context.Context, c *domain.Campaign, reason string) {
	if d.Enqueuer == nil {
		return
	}
	msg := queue.DispatchMessage{
		CampaignID: c.ID,
		OwnerID:    c.OwnerID,
		Reason:     reason,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := d.Enqueuer.EnqueueCampaign(ctx, msg); err != nil {
		d.Logger.WithContext(ctx).Warn("dispatch: enqueue campaign",
			zap.String("campaign_id", c.ID.String()),
			zap.String("reason", reason),
			zap.Error(err))
	}
}
