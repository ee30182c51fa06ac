package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-messaging/internal/domain"
	"github.com/acme/outbound-messaging/internal/metrics"
	"github.com/acme/outbound-messaging/internal/repository"
	"github.com/acme/outbound-messaging/internal/transport"
	apperrors "github.com/acme/outbound-messaging/pkg/errors"
)

// maxStatusRaces bounds how often a report re-reads an attempt that another
// report moved first.
const maxStatusRaces = 3

// ApplyDeliveryStatus moves the attempt matching the provider reference
// forward. Backward moves and reports for unknown references are dropped
// without error. A recent report whose send is not recorded yet fails with
// ErrUnavailable so the queue or the provider delivers it again.
func (d *Dispatcher) ApplyDeliveryStatus(ctx context.Context, update transport.StatusUpdate) error {
	ctx, span := tracer.Start(ctx, "dispatch.delivery_status", trace.WithAttributes(
		attribute.String("external_id", update.ExternalID),
		attribute.String("status", string(update.Status)),
	))
	defer span.End()
	log := d.Logger.WithContext(ctx).With(zap.String("external_id", update.ExternalID), zap.String("status", string(update.Status)))

	if update.ExternalID == "" || update.Status == "" || update.Status == domain.AttemptStatusReceived {
		metrics.DeliveryReport(string(update.Status), "ignored")
		return nil
	}

	attempt, err := d.Attempts.FindByExternalID(ctx, update.ExternalID)
	if errors.Is(err, apperrors.ErrNotFound) {
		if !update.OccurredAt.IsZero() && d.now().Sub(update.OccurredAt) < d.staleClaim() {
			metrics.DeliveryReport(string(update.Status), "early")
			return fmt.Errorf("dispatch: delivery status for %s arrived before its send was recorded: %w",
				update.ExternalID, apperrors.ErrUnavailable)
		}
		log.Warn("dispatch: delivery report for unknown message")
		metrics.DeliveryReport(string(update.Status), "unmatched")
		return nil
	}
	if err != nil {
		return fmt.Errorf("dispatch: delivery status: %w", err)
	}

	for i := 0; i < maxStatusRaces; i++ {
		if !attempt.CanTransition(update.Status) {
			log.Debug("dispatch: stale delivery report", zap.String("current", string(attempt.Status)))
			metrics.DeliveryReport(string(update.Status), "ignored")
			return nil
		}

		prev := attempt.Status
		next := advance(*attempt, update, d.now())
		ok, err := d.Attempts.SaveIf(ctx, &next, prev)
		if err != nil {
			return fmt.Errorf("dispatch: delivery status: save attempt: %w", err)
		}
		if ok {
			// the run counted an accepted send as delivered; a late failure moves it
			if prev == domain.AttemptStatusSent && update.Status == domain.AttemptStatusFailed {
				delta := repository.StatsDelta{DeliveredDelta: -1, FailedDelta: 1}
				if err := d.Stats.ApplyDelta(ctx, next.CampaignID, delta); err != nil {
					return fmt.Errorf("dispatch: delivery status: apply delta: %w", err)
				}
				if err := d.refreshFinalStatus(ctx, next.CampaignID); err != nil {
					return fmt.Errorf("dispatch: delivery status: %w", err)
				}
			}
			metrics.DeliveryReport(string(update.Status), "applied")
			return nil
		}

		attempt, err = d.Attempts.Get(ctx, attempt.CampaignID, attempt.RecipientID)
		if err != nil {
			return fmt.Errorf("dispatch: delivery status: reload attempt: %w", err)
		}
	}
	return fmt.Errorf("dispatch: delivery status for %s kept racing: %w", update.ExternalID, apperrors.ErrConflict)
}

func advance(a domain.MessageAttempt, update transport.StatusUpdate, now time.Time) domain.MessageAttempt {
	at := update.OccurredAt
	if at.IsZero() {
		at = now
	}
	a.Status = update.Status
	switch update.Status {
	case domain.AttemptStatusSent:
		if a.SentAt == nil {
			a.SentAt = &at
		}
	case domain.AttemptStatusDelivered:
		a.DeliveredAt = &at
	case domain.AttemptStatusFailed:
		a.FailedAt = &at
		a.ErrorCode = update.ErrorCode
		a.ErrorDetail = update.ErrorDetail
	}
	return a
}

// refreshFinalStatus recomputes the aggregate status of a finished campaign
// after its counters moved. Campaigns still sending are settled by their run.
func (d *Dispatcher) refreshFinalStatus(ctx context.Context, id uuid.UUID) error {
	status, err := d.Campaigns.GetStatus(ctx, id)
	if err != nil {
		return fmt.Errorf("load status: %w", err)
	}
	switch status {
	case domain.CampaignStatusSent, domain.CampaignStatusPartiallySent, domain.CampaignStatusFailed:
	default:
		return nil
	}
	stats, err := d.Stats.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load stats: %w", err)
	}
	final := FinalStatus(stats)
	if final == status {
		return nil
	}
	if _, err := d.Campaigns.TransitionStatus(ctx, id, []domain.CampaignStatus{status}, final, d.now()); err != nil {
		return fmt.Errorf("update final status: %w", err)
	}
	d.Logger.WithContext(ctx).Info("dispatch: final status revised by late failure",
		zap.String("campaign_id", id.String()),
		zap.String("from", string(status)),
		zap.String("to", string(final)))
	return nil
}
