package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-messaging/internal/domain"
	"github.com/acme/outbound-messaging/internal/repository"
)

// CampaignStatisticsRepository implements repository.CampaignStatisticsRepository.
// The table's check constraint keeps delivered + failed within recipients.
type CampaignStatisticsRepository struct {
	db *sqlx.DB
}

// NewCampaignStatisticsRepository builds the repository.
func NewCampaignStatisticsRepository(db *sqlx.DB) *CampaignStatisticsRepository {
	return &CampaignStatisticsRepository{db: db}
}

// Ensure ensures a row exists for the campaign.
func (r *CampaignStatisticsRepository) Ensure(ctx context.Context, campaignID uuid.UUID, recipients int64) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO campaign_statistics (campaign_id, recipients_count)
		VALUES ($1, $2) ON CONFLICT (campaign_id) DO NOTHING`, campaignID, recipients)
	if err != nil {
		return fmt.Errorf("campaign stats: ensure: %w", translate(err))
	}
	return nil
}

// Get retrieves statistics.
func (r *CampaignStatisticsRepository) Get(ctx context.Context, campaignID uuid.UUID) (*domain.CampaignStats, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT recipients_count, delivered_count, failed_count, skipped_count
		FROM campaign_statistics WHERE campaign_id = $1`, campaignID)

	var rec statsRecord
	if err := row.StructScan(&rec); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("campaign stats %s: %w", campaignID, repository.ErrNotFound)
		}
		return nil, fmt.Errorf("campaign stats: get: %w", err)
	}
	return &domain.CampaignStats{
		RecipientsCount: rec.Recipients,
		DeliveredCount:  rec.Delivered,
		FailedCount:     rec.Failed,
		SkippedCount:    rec.Skipped,
	}, nil
}

// ApplyDelta applies counter deltas atomically.
func (r *CampaignStatisticsRepository) ApplyDelta(ctx context.Context, campaignID uuid.UUID, delta repository.StatsDelta) error {
	if delta.IsZero() {
		return nil
	}
	res, err := r.db.ExecContext(ctx, `UPDATE campaign_statistics SET
		delivered_count = GREATEST(delivered_count + $2, 0),
		failed_count = GREATEST(failed_count + $3, 0),
		skipped_count = GREATEST(skipped_count + $4, 0),
		updated_at = NOW()
	WHERE campaign_id = $1`,
		campaignID, delta.DeliveredDelta, delta.FailedDelta, delta.SkippedDelta)
	if err != nil {
		return fmt.Errorf("campaign stats: apply delta: %w", err)
	}
	return expectRow(res, "campaign stats: apply delta")
}

// SetSkipped overwrites the skipped counter.
func (r *CampaignStatisticsRepository) SetSkipped(ctx context.Context, campaignID uuid.UUID, skipped int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE campaign_statistics SET skipped_count = GREATEST($2, 0), updated_at = NOW()
		WHERE campaign_id = $1`, campaignID, skipped)
	if err != nil {
		return fmt.Errorf("campaign stats: set skipped: %w", err)
	}
	return expectRow(res, "campaign stats: set skipped")
}

// Reset zeroes every outcome counter.
func (r *CampaignStatisticsRepository) Reset(ctx context.Context, campaignID uuid.UUID, recipients int64) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO campaign_statistics (campaign_id, recipients_count)
		VALUES ($1, $2)
		ON CONFLICT (campaign_id) DO UPDATE SET
			recipients_count = EXCLUDED.recipients_count,
			delivered_count = 0,
			failed_count = 0,
			skipped_count = 0,
			updated_at = NOW()`, campaignID, recipients)
	if err != nil {
		return fmt.Errorf("campaign stats: reset: %w", err)
	}
	return nil
}

type statsRecord struct {
	Recipients int64 `db:"recipients_count"`
	Delivered  int64 `db:"delivered_count"`
	Failed     int64 `db:"failed_count"`
	Skipped    int64 `db:"skipped_count"`
}
