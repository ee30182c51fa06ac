package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-messaging/internal/domain"
	"github.com/acme/outbound-messaging/internal/repository"
)

const campaignColumns = `c.id, c.owner_id, c.name, c.channel, c.template, c.subject, c.sender_name,
	c.business_name, c.status, c.audience, c.scheduled_at, c.started_at, c.completed_at,
	c.parent_id, c.last_error, c.created_at, c.updated_at,
	COALESCE(s.recipients_count, 0) AS recipients_count,
	COALESCE(s.delivered_count, 0) AS delivered_count,
	COALESCE(s.failed_count, 0) AS failed_count,
	COALESCE(s.skipped_count, 0) AS skipped_count`

const campaignFrom = ` FROM campaigns c LEFT JOIN campaign_statistics s ON s.campaign_id = c.id`

// CampaignRepository implements repository.CampaignRepository using PostgreSQL.
type CampaignRepository struct {
	db *sqlx.DB
}

// NewCampaignRepository constructs a new repository.
func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create inserts a new campaign.
func (r *CampaignRepository) Create(ctx context.Context, campaign *domain.Campaign) error {
	q := `INSERT INTO campaigns (
		id, owner_id, name, channel, template, subject, sender_name, business_name, status,
		audience, scheduled_at, started_at, completed_at, parent_id, last_error, created_at, updated_at
	) VALUES (
		:id, :owner_id, :name, :channel, :template, :subject, :sender_name, :business_name, :status,
		:audience, :scheduled_at, :started_at, :completed_at, :parent_id, :last_error, :created_at, :updated_at
	)`

	params, err := campaignParams(campaign)
	if err != nil {
		return err
	}
	if _, err := r.db.NamedExecContext(ctx, q, params); err != nil {
		return fmt.Errorf("campaign repo: insert: %w", translate(err))
	}
	return nil
}

// Get fetches a campaign by id together with its counters.
func (r *CampaignRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT `+campaignColumns+campaignFrom+` WHERE c.id = $1`, id)
	var record campaignRecord
	if err := row.StructScan(&record); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("campaign %s: %w", id, repository.ErrNotFound)
		}
		return nil, fmt.Errorf("campaign repo: get: %w", err)
	}
	return record.toDomain()
}

// Update writes the editable campaign fields.
func (r *CampaignRepository) Update(ctx context.Context, campaign *domain.Campaign) error {
	q := `UPDATE campaigns SET
		name = :name,
		template = :template,
		subject = :subject,
		sender_name = :sender_name,
		business_name = :business_name,
		status = :status,
		audience = :audience,
		scheduled_at = :scheduled_at,
		started_at = :started_at,
		completed_at = :completed_at,
		last_error = :last_error,
		updated_at = NOW()
	 WHERE id = :id`

	params, err := campaignParams(campaign)
	if err != nil {
		return err
	}
	res, err := r.db.NamedExecContext(ctx, q, params)
	if err != nil {
		return fmt.Errorf("campaign repo: update: %w", err)
	}
	return expectRow(res, "campaign repo: update")
}

// GetStatus reads only the status column.
func (r *CampaignRepository) GetStatus(ctx context.Context, id uuid.UUID) (domain.CampaignStatus, error) {
	var status string
	if err := r.db.GetContext(ctx, &status, `SELECT status FROM campaigns WHERE id = $1`, id); err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("campaign %s: %w", id, repository.ErrNotFound)
		}
		return "", fmt.Errorf("campaign repo: get status: %w", err)
	}
	return domain.CampaignStatus(status), nil
}

// TransitionStatus is a compare-and-set on the status column.
func (r *CampaignRepository) TransitionStatus(ctx context.Context, id uuid.UUID, from []domain.CampaignStatus, to domain.CampaignStatus, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE campaigns SET
		status = $2,
		updated_at = $3,
		started_at = CASE WHEN $4 AND started_at IS NULL THEN $3 ELSE started_at END,
		completed_at = CASE WHEN $5 THEN $3 ELSE completed_at END
	WHERE id = $1 AND status = ANY($6::text[])`,
		id, string(to), at, to == domain.CampaignStatusSending, to.Terminal(), statusStrings(from))
	if err != nil {
		return false, fmt.Errorf("campaign repo: transition status: %w", err)
	}
	return r.applied(ctx, res, id)
}

// Reschedule moves the campaign back to scheduled at a new time.
func (r *CampaignRepository) Reschedule(ctx context.Context, id uuid.UUID, from []domain.CampaignStatus, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE campaigns SET
		status = 'scheduled',
		scheduled_at = $2,
		completed_at = NULL,
		updated_at = NOW()
	WHERE id = $1 AND status = ANY($3::text[])`, id, at, statusStrings(from))
	if err != nil {
		return false, fmt.Errorf("campaign repo: reschedule: %w", err)
	}
	return r.applied(ctx, res, id)
}

// SetLastError records the last run-level failure.
func (r *CampaignRepository) SetLastError(ctx context.Context, id uuid.UUID, msg string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE campaigns SET last_error = $2, updated_at = NOW() WHERE id = $1`, id, msg)
	if err != nil {
		return fmt.Errorf("campaign repo: set last error: %w", err)
	}
	return expectRow(res, "campaign repo: set last error")
}

// List returns campaigns with optional owner filter and keyset pagination.
func (r *CampaignRepository) List(ctx context.Context, ownerID string, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		where []string
		args  []any
	)
	if ownerID != "" {
		args = append(args, ownerID)
		where = append(where, fmt.Sprintf("c.owner_id = $%d", len(args)))
	}
	if afterID != nil {
		args = append(args, *afterID)
		where = append(where, fmt.Sprintf("c.id > $%d", len(args)))
	}
	q := `SELECT ` + campaignColumns + campaignFrom
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY c.id ASC LIMIT $%d", len(args))

	return r.query(ctx, "list", q, args...)
}

// ListDue returns scheduled campaigns whose time has come, oldest first.
func (r *CampaignRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + campaignColumns + campaignFrom + `
		WHERE c.status = 'scheduled' AND c.scheduled_at IS NOT NULL AND c.scheduled_at <= $1
		ORDER BY c.scheduled_at ASC LIMIT $2`
	return r.query(ctx, "list due", q, now, limit)
}

func (r *CampaignRepository) query(ctx context.Context, op, q string, args ...any) ([]*domain.Campaign, error) {
	rows, err := r.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: %s: %w", op, err)
	}
	defer rows.Close()

	var results []*domain.Campaign
	for rows.Next() {
		var record campaignRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("campaign repo: scan: %w", err)
		}
		campaign, err := record.toDomain()
		if err != nil {
			return nil, err
		}
		results = append(results, campaign)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign repo: rows err: %w", err)
	}
	return results, nil
}

// applied turns a conditional update into (changed, error), telling a missing
// row apart from a status that did not match.
func (r *CampaignRepository) applied(ctx context.Context, res sql.Result, id uuid.UUID) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	if _, err := r.GetStatus(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func expectRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, repository.ErrNotFound)
	}
	return nil
}

func statusStrings(in []domain.CampaignStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func campaignParams(c *domain.Campaign) (map[string]any, error) {
	audience, err := json.Marshal(c.Audience)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: marshal audience: %w", err)
	}
	now := time.Now().UTC()
	created, updated := c.CreatedAt, c.UpdatedAt
	if created.IsZero() {
		created = now
	}
	if updated.IsZero() {
		updated = now
	}
	return map[string]any{
		"id":            c.ID,
		"owner_id":      c.OwnerID,
		"name":          c.Name,
		"channel":       string(c.Channel),
		"template":      c.Template,
		"subject":       c.Subject,
		"sender_name":   c.SenderName,
		"business_name": c.BusinessName,
		"status":        string(c.Status),
		"audience":      audience,
		"scheduled_at":  c.ScheduledAt,
		"started_at":    c.StartedAt,
		"completed_at":  c.CompletedAt,
		"parent_id":     c.ParentID,
		"last_error":    c.LastError,
		"created_at":    created,
		"updated_at":    updated,
	}, nil
}

type campaignRecord struct {
	ID              uuid.UUID     `db:"id"`
	OwnerID         string        `db:"owner_id"`
	Name            string        `db:"name"`
	Channel         string        `db:"channel"`
	Template        string        `db:"template"`
	Subject         string        `db:"subject"`
	SenderName      string        `db:"sender_name"`
	BusinessName    string        `db:"business_name"`
	Status          string        `db:"status"`
	Audience        []byte        `db:"audience"`
	ScheduledAt     sql.NullTime  `db:"scheduled_at"`
	StartedAt       sql.NullTime  `db:"started_at"`
	CompletedAt     sql.NullTime  `db:"completed_at"`
	ParentID        uuid.NullUUID `db:"parent_id"`
	LastError       string        `db:"last_error"`
	CreatedAt       time.Time     `db:"created_at"`
	UpdatedAt       time.Time     `db:"updated_at"`
	RecipientsCount int64         `db:"recipients_count"`
	DeliveredCount  int64         `db:"delivered_count"`
	FailedCount     int64         `db:"failed_count"`
	SkippedCount    int64         `db:"skipped_count"`
}

func (r campaignRecord) toDomain() (*domain.Campaign, error) {
	campaign := &domain.Campaign{
		ID:              r.ID,
		OwnerID:         r.OwnerID,
		Name:            r.Name,
		Channel:         domain.Channel(r.Channel),
		Template:        r.Template,
		Subject:         r.Subject,
		SenderName:      r.SenderName,
		BusinessName:    r.BusinessName,
		Status:          domain.CampaignStatus(r.Status),
		ScheduledAt:     nullTime(r.ScheduledAt),
		StartedAt:       nullTime(r.StartedAt),
		CompletedAt:     nullTime(r.CompletedAt),
		LastError:       r.LastError,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		RecipientsCount: r.RecipientsCount,
		DeliveredCount:  r.DeliveredCount,
		FailedCount:     r.FailedCount,
		SkippedCount:    r.SkippedCount,
	}
	if r.ParentID.Valid {
		parent := r.ParentID.UUID
		campaign.ParentID = &parent
	}
	if len(r.Audience) > 0 {
		if err := json.Unmarshal(r.Audience, &campaign.Audience); err != nil {
			return nil, fmt.Errorf("campaign repo: decode audience: %w", err)
		}
	}
	return campaign, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
