package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-messaging/internal/domain"
	"github.com/acme/outbound-messaging/internal/repository"
)

const recipientColumns = `r.id, r.owner_id, r.name, r.phone, r.email, r.address, r.birthday, r.gender,
	r.category, r.tags, r.fields, r.is_active, r.last_activity_at, r.opted_out, r.created_at, r.updated_at`

// RecipientRepository persists contacts and the ordered campaign membership.
type RecipientRepository struct {
	db *sqlx.DB
}

// NewRecipientRepository constructs the repository.
func NewRecipientRepository(db *sqlx.DB) *RecipientRepository {
	return &RecipientRepository{db: db}
}

// Create inserts a recipient.
func (r *RecipientRepository) Create(ctx context.Context, rc *domain.Recipient) error {
	tags, err := json.Marshal(nonNilTags(rc.Tags))
	if err != nil {
		return fmt.Errorf("recipients: marshal tags: %w", err)
	}
	fields, err := json.Marshal(nonNilFields(rc.Fields))
	if err != nil {
		return fmt.Errorf("recipients: marshal fields: %w", err)
	}
	now := time.Now().UTC()
	if rc.CreatedAt.IsZero() {
		rc.CreatedAt = now
	}
	rc.UpdatedAt = now

	q := `INSERT INTO recipients (
		id, owner_id, name, phone, email, address, birthday, gender, category, tags, fields,
		is_active, last_activity_at, opted_out, created_at, updated_at
	) VALUES (
		:id, :owner_id, :name, :phone, :email, :address, :birthday, :gender, :category, :tags, :fields,
		:is_active, :last_activity_at, :opted_out, :created_at, :updated_at
	)`
	params := map[string]any{
		"id":               rc.ID,
		"owner_id":         rc.OwnerID,
		"name":             rc.Name,
		"phone":            rc.Phone,
		"email":            rc.Email,
		"address":          rc.Address,
		"birthday":         rc.Birthday,
		"gender":           rc.Gender,
		"category":         rc.Category,
		"tags":             tags,
		"fields":           fields,
		"is_active":        rc.IsActive,
		"last_activity_at": rc.LastActivityAt,
		"opted_out":        rc.OptedOut,
		"created_at":       rc.CreatedAt,
		"updated_at":       rc.UpdatedAt,
	}
	if _, err := r.db.NamedExecContext(ctx, q, params); err != nil {
		return fmt.Errorf("recipients: insert: %w", translate(err))
	}
	return nil
}

// Get fetches a recipient by id.
func (r *RecipientRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Recipient, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT `+recipientColumns+` FROM recipients r WHERE r.id = $1`, id)
	var rec recipientRecord
	if err := row.StructScan(&rec); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("recipient %s: %w", id, repository.ErrNotFound)
		}
		return nil, fmt.Errorf("recipients: get: %w", err)
	}
	return rec.toDomain()
}

// ListByOwner returns every contact of an owner, oldest first.
func (r *RecipientRepository) ListByOwner(ctx context.Context, ownerID string) ([]*domain.Recipient, error) {
	return r.list(ctx, "list by owner", `SELECT `+recipientColumns+` FROM recipients r
		WHERE r.owner_id = $1 ORDER BY r.created_at ASC, r.id ASC`, ownerID)
}

// AttachToCampaign appends recipients after the current last position.
// Recipients already attached keep their place.
func (r *RecipientRepository) AttachToCampaign(ctx context.Context, campaignID uuid.UUID, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var next int
		if err := tx.GetContext(ctx, &next, `SELECT COALESCE(MAX(position), -1) + 1 FROM campaign_recipients WHERE campaign_id = $1`, campaignID); err != nil {
			return fmt.Errorf("recipients: next position: %w", err)
		}
		rows := make([]map[string]any, 0, len(ids))
		for i, id := range ids {
			rows = append(rows, map[string]any{
				"campaign_id":  campaignID,
				"recipient_id": id,
				"position":     next + i,
			})
		}
		q := `INSERT INTO campaign_recipients (campaign_id, recipient_id, position)
			VALUES (:campaign_id, :recipient_id, :position)
			ON CONFLICT (campaign_id, recipient_id) DO NOTHING`
		if _, err := tx.NamedExecContext(ctx, q, rows); err != nil {
			return fmt.Errorf("recipients: attach: %w", translate(err))
		}
		return nil
	})
}

// ListForCampaign returns the campaign's recipients in attach order.
func (r *RecipientRepository) ListForCampaign(ctx context.Context, campaignID uuid.UUID) ([]*domain.Recipient, error) {
	return r.list(ctx, "list for campaign", `SELECT `+recipientColumns+`
		FROM campaign_recipients cr JOIN recipients r ON r.id = cr.recipient_id
		WHERE cr.campaign_id = $1 ORDER BY cr.position ASC`, campaignID)
}

// SetOptOutByAddress flips the opt-out flag on every contact reachable at
// the phone number or email address.
func (r *RecipientRepository) SetOptOutByAddress(ctx context.Context, address string, optedOut bool) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE recipients SET opted_out = $2, updated_at = NOW()
		WHERE (phone = $1 OR lower(email) = lower($1)) AND opted_out <> $2`, address, optedOut)
	if err != nil {
		return 0, fmt.Errorf("recipients: set opt-out: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recipients: rows affected: %w", err)
	}
	return n, nil
}

func (r *RecipientRepository) list(ctx context.Context, op, q string, args ...any) ([]*domain.Recipient, error) {
	rows, err := r.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("recipients: %s: %w", op, err)
	}
	defer rows.Close()

	var results []*domain.Recipient
	for rows.Next() {
		var rec recipientRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("recipients: scan: %w", err)
		}
		rc, err := rec.toDomain()
		if err != nil {
			return nil, err
		}
		results = append(results, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recipients: rows err: %w", err)
	}
	return results, nil
}

type recipientRecord struct {
	ID             uuid.UUID    `db:"id"`
	OwnerID        string       `db:"owner_id"`
	Name           string       `db:"name"`
	Phone          string       `db:"phone"`
	Email          string       `db:"email"`
	Address        string       `db:"address"`
	Birthday       sql.NullTime `db:"birthday"`
	Gender         string       `db:"gender"`
	Category       string       `db:"category"`
	Tags           []byte       `db:"tags"`
	Fields         []byte       `db:"fields"`
	IsActive       bool         `db:"is_active"`
	LastActivityAt sql.NullTime `db:"last_activity_at"`
	OptedOut       bool         `db:"opted_out"`
	CreatedAt      time.Time    `db:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at"`
}

func (r recipientRecord) toDomain() (*domain.Recipient, error) {
	rc := &domain.Recipient{
		ID:             r.ID,
		OwnerID:        r.OwnerID,
		Name:           r.Name,
		Phone:          r.Phone,
		Email:          r.Email,
		Address:        r.Address,
		Birthday:       nullTime(r.Birthday),
		Gender:         r.Gender,
		Category:       r.Category,
		IsActive:       r.IsActive,
		LastActivityAt: nullTime(r.LastActivityAt),
		OptedOut:       r.OptedOut,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if len(r.Tags) > 0 {
		if err := json.Unmarshal(r.Tags, &rc.Tags); err != nil {
			return nil, fmt.Errorf("recipients: decode tags: %w", err)
		}
	}
	if len(r.Fields) > 0 {
		if err := json.Unmarshal(r.Fields, &rc.Fields); err != nil {
			return nil, fmt.Errorf("recipients: decode fields: %w", err)
		}
	}
	return rc, nil
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func nonNilFields(fields map[string]string) map[string]string {
	if fields == nil {
		return map[string]string{}
	}
	return fields
}
