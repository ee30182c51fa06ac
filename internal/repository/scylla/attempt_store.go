package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/outbound-messaging/internal/domain"
	"github.com/acme/outbound-messaging/internal/repository"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS attempts_by_campaign (
		campaign_id text,
		recipient_id text,
		attempt_id text,
		address text,
		content text,
		status text,
		external_id text,
		error_code text,
		error_detail text,
		created_at timestamp,
		sent_at timestamp,
		delivered_at timestamp,
		failed_at timestamp,
		PRIMARY KEY ((campaign_id), recipient_id)
	)`,
	`CREATE TABLE IF NOT EXISTS attempts_by_external_id (
		external_id text PRIMARY KEY,
		campaign_id text,
		recipient_id text
	)`,
}

const attemptColumns = `campaign_id, recipient_id, attempt_id, address, content, status, external_id,
	error_code, error_detail, created_at, sent_at, delivered_at, failed_at`

// AttemptStore persists message attempts in Scylla, one row per
// (campaign, recipient) plus a lookup table by provider reference.
type AttemptStore struct {
	session *gocql.Session
}

// NewAttemptStore creates a new attempt store.
func NewAttemptStore(session *gocql.Session) *AttemptStore {
	return &AttemptStore{session: session}
}

// EnsureSchema creates the tables when missing.
func (s *AttemptStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if err := s.session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("attempt store: ensure schema: %w", err)
		}
	}
	return nil
}

// Save upserts the attempt and indexes its provider reference.
func (s *AttemptStore) Save(ctx context.Context, a *domain.MessageAttempt) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if err := s.session.Query(`INSERT INTO attempts_by_campaign (`+attemptColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, attemptValues(a)...,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("attempt store: insert attempts_by_campaign: %w", err)
	}
	return s.index(ctx, a)
}

// Claim inserts the attempt with a lightweight transaction so two runs can
// never both own the same recipient.
func (s *AttemptStore) Claim(ctx context.Context, a *domain.MessageAttempt) (bool, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	applied, err := s.session.Query(`INSERT INTO attempts_by_campaign (`+attemptColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`, attemptValues(a)...,
	).WithContext(ctx).MapScanCAS(map[string]any{})
	if err != nil {
		return false, fmt.Errorf("attempt store: claim: %w", err)
	}
	if !applied {
		return false, nil
	}
	return true, s.index(ctx, a)
}

// SaveIf updates the attempt only while the stored status equals from.
func (s *AttemptStore) SaveIf(ctx context.Context, a *domain.MessageAttempt, from domain.AttemptStatus) (bool, error) {
	applied, err := s.session.Query(`UPDATE attempts_by_campaign
		SET attempt_id = ?, address = ?, content = ?, status = ?, external_id = ?, error_code = ?,
			error_detail = ?, sent_at = ?, delivered_at = ?, failed_at = ?
		WHERE campaign_id = ? AND recipient_id = ? IF status = ?`,
		a.ID.String(), a.Address, a.Content, string(a.Status), a.ExternalID, a.ErrorCode,
		a.ErrorDetail, a.SentAt, a.DeliveredAt, a.FailedAt,
		a.CampaignID.String(), a.RecipientID.String(), string(from),
	).WithContext(ctx).MapScanCAS(map[string]any{})
	if err != nil {
		return false, fmt.Errorf("attempt store: conditional update: %w", err)
	}
	if !applied {
		return false, nil
	}
	return true, s.index(ctx, a)
}

func (s *AttemptStore) index(ctx context.Context, a *domain.MessageAttempt) error {
	if a.ExternalID == "" {
		return nil
	}
	if err := s.session.Query(`INSERT INTO attempts_by_external_id (external_id, campaign_id, recipient_id) VALUES (?, ?, ?)`,
		a.ExternalID, a.CampaignID.String(), a.RecipientID.String(),
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("attempt store: insert attempts_by_external_id: %w", err)
	}
	return nil
}

func attemptValues(a *domain.MessageAttempt) []any {
	return []any{
		a.CampaignID.String(), a.RecipientID.String(), a.ID.String(), a.Address, a.Content, string(a.Status),
		a.ExternalID, a.ErrorCode, a.ErrorDetail, a.CreatedAt, a.SentAt, a.DeliveredAt, a.FailedAt,
	}
}

// Get retrieves the attempt of one recipient in one campaign.
func (s *AttemptStore) Get(ctx context.Context, campaignID, recipientID uuid.UUID) (*domain.MessageAttempt, error) {
	iter := s.session.Query(`SELECT `+attemptColumns+` FROM attempts_by_campaign WHERE campaign_id = ? AND recipient_id = ?`,
		campaignID.String(), recipientID.String()).WithContext(ctx).Iter()

	var row attemptRow
	if !iter.Scan(row.dest()...) {
		if err := iter.Close(); err != nil {
			return nil, fmt.Errorf("attempt store: get: %w", err)
		}
		return nil, fmt.Errorf("attempt %s/%s: %w", campaignID, recipientID, repository.ErrNotFound)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("attempt store: get close: %w", err)
	}
	return row.toDomain()
}

// ListByCampaign returns every attempt of a campaign. The driver pages
// through the partition transparently.
func (s *AttemptStore) ListByCampaign(ctx context.Context, campaignID uuid.UUID) ([]domain.MessageAttempt, error) {
	iter := s.session.Query(`SELECT `+attemptColumns+` FROM attempts_by_campaign WHERE campaign_id = ?`,
		campaignID.String()).WithContext(ctx).PageSize(500).Iter()

	var (
		out []domain.MessageAttempt
		row attemptRow
	)
	for iter.Scan(row.dest()...) {
		a, err := row.toDomain()
		if err != nil {
			continue
		}
		out = append(out, *a)
		row = attemptRow{}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("attempt store: list: %w", err)
	}
	return out, nil
}

// FindByExternalID resolves a provider reference to its attempt.
func (s *AttemptStore) FindByExternalID(ctx context.Context, externalID string) (*domain.MessageAttempt, error) {
	var campaignStr, recipientStr string
	err := s.session.Query(`SELECT campaign_id, recipient_id FROM attempts_by_external_id WHERE external_id = ?`, externalID).
		WithContext(ctx).Scan(&campaignStr, &recipientStr)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, fmt.Errorf("attempt with external id %q: %w", externalID, repository.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("attempt store: find by external id: %w", err)
	}

	campaignID, err := uuid.Parse(campaignStr)
	if err != nil {
		return nil, fmt.Errorf("attempt store: parse campaign_id: %w", err)
	}
	recipientID, err := uuid.Parse(recipientStr)
	if err != nil {
		return nil, fmt.Errorf("attempt store: parse recipient_id: %w", err)
	}
	return s.Get(ctx, campaignID, recipientID)
}

// DeleteByCampaign drops every attempt of a campaign and its lookup rows.
func (s *AttemptStore) DeleteByCampaign(ctx context.Context, campaignID uuid.UUID) error {
	attempts, err := s.ListByCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	for _, a := range attempts {
		if a.ExternalID == "" {
			continue
		}
		if err := s.session.Query(`DELETE FROM attempts_by_external_id WHERE external_id = ?`, a.ExternalID).
			WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("attempt store: delete lookup: %w", err)
		}
	}
	if err := s.session.Query(`DELETE FROM attempts_by_campaign WHERE campaign_id = ?`, campaignID.String()).
		WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("attempt store: delete partition: %w", err)
	}
	return nil
}

type attemptRow struct {
	campaignID  string
	recipientID string
	attemptID   string
	address     string
	content     string
	status      string
	externalID  string
	errorCode   string
	errorDetail string
	createdAt   time.Time
	sentAt      *time.Time
	deliveredAt *time.Time
	failedAt    *time.Time
}

func (r *attemptRow) dest() []any {
	return []any{
		&r.campaignID, &r.recipientID, &r.attemptID, &r.address, &r.content, &r.status, &r.externalID,
		&r.errorCode, &r.errorDetail, &r.createdAt, &r.sentAt, &r.deliveredAt, &r.failedAt,
	}
}

func (r *attemptRow) toDomain() (*domain.MessageAttempt, error) {
	campaignID, err := uuid.Parse(r.campaignID)
	if err != nil {
		return nil, fmt.Errorf("attempt store: parse campaign_id: %w", err)
	}
	recipientID, err := uuid.Parse(r.recipientID)
	if err != nil {
		return nil, fmt.Errorf("attempt store: parse recipient_id: %w", err)
	}
	id := domain.AttemptID(campaignID, recipientID)
	if parsed, err := uuid.Parse(r.attemptID); err == nil {
		id = parsed
	}
	return &domain.MessageAttempt{
		ID:          id,
		CampaignID:  campaignID,
		RecipientID: recipientID,
		Address:     r.address,
		Content:     r.content,
		Status:      domain.AttemptStatus(r.status),
		ExternalID:  r.externalID,
		ErrorCode:   r.errorCode,
		ErrorDetail: r.errorDetail,
		CreatedAt:   r.createdAt,
		SentAt:      r.sentAt,
		DeliveredAt: r.deliveredAt,
		FailedAt:    r.failedAt,
	}, nil
}
