// Package memory holds process-local implementations of the repository
// interfaces, used by tests and by single-process local runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-messaging/internal/domain"
	"github.com/acme/outbound-messaging/internal/repository"
)

// Store implements every repository interface on maps guarded by one mutex.
type Store struct {
	mu         sync.Mutex
	campaigns  map[uuid.UUID]domain.Campaign
	order      []uuid.UUID
	recipients map[uuid.UUID]domain.Recipient
	members    map[uuid.UUID][]uuid.UUID
	stats      map[uuid.UUID]domain.CampaignStats
	attempts   map[uuid.UUID]domain.MessageAttempt
}

// New returns an empty store.
func New() *Store {
	return &Store{
		campaigns:  make(map[uuid.UUID]domain.Campaign),
		recipients: make(map[uuid.UUID]domain.Recipient),
		members:    make(map[uuid.UUID][]uuid.UUID),
		stats:      make(map[uuid.UUID]domain.CampaignStats),
		attempts:   make(map[uuid.UUID]domain.MessageAttempt),
	}
}

// Campaigns exposes the store as a CampaignRepository.
func (s *Store) Campaigns() repository.CampaignRepository { return campaignRepo{s} }

// Recipients exposes the store as a RecipientRepository.
func (s *Store) Recipients() repository.RecipientRepository { return recipientRepo{s} }

// Statistics exposes the store as a CampaignStatisticsRepository.
func (s *Store) Statistics() repository.CampaignStatisticsRepository { return statsRepo{s} }

// Attempts exposes the store as an AttemptStore.
func (s *Store) Attempts() repository.AttemptStore { return attemptRepo{s} }

type campaignRepo struct{ s *Store }

func (r campaignRepo) Create(_ context.Context, c *domain.Campaign) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.campaigns[c.ID]; ok {
		return fmt.Errorf("campaign %s: %w", c.ID, repository.ErrConflict)
	}
	r.s.campaigns[c.ID] = *c
	r.s.order = append(r.s.order, c.ID)
	return nil
}

func (r campaignRepo) Get(_ context.Context, id uuid.UUID) (*domain.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return nil, fmt.Errorf("campaign %s: %w", id, repository.ErrNotFound)
	}
	if st, ok := r.s.stats[id]; ok {
		c.RecipientsCount = st.RecipientsCount
		c.DeliveredCount = st.DeliveredCount
		c.FailedCount = st.FailedCount
		c.SkippedCount = st.SkippedCount
	}
	return &c, nil
}

func (r campaignRepo) Update(_ context.Context, c *domain.Campaign) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.campaigns[c.ID]; !ok {
		return fmt.Errorf("campaign %s: %w", c.ID, repository.ErrNotFound)
	}
	c.UpdatedAt = time.Now().UTC()
	r.s.campaigns[c.ID] = *c
	return nil
}

func (r campaignRepo) GetStatus(_ context.Context, id uuid.UUID) (domain.CampaignStatus, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return "", fmt.Errorf("campaign %s: %w", id, repository.ErrNotFound)
	}
	return c.Status, nil
}

func (r campaignRepo) TransitionStatus(_ context.Context, id uuid.UUID, from []domain.CampaignStatus, to domain.CampaignStatus, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return false, fmt.Errorf("campaign %s: %w", id, repository.ErrNotFound)
	}
	if !statusIn(c.Status, from) {
		return false, nil
	}
	c.Status = to
	c.UpdatedAt = at
	if to == domain.CampaignStatusSending && c.StartedAt == nil {
		c.StartedAt = &at
	}
	if to.Terminal() {
		c.CompletedAt = &at
	}
	r.s.campaigns[id] = c
	return true, nil
}

func (r campaignRepo) Reschedule(_ context.Context, id uuid.UUID, from []domain.CampaignStatus, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return false, fmt.Errorf("campaign %s: %w", id, repository.ErrNotFound)
	}
	if !statusIn(c.Status, from) {
		return false, nil
	}
	c.Status = domain.CampaignStatusScheduled
	c.ScheduledAt = &at
	c.CompletedAt = nil
	c.UpdatedAt = time.Now().UTC()
	r.s.campaigns[id] = c
	return true, nil
}

func (r campaignRepo) SetLastError(_ context.Context, id uuid.UUID, msg string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return fmt.Errorf("campaign %s: %w", id, repository.ErrNotFound)
	}
	c.LastError = msg
	r.s.campaigns[id] = c
	return nil
}

func (r campaignRepo) List(_ context.Context, ownerID string, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.Campaign
	started := afterID == nil
	for _, id := range r.s.order {
		if !started {
			started = id == *afterID
			continue
		}
		c := r.s.campaigns[id]
		if ownerID != "" && c.OwnerID != ownerID {
			continue
		}
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r campaignRepo) ListDue(_ context.Context, now time.Time, limit int) ([]*domain.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.Campaign
	for _, id := range r.s.order {
		c := r.s.campaigns[id]
		if c.Status != domain.CampaignStatusScheduled || c.ScheduledAt == nil || c.ScheduledAt.After(now) {
			continue
		}
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ScheduledAt.Before(*out[j].ScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type recipientRepo struct{ s *Store }

func (r recipientRepo) Create(_ context.Context, rc *domain.Recipient) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.recipients[rc.ID]; ok {
		return fmt.Errorf("recipient %s: %w", rc.ID, repository.ErrConflict)
	}
	r.s.recipients[rc.ID] = *rc
	return nil
}

func (r recipientRepo) Get(_ context.Context, id uuid.UUID) (*domain.Recipient, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rc, ok := r.s.recipients[id]
	if !ok {
		return nil, fmt.Errorf("recipient %s: %w", id, repository.ErrNotFound)
	}
	return &rc, nil
}

func (r recipientRepo) ListByOwner(_ context.Context, ownerID string) ([]*domain.Recipient, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.Recipient
	for _, rc := range r.s.recipients {
		if rc.OwnerID == ownerID {
			rc := rc
			out = append(out, &rc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r recipientRepo) AttachToCampaign(_ context.Context, campaignID uuid.UUID, ids []uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	seen := make(map[uuid.UUID]bool, len(r.s.members[campaignID]))
	for _, id := range r.s.members[campaignID] {
		seen[id] = true
	}
	for _, id := range ids {
		if _, ok := r.s.recipients[id]; !ok {
			return fmt.Errorf("recipient %s: %w", id, repository.ErrNotFound)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		r.s.members[campaignID] = append(r.s.members[campaignID], id)
	}
	return nil
}

func (r recipientRepo) ListForCampaign(_ context.Context, campaignID uuid.UUID) ([]*domain.Recipient, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ids := r.s.members[campaignID]
	out := make([]*domain.Recipient, 0, len(ids))
	for _, id := range ids {
		rc := r.s.recipients[id]
		out = append(out, &rc)
	}
	return out, nil
}

func (r recipientRepo) SetOptOutByAddress(_ context.Context, address string, optedOut bool) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, rc := range r.s.recipients {
		if rc.Phone != address && !strings.EqualFold(rc.Email, address) {
			continue
		}
		if rc.OptedOut == optedOut {
			continue
		}
		rc.OptedOut = optedOut
		r.s.recipients[id] = rc
		n++
	}
	return n, nil
}

type statsRepo struct{ s *Store }

func (r statsRepo) Ensure(_ context.Context, id uuid.UUID, recipients int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.stats[id]; !ok {
		r.s.stats[id] = domain.CampaignStats{RecipientsCount: recipients}
	}
	return nil
}

func (r statsRepo) Get(_ context.Context, id uuid.UUID) (*domain.CampaignStats, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st, ok := r.s.stats[id]
	if !ok {
		return nil, fmt.Errorf("stats %s: %w", id, repository.ErrNotFound)
	}
	return &st, nil
}

func (r statsRepo) ApplyDelta(_ context.Context, id uuid.UUID, d repository.StatsDelta) error {
	if d.IsZero() {
		return nil
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st, ok := r.s.stats[id]
	if !ok {
		return fmt.Errorf("stats %s: %w", id, repository.ErrNotFound)
	}
	st.DeliveredCount = clamp(st.DeliveredCount + d.DeliveredDelta)
	st.FailedCount = clamp(st.FailedCount + d.FailedDelta)
	st.SkippedCount = clamp(st.SkippedCount + d.SkippedDelta)
	r.s.stats[id] = st
	return nil
}

func (r statsRepo) SetSkipped(_ context.Context, id uuid.UUID, skipped int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st, ok := r.s.stats[id]
	if !ok {
		return fmt.Errorf("stats %s: %w", id, repository.ErrNotFound)
	}
	st.SkippedCount = clamp(skipped)
	r.s.stats[id] = st
	return nil
}

func (r statsRepo) Reset(_ context.Context, id uuid.UUID, recipients int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.stats[id] = domain.CampaignStats{RecipientsCount: recipients}
	return nil
}

type attemptRepo struct{ s *Store }

func (r attemptRepo) Get(_ context.Context, campaignID, recipientID uuid.UUID) (*domain.MessageAttempt, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.attempts[domain.AttemptID(campaignID, recipientID)]
	if !ok {
		return nil, fmt.Errorf("attempt %s/%s: %w", campaignID, recipientID, repository.ErrNotFound)
	}
	return &a, nil
}

func (r attemptRepo) ListByCampaign(_ context.Context, campaignID uuid.UUID) ([]domain.MessageAttempt, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.MessageAttempt
	for _, a := range r.s.attempts {
		if a.CampaignID == campaignID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r attemptRepo) FindByExternalID(_ context.Context, externalID string) (*domain.MessageAttempt, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.attempts {
		if externalID != "" && a.ExternalID == externalID {
			return &a, nil
		}
	}
	return nil, fmt.Errorf("attempt with external id %q: %w", externalID, repository.ErrNotFound)
}

func (r attemptRepo) Save(_ context.Context, a *domain.MessageAttempt) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.attempts[domain.AttemptID(a.CampaignID, a.RecipientID)] = *a
	return nil
}

func (r attemptRepo) Claim(_ context.Context, a *domain.MessageAttempt) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := domain.AttemptID(a.CampaignID, a.RecipientID)
	if _, ok := r.s.attempts[key]; ok {
		return false, nil
	}
	r.s.attempts[key] = *a
	return true, nil
}

func (r attemptRepo) SaveIf(_ context.Context, a *domain.MessageAttempt, from domain.AttemptStatus) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := domain.AttemptID(a.CampaignID, a.RecipientID)
	cur, ok := r.s.attempts[key]
	if !ok || cur.Status != from {
		return false, nil
	}
	r.s.attempts[key] = *a
	return true, nil
}

func (r attemptRepo) DeleteByCampaign(_ context.Context, campaignID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, a := range r.s.attempts {
		if a.CampaignID == campaignID {
			delete(r.s.attempts, id)
		}
	}
	return nil
}

func statusIn(s domain.CampaignStatus, set []domain.CampaignStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func clamp(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}
