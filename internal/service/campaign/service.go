package campaign

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-messaging/internal/audience"
	"github.com/acme/outbound-messaging/internal/dispatch"
	"github.com/acme/outbound-messaging/internal/domain"
	"github.com/acme/outbound-messaging/internal/repository"
	"github.com/acme/outbound-messaging/internal/transport"
	apperrors "github.com/acme/outbound-messaging/pkg/errors"
)

// Enqueuer hands a campaign to the dispatch queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, c *domain.Campaign, reason string)
}

// Service orchestrates campaign lifecycle operations.
type Service struct {
	campaigns          repository.CampaignRepository
	recipients         repository.RecipientRepository
	stats              repository.CampaignStatisticsRepository
	attempts           repository.AttemptStore
	enqueuer           Enqueuer
	defaultCountryCode string
	now                func() time.Time
}

// NewService constructs a campaign service.
func NewService(
	campaigns repository.CampaignRepository,
	recipients repository.RecipientRepository,
	stats repository.CampaignStatisticsRepository,
	attempts repository.AttemptStore,
	enqueuer Enqueuer,
	defaultCountryCode string,
) *Service {
	return &Service{
		campaigns:          campaigns,
		recipients:         recipients,
		stats:              stats,
		attempts:           attempts,
		enqueuer:           enqueuer,
		defaultCountryCode: defaultCountryCode,
		now:                func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateCampaignInput captures campaign creation parameters.
type CreateCampaignInput struct {
	OwnerID      string
	Name         string
	Channel      domain.Channel
	Template     string
	Subject      string
	SenderName   string
	BusinessName string
	Audience     domain.Audience
	// ScheduledAt schedules the campaign right away when set.
	ScheduledAt *time.Time
}

// RecipientInput expresses a contact to store.
type RecipientInput struct {
	OwnerID        string
	Name           string
	Phone          string
	Email          string
	Address        string
	Birthday       *time.Time
	Gender         string
	Category       string
	Tags           []string
	Fields         map[string]string
	LastActivityAt *time.Time
}

// Failure is one recipient whose attempt failed.
type Failure struct {
	RecipientID uuid.UUID
	Address     string
	ErrorCode   string
	ErrorDetail string
	FailedAt    *time.Time
}

// FailureReport lists failed attempts with a breakdown by error code.
type FailureReport struct {
	Failures        []Failure
	ByError         map[string]int
	MostCommonError string
}

// Create selects the audience from the owner's contacts and stores a draft,
// or a scheduled campaign when ScheduledAt is set.
func (s *Service) Create(ctx context.Context, input CreateCampaignInput) (*domain.Campaign, error) {
	if err := validateCreateInput(input); err != nil {
		return nil, err
	}
	if input.Audience.Kind == "" {
		input.Audience.Kind = domain.AudienceAll
	}

	contacts, err := s.recipients.ListByOwner(ctx, input.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("campaign service: list contacts: %w", err)
	}
	now := s.now()
	selected, err := audience.Select(input.Audience, contacts, now)
	if err != nil {
		return nil, err
	}
	if len(selected) == 0 {
		return nil, fmt.Errorf("%w: audience selects no recipients", apperrors.ErrValidation)
	}
	ids := make([]uuid.UUID, 0, len(selected))
	for _, r := range selected {
		ids = append(ids, r.ID)
	}

	campaign := &domain.Campaign{
		ID:              uuid.New(),
		OwnerID:         input.OwnerID,
		Name:            strings.TrimSpace(input.Name),
		Channel:         input.Channel,
		Template:        input.Template,
		Subject:         input.Subject,
		SenderName:      input.SenderName,
		BusinessName:    input.BusinessName,
		Status:          domain.CampaignStatusDraft,
		Audience:        input.Audience,
		RecipientsCount: int64(len(ids)),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if input.ScheduledAt != nil {
		at := input.ScheduledAt.UTC()
		campaign.Status = domain.CampaignStatusScheduled
		campaign.ScheduledAt = &at
	}

	if err := s.campaigns.Create(ctx, campaign); err != nil {
		return nil, fmt.Errorf("campaign service: create campaign: %w", err)
	}
	if err := s.recipients.AttachToCampaign(ctx, campaign.ID, ids); err != nil {
		return nil, fmt.Errorf("campaign service: attach recipients: %w", err)
	}
	if err := s.stats.Ensure(ctx, campaign.ID, campaign.RecipientsCount); err != nil {
		return nil, fmt.Errorf("campaign service: ensure stats: %w", err)
	}
	if campaign.ScheduledAt != nil && !campaign.ScheduledAt.After(now) {
		s.enqueue(ctx, campaign, dispatch.ReasonScheduled)
	}
	return campaign, nil
}

// Get retrieves a campaign by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return s.campaigns.Get(ctx, id)
}

// List returns an owner's campaigns after the given id.
func (s *Service) List(ctx context.Context, ownerID string, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.campaigns.List(ctx, ownerID, afterID, limit)
}

// Schedule moves a draft to scheduled at the given time, or now.
func (s *Service) Schedule(ctx context.Context, id uuid.UUID, at *time.Time) (*domain.Campaign, error) {
	when := s.now()
	if at != nil {
		when = at.UTC()
	}
	return s.reschedule(ctx, id, []domain.CampaignStatus{domain.CampaignStatusDraft}, when, dispatch.ReasonScheduled)
}

// RunNow dispatches a draft or scheduled campaign immediately, regardless of
// its scheduled time.
func (s *Service) RunNow(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	from := []domain.CampaignStatus{domain.CampaignStatusDraft, domain.CampaignStatusScheduled}
	return s.reschedule(ctx, id, from, s.now(), dispatch.ReasonManual)
}

// Resume schedules a paused campaign for immediate dispatch. Recipients
// already handled are not sent again.
func (s *Service) Resume(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return s.reschedule(ctx, id, []domain.CampaignStatus{domain.CampaignStatusPaused}, s.now(), dispatch.ReasonResume)
}

// Pause stops a scheduled or sending campaign. A running dispatch stops
// before its next recipient.
func (s *Service) Pause(ctx context.Context, id uuid.UUID) error {
	from := []domain.CampaignStatus{domain.CampaignStatusScheduled, domain.CampaignStatusSending}
	return s.transition(ctx, id, from, domain.CampaignStatusPaused)
}

// Cancel stops a campaign for good.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) error {
	from := []domain.CampaignStatus{
		domain.CampaignStatusDraft,
		domain.CampaignStatusScheduled,
		domain.CampaignStatusSending,
		domain.CampaignStatusPaused,
	}
	return s.transition(ctx, id, from, domain.CampaignStatusCancelled)
}

// Attempts lists the message attempts of a campaign.
func (s *Service) Attempts(ctx context.Context, id uuid.UUID) ([]domain.MessageAttempt, error) {
	if _, err := s.campaigns.GetStatus(ctx, id); err != nil {
		return nil, err
	}
	attempts, err := s.attempts.ListByCampaign(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("campaign service: list attempts: %w", err)
	}
	return attempts, nil
}

// Failures reports the failed attempts of a campaign and the error that
// occurred most often. Ties go to the code that sorts first.
func (s *Service) Failures(ctx context.Context, id uuid.UUID) (*FailureReport, error) {
	attempts, err := s.Attempts(ctx, id)
	if err != nil {
		return nil, err
	}
	report := &FailureReport{Failures: []Failure{}, ByError: make(map[string]int)}
	for _, a := range attempts {
		if a.Status != domain.AttemptStatusFailed {
			continue
		}
		code := a.ErrorCode
		if code == "" {
			code = "unknown"
		}
		report.ByError[code]++
		report.Failures = append(report.Failures, Failure{
			RecipientID: a.RecipientID,
			Address:     a.Address,
			ErrorCode:   code,
			ErrorDetail: a.ErrorDetail,
			FailedAt:    a.FailedAt,
		})
	}

	codes := make([]string, 0, len(report.ByError))
	for code := range report.ByError {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	best := 0
	for _, code := range codes {
		if n := report.ByError[code]; n > best {
			best = n
			report.MostCommonError = code
		}
	}
	return report, nil
}

// AddRecipient stores a contact. Phone numbers are kept in E.164 so inbound
// replies can be matched back.
func (s *Service) AddRecipient(ctx context.Context, input RecipientInput) (*domain.Recipient, error) {
	if strings.TrimSpace(input.OwnerID) == "" {
		return nil, fmt.Errorf("%w: owner is required", apperrors.ErrValidation)
	}
	if strings.TrimSpace(input.Phone) == "" && strings.TrimSpace(input.Email) == "" {
		return nil, fmt.Errorf("%w: phone or email is required", apperrors.ErrValidation)
	}

	var phone, email string
	if input.Phone != "" {
		p, err := transport.NormalizePhone(input.Phone, s.defaultCountryCode)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
		}
		phone = p
	}
	if input.Email != "" {
		e, err := transport.NormalizeEmail(input.Email)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
		}
		email = e
	}

	now := s.now()
	r := &domain.Recipient{
		ID:             uuid.New(),
		OwnerID:        input.OwnerID,
		Name:           strings.TrimSpace(input.Name),
		Phone:          phone,
		Email:          email,
		Address:        input.Address,
		Birthday:       input.Birthday,
		Gender:         input.Gender,
		Category:       input.Category,
		Tags:           input.Tags,
		Fields:         input.Fields,
		IsActive:       true,
		LastActivityAt: input.LastActivityAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.recipients.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("campaign service: create recipient: %w", err)
	}
	return r, nil
}

func (s *Service) reschedule(ctx context.Context, id uuid.UUID, from []domain.CampaignStatus, at time.Time, reason string) (*domain.Campaign, error) {
	ok, err := s.campaigns.Reschedule(ctx, id, from, at)
	if err != nil {
		return nil, fmt.Errorf("campaign service: schedule: %w", err)
	}
	if !ok {
		return nil, s.stateError(ctx, id, domain.CampaignStatusScheduled)
	}
	campaign, err := s.campaigns.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !at.After(s.now()) {
		s.enqueue(ctx, campaign, reason)
	}
	return campaign, nil
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, from []domain.CampaignStatus, to domain.CampaignStatus) error {
	ok, err := s.campaigns.TransitionStatus(ctx, id, from, to, s.now())
	if err != nil {
		return fmt.Errorf("campaign service: %s: %w", to, err)
	}
	if !ok {
		return s.stateError(ctx, id, to)
	}
	return nil
}

func (s *Service) stateError(ctx context.Context, id uuid.UUID, to domain.CampaignStatus) error {
	current, err := s.campaigns.GetStatus(ctx, id)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return err
		}
		return fmt.Errorf("campaign service: read status: %w", err)
	}
	return fmt.Errorf("campaign service: cannot move %s campaign to %s: %w", current, to, apperrors.ErrInvalidState)
}

func (s *Service) enqueue(ctx context.Context, c *domain.Campaign, reason string) {
	if s.enqueuer != nil {
		s.enqueuer.Enqueue(ctx, c, reason)
	}
}

func validateCreateInput(input CreateCampaignInput) error {
	if strings.TrimSpace(input.OwnerID) == "" {
		return fmt.Errorf("%w: owner is required", apperrors.ErrValidation)
	}
	if strings.TrimSpace(input.Name) == "" {
		return fmt.Errorf("%w: campaign name is required", apperrors.ErrValidation)
	}
	if !input.Channel.Valid() {
		return fmt.Errorf("%w: unsupported channel %q", apperrors.ErrValidation, input.Channel)
	}
	if strings.TrimSpace(input.Template) == "" {
		return fmt.Errorf("%w: template is required", apperrors.ErrValidation)
	}
	if input.Channel == domain.ChannelEmail && strings.TrimSpace(input.Subject) == "" {
		return fmt.Errorf("%w: subject is required for email campaigns", apperrors.ErrValidation)
	}
	return audience.Validate(input.Audience)
}
