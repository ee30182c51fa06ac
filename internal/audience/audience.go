package audience

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-messaging/internal/domain"
	"github.com/acme/outbound-messaging/internal/render"
	apperrors "github.com/acme/outbound-messaging/pkg/errors"
)

// Predicate decides whether a recipient belongs to an audience.
type Predicate func(r *domain.Recipient) bool

// Compile turns a stored audience into a predicate evaluated at now.
func Compile(a domain.Audience, now time.Time) (Predicate, error) {
	if err := Validate(a); err != nil {
		return nil, err
	}
	switch a.Kind {
	case domain.AudienceAll, "":
		return func(*domain.Recipient) bool { return true }, nil
	case domain.AudienceGender:
		want := strings.ToLower(a.Gender)
		return func(r *domain.Recipient) bool {
			switch want {
			case "male", "m":
				return render.IsMale(r.Gender)
			case "female", "f":
				return render.IsFemale(r.Gender)
			}
			return strings.EqualFold(r.Gender, want)
		}, nil
	case domain.AudienceCategory:
		return func(r *domain.Recipient) bool { return strings.EqualFold(r.Category, a.Category) }, nil
	case domain.AudienceTag:
		return func(r *domain.Recipient) bool {
			for _, t := range r.Tags {
				if strings.EqualFold(t, a.Tag) {
					return true
				}
			}
			return false
		}, nil
	case domain.AudienceAgeRange:
		return func(r *domain.Recipient) bool {
			age := r.AgeAt(now)
			if age < 0 {
				return false
			}
			if a.MinAge > 0 && age < a.MinAge {
				return false
			}
			return a.MaxAge <= 0 || age <= a.MaxAge
		}, nil
	case domain.AudienceActivityRecency:
		since := now.AddDate(0, 0, -a.ActiveWithinDays)
		return func(r *domain.Recipient) bool {
			return r.LastActivityAt != nil && !r.LastActivityAt.Before(since)
		}, nil
	case domain.AudienceCustom:
		ids := make(map[uuid.UUID]struct{}, len(a.RecipientIDs))
		for _, id := range a.RecipientIDs {
			ids[id] = struct{}{}
		}
		return func(r *domain.Recipient) bool {
			_, ok := ids[r.ID]
			return ok
		}, nil
	}
	return nil, fmt.Errorf("audience: unknown kind %q: %w", a.Kind, apperrors.ErrValidation)
}

// Validate checks that the parameters required by the audience kind are set.
func Validate(a domain.Audience) error {
	invalid := func(msg string) error {
		return fmt.Errorf("audience %s: %s: %w", a.Kind, msg, apperrors.ErrValidation)
	}
	switch a.Kind {
	case domain.AudienceAll, "":
	case domain.AudienceGender:
		if strings.TrimSpace(a.Gender) == "" {
			return invalid("gender is required")
		}
	case domain.AudienceCategory:
		if strings.TrimSpace(a.Category) == "" {
			return invalid("category is required")
		}
	case domain.AudienceTag:
		if strings.TrimSpace(a.Tag) == "" {
			return invalid("tag is required")
		}
	case domain.AudienceAgeRange:
		if a.MinAge < 0 || a.MaxAge < 0 || (a.MinAge == 0 && a.MaxAge == 0) {
			return invalid("min_age or max_age is required")
		}
		if a.MaxAge > 0 && a.MinAge > a.MaxAge {
			return invalid("min_age exceeds max_age")
		}
	case domain.AudienceActivityRecency:
		if a.ActiveWithinDays <= 0 {
			return invalid("active_within_days must be positive")
		}
	case domain.AudienceCustom:
		if len(a.RecipientIDs) == 0 {
			return invalid("recipient_ids is required")
		}
	default:
		return fmt.Errorf("audience: unknown kind %q: %w", a.Kind, apperrors.ErrValidation)
	}
	return nil
}

// Select filters contacts in order, dropping opted-out and duplicate recipients.
func Select(a domain.Audience, contacts []*domain.Recipient, now time.Time) ([]*domain.Recipient, error) {
	match, err := Compile(a, now)
	if err != nil {
		return nil, err
	}
	seen := make(map[uuid.UUID]struct{}, len(contacts))
	out := make([]*domain.Recipient, 0, len(contacts))
	for _, r := range contacts {
		if r == nil || r.OptedOut {
			continue
		}
		if _, dup := seen[r.ID]; dup {
			continue
		}
		if match(r) {
			seen[r.ID] = struct{}{}
			out = append(out, r)
		}
	}
	return out, nil
}
