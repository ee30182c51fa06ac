package domain

import (
	"time"

	"github.com/google/uuid"
)

// CampaignStatus enumerates lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignStatusDraft         CampaignStatus = "draft"
	CampaignStatusScheduled     CampaignStatus = "scheduled"
	CampaignStatusSending       CampaignStatus = "sending"
	CampaignStatusPartiallySent CampaignStatus = "partially_sent"
	CampaignStatusSent          CampaignStatus = "sent"
	CampaignStatusFailed        CampaignStatus = "failed"
	CampaignStatusPaused        CampaignStatus = "paused"
	CampaignStatusCancelled     CampaignStatus = "cancelled"
)

// Terminal reports whether no further dispatch can happen from this status.
func (s CampaignStatus) Terminal() bool {
	switch s {
	case CampaignStatusSent, CampaignStatusPartiallySent, CampaignStatusFailed, CampaignStatusCancelled:
		return true
	}
	return false
}

// Halted reports whether an operator stopped the campaign.
func (s CampaignStatus) Halted() bool {
	return s == CampaignStatusPaused || s == CampaignStatusCancelled
}

// Channel is the delivery medium of a campaign.
type Channel string

const (
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelEmail    Channel = "email"
)

// Valid reports whether c is a supported channel.
func (c Channel) Valid() bool {
	return c == ChannelSMS || c == ChannelWhatsApp || c == ChannelEmail
}

// Campaign models an outbound messaging campaign.
type Campaign struct {
	ID              uuid.UUID
	OwnerID         string
	Name            string
	Channel         Channel
	Template        string
	Subject         string
	SenderName      string
	BusinessName    string
	Status          CampaignStatus
	Audience        Audience
	RecipientsCount int64
	DeliveredCount  int64
	FailedCount     int64
	SkippedCount    int64
	ScheduledAt     *time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	ParentID        *uuid.UUID
	LastError       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CampaignStats aggregates campaign counters.
type CampaignStats struct {
	RecipientsCount int64
	DeliveredCount  int64
	FailedCount     int64
	SkippedCount    int64
}

// Pending is the number of recipients without an outcome yet.
func (s CampaignStats) Pending() int64 {
	p := s.RecipientsCount - s.DeliveredCount - s.FailedCount - s.SkippedCount
	if p < 0 {
		return 0
	}
	return p
}

// AudienceKind selects how recipients are picked from an owner's contacts.
type AudienceKind string

const (
	AudienceAll             AudienceKind = "all"
	AudienceGender          AudienceKind = "gender"
	AudienceCategory        AudienceKind = "category"
	AudienceTag             AudienceKind = "tag"
	AudienceAgeRange        AudienceKind = "age_range"
	AudienceActivityRecency AudienceKind = "activity_recency"
	AudienceCustom          AudienceKind = "custom"
)

// Audience is the stored selection criteria of a campaign. Only the fields
// matching Kind are meaningful.
type Audience struct {
	Kind             AudienceKind `json:"kind"`
	Gender           string       `json:"gender,omitempty"`
	Category         string       `json:"category,omitempty"`
	Tag              string       `json:"tag,omitempty"`
	MinAge           int          `json:"min_age,omitempty"`
	MaxAge           int          `json:"max_age,omitempty"`
	ActiveWithinDays int          `json:"active_within_days,omitempty"`
	RecipientIDs     []uuid.UUID  `json:"recipient_ids,omitempty"`
}

// QuotaAccount is an owner's message allowance for a period.
type QuotaAccount struct {
	OwnerID  string
	Total    int64
	Used     int64
	Reserved int64
	Period   string
	Active   bool
}

// Remaining is total minus used and reserved, never negative.
func (a QuotaAccount) Remaining() int64 {
	r := a.Total - a.Used - a.Reserved
	if r < 0 {
		return 0
	}
	return r
}

// CircuitState is the shared breaker record for one provider.
type CircuitState struct {
	Service       string
	FailureCount  int
	LastFailureAt *time.Time
	Open          bool
}
