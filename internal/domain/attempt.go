package domain

import (
	"time"

	"github.com/google/uuid"
)

// AttemptStatus enumerates lifecycle stages of a single message delivery.
type AttemptStatus string

const (
	AttemptStatusPending   AttemptStatus = "pending"
	AttemptStatusSent      AttemptStatus = "sent"
	AttemptStatusDelivered AttemptStatus = "delivered"
	AttemptStatusFailed    AttemptStatus = "failed"
	AttemptStatusReceived  AttemptStatus = "received"
)

// attemptNamespace seeds deterministic attempt ids.
var attemptNamespace = uuid.MustParse("6f1c1b8e-3c55-4d0b-9a53-0d7b8f3e2a41")

// AttemptID derives the idempotency key of a (campaign, recipient) pair.
func AttemptID(campaignID, recipientID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(attemptNamespace, append(campaignID[:], recipientID[:]...))
}

// MessageAttempt records one recipient's delivery within a campaign.
type MessageAttempt struct {
	ID          uuid.UUID
	CampaignID  uuid.UUID
	RecipientID uuid.UUID
	Address     string
	Content     string
	Status      AttemptStatus
	ExternalID  string
	ErrorDetail string
	ErrorCode   string
	CreatedAt   time.Time
	SentAt      *time.Time
	DeliveredAt *time.Time
	FailedAt    *time.Time
}

// CanTransition reports whether moving to next keeps the status moving forward.
// pending may go anywhere; sent may become delivered or failed; the rest are final.
func (a *MessageAttempt) CanTransition(next AttemptStatus) bool {
	switch a.Status {
	case AttemptStatusPending:
		return next != AttemptStatusPending
	case AttemptStatusSent:
		return next == AttemptStatusDelivered || next == AttemptStatusFailed
	}
	return false
}

// Settled reports whether the attempt already has an outcome.
func (a *MessageAttempt) Settled() bool {
	return a.Status != AttemptStatusPending
}
