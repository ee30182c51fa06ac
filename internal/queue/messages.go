package queue

import (
	"time"

	"github.com/google/uuid"
)

// DispatchMessage asks a worker to run one campaign.
type DispatchMessage struct {
	CampaignID uuid.UUID `json:"campaign_id"`
	OwnerID    string    `json:"owner_id,omitempty"`
	// Reason records what triggered the run: schedule, manual, retry_failed, retry_all, resume.
	Reason     string    `json:"reason"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// StatusMessage is a provider delivery report waiting to be applied.
type StatusMessage struct {
	Provider    string    `json:"provider"`
	ExternalID  string    `json:"external_id"`
	Status      string    `json:"status"`
	ErrorCode   string    `json:"error_code,omitempty"`
	ErrorDetail string    `json:"error_detail,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
	ReceivedAt  time.Time `json:"received_at"`
}
