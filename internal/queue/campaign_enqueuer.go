package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// CampaignEnqueuer turns "campaign ready to send" into a dispatch message.
// Delivery is at least once; the dispatcher is idempotent per recipient.
type CampaignEnqueuer struct {
	pub Publisher
}

// NewCampaignEnqueuer wraps a publisher bound to the dispatch destination.
func NewCampaignEnqueuer(pub Publisher) *CampaignEnqueuer {
	return &CampaignEnqueuer{pub: pub}
}

// EnqueueCampaign writes the dispatch message keyed by campaign id.
func (e *CampaignEnqueuer) EnqueueCampaign(ctx context.Context, msg DispatchMessage) error {
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("campaign enqueuer: marshal message: %w", err)
	}
	if err := e.pub.Publish(ctx, []byte(msg.CampaignID.String()), value); err != nil {
		return fmt.Errorf("campaign enqueuer: %w", err)
	}
	return nil
}

// Close closes the underlying publisher.
func (e *CampaignEnqueuer) Close() error {
	return e.pub.Close()
}
