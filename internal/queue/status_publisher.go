package queue

import (
	"context"
	"encoding/json"
	"fmt"
)

// StatusPublisher publishes provider delivery reports.
type StatusPublisher struct {
	pub Publisher
}

// NewStatusPublisher wraps a publisher bound to the status destination.
func NewStatusPublisher(pub Publisher) *StatusPublisher {
	return &StatusPublisher{pub: pub}
}

// PublishStatus emits a status message keyed by external id.
func (p *StatusPublisher) PublishStatus(ctx context.Context, msg StatusMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("status publisher: marshal message: %w", err)
	}
	if err := p.pub.Publish(ctx, []byte(msg.ExternalID), value); err != nil {
		return fmt.Errorf("status publisher: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *StatusPublisher) Close() error {
	return p.pub.Close()
}
