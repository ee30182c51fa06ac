package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/acme/outbound-messaging/internal/domain"
	apperrors "github.com/acme/outbound-messaging/pkg/errors"
)

// Message is one rendered message ready for a provider.
type Message struct {
	To             string
	Body           string
	Subject        string
	SenderName     string
	CampaignID     uuid.UUID
	AttemptID      uuid.UUID
	StatusCallback string
}

// DeliveryHandle is what a provider hands back once it accepted a message.
type DeliveryHandle struct {
	ExternalID string
	Status     domain.AttemptStatus
}

// Adapter sends messages through one provider. Send never retries; the
// caller decides what to do with a failure.
type Adapter interface {
	Name() string
	Channel() domain.Channel
	Normalize(address string) (string, error)
	Send(ctx context.Context, msg Message) (DeliveryHandle, error)
}

// StatusUpdate is a provider delivery report.
type StatusUpdate struct {
	ExternalID  string
	Status      domain.AttemptStatus
	ErrorCode   string
	ErrorDetail string
	OccurredAt  time.Time
}

// InboundMessage is a message a recipient sent back.
type InboundMessage struct {
	From string
	Body string
}

// StatusParser is implemented by adapters whose provider posts delivery reports.
type StatusParser interface {
	ParseStatus(contentType string, body []byte) ([]StatusUpdate, error)
}

// InboundParser is implemented by adapters whose provider forwards replies.
type InboundParser interface {
	ParseInbound(contentType string, body []byte) ([]InboundMessage, error)
}

// Registry resolves adapters by channel and by provider name.
type Registry struct {
	byChannel map[domain.Channel]Adapter
	byName    map[string]Adapter
}

// NewRegistry indexes adapters. A later adapter for the same channel wins.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{
		byChannel: make(map[domain.Channel]Adapter, len(adapters)),
		byName:    make(map[string]Adapter, len(adapters)),
	}
	for _, a := range adapters {
		r.byChannel[a.Channel()] = a
		r.byName[a.Name()] = a
	}
	return r
}

// ForChannel returns the adapter serving ch.
func (r *Registry) ForChannel(ch domain.Channel) (Adapter, error) {
	a, ok := r.byChannel[ch]
	if !ok {
		return nil, fmt.Errorf("transport: no adapter for channel %q: %w", ch, apperrors.ErrUnavailable)
	}
	return a, nil
}

// ByName returns the adapter registered under a provider name.
func (r *Registry) ByName(name string) (Adapter, error) {
	a, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("transport: unknown provider %q: %w", name, apperrors.ErrNotFound)
	}
	return a, nil
}

// Adapters lists the registered adapters.
func (r *Registry) Adapters() []Adapter {
	out := make([]Adapter, 0, len(r.byName))
	for _, a := range r.byName {
		out = append(out, a)
	}
	return out
}

// NewHTTPClient returns a traced client for provider calls.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// MapStatus folds provider status vocabularies into attempt statuses. An empty
// result means the report carries no state change.
func MapStatus(raw string) domain.AttemptStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "delivered", "read", "open", "opened", "click":
		return domain.AttemptStatusDelivered
	case "failed", "undelivered", "rejected", "expired", "bounce", "bounced", "dropped", "blocked":
		return domain.AttemptStatusFailed
	case "sent", "accepted", "queued", "sending", "processed", "deferred":
		return domain.AttemptStatusSent
	case "received", "receiving":
		return domain.AttemptStatusReceived
	}
	return ""
}
