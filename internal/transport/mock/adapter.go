package mock

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-messaging/internal/config"
	"github.com/acme/outbound-messaging/internal/domain"
	"github.com/acme/outbound-messaging/internal/transport"
	apperrors "github.com/acme/outbound-messaging/pkg/errors"
)

// Adapter simulates a provider for local runs.
type Adapter struct {
	name        string
	channel     domain.Channel
	countryCode string
	successRate float64
	latency     time.Duration

	mu   sync.Mutex
	rng  *rand.Rand
	sent []transport.Message
}

// New constructs a mock adapter. A zero success rate in cfg means always succeed.
func New(name string, channel domain.Channel, cfg config.ProviderConfig, defaultCountryCode string) *Adapter {
	rate := cfg.SuccessRate
	if rate <= 0 {
		rate = 1
	}
	return &Adapter{
		name:        name,
		channel:     channel,
		countryCode: defaultCountryCode,
		successRate: rate,
		latency:     cfg.Timeout / 20,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (a *Adapter) Name() string            { return a.name }
func (a *Adapter) Channel() domain.Channel { return a.channel }

func (a *Adapter) Normalize(address string) (string, error) {
	if a.channel == domain.ChannelEmail {
		return transport.NormalizeEmail(address)
	}
	return transport.NormalizePhone(address, a.countryCode)
}

// Send simulates a provider round trip.
func (a *Adapter) Send(ctx context.Context, msg transport.Message) (transport.DeliveryHandle, error) {
	to, err := a.Normalize(msg.To)
	if err != nil {
		return transport.DeliveryHandle{}, fmt.Errorf("%s: %w", a.name, err)
	}

	if a.latency > 0 {
		select {
		case <-ctx.Done():
			return transport.DeliveryHandle{}, ctx.Err()
		case <-time.After(a.latency):
		}
	}

	a.mu.Lock()
	roll := a.rng.Float64()
	msg.To = to
	if roll < a.successRate {
		a.sent = append(a.sent, msg)
	}
	a.mu.Unlock()

	if roll >= a.successRate {
		return transport.DeliveryHandle{}, &apperrors.ProviderError{StatusCode: 503, Code: "SIMULATED", Message: "simulated failure"}
	}
	return transport.DeliveryHandle{ExternalID: "mock-" + uuid.NewString(), Status: domain.AttemptStatusSent}, nil
}

// Sent returns a copy of the accepted messages.
func (a *Adapter) Sent() []transport.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]transport.Message, len(a.sent))
	copy(out, a.sent)
	return out
}
