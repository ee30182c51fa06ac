package app

import (
	"fmt"

	"github.com/acme/outbound-messaging/internal/config"
	"github.com/acme/outbound-messaging/internal/domain"
	"github.com/acme/outbound-messaging/internal/transport"
	"github.com/acme/outbound-messaging/internal/transport/email"
	"github.com/acme/outbound-messaging/internal/transport/mock"
	"github.com/acme/outbound-messaging/internal/transport/sms"
	"github.com/acme/outbound-messaging/internal/transport/whatsapp"
)

// BuildTransports creates one adapter per channel. Kind "http" talks to the
// real provider; "mock" or an empty kind simulates it.
func BuildTransports(cfg config.ProvidersConfig) (*transport.Registry, error) {
	cc := cfg.DefaultCountryCode
	adapters := make([]transport.Adapter, 0, 3)

	switch cfg.SMS.Kind {
	case "", "mock":
		adapters = append(adapters, mock.New(sms.ServiceName, domain.ChannelSMS, cfg.SMS, cc))
	case "http":
		adapters = append(adapters, sms.New(cfg.SMS, cc, nil))
	default:
		return nil, fmt.Errorf("transports: unknown sms provider kind %q", cfg.SMS.Kind)
	}

	switch cfg.WhatsApp.Kind {
	case "", "mock":
		adapters = append(adapters, mock.New(whatsapp.ServiceName, domain.ChannelWhatsApp, cfg.WhatsApp, cc))
	case "http":
		adapters = append(adapters, whatsapp.New(cfg.WhatsApp, cc, nil))
	default:
		return nil, fmt.Errorf("transports: unknown whatsapp provider kind %q", cfg.WhatsApp.Kind)
	}

	switch cfg.Email.Kind {
	case "", "mock":
		adapters = append(adapters, mock.New(email.ServiceName, domain.ChannelEmail, cfg.Email, cc))
	case "http":
		adapters = append(adapters, email.New(cfg.Email, nil))
	default:
		return nil, fmt.Errorf("transports: unknown email provider kind %q", cfg.Email.Kind)
	}

	return transport.NewRegistry(adapters...), nil
}
