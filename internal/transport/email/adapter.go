package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/acme/outbound-messaging/internal/config"
	"github.com/acme/outbound-messaging/internal/domain"
	"github.com/acme/outbound-messaging/internal/transport"
	apperrors "github.com/acme/outbound-messaging/pkg/errors"
)

// ServiceName keys the breaker and the provider webhooks.
const ServiceName = "email-provider"

type address struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type personalization struct {
	To         []address         `json:"to"`
	CustomArgs map[string]string `json:"custom_args,omitempty"`
}

type content struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type mailRequest struct {
	Personalizations []personalization `json:"personalizations"`
	From             address           `json:"from"`
	Subject          string            `json:"subject"`
	Content          []content         `json:"content"`
}

type errorResponse struct {
	Errors []struct {
		Message string `json:"message"`
		Field   string `json:"field"`
	} `json:"errors"`
}

type event struct {
	Event     string `json:"event"`
	MessageID string `json:"sg_message_id"`
	Reason    string `json:"reason"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// Adapter sends email through a SendGrid-compatible v3 API.
type Adapter struct {
	cfg    config.ProviderConfig
	client *http.Client
}

// New constructs an email adapter.
func New(cfg config.ProviderConfig, client *http.Client) *Adapter {
	if client == nil {
		client = transport.NewHTTPClient(cfg.Timeout)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.sendgrid.com"
	}
	return &Adapter{cfg: cfg, client: client}
}

func (a *Adapter) Name() string            { return ServiceName }
func (a *Adapter) Channel() domain.Channel { return domain.ChannelEmail }

func (a *Adapter) Normalize(addr string) (string, error) {
	return transport.NormalizeEmail(addr)
}

func (a *Adapter) Send(ctx context.Context, msg transport.Message) (transport.DeliveryHandle, error) {
	to, err := a.Normalize(msg.To)
	if err != nil {
		return transport.DeliveryHandle{}, fmt.Errorf("email: %w", err)
	}
	subject := msg.Subject
	if subject == "" {
		subject = msg.SenderName
	}

	payload, err := json.Marshal(mailRequest{
		Personalizations: []personalization{{
			To: []address{{Email: to}},
			CustomArgs: map[string]string{
				"attempt_id":  msg.AttemptID.String(),
				"campaign_id": msg.CampaignID.String(),
			},
		}},
		From:    address{Email: a.cfg.Sender, Name: msg.SenderName},
		Subject: subject,
		Content: []content{{Type: "text/plain", Value: msg.Body}},
	})
	if err != nil {
		return transport.DeliveryHandle{}, fmt.Errorf("email: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(a.cfg.BaseURL, "/")+"/v3/mail/send", bytes.NewReader(payload))
	if err != nil {
		return transport.DeliveryHandle{}, fmt.Errorf("email: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return transport.DeliveryHandle{}, fmt.Errorf("email: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		perr := &apperrors.ProviderError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var er errorResponse
		if json.Unmarshal(body, &er) == nil && len(er.Errors) > 0 {
			perr.Message = er.Errors[0].Message
			perr.Code = er.Errors[0].Field
		}
		return transport.DeliveryHandle{}, fmt.Errorf("email: send: %w", perr)
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	id := resp.Header.Get("X-Message-Id")
	if id == "" {
		// accepted without an id; fall back to our own key so callbacks can still match
		id = msg.AttemptID.String()
	}
	return transport.DeliveryHandle{ExternalID: id, Status: domain.AttemptStatusSent}, nil
}

// ParseStatus decodes an event webhook batch. Event message ids carry a
// suffix after the first dot that is dropped to match the send response.
func (a *Adapter) ParseStatus(_ string, body []byte) ([]transport.StatusUpdate, error) {
	var events []event
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, fmt.Errorf("email: decode events: %w", apperrors.ErrValidation)
	}
	updates := make([]transport.StatusUpdate, 0, len(events))
	for _, ev := range events {
		id, _, _ := strings.Cut(ev.MessageID, ".")
		u := transport.StatusUpdate{
			ExternalID:  id,
			Status:      transport.MapStatus(ev.Event),
			ErrorDetail: ev.Reason,
			ErrorCode:   ev.Status,
		}
		if ev.Timestamp > 0 {
			u.OccurredAt = time.Unix(ev.Timestamp, 0).UTC()
		}
		updates = append(updates, u)
	}
	return updates, nil
}
