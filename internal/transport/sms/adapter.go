package sms

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
const ServiceName = "sms-provider"

type sendRequest struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Text        string `json:"text"`
	Reference   string `json:"reference"`
	CallbackURL string `json:"callback_url,omitempty"`
}

type sendResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type statusReport struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	ErrorCode string    `json:"error_code"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

type inboundReport struct {
	From string `json:"from"`
	Text string `json:"text"`
}

// Adapter talks to a JSON SMS gateway.
type Adapter struct {
	cfg         config.ProviderConfig
	countryCode string
	client      *http.Client
}

// New constructs an SMS adapter.
func New(cfg config.ProviderConfig, defaultCountryCode string, client *http.Client) *Adapter {
	if client == nil {
		client = transport.NewHTTPClient(cfg.Timeout)
	}
	return &Adapter{cfg: cfg, countryCode: defaultCountryCode, client: client}
}

func (a *Adapter) Name() string            { return ServiceName }
func (a *Adapter) Channel() domain.Channel { return domain.ChannelSMS }

func (a *Adapter) Normalize(address string) (string, error) {
	return transport.NormalizePhone(address, a.countryCode)
}

// Send submits one SMS. The attempt id doubles as the gateway reference so a
// replayed send can be matched by the provider.
func (a *Adapter) Send(ctx context.Context, msg transport.Message) (transport.DeliveryHandle, error) {
	to, err := a.Normalize(msg.To)
	if err != nil {
		return transport.DeliveryHandle{}, fmt.Errorf("sms: %w", err)
	}
	from := a.cfg.Sender
	if from == "" {
		from = msg.SenderName
	}

	payload, err := json.Marshal(sendRequest{
		From:        from,
		To:          to,
		Text:        msg.Body,
		Reference:   msg.AttemptID.String(),
		CallbackURL: msg.StatusCallback,
	})
	if err != nil {
		return transport.DeliveryHandle{}, fmt.Errorf("sms: marshal: %w", err)
	}

	url := strings.TrimRight(a.cfg.BaseURL, "/") + "/v1/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return transport.DeliveryHandle{}, fmt.Errorf("sms: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Idempotency-Key", msg.AttemptID.String())

	resp, err := a.client.Do(req)
	if err != nil {
		return transport.DeliveryHandle{}, fmt.Errorf("sms: send: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return transport.DeliveryHandle{}, fmt.Errorf("sms: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		perr := &apperrors.ProviderError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var er errorResponse
		if json.Unmarshal(body, &er) == nil && er.Error.Message != "" {
			perr.Code = er.Error.Code
			perr.Message = er.Error.Message
		}
		return transport.DeliveryHandle{}, fmt.Errorf("sms: send: %w", perr)
	}

	var out sendResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return transport.DeliveryHandle{}, fmt.Errorf("sms: decode response: %w", err)
	}
	if out.ID == "" {
		return transport.DeliveryHandle{}, fmt.Errorf("sms: empty message id")
	}
	status := transport.MapStatus(out.Status)
	if status == "" || status == domain.AttemptStatusReceived {
		status = domain.AttemptStatusSent
	}
	return transport.DeliveryHandle{ExternalID: out.ID, Status: status}, nil
}

// ParseStatus accepts a single report or a batch.
func (a *Adapter) ParseStatus(_ string, body []byte) ([]transport.StatusUpdate, error) {
	var reports []statusReport
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &reports); err != nil {
			return nil, fmt.Errorf("sms: decode status: %w", apperrors.ErrValidation)
		}
	} else {
		var one statusReport
		if err := json.Unmarshal(trimmed, &one); err != nil {
			return nil, fmt.Errorf("sms: decode status: %w", apperrors.ErrValidation)
		}
		reports = append(reports, one)
	}

	updates := make([]transport.StatusUpdate, 0, len(reports))
	for _, r := range reports {
		updates = append(updates, transport.StatusUpdate{
			ExternalID:  r.ID,
			Status:      transport.MapStatus(r.Status),
			ErrorCode:   r.ErrorCode,
			ErrorDetail: r.Error,
			OccurredAt:  r.Timestamp,
		})
	}
	return updates, nil
}

// ParseInbound decodes a forwarded reply.
func (a *Adapter) ParseInbound(_ string, body []byte) ([]transport.InboundMessage, error) {
	var in inboundReport
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("sms: decode inbound: %w", apperrors.ErrValidation)
	}
	return []transport.InboundMessage{{From: in.From, Body: in.Text}}, nil
}
