package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/acme/outbound-messaging/internal/config"
	"github.com/acme/outbound-messaging/internal/domain"
	"github.com/acme/outbound-messaging/internal/transport"
	apperrors "github.com/acme/outbound-messaging/pkg/errors"
)

const (
	// ServiceName keys the breaker and the provider webhooks.
	ServiceName = "whatsapp-provider"
	prefix      = "whatsapp:"
)

type messageResponse struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Adapter sends WhatsApp messages through a Twilio-compatible messages API.
type Adapter struct {
	cfg         config.ProviderConfig
	countryCode string
	client      *http.Client
}

// New constructs a WhatsApp adapter.
func New(cfg config.ProviderConfig, defaultCountryCode string, client *http.Client) *Adapter {
	if client == nil {
		client = transport.NewHTTPClient(cfg.Timeout)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.twilio.com"
	}
	return &Adapter{cfg: cfg, countryCode: defaultCountryCode, client: client}
}

func (a *Adapter) Name() string            { return ServiceName }
func (a *Adapter) Channel() domain.Channel { return domain.ChannelWhatsApp }

func (a *Adapter) Normalize(address string) (string, error) {
	return transport.NormalizePhone(address, a.countryCode)
}

func (a *Adapter) Send(ctx context.Context, msg transport.Message) (transport.DeliveryHandle, error) {
	to, err := a.Normalize(msg.To)
	if err != nil {
		return transport.DeliveryHandle{}, fmt.Errorf("whatsapp: %w", err)
	}

	form := url.Values{}
	form.Set("From", prefix+a.cfg.Sender)
	form.Set("To", prefix+to)
	form.Set("Body", msg.Body)
	if msg.StatusCallback != "" {
		form.Set("StatusCallback", msg.StatusCallback)
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", strings.TrimRight(a.cfg.BaseURL, "/"), a.cfg.AccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return transport.DeliveryHandle{}, fmt.Errorf("whatsapp: build request: %w", err)
	}
	req.SetBasicAuth(a.cfg.AccountSID, a.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return transport.DeliveryHandle{}, fmt.Errorf("whatsapp: send: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return transport.DeliveryHandle{}, fmt.Errorf("whatsapp: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		perr := &apperrors.ProviderError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var er errorResponse
		if json.Unmarshal(body, &er) == nil && er.Code != 0 {
			perr.Code = strconv.Itoa(er.Code)
			perr.Message = er.Message
		}
		return transport.DeliveryHandle{}, fmt.Errorf("whatsapp: send: %w", perr)
	}

	var out messageResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return transport.DeliveryHandle{}, fmt.Errorf("whatsapp: decode response: %w", err)
	}
	status := transport.MapStatus(out.Status)
	if status == "" || status == domain.AttemptStatusReceived {
		status = domain.AttemptStatusSent
	}
	return transport.DeliveryHandle{ExternalID: out.SID, Status: status}, nil
}

// ParseStatus decodes a form-encoded status callback.
func (a *Adapter) ParseStatus(_ string, body []byte) ([]transport.StatusUpdate, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("whatsapp: decode status: %w", apperrors.ErrValidation)
	}
	sid := form.Get("MessageSid")
	if sid == "" {
		sid = form.Get("SmsSid")
	}
	if sid == "" {
		return nil, fmt.Errorf("whatsapp: status without sid: %w", apperrors.ErrValidation)
	}
	return []transport.StatusUpdate{{
		ExternalID:  sid,
		Status:      transport.MapStatus(form.Get("MessageStatus")),
		ErrorCode:   form.Get("ErrorCode"),
		ErrorDetail: form.Get("ErrorMessage"),
	}}, nil
}

// ParseInbound decodes a form-encoded incoming message.
func (a *Adapter) ParseInbound(_ string, body []byte) ([]transport.InboundMessage, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("whatsapp: decode inbound: %w", apperrors.ErrValidation)
	}
	return []transport.InboundMessage{{
		From: strings.TrimPrefix(form.Get("From"), prefix),
		Body: form.Get("Body"),
	}}, nil
}
