package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/outbound-messaging/internal/api/handlers"
	"github.com/acme/outbound-messaging/internal/breaker"
	"github.com/acme/outbound-messaging/internal/config"
	"github.com/acme/outbound-messaging/internal/dispatch"
	"github.com/acme/outbound-messaging/internal/domain"
	"github.com/acme/outbound-messaging/internal/queue"
	"github.com/acme/outbound-messaging/internal/quota"
	"github.com/acme/outbound-messaging/internal/repository/memory"
	campaignsvc "github.com/acme/outbound-messaging/internal/service/campaign"
	"github.com/acme/outbound-messaging/internal/service/inbound"
	"github.com/acme/outbound-messaging/internal/transport"
	"github.com/acme/outbound-messaging/internal/transport/sms"
	apperrors "github.com/acme/outbound-messaging/pkg/errors"
)

type stubDispatcher struct {
	retryErr error
	applied  []transport.StatusUpdate
}

func (s *stubDispatcher) RetryFailed(context.Context, uuid.UUID) (uuid.UUID, error) {
	return uuid.Nil, s.retryErr
}

func (s *stubDispatcher) RetryAll(context.Context, uuid.UUID) error { return s.retryErr }

func (s *stubDispatcher) GetStats(_ context.Context, _ uuid.UUID) (*dispatch.Stats, error) {
	return &dispatch.Stats{
		CampaignStats: domain.CampaignStats{RecipientsCount: 4, DeliveredCount: 2, FailedCount: 1},
		ByStatus:      map[domain.AttemptStatus]int64{domain.AttemptStatusSent: 2, domain.AttemptStatusFailed: 1},
	}, nil
}

func (s *stubDispatcher) ApplyDeliveryStatus(_ context.Context, u transport.StatusUpdate) error {
	s.applied = append(s.applied, u)
	return nil
}

type captureSink struct{ msgs []queue.StatusMessage }

func (c *captureSink) PublishStatus(_ context.Context, msg queue.StatusMessage) error {
	c.msgs = append(c.msgs, msg)
	return nil
}

type testEnv struct {
	srv   *Server
	store *memory.Store
	disp  *stubDispatcher
}

func newTestEnv(t *testing.T, sink handlers.StatusSink, health map[string]handlers.HealthCheck) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := memory.New()
	disp := &stubDispatcher{}
	now := func() time.Time { return time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC) }
	h := handlers.NewHandlerSet(handlers.Deps{
		Campaigns:  campaignsvc.NewService(store.Campaigns(), store.Recipients(), store.Statistics(), store.Attempts(), nil, "33"),
		Dispatcher: disp,
		Inbound:    inbound.NewService(store.Recipients(), "33", nil),
		Quota:      quota.NewLedger(client, "test:quota"),
		Circuits:   breaker.New(client, breaker.Options{KeyPrefix: "test:circuit"}),
		Providers:  transport.NewRegistry(sms.New(config.ProviderConfig{}, "33", nil)),
		Statuses:   sink,
		Health:     health,
		Now:        now,
	})
	return &testEnv{srv: NewServer(config.HTTPConfig{}, h), store: store, disp: disp}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.srv.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return resp.StatusCode, out
}

func TestCampaignEndpoints(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	code, body := env.do(t, http.MethodPost, "/api/v1/recipients", map[string]any{
		"owner_id": "shop-1", "name": "Alice Martin", "phone": "06 12 34 56 78",
	})
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, "+33612345678", body["phone"])

	code, body = env.do(t, http.MethodPost, "/api/v1/campaigns", map[string]any{
		"owner_id": "shop-1", "name": "Promo", "channel": "sms", "template": "Hi {firstName}",
	})
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, "draft", body["status"])
	assert.EqualValues(t, 1, body["recipients_count"])
	id := body["id"].(string)

	code, body = env.do(t, http.MethodGet, "/api/v1/campaigns/"+id, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Promo", body["name"])

	code, _ = env.do(t, http.MethodPost, "/api/v1/campaigns/"+id+"/pause", nil)
	assert.Equal(t, http.StatusConflict, code)

	code, body = env.do(t, http.MethodPost, "/api/v1/campaigns/"+id+"/run", nil)
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "scheduled", body["status"])

	code, _ = env.do(t, http.MethodPost, "/api/v1/campaigns/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusNoContent, code)

	code, body = env.do(t, http.MethodGet, "/api/v1/campaigns?owner_id=shop-1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["campaigns"], 1)

	code, body = env.do(t, http.MethodGet, "/api/v1/campaigns/"+id+"/stats", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["pending_count"])
}

func TestCampaignRequestErrors(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	code, body := env.do(t, http.MethodPost, "/api/v1/campaigns", map[string]any{
		"owner_id": "shop-1", "name": "Promo", "channel": "fax", "template": "Hi",
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["error"], "Channel must be one of")

	code, _ = env.do(t, http.MethodGet, "/api/v1/campaigns/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.do(t, http.MethodGet, "/api/v1/campaigns/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, code)

	env.disp.retryErr = fmt.Errorf("dispatch: retry failed: %w", apperrors.ErrInvalidState)
	code, _ = env.do(t, http.MethodPost, "/api/v1/campaigns/"+uuid.NewString()+"/retry-failed", nil)
	assert.Equal(t, http.StatusConflict, code)

	env.disp.retryErr = fmt.Errorf("quota: %w", apperrors.ErrQuotaExceeded)
	code, _ = env.do(t, http.MethodPost, "/api/v1/campaigns/"+uuid.NewString()+"/retry-all", nil)
	assert.Equal(t, http.StatusTooManyRequests, code)
}

func TestQuotaEndpoints(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	code, _ := env.do(t, http.MethodGet, "/api/v1/quota/shop-1", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, body := env.do(t, http.MethodPut, "/api/v1/quota/shop-1", map[string]any{"total": 100})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "2024-06", body["period"])
	assert.EqualValues(t, 100, body["remaining"])

	code, _ = env.do(t, http.MethodPost, "/api/v1/quota/shop-1/top-up", map[string]any{"amount": 0})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = env.do(t, http.MethodPost, "/api/v1/quota/shop-1/top-up", map[string]any{"amount": 50})
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 150, body["total"])

	code, body = env.do(t, http.MethodGet, "/api/v1/circuits/sms-provider", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["open"])

	code, _ = env.do(t, http.MethodDelete, "/api/v1/circuits/sms-provider", nil)
	assert.Equal(t, http.StatusNoContent, code)
}

func TestStatusWebhookQueuesReports(t *testing.T) {
	sink := &captureSink{}
	env := newTestEnv(t, sink, nil)

	code, body := env.do(t, http.MethodPost, "/webhooks/status/sms-provider", []map[string]any{
		{"id": "m-1", "status": "delivered"},
		{"id": "m-2", "status": "undelivered", "error_code": "30003"},
	})
	require.Equal(t, http.StatusOK, code, body)
	assert.EqualValues(t, 2, body["accepted"])
	require.Len(t, sink.msgs, 2)
	assert.Equal(t, "sms-provider", sink.msgs[0].Provider)
	assert.Equal(t, "failed", sink.msgs[1].Status)
	assert.Equal(t, "30003", sink.msgs[1].ErrorCode)
	assert.Empty(t, env.disp.applied)

	code, _ = env.do(t, http.MethodPost, "/webhooks/status/unknown", map[string]any{})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestStatusWebhookAppliesInlineWithoutSink(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	code, _ := env.do(t, http.MethodPost, "/webhooks/status/sms-provider", map[string]any{"id": "m-1", "status": "delivered"})
	require.Equal(t, http.StatusOK, code)
	require.Len(t, env.disp.applied, 1)
	assert.Equal(t, domain.AttemptStatusDelivered, env.disp.applied[0].Status)
}

func TestInboundWebhookOptsOut(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()
	r := &domain.Recipient{ID: uuid.New(), OwnerID: "shop-1", Phone: "+33612345678"}
	require.NoError(t, env.store.Recipients().Create(ctx, r))

	code, body := env.do(t, http.MethodPost, "/webhooks/inbound/sms-provider", map[string]any{"from": "0612345678", "text": "STOP"})
	require.Equal(t, http.StatusOK, code, body)
	assert.EqualValues(t, 1, body["updated"])

	got, err := env.store.Recipients().Get(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, got.OptedOut)
}

func TestHealthzReportsFailingDependency(t *testing.T) {
	env := newTestEnv(t, nil, map[string]handlers.HealthCheck{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	})

	code, body := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body["status"])
}
