package handlers

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/outbound-messaging/internal/dispatch"
	"github.com/acme/outbound-messaging/internal/domain"
	"github.com/acme/outbound-messaging/internal/queue"
	campaignsvc "github.com/acme/outbound-messaging/internal/service/campaign"
	"github.com/acme/outbound-messaging/internal/service/inbound"
	"github.com/acme/outbound-messaging/internal/transport"
	"github.com/acme/outbound-messaging/pkg/logger"
)

// Dispatcher is the part of the campaign dispatcher the API drives.
type Dispatcher interface {
	RetryFailed(ctx context.Context, id uuid.UUID) (uuid.UUID, error)
	RetryAll(ctx context.Context, id uuid.UUID) error
	GetStats(ctx context.Context, id uuid.UUID) (*dispatch.Stats, error)
	ApplyDeliveryStatus(ctx context.Context, update transport.StatusUpdate) error
}

// QuotaAdmin provisions and inspects owner quotas.
type QuotaAdmin interface {
	Provision(ctx context.Context, ownerID string, total int64, period string) error
	TopUp(ctx context.Context, ownerID string, n int64) error
	Account(ctx context.Context, ownerID string) (*domain.QuotaAccount, error)
}

// CircuitAdmin inspects and resets provider circuits.
type CircuitAdmin interface {
	State(ctx context.Context, service string) (*domain.CircuitState, error)
	Reset(ctx context.Context, service string) error
}

// StatusSink queues provider delivery reports for the status worker.
type StatusSink interface {
	PublishStatus(ctx context.Context, msg queue.StatusMessage) error
}

// HealthCheck pings one dependency.
type HealthCheck func(ctx context.Context) error

// Deps holds what the handlers need.
type Deps struct {
	Campaigns  *campaignsvc.Service
	Dispatcher Dispatcher
	Inbound    *inbound.Service
	Quota      QuotaAdmin
	Circuits   CircuitAdmin
	Providers  *transport.Registry
	// Statuses is optional; without it reports are applied inline.
	Statuses StatusSink
	Health   map[string]HealthCheck
	Logger   *logger.Logger
	Now      func() time.Time
}

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	Deps
	validate *validator.Validate
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(deps Deps) *HandlerSet {
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	return &HandlerSet{Deps: deps, validate: validator.New()}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)

	v1 := app.Group("/api").Group("/v1")

	campaigns := v1.Group("/campaigns")
	campaigns.Post("/", h.createCampaign)
	campaigns.Get("/", h.listCampaigns)
	campaigns.Get("/:id", h.getCampaign)
	campaigns.Post("/:id/schedule", h.scheduleCampaign)
	campaigns.Post("/:id/run", h.runCampaign)
	campaigns.Post("/:id/pause", h.pauseCampaign)
	campaigns.Post("/:id/resume", h.resumeCampaign)
	campaigns.Post("/:id/cancel", h.cancelCampaign)
	campaigns.Post("/:id/retry-failed", h.retryFailed)
	campaigns.Post("/:id/retry-all", h.retryAll)
	campaigns.Get("/:id/stats", h.campaignStats)
	campaigns.Get("/:id/attempts", h.campaignAttempts)
	campaigns.Get("/:id/failures", h.campaignFailures)

	v1.Post("/recipients", h.createRecipient)

	quota := v1.Group("/quota")
	quota.Put("/:owner", h.provisionQuota)
	quota.Post("/:owner/top-up", h.topUpQuota)
	quota.Get("/:owner", h.getQuota)

	circuits := v1.Group("/circuits")
	circuits.Get("/:service", h.getCircuit)
	circuits.Delete("/:service", h.resetCircuit)

	hooks := app.Group("/webhooks")
	hooks.Post("/status/:provider", h.statusWebhook)
	hooks.Post("/inbound/:provider", h.inboundWebhook)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.Logger.WithContext(ctx.UserContext()).Error("request failed", zap.String("path", ctx.Path()), zap.Error(err))
		message = "internal error"
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": ctx.GetRespHeader("Trace-Id"),
	})
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.UserContext(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)
	for name, check := range h.Health {
		if err := check(healthCtx); err != nil {
			errs[name] = err.Error()
		}
	}

	status := fiber.StatusOK
	state := "ok"
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
		state = "degraded"
	}

	return ctx.Status(status).JSON(fiber.Map{"status": state, "errors": errs})
}
