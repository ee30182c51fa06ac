package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/outbound-messaging/internal/queue"
	"github.com/acme/outbound-messaging/internal/transport"
)

// statusWebhook accepts delivery reports. Reports are queued for the status
// worker when a sink is configured and applied inline otherwise.
func (h *HandlerSet) statusWebhook(ctx *fiber.Ctx) error {
	provider := ctx.Params("provider")
	adapter, err := h.Providers.ByName(provider)
	if err != nil {
		return translateError(err)
	}
	parser, ok := adapter.(transport.StatusParser)
	if !ok {
		return fiber.NewError(http.StatusNotFound, "provider does not report delivery status")
	}

	updates, err := parser.ParseStatus(string(ctx.Request().Header.ContentType()), ctx.Body())
	if err != nil {
		return translateError(err)
	}

	reqCtx := ctx.UserContext()
	received := h.Now()
	for _, u := range updates {
		if h.Statuses != nil {
			msg := queue.StatusMessage{
				Provider:    provider,
				ExternalID:  u.ExternalID,
				Status:      string(u.Status),
				ErrorCode:   u.ErrorCode,
				ErrorDetail: u.ErrorDetail,
				OccurredAt:  u.OccurredAt,
				ReceivedAt:  received,
			}
			if err := h.Statuses.PublishStatus(reqCtx, msg); err != nil {
				return translateError(err)
			}
			continue
		}
		if err := h.Dispatcher.ApplyDeliveryStatus(reqCtx, u); err != nil {
			return translateError(err)
		}
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"accepted": len(updates)})
}

func (h *HandlerSet) inboundWebhook(ctx *fiber.Ctx) error {
	adapter, err := h.Providers.ByName(ctx.Params("provider"))
	if err != nil {
		return translateError(err)
	}
	parser, ok := adapter.(transport.InboundParser)
	if !ok {
		return fiber.NewError(http.StatusNotFound, "provider does not forward replies")
	}

	messages, err := parser.ParseInbound(string(ctx.Request().Header.ContentType()), ctx.Body())
	if err != nil {
		return translateError(err)
	}

	reqCtx := ctx.UserContext()
	changed := int64(0)
	for _, m := range messages {
		res, err := h.Inbound.Handle(reqCtx, m)
		if err != nil {
			return translateError(err)
		}
		changed += res.Updated
	}
	h.Logger.WithContext(reqCtx).Debug("inbound webhook handled",
		zap.Int("messages", len(messages)),
		zap.Int64("recipients_updated", changed))
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"received": len(messages), "updated": changed})
}
