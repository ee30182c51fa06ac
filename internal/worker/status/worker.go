package status

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-messaging/internal/queue"
	"github.com/acme/outbound-messaging/internal/transport"
	"github.com/acme/outbound-messaging/pkg/logger"
)

// Applier moves message attempts forward from provider reports.
type Applier interface {
	ApplyDeliveryStatus(ctx context.Context, update transport.StatusUpdate) error
}

// Worker consumes delivery status events and applies them.
type Worker struct {
	consumer queue.Consumer
	applier  Applier
	logger   *logger.Logger
}

// New creates a new status worker.
func New(consumer queue.Consumer, applier Applier, log *logger.Logger) *Worker {
	if log == nil {
		log = logger.NewNop()
	}
	return &Worker{consumer: consumer, applier: applier, logger: log}
}

// Run processes status events until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	defer func() { _ = w.consumer.Close() }()
	return w.consumer.Consume(ctx, w.Handle)
}

// Handle applies one status event.
func (w *Worker) Handle(ctx context.Context, d queue.Delivery) error {
	var msg queue.StatusMessage
	if err := json.Unmarshal(d.Value, &msg); err != nil {
		w.logger.Error("status worker: unmarshal", zap.Error(err))
		return nil
	}

	tracer := otel.Tracer("outbound.statusworker")
	ctx, span := tracer.Start(ctx, "delivery.status", trace.WithAttributes(
		attribute.String("provider", msg.Provider),
		attribute.String("external_id", msg.ExternalID),
		attribute.String("status", msg.Status),
	))
	defer span.End()

	update := transport.StatusUpdate{
		ExternalID:  msg.ExternalID,
		Status:      transport.MapStatus(msg.Status),
		ErrorCode:   msg.ErrorCode,
		ErrorDetail: msg.ErrorDetail,
		OccurredAt:  msg.OccurredAt,
	}
	if err := w.applier.ApplyDeliveryStatus(ctx, update); err != nil {
		span.RecordError(err)
		w.logger.WithContext(ctx).Error("status worker: apply", zap.String("external_id", msg.ExternalID), zap.Error(err))
		return err
	}
	return nil
}
