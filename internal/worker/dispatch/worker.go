package dispatch

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-messaging/internal/dispatch"
	"github.com/acme/outbound-messaging/internal/queue"
	apperrors "github.com/acme/outbound-messaging/pkg/errors"
	"github.com/acme/outbound-messaging/pkg/logger"
)

// Runner runs one campaign.
type Runner interface {
	Run(ctx context.Context, id uuid.UUID) (*dispatch.RunReport, error)
}

// ErrorRecorder stores run-level failures on the campaign.
type ErrorRecorder interface {
	SetLastError(ctx context.Context, id uuid.UUID, msg string) error
}

// Worker consumes dispatch messages and runs the campaigns they name.
type Worker struct {
	consumer queue.Consumer
	runner   Runner
	errors   ErrorRecorder
	logger   *logger.Logger
}

// New creates a dispatch worker.
func New(consumer queue.Consumer, runner Runner, errs ErrorRecorder, log *logger.Logger) *Worker {
	if log == nil {
		log = logger.NewNop()
	}
	return &Worker{consumer: consumer, runner: runner, errors: errs, logger: log}
}

// Run processes dispatch messages until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	defer func() { _ = w.consumer.Close() }()
	return w.consumer.Consume(ctx, w.Handle)
}

// Handle runs the campaign of one delivery. It returns an error only when
// the message should be delivered again.
func (w *Worker) Handle(ctx context.Context, d queue.Delivery) error {
	var msg queue.DispatchMessage
	if err := json.Unmarshal(d.Value, &msg); err != nil {
		w.logger.Error("dispatch worker: unmarshal", zap.Error(err), zap.ByteString("key", d.Key))
		return nil
	}

	tracer := otel.Tracer("outbound.dispatchworker")
	ctx, span := tracer.Start(ctx, "dispatch.message", trace.WithAttributes(
		attribute.String("campaign.id", msg.CampaignID.String()),
		attribute.String("reason", msg.Reason),
	))
	defer span.End()
	log := w.logger.WithContext(ctx).With(zap.String("campaign_id", msg.CampaignID.String()), zap.String("reason", msg.Reason))

	report, err := w.runner.Run(ctx, msg.CampaignID)
	switch {
	case err == nil:
		log.Info("dispatch worker: run complete",
			zap.Bool("rescheduled", report.Rescheduled),
			zap.String("status", report.FinalStatus),
			zap.Int("processed", report.Processed))
		return nil
	case errors.Is(err, apperrors.ErrConflict):
		log.Info("dispatch worker: campaign already running elsewhere")
		return nil
	case errors.Is(err, apperrors.ErrInvalidState), errors.Is(err, apperrors.ErrNotFound):
		log.Info("dispatch worker: nothing to run", zap.Error(err))
		return nil
	case errors.Is(err, apperrors.ErrQuotaExceeded),
		errors.Is(err, apperrors.ErrNoActiveQuota),
		errors.Is(err, apperrors.ErrUnavailable):
		span.RecordError(err)
		log.Warn("dispatch worker: run rejected", zap.Error(err))
		w.recordError(ctx, msg.CampaignID, err)
		return nil
	case ctx.Err() != nil:
		return err
	default:
		span.RecordError(err)
		log.Error("dispatch worker: run failed", zap.Error(err))
		w.recordError(ctx, msg.CampaignID, err)
		return err
	}
}

func (w *Worker) recordError(ctx context.Context, id uuid.UUID, cause error) {
	if w.errors == nil {
		return
	}
	if err := w.errors.SetLastError(context.WithoutCancel(ctx), id, cause.Error()); err != nil {
		w.logger.Warn("dispatch worker: record last error", zap.Error(err))
	}
}
