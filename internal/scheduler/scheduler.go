package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/acme/outbound-messaging/internal/config"
	"github.com/acme/outbound-messaging/internal/domain"
	"github.com/acme/outbound-messaging/internal/queue"
	"github.com/acme/outbound-messaging/internal/quota"
	"github.com/acme/outbound-messaging/internal/service/concurrency"
	"github.com/acme/outbound-messaging/pkg/logger"
)

var tracer = otel.Tracer("outbound.scheduler")

// DueCampaigns lists campaigns whose scheduled time has passed.
type DueCampaigns interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Campaign, error)
}

// Enqueuer publishes dispatch messages.
type Enqueuer interface {
	EnqueueCampaign(ctx context.Context, msg queue.DispatchMessage) error
}

// Locker coordinates scheduler replicas.
type Locker interface {
	Acquire(ctx context.Context, name string) (*concurrency.Lock, error)
	Release(ctx context.Context, lock *concurrency.Lock) error
	Mark(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Clear(ctx context.Context, name string) error
}

// Window reports whether sending is currently allowed.
type Window interface {
	IsValid(t time.Time) bool
	Location() *time.Location
}

// QuotaRoller starts a new quota period.
type QuotaRoller interface {
	Rollover(ctx context.Context, period string) (int, error)
}

// Deps wires a Scheduler.
type Deps struct {
	Campaigns DueCampaigns
	Enqueuer  Enqueuer
	Locker    Locker
	Window    Window
	Quota     QuotaRoller
	Logger    *logger.Logger
	Now       func() time.Time
}

// Scheduler turns due scheduled campaigns into dispatch messages and runs
// the monthly quota rollover.
type Scheduler struct {
	deps Deps
	cfg  config.SchedulerConfig
}

// New constructs a scheduler.
func New(deps Deps, cfg config.SchedulerConfig) *Scheduler {
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	return &Scheduler{deps: deps, cfg: cfg}
}

// Run executes the scheduling loop until cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	c, err := s.startCron(ctx)
	if err != nil {
		return err
	}
	if c != nil {
		defer c.Stop()
	}

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.deps.Logger.Error("scheduler tick failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick enqueues every due campaign not enqueued recently and returns how
// many messages were published. Only one replica ticks at a time.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "scheduler.tick")
	defer span.End()
	log := s.deps.Logger.WithContext(ctx)

	now := s.deps.Now().UTC()
	if s.deps.Window != nil && !s.deps.Window.IsValid(now) {
		log.Debug("scheduler: outside sending window, nothing to enqueue")
		return 0, nil
	}

	lock, err := s.deps.Locker.Acquire(ctx, "tick")
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("scheduler: acquire tick lock: %w", err)
	}
	if lock == nil {
		log.Debug("scheduler: another replica is ticking")
		return 0, nil
	}
	defer func() { _ = s.deps.Locker.Release(context.WithoutCancel(ctx), lock) }()

	campaigns, err := s.deps.Campaigns.ListDue(ctx, now, s.cfg.MaxBatchSize)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("scheduler: list due campaigns: %w", err)
	}
	span.SetAttributes(attribute.Int("campaign.count", len(campaigns)))

	enqueued := 0
	for _, c := range campaigns {
		marker := enqueueMarker(c)
		fresh, err := s.deps.Locker.Mark(ctx, marker, s.cfg.LockTTL)
		if err != nil {
			log.Warn("scheduler: set enqueue marker", zap.String("campaign_id", c.ID.String()), zap.Error(err))
			continue
		}
		if !fresh {
			continue
		}

		msg := queue.DispatchMessage{CampaignID: c.ID, OwnerID: c.OwnerID, Reason: "scheduled", EnqueuedAt: now}
		if err := s.deps.Enqueuer.EnqueueCampaign(ctx, msg); err != nil {
			span.RecordError(err)
			log.Error("scheduler: enqueue campaign", zap.String("campaign_id", c.ID.String()), zap.Error(err))
			// let the next tick try again
			_ = s.deps.Locker.Clear(ctx, marker)
			continue
		}
		enqueued++
		log.Info("scheduler: campaign enqueued", zap.String("campaign_id", c.ID.String()), zap.Timep("scheduled_at", c.ScheduledAt))
	}
	return enqueued, nil
}

// RolloverQuota starts the current period on every quota account, once per
// period across replicas.
func (s *Scheduler) RolloverQuota(ctx context.Context) (int, error) {
	if s.deps.Quota == nil {
		return 0, nil
	}
	period := quota.PeriodOf(s.localNow())
	fresh, err := s.deps.Locker.Mark(ctx, "rollover:"+period, 24*time.Hour)
	if err != nil {
		return 0, fmt.Errorf("scheduler: rollover marker: %w", err)
	}
	if !fresh {
		return 0, nil
	}
	n, err := s.deps.Quota.Rollover(ctx, period)
	if err != nil {
		_ = s.deps.Locker.Clear(ctx, "rollover:"+period)
		return n, fmt.Errorf("scheduler: rollover %s: %w", period, err)
	}
	s.deps.Logger.Info("scheduler: quota rolled over", zap.String("period", period), zap.Int("accounts", n))
	return n, nil
}

func (s *Scheduler) startCron(ctx context.Context) (*cron.Cron, error) {
	if s.cfg.QuotaRolloverCron == "" || s.deps.Quota == nil {
		return nil, nil
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithLocation(s.location()))
	if _, err := c.AddFunc(s.cfg.QuotaRolloverCron, func() {
		if _, err := s.RolloverQuota(ctx); err != nil {
			s.deps.Logger.Error("scheduler: quota rollover failed", zap.Error(err))
		}
	}); err != nil {
		return nil, fmt.Errorf("scheduler: parse rollover cron %q: %w", s.cfg.QuotaRolloverCron, err)
	}
	c.Start()
	return c, nil
}

func (s *Scheduler) location() *time.Location {
	if s.deps.Window != nil && s.deps.Window.Location() != nil {
		return s.deps.Window.Location()
	}
	return time.UTC
}

func (s *Scheduler) localNow() time.Time {
	return s.deps.Now().In(s.location())
}

// enqueueMarker is unique per schedule, so a rescheduled campaign gets a
// fresh marker.
func enqueueMarker(c *domain.Campaign) string {
	at := int64(0)
	if c.ScheduledAt != nil {
		at = c.ScheduledAt.Unix()
	}
	return fmt.Sprintf("enqueue:%s:%d", c.ID, at)
}
