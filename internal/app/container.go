package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/acme/outbound-messaging/internal/api/handlers"
	"github.com/acme/outbound-messaging/internal/breaker"
	"github.com/acme/outbound-messaging/internal/compliance"
	"github.com/acme/outbound-messaging/internal/config"
	"github.com/acme/outbound-messaging/internal/dispatch"
	"github.com/acme/outbound-messaging/internal/infra/db"
	"github.com/acme/outbound-messaging/internal/infra/redis"
	"github.com/acme/outbound-messaging/internal/metrics"
	"github.com/acme/outbound-messaging/internal/queue"
	"github.com/acme/outbound-messaging/internal/quota"
	"github.com/acme/outbound-messaging/internal/render"
	"github.com/acme/outbound-messaging/internal/repository"
	pgrepo "github.com/acme/outbound-messaging/internal/repository/postgres"
	scyllarepo "github.com/acme/outbound-messaging/internal/repository/scylla"
	"github.com/acme/outbound-messaging/internal/scheduler"
	campaignsvc "github.com/acme/outbound-messaging/internal/service/campaign"
	"github.com/acme/outbound-messaging/internal/service/concurrency"
	"github.com/acme/outbound-messaging/internal/service/inbound"
	"github.com/acme/outbound-messaging/internal/transport"
	dispatchworker "github.com/acme/outbound-messaging/internal/worker/dispatch"
	statusworker "github.com/acme/outbound-messaging/internal/worker/status"
	"github.com/acme/outbound-messaging/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Broker   *Broker

	// lazily initialised components
	components struct {
		once         sync.Once
		err          error
		repositories *repositories
		services     *services
		queues       *queues
		runtime      *runtime
	}
}

type repositories struct {
	Campaigns  repository.CampaignRepository
	Recipients repository.RecipientRepository
	Stats      repository.CampaignStatisticsRepository
	Attempts   *scyllarepo.AttemptStore
}

type services struct {
	Campaign *campaignsvc.Service
	Inbound  *inbound.Service
}

type queues struct {
	Enqueuer        *queue.CampaignEnqueuer
	StatusPublisher *queue.StatusPublisher
}

type runtime struct {
	Ledger     *quota.Ledger
	Breaker    *breaker.Breaker
	Window     *compliance.Window
	Transports *transport.Registry
	Dispatcher *dispatch.Dispatcher
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env, logger.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	if err != nil {
		return nil, err
	}

	container := &Container{Config: cfg, Logger: lg}

	container.Postgres, err = db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("bootstrap postgres: %w", err)
	}
	if err := container.Postgres.Migrate(ctx); err != nil {
		_ = container.Close(ctx)
		return nil, fmt.Errorf("bootstrap postgres: %w", err)
	}

	container.Scylla, err = db.NewScylla(cfg.Scylla)
	if err != nil {
		_ = container.Close(ctx)
		return nil, fmt.Errorf("bootstrap scylla: %w", err)
	}
	if !cfg.Scylla.DisableInitSchema {
		if err := scyllarepo.NewAttemptStore(container.Scylla.Session()).EnsureSchema(ctx); err != nil {
			_ = container.Close(ctx)
			return nil, fmt.Errorf("bootstrap scylla: %w", err)
		}
	}

	container.Redis, err = redis.NewClient(ctx, cfg.Redis)
	if err != nil {
		_ = container.Close(ctx)
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}

	container.Broker, err = NewBroker(cfg)
	if err != nil {
		_ = container.Close(ctx)
		return nil, fmt.Errorf("bootstrap %s: %w", cfg.Queue.Driver, err)
	}

	lg.Info("container built",
		zap.String("env", cfg.App.Env),
		zap.String("queue_driver", cfg.Queue.Driver))
	return container, nil
}

func (c *Container) initComponents() error {
	c.components.once.Do(func() {
		c.components.err = c.buildComponents()
	})
	return c.components.err
}

func (c *Container) buildComponents() error {
	cfg := c.Config
	sqlDB := c.Postgres.DB()
	rdb := c.Redis.Inner()

	repos := &repositories{
		Campaigns:  pgrepo.NewCampaignRepository(sqlDB),
		Recipients: pgrepo.NewRecipientRepository(sqlDB),
		Stats:      pgrepo.NewCampaignStatisticsRepository(sqlDB),
		Attempts:   scyllarepo.NewAttemptStore(c.Scylla.Session()),
	}

	dispatchPub, err := c.Broker.Publisher(c.Broker.DispatchDestination())
	if err != nil {
		return fmt.Errorf("dispatch publisher: %w", err)
	}
	statusPub, err := c.Broker.Publisher(c.Broker.StatusDestination())
	if err != nil {
		_ = dispatchPub.Close()
		return fmt.Errorf("status publisher: %w", err)
	}
	qs := &queues{
		Enqueuer:        queue.NewCampaignEnqueuer(dispatchPub),
		StatusPublisher: queue.NewStatusPublisher(statusPub),
	}
	// registered before anything else can fail so Close releases them
	c.components.queues = qs

	window, err := compliance.New(cfg.Compliance)
	if err != nil {
		return err
	}
	transports, err := BuildTransports(cfg.Providers)
	if err != nil {
		return err
	}

	rt := &runtime{
		Ledger: quota.NewLedger(rdb, cfg.Quota.KeyPrefix),
		Breaker: breaker.New(rdb, breaker.Options{
			Threshold: cfg.Breaker.Threshold,
			Cooldown:  cfg.Breaker.Cooldown,
			KeyPrefix: cfg.Breaker.KeyPrefix,
			OnStateChange: func(service string, open bool) {
				metrics.CircuitChanged(service, open)
				c.Logger.Warn("circuit state changed", zap.String("service", service), zap.Bool("open", open))
			},
		}),
		Window:     window,
		Transports: transports,
	}
	rt.Dispatcher = dispatch.New(dispatch.Deps{
		Campaigns:  repos.Campaigns,
		Recipients: repos.Recipients,
		Stats:      repos.Stats,
		Attempts:   repos.Attempts,
		Quota:      rt.Ledger,
		Breaker:    rt.Breaker,
		Locker:     concurrency.NewLocker(rdb, "outbound:run", cfg.Dispatch.RunLockTTL),
		Window:     window,
		Renderer:   render.New(render.WithLocation(window.Location())),
		Transports: transports,
		Enqueuer:   qs.Enqueuer,
		Logger:     c.Logger,
	}, dispatch.Options{
		Concurrency:        cfg.Dispatch.Concurrency,
		SendInterval:       cfg.Dispatch.SendInterval,
		SendTimeout:        cfg.Dispatch.SendTimeout,
		LockRefresh:        cfg.Dispatch.RunLockTTL / 3,
		StatusCallbackBase: cfg.Providers.StatusCallbackBase,
	})

	svcs := &services{
		Campaign: campaignsvc.NewService(
			repos.Campaigns,
			repos.Recipients,
			repos.Stats,
			repos.Attempts,
			rt.Dispatcher,
			cfg.Providers.DefaultCountryCode,
		),
		Inbound: inbound.NewService(repos.Recipients, cfg.Providers.DefaultCountryCode, c.Logger),
	}

	c.components.repositories = repos
	c.components.runtime = rt
	c.components.services = svcs
	return nil
}

// Dispatcher returns the campaign dispatcher.
func (c *Container) Dispatcher() (*dispatch.Dispatcher, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return c.components.runtime.Dispatcher, nil
}

// HandlerSet builds HTTP handlers with dependencies.
func (c *Container) HandlerSet() (*handlers.HandlerSet, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	rt := c.components.runtime
	return handlers.NewHandlerSet(handlers.Deps{
		Campaigns:  c.components.services.Campaign,
		Dispatcher: rt.Dispatcher,
		Inbound:    c.components.services.Inbound,
		Quota:      rt.Ledger,
		Circuits:   rt.Breaker,
		Providers:  rt.Transports,
		Statuses:   c.components.queues.StatusPublisher,
		Health: map[string]handlers.HealthCheck{
			"postgres": func(ctx context.Context) error { return c.Postgres.DB().PingContext(ctx) },
			"redis":    func(ctx context.Context) error { return c.Redis.Inner().Ping(ctx).Err() },
			"scylla": func(ctx context.Context) error {
				return c.Scylla.Session().Query("SELECT now() FROM system.local").WithContext(ctx).Exec()
			},
		},
		Logger: c.Logger,
	}), nil
}

// Scheduler builds the due-campaign scheduler.
func (c *Container) Scheduler() (*scheduler.Scheduler, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	rt := c.components.runtime
	return scheduler.New(scheduler.Deps{
		Campaigns: c.components.repositories.Campaigns,
		Enqueuer:  c.components.queues.Enqueuer,
		Locker:    concurrency.NewLocker(c.Redis.Inner(), c.Config.Scheduler.LockKeyPrefix, c.Config.Scheduler.LockTTL),
		Window:    rt.Window,
		Quota:     rt.Ledger,
		Logger:    c.Logger,
	}, c.Config.Scheduler), nil
}

// Workers builds the dispatch and status consumers.
func (c *Container) Workers() (*dispatchworker.Worker, *statusworker.Worker, error) {
	if err := c.initComponents(); err != nil {
		return nil, nil, err
	}
	dispatchConsumer, err := c.Broker.Consumer(c.Broker.DispatchDestination())
	if err != nil {
		return nil, nil, fmt.Errorf("dispatch consumer: %w", err)
	}
	statusConsumer, err := c.Broker.Consumer(c.Broker.StatusDestination())
	if err != nil {
		_ = dispatchConsumer.Close()
		return nil, nil, fmt.Errorf("status consumer: %w", err)
	}

	rt := c.components.runtime
	dw := dispatchworker.New(dispatchConsumer, rt.Dispatcher, c.components.repositories.Campaigns, c.Logger.With(zap.String("worker", "dispatch")))
	sw := statusworker.New(statusConsumer, rt.Dispatcher, c.Logger.With(zap.String("worker", "status")))
	return dw, sw, nil
}

// EnsureTopics creates the Kafka topics when the kafka driver is used.
func (c *Container) EnsureTopics(ctx context.Context) error {
	return c.Broker.EnsureTopics(ctx)
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if q := c.components.queues; q != nil {
		if err := q.Enqueuer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("enqueuer close: %w", err))
		}
		if err := q.StatusPublisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("status publisher close: %w", err))
		}
	}
	if c.Broker != nil {
		if err := c.Broker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("broker close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	return errors.Join(errs...)
}
