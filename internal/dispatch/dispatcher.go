// Package dispatch runs campaigns and applies provider delivery reports to
// their attempts.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/acme/outbound-messaging/internal/domain"
	"github.com/acme/outbound-messaging/internal/metrics"
	"github.com/acme/outbound-messaging/internal/queue"
	"github.com/acme/outbound-messaging/internal/quota"
	"github.com/acme/outbound-messaging/internal/render"
	"github.com/acme/outbound-messaging/internal/repository"
	"github.com/acme/outbound-messaging/internal/service/concurrency"
	"github.com/acme/outbound-messaging/internal/transport"
	apperrors "github.com/acme/outbound-messaging/pkg/errors"
	"github.com/acme/outbound-messaging/pkg/logger"
)

var tracer = otel.Tracer("outbound.dispatch")

// Ledger is the part of the quota ledger a run needs.
type Ledger interface {
	Reserve(ctx context.Context, ownerID, holdID string, n int64) (quota.Reservation, error)
	Settle(ctx context.Context, res quota.Reservation, consumed int64) error
}

// CircuitBreaker guards provider calls.
type CircuitBreaker interface {
	Call(ctx context.Context, service string, op func(context.Context) error) error
}

// RunLocker serialises runs of one campaign across workers.
type RunLocker interface {
	Acquire(ctx context.Context, name string) (*concurrency.Lock, error)
	Extend(ctx context.Context, lock *concurrency.Lock) (bool, error)
	Release(ctx context.Context, lock *concurrency.Lock) error
}

// Window decides when sending is allowed.
type Window interface {
	IsValid(t time.Time) bool
	NextValidTime(from time.Time) time.Time
}

// Enqueuer hands a campaign to the dispatch workers.
type Enqueuer interface {
	EnqueueCampaign(ctx context.Context, msg queue.DispatchMessage) error
}

// Transports resolves the adapter for a channel.
type Transports interface {
	ForChannel(ch domain.Channel) (transport.Adapter, error)
}

// Deps wires a Dispatcher.
type Deps struct {
	Campaigns  repository.CampaignRepository
	Recipients repository.RecipientRepository
	Stats      repository.CampaignStatisticsRepository
	Attempts   repository.AttemptStore
	Quota      Ledger
	Breaker    CircuitBreaker
	Locker     RunLocker
	Window     Window
	Renderer   *render.Renderer
	Transports Transports
	Enqueuer   Enqueuer
	Logger     *logger.Logger
}

// Options tunes a Dispatcher.
type Options struct {
	Concurrency  int
	SendInterval time.Duration
	SendTimeout  time.Duration
	// LockRefresh is how often a running campaign extends its run lock.
	// Zero disables the heartbeat.
	LockRefresh time.Duration
	// StatusCallbackBase is the public base URL providers post reports to.
	StatusCallbackBase string
	Now                func() time.Time
}

// Dispatcher runs campaigns: compliance check, quota reservation, bounded
// concurrent sends through the breaker, outcome recording and final status.
type Dispatcher struct {
	Deps
	opts Options
}

// New constructs a dispatcher.
func New(deps Deps, opts Options) *Dispatcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	if deps.Renderer == nil {
		deps.Renderer = render.New()
	}
	return &Dispatcher{Deps: deps, opts: opts}
}

func (d *Dispatcher) now() time.Time { return d.opts.Now().UTC() }

// staleClaim is how old a pending attempt must be before a run treats its
// owner as gone. Sends are bounded by SendTimeout, so twice that is safe.
func (d *Dispatcher) staleClaim() time.Duration { return 2 * d.opts.SendTimeout }

// keepLock extends the run lock every LockRefresh until stop is called. The
// returned flag is set once the lock is found taken by someone else.
func (d *Dispatcher) keepLock(ctx context.Context, lock *concurrency.Lock, log *logger.Logger) (*atomic.Bool, func()) {
	lost := new(atomic.Bool)
	if d.opts.LockRefresh <= 0 {
		return lost, func() {}
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(d.opts.LockRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			ok, err := d.Locker.Extend(ctx, lock)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn("dispatch: extend run lock", zap.Error(err))
				continue
			}
			if !ok {
				lost.Store(true)
				log.Error("dispatch: run lock lost, stopping")
				return
			}
		}
	}()
	return lost, func() {
		cancel()
		<-done
	}
}

// Run dispatches a scheduled campaign, or resumes one left in sending. It is
// safe to call more than once: recipients with a settled attempt are skipped.
func (d *Dispatcher) Run(ctx context.Context, id uuid.UUID) (*RunReport, error) {
	ctx, span := tracer.Start(ctx, "dispatch.run", trace.WithAttributes(attribute.String("campaign.id", id.String())))
	defer span.End()
	log := d.Logger.WithContext(ctx).With(zap.String("campaign_id", id.String()))
	started := d.now()

	lock, err := d.Locker.Acquire(ctx, "run:"+id.String())
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("dispatch: run %s: %w", id, err)
	}
	if lock == nil {
		return nil, fmt.Errorf("dispatch: run %s already in progress: %w", id, apperrors.ErrConflict)
	}
	defer func() {
		if err := d.Locker.Release(context.WithoutCancel(ctx), lock); err != nil {
			log.Warn("dispatch: release run lock", zap.Error(err))
		}
	}()
	lost, stopHeartbeat := d.keepLock(ctx, lock, log)
	defer stopHeartbeat()

	campaign, err := d.Campaigns.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("dispatch: load campaign %s: %w", id, err)
	}
	if campaign.Status != domain.CampaignStatusScheduled && campaign.Status != domain.CampaignStatusSending {
		return nil, fmt.Errorf("dispatch: campaign %s is %s: %w", id, campaign.Status, apperrors.ErrInvalidState)
	}
	span.SetAttributes(attribute.String("campaign.channel", string(campaign.Channel)))

	report := &RunReport{CampaignID: id}

	if !d.Window.IsValid(started) {
		next := d.Window.NextValidTime(started).UTC()
		ok, err := d.Campaigns.Reschedule(ctx, id, []domain.CampaignStatus{domain.CampaignStatusScheduled, domain.CampaignStatusSending}, next)
		if err != nil {
			return nil, fmt.Errorf("dispatch: reschedule %s: %w", id, err)
		}
		if !ok {
			return nil, fmt.Errorf("dispatch: reschedule %s: %w", id, apperrors.ErrInvalidState)
		}
		report.Rescheduled = true
		report.ScheduledAt = &next
		report.FinalStatus = string(domain.CampaignStatusScheduled)
		log.Info("dispatch: outside compliance window, rescheduled", zap.Time("scheduled_at", next))
		return report, nil
	}

	adapter, err := d.Transports.ForChannel(campaign.Channel)
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}

	recipients, err := d.Recipients.ListForCampaign(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("dispatch: list recipients for %s: %w", id, err)
	}
	existing, err := d.Attempts.ListByCampaign(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("dispatch: list attempts for %s: %w", id, err)
	}
	settled := make(map[uuid.UUID]bool, len(existing))
	claimed := make(map[uuid.UUID]*domain.MessageAttempt)
	for i := range existing {
		if existing[i].Settled() {
			settled[existing[i].RecipientID] = true
		} else {
			claimed[existing[i].RecipientID] = &existing[i]
		}
	}

	todo := make([]*domain.Recipient, 0, len(recipients))
	var (
		billable, optedOut int64
		orphans            []*domain.MessageAttempt
	)
	for _, r := range recipients {
		if settled[r.ID] {
			report.AlreadySettled++
			continue
		}
		if a, ok := claimed[r.ID]; ok {
			// a pending attempt belongs to a run that may still be sending
			if started.Sub(a.CreatedAt) >= d.staleClaim() {
				orphans = append(orphans, a)
			} else {
				report.InFlight++
			}
			continue
		}
		todo = append(todo, r)
		if r.OptedOut {
			optedOut++
		} else {
			billable++
		}
	}

	var reservation quota.Reservation
	if billable > 0 {
		reservation, err = d.Quota.Reserve(ctx, campaign.OwnerID, id.String(), billable)
		if err != nil {
			reason := "error"
			switch {
			case errors.Is(err, apperrors.ErrQuotaExceeded):
				reason = "exceeded"
			case errors.Is(err, apperrors.ErrNoActiveQuota):
				reason = "no_active_quota"
			}
			metrics.QuotaRejected(reason)
			span.RecordError(err)
			log.Warn("dispatch: quota rejected run", zap.Int64("needed", billable), zap.Error(err))
			return nil, fmt.Errorf("dispatch: reserve quota for %s: %w", id, err)
		}
	}
	var charged atomic.Int64
	defer func() {
		if err := d.Quota.Settle(context.WithoutCancel(ctx), reservation, charged.Load()); err != nil {
			log.Error("dispatch: settle quota", zap.Error(err))
		}
	}()

	ok, err := d.Campaigns.TransitionStatus(ctx, id,
		[]domain.CampaignStatus{domain.CampaignStatusScheduled, domain.CampaignStatusSending},
		domain.CampaignStatusSending, started)
	if err != nil {
		return nil, fmt.Errorf("dispatch: mark %s sending: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("dispatch: campaign %s changed before sending: %w", id, apperrors.ErrInvalidState)
	}
	if campaign.LastError != "" {
		_ = d.Campaigns.SetLastError(ctx, id, "")
	}
	if err := d.Stats.Ensure(ctx, id, int64(len(recipients))); err != nil {
		return nil, fmt.Errorf("dispatch: ensure stats for %s: %w", id, err)
	}

	for _, a := range orphans {
		d.abandon(ctx, campaign, a)
		report.Interrupted++
	}

	log.Info("dispatch: run started",
		zap.Int("recipients", len(recipients)),
		zap.Int("pending", len(todo)),
		zap.Int64("reserved", billable))

	outcomes, halted := d.process(ctx, campaign, adapter, todo, lost)
	report.Halted = halted != ""
	for _, o := range outcomes {
		report.Processed++
		switch o.Kind {
		case OutcomeSent:
			report.Sent++
		case OutcomeFailed:
			report.Failed++
			if o.Reason == ReasonCircuitOpen {
				report.CircuitOpened = true
			}
		case OutcomeSkipped:
			report.Skipped++
		}
		if o.Charged {
			charged.Add(1)
		}
	}
	report.Outcomes = outcomes
	report.QuotaCharged = charged.Load()

	wctx := context.WithoutCancel(ctx)
	if err := d.Stats.SetSkipped(wctx, id, optedOut); err != nil {
		log.Error("dispatch: set skipped count", zap.Error(err))
	}

	if report.Halted {
		report.FinalStatus = halted
		log.Info("dispatch: run halted by operator", zap.String("status", halted), zap.Int("processed", report.Processed))
		metrics.ObserveRun(string(campaign.Channel), halted, d.now().Sub(started))
		return report, nil
	}
	if err := ctx.Err(); err != nil {
		// left in sending; the next delivery of the dispatch message resumes it
		return report, fmt.Errorf("dispatch: run %s interrupted: %w", id, err)
	}
	if lost.Load() {
		return report, fmt.Errorf("dispatch: run %s lost its lock: %w", id, apperrors.ErrConflict)
	}

	stats, err := d.Stats.Get(wctx, id)
	if err != nil {
		return report, fmt.Errorf("dispatch: load stats for %s: %w", id, err)
	}
	final := FinalStatus(stats)
	ok, err = d.Campaigns.TransitionStatus(wctx, id, []domain.CampaignStatus{domain.CampaignStatusSending}, final, d.now())
	if err != nil {
		return report, fmt.Errorf("dispatch: finish %s: %w", id, err)
	}
	if !ok {
		current, _ := d.Campaigns.GetStatus(wctx, id)
		final = current
	}
	report.FinalStatus = string(final)

	metrics.ObserveRun(string(campaign.Channel), string(final), d.now().Sub(started))
	log.Info("dispatch: run finished",
		zap.String("status", string(final)),
		zap.Int("sent", report.Sent),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
		zap.Int64("quota_charged", report.QuotaCharged))
	return report, nil
}

// FinalStatus derives the aggregate status once every recipient has an outcome.
func FinalStatus(s *domain.CampaignStats) domain.CampaignStatus {
	switch {
	case s.FailedCount == 0:
		return domain.CampaignStatusSent
	case s.DeliveredCount > 0:
		return domain.CampaignStatusPartiallySent
	default:
		return domain.CampaignStatusFailed
	}
}

// process submits recipients in order with bounded concurrency. It returns
// the outcomes in submission order and the operator status when halted.
func (d *Dispatcher) process(ctx context.Context, c *domain.Campaign, adapter transport.Adapter, todo []*domain.Recipient, lost *atomic.Bool) ([]Outcome, string) {
	var (
		g       errgroup.Group
		tripped atomic.Bool
		halt    atomic.Pointer[domain.CampaignStatus]
	)
	g.SetLimit(d.opts.Concurrency)

	limit := rate.Inf
	if d.opts.SendInterval > 0 {
		limit = rate.Every(d.opts.SendInterval)
	}
	limiter := rate.NewLimiter(limit, 1)

	// halted re-reads the status once a worker slot is free, so an operator
	// pause lands between two recipients.
	halted := func() bool {
		if halt.Load() != nil {
			return true
		}
		status, err := d.Campaigns.GetStatus(ctx, c.ID)
		if err != nil {
			d.Logger.Warn("dispatch: status check failed", zap.String("campaign_id", c.ID.String()), zap.Error(err))
			return false
		}
		if status.Halted() {
			halt.Store(&status)
			return true
		}
		return false
	}

	outcomes := make([]Outcome, len(todo))
	done := make([]bool, len(todo))

	for i, r := range todo {
		i, r := i, r
		if ctx.Err() != nil || halt.Load() != nil || lost.Load() {
			break
		}
		if r.OptedOut {
			outcomes[i], done[i] = skipped(r.ID, ReasonOptedOut), true
			metrics.ObserveOutcome(string(c.Channel), string(OutcomeSkipped), ReasonOptedOut)
			continue
		}
		if !tripped.Load() {
			if err := limiter.Wait(ctx); err != nil {
				break
			}
		}

		g.Go(func() error {
			if ctx.Err() != nil || lost.Load() || halted() {
				return nil
			}
			o, attempt, owned := d.deliver(ctx, c, adapter, r, &tripped)
			if !owned {
				return nil
			}
			d.record(ctx, c, attempt, o)
			outcomes[i], done[i] = o, true
			return nil
		})
	}
	_ = g.Wait()

	out := make([]Outcome, 0, len(todo))
	for i := range todo {
		if done[i] {
			out = append(out, outcomes[i])
		}
	}
	if s := halt.Load(); s != nil {
		return out, string(*s)
	}
	return out, ""
}

// deliver claims the recipient, then renders and sends one message. owned is
// false when another run already holds the recipient. Once tripped is set
// every further recipient fails without reaching the provider.
func (d *Dispatcher) deliver(ctx context.Context, c *domain.Campaign, adapter transport.Adapter, r *domain.Recipient, tripped *atomic.Bool) (o Outcome, attempt *domain.MessageAttempt, owned bool) {
	attempt = &domain.MessageAttempt{
		ID:          domain.AttemptID(c.ID, r.ID),
		CampaignID:  c.ID,
		RecipientID: r.ID,
		Address:     r.AddressFor(c.Channel),
		Status:      domain.AttemptStatusPending,
		CreatedAt:   d.now(),
	}
	attempt.Content = d.Renderer.Render(c.Template, r, render.Sender{Name: c.SenderName, BusinessName: c.BusinessName})

	ok, err := d.Attempts.Claim(context.WithoutCancel(ctx), attempt)
	if err != nil {
		d.Logger.WithContext(ctx).Error("dispatch: claim attempt", zap.String("recipient_id", r.ID.String()), zap.Error(err))
		return Outcome{}, attempt, false
	}
	if !ok {
		d.Logger.WithContext(ctx).Debug("dispatch: recipient claimed by another run", zap.String("recipient_id", r.ID.String()))
		return Outcome{}, attempt, false
	}

	to, err := adapter.Normalize(attempt.Address)
	if err != nil {
		return failed(r.ID, ReasonInvalidAddress, "", err.Error(), false), attempt, true
	}
	attempt.Address = to

	if tripped.Load() {
		return failed(r.ID, ReasonCircuitOpen, "", "circuit open for "+adapter.Name(), false), attempt, true
	}

	msg := transport.Message{
		To:             to,
		Body:           attempt.Content,
		Subject:        c.Subject,
		SenderName:     c.SenderName,
		CampaignID:     c.ID,
		AttemptID:      attempt.ID,
		StatusCallback: d.callbackURL(adapter.Name()),
	}

	// an issued send is not cancelled by a shutdown, only by its own timeout
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.SendTimeout)
	defer cancel()
	sendCtx, span := tracer.Start(sendCtx, "dispatch.send", trace.WithAttributes(
		attribute.String("campaign.id", c.ID.String()),
		attribute.String("recipient.id", r.ID.String()),
		attribute.String("provider", adapter.Name()),
	))
	defer span.End()

	var handle transport.DeliveryHandle
	err = d.Breaker.Call(sendCtx, adapter.Name(), func(ctx context.Context) error {
		h, err := adapter.Send(ctx, msg)
		if err == nil {
			handle = h
		}
		return err
	})

	var tce *apperrors.TransportCallError
	switch {
	case err == nil:
		return sent(r.ID, handle.ExternalID), attempt, true
	case errors.Is(err, apperrors.ErrCircuitOpen):
		tripped.Store(true)
		return failed(r.ID, ReasonCircuitOpen, "", err.Error(), false), attempt, true
	case errors.As(err, &tce):
		span.RecordError(err)
		if tce.Opened {
			tripped.Store(true)
		}
		return failed(r.ID, ReasonTransport, tce.Code, err.Error(), true), attempt, true
	case errors.Is(err, apperrors.ErrInvalidAddress):
		return failed(r.ID, ReasonInvalidAddress, "", err.Error(), false), attempt, true
	default:
		span.RecordError(err)
		return failed(r.ID, ReasonInternal, "", err.Error(), false), attempt, true
	}
}

// record settles the claimed attempt and applies the counter delta when this
// run is the one that settled it.
func (d *Dispatcher) record(ctx context.Context, c *domain.Campaign, attempt *domain.MessageAttempt, o Outcome) {
	ts := d.now()
	var delta repository.StatsDelta
	switch o.Kind {
	case OutcomeSent:
		attempt.Status = domain.AttemptStatusSent
		attempt.ExternalID = o.ExternalID
		attempt.SentAt = &ts
		delta.DeliveredDelta = 1
	case OutcomeFailed:
		attempt.Status = domain.AttemptStatusFailed
		attempt.ErrorCode = o.Code
		if attempt.ErrorCode == "" {
			attempt.ErrorCode = o.Reason
		}
		attempt.ErrorDetail = o.Detail
		attempt.FailedAt = &ts
		delta.FailedDelta = 1
	default:
		return
	}

	wctx := context.WithoutCancel(ctx)
	log := d.Logger.With(zap.String("campaign_id", c.ID.String()), zap.String("recipient_id", attempt.RecipientID.String()))
	metrics.ObserveOutcome(string(c.Channel), string(o.Kind), o.Reason)
	ok, err := d.Attempts.SaveIf(wctx, attempt, domain.AttemptStatusPending)
	if err != nil {
		log.Error("dispatch: save attempt", zap.Error(err))
		return
	}
	if !ok {
		log.Warn("dispatch: attempt settled elsewhere, counters left unchanged")
		return
	}
	if err := d.Stats.ApplyDelta(wctx, c.ID, delta); err != nil {
		log.Error("dispatch: apply stats delta", zap.Error(err))
	}
}

// abandon fails a pending attempt whose run disappeared mid-send. The
// message may or may not have left, so it is never sent again.
func (d *Dispatcher) abandon(ctx context.Context, c *domain.Campaign, a *domain.MessageAttempt) {
	d.record(ctx, c, a, failed(a.RecipientID, ReasonInterrupted, "", "send interrupted before its outcome was recorded", false))
}

func (d *Dispatcher) callbackURL(provider string) string {
	if d.opts.StatusCallbackBase == "" {
		return ""
	}
	return strings.TrimRight(d.opts.StatusCallbackBase, "/") + "/webhooks/status/" + provider
}
