package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/outbound-messaging/internal/breaker"
	"github.com/acme/outbound-messaging/internal/compliance"
	"github.com/acme/outbound-messaging/internal/domain"
	"github.com/acme/outbound-messaging/internal/queue"
	"github.com/acme/outbound-messaging/internal/quota"
	"github.com/acme/outbound-messaging/internal/repository"
	"github.com/acme/outbound-messaging/internal/repository/memory"
	"github.com/acme/outbound-messaging/internal/service/concurrency"
	"github.com/acme/outbound-messaging/internal/transport"
	apperrors "github.com/acme/outbound-messaging/pkg/errors"
)

const owner = "owner-1"

// Monday 2024-06-03 11:00 Europe/Paris.
var monday = time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

type scriptedAdapter struct {
	mu     sync.Mutex
	fail   map[string]bool
	calls  []string
	onSend func(n int)
}

func (a *scriptedAdapter) Name() string            { return "sms-provider" }
func (a *scriptedAdapter) Channel() domain.Channel { return domain.ChannelSMS }

func (a *scriptedAdapter) Normalize(address string) (string, error) {
	return transport.NormalizePhone(address, "33")
}

func (a *scriptedAdapter) Send(_ context.Context, msg transport.Message) (transport.DeliveryHandle, error) {
	a.mu.Lock()
	a.calls = append(a.calls, msg.To)
	n := len(a.calls)
	fail := a.fail[msg.To]
	hook := a.onSend
	a.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	if fail {
		return transport.DeliveryHandle{}, &apperrors.ProviderError{StatusCode: 503, Code: "UNAVAILABLE", Message: "provider down"}
	}
	return transport.DeliveryHandle{ExternalID: "ext-" + msg.To, Status: domain.AttemptStatusSent}, nil
}

func (a *scriptedAdapter) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

type recordingEnqueuer struct {
	mu   sync.Mutex
	msgs []queue.DispatchMessage
}

func (e *recordingEnqueuer) EnqueueCampaign(_ context.Context, msg queue.DispatchMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.msgs = append(e.msgs, msg)
	return nil
}

type harness struct {
	mr      *miniredis.Miniredis
	client  *redis.Client
	store   *memory.Store
	ledger  *quota.Ledger
	locker  *concurrency.Locker
	adapter *scriptedAdapter
	enq     *recordingEnqueuer
	d       *Dispatcher
}

func newHarness(t *testing.T, now time.Time, workers int, quotaTotal int64) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := &harness{
		mr:      mr,
		client:  client,
		store:   memory.New(),
		ledger:  quota.NewLedger(client, "test:quota"),
		locker:  concurrency.NewLocker(client, "test:lock", time.Minute),
		adapter: &scriptedAdapter{fail: map[string]bool{}},
		enq:     &recordingEnqueuer{},
	}
	require.NoError(t, h.ledger.Provision(context.Background(), owner, quotaTotal, quota.PeriodOf(now)))

	clock := func() time.Time { return now }
	h.d = New(Deps{
		Campaigns:  h.store.Campaigns(),
		Recipients: h.store.Recipients(),
		Stats:      h.store.Statistics(),
		Attempts:   h.store.Attempts(),
		Quota:      h.ledger,
		Breaker:    breaker.New(client, breaker.Options{Threshold: 3, Cooldown: time.Minute, KeyPrefix: "test:circuit", Now: clock}),
		Locker:     h.locker,
		Window:     compliance.Default(),
		Transports: transport.NewRegistry(h.adapter),
		Enqueuer:   h.enq,
	}, Options{Concurrency: workers, Now: clock})
	return h
}

func phone(i int) string { return fmt.Sprintf("+3361234560%d", i) }

// seed creates a scheduled campaign with n recipients; optedOut lists 1-based positions.
func (h *harness) seed(t *testing.T, n int, optedOut ...int) (uuid.UUID, []uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	out := make(map[int]bool)
	for _, p := range optedOut {
		out[p] = true
	}
	ids := make([]uuid.UUID, 0, n)
	for i := 1; i <= n; i++ {
		r := &domain.Recipient{ID: uuid.New(), OwnerID: owner, Name: fmt.Sprintf("Client %d", i), Phone: phone(i), OptedOut: out[i], IsActive: true}
		require.NoError(t, h.store.Recipients().Create(ctx, r))
		ids = append(ids, r.ID)
	}
	c := &domain.Campaign{
		ID:       uuid.New(),
		OwnerID:  owner,
		Name:     "Soldes",
		Channel:  domain.ChannelSMS,
		Template: "Bonjour {{first_name}}",
		Status:   domain.CampaignStatusScheduled,
	}
	require.NoError(t, h.store.Campaigns().Create(ctx, c))
	require.NoError(t, h.store.Recipients().AttachToCampaign(ctx, c.ID, ids))
	require.NoError(t, h.store.Statistics().Ensure(ctx, c.ID, int64(n)))
	return c.ID, ids
}

func (h *harness) status(t *testing.T, id uuid.UUID) domain.CampaignStatus {
	t.Helper()
	s, err := h.store.Campaigns().GetStatus(context.Background(), id)
	require.NoError(t, err)
	return s
}

func (h *harness) stats(t *testing.T, id uuid.UUID) *domain.CampaignStats {
	t.Helper()
	s, err := h.store.Statistics().Get(context.Background(), id)
	require.NoError(t, err)
	return s
}

func (h *harness) account(t *testing.T) *domain.QuotaAccount {
	t.Helper()
	a, err := h.ledger.Account(context.Background(), owner)
	require.NoError(t, err)
	return a
}

func TestRunAllSucceed(t *testing.T) {
	h := newHarness(t, monday, 4, 10)
	id, _ := h.seed(t, 5)

	report, err := h.d.Run(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, domain.CampaignStatusSent, h.status(t, id))
	assert.Equal(t, 5, report.Sent)
	assert.Equal(t, 0, report.Failed)
	st := h.stats(t, id)
	assert.EqualValues(t, 5, st.DeliveredCount)
	assert.EqualValues(t, 0, st.FailedCount)
	assert.Len(t, h.adapter.Calls(), 5)

	acct := h.account(t)
	assert.EqualValues(t, 5, acct.Used)
	assert.EqualValues(t, 0, acct.Reserved)

	attempts, err := h.store.Attempts().ListByCampaign(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, attempts, 5)
	for _, a := range attempts {
		assert.Equal(t, domain.AttemptStatusSent, a.Status)
		assert.NotEmpty(t, a.ExternalID)
		assert.Contains(t, a.Content, "Bonjour Client")
	}
}

func TestRunCircuitOpensAndFailsRemaining(t *testing.T) {
	h := newHarness(t, monday, 1, 10)
	id, ids := h.seed(t, 5)
	for i := 1; i <= 5; i++ {
		h.adapter.fail[phone(i)] = true
	}

	report, err := h.d.Run(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, []string{phone(1), phone(2), phone(3)}, h.adapter.Calls())
	assert.True(t, report.CircuitOpened)
	assert.Equal(t, domain.CampaignStatusFailed, h.status(t, id))
	st := h.stats(t, id)
	assert.EqualValues(t, 5, st.FailedCount)
	assert.EqualValues(t, 0, st.DeliveredCount)

	for i, rid := range ids {
		a, err := h.store.Attempts().Get(context.Background(), id, rid)
		require.NoError(t, err)
		assert.Equal(t, domain.AttemptStatusFailed, a.Status)
		if i < 3 {
			assert.Equal(t, "UNAVAILABLE", a.ErrorCode)
		} else {
			assert.Equal(t, ReasonCircuitOpen, a.ErrorCode)
		}
	}
	// only attempts that reached the provider are charged
	assert.EqualValues(t, 3, h.account(t).Used)
}

func TestRetryFailedCreatesSubsetCampaign(t *testing.T) {
	h := newHarness(t, monday, 1, 20)
	id, ids := h.seed(t, 5)
	h.adapter.fail[phone(1)] = true
	h.adapter.fail[phone(3)] = true
	h.adapter.fail[phone(5)] = true

	_, err := h.d.Run(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, domain.CampaignStatusPartiallySent, h.status(t, id))
	before := *h.stats(t, id)
	assert.EqualValues(t, 3, before.FailedCount)

	retryID, err := h.d.RetryFailed(context.Background(), id)
	require.NoError(t, err)
	require.NotEqual(t, id, retryID)

	retry, err := h.store.Campaigns().Get(context.Background(), retryID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatusScheduled, retry.Status)
	assert.EqualValues(t, 3, retry.RecipientsCount)
	require.NotNil(t, retry.ParentID)
	assert.Equal(t, id, *retry.ParentID)

	members, err := h.store.Recipients().ListForCampaign(context.Background(), retryID)
	require.NoError(t, err)
	got := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		got = append(got, m.ID)
	}
	assert.Equal(t, []uuid.UUID{ids[0], ids[2], ids[4]}, got)

	assert.Equal(t, before, *h.stats(t, id))
	assert.Equal(t, domain.CampaignStatusPartiallySent, h.status(t, id))

	require.Len(t, h.enq.msgs, 1)
	assert.Equal(t, retryID, h.enq.msgs[0].CampaignID)
	assert.Equal(t, ReasonRetryFailed, h.enq.msgs[0].Reason)
}

func TestRetryFailedRequiresFinishedCampaign(t *testing.T) {
	h := newHarness(t, monday, 1, 10)
	id, _ := h.seed(t, 2)

	_, err := h.d.RetryFailed(context.Background(), id)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)
}

func TestRunOutsideWindowReschedules(t *testing.T) {
	// Saturday 2024-06-08 11:00 Europe/Paris
	saturday := time.Date(2024, 6, 8, 9, 0, 0, 0, time.UTC)
	h := newHarness(t, saturday, 2, 10)
	id, _ := h.seed(t, 3)

	report, err := h.d.Run(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, report.Rescheduled)

	c, err := h.store.Campaigns().Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatusScheduled, c.Status)
	require.NotNil(t, c.ScheduledAt)
	paris, _ := time.LoadLocation("Europe/Paris")
	assert.Equal(t, time.Date(2024, 6, 10, 10, 0, 0, 0, paris).UTC(), c.ScheduledAt.UTC())

	attempts, err := h.store.Attempts().ListByCampaign(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, attempts)
	assert.Empty(t, h.adapter.Calls())
	assert.EqualValues(t, 0, h.account(t).Reserved)
}

func TestRunQuotaExceededLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t, monday, 2, 3)
	id, _ := h.seed(t, 5)

	_, err := h.d.Run(context.Background(), id)
	require.ErrorIs(t, err, apperrors.ErrQuotaExceeded)

	assert.Equal(t, domain.CampaignStatusScheduled, h.status(t, id))
	attempts, err := h.store.Attempts().ListByCampaign(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, attempts)
	acct := h.account(t)
	assert.EqualValues(t, 0, acct.Used)
	assert.EqualValues(t, 0, acct.Reserved)
}

func TestRunWithoutQuotaAccount(t *testing.T) {
	h := newHarness(t, monday, 2, 10)
	id, _ := h.seed(t, 2)
	require.NoError(t, h.ledger.Deactivate(context.Background(), owner))

	_, err := h.d.Run(context.Background(), id)
	assert.ErrorIs(t, err, apperrors.ErrNoActiveQuota)
	assert.Equal(t, domain.CampaignStatusScheduled, h.status(t, id))
}

func TestRunSkipsOptedOutRecipients(t *testing.T) {
	h := newHarness(t, monday, 2, 10)
	id, _ := h.seed(t, 5, 2)

	report, err := h.d.Run(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, 4, report.Sent)
	assert.Equal(t, 1, report.Skipped)
	assert.NotContains(t, h.adapter.Calls(), phone(2))
	assert.Equal(t, domain.CampaignStatusSent, h.status(t, id))
	assert.EqualValues(t, 1, h.stats(t, id).SkippedCount)
	assert.EqualValues(t, 4, h.account(t).Used)
}

func TestRunResumesWithoutDuplicates(t *testing.T) {
	h := newHarness(t, monday, 2, 10)
	ctx := context.Background()
	id, ids := h.seed(t, 5)

	// a previous worker sent to the first two recipients, then died
	for _, rid := range ids[:2] {
		require.NoError(t, h.store.Attempts().Save(ctx, &domain.MessageAttempt{
			ID: domain.AttemptID(id, rid), CampaignID: id, RecipientID: rid,
			Status: domain.AttemptStatusSent, ExternalID: "old-" + rid.String(),
		}))
	}
	require.NoError(t, h.store.Statistics().ApplyDelta(ctx, id, repository.StatsDelta{DeliveredDelta: 2}))
	ok, err := h.store.Campaigns().TransitionStatus(ctx, id, []domain.CampaignStatus{domain.CampaignStatusScheduled}, domain.CampaignStatusSending, monday)
	require.NoError(t, err)
	require.True(t, ok)

	report, err := h.d.Run(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, report.AlreadySettled)
	assert.Equal(t, []string{phone(3), phone(4), phone(5)}, h.adapter.Calls())
	assert.EqualValues(t, 5, h.stats(t, id).DeliveredCount)
	assert.Equal(t, domain.CampaignStatusSent, h.status(t, id))

	// a duplicate delivery of the dispatch message is refused by the status guard
	_, err = h.d.Run(ctx, id)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)
	assert.Len(t, h.adapter.Calls(), 3)
}

func TestRunConflictsWithRunningWorker(t *testing.T) {
	h := newHarness(t, monday, 2, 10)
	id, _ := h.seed(t, 2)

	lock, err := h.locker.Acquire(context.Background(), "run:"+id.String())
	require.NoError(t, err)
	require.NotNil(t, lock)

	_, err = h.d.Run(context.Background(), id)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
	assert.Empty(t, h.adapter.Calls())
}

func TestRunRejectsDraft(t *testing.T) {
	h := newHarness(t, monday, 2, 10)
	ctx := context.Background()
	id, _ := h.seed(t, 1)
	c, err := h.store.Campaigns().Get(ctx, id)
	require.NoError(t, err)
	c.Status = domain.CampaignStatusDraft
	require.NoError(t, h.store.Campaigns().Update(ctx, c))

	_, err = h.d.Run(ctx, id)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)
}

func TestRunStopsWhenPaused(t *testing.T) {
	h := newHarness(t, monday, 1, 10)
	ctx := context.Background()
	id, _ := h.seed(t, 4)
	h.adapter.onSend = func(n int) {
		if n == 1 {
			_, _ = h.store.Campaigns().TransitionStatus(ctx, id, []domain.CampaignStatus{domain.CampaignStatusSending}, domain.CampaignStatusPaused, monday)
		}
	}

	report, err := h.d.Run(ctx, id)
	require.NoError(t, err)
	assert.True(t, report.Halted)
	assert.Equal(t, string(domain.CampaignStatusPaused), report.FinalStatus)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, domain.CampaignStatusPaused, h.status(t, id))

	acct := h.account(t)
	assert.EqualValues(t, 1, acct.Used)
	assert.EqualValues(t, 0, acct.Reserved)
}

func TestRetryAllResetsAndReschedules(t *testing.T) {
	h := newHarness(t, monday, 1, 20)
	ctx := context.Background()
	id, _ := h.seed(t, 3)
	h.adapter.fail[phone(2)] = true

	_, err := h.d.Run(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.CampaignStatusPartiallySent, h.status(t, id))

	require.NoError(t, h.d.RetryAll(ctx, id))
	assert.Equal(t, domain.CampaignStatusScheduled, h.status(t, id))
	st := h.stats(t, id)
	assert.EqualValues(t, 0, st.DeliveredCount)
	assert.EqualValues(t, 0, st.FailedCount)
	attempts, err := h.store.Attempts().ListByCampaign(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, attempts)
	require.Len(t, h.enq.msgs, 1)
	assert.Equal(t, ReasonRetryAll, h.enq.msgs[0].Reason)

	delete(h.adapter.fail, phone(2))
	_, err = h.d.Run(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatusSent, h.status(t, id))
	assert.EqualValues(t, 3, h.stats(t, id).DeliveredCount)
}

func TestGetStatsBreakdown(t *testing.T) {
	h := newHarness(t, monday, 1, 10)
	id, _ := h.seed(t, 3)
	h.adapter.fail[phone(3)] = true

	_, err := h.d.Run(context.Background(), id)
	require.NoError(t, err)

	st, err := h.d.GetStats(context.Background(), id)
	require.NoError(t, err)
	assert.EqualValues(t, 3, st.RecipientsCount)
	assert.EqualValues(t, 2, st.ByStatus[domain.AttemptStatusSent])
	assert.EqualValues(t, 1, st.ByStatus[domain.AttemptStatusFailed])
}

func TestApplyDeliveryStatus(t *testing.T) {
	h := newHarness(t, monday, 1, 10)
	ctx := context.Background()
	id, ids := h.seed(t, 2)

	_, err := h.d.Run(ctx, id)
	require.NoError(t, err)

	require.NoError(t, h.d.ApplyDeliveryStatus(ctx, transport.StatusUpdate{ExternalID: "ext-" + phone(1), Status: domain.AttemptStatusDelivered}))
	a, err := h.store.Attempts().Get(ctx, id, ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptStatusDelivered, a.Status)
	assert.NotNil(t, a.DeliveredAt)

	// delivered is final
	require.NoError(t, h.d.ApplyDeliveryStatus(ctx, transport.StatusUpdate{ExternalID: "ext-" + phone(1), Status: domain.AttemptStatusFailed}))
	a, err = h.store.Attempts().Get(ctx, id, ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptStatusDelivered, a.Status)

	// a late failure of an accepted message moves the counters
	require.NoError(t, h.d.ApplyDeliveryStatus(ctx, transport.StatusUpdate{
		ExternalID: "ext-" + phone(2), Status: domain.AttemptStatusFailed, ErrorCode: "30003", ErrorDetail: "unreachable",
	}))
	a, err = h.store.Attempts().Get(ctx, id, ids[1])
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptStatusFailed, a.Status)
	assert.Equal(t, "30003", a.ErrorCode)
	st := h.stats(t, id)
	assert.EqualValues(t, 1, st.DeliveredCount)
	assert.EqualValues(t, 1, st.FailedCount)

	assert.NoError(t, h.d.ApplyDeliveryStatus(ctx, transport.StatusUpdate{ExternalID: "nobody", Status: domain.AttemptStatusDelivered}))
}

func TestFinalStatus(t *testing.T) {
	assert.Equal(t, domain.CampaignStatusSent, FinalStatus(&domain.CampaignStats{RecipientsCount: 3, DeliveredCount: 2, SkippedCount: 1}))
	assert.Equal(t, domain.CampaignStatusPartiallySent, FinalStatus(&domain.CampaignStats{RecipientsCount: 3, DeliveredCount: 2, FailedCount: 1}))
	assert.Equal(t, domain.CampaignStatusFailed, FinalStatus(&domain.CampaignStats{RecipientsCount: 3, FailedCount: 3}))
}

func (h *harness) startSending(t *testing.T, id uuid.UUID) {
	t.Helper()
	ok, err := h.store.Campaigns().TransitionStatus(context.Background(), id,
		[]domain.CampaignStatus{domain.CampaignStatusScheduled}, domain.CampaignStatusSending, monday)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRunNeverResendsAfterLockExpiry(t *testing.T) {
	h := newHarness(t, monday, 1, 10)
	ctx := context.Background()
	id, _ := h.seed(t, 3)

	var second *RunReport
	h.adapter.onSend = func(n int) {
		if n != 1 {
			return
		}
		// the first run stalls past its lock and a redelivered message starts another
		h.mr.FastForward(2 * time.Minute)
		var err error
		second, err = h.d.Run(ctx, id)
		require.NoError(t, err)
	}

	_, err := h.d.Run(ctx, id)
	require.NoError(t, err)

	require.NotNil(t, second)
	assert.Equal(t, 1, second.InFlight)
	assert.Equal(t, []string{phone(1), phone(2), phone(3)}, h.adapter.Calls())
	st := h.stats(t, id)
	assert.EqualValues(t, 3, st.DeliveredCount)
	assert.EqualValues(t, 0, st.FailedCount)
	assert.Equal(t, domain.CampaignStatusSent, h.status(t, id))

	acct := h.account(t)
	assert.EqualValues(t, 3, acct.Used)
	assert.EqualValues(t, 0, acct.Reserved)
}

func TestRunExtendsLockWhileSending(t *testing.T) {
	h := newHarness(t, monday, 1, 10)
	h.d.opts.LockRefresh = 5 * time.Millisecond
	id, _ := h.seed(t, 2)
	key := "test:lock:run:" + id.String()

	var held bool
	h.adapter.onSend = func(n int) {
		if n != 1 {
			return
		}
		h.mr.FastForward(50 * time.Second)
		time.Sleep(50 * time.Millisecond)
		h.mr.FastForward(50 * time.Second)
		held = h.mr.Exists(key)
	}

	_, err := h.d.Run(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, held)
	assert.False(t, h.mr.Exists(key), "lock released after the run")
}

func TestRunStopsWhenLockIsLost(t *testing.T) {
	h := newHarness(t, monday, 1, 10)
	h.d.opts.LockRefresh = 5 * time.Millisecond
	ctx := context.Background()
	id, _ := h.seed(t, 4)

	h.adapter.onSend = func(n int) {
		if n == 1 {
			require.NoError(t, h.client.Set(ctx, "test:lock:run:"+id.String(), "another-worker", 0).Err())
			time.Sleep(50 * time.Millisecond)
		}
	}

	report, err := h.d.Run(ctx, id)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
	require.NotNil(t, report)
	assert.Equal(t, []string{phone(1)}, h.adapter.Calls())
	assert.Equal(t, domain.CampaignStatusSending, h.status(t, id))
	assert.EqualValues(t, 1, h.account(t).Used)
}

func TestRunFailsClaimsLeftByDeadRun(t *testing.T) {
	h := newHarness(t, monday, 2, 10)
	ctx := context.Background()
	id, ids := h.seed(t, 3)

	require.NoError(t, h.store.Attempts().Save(ctx, &domain.MessageAttempt{
		ID: domain.AttemptID(id, ids[0]), CampaignID: id, RecipientID: ids[0],
		Status: domain.AttemptStatusPending, CreatedAt: monday.Add(-time.Hour),
	}))
	h.startSending(t, id)

	report, err := h.d.Run(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Interrupted)
	assert.ElementsMatch(t, []string{phone(2), phone(3)}, h.adapter.Calls())

	a, err := h.store.Attempts().Get(ctx, id, ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptStatusFailed, a.Status)
	assert.Equal(t, ReasonInterrupted, a.ErrorCode)

	st := h.stats(t, id)
	assert.EqualValues(t, 2, st.DeliveredCount)
	assert.EqualValues(t, 1, st.FailedCount)
	assert.Equal(t, domain.CampaignStatusPartiallySent, h.status(t, id))
	assert.EqualValues(t, 2, h.account(t).Used)
}

func TestRunResumeReplacesQuotaHold(t *testing.T) {
	h := newHarness(t, monday, 1, 10)
	ctx := context.Background()
	id, _ := h.seed(t, 3)

	// a worker reserved for this campaign and died before settling
	_, err := h.ledger.Reserve(ctx, owner, id.String(), 3)
	require.NoError(t, err)
	h.startSending(t, id)

	_, err = h.d.Run(ctx, id)
	require.NoError(t, err)

	acct := h.account(t)
	assert.EqualValues(t, 3, acct.Used)
	assert.EqualValues(t, 0, acct.Reserved)
	assert.EqualValues(t, 7, acct.Remaining())
}

func TestLateFailureRevisesFinalStatus(t *testing.T) {
	h := newHarness(t, monday, 1, 10)
	ctx := context.Background()
	id, ids := h.seed(t, 2)

	_, err := h.d.Run(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.CampaignStatusSent, h.status(t, id))

	require.NoError(t, h.d.ApplyDeliveryStatus(ctx, transport.StatusUpdate{
		ExternalID: "ext-" + phone(2), Status: domain.AttemptStatusFailed, ErrorCode: "30003",
	}))
	assert.Equal(t, domain.CampaignStatusPartiallySent, h.status(t, id))

	retryID, err := h.d.RetryFailed(ctx, id)
	require.NoError(t, err)
	members, err := h.store.Recipients().ListForCampaign(ctx, retryID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, ids[1], members[0].ID)

	require.NoError(t, h.d.ApplyDeliveryStatus(ctx, transport.StatusUpdate{
		ExternalID: "ext-" + phone(1), Status: domain.AttemptStatusFailed,
	}))
	assert.Equal(t, domain.CampaignStatusFailed, h.status(t, id))
}

func TestApplyDeliveryStatusBeforeSendIsRecorded(t *testing.T) {
	h := newHarness(t, monday, 1, 10)
	ctx := context.Background()

	err := h.d.ApplyDeliveryStatus(ctx, transport.StatusUpdate{
		ExternalID: "not-yet", Status: domain.AttemptStatusDelivered, OccurredAt: monday,
	})
	assert.ErrorIs(t, err, apperrors.ErrUnavailable)

	err = h.d.ApplyDeliveryStatus(ctx, transport.StatusUpdate{
		ExternalID: "not-yet", Status: domain.AttemptStatusDelivered, OccurredAt: monday.Add(-time.Hour),
	})
	assert.NoError(t, err)
}

// racingAttempts lets another writer move the attempt right before the
// first conditional save.
type racingAttempts struct {
	repository.AttemptStore
	once   sync.Once
	before func()
}

func (r *racingAttempts) SaveIf(ctx context.Context, a *domain.MessageAttempt, from domain.AttemptStatus) (bool, error) {
	r.once.Do(r.before)
	return r.AttemptStore.SaveIf(ctx, a, from)
}

func TestApplyDeliveryStatusKeepsForwardOrderUnderRace(t *testing.T) {
	h := newHarness(t, monday, 1, 10)
	ctx := context.Background()
	id, ids := h.seed(t, 2)

	_, err := h.d.Run(ctx, id)
	require.NoError(t, err)

	h.d.Attempts = &racingAttempts{AttemptStore: h.store.Attempts(), before: func() {
		a, err := h.store.Attempts().Get(ctx, id, ids[0])
		require.NoError(t, err)
		a.Status = domain.AttemptStatusDelivered
		require.NoError(t, h.store.Attempts().Save(ctx, a))
	}}

	require.NoError(t, h.d.ApplyDeliveryStatus(ctx, transport.StatusUpdate{
		ExternalID: "ext-" + phone(1), Status: domain.AttemptStatusFailed,
	}))

	a, err := h.store.Attempts().Get(ctx, id, ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptStatusDelivered, a.Status)
	st := h.stats(t, id)
	assert.EqualValues(t, 2, st.DeliveredCount)
	assert.EqualValues(t, 0, st.FailedCount)
	assert.Equal(t, domain.CampaignStatusSent, h.status(t, id))
}
