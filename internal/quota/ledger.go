// Package quota keeps per-owner message allowances in Redis.
package quota

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/acme/outbound-messaging/internal/domain"
	apperrors "github.com/acme/outbound-messaging/pkg/errors"
)

const (
	fieldTotal    = "total"
	fieldUsed     = "used"
	fieldReserved = "reserved"
	fieldPeriod   = "period"
	fieldActive   = "active"
)

// Script return codes below zero are errors.
const (
	codeExceeded = -1
	codeNoQuota  = -2
)

// debitScript moves n units of the remaining balance into ARGV[2] (used or reserved).
var debitScript = redis.NewScript(`
local key = KEYS[1]
local n = tonumber(ARGV[1])
if redis.call('HGET', key, 'active') ~= '1' then
  return -2
end
local total = tonumber(redis.call('HGET', key, 'total') or '0')
local used = tonumber(redis.call('HGET', key, 'used') or '0')
local reserved = tonumber(redis.call('HGET', key, 'reserved') or '0')
local remaining = total - used - reserved
if n > remaining then
  return -1
end
redis.call('HINCRBY', key, ARGV[2], n)
return remaining - n
`)

// reserveScript replaces the hold ARGV[2] with n units. A failed reserve
// also drops the previous hold so a rejected run keeps nothing back.
var reserveScript = redis.NewScript(`
local key = KEYS[1]
local n = tonumber(ARGV[1])
local hold = 'hold:' .. ARGV[2]
if redis.call('HGET', key, 'active') ~= '1' then
  return -2
end
local total = tonumber(redis.call('HGET', key, 'total') or '0')
local used = tonumber(redis.call('HGET', key, 'used') or '0')
local reserved = tonumber(redis.call('HGET', key, 'reserved') or '0')
reserved = reserved - tonumber(redis.call('HGET', key, hold) or '0')
if reserved < 0 then reserved = 0 end
local remaining = total - used - reserved
if n > remaining then
  redis.call('HSET', key, 'reserved', reserved)
  redis.call('HDEL', key, hold)
  return -1
end
redis.call('HSET', key, 'reserved', reserved + n, hold, n)
return remaining - n
`)

// settleScript releases hold ARGV[1] and charges ARGV[2] units. When the hold
// is gone (rolled over) the consumed units are charged as they are.
var settleScript = redis.NewScript(`
local key = KEYS[1]
if redis.call('EXISTS', key) == 0 then
  return 0
end
local hold = 'hold:' .. ARGV[1]
local consumed = tonumber(ARGV[2])
if consumed < 0 then consumed = 0 end
local amount = redis.call('HGET', key, hold)
if amount then
  amount = tonumber(amount)
  if consumed > amount then consumed = amount end
  local reserved = tonumber(redis.call('HGET', key, 'reserved') or '0') - amount
  if reserved < 0 then reserved = 0 end
  redis.call('HSET', key, 'reserved', reserved)
  redis.call('HDEL', key, hold)
end
redis.call('HINCRBY', key, 'used', consumed)
return consumed
`)

var topUpScript = redis.NewScript(`
local key = KEYS[1]
if redis.call('EXISTS', key) == 0 then
  return -2
end
return redis.call('HINCRBY', key, 'total', tonumber(ARGV[1]))
`)

var provisionScript = redis.NewScript(`
local key = KEYS[1]
if redis.call('HGET', key, 'period') ~= ARGV[2] then
  redis.call('HSET', key, 'used', 0)
end
if redis.call('HEXISTS', key, 'reserved') == 0 then
  redis.call('HSET', key, 'reserved', 0)
end
redis.call('HSET', key, 'total', tonumber(ARGV[1]), 'period', ARGV[2], 'active', '1')
return 1
`)

var rolloverScript = redis.NewScript(`
local key = KEYS[1]
if redis.call('HGET', key, 'period') == ARGV[1] then
  return 0
end
for _, field in ipairs(redis.call('HKEYS', key)) do
  if string.sub(field, 1, 5) == 'hold:' then
    redis.call('HDEL', key, field)
  end
end
redis.call('HSET', key, 'used', 0, 'reserved', 0, 'period', ARGV[1])
return 1
`)

// Reservation is a hold on quota taken before a run and settled after it.
// HoldID names the hold so a resumed run replaces it instead of stacking.
type Reservation struct {
	OwnerID string
	HoldID  string
	Amount  int64
}

// Ledger tracks per-owner message quota in Redis. Every mutation is a single
// Lua script so concurrent workers never observe a partial debit.
type Ledger struct {
	client *redis.Client
	prefix string
}

// NewLedger constructs a quota ledger.
func NewLedger(client *redis.Client, keyPrefix string) *Ledger {
	if keyPrefix == "" {
		keyPrefix = "outbound:quota"
	}
	return &Ledger{client: client, prefix: keyPrefix}
}

// PeriodOf returns the monthly period label for t.
func PeriodOf(t time.Time) string {
	return t.Format("2006-01")
}

// Remaining returns the units still available to owner.
func (l *Ledger) Remaining(ctx context.Context, ownerID string) (int64, error) {
	acct, err := l.load(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	if acct == nil || !acct.Active {
		return 0, fmt.Errorf("quota: remaining for %s: %w", ownerID, apperrors.ErrNoActiveQuota)
	}
	return acct.Remaining(), nil
}

// CanConsume reports whether n units fit in the remaining balance.
func (l *Ledger) CanConsume(ctx context.Context, ownerID string, n int64) (bool, error) {
	remaining, err := l.Remaining(ctx, ownerID)
	if err != nil {
		return false, err
	}
	return n <= remaining, nil
}

// Consume debits n units, failing with ErrQuotaExceeded when they do not fit.
func (l *Ledger) Consume(ctx context.Context, ownerID string, n int64) error {
	if n < 0 {
		return fmt.Errorf("quota: consume %d: %w", n, apperrors.ErrValidation)
	}
	_, err := l.debit(ctx, ownerID, n, fieldUsed)
	return err
}

// Reserve holds n units for a run under holdID, replacing any hold left
// under the same id. Reserved units count against Remaining until Settle
// releases them.
func (l *Ledger) Reserve(ctx context.Context, ownerID, holdID string, n int64) (Reservation, error) {
	if n < 0 || holdID == "" {
		return Reservation{}, fmt.Errorf("quota: reserve %d: %w", n, apperrors.ErrValidation)
	}
	res, err := reserveScript.Run(ctx, l.client, []string{l.key(ownerID)}, n, holdID).Int64()
	if err != nil {
		return Reservation{}, fmt.Errorf("quota: reserve for %s: %w", ownerID, err)
	}
	switch res {
	case codeNoQuota:
		return Reservation{}, fmt.Errorf("quota: reserve for %s: %w", ownerID, apperrors.ErrNoActiveQuota)
	case codeExceeded:
		return Reservation{}, fmt.Errorf("quota: reserve %d for %s: %w", n, ownerID, apperrors.ErrQuotaExceeded)
	}
	return Reservation{OwnerID: ownerID, HoldID: holdID, Amount: n}, nil
}

// Settle converts consumed units of a reservation into used and releases the rest.
func (l *Ledger) Settle(ctx context.Context, res Reservation, consumed int64) error {
	if res.HoldID == "" {
		return nil
	}
	if err := settleScript.Run(ctx, l.client, []string{l.key(res.OwnerID)}, res.HoldID, consumed).Err(); err != nil {
		return fmt.Errorf("quota: settle for %s: %w", res.OwnerID, err)
	}
	return nil
}

// TopUp raises the owner's total. Used units are left untouched.
func (l *Ledger) TopUp(ctx context.Context, ownerID string, n int64) error {
	if n <= 0 {
		return fmt.Errorf("quota: top up %d: %w", n, apperrors.ErrValidation)
	}
	code, err := topUpScript.Run(ctx, l.client, []string{l.key(ownerID)}, n).Int64()
	if err != nil {
		return fmt.Errorf("quota: top up for %s: %w", ownerID, err)
	}
	if code == codeNoQuota {
		return fmt.Errorf("quota: top up for %s: %w", ownerID, apperrors.ErrNoActiveQuota)
	}
	return nil
}

// Provision activates an account with total units for period. Used units reset
// when the period changes.
func (l *Ledger) Provision(ctx context.Context, ownerID string, total int64, period string) error {
	if total < 0 || period == "" {
		return fmt.Errorf("quota: provision %s: %w", ownerID, apperrors.ErrValidation)
	}
	if err := provisionScript.Run(ctx, l.client, []string{l.key(ownerID)}, total, period).Err(); err != nil {
		return fmt.Errorf("quota: provision %s: %w", ownerID, err)
	}
	return nil
}

// Deactivate blocks further consumption without dropping the account.
func (l *Ledger) Deactivate(ctx context.Context, ownerID string) error {
	key := l.key(ownerID)
	n, err := l.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("quota: deactivate %s: %w", ownerID, err)
	}
	if n == 0 {
		return fmt.Errorf("quota: deactivate %s: %w", ownerID, apperrors.ErrNotFound)
	}
	return l.client.HSet(ctx, key, fieldActive, "0").Err()
}

// Account returns the stored account.
func (l *Ledger) Account(ctx context.Context, ownerID string) (*domain.QuotaAccount, error) {
	acct, err := l.load(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, fmt.Errorf("quota: account %s: %w", ownerID, apperrors.ErrNotFound)
	}
	return acct, nil
}

// Rollover starts period on every account still in an older one and returns
// how many accounts were reset. Outstanding holds are dropped with the old
// period; runs still settling charge the new one.
func (l *Ledger) Rollover(ctx context.Context, period string) (int, error) {
	var (
		cursor uint64
		rolled int
	)
	for {
		keys, next, err := l.client.Scan(ctx, cursor, l.prefix+":*", 200).Result()
		if err != nil {
			return rolled, fmt.Errorf("quota: rollover scan: %w", err)
		}
		for _, key := range keys {
			n, err := rolloverScript.Run(ctx, l.client, []string{key}, period).Int()
			if err != nil {
				return rolled, fmt.Errorf("quota: rollover %s: %w", key, err)
			}
			rolled += n
		}
		cursor = next
		if cursor == 0 {
			return rolled, nil
		}
	}
}

func (l *Ledger) debit(ctx context.Context, ownerID string, n int64, field string) (int64, error) {
	res, err := debitScript.Run(ctx, l.client, []string{l.key(ownerID)}, n, field).Int64()
	if err != nil {
		return 0, fmt.Errorf("quota: debit for %s: %w", ownerID, err)
	}
	switch res {
	case codeNoQuota:
		return 0, fmt.Errorf("quota: debit for %s: %w", ownerID, apperrors.ErrNoActiveQuota)
	case codeExceeded:
		return 0, fmt.Errorf("quota: debit %d for %s: %w", n, ownerID, apperrors.ErrQuotaExceeded)
	}
	return res, nil
}

func (l *Ledger) load(ctx context.Context, ownerID string) (*domain.QuotaAccount, error) {
	values, err := l.client.HGetAll(ctx, l.key(ownerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("quota: load %s: %w", ownerID, err)
	}
	if len(values) == 0 {
		return nil, nil
	}
	acct := &domain.QuotaAccount{
		OwnerID: ownerID,
		Period:  values[fieldPeriod],
		Active:  values[fieldActive] == "1",
	}
	acct.Total, _ = strconv.ParseInt(values[fieldTotal], 10, 64)
	acct.Used, _ = strconv.ParseInt(values[fieldUsed], 10, 64)
	acct.Reserved, _ = strconv.ParseInt(values[fieldReserved], 10, 64)
	return acct, nil
}

func (l *Ledger) key(ownerID string) string {
	return l.prefix + ":" + strings.TrimSpace(ownerID)
}
