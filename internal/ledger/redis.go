package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	errx "github.com/mate-core/server/internal/core/error"
	"github.com/mate-core/server/internal/pipeline/model"
	logx "github.com/mate-core/server/pkg/logger"
)

// Balance keys are written by the billing collaborator; this ledger only
// reads balances and maintains the reserved counter alongside them.
//
// reserveScript: fail unless balance minus outstanding reservations covers
// the requested amount, then grow the reservation. Returns -1 on refusal.
var reserveScript = redis.NewScript(`
local bal = tonumber(redis.call('GET', KEYS[1]) or '0')
local res = tonumber(redis.call('GET', KEYS[2]) or '0')
local amt = tonumber(ARGV[1])
if bal - res < amt then
  return -1
end
redis.call('INCRBY', KEYS[2], amt)
return bal - res - amt
`)

// commitScript: charge the actual amount and drop the whole reservation in
// one step. When the live balance no longer covers the charge (a concurrent
// spend won the race) nothing changes and -1 is returned, leaving the hold
// open for the caller's single retry.
var commitScript = redis.NewScript(`
local bal = tonumber(redis.call('GET', KEYS[1]) or '0')
local actual = tonumber(ARGV[2])
if bal < actual then
  return -1
end
redis.call('DECRBY', KEYS[1], actual)
redis.call('DECRBY', KEYS[2], ARGV[1])
return bal - actual
`)

// releaseScript: shrink the reservation, never below zero.
var releaseScript = redis.NewScript(`
local res = tonumber(redis.call('GET', KEYS[2]) or '0')
local amt = tonumber(ARGV[1])
if amt > res then
  amt = res
end
if amt > 0 then
  redis.call('DECRBY', KEYS[2], amt)
end
return amt
`)

// RedisLedger implements Ledger on Redis with atomic check-then-reserve
// scripts, so concurrent reservations from one user can never double-spend.
type RedisLedger struct {
	rdb   redis.Cmdable
	audit AuditSink
}

// NewRedisLedger creates a Redis-backed ledger. audit may be nil.
func NewRedisLedger(rdb redis.Cmdable, audit AuditSink) *RedisLedger {
	return &RedisLedger{rdb: rdb, audit: audit}
}

func balanceKey(userID string) string {
	return fmt.Sprintf("credit:%s:balance", userID)
}

func reservedKey(userID string) string {
	return fmt.Sprintf("credit:%s:reserved", userID)
}

func (l *RedisLedger) keys(userID string) []string {
	return []string{balanceKey(userID), reservedKey(userID)}
}

func (l *RedisLedger) Available(ctx context.Context, userID string) (model.Microcredits, error) {
	rows, err := l.rdb.MGet(ctx, balanceKey(userID), reservedKey(userID)).Result()
	if err != nil {
		return 0, errx.WrapRedis(err)
	}
	bal := parseAmount(rows[0])
	res := parseAmount(rows[1])
	return bal - res, nil
}

func (l *RedisLedger) Reserve(ctx context.Context, userID, requestID string, amount model.Microcredits) (*model.CreditHold, error) {
	if amount <= 0 {
		return nil, errx.Newf(errx.KindInternal, "reserve amount must be positive, got %d", amount)
	}

	n, err := reserveScript.Run(ctx, l.rdb, l.keys(userID), int64(amount)).Int64()
	if err != nil {
		return nil, errx.WrapRedis(err)
	}
	if n < 0 {
		return nil, errx.Newf(errx.KindInsufficientCredit, "balance cannot cover reservation of %d", amount)
	}

	hold := &model.CreditHold{
		RequestID: requestID,
		UserID:    userID,
		Reserved:  amount,
		State:     model.HoldHeld,
		CreatedAt: time.Now().UTC(),
	}
	l.emit(ctx, model.LedgerEventReserve, hold, amount)
	return hold, nil
}

func (l *RedisLedger) Commit(ctx context.Context, hold *model.CreditHold, actual model.Microcredits) error {
	if !hold.Active() {
		return errx.Newf(errx.KindInternal, "commit on non-active hold for request %s", hold.RequestID)
	}
	charge := clampCharge(actual, hold.Reserved)

	n, err := commitScript.Run(ctx, l.rdb, l.keys(hold.UserID), int64(hold.Reserved), int64(charge)).Int64()
	if err != nil {
		return errx.WrapRedis(err)
	}
	if n < 0 {
		return errx.Newf(errx.KindLedgerRace, "balance changed under hold for request %s", hold.RequestID)
	}

	hold.State = model.HoldCommitted
	l.emit(ctx, model.LedgerEventCommit, hold, charge)
	return nil
}

func (l *RedisLedger) Release(ctx context.Context, hold *model.CreditHold) error {
	if !hold.Active() {
		return errx.Newf(errx.KindInternal, "release on non-active hold for request %s", hold.RequestID)
	}

	if _, err := releaseScript.Run(ctx, l.rdb, l.keys(hold.UserID), int64(hold.Reserved)).Int64(); err != nil {
		return errx.WrapRedis(err)
	}

	hold.State = model.HoldReleased
	l.emit(ctx, model.LedgerEventRelease, hold, 0)
	return nil
}

func (l *RedisLedger) emit(ctx context.Context, typ model.LedgerEventType, hold *model.CreditHold, amount model.Microcredits) {
	if l.audit == nil {
		return
	}
	ev := model.LedgerEvent{
		Type:      typ,
		RequestID: hold.RequestID,
		UserID:    hold.UserID,
		Amount:    amount,
		Timestamp: time.Now().UTC(),
	}
	if err := l.audit.RecordLedgerEvent(ctx, ev); err != nil {
		logx.Warn().
			Err(err).
			Str("request_id", hold.RequestID).
			Str("event", string(typ)).
			Msg("Failed to forward ledger audit event")
	}
}

func parseAmount(v any) model.Microcredits {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	var n int64
	if _, err := fmt.Sscan(s, &n); err != nil {
		return 0
	}
	return model.Microcredits(n)
}

var _ Ledger = (*RedisLedger)(nil)
