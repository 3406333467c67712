package ledger

import (
	"context"
	"sync"
	"time"

	errx "github.com/mate-core/server/internal/core/error"
	"github.com/mate-core/server/internal/pipeline/model"
)

type account struct {
	balance  model.Microcredits
	reserved model.Microcredits
}

// MemoryLedger implements Ledger with the same semantics as the Redis
// implementation behind a mutex. Used in tests and for local runs without
// infrastructure.
type MemoryLedger struct {
	mu       sync.Mutex
	accounts map[string]*account
	audit    AuditSink
}

// NewMemoryLedger creates an in-memory ledger. audit may be nil.
func NewMemoryLedger(audit AuditSink) *MemoryLedger {
	return &MemoryLedger{accounts: make(map[string]*account), audit: audit}
}

// SetBalance seeds a user's balance. Billing owns balances in production;
// this exists for tests and local runs.
func (l *MemoryLedger) SetBalance(userID string, balance model.Microcredits) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acct(userID).balance = balance
}

func (l *MemoryLedger) acct(userID string) *account {
	a, ok := l.accounts[userID]
	if !ok {
		a = &account{}
		l.accounts[userID] = a
	}
	return a
}

func (l *MemoryLedger) Available(_ context.Context, userID string) (model.Microcredits, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.acct(userID)
	return a.balance - a.reserved, nil
}

func (l *MemoryLedger) Reserve(ctx context.Context, userID, requestID string, amount model.Microcredits) (*model.CreditHold, error) {
	if amount <= 0 {
		return nil, errx.Newf(errx.KindInternal, "reserve amount must be positive, got %d", amount)
	}

	l.mu.Lock()
	a := l.acct(userID)
	if a.balance-a.reserved < amount {
		l.mu.Unlock()
		return nil, errx.Newf(errx.KindInsufficientCredit, "balance cannot cover reservation of %d", amount)
	}
	a.reserved += amount
	l.mu.Unlock()

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

func (l *MemoryLedger) Commit(ctx context.Context, hold *model.CreditHold, actual model.Microcredits) error {
	if !hold.Active() {
		return errx.Newf(errx.KindInternal, "commit on non-active hold for request %s", hold.RequestID)
	}
	charge := clampCharge(actual, hold.Reserved)

	l.mu.Lock()
	a := l.acct(hold.UserID)
	if a.balance < charge {
		l.mu.Unlock()
		return errx.Newf(errx.KindLedgerRace, "balance changed under hold for request %s", hold.RequestID)
	}
	a.balance -= charge
	a.reserved -= hold.Reserved
	if a.reserved < 0 {
		a.reserved = 0
	}
	l.mu.Unlock()

	hold.State = model.HoldCommitted
	l.emit(ctx, model.LedgerEventCommit, hold, charge)
	return nil
}

func (l *MemoryLedger) Release(ctx context.Context, hold *model.CreditHold) error {
	if !hold.Active() {
		return errx.Newf(errx.KindInternal, "release on non-active hold for request %s", hold.RequestID)
	}

	l.mu.Lock()
	a := l.acct(hold.UserID)
	a.reserved -= hold.Reserved
	if a.reserved < 0 {
		a.reserved = 0
	}
	l.mu.Unlock()

	hold.State = model.HoldReleased
	l.emit(ctx, model.LedgerEventRelease, hold, 0)
	return nil
}

func (l *MemoryLedger) emit(ctx context.Context, typ model.LedgerEventType, hold *model.CreditHold, amount model.Microcredits) {
	if l.audit == nil {
		return
	}
	_ = l.audit.RecordLedgerEvent(ctx, model.LedgerEvent{
		Type:      typ,
		RequestID: hold.RequestID,
		UserID:    hold.UserID,
		Amount:    amount,
		Timestamp: time.Now().UTC(),
	})
}

var _ Ledger = (*MemoryLedger)(nil)
