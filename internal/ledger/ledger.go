// Package ledger tracks a user's spendable balance: it reserves, commits and
// releases credit holds. The ledger is the only synchronization point shared
// by concurrent requests; every other pipeline stage owns its state.
package ledger

import (
	"context"

	"github.com/mate-core/server/internal/pipeline/model"
)

// Ledger is the credit reservation contract.
//
// Reserve is atomic: either the full amount is reserved or the call fails
// with insufficient credit. Commit charges the actual amount and refunds the
// unused remainder of the reservation in the same step; when a concurrent
// spend has invalidated the balance view, Commit fails with a ledger-race
// error and leaves the hold open so the caller can retry once against the
// fresh balance before releasing. A hold finalizes exactly once.
type Ledger interface {
	// Available returns the user's balance minus outstanding reservations.
	Available(ctx context.Context, userID string) (model.Microcredits, error)

	// Reserve places a hold for the request. At most one active hold exists
	// per request.
	Reserve(ctx context.Context, userID, requestID string, amount model.Microcredits) (*model.CreditHold, error)

	// Commit charges actual (clamped to the reserved amount — a commit never
	// exceeds its hold) and releases the rest of the reservation.
	Commit(ctx context.Context, hold *model.CreditHold, actual model.Microcredits) error

	// Release frees the full reservation without charging.
	Release(ctx context.Context, hold *model.CreditHold) error
}

// AuditSink receives the auditable commit/release trail for the billing
// collaborator. Delivery is best effort; an audit failure never fails the
// ledger operation that produced it.
type AuditSink interface {
	RecordLedgerEvent(ctx context.Context, ev model.LedgerEvent) error
}

// clampCharge enforces the never-over-charge invariant at the type level.
func clampCharge(actual, reserved model.Microcredits) model.Microcredits {
	if actual < 0 {
		return 0
	}
	if actual > reserved {
		return reserved
	}
	return actual
}
