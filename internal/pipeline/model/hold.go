package model

import "time"

// HoldState tracks the lifecycle of a credit reservation.
type HoldState string

const (
	HoldHeld      HoldState = "held"
	HoldCommitted HoldState = "committed"
	HoldReleased  HoldState = "released"
)

// CreditHold is a reservation against a user's balance. At most one active
// hold exists per request, and a hold transitions to committed or released
// exactly once before the request is considered closed.
type CreditHold struct {
	RequestID string       `json:"request_id"`
	UserID    string       `json:"user_id"`
	Reserved  Microcredits `json:"amount_reserved"`
	State     HoldState    `json:"state"`
	CreatedAt time.Time    `json:"created_at"`
}

// Active reports whether the hold still awaits finalization.
func (h *CreditHold) Active() bool {
	return h != nil && h.State == HoldHeld
}

// LedgerEventType labels an auditable ledger action.
type LedgerEventType string

const (
	LedgerEventReserve LedgerEventType = "reserve"
	LedgerEventCommit  LedgerEventType = "commit"
	LedgerEventRelease LedgerEventType = "release"
)

// LedgerEvent is the auditable record forwarded to the billing collaborator
// on every commit and release.
type LedgerEvent struct {
	Type      LedgerEventType `json:"type"`
	RequestID string          `json:"request_id"`
	UserID    string          `json:"user_id"`
	Amount    Microcredits    `json:"amount"`
	Timestamp time.Time       `json:"timestamp"`
}
