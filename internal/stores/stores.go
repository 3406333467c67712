// Package stores defines the contracts of the external collaborators the
// pipeline consumes — configuration, user memory and billing — together with
// Redis-backed reference implementations. The surrounding application owns
// the data; this core only reads it (and forwards audit events).
package stores

import (
	"context"

	"github.com/mate-core/server/internal/pipeline/model"
)

// ConfigStore serves the safety-instruction set, persona and focus configs.
type ConfigStore interface {
	// SafetyInstructions returns the current safety/ethics instruction set.
	// A request cannot proceed when this fails.
	SafetyInstructions(ctx context.Context) (*model.InstructionSet, error)

	// Persona returns the assistant identity config for the given id.
	Persona(ctx context.Context, id string) (*model.PersonaConfig, error)

	// Focus returns the focus-mode prompt overlay for the given id.
	Focus(ctx context.Context, id string) (*model.FocusConfig, error)
}

// MemoryStore loads persisted user context fields eligible for prompt
// inclusion. Only the requested keys are loaded, bounding both latency and
// the prompt's information exposure.
type MemoryStore interface {
	LoadFields(ctx context.Context, userID string, keys []string) (map[string]string, error)
}

// Billing exposes the prepaid balance and receives the ledger audit trail
// for invoicing.
type Billing interface {
	Balance(ctx context.Context, userID string) (model.Microcredits, error)
	RecordLedgerEvent(ctx context.Context, ev model.LedgerEvent) error
}
