package stores

import (
	"context"

	errx "github.com/mate-core/server/internal/core/error"
	"github.com/mate-core/server/internal/pipeline/model"
)

// StaticConfigStore serves fixed configuration. Used in tests and local runs.
type StaticConfigStore struct {
	Safety   *model.InstructionSet
	Personas map[string]*model.PersonaConfig
	Focuses  map[string]*model.FocusConfig
}

func (s *StaticConfigStore) SafetyInstructions(context.Context) (*model.InstructionSet, error) {
	if s.Safety == nil || s.Safety.Content == "" {
		return nil, errx.Newf(errx.KindConfigUnavailable, "safety instruction set missing")
	}
	return s.Safety, nil
}

func (s *StaticConfigStore) Persona(_ context.Context, id string) (*model.PersonaConfig, error) {
	if p, ok := s.Personas[id]; ok {
		return p, nil
	}
	return DefaultPersona(), nil
}

func (s *StaticConfigStore) Focus(_ context.Context, id string) (*model.FocusConfig, error) {
	if id == "" {
		return nil, nil
	}
	return s.Focuses[id], nil
}

// StaticMemoryStore serves fixed memory fields.
type StaticMemoryStore struct {
	Fields map[string]map[string]string // userID -> key -> value
}

func (s *StaticMemoryStore) LoadFields(_ context.Context, userID string, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	user := s.Fields[userID]
	for _, k := range keys {
		if v, ok := user[k]; ok && v != "" {
			out[k] = v
		}
	}
	return out, nil
}

var (
	_ ConfigStore = (*StaticConfigStore)(nil)
	_ MemoryStore = (*StaticMemoryStore)(nil)
)
