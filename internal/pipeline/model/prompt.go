package model

// InstructionSet is the current safety/ethics instruction block loaded from
// the configuration store. A request cannot proceed without one.
type InstructionSet struct {
	Version string `json:"version"`
	Content string `json:"content"`
}

// PersonaConfig is a configured assistant identity ("Mate") with its own
// default prompt.
type PersonaConfig struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	SystemPrompt string `json:"system_prompt"`
}

// FocusConfig is a task-specific prompt overlay selectable per conversation.
type FocusConfig struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Prompt string `json:"prompt"`
}
