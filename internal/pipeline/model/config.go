package model

import "time"

// ================ Config ================

// TriageModelConfig configures the cheap classification model and the
// triage-stage policy knobs.
type TriageModelConfig struct {
	Model         string  `envconfig:"TRIAGE_MODEL" default:"gemini-2.5-flash-lite"`
	MaxTokens     int     `envconfig:"TRIAGE_MAX_TOKENS" default:"1024"`
	Temperature   float32 `envconfig:"TRIAGE_TEMPERATURE" default:"0.1"`
	HarmThreshold float64 `envconfig:"TRIAGE_HARM_THRESHOLD" default:"0.7"`
	MaxAttempts   int     `envconfig:"TRIAGE_MAX_ATTEMPTS" default:"2"`
}

// GenerationModelConfig configures the main response model.
type GenerationModelConfig struct {
	Model       string  `envconfig:"GENERATION_MODEL" default:"gemini-2.5-flash"`
	MaxTokens   int     `envconfig:"GENERATION_MAX_TOKENS" default:"8192"`
	Temperature float32 `envconfig:"GENERATION_TEMPERATURE" default:"0.4"`
}

// RetryConfig bounds the backoff loop for transient provider failures.
// InvalidRequest and safety blocks are never retried regardless of budget.
type RetryConfig struct {
	MaxAttempts int           `envconfig:"PROVIDER_RETRY_MAX_ATTEMPTS" default:"3"`
	BaseBackoff time.Duration `envconfig:"PROVIDER_RETRY_BASE_BACKOFF" default:"200ms"`
	MaxBackoff  time.Duration `envconfig:"PROVIDER_RETRY_MAX_BACKOFF" default:"5s"`
}

// ConversationConfig governs history persistence and trimming.
type ConversationConfig struct {
	TTL      time.Duration `envconfig:"CONVERSATION_TTL" default:"15m"`
	MaxTurns int           `envconfig:"CONVERSATION_MAX_TURNS" default:"20"`
}

// WorkConfig configures the unit-of-work intake stream.
type WorkConfig struct {
	RequestStream string `envconfig:"WORK_REQUEST_STREAM" default:"respond:requests"`
	OutcomeStream string `envconfig:"WORK_OUTCOME_STREAM" default:"respond:outcomes"`
	Group         string `envconfig:"WORK_GROUP" default:"respond-core"`
	Consumer      string `envconfig:"WORK_CONSUMER" default:"worker-1"`
	MaxInFlight   int    `envconfig:"WORK_MAX_IN_FLIGHT" default:"16"`
}
