package model

import "time"

// Request is the immutable input to the pipeline. It is created at ingress
// and referenced, never mutated, by all downstream stages.
type Request struct {
	ID             string       `json:"id"`
	UserID         string       `json:"user_id"`
	ConversationID string       `json:"conversation_id"`
	Message        string       `json:"message"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	PersonaID      string       `json:"persona_id,omitempty"`
	FocusID        string       `json:"focus_id,omitempty"`
	ReceivedAt     time.Time    `json:"received_at"`
}

// Attachment carries a reference to an uploaded artifact. The pipeline only
// forwards attachment metadata; content storage lives outside this core.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	URI      string `json:"uri"`
}

// StreamChunk is one unit of partial model output. Sequence numbers are
// strictly increasing per request; the final chunk closes the stream.
// Chunks are produced and forwarded, never persisted by this core.
type StreamChunk struct {
	Sequence     int      `json:"sequence_number"`
	TextDelta    string   `json:"text_delta"`
	TokenCount   int      `json:"token_count"`
	PreviewHints []string `json:"preview_type_hints,omitempty"`
	Final        bool     `json:"is_final"`
}

// OutcomeStatus enumerates the terminal states a request can reach.
type OutcomeStatus string

const (
	OutcomeCompleted          OutcomeStatus = "completed"
	OutcomeHarmBlocked        OutcomeStatus = "harm_blocked"
	OutcomeProviderError      OutcomeStatus = "provider_error"
	OutcomeInsufficientCredit OutcomeStatus = "insufficient_credit"
	OutcomeCancelled          OutcomeStatus = "cancelled"
)

// GenerationOutcome is the single terminal record produced per request. It is
// the only object surfaced to external collaborators for persistence and
// billing reconciliation.
type GenerationOutcome struct {
	RequestID      string        `json:"request_id"`
	Status         OutcomeStatus `json:"status"`
	TotalTokens    int           `json:"total_tokens"`
	CreditsCharged Microcredits  `json:"total_credits_charged"`
	FinishedAt     time.Time     `json:"finished_at"`
}
