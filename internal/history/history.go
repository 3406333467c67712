// Package history persists conversation transcripts so generation can ground
// responses in prior turns. History is a collaborator concern: the pipeline
// appends the inbound user message before generation and the assistant reply
// after a completed stream, and reads a bounded tail for prompt assembly.
package history

import (
	"context"

	"github.com/cloudwego/eino/schema"

	"github.com/mate-core/server/internal/pipeline/model"
)

// Repository stores and retrieves conversation messages.
type Repository interface {
	// Append adds a message to the conversation transcript.
	Append(ctx context.Context, conversationID string, message *schema.Message) error

	// Tail retrieves up to maxTurns most recent messages, oldest first.
	Tail(ctx context.Context, conversationID string, maxTurns int) ([]*schema.Message, error)

	// Clear removes the transcript for a conversation.
	Clear(ctx context.Context, conversationID string) error
}

// Manager applies the conversation policy (turn budget) on top of a
// Repository.
type Manager struct {
	repo     Repository
	maxTurns int
}

func NewManager(repo Repository, cfg model.ConversationConfig) *Manager {
	return &Manager{repo: repo, maxTurns: cfg.MaxTurns}
}

// AppendUser records the inbound user message.
func (m *Manager) AppendUser(ctx context.Context, conversationID, text string) error {
	return m.repo.Append(ctx, conversationID, schema.UserMessage(text))
}

// AppendAssistant records a completed assistant reply. Partial output from a
// failed stream is delivered to the caller but never becomes history.
func (m *Manager) AppendAssistant(ctx context.Context, conversationID, text string) error {
	return m.repo.Append(ctx, conversationID, schema.AssistantMessage(text, nil))
}

// Recent returns the bounded tail of the conversation, oldest first.
func (m *Manager) Recent(ctx context.Context, conversationID string) ([]*schema.Message, error) {
	return m.repo.Tail(ctx, conversationID, m.maxTurns)
}
