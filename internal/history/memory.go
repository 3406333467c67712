package history

import (
	"context"
	"sync"

	"github.com/cloudwego/eino/schema"
)

// MemoryRepository keeps transcripts in process memory. Used in tests and
// local runs without infrastructure.
type MemoryRepository struct {
	mu            sync.Mutex
	conversations map[string][]*schema.Message
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{conversations: make(map[string][]*schema.Message)}
}

func (r *MemoryRepository) Append(_ context.Context, conversationID string, message *schema.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conversations[conversationID] = append(r.conversations[conversationID], message)
	return nil
}

func (r *MemoryRepository) Tail(_ context.Context, conversationID string, maxTurns int) ([]*schema.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msgs := r.conversations[conversationID]
	if maxTurns > 0 && len(msgs) > maxTurns {
		msgs = msgs[len(msgs)-maxTurns:]
	}
	out := make([]*schema.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (r *MemoryRepository) Clear(_ context.Context, conversationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conversations, conversationID)
	return nil
}

var _ Repository = (*MemoryRepository)(nil)
