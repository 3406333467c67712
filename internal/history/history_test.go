package history

import (
	"context"
	"fmt"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mate-core/server/internal/pipeline/model"
)

func TestManagerRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryRepository(), model.ConversationConfig{MaxTurns: 10})

	require.NoError(t, m.AppendUser(ctx, "c1", "hello"))
	require.NoError(t, m.AppendAssistant(ctx, "c1", "hi there"))

	msgs, err := m.Recent(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, schema.User, msgs[0].Role)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, schema.Assistant, msgs[1].Role)
}

func TestManagerTrimsToTurnBudget(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryRepository(), model.ConversationConfig{MaxTurns: 4})

	for i := 0; i < 10; i++ {
		require.NoError(t, m.AppendUser(ctx, "c1", fmt.Sprintf("turn %d", i)))
	}

	msgs, err := m.Recent(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, "turn 6", msgs[0].Content)
	assert.Equal(t, "turn 9", msgs[3].Content)
}

func TestConversationsAreIsolated(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryRepository(), model.ConversationConfig{MaxTurns: 10})

	require.NoError(t, m.AppendUser(ctx, "c1", "one"))
	require.NoError(t, m.AppendUser(ctx, "c2", "two"))

	msgs, err := m.Recent(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "one", msgs[0].Content)
}
