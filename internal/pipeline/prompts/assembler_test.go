package prompts

import (
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mate-core/server/internal/pipeline/model"
)

func fullInput() Input {
	return Input{
		Safety:  model.InstructionSet{Version: "v3", Content: "Refuse harmful requests."},
		Persona: model.PersonaConfig{ID: "mate", Name: "Mate", SystemPrompt: "You are Mate."},
		Focus:   &model.FocusConfig{ID: "code", Name: "Coding", Prompt: "Prefer runnable examples."},
		Memories: map[string]string{
			"timezone": "Europe/Berlin",
			"language": "German",
			"name":     "Alex",
		},
		History: []*schema.Message{
			schema.UserMessage("hi"),
			schema.AssistantMessage("hello", nil),
			schema.UserMessage("write me a sort function"),
		},
	}
}

func TestComposeIsDeterministic(t *testing.T) {
	a := Compose(fullInput())
	b := Compose(fullInput())
	assert.Equal(t, a.SystemPrompt(), b.SystemPrompt())
	assert.Equal(t, a.Segments, b.Segments)
}

func TestComposeSegmentOrder(t *testing.T) {
	b := Compose(fullInput())

	kinds := make([]SegmentKind, 0, len(b.Segments))
	for _, s := range b.Segments {
		kinds = append(kinds, s.Kind)
	}
	assert.Equal(t, []SegmentKind{SegmentSafety, SegmentPersona, SegmentFocus, SegmentMemory}, kinds)

	// Safety guidance precedes everything user-derived in the rendered prompt.
	sys := b.SystemPrompt()
	assert.Less(t, indexOf(t, sys, "Refuse harmful requests."), indexOf(t, sys, "You are Mate."))
	assert.Less(t, indexOf(t, sys, "You are Mate."), indexOf(t, sys, "Prefer runnable examples."))
}

func TestComposeOptionalSectionsGated(t *testing.T) {
	in := fullInput()
	in.Focus = nil
	in.Memories = nil

	b := Compose(in)
	for _, s := range b.Segments {
		assert.NotEqual(t, SegmentFocus, s.Kind)
		assert.NotEqual(t, SegmentMemory, s.Kind)
	}
}

func TestComposeMemoryFieldsSorted(t *testing.T) {
	b := Compose(fullInput())
	sys := b.SystemPrompt()
	assert.Less(t, indexOf(t, sys, "- language: German"), indexOf(t, sys, "- name: Alex"))
	assert.Less(t, indexOf(t, sys, "- name: Alex"), indexOf(t, sys, "- timezone: Europe/Berlin"))
}

func TestMessagesLayout(t *testing.T) {
	in := fullInput()
	b := Compose(in)
	msgs := b.Messages()

	require.Len(t, msgs, len(in.History)+1)
	assert.Equal(t, schema.System, msgs[0].Role)
	assert.Equal(t, b.SystemPrompt(), msgs[0].Content)
	assert.Equal(t, "write me a sort function", msgs[len(msgs)-1].Content)
}

func indexOf(t *testing.T, haystack, needle string) int {
	t.Helper()
	idx := strings.Index(haystack, needle)
	require.GreaterOrEqual(t, idx, 0, "expected %q in rendered prompt", needle)
	return idx
}
