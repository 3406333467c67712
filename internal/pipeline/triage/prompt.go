package triage

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/mate-core/server/internal/pipeline/model"
)

//go:embed template/triage_prompt.txt
var triageSystemPrompt string

// RenderTriageSystem renders the triage system prompt via the eino prompt
// component. Known tokens are replaced directly so delimiter literals in the
// template never collide with template syntax.
func RenderTriageSystem(ctx context.Context, safety *model.InstructionSet) (string, error) {
	if safety == nil {
		return "", fmt.Errorf("safety instruction set is nil")
	}

	content := strings.NewReplacer(
		"{TD}", tupDelim,
		"{RD}", recDelim,
		"{CD}", endDelim,
		"{safety_instructions}", safety.Content,
	).Replace(triageSystemPrompt)

	// Wrap via the prompt component using a messages placeholder so prompt
	// callbacks fire for observability.
	tpl := prompt.FromMessages(
		schema.FString,
		schema.MessagesPlaceholder("system_messages", false),
	)
	msgs, err := tpl.Format(ctx, map[string]any{
		"system_messages": []*schema.Message{schema.SystemMessage(content)},
	})
	if err != nil {
		return "", fmt.Errorf("triage prompt render: %w", err)
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return "", fmt.Errorf("triage prompt render: empty result")
	}
	return msgs[0].Content, nil
}
