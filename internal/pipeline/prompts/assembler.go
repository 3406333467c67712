// Package prompts assembles the final prompt for the generation stage.
//
// Composition is a pure function of its inputs: no network calls, no clocks,
// no side effects. Identical inputs yield a byte-identical bundle, which
// keeps prompt construction reproducible in tests independent of live model
// behaviour.
package prompts

import (
	_ "embed"
	"sort"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/mate-core/server/internal/pipeline/model"
)

//go:embed template/memory_section.txt
var memorySectionTemplate string

//go:embed template/focus_section.txt
var focusSectionTemplate string

// SegmentKind labels a prompt segment. The kinds also define the mandatory
// concatenation order: later segments may override earlier guidance, so the
// safety and persona layers always precede user-provided material.
type SegmentKind string

const (
	SegmentSafety  SegmentKind = "safety"
	SegmentPersona SegmentKind = "persona"
	SegmentFocus   SegmentKind = "focus"
	SegmentMemory  SegmentKind = "memory"
)

// Segment is one block of system-prompt text.
type Segment struct {
	Kind    SegmentKind
	Content string
}

// Bundle is the assembled prompt: ordered system segments followed by the
// conversation history. Built fresh per request, never shared.
type Bundle struct {
	Segments []Segment
	History  []*schema.Message
}

// Input carries everything composition needs. Focus is optional; Memories
// may be empty.
type Input struct {
	Safety   model.InstructionSet
	Persona  model.PersonaConfig
	Focus    *model.FocusConfig
	Memories map[string]string
	History  []*schema.Message
}

// Compose builds the prompt bundle. Optional sections are gated by explicit
// presence checks; memory fields are ordered by key so composition stays
// deterministic regardless of map iteration order.
func Compose(in Input) *Bundle {
	b := &Bundle{}

	b.Segments = append(b.Segments, Segment{Kind: SegmentSafety, Content: strings.TrimSpace(in.Safety.Content)})
	b.Segments = append(b.Segments, Segment{Kind: SegmentPersona, Content: strings.TrimSpace(in.Persona.SystemPrompt)})

	if in.Focus != nil && strings.TrimSpace(in.Focus.Prompt) != "" {
		content := strings.NewReplacer(
			"{focus_name}", in.Focus.Name,
			"{focus_prompt}", strings.TrimSpace(in.Focus.Prompt),
		).Replace(focusSectionTemplate)
		b.Segments = append(b.Segments, Segment{Kind: SegmentFocus, Content: strings.TrimSpace(content)})
	}

	if len(in.Memories) > 0 {
		content := strings.NewReplacer(
			"{memory_fields}", renderMemoryFields(in.Memories),
		).Replace(memorySectionTemplate)
		b.Segments = append(b.Segments, Segment{Kind: SegmentMemory, Content: strings.TrimSpace(content)})
	}

	b.History = in.History
	return b
}

func renderMemoryFields(memories map[string]string) string {
	keys := make([]string, 0, len(memories))
	for k := range memories {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString("- ")
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(memories[k])
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// SystemPrompt concatenates the system segments in bundle order.
func (b *Bundle) SystemPrompt() string {
	parts := make([]string, 0, len(b.Segments))
	for _, s := range b.Segments {
		if s.Content != "" {
			parts = append(parts, s.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Messages renders the bundle as the message list for a model invocation:
// one system message followed by the conversation history.
func (b *Bundle) Messages() []*schema.Message {
	msgs := make([]*schema.Message, 0, len(b.History)+1)
	msgs = append(msgs, schema.SystemMessage(b.SystemPrompt()))
	msgs = append(msgs, b.History...)
	return msgs
}
