package gateway

import (
	"context"
	"sync/atomic"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// MockBinding simulates a chat model for tests. Behaviour is supplied per
// test through the function fields; call counters allow asserting that a
// stage was (or was not) invoked.
type MockBinding struct {
	GenerateFn func(ctx context.Context, in []*schema.Message) (*schema.Message, error)
	StreamFn   func(ctx context.Context, in []*schema.Message) (*schema.StreamReader[*schema.Message], error)

	generateCalls atomic.Int32
	streamCalls   atomic.Int32
}

var _ einomodel.BaseChatModel = (*MockBinding)(nil)

func (m *MockBinding) Generate(ctx context.Context, in []*schema.Message, _ ...einomodel.Option) (*schema.Message, error) {
	m.generateCalls.Add(1)
	if m.GenerateFn == nil {
		return schema.AssistantMessage("mock response", nil), nil
	}
	return m.GenerateFn(ctx, in)
}

func (m *MockBinding) Stream(ctx context.Context, in []*schema.Message, _ ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	m.streamCalls.Add(1)
	if m.StreamFn == nil {
		return schema.StreamReaderFromArray([]*schema.Message{schema.AssistantMessage("mock response", nil)}), nil
	}
	return m.StreamFn(ctx, in)
}

// GenerateCalls returns how many synchronous invocations the mock has seen.
func (m *MockBinding) GenerateCalls() int {
	return int(m.generateCalls.Load())
}

// StreamCalls returns how many streaming invocations the mock has seen.
func (m *MockBinding) StreamCalls() int {
	return int(m.streamCalls.Load())
}

// TextReply builds an assistant message carrying usage metadata, for mocks
// that want realistic token accounting.
func TextReply(text string, promptTokens, completionTokens int) *schema.Message {
	msg := schema.AssistantMessage(text, nil)
	msg.ResponseMeta = &schema.ResponseMeta{
		Usage: &schema.TokenUsage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}
	return msg
}

// StreamOf builds a message stream from text deltas. When usage token counts
// are provided they are attached to the last chunk, mirroring how providers
// report cumulative usage at the end of a stream.
func StreamOf(deltas []string, promptTokens, completionTokens int) *schema.StreamReader[*schema.Message] {
	msgs := make([]*schema.Message, 0, len(deltas))
	for i, d := range deltas {
		m := schema.AssistantMessage(d, nil)
		if i == len(deltas)-1 && (promptTokens > 0 || completionTokens > 0) {
			m.ResponseMeta = &schema.ResponseMeta{
				Usage: &schema.TokenUsage{
					PromptTokens:     promptTokens,
					CompletionTokens: completionTokens,
					TotalTokens:      promptTokens + completionTokens,
				},
			}
		}
		msgs = append(msgs, m)
	}
	return schema.StreamReaderFromArray(msgs)
}
