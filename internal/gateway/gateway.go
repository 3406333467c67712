// Package gateway provides a uniform interface to heterogeneous LLM
// providers: synchronous and streaming invocation, token accounting and
// error normalization. Provider bindings are registered behind the eino
// chat-model contract, so the pipeline never sees provider-specific types.
package gateway

import (
	"context"
	"io"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	errx "github.com/mate-core/server/internal/core/error"
	"github.com/mate-core/server/internal/pipeline/model"
	logx "github.com/mate-core/server/pkg/logger"
)

// Reply is the result of a synchronous invocation.
type Reply struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
}

// Gateway routes invocations to registered model bindings and applies the
// transient-failure retry policy. Registration happens at wiring time; the
// binding map is read-only afterwards, so concurrent requests need no lock.
type Gateway struct {
	bindings map[string]einomodel.BaseChatModel
	retry    model.RetryConfig

	// sleep is swapped out in tests to keep backoff instantaneous.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Gateway with the given retry policy.
func New(retry model.RetryConfig) *Gateway {
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}
	return &Gateway{
		bindings: make(map[string]einomodel.BaseChatModel),
		retry:    retry,
		sleep:    sleepCtx,
	}
}

// Register adds a model binding under its model identifier.
func (g *Gateway) Register(modelID string, binding einomodel.BaseChatModel) {
	g.bindings[modelID] = binding
}

func (g *Gateway) binding(modelID string) (einomodel.BaseChatModel, error) {
	b, ok := g.bindings[modelID]
	if !ok {
		return nil, errx.Newf(errx.KindProviderFatal, "no binding registered for model %q", modelID)
	}
	return b, nil
}

// Generate performs a synchronous model call, retrying transient failures
// with bounded exponential backoff.
func (g *Gateway) Generate(ctx context.Context, modelID string, msgs []*schema.Message) (*Reply, error) {
	b, err := g.binding(modelID)
	if err != nil {
		return nil, err
	}

	var out *schema.Message
	err = g.withRetry(ctx, modelID, func() error {
		var callErr error
		out, callErr = b.Generate(ctx, msgs)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	reply := &Reply{Text: out.Content}
	if out.ResponseMeta != nil && out.ResponseMeta.Usage != nil {
		reply.PromptTokens = out.ResponseMeta.Usage.PromptTokens
		reply.CompletionTokens = out.ResponseMeta.Usage.CompletionTokens
	}
	return reply, nil
}

// Stream opens a streaming model call. Only the dial is retried; once chunks
// flow, a failure surfaces to the caller so partial output can be accounted
// for rather than silently replayed.
func (g *Gateway) Stream(ctx context.Context, modelID string, msgs []*schema.Message) (*ChunkStream, error) {
	b, err := g.binding(modelID)
	if err != nil {
		return nil, err
	}

	var sr *schema.StreamReader[*schema.Message]
	err = g.withRetry(ctx, modelID, func() error {
		var callErr error
		sr, callErr = b.Stream(ctx, msgs)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return newChunkStream(sr), nil
}

// withRetry runs call, retrying normalized transient errors up to the
// configured attempt budget with exponential backoff.
func (g *Gateway) withRetry(ctx context.Context, modelID string, call func() error) error {
	backoff := g.retry.BaseBackoff
	var lastErr error

	for attempt := 1; attempt <= g.retry.MaxAttempts; attempt++ {
		err := call()
		if err == nil {
			return nil
		}
		lastErr = Normalize(err)

		if !errx.IsKind(lastErr, errx.KindProviderTransient) || attempt == g.retry.MaxAttempts {
			break
		}

		logx.Warn().
			Str("model", modelID).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Err(lastErr).
			Msg("Transient provider failure, backing off")

		if err := g.sleep(ctx, backoff); err != nil {
			return Normalize(err)
		}
		backoff *= 2
		if g.retry.MaxBackoff > 0 && backoff > g.retry.MaxBackoff {
			backoff = g.retry.MaxBackoff
		}
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ChunkStream adapts an eino message stream into pipeline StreamChunks,
// keeping a running token tally as output arrives.
type ChunkStream struct {
	r   *schema.StreamReader[*schema.Message]
	seq int

	tally        int // estimated completion tokens from deltas
	promptTokens int
	usageOut     int // provider-reported completion tokens, when present
}

func newChunkStream(r *schema.StreamReader[*schema.Message]) *ChunkStream {
	return &ChunkStream{r: r}
}

// Recv returns the next chunk. The end of the stream surfaces as io.EOF;
// every other failure is normalized into the provider error taxonomy.
func (s *ChunkStream) Recv() (model.StreamChunk, error) {
	msg, err := s.r.Recv()
	if err != nil {
		if err == io.EOF {
			return model.StreamChunk{}, io.EOF
		}
		return model.StreamChunk{}, Normalize(err)
	}

	tokens := model.EstimateTokens(msg.Content)
	if msg.ResponseMeta != nil && msg.ResponseMeta.Usage != nil {
		// Providers report cumulative usage on the chunks that carry it.
		u := msg.ResponseMeta.Usage
		if u.PromptTokens > 0 {
			s.promptTokens = u.PromptTokens
		}
		if u.CompletionTokens > s.usageOut {
			tokens = u.CompletionTokens - s.usageOut
			s.usageOut = u.CompletionTokens
		}
	}
	s.tally += tokens

	s.seq++
	return model.StreamChunk{
		Sequence:   s.seq,
		TextDelta:  msg.Content,
		TokenCount: tokens,
	}, nil
}

// Close releases the underlying stream. Safe to call after EOF.
func (s *ChunkStream) Close() {
	s.r.Close()
}

// PromptTokens returns the provider-reported prompt token count, zero when
// the provider never reported usage.
func (s *ChunkStream) PromptTokens() int {
	return s.promptTokens
}

// CompletionTokens returns the best-known completion token count: the
// provider-reported figure when available, otherwise the running estimate.
func (s *ChunkStream) CompletionTokens() int {
	if s.usageOut > 0 {
		return s.usageOut
	}
	return s.tally
}
