package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mate-core/server/internal/gateway"
	"github.com/mate-core/server/internal/history"
	"github.com/mate-core/server/internal/ledger"
	"github.com/mate-core/server/internal/pipeline/generate"
	"github.com/mate-core/server/internal/pipeline/model"
	"github.com/mate-core/server/internal/pipeline/triage"
	"github.com/mate-core/server/internal/stores"
)

const benignTranscript = `("harm"<||>none<||>0.0)##("complexity"<||>standard)##("preview"<||>code)##<|COMPLETE|>`
const harmfulTranscript = `("harm"<||>violence<||>0.95)##("complexity"<||>standard)##<|COMPLETE|>`

var testRates = model.RateTable{
	"main-model": {InputPerMTok: 1_000_000, OutputPerMTok: 1_000_000},
}

type fixture struct {
	triageBinding *gateway.MockBinding
	mainBinding   *gateway.MockBinding
	ledger        *ledger.MemoryLedger
	orch          *Orchestrator
}

func newFixture(triageBinding, mainBinding *gateway.MockBinding, balance model.Microcredits) *fixture {
	g := gateway.New(model.RetryConfig{MaxAttempts: 1, BaseBackoff: time.Millisecond})
	g.Register("triage-model", triageBinding)
	g.Register("main-model", mainBinding)

	lg := ledger.NewMemoryLedger(nil)
	lg.SetBalance("u1", balance)

	config := &stores.StaticConfigStore{
		Safety: &model.InstructionSet{Version: "v1", Content: "Refuse harmful requests."},
	}
	memories := &stores.StaticMemoryStore{}
	hist := history.NewManager(history.NewMemoryRepository(), model.ConversationConfig{MaxTurns: 20})

	triCfg := model.TriageModelConfig{Model: "triage-model", HarmThreshold: 0.7, MaxAttempts: 2}
	genCfg := model.GenerationModelConfig{Model: "main-model"}

	return &fixture{
		triageBinding: triageBinding,
		mainBinding:   mainBinding,
		ledger:        lg,
		orch: New(
			triage.NewPreprocessor(g, lg, config, testRates, triCfg, genCfg),
			generate.NewProcessor(g, lg, config, memories, hist, testRates, genCfg),
		),
	}
}

func triageReply(transcript string) *gateway.MockBinding {
	return &gateway.MockBinding{
		GenerateFn: func(context.Context, []*schema.Message) (*schema.Message, error) {
			return gateway.TextReply(transcript, 100, 30), nil
		},
	}
}

func testRequest() *model.Request {
	return &model.Request{
		UserID:         "u1",
		ConversationID: "c1",
		Message:        "hello there",
	}
}

// collect drains the handle: all chunks, then the single outcome.
func collect(t *testing.T, h *Handle) ([]model.StreamChunk, *model.GenerationOutcome) {
	t.Helper()
	var chunks []model.StreamChunk
	for c := range h.Chunks() {
		chunks = append(chunks, c)
	}
	select {
	case out := <-h.Outcome():
		require.NotNil(t, out)
		return chunks, out
	case <-time.After(5 * time.Second):
		t.Fatal("no outcome delivered")
		return nil, nil
	}
}

func TestOrchestratorCompletedFlow(t *testing.T) {
	mainBinding := &gateway.MockBinding{
		StreamFn: func(context.Context, []*schema.Message) (*schema.StreamReader[*schema.Message], error) {
			return gateway.StreamOf([]string{"Hi ", "there!"}, 50, 20), nil
		},
	}
	f := newFixture(triageReply(benignTranscript), mainBinding, 100*model.MicrocreditsPerCredit)

	h := f.orch.Start(context.Background(), testRequest())
	assert.NotEmpty(t, h.RequestID())

	chunks, out := collect(t, h)
	require.Len(t, chunks, 3)
	assert.Equal(t, "Hi ", chunks[0].TextDelta)
	assert.Equal(t, []string{"code"}, chunks[0].PreviewHints)
	assert.True(t, chunks[2].Final)

	assert.Equal(t, model.OutcomeCompleted, out.Status)
	assert.Equal(t, h.RequestID(), out.RequestID)
	assert.Positive(t, out.CreditsCharged)

	// Outcome channel is closed after the single value.
	_, open := <-h.Outcome()
	assert.False(t, open)
}

func TestOrchestratorHarmBlockedSkipsGeneration(t *testing.T) {
	mainBinding := &gateway.MockBinding{}
	f := newFixture(triageReply(harmfulTranscript), mainBinding, 100*model.MicrocreditsPerCredit)

	h := f.orch.Start(context.Background(), testRequest())
	chunks, out := collect(t, h)

	assert.Empty(t, chunks)
	assert.Equal(t, model.OutcomeHarmBlocked, out.Status)
	assert.Zero(t, out.CreditsCharged)
	assert.Zero(t, f.mainBinding.StreamCalls())

	// Nothing was reserved or charged.
	avail, err := f.ledger.Available(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, model.Microcredits(100*model.MicrocreditsPerCredit), avail)
}

func TestOrchestratorInsufficientFundsBeforeHarm(t *testing.T) {
	// The transcript is harmful AND the balance is empty; the billing answer
	// wins.
	mainBinding := &gateway.MockBinding{}
	f := newFixture(triageReply(harmfulTranscript), mainBinding, 1)

	h := f.orch.Start(context.Background(), testRequest())
	chunks, out := collect(t, h)

	assert.Empty(t, chunks)
	assert.Equal(t, model.OutcomeInsufficientCredit, out.Status)
	assert.Zero(t, f.mainBinding.StreamCalls())

	avail, err := f.ledger.Available(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, model.Microcredits(1), avail)
}

func TestOrchestratorTriageFailureFails(t *testing.T) {
	triageBinding := &gateway.MockBinding{
		GenerateFn: func(context.Context, []*schema.Message) (*schema.Message, error) {
			return nil, errors.New("boom")
		},
	}
	f := newFixture(triageBinding, &gateway.MockBinding{}, 100*model.MicrocreditsPerCredit)

	h := f.orch.Start(context.Background(), testRequest())
	chunks, out := collect(t, h)

	assert.Empty(t, chunks)
	assert.Equal(t, model.OutcomeProviderError, out.Status)
	assert.Zero(t, f.mainBinding.StreamCalls())
}

func TestOrchestratorCancelMidStream(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	mainBinding := &gateway.MockBinding{
		StreamFn: func(ctx context.Context, _ []*schema.Message) (*schema.StreamReader[*schema.Message], error) {
			sr, sw := schema.Pipe[*schema.Message](1)
			go func() {
				defer sw.Close()
				sw.Send(schema.AssistantMessage("partial ", nil), nil)
				close(started)
				<-release
				sw.Send(nil, ctx.Err())
			}()
			return sr, nil
		},
	}
	f := newFixture(triageReply(benignTranscript), mainBinding, 100*model.MicrocreditsPerCredit)

	h := f.orch.Start(context.Background(), testRequest())

	go func() {
		<-started
		h.Cancel()
		close(release)
	}()

	chunks, out := collect(t, h)
	assert.Equal(t, model.OutcomeCancelled, out.Status)
	// At most the chunk delivered before cancellation came through.
	assert.LessOrEqual(t, len(chunks), 1)

	// Unconsumed reservation came back: only delivered tokens were charged.
	avail, err := f.ledger.Available(context.Background(), "u1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, avail, 100*model.MicrocreditsPerCredit-model.Microcredits(16))
}

func TestOrchestratorExactlyOneOutcome(t *testing.T) {
	mainBinding := &gateway.MockBinding{
		StreamFn: func(context.Context, []*schema.Message) (*schema.StreamReader[*schema.Message], error) {
			return gateway.StreamOf([]string{"done"}, 10, 5), nil
		},
	}
	f := newFixture(triageReply(benignTranscript), mainBinding, 100*model.MicrocreditsPerCredit)

	h := f.orch.Start(context.Background(), testRequest())
	// Racing cancels against a completing stream must not produce a second
	// outcome.
	h.Cancel()
	h.Cancel()

	outcomes := 0
	for range h.Chunks() {
	}
	for range h.Outcome() {
		outcomes++
	}
	assert.Equal(t, 1, outcomes)
}
