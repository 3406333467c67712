package triage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errx "github.com/mate-core/server/internal/core/error"
	"github.com/mate-core/server/internal/gateway"
	"github.com/mate-core/server/internal/ledger"
	"github.com/mate-core/server/internal/pipeline/model"
	"github.com/mate-core/server/internal/stores"
)

const benignTranscript = `("harm"<||>none<||>0.0)##("complexity"<||>standard)##("memory"<||>name)##<|COMPLETE|>`

func testConfig() *stores.StaticConfigStore {
	return &stores.StaticConfigStore{
		Safety: &model.InstructionSet{Version: "v1", Content: "Refuse harmful requests."},
	}
}

func testRequest() *model.Request {
	return &model.Request{
		ID:             "req-1",
		UserID:         "u1",
		ConversationID: "c1",
		Message:        "hello there",
		ReceivedAt:     time.Now().UTC(),
	}
}

func newGateway(binding *gateway.MockBinding) *gateway.Gateway {
	g := gateway.New(model.RetryConfig{MaxAttempts: 1, BaseBackoff: time.Millisecond})
	g.Register("triage-model", binding)
	return g
}

func newPreprocessor(g *gateway.Gateway, lg ledger.Ledger) *Preprocessor {
	return NewPreprocessor(
		g, lg, testConfig(), model.RateTable{"main-model": {InputPerMTok: 1_000_000, OutputPerMTok: 1_000_000}},
		model.TriageModelConfig{Model: "triage-model", HarmThreshold: 0.7, MaxAttempts: 2},
		model.GenerationModelConfig{Model: "main-model"},
	)
}

func TestTriageBenignAffordable(t *testing.T) {
	binding := &gateway.MockBinding{
		GenerateFn: func(context.Context, []*schema.Message) (*schema.Message, error) {
			return gateway.TextReply(benignTranscript, 100, 30), nil
		},
	}
	lg := ledger.NewMemoryLedger(nil)
	lg.SetBalance("u1", 100*model.MicrocreditsPerCredit)

	res, err := newPreprocessor(newGateway(binding), lg).Run(context.Background(), testRequest())
	require.NoError(t, err)

	assert.False(t, res.Harm.Flagged)
	assert.True(t, res.Affordable)
	assert.Equal(t, []string{"name"}, res.MemoryKeys)
	assert.Positive(t, res.EstimatedCost)
}

func TestTriageHarmAboveThresholdFlagged(t *testing.T) {
	transcript := `("harm"<||>violence<||>0.95)##("complexity"<||>standard)##<|COMPLETE|>`
	binding := &gateway.MockBinding{
		GenerateFn: func(context.Context, []*schema.Message) (*schema.Message, error) {
			return gateway.TextReply(transcript, 100, 30), nil
		},
	}
	lg := ledger.NewMemoryLedger(nil)
	lg.SetBalance("u1", 100*model.MicrocreditsPerCredit)

	res, err := newPreprocessor(newGateway(binding), lg).Run(context.Background(), testRequest())
	require.NoError(t, err)
	assert.True(t, res.Harm.Flagged)
	assert.Equal(t, "violence", res.Harm.Category)
}

func TestTriageHarmBelowThresholdNotFlagged(t *testing.T) {
	transcript := `("harm"<||>other<||>0.3)##("complexity"<||>standard)##<|COMPLETE|>`
	binding := &gateway.MockBinding{
		GenerateFn: func(context.Context, []*schema.Message) (*schema.Message, error) {
			return gateway.TextReply(transcript, 100, 30), nil
		},
	}
	lg := ledger.NewMemoryLedger(nil)
	lg.SetBalance("u1", 100*model.MicrocreditsPerCredit)

	res, err := newPreprocessor(newGateway(binding), lg).Run(context.Background(), testRequest())
	require.NoError(t, err)
	assert.False(t, res.Harm.Flagged)
}

func TestTriageUnaffordableWithoutHold(t *testing.T) {
	binding := &gateway.MockBinding{
		GenerateFn: func(context.Context, []*schema.Message) (*schema.Message, error) {
			return gateway.TextReply(benignTranscript, 100, 30), nil
		},
	}
	lg := ledger.NewMemoryLedger(nil)
	lg.SetBalance("u1", 1) // one microcredit

	res, err := newPreprocessor(newGateway(binding), lg).Run(context.Background(), testRequest())
	require.NoError(t, err)
	assert.False(t, res.Affordable)

	// No hold was created: the full balance is still available.
	avail, err := lg.Available(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, model.Microcredits(1), avail)
}

func TestTriageRetriesUnusableTranscript(t *testing.T) {
	calls := 0
	binding := &gateway.MockBinding{
		GenerateFn: func(context.Context, []*schema.Message) (*schema.Message, error) {
			calls++
			if calls == 1 {
				return gateway.TextReply("no records here", 10, 5), nil
			}
			return gateway.TextReply(benignTranscript, 100, 30), nil
		},
	}
	lg := ledger.NewMemoryLedger(nil)
	lg.SetBalance("u1", 100*model.MicrocreditsPerCredit)

	res, err := newPreprocessor(newGateway(binding), lg).Run(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.False(t, res.Harm.Flagged)
}

func TestTriageFailureAfterBudget(t *testing.T) {
	binding := &gateway.MockBinding{
		GenerateFn: func(context.Context, []*schema.Message) (*schema.Message, error) {
			return nil, errors.New("boom")
		},
	}
	lg := ledger.NewMemoryLedger(nil)
	lg.SetBalance("u1", 100*model.MicrocreditsPerCredit)

	_, err := newPreprocessor(newGateway(binding), lg).Run(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, errx.KindTriageFailure, errx.KindOf(err))
	assert.Equal(t, 2, binding.GenerateCalls())
}

func TestTriageMissingSafetyConfigIsFatal(t *testing.T) {
	binding := &gateway.MockBinding{}
	lg := ledger.NewMemoryLedger(nil)

	p := NewPreprocessor(
		newGateway(binding), lg,
		&stores.StaticConfigStore{}, // no safety set configured
		model.DefaultRateTable(),
		model.TriageModelConfig{Model: "triage-model", HarmThreshold: 0.7, MaxAttempts: 2},
		model.GenerationModelConfig{Model: "main-model"},
	)

	_, err := p.Run(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, errx.KindConfigUnavailable, errx.KindOf(err))
	assert.Zero(t, binding.GenerateCalls())
}
