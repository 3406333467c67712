// Package generate implements the main processing stage: it reserves credit,
// loads the memory fields triage flagged, assembles the prompt, drives a
// streaming model call and meters tokens against the hold as output arrives.
package generate

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	errx "github.com/mate-core/server/internal/core/error"
	"github.com/mate-core/server/internal/gateway"
	"github.com/mate-core/server/internal/history"
	"github.com/mate-core/server/internal/ledger"
	"github.com/mate-core/server/internal/pipeline/model"
	"github.com/mate-core/server/internal/pipeline/prompts"
	"github.com/mate-core/server/internal/stores"
	logx "github.com/mate-core/server/pkg/logger"
)

// Processor runs the generation stage for one request at a time; a new
// invocation per request shares no mutable state with its siblings beyond
// the ledger.
type Processor struct {
	gw       *gateway.Gateway
	ledger   ledger.Ledger
	config   stores.ConfigStore
	memories stores.MemoryStore
	history  *history.Manager
	rates    model.RateTable
	cfg      model.GenerationModelConfig
}

// NewProcessor wires the generation stage.
func NewProcessor(
	gw *gateway.Gateway,
	lg ledger.Ledger,
	config stores.ConfigStore,
	memories stores.MemoryStore,
	hist *history.Manager,
	rates model.RateTable,
	cfg model.GenerationModelConfig,
) *Processor {
	return &Processor{gw: gw, ledger: lg, config: config, memories: memories, history: hist, rates: rates, cfg: cfg}
}

// Run executes the generation stage. Chunks are forwarded on out as they
// arrive; the send blocks when the caller cannot keep up, which in turn
// pauses pulling from the provider (no unbounded buffering). The returned
// outcome is terminal for the request; the caller owns closing out.
//
// Whatever path Run takes, a hold it created is finalized before it returns.
func (p *Processor) Run(ctx context.Context, req *model.Request, tri *model.TriageResult, out chan<- model.StreamChunk) (*model.GenerationOutcome, error) {
	rate := p.rates.Resolve(p.cfg.Model)

	hold, err := p.ledger.Reserve(ctx, req.UserID, req.ID, model.EstimateCost(req.Message, tri.Complexity, rate))
	if err != nil {
		if errx.IsKind(err, errx.KindInsufficientCredit) {
			return p.outcome(req, model.OutcomeInsufficientCredit, 0, 0), nil
		}
		return nil, err
	}

	msgs, err := p.buildContext(ctx, req, tri)
	if err != nil {
		p.release(ctx, hold)
		return nil, err
	}

	stream, err := p.gw.Stream(ctx, p.cfg.Model, msgs)
	if err != nil {
		p.release(ctx, hold)
		if ctx.Err() != nil {
			return p.outcome(req, model.OutcomeCancelled, 0, 0), nil
		}
		return nil, err
	}
	defer stream.Close()

	return p.pump(ctx, req, tri, hold, stream, rate, out)
}

// pump forwards chunks until the stream ends, fails or the request is
// cancelled, then settles the hold for what was actually produced.
func (p *Processor) pump(
	ctx context.Context,
	req *model.Request,
	tri *model.TriageResult,
	hold *model.CreditHold,
	stream *gateway.ChunkStream,
	rate model.Rate,
	out chan<- model.StreamChunk,
) (*model.GenerationOutcome, error) {
	var reply strings.Builder
	delivered := 0
	lastSeq := 0

	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			return p.finishComplete(ctx, req, hold, stream, rate, reply.String(), lastSeq, out)
		}
		if err != nil {
			if ctx.Err() != nil {
				return p.finishCancelled(req, hold, stream, rate, delivered)
			}
			// Partial output already sent to the caller stays delivered; the
			// charge covers only the tokens that actually arrived.
			charged := p.settle(req, hold, stream, rate)
			logx.Warn().
				Str("request_id", req.ID).
				Int("delivered_chunks", delivered).
				Err(err).
				Msg("Stream failed mid-generation")
			return p.outcome(req, model.OutcomeProviderError, stream.CompletionTokens(), charged), nil
		}

		if delivered == 0 {
			chunk.PreviewHints = tri.PreviewTypes
		}

		select {
		case out <- chunk:
			delivered++
			lastSeq = chunk.Sequence
			reply.WriteString(chunk.TextDelta)
		case <-ctx.Done():
			return p.finishCancelled(req, hold, stream, rate, delivered)
		}
	}
}

func (p *Processor) finishComplete(
	ctx context.Context,
	req *model.Request,
	hold *model.CreditHold,
	stream *gateway.ChunkStream,
	rate model.Rate,
	reply string,
	lastSeq int,
	out chan<- model.StreamChunk,
) (*model.GenerationOutcome, error) {
	actual := p.actualCost(stream, rate, hold)
	if err := p.commit(ctx, req, hold, actual); err != nil {
		return p.outcome(req, model.OutcomeInsufficientCredit, stream.CompletionTokens(), 0), nil
	}

	final := model.StreamChunk{Sequence: lastSeq + 1, Final: true}
	select {
	case out <- final:
	case <-ctx.Done():
	}

	if strings.TrimSpace(reply) != "" {
		if err := p.history.AppendAssistant(ctx, req.ConversationID, reply); err != nil {
			logx.Error().
				Str("conversation_id", req.ConversationID).
				Err(err).
				Msg("Error saving assistant response")
		}
	}

	logx.Debug().
		Str("request_id", req.ID).
		Int("prompt_tokens", stream.PromptTokens()).
		Int("completion_tokens", stream.CompletionTokens()).
		Int64("charged", int64(actual)).
		Msg("Generation complete")

	return p.outcome(req, model.OutcomeCompleted, stream.CompletionTokens(), actual), nil
}

func (p *Processor) finishCancelled(
	req *model.Request,
	hold *model.CreditHold,
	stream *gateway.ChunkStream,
	rate model.Rate,
	delivered int,
) (*model.GenerationOutcome, error) {
	var charged model.Microcredits
	if delivered == 0 {
		p.release(context.WithoutCancel(context.Background()), hold)
	} else {
		charged = p.settle(req, hold, stream, rate)
	}
	logx.Debug().
		Str("request_id", req.ID).
		Int("delivered_chunks", delivered).
		Msg("Generation cancelled")
	return p.outcome(req, model.OutcomeCancelled, stream.CompletionTokens(), charged), nil
}

// settle commits the hold for tokens actually produced, releasing the rest.
// Used on the partial-failure and cancellation paths, where the request
// context may already be dead.
func (p *Processor) settle(req *model.Request, hold *model.CreditHold, stream *gateway.ChunkStream, rate model.Rate) model.Microcredits {
	ctx := context.WithoutCancel(context.Background())
	actual := p.actualCost(stream, rate, hold)
	if actual == 0 {
		p.release(ctx, hold)
		return 0
	}
	if err := p.commit(ctx, req, hold, actual); err != nil {
		return 0
	}
	return actual
}

// commit finalizes the hold for the actual amount, retrying a ledger race
// once against the fresh balance before degrading to a release.
func (p *Processor) commit(ctx context.Context, req *model.Request, hold *model.CreditHold, actual model.Microcredits) error {
	err := p.ledger.Commit(ctx, hold, actual)
	if errx.IsKind(err, errx.KindLedgerRace) {
		logx.Warn().Str("request_id", req.ID).Msg("Ledger race on commit, retrying against fresh balance")
		err = p.ledger.Commit(ctx, hold, actual)
	}
	if err != nil {
		logx.Error().Str("request_id", req.ID).Err(err).Msg("Commit failed, releasing hold")
		p.release(ctx, hold)
		return err
	}
	return nil
}

func (p *Processor) release(ctx context.Context, hold *model.CreditHold) {
	if !hold.Active() {
		return
	}
	if err := p.ledger.Release(ctx, hold); err != nil {
		logx.Error().Str("request_id", hold.RequestID).Err(err).Msg("Failed to release hold")
	}
}

// actualCost prices the tokens actually produced, capped at the hold so the
// charge can never exceed the reservation.
func (p *Processor) actualCost(stream *gateway.ChunkStream, rate model.Rate, hold *model.CreditHold) model.Microcredits {
	cost := model.CreditCost(stream.PromptTokens(), stream.CompletionTokens(), rate)
	if cost > hold.Reserved {
		cost = hold.Reserved
	}
	return cost
}

// buildContext records the inbound message, loads the flagged memory fields
// and composes the prompt bundle.
func (p *Processor) buildContext(ctx context.Context, req *model.Request, tri *model.TriageResult) ([]*schema.Message, error) {
	safety, err := p.config.SafetyInstructions(ctx)
	if err != nil {
		return nil, err
	}
	persona, err := p.config.Persona(ctx, req.PersonaID)
	if err != nil {
		return nil, err
	}
	focus, err := p.config.Focus(ctx, req.FocusID)
	if err != nil {
		return nil, err
	}

	// Only the fields triage flagged are loaded, bounding latency and the
	// prompt's information exposure.
	memories, err := p.memories.LoadFields(ctx, req.UserID, tri.MemoryKeys)
	if err != nil {
		return nil, errx.New(err, errx.KindInternal, "memory load failed")
	}

	if err := p.history.AppendUser(ctx, req.ConversationID, req.Message); err != nil {
		return nil, err
	}
	recent, err := p.history.Recent(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}

	bundle := prompts.Compose(prompts.Input{
		Safety:   *safety,
		Persona:  *persona,
		Focus:    focus,
		Memories: memories,
		History:  recent,
	})
	return bundle.Messages(), nil
}

func (p *Processor) outcome(req *model.Request, status model.OutcomeStatus, tokens int, charged model.Microcredits) *model.GenerationOutcome {
	return &model.GenerationOutcome{
		RequestID:      req.ID,
		Status:         status,
		TotalTokens:    tokens,
		CreditsCharged: charged,
		FinishedAt:     time.Now().UTC(),
	}
}
