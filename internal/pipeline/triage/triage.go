// Package triage implements the cheap pre-check stage: a low-cost model
// classifies every incoming request (harm, complexity, memory needs, preview
// types) and the stage runs an early affordability check before the pipeline
// commits expensive resources.
package triage

import (
	"context"

	"github.com/cloudwego/eino/schema"

	errx "github.com/mate-core/server/internal/core/error"
	"github.com/mate-core/server/internal/gateway"
	"github.com/mate-core/server/internal/ledger"
	"github.com/mate-core/server/internal/pipeline/model"
	"github.com/mate-core/server/internal/stores"
	logx "github.com/mate-core/server/pkg/logger"
)

// Preprocessor runs the triage stage.
type Preprocessor struct {
	gw      *gateway.Gateway
	ledger  ledger.Ledger
	config  stores.ConfigStore
	rates   model.RateTable
	cfg     model.TriageModelConfig
	genCfg  model.GenerationModelConfig
}

// NewPreprocessor wires the triage stage.
func NewPreprocessor(
	gw *gateway.Gateway,
	lg ledger.Ledger,
	config stores.ConfigStore,
	rates model.RateTable,
	cfg model.TriageModelConfig,
	genCfg model.GenerationModelConfig,
) *Preprocessor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Preprocessor{gw: gw, ledger: lg, config: config, rates: rates, cfg: cfg, genCfg: genCfg}
}

// Run classifies the request and checks affordability. It never creates a
// hold; reservation belongs to the generation stage. A failed triage model
// call is retried up to the configured attempt count and then surfaces as a
// triage failure — the pipeline never proceeds with unknown safety status.
func (p *Preprocessor) Run(ctx context.Context, req *model.Request) (*model.TriageResult, error) {
	safety, err := p.config.SafetyInstructions(ctx)
	if err != nil {
		return nil, err
	}

	systemPrompt, err := RenderTriageSystem(ctx, safety)
	if err != nil {
		return nil, errx.New(err, errx.KindTriageFailure, "failed to render triage prompt")
	}

	msgs := []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(req.Message),
	}

	res, err := p.classify(ctx, req, msgs)
	if err != nil {
		return nil, err
	}

	// Harm flag applies the configured threshold; the raw category and score
	// stay on the result for auditing.
	res.Harm.Flagged = res.Harm.Category != "none" && res.Harm.Score >= p.cfg.HarmThreshold

	rate := p.rates.Resolve(p.genCfg.Model)
	res.EstimatedCost = model.EstimateCost(req.Message, res.Complexity, rate)

	available, err := p.ledger.Available(ctx, req.UserID)
	if err != nil {
		return nil, errx.New(err, errx.KindTriageFailure, "affordability check failed")
	}
	res.Affordable = available >= res.EstimatedCost

	logx.Debug().
		Str("request_id", req.ID).
		Str("harm_category", res.Harm.Category).
		Float64("harm_score", res.Harm.Score).
		Bool("harm_flagged", res.Harm.Flagged).
		Str("complexity", string(res.Complexity)).
		Strs("memory_keys", res.MemoryKeys).
		Strs("preview_types", res.PreviewTypes).
		Int64("estimated_cost", int64(res.EstimatedCost)).
		Bool("affordable", res.Affordable).
		Msg("Triage complete")

	return res, nil
}

// classify invokes the triage model, retrying the call-and-parse round trip.
// The gateway already retries transient provider errors with backoff; this
// outer budget additionally covers unparseable transcripts.
func (p *Preprocessor) classify(ctx context.Context, req *model.Request, msgs []*schema.Message) (*model.TriageResult, error) {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		reply, err := p.gw.Generate(ctx, p.cfg.Model, msgs)
		if err != nil {
			lastErr = err
			logx.Warn().
				Str("request_id", req.ID).
				Int("attempt", attempt).
				Err(err).
				Msg("Triage model call failed")
			continue
		}

		res, err := ParseTriage(reply.Text)
		if err != nil {
			lastErr = err
			logx.Warn().
				Str("request_id", req.ID).
				Int("attempt", attempt).
				Err(err).
				Msg("Triage transcript unusable")
			continue
		}
		if len(res.ParseErrors) > 0 {
			logx.Debug().
				Str("request_id", req.ID).
				Strs("parse_errors", res.ParseErrors).
				Msg("Triage transcript partially recovered")
		}
		return res, nil
	}
	return nil, errx.New(lastErr, errx.KindTriageFailure, "triage failed after retry budget")
}
