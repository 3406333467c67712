// Package orchestrator sequences the pipeline stages for one request: triage
// first, then either a short-circuit (blocked, insufficient funds) or the
// generation stage. Each request advances through an explicit state machine
// and produces exactly one terminal outcome.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	errx "github.com/mate-core/server/internal/core/error"
	"github.com/mate-core/server/internal/pipeline/generate"
	"github.com/mate-core/server/internal/pipeline/model"
	"github.com/mate-core/server/internal/pipeline/triage"
	logx "github.com/mate-core/server/pkg/logger"
)

// State is a request's position in the pipeline.
type State string

const (
	StateReceived          State = "received"
	StateTriaging          State = "triaging"
	StateBlocked           State = "blocked"
	StateInsufficientFunds State = "insufficient_funds"
	StateGenerating        State = "generating"
	StateCompleted         State = "completed"
	StateFailed            State = "failed"
	StateCancelled         State = "cancelled"
)

// Orchestrator drives requests through the pipeline. It is stateless across
// requests; all per-request state lives on the Handle.
type Orchestrator struct {
	triage   *triage.Preprocessor
	generate *generate.Processor
}

func New(tri *triage.Preprocessor, gen *generate.Processor) *Orchestrator {
	return &Orchestrator{triage: tri, generate: gen}
}

// Handle is the caller's view of an in-flight request. Chunks delivers the
// streamed output and is closed when the request reaches a terminal state;
// Outcome then delivers the single terminal outcome. Cancel stops the request
// at the next chunk boundary and is safe to call more than once.
type Handle struct {
	requestID string

	chunks  chan model.StreamChunk
	outcome chan *model.GenerationOutcome

	cancel context.CancelFunc
	once   sync.Once
}

// RequestID returns the id assigned to the request.
func (h *Handle) RequestID() string { return h.requestID }

// Chunks returns the ordered stream of output chunks.
func (h *Handle) Chunks() <-chan model.StreamChunk { return h.chunks }

// Outcome returns the channel carrying the terminal outcome. It yields
// exactly one value, after Chunks has been closed.
func (h *Handle) Outcome() <-chan *model.GenerationOutcome { return h.outcome }

// Cancel requests cooperative cancellation.
func (h *Handle) Cancel() { h.cancel() }

// finish records the terminal outcome. The sync.Once guards the terminal
// transition: whichever path reaches it first wins, every later call is a
// no-op.
func (h *Handle) finish(out *model.GenerationOutcome) {
	h.once.Do(func() {
		close(h.chunks)
		h.outcome <- out
		close(h.outcome)
	})
}

// Start begins processing a request. The returned handle is live
// immediately; the pipeline runs on its own goroutine.
func (o *Orchestrator) Start(ctx context.Context, req *model.Request) *Handle {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = time.Now().UTC()
	}

	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		requestID: req.ID,
		chunks:    make(chan model.StreamChunk, 1),
		outcome:   make(chan *model.GenerationOutcome, 1),
		cancel:    cancel,
	}

	go func() {
		defer cancel()
		o.run(ctx, req, h)
	}()
	return h
}

func (o *Orchestrator) run(ctx context.Context, req *model.Request, h *Handle) {
	o.transition(req, StateReceived, StateTriaging)

	tri, err := o.triage.Run(ctx, req)
	if err != nil {
		o.fail(ctx, req, h, StateTriaging, err)
		return
	}

	// Affordability is checked before the harm verdict so a broke user gets
	// the billing answer rather than a safety one.
	if !tri.Affordable {
		o.transition(req, StateTriaging, StateInsufficientFunds)
		h.finish(o.outcome(req, model.OutcomeInsufficientCredit, 0, 0))
		return
	}

	if tri.Harm.Flagged {
		o.transition(req, StateTriaging, StateBlocked)
		logx.Info().
			Str("request_id", req.ID).
			Str("harm_category", tri.Harm.Category).
			Float64("harm_score", tri.Harm.Score).
			Msg("Request blocked by harm verdict")
		h.finish(o.outcome(req, model.OutcomeHarmBlocked, 0, 0))
		return
	}

	o.transition(req, StateTriaging, StateGenerating)

	out, err := o.generate.Run(ctx, req, tri, h.chunks)
	if err != nil {
		o.fail(ctx, req, h, StateGenerating, err)
		return
	}

	o.transition(req, StateGenerating, terminalState(out.Status))
	h.finish(out)
}

// fail maps an unhandled stage error onto a terminal outcome. Cancellation
// is recognized before error classification so a dead context never reads as
// a provider failure.
func (o *Orchestrator) fail(ctx context.Context, req *model.Request, h *Handle, from State, err error) {
	if ctx.Err() != nil {
		o.transition(req, from, StateCancelled)
		h.finish(o.outcome(req, model.OutcomeCancelled, 0, 0))
		return
	}

	logx.Error().
		Str("request_id", req.ID).
		Str("state", string(from)).
		Str("kind", string(errx.KindOf(err))).
		Err(err).
		Msg("Pipeline stage failed")

	o.transition(req, from, StateFailed)
	status := model.OutcomeProviderError
	if errx.IsKind(err, errx.KindInsufficientCredit) {
		status = model.OutcomeInsufficientCredit
	}
	h.finish(o.outcome(req, status, 0, 0))
}

func (o *Orchestrator) transition(req *model.Request, from, to State) {
	logx.Debug().
		Str("request_id", req.ID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Request state transition")
}

func (o *Orchestrator) outcome(req *model.Request, status model.OutcomeStatus, tokens int, charged model.Microcredits) *model.GenerationOutcome {
	return &model.GenerationOutcome{
		RequestID:      req.ID,
		Status:         status,
		TotalTokens:    tokens,
		CreditsCharged: charged,
		FinishedAt:     time.Now().UTC(),
	}
}

func terminalState(status model.OutcomeStatus) State {
	switch status {
	case model.OutcomeCompleted:
		return StateCompleted
	case model.OutcomeCancelled:
		return StateCancelled
	default:
		return StateFailed
	}
}
