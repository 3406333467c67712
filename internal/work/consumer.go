// Package work is the unit-of-work intake: it consumes requests from a Redis
// stream, drives each one through the pipeline and publishes the streamed
// chunks and terminal outcome back out. The surrounding application layer
// enqueues requests; this consumer owns concurrency limits, acknowledgement
// and cancellation fan-in.
package work

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mate-core/server/internal/pipeline/model"
	"github.com/mate-core/server/internal/pipeline/orchestrator"
	logx "github.com/mate-core/server/pkg/logger"
)

const (
	eventChannelPrefix = "respond:events:"
	cancelChannel      = "respond:cancel"
	readBlock          = 5 * time.Second
	payloadField       = "payload"
)

// Consumer pulls requests off the intake stream and runs them.
type Consumer struct {
	rdb  *redis.Client
	orch *orchestrator.Orchestrator
	cfg  model.WorkConfig

	mu       sync.Mutex
	inflight map[string]*orchestrator.Handle
}

func NewConsumer(rdb *redis.Client, orch *orchestrator.Orchestrator, cfg model.WorkConfig) *Consumer {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1
	}
	return &Consumer{
		rdb:      rdb,
		orch:     orch,
		cfg:      cfg,
		inflight: make(map[string]*orchestrator.Handle),
	}
}

// Run consumes until ctx is cancelled, then waits for in-flight requests to
// reach their terminal state.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}

	handlers, hctx := errgroup.WithContext(ctx)
	handlers.SetLimit(c.cfg.MaxInFlight)

	listeners, lctx := errgroup.WithContext(ctx)
	listeners.Go(func() error { return c.cancelListener(lctx) })

	logx.Info().
		Str("stream", c.cfg.RequestStream).
		Str("group", c.cfg.Group).
		Str("consumer", c.cfg.Consumer).
		Int("max_in_flight", c.cfg.MaxInFlight).
		Msg("Work consumer started")

	for ctx.Err() == nil {
		streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			Streams:  []string{c.cfg.RequestStream, ">"},
			Count:    int64(c.cfg.MaxInFlight),
			Block:    readBlock,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			logx.Error().Err(err).Msg("Intake stream read failed")
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				msg := msg
				handlers.Go(func() error {
					c.handle(hctx, msg)
					return nil
				})
			}
		}
	}

	err := handlers.Wait()
	_ = listeners.Wait()
	logx.Info().Msg("Work consumer stopped")
	return err
}

// handle runs one request end to end and acknowledges the stream entry. A
// request that cannot be decoded is acknowledged and dropped rather than
// redelivered forever.
func (c *Consumer) handle(ctx context.Context, msg redis.XMessage) {
	defer c.ack(msg.ID)

	req, err := decodeRequest(msg)
	if err != nil {
		logx.Error().Str("message_id", msg.ID).Err(err).Msg("Dropping undecodable request")
		return
	}

	h := c.orch.Start(ctx, req)
	c.track(h)
	defer c.untrack(h)

	for chunk := range h.Chunks() {
		c.publishChunk(req.ID, chunk)
	}
	out := <-h.Outcome()
	c.publishOutcome(out)
}

func decodeRequest(msg redis.XMessage) (*model.Request, error) {
	raw, _ := msg.Values[payloadField].(string)
	var req model.Request
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// publishChunk forwards a chunk to the request's event channel. Pub/sub is
// fire and forget: a subscriber that fell behind misses chunks, the outcome
// stream remains the durable record.
func (c *Consumer) publishChunk(requestID string, chunk model.StreamChunk) {
	ctx := context.WithoutCancel(context.Background())
	payload, err := json.Marshal(chunk)
	if err != nil {
		logx.Error().Str("request_id", requestID).Err(err).Msg("Failed to encode chunk")
		return
	}
	if err := c.rdb.Publish(ctx, eventChannelPrefix+requestID, payload).Err(); err != nil {
		logx.Warn().Str("request_id", requestID).Err(err).Msg("Failed to publish chunk")
	}
}

func (c *Consumer) publishOutcome(out *model.GenerationOutcome) {
	ctx := context.WithoutCancel(context.Background())
	err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.cfg.OutcomeStream,
		Values: map[string]interface{}{
			"request_id":      out.RequestID,
			"status":          string(out.Status),
			"total_tokens":    out.TotalTokens,
			"credits_charged": int64(out.CreditsCharged),
			"finished_at":     out.FinishedAt.UnixMilli(),
		},
	}).Err()
	if err != nil {
		logx.Error().Str("request_id", out.RequestID).Err(err).Msg("Failed to record outcome")
	}
}

func (c *Consumer) ack(messageID string) {
	ctx := context.WithoutCancel(context.Background())
	if err := c.rdb.XAck(ctx, c.cfg.RequestStream, c.cfg.Group, messageID).Err(); err != nil {
		logx.Warn().Str("message_id", messageID).Err(err).Msg("Failed to ack intake message")
	}
}

// cancelListener subscribes to the cancellation channel and forwards cancel
// signals to matching in-flight requests. Unknown ids are ignored; the
// request may have finished already or live on another consumer.
func (c *Consumer) cancelListener(ctx context.Context) error {
	sub := c.rdb.Subscribe(ctx, cancelChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			requestID := strings.TrimSpace(msg.Payload)
			c.mu.Lock()
			h, found := c.inflight[requestID]
			c.mu.Unlock()
			if found {
				logx.Info().Str("request_id", requestID).Msg("Cancellation received")
				h.Cancel()
			}
		}
	}
}

func (c *Consumer) track(h *orchestrator.Handle) {
	c.mu.Lock()
	c.inflight[h.RequestID()] = h
	c.mu.Unlock()
}

func (c *Consumer) untrack(h *orchestrator.Handle) {
	c.mu.Lock()
	delete(c.inflight, h.RequestID())
	c.mu.Unlock()
}

// ensureGroup creates the consumer group, tolerating one that already
// exists.
func (c *Consumer) ensureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.cfg.RequestStream, c.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}
