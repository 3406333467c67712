package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	errx "github.com/mate-core/server/internal/core/error"
	"github.com/mate-core/server/internal/pipeline/model"
	logx "github.com/mate-core/server/pkg/logger"
)

const (
	safetyKey      = "config:safety"
	billingStream  = "billing:audit"
	defaultPersona = "mate"
)

// RedisConfigStore reads configuration documents stored as JSON values.
type RedisConfigStore struct {
	rdb redis.Cmdable
}

func NewRedisConfigStore(rdb redis.Cmdable) *RedisConfigStore {
	return &RedisConfigStore{rdb: rdb}
}

func (s *RedisConfigStore) SafetyInstructions(ctx context.Context) (*model.InstructionSet, error) {
	raw, err := s.rdb.Get(ctx, safetyKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errx.Newf(errx.KindConfigUnavailable, "safety instruction set missing")
		}
		return nil, errx.New(err, errx.KindConfigUnavailable, "failed to load safety instructions")
	}

	var set model.InstructionSet
	if err := json.Unmarshal([]byte(raw), &set); err != nil {
		return nil, errx.New(err, errx.KindConfigUnavailable, "malformed safety instruction set")
	}
	if set.Content == "" {
		return nil, errx.Newf(errx.KindConfigUnavailable, "safety instruction set empty")
	}
	return &set, nil
}

func (s *RedisConfigStore) Persona(ctx context.Context, id string) (*model.PersonaConfig, error) {
	if id == "" {
		id = defaultPersona
	}
	raw, err := s.rdb.Get(ctx, fmt.Sprintf("config:persona:%s", id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// An unconfigured persona falls back to the built-in Mate default
			// rather than failing the request.
			logx.Debug().Str("persona_id", id).Msg("Persona not configured, using default")
			return DefaultPersona(), nil
		}
		return nil, errx.WrapRedis(err)
	}

	var p model.PersonaConfig
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, errx.New(err, errx.KindInternal, "malformed persona config")
	}
	return &p, nil
}

func (s *RedisConfigStore) Focus(ctx context.Context, id string) (*model.FocusConfig, error) {
	if id == "" {
		return nil, nil
	}
	raw, err := s.rdb.Get(ctx, fmt.Sprintf("config:focus:%s", id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			logx.Warn().Str("focus_id", id).Msg("Selected focus not configured, proceeding without overlay")
			return nil, nil
		}
		return nil, errx.WrapRedis(err)
	}

	var f model.FocusConfig
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return nil, errx.New(err, errx.KindInternal, "malformed focus config")
	}
	return &f, nil
}

// RedisMemoryStore loads user memory fields from a per-user hash.
type RedisMemoryStore struct {
	rdb redis.Cmdable
}

func NewRedisMemoryStore(rdb redis.Cmdable) *RedisMemoryStore {
	return &RedisMemoryStore{rdb: rdb}
}

func (s *RedisMemoryStore) LoadFields(ctx context.Context, userID string, keys []string) (map[string]string, error) {
	if len(keys) == 0 {
		return map[string]string{}, nil
	}

	rows, err := s.rdb.HMGet(ctx, fmt.Sprintf("memory:%s", userID), keys...).Result()
	if err != nil {
		return nil, errx.WrapRedis(err)
	}

	fields := make(map[string]string, len(keys))
	for i, row := range rows {
		if row == nil {
			continue
		}
		if v, ok := row.(string); ok && v != "" {
			fields[keys[i]] = v
		}
	}
	return fields, nil
}

// RedisBilling reads balances maintained by the billing collaborator and
// forwards the ledger audit trail onto its stream.
type RedisBilling struct {
	rdb redis.Cmdable
}

func NewRedisBilling(rdb redis.Cmdable) *RedisBilling {
	return &RedisBilling{rdb: rdb}
}

func (b *RedisBilling) Balance(ctx context.Context, userID string) (model.Microcredits, error) {
	raw, err := b.rdb.Get(ctx, fmt.Sprintf("credit:%s:balance", userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, errx.WrapRedis(err)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errx.New(err, errx.KindInternal, "malformed balance value")
	}
	return model.Microcredits(n), nil
}

func (b *RedisBilling) RecordLedgerEvent(ctx context.Context, ev model.LedgerEvent) error {
	err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: billingStream,
		Values: map[string]interface{}{
			"type":       string(ev.Type),
			"request_id": ev.RequestID,
			"user_id":    ev.UserID,
			"amount":     int64(ev.Amount),
			"timestamp":  ev.Timestamp.UnixMilli(),
		},
	}).Err()
	if err != nil {
		return errx.WrapRedis(err)
	}
	return nil
}

// DefaultPersona is the built-in Mate identity used when no persona is
// configured for a request.
func DefaultPersona() *model.PersonaConfig {
	return &model.PersonaConfig{
		ID:   defaultPersona,
		Name: "Mate",
		SystemPrompt: "You are Mate, a warm and practical AI assistant. " +
			"Answer directly, admit uncertainty, and keep responses grounded in what the user actually asked.",
	}
}

var (
	_ ConfigStore = (*RedisConfigStore)(nil)
	_ MemoryStore = (*RedisMemoryStore)(nil)
	_ Billing     = (*RedisBilling)(nil)
)
