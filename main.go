package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/mate-core/server/internal/core"
	"github.com/mate-core/server/internal/gateway"
	"github.com/mate-core/server/internal/history"
	"github.com/mate-core/server/internal/ledger"
	"github.com/mate-core/server/internal/pipeline/generate"
	"github.com/mate-core/server/internal/pipeline/model"
	"github.com/mate-core/server/internal/pipeline/orchestrator"
	"github.com/mate-core/server/internal/pipeline/triage"
	"github.com/mate-core/server/internal/stores"
	"github.com/mate-core/server/internal/work"
	logx "github.com/mate-core/server/pkg/logger"
	pkgredis "github.com/mate-core/server/pkg/redis"
)

// AppConfig defines all configurable parameters of the request core, sourced
// from environment variables (loaded from .env for local runs).
type AppConfig struct {
	Environment string `envconfig:"ENVIRONMENT" default:"development"`

	// Infrastructure
	Redis pkgredis.Config

	// LLM provider
	APIKey  string `envconfig:"GEMINI_API_KEY" required:"true"`
	BaseURL string `envconfig:"GEMINI_BASE_URL"`

	// Pipeline configs
	Triage       model.TriageModelConfig
	Generation   model.GenerationModelConfig
	Retry        model.RetryConfig
	Conversation model.ConversationConfig
	Work         model.WorkConfig
}

func main() {
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Warning: Could not load .env file: %v", err)
	}

	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("Failed to process environment config: %v", err)
	}

	logx.Init(logx.LoggerOpts{Environment: core.ParseEnvironment(cfg.Environment)})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := cfg.Redis.New()
	if err != nil {
		logx.Fatal().Err(err).Msg("Failed to initialise Redis client")
	}
	defer rdb.Close()

	gw := gateway.New(cfg.Retry)
	err = gateway.RegisterGemini(ctx, gw, gateway.GeminiConfig{
		APIKey:     cfg.APIKey,
		BaseURL:    cfg.BaseURL,
		Triage:     cfg.Triage,
		Generation: cfg.Generation,
	})
	if err != nil {
		logx.Fatal().Err(err).Msg("Failed to register model bindings")
	}

	billing := stores.NewRedisBilling(rdb)
	lg := ledger.NewRedisLedger(rdb, billing)
	config := stores.NewRedisConfigStore(rdb)
	memories := stores.NewRedisMemoryStore(rdb)
	hist := history.NewManager(history.NewRedisRepository(rdb, cfg.Conversation.TTL), cfg.Conversation)
	rates := model.DefaultRateTable()

	orch := orchestrator.New(
		triage.NewPreprocessor(gw, lg, config, rates, cfg.Triage, cfg.Generation),
		generate.NewProcessor(gw, lg, config, memories, hist, rates, cfg.Generation),
	)

	consumer := work.NewConsumer(rdb, orch, cfg.Work)
	if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
		logx.Fatal().Err(err).Msg("Work consumer failed")
	}
}
