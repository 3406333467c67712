package gateway

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/gemini"
	"google.golang.org/genai"

	errx "github.com/mate-core/server/internal/core/error"
	"github.com/mate-core/server/internal/pipeline/model"
	logx "github.com/mate-core/server/pkg/logger"
)

// GeminiConfig holds what is needed to bind Gemini models into the gateway.
type GeminiConfig struct {
	APIKey     string
	BaseURL    string
	Triage     model.TriageModelConfig
	Generation model.GenerationModelConfig
}

// RegisterGemini creates the Gemini client, builds one chat model per
// configured role and registers both under their model identifiers.
func RegisterGemini(ctx context.Context, g *Gateway, cfg GeminiConfig) error {
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions.BaseURL = cfg.BaseURL
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		logx.Error().Err(err).Msg("Error creating Gemini client")
		return errx.New(err, errx.KindProviderFatal, "error creating Gemini client")
	}

	triageModel, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       cfg.Triage.Model,
		Temperature: &cfg.Triage.Temperature,
		MaxTokens:   &cfg.Triage.MaxTokens,
	})
	if err != nil {
		logx.Error().Err(err).Msg("Error creating triage model")
		return errx.New(err, errx.KindProviderFatal, fmt.Sprintf("error creating triage model %q", cfg.Triage.Model))
	}

	generationModel, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       cfg.Generation.Model,
		Temperature: &cfg.Generation.Temperature,
		MaxTokens:   &cfg.Generation.MaxTokens,
	})
	if err != nil {
		logx.Error().Err(err).Msg("Error creating generation model")
		return errx.New(err, errx.KindProviderFatal, fmt.Sprintf("error creating generation model %q", cfg.Generation.Model))
	}

	g.Register(cfg.Triage.Model, triageModel)
	g.Register(cfg.Generation.Model, generationModel)

	logx.Debug().
		Str("triage_model", cfg.Triage.Model).
		Str("generation_model", cfg.Generation.Model).
		Msg("Gemini bindings registered")
	return nil
}
