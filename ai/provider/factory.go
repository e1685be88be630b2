package provider

import (
	"context"

	"go.uber.org/zap"

	"github.com/andbeder/ClinicalGenius/ai/lmstudio"
	"github.com/andbeder/ClinicalGenius/ai/openai"
	"github.com/andbeder/ClinicalGenius/am"
)

// New constructs the Generator for the configured provider. Called once at
// startup; a misconfigured or unpermitted provider fails here, before any
// batch can run.
func New(cfg *am.Config, log *zap.SugaredLogger) (Generator, error) {
	p, err := Parse(cfg.LLM.Provider)
	if err != nil {
		return nil, err
	}

	switch p {
	case OpenAI:
		log.Infow("using OpenAI backend", "model", cfg.LLM.Model)
		return &openaiAdapter{client: openai.NewClient("", cfg.LLM.APIKey, cfg.LLM.Model, log)}, nil
	default:
		log.Infow("using LM Studio backend", "endpoint", cfg.LLM.Endpoint)
		return &lmstudioAdapter{client: lmstudio.NewClient(cfg.LLM.Endpoint, log)}, nil
	}
}

// withDeadline applies the per-call timeout from params, if any.
func withDeadline(ctx context.Context, params Params) (context.Context, context.CancelFunc) {
	if params.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, params.Timeout)
}

type lmstudioAdapter struct {
	client *lmstudio.Client
}

func (a *lmstudioAdapter) Generate(ctx context.Context, prompt string, params Params) (string, error) {
	ctx, cancel := withDeadline(ctx, params)
	defer cancel()
	return a.client.Complete(ctx, prompt, lmstudio.Options{
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
	})
}

func (a *lmstudioAdapter) GenerateChat(ctx context.Context, messages []Message, params Params) (string, error) {
	ctx, cancel := withDeadline(ctx, params)
	defer cancel()
	converted := make([]lmstudio.Message, len(messages))
	for i, m := range messages {
		converted[i] = lmstudio.Message{Role: m.Role, Content: m.Content}
	}
	return a.client.Chat(ctx, converted, lmstudio.Options{
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
	})
}

type openaiAdapter struct {
	client *openai.Client
}

func (a *openaiAdapter) Generate(ctx context.Context, prompt string, params Params) (string, error) {
	ctx, cancel := withDeadline(ctx, params)
	defer cancel()
	return a.client.Complete(ctx, prompt, openai.Options{
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
	})
}

func (a *openaiAdapter) GenerateChat(ctx context.Context, messages []Message, params Params) (string, error) {
	ctx, cancel := withDeadline(ctx, params)
	defer cancel()
	converted := make([]openai.Message, len(messages))
	for i, m := range messages {
		converted[i] = openai.Message{Role: m.Role, Content: m.Content}
	}
	return a.client.Chat(ctx, converted, openai.Options{
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
	})
}

var (
	_ Generator = (*lmstudioAdapter)(nil)
	_ Generator = (*openaiAdapter)(nil)
)
