package plugins

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/bozp-pzob/ai-news-sub003/internal/service"
)

// openaiProvider wraps an OpenAI-compatible endpoint. Every upstream call is
// reported through the deps hook so tier accounting stays exact.
type openaiProvider struct {
	name     string
	llm      *openai.LLM
	embedder embeddings.Embedder
	model    string
	deps     Deps
}

func newOpenAIProvider(name string, params map[string]any, deps Deps) (*openaiProvider, error) {
	apiKey := paramStr(params, "apiKey", "")
	if apiKey == "" {
		return nil, service.ConfigErrorf("ai %q: apiKey is required", name)
	}
	model := paramStr(params, "model", "gpt-4o-mini")

	opts := []openai.Option{
		openai.WithToken(apiKey),
		openai.WithModel(model),
		openai.WithEmbeddingModel(paramStr(params, "embeddingModel", "text-embedding-3-small")),
	}
	if baseURL := paramStr(params, "baseUrl", ""); baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, service.ConfigErrorf("ai %q: %v", name, err)
	}

	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, service.ConfigErrorf("ai %q: %v", name, err)
	}

	return &openaiProvider{name: name, llm: llm, embedder: embedder, model: model, deps: deps}, nil
}

func (p *openaiProvider) Name() string { return p.name }

func (p *openaiProvider) Complete(ctx context.Context, prompt string, opts service.CompleteOptions) (string, error) {
	callOpts := []llms.CallOption{}
	if opts.Model != "" {
		callOpts = append(callOpts, llms.WithModel(opts.Model))
	}
	if opts.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(opts.MaxTokens))
	}
	if opts.Temperature > 0 {
		callOpts = append(callOpts, llms.WithTemperature(opts.Temperature))
	}

	p.deps.countAICalls(1)
	out, err := llms.GenerateFromSinglePrompt(ctx, p.llm, prompt, callOpts...)
	if err != nil {
		return "", service.RetryableErr(fmt.Errorf("completion: %w", err))
	}
	return out, nil
}

func (p *openaiProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.deps.countAICalls(1)
	vec, err := p.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, service.RetryableErr(fmt.Errorf("embedding: %w", err))
	}
	return vec, nil
}
