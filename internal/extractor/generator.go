package extractor

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
)

// Generator turns a prompt into raw model text.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// LLMGenerator adapts a langchaingo model to Generator.
type LLMGenerator struct {
	model llms.Model
	opts  []llms.CallOption
}

// NewLLMGenerator wraps model. opts are applied to every call.
func NewLLMGenerator(model llms.Model, opts ...llms.CallOption) *LLMGenerator {
	return &LLMGenerator{model: model, opts: opts}
}

// NewGeminiGenerator builds a Generator backed by Google's Gemini models.
func NewGeminiGenerator(ctx context.Context, apiKey, model string) (*LLMGenerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	llm, err := googleai.New(ctx,
		googleai.WithAPIKey(apiKey),
		googleai.WithDefaultModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return NewLLMGenerator(llm, llms.WithTemperature(0), llms.WithJSONMode()), nil
}

// Generate sends prompt as a single human message.
func (g *LLMGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	out, err := llms.GenerateFromSinglePrompt(ctx, g.model, prompt, g.opts...)
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	return out, nil
}
