// Package embed generates content-embedding vectors for messages via the
// OpenAI embeddings API. The embedder is an optional collaborator: callers
// holding a nil Embedder store records without vectors.
package embed

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/time/rate"
)

// DefaultModel matches the model the Weaviate mirror's vectors were built
// with; changing it invalidates existing vectors.
const DefaultModel = "text-embedding-3-small"

// Embedder produces a fixed-length vector for a piece of text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OpenAI is the langchaingo-backed embedder, rate-limited in front of the
// API so full-archive resyncs do not trip request quotas.
type OpenAI struct {
	embedder embeddings.Embedder
	limiter  *rate.Limiter
}

// NewOpenAI builds an embedder for the given API key and model. An empty
// model selects DefaultModel; requestsPerSecond <= 0 disables rate limiting.
func NewOpenAI(apiKey, model string, requestsPerSecond float64) (*OpenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if model == "" {
		model = DefaultModel
	}

	llm, err := openai.New(
		openai.WithToken(apiKey),
		openai.WithEmbeddingModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create openai client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	var limiter *rate.Limiter
	if requestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), 1)
	}

	return &OpenAI{embedder: embedder, limiter: limiter}, nil
}

// Embed returns the embedding vector for text.
func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	vec, err := o.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	return vec, nil
}
