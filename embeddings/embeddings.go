// Package embeddings turns text into fixed-dimension vectors.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fabfab/go-assistant/config"
)

// DefaultBatchSize bounds the inputs sent to a provider in one request.
const DefaultBatchSize = 256

var ErrUnknownProvider = errors.New("unknown embedding provider")

// Embedder returns one vector per input text, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type Options struct {
	Provider  string
	Model     string
	Dimension int
	BatchSize int

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Provider:      cfg.Embeddings.Provider,
		Model:         cfg.Embeddings.Model,
		Dimension:     cfg.Embeddings.Dimension,
		BatchSize:     cfg.Embeddings.BatchSize,
		OllamaHost:    cfg.OllamaHost,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
	}
}

func NewEmbedder(cfg config.Config) (Embedder, error) {
	return New(OptionsFromConfig(cfg))
}

// New builds the embedder for opts.Provider. Calls with more texts than the
// batch size are split into several provider requests.
func New(opts Options) (Embedder, error) {
	var provider Embedder
	switch strings.ToLower(opts.Provider) {
	case config.ProviderOllama:
		provider = NewOllamaEmbedder(opts)
	case config.ProviderOpenAI:
		if opts.OpenAIAPIKey == "" {
			return nil, errors.New("openai embeddings selected but OPENAI_API_KEY not set")
		}
		provider = NewOpenAIEmbedder(opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, opts.Provider)
	}

	size := opts.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	return &batchEmbedder{next: provider, size: size}, nil
}

type batchEmbedder struct {
	next Embedder
	size int
}

func (b *batchEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += b.size {
		end := min(start+b.size, len(texts))
		vecs, err := b.next.Embed(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		if len(vecs) != end-start {
			return nil, fmt.Errorf("embedder returned %d vectors for %d inputs", len(vecs), end-start)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func checkDimension(provider string, want int, vec []float32) error {
	if want > 0 && len(vec) != want {
		return fmt.Errorf("%s embedding dimension mismatch: expected %d, got %d", provider, want, len(vec))
	}
	return nil
}
