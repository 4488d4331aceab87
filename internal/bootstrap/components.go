package bootstrap

import (
	"fmt"
	"time"

	"github.com/kirillkom/hybrid-retrieval/internal/config"
	"github.com/kirillkom/hybrid-retrieval/internal/core/ports"
	"github.com/kirillkom/hybrid-retrieval/internal/core/usecase"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/chunking"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/embedding/hashing"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/embedding/openai"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/resilience"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/tokenizer"
)

func newExecutor(cfg config.Config, rps float64) *resilience.Executor {
	return resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:        cfg.RetryMaxAttempts,
		RetryInitialBackoff:     time.Duration(cfg.RetryInitialBackoffMS) * time.Millisecond,
		RetryMaxBackoff:         time.Duration(cfg.RetryMaxBackoffMS) * time.Millisecond,
		RetryMultiplier:         cfg.RetryMultiplier,
		BreakerEnabled:          cfg.BreakerEnabled,
		BreakerMinRequests:      uint32(max(cfg.BreakerMinRequests, 0)),
		BreakerFailureRatio:     cfg.BreakerFailureRatio,
		BreakerOpenTimeout:      time.Duration(cfg.BreakerOpenTimeoutMS) * time.Millisecond,
		BreakerHalfOpenMaxCalls: uint32(max(cfg.BreakerHalfOpenMaxCalls, 0)),
		RateLimitRPS:            rps,
		RateLimitBurst:          cfg.EmbeddingConcurrency,
	})
}

// newEmbedder returns the configured embedder and the model identity recorded in dense artifacts.
func newEmbedder(cfg config.Config, executor *resilience.Executor) (ports.Embedder, string, error) {
	switch cfg.EmbeddingProvider {
	case "hashing":
		embedder, err := hashing.New(cfg.EmbeddingDim)
		if err != nil {
			return nil, "", err
		}
		return embedder, embedder.ModelInfo(), nil
	case "ollama":
		embedder := ollama.NewEmbedder(ollama.New(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel, executor))
		return embedder, embedder.ModelInfo(), nil
	case "openai":
		embedder, err := openai.New(openai.Options{
			APIKey:    cfg.OpenAIAPIKey,
			BaseURL:   cfg.OpenAIBaseURL,
			Model:     cfg.OpenAIEmbedModel,
			Dimension: cfg.EmbeddingDim,
		}, executor)
		if err != nil {
			return nil, "", fmt.Errorf("init openai embedder: %w", err)
		}
		return embedder, embedder.ModelInfo(), nil
	default:
		return nil, "", fmt.Errorf("unknown embedding provider %q", cfg.EmbeddingProvider)
	}
}

func newChunker(cfg config.Config) (*usecase.ChunkCorpusUseCase, error) {
	tok, err := tokenizer.New(cfg.ChunkTokenizer)
	if err != nil {
		return nil, err
	}
	splitter, err := chunking.NewSplitter(tok, chunking.Options{
		MinTokens:     cfg.ChunkMinTokens,
		MaxTokens:     cfg.ChunkMaxTokens,
		OverlapTokens: cfg.ChunkOverlapTokens,
		Tail:          chunking.TailPolicy(cfg.ChunkTailPolicy),
	})
	if err != nil {
		return nil, err
	}
	return usecase.NewChunkCorpusUseCase(splitter), nil
}
