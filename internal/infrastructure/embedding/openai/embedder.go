package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/resilience"
)

type Options struct {
	APIKey    string
	BaseURL   string
	Model     string
	Dimension int
}

// Embedder calls an OpenAI-compatible /embeddings endpoint.
type Embedder struct {
	client   *goopenai.Client
	model    string
	dim      int
	executor *resilience.Executor
}

func New(opts Options, executor *resilience.Executor) (*Embedder, error) {
	if strings.TrimSpace(opts.APIKey) == "" && strings.TrimSpace(opts.BaseURL) == "" {
		return nil, errors.New("openai embedder requires an api key or a compatible base url")
	}
	if opts.Model == "" {
		opts.Model = string(goopenai.SmallEmbedding3)
	}

	cfg := goopenai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	return &Embedder{
		client:   goopenai.NewClientWithConfig(cfg),
		model:    opts.Model,
		dim:      opts.Dimension,
		executor: executor,
	}, nil
}

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var resp goopenai.EmbeddingResponse
	call := func(callCtx context.Context) error {
		var err error
		resp, err = e.client.CreateEmbeddings(callCtx, goopenai.EmbeddingRequest{
			Input:      texts,
			Model:      goopenai.EmbeddingModel(e.model),
			Dimensions: e.dim,
		})
		return err
	}

	var err error
	if e.executor != nil {
		err = e.executor.Execute(ctx, "openai.embed", call, classifyOpenAIError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, resilience.WrapTemporary("openai embed", fmt.Errorf("openai embed request: %w", err), classifyOpenAIError)
	}

	out := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(out) {
			return nil, fmt.Errorf("openai embed: response index %d out of range", item.Index)
		}
		out[item.Index] = item.Embedding
	}
	for i, v := range out {
		if v == nil {
			return nil, fmt.Errorf("openai embed: missing embedding for input %d", i)
		}
	}
	return out, nil
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *Embedder) ModelInfo() string {
	return "openai-" + e.model
}

func openAIStatus(err error) (int, bool) {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		return apiErr.HTTPStatusCode, true
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return reqErr.HTTPStatusCode, true
	}
	return 0, false
}

func classifyOpenAIError(err error) resilience.ErrorClassification {
	return resilience.ClassifyRemoteCall(err, openAIStatus)
}
