package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
)

const (
	DenseArtifactName  = "dense.idx"
	SparseArtifactName = "sparse.idx"
)

type Config struct {
	APIPort        string `yaml:"api_port"`
	LogLevel       string `yaml:"log_level"`
	QueryTimeoutMS int    `yaml:"query_timeout_ms"`

	CorpusPath      string `yaml:"corpus_path"`
	ArtifactDir     string `yaml:"artifact_dir"`
	MetricsTextfile string `yaml:"metrics_textfile"`

	EmbeddingProvider     string  `yaml:"embedding_provider"`
	EmbeddingDim          int     `yaml:"embedding_dim"`
	EmbeddingBatchSize    int     `yaml:"embedding_batch_size"`
	EmbeddingConcurrency  int     `yaml:"embedding_concurrency"`
	EmbeddingRateLimitRPS float64 `yaml:"embedding_rate_limit_rps"`

	OllamaURL        string `yaml:"ollama_url"`
	OllamaEmbedModel string `yaml:"ollama_embed_model"`
	OllamaGenModel   string `yaml:"ollama_gen_model"`

	OpenAIAPIKey     string `yaml:"openai_api_key"`
	OpenAIBaseURL    string `yaml:"openai_base_url"`
	OpenAIEmbedModel string `yaml:"openai_embed_model"`

	ChunkMinTokens     int    `yaml:"chunk_min_tokens"`
	ChunkMaxTokens     int    `yaml:"chunk_max_tokens"`
	ChunkOverlapTokens int    `yaml:"chunk_overlap_tokens"`
	ChunkTokenizer     string `yaml:"chunk_tokenizer"`
	ChunkTailPolicy    string `yaml:"chunk_tail_policy"`

	DenseTopK              int     `yaml:"dense_top_k"`
	SparseTopK             int     `yaml:"sparse_top_k"`
	FinalTopN              int     `yaml:"final_top_n"`
	RRFK                   int     `yaml:"rrf_k"`
	BM25K1                 float64 `yaml:"bm25_k1"`
	BM25B                  float64 `yaml:"bm25_b"`
	RetrievalPartialPolicy string  `yaml:"retrieval_partial_policy"`

	APIRateLimitRPS   float64 `yaml:"api_rate_limit_rps"`
	APIRateLimitBurst int     `yaml:"api_rate_limit_burst"`

	PostgresDSN string `yaml:"postgres_dsn"`

	NATSURL     string `yaml:"nats_url"`
	NATSSubject string `yaml:"nats_subject"`

	RetryMaxAttempts        int     `yaml:"retry_max_attempts"`
	RetryInitialBackoffMS   int     `yaml:"retry_initial_backoff_ms"`
	RetryMaxBackoffMS       int     `yaml:"retry_max_backoff_ms"`
	RetryMultiplier         float64 `yaml:"retry_multiplier"`
	BreakerEnabled          bool    `yaml:"breaker_enabled"`
	BreakerMinRequests      int     `yaml:"breaker_min_requests"`
	BreakerFailureRatio     float64 `yaml:"breaker_failure_ratio"`
	BreakerOpenTimeoutMS    int     `yaml:"breaker_open_timeout_ms"`
	BreakerHalfOpenMaxCalls int     `yaml:"breaker_half_open_max_calls"`
}

// FieldError names one invalid configuration key.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return e.Field + ": " + e.Message
}

func Defaults() Config {
	return Config{
		APIPort:        "8080",
		LogLevel:       "info",
		QueryTimeoutMS: 10000,

		CorpusPath:  "./data/corpus.json",
		ArtifactDir: "./data/index",

		EmbeddingProvider:    "hashing",
		EmbeddingDim:         384,
		EmbeddingBatchSize:   32,
		EmbeddingConcurrency: 4,

		OllamaURL:        "http://localhost:11434",
		OllamaEmbedModel: "nomic-embed-text",
		OllamaGenModel:   "llama3.1:8b",

		OpenAIEmbedModel: "text-embedding-3-small",

		ChunkMinTokens:     200,
		ChunkMaxTokens:     400,
		ChunkOverlapTokens: 50,
		ChunkTokenizer:     "cl100k_base",
		ChunkTailPolicy:    "discard",

		DenseTopK:              10,
		SparseTopK:             10,
		FinalTopN:              5,
		RRFK:                   60,
		BM25K1:                 1.5,
		BM25B:                  0.75,
		RetrievalPartialPolicy: "fail",

		APIRateLimitBurst: 10,

		NATSSubject: "index.built",

		RetryMaxAttempts:        3,
		RetryInitialBackoffMS:   100,
		RetryMaxBackoffMS:       400,
		RetryMultiplier:         2.0,
		BreakerEnabled:          true,
		BreakerMinRequests:      10,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeoutMS:    30000,
		BreakerHalfOpenMaxCalls: 2,
	}
}

// Load layers defaults, the YAML file named by CONFIG_FILE, a .env file
// (ENV_FILE, default ".env") and the process environment, then validates.
// Values from .env never replace variables already set in the environment.
func Load() (Config, error) {
	if err := loadDotEnv(mustEnv("ENV_FILE", ".env")); err != nil {
		return Config{}, err
	}

	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := applyYAML(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	env := &envReader{}
	env.apply(&cfg)
	if err := env.err(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return domain.WrapError(domain.ErrConfiguration, "load env file", err)
	}
	if err := godotenv.Load(path); err != nil {
		return domain.WrapError(domain.ErrConfiguration, "load env file", err)
	}
	return nil
}

func applyYAML(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.WrapError(domain.ErrConfiguration, "read config file", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return domain.WrapError(domain.ErrConfiguration, "parse config file", fmt.Errorf("%s: %w", path, err))
	}
	return nil
}

func (c Config) DenseArtifactPath() string {
	return filepath.Join(c.ArtifactDir, DenseArtifactName)
}

func (c Config) SparseArtifactPath() string {
	return filepath.Join(c.ArtifactDir, SparseArtifactName)
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, &FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if port, err := strconv.Atoi(c.APIPort); err != nil || port < 1 || port > 65535 {
		add("API_PORT", "must be a port number, got %q", c.APIPort)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("LOG_LEVEL", "unknown level %q", c.LogLevel)
	}
	if c.QueryTimeoutMS <= 0 {
		add("QUERY_TIMEOUT_MS", "must be positive, got %d", c.QueryTimeoutMS)
	}
	if strings.TrimSpace(c.ArtifactDir) == "" {
		add("ARTIFACT_DIR", "must not be empty")
	}

	switch c.EmbeddingProvider {
	case "hashing", "ollama":
	case "openai":
		if c.OpenAIAPIKey == "" {
			add("OPENAI_API_KEY", "required when EMBEDDING_PROVIDER=openai")
		}
	default:
		add("EMBEDDING_PROVIDER", "must be hashing, ollama or openai, got %q", c.EmbeddingProvider)
	}
	if c.EmbeddingDim <= 0 {
		add("EMBEDDING_DIM", "must be positive, got %d", c.EmbeddingDim)
	}
	if c.EmbeddingBatchSize <= 0 {
		add("EMBEDDING_BATCH_SIZE", "must be positive, got %d", c.EmbeddingBatchSize)
	}
	if c.EmbeddingConcurrency <= 0 {
		add("EMBEDDING_CONCURRENCY", "must be positive, got %d", c.EmbeddingConcurrency)
	}
	if c.EmbeddingRateLimitRPS < 0 {
		add("EMBEDDING_RATE_LIMIT_RPS", "must be >= 0, got %v", c.EmbeddingRateLimitRPS)
	}

	if c.ChunkMinTokens < 1 {
		add("CHUNK_MIN_TOKENS", "must be >= 1, got %d", c.ChunkMinTokens)
	}
	if c.ChunkMaxTokens < c.ChunkMinTokens {
		add("CHUNK_MAX_TOKENS", "must be >= CHUNK_MIN_TOKENS (%d), got %d", c.ChunkMinTokens, c.ChunkMaxTokens)
	}
	if c.ChunkOverlapTokens < 0 || c.ChunkOverlapTokens >= c.ChunkMinTokens {
		add("CHUNK_OVERLAP_TOKENS", "must be in [0, CHUNK_MIN_TOKENS), got %d", c.ChunkOverlapTokens)
	}
	switch c.ChunkTokenizer {
	case "cl100k_base", "words":
	default:
		add("CHUNK_TOKENIZER", "must be cl100k_base or words, got %q", c.ChunkTokenizer)
	}
	switch c.ChunkTailPolicy {
	case "discard", "keep":
	default:
		add("CHUNK_TAIL_POLICY", "must be discard or keep, got %q", c.ChunkTailPolicy)
	}

	if c.DenseTopK < 1 {
		add("DENSE_TOP_K", "must be >= 1, got %d", c.DenseTopK)
	}
	if c.SparseTopK < 1 {
		add("SPARSE_TOP_K", "must be >= 1, got %d", c.SparseTopK)
	}
	if c.FinalTopN < 1 {
		add("FINAL_TOP_N", "must be >= 1, got %d", c.FinalTopN)
	}
	if c.RRFK < 1 {
		add("RRF_K", "must be >= 1, got %d", c.RRFK)
	}
	if !(c.BM25K1 >= 0) {
		add("BM25_K1", "must be >= 0, got %v", c.BM25K1)
	}
	if !(c.BM25B >= 0 && c.BM25B <= 1) {
		add("BM25_B", "must be in [0, 1], got %v", c.BM25B)
	}
	switch c.RetrievalPartialPolicy {
	case "fail", "degrade":
	default:
		add("RETRIEVAL_PARTIAL_POLICY", "must be fail or degrade, got %q", c.RetrievalPartialPolicy)
	}

	if c.APIRateLimitRPS < 0 {
		add("API_RATE_LIMIT_RPS", "must be >= 0, got %v", c.APIRateLimitRPS)
	}
	if c.APIRateLimitRPS > 0 && c.APIRateLimitBurst < 1 {
		add("API_RATE_LIMIT_BURST", "must be >= 1 when rate limiting is on, got %d", c.APIRateLimitBurst)
	}
	if c.NATSURL != "" && strings.TrimSpace(c.NATSSubject) == "" {
		add("NATS_SUBJECT", "required when NATS_URL is set")
	}

	if c.RetryMaxAttempts < 1 {
		add("RETRY_MAX_ATTEMPTS", "must be >= 1, got %d", c.RetryMaxAttempts)
	}
	if c.BreakerFailureRatio <= 0 || c.BreakerFailureRatio > 1 {
		add("BREAKER_FAILURE_RATIO", "must be in (0, 1], got %v", c.BreakerFailureRatio)
	}

	if len(errs) == 0 {
		return nil
	}
	return domain.WrapError(domain.ErrConfiguration, "validate config", errors.Join(errs...))
}

// envReader applies environment overrides and remembers unparsable values.
type envReader struct {
	errs []error
}

func (r *envReader) apply(cfg *Config) {
	cfg.APIPort = mustEnv("API_PORT", cfg.APIPort)
	cfg.LogLevel = mustEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.QueryTimeoutMS = r.mustEnvInt("QUERY_TIMEOUT_MS", cfg.QueryTimeoutMS)

	cfg.CorpusPath = mustEnv("CORPUS_PATH", cfg.CorpusPath)
	cfg.ArtifactDir = mustEnv("ARTIFACT_DIR", cfg.ArtifactDir)
	cfg.MetricsTextfile = mustEnv("METRICS_TEXTFILE", cfg.MetricsTextfile)

	cfg.EmbeddingProvider = strings.ToLower(mustEnv("EMBEDDING_PROVIDER", cfg.EmbeddingProvider))
	cfg.EmbeddingDim = r.mustEnvInt("EMBEDDING_DIM", cfg.EmbeddingDim)
	cfg.EmbeddingBatchSize = r.mustEnvInt("EMBEDDING_BATCH_SIZE", cfg.EmbeddingBatchSize)
	cfg.EmbeddingConcurrency = r.mustEnvInt("EMBEDDING_CONCURRENCY", cfg.EmbeddingConcurrency)
	cfg.EmbeddingRateLimitRPS = r.mustEnvFloat("EMBEDDING_RATE_LIMIT_RPS", cfg.EmbeddingRateLimitRPS)

	cfg.OllamaURL = mustEnv("OLLAMA_URL", cfg.OllamaURL)
	cfg.OllamaEmbedModel = mustEnv("OLLAMA_EMBED_MODEL", cfg.OllamaEmbedModel)
	cfg.OllamaGenModel = mustEnv("OLLAMA_GEN_MODEL", cfg.OllamaGenModel)

	cfg.OpenAIAPIKey = mustEnv("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.OpenAIBaseURL = mustEnv("OPENAI_BASE_URL", cfg.OpenAIBaseURL)
	cfg.OpenAIEmbedModel = mustEnv("OPENAI_EMBED_MODEL", cfg.OpenAIEmbedModel)

	cfg.ChunkMinTokens = r.mustEnvInt("CHUNK_MIN_TOKENS", cfg.ChunkMinTokens)
	cfg.ChunkMaxTokens = r.mustEnvInt("CHUNK_MAX_TOKENS", cfg.ChunkMaxTokens)
	cfg.ChunkOverlapTokens = r.mustEnvInt("CHUNK_OVERLAP_TOKENS", cfg.ChunkOverlapTokens)
	cfg.ChunkTokenizer = mustEnv("CHUNK_TOKENIZER", cfg.ChunkTokenizer)
	cfg.ChunkTailPolicy = mustEnv("CHUNK_TAIL_POLICY", cfg.ChunkTailPolicy)

	cfg.DenseTopK = r.mustEnvInt("DENSE_TOP_K", cfg.DenseTopK)
	cfg.SparseTopK = r.mustEnvInt("SPARSE_TOP_K", cfg.SparseTopK)
	cfg.FinalTopN = r.mustEnvInt("FINAL_TOP_N", cfg.FinalTopN)
	cfg.RRFK = r.mustEnvInt("RRF_K", cfg.RRFK)
	cfg.BM25K1 = r.mustEnvFloat("BM25_K1", cfg.BM25K1)
	cfg.BM25B = r.mustEnvFloat("BM25_B", cfg.BM25B)
	cfg.RetrievalPartialPolicy = mustEnv("RETRIEVAL_PARTIAL_POLICY", cfg.RetrievalPartialPolicy)

	cfg.APIRateLimitRPS = r.mustEnvFloat("API_RATE_LIMIT_RPS", cfg.APIRateLimitRPS)
	cfg.APIRateLimitBurst = r.mustEnvInt("API_RATE_LIMIT_BURST", cfg.APIRateLimitBurst)

	cfg.PostgresDSN = mustEnv("POSTGRES_DSN", cfg.PostgresDSN)
	cfg.NATSURL = mustEnv("NATS_URL", cfg.NATSURL)
	cfg.NATSSubject = mustEnv("NATS_SUBJECT", cfg.NATSSubject)

	cfg.RetryMaxAttempts = r.mustEnvInt("RETRY_MAX_ATTEMPTS", cfg.RetryMaxAttempts)
	cfg.RetryInitialBackoffMS = r.mustEnvInt("RETRY_INITIAL_BACKOFF_MS", cfg.RetryInitialBackoffMS)
	cfg.RetryMaxBackoffMS = r.mustEnvInt("RETRY_MAX_BACKOFF_MS", cfg.RetryMaxBackoffMS)
	cfg.RetryMultiplier = r.mustEnvFloat("RETRY_MULTIPLIER", cfg.RetryMultiplier)
	cfg.BreakerEnabled = r.mustEnvBool("BREAKER_ENABLED", cfg.BreakerEnabled)
	cfg.BreakerMinRequests = r.mustEnvInt("BREAKER_MIN_REQUESTS", cfg.BreakerMinRequests)
	cfg.BreakerFailureRatio = r.mustEnvFloat("BREAKER_FAILURE_RATIO", cfg.BreakerFailureRatio)
	cfg.BreakerOpenTimeoutMS = r.mustEnvInt("BREAKER_OPEN_TIMEOUT_MS", cfg.BreakerOpenTimeoutMS)
	cfg.BreakerHalfOpenMaxCalls = r.mustEnvInt("BREAKER_HALF_OPEN_MAX_CALLS", cfg.BreakerHalfOpenMaxCalls)
}

func (r *envReader) err() error {
	if len(r.errs) == 0 {
		return nil
	}
	return domain.WrapError(domain.ErrConfiguration, "read environment", errors.Join(r.errs...))
}

func mustEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func (r *envReader) mustEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		r.errs = append(r.errs, &FieldError{Field: key, Message: fmt.Sprintf("not an integer: %q", v)})
		return fallback
	}
	return n
}

func (r *envReader) mustEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		r.errs = append(r.errs, &FieldError{Field: key, Message: fmt.Sprintf("not a number: %q", v)})
		return fallback
	}
	return f
}

func (r *envReader) mustEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		r.errs = append(r.errs, &FieldError{Field: key, Message: fmt.Sprintf("not a boolean: %q", v)})
		return fallback
	}
	return parsed
}
