package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"

	VectorStorePGVector = "pgvector"
	VectorStoreWeaviate = "weaviate"
)

type EmbeddingConfig struct {
	Provider  string
	Model     string
	Dimension int
	BatchSize int
}

type LLMConfig struct {
	Provider    string
	Model       string
	Temperature float32
	MaxSteps    int
}

type RAGConfig struct {
	ChunkSize         int
	ChunkOverlap      int
	TopK              int
	AuthzConcurrency  int
	VectorStore       string
	WeaviateHost      string
	WeaviateAPIKey    string
	WeaviateClassName string
}

type AuthzConfig struct {
	CheckTimeout time.Duration
	CacheSize    int
	CacheTTL     time.Duration
}

type OIDCConfig struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

type OAuthClient struct {
	ClientID     string
	ClientSecret string
}

type Config struct {
	HTTPAddr    string
	PublicURL   string
	FrontendURL string
	CORSOrigins []string

	PostgresDSN      string
	PostgresMaxConns int
	Neo4jURI         string
	Neo4jUser        string
	Neo4jPass        string
	Neo4jMaxPool     int

	Embeddings EmbeddingConfig
	LLM        LLMConfig
	RAG        RAGConfig
	Authz      AuthzConfig

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string

	OIDC          OIDCConfig
	SessionSecret string
	SessionTTL    time.Duration

	Google OAuthClient
	GitHub OAuthClient

	DataDir   string
	LogLevel  string
	LogFormat string
}

var defaults = map[string]any{
	"HTTP_ADDR":             ":8000",
	"PUBLIC_URL":            "http://localhost:8000",
	"FRONTEND_URL":          "http://localhost:3000",
	"CORS_ORIGINS":          "http://localhost:3000",
	"POSTGRES_DSN":          "postgres://localhost:5432/go-assistant?sslmode=disable",
	"NEO4J_URI":             "neo4j://localhost:7687",
	"NEO4J_USERNAME":        "neo4j",
	"NEO4J_PASSWORD":        "password",
	"NEO4J_MAX_POOL_SIZE":   50,
	"POSTGRES_MAX_CONNS":    10,
	"EMBEDDINGS_PROVIDER":   ProviderOpenAI,
	"EMBEDDINGS_MODEL":      "text-embedding-3-small",
	"EMBEDDINGS_DIMENSION":  1536,
	"EMBEDDINGS_BATCH_SIZE": 256,
	"LLM_PROVIDER":          ProviderOpenAI,
	"LLM_MODEL":             "gpt-4.1-mini",
	"LLM_TEMPERATURE":       0.2,
	"AGENT_MAX_STEPS":       5,
	"OLLAMA_HOST":           "http://localhost:11434",
	"RAG_CHUNK_SIZE":        1000,
	"RAG_CHUNK_OVERLAP":     100,
	"RAG_TOP_K":             12,
	"RAG_AUTHZ_CONCURRENCY": 8,
	"VECTOR_STORE":          VectorStorePGVector,
	"WEAVIATE_HOST":         "http://localhost:8080",
	"WEAVIATE_CLASS":        "Chunk",
	"AUTHZ_CHECK_TIMEOUT":   "2s",
	"AUTHZ_CACHE_SIZE":      1024,
	"AUTHZ_CACHE_TTL":       "30s",
	"OIDC_SCOPES":           "openid profile email offline_access",
	"SESSION_TTL":           "24h",
	"DATA_DIR":              "./data",
	"LOG_LEVEL":             "info",
	"LOG_FORMAT":            "console",
}

// Load reads configuration from an optional .env file, an optional config file
// and the process environment, in increasing order of precedence.
func Load(configFile string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	return fromViper(v), nil
}

func fromViper(v *viper.Viper) Config {
	return Config{
		HTTPAddr:    v.GetString("HTTP_ADDR"),
		PublicURL:   strings.TrimRight(v.GetString("PUBLIC_URL"), "/"),
		FrontendURL: strings.TrimRight(v.GetString("FRONTEND_URL"), "/"),
		CORSOrigins: splitList(v.GetString("CORS_ORIGINS")),

		PostgresDSN:      v.GetString("POSTGRES_DSN"),
		PostgresMaxConns: v.GetInt("POSTGRES_MAX_CONNS"),
		Neo4jURI:         v.GetString("NEO4J_URI"),
		Neo4jUser:        v.GetString("NEO4J_USERNAME"),
		Neo4jPass:        v.GetString("NEO4J_PASSWORD"),
		Neo4jMaxPool:     v.GetInt("NEO4J_MAX_POOL_SIZE"),

		Embeddings: EmbeddingConfig{
			Provider:  strings.ToLower(v.GetString("EMBEDDINGS_PROVIDER")),
			Model:     v.GetString("EMBEDDINGS_MODEL"),
			Dimension: v.GetInt("EMBEDDINGS_DIMENSION"),
			BatchSize: v.GetInt("EMBEDDINGS_BATCH_SIZE"),
		},
		LLM: LLMConfig{
			Provider:    strings.ToLower(v.GetString("LLM_PROVIDER")),
			Model:       v.GetString("LLM_MODEL"),
			Temperature: float32(v.GetFloat64("LLM_TEMPERATURE")),
			MaxSteps:    v.GetInt("AGENT_MAX_STEPS"),
		},
		RAG: RAGConfig{
			ChunkSize:         v.GetInt("RAG_CHUNK_SIZE"),
			ChunkOverlap:      v.GetInt("RAG_CHUNK_OVERLAP"),
			TopK:              v.GetInt("RAG_TOP_K"),
			AuthzConcurrency:  v.GetInt("RAG_AUTHZ_CONCURRENCY"),
			VectorStore:       strings.ToLower(v.GetString("VECTOR_STORE")),
			WeaviateHost:      v.GetString("WEAVIATE_HOST"),
			WeaviateAPIKey:    v.GetString("WEAVIATE_API_KEY"),
			WeaviateClassName: v.GetString("WEAVIATE_CLASS"),
		},
		Authz: AuthzConfig{
			CheckTimeout: v.GetDuration("AUTHZ_CHECK_TIMEOUT"),
			CacheSize:    v.GetInt("AUTHZ_CACHE_SIZE"),
			CacheTTL:     v.GetDuration("AUTHZ_CACHE_TTL"),
		},

		OllamaHost:    v.GetString("OLLAMA_HOST"),
		OpenAIAPIKey:  v.GetString("OPENAI_API_KEY"),
		OpenAIBaseURL: v.GetString("OPENAI_BASE_URL"),

		OIDC: OIDCConfig{
			Issuer:       strings.TrimSpace(v.GetString("OIDC_ISSUER")),
			ClientID:     v.GetString("OIDC_CLIENT_ID"),
			ClientSecret: v.GetString("OIDC_CLIENT_SECRET"),
			Scopes:       strings.Fields(v.GetString("OIDC_SCOPES")),
		},
		SessionSecret: v.GetString("SESSION_SECRET"),
		SessionTTL:    v.GetDuration("SESSION_TTL"),

		Google: OAuthClient{
			ClientID:     v.GetString("GOOGLE_CLIENT_ID"),
			ClientSecret: v.GetString("GOOGLE_CLIENT_SECRET"),
		},
		GitHub: OAuthClient{
			ClientID:     v.GetString("GITHUB_CLIENT_ID"),
			ClientSecret: v.GetString("GITHUB_CLIENT_SECRET"),
		},

		DataDir:   v.GetString("DATA_DIR"),
		LogLevel:  v.GetString("LOG_LEVEL"),
		LogFormat: v.GetString("LOG_FORMAT"),
	}
}

// Validate reports settings the HTTP server cannot run without.
func (c Config) Validate() error {
	var errs []error
	if c.PostgresDSN == "" {
		errs = append(errs, errors.New("POSTGRES_DSN is required"))
	}
	if c.Neo4jURI == "" {
		errs = append(errs, errors.New("NEO4J_URI is required"))
	}
	if c.Embeddings.Dimension <= 0 {
		errs = append(errs, errors.New("EMBEDDINGS_DIMENSION must be positive"))
	}
	if c.RAG.ChunkSize <= 0 {
		errs = append(errs, errors.New("RAG_CHUNK_SIZE must be positive"))
	}
	if c.RAG.ChunkOverlap < 0 || c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		errs = append(errs, errors.New("RAG_CHUNK_OVERLAP must be in [0, RAG_CHUNK_SIZE)"))
	}
	switch c.RAG.VectorStore {
	case VectorStorePGVector, VectorStoreWeaviate:
	default:
		errs = append(errs, fmt.Errorf("unknown VECTOR_STORE: %s", c.RAG.VectorStore))
	}
	if len(c.SessionSecret) < 32 {
		errs = append(errs, errors.New("SESSION_SECRET must be at least 32 bytes"))
	}
	if c.OIDC.Issuer == "" || c.OIDC.ClientID == "" {
		errs = append(errs, errors.New("OIDC_ISSUER and OIDC_CLIENT_ID are required"))
	}
	return errors.Join(errs...)
}

func splitList(raw string) []string {
	parts := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
