package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Response modes understood by the query engine
const (
	ResponseModeTreeSummarize = "tree_summarize"
	ResponseModeCompact       = "compact"
)

// Config holds all configuration for DocChat
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Upload    UploadConfig    `mapstructure:"upload"`
	RAG       RAGConfig       `mapstructure:"rag"`
	LLM       LLMConfig       `mapstructure:"llm"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	AllowOrigins []string      `mapstructure:"allow_origins"`
}

// AdminConfig holds admin authentication configuration
type AdminConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// DatabaseConfig holds the session store configuration
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// UploadConfig holds archive intake configuration
type UploadConfig struct {
	MaxBytes int64  `mapstructure:"max_bytes"`
	TempDir  string `mapstructure:"temp_dir"`
}

// RAGConfig holds index and query engine parameters
type RAGConfig struct {
	IndexType         string         `mapstructure:"index_type"`
	ChunkSize         int            `mapstructure:"chunk_size"`
	ChunkOverlap      int            `mapstructure:"chunk_overlap"`
	TopK              int            `mapstructure:"top_k"`
	ResponseMode      string         `mapstructure:"response_mode"`
	MaxTokens         int            `mapstructure:"max_tokens"`
	Temperature       float64        `mapstructure:"temperature"`
	ContextBudget     int            `mapstructure:"context_budget"`
	VectorStore       string         `mapstructure:"vector_store"`
	VectorStoreParams map[string]any `mapstructure:"vector_store_params"`
}

// LLMConfig holds LLM provider configuration
type LLMConfig struct {
	Provider         string `mapstructure:"provider"`
	BaseURL          string `mapstructure:"base_url"`
	APIKey           string `mapstructure:"api_key"`
	CredentialPrefix string `mapstructure:"credential_prefix"`
	EmbeddingModel   string `mapstructure:"embedding_model"`
	LLMModel         string `mapstructure:"llm_model"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	RequestsPerHour int  `mapstructure:"requests_per_hour"`
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load loads configuration from file and environment
func Load(configPath string) (*Config, error) {
	// A missing .env is normal outside development
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read config file if specified
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Environment variables
	v.SetEnvPrefix("DOCCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found, use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// The provider's own variable name is honoured as a fallback
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns the configuration produced by defaults alone
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.read_timeout", 5*time.Minute)
	v.SetDefault("server.write_timeout", 10*time.Minute)
	v.SetDefault("server.allow_origins", []string{"*"})

	v.SetDefault("admin.api_key", "")

	v.SetDefault("database.path", ":memory:")

	v.SetDefault("upload.max_bytes", 0)
	v.SetDefault("upload.temp_dir", "")

	v.SetDefault("rag.index_type", "hnsw")
	v.SetDefault("rag.chunk_size", 3000)
	v.SetDefault("rag.chunk_overlap", 600)
	v.SetDefault("rag.top_k", 40)
	v.SetDefault("rag.response_mode", ResponseModeTreeSummarize)
	v.SetDefault("rag.max_tokens", 12000)
	v.SetDefault("rag.temperature", 0.5)
	v.SetDefault("rag.context_budget", 12000)
	v.SetDefault("rag.vector_store", "sqlite")

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.credential_prefix", "sk-")
	v.SetDefault("llm.embedding_model", "text-embedding-3-small")
	v.SetDefault("llm.llm_model", "gpt-3.5-turbo")

	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.requests_per_hour", 100)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Validate checks the index and query parameters
func (c *Config) Validate() error {
	if c.RAG.ChunkSize <= 0 {
		return fmt.Errorf("rag.chunk_size must be positive, got %d", c.RAG.ChunkSize)
	}
	if c.RAG.ChunkOverlap < 0 || c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		return fmt.Errorf("rag.chunk_overlap must be in [0, %d), got %d", c.RAG.ChunkSize, c.RAG.ChunkOverlap)
	}
	if c.RAG.TopK <= 0 {
		return fmt.Errorf("rag.top_k must be positive, got %d", c.RAG.TopK)
	}
	if c.RAG.ContextBudget <= 0 {
		return fmt.Errorf("rag.context_budget must be positive, got %d", c.RAG.ContextBudget)
	}
	switch c.RAG.ResponseMode {
	case ResponseModeTreeSummarize, ResponseModeCompact:
	default:
		return fmt.Errorf("unknown rag.response_mode %q", c.RAG.ResponseMode)
	}
	switch c.RAG.VectorStore {
	case "sqlite", "qdrant":
	default:
		return fmt.Errorf("unknown rag.vector_store %q", c.RAG.VectorStore)
	}
	return nil
}

// Address returns the server address
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
