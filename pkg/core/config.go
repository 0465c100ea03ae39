package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/oceanbase/contextmem-go/pkg/intelligence"
)

// Config contains the complete configuration for a contextmem client.
//
// It includes settings for:
//   - Store (record directory, namespace and access log backend)
//   - Activation (context window and scoring weights)
//   - Conflict (default strategy and audit log)
//   - Embedder (provider used to encode texts and queries)
//
// Example:
//
//	config := core.DefaultConfig()
//	config.Store.Dir = "./memory"
//	config.Embedder = core.EmbedderConfig{
//	    Provider: "openai",
//	    APIKey:   "sk-...",
//	    Model:    "text-embedding-3-small",
//	}
type Config struct {
	// Store contains record store configuration.
	Store StoreConfig `json:"store" toml:"store"`

	// Activation contains activation engine configuration.
	Activation intelligence.ActivationConfig `json:"activation" toml:"activation"`

	// Conflict contains conflict resolver configuration.
	Conflict ConflictConfig `json:"conflict" toml:"conflict"`

	// Embedder contains embedding provider configuration.
	Embedder EmbedderConfig `json:"embedder" toml:"embedder"`

	// LogLevel is the zap level name (debug, info, warn, error). Default: info.
	LogLevel string `json:"log_level,omitempty" toml:"log_level,omitempty"`
}

// StoreConfig contains configuration for the record store.
type StoreConfig struct {
	// Dir is the working directory for persisted files.
	Dir string `json:"dir" toml:"dir"`

	// Namespace separates stores sharing Dir and prefixes every record id.
	Namespace string `json:"namespace" toml:"namespace"`

	// BatchSize is the number of texts per embedding call (default: 16).
	BatchSize int `json:"batch_size,omitempty" toml:"batch_size,omitempty"`

	// EncodeWorkers is the number of concurrent embedding calls (default: 4).
	EncodeWorkers int `json:"encode_workers,omitempty" toml:"encode_workers,omitempty"`

	// MaxEventsPerRecord caps each record's access log. Zero means the
	// store default, negative means unbounded.
	MaxEventsPerRecord int `json:"max_events_per_record,omitempty" toml:"max_events_per_record,omitempty"`

	// DeferAccessLogFlush batches access log writes until Flush or Close.
	DeferAccessLogFlush bool `json:"defer_access_log_flush,omitempty" toml:"defer_access_log_flush,omitempty"`

	// AccessLog selects where access logs are persisted.
	AccessLog AccessLogConfig `json:"access_log" toml:"access_log"`
}

// AccessLogConfig selects the access log backend.
//
// Supported providers: json, sqlite, postgres, oceanbase
type AccessLogConfig struct {
	// Provider is the backend name. Empty means json.
	Provider string `json:"provider,omitempty" toml:"provider,omitempty"`

	// DSN is the database path for sqlite (default: <dir>/access_history_<namespace>.db)
	// or the connection string for postgres and oceanbase (required).
	DSN string `json:"dsn,omitempty" toml:"dsn,omitempty"`

	// Table is the events table name (default: access_events).
	Table string `json:"table,omitempty" toml:"table,omitempty"`
}

// ConflictConfig contains configuration for the conflict resolver.
type ConflictConfig struct {
	// DefaultStrategy is used when a caller asks for the default strategy.
	// The zero value resolves to keep_new.
	DefaultStrategy intelligence.Strategy `json:"default_strategy" toml:"default_strategy"`

	// AuditLogPath is where the conflict history is saved after every
	// batch resolution and loaded from at startup. Empty disables it.
	AuditLogPath string `json:"audit_log_path,omitempty" toml:"audit_log_path,omitempty"`

	// NodeID is the snowflake node for conflict record ids (0-1023).
	NodeID int64 `json:"node_id,omitempty" toml:"node_id,omitempty"`
}

// EmbedderConfig contains configuration for the embedding provider.
//
// Supported providers: openai, qwen, ollama, mock
//
// Example:
//
//	embedderConfig := core.EmbedderConfig{
//	    Provider:   "qwen",
//	    APIKey:     "sk-...",
//	    Model:      "text-embedding-v4",
//	    Dimensions: 1536,
//	}
type EmbedderConfig struct {
	// Provider is the embedding provider name (openai, qwen, ollama, mock).
	Provider string `json:"provider" toml:"provider"`

	// APIKey is the API key for the embedding provider.
	APIKey string `json:"api_key,omitempty" toml:"api_key,omitempty"`

	// Model is the embedding model name (e.g., "text-embedding-3-small", "text-embedding-v4").
	Model string `json:"model,omitempty" toml:"model,omitempty"`

	// BaseURL is the base URL for the API (optional, uses provider default if empty).
	BaseURL string `json:"base_url,omitempty" toml:"base_url,omitempty"`

	// Dimensions is the dimension of the embedding vectors (e.g., 1536, 768).
	Dimensions int `json:"dimensions,omitempty" toml:"dimensions,omitempty"`

	// QueryCacheSize bounds the number of cached query embeddings (default:
	// 1024). Negative disables the cache. Stored texts are never cached.
	QueryCacheSize int `json:"query_cache_size,omitempty" toml:"query_cache_size,omitempty"`
}

var (
	accessLogProviders = map[string]bool{"": true, "json": true, "sqlite": true, "postgres": true, "oceanbase": true}
	embedderProviders  = map[string]bool{"openai": true, "qwen": true, "ollama": true, "mock": true}
)

// DefaultConfig returns a configuration with the default store location,
// engine weights and a JSON access log. The embedder must still be chosen.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Dir:       "./contextmem_data",
			Namespace: "memory",
		},
		Activation: intelligence.DefaultActivationConfig(),
		Conflict: ConflictConfig{
			DefaultStrategy: intelligence.StrategyKeepNew,
		},
		LogLevel: "info",
	}
}

// LoadConfigFromEnv loads configuration from environment variables.
//
// The function:
//  1. Searches for .env or .env.example files (up to 5 directory levels up)
//  2. Loads environment variables from the found file
//  3. Parses environment variables into a Config struct
//
// Supported environment variables:
//   - CONTEXTMEM_DIR, CONTEXTMEM_NAMESPACE, CONTEXTMEM_MAX_EVENTS
//   - ACCESS_LOG_PROVIDER (json, sqlite, postgres, oceanbase), ACCESS_LOG_DSN, ACCESS_LOG_TABLE
//   - EMBEDDING_PROVIDER, EMBEDDING_API_KEY, EMBEDDING_MODEL, EMBEDDING_BASE_URL, EMBEDDING_DIMS,
//     EMBEDDING_CACHE_SIZE
//   - CONTEXT_WINDOW_SIZE, RELEVANCE_WEIGHT, RECENCY_WEIGHT, FREQUENCY_WEIGHT,
//     RELEVANCE_THRESHOLD, DECAY_RATE, MIN_ACTIVATION
//   - CONFLICT_STRATEGY, CONFLICT_AUDIT_LOG
//   - LOG_LEVEL
//
// Unset variables keep their DefaultConfig value. A variable that does not
// parse returns ErrInvalidConfig.
func LoadConfigFromEnv() (*Config, error) {
	envPath, found := FindEnvFile()
	if found {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	config := DefaultConfig()
	config.Store.Dir = getEnvOrDefault("CONTEXTMEM_DIR", config.Store.Dir)
	config.Store.Namespace = getEnvOrDefault("CONTEXTMEM_NAMESPACE", config.Store.Namespace)
	config.Store.AccessLog = AccessLogConfig{
		Provider: getEnvOrDefault("ACCESS_LOG_PROVIDER", "json"),
		DSN:      os.Getenv("ACCESS_LOG_DSN"),
		Table:    os.Getenv("ACCESS_LOG_TABLE"),
	}
	config.LogLevel = getEnvOrDefault("LOG_LEVEL", config.LogLevel)
	config.Conflict.AuditLogPath = os.Getenv("CONFLICT_AUDIT_LOG")

	if name := os.Getenv("CONFLICT_STRATEGY"); name != "" {
		strategy, err := intelligence.ParseStrategy(name)
		if err != nil {
			return nil, NewMemoryError("LoadConfigFromEnv", fmt.Errorf("%w: CONFLICT_STRATEGY: %v", ErrInvalidConfig, err))
		}
		config.Conflict.DefaultStrategy = strategy
	}

	embedderProvider := getEnvOrDefault("EMBEDDING_PROVIDER", "qwen")
	embedderModel := os.Getenv("EMBEDDING_MODEL")
	embedderBaseURL := os.Getenv("EMBEDDING_BASE_URL")
	switch embedderProvider {
	case "qwen":
		if embedderBaseURL == "" {
			embedderBaseURL = os.Getenv("QWEN_EMBEDDING_BASE_URL")
		}
		if embedderModel == "" {
			embedderModel = "text-embedding-v4"
		}
	case "openai":
		if embedderBaseURL == "" {
			embedderBaseURL = os.Getenv("OPENAI_EMBEDDING_BASE_URL")
		}
		if embedderModel == "" {
			embedderModel = "text-embedding-3-small"
		}
	case "ollama":
		if embedderBaseURL == "" {
			embedderBaseURL = os.Getenv("OLLAMA_EMBEDDING_BASE_URL")
		}
		if embedderModel == "" {
			embedderModel = "nomic-embed-text"
		}
	}
	config.Embedder.Provider = embedderProvider
	config.Embedder.APIKey = os.Getenv("EMBEDDING_API_KEY")
	config.Embedder.Model = embedderModel
	config.Embedder.BaseURL = embedderBaseURL

	ints := []struct {
		key string
		dst *int
	}{
		{"EMBEDDING_DIMS", &config.Embedder.Dimensions},
		{"EMBEDDING_CACHE_SIZE", &config.Embedder.QueryCacheSize},
		{"CONTEXTMEM_MAX_EVENTS", &config.Store.MaxEventsPerRecord},
		{"CONTEXT_WINDOW_SIZE", &config.Activation.ContextWindowSize},
	}
	for _, v := range ints {
		if err := envInt(v.key, v.dst); err != nil {
			return nil, NewMemoryError("LoadConfigFromEnv", err)
		}
	}

	floats := []struct {
		key string
		dst *float64
	}{
		{"RELEVANCE_WEIGHT", &config.Activation.RelevanceWeight},
		{"RECENCY_WEIGHT", &config.Activation.RecencyWeight},
		{"FREQUENCY_WEIGHT", &config.Activation.FrequencyWeight},
		{"RELEVANCE_THRESHOLD", &config.Activation.RelevanceThreshold},
		{"DECAY_RATE", &config.Activation.DecayRate},
		{"MIN_ACTIVATION", &config.Activation.MinActivation},
	}
	for _, v := range floats {
		if err := envFloat(v.key, v.dst); err != nil {
			return nil, NewMemoryError("LoadConfigFromEnv", err)
		}
	}

	return config, nil
}

// LoadConfigFromEnvFile loads configuration from a specific .env file.
func LoadConfigFromEnvFile(envPath string) (*Config, error) {
	if err := godotenv.Load(envPath); err != nil {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}
	return LoadConfigFromEnv()
}

// LoadConfigFromJSON loads configuration from a JSON file.
//
// Fields missing from the file keep their DefaultConfig value.
func LoadConfigFromJSON(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewMemoryError("LoadConfigFromJSON", err)
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, NewMemoryError("LoadConfigFromJSON", fmt.Errorf("%w: %v", ErrInvalidConfig, err))
	}

	return config, nil
}

// LoadConfigFromTOML loads configuration from a TOML file using the same
// keys as the JSON form. Fields missing from the file keep their
// DefaultConfig value.
func LoadConfigFromTOML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewMemoryError("LoadConfigFromTOML", err)
	}

	config := DefaultConfig()
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, NewMemoryError("LoadConfigFromTOML", fmt.Errorf("%w: %v", ErrInvalidConfig, err))
	}

	return config, nil
}

// LoadConfigFromFile picks the TOML or JSON loader by file extension.
func LoadConfigFromFile(path string) (*Config, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return LoadConfigFromTOML(path)
	default:
		return LoadConfigFromJSON(path)
	}
}

// WriteTOML writes the configuration to path as TOML.
func (c *Config) WriteTOML(path string) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return NewMemoryError("WriteTOML", err)
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return NewMemoryError("WriteTOML", err)
		}
	}
	return NewMemoryError("WriteTOML", os.WriteFile(path, buf.Bytes(), 0644))
}

// Validate validates the configuration.
//
// Checks that:
//   - Store directory and namespace are set
//   - The access log provider is known, with a DSN for postgres and oceanbase
//   - The embedder provider is known
//   - The activation settings are in range
//
// Returns an error wrapping ErrInvalidConfig if validation fails.
func (c *Config) Validate() error {
	return c.validate(true)
}

func (c *Config) validate(checkEmbedder bool) error {
	if c.Store.Dir == "" || c.Store.Namespace == "" {
		return NewMemoryError("Validate", fmt.Errorf("%w: store dir and namespace are required", ErrInvalidConfig))
	}
	provider := c.Store.AccessLog.Provider
	if !accessLogProviders[provider] {
		return NewMemoryError("Validate", fmt.Errorf("%w: unknown access log provider %q", ErrInvalidConfig, provider))
	}
	if (provider == "postgres" || provider == "oceanbase") && c.Store.AccessLog.DSN == "" {
		return NewMemoryError("Validate", fmt.Errorf("%w: %s access log requires a DSN", ErrInvalidConfig, provider))
	}
	if checkEmbedder && !embedderProviders[c.Embedder.Provider] {
		return NewMemoryError("Validate", fmt.Errorf("%w: unknown embedder provider %q", ErrInvalidConfig, c.Embedder.Provider))
	}
	if err := c.Activation.Validate(); err != nil {
		return NewMemoryError("Validate", err)
	}
	return nil
}

// getEnvOrDefault gets an environment variable or returns the default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envInt(key string, dst *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%w: %s=%q", ErrInvalidConfig, key, value)
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%w: %s=%q", ErrInvalidConfig, key, value)
	}
	*dst = f
	return nil
}

// FindEnvFile searches for .env or .env.example files.
//
// The search:
//  1. Checks the current directory
//  2. Searches up to 5 directory levels up
//  3. Returns the first .env or .env.example file found
func FindEnvFile() (string, bool) {
	if _, err := os.Stat(".env"); err == nil {
		return ".env", true
	}
	if _, err := os.Stat(".env.example"); err == nil {
		return ".env.example", true
	}

	dir, _ := os.Getwd()
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		envExamplePath := filepath.Join(dir, ".env.example")

		if _, err := os.Stat(envPath); err == nil {
			return envPath, true
		}
		if _, err := os.Stat(envExamplePath); err == nil {
			return envExamplePath, true
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", false
}
