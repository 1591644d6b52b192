// Package config provides configuration management for zedcore.
// It loads settings from environment variables with the ZED_ prefix and
// provides sensible defaults for all configuration options.
//
// A YAML file named by ZED_CONFIG_FILE may supply values as well; an
// environment variable that is set always wins over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileEnv names the optional YAML overlay.
const ConfigFileEnv = "ZED_CONFIG_FILE"

// Config holds all configuration settings.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Context   ContextConfig   `yaml:"context"`
	Branches  BranchConfig    `yaml:"branches"`
	Agent     AgentConfig     `yaml:"agent"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig contains the observability HTTP server configuration.
type ServerConfig struct {
	Port           int      `yaml:"port"`            // Server port (default: 6464)
	Host           string   `yaml:"host"`            // Server host (default: 127.0.0.1)
	APIToken       string   `yaml:"api_token"`       // Bearer token for /api/ routes (default: none)
	AllowedOrigins []string `yaml:"allowed_origins"` // Websocket origin patterns
}

// StorageConfig contains database configuration.
type StorageConfig struct {
	Engine      string `yaml:"engine"`       // sqlite or postgres (default: sqlite)
	DataPath    string `yaml:"data_path"`    // Data directory (default: ./data)
	SQLiteDSN   string `yaml:"sqlite_dsn"`   // Overrides <data_path>/zed.db
	PostgresDSN string `yaml:"postgres_dsn"` // Required for postgres
}

// EmbeddingConfig contains embedding provider configuration.
type EmbeddingConfig struct {
	Backend           string        `yaml:"backend"`             // hash, ollama or openai (default: hash)
	Model             string        `yaml:"model"`               // Backend model name
	BaseURL           string        `yaml:"base_url"`            // Backend endpoint override
	APIKey            string        `yaml:"api_key"`             // Hosted backend key
	Dimensions        int           `yaml:"dimensions"`          // Vector size (0 = backend default)
	Timeout           time.Duration `yaml:"timeout"`             // Per request (default: 10s)
	RequestsPerSecond float64       `yaml:"requests_per_second"` // 0 disables limiting
	CacheSize         int           `yaml:"cache_size"`          // Query cache entries (default: 1024)
}

// ContextConfig contains the context assembly budget.
type ContextConfig struct {
	MaxContextTokens    int           `yaml:"max_context_tokens"`    // default: 8000
	ReservedForResponse int           `yaml:"reserved_for_response"` // default: 1500
	SwitchboardBudget   int           `yaml:"switchboard_budget"`    // default: 600
	MinHistoryTokens    int           `yaml:"min_history_tokens"`    // default: 1000
	MemoryFraction      float64       `yaml:"memory_fraction"`       // default: 0.15
	MemoryLimit         int           `yaml:"memory_limit"`          // default: 8
	QueryMaxChars       int           `yaml:"query_max_chars"`       // default: 1000
	QueryRecentMessages int           `yaml:"query_recent_messages"` // default: 3
	HistoryMessages     int           `yaml:"history_messages"`      // default: 50
	TokenCounter        string        `yaml:"token_counter"`         // chars or tiktoken (default: chars)
	TokenEncoding       string        `yaml:"token_encoding"`        // default: cl100k_base
	MemoryTimeout       time.Duration `yaml:"memory_timeout"`        // default: 3s
}

// BranchConfig contains branch lifecycle settings.
type BranchConfig struct {
	InactivityThreshold time.Duration `yaml:"inactivity_threshold"` // default: 30m
	SweepInterval       time.Duration `yaml:"sweep_interval"`       // default: 1m
	NoticeRetention     time.Duration `yaml:"notice_retention"`     // default: 168h
	IncludeSwitchboard  bool          `yaml:"include_switchboard"`  // default: true
}

// AgentConfig describes the agent persona.
type AgentConfig struct {
	Name                 string `yaml:"name"`                   // default: Zed
	IdentityFile         string `yaml:"identity_file"`          // Identity tier text
	FirstContactPriority string `yaml:"first_contact_priority"` // Priority tier for first contacts
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error (default: info)
	Format string `yaml:"format"` // console or json (default: console)
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 6464,
			Host: "127.0.0.1",
		},
		Storage: StorageConfig{
			Engine:   "sqlite",
			DataPath: "./data",
		},
		Embedding: EmbeddingConfig{
			Backend:   "hash",
			Timeout:   10 * time.Second,
			CacheSize: 1024,
		},
		Context: ContextConfig{
			MaxContextTokens:    8000,
			ReservedForResponse: 1500,
			SwitchboardBudget:   600,
			MinHistoryTokens:    1000,
			MemoryFraction:      0.15,
			MemoryLimit:         8,
			QueryMaxChars:       1000,
			QueryRecentMessages: 3,
			HistoryMessages:     50,
			TokenCounter:        "chars",
			TokenEncoding:       "cl100k_base",
			MemoryTimeout:       3 * time.Second,
		},
		Branches: BranchConfig{
			InactivityThreshold: 30 * time.Minute,
			SweepInterval:       time.Minute,
			NoticeRetention:     7 * 24 * time.Hour,
			IncludeSwitchboard:  true,
		},
		Agent: AgentConfig{
			Name: "Zed",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig builds the configuration from defaults, the optional file named
// by ZED_CONFIG_FILE and the environment, in increasing precedence, then
// validates it.
func LoadConfig() (*Config, error) {
	return Load(os.Getenv(ConfigFileEnv))
}

// Load is LoadConfig with an explicit file path; an empty path skips the
// file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides every field whose environment variable is set.
func (c *Config) applyEnv() {
	c.Server.Port = getEnvInt("ZED_PORT", c.Server.Port)
	c.Server.Host = getEnv("ZED_HOST", c.Server.Host)
	c.Server.APIToken = getEnv("ZED_API_TOKEN", c.Server.APIToken)
	c.Server.AllowedOrigins = getEnvList("ZED_ALLOWED_ORIGINS", c.Server.AllowedOrigins)

	c.Storage.Engine = getEnv("ZED_STORAGE_ENGINE", c.Storage.Engine)
	c.Storage.DataPath = getEnv("ZED_DATA_PATH", c.Storage.DataPath)
	c.Storage.SQLiteDSN = getEnv("ZED_SQLITE_DSN", c.Storage.SQLiteDSN)
	c.Storage.PostgresDSN = getEnv("ZED_POSTGRES_DSN", c.Storage.PostgresDSN)

	c.Embedding.Backend = getEnv("ZED_EMBEDDING_BACKEND", c.Embedding.Backend)
	c.Embedding.Model = getEnv("ZED_EMBEDDING_MODEL", c.Embedding.Model)
	c.Embedding.BaseURL = getEnv("ZED_EMBEDDING_URL", c.Embedding.BaseURL)
	c.Embedding.APIKey = getEnv("ZED_OPENAI_API_KEY", c.Embedding.APIKey)
	c.Embedding.Dimensions = getEnvInt("ZED_EMBEDDING_DIMENSIONS", c.Embedding.Dimensions)
	c.Embedding.Timeout = getEnvDuration("ZED_EMBEDDING_TIMEOUT", c.Embedding.Timeout)
	c.Embedding.RequestsPerSecond = getEnvFloat("ZED_EMBEDDING_RPS", c.Embedding.RequestsPerSecond)
	c.Embedding.CacheSize = getEnvInt("ZED_EMBEDDING_CACHE_SIZE", c.Embedding.CacheSize)

	c.Context.MaxContextTokens = getEnvInt("ZED_MAX_CONTEXT_TOKENS", c.Context.MaxContextTokens)
	c.Context.ReservedForResponse = getEnvInt("ZED_RESERVED_FOR_RESPONSE", c.Context.ReservedForResponse)
	c.Context.SwitchboardBudget = getEnvInt("ZED_SWITCHBOARD_BUDGET", c.Context.SwitchboardBudget)
	c.Context.MinHistoryTokens = getEnvInt("ZED_MIN_HISTORY_TOKENS", c.Context.MinHistoryTokens)
	c.Context.MemoryFraction = getEnvFloat("ZED_MEMORY_FRACTION", c.Context.MemoryFraction)
	c.Context.MemoryLimit = getEnvInt("ZED_MEMORY_LIMIT", c.Context.MemoryLimit)
	c.Context.QueryMaxChars = getEnvInt("ZED_QUERY_MAX_CHARS", c.Context.QueryMaxChars)
	c.Context.QueryRecentMessages = getEnvInt("ZED_QUERY_RECENT_MESSAGES", c.Context.QueryRecentMessages)
	c.Context.HistoryMessages = getEnvInt("ZED_HISTORY_MESSAGES", c.Context.HistoryMessages)
	c.Context.TokenCounter = getEnv("ZED_TOKEN_COUNTER", c.Context.TokenCounter)
	c.Context.TokenEncoding = getEnv("ZED_TOKEN_ENCODING", c.Context.TokenEncoding)
	c.Context.MemoryTimeout = getEnvDuration("ZED_MEMORY_TIMEOUT", c.Context.MemoryTimeout)

	c.Branches.InactivityThreshold = getEnvDuration("ZED_INACTIVITY_THRESHOLD", c.Branches.InactivityThreshold)
	c.Branches.SweepInterval = getEnvDuration("ZED_SWEEP_INTERVAL", c.Branches.SweepInterval)
	c.Branches.NoticeRetention = getEnvDuration("ZED_NOTICE_RETENTION", c.Branches.NoticeRetention)
	c.Branches.IncludeSwitchboard = getEnvBool("ZED_INCLUDE_SWITCHBOARD", c.Branches.IncludeSwitchboard)

	c.Agent.Name = getEnv("ZED_AGENT_NAME", c.Agent.Name)
	c.Agent.IdentityFile = getEnv("ZED_IDENTITY_FILE", c.Agent.IdentityFile)
	c.Agent.FirstContactPriority = getEnv("ZED_FIRST_CONTACT_PRIORITY", c.Agent.FirstContactPriority)

	c.Log.Level = getEnv("ZED_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("ZED_LOG_FORMAT", c.Log.Format)
}

// Validate checks ranges and required combinations.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server port must be in [0, 65535], got %d", c.Server.Port))
	}

	switch c.Storage.Engine {
	case "sqlite":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres engine requires ZED_POSTGRES_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage engine %q", c.Storage.Engine))
	}

	switch c.Embedding.Backend {
	case "hash", "ollama":
	case "openai":
		if c.Embedding.APIKey == "" {
			errs = append(errs, errors.New("openai embedding backend requires ZED_OPENAI_API_KEY"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown embedding backend %q", c.Embedding.Backend))
	}
	if c.Embedding.Dimensions < 0 || c.Embedding.CacheSize < 0 || c.Embedding.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("embedding dimensions, cache size and rate must not be negative"))
	}

	ctx := c.Context
	if ctx.MaxContextTokens <= 0 {
		errs = append(errs, fmt.Errorf("max context tokens must be positive, got %d", ctx.MaxContextTokens))
	}
	if ctx.ReservedForResponse < 0 || ctx.ReservedForResponse >= ctx.MaxContextTokens {
		errs = append(errs, fmt.Errorf("reserved for response must be in [0, max context tokens), got %d", ctx.ReservedForResponse))
	}
	if ctx.MemoryFraction < 0 || ctx.MemoryFraction > 1 {
		errs = append(errs, fmt.Errorf("memory fraction must be in [0, 1], got %v", ctx.MemoryFraction))
	}
	if ctx.SwitchboardBudget < 0 || ctx.MinHistoryTokens < 0 || ctx.MemoryLimit < 0 ||
		ctx.QueryMaxChars < 0 || ctx.QueryRecentMessages < 0 || ctx.HistoryMessages < 0 {
		errs = append(errs, errors.New("context budget values must not be negative"))
	}
	switch ctx.TokenCounter {
	case "chars", "tiktoken":
	default:
		errs = append(errs, fmt.Errorf("unknown token counter %q", ctx.TokenCounter))
	}

	if c.Branches.InactivityThreshold <= 0 || c.Branches.SweepInterval <= 0 || c.Branches.NoticeRetention <= 0 {
		errs = append(errs, errors.New("branch inactivity threshold, sweep interval and notice retention must be positive"))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// SQLiteDSN returns the configured DSN or <data_path>/zed.db.
func (c *Config) SQLiteDSN() string {
	if c.Storage.SQLiteDSN != "" {
		return c.Storage.SQLiteDSN
	}
	return filepath.Join(c.Storage.DataPath, "zed.db")
}

// Addr returns host:port for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default value.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration ("30m", "1h") or returns a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
// It recognizes "true", "1", "yes" as true and "false", "0", "no" as false (case-insensitive).
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated variable, dropping empty items.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
