// Package config loads wakil settings from a TOML or YAML file, a .env file
// and WAKIL_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/MR-GREEN1337/wakil/log"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "WAKIL_"

type LogConfig struct {
	Level string `toml:"level" yaml:"level"`
}

// CheckpointConfig selects the checkpoint backend. Only the fields of the
// chosen backend are read.
type CheckpointConfig struct {
	Backend  string   `toml:"backend" yaml:"backend"`
	Path     string   `toml:"path" yaml:"path"`
	DSN      string   `toml:"dsn" yaml:"dsn"`
	Table    string   `toml:"table" yaml:"table"`
	Addr     string   `toml:"addr" yaml:"addr"`
	Password string   `toml:"password" yaml:"password"`
	DB       int      `toml:"db" yaml:"db"`
	Prefix   string   `toml:"prefix" yaml:"prefix"`
	TTL      Duration `toml:"ttl" yaml:"ttl"`
}

type VectorConfig struct {
	Backend    string `toml:"backend" yaml:"backend"`
	DSN        string `toml:"dsn" yaml:"dsn"`
	Table      string `toml:"table" yaml:"table"`
	Collection string `toml:"collection" yaml:"collection"`
	Dimension  int    `toml:"dimension" yaml:"dimension"`
}

type EmbeddingConfig struct {
	Provider string `toml:"provider" yaml:"provider"`
	Model    string `toml:"model" yaml:"model"`
	APIKey   string `toml:"api_key" yaml:"api_key"`
	BaseURL  string `toml:"base_url" yaml:"base_url"`
}

type LLMConfig struct {
	OpenAIAPIKey    string `toml:"openai_api_key" yaml:"openai_api_key"`
	AnthropicAPIKey string `toml:"anthropic_api_key" yaml:"anthropic_api_key"`
	MaxSteps        int    `toml:"max_steps" yaml:"max_steps"`
}

type HTTPConfig struct {
	UserAgent string   `toml:"user_agent" yaml:"user_agent"`
	Timeout   Duration `toml:"timeout" yaml:"timeout"`
}

type Config struct {
	Log        LogConfig        `toml:"log" yaml:"log"`
	Checkpoint CheckpointConfig `toml:"checkpoint" yaml:"checkpoint"`
	Vector     VectorConfig     `toml:"vector" yaml:"vector"`
	Embedding  EmbeddingConfig  `toml:"embedding" yaml:"embedding"`
	LLM        LLMConfig        `toml:"llm" yaml:"llm"`
	HTTP       HTTPConfig       `toml:"http" yaml:"http"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Checkpoint: CheckpointConfig{
			Backend: "memory",
			Path:    "wakil.db",
			Table:   "checkpoints",
			Addr:    "localhost:6379",
			Prefix:  "wakil:",
		},
		Vector: VectorConfig{
			Backend:    "memory",
			Table:      "wakil_vectors",
			Collection: "user_data",
			Dimension:  1536,
		},
		Embedding: EmbeddingConfig{
			Provider: "openai",
			Model:    "text-embedding-3-small",
		},
		LLM: LLMConfig{MaxSteps: 25},
		HTTP: HTTPConfig{
			UserAgent: "wakil/0.1",
			Timeout:   Duration(30 * time.Second),
		},
	}
}

// Load reads path on top of Default, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
		}
		if err := cfg.decode(filepath.Ext(path), data); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(ext string, data []byte) error {
	switch strings.ToLower(ext) {
	case ".toml":
		if err := toml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse TOML: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse YAML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config format %q", ext)
	}
	return nil
}

// LoadEnv loads the given .env files into the process environment without
// overriding variables that are already set. With no arguments it loads
// ./.env when present.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		files = []string{".env"}
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("failed to load env files: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from WAKIL_* variables. OPENAI_API_KEY and
// ANTHROPIC_API_KEY fill the provider keys when nothing else set them.
func (c *Config) ApplyEnv() error {
	strs := map[string]*string{
		"LOG_LEVEL":           &c.Log.Level,
		"CHECKPOINT_BACKEND":  &c.Checkpoint.Backend,
		"CHECKPOINT_PATH":     &c.Checkpoint.Path,
		"CHECKPOINT_DSN":      &c.Checkpoint.DSN,
		"CHECKPOINT_TABLE":    &c.Checkpoint.Table,
		"CHECKPOINT_ADDR":     &c.Checkpoint.Addr,
		"CHECKPOINT_PASSWORD": &c.Checkpoint.Password,
		"CHECKPOINT_PREFIX":   &c.Checkpoint.Prefix,
		"VECTOR_BACKEND":      &c.Vector.Backend,
		"VECTOR_DSN":          &c.Vector.DSN,
		"VECTOR_TABLE":        &c.Vector.Table,
		"VECTOR_COLLECTION":   &c.Vector.Collection,
		"EMBEDDING_PROVIDER":  &c.Embedding.Provider,
		"EMBEDDING_MODEL":     &c.Embedding.Model,
		"EMBEDDING_API_KEY":   &c.Embedding.APIKey,
		"EMBEDDING_BASE_URL":  &c.Embedding.BaseURL,
		"OPENAI_API_KEY":      &c.LLM.OpenAIAPIKey,
		"ANTHROPIC_API_KEY":   &c.LLM.AnthropicAPIKey,
		"HTTP_USER_AGENT":     &c.HTTP.UserAgent,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"CHECKPOINT_DB":    &c.Checkpoint.DB,
		"VECTOR_DIMENSION": &c.Vector.Dimension,
		"LLM_MAX_STEPS":    &c.LLM.MaxSteps,
	}
	for name, dst := range ints {
		v, ok := os.LookupEnv(EnvPrefix + name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
		}
		*dst = n
	}

	durations := map[string]*Duration{
		"CHECKPOINT_TTL": &c.Checkpoint.TTL,
		"HTTP_TIMEOUT":   &c.HTTP.Timeout,
	}
	for name, dst := range durations {
		v, ok := os.LookupEnv(EnvPrefix + name)
		if !ok {
			continue
		}
		if err := dst.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
		}
	}

	if c.LLM.OpenAIAPIKey == "" {
		c.LLM.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.LLM.AnthropicAPIKey == "" {
		c.LLM.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if c.Embedding.APIKey == "" {
		c.Embedding.APIKey = c.LLM.OpenAIAPIKey
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	switch c.Checkpoint.Backend {
	case "memory":
	case "sqlite":
		if c.Checkpoint.Path == "" {
			errs = append(errs, errors.New("checkpoint.path is required for sqlite"))
		}
	case "postgres":
		if c.Checkpoint.DSN == "" {
			errs = append(errs, errors.New("checkpoint.dsn is required for postgres"))
		}
	case "redis":
		if c.Checkpoint.Addr == "" {
			errs = append(errs, errors.New("checkpoint.addr is required for redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("checkpoint.backend: unknown backend %q", c.Checkpoint.Backend))
	}
	if c.Checkpoint.TTL < 0 {
		errs = append(errs, errors.New("checkpoint.ttl must not be negative"))
	}

	switch c.Vector.Backend {
	case "memory":
	case "pgvector":
		if c.Vector.DSN == "" {
			errs = append(errs, errors.New("vector.dsn is required for pgvector"))
		}
	default:
		errs = append(errs, fmt.Errorf("vector.backend: unknown backend %q", c.Vector.Backend))
	}
	if c.Vector.Collection == "" {
		errs = append(errs, errors.New("vector.collection is required"))
	}
	if c.Vector.Dimension <= 0 {
		errs = append(errs, fmt.Errorf("vector.dimension must be positive, got %d", c.Vector.Dimension))
	}

	switch c.Embedding.Provider {
	case "openai", "langchaingo", "mock":
	default:
		errs = append(errs, fmt.Errorf("embedding.provider: unknown provider %q", c.Embedding.Provider))
	}

	if c.LLM.MaxSteps <= 0 {
		errs = append(errs, fmt.Errorf("llm.max_steps must be positive, got %d", c.LLM.MaxSteps))
	}
	if c.HTTP.Timeout < 0 {
		errs = append(errs, errors.New("http.timeout must not be negative"))
	}
	return errors.Join(errs...)
}

// LogLevel returns the parsed log level.
func (c *Config) LogLevel() log.LogLevel {
	lvl, _ := log.ParseLevel(c.Log.Level)
	return lvl
}
