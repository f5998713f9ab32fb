package main

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the notesync configuration. Values come from defaults, then
// the optional YAML file, then environment overrides.
type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	ChangeFeed ChangeFeedConfig `yaml:"change_feed"`
	Qdrant     QdrantConfig     `yaml:"qdrant"`
	Provider   string           `yaml:"provider"` // ollama, openai
	Ollama     OllamaConfig     `yaml:"ollama"`
	OpenAI     OpenAIConfig     `yaml:"openai"`
	RAG        RAGConfig        `yaml:"rag"`
	NATS       NATSConfig       `yaml:"nats"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            string        `yaml:"port"`
	CORSOrigin      string        `yaml:"cors_origin"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	SearchRPS       float64       `yaml:"search_rps"` // 0 disables the limiter
	SearchBurst     int           `yaml:"search_burst"`
}

// PostgresConfig holds the record store connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DB       string `yaml:"db"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN renders the connection URL.
func (p PostgresConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     net.JoinHostPort(p.Host, p.Port),
		Path:     "/" + p.DB,
		RawQuery: "sslmode=" + url.QueryEscape(p.SSLMode),
	}
	return u.String()
}

// ChangeFeedConfig holds change capture settings.
type ChangeFeedConfig struct {
	Table          string        `yaml:"table"`
	Channel        string        `yaml:"channel"`
	CaptureDeletes bool          `yaml:"capture_deletes"`
	Backfill       bool          `yaml:"backfill"` // index existing rows on startup
	PollInterval   time.Duration `yaml:"poll_interval"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
	MaxReconnects  int           `yaml:"max_reconnects"`
}

// QdrantConfig holds vector index settings.
type QdrantConfig struct {
	Host       string `yaml:"host"`
	Port       string `yaml:"port"`
	Collection string `yaml:"collection"`
	Dimensions int    `yaml:"dimensions"`
}

// Addr is the gRPC address.
func (q QdrantConfig) Addr() string { return net.JoinHostPort(q.Host, q.Port) }

// OllamaConfig holds Ollama settings.
type OllamaConfig struct {
	URL           string        `yaml:"url"`
	EmbedModel    string        `yaml:"embed_model"`
	GenerateModel string        `yaml:"generate_model"`
	Timeout       time.Duration `yaml:"timeout"`
}

// OpenAIConfig holds OpenAI-compatible provider settings.
type OpenAIConfig struct {
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	EmbedModel string `yaml:"embed_model"`
	ChatModel  string `yaml:"chat_model"`
}

// RAGConfig holds query pipeline settings.
type RAGConfig struct {
	DefaultTopK       int           `yaml:"default_top_k"`
	MaxTopK           int           `yaml:"max_top_k"`
	MaxContextChars   int           `yaml:"max_context_chars"`
	GenerationTimeout time.Duration `yaml:"generation_timeout"`
}

// NATSConfig holds dead-letter settings. An empty URL disables dead letters.
type NATSConfig struct {
	URL        string `yaml:"url"`
	Subject    string `yaml:"subject"`
	Replay     bool   `yaml:"replay"`
	MaxReplays int    `yaml:"max_replays"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

func defaultConfig() Config {
	return Config{
		HTTP: HTTPConfig{
			Port:            "8000",
			CORSOrigin:      "*",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			SearchRPS:       10,
			SearchBurst:     20,
		},
		Postgres: PostgresConfig{
			Host:    "localhost",
			Port:    "5432",
			User:    "postgres",
			DB:      "postgres",
			SSLMode: "disable",
		},
		ChangeFeed: ChangeFeedConfig{
			Table:          "Notes",
			Channel:        "note_changes",
			PollInterval:   5 * time.Second,
			HandlerTimeout: 30 * time.Second,
			MaxReconnects:  10,
		},
		Qdrant: QdrantConfig{
			Host:       "localhost",
			Port:       "6334",
			Collection: "notes",
			Dimensions: 768,
		},
		Provider: "ollama",
		Ollama: OllamaConfig{
			URL:     "http://localhost:11434",
			Timeout: 30 * time.Second,
		},
		RAG: RAGConfig{
			DefaultTopK:       5,
			MaxTopK:           50,
			GenerationTimeout: 30 * time.Second,
		},
		NATS:    NATSConfig{Subject: "notesync.changes.dlq"},
		Logging: LoggingConfig{Level: "info"},
	}
}

// loadConfig builds the configuration. path may be empty.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.HTTP.Port = envOr("PORT", c.HTTP.Port)
	c.HTTP.CORSOrigin = envOr("CORS_ORIGIN", c.HTTP.CORSOrigin)

	c.Postgres.Host = envOr("POSTGRES_HOST", c.Postgres.Host)
	c.Postgres.Port = envOr("POSTGRES_PORT", c.Postgres.Port)
	c.Postgres.User = envOr("POSTGRES_USER", c.Postgres.User)
	c.Postgres.Password = envOr("POSTGRES_PASSWORD", c.Postgres.Password)
	c.Postgres.DB = envOr("POSTGRES_DB", c.Postgres.DB)
	c.ChangeFeed.CaptureDeletes = envBool("CAPTURE_DELETES", c.ChangeFeed.CaptureDeletes)
	c.ChangeFeed.Backfill = envBool("BACKFILL", c.ChangeFeed.Backfill)

	c.Qdrant.Host = envOr("QDRANT_HOST", c.Qdrant.Host)
	c.Qdrant.Port = envOr("QDRANT_PORT", c.Qdrant.Port)
	c.Qdrant.Collection = envOr("QDRANT_COLLECTION", c.Qdrant.Collection)
	c.Qdrant.Dimensions = envInt("EMBEDDING_DIMENSIONS", c.Qdrant.Dimensions)

	c.Provider = envOr("PROVIDER", c.Provider)
	c.Ollama.URL = envOr("OLLAMA_API_URL", c.Ollama.URL)
	c.Ollama.EmbedModel = envOr("OLLAMA_EMBED_MODEL", c.Ollama.EmbedModel)
	c.Ollama.GenerateModel = envOr("OLLAMA_MODEL", c.Ollama.GenerateModel)
	c.OpenAI.APIKey = envOr("OPENAI_API_KEY", c.OpenAI.APIKey)
	c.OpenAI.BaseURL = envOr("OPENAI_BASE_URL", c.OpenAI.BaseURL)
	c.OpenAI.EmbedModel = envOr("OPENAI_EMBED_MODEL", c.OpenAI.EmbedModel)
	c.OpenAI.ChatModel = envOr("OPENAI_CHAT_MODEL", c.OpenAI.ChatModel)

	c.RAG.MaxContextChars = envInt("MAX_CONTEXT_CHARS", c.RAG.MaxContextChars)
	c.NATS.URL = envOr("NATS_URL", c.NATS.URL)
	c.Logging.Level = envOr("LOG_LEVEL", c.Logging.Level)
}

func (c Config) validate() error {
	switch c.Provider {
	case "ollama":
	case "openai":
		if c.OpenAI.APIKey == "" && c.OpenAI.BaseURL == "" {
			return fmt.Errorf("provider openai requires api_key or base_url")
		}
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	if c.Qdrant.Dimensions <= 0 {
		return fmt.Errorf("qdrant.dimensions must be positive")
	}
	if c.RAG.DefaultTopK <= 0 {
		return fmt.Errorf("rag.default_top_k must be positive")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	}
	return fallback
}
