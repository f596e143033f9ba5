package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DriverChromem  = "chromem"
	DriverPgvector = "pgvector"

	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

type Config struct {
	Log       LogConfig       `yaml:"log"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Extractor ExtractorConfig `yaml:"extractor"`
	Index     IndexConfig     `yaml:"index"`
	Store     StoreConfig     `yaml:"store"`
	Embed     EmbedConfig     `yaml:"embed"`
	Cache     CacheConfig     `yaml:"cache"`
	Chat      ChatConfig      `yaml:"chat"`
	RAG       RAGConfig       `yaml:"rag"`
	HTTP      HTTPConfig      `yaml:"http"`
	GoogleKey string          `yaml:"google_api_key"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type IngestConfig struct {
	PDFDir        string `yaml:"pdf_dir"`
	DPI           int    `yaml:"dpi"`
	StripMarkdown bool   `yaml:"strip_markdown"`
}

type ExtractorConfig struct {
	Model             string        `yaml:"model"`
	MaxRetries        int           `yaml:"max_retries"`
	Delay             time.Duration `yaml:"delay"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
}

type IndexConfig struct {
	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`
	BatchSize    int `yaml:"batch_size"`
}

// StoreConfig selects the vector store. Path is used by chromem, DSN by pgvector.
type StoreConfig struct {
	Driver        string `yaml:"driver"`
	Path          string `yaml:"path"`
	Collection    string `yaml:"collection"`
	Compress      bool   `yaml:"compress"`
	EncryptionKey string `yaml:"encryption_key"`
	DSN           string `yaml:"dsn"`
	Dimensions    int    `yaml:"dimensions"`
	Debug         bool   `yaml:"debug"`
}

type EmbedConfig struct {
	Provider      string `yaml:"provider"`
	BaseURL       string `yaml:"base_url"`
	Model         string `yaml:"model"`
	Key           string `yaml:"key"`
	QueryPrefix   string `yaml:"query_prefix"`
	PassagePrefix string `yaml:"passage_prefix"`
}

// CacheConfig enables the redis embedding cache when RedisAddr is set.
type CacheConfig struct {
	RedisAddr string        `yaml:"redis_addr"`
	Password  string        `yaml:"password"`
	TTL       time.Duration `yaml:"ttl"`
}

type ChatConfig struct {
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Breaker     BreakerConfig `yaml:"breaker"`
}

type BreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

type RAGConfig struct {
	TopK          int     `yaml:"top_k"`
	MinSimilarity float32 `yaml:"min_similarity"`
}

type HTTPConfig struct {
	Addr          string        `yaml:"addr"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	ShutdownAfter time.Duration `yaml:"shutdown_timeout"`
}

// LoadConfig reads the YAML file at path. A missing file yields defaults.
// Environment overrides are applied last.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	applyDefaults(cfg)
	applyEnv(cfg)
	return cfg, nil
}

func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Ingest: IngestConfig{
			PDFDir: "assets",
			DPI:    96,
		},
		Extractor: ExtractorConfig{
			Model:      "gemini-2.5-flash",
			MaxRetries: 5,
			Delay:      3 * time.Second,
		},
		Index: IndexConfig{
			ChunkSize:    1000,
			ChunkOverlap: 100,
			BatchSize:    32,
		},
		Store: StoreConfig{
			Driver:     DriverChromem,
			Path:       "data/chroma_db",
			Collection: "egyptian_tax_law",
			Dimensions: 768,
		},
		Embed: EmbedConfig{
			Provider: ProviderOllama,
			BaseURL:  "http://localhost:11434",
			Model:    "multilingual-e5-base",
		},
		Cache: CacheConfig{TTL: 7 * 24 * time.Hour},
		Chat: ChatConfig{
			Model:       "gemini-2.5-flash",
			Temperature: 0.3,
			MaxTokens:   2048,
			Breaker: BreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				OpenTimeout: 60 * time.Second,
			},
		},
		RAG: RAGConfig{TopK: 5},
		HTTP: HTTPConfig{
			Addr:          ":8080",
			ReadTimeout:   15 * time.Second,
			WriteTimeout:  120 * time.Second,
			ShutdownAfter: 10 * time.Second,
		},
	}
}

// applyDefaults fills zero values left by a partial config file.
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Ingest.DPI <= 0 {
		cfg.Ingest.DPI = def.Ingest.DPI
	}
	if cfg.Extractor.Model == "" {
		cfg.Extractor.Model = def.Extractor.Model
	}
	if cfg.Extractor.MaxRetries <= 0 {
		cfg.Extractor.MaxRetries = def.Extractor.MaxRetries
	}
	if cfg.Extractor.Delay <= 0 {
		cfg.Extractor.Delay = def.Extractor.Delay
	}
	if cfg.Index.BatchSize <= 0 {
		cfg.Index.BatchSize = def.Index.BatchSize
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = def.Store.Driver
	}
	if cfg.Store.Collection == "" {
		cfg.Store.Collection = def.Store.Collection
	}
	if cfg.Store.Dimensions <= 0 {
		cfg.Store.Dimensions = def.Store.Dimensions
	}
	if cfg.Embed.Provider == "" {
		cfg.Embed.Provider = def.Embed.Provider
	}
	if cfg.Embed.Model == "" {
		cfg.Embed.Model = def.Embed.Model
	}
	if cfg.Chat.Model == "" {
		cfg.Chat.Model = def.Chat.Model
	}
	if cfg.Chat.MaxTokens <= 0 {
		cfg.Chat.MaxTokens = def.Chat.MaxTokens
	}
	if cfg.Chat.Breaker.MaxFailures == 0 {
		cfg.Chat.Breaker.MaxFailures = def.Chat.Breaker.MaxFailures
	}
	if cfg.Chat.Breaker.OpenTimeout <= 0 {
		cfg.Chat.Breaker.OpenTimeout = def.Chat.Breaker.OpenTimeout
	}
	if cfg.RAG.TopK <= 0 {
		cfg.RAG.TopK = def.RAG.TopK
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = def.HTTP.Addr
	}
	if cfg.HTTP.ReadTimeout <= 0 {
		cfg.HTTP.ReadTimeout = def.HTTP.ReadTimeout
	}
	if cfg.HTTP.WriteTimeout <= 0 {
		cfg.HTTP.WriteTimeout = def.HTTP.WriteTimeout
	}
	if cfg.HTTP.ShutdownAfter <= 0 {
		cfg.HTTP.ShutdownAfter = def.HTTP.ShutdownAfter
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("GOOGLE_API_KEY"); v != "" {
		cfg.GoogleKey = v
	}
	if v := os.Getenv("TAXRAG_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("TAXRAG_DATABASE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("TAXRAG_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("TAXRAG_EMBED_BASE_URL"); v != "" {
		cfg.Embed.BaseURL = v
	}
	if v := os.Getenv("TAXRAG_EMBED_KEY"); v != "" {
		cfg.Embed.Key = v
	}
}

// StoreLocation is the path or DSN the configured driver opens.
func (c *Config) StoreLocation() string {
	if c.Store.Driver == DriverPgvector {
		return c.Store.DSN
	}
	return c.Store.Path
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverChromem, DriverPgvector:
	default:
		return fmt.Errorf("store.driver: unsupported driver %q", c.Store.Driver)
	}
	switch c.Embed.Provider {
	case ProviderOllama, ProviderOpenAI:
	default:
		return fmt.Errorf("embed.provider: unsupported provider %q", c.Embed.Provider)
	}
	if strings.TrimSpace(c.StoreLocation()) == "" {
		return fmt.Errorf("store: location for driver %q is empty", c.Store.Driver)
	}
	if c.Index.ChunkSize <= 0 {
		return fmt.Errorf("index.chunk_size must be positive, got %d", c.Index.ChunkSize)
	}
	if c.Index.ChunkOverlap < 0 {
		return fmt.Errorf("index.chunk_overlap must be non-negative, got %d", c.Index.ChunkOverlap)
	}
	if c.Chat.Temperature < 0 || c.Chat.Temperature > 2 {
		return fmt.Errorf("chat.temperature out of range: %v", c.Chat.Temperature)
	}
	if c.RAG.MinSimilarity < -1 || c.RAG.MinSimilarity > 1 {
		return fmt.Errorf("rag.min_similarity out of range: %v", c.RAG.MinSimilarity)
	}
	return nil
}
