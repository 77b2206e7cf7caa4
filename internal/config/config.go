package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port   string `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`

	// Worker pool
	WorkerCount     int           `mapstructure:"worker_count"`
	MaxQueueSize    int           `mapstructure:"max_queue_size"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	LockTimeout     time.Duration `mapstructure:"lock_timeout"`
	RequeueInterval time.Duration `mapstructure:"requeue_interval"`
	JobTimeout      time.Duration `mapstructure:"job_timeout"`
	JobTTL          time.Duration `mapstructure:"job_ttl"`

	// Job store
	DatabaseDriver string `mapstructure:"database_driver"`
	DatabaseURL    string `mapstructure:"database_url"`

	// Queue
	QueueBackend  string `mapstructure:"queue_backend"`
	RedisURL      string `mapstructure:"redis_url"`
	RedisQueueKey string `mapstructure:"redis_queue_key"`

	// Blob storage
	StorageBackend     string `mapstructure:"storage_backend"`
	LocalStorageDir    string `mapstructure:"local_storage_dir"`
	COSEndpoint        string `mapstructure:"cos_endpoint"`
	COSRegion          string `mapstructure:"cos_region"`
	COSBucket          string `mapstructure:"cos_bucket"`
	AWSAccessKeyID     string `mapstructure:"aws_access_key_id"`
	AWSSecretAccessKey string `mapstructure:"aws_secret_access_key"`

	// LLM
	LLMProvider     string `mapstructure:"llm_provider"`
	AnthropicAPIKey string `mapstructure:"anthropic_api_key"`
	AnthropicModel  string `mapstructure:"anthropic_model"`
	OpenAIAPIKey    string `mapstructure:"openai_api_key"`
	OpenAIModel     string `mapstructure:"openai_model"`
	OpenAIBaseURL   string `mapstructure:"openai_base_url"`
	LLMConcurrency  int    `mapstructure:"llm_concurrency"`

	// LaTeX
	LatexTimeout  time.Duration `mapstructure:"latex_timeout"`
	LatexMaxDepth int           `mapstructure:"latex_max_depth"`
	MaxLatexChars int           `mapstructure:"max_latex_chars"`

	PDFRenderScale float64 `mapstructure:"pdf_render_scale"`

	ArxivBaseURL string `mapstructure:"arxiv_base_url"`
	ArxivAPIURL  string `mapstructure:"arxiv_api_url"`

	// Upload limits
	MaxUploadBytes int64 `mapstructure:"max_upload_bytes"`

	// UseInMemoryBackends forces the memory store, queue and storage.
	UseInMemoryBackends bool `mapstructure:"use_in_memory_backends"`
}

var defaults = map[string]any{
	"port":    "8090",
	"api_key": "",

	"worker_count":     4,
	"max_queue_size":   100,
	"poll_interval":    2 * time.Second,
	"lock_timeout":     5 * time.Minute,
	"requeue_interval": time.Minute,
	"job_timeout":      30 * time.Minute,
	"job_ttl":          time.Hour,

	"database_driver": "memory",
	"database_url":    "",

	"queue_backend":   "memory",
	"redis_url":       "redis://localhost:6379/0",
	"redis_queue_key": "lumi:jobs",

	"storage_backend":       "memory",
	"local_storage_dir":     "./data",
	"cos_endpoint":          "",
	"cos_region":            "",
	"cos_bucket":            "",
	"aws_access_key_id":     "",
	"aws_secret_access_key": "",

	"llm_provider":      "anthropic",
	"anthropic_api_key": "",
	"anthropic_model":   "claude-sonnet-4-5",
	"openai_api_key":    "",
	"openai_model":      "gpt-4.1",
	"openai_base_url":   "",
	"llm_concurrency":   4,

	"latex_timeout":   30 * time.Second,
	"latex_max_depth": 10,
	"max_latex_chars": 400000,

	"pdf_render_scale": 2.0,

	"arxiv_base_url": "https://arxiv.org",
	"arxiv_api_url":  "https://export.arxiv.org/api/query",

	"max_upload_bytes": int64(52428800), // 50MB

	"use_in_memory_backends": false,
}

// Load reads defaults, then the optional YAML file at path, then the
// environment. Environment keys are the upper-cased field keys (PORT,
// WORKER_COUNT, ...).
func Load(path string) (Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyFloors()
	if cfg.UseInMemoryBackends {
		cfg.DatabaseDriver = "memory"
		cfg.QueueBackend = "memory"
		cfg.StorageBackend = "memory"
	}
	return cfg, nil
}

func (c *Config) applyFloors() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 100
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 5 * time.Minute
	}
	if c.RequeueInterval <= 0 {
		c.RequeueInterval = time.Minute
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 30 * time.Minute
	}
	if c.JobTTL <= 0 {
		c.JobTTL = time.Hour
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = 52428800
	}
	if c.PDFRenderScale <= 0 {
		c.PDFRenderScale = 2
	}
	if c.LLMConcurrency <= 0 {
		c.LLMConcurrency = 4
	}
}

func (c Config) Validate() error {
	switch c.DatabaseDriver {
	case "memory":
	case "sqlite", "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for driver %q", c.DatabaseDriver)
		}
	default:
		return fmt.Errorf("unknown DATABASE_DRIVER %q", c.DatabaseDriver)
	}

	switch c.QueueBackend {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for the redis queue")
		}
	default:
		return fmt.Errorf("unknown QUEUE_BACKEND %q", c.QueueBackend)
	}

	switch c.StorageBackend {
	case "memory":
	case "local":
		if c.LocalStorageDir == "" {
			return fmt.Errorf("LOCAL_STORAGE_DIR is required for local storage")
		}
	case "s3":
		if c.COSBucket == "" {
			return fmt.Errorf("COS_BUCKET is required for s3 storage")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}

	switch c.LLMProvider {
	case "anthropic":
		if c.AnthropicAPIKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY is required")
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required")
		}
	default:
		return fmt.Errorf("unknown LLM_PROVIDER %q", c.LLMProvider)
	}
	return nil
}
