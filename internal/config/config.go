package config

import (
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Data      DataConfig      `yaml:"data" mapstructure:"data"`
	LLM       LLMConfig       `yaml:"llm" mapstructure:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding" mapstructure:"embedding"`
	Fusion    FusionConfig    `yaml:"fusion" mapstructure:"fusion"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the Postgres backend.
type StoreConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// DataConfig holds the on-disk layout: report roots, the extracted-JSON
// artifact tree, checkpoints, and lock files.
type DataConfig struct {
	AnnualReportsDir   string `yaml:"annual_reports_dir" mapstructure:"annual_reports_dir"`
	ResearchReportsDir string `yaml:"research_reports_dir" mapstructure:"research_reports_dir"`
	ExtractedDir       string `yaml:"extracted_dir" mapstructure:"extracted_dir"`
	CheckpointDir      string `yaml:"checkpoint_dir" mapstructure:"checkpoint_dir"`
	LockDir            string `yaml:"lock_dir" mapstructure:"lock_dir"`
}

// LLMConfig holds Anthropic extraction settings.
type LLMConfig struct {
	Key                string `yaml:"key" mapstructure:"key"`
	Model              string `yaml:"model" mapstructure:"model"`
	PromptVersion      string `yaml:"prompt_version" mapstructure:"prompt_version"`
	TimeoutSecs        int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"`
	MaxContentChars    int    `yaml:"max_content_chars" mapstructure:"max_content_chars"`
}

// EmbeddingConfig holds the Qwen embedding service settings.
type EmbeddingConfig struct {
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	Key           string `yaml:"key" mapstructure:"key"`
	Model         string `yaml:"model" mapstructure:"model"`
	Dimension     int    `yaml:"dimension" mapstructure:"dimension"`
	MaxBatchSize  int    `yaml:"max_batch_size" mapstructure:"max_batch_size"`
	MaxTextLength int    `yaml:"max_text_length" mapstructure:"max_text_length"`
	TimeoutSecs   int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// FusionConfig tunes the master-data fusion stage.
type FusionConfig struct {
	MaxSourceSentences int `yaml:"max_source_sentences" mapstructure:"max_source_sentences"`
	MaxRetries         int `yaml:"max_retries" mapstructure:"max_retries"`
	RetryBaseDelayMs   int `yaml:"retry_base_delay_ms" mapstructure:"retry_base_delay_ms"`
}

// PipelineConfig tunes the orchestrator.
type PipelineConfig struct {
	MaxConcurrent   int `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	LockTimeoutSecs int `yaml:"lock_timeout_secs" mapstructure:"lock_timeout_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ASHARE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.max_conns", 20)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("data.annual_reports_dir", "data/annual_reports")
	v.SetDefault("data.research_reports_dir", "data/research_reports")
	v.SetDefault("data.extracted_dir", "data/extracted")
	v.SetDefault("data.checkpoint_dir", "data/temp/checkpoints")
	v.SetDefault("data.lock_dir", "data/temp/locks")
	v.SetDefault("llm.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("llm.prompt_version", "v1.2")
	v.SetDefault("llm.timeout_secs", 180)
	v.SetDefault("llm.rate_limit_per_minute", 60)
	v.SetDefault("llm.max_content_chars", 120000)
	v.SetDefault("embedding.base_url", "http://localhost:9547")
	v.SetDefault("embedding.model", "Qwen3-Embedding-4B")
	v.SetDefault("embedding.dimension", 2560)
	v.SetDefault("embedding.max_batch_size", 50)
	v.SetDefault("embedding.max_text_length", 1000)
	v.SetDefault("embedding.timeout_secs", 300)
	v.SetDefault("fusion.max_source_sentences", 20)
	v.SetDefault("fusion.max_retries", 3)
	v.SetDefault("fusion.retry_base_delay_ms", 100)
	v.SetDefault("pipeline.max_concurrent", 5)
	v.SetDefault("pipeline.lock_timeout_secs", 30)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	// ErrorUnused turns misspelled or unknown keys into a load error
	// instead of silently dropping them.
	var cfg Config
	strict := func(dc *mapstructure.DecoderConfig) { dc.ErrorUnused = true }
	if err := v.Unmarshal(&cfg, strict); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the fields a command mode depends on. Modes: "run"
// (full pipeline), "vectors" (embedding work only), "db" (migrate,
// stats, clears).
func (c *Config) Validate(mode string) error {
	var problems []string

	need := func(val, name string) {
		if val == "" {
			problems = append(problems, name+" is required")
		}
	}

	switch mode {
	case "run":
		need(c.Store.DatabaseURL, "store.database_url")
		need(c.LLM.Key, "llm.key")
		need(c.Embedding.BaseURL, "embedding.base_url")
		if c.Data.AnnualReportsDir == "" && c.Data.ResearchReportsDir == "" {
			problems = append(problems, "at least one of data.annual_reports_dir or data.research_reports_dir is required")
		}
	case "vectors":
		need(c.Store.DatabaseURL, "store.database_url")
		need(c.Embedding.BaseURL, "embedding.base_url")
	case "db":
		need(c.Store.DatabaseURL, "store.database_url")
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Pipeline.MaxConcurrent < 1 || c.Pipeline.MaxConcurrent > 50 {
		problems = append(problems, "pipeline.max_concurrent must be between 1 and 50")
	}
	if mode != "db" && c.Embedding.Dimension <= 0 {
		problems = append(problems, "embedding.dimension must be > 0")
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
