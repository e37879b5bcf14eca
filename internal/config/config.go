package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the top-level configuration for shipdoc.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	OCR        OCRConfig        `yaml:"ocr" mapstructure:"ocr"`
	Extract    ExtractConfig    `yaml:"extract" mapstructure:"extract"`
	Classify   ClassifyConfig   `yaml:"classify" mapstructure:"classify"`
	Container  ContainerConfig  `yaml:"container" mapstructure:"container"`
	Ingest     IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
	Blob       BlobConfig       `yaml:"blob" mapstructure:"blob"`
	Notify     NotifyConfig     `yaml:"notify" mapstructure:"notify"`
	Resilience ResilienceConfig `yaml:"resilience" mapstructure:"resilience"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig selects the record store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig configures the vision extraction tier.
type AnthropicConfig struct {
	Key       string  `yaml:"key" mapstructure:"key"`
	Model     string  `yaml:"model" mapstructure:"model"`
	MaxTokens int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	MaxPages  int     `yaml:"max_pages" mapstructure:"max_pages"`
	RPS       float64 `yaml:"rps" mapstructure:"rps"`
}

// OCRConfig configures the text layer and OCR tiers.
type OCRConfig struct {
	Provider      string `yaml:"provider" mapstructure:"provider"`
	PdfToTextPath string `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
	PdfToPPMPath  string `yaml:"pdftoppm_path" mapstructure:"pdftoppm_path"`
	TesseractPath string `yaml:"tesseract_path" mapstructure:"tesseract_path"`
	Language      string `yaml:"language" mapstructure:"language"`
	DPI           int    `yaml:"dpi" mapstructure:"dpi"`
	MaxPages      int    `yaml:"max_pages" mapstructure:"max_pages"`
	MinChars      int    `yaml:"min_chars" mapstructure:"min_chars"`
	MistralKey    string `yaml:"mistral_api_key" mapstructure:"mistral_api_key"`
	MistralModel  string `yaml:"mistral_ocr_model" mapstructure:"mistral_ocr_model"`
}

// ExtractConfig bounds the wall-clock time of each extraction tier.
type ExtractConfig struct {
	TextTimeoutSecs   int     `yaml:"text_timeout_secs" mapstructure:"text_timeout_secs"`
	OCRTimeoutSecs    int     `yaml:"ocr_timeout_secs" mapstructure:"ocr_timeout_secs"`
	VisionTimeoutSecs int     `yaml:"vision_timeout_secs" mapstructure:"vision_timeout_secs"`
	VisionConfidence  float64 `yaml:"vision_confidence" mapstructure:"vision_confidence"`
}

// ClassifyConfig holds the confidence bands assigned to pattern matches.
type ClassifyConfig struct {
	RulesPath          string  `yaml:"rules_path" mapstructure:"rules_path"`
	LabeledConfidence  float64 `yaml:"labeled_confidence" mapstructure:"labeled_confidence"`
	FallbackConfidence float64 `yaml:"fallback_confidence" mapstructure:"fallback_confidence"`
	MaxConfidence      float64 `yaml:"max_confidence" mapstructure:"max_confidence"`
}

// ContainerConfig tunes container deduplication.
type ContainerConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold" mapstructure:"similarity_threshold"`
}

// IngestConfig holds pipeline-level knobs.
type IngestConfig struct {
	PendingTTLMins       int     `yaml:"pending_ttl_mins" mapstructure:"pending_ttl_mins"`
	ReviewTTLHours       int     `yaml:"review_ttl_hours" mapstructure:"review_ttl_hours"`
	LowConfidenceWarning float64 `yaml:"low_confidence_warning" mapstructure:"low_confidence_warning"`
	SweepIntervalSecs    int     `yaml:"sweep_interval_secs" mapstructure:"sweep_interval_secs"`
	Concurrency          int     `yaml:"concurrency" mapstructure:"concurrency"`
}

// BlobConfig configures the document blob store.
type BlobConfig struct {
	Dir        string `yaml:"dir" mapstructure:"dir"`
	SigningKey string `yaml:"signing_key" mapstructure:"signing_key"`
	BaseURL    string `yaml:"base_url" mapstructure:"base_url"`
	URLTTLSecs int    `yaml:"url_ttl_secs" mapstructure:"url_ttl_secs"`
}

// NotifyConfig selects the notification sink.
type NotifyConfig struct {
	Provider       string `yaml:"provider" mapstructure:"provider"`
	TelegramToken  string `yaml:"telegram_token" mapstructure:"telegram_token"`
	TelegramChatID string `yaml:"telegram_chat_id" mapstructure:"telegram_chat_id"`
	WebhookURL     string `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// ResilienceConfig configures retries and circuit breakers around the
// OCR and vision engines.
type ResilienceConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// ServerConfig configures the HTTP adapter.
type ServerConfig struct {
	Port            int  `yaml:"port" mapstructure:"port"`
	AllowAllOrigins bool `yaml:"allow_all_origins" mapstructure:"allow_all_origins"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads config.yaml from the working directory (if present), overlays
// SHIPDOC_* environment variables and applies defaults.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("SHIPDOC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "shipdoc.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("anthropic.max_pages", 3)
	v.SetDefault("anthropic.rps", 2)
	v.SetDefault("ocr.provider", "tesseract")
	v.SetDefault("ocr.pdftotext_path", "pdftotext")
	v.SetDefault("ocr.pdftoppm_path", "pdftoppm")
	v.SetDefault("ocr.tesseract_path", "tesseract")
	v.SetDefault("ocr.language", "eng+spa")
	v.SetDefault("ocr.dpi", 300)
	v.SetDefault("ocr.max_pages", 3)
	v.SetDefault("ocr.min_chars", 50)
	v.SetDefault("ocr.mistral_ocr_model", "mistral-ocr-latest")
	v.SetDefault("extract.text_timeout_secs", 15)
	v.SetDefault("extract.ocr_timeout_secs", 60)
	v.SetDefault("extract.vision_timeout_secs", 90)
	v.SetDefault("extract.vision_confidence", 0.85)
	v.SetDefault("classify.labeled_confidence", 0.9)
	v.SetDefault("classify.fallback_confidence", 0.7)
	v.SetDefault("classify.max_confidence", 0.95)
	v.SetDefault("container.similarity_threshold", 0.9)
	v.SetDefault("ingest.pending_ttl_mins", 30)
	v.SetDefault("ingest.review_ttl_hours", 72)
	v.SetDefault("ingest.low_confidence_warning", 0.75)
	v.SetDefault("ingest.sweep_interval_secs", 60)
	v.SetDefault("ingest.concurrency", 4)
	v.SetDefault("blob.dir", "data/blobs")
	v.SetDefault("blob.url_ttl_secs", 3600)
	v.SetDefault("blob.base_url", "http://localhost:8080")
	v.SetDefault("notify.provider", "none")
	v.SetDefault("resilience.max_attempts", 3)
	v.SetDefault("resilience.initial_backoff_ms", 500)
	v.SetDefault("resilience.max_backoff_ms", 10000)
	v.SetDefault("resilience.failure_threshold", 5)
	v.SetDefault("resilience.reset_timeout_secs", 60)

	// Secrets have no defaults; bind them so env-only setups unmarshal.
	for _, key := range []string{
		"anthropic.key",
		"ocr.mistral_api_key",
		"blob.signing_key",
		"notify.telegram_token",
		"notify.telegram_chat_id",
		"notify.webhook_url",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", key)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on. Modes are
// "ingest", "serve" and "store".
func (c *Config) Validate(mode string) error {
	var problems []string

	switch mode {
	case "store":
		problems = append(problems, c.validateStore()...)
	case "ingest":
		problems = append(problems, c.validateStore()...)
		problems = append(problems, c.validatePipeline()...)
	case "serve":
		problems = append(problems, c.validateStore()...)
		problems = append(problems, c.validatePipeline()...)
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
		if c.Blob.SigningKey == "" {
			problems = append(problems, "blob.signing_key is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	var problems []string
	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q must be postgres or sqlite", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required")
	}
	return problems
}

func (c *Config) validatePipeline() []string {
	var problems []string
	inUnit := func(name string, v float64) {
		if v < 0 || v > 1 {
			problems = append(problems, fmt.Sprintf("%s must be between 0 and 1", name))
		}
	}
	inUnit("classify.labeled_confidence", c.Classify.LabeledConfidence)
	inUnit("classify.fallback_confidence", c.Classify.FallbackConfidence)
	inUnit("classify.max_confidence", c.Classify.MaxConfidence)
	inUnit("extract.vision_confidence", c.Extract.VisionConfidence)
	inUnit("ingest.low_confidence_warning", c.Ingest.LowConfidenceWarning)
	if c.Container.SimilarityThreshold <= 0 || c.Container.SimilarityThreshold > 1 {
		problems = append(problems, "container.similarity_threshold must be in (0, 1]")
	}
	if c.Ingest.PendingTTLMins < 30 {
		problems = append(problems, "ingest.pending_ttl_mins must be >= 30")
	}
	if c.Ingest.Concurrency < 1 || c.Ingest.Concurrency > 32 {
		problems = append(problems, "ingest.concurrency must be between 1 and 32")
	}
	return problems
}

// InitLogger builds the global zap logger.
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
