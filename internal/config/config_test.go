package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "shipdoc.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "tesseract", cfg.OCR.Provider)
	assert.Equal(t, "pdftotext", cfg.OCR.PdfToTextPath)
	assert.Equal(t, 3, cfg.OCR.MaxPages)
	assert.Equal(t, 50, cfg.OCR.MinChars)
	assert.Equal(t, 3, cfg.Anthropic.MaxPages)
	assert.Equal(t, int64(4096), cfg.Anthropic.MaxTokens)
	assert.InDelta(t, 0.85, cfg.Extract.VisionConfidence, 0.001)
	assert.InDelta(t, 0.9, cfg.Classify.LabeledConfidence, 0.001)
	assert.InDelta(t, 0.7, cfg.Classify.FallbackConfidence, 0.001)
	assert.InDelta(t, 0.95, cfg.Classify.MaxConfidence, 0.001)
	assert.InDelta(t, 0.9, cfg.Container.SimilarityThreshold, 0.001)
	assert.Equal(t, 30, cfg.Ingest.PendingTTLMins)
	assert.Equal(t, 72, cfg.Ingest.ReviewTTLHours)
	assert.InDelta(t, 0.75, cfg.Ingest.LowConfidenceWarning, 0.001)
	assert.Equal(t, 3600, cfg.Blob.URLTTLSecs)
	assert.Equal(t, "none", cfg.Notify.Provider)
	assert.Equal(t, 3, cfg.Resilience.MaxAttempts)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/shipdoc
log:
  level: debug
  format: console
ocr:
  provider: mistral
ingest:
  pending_ttl_mins: 45
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/shipdoc", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "mistral", cfg.OCR.Provider)
	assert.Equal(t, 45, cfg.Ingest.PendingTTLMins)
	// Defaults still apply for unset values
	assert.Equal(t, 72, cfg.Ingest.ReviewTTLHours)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("SHIPDOC_STORE_DRIVER", "postgres")
	t.Setenv("SHIPDOC_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadSecretsFromEnv(t *testing.T) {
	chdirTemp(t)

	t.Setenv("SHIPDOC_ANTHROPIC_KEY", "sk-ant-test")
	t.Setenv("SHIPDOC_BLOB_SIGNING_KEY", "s3cret")
	t.Setenv("SHIPDOC_NOTIFY_TELEGRAM_CHAT_ID", "-100123")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-test", cfg.Anthropic.Key)
	assert.Equal(t, "s3cret", cfg.Blob.SigningKey)
	assert.Equal(t, "-100123", cfg.Notify.TelegramChatID)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = "shipdoc.db"
	cfg.Classify.LabeledConfidence = 0.9
	cfg.Classify.FallbackConfidence = 0.7
	cfg.Classify.MaxConfidence = 0.95
	cfg.Extract.VisionConfidence = 0.85
	cfg.Container.SimilarityThreshold = 0.9
	cfg.Ingest.PendingTTLMins = 30
	cfg.Ingest.LowConfidenceWarning = 0.75
	cfg.Ingest.Concurrency = 4
	cfg.Server.Port = 8080
	cfg.Blob.SigningKey = "key"
	return cfg
}

func TestValidateServe(t *testing.T) {
	cfg := validDefaults()
	assert.NoError(t, cfg.Validate("serve"))

	cfg.Server.Port = 0
	cfg.Blob.SigningKey = ""
	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
	assert.Contains(t, err.Error(), "blob.signing_key is required")
}

func TestValidateStore(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"
	cfg.Store.DatabaseURL = ""

	err := cfg.Validate("store")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be postgres or sqlite")
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestValidateConfidenceBands(t *testing.T) {
	cfg := validDefaults()
	cfg.Classify.LabeledConfidence = 1.2
	err := cfg.Validate("ingest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "classify.labeled_confidence")

	cfg.Classify.LabeledConfidence = 0.9
	cfg.Container.SimilarityThreshold = 0
	err = cfg.Validate("ingest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "container.similarity_threshold")
}

func TestValidatePendingTTLFloor(t *testing.T) {
	cfg := validDefaults()
	cfg.Ingest.PendingTTLMins = 10
	err := cfg.Validate("ingest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pending_ttl_mins must be >= 30")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
