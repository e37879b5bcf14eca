package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/shipdoc-cli/internal/config"
)

const bookingText = `BOOKING CONFIRMATION
Booking No: BGA0505879
Reference: embarque SHP0065011
M/V PERITO MORENO VOY 0YKATN1MA
POL: Cartagena, Colombia
POD: Puerto Quetzal, Guatemala
ETD: 15-JAN-2025
CMAU0630730 20GP 26963 KG
`

// testConfig returns a config backed by a temp SQLite store and blob dir.
// The text layer is a shell script that prints text; OCR and vision are off.
func testConfig(t *testing.T, text string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	script := filepath.Join(dir, "pdftotext")
	body := "#!/bin/sh\ncat <<'EOF'\n" + text + "EOF\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	return &config.Config{
		Store: config.StoreConfig{
			Driver:      "sqlite",
			DatabaseURL: filepath.Join(dir, "shipdoc.db"),
		},
		OCR: config.OCRConfig{
			Provider:      "none",
			PdfToTextPath: script,
		},
		Container: config.ContainerConfig{SimilarityThreshold: 0.9},
		Ingest: config.IngestConfig{
			PendingTTLMins: 30,
			ReviewTTLHours: 72,
			Concurrency:    2,
		},
		Blob: config.BlobConfig{
			Dir:        filepath.Join(dir, "blobs"),
			SigningKey: "test-key",
			BaseURL:    "http://localhost:8080",
		},
		Server: config.ServerConfig{Port: 8080},
	}
}

func TestShipdocEnv_Close_Nil(t *testing.T) {
	env := &shipdocEnv{}
	assert.NotPanics(t, func() { env.Close() })
}

func TestInitEnv_SQLite(t *testing.T) {
	cfg = testConfig(t, bookingText)

	env, err := initEnv(context.Background(), "serve")
	require.NoError(t, err)
	defer env.Close()

	assert.NotNil(t, env.Store)
	assert.NotNil(t, env.Blobs)
	assert.NotNil(t, env.Service)
	assert.NotNil(t, env.Service.Queue())
}

func TestInitEnv_InvalidConfig(t *testing.T) {
	cfg = testConfig(t, bookingText)
	cfg.Store.Driver = "mysql"

	env, err := initEnv(context.Background(), "ingest")
	assert.Nil(t, env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver")
}

func TestInitEnv_ServeRequiresSigningKey(t *testing.T) {
	cfg = testConfig(t, bookingText)
	cfg.Blob.SigningKey = ""

	_, err := initEnv(context.Background(), "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blob.signing_key")
}

func TestInitEnv_UnknownNotifier(t *testing.T) {
	cfg = testConfig(t, bookingText)
	cfg.Notify.Provider = "pager"

	_, err := initEnv(context.Background(), "ingest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown provider "pager"`)
}

func TestInitExtractor_UnknownOCR(t *testing.T) {
	cfg = testConfig(t, bookingText)
	cfg.OCR.Provider = "abbyy"

	_, err := initExtractor()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown provider "abbyy"`)
}
