// Package ocr wraps the engines that turn PDF bytes into plain text: the
// pdftotext text layer and the raster OCR engines (tesseract or Mistral).
package ocr

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"

	"github.com/sells-group/shipdoc-cli/internal/config"
)

// Engine extracts plain text from a PDF.
type Engine interface {
	Name() string
	ExtractText(ctx context.Context, pdf []byte) (string, error)
}

// NewTextLayer returns the pdftotext engine used for the text-layer tier.
func NewTextLayer(cfg config.OCRConfig) Engine {
	return NewPdfToText(cfg.PdfToTextPath)
}

// NewEngine returns the raster OCR engine selected by cfg.Provider. It
// returns a nil Engine for provider "none" so callers can skip the tier.
func NewEngine(cfg config.OCRConfig) (Engine, error) {
	switch cfg.Provider {
	case "tesseract", "":
		return NewTesseract(cfg), nil
	case "mistral":
		if cfg.MistralKey == "" {
			return nil, eris.New("ocr: mistral provider requires mistral_api_key")
		}
		return NewMistralOCR(cfg.MistralKey, cfg.MistralModel, cfg.MaxPages), nil
	case "none":
		return nil, nil
	default:
		return nil, eris.Errorf("ocr: unknown provider %q", cfg.Provider)
	}
}

// writeTempPDF stores pdf under a fresh temp dir and returns the file path
// and a cleanup func.
func writeTempPDF(pdf []byte) (string, func(), error) {
	dir, err := os.MkdirTemp("", "shipdoc-ocr-")
	if err != nil {
		return "", nil, eris.Wrap(err, "ocr: create temp dir")
	}
	cleanup := func() { _ = os.RemoveAll(dir) }

	path := filepath.Join(dir, "document.pdf")
	if err := os.WriteFile(path, pdf, 0o600); err != nil {
		cleanup()
		return "", nil, eris.Wrap(err, "ocr: write temp pdf")
	}
	return path, cleanup, nil
}
