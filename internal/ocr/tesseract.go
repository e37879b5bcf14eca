package ocr

import (
	"bytes"
	"context"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/shipdoc-cli/internal/config"
)

// Tesseract rasterizes the first pages with pdftoppm and recognizes each
// page image with tesseract.
type Tesseract struct {
	raster    *Rasterizer
	tesseract string
	language  string
}

// NewTesseract builds a Tesseract engine from config, applying defaults.
func NewTesseract(cfg config.OCRConfig) *Tesseract {
	t := &Tesseract{
		raster:    NewRasterizer(cfg.PdfToPPMPath, cfg.DPI, cfg.MaxPages),
		tesseract: cfg.TesseractPath,
		language:  cfg.Language,
	}
	if t.tesseract == "" {
		t.tesseract = "tesseract"
	}
	if t.language == "" {
		t.language = "eng"
	}
	return t
}

// Name implements Engine.
func (t *Tesseract) Name() string { return "tesseract" }

// ExtractText renders at most maxPages pages and returns their recognized
// text joined in page order.
func (t *Tesseract) ExtractText(ctx context.Context, pdf []byte) (string, error) {
	path, cleanup, err := writeTempPDF(pdf)
	if err != nil {
		return "", err
	}
	defer cleanup()

	images, err := t.raster.render(ctx, path)
	if err != nil {
		return "", err
	}

	pages := make([]string, len(images))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(2)
	for i, img := range images {
		g.Go(func() error {
			text, err := t.recognize(gctx, img)
			if err != nil {
				return err
			}
			pages[i] = text
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	zap.L().Debug("ocr: tesseract complete", zap.Int("pages", len(pages)))
	return strings.Join(pages, "\n"), nil
}

func (t *Tesseract) recognize(ctx context.Context, img string) (string, error) {
	cmd := exec.CommandContext(ctx, t.tesseract, img, "stdout", "-l", t.language)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", eris.Wrapf(err, "ocr: tesseract failed for %s: %s", filepath.Base(img), stderr.String())
	}
	return stdout.String(), nil
}
