package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/shipdoc-cli/internal/blob"
	"github.com/sells-group/shipdoc-cli/internal/classify"
	"github.com/sells-group/shipdoc-cli/internal/extract"
	"github.com/sells-group/shipdoc-cli/internal/ingest"
	"github.com/sells-group/shipdoc-cli/internal/match"
	"github.com/sells-group/shipdoc-cli/internal/merge"
	"github.com/sells-group/shipdoc-cli/internal/notify"
	"github.com/sells-group/shipdoc-cli/internal/ocr"
	"github.com/sells-group/shipdoc-cli/internal/pending"
	"github.com/sells-group/shipdoc-cli/internal/store"
	"github.com/sells-group/shipdoc-cli/internal/vision"
	anthropicpkg "github.com/sells-group/shipdoc-cli/pkg/anthropic"
)

// shipdocEnv holds the store, blob store and ingest service shared by the
// ingest, pending and serve commands.
type shipdocEnv struct {
	Store   store.Store
	Blobs   *blob.FileStore
	Service *ingest.Service
}

// Close releases resources held by the environment.
func (e *shipdocEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates config for mode, opens the store and wires the
// extraction tiers into an ingest.Service. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*shipdocEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	blobs, err := blob.NewFileStore(cfg.Blob)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	extractor, err := initExtractor()
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	classifier, err := classify.New(cfg.Classify)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "load classification rules")
	}

	notifier, err := notify.New(cfg.Notify)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	svc := ingest.New(
		extractor,
		classifier,
		match.New(st),
		merge.New(st, cfg.Container),
		pending.NewQueue(st, blobs, cfg.Ingest),
		notifier,
		cfg.Ingest,
	)

	return &shipdocEnv{Store: st, Blobs: blobs, Service: svc}, nil
}

// initExtractor builds the text layer, OCR and vision tiers. OCR is skipped
// when ocr.provider is "none" and vision when no Anthropic key is set.
func initExtractor() (*extract.Extractor, error) {
	ocrEngine, err := ocr.NewEngine(cfg.OCR)
	if err != nil {
		return nil, err
	}

	var visionEngine extract.StructuredEngine
	if cfg.Anthropic.Key != "" {
		raster := ocr.NewRasterizer(cfg.OCR.PdfToPPMPath, cfg.OCR.DPI, cfg.Anthropic.MaxPages)
		visionEngine = vision.New(anthropicpkg.NewClient(cfg.Anthropic.Key), raster, cfg.Anthropic, cfg.Extract.VisionConfidence)
		zap.L().Info("vision extraction enabled", zap.String("model", cfg.Anthropic.Model))
	} else {
		zap.L().Debug("SHIPDOC_ANTHROPIC_KEY not set, vision tier disabled")
	}

	return extract.New(cfg, ocr.NewTextLayer(cfg.OCR), ocrEngine, visionEngine), nil
}
