// Package extract turns document bytes into either plain text or a
// pre-structured document by trying the text layer, OCR and vision tiers
// in order.
package extract

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/shipdoc-cli/internal/config"
	"github.com/sells-group/shipdoc-cli/internal/model"
	"github.com/sells-group/shipdoc-cli/internal/ocr"
	"github.com/sells-group/shipdoc-cli/internal/resilience"
)

// ErrExtractionFailed is returned when no tier produced usable material.
var ErrExtractionFailed = eris.New("extraction failed: no tier produced usable text")

// StructuredEngine returns fields directly instead of text.
type StructuredEngine interface {
	Extract(ctx context.Context, pdf []byte, emailContext string) (*model.ParsedDocument, error)
}

// Hint carries optional context about where a document came from.
type Hint struct {
	Filename     string
	EmailFrom    string
	EmailSubject string
	EmailBody    string
}

// EmailContext renders the email metadata for the vision prompt.
func (h Hint) EmailContext() string {
	var sb strings.Builder
	if h.EmailFrom != "" {
		sb.WriteString("From: " + h.EmailFrom + "\n")
	}
	if h.EmailSubject != "" {
		sb.WriteString("Subject: " + h.EmailSubject + "\n")
	}
	if h.EmailBody != "" {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(h.EmailBody)
	}
	return sb.String()
}

// Result is the output of one successful tier: Text for the text layer and
// OCR tiers, Document for the vision tier. Degraded marks short text that
// was accepted because no later tier could do better.
type Result struct {
	Technique model.Technique
	Text      string
	Document  *model.ParsedDocument
	Degraded  bool
}

// Structured reports whether the result skips classification.
func (r Result) Structured() bool { return r.Document != nil }

// Extractor runs the tier chain.
type Extractor struct {
	textLayer ocr.Engine
	ocr       ocr.Engine
	vision    StructuredEngine

	minChars      int
	textTimeout   time.Duration
	ocrTimeout    time.Duration
	visionTimeout time.Duration

	ocrGuard    *resilience.Guard
	visionGuard *resilience.Guard
}

// New creates an Extractor. ocrEngine and vision may be nil; their tiers
// are then skipped.
func New(cfg *config.Config, textLayer, ocrEngine ocr.Engine, vision StructuredEngine) *Extractor {
	e := &Extractor{
		textLayer:     textLayer,
		ocr:           ocrEngine,
		vision:        vision,
		minChars:      cfg.OCR.MinChars,
		textTimeout:   secs(cfg.Extract.TextTimeoutSecs, 15),
		ocrTimeout:    secs(cfg.Extract.OCRTimeoutSecs, 60),
		visionTimeout: secs(cfg.Extract.VisionTimeoutSecs, 90),
	}
	if e.minChars <= 0 {
		e.minChars = 50
	}
	if ocrEngine != nil {
		e.ocrGuard = resilience.NewGuard("ocr:"+ocrEngine.Name(), cfg.Resilience)
	}
	if vision != nil {
		e.visionGuard = resilience.NewGuard("vision", cfg.Resilience)
	}
	return e
}

func secs(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}

// VisionAvailable reports whether the structured tier is configured.
func (e *Extractor) VisionAvailable() bool { return e.vision != nil }

// tierOutcome is what a single tier hands back to the chain: a finished
// result, or whatever partial text it found for the degraded fallback.
type tierOutcome struct {
	result  Result
	done    bool
	partial string
}

type tier func(ctx context.Context, pdf []byte, hint Hint) tierOutcome

// Extract runs the tiers in order and returns the first sufficient result.
// When every tier falls short, the longest non-empty text is returned with
// Degraded set; with no text at all it fails with ErrExtractionFailed.
func (e *Extractor) Extract(ctx context.Context, pdf []byte, hint Hint) (Result, error) {
	if len(pdf) == 0 {
		return Result{}, eris.Wrap(ErrExtractionFailed, "extract: empty document")
	}

	var best Result
	techniques := []model.Technique{model.TechniqueTextLayer, model.TechniqueOCR, model.TechniqueVision}
	for i, t := range []tier{e.textTier, e.ocrTier, e.visionTier} {
		if err := ctx.Err(); err != nil {
			return Result{}, eris.Wrap(err, "extract: canceled")
		}
		out := t(ctx, pdf, hint)
		if out.done {
			zap.L().Info("extract: tier succeeded",
				zap.String("technique", string(out.result.Technique)),
				zap.String("filename", hint.Filename),
			)
			return out.result, nil
		}
		if len(strings.TrimSpace(out.partial)) > len(strings.TrimSpace(best.Text)) {
			best = Result{Technique: techniques[i], Text: out.partial}
		}
	}

	if strings.TrimSpace(best.Text) == "" {
		return Result{}, eris.Wrapf(ErrExtractionFailed, "extract: %s", hint.Filename)
	}
	best.Degraded = true
	zap.L().Warn("extract: accepting short text",
		zap.String("technique", string(best.Technique)),
		zap.Int("chars", len(strings.TrimSpace(best.Text))),
		zap.String("filename", hint.Filename),
	)
	return best, nil
}

func (e *Extractor) sufficient(text string) bool {
	return len(strings.TrimSpace(text)) >= e.minChars
}

func (e *Extractor) textTier(ctx context.Context, pdf []byte, hint Hint) tierOutcome {
	if e.textLayer == nil {
		return tierOutcome{}
	}
	tctx, cancel := context.WithTimeout(ctx, e.textTimeout)
	defer cancel()

	text, err := e.textLayer.ExtractText(tctx, pdf)
	if err != nil {
		zap.L().Warn("extract: text layer failed", zap.String("filename", hint.Filename), zap.Error(err))
		return tierOutcome{}
	}
	if !e.sufficient(text) {
		zap.L().Debug("extract: text layer too short", zap.Int("chars", len(strings.TrimSpace(text))))
		return tierOutcome{partial: text}
	}
	return tierOutcome{done: true, result: Result{Technique: model.TechniqueTextLayer, Text: text}}
}

func (e *Extractor) ocrTier(ctx context.Context, pdf []byte, hint Hint) tierOutcome {
	if e.ocr == nil {
		return tierOutcome{}
	}
	tctx, cancel := context.WithTimeout(ctx, e.ocrTimeout)
	defer cancel()

	text, err := resilience.Call(tctx, e.ocrGuard, func(ctx context.Context) (string, error) {
		return e.ocr.ExtractText(ctx, pdf)
	})
	if err != nil {
		zap.L().Warn("extract: ocr failed",
			zap.String("engine", e.ocr.Name()),
			zap.String("filename", hint.Filename),
			zap.Error(err),
		)
		return tierOutcome{}
	}
	if !e.sufficient(text) {
		zap.L().Debug("extract: ocr too short", zap.Int("chars", len(strings.TrimSpace(text))))
		return tierOutcome{partial: text}
	}
	return tierOutcome{done: true, result: Result{Technique: model.TechniqueOCR, Text: text}}
}

func (e *Extractor) visionTier(ctx context.Context, pdf []byte, hint Hint) tierOutcome {
	if e.vision == nil {
		zap.L().Debug("extract: vision unavailable, skipping")
		return tierOutcome{}
	}
	tctx, cancel := context.WithTimeout(ctx, e.visionTimeout)
	defer cancel()

	doc, err := resilience.Call(tctx, e.visionGuard, func(ctx context.Context) (*model.ParsedDocument, error) {
		return e.vision.Extract(ctx, pdf, hint.EmailContext())
	})
	if err != nil {
		zap.L().Warn("extract: vision failed", zap.String("filename", hint.Filename), zap.Error(err))
		return tierOutcome{}
	}
	if doc == nil {
		return tierOutcome{}
	}
	return tierOutcome{done: true, result: Result{Technique: model.TechniqueVision, Document: doc}}
}
