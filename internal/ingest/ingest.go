// Package ingest runs a document through extraction, classification,
// matching and the action decision, then applies it to a shipment or queues
// it for review. It also previews, confirms, resolves and expires queued
// documents.
package ingest

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/shipdoc-cli/internal/config"
	"github.com/sells-group/shipdoc-cli/internal/decision"
	"github.com/sells-group/shipdoc-cli/internal/extract"
	"github.com/sells-group/shipdoc-cli/internal/match"
	"github.com/sells-group/shipdoc-cli/internal/merge"
	"github.com/sells-group/shipdoc-cli/internal/model"
	"github.com/sells-group/shipdoc-cli/internal/notify"
	"github.com/sells-group/shipdoc-cli/internal/pending"
)

// Extractor turns document bytes into text or a structured document.
type Extractor interface {
	Extract(ctx context.Context, pdf []byte, hint extract.Hint) (extract.Result, error)
}

// Classifier turns text into a parsed document.
type Classifier interface {
	Classify(text string) model.ParsedDocument
}

// Request is one document to ingest.
type Request struct {
	Data     []byte
	Filename string
	Source   model.Source
	// TargetID names the shipment the caller says this document belongs to.
	TargetID string
	Hint     extract.Hint
}

// Outcome reports what ingestion did. Exactly one of Merge and Pending is
// set unless an error was returned before the decision.
type Outcome struct {
	Filename          string                 `json:"filename,omitempty"`
	Technique         model.Technique        `json:"technique,omitempty"`
	Degraded          bool                   `json:"degraded,omitempty"`
	OverallConfidence float64                `json:"overall_confidence"`
	LowConfidence     bool                   `json:"low_confidence,omitempty"`
	Document          *model.ParsedDocument  `json:"document,omitempty"`
	Match             model.MatchResult      `json:"match"`
	Decision          model.ActionDecision   `json:"decision"`
	Merge             *merge.MergeResult     `json:"merge,omitempty"`
	Pending           *model.PendingDocument `json:"pending,omitempty"`
}

// Service is the ingestion orchestrator.
type Service struct {
	extractor     Extractor
	classifier    Classifier
	matcher       *match.Matcher
	applier       *merge.Applier
	queue         *pending.Queue
	notifier      notify.Notifier
	lowConfidence float64
}

// New creates a Service. notifier may be nil.
func New(
	extractor Extractor,
	classifier Classifier,
	matcher *match.Matcher,
	applier *merge.Applier,
	queue *pending.Queue,
	notifier notify.Notifier,
	cfg config.IngestConfig,
) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Service{
		extractor:     extractor,
		classifier:    classifier,
		matcher:       matcher,
		applier:       applier,
		queue:         queue,
		notifier:      notifier,
		lowConfidence: cfg.LowConfidenceWarning,
	}
}

// degradedPenalty scales the reported confidence of short text accepted
// because no better extraction tier was available.
const degradedPenalty = 0.5

// Ingest processes one document end to end.
//
// When no extraction tier yields any text the document is still queued for
// manual entry: the returned Outcome carries the pending document and the
// error wraps extract.ErrExtractionFailed.
func (s *Service) Ingest(ctx context.Context, req Request) (*Outcome, error) {
	req = withDefaults(req)
	out, err := s.analyze(ctx, req)
	if errors.Is(err, extract.ErrExtractionFailed) {
		return s.queueUnreadable(ctx, req, out, err)
	}
	if err != nil {
		return nil, err
	}
	doc := out.Document

	if out.Decision.Action == model.ActionNeedsReview {
		p, err := s.queue.Create(ctx, pending.NewItem{
			Parsed:       doc,
			Filename:     req.Filename,
			Data:         req.Data,
			Source:       req.Source,
			EmailFrom:    req.Hint.EmailFrom,
			EmailSubject: req.Hint.EmailSubject,
			Reason:       out.Decision.Reason,
		})
		if err != nil {
			return nil, eris.Wrap(err, "ingest: queue for review")
		}
		out.Pending = p
		notify.Send(ctx, s.notifier, notify.NeedsReview(p))
		return out, nil
	}

	mr, err := s.applier.Apply(ctx, out.Decision, doc)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: apply")
	}
	out.Merge = mr
	notify.Send(ctx, s.notifier, notify.Applied(mr.ShipmentNumber, doc.DocumentType, mr.Action, mr.MatchedBy, mr.RecordID))
	return out, nil
}

// Preview runs extraction, matching and the decision without touching any
// shipment, and holds the result as a pending document until it is
// confirmed with Confirm or expires. The returned Outcome carries the
// proposed decision and the pending document.
func (s *Service) Preview(ctx context.Context, req Request) (*Outcome, error) {
	req = withDefaults(req)
	out, err := s.analyze(ctx, req)
	if err != nil {
		return nil, err
	}

	p, err := s.queue.Create(ctx, pending.NewItem{
		Parsed:   out.Document,
		Filename: req.Filename,
		Data:     req.Data,
		Source:   model.SourcePreview,
		Reason:   "Awaiting confirmation: " + out.Decision.Reason,
	})
	if err != nil {
		return nil, eris.Wrap(err, "ingest: hold preview")
	}
	out.Pending = p

	zap.L().Info("ingest: preview held",
		zap.String("pending_id", p.ID),
		zap.String("filename", req.Filename),
		zap.String("proposed_action", string(out.Decision.Action)),
		zap.Time("expires_at", p.ExpiresAt),
	)
	return out, nil
}

func withDefaults(req Request) Request {
	if req.Source == "" {
		req.Source = model.SourceManual
	}
	if req.Hint.Filename == "" {
		req.Hint.Filename = req.Filename
	}
	return req
}

// analyze extracts, classifies, matches and decides. It has no side
// effects. On extraction failure it returns the partial Outcome together
// with an error wrapping extract.ErrExtractionFailed.
func (s *Service) analyze(ctx context.Context, req Request) (*Outcome, error) {
	log := zap.L().With(zap.String("filename", req.Filename), zap.String("source", string(req.Source)))
	out := &Outcome{Filename: req.Filename}

	res, err := s.extractor.Extract(ctx, req.Data, req.Hint)
	if err != nil {
		if errors.Is(err, extract.ErrExtractionFailed) {
			return out, err
		}
		return nil, eris.Wrap(err, "ingest: extract")
	}

	doc := res.Document
	if doc == nil {
		parsed := s.classifier.Classify(res.Text)
		doc = &parsed
	}
	doc.Technique = res.Technique
	out.Technique = res.Technique
	out.Degraded = res.Degraded
	out.Document = doc
	out.OverallConfidence = doc.OverallConfidence()
	if res.Degraded {
		out.OverallConfidence *= degradedPenalty
	}

	if res.Degraded || (s.lowConfidence > 0 && out.OverallConfidence < s.lowConfidence) {
		out.LowConfidence = true
		log.Warn("ingest: low confidence extraction",
			zap.Float64("overall_confidence", out.OverallConfidence),
			zap.Float64("threshold", s.lowConfidence),
			zap.Bool("degraded", res.Degraded),
			zap.String("document_type", string(doc.DocumentType)),
		)
	}

	m, err := s.matcher.Match(ctx, doc, req.TargetID)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: match")
	}
	out.Match = m
	out.Decision = decision.Decide(doc.DocumentType, doc, m)

	log.Info("ingest: decision",
		zap.String("document_type", string(doc.DocumentType)),
		zap.String("action", string(out.Decision.Action)),
		zap.String("matched_by", string(m.MatchedBy)),
		zap.String("reason", out.Decision.Reason),
	)
	return out, nil
}

func (s *Service) queueUnreadable(ctx context.Context, req Request, out *Outcome, cause error) (*Outcome, error) {
	zap.L().Warn("ingest: extraction failed, queueing for manual entry",
		zap.String("filename", req.Filename),
		zap.Error(cause),
	)
	out.Decision = model.ActionDecision{
		Action: model.ActionNeedsReview,
		Reason: "No text could be extracted from the document",
	}
	out.Match = model.NoMatch()

	p, err := s.queue.Create(ctx, pending.NewItem{
		Filename:     req.Filename,
		Data:         req.Data,
		Source:       req.Source,
		EmailFrom:    req.Hint.EmailFrom,
		EmailSubject: req.Hint.EmailSubject,
		Reason:       out.Decision.Reason,
	})
	if err != nil {
		return nil, eris.Wrap(err, "ingest: queue unreadable document")
	}
	out.Pending = p
	notify.Send(ctx, s.notifier, notify.ExtractionError(req.Filename, cause))
	return out, eris.Wrapf(cause, "ingest: %s queued as %s", req.Filename, p.ID)
}

// ExpirePending expires every queued document past its expiry.
func (s *Service) ExpirePending(ctx context.Context) (int, error) {
	return s.queue.Expire(ctx)
}

// ChangeStatus moves a shipment's status by hand.
func (s *Service) ChangeStatus(ctx context.Context, id string, status model.Status, note string) error {
	return s.applier.ChangeStatus(ctx, id, status, note)
}

// Queue exposes the pending queue for listing and signed URLs.
func (s *Service) Queue() *pending.Queue { return s.queue }
