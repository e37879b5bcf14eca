package ingest

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/shipdoc-cli/internal/decision"
	"github.com/sells-group/shipdoc-cli/internal/merge"
	"github.com/sells-group/shipdoc-cli/internal/model"
	"github.com/sells-group/shipdoc-cli/internal/notify"
	"github.com/sells-group/shipdoc-cli/internal/pending"
	"github.com/sells-group/shipdoc-cli/internal/store"
)

var (
	// ErrUnknownField is returned for a correction naming no document field.
	ErrUnknownField = eris.New("ingest: unknown document field")
	// ErrStillNeedsReview is returned when a confirmed document still has no
	// shipment to update and cannot create one. The document stays queued.
	ErrStillNeedsReview = eris.New("ingest: document still needs review")
)

// ConfirmedSource is the provenance recorded on user-corrected fields.
const ConfirmedSource = "Confirmed by user"

const (
	defaultCandidates = 10
	maxCandidates     = 50
)

// ConfirmRequest carries the user's answer to a preview.
type ConfirmRequest struct {
	// TargetID forces the shipment to update.
	TargetID string `json:"target_id,omitempty"`
	// DocumentType overrides the detected type when set.
	DocumentType model.DocumentType `json:"document_type,omitempty"`
	// Fields replaces scalar fields by name (booking, primary_id, etd, ...).
	// An empty value clears the field.
	Fields map[string]string `json:"fields,omitempty"`
	// Containers, when non-nil, replaces the container list.
	Containers []string `json:"containers,omitempty"`
}

// ShipmentReader reads shipments for candidate listings.
type ShipmentReader interface {
	GetShipment(ctx context.Context, id string) (*model.Shipment, error)
	ListShipments(ctx context.Context, filter store.ShipmentFilter) ([]model.Shipment, error)
}

// ResolvePending closes a queued document. Assign applies it to targetID,
// create builds a new shipment from it, and discard only closes it. The
// returned result is nil for discard.
func (s *Service) ResolvePending(ctx context.Context, id string, action model.ResolvedAction, targetID string) (*merge.MergeResult, error) {
	switch action {
	case model.ResolvedAssigned:
		if targetID == "" {
			return nil, pending.ErrTargetRequired
		}
	case model.ResolvedCreated, model.ResolvedDiscarded:
	default:
		return nil, eris.Errorf("ingest: unknown resolve action %q", action)
	}

	var result *merge.MergeResult
	var docType model.DocumentType
	_, err := s.queue.Resolve(ctx, id, func(ctx context.Context, p *model.PendingDocument) (pending.Resolution, error) {
		doc := parsedOf(p)
		docType = doc.DocumentType

		var d model.ActionDecision
		switch action {
		case model.ResolvedDiscarded:
			return pending.Resolution{Action: action}, nil
		case model.ResolvedAssigned:
			m, err := s.matcher.Match(ctx, doc, targetID)
			if err != nil {
				return pending.Resolution{}, eris.Wrap(err, "ingest: resolve assign")
			}
			d = model.ActionDecision{
				Action:    model.ActionUpdate,
				Reason:    "Assigned manually",
				RecordID:  m.RecordID,
				MatchedBy: m.MatchedBy,
			}
		default:
			d = model.ActionDecision{Action: model.ActionCreate, Reason: "Created manually"}
		}

		mr, err := s.applier.Apply(ctx, d, doc)
		if err != nil {
			return pending.Resolution{}, eris.Wrapf(err, "ingest: resolve %s", action)
		}
		result = mr
		return pending.Resolution{Action: action, RecordID: mr.RecordID}, nil
	})
	if err != nil {
		return nil, err
	}
	if result != nil {
		notify.Send(ctx, s.notifier, notify.Applied(result.ShipmentNumber, docType, result.Action, result.MatchedBy, result.RecordID))
	}
	return result, nil
}

// Confirm applies a queued document, usually one held by Preview, after
// the user's corrections. Matching and the decision run again on the
// corrected document. A document that would still need review is left
// queued and ErrStillNeedsReview is returned.
func (s *Service) Confirm(ctx context.Context, id string, req ConfirmRequest) (*merge.MergeResult, error) {
	if err := validateCorrections(req); err != nil {
		return nil, err
	}

	var result *merge.MergeResult
	var docType model.DocumentType
	_, err := s.queue.Resolve(ctx, id, func(ctx context.Context, p *model.PendingDocument) (pending.Resolution, error) {
		doc := corrected(parsedOf(p), req)
		docType = doc.DocumentType

		m, err := s.matcher.Match(ctx, doc, req.TargetID)
		if err != nil {
			return pending.Resolution{}, eris.Wrap(err, "ingest: confirm match")
		}
		d := decision.Decide(doc.DocumentType, doc, m)
		if d.Action == model.ActionNeedsReview {
			return pending.Resolution{}, eris.Wrapf(ErrStillNeedsReview, "ingest: %s", d.Reason)
		}

		mr, err := s.applier.Apply(ctx, d, doc)
		if err != nil {
			return pending.Resolution{}, eris.Wrap(err, "ingest: confirm apply")
		}
		result = mr

		action := model.ResolvedAssigned
		if mr.Action == model.ActionCreate {
			action = model.ResolvedCreated
		}
		return pending.Resolution{Action: action, RecordID: mr.RecordID}, nil
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("ingest: document confirmed",
		zap.String("pending_id", id),
		zap.String("record_id", result.RecordID),
		zap.String("action", string(result.Action)),
		zap.Int("corrections", len(req.Fields)),
	)
	notify.Send(ctx, s.notifier, notify.Applied(result.ShipmentNumber, docType, result.Action, result.MatchedBy, result.RecordID))
	return result, nil
}

// Candidates lists shipments an open queued document could be assigned to:
// those any matching strategy points at, then the most recent shipments
// that are not delivered, up to limit.
func (s *Service) Candidates(ctx context.Context, id string, records ShipmentReader, limit int) ([]model.Shipment, error) {
	if limit <= 0 {
		limit = defaultCandidates
	}
	limit = min(limit, maxCandidates)

	p, err := s.queue.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.IsOpen() || p.PastExpiry(time.Now()) {
		return nil, eris.Wrapf(pending.ErrAlreadyResolved, "ingest: %s", id)
	}
	ids, err := s.matcher.Candidates(ctx, p.Parsed)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: candidates")
	}

	out := make([]model.Shipment, 0, limit)
	seen := make(map[string]bool)
	for _, rid := range ids {
		if len(out) == limit {
			return out, nil
		}
		sh, err := records.GetShipment(ctx, rid)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: candidate %s", rid)
		}
		seen[rid] = true
		out = append(out, *sh)
	}

	recent, err := records.ListShipments(ctx, store.ShipmentFilter{Limit: limit + len(seen)})
	if err != nil {
		return nil, eris.Wrap(err, "ingest: recent shipments")
	}
	for _, sh := range recent {
		if len(out) == limit {
			break
		}
		if seen[sh.ID] || sh.Status.Terminal() {
			continue
		}
		seen[sh.ID] = true
		out = append(out, sh)
	}
	return out, nil
}

func parsedOf(p *model.PendingDocument) *model.ParsedDocument {
	if p.Parsed == nil {
		return &model.ParsedDocument{DocumentType: p.DocumentType}
	}
	return p.Parsed
}

func validateCorrections(req ConfirmRequest) error {
	var scratch model.ParsedDocument
	var unknown []string
	for name := range req.Fields {
		if !scratch.SetField(name, nil) {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return eris.Wrapf(ErrUnknownField, "ingest: %s", strings.Join(unknown, ", "))
	}
	if req.DocumentType != "" && model.ParseDocumentType(string(req.DocumentType)) == model.DocUnknown {
		return eris.Wrapf(ErrUnknownField, "ingest: document type %q", req.DocumentType)
	}
	return nil
}

// corrected returns a copy of doc with req applied. Corrected values carry
// full confidence.
func corrected(doc *model.ParsedDocument, req ConfirmRequest) *model.ParsedDocument {
	out := *doc
	out.Warnings = append([]string(nil), doc.Warnings...)
	if req.DocumentType != "" {
		out.DocumentType = model.ParseDocumentType(string(req.DocumentType))
		out.DocumentTypeConfidence = 1
	}
	for name, value := range req.Fields {
		if name == "booking" || name == "primary_id" {
			value = strings.ToUpper(value)
		}
		out.SetField(name, model.NewField(value, 1, ConfirmedSource))
	}
	if req.Containers != nil {
		known := make(map[string]model.ContainerDetail, len(doc.Containers))
		for _, c := range doc.Containers {
			known[c.Number] = c
		}
		out.Containers = nil
		for _, raw := range req.Containers {
			num := model.NormalizeContainerNumber(raw)
			if !model.ValidContainerNumber(num) {
				out.Warnings = append(out.Warnings, "discarded malformed container number "+num)
				continue
			}
			c, ok := known[num]
			if !ok {
				c = model.ContainerDetail{Number: num}
			}
			out.Containers = append(out.Containers, c)
		}
		out.ContainersConfidence = 0
		if len(out.Containers) > 0 {
			out.ContainersConfidence = 1
		}
	}
	return &out
}
