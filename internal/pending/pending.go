// Package pending manages documents held for human resolution: creation
// with an expiry, listing, claim-then-resolve bookkeeping and expiry.
package pending

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/shipdoc-cli/internal/config"
	"github.com/sells-group/shipdoc-cli/internal/model"
	"github.com/sells-group/shipdoc-cli/internal/store"
)

var (
	// ErrNotFound is returned for unknown pending document ids.
	ErrNotFound = eris.New("pending: document not found")
	// ErrAlreadyResolved is returned when a document was already resolved,
	// expired, or is being resolved by someone else. No side effect is
	// performed.
	ErrAlreadyResolved = eris.New("pending: document already resolved")
	// ErrTargetRequired is returned when assigning without a target record.
	ErrTargetRequired = eris.New("pending: assign requires a target shipment id")
	// ErrNoOriginal is returned when a pending document has no stored bytes.
	ErrNoOriginal = eris.New("pending: no stored original")
)

const (
	minTTL           = 30 * time.Minute
	defaultManualTTL = 30 * time.Minute
	defaultReviewTTL = 72 * time.Hour
	defaultPageSize  = 20
	maxPageSize      = 100
)

// Store is the pending half of the record store.
type Store interface {
	CreatePending(ctx context.Context, p *model.PendingDocument) error
	GetPending(ctx context.Context, id string) (*model.PendingDocument, error)
	ListPending(ctx context.Context, filter store.PendingFilter) ([]model.PendingDocument, int, error)
	ClaimPending(ctx context.Context, id string, at time.Time) error
	ReleasePending(ctx context.Context, id string) error
	ResolvePending(ctx context.Context, id string, action model.ResolvedAction, recordID string, at time.Time) error
	ExpirePending(ctx context.Context, now time.Time) (int, error)
}

// Blobs stores original documents and signs URLs for them.
type Blobs interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
	SignedURL(ref string, ttl time.Duration) (string, error)
}

// NewItem is the input to Create.
type NewItem struct {
	Parsed       *model.ParsedDocument
	Filename     string
	Data         []byte
	Source       model.Source
	EmailFrom    string
	EmailSubject string
	Reason       string
}

// Filter narrows List results.
type Filter struct {
	Status       model.PendingStatus `json:"status,omitempty"`
	DocumentType model.DocumentType  `json:"document_type,omitempty"`
}

// Page is one page of List results, newest first.
type Page struct {
	Items []model.PendingDocument `json:"items"`
	Total int                     `json:"total"`
	Page  int                     `json:"page"`
	Size  int                     `json:"size"`
}

// Queue is the pending document queue.
type Queue struct {
	store     Store
	blobs     Blobs
	manualTTL time.Duration
	reviewTTL time.Duration
	now       func() time.Time
}

// NewQueue creates a Queue. blobs may be nil, in which case originals are
// not stored.
func NewQueue(st Store, blobs Blobs, cfg config.IngestConfig) *Queue {
	q := &Queue{
		store:     st,
		blobs:     blobs,
		manualTTL: time.Duration(cfg.PendingTTLMins) * time.Minute,
		reviewTTL: time.Duration(cfg.ReviewTTLHours) * time.Hour,
		now:       time.Now,
	}
	if q.manualTTL <= 0 {
		q.manualTTL = defaultManualTTL
	}
	if q.reviewTTL <= 0 {
		q.reviewTTL = defaultReviewTTL
	}
	q.manualTTL = max(q.manualTTL, minTTL)
	q.reviewTTL = max(q.reviewTTL, minTTL)
	return q
}

// TTL returns the expiry window for documents from source.
func (q *Queue) TTL(source model.Source) time.Duration {
	if source == model.SourceEmail {
		return q.reviewTTL
	}
	return q.manualTTL
}

// Create stores the original (when given) and records a new pending
// document carrying the attempted identifiers.
func (q *Queue) Create(ctx context.Context, item NewItem) (*model.PendingDocument, error) {
	if item.Source == "" {
		item.Source = model.SourceManual
	}
	now := q.now().UTC()
	id := uuid.NewString()

	p := &model.PendingDocument{
		ID:           id,
		DocumentType: model.DocUnknown,
		Parsed:       item.Parsed,
		Filename:     item.Filename,
		Source:       item.Source,
		EmailFrom:    item.EmailFrom,
		EmailSubject: item.EmailSubject,
		Reason:       item.Reason,
		Status:       model.PendingOpen,
		ExpiresAt:    now.Add(q.TTL(item.Source)),
		CreatedAt:    now,
	}
	if doc := item.Parsed; doc != nil {
		p.DocumentType = doc.DocumentType
		p.AttemptedBooking = doc.Booking.String()
		p.AttemptedPrimaryID = doc.PrimaryID.String()
		p.AttemptedContainers = doc.ContainerNumbers()
	}

	if len(item.Data) > 0 && q.blobs != nil {
		ref, err := q.blobs.Put(ctx, StorageKey(id, item.Filename), item.Data)
		if err != nil {
			return nil, eris.Wrap(err, "pending: store original")
		}
		p.StorageRef = ref
	}

	if err := q.store.CreatePending(ctx, p); err != nil {
		return nil, eris.Wrap(err, "pending: create")
	}

	zap.L().Info("pending: document queued",
		zap.String("pending_id", p.ID),
		zap.String("document_type", string(p.DocumentType)),
		zap.String("source", string(p.Source)),
		zap.Time("expires_at", p.ExpiresAt),
	)
	return p, nil
}

// Get returns a pending document by id.
func (q *Queue) Get(ctx context.Context, id string) (*model.PendingDocument, error) {
	p, err := q.store.GetPending(ctx, id)
	if err != nil {
		return nil, mapErr(err, id)
	}
	return p, nil
}

// List returns page (1-based) of documents matching filter.
func (q *Queue) List(ctx context.Context, filter Filter, page, size int) (*Page, error) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = defaultPageSize
	}
	size = min(size, maxPageSize)

	items, total, err := q.store.ListPending(ctx, store.PendingFilter{
		Status:       filter.Status,
		DocumentType: filter.DocumentType,
		Limit:        size,
		Offset:       (page - 1) * size,
	})
	if err != nil {
		return nil, eris.Wrap(err, "pending: list")
	}
	if items == nil {
		items = []model.PendingDocument{}
	}
	return &Page{Items: items, Total: total, Page: page, Size: size}, nil
}

// Count returns the number of documents awaiting resolution.
func (q *Queue) Count(ctx context.Context) (int, error) {
	_, total, err := q.store.ListPending(ctx, store.PendingFilter{Status: model.PendingOpen, Limit: 1})
	if err != nil {
		return 0, eris.Wrap(err, "pending: count")
	}
	return total, nil
}

// Resolution is how a pending document was closed.
type Resolution struct {
	Action   model.ResolvedAction
	RecordID string
}

// ApplyFunc performs the side effect of a resolution on a claimed document.
type ApplyFunc func(ctx context.Context, p *model.PendingDocument) (Resolution, error)

// Resolve closes id exactly once. The document is claimed in the store
// before apply runs, so a second resolver in this or any other process, a
// closed document, or one past its expiry yields ErrAlreadyResolved with
// no side effect. When apply fails the claim is released and the document
// stays open.
func (q *Queue) Resolve(ctx context.Context, id string, apply ApplyFunc) (Resolution, error) {
	if err := q.store.ClaimPending(ctx, id, q.now().UTC()); err != nil {
		return Resolution{}, mapErr(err, id)
	}
	// Bookkeeping after the claim must not be cut short by the caller.
	bg := context.WithoutCancel(ctx)

	p, err := q.store.GetPending(ctx, id)
	if err != nil {
		q.release(bg, id)
		return Resolution{}, mapErr(err, id)
	}

	res, err := apply(ctx, p)
	if err != nil {
		q.release(bg, id)
		return Resolution{}, err
	}

	if err := q.store.ResolvePending(bg, id, res.Action, res.RecordID, q.now().UTC()); err != nil {
		zap.L().Error("pending: record applied but document not closed",
			zap.String("pending_id", id),
			zap.String("record_id", res.RecordID),
			zap.Error(err),
		)
		return res, mapErr(err, id)
	}
	zap.L().Info("pending: document resolved",
		zap.String("pending_id", id),
		zap.String("action", string(res.Action)),
		zap.String("record_id", res.RecordID),
	)
	return res, nil
}

func (q *Queue) release(ctx context.Context, id string) {
	if err := q.store.ReleasePending(ctx, id); err != nil {
		zap.L().Warn("pending: release claim", zap.String("pending_id", id), zap.Error(err))
	}
}

// Expire moves every open document past its expiry to expired.
func (q *Queue) Expire(ctx context.Context) (int, error) {
	n, err := q.store.ExpirePending(ctx, q.now().UTC())
	if err != nil {
		return 0, eris.Wrap(err, "pending: expire")
	}
	if n > 0 {
		zap.L().Info("pending: documents expired", zap.Int("count", n))
	}
	return n, nil
}

// SignedURL returns a time-bounded URL for the stored original of id.
func (q *Queue) SignedURL(ctx context.Context, id string, ttl time.Duration) (string, error) {
	p, err := q.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if p.StorageRef == "" || q.blobs == nil {
		return "", eris.Wrapf(ErrNoOriginal, "pending: %s", id)
	}
	u, err := q.blobs.SignedURL(p.StorageRef, ttl)
	if err != nil {
		return "", eris.Wrapf(err, "pending: sign url for %s", id)
	}
	return u, nil
}

// StorageKey builds the blob key for a pending document's original.
func StorageKey(id, filename string) string {
	short := strings.ReplaceAll(id, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("pending/%s_%s", short, sanitizeFilename(filename))
}

func sanitizeFilename(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	name = strings.Map(func(r rune) rune {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	name = strings.TrimLeft(name, ".")
	if name == "" {
		return "document.pdf"
	}
	return name
}

func mapErr(err error, id string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return eris.Wrapf(ErrNotFound, "pending: %s", id)
	case errors.Is(err, store.ErrNotPending):
		return eris.Wrapf(ErrAlreadyResolved, "pending: %s", id)
	default:
		return eris.Wrapf(err, "pending: %s", id)
	}
}
