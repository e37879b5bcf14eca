// Package store persists shipments, containers, audit events and pending
// documents on Postgres or SQLite.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/shipdoc-cli/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrNotPending is returned when a pending document was already
	// claimed, resolved or expired.
	ErrNotPending = eris.New("store: pending document is closed")
)

// ShipmentFilter specifies criteria for listing shipments.
type ShipmentFilter struct {
	Status model.Status `json:"status,omitempty"`
	Limit  int          `json:"limit,omitempty"`
	Offset int          `json:"offset,omitempty"`
}

// PendingFilter specifies criteria for listing pending documents.
type PendingFilter struct {
	Status       model.PendingStatus `json:"status,omitempty"`
	DocumentType model.DocumentType  `json:"document_type,omitempty"`
	Limit        int                 `json:"limit,omitempty"`
	Offset       int                 `json:"offset,omitempty"`
}

// Store defines the persistence interface for the ingestion pipeline.
type Store interface {
	// Matching lookups. Each returns distinct shipment ids.
	ShipmentExists(ctx context.Context, id string) (bool, error)
	FindByBooking(ctx context.Context, booking string) ([]string, error)
	FindByShipmentNumber(ctx context.Context, number string) ([]string, error)
	FindByContainers(ctx context.Context, numbers []string) ([]string, error)

	// Shipments
	GetShipment(ctx context.Context, id string) (*model.Shipment, error)
	ListShipments(ctx context.Context, filter ShipmentFilter) ([]model.Shipment, error)
	CreateShipment(ctx context.Context, s *model.Shipment, event model.ShipmentEvent) error
	UpdateShipment(ctx context.Context, id string, upd model.ShipmentUpdate, added []model.Container, event model.ShipmentEvent) error
	ListEvents(ctx context.Context, shipmentID string) ([]model.ShipmentEvent, error)

	// Pending documents
	CreatePending(ctx context.Context, p *model.PendingDocument) error
	GetPending(ctx context.Context, id string) (*model.PendingDocument, error)
	ListPending(ctx context.Context, filter PendingFilter) ([]model.PendingDocument, int, error)
	// ClaimPending moves an open, unexpired document to resolving. Exactly
	// one caller wins; the rest get ErrNotPending.
	ClaimPending(ctx context.Context, id string, at time.Time) error
	// ReleasePending returns a claimed document to the open queue.
	ReleasePending(ctx context.Context, id string) error
	// ResolvePending closes a claimed document.
	ResolvePending(ctx context.Context, id string, action model.ResolvedAction, recordID string, at time.Time) error
	// ExpirePending expires open documents past their expiry, and claimed
	// ones whose claim went stale before they expired.
	ExpirePending(ctx context.Context, now time.Time) (int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// StaleClaimAfter is how long a claim may hold a document before
// ExpirePending treats the claimant as gone.
const StaleClaimAfter = 15 * time.Minute

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return defaultListLimit
	case n > maxListLimit:
		return maxListLimit
	default:
		return n
	}
}

const shipmentColumns = `id, shipment_number, booking_number, purchase_ref, bill_of_lading, vessel, voyage,
	origin_port, destination_port, etd, eta, atd, ata, freight_amount_usd, freight_terms, status,
	created_at, updated_at`

const containerColumns = `id, shipment_id, number, type, weight_kg, volume_m3, pallets, created_at`

const eventColumns = `id, shipment_id, kind, from_status, to_status, document_type, matched_by, description, created_at`

const pendingColumns = `id, document_type, parsed, storage_ref, filename, source, email_from, email_subject,
	attempted_booking, attempted_primary_id, attempted_containers, reason, status,
	resolved_at, resolved_record_id, resolved_action, expires_at, created_at`

// setClause is one column assignment derived from a ShipmentUpdate.
type setClause struct {
	column string
	value  any
}

// updateClauses lists the columns touched by upd in a fixed order.
func updateClauses(upd model.ShipmentUpdate) []setClause {
	var out []setClause
	addStr := func(col string, v *string) {
		if v != nil {
			out = append(out, setClause{col, *v})
		}
	}
	addTime := func(col string, v *time.Time) {
		if v != nil {
			out = append(out, setClause{col, v.UTC()})
		}
	}
	addStr("shipment_number", upd.ShipmentNumber)
	addStr("booking_number", upd.BookingNumber)
	addStr("purchase_ref", upd.PurchaseRef)
	addStr("bill_of_lading", upd.BillOfLading)
	addStr("vessel", upd.Vessel)
	addStr("voyage", upd.Voyage)
	addStr("origin_port", upd.OriginPort)
	addStr("destination_port", upd.DestinationPort)
	addTime("etd", upd.ETD)
	addTime("eta", upd.ETA)
	addTime("atd", upd.ATD)
	addTime("ata", upd.ATA)
	if upd.FreightAmountUSD != nil {
		out = append(out, setClause{"freight_amount_usd", *upd.FreightAmountUSD})
	}
	addStr("freight_terms", upd.FreightTerms)
	if upd.Status != nil {
		out = append(out, setClause{"status", string(*upd.Status)})
	}
	return out
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
