// Package merge folds parsed documents into shipment records. It owns the
// field-level merge policy, status advancement and the audit event written
// with every apply.
package merge

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/shipdoc-cli/internal/config"
	"github.com/sells-group/shipdoc-cli/internal/container"
	"github.com/sells-group/shipdoc-cli/internal/model"
)

var (
	// ErrNotApplicable is returned for decisions that must not touch records.
	ErrNotApplicable = eris.New("merge: decision does not modify records")
	// ErrMissingRecord is returned for an UPDATE decision without a record id.
	ErrMissingRecord = eris.New("merge: update decision has no record id")
)

const numberAttempts = 5

// Store is the record store surface the applier writes through.
type Store interface {
	GetShipment(ctx context.Context, id string) (*model.Shipment, error)
	FindByBooking(ctx context.Context, booking string) ([]string, error)
	FindByShipmentNumber(ctx context.Context, number string) ([]string, error)
	CreateShipment(ctx context.Context, s *model.Shipment, event model.ShipmentEvent) error
	UpdateShipment(ctx context.Context, id string, upd model.ShipmentUpdate, added []model.Container, event model.ShipmentEvent) error
}

// MergeResult describes what one apply did to a shipment.
type MergeResult struct {
	RecordID        string                `json:"record_id"`
	ShipmentNumber  string                `json:"shipment_number"`
	Action          model.Action          `json:"action"`
	MatchedBy       model.MatchedBy       `json:"matched_by"`
	PreviousStatus  model.Status          `json:"previous_status,omitempty"`
	Status          model.Status          `json:"status"`
	StatusChanged   bool                  `json:"status_changed"`
	StatusSkipped   bool                  `json:"status_skipped,omitempty"`
	UpdatedFields   []string              `json:"updated_fields,omitempty"`
	ContainersAdded []string              `json:"containers_added,omitempty"`
	Duplicates      []container.Duplicate `json:"duplicates,omitempty"`
	Event           model.ShipmentEvent   `json:"event"`
}

// Applier applies CREATE and UPDATE decisions. Work on one shipment is
// serialized; different shipments proceed in parallel.
type Applier struct {
	store     Store
	threshold float64
	locks     *keyedMutex
	now       func() time.Time
	newNumber func() string
}

// New creates an Applier.
func New(store Store, cfg config.ContainerConfig) *Applier {
	return &Applier{
		store:     store,
		threshold: cfg.SimilarityThreshold,
		locks:     newKeyedMutex(),
		now:       time.Now,
		newNumber: randomShipmentNumber,
	}
}

// Apply executes decision d for doc. NEEDS_REVIEW decisions are rejected
// with ErrNotApplicable.
func (a *Applier) Apply(ctx context.Context, d model.ActionDecision, doc *model.ParsedDocument) (*MergeResult, error) {
	if doc == nil {
		doc = &model.ParsedDocument{DocumentType: model.DocUnknown}
	}
	switch d.Action {
	case model.ActionUpdate:
		if d.RecordID == "" {
			return nil, ErrMissingRecord
		}
		return a.update(ctx, d.RecordID, d.MatchedBy, doc)
	case model.ActionCreate:
		return a.create(ctx, doc)
	default:
		return nil, eris.Wrapf(ErrNotApplicable, "merge: action %s", d.Action)
	}
}

func (a *Applier) create(ctx context.Context, doc *model.ParsedDocument) (*MergeResult, error) {
	booking := canonical(doc.Booking.String())
	if booking != "" {
		unlock := a.locks.Lock("booking:" + booking)
		defer unlock()

		// Another document may have created this booking since matching ran.
		ids, err := a.store.FindByBooking(ctx, booking)
		if err != nil {
			return nil, eris.Wrap(err, "merge: recheck booking")
		}
		switch len(ids) {
		case 0:
		case 1:
			zap.L().Info("merge: booking already exists, updating instead",
				zap.String("booking", booking),
				zap.String("record_id", ids[0]),
			)
			return a.update(ctx, ids[0], model.MatchedByBooking, doc)
		default:
			return nil, eris.Errorf("merge: booking %s matches %d shipments", booking, len(ids))
		}
	}

	number, err := a.shipmentNumber(ctx, doc)
	if err != nil {
		return nil, err
	}

	now := a.now().UTC()
	status, ok := model.StatusForDocument(doc.DocumentType)
	if !ok {
		status = model.StatusAtFactory
	}

	sh := &model.Shipment{
		ID:               uuid.NewString(),
		ShipmentNumber:   number,
		BookingNumber:    booking,
		PurchaseRef:      value(doc.PurchaseRef),
		BillOfLading:     billOfLading(doc),
		Vessel:           value(doc.Vessel),
		Voyage:           value(doc.Voyage),
		OriginPort:       value(doc.OriginPort),
		DestinationPort:  value(doc.DestinationPort),
		ETD:              departure(doc),
		ETA:              date(doc.ETA),
		ATD:              date(doc.ATD),
		ATA:              date(doc.ATA),
		FreightAmountUSD: amount(doc.FreightAmount),
		FreightTerms:     strings.ToUpper(value(doc.FreightTerms)),
		Status:           status,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	res := container.Resolve(doc.ContainerNumbers(), nil, a.threshold)
	sh.Containers = containerRows(sh.ID, res.Accept, doc, now)

	ev := model.ShipmentEvent{
		ID:           uuid.NewString(),
		ShipmentID:   sh.ID,
		Kind:         model.EventCreated,
		ToStatus:     status,
		DocumentType: doc.DocumentType,
		MatchedBy:    model.MatchedByNone,
		Description:  fmt.Sprintf("Shipment %s created from %s", number, doc.DocumentType.Label()),
		CreatedAt:    now,
	}
	if err := a.store.CreateShipment(ctx, sh, ev); err != nil {
		return nil, eris.Wrapf(err, "merge: create shipment %s", number)
	}

	zap.L().Info("merge: shipment created",
		zap.String("record_id", sh.ID),
		zap.String("shipment_number", number),
		zap.String("status", string(status)),
		zap.Int("containers", len(sh.Containers)),
	)

	return &MergeResult{
		RecordID:        sh.ID,
		ShipmentNumber:  number,
		Action:          model.ActionCreate,
		MatchedBy:       model.MatchedByNone,
		Status:          status,
		StatusChanged:   true,
		ContainersAdded: res.Accept,
		Duplicates:      res.Duplicates,
		Event:           ev,
	}, nil
}

func (a *Applier) update(ctx context.Context, id string, by model.MatchedBy, doc *model.ParsedDocument) (*MergeResult, error) {
	unlock := a.locks.Lock(id)
	defer unlock()

	sh, err := a.store.GetShipment(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "merge: load shipment %s", id)
	}

	p := planUpdate(sh, doc)
	result := &MergeResult{
		RecordID:       sh.ID,
		ShipmentNumber: sh.ShipmentNumber,
		Action:         model.ActionUpdate,
		MatchedBy:      by,
		PreviousStatus: sh.Status,
		Status:         sh.Status,
	}

	if target, ok := model.StatusForDocument(doc.DocumentType); ok && !doc.DocumentType.IsBill() && target != sh.Status {
		if model.CanTransition(sh.Status, target) {
			p.upd.Status = &target
			result.Status = target
			result.StatusChanged = true
		} else {
			result.StatusSkipped = true
			zap.L().Info("merge: status regression skipped",
				zap.String("record_id", sh.ID),
				zap.String("current", string(sh.Status)),
				zap.String("proposed", string(target)),
				zap.String("document_type", string(doc.DocumentType)),
			)
		}
	}

	now := a.now().UTC()
	res := container.Resolve(doc.ContainerNumbers(), sh.ContainerNumbers(), a.threshold)
	added := containerRows(sh.ID, res.Accept, doc, now)

	kind := model.EventUpdated
	if result.StatusChanged {
		kind = model.EventStatusChanged
	}
	ev := model.ShipmentEvent{
		ID:           uuid.NewString(),
		ShipmentID:   sh.ID,
		Kind:         kind,
		DocumentType: doc.DocumentType,
		MatchedBy:    by,
		Description:  describe(doc.DocumentType, by, p.changed, res.Accept),
		CreatedAt:    now,
	}
	if result.StatusChanged {
		ev.FromStatus = sh.Status
		ev.ToStatus = result.Status
	}

	if err := a.store.UpdateShipment(ctx, sh.ID, p.upd, added, ev); err != nil {
		return nil, eris.Wrapf(err, "merge: update shipment %s", sh.ShipmentNumber)
	}

	result.UpdatedFields = p.changed
	result.ContainersAdded = res.Accept
	result.Duplicates = res.Duplicates
	result.Event = ev

	zap.L().Info("merge: shipment updated",
		zap.String("record_id", sh.ID),
		zap.String("matched_by", string(by)),
		zap.Strings("fields", p.changed),
		zap.Int("containers_added", len(res.Accept)),
		zap.Bool("status_changed", result.StatusChanged),
	)
	return result, nil
}

// ChangeStatus moves a shipment to status to. Backward or post-terminal
// moves return an error wrapping *model.TransitionError and leave the
// record unchanged.
func (a *Applier) ChangeStatus(ctx context.Context, id string, to model.Status, note string) error {
	if !to.Valid() {
		return eris.Errorf("merge: unknown status %q", to)
	}

	unlock := a.locks.Lock(id)
	defer unlock()

	sh, err := a.store.GetShipment(ctx, id)
	if err != nil {
		return eris.Wrapf(err, "merge: load shipment %s", id)
	}
	if err := model.Transition(sh.Status, to); err != nil {
		return eris.Wrapf(err, "merge: change status of %s", sh.ShipmentNumber)
	}

	desc := fmt.Sprintf("Status changed from %s to %s", sh.Status, to)
	if n := strings.TrimSpace(note); n != "" {
		desc += ": " + n
	}
	ev := model.ShipmentEvent{
		ID:          uuid.NewString(),
		ShipmentID:  sh.ID,
		Kind:        model.EventStatusChanged,
		FromStatus:  sh.Status,
		ToStatus:    to,
		MatchedBy:   model.MatchedByExplicitID,
		Description: desc,
		CreatedAt:   a.now().UTC(),
	}
	if err := a.store.UpdateShipment(ctx, sh.ID, model.ShipmentUpdate{Status: &to}, nil, ev); err != nil {
		return eris.Wrapf(err, "merge: change status of %s", sh.ShipmentNumber)
	}
	return nil
}

// shipmentNumber returns the document's primary id, or a fresh SHP number
// not yet used by any shipment.
func (a *Applier) shipmentNumber(ctx context.Context, doc *model.ParsedDocument) (string, error) {
	if n := canonical(doc.PrimaryID.String()); n != "" {
		return n, nil
	}
	for range numberAttempts {
		n := a.newNumber()
		ids, err := a.store.FindByShipmentNumber(ctx, n)
		if err != nil {
			return "", eris.Wrap(err, "merge: check generated shipment number")
		}
		if len(ids) == 0 {
			return n, nil
		}
	}
	return "", eris.New("merge: could not generate a free shipment number")
}

func randomShipmentNumber() string {
	return fmt.Sprintf("SHP%07d", rand.IntN(10_000_000))
}

// --- field policy ---

type plan struct {
	upd     model.ShipmentUpdate
	changed []string
}

// str fills an empty field, or overwrites a set one when overwrite is true.
func (p *plan) str(name string, dst **string, current, incoming string, overwrite bool) {
	if incoming == "" || incoming == current {
		return
	}
	if current != "" && !overwrite {
		return
	}
	v := incoming
	*dst = &v
	p.changed = append(p.changed, name)
}

func (p *plan) date(name string, dst **time.Time, current, incoming *time.Time, overwrite bool) {
	if incoming == nil {
		return
	}
	if current != nil && (current.Equal(*incoming) || !overwrite) {
		return
	}
	t := *incoming
	*dst = &t
	p.changed = append(p.changed, name)
}

// planUpdate builds the sparse update for doc against sh. Identifiers and
// dates already set are preserved. Bills of lading are authoritative for
// vessel, voyage, actual dates and the bill number, may refill ports, and
// populate freight only while it is empty.
func planUpdate(sh *model.Shipment, doc *model.ParsedDocument) plan {
	var p plan
	bill := doc.DocumentType.IsBill()

	p.str("booking_number", &p.upd.BookingNumber, sh.BookingNumber, canonical(doc.Booking.String()), false)
	p.str("purchase_ref", &p.upd.PurchaseRef, sh.PurchaseRef, value(doc.PurchaseRef), false)
	p.str("bill_of_lading", &p.upd.BillOfLading, sh.BillOfLading, billOfLading(doc), bill)
	p.str("vessel", &p.upd.Vessel, sh.Vessel, value(doc.Vessel), bill)
	p.str("voyage", &p.upd.Voyage, sh.Voyage, value(doc.Voyage), bill)
	p.str("origin_port", &p.upd.OriginPort, sh.OriginPort, value(doc.OriginPort), bill)
	p.str("destination_port", &p.upd.DestinationPort, sh.DestinationPort, value(doc.DestinationPort), bill)

	p.date("etd", &p.upd.ETD, sh.ETD, departure(doc), false)
	p.date("eta", &p.upd.ETA, sh.ETA, date(doc.ETA), false)
	p.date("atd", &p.upd.ATD, sh.ATD, date(doc.ATD), bill)
	p.date("ata", &p.upd.ATA, sh.ATA, date(doc.ATA), bill)

	if bill {
		if amt := amount(doc.FreightAmount); amt > 0 && sh.FreightAmountUSD == 0 {
			p.upd.FreightAmountUSD = &amt
			p.changed = append(p.changed, "freight_amount_usd")
		}
		p.str("freight_terms", &p.upd.FreightTerms, sh.FreightTerms, strings.ToUpper(value(doc.FreightTerms)), false)
	}
	return p
}

func describe(t model.DocumentType, by model.MatchedBy, changed, added []string) string {
	var parts []string
	if len(changed) > 0 {
		parts = append(parts, "updated "+strings.Join(changed, ", "))
	}
	if len(added) > 0 {
		parts = append(parts, fmt.Sprintf("added %d container(s)", len(added)))
	}
	if len(parts) == 0 {
		parts = append(parts, "no changes")
	}
	return fmt.Sprintf("%s applied (matched by %s): %s", t.Label(), by, strings.Join(parts, "; "))
}

func containerRows(shipmentID string, accepted []string, doc *model.ParsedDocument, now time.Time) []model.Container {
	if len(accepted) == 0 {
		return nil
	}
	details := make(map[string]model.ContainerDetail, len(doc.Containers))
	for _, c := range doc.Containers {
		details[model.NormalizeContainerNumber(c.Number)] = c
	}
	rows := make([]model.Container, 0, len(accepted))
	for _, n := range accepted {
		d := details[n]
		rows = append(rows, model.Container{
			ID:         uuid.NewString(),
			ShipmentID: shipmentID,
			Number:     n,
			Type:       d.Type,
			WeightKg:   d.WeightKg,
			VolumeM3:   d.VolumeM3,
			Pallets:    d.Pallets,
			CreatedAt:  now,
		})
	}
	return rows
}

func value(f *model.ExtractedField) string {
	return strings.TrimSpace(f.String())
}

func canonical(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), ""))
}

// billOfLading prefers an explicit bill number; on a house bill the primary
// id printed on it is the bill number.
func billOfLading(doc *model.ParsedDocument) string {
	if v := canonical(doc.BillOfLading.String()); v != "" {
		return v
	}
	if doc.DocumentType == model.DocHouseBill {
		return canonical(doc.PrimaryID.String())
	}
	return ""
}

func date(f *model.ExtractedField) *time.Time {
	if !f.Present() {
		return nil
	}
	t, ok := model.ParseDate(f.Value)
	if !ok {
		return nil
	}
	return &t
}

// departure is the ETD, falling back to the ATD on bills of lading.
func departure(doc *model.ParsedDocument) *time.Time {
	if t := date(doc.ETD); t != nil {
		return t
	}
	if doc.DocumentType.IsBill() {
		return date(doc.ATD)
	}
	return nil
}

func amount(f *model.ExtractedField) float64 {
	if !f.Present() {
		return 0
	}
	s := strings.NewReplacer("$", "", ",", "", "USD", "", "usd", "").Replace(f.Value)
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}
