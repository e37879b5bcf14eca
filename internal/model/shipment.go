package model

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
)

// Status is the lifecycle stage of a shipment.
type Status string

const (
	StatusAtFactory         Status = "AT_FACTORY"
	StatusAtOriginPort      Status = "AT_ORIGIN_PORT"
	StatusInTransit         Status = "IN_TRANSIT"
	StatusAtDestinationPort Status = "AT_DESTINATION_PORT"
	StatusInCustoms         Status = "IN_CUSTOMS"
	StatusInTruck           Status = "IN_TRUCK"
	StatusDelivered         Status = "DELIVERED"
)

var statusOrder = []Status{
	StatusAtFactory,
	StatusAtOriginPort,
	StatusInTransit,
	StatusAtDestinationPort,
	StatusInCustoms,
	StatusInTruck,
	StatusDelivered,
}

// AllStatuses returns the statuses in lifecycle order.
func AllStatuses() []Status {
	out := make([]Status, len(statusOrder))
	copy(out, statusOrder)
	return out
}

// Rank returns the position of s in the lifecycle, or -1 if unknown.
func (s Status) Rank() int {
	for i, st := range statusOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool { return s.Rank() >= 0 }

// Terminal reports whether s accepts no further transitions.
func (s Status) Terminal() bool { return s == StatusDelivered }

// ErrInvalidStatusTransition is returned for backward or post-terminal moves.
var ErrInvalidStatusTransition = eris.New("invalid status transition")

// TransitionError carries the rejected transition.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidStatusTransition }

// CanTransition reports whether moving from one status to another is legal:
// the target must rank strictly higher and the current status must not be
// terminal. Skipping stages forward is allowed.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() || from.Terminal() {
		return false
	}
	return to.Rank() > from.Rank()
}

// Transition validates a status change, returning a *TransitionError when illegal.
func Transition(from, to Status) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// StatusForDocument returns the status a document type implies, if any.
// Bills of lading imply none; they only enrich reference data.
func StatusForDocument(t DocumentType) (Status, bool) {
	switch t {
	case DocBooking:
		return StatusAtOriginPort, true
	case DocDeparture:
		return StatusInTransit, true
	case DocArrival:
		return StatusAtDestinationPort, true
	default:
		return "", false
	}
}

// Shipment is the record the pipeline reconciles documents against.
type Shipment struct {
	ID               string      `json:"id"`
	ShipmentNumber   string      `json:"shipment_number"`
	BookingNumber    string      `json:"booking_number,omitempty"`
	PurchaseRef      string      `json:"purchase_ref,omitempty"`
	BillOfLading     string      `json:"bill_of_lading,omitempty"`
	Vessel           string      `json:"vessel,omitempty"`
	Voyage           string      `json:"voyage,omitempty"`
	OriginPort       string      `json:"origin_port,omitempty"`
	DestinationPort  string      `json:"destination_port,omitempty"`
	ETD              *time.Time  `json:"etd,omitempty"`
	ETA              *time.Time  `json:"eta,omitempty"`
	ATD              *time.Time  `json:"atd,omitempty"`
	ATA              *time.Time  `json:"ata,omitempty"`
	FreightAmountUSD float64     `json:"freight_amount_usd,omitempty"`
	FreightTerms     string      `json:"freight_terms,omitempty"`
	Status           Status      `json:"status"`
	Containers       []Container `json:"containers,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// ContainerNumbers returns the numbers of the shipment's containers.
func (s *Shipment) ContainerNumbers() []string {
	out := make([]string, 0, len(s.Containers))
	for _, c := range s.Containers {
		out = append(out, c.Number)
	}
	return out
}

// Container is a physical container attached to a shipment.
type Container struct {
	ID         string    `json:"id"`
	ShipmentID string    `json:"shipment_id"`
	Number     string    `json:"number"`
	Type       string    `json:"type,omitempty"`
	WeightKg   float64   `json:"weight_kg,omitempty"`
	VolumeM3   float64   `json:"volume_m3,omitempty"`
	Pallets    int       `json:"pallets,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ShipmentUpdate is a sparse set of field changes. Nil pointers are left untouched.
type ShipmentUpdate struct {
	ShipmentNumber   *string
	BookingNumber    *string
	PurchaseRef      *string
	BillOfLading     *string
	Vessel           *string
	Voyage           *string
	OriginPort       *string
	DestinationPort  *string
	ETD              *time.Time
	ETA              *time.Time
	ATD              *time.Time
	ATA              *time.Time
	FreightAmountUSD *float64
	FreightTerms     *string
	Status           *Status
}

// Empty reports whether the update changes nothing.
func (u *ShipmentUpdate) Empty() bool {
	return u.ShipmentNumber == nil && u.BookingNumber == nil && u.PurchaseRef == nil &&
		u.BillOfLading == nil && u.Vessel == nil && u.Voyage == nil &&
		u.OriginPort == nil && u.DestinationPort == nil &&
		u.ETD == nil && u.ETA == nil && u.ATD == nil && u.ATA == nil &&
		u.FreightAmountUSD == nil && u.FreightTerms == nil && u.Status == nil
}

// ApplyTo copies every set field onto s.
func (u *ShipmentUpdate) ApplyTo(s *Shipment) {
	setStr := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	setTime := func(dst **time.Time, v *time.Time) {
		if v != nil {
			t := *v
			*dst = &t
		}
	}
	setStr(&s.ShipmentNumber, u.ShipmentNumber)
	setStr(&s.BookingNumber, u.BookingNumber)
	setStr(&s.PurchaseRef, u.PurchaseRef)
	setStr(&s.BillOfLading, u.BillOfLading)
	setStr(&s.Vessel, u.Vessel)
	setStr(&s.Voyage, u.Voyage)
	setStr(&s.OriginPort, u.OriginPort)
	setStr(&s.DestinationPort, u.DestinationPort)
	setTime(&s.ETD, u.ETD)
	setTime(&s.ETA, u.ETA)
	setTime(&s.ATD, u.ATD)
	setTime(&s.ATA, u.ATA)
	if u.FreightAmountUSD != nil {
		s.FreightAmountUSD = *u.FreightAmountUSD
	}
	setStr(&s.FreightTerms, u.FreightTerms)
	if u.Status != nil {
		s.Status = *u.Status
	}
}

// EventKind classifies audit events.
type EventKind string

const (
	EventCreated       EventKind = "created"
	EventUpdated       EventKind = "updated"
	EventStatusChanged EventKind = "status_changed"
)

// ShipmentEvent is an append-only audit entry for a shipment.
type ShipmentEvent struct {
	ID           string       `json:"id"`
	ShipmentID   string       `json:"shipment_id"`
	Kind         EventKind    `json:"kind"`
	FromStatus   Status       `json:"from_status,omitempty"`
	ToStatus     Status       `json:"to_status,omitempty"`
	DocumentType DocumentType `json:"document_type,omitempty"`
	MatchedBy    MatchedBy    `json:"matched_by,omitempty"`
	Description  string       `json:"description"`
	CreatedAt    time.Time    `json:"created_at"`
}
