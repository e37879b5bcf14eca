package model

import (
	"encoding/json"
	"strings"
	"time"
)

// DocumentType identifies the kind of shipping document being ingested.
type DocumentType string

const (
	DocBooking    DocumentType = "booking"
	DocHouseBill  DocumentType = "hbl"
	DocMasterBill DocumentType = "mbl"
	DocDeparture  DocumentType = "departure"
	DocArrival    DocumentType = "arrival"
	DocUnknown    DocumentType = "unknown"
)

// AllDocumentTypes returns every document type in declaration order.
func AllDocumentTypes() []DocumentType {
	return []DocumentType{DocBooking, DocHouseBill, DocMasterBill, DocDeparture, DocArrival, DocUnknown}
}

// ParseDocumentType maps a loosely formatted type name onto a DocumentType.
// Unrecognized names map to DocUnknown.
func ParseDocumentType(s string) DocumentType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "booking", "booking_confirmation":
		return DocBooking
	case "hbl", "house_bill", "house_bill_of_lading":
		return DocHouseBill
	case "mbl", "master_bill", "master_bill_of_lading":
		return DocMasterBill
	case "departure", "departure_notice", "departure_confirmation":
		return DocDeparture
	case "arrival", "arrival_notice":
		return DocArrival
	default:
		return DocUnknown
	}
}

// IsBill reports whether the type is a house or master bill of lading.
func (t DocumentType) IsBill() bool {
	return t == DocHouseBill || t == DocMasterBill
}

// Label is the short human-readable name used in events and notifications.
func (t DocumentType) Label() string {
	switch t {
	case DocBooking:
		return "Booking"
	case DocHouseBill:
		return "HBL"
	case DocMasterBill:
		return "MBL"
	case DocDeparture:
		return "Departure"
	case DocArrival:
		return "Arrival"
	default:
		return "Document"
	}
}

// Technique records which extraction tier produced a document.
type Technique string

const (
	TechniqueTextLayer Technique = "text_layer"
	TechniqueOCR       Technique = "ocr"
	TechniqueVision    Technique = "vision"
)

// ExtractedField is one scalar fact pulled from a document with its provenance.
type ExtractedField struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source,omitempty"`
}

// NewField returns a field, or nil when value is blank.
func NewField(value string, confidence float64, source string) *ExtractedField {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &ExtractedField{Value: value, Confidence: confidence, Source: source}
}

// Present reports whether f carries a value.
func (f *ExtractedField) Present() bool {
	return f != nil && f.Value != ""
}

// String returns the value or "" for a nil field.
func (f *ExtractedField) String() string {
	if f == nil {
		return ""
	}
	return f.Value
}

// ContainerDetail describes one container listed on a document.
type ContainerDetail struct {
	Number   string  `json:"number"`
	Type     string  `json:"type,omitempty"`
	WeightKg float64 `json:"weight_kg,omitempty"`
	VolumeM3 float64 `json:"volume_m3,omitempty"`
	Pallets  int     `json:"pallets,omitempty"`
}

// NormalizeContainerNumber uppercases and strips whitespace.
func NormalizeContainerNumber(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), ""))
}

// ValidContainerNumber reports whether s has the 4 letters + 7 digits shape.
func ValidContainerNumber(s string) bool {
	if len(s) != 11 {
		return false
	}
	for i := 0; i < 4; i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return false
		}
	}
	for i := 4; i < 11; i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// letterValues maps owner-code letters to their ISO 6346 values, which skip
// multiples of 11.
var letterValues = func() [26]int {
	var out [26]int
	v := 10
	for i := range out {
		if v%11 == 0 {
			v++
		}
		out[i] = v
		v++
	}
	return out
}()

// ContainerCheckDigit computes the ISO 6346 check digit of a container
// number from its first ten characters. ok is false when s does not have
// the container shape.
func ContainerCheckDigit(s string) (digit int, ok bool) {
	if !ValidContainerNumber(s) {
		return 0, false
	}
	sum := 0
	for i := 0; i < 10; i++ {
		v := int(s[i] - '0')
		if i < 4 {
			v = letterValues[s[i]-'A']
		}
		sum += v << i
	}
	return sum % 11 % 10, true
}

// ValidCheckDigit reports whether s is a container number whose last digit
// is its ISO 6346 check digit.
func ValidCheckDigit(s string) bool {
	d, ok := ContainerCheckDigit(s)
	return ok && int(s[10]-'0') == d
}

// ParsedDocument aggregates every field extracted from a single document.
// It is built once by the extractor and classifier and treated as immutable
// afterwards.
type ParsedDocument struct {
	DocumentType           DocumentType `json:"document_type"`
	DocumentTypeConfidence float64      `json:"document_type_confidence"`
	Technique              Technique    `json:"technique,omitempty"`

	PrimaryID    *ExtractedField `json:"primary_id,omitempty"`
	Booking      *ExtractedField `json:"booking,omitempty"`
	PurchaseRef  *ExtractedField `json:"purchase_ref,omitempty"`
	BillOfLading *ExtractedField `json:"bill_of_lading,omitempty"`

	Vessel          *ExtractedField `json:"vessel,omitempty"`
	Voyage          *ExtractedField `json:"voyage,omitempty"`
	OriginPort      *ExtractedField `json:"origin_port,omitempty"`
	DestinationPort *ExtractedField `json:"destination_port,omitempty"`

	ETD *ExtractedField `json:"etd,omitempty"`
	ETA *ExtractedField `json:"eta,omitempty"`
	ATD *ExtractedField `json:"atd,omitempty"`
	ATA *ExtractedField `json:"ata,omitempty"`

	FreightAmount *ExtractedField `json:"freight_amount_usd,omitempty"`
	FreightTerms  *ExtractedField `json:"freight_terms,omitempty"`

	Containers           []ContainerDetail `json:"containers,omitempty"`
	ContainersConfidence float64           `json:"containers_confidence,omitempty"`

	RawText  string   `json:"raw_text,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// NamedField pairs a field name with its value for iteration.
type NamedField struct {
	Name  string
	Field *ExtractedField
}

// Fields returns the scalar fields in a stable order, including absent ones.
func (d *ParsedDocument) Fields() []NamedField {
	return []NamedField{
		{"primary_id", d.PrimaryID},
		{"booking", d.Booking},
		{"purchase_ref", d.PurchaseRef},
		{"bill_of_lading", d.BillOfLading},
		{"vessel", d.Vessel},
		{"voyage", d.Voyage},
		{"origin_port", d.OriginPort},
		{"destination_port", d.DestinationPort},
		{"etd", d.ETD},
		{"eta", d.ETA},
		{"atd", d.ATD},
		{"ata", d.ATA},
		{"freight_amount_usd", d.FreightAmount},
		{"freight_terms", d.FreightTerms},
	}
}

// SetField replaces the named scalar field, using the names Fields returns.
// It reports false for an unknown name.
func (d *ParsedDocument) SetField(name string, f *ExtractedField) bool {
	var dst **ExtractedField
	switch name {
	case "primary_id":
		dst = &d.PrimaryID
	case "booking":
		dst = &d.Booking
	case "purchase_ref":
		dst = &d.PurchaseRef
	case "bill_of_lading":
		dst = &d.BillOfLading
	case "vessel":
		dst = &d.Vessel
	case "voyage":
		dst = &d.Voyage
	case "origin_port":
		dst = &d.OriginPort
	case "destination_port":
		dst = &d.DestinationPort
	case "etd":
		dst = &d.ETD
	case "eta":
		dst = &d.ETA
	case "atd":
		dst = &d.ATD
	case "ata":
		dst = &d.ATA
	case "freight_amount_usd":
		dst = &d.FreightAmount
	case "freight_terms":
		dst = &d.FreightTerms
	default:
		return false
	}
	*dst = f
	return true
}

// OverallConfidence is the mean confidence of every populated field. The
// document type and the container list each count as one field when present.
// It is always derived, so it cannot drift from the fields it summarizes.
func (d *ParsedDocument) OverallConfidence() float64 {
	var sum float64
	var n int
	if d.DocumentTypeConfidence > 0 {
		sum += d.DocumentTypeConfidence
		n++
	}
	for _, nf := range d.Fields() {
		if nf.Field.Present() {
			sum += nf.Field.Confidence
			n++
		}
	}
	if len(d.Containers) > 0 {
		sum += d.ContainersConfidence
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// ContainerNumbers returns the container identifiers in document order.
func (d *ParsedDocument) ContainerNumbers() []string {
	out := make([]string, 0, len(d.Containers))
	for _, c := range d.Containers {
		out = append(out, c.Number)
	}
	return out
}

// HasIdentifiers reports whether any matchable identifier was extracted.
func (d *ParsedDocument) HasIdentifiers() bool {
	return d.Booking.Present() || d.PrimaryID.Present() || len(d.Containers) > 0
}

// MarshalJSON adds the derived overall_confidence to the serialized form.
func (d ParsedDocument) MarshalJSON() ([]byte, error) {
	type alias ParsedDocument
	return json.Marshal(struct {
		alias
		OverallConfidence float64 `json:"overall_confidence"`
	}{alias: alias(d), OverallConfidence: d.OverallConfidence()})
}

var dateLayouts = []string{
	"2-Jan-2006",
	"2-Jan-06",
	"2/Jan/2006",
	"2/Jan/06",
	"2 Jan 2006",
	"2006-01-02",
	"2/1/2006",
	"2-1-2006",
	"2/1/06",
	"2-1-06",
	time.RFC3339,
}

// ParseDate parses the date formats seen on shipping documents. Numeric
// dates are read day first.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
