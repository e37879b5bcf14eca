package model

import "time"

// PendingStatus is the lifecycle state of a pending document.
type PendingStatus string

const (
	PendingOpen      PendingStatus = "pending"
	PendingResolving PendingStatus = "resolving"
	PendingResolved  PendingStatus = "resolved"
	PendingExpired   PendingStatus = "expired"
)

// ResolvedAction records how a pending document was resolved.
type ResolvedAction string

const (
	ResolvedAssigned  ResolvedAction = "assigned"
	ResolvedCreated   ResolvedAction = "created"
	ResolvedDiscarded ResolvedAction = "discarded"
)

// ParseResolvedAction accepts both the verb ("assign") and the past
// tense ("assigned") forms.
func ParseResolvedAction(s string) (ResolvedAction, bool) {
	switch s {
	case "assign", "assigned":
		return ResolvedAssigned, true
	case "create", "created":
		return ResolvedCreated, true
	case "discard", "discarded":
		return ResolvedDiscarded, true
	default:
		return "", false
	}
}

// Source identifies how a document entered the pipeline.
type Source string

const (
	SourceEmail   Source = "email"
	SourceManual  Source = "manual"
	SourcePreview Source = "preview"
)

// PendingDocument holds a document awaiting human resolution. It is mutated
// exactly once, at resolution or expiry.
type PendingDocument struct {
	ID                  string          `json:"id"`
	DocumentType        DocumentType    `json:"document_type"`
	Parsed              *ParsedDocument `json:"parsed,omitempty"`
	StorageRef          string          `json:"storage_ref,omitempty"`
	Filename            string          `json:"filename,omitempty"`
	Source              Source          `json:"source"`
	EmailFrom           string          `json:"email_from,omitempty"`
	EmailSubject        string          `json:"email_subject,omitempty"`
	AttemptedBooking    string          `json:"attempted_booking,omitempty"`
	AttemptedPrimaryID  string          `json:"attempted_primary_id,omitempty"`
	AttemptedContainers []string        `json:"attempted_containers,omitempty"`
	Reason              string          `json:"reason,omitempty"`
	Status              PendingStatus   `json:"status"`
	ResolvedAt          *time.Time      `json:"resolved_at,omitempty"`
	ResolvedRecordID    string          `json:"resolved_record_id,omitempty"`
	ResolvedAction      ResolvedAction  `json:"resolved_action,omitempty"`
	ExpiresAt           time.Time       `json:"expires_at"`
	CreatedAt           time.Time       `json:"created_at"`
}

// IsOpen reports whether the document can still be resolved.
func (p *PendingDocument) IsOpen() bool {
	return p.Status == PendingOpen
}

// PastExpiry reports whether the expiry timestamp has passed at now.
func (p *PendingDocument) PastExpiry(now time.Time) bool {
	return !p.ExpiresAt.After(now)
}
