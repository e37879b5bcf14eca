package model

// MatchedBy names the strategy that located an existing shipment.
type MatchedBy string

const (
	MatchedByExplicitID MatchedBy = "explicit_id"
	MatchedByBooking    MatchedBy = "booking"
	MatchedByPrimaryID  MatchedBy = "primary_id"
	MatchedByContainers MatchedBy = "containers"
	MatchedByNone       MatchedBy = "none"
)

// MatchResult is the outcome of the shipment matcher. A zero RecordID with
// MatchedByNone is a normal, common result. Ambiguous is set when a
// strategy found several candidates; the result is then never a match.
type MatchResult struct {
	RecordID   string    `json:"record_id,omitempty"`
	MatchedBy  MatchedBy `json:"matched_by"`
	Ambiguous  bool      `json:"ambiguous,omitempty"`
	Candidates []string  `json:"candidates,omitempty"`
}

// NoMatch is the empty match result.
func NoMatch() MatchResult {
	return MatchResult{MatchedBy: MatchedByNone}
}

// Found reports whether a record was matched.
func (m MatchResult) Found() bool {
	return m.RecordID != "" && m.MatchedBy != MatchedByNone && !m.Ambiguous
}

// Action is what the pipeline does with a classified document.
type Action string

const (
	ActionUpdate      Action = "UPDATE"
	ActionCreate      Action = "CREATE"
	ActionNeedsReview Action = "NEEDS_REVIEW"
)

// ActionDecision is the side-effect free verdict for a document.
type ActionDecision struct {
	Action    Action    `json:"action"`
	Reason    string    `json:"reason"`
	RecordID  string    `json:"record_id,omitempty"`
	MatchedBy MatchedBy `json:"matched_by,omitempty"`
}
