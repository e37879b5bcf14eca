// Package decision maps a document type and match result onto the action
// the pipeline takes. It performs no I/O.
package decision

import (
	"fmt"

	"github.com/sells-group/shipdoc-cli/internal/model"
)

// genesis lists the document types allowed to create a shipment when
// nothing matches. Every other type can only update an existing one.
var genesis = map[model.DocumentType]bool{
	model.DocBooking:    true,
	model.DocHouseBill:  false,
	model.DocMasterBill: false,
	model.DocDeparture:  false,
	model.DocArrival:    false,
	model.DocUnknown:    false,
}

// IsGenesis reports whether t may create a new shipment.
func IsGenesis(t model.DocumentType) bool { return genesis[t] }

// Decide returns the action for a document. Rules, in order: a match
// updates; an ambiguous match is reviewed; a genesis document with a
// booking number creates; anything else is reviewed.
func Decide(docType model.DocumentType, doc *model.ParsedDocument, match model.MatchResult) model.ActionDecision {
	if match.Found() {
		return model.ActionDecision{
			Action:    model.ActionUpdate,
			Reason:    fmt.Sprintf("Matched existing shipment by %s", match.MatchedBy),
			RecordID:  match.RecordID,
			MatchedBy: match.MatchedBy,
		}
	}

	if match.Ambiguous {
		return model.ActionDecision{
			Action:    model.ActionNeedsReview,
			Reason:    fmt.Sprintf("%s matches %d shipments, needs manual assignment", docType.Label(), len(match.Candidates)),
			MatchedBy: model.MatchedByNone,
		}
	}

	if IsGenesis(docType) {
		if doc != nil && doc.Booking.Present() {
			return model.ActionDecision{
				Action:    model.ActionCreate,
				Reason:    "New booking - creating shipment",
				MatchedBy: model.MatchedByNone,
			}
		}
		return model.ActionDecision{
			Action:    model.ActionNeedsReview,
			Reason:    "Booking document received but no booking number found",
			MatchedBy: model.MatchedByNone,
		}
	}

	return model.ActionDecision{
		Action:    model.ActionNeedsReview,
		Reason:    fmt.Sprintf("%s received but no matching shipment found", docType.Label()),
		MatchedBy: model.MatchedByNone,
	}
}
