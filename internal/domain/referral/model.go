package referral

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/referral/internal/platform/fhir"
)

// Case maps to the referral_case table.
type Case struct {
	ID                      uuid.UUID `db:"id" json:"id"`
	CreatedAt               time.Time `db:"created_at" json:"created_at"`
	UpdatedAt               time.Time `db:"updated_at" json:"updated_at"`
	Active                  bool      `db:"active" json:"active"`
	SubjectName             string    `db:"subject_name" json:"subject_name"`
	OriginParty             string    `db:"origin_party" json:"origin_party"`
	CurrentDestinationParty *string   `db:"current_destination_party" json:"current_destination_party,omitempty"`
	AcceptedByActor         *string   `db:"accepted_by_actor" json:"accepted_by_actor,omitempty"`
	DeclineReason           *string   `db:"decline_reason" json:"decline_reason,omitempty"`
	RedirectSuggestion      *string   `db:"redirect_suggestion" json:"redirect_suggestion,omitempty"`
	ReasonText              *string   `db:"reason_text" json:"reason_text,omitempty"`
}

// HistoryEntry maps to the referral_history table. Rows are never updated
// except for the is_active flag flip performed inside Ledger.Append.
type HistoryEntry struct {
	ID               uuid.UUID `db:"id" json:"id"`
	CaseID           uuid.UUID `db:"case_id" json:"case_id"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	StatusID         StatusID  `db:"status_id" json:"status_id"`
	DestinationParty *string   `db:"destination_party" json:"destination_party,omitempty"`
	IsActive         bool      `db:"is_active" json:"is_active"`
	Note             *string   `db:"note" json:"note,omitempty"`
	ActorID          *string   `db:"actor_id" json:"actor_id,omitempty"`
	ActorParty       *string   `db:"actor_party" json:"actor_party,omitempty"`
}

// clone returns a detached copy so callers can never mutate stored state.
func (e *HistoryEntry) clone() *HistoryEntry {
	cp := *e
	cp.DestinationParty = clonePtr(e.DestinationParty)
	cp.Note = clonePtr(e.Note)
	cp.ActorID = clonePtr(e.ActorID)
	cp.ActorParty = clonePtr(e.ActorParty)
	return &cp
}

func (c *Case) clone() *Case {
	cp := *c
	cp.CurrentDestinationParty = clonePtr(c.CurrentDestinationParty)
	cp.AcceptedByActor = clonePtr(c.AcceptedByActor)
	cp.DeclineReason = clonePtr(c.DeclineReason)
	cp.RedirectSuggestion = clonePtr(c.RedirectSuggestion)
	cp.ReasonText = clonePtr(c.ReasonText)
	return &cp
}

// fhirTaskStatus maps referral statuses onto the FHIR R4 Task status value set.
var fhirTaskStatus = map[StatusID]string{
	StatusPending:    "requested",
	StatusAccepted:   "accepted",
	StatusDeclined:   "rejected",
	StatusInTransit:  "in-progress",
	StatusArrived:    "in-progress",
	StatusAdmitted:   "in-progress",
	StatusDischarged: "completed",
}

// ToFHIR renders the case as a FHIR Task. status is the derived current
// status and may be nil before the first ledger entry exists.
func (c *Case) ToFHIR(status *StatusID) map[string]interface{} {
	result := map[string]interface{}{
		"resourceType": "Task",
		"id":           c.ID.String(),
		"intent":       "order",
		"status":       "draft",
		"code": fhir.CodeableConcept{
			Coding: []fhir.Coding{{
				System:  "http://hl7.org/fhir/CodeSystem/task-code",
				Code:    "fulfill",
				Display: "Fulfill the focal request",
			}},
			Text: "referral",
		},
		"for": fhir.Reference{Display: c.SubjectName},
		"requester": fhir.Reference{
			Type:    "Organization",
			Display: c.OriginParty,
		},
		"authoredOn": c.CreatedAt,
		"meta": fhir.Meta{
			LastUpdated: c.UpdatedAt,
		},
	}

	if status != nil {
		if ts, ok := fhirTaskStatus[*status]; ok {
			result["status"] = ts
		}
		result["businessStatus"] = fhir.CodeableConcept{
			Coding: []fhir.Coding{{Code: string(*status)}},
		}
	}

	if c.CurrentDestinationParty != nil {
		result["owner"] = fhir.Reference{
			Type:    "Organization",
			Display: *c.CurrentDestinationParty,
		}
	}

	if c.ReasonText != nil {
		result["reasonCode"] = fhir.CodeableConcept{Text: *c.ReasonText}
	}

	if c.DeclineReason != nil {
		result["statusReason"] = fhir.CodeableConcept{Text: *c.DeclineReason}
	}

	var notes []map[string]string
	if c.AcceptedByActor != nil {
		notes = append(notes, map[string]string{"text": "accepted by " + *c.AcceptedByActor})
	}
	if c.RedirectSuggestion != nil {
		notes = append(notes, map[string]string{"text": "suggested destination: " + *c.RedirectSuggestion})
	}
	if len(notes) > 0 {
		result["note"] = notes
	}

	if !c.Active {
		result["extension"] = []fhir.Extension{{
			URL:          "http://example.org/fhir/StructureDefinition/referral-deactivated",
			ValueBoolean: boolPtr(true),
		}}
	}

	return result
}

func clonePtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func strPtr(s string) *string { return &s }

func boolPtr(b bool) *bool { return &b }

func strPtrVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
