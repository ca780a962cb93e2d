package app

import (
	"time"

	"legacyplan/api/internal/plan"
)

// PlanView is the wire form of a merged plan document.
type PlanView struct {
	ID               string                            `json:"id,omitempty"`
	Fields           map[plan.Field]string             `json:"fields"`
	Profile          *plan.Profile                     `json:"profile,omitempty"`
	AdvanceDirective *plan.SectionBlob                 `json:"advance_directive,omitempty"`
	CarePreferences  *plan.SectionBlob                 `json:"care_preferences,omitempty"`
	Collections      map[plan.Collection][]plan.Record `json:"collections"`
	SelectedSections []string                          `json:"selected_sections"`
	Revisions        []plan.Revision                   `json:"revisions"`
	UpdatedAt        *time.Time                        `json:"updated_at,omitempty"`
}

func newPlanView(doc plan.Document) PlanView {
	view := PlanView{
		ID:               doc.ID,
		Fields:           doc.Fields,
		Profile:          doc.Profile,
		AdvanceDirective: doc.AdvanceDirective,
		CarePreferences:  doc.CarePreferences,
		Collections:      map[plan.Collection][]plan.Record{},
		SelectedSections: doc.SelectedSections,
		Revisions:        doc.Revisions,
	}
	if view.Fields == nil {
		view.Fields = map[plan.Field]string{}
	}
	for _, c := range plan.Collections {
		records := doc.Collections[c]
		if records == nil {
			records = []plan.Record{}
		}
		view.Collections[c] = records
	}
	if view.SelectedSections == nil {
		view.SelectedSections = []string{}
	}
	if view.Revisions == nil {
		view.Revisions = []plan.Revision{}
	}
	if !doc.UpdatedAt.IsZero() {
		updated := doc.UpdatedAt
		view.UpdatedAt = &updated
	}
	return view
}
