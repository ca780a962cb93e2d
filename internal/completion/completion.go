// Package completion decides which sections of a merged plan are complete and whether the
// plan may be exported as final.
package completion

import (
	"legacyplan/api/internal/plan"
	"legacyplan/api/internal/sections"
)

// Missing names an incomplete section. Reason is a stable code for the localization layer.
type Missing struct {
	SectionID string `json:"section_id"`
	Reason    string `json:"reason"`
}

type Report struct {
	Completed   []string  `json:"completed"`
	Missing     []Missing `json:"missing"`
	ExportReady bool      `json:"export_ready"`
}

type rule struct {
	reason   string
	complete func(plan.Document) bool
}

var rules = map[string]rule{
	sections.Preferences: {"selection required", func(d plan.Document) bool { return len(d.SelectedSections) > 0 }},
	sections.Guidance:    {"", func(plan.Document) bool { return true }},
	sections.FAQ:         {"", func(plan.Document) bool { return true }},
	sections.Personal: {"name required", func(d plan.Document) bool {
		return d.Profile != nil && !plan.IsEmptyValue(d.Profile.FullName)
	}},
	sections.Contacts:             {"at least one contact required", hasRecords(plan.CollectionContacts)},
	sections.ProfessionalContacts: {"at least one professional contact required", hasRecords(plan.CollectionProfessionalContacts)},
	sections.Legal:                {"legal notes or advance directive required", anyOf(hasField(plan.FieldLegalNotes), hasBlob(plan.KindAdvanceDirective))},
	sections.Funeral:              {"funeral wishes required", anyOf(hasField(plan.FieldFuneralNotes), hasRecords(plan.CollectionFuneralFunding))},
	sections.Financial: {"financial details required", anyOf(
		hasField(plan.FieldFinancialNotes), hasRecords(plan.CollectionBankAccounts), hasRecords(plan.CollectionInvestments))},
	sections.Insurance:    {"insurance details required", anyOf(hasField(plan.FieldInsuranceNotes), hasRecords(plan.CollectionInsurancePolicies))},
	sections.Property:     {"property details required", anyOf(hasField(plan.FieldPropertyNotes), hasRecords(plan.CollectionProperties))},
	sections.Pets:         {"pet care details required", anyOf(hasField(plan.FieldPetsNotes), hasRecords(plan.CollectionPets))},
	sections.Digital:      {"digital notes required", hasField(plan.FieldDigitalNotes)},
	sections.Messages:     {"at least one message required", anyOf(hasField(plan.FieldMessagesNotes), hasRecords(plan.CollectionMessages))},
	sections.Instructions: {"instructions required", hasField(plan.FieldInstructionsNotes)},
	sections.Checklist:    {"checklist notes required", hasField(plan.FieldChecklistNotes)},
}

// Evaluate reports completion for the visible sections. The plan is export ready when every
// visible section that is not optional is complete. Evaluate only reports; it never blocks
// the draft export path.
func Evaluate(doc plan.Document, visible []sections.Descriptor) Report {
	report := Report{Completed: []string{}, Missing: []Missing{}}
	required := 0
	for _, d := range visible {
		r, ok := rules[d.ID]
		if !ok {
			continue
		}
		if r.complete(doc) {
			report.Completed = append(report.Completed, d.ID)
			continue
		}
		if d.Optional {
			continue
		}
		report.Missing = append(report.Missing, Missing{SectionID: d.ID, Reason: r.reason})
	}
	for _, d := range visible {
		if !d.Optional {
			required++
		}
	}
	report.ExportReady = required > 0 && len(report.Missing) == 0
	return report
}

func hasField(f plan.Field) func(plan.Document) bool {
	return func(d plan.Document) bool {
		_, ok := d.Field(f)
		return ok
	}
}

// hasRecords counts only records that carry some content.
func hasRecords(c plan.Collection) func(plan.Document) bool {
	return func(d plan.Document) bool {
		for _, r := range d.Records(c) {
			if !plan.IsEmptyValue(r.Data) {
				return true
			}
		}
		return false
	}
}

func hasBlob(kind plan.BlobKind) func(plan.Document) bool {
	return func(d plan.Document) bool {
		return !d.Blob(kind).IsEmpty()
	}
}

func anyOf(checks ...func(plan.Document) bool) func(plan.Document) bool {
	return func(d plan.Document) bool {
		for _, check := range checks {
			if check(d) {
				return true
			}
		}
		return false
	}
}
