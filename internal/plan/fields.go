// Package plan defines the pre-plan document model shared by the draft store, the remote
// repository, the reconciler and the autosave coordinator.
package plan

// Field names a scalar free-text field on the plan. The string value doubles as the
// column name in the plans table and the key in draft documents.
type Field string

const (
	FieldChecklistNotes    Field = "checklist_notes"
	FieldInstructionsNotes Field = "instructions_notes"
	FieldAboutMeNotes      Field = "about_me_notes"
	FieldFuneralNotes      Field = "funeral_notes"
	FieldFinancialNotes    Field = "financial_notes"
	FieldInsuranceNotes    Field = "insurance_notes"
	FieldPropertyNotes     Field = "property_notes"
	FieldPetsNotes         Field = "pets_notes"
	FieldDigitalNotes      Field = "digital_notes"
	FieldLegalNotes        Field = "legal_notes"
	FieldMessagesNotes     Field = "messages_notes"
	FieldPreparedBy        Field = "prepared_by"
	FieldPreparedFor       Field = "prepared_for"
	FieldTitle             Field = "title"
)

// Fields lists every scalar field in column order.
var Fields = []Field{
	FieldTitle,
	FieldPreparedBy,
	FieldPreparedFor,
	FieldChecklistNotes,
	FieldInstructionsNotes,
	FieldAboutMeNotes,
	FieldFuneralNotes,
	FieldFinancialNotes,
	FieldInsuranceNotes,
	FieldPropertyNotes,
	FieldPetsNotes,
	FieldDigitalNotes,
	FieldLegalNotes,
	FieldMessagesNotes,
}

var knownFields = func() map[Field]struct{} {
	out := make(map[Field]struct{}, len(Fields))
	for _, f := range Fields {
		out[f] = struct{}{}
	}
	return out
}()

func (f Field) Valid() bool {
	_, ok := knownFields[f]
	return ok
}

// Collection names a child collection of records owned by one plan.
type Collection string

const (
	CollectionContacts             Collection = "contacts"
	CollectionPets                 Collection = "pets"
	CollectionInsurancePolicies    Collection = "insurance_policies"
	CollectionProperties           Collection = "properties"
	CollectionMessages             Collection = "messages"
	CollectionBankAccounts         Collection = "bank_accounts"
	CollectionInvestments          Collection = "investments"
	CollectionProfessionalContacts Collection = "professional_contacts"
	CollectionFuneralFunding       Collection = "funeral_funding"
)

var Collections = []Collection{
	CollectionContacts,
	CollectionPets,
	CollectionInsurancePolicies,
	CollectionProperties,
	CollectionMessages,
	CollectionBankAccounts,
	CollectionInvestments,
	CollectionProfessionalContacts,
	CollectionFuneralFunding,
}

func (c Collection) Valid() bool {
	for _, known := range Collections {
		if c == known {
			return true
		}
	}
	return false
}

// Profile keys accepted in patches and drafts.
const (
	ProfileFullName      = "full_name"
	ProfileAddress       = "address"
	ProfileMaritalStatus = "marital_status"
	ProfilePartnerName   = "partner_name"
	ProfileChildNames    = "child_names"
)

var profileKeys = map[string]struct{}{
	ProfileFullName:      {},
	ProfileAddress:       {},
	ProfileMaritalStatus: {},
	ProfilePartnerName:   {},
	ProfileChildNames:    {},
}

func ValidProfileKey(key string) bool {
	_, ok := profileKeys[key]
	return ok
}
