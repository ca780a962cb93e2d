// Package sections holds the fixed section registry and resolves which sections a plan shows.
package sections

import "strings"

// Descriptor describes one section of the plan. IDs are stable and double as localization keys.
type Descriptor struct {
	ID string `json:"id"`
	// AlwaysVisible sections are shown regardless of the owner's selection.
	AlwaysVisible bool `json:"always_visible"`
	// Optional sections never block a final export.
	Optional bool `json:"optional"`
}

const (
	Preferences          = "preferences"
	Guidance             = "guidance"
	Instructions         = "instructions"
	Personal             = "personal"
	Contacts             = "contacts"
	ProfessionalContacts = "professional_contacts"
	Legal                = "legal"
	Funeral              = "funeral"
	Financial            = "financial"
	Insurance            = "insurance"
	Property             = "property"
	Pets                 = "pets"
	Digital              = "digital"
	Messages             = "messages"
	Checklist            = "checklist"
	FAQ                  = "faq"
)

var registry = []Descriptor{
	{ID: Preferences, AlwaysVisible: true, Optional: true},
	{ID: Guidance, AlwaysVisible: true, Optional: true},
	{ID: Instructions},
	{ID: Personal},
	{ID: Contacts},
	{ID: ProfessionalContacts},
	{ID: Legal},
	{ID: Funeral},
	{ID: Financial},
	{ID: Insurance},
	{ID: Property},
	{ID: Pets},
	{ID: Digital},
	{ID: Messages},
	{ID: Checklist, Optional: true},
	{ID: FAQ, AlwaysVisible: true, Optional: true},
}

var defaultSelection = []string{Personal, Contacts, Legal, Funeral, Financial, Insurance, Messages}

// Registry returns every section in display order.
func Registry() []Descriptor {
	return append([]Descriptor(nil), registry...)
}

func DefaultSelection() []string {
	return append([]string(nil), defaultSelection...)
}

func Lookup(id string) (Descriptor, bool) {
	for _, d := range registry {
		if d.ID == id {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Resolve returns the sections to render or export, in registry order. Unknown ids are
// ignored. A nil, empty or entirely unknown selection resolves to the default set, so the
// result always contains selectable sections.
func Resolve(selected []string) []Descriptor {
	chosen := make(map[string]struct{}, len(selected))
	for _, id := range selected {
		id = strings.TrimSpace(id)
		d, ok := Lookup(id)
		if !ok || d.AlwaysVisible {
			continue
		}
		chosen[id] = struct{}{}
	}
	if len(chosen) == 0 {
		for _, id := range defaultSelection {
			chosen[id] = struct{}{}
		}
	}

	out := make([]Descriptor, 0, len(chosen)+3)
	for _, d := range registry {
		if _, ok := chosen[d.ID]; ok || d.AlwaysVisible {
			out = append(out, d)
		}
	}
	return out
}

// IDs lists the ids of descriptors in order.
func IDs(descriptors []Descriptor) []string {
	out := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, d.ID)
	}
	return out
}
