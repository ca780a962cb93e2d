package plan

import (
	"strings"
	"time"
)

// Document is the authoritative pre-plan record for one owner together with its child
// collections. A missing key in Fields, a nil Profile or a nil blob all mean the value has
// not been provided yet.
type Document struct {
	ID               string
	OwnerID          string
	OrgID            string
	Fields           map[Field]string
	Profile          *Profile
	AdvanceDirective *SectionBlob
	CarePreferences  *SectionBlob
	Collections      map[Collection][]Record
	SelectedSections []string
	Revisions        []Revision
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Profile struct {
	FullName      string   `json:"full_name,omitempty"`
	Address       string   `json:"address,omitempty"`
	MaritalStatus string   `json:"marital_status,omitempty"`
	PartnerName   string   `json:"partner_name,omitempty"`
	ChildNames    []string `json:"child_names,omitempty"`
}

// Record is one entry of a child collection. Data holds the collection-specific fields.
type Record struct {
	ID       string         `json:"id"`
	Position int            `json:"position"`
	Data     map[string]any `json:"data"`
}

// Revision is an audit entry written when a final export is produced. Revisions are never
// changed once appended.
type Revision struct {
	RevisionDate time.Time `json:"revision_date"`
	Signature    string    `json:"signature"`
	PreparedBy   string    `json:"prepared_by"`
}

// Empty returns a valid document shell with no content.
func Empty() Document {
	return Document{
		Fields:      map[Field]string{},
		Collections: map[Collection][]Record{},
	}
}

// Field returns a non-blank field value.
func (d Document) Field(f Field) (string, bool) {
	value, ok := d.Fields[f]
	if !ok || strings.TrimSpace(value) == "" {
		return "", false
	}
	return value, true
}

func (d Document) Records(c Collection) []Record {
	return d.Collections[c]
}

// Blob returns the section blob of the given kind.
func (d Document) Blob(kind BlobKind) *SectionBlob {
	switch kind {
	case KindAdvanceDirective:
		return d.AdvanceDirective
	case KindCarePreferences:
		return d.CarePreferences
	default:
		return nil
	}
}

func (d *Document) SetBlob(kind BlobKind, blob *SectionBlob) {
	switch kind {
	case KindAdvanceDirective:
		d.AdvanceDirective = blob
	case KindCarePreferences:
		d.CarePreferences = blob
	}
}

// Clone returns a deep copy so callers can hand the document out as a read-only snapshot.
func (d Document) Clone() Document {
	out := d
	out.Fields = make(map[Field]string, len(d.Fields))
	for k, v := range d.Fields {
		out.Fields[k] = v
	}
	if d.Profile != nil {
		p := d.Profile.Clone()
		out.Profile = &p
	}
	out.AdvanceDirective = d.AdvanceDirective.Clone()
	out.CarePreferences = d.CarePreferences.Clone()
	out.Collections = make(map[Collection][]Record, len(d.Collections))
	for c, records := range d.Collections {
		out.Collections[c] = CloneRecords(records)
	}
	out.SelectedSections = cloneStrings(d.SelectedSections)
	if d.Revisions != nil {
		out.Revisions = append([]Revision(nil), d.Revisions...)
	}
	return out
}

func (p Profile) Clone() Profile {
	p.ChildNames = cloneStrings(p.ChildNames)
	return p
}

func (p *Profile) IsEmpty() bool {
	if p == nil {
		return true
	}
	return isBlank(p.FullName) && isBlank(p.Address) && isBlank(p.MaritalStatus) &&
		isBlank(p.PartnerName) && len(nonBlank(p.ChildNames)) == 0
}

func (r Record) Clone() Record {
	r.Data = cloneMap(r.Data)
	return r
}

func CloneRecords(records []Record) []Record {
	if records == nil {
		return nil
	}
	out := make([]Record, len(records))
	for i, r := range records {
		out[i] = r.Clone()
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return cloneMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return cloneStrings(typed)
	default:
		return v
	}
}

func isBlank(value string) bool {
	return strings.TrimSpace(value) == ""
}

func nonBlank(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if !isBlank(v) {
			out = append(out, v)
		}
	}
	return out
}

// IsEmptyValue reports whether a loosely typed value carries no user-provided content.
func IsEmptyValue(v any) bool {
	switch typed := v.(type) {
	case nil:
		return true
	case string:
		return isBlank(typed)
	case []any:
		for _, item := range typed {
			if !IsEmptyValue(item) {
				return false
			}
		}
		return true
	case []string:
		return len(nonBlank(typed)) == 0
	case map[string]any:
		for _, item := range typed {
			if !IsEmptyValue(item) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
