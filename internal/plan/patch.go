package plan

import (
	"errors"
	"fmt"
)

// Patch is a mutation intent from the editor. A nil value in Fields, Profile or Sections
// clears that key. Collections replace the whole list for the named collection.
type Patch struct {
	Fields           map[Field]*string           `json:"fields,omitempty"`
	Profile          map[string]any              `json:"profile,omitempty"`
	Sections         map[BlobKind]map[string]any `json:"sections,omitempty"`
	Collections      map[Collection][]Record     `json:"collections,omitempty"`
	SelectedSections *[]string                   `json:"selected_sections,omitempty"`
}

var ErrInvalidPatch = errors.New("invalid patch")

func (p Patch) IsEmpty() bool {
	return len(p.Fields) == 0 && len(p.Profile) == 0 && len(p.Sections) == 0 &&
		len(p.Collections) == 0 && p.SelectedSections == nil
}

// HasDocumentChanges reports whether the patch touches the plan row itself, as opposed to
// only its child collections.
func (p Patch) HasDocumentChanges() bool {
	return len(p.Fields) > 0 || len(p.Profile) > 0 || len(p.Sections) > 0 || p.SelectedSections != nil
}

func (p Patch) Validate() error {
	for f := range p.Fields {
		if !f.Valid() {
			return fmt.Errorf("%w: unknown field %q", ErrInvalidPatch, f)
		}
	}
	for key, value := range p.Profile {
		if !ValidProfileKey(key) {
			return fmt.Errorf("%w: unknown profile key %q", ErrInvalidPatch, key)
		}
		if key == ProfileChildNames {
			if _, ok := toStringSlice(value); !ok && value != nil {
				return fmt.Errorf("%w: child_names must be a list of strings", ErrInvalidPatch)
			}
			continue
		}
		if _, ok := value.(string); !ok && value != nil {
			return fmt.Errorf("%w: profile %s must be a string", ErrInvalidPatch, key)
		}
	}
	for kind := range p.Sections {
		if !kind.Valid() {
			return fmt.Errorf("%w: unknown section %q", ErrInvalidPatch, kind)
		}
	}
	for c, records := range p.Collections {
		if !c.Valid() {
			return fmt.Errorf("%w: unknown collection %q", ErrInvalidPatch, c)
		}
		seen := make(map[string]struct{}, len(records))
		for _, r := range records {
			if r.ID == "" {
				continue
			}
			if _, dup := seen[r.ID]; dup {
				return fmt.Errorf("%w: duplicate record id %s in %s", ErrInvalidPatch, r.ID, c)
			}
			seen[r.ID] = struct{}{}
		}
	}
	return nil
}

// Merge returns a new patch with newer layered over p; newer wins per key.
func (p Patch) Merge(newer Patch) Patch {
	out := p.Clone()
	for f, v := range newer.Fields {
		if out.Fields == nil {
			out.Fields = map[Field]*string{}
		}
		out.Fields[f] = cloneStringPtr(v)
	}
	for k, v := range newer.Profile {
		if out.Profile == nil {
			out.Profile = map[string]any{}
		}
		out.Profile[k] = cloneValue(v)
	}
	for kind, data := range newer.Sections {
		if out.Sections == nil {
			out.Sections = map[BlobKind]map[string]any{}
		}
		if out.Sections[kind] == nil {
			out.Sections[kind] = map[string]any{}
		}
		for k, v := range data {
			out.Sections[kind][k] = cloneValue(v)
		}
	}
	for c, records := range newer.Collections {
		if out.Collections == nil {
			out.Collections = map[Collection][]Record{}
		}
		out.Collections[c] = CloneRecords(records)
	}
	if newer.SelectedSections != nil {
		selected := cloneStrings(*newer.SelectedSections)
		out.SelectedSections = &selected
	}
	return out
}

func (p Patch) Clone() Patch {
	var out Patch
	if p.Fields != nil {
		out.Fields = make(map[Field]*string, len(p.Fields))
		for f, v := range p.Fields {
			out.Fields[f] = cloneStringPtr(v)
		}
	}
	out.Profile = cloneMap(p.Profile)
	if p.Sections != nil {
		out.Sections = make(map[BlobKind]map[string]any, len(p.Sections))
		for kind, data := range p.Sections {
			out.Sections[kind] = cloneMap(data)
		}
	}
	if p.Collections != nil {
		out.Collections = make(map[Collection][]Record, len(p.Collections))
		for c, records := range p.Collections {
			out.Collections[c] = CloneRecords(records)
		}
	}
	if p.SelectedSections != nil {
		selected := cloneStrings(*p.SelectedSections)
		out.SelectedSections = &selected
	}
	return out
}

// WithoutCollections returns the part of the patch that targets the plan row.
func (p Patch) WithoutCollections() Patch {
	out := p.Clone()
	out.Collections = nil
	return out
}

func cloneStringPtr(v *string) *string {
	if v == nil {
		return nil
	}
	s := *v
	return &s
}

func toStringSlice(v any) ([]string, bool) {
	switch typed := v.(type) {
	case []string:
		return typed, true
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}
