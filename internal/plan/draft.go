package plan

import (
	"encoding/json"
	"fmt"
	"time"
)

// Draft is the device-local, possibly stale mirror of an owner's plan. It carries no
// identity of its own. Nested values are kept as raw JSON so a malformed entry can be
// dropped individually when the draft is reconciled.
type Draft struct {
	Fields           map[Field]string                 `json:"fields,omitempty"`
	Profile          json.RawMessage                  `json:"profile,omitempty"`
	Sections         map[BlobKind]json.RawMessage     `json:"sections,omitempty"`
	Collections      map[Collection][]json.RawMessage `json:"collections,omitempty"`
	SelectedSections []string                         `json:"selected_sections,omitempty"`
	// Pending holds changes not yet acknowledged by the remote repository.
	Pending *Patch    `json:"pending,omitempty"`
	SavedAt time.Time `json:"saved_at"`
}

// Apply writes patch into the draft. Collection records must already carry ids.
func (d *Draft) Apply(patch Patch) error {
	for f, v := range patch.Fields {
		if v == nil {
			delete(d.Fields, f)
			continue
		}
		if d.Fields == nil {
			d.Fields = map[Field]string{}
		}
		d.Fields[f] = *v
	}

	if len(patch.Profile) > 0 {
		profile := map[string]any{}
		if len(d.Profile) > 0 {
			// an unreadable profile is replaced rather than blocking new input
			_ = json.Unmarshal(d.Profile, &profile)
			if profile == nil {
				profile = map[string]any{}
			}
		}
		for k, v := range patch.Profile {
			if v == nil {
				delete(profile, k)
				continue
			}
			profile[k] = cloneValue(v)
		}
		raw, err := json.Marshal(profile)
		if err != nil {
			return fmt.Errorf("encode draft profile: %w", err)
		}
		d.Profile = raw
	}

	for kind, data := range patch.Sections {
		blob, err := DecodeBlob(kind, d.Sections[kind])
		if err != nil || blob == nil {
			blob = NewBlob(kind)
		}
		for k, v := range data {
			if v == nil {
				delete(blob.Data, k)
				continue
			}
			blob.Data[k] = cloneValue(v)
		}
		raw, err := json.Marshal(blob)
		if err != nil {
			return fmt.Errorf("encode draft %s: %w", kind, err)
		}
		if d.Sections == nil {
			d.Sections = map[BlobKind]json.RawMessage{}
		}
		d.Sections[kind] = raw
	}

	for c, records := range patch.Collections {
		entries := make([]json.RawMessage, 0, len(records))
		for _, r := range records {
			raw, err := EncodeDraftEntry(r)
			if err != nil {
				return fmt.Errorf("encode draft %s entry: %w", c, err)
			}
			entries = append(entries, raw)
		}
		if d.Collections == nil {
			d.Collections = map[Collection][]json.RawMessage{}
		}
		d.Collections[c] = entries
	}

	if patch.SelectedSections != nil {
		d.SelectedSections = cloneStrings(*patch.SelectedSections)
	}
	return nil
}

// EncodeDraftEntry flattens a record into the plain object shape drafts have always used:
// the record's data with its id inlined.
func EncodeDraftEntry(r Record) (json.RawMessage, error) {
	entry := cloneMap(r.Data)
	if entry == nil {
		entry = map[string]any{}
	}
	if r.ID != "" {
		entry["id"] = r.ID
	}
	return json.Marshal(entry)
}

// DecodeDraftEntry parses one drafted collection entry. The entry must be a JSON object; a
// non-string id is rejected.
func DecodeDraftEntry(raw json.RawMessage, position int) (Record, map[string]any, error) {
	var entry map[string]any
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Record{}, nil, fmt.Errorf("decode entry: %w", err)
	}
	if entry == nil {
		return Record{}, nil, fmt.Errorf("decode entry: not an object")
	}
	record := Record{Position: position, Data: map[string]any{}}
	for k, v := range entry {
		if k == "id" {
			id, ok := v.(string)
			if !ok {
				return Record{}, nil, fmt.Errorf("decode entry: id must be a string")
			}
			record.ID = id
			continue
		}
		record.Data[k] = v
	}
	return record, entry, nil
}
