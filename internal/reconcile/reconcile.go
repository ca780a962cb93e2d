// Package reconcile merges an owner's device-local draft with the server plan into the one
// logical document the editor, resolver, evaluator and export read.
package reconcile

import (
	"encoding/json"
	"fmt"
	"strings"

	"legacyplan/api/internal/plan"
)

type DiagnosticKind string

const (
	DiagnosticDraftCorrupt       DiagnosticKind = "draft_corrupt"
	DiagnosticValidationDropped  DiagnosticKind = "validation_dropped"
	DiagnosticCollectionFallback DiagnosticKind = "collection_fallback"
	DiagnosticServerUnavailable  DiagnosticKind = "server_unavailable"
)

// Diagnostic records a recovered problem found while merging. Target names the collection,
// section or profile key involved.
type Diagnostic struct {
	Kind   DiagnosticKind `json:"kind"`
	Target string         `json:"target,omitempty"`
	Index  *int           `json:"index,omitempty"`
	Detail string         `json:"detail,omitempty"`
}

// Result is a merged plan. Document is a private deep copy.
type Result struct {
	Document    plan.Document `json:"document"`
	Diagnostics []Diagnostic  `json:"diagnostics"`
}

type Reconciler struct {
	validator *EntryValidator
}

func New() (*Reconciler, error) {
	validator, err := NewEntryValidator()
	if err != nil {
		return nil, err
	}
	return &Reconciler{validator: validator}, nil
}

// Merge combines draft and server. Either may be nil. Merge has no side effects and returns
// equal results for equal inputs.
//
// Scalar fields, profile keys, section keys and the section selection prefer a non-empty
// draft value. A collection prefers the server records when there is at least one, and
// otherwise the draft entries that pass validation. Identity, timestamps and revisions
// always come from the server.
func (r *Reconciler) Merge(draft *plan.Draft, server *plan.Document) Result {
	var out plan.Document
	if server != nil {
		out = server.Clone()
	} else {
		out = plan.Empty()
	}
	if out.Fields == nil {
		out.Fields = map[plan.Field]string{}
	}
	if out.Collections == nil {
		out.Collections = map[plan.Collection][]plan.Record{}
	}

	result := Result{Diagnostics: []Diagnostic{}}
	if draft == nil {
		result.Document = out
		return result
	}

	for _, f := range plan.Fields {
		if value, ok := draft.Fields[f]; ok && strings.TrimSpace(value) != "" {
			out.Fields[f] = value
		}
	}

	r.mergeProfile(draft.Profile, &out, &result)

	for _, kind := range plan.BlobKinds {
		raw, ok := draft.Sections[kind]
		if !ok {
			continue
		}
		drafted, err := plan.DecodeBlob(kind, raw)
		if err != nil {
			result.add(Diagnostic{Kind: DiagnosticDraftCorrupt, Target: string(kind), Detail: err.Error()})
			continue
		}
		out.SetBlob(kind, mergeBlob(drafted, out.Blob(kind)))
	}

	if selected := nonBlank(draft.SelectedSections); len(selected) > 0 {
		out.SelectedSections = selected
	}

	for _, c := range plan.Collections {
		if len(out.Collections[c]) > 0 {
			continue
		}
		entries, ok := draft.Collections[c]
		if !ok || len(entries) == 0 {
			continue
		}
		records := r.draftRecords(c, entries, &result)
		if len(records) == 0 {
			continue
		}
		out.Collections[c] = records
		result.add(Diagnostic{
			Kind:   DiagnosticCollectionFallback,
			Target: string(c),
			Detail: fmt.Sprintf("%d drafted records used because the server has none", len(records)),
		})
	}

	result.Document = out
	return result
}

func (r *Reconciler) mergeProfile(raw json.RawMessage, out *plan.Document, result *Result) {
	if len(raw) == 0 || string(raw) == "null" {
		return
	}
	var drafted map[string]any
	if err := json.Unmarshal(raw, &drafted); err != nil {
		result.add(Diagnostic{Kind: DiagnosticDraftCorrupt, Target: "profile", Detail: err.Error()})
		return
	}

	merged := plan.Profile{}
	if out.Profile != nil {
		merged = out.Profile.Clone()
	}
	changed := false
	for _, key := range profileKeyOrder {
		value, ok := drafted[key]
		if !ok || plan.IsEmptyValue(value) {
			continue
		}
		if !setProfileValue(&merged, key, value) {
			result.add(Diagnostic{Kind: DiagnosticValidationDropped, Target: "profile." + key, Detail: "unexpected value type"})
			continue
		}
		changed = true
	}
	if changed || out.Profile != nil {
		out.Profile = &merged
	}
}

var profileKeyOrder = []string{
	plan.ProfileFullName,
	plan.ProfileAddress,
	plan.ProfileMaritalStatus,
	plan.ProfilePartnerName,
	plan.ProfileChildNames,
}

func setProfileValue(p *plan.Profile, key string, value any) bool {
	if key == plan.ProfileChildNames {
		items, ok := value.([]any)
		if !ok {
			return false
		}
		names := make([]string, 0, len(items))
		for _, item := range items {
			name, ok := item.(string)
			if !ok {
				return false
			}
			names = append(names, name)
		}
		p.ChildNames = names
		return true
	}
	s, ok := value.(string)
	if !ok {
		return false
	}
	switch key {
	case plan.ProfileFullName:
		p.FullName = s
	case plan.ProfileAddress:
		p.Address = s
	case plan.ProfileMaritalStatus:
		p.MaritalStatus = s
	case plan.ProfilePartnerName:
		p.PartnerName = s
	}
	return true
}

// mergeBlob layers the non-empty keys of drafted over server. Both are already migrated.
func mergeBlob(drafted, server *plan.SectionBlob) *plan.SectionBlob {
	if drafted == nil {
		return server
	}
	if server == nil {
		if drafted.IsEmpty() {
			return nil
		}
		out := drafted.Clone()
		for k, v := range out.Data {
			if plan.IsEmptyValue(v) {
				delete(out.Data, k)
			}
		}
		return out
	}
	out := server.Clone()
	if out.Data == nil {
		out.Data = map[string]any{}
	}
	if drafted.Version > out.Version {
		out.Version = drafted.Version
	}
	for k, v := range drafted.Data {
		if plan.IsEmptyValue(v) {
			continue
		}
		out.Data[k] = v
	}
	return out
}

func (r *Reconciler) draftRecords(c plan.Collection, entries []json.RawMessage, result *Result) []plan.Record {
	records := make([]plan.Record, 0, len(entries))
	for i, raw := range entries {
		index := i
		record, entry, err := plan.DecodeDraftEntry(raw, i)
		if err == nil {
			err = r.validator.Validate(c, entry)
		}
		if err != nil {
			result.add(Diagnostic{Kind: DiagnosticValidationDropped, Target: string(c), Index: &index, Detail: err.Error()})
			continue
		}
		records = append(records, record)
	}
	return records
}

func (r *Result) add(d Diagnostic) {
	r.Diagnostics = append(r.Diagnostics, d)
}

func nonBlank(values []string) []string {
	var out []string
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}
