package reconcile

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"legacyplan/api/internal/plan"
)

func newReconciler(t *testing.T) *Reconciler {
	t.Helper()
	r, err := New()
	require.NoError(t, err)
	return r
}

func rawEntries(t *testing.T, entries ...string) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, 0, len(entries))
	for _, e := range entries {
		out = append(out, json.RawMessage(e))
	}
	return out
}

func TestMergeBothAbsentIsEmptyShell(t *testing.T) {
	result := newReconciler(t).Merge(nil, nil)

	assert.Empty(t, result.Document.ID)
	assert.NotNil(t, result.Document.Fields)
	assert.NotNil(t, result.Document.Collections)
	assert.Nil(t, result.Document.Profile)
	assert.Empty(t, result.Diagnostics)
}

func TestMergeProfilePerKey(t *testing.T) {
	server := plan.Empty()
	server.ID = "plan-1"
	server.Profile = &plan.Profile{FullName: "J. Doe", Address: "123 Main St"}
	draft := &plan.Draft{Profile: json.RawMessage(`{"full_name":"Jane Doe"}`)}

	result := newReconciler(t).Merge(draft, &server)

	require.NotNil(t, result.Document.Profile)
	assert.Equal(t, "Jane Doe", result.Document.Profile.FullName)
	assert.Equal(t, "123 Main St", result.Document.Profile.Address)
	assert.Equal(t, "J. Doe", server.Profile.FullName, "server input must not be modified")
}

func TestMergeEmptyServerCollectionFallsBackToDraft(t *testing.T) {
	server := plan.Empty()
	server.ID = "plan-1"
	server.Collections[plan.CollectionContacts] = []plan.Record{}
	draft := &plan.Draft{Collections: map[plan.Collection][]json.RawMessage{
		plan.CollectionContacts: rawEntries(t, `{"name":"Sam","relationship":"spouse"}`),
	}}

	result := newReconciler(t).Merge(draft, &server)

	contacts := result.Document.Collections[plan.CollectionContacts]
	require.Len(t, contacts, 1)
	assert.Equal(t, map[string]any{"name": "Sam", "relationship": "spouse"}, contacts[0].Data)
	require.Len(t, result.Diagnostics, 1)
	assert.Equal(t, DiagnosticCollectionFallback, result.Diagnostics[0].Kind)
	assert.Equal(t, "contacts", result.Diagnostics[0].Target)
}

func TestMergeServerCollectionWins(t *testing.T) {
	server := plan.Empty()
	server.Collections[plan.CollectionPets] = []plan.Record{{ID: "rec-1", Data: map[string]any{"name": "Rex"}}}
	draft := &plan.Draft{Collections: map[plan.Collection][]json.RawMessage{
		plan.CollectionPets: rawEntries(t, `{"id":"rec-9","name":"Whiskers"}`),
	}}

	result := newReconciler(t).Merge(draft, &server)

	assert.Equal(t, server.Collections[plan.CollectionPets], result.Document.Collections[plan.CollectionPets])
	assert.Empty(t, result.Diagnostics)
}

func TestMergeDropsInvalidDraftEntries(t *testing.T) {
	draft := &plan.Draft{Collections: map[plan.Collection][]json.RawMessage{
		plan.CollectionContacts: rawEntries(t,
			`{"name":"Sam"}`,
			`"just a string"`,
			`{"name":42}`,
			`{"id":7,"name":"Numeric id"}`,
			`{}`,
			`{"name":"Alex","relationship":"sibling"}`,
		),
	}}

	result := newReconciler(t).Merge(draft, nil)

	contacts := result.Document.Collections[plan.CollectionContacts]
	require.Len(t, contacts, 2)
	assert.Equal(t, "Sam", contacts[0].Data["name"])
	assert.Equal(t, "Alex", contacts[1].Data["name"])
	assert.Equal(t, 5, contacts[1].Position, "records keep their drafted position")

	var dropped []int
	for _, d := range result.Diagnostics {
		if d.Kind == DiagnosticValidationDropped {
			require.NotNil(t, d.Index)
			dropped = append(dropped, *d.Index)
		}
	}
	assert.Equal(t, []int{1, 2, 3, 4}, dropped)
}

func TestMergeIdentityComesFromServer(t *testing.T) {
	updated := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	server := plan.Empty()
	server.ID = "plan-1"
	server.OwnerID = "owner-1"
	server.UpdatedAt = updated
	server.Revisions = []plan.Revision{{Signature: "J"}}
	title := "Server title"
	server.Fields[plan.FieldTitle] = title

	draft := &plan.Draft{
		Fields:  map[plan.Field]string{plan.FieldTitle: "   ", plan.FieldPetsNotes: "Feed twice daily"},
		SavedAt: updated.Add(time.Hour),
	}

	result := newReconciler(t).Merge(draft, &server)

	assert.Equal(t, "plan-1", result.Document.ID)
	assert.Equal(t, "owner-1", result.Document.OwnerID)
	assert.Equal(t, updated, result.Document.UpdatedAt)
	assert.Equal(t, title, result.Document.Fields[plan.FieldTitle], "blank draft values do not win")
	assert.Equal(t, "Feed twice daily", result.Document.Fields[plan.FieldPetsNotes])
	assert.Len(t, result.Document.Revisions, 1)
}

func TestMergeSectionBlobsPerKey(t *testing.T) {
	server := plan.Empty()
	server.CarePreferences = &plan.SectionBlob{
		Kind:    plan.KindCarePreferences,
		Version: plan.CurrentBlobVersion(plan.KindCarePreferences),
		Data:    map[string]any{"do_not_resuscitate": false, "hospice": "home"},
	}
	draft := &plan.Draft{Sections: map[plan.BlobKind]json.RawMessage{
		// legacy unversioned payload
		plan.KindCarePreferences:  json.RawMessage(`{"dnr":true,"music":""}`),
		plan.KindAdvanceDirective: json.RawMessage(`{"healthcareProxy":"Sam"}`),
	}}

	result := newReconciler(t).Merge(draft, &server)

	want := &plan.SectionBlob{
		Kind:    plan.KindCarePreferences,
		Version: plan.CurrentBlobVersion(plan.KindCarePreferences),
		Data:    map[string]any{"do_not_resuscitate": true, "hospice": "home"},
	}
	if diff := cmp.Diff(want, result.Document.CarePreferences); diff != "" {
		t.Errorf("care preferences mismatch (-want +got):\n%s", diff)
	}
	require.NotNil(t, result.Document.AdvanceDirective)
	assert.Equal(t, map[string]any{"healthcare_proxy": "Sam"}, result.Document.AdvanceDirective.Data)
}

func TestMergeCorruptDraftPartsAreDiagnosed(t *testing.T) {
	server := plan.Empty()
	server.Profile = &plan.Profile{FullName: "J. Doe"}
	draft := &plan.Draft{
		Profile:  json.RawMessage(`[1,2`),
		Sections: map[plan.BlobKind]json.RawMessage{plan.KindAdvanceDirective: json.RawMessage(`"nope"`)},
	}

	result := newReconciler(t).Merge(draft, &server)

	assert.Equal(t, "J. Doe", result.Document.Profile.FullName)
	kinds := map[string]DiagnosticKind{}
	for _, d := range result.Diagnostics {
		kinds[d.Target] = d.Kind
	}
	assert.Equal(t, map[string]DiagnosticKind{
		"profile":           DiagnosticDraftCorrupt,
		"advance_directive": DiagnosticDraftCorrupt,
	}, kinds)
}

func TestMergeProfileWrongTypeIsDropped(t *testing.T) {
	draft := &plan.Draft{Profile: json.RawMessage(`{"full_name":"Jane","child_names":"Ann"}`)}

	result := newReconciler(t).Merge(draft, nil)

	require.NotNil(t, result.Document.Profile)
	assert.Equal(t, "Jane", result.Document.Profile.FullName)
	assert.Nil(t, result.Document.Profile.ChildNames)
	require.Len(t, result.Diagnostics, 1)
	assert.Equal(t, "profile.child_names", result.Diagnostics[0].Target)
}

func TestMergeSelectedSections(t *testing.T) {
	server := plan.Empty()
	server.SelectedSections = []string{"personal"}

	r := newReconciler(t)
	merged := r.Merge(&plan.Draft{SelectedSections: []string{"pets", "legal"}}, &server)
	assert.Equal(t, []string{"pets", "legal"}, merged.Document.SelectedSections)

	merged = r.Merge(&plan.Draft{SelectedSections: []string{" "}}, &server)
	assert.Equal(t, []string{"personal"}, merged.Document.SelectedSections)
}

func TestMergeOutputDoesNotAliasInputs(t *testing.T) {
	server := plan.Empty()
	server.Collections[plan.CollectionContacts] = []plan.Record{{ID: "rec-1", Data: map[string]any{"name": "Sam"}}}

	result := newReconciler(t).Merge(nil, &server)
	result.Document.Collections[plan.CollectionContacts][0].Data["name"] = "mutated"

	assert.Equal(t, "Sam", server.Collections[plan.CollectionContacts][0].Data["name"])
}
