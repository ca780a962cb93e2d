package export

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"sort"
	"strings"
	"time"

	"legacyplan/api/internal/plan"
	"legacyplan/api/internal/sections"
)

//go:embed templates/*.html
var templateFS embed.FS

var planTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"lower":    strings.ToLower,
		"humanize": humanize,
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
	}

	templateContent, err := templateFS.ReadFile("templates/plan.html")
	if err != nil {
		planTemplate = template.Must(template.New("plan").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}

	planTemplate = template.Must(template.New("plan").Funcs(funcMap).Parse(string(templateContent)))
}

// sectionContent maps a section to the plan values rendered under it. Sections without an
// entry carry no plan data and are left out of the artifact.
type sectionContent struct {
	fields      []plan.Field
	blobs       []plan.BlobKind
	collections []plan.Collection
	profile     bool
}

var contentBySection = map[string]sectionContent{
	sections.Instructions:         {fields: []plan.Field{plan.FieldInstructionsNotes}, blobs: []plan.BlobKind{plan.KindCarePreferences}},
	sections.Personal:             {fields: []plan.Field{plan.FieldAboutMeNotes}, profile: true},
	sections.Contacts:             {collections: []plan.Collection{plan.CollectionContacts}},
	sections.ProfessionalContacts: {collections: []plan.Collection{plan.CollectionProfessionalContacts}},
	sections.Legal:                {fields: []plan.Field{plan.FieldLegalNotes}, blobs: []plan.BlobKind{plan.KindAdvanceDirective}},
	sections.Funeral:              {fields: []plan.Field{plan.FieldFuneralNotes}, collections: []plan.Collection{plan.CollectionFuneralFunding}},
	sections.Financial: {fields: []plan.Field{plan.FieldFinancialNotes},
		collections: []plan.Collection{plan.CollectionBankAccounts, plan.CollectionInvestments}},
	sections.Insurance: {fields: []plan.Field{plan.FieldInsuranceNotes}, collections: []plan.Collection{plan.CollectionInsurancePolicies}},
	sections.Property:  {fields: []plan.Field{plan.FieldPropertyNotes}, collections: []plan.Collection{plan.CollectionProperties}},
	sections.Pets:      {fields: []plan.Field{plan.FieldPetsNotes}, collections: []plan.Collection{plan.CollectionPets}},
	sections.Digital:   {fields: []plan.Field{plan.FieldDigitalNotes}},
	sections.Messages:  {fields: []plan.Field{plan.FieldMessagesNotes}, collections: []plan.Collection{plan.CollectionMessages}},
	sections.Checklist: {fields: []plan.Field{plan.FieldChecklistNotes}},
}

// TemplateData holds data for plan template rendering
type TemplateData struct {
	Title       string
	PreparedFor string
	PreparedBy  string
	Signature   string
	Draft       bool
	GeneratedAt time.Time
	PII         []TemplateItem
	Sections    []TemplateSection
	Revisions   []plan.Revision
}

type TemplateSection struct {
	ID      string
	Notes   []string
	Details []TemplateItem
	Groups  []TemplateGroup
}

func (s TemplateSection) Empty() bool {
	return len(s.Notes) == 0 && len(s.Details) == 0 && len(s.Groups) == 0
}

type TemplateItem struct {
	Label string
	Value string
}

// TemplateGroup is one child collection with its records in position order.
type TemplateGroup struct {
	Collection string
	Records    [][]TemplateItem
}

// buildTemplateData projects the visible part of the snapshot into template rows.
func buildTemplateData(snap Snapshot, req Request, generatedAt time.Time) TemplateData {
	doc := snap.Document
	data := TemplateData{
		Title:       fieldOr(doc, plan.FieldTitle, "Pre-plan"),
		PreparedFor: fieldOr(doc, plan.FieldPreparedFor, ""),
		PreparedBy:  preparedBy(doc, req),
		Signature:   req.Signature,
		Draft:       req.Mode != ModeFinal,
		GeneratedAt: generatedAt,
		PII:         piiItems(req.PII),
		Revisions:   doc.Revisions,
	}
	for _, d := range snap.Visible {
		content, ok := contentBySection[d.ID]
		if !ok {
			continue
		}
		data.Sections = append(data.Sections, buildSection(doc, d.ID, content))
	}
	return data
}

func buildSection(doc plan.Document, id string, content sectionContent) TemplateSection {
	section := TemplateSection{ID: id}
	if content.profile && !doc.Profile.IsEmpty() {
		p := doc.Profile
		section.Details = appendItem(section.Details, "full_name", p.FullName)
		section.Details = appendItem(section.Details, "address", p.Address)
		section.Details = appendItem(section.Details, "marital_status", p.MaritalStatus)
		section.Details = appendItem(section.Details, "partner_name", p.PartnerName)
		section.Details = appendItem(section.Details, "child_names", strings.Join(p.ChildNames, ", "))
	}
	for _, f := range content.fields {
		if value, ok := doc.Field(f); ok {
			section.Notes = append(section.Notes, value)
		}
	}
	for _, kind := range content.blobs {
		blob := doc.Blob(kind)
		if blob.IsEmpty() {
			continue
		}
		section.Details = append(section.Details, mapItems(blob.Data)...)
	}
	for _, c := range content.collections {
		records := doc.Records(c)
		if len(records) == 0 {
			continue
		}
		group := TemplateGroup{Collection: string(c)}
		for _, r := range sortedRecords(records) {
			if items := mapItems(r.Data); len(items) > 0 {
				group.Records = append(group.Records, items)
			}
		}
		if len(group.Records) > 0 {
			section.Groups = append(section.Groups, group)
		}
	}
	return section
}

func sortedRecords(records []plan.Record) []plan.Record {
	out := append([]plan.Record(nil), records...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// mapItems renders non-empty values in key order. Record ids are internal and skipped.
func mapItems(data map[string]any) []TemplateItem {
	keys := make([]string, 0, len(data))
	for k := range data {
		if k == "id" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var items []TemplateItem
	for _, k := range keys {
		items = appendItem(items, k, formatValue(data[k]))
	}
	return items
}

func formatValue(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case bool:
		if value {
			return "Yes"
		}
		return "No"
	case []any:
		parts := make([]string, 0, len(value))
		for _, item := range value {
			if s := formatValue(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(value)
	}
}

func appendItem(items []TemplateItem, key, value string) []TemplateItem {
	if strings.TrimSpace(value) == "" {
		return items
	}
	return append(items, TemplateItem{Label: humanize(key), Value: value})
}

func piiItems(p *PII) []TemplateItem {
	if p.IsEmpty() {
		return nil
	}
	var items []TemplateItem
	items = appendItem(items, "legal_name", p.LegalName)
	items = appendItem(items, "date_of_birth", p.DateOfBirth)
	items = appendItem(items, "government_id", p.GovernmentID)
	keys := make([]string, 0, len(p.Extra))
	for k := range p.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		items = appendItem(items, k, p.Extra[k])
	}
	return items
}

func fieldOr(doc plan.Document, f plan.Field, fallback string) string {
	if value, ok := doc.Field(f); ok {
		return value
	}
	return fallback
}

func preparedBy(doc plan.Document, req Request) string {
	if strings.TrimSpace(req.PreparedBy) != "" {
		return req.PreparedBy
	}
	return fieldOr(doc, plan.FieldPreparedBy, "")
}

// humanize turns a stable id such as "bank_accounts" into a heading.
func humanize(id string) string {
	words := strings.Fields(strings.ReplaceAll(id, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// RenderPlanHTML renders the plan template with provided data
func RenderPlanHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := planTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// fallbackTemplate is used if the embedded template fails to load
const fallbackTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
</head>
<body>
  {{if .Draft}}<p><strong>DRAFT</strong></p>{{end}}
  <h1>{{.Title}}</h1>
  {{range .Sections}}
  <h2>{{humanize .ID}}</h2>
  {{range .Notes}}<p>{{.}}</p>{{end}}
  {{range .Details}}<p>{{.Label}}: {{.Value}}</p>{{end}}
  {{end}}
</body>
</html>`
