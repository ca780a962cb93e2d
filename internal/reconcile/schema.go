package reconcile

import (
	"bytes"
	"embed"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"legacyplan/api/internal/plan"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// EntryValidator checks the shape of drafted collection entries before they are merged.
type EntryValidator struct {
	schemas map[plan.Collection]*jsonschema.Schema
}

func NewEntryValidator() (*EntryValidator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020

	v := &EntryValidator{schemas: make(map[plan.Collection]*jsonschema.Schema, len(plan.Collections))}
	for _, collection := range plan.Collections {
		name := string(collection) + ".schema.json"
		raw, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, fmt.Errorf("read %s schema: %w", collection, err)
		}
		url := "https://legacyplan.local/schemas/" + name
		if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("load %s schema: %w", collection, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", collection, err)
		}
		v.schemas[collection] = compiled
	}
	return v, nil
}

// Validate checks one decoded entry, id included.
func (v *EntryValidator) Validate(collection plan.Collection, entry map[string]any) error {
	schema, ok := v.schemas[collection]
	if !ok {
		return fmt.Errorf("no schema for collection %q", collection)
	}
	return schema.Validate(entry)
}
