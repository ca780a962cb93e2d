package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// BlobKind identifies a nested, schema-on-read section document.
type BlobKind string

const (
	KindAdvanceDirective BlobKind = "advance_directive"
	KindCarePreferences  BlobKind = "care_preferences"
)

var BlobKinds = []BlobKind{KindAdvanceDirective, KindCarePreferences}

func (k BlobKind) Valid() bool {
	return k == KindAdvanceDirective || k == KindCarePreferences
}

// SectionBlob is a versioned nested section payload. Payloads written before versioning
// existed decode as version 0 and are upgraded by MigrateBlob.
type SectionBlob struct {
	Kind    BlobKind       `json:"kind"`
	Version int            `json:"version"`
	Data    map[string]any `json:"data"`
}

type blobMigration func(map[string]any) map[string]any

// blobMigrations[kind][i] upgrades version i to version i+1.
var blobMigrations = map[BlobKind][]blobMigration{
	KindAdvanceDirective: {
		snakeCaseKeys,
	},
	KindCarePreferences: {
		snakeCaseKeys,
		renameKeys(map[string]string{
			"dnr":   "do_not_resuscitate",
			"music": "music_preferences",
		}),
	},
}

// CurrentBlobVersion is the version written for new payloads of kind.
func CurrentBlobVersion(kind BlobKind) int {
	return len(blobMigrations[kind])
}

// NewBlob returns an empty blob at the current version.
func NewBlob(kind BlobKind) *SectionBlob {
	return &SectionBlob{Kind: kind, Version: CurrentBlobVersion(kind), Data: map[string]any{}}
}

// DecodeBlob parses a stored or drafted section payload and upgrades it to the current
// version. Null or empty input decodes to nil. Payloads from a newer schema than this
// build knows are returned unchanged.
func DecodeBlob(kind BlobKind, raw []byte) (*SectionBlob, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var generic map[string]any
	if err := json.Unmarshal(trimmed, &generic); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	blob := SectionBlob{Kind: kind}
	if isEnvelope(generic) {
		version, ok := generic["version"].(float64)
		if !ok || version < 0 || version != float64(int(version)) {
			return nil, fmt.Errorf("decode %s: invalid version %v", kind, generic["version"])
		}
		data, ok := generic["data"].(map[string]any)
		if !ok && generic["data"] != nil {
			return nil, fmt.Errorf("decode %s: data must be an object", kind)
		}
		blob.Version = int(version)
		blob.Data = data
	} else {
		blob.Data = generic
	}
	if blob.Data == nil {
		blob.Data = map[string]any{}
	}
	migrated := MigrateBlob(blob)
	return &migrated, nil
}

func isEnvelope(generic map[string]any) bool {
	_, hasVersion := generic["version"]
	_, hasData := generic["data"]
	return hasVersion && hasData
}

// MigrateBlob upgrades blob to the current version of its kind.
func MigrateBlob(blob SectionBlob) SectionBlob {
	steps := blobMigrations[blob.Kind]
	out := SectionBlob{Kind: blob.Kind, Version: blob.Version, Data: cloneMap(blob.Data)}
	for out.Version < len(steps) {
		out.Data = steps[out.Version](out.Data)
		out.Version++
	}
	return out
}

func (b *SectionBlob) Clone() *SectionBlob {
	if b == nil {
		return nil
	}
	out := *b
	out.Data = cloneMap(b.Data)
	return &out
}

func (b *SectionBlob) IsEmpty() bool {
	if b == nil {
		return true
	}
	return IsEmptyValue(b.Data)
}

func (b *SectionBlob) MarshalJSON() ([]byte, error) {
	type alias SectionBlob
	out := alias(*b)
	if out.Data == nil {
		out.Data = map[string]any{}
	}
	return json.Marshal(out)
}

func snakeCaseKeys(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		key := toSnake(k)
		if _, exists := out[key]; exists && key != k {
			// an already snake_case key wins over its camelCase twin
			continue
		}
		out[key] = v
	}
	return out
}

func renameKeys(renames map[string]string) blobMigration {
	return func(data map[string]any) map[string]any {
		out := make(map[string]any, len(data))
		for k, v := range data {
			if renamed, ok := renames[k]; ok {
				if _, exists := data[renamed]; exists {
					continue
				}
				k = renamed
			}
			out[k] = v
		}
		return out
	}
}

func toSnake(in string) string {
	var b strings.Builder
	for i, r := range in {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
