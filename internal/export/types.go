// Package export turns a merged, filtered plan into a downloadable document.
package export

import (
	"errors"
	"strings"

	"legacyplan/api/internal/completion"
	"legacyplan/api/internal/plan"
	"legacyplan/api/internal/sections"
)

// Mode selects between the gated final export and the always-available draft export.
type Mode string

const (
	ModeFinal Mode = "final"
	ModeDraft Mode = "draft"
)

func (m Mode) Valid() bool {
	return m == ModeFinal || m == ModeDraft
}

// PII is identifying information supplied for a single export. It is rendered into the
// artifact and never stored.
type PII struct {
	LegalName    string            `json:"legal_name,omitempty" validate:"max=200"`
	DateOfBirth  string            `json:"date_of_birth,omitempty" validate:"omitempty,datetime=2006-01-02"`
	GovernmentID string            `json:"government_id,omitempty" validate:"max=64"`
	Extra        map[string]string `json:"extra,omitempty" validate:"max=20,dive,keys,min=1,max=64,endkeys,max=500"`
}

func (p *PII) IsEmpty() bool {
	if p == nil {
		return true
	}
	if strings.TrimSpace(p.LegalName) != "" || strings.TrimSpace(p.DateOfBirth) != "" ||
		strings.TrimSpace(p.GovernmentID) != "" {
		return false
	}
	for _, v := range p.Extra {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// Snapshot is the read-only view handed to the exporter.
type Snapshot struct {
	Document  plan.Document
	Visible   []sections.Descriptor
	Readiness completion.Report
}

// Request contains parameters for an export operation
type Request struct {
	OwnerID    string
	Mode       Mode
	Signature  string
	PreparedBy string
	PII        *PII
}

// Result contains the export output
type Result struct {
	Data       []byte
	Filename   string
	MimeType   string
	Revision   *plan.Revision
	ArchiveKey string
}

var (
	// ErrExportNotReady indicates required sections are incomplete for a final export.
	ErrExportNotReady = errors.New("export not ready")
	// ErrEntitlementRequired indicates the owner has no active subscription for a final export.
	ErrEntitlementRequired = errors.New("export entitlement required")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)

// NotReadyError lists the sections blocking a final export.
type NotReadyError struct {
	Missing []completion.Missing
}

func (e *NotReadyError) Error() string {
	ids := make([]string, 0, len(e.Missing))
	for _, m := range e.Missing {
		ids = append(ids, m.SectionID)
	}
	return ErrExportNotReady.Error() + ": " + strings.Join(ids, ", ")
}

func (e *NotReadyError) Is(target error) bool {
	return target == ErrExportNotReady
}
