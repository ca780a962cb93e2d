package export

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
	"legacyplan/api/internal/completion"
	"legacyplan/api/internal/plan"
)

// Entitlements answers whether an owner may produce a final export.
type Entitlements interface {
	HasActiveEntitlement(ctx context.Context, userID string) (bool, error)
}

// RevisionLog records final exports.
type RevisionLog interface {
	AppendRevision(ctx context.Context, planID string, rev plan.Revision) (plan.Revision, error)
}

type Options struct {
	// Archive is optional; nil disables archiving.
	Archive Archive
	Logger  *zap.Logger
	Now     func() time.Time
}

// Service provides plan export functionality
type Service struct {
	renderer     Renderer
	entitlements Entitlements
	revisions    RevisionLog
	archive      Archive
	logger       *zap.Logger
	now          func() time.Time
}

// NewService creates a new export service
func NewService(renderer Renderer, entitlements Entitlements, revisions RevisionLog, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		renderer:     renderer,
		entitlements: entitlements,
		revisions:    revisions,
		archive:      opts.Archive,
		logger:       opts.Logger,
		now:          opts.Now,
	}
}

// Export renders the snapshot. A final export must be ready, entitled and already saved
// remotely, and it appends a revision; a draft export is always allowed and leaves no trace.
func (s *Service) Export(ctx context.Context, snap Snapshot, req Request) (*Result, error) {
	if req.Mode == "" {
		req.Mode = ModeDraft
	}
	if !req.Mode.Valid() {
		return nil, fmt.Errorf("unknown export mode %q", req.Mode)
	}

	result, err := s.export(ctx, snap, req)
	outcome := "ok"
	switch {
	case errors.Is(err, ErrExportNotReady):
		outcome = "not_ready"
	case errors.Is(err, ErrEntitlementRequired):
		outcome = "not_entitled"
	case err != nil:
		outcome = "error"
	}
	exportsTotal.WithLabelValues(string(req.Mode), outcome).Inc()
	return result, err
}

func (s *Service) export(ctx context.Context, snap Snapshot, req Request) (*Result, error) {
	final := req.Mode == ModeFinal
	if final {
		if err := s.checkFinal(ctx, snap, req); err != nil {
			return nil, err
		}
	}

	generatedAt := s.now().UTC()
	data := buildTemplateData(snap, req, generatedAt)
	html, err := RenderPlanHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	title := data.Title
	if !final {
		title += " draft"
	}
	result, err := s.renderer.Render(ctx, html, title)
	if err != nil {
		return nil, err
	}
	if !final {
		return result, nil
	}

	rev, err := s.revisions.AppendRevision(ctx, snap.Document.ID, plan.Revision{
		RevisionDate: generatedAt,
		Signature:    req.Signature,
		PreparedBy:   data.PreparedBy,
	})
	if err != nil {
		return nil, fmt.Errorf("append revision: %w", err)
	}
	result.Revision = &rev

	if s.archive != nil && req.PII.IsEmpty() {
		key := archiveKey(snap.Document.ID, generatedAt, result.Filename)
		if err := s.archive.Put(ctx, key, result.Data, result.MimeType); err != nil {
			s.logger.Warn("archive export failed",
				zap.String("plan_id", snap.Document.ID),
				zap.Error(err),
			)
		} else {
			result.ArchiveKey = key
		}
	}
	return result, nil
}

func (s *Service) checkFinal(ctx context.Context, snap Snapshot, req Request) error {
	if !snap.Readiness.ExportReady {
		return &NotReadyError{Missing: snap.Readiness.Missing}
	}
	// A final export is recorded against the remote plan, so it must exist there.
	if snap.Document.ID == "" {
		return &NotReadyError{Missing: []completion.Missing{{SectionID: "plan", Reason: "plan not saved"}}}
	}
	entitled, err := s.entitlements.HasActiveEntitlement(ctx, req.OwnerID)
	if err != nil {
		return fmt.Errorf("check entitlement: %w", err)
	}
	if !entitled {
		return ErrEntitlementRequired
	}
	return nil
}

func archiveKey(planID string, at time.Time, filename string) string {
	ext := path.Ext(filename)
	return planID + "/" + at.Format("20060102T150405Z") + strings.ToLower(ext)
}
