package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"legacyplan/api/internal/auth"
	"legacyplan/api/internal/autosave"
	"legacyplan/api/internal/completion"
	"legacyplan/api/internal/config"
	"legacyplan/api/internal/draft"
	"legacyplan/api/internal/export"
	"legacyplan/api/internal/plan"
	"legacyplan/api/internal/rbac"
	"legacyplan/api/internal/reconcile"
	"legacyplan/api/internal/sections"
	"legacyplan/api/internal/store"
)

// Session is the authenticated caller. OwnerID is the token subject.
type Session struct {
	OwnerID string
	OrgID   string
	Role    rbac.Role
}

type dataStore interface {
	FindPlanForOwner(ctx context.Context, ownerID string) (*plan.Document, error)
	CreatePlan(ctx context.Context, ownerID, orgID string) (plan.Document, error)
	UpdatePlan(ctx context.Context, planID string, patch plan.Patch) (plan.Document, error)
	ListChildren(ctx context.Context, planID string, collection plan.Collection) ([]plan.Record, error)
	UpsertChild(ctx context.Context, planID string, collection plan.Collection, record plan.Record) (plan.Record, error)
	DeleteChild(ctx context.Context, planID string, collection plan.Collection, recordID string) error
	AppendRevision(ctx context.Context, planID string, rev plan.Revision) (plan.Revision, error)
	ListRevisions(ctx context.Context, planID string) ([]plan.Revision, error)
	HasActiveEntitlement(ctx context.Context, userID string) (bool, error)
	Ping(ctx context.Context) error
}

// PlanSession is the per-owner context: the autosave coordinator and the identity it
// writes under. It lives from first authenticated access until EndSession.
type PlanSession struct {
	ownerID     string
	orgID       string
	coordinator *autosave.Coordinator
	openedAt    time.Time
	// lastSeen is guarded by Service.mu.
	lastSeen time.Time
}

// opening is what a session open yields: the session and the plan it loaded, which the
// requests that triggered the open reuse.
type opening struct {
	session *PlanSession
	loaded  *reconcile.Result
}

func (p *PlanSession) Coordinator() *autosave.Coordinator {
	return p.coordinator
}

type Deps struct {
	Store    dataStore
	Drafts   draft.Store
	Exporter *export.Service
	Logger   *zap.Logger
}

type Service struct {
	cfg      config.Config
	store    dataStore
	drafts   draft.Store
	loader   *reconcile.Loader
	exporter *export.Service
	verifier *auth.Verifier
	autosave autosave.Options
	logger   *zap.Logger
	now      func() time.Time

	opening  singleflight.Group
	mu       sync.Mutex
	sessions map[string]*PlanSession
}

func New(cfg config.Config, deps Deps) (*Service, error) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	reconciler, err := reconcile.New()
	if err != nil {
		return nil, fmt.Errorf("build reconciler: %w", err)
	}
	return &Service{
		cfg:      cfg,
		store:    deps.Store,
		drafts:   deps.Drafts,
		loader:   reconcile.NewLoader(reconciler, deps.Drafts, deps.Store, logger),
		exporter: deps.Exporter,
		verifier: auth.NewVerifier([]byte(cfg.JWTSecret), cfg.JWTIssuer),
		autosave: autosave.Options{
			Debounce:     cfg.AutosaveDebounce,
			RetryBudget:  cfg.RetryBudget,
			RetryInitial: cfg.RetryInitial,
			RetryMax:     cfg.RetryMax,
			Logger:       logger,
		},
		logger:   logger,
		now:      time.Now,
		sessions: map[string]*PlanSession{},
	}, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := s.verifier.ParseToken(token)
	if err != nil {
		return Session{}, err
	}
	return Session{OwnerID: claims.Subject, OrgID: claims.OrgID, Role: rbac.Normalize(claims.Role)}, nil
}

func (s *Service) Can(session Session, action rbac.Action) bool {
	return rbac.Can(session.Role, action)
}

// ownerContext binds the session owner for row-level security.
func ownerContext(ctx context.Context, session Session) context.Context {
	return store.WithOwner(ctx, session.OwnerID)
}

// planSession returns the owner's session, opening it on first access. Concurrent first
// requests for one owner share a single open.
func (s *Service) planSession(ctx context.Context, session Session) (*PlanSession, error) {
	opened, err := s.openOrGet(ctx, session)
	if err != nil {
		return nil, err
	}
	return opened.session, nil
}

// openOrGet is planSession for callers that also need the plan. loaded is set only when
// this call took part in opening the session.
func (s *Service) openOrGet(ctx context.Context, session Session) (opening, error) {
	if ps, ok := s.touch(session.OwnerID); ok {
		return opening{session: ps}, nil
	}

	opened, err, _ := s.opening.Do(session.OwnerID, func() (any, error) {
		if ps, ok := s.touch(session.OwnerID); ok {
			return opening{session: ps}, nil
		}
		ps, loaded, err := s.openSession(ctx, session)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		ps.lastSeen = s.now()
		s.sessions[session.OwnerID] = ps
		s.mu.Unlock()
		return opening{session: ps, loaded: &loaded}, nil
	})
	if err != nil {
		return opening{}, err
	}
	return opened.(opening), nil
}

func (s *Service) touch(ownerID string) (*PlanSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.sessions[ownerID]
	if ok {
		ps.lastSeen = s.now()
	}
	return ps, ok
}

// openSession loads the merged plan, creates the remote plan when the owner has none and
// starts the autosave coordinator seeded with what the server holds.
func (s *Service) openSession(ctx context.Context, session Session) (*PlanSession, reconcile.Result, error) {
	ctx = ownerContext(ctx, session)
	result, err := s.loader.Load(ctx, session.OwnerID)
	if err != nil {
		return nil, reconcile.Result{}, err
	}
	fromServer := !hasDiagnostic(result, reconcile.DiagnosticServerUnavailable)

	doc := result.Document
	if doc.ID == "" && fromServer {
		created, err := s.store.CreatePlan(ctx, session.OwnerID, session.OrgID)
		switch {
		case err == nil:
			doc.ID = created.ID
			doc.OwnerID = created.OwnerID
			doc.OrgID = created.OrgID
			doc.CreatedAt = created.CreatedAt
			doc.UpdatedAt = created.UpdatedAt
			s.logger.Info("created plan", zap.String("owner_id", session.OwnerID), zap.String("plan_id", created.ID))
		case errors.Is(err, store.ErrUnavailable):
			// the coordinator creates the plan on its first successful write
			s.logger.Warn("plan creation deferred", zap.String("owner_id", session.OwnerID), zap.Error(err))
		default:
			return nil, reconcile.Result{}, err
		}
	}
	result.Document = doc

	// The coordinator outlives this request.
	coordinator := autosave.New(context.WithoutCancel(ctx), session.OwnerID, session.OrgID, s.drafts, s.store, s.autosave)
	coordinator.Seed(doc, fromServer)
	s.logger.Info("plan session opened",
		zap.String("owner_id", session.OwnerID),
		zap.String("plan_id", doc.ID),
		zap.Bool("server_read", fromServer))
	return &PlanSession{
		ownerID:     session.OwnerID,
		orgID:       session.OrgID,
		coordinator: coordinator,
		openedAt:    s.now(),
	}, result, nil
}

func hasDiagnostic(result reconcile.Result, kind reconcile.DiagnosticKind) bool {
	for _, d := range result.Diagnostics {
		if d.Kind == kind {
			return true
		}
	}
	return false
}

// PlanState is everything the editor needs after (re)entering the plan.
type PlanState struct {
	Plan        PlanView               `json:"plan"`
	Diagnostics []reconcile.Diagnostic `json:"diagnostics"`
	SaveState   autosave.Status        `json:"save_state"`
	Sections    []sections.Descriptor  `json:"sections"`
	Readiness   completion.Report      `json:"readiness"`
}

type snapshot struct {
	result    reconcile.Result
	visible   []sections.Descriptor
	readiness completion.Report
	session   *PlanSession
}

func (s *Service) load(ctx context.Context, session Session) (snapshot, error) {
	opened, err := s.openOrGet(ctx, session)
	if err != nil {
		return snapshot{}, err
	}
	var result reconcile.Result
	if opened.loaded != nil {
		result = *opened.loaded
	} else {
		result, err = s.loader.Load(ownerContext(ctx, session), session.OwnerID)
		if err != nil {
			return snapshot{}, err
		}
	}
	ps := opened.session
	visible := sections.Resolve(result.Document.SelectedSections)
	return snapshot{
		result:    result,
		visible:   visible,
		readiness: completion.Evaluate(result.Document, visible),
		session:   ps,
	}, nil
}

func (s *Service) GetPlan(ctx context.Context, session Session) (PlanState, error) {
	snap, err := s.load(ctx, session)
	if err != nil {
		return PlanState{}, err
	}
	return PlanState{
		Plan:        newPlanView(snap.result.Document),
		Diagnostics: snap.result.Diagnostics,
		SaveState:   snap.session.coordinator.Status(),
		Sections:    snap.visible,
		Readiness:   snap.readiness,
	}, nil
}

func (s *Service) Sections(ctx context.Context, session Session) ([]sections.Descriptor, error) {
	snap, err := s.load(ctx, session)
	if err != nil {
		return nil, err
	}
	return snap.visible, nil
}

func (s *Service) Readiness(ctx context.Context, session Session) (completion.Report, error) {
	snap, err := s.load(ctx, session)
	if err != nil {
		return completion.Report{}, err
	}
	return snap.readiness, nil
}

func (s *Service) Revisions(ctx context.Context, session Session) ([]plan.Revision, error) {
	snap, err := s.load(ctx, session)
	if err != nil {
		return nil, err
	}
	if snap.result.Document.Revisions == nil {
		return []plan.Revision{}, nil
	}
	return snap.result.Document.Revisions, nil
}

// ApplyPatch records a mutation through the owner's coordinator. It returns once the
// draft is written; the remote write happens in the background.
func (s *Service) ApplyPatch(ctx context.Context, session Session, patch plan.Patch) (plan.Patch, autosave.Status, error) {
	if patch.IsEmpty() {
		return plan.Patch{}, autosave.Status{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Patch is empty", nil)
	}
	ps, err := s.planSession(ctx, session)
	if err != nil {
		return plan.Patch{}, autosave.Status{}, err
	}
	return ps.coordinator.Apply(ctx, patch)
}

func (s *Service) SaveState(ctx context.Context, session Session) (autosave.Status, error) {
	ps, err := s.planSession(ctx, session)
	if err != nil {
		return autosave.Status{}, err
	}
	return ps.coordinator.Status(), nil
}

func (s *Service) Retry(ctx context.Context, session Session) (autosave.Status, error) {
	ps, err := s.planSession(ctx, session)
	if err != nil {
		return autosave.Status{}, err
	}
	return ps.coordinator.Retry(), nil
}

// Export hands the merged, filtered plan to the exporter.
func (s *Service) Export(ctx context.Context, session Session, mode export.Mode, signature, preparedBy string, pii *export.PII) (*export.Result, error) {
	snap, err := s.load(ctx, session)
	if err != nil {
		return nil, err
	}
	return s.exporter.Export(ownerContext(ctx, session), export.Snapshot{
		Document:  snap.result.Document,
		Visible:   snap.visible,
		Readiness: snap.readiness,
	}, export.Request{
		OwnerID:    session.OwnerID,
		Mode:       mode,
		Signature:  signature,
		PreparedBy: preparedBy,
		PII:        pii,
	})
}

// EndSession tears down the owner's session after sign-out. Pending changes get one last
// write bounded by ctx and otherwise stay in the draft.
func (s *Service) EndSession(ctx context.Context, ownerID string) error {
	_, err := s.endSession(ctx, ownerID, time.Time{})
	return err
}

// endSession removes and closes the owner's session. With a non-zero idleSince the session
// is only ended if it has not been used since then.
func (s *Service) endSession(ctx context.Context, ownerID string, idleSince time.Time) (bool, error) {
	s.mu.Lock()
	ps, ok := s.sessions[ownerID]
	if !ok || (!idleSince.IsZero() && !ps.lastSeen.Before(idleSince)) {
		s.mu.Unlock()
		return false, nil
	}
	delete(s.sessions, ownerID)
	s.mu.Unlock()
	err := ps.coordinator.Close(ctx)
	s.logger.Info("plan session ended",
		zap.String("owner_id", ownerID),
		zap.Duration("open_for", s.now().Sub(ps.openedAt)),
		zap.Error(err),
	)
	return true, err
}

// SweepIdle ends sessions not used for longer than idle and returns how many it ended.
// Their coordinators flush under ctx like any other teardown.
func (s *Service) SweepIdle(ctx context.Context, idle time.Duration) int {
	cutoff := s.now().Add(-idle)
	s.mu.Lock()
	var stale []string
	for ownerID, ps := range s.sessions {
		if ps.lastSeen.Before(cutoff) {
			stale = append(stale, ownerID)
		}
	}
	s.mu.Unlock()

	ended := 0
	for _, ownerID := range stale {
		closed, err := s.endSession(ctx, ownerID, cutoff)
		if err != nil {
			s.logger.Warn("idle session flush failed", zap.String("owner_id", ownerID), zap.Error(err))
		}
		if closed {
			ended++
		}
	}
	return ended
}

// RunIdleSweep calls SweepIdle every interval until ctx is done.
func (s *Service) RunIdleSweep(ctx context.Context, idle, interval time.Duration) {
	if idle <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			if n := s.SweepIdle(flushCtx, idle); n > 0 {
				s.logger.Info("idle plan sessions ended", zap.Int("count", n))
			}
			cancel()
		}
	}
}

// Shutdown ends every open session.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	owners := make([]string, 0, len(s.sessions))
	for ownerID := range s.sessions {
		owners = append(owners, ownerID)
	}
	s.mu.Unlock()

	var errs []error
	for _, ownerID := range owners {
		if err := s.EndSession(ctx, ownerID); err != nil {
			errs = append(errs, fmt.Errorf("end session %s: %w", ownerID, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) openSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
