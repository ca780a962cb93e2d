package app

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"legacyplan/api/internal/auth"
	"legacyplan/api/internal/config"
	"legacyplan/api/internal/draft"
	"legacyplan/api/internal/export"
	"legacyplan/api/internal/plan"
	"legacyplan/api/internal/store"
)

const testSecret = "test-secret"

// fakeStore keeps plans in memory and enforces the owner binding the way row-level
// security does.
type fakeStore struct {
	mu        sync.Mutex
	plans     map[string]*plan.Document
	children  map[string]map[plan.Collection][]plan.Record
	revisions map[string][]plan.Revision
	entitled  bool
	creates   int
	updates   int
	finds     int
	// down makes reads fail as if the database were unreachable.
	down atomic.Bool

	findFn func(ctx context.Context, ownerID string) (*plan.Document, error)
	pingFn func(ctx context.Context) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		plans:     map[string]*plan.Document{},
		children:  map[string]map[plan.Collection][]plan.Record{},
		revisions: map[string][]plan.Revision{},
	}
}

func checkOwner(ctx context.Context, ownerID string) error {
	bound, ok := store.OwnerFrom(ctx)
	if !ok || bound != ownerID {
		return store.ErrAccessDenied
	}
	return nil
}

func (f *fakeStore) boundPlan(ctx context.Context, planID string) (*plan.Document, error) {
	bound, ok := store.OwnerFrom(ctx)
	if !ok {
		return nil, store.ErrAccessDenied
	}
	doc, exists := f.plans[bound]
	if !exists || doc.ID != planID {
		return nil, store.ErrNotFound
	}
	return doc, nil
}

func (f *fakeStore) FindPlanForOwner(ctx context.Context, ownerID string) (*plan.Document, error) {
	if f.findFn != nil {
		return f.findFn(ctx, ownerID)
	}
	if f.down.Load() {
		return nil, fmt.Errorf("find plan: %w", store.ErrUnavailable)
	}
	if err := checkOwner(ctx, ownerID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finds++
	doc, ok := f.plans[ownerID]
	if !ok {
		return nil, nil
	}
	out := doc.Clone()
	return &out, nil
}

func (f *fakeStore) CreatePlan(ctx context.Context, ownerID, orgID string) (plan.Document, error) {
	if err := checkOwner(ctx, ownerID); err != nil {
		return plan.Document{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.plans[ownerID]; ok {
		return existing.Clone(), nil
	}
	f.creates++
	doc := plan.Empty()
	doc.ID = fmt.Sprintf("plan-%d", f.creates)
	doc.OwnerID = ownerID
	doc.OrgID = orgID
	doc.CreatedAt = time.Now()
	doc.UpdatedAt = doc.CreatedAt
	f.plans[ownerID] = &doc
	return doc.Clone(), nil
}

func (f *fakeStore) UpdatePlan(ctx context.Context, planID string, patch plan.Patch) (plan.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.boundPlan(ctx, planID)
	if err != nil {
		return plan.Document{}, err
	}
	f.updates++
	for field, value := range patch.Fields {
		if value == nil {
			delete(doc.Fields, field)
			continue
		}
		doc.Fields[field] = *value
	}
	if patch.SelectedSections != nil {
		doc.SelectedSections = append([]string(nil), (*patch.SelectedSections)...)
	}
	doc.UpdatedAt = time.Now()
	return doc.Clone(), nil
}

func (f *fakeStore) ListChildren(ctx context.Context, planID string, c plan.Collection) ([]plan.Record, error) {
	if f.down.Load() {
		return nil, fmt.Errorf("list %s: %w", c, store.ErrUnavailable)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.boundPlan(ctx, planID); err != nil {
		return nil, err
	}
	return plan.CloneRecords(f.children[planID][c]), nil
}

func (f *fakeStore) UpsertChild(ctx context.Context, planID string, c plan.Collection, record plan.Record) (plan.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.boundPlan(ctx, planID); err != nil {
		return plan.Record{}, err
	}
	if f.children[planID] == nil {
		f.children[planID] = map[plan.Collection][]plan.Record{}
	}
	records := f.children[planID][c]
	for i := range records {
		if records[i].ID == record.ID {
			records[i] = record.Clone()
			return record, nil
		}
	}
	f.children[planID][c] = append(records, record.Clone())
	return record, nil
}

func (f *fakeStore) DeleteChild(ctx context.Context, planID string, c plan.Collection, recordID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.boundPlan(ctx, planID); err != nil {
		return err
	}
	records := f.children[planID][c]
	if len(records) == 0 {
		return nil
	}
	kept := records[:0]
	for _, r := range records {
		if r.ID != recordID {
			kept = append(kept, r)
		}
	}
	f.children[planID][c] = kept
	return nil
}

func (f *fakeStore) AppendRevision(ctx context.Context, planID string, rev plan.Revision) (plan.Revision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.boundPlan(ctx, planID); err != nil {
		return plan.Revision{}, err
	}
	f.revisions[planID] = append(f.revisions[planID], rev)
	return rev, nil
}

func (f *fakeStore) ListRevisions(ctx context.Context, planID string) ([]plan.Revision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.boundPlan(ctx, planID); err != nil {
		return nil, err
	}
	return append([]plan.Revision{}, f.revisions[planID]...), nil
}

func (f *fakeStore) HasActiveEntitlement(_ context.Context, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entitled, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) findCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finds
}

func (f *fakeStore) childIDs(planID string, c plan.Collection) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := []string{}
	for _, r := range f.children[planID][c] {
		ids = append(ids, r.ID)
	}
	return ids
}

func (f *fakeStore) counts() (creates, updates int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates, f.updates
}

type testEnv struct {
	store   *fakeStore
	drafts  *draft.MemoryStore
	service *Service
	server  *HTTPServer
}

func newTestEnv(t *testing.T, fs *fakeStore) *testEnv {
	t.Helper()
	drafts := draft.NewMemoryStore(nil)
	cfg := config.Config{
		JWTSecret:        testSecret,
		AutosaveDebounce: 10 * time.Millisecond,
		RetryBudget:      2,
		RetryInitial:     10 * time.Millisecond,
		RetryMax:         20 * time.Millisecond,
	}
	exporter := export.NewService(export.HTMLRenderer{}, fs, fs, export.Options{})
	svc, err := New(cfg, Deps{Store: fs, Drafts: drafts, Exporter: exporter})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return &testEnv{store: fs, drafts: drafts, service: svc, server: NewHTTPServer(svc, "*", nil)}
}

func issueToken(t *testing.T, ownerID, role string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), ownerID, "org-1", role, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return token
}
