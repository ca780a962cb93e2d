package autosave

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"legacyplan/api/internal/draft"
	"legacyplan/api/internal/plan"
	"legacyplan/api/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type upsertCall struct {
	collection plan.Collection
	record     plan.Record
}

type fakeRepo struct {
	mu        sync.Mutex
	existing  *plan.Document
	finds     int
	creates   int
	updates   []plan.Patch
	upserts   []upsertCall
	deletes   []string
	children  map[plan.Collection][]plan.Record
	lists     int
	active    int
	maxActive int

	updateFn func(ctx context.Context, patch plan.Patch) error
}

func (f *fakeRepo) enter() func() {
	f.mu.Lock()
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}
}

func (f *fakeRepo) FindPlanForOwner(ctx context.Context, ownerID string) (*plan.Document, error) {
	if _, ok := store.OwnerFrom(ctx); !ok {
		return nil, store.ErrAccessDenied
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finds++
	if f.existing == nil {
		return nil, nil
	}
	doc := f.existing.Clone()
	return &doc, nil
}

func (f *fakeRepo) CreatePlan(_ context.Context, ownerID, orgID string) (plan.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	doc := plan.Empty()
	doc.ID = "plan-created"
	doc.OwnerID = ownerID
	doc.OrgID = orgID
	f.existing = &doc
	return doc, nil
}

func (f *fakeRepo) UpdatePlan(ctx context.Context, planID string, patch plan.Patch) (plan.Document, error) {
	defer f.enter()()
	if f.updateFn != nil {
		if err := f.updateFn(ctx, patch); err != nil {
			return plan.Document{}, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, patch.Clone())
	doc := plan.Empty()
	doc.ID = planID
	return doc, nil
}

func (f *fakeRepo) UpsertChild(_ context.Context, _ string, c plan.Collection, r plan.Record) (plan.Record, error) {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, upsertCall{collection: c, record: r.Clone()})
	return r, nil
}

func (f *fakeRepo) ListChildren(ctx context.Context, _ string, c plan.Collection) ([]plan.Record, error) {
	if _, ok := store.OwnerFrom(ctx); !ok {
		return nil, store.ErrAccessDenied
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	return plan.CloneRecords(f.children[c]), nil
}

func (f *fakeRepo) DeleteChild(_ context.Context, _ string, _ plan.Collection, recordID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, recordID)
	return nil
}

func (f *fakeRepo) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

func (f *fakeRepo) lastUpdate() plan.Patch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates[len(f.updates)-1]
}

func existingPlan() *plan.Document {
	doc := plan.Empty()
	doc.ID = "plan-1"
	doc.OwnerID = "owner-1"
	return &doc
}

func fieldPatch(f plan.Field, value string) plan.Patch {
	return plan.Patch{Fields: map[plan.Field]*string{f: &value}}
}

func newCoordinator(t *testing.T, drafts draft.Store, repo Repository, opts Options) *Coordinator {
	t.Helper()
	if opts.Debounce == 0 {
		opts.Debounce = 10 * time.Millisecond
	}
	c := New(context.Background(), "owner-1", "org-1", drafts, repo, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c
}

func TestApplyCoalescesIntoOneRemoteWrite(t *testing.T) {
	drafts := draft.NewMemoryStore(nil)
	repo := &fakeRepo{existing: existingPlan()}
	c := newCoordinator(t, drafts, repo, Options{Debounce: 50 * time.Millisecond})

	ctx := context.Background()
	for _, v := range []string{"B", "Bu", "Bur", "Buri", "Burial"} {
		_, status, err := c.Apply(ctx, fieldPatch(plan.FieldFuneralNotes, v))
		require.NoError(t, err)
		assert.Equal(t, StateSaving, status.State)
	}

	got, ok := drafts.Get(ctx, "owner-1")
	require.True(t, ok)
	assert.Equal(t, "Burial", got.Fields[plan.FieldFuneralNotes], "draft is written without debounce")

	require.Eventually(t, func() bool { return c.Status().State == StateSaved }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, repo.updateCount())
	assert.Equal(t, "Burial", *repo.lastUpdate().Fields[plan.FieldFuneralNotes])

	got, _ = drafts.Get(ctx, "owner-1")
	assert.Nil(t, got.Pending, "acknowledged changes leave the draft")
	assert.False(t, c.Status().Pending)
}

func TestStalledRepositoryNeverBlocksApply(t *testing.T) {
	drafts := draft.NewMemoryStore(nil)
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	repo := &fakeRepo{
		existing: existingPlan(),
		updateFn: func(ctx context.Context, _ plan.Patch) error {
			select {
			case started <- struct{}{}:
			default:
			}
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	c := newCoordinator(t, drafts, repo, Options{Debounce: 5 * time.Millisecond})
	ctx := context.Background()

	_, _, err := c.Apply(ctx, fieldPatch(plan.FieldLegalNotes, "first"))
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("remote write never started")
	}

	const n = 50
	for i := 0; i < n; i++ {
		value := fmt.Sprintf("edit-%02d", i)
		begin := time.Now()
		_, status, err := c.Apply(ctx, fieldPatch(plan.FieldLegalNotes, value))
		require.NoError(t, err)
		assert.Less(t, time.Since(begin), 250*time.Millisecond, "Apply must not wait on the stalled write")
		assert.Equal(t, StateSaving, status.State)

		got, ok := drafts.Get(ctx, "owner-1")
		require.True(t, ok)
		require.Equal(t, value, got.Fields[plan.FieldLegalNotes], "draft reflects mutations in order")
	}
	assert.Equal(t, StateSaving, c.Status().State)

	close(release)
	require.Eventually(t, func() bool {
		return c.Status().State == StateSaved && repo.updateCount() == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "edit-49", *repo.lastUpdate().Fields[plan.FieldLegalNotes])

	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.Equal(t, 1, repo.maxActive, "at most one remote write in flight")
}

func TestUnavailableRetriesUntilBudgetThenErrors(t *testing.T) {
	drafts := draft.NewMemoryStore(nil)
	var mu sync.Mutex
	failing := true
	repo := &fakeRepo{
		existing: existingPlan(),
		updateFn: func(context.Context, plan.Patch) error {
			mu.Lock()
			defer mu.Unlock()
			if failing {
				return fmt.Errorf("update plan: %w", store.ErrUnavailable)
			}
			return nil
		},
	}
	c := newCoordinator(t, drafts, repo, Options{
		Debounce:     time.Millisecond,
		RetryBudget:  3,
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
	})
	ctx := context.Background()

	_, _, err := c.Apply(ctx, fieldPatch(plan.FieldDigitalNotes, "1Password"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.Status().State == StateError }, 2*time.Second, time.Millisecond)
	status := c.Status()
	assert.Equal(t, 3, status.Attempts)
	assert.True(t, status.Pending)
	assert.Contains(t, status.LastError, "unavailable")

	got, _ := drafts.Get(ctx, "owner-1")
	require.NotNil(t, got.Pending, "unsaved changes stay in the draft")
	assert.Equal(t, "1Password", *got.Pending.Fields[plan.FieldDigitalNotes])

	mu.Lock()
	failing = false
	mu.Unlock()

	status = c.Retry()
	assert.Equal(t, StateSaving, status.State)
	require.Eventually(t, func() bool { return c.Status().State == StateSaved }, 2*time.Second, time.Millisecond)
	assert.Zero(t, c.Status().Attempts)
}

func TestAccessDeniedIsNotRetried(t *testing.T) {
	repo := &fakeRepo{
		existing: existingPlan(),
		updateFn: func(context.Context, plan.Patch) error {
			return fmt.Errorf("update plan: %w", store.ErrAccessDenied)
		},
	}
	var calls atomic.Int32
	inner := repo.updateFn
	repo.updateFn = func(ctx context.Context, p plan.Patch) error {
		calls.Add(1)
		return inner(ctx, p)
	}
	c := newCoordinator(t, draft.NewMemoryStore(nil), repo, Options{Debounce: time.Millisecond, RetryInitial: time.Millisecond})

	_, _, err := c.Apply(context.Background(), fieldPatch(plan.FieldTitle, "My plan"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.Status().State == StateError }, 2*time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	// a new mutation moves the coordinator out of the error state
	_, status, err := c.Apply(context.Background(), fieldPatch(plan.FieldTitle, "My plan 2"))
	require.NoError(t, err)
	assert.Equal(t, StateSaving, status.State)
}

func TestCreatesPlanOnFirstSave(t *testing.T) {
	repo := &fakeRepo{}
	c := newCoordinator(t, draft.NewMemoryStore(nil), repo, Options{Debounce: time.Millisecond})
	ctx := context.Background()

	_, _, err := c.Apply(ctx, fieldPatch(plan.FieldPreparedFor, "Family"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Status().State == StateSaved }, 2*time.Second, time.Millisecond)

	_, _, err = c.Apply(ctx, fieldPatch(plan.FieldPreparedFor, "My family"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return repo.updateCount() == 2 && c.Status().State == StateSaved }, 2*time.Second, time.Millisecond)

	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.Equal(t, 1, repo.creates)
	assert.Equal(t, 1, repo.finds)
	assert.Equal(t, "plan-created", c.PlanID())
}

func TestCollectionReplacementUpsertsAndDeletes(t *testing.T) {
	repo := &fakeRepo{existing: existingPlan()}
	c := newCoordinator(t, draft.NewMemoryStore(nil), repo, Options{Debounce: time.Millisecond})

	seed := existingPlan()
	seed.Collections[plan.CollectionContacts] = []plan.Record{
		{ID: "rec-1", Data: map[string]any{"name": "Sam"}},
		{ID: "rec-2", Data: map[string]any{"name": "Alex"}},
	}
	c.Seed(*seed, true)

	recorded, _, err := c.Apply(context.Background(), plan.Patch{Collections: map[plan.Collection][]plan.Record{
		plan.CollectionContacts: {
			{ID: "rec-2", Data: map[string]any{"name": "Alex", "phone": "555"}},
			{Data: map[string]any{"name": "Jo"}},
		},
	}})
	require.NoError(t, err)
	newID := recorded.Collections[plan.CollectionContacts][1].ID
	require.NotEmpty(t, newID)

	require.Eventually(t, func() bool { return c.Status().State == StateSaved }, 2*time.Second, time.Millisecond)

	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.Empty(t, repo.updates, "collection-only changes do not touch the plan row")
	require.Len(t, repo.upserts, 2)
	assert.Equal(t, "rec-2", repo.upserts[0].record.ID)
	assert.Equal(t, 0, repo.upserts[0].record.Position)
	assert.Equal(t, newID, repo.upserts[1].record.ID)
	assert.Equal(t, 1, repo.upserts[1].record.Position)
	assert.Equal(t, []string{"rec-1"}, repo.deletes)
	assert.Zero(t, repo.lists, "ids seeded from the server are trusted")
}

func TestRemovalAfterOfflineOpenDeletesServerRecords(t *testing.T) {
	repo := &fakeRepo{
		existing: existingPlan(),
		children: map[plan.Collection][]plan.Record{
			plan.CollectionContacts: {
				{ID: "rec-1", Data: map[string]any{"name": "Sam"}},
				{ID: "rec-2", Data: map[string]any{"name": "Alex"}},
			},
		},
	}
	c := newCoordinator(t, draft.NewMemoryStore(nil), repo, Options{Debounce: time.Millisecond})
	// the session opened while the repository was unreachable
	c.Seed(plan.Empty(), false)

	_, _, err := c.Apply(context.Background(), plan.Patch{Collections: map[plan.Collection][]plan.Record{
		plan.CollectionContacts: {{ID: "rec-2", Data: map[string]any{"name": "Alex"}}},
	}})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Status().State == StateSaved }, 2*time.Second, time.Millisecond)

	_, _, err = c.Apply(context.Background(), plan.Patch{Collections: map[plan.Collection][]plan.Record{
		plan.CollectionContacts: {},
	}})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		repo.mu.Lock()
		defer repo.mu.Unlock()
		return len(repo.deletes) == 2 && c.Status().State == StateSaved
	}, 2*time.Second, time.Millisecond)

	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.Equal(t, []string{"rec-1", "rec-2"}, repo.deletes)
	assert.Equal(t, 1, repo.lists, "the server copy is listed once per collection")
}

func TestResumesPendingChangesFromDraft(t *testing.T) {
	drafts := draft.NewMemoryStore(nil)
	notes := "left unsaved last time"
	pending := fieldPatch(plan.FieldMessagesNotes, notes)
	d := plan.Draft{Pending: &pending}
	require.NoError(t, d.Apply(pending))
	require.NoError(t, drafts.Set(context.Background(), "owner-1", d))

	repo := &fakeRepo{existing: existingPlan()}
	c := newCoordinator(t, drafts, repo, Options{Debounce: time.Millisecond})

	require.Eventually(t, func() bool { return c.Status().State == StateSaved }, 2*time.Second, time.Millisecond)
	assert.Equal(t, notes, *repo.lastUpdate().Fields[plan.FieldMessagesNotes])

	got, _ := drafts.Get(context.Background(), "owner-1")
	assert.Nil(t, got.Pending)
	assert.Equal(t, notes, got.Fields[plan.FieldMessagesNotes])
}

func TestCloseFlushesPendingChanges(t *testing.T) {
	repo := &fakeRepo{existing: existingPlan()}
	c := New(context.Background(), "owner-1", "", draft.NewMemoryStore(nil), repo, Options{Debounce: time.Hour})

	_, _, err := c.Apply(context.Background(), fieldPatch(plan.FieldInsuranceNotes, "Policy in safe"))
	require.NoError(t, err)
	assert.Zero(t, repo.updateCount())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Close(ctx))
	assert.Equal(t, 1, repo.updateCount())
	assert.Equal(t, StateSaved, c.Status().State)

	_, _, err = c.Apply(context.Background(), fieldPatch(plan.FieldInsuranceNotes, "late"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestApplyRejectsInvalidPatch(t *testing.T) {
	c := newCoordinator(t, draft.NewMemoryStore(nil), &fakeRepo{}, Options{})
	_, _, err := c.Apply(context.Background(), plan.Patch{Fields: map[plan.Field]*string{"shoe_size": nil}})
	assert.ErrorIs(t, err, plan.ErrInvalidPatch)
	assert.Equal(t, StateIdle, c.Status().State)
}
