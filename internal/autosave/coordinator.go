// Package autosave applies editor mutations to the device-local draft immediately and to the
// remote plan repository lazily, one write at a time.
package autosave

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"legacyplan/api/internal/draft"
	"legacyplan/api/internal/plan"
	"legacyplan/api/internal/store"
	"legacyplan/api/internal/util"
)

type State string

const (
	StateIdle   State = "idle"
	StateSaving State = "saving"
	StateSaved  State = "saved"
	StateError  State = "error"
)

// Status is a snapshot of the save state shown next to the editor.
type Status struct {
	State       State      `json:"state"`
	Pending     bool       `json:"pending"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	LastSavedAt *time.Time `json:"last_saved_at,omitempty"`
}

// Repository is the write side of the remote plan repository.
type Repository interface {
	FindPlanForOwner(ctx context.Context, ownerID string) (*plan.Document, error)
	CreatePlan(ctx context.Context, ownerID, orgID string) (plan.Document, error)
	UpdatePlan(ctx context.Context, planID string, patch plan.Patch) (plan.Document, error)
	ListChildren(ctx context.Context, planID string, collection plan.Collection) ([]plan.Record, error)
	UpsertChild(ctx context.Context, planID string, collection plan.Collection, record plan.Record) (plan.Record, error)
	DeleteChild(ctx context.Context, planID string, collection plan.Collection, recordID string) error
}

type Options struct {
	Debounce     time.Duration
	RetryBudget  int
	RetryInitial time.Duration
	RetryMax     time.Duration
	// WriteTimeout bounds one remote write attempt.
	WriteTimeout time.Duration
	Logger       *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Debounce <= 0 {
		o.Debounce = 750 * time.Millisecond
	}
	if o.RetryBudget <= 0 {
		o.RetryBudget = 5
	}
	if o.RetryInitial <= 0 {
		o.RetryInitial = 500 * time.Millisecond
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 15 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Coordinator serializes one owner's saves. Apply never waits on the network: it writes the
// draft, queues the change and returns. Queued changes coalesce until the debounce window
// passes and are written by a single in-flight remote write; changes arriving during that
// write are merged into the next one.
type Coordinator struct {
	ownerID string
	orgID   string
	drafts  draft.Store
	repo    Repository
	opts    Options
	logger  *zap.Logger
	base    context.Context

	mu     sync.Mutex
	draft  plan.Draft
	status Status
	planID string
	known  map[plan.Collection]map[string]struct{}
	// synced marks collections whose known ids came from a server read.
	synced   map[plan.Collection]bool
	pending  *plan.Patch
	inFlight *plan.Patch
	debounce *time.Timer
	retry    *time.Timer
	backoff  *backoff.ExponentialBackOff
	closed   bool
	wg       sync.WaitGroup
}

// New builds a coordinator for ownerID. Changes left unsaved by an earlier session are
// found in the draft and scheduled for writing.
func New(ctx context.Context, ownerID, orgID string, drafts draft.Store, repo Repository, opts Options) *Coordinator {
	opts = opts.withDefaults()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.RetryInitial
	bo.MaxInterval = opts.RetryMax

	c := &Coordinator{
		ownerID: ownerID,
		orgID:   orgID,
		drafts:  drafts,
		repo:    repo,
		opts:    opts,
		logger:  opts.Logger.With(zap.String("owner_id", ownerID)),
		base:    store.WithOwner(context.WithoutCancel(ctx), ownerID),
		status:  Status{State: StateIdle},
		known:   map[plan.Collection]map[string]struct{}{},
		synced:  map[plan.Collection]bool{},
		backoff: bo,
	}

	if existing, ok := drafts.Get(ctx, ownerID); ok {
		c.draft = existing
		if existing.Pending != nil && !existing.Pending.IsEmpty() {
			resumed := existing.Pending.Clone()
			c.pending = &resumed
			c.status.State = StateSaving
			c.status.Pending = true
			c.armDebounceLocked()
			c.logger.Info("resuming unsaved changes from draft")
		}
	}
	return c
}

// Seed records the record ids of the loaded plan so removed records can be deleted
// remotely. fromServer reports whether doc's collections were read from the repository;
// when they were not, the first write of each collection lists the server copy before
// working out deletions.
func (c *Coordinator) Seed(doc plan.Document, fromServer bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if doc.ID != "" {
		c.planID = doc.ID
	}
	if fromServer && doc.ID != "" {
		for _, collection := range plan.Collections {
			c.synced[collection] = true
		}
	}
	for collection, records := range doc.Collections {
		ids := make(map[string]struct{}, len(records))
		for _, r := range records {
			if r.ID != "" {
				ids[r.ID] = struct{}{}
			}
		}
		c.known[collection] = ids
	}
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() Status {
	s := c.status
	s.Pending = c.pending != nil || c.inFlight != nil
	if c.status.LastSavedAt != nil {
		saved := *c.status.LastSavedAt
		s.LastSavedAt = &saved
	}
	return s
}

var ErrClosed = errors.New("autosave coordinator closed")

// Apply records a mutation. Records without ids are given one so the draft and the remote
// copy share identity. The returned patch is what was recorded.
func (c *Coordinator) Apply(ctx context.Context, patch plan.Patch) (plan.Patch, Status, error) {
	if err := patch.Validate(); err != nil {
		return plan.Patch{}, Status{}, err
	}
	patch = assignRecordIDs(patch)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return plan.Patch{}, c.snapshotLocked(), ErrClosed
	}

	if err := c.draft.Apply(patch); err != nil {
		return plan.Patch{}, c.snapshotLocked(), err
	}
	if c.pending == nil {
		merged := patch.Clone()
		c.pending = &merged
	} else {
		merged := c.pending.Merge(patch)
		c.pending = &merged
	}
	c.persistDraftLocked(ctx)

	if c.status.State == StateError {
		c.resetRetryLocked()
	}
	c.status.State = StateSaving
	mutationsTotal.Inc()
	c.armDebounceLocked()
	return patch, c.snapshotLocked(), nil
}

// Retry schedules an immediate write after the coordinator gave up.
func (c *Coordinator) Retry() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.status.State != StateError {
		return c.snapshotLocked()
	}
	c.resetRetryLocked()
	c.status.State = StateSaving
	c.scheduleLocked(0)
	return c.snapshotLocked()
}

// Close stops timers and makes one last attempt to write pending changes, bounded by ctx.
// Whatever is still unsaved stays in the draft for the next session.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.stopTimersLocked()
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("wait for in-flight save: %w", ctx.Err())
	}

	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	if batch != nil {
		c.inFlight = batch
	}
	c.mu.Unlock()
	if batch == nil {
		return nil
	}

	err := c.write(store.WithOwner(ctx, c.ownerID), *batch)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight = nil
	if err != nil {
		c.pending = batch
		c.persistDraftLocked(ctx)
		return fmt.Errorf("flush on close: %w", err)
	}
	c.markSavedLocked()
	c.persistDraftLocked(ctx)
	return nil
}

func (c *Coordinator) armDebounceLocked() {
	if c.closed {
		return
	}
	if c.debounce == nil {
		c.debounce = time.AfterFunc(c.opts.Debounce, c.flush)
		return
	}
	c.debounce.Reset(c.opts.Debounce)
}

func (c *Coordinator) scheduleLocked(delay time.Duration) {
	if c.closed {
		return
	}
	if c.retry == nil {
		c.retry = time.AfterFunc(delay, c.flush)
		return
	}
	c.retry.Reset(delay)
}

func (c *Coordinator) stopTimersLocked() {
	if c.debounce != nil {
		c.debounce.Stop()
	}
	if c.retry != nil {
		c.retry.Stop()
	}
}

func (c *Coordinator) resetRetryLocked() {
	c.status.Attempts = 0
	c.status.LastError = ""
	c.backoff.Reset()
}

// flush runs on a timer goroutine. It sends everything queued as one write unless a write
// is already in flight, in which case the queued changes wait for it to finish.
func (c *Coordinator) flush() {
	c.mu.Lock()
	if c.closed || c.inFlight != nil || c.pending == nil {
		c.mu.Unlock()
		return
	}
	if c.status.State == StateError {
		// wait for a new mutation or an explicit retry
		c.mu.Unlock()
		return
	}
	batch := c.pending
	c.pending = nil
	c.inFlight = batch
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	ctx, cancel := context.WithTimeout(c.base, c.opts.WriteTimeout)
	started := time.Now()
	err := c.write(ctx, *batch)
	cancel()
	saveDuration.Observe(time.Since(started).Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight = nil
	if err == nil {
		savesTotal.WithLabelValues("saved").Inc()
		c.markSavedLocked()
		c.persistDraftLocked(c.base)
		if c.pending != nil {
			c.status.State = StateSaving
			c.armDebounceLocked()
		}
		return
	}

	// put the failed batch back underneath anything queued since
	requeued := batch.Merge(plan.Patch{})
	if c.pending != nil {
		requeued = requeued.Merge(*c.pending)
	}
	c.pending = &requeued
	c.status.LastError = err.Error()
	c.status.Attempts++

	if errors.Is(err, store.ErrUnavailable) && c.status.Attempts < c.opts.RetryBudget {
		delay := c.backoff.NextBackOff()
		if delay >= 0 {
			savesTotal.WithLabelValues("retry").Inc()
			retriesTotal.Inc()
			c.logger.Warn("plan save failed, retrying",
				zap.Int("attempt", c.status.Attempts),
				zap.Duration("delay", delay),
				zap.Error(err))
			c.scheduleLocked(delay)
			return
		}
	}

	c.status.State = StateError
	outcome := "error"
	if errors.Is(err, store.ErrAccessDenied) {
		outcome = "denied"
	}
	savesTotal.WithLabelValues(outcome).Inc()
	c.logger.Error("plan save failed, giving up until next change",
		zap.Int("attempts", c.status.Attempts),
		zap.String("outcome", outcome),
		zap.Error(err))
}

func (c *Coordinator) markSavedLocked() {
	now := time.Now().UTC()
	c.status.State = StateSaved
	c.status.LastSavedAt = &now
	c.resetRetryLocked()
}

// persistDraftLocked writes the draft with every change not yet acknowledged remotely.
// A failed draft write is logged; the in-memory copy still drives the next remote write.
func (c *Coordinator) persistDraftLocked(ctx context.Context) {
	var unacked *plan.Patch
	switch {
	case c.inFlight != nil && c.pending != nil:
		merged := c.inFlight.Merge(*c.pending)
		unacked = &merged
	case c.inFlight != nil:
		merged := c.inFlight.Clone()
		unacked = &merged
	case c.pending != nil:
		merged := c.pending.Clone()
		unacked = &merged
	}
	c.draft.Pending = unacked
	c.draft.SavedAt = time.Now().UTC()
	if err := c.drafts.Set(context.WithoutCancel(ctx), c.ownerID, c.draft); err != nil {
		c.logger.Warn("draft write failed", zap.Error(err))
	}
}

// write sends one batch: the plan row first, then each replaced collection. It runs without
// the lock held.
func (c *Coordinator) write(ctx context.Context, batch plan.Patch) error {
	planID, err := c.ensurePlan(ctx)
	if err != nil {
		return err
	}

	if batch.HasDocumentChanges() {
		if _, err := c.repo.UpdatePlan(ctx, planID, batch.WithoutCollections()); err != nil {
			return err
		}
	}

	for _, collection := range plan.Collections {
		records, ok := batch.Collections[collection]
		if !ok {
			continue
		}
		if err := c.writeCollection(ctx, planID, collection, records); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) writeCollection(ctx context.Context, planID string, collection plan.Collection, records []plan.Record) error {
	keep := make(map[string]struct{}, len(records))
	for i, record := range records {
		record.Position = i
		if _, err := c.repo.UpsertChild(ctx, planID, collection, record); err != nil {
			if errors.Is(err, store.ErrRecordOwnership) {
				c.logger.Warn("skipping record owned by another plan",
					zap.String("collection", string(collection)),
					zap.String("record_id", record.ID))
				continue
			}
			return err
		}
		keep[record.ID] = struct{}{}
	}

	c.mu.Lock()
	candidates := make(map[string]struct{}, len(c.known[collection]))
	for id := range c.known[collection] {
		candidates[id] = struct{}{}
	}
	synced := c.synced[collection]
	c.mu.Unlock()

	if !synced {
		current, err := c.repo.ListChildren(ctx, planID, collection)
		if err != nil {
			return err
		}
		for _, r := range current {
			candidates[r.ID] = struct{}{}
		}
	}

	var removed []string
	for id := range candidates {
		if _, ok := keep[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)

	for _, id := range removed {
		if err := c.repo.DeleteChild(ctx, planID, collection, id); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.known[collection] = keep
	c.synced[collection] = true
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) ensurePlan(ctx context.Context) (string, error) {
	c.mu.Lock()
	planID := c.planID
	c.mu.Unlock()
	if planID != "" {
		return planID, nil
	}

	doc, err := c.repo.FindPlanForOwner(ctx, c.ownerID)
	if err != nil {
		return "", err
	}
	if doc == nil {
		created, err := c.repo.CreatePlan(ctx, c.ownerID, c.orgID)
		if err != nil {
			return "", err
		}
		doc = &created
		c.logger.Info("created plan", zap.String("plan_id", created.ID))
	}

	c.mu.Lock()
	c.planID = doc.ID
	c.mu.Unlock()
	return doc.ID, nil
}

// PlanID returns the remote plan id once known.
func (c *Coordinator) PlanID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.planID
}

func assignRecordIDs(patch plan.Patch) plan.Patch {
	if len(patch.Collections) == 0 {
		return patch
	}
	out := patch.Clone()
	for collection, records := range out.Collections {
		for i := range records {
			if records[i].ID == "" {
				records[i].ID = util.NewID("rec")
			}
			if records[i].Data == nil {
				records[i].Data = map[string]any{}
			}
		}
		out.Collections[collection] = records
	}
	return out
}
