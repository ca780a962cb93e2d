package reconcile

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"legacyplan/api/internal/draft"
	"legacyplan/api/internal/plan"
	"legacyplan/api/internal/store"
)

// Repository is the read side of the remote plan repository.
type Repository interface {
	FindPlanForOwner(ctx context.Context, ownerID string) (*plan.Document, error)
	ListChildren(ctx context.Context, planID string, collection plan.Collection) ([]plan.Record, error)
	ListRevisions(ctx context.Context, planID string) ([]plan.Revision, error)
}

// Loader reads both stores for an owner and merges them.
type Loader struct {
	reconciler *Reconciler
	drafts     draft.Store
	repo       Repository
	logger     *zap.Logger
}

func NewLoader(reconciler *Reconciler, drafts draft.Store, repo Repository, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{reconciler: reconciler, drafts: drafts, repo: repo, logger: logger}
}

// Load returns the merged plan for the owner bound to ctx. When the repository is
// unavailable the draft alone is merged and a server_unavailable diagnostic is added;
// access failures are returned.
func (l *Loader) Load(ctx context.Context, ownerID string) (Result, error) {
	drafted, hasDraft := l.drafts.Get(ctx, ownerID)
	var draftPtr *plan.Draft
	if hasDraft {
		draftPtr = &drafted
	}

	server, err := l.fetchServer(ctx, ownerID)
	if err != nil && !errors.Is(err, store.ErrUnavailable) {
		return Result{}, err
	}

	result := l.reconciler.Merge(draftPtr, server)
	if err != nil {
		result.add(Diagnostic{Kind: DiagnosticServerUnavailable, Detail: err.Error()})
	}
	l.report(ownerID, result)
	return result, nil
}

// fetchServer loads the plan row and then all child collections and revisions concurrently.
func (l *Loader) fetchServer(ctx context.Context, ownerID string) (*plan.Document, error) {
	doc, err := l.repo.FindPlanForOwner(ctx, ownerID)
	if err != nil || doc == nil {
		return nil, err
	}

	records := make([][]plan.Record, len(plan.Collections))
	var revisions []plan.Revision

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, c := range plan.Collections {
		g.Go(func() error {
			list, err := l.repo.ListChildren(gctx, doc.ID, c)
			if err != nil {
				return err
			}
			records[i] = list
			return nil
		})
	}
	g.Go(func() error {
		list, err := l.repo.ListRevisions(gctx, doc.ID)
		if err != nil {
			return err
		}
		revisions = list
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if doc.Collections == nil {
		doc.Collections = map[plan.Collection][]plan.Record{}
	}
	for i, c := range plan.Collections {
		doc.Collections[c] = records[i]
	}
	doc.Revisions = revisions
	return doc, nil
}

func (l *Loader) report(ownerID string, result Result) {
	for _, d := range result.Diagnostics {
		diagnosticsTotal.WithLabelValues(string(d.Kind)).Inc()
		fields := []zap.Field{
			zap.String("owner_id", ownerID),
			zap.String("kind", string(d.Kind)),
			zap.String("target", d.Target),
			zap.String("detail", d.Detail),
		}
		if d.Index != nil {
			fields = append(fields, zap.Int("index", *d.Index))
		}
		if d.Kind == DiagnosticCollectionFallback {
			l.logger.Info("plan merge diagnostic", fields...)
			continue
		}
		l.logger.Warn("plan merge diagnostic", fields...)
	}
}
