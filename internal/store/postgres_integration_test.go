package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"legacyplan/api/internal/plan"
)

func TestPlanRevisionsAreImmutable(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	db := openMigratedDB(t)
	repo := NewPostgresStore(db)
	ctx := WithOwner(context.Background(), "owner-immutable")

	doc, err := repo.CreatePlan(ctx, "owner-immutable", "")
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	if _, err := repo.AppendRevision(ctx, doc.ID, plan.Revision{Signature: "J. Doe", PreparedBy: "J. Doe"}); err != nil {
		t.Fatalf("append revision: %v", err)
	}

	for _, stmt := range []struct {
		op  string
		sql string
	}{
		{"UPDATE", `UPDATE plan_revisions SET signature = 'forged' WHERE plan_id = $1`},
		{"DELETE", `DELETE FROM plan_revisions WHERE plan_id = $1`},
	} {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		if _, err := tx.ExecContext(ctx, `SELECT set_config('app.current_owner', 'owner-immutable', true)`); err != nil {
			t.Fatalf("bind owner: %v", err)
		}
		_, err = tx.ExecContext(ctx, stmt.sql, doc.ID)
		_ = tx.Rollback()
		if err == nil {
			t.Fatalf("expected %s to be blocked, but it succeeded", stmt.op)
		}
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) {
			t.Fatalf("expected PostgreSQL error, got: %v", err)
		}
		if pgErr.SQLState() != "55000" {
			t.Fatalf("expected SQLSTATE 55000, got: %s", pgErr.SQLState())
		}
		if pgErr.Message != "plan_revisions is immutable; "+stmt.op+" is not allowed" {
			t.Fatalf("unexpected error message: %s", pgErr.Message)
		}
	}

	revisions, err := repo.ListRevisions(ctx, doc.ID)
	if err != nil {
		t.Fatalf("list revisions: %v", err)
	}
	if len(revisions) != 1 || revisions[0].Signature != "J. Doe" {
		t.Fatalf("unexpected revisions: %+v", revisions)
	}
}

func TestPostgresPlanLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	db := openMigratedDB(t)
	repo := NewPostgresStore(db)
	ctx := WithOwner(context.Background(), "owner-1")

	found, err := repo.FindPlanForOwner(ctx, "owner-1")
	if err != nil {
		t.Fatalf("find plan: %v", err)
	}
	if found != nil {
		t.Fatalf("expected no plan, got %+v", found)
	}

	created, err := repo.CreatePlan(ctx, "owner-1", "org-1")
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	again, err := repo.CreatePlan(ctx, "owner-1", "org-1")
	if err != nil {
		t.Fatalf("create plan twice: %v", err)
	}
	if again.ID != created.ID {
		t.Fatalf("second create must return the existing plan: %s != %s", again.ID, created.ID)
	}

	notes := "Cremation"
	updated, err := repo.UpdatePlan(ctx, created.ID, plan.Patch{
		Fields:   map[plan.Field]*string{plan.FieldFuneralNotes: &notes},
		Profile:  map[string]any{plan.ProfileFullName: "Jane Doe"},
		Sections: map[plan.BlobKind]map[string]any{plan.KindCarePreferences: {"do_not_resuscitate": true}},
	})
	if err != nil {
		t.Fatalf("update plan: %v", err)
	}
	if !updated.UpdatedAt.After(created.UpdatedAt) {
		t.Fatalf("updated_at must advance: %s -> %s", created.UpdatedAt, updated.UpdatedAt)
	}
	if updated.Fields[plan.FieldFuneralNotes] != notes || updated.Profile == nil || updated.Profile.FullName != "Jane Doe" {
		t.Fatalf("update not applied: %+v", updated)
	}

	// profile keys merge instead of replacing the whole profile
	updated, err = repo.UpdatePlan(ctx, created.ID, plan.Patch{Profile: map[string]any{plan.ProfileAddress: "1 Main St"}})
	if err != nil {
		t.Fatalf("update profile: %v", err)
	}
	if updated.Profile.FullName != "Jane Doe" || updated.Profile.Address != "1 Main St" {
		t.Fatalf("profile merge lost keys: %+v", updated.Profile)
	}
	if updated.CarePreferences == nil || updated.CarePreferences.Data["do_not_resuscitate"] != true {
		t.Fatalf("care preferences lost: %+v", updated.CarePreferences)
	}

	record, err := repo.UpsertChild(ctx, created.ID, plan.CollectionContacts, plan.Record{Data: map[string]any{"name": "Sam"}})
	if err != nil {
		t.Fatalf("upsert contact: %v", err)
	}
	if _, err := repo.UpsertChild(ctx, created.ID, plan.CollectionPets, plan.Record{ID: record.ID, Data: map[string]any{"name": "Rex"}}); !errors.Is(err, ErrRecordOwnership) {
		t.Fatalf("expected ErrRecordOwnership moving a record across collections, got %v", err)
	}
	contacts, err := repo.ListChildren(ctx, created.ID, plan.CollectionContacts)
	if err != nil {
		t.Fatalf("list contacts: %v", err)
	}
	if len(contacts) != 1 || contacts[0].Data["name"] != "Sam" {
		t.Fatalf("unexpected contacts: %+v", contacts)
	}
	if err := repo.DeleteChild(ctx, created.ID, plan.CollectionContacts, record.ID); err != nil {
		t.Fatalf("delete contact: %v", err)
	}
}

func TestPostgresOwnerIsolation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	db := openMigratedDB(t)

	var superuser bool
	if err := db.QueryRow(`SELECT rolsuper FROM pg_roles WHERE rolname = current_user`).Scan(&superuser); err != nil {
		t.Fatalf("check role: %v", err)
	}
	if superuser {
		t.Skip("row-level security does not apply to superusers")
	}

	repo := NewPostgresStore(db)
	ownerCtx := WithOwner(context.Background(), "owner-a")
	doc, err := repo.CreatePlan(ownerCtx, "owner-a", "")
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}

	otherCtx := WithOwner(context.Background(), "owner-b")
	if _, err := repo.UpdatePlan(otherCtx, doc.ID, plan.Patch{Profile: map[string]any{plan.ProfileFullName: "Mallory"}}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected another owner's plan to be invisible, got %v", err)
	}
	if _, err := repo.UpsertChild(otherCtx, doc.ID, plan.CollectionContacts, plan.Record{Data: map[string]any{"name": "x"}}); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied writing into another owner's plan, got %v", err)
	}
}

func TestPostgresEntitlement(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	db := openMigratedDB(t)
	repo := NewPostgresStore(db)
	ctx := context.Background()

	if _, err := db.ExecContext(ctx, `
		INSERT INTO subscriptions (id, user_id, status, current_period_end)
		VALUES ('sub-1', 'paid', 'active', $1), ('sub-2', 'lapsed', 'active', $2)
	`, time.Now().Add(24*time.Hour), time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("seed subscriptions: %v", err)
	}

	for user, want := range map[string]bool{"paid": true, "lapsed": false, "nobody": false} {
		got, err := repo.HasActiveEntitlement(ctx, user)
		if err != nil {
			t.Fatalf("entitlement %s: %v", user, err)
		}
		if got != want {
			t.Errorf("entitlement %s = %v, want %v", user, got, want)
		}
	}
}
