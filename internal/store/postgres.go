package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"legacyplan/api/internal/plan"
	"legacyplan/api/internal/util"
)

// PostgresStore is the remote plan repository. Every call runs inside a transaction bound
// to the owner carried by the context so row-level security policies apply.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return classify("ping", s.db.PingContext(ctx))
}

const touchPlan = `
	UPDATE plans
	SET updated_at = GREATEST(NOW(), updated_at + INTERVAL '1 microsecond')
	WHERE id = $1 AND deleted_at IS NULL
`

var planColumns = func() string {
	cols := []string{"id", "owner_id", "org_id"}
	for _, f := range plan.Fields {
		cols = append(cols, string(f))
	}
	cols = append(cols, "personal_profile", "advance_directive", "care_preferences", "selected_sections", "created_at", "updated_at")
	return strings.Join(cols, ", ")
}()

func (s *PostgresStore) withOwnerTx(ctx context.Context, op string, fn func(tx *sql.Tx, ownerID string) error) error {
	ownerID, ok := OwnerFrom(ctx)
	if !ok {
		return fmt.Errorf("%s: %w", op, ErrAccessDenied)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(op, err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT set_config('app.current_owner', $1, true)`, ownerID); err != nil {
		_ = tx.Rollback()
		return classify(op, err)
	}
	if err := fn(tx, ownerID); err != nil {
		_ = tx.Rollback()
		return classify(op, err)
	}
	if err := tx.Commit(); err != nil {
		return classify(op, err)
	}
	return nil
}

// FindPlanForOwner returns the owner's live plan, or nil when none exists.
func (s *PostgresStore) FindPlanForOwner(ctx context.Context, ownerID string) (*plan.Document, error) {
	var found *plan.Document
	err := s.withOwnerTx(ctx, "find plan", func(tx *sql.Tx, boundOwner string) error {
		if boundOwner != ownerID {
			return ErrAccessDenied
		}
		doc, err := scanPlan(tx.QueryRowContext(ctx,
			`SELECT `+planColumns+` FROM plans WHERE owner_id = $1 AND deleted_at IS NULL`, ownerID))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = &doc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// CreatePlan creates the owner's plan. When a live plan already exists it is returned
// unchanged, so concurrent first saves converge on one row.
func (s *PostgresStore) CreatePlan(ctx context.Context, ownerID, orgID string) (plan.Document, error) {
	var doc plan.Document
	err := s.withOwnerTx(ctx, "create plan", func(tx *sql.Tx, boundOwner string) error {
		if boundOwner != ownerID {
			return ErrAccessDenied
		}
		created, err := scanPlan(tx.QueryRowContext(ctx, `
			INSERT INTO plans (id, owner_id, org_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (owner_id) WHERE deleted_at IS NULL DO NOTHING
			RETURNING `+planColumns,
			util.NewID("plan"), ownerID, orgID))
		if err == nil {
			doc = created
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		doc, err = scanPlan(tx.QueryRowContext(ctx,
			`SELECT `+planColumns+` FROM plans WHERE owner_id = $1 AND deleted_at IS NULL`, ownerID))
		return err
	})
	if err != nil {
		return plan.Document{}, err
	}
	return doc, nil
}

// UpdatePlan writes only what the patch names. Profile keys merge into the stored profile;
// section keys merge into the stored blob after it is upgraded to the current version.
// Collection changes in the patch are ignored; they go through UpsertChild.
func (s *PostgresStore) UpdatePlan(ctx context.Context, planID string, patch plan.Patch) (plan.Document, error) {
	if err := patch.Validate(); err != nil {
		return plan.Document{}, err
	}
	var doc plan.Document
	err := s.withOwnerTx(ctx, "update plan", func(tx *sql.Tx, _ string) error {
		sets := make([]string, 0, len(patch.Fields)+4)
		args := []any{planID}
		arg := func(v any) string {
			args = append(args, v)
			return fmt.Sprintf("$%d", len(args))
		}

		for _, f := range plan.Fields {
			value, ok := patch.Fields[f]
			if !ok {
				continue
			}
			if value == nil {
				sets = append(sets, fmt.Sprintf("%s = %s", f, arg(nil)))
				continue
			}
			sets = append(sets, fmt.Sprintf("%s = %s", f, arg(*value)))
		}

		if len(patch.Profile) > 0 {
			raw, err := json.Marshal(patch.Profile)
			if err != nil {
				return fmt.Errorf("encode profile: %w", err)
			}
			sets = append(sets, fmt.Sprintf(
				"personal_profile = jsonb_strip_nulls(COALESCE(personal_profile, '{}'::jsonb) || %s::jsonb)", arg(string(raw))))
		}

		if len(patch.Sections) > 0 {
			blobs, err := lockBlobs(ctx, tx, planID)
			if err != nil {
				return err
			}
			for _, kind := range plan.BlobKinds {
				data, ok := patch.Sections[kind]
				if !ok {
					continue
				}
				blob := blobs[kind]
				if blob == nil {
					blob = plan.NewBlob(kind)
				}
				for k, v := range data {
					if v == nil {
						delete(blob.Data, k)
						continue
					}
					blob.Data[k] = v
				}
				raw, err := json.Marshal(blob)
				if err != nil {
					return fmt.Errorf("encode %s: %w", kind, err)
				}
				sets = append(sets, fmt.Sprintf("%s = %s::jsonb", kind, arg(string(raw))))
			}
		}

		if patch.SelectedSections != nil {
			selected := *patch.SelectedSections
			if selected == nil {
				selected = []string{}
			}
			raw, err := json.Marshal(selected)
			if err != nil {
				return fmt.Errorf("encode selected sections: %w", err)
			}
			sets = append(sets, fmt.Sprintf("selected_sections = %s::jsonb", arg(string(raw))))
		}

		sets = append(sets, "updated_at = GREATEST(NOW(), updated_at + INTERVAL '1 microsecond')")
		query := `UPDATE plans SET ` + strings.Join(sets, ", ") +
			` WHERE id = $1 AND deleted_at IS NULL RETURNING ` + planColumns
		var err error
		doc, err = scanPlan(tx.QueryRowContext(ctx, query, args...))
		return err
	})
	if err != nil {
		return plan.Document{}, err
	}
	return doc, nil
}

func lockBlobs(ctx context.Context, tx *sql.Tx, planID string) (map[plan.BlobKind]*plan.SectionBlob, error) {
	var advance, care []byte
	err := tx.QueryRowContext(ctx, `
		SELECT advance_directive, care_preferences
		FROM plans
		WHERE id = $1 AND deleted_at IS NULL
		FOR UPDATE
	`, planID).Scan(&advance, &care)
	if err != nil {
		return nil, err
	}
	out := map[plan.BlobKind]*plan.SectionBlob{}
	for kind, raw := range map[plan.BlobKind][]byte{plan.KindAdvanceDirective: advance, plan.KindCarePreferences: care} {
		blob, err := plan.DecodeBlob(kind, raw)
		if err != nil {
			return nil, err
		}
		out[kind] = blob
	}
	return out, nil
}

func (s *PostgresStore) ListChildren(ctx context.Context, planID string, collection plan.Collection) ([]plan.Record, error) {
	if !collection.Valid() {
		return nil, fmt.Errorf("list %s: unknown collection", collection)
	}
	var records []plan.Record
	err := s.withOwnerTx(ctx, "list "+string(collection), func(tx *sql.Tx, _ string) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, position, data
			FROM plan_records
			WHERE plan_id = $1 AND collection = $2
			ORDER BY position ASC, created_at ASC
		`, planID, string(collection))
		if err != nil {
			return err
		}
		defer rows.Close()

		records = make([]plan.Record, 0)
		for rows.Next() {
			record, err := scanRecord(rows)
			if err != nil {
				return err
			}
			records = append(records, record)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// UpsertChild inserts or replaces one record. A record id already owned by another plan or
// collection fails with ErrRecordOwnership.
func (s *PostgresStore) UpsertChild(ctx context.Context, planID string, collection plan.Collection, record plan.Record) (plan.Record, error) {
	if !collection.Valid() {
		return plan.Record{}, fmt.Errorf("upsert %s: unknown collection", collection)
	}
	if record.ID == "" {
		record.ID = util.NewID("rec")
	}
	data := record.Data
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return plan.Record{}, fmt.Errorf("encode %s record: %w", collection, err)
	}

	var saved plan.Record
	err = s.withOwnerTx(ctx, "upsert "+string(collection), func(tx *sql.Tx, _ string) error {
		var err error
		saved, err = scanRecord(tx.QueryRowContext(ctx, `
			INSERT INTO plan_records (id, plan_id, collection, position, data)
			VALUES ($1, $2, $3, $4, $5::jsonb)
			ON CONFLICT (id) DO UPDATE
			SET position = EXCLUDED.position, data = EXCLUDED.data, updated_at = NOW()
			WHERE plan_records.plan_id = EXCLUDED.plan_id AND plan_records.collection = EXCLUDED.collection
			RETURNING id, position, data
		`, record.ID, planID, string(collection), record.Position, string(raw)))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrRecordOwnership
		}
		if err != nil {
			return err
		}
		return touch(ctx, tx, planID)
	})
	if err != nil {
		return plan.Record{}, err
	}
	return saved, nil
}

// DeleteChild removes one record. Deleting a record that does not exist is not an error.
func (s *PostgresStore) DeleteChild(ctx context.Context, planID string, collection plan.Collection, recordID string) error {
	return s.withOwnerTx(ctx, "delete "+string(collection), func(tx *sql.Tx, _ string) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM plan_records WHERE id = $1 AND plan_id = $2 AND collection = $3`,
			recordID, planID, string(collection)); err != nil {
			return err
		}
		return touch(ctx, tx, planID)
	})
}

func (s *PostgresStore) AppendRevision(ctx context.Context, planID string, rev plan.Revision) (plan.Revision, error) {
	var saved plan.Revision
	err := s.withOwnerTx(ctx, "append revision", func(tx *sql.Tx, _ string) error {
		var revisionDate any
		if !rev.RevisionDate.IsZero() {
			revisionDate = rev.RevisionDate.UTC()
		}
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO plan_revisions (plan_id, revision_date, signature, prepared_by)
			VALUES ($1, COALESCE($2::timestamptz, NOW()), $3, $4)
			RETURNING revision_date, signature, prepared_by
		`, planID, revisionDate, rev.Signature, rev.PreparedBy).Scan(&saved.RevisionDate, &saved.Signature, &saved.PreparedBy); err != nil {
			return err
		}
		return touch(ctx, tx, planID)
	})
	if err != nil {
		return plan.Revision{}, err
	}
	return saved, nil
}

func (s *PostgresStore) ListRevisions(ctx context.Context, planID string) ([]plan.Revision, error) {
	var revisions []plan.Revision
	err := s.withOwnerTx(ctx, "list revisions", func(tx *sql.Tx, _ string) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT revision_date, signature, prepared_by
			FROM plan_revisions
			WHERE plan_id = $1
			ORDER BY revision_date ASC, id ASC
		`, planID)
		if err != nil {
			return err
		}
		defer rows.Close()

		revisions = make([]plan.Revision, 0)
		for rows.Next() {
			var rev plan.Revision
			if err := rows.Scan(&rev.RevisionDate, &rev.Signature, &rev.PreparedBy); err != nil {
				return err
			}
			revisions = append(revisions, rev)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return revisions, nil
}

// HasActiveEntitlement reports whether the user holds a live subscription.
func (s *PostgresStore) HasActiveEntitlement(ctx context.Context, userID string) (bool, error) {
	var active bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM subscriptions
			WHERE user_id = $1
			  AND status IN ('active', 'trialing')
			  AND (current_period_end IS NULL OR current_period_end > NOW())
		)
	`, userID).Scan(&active)
	if err != nil {
		return false, classify("check entitlement", err)
	}
	return active, nil
}

func touch(ctx context.Context, tx *sql.Tx, planID string) error {
	result, err := tx.ExecContext(ctx, touchPlan, planID)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlan(row rowScanner) (plan.Document, error) {
	doc := plan.Empty()
	fields := make([]sql.NullString, len(plan.Fields))
	var (
		profile, advance, care, selected []byte
		createdAt, updatedAt             time.Time
	)
	dest := []any{&doc.ID, &doc.OwnerID, &doc.OrgID}
	for i := range fields {
		dest = append(dest, &fields[i])
	}
	dest = append(dest, &profile, &advance, &care, &selected, &createdAt, &updatedAt)
	if err := row.Scan(dest...); err != nil {
		return plan.Document{}, err
	}

	for i, f := range plan.Fields {
		if fields[i].Valid {
			doc.Fields[f] = fields[i].String
		}
	}
	if len(profile) > 0 && string(profile) != "null" {
		var p plan.Profile
		if err := json.Unmarshal(profile, &p); err != nil {
			return plan.Document{}, fmt.Errorf("decode personal_profile: %w", err)
		}
		doc.Profile = &p
	}
	var err error
	if doc.AdvanceDirective, err = plan.DecodeBlob(plan.KindAdvanceDirective, advance); err != nil {
		return plan.Document{}, err
	}
	if doc.CarePreferences, err = plan.DecodeBlob(plan.KindCarePreferences, care); err != nil {
		return plan.Document{}, err
	}
	if len(selected) > 0 && string(selected) != "null" {
		if err := json.Unmarshal(selected, &doc.SelectedSections); err != nil {
			return plan.Document{}, fmt.Errorf("decode selected_sections: %w", err)
		}
	}
	doc.CreatedAt = createdAt.UTC()
	doc.UpdatedAt = updatedAt.UTC()
	return doc, nil
}

func scanRecord(row rowScanner) (plan.Record, error) {
	var (
		record plan.Record
		data   []byte
	)
	if err := row.Scan(&record.ID, &record.Position, &data); err != nil {
		return plan.Record{}, err
	}
	record.Data = map[string]any{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &record.Data); err != nil {
			return plan.Record{}, fmt.Errorf("decode record %s: %w", record.ID, err)
		}
		if record.Data == nil {
			record.Data = map[string]any{}
		}
	}
	return record, nil
}
