package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/elabx-org/cloudmux/internal/domain"
)

const ruleColumns = `id, workspace_id, name, priority, enabled, predicate,
	target_provider_id, target_folder_path, deleted, created_at, updated_at`

// ListRules returns every rule of the workspace, soft-deleted ones included.
func (s *Store) ListRules(ctx context.Context, workspaceID string) ([]domain.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM rules
		WHERE workspace_id = ? ORDER BY priority, created_at, id`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("store: list rules: %w", err)
	}
	defer rows.Close()

	var out []domain.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) GetRule(ctx context.Context, id string) (domain.Rule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Rule{}, fmt.Errorf("store: rule %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Rule{}, fmt.Errorf("store: get rule %s: %w", id, err)
	}
	return r, nil
}

// SaveRules upserts rules in one transaction; either all are written or
// none.
func (s *Store) SaveRules(ctx context.Context, rules []domain.Rule) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			priority = excluded.priority,
			enabled = excluded.enabled,
			predicate = excluded.predicate,
			target_provider_id = excluded.target_provider_id,
			target_folder_path = excluded.target_folder_path,
			deleted = excluded.deleted,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("store: prepare rule upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rules {
		pred, err := json.Marshal(r.Predicate)
		if err != nil {
			return fmt.Errorf("store: encode predicate %s: %w", r.ID, err)
		}
		_, err = stmt.ExecContext(ctx,
			r.ID, r.WorkspaceID, r.Name, r.Priority, boolInt(r.Enabled), string(pred),
			r.TargetProviderID, r.TargetFolderPath, boolInt(r.Deleted),
			toUnix(r.CreatedAt), toUnix(r.UpdatedAt))
		if err != nil {
			return fmt.Errorf("store: upsert rule %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

func scanRule(sc scanner) (domain.Rule, error) {
	var (
		r                domain.Rule
		pred             string
		created, updated int64
	)
	err := sc.Scan(&r.ID, &r.WorkspaceID, &r.Name, &r.Priority, &r.Enabled, &pred,
		&r.TargetProviderID, &r.TargetFolderPath, &r.Deleted, &created, &updated)
	if err != nil {
		return domain.Rule{}, err
	}
	if err := json.Unmarshal([]byte(pred), &r.Predicate); err != nil {
		return domain.Rule{}, fmt.Errorf("decode predicate: %w", err)
	}
	r.CreatedAt = fromUnix(created)
	r.UpdatedAt = fromUnix(updated)
	return r, nil
}
