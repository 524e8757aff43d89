package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/elabx-org/cloudmux/internal/domain"
)

const instanceColumns = `id, workspace_id, type, alias, enabled, settings, metadata,
	root_folder_id, account_email, created_at, updated_at`

func (s *Store) CreateInstance(ctx context.Context, inst *domain.ProviderInstance) error {
	settings, metadata, err := encodeMaps(inst)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO provider_instances (`+instanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.WorkspaceID, string(inst.Type), inst.Alias, boolInt(inst.Enabled),
		settings, metadata, inst.RootFolderID, inst.AccountEmail,
		toUnix(inst.CreatedAt), toUnix(inst.UpdatedAt))
	if err != nil {
		return fmt.Errorf("store: insert instance %s: %w", inst.ID, err)
	}
	return nil
}

func (s *Store) GetInstance(ctx context.Context, id string) (*domain.ProviderInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM provider_instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: provider %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get instance %s: %w", id, err)
	}
	return inst, nil
}

func (s *Store) ListInstances(ctx context.Context, workspaceID string) ([]*domain.ProviderInstance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+instanceColumns+` FROM provider_instances
		WHERE workspace_id = ? ORDER BY created_at, id`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("store: list instances: %w", err)
	}
	defer rows.Close()

	var out []*domain.ProviderInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *Store) UpdateInstance(ctx context.Context, inst *domain.ProviderInstance) error {
	settings, metadata, err := encodeMaps(inst)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE provider_instances SET
		alias = ?, enabled = ?, settings = ?, metadata = ?, root_folder_id = ?,
		account_email = ?, updated_at = ?
		WHERE id = ?`,
		inst.Alias, boolInt(inst.Enabled), settings, metadata, inst.RootFolderID,
		inst.AccountEmail, toUnix(inst.UpdatedAt), inst.ID)
	if err != nil {
		return fmt.Errorf("store: update instance %s: %w", inst.ID, err)
	}
	return requireRow(res, "provider", inst.ID)
}

// DeleteInstance removes the instance and any workspace default pointing
// at it.
func (s *Store) DeleteInstance(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM provider_instances WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete instance %s: %w", id, err)
	}
	if err := requireRow(res, "provider", id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM workspace_defaults WHERE provider_id = ?`, id); err != nil {
		return fmt.Errorf("store: clear defaults for %s: %w", id, err)
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(sc scanner) (*domain.ProviderInstance, error) {
	var (
		inst               domain.ProviderInstance
		typ                string
		settings, metadata string
		created, updated   int64
	)
	err := sc.Scan(&inst.ID, &inst.WorkspaceID, &typ, &inst.Alias, &inst.Enabled,
		&settings, &metadata, &inst.RootFolderID, &inst.AccountEmail, &created, &updated)
	if err != nil {
		return nil, err
	}
	inst.Type = domain.ProviderType(typ)
	if err := json.Unmarshal([]byte(settings), &inst.Settings); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &inst.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	inst.CreatedAt = fromUnix(created)
	inst.UpdatedAt = fromUnix(updated)
	return &inst, nil
}

func encodeMaps(inst *domain.ProviderInstance) (string, string, error) {
	settings, err := json.Marshal(nonNil(inst.Settings))
	if err != nil {
		return "", "", fmt.Errorf("store: encode settings: %w", err)
	}
	metadata, err := json.Marshal(nonNil(inst.Metadata))
	if err != nil {
		return "", "", fmt.Errorf("store: encode metadata: %w", err)
	}
	return string(settings), string(metadata), nil
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func requireRow(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("store: %s %s: %w", what, id, domain.ErrNotFound)
	}
	return nil
}
