package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/elabx-org/cloudmux/internal/domain"
)

// DefaultPlacement returns the workspace's fallback placement, or nil when
// none is set.
func (s *Store) DefaultPlacement(ctx context.Context, workspaceID string) (*domain.PlacementDecision, error) {
	var d domain.PlacementDecision
	err := s.db.QueryRowContext(ctx,
		`SELECT provider_id, folder_path FROM workspace_defaults WHERE workspace_id = ?`, workspaceID).
		Scan(&d.ProviderID, &d.FolderPath)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: default placement: %w", err)
	}
	return &d, nil
}

// SetDefaultPlacement sets the workspace's fallback placement. An empty
// providerID clears it.
func (s *Store) SetDefaultPlacement(ctx context.Context, workspaceID, providerID, folderPath string) error {
	var err error
	if providerID == "" {
		_, err = s.db.ExecContext(ctx, `DELETE FROM workspace_defaults WHERE workspace_id = ?`, workspaceID)
	} else {
		_, err = s.db.ExecContext(ctx, `INSERT INTO workspace_defaults (workspace_id, provider_id, folder_path)
			VALUES (?, ?, ?)
			ON CONFLICT(workspace_id) DO UPDATE SET
				provider_id = excluded.provider_id,
				folder_path = excluded.folder_path`,
			workspaceID, providerID, folderPath)
	}
	if err != nil {
		return fmt.Errorf("store: set default placement: %w", err)
	}
	return nil
}
