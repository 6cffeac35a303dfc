package repo

import (
	"context"
	"database/sql"

	"leanline/internal/domain"
)

// EnsureStageRowsTx creates an empty tracking row for each stage that has none.
func (r Repo) EnsureStageRowsTx(ctx context.Context, tx *sql.Tx, projectID string, stageIDs []string, now string) error {
	for _, stageID := range stageIDs {
		if _, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO stage_tracking(project_id,stage_id,flags_json,updated_at) VALUES (?,?,?,?)`,
			projectID, stageID, "{}", now); err != nil {
			return err
		}
	}
	return nil
}

// LoadStageFlags returns the stored flags blob for a stage, or "" when the stage has
// never been written.
func (r Repo) LoadStageFlags(ctx context.Context, projectID, stageID string) (string, error) {
	var blob sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT flags_json FROM stage_tracking WHERE project_id=? AND stage_id=?`, projectID, stageID).Scan(&blob)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return blob.String, nil
}

// SaveStageFlagsTx upserts the flags blob. It reports whether the stored text changed so
// callers can skip writing an event for a no-op save.
func (r Repo) SaveStageFlagsTx(ctx context.Context, tx *sql.Tx, projectID, stageID, blob, now string) (bool, error) {
	var current sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT flags_json FROM stage_tracking WHERE project_id=? AND stage_id=?`, projectID, stageID).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return false, err
	}
	if err == nil && current.String == blob {
		return false, nil
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO stage_tracking(project_id,stage_id,flags_json,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id,stage_id) DO UPDATE SET flags_json=excluded.flags_json, updated_at=excluded.updated_at`,
		projectID, stageID, blob, now)
	return err == nil, err
}

func (r Repo) ListStageTracking(ctx context.Context, projectID string) ([]domain.StageTracking, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id,stage_id,flags_json,updated_at FROM stage_tracking WHERE project_id=? ORDER BY stage_id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageTracking
	for rows.Next() {
		var st domain.StageTracking
		if err := rows.Scan(&st.ProjectID, &st.StageID, &st.FlagsJSON, &st.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, rows.Err()
}
