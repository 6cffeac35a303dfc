package repo

import (
	"context"
	"database/sql"

	"leanline/internal/domain"
)

const metricColumns = `id,COALESCE(legacy_id,''),project_id,category,name,COALESCE(current_value,''),target_value,
COALESCE(warning_threshold,''),COALESCE(error_threshold,''),direction,status,created_at,updated_at`

func scanMetric(row interface{ Scan(...any) error }) (domain.Metric, error) {
	var m domain.Metric
	err := row.Scan(&m.ID, &m.LegacyID, &m.ProjectID, &m.Category, &m.Name, &m.CurrentValue, &m.TargetValue,
		&m.WarningThreshold, &m.ErrorThreshold, &m.Direction, &m.Status, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) InsertMetricTx(ctx context.Context, tx *sql.Tx, m domain.Metric) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO metrics(id,legacy_id,project_id,category,name,current_value,target_value,warning_threshold,error_threshold,direction,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, nullable(m.LegacyID), m.ProjectID, m.Category, m.Name, nullable(m.CurrentValue), m.TargetValue,
		nullable(m.WarningThreshold), nullable(m.ErrorThreshold), m.Direction, m.Status, m.CreatedAt, m.UpdatedAt)
	return err
}

// GetMetric looks a metric up by id, falling back to its legacy id.
func (r Repo) GetMetric(ctx context.Context, projectID, id string) (domain.Metric, error) {
	return r.GetMetricTx(ctx, nil, projectID, id)
}

func (r Repo) GetMetricTx(ctx context.Context, tx *sql.Tx, projectID, id string) (domain.Metric, error) {
	m, err := scanMetric(r.q(tx).QueryRowContext(ctx, `SELECT `+metricColumns+` FROM metrics WHERE project_id=? AND id=?`, projectID, id))
	if err != ErrNotFound {
		return m, err
	}
	return scanMetric(r.q(tx).QueryRowContext(ctx, `SELECT `+metricColumns+` FROM metrics WHERE project_id=? AND legacy_id=? LIMIT 1`, projectID, id))
}

func (r Repo) ListMetrics(ctx context.Context, projectID, category string) ([]domain.Metric, error) {
	query := `SELECT ` + metricColumns + ` FROM metrics WHERE project_id=?`
	args := []any{projectID}
	if category != "" {
		query += ` AND category=?`
		args = append(args, category)
	}
	query += ` ORDER BY created_at, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Metric
	for rows.Next() {
		m, err := scanMetric(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) UpdateMetricTx(ctx context.Context, tx *sql.Tx, m domain.Metric) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE metrics SET category=?,name=?,current_value=?,target_value=?,warning_threshold=?,error_threshold=?,direction=?,status=?,updated_at=? WHERE id=?`,
		m.Category, m.Name, nullable(m.CurrentValue), m.TargetValue, nullable(m.WarningThreshold), nullable(m.ErrorThreshold),
		m.Direction, m.Status, m.UpdatedAt, m.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveMetricStatusTx stores status and reports whether it differed from the stored one.
// Saving the same status twice is a no-op.
func (r Repo) SaveMetricStatusTx(ctx context.Context, tx *sql.Tx, metricID, status, now string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE metrics SET status=?, updated_at=? WHERE id=? AND status<>?`, status, now, metricID, status)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		return true, nil
	}
	var exists int
	err = r.q(tx).QueryRowContext(ctx, `SELECT 1 FROM metrics WHERE id=?`, metricID).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	return false, err
}

// RekeyMetricTx gives a metric a new id and keeps the old one as legacy_id for lookups.
// Trigger links stored under the old id or an earlier legacy id move to the new id, so
// they survive any number of re-keys. A link that would duplicate one already on the new
// id is dropped.
func (r Repo) RekeyMetricTx(ctx context.Context, tx *sql.Tx, m domain.Metric, newID, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE metrics SET id=?, legacy_id=?, updated_at=? WHERE project_id=? AND id=?`, newID, m.ID, now, m.ProjectID, m.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	prior := []any{m.ProjectID, m.ID, m.LegacyID}
	if _, err := r.q(tx).ExecContext(ctx, `UPDATE OR IGNORE pivot_metric_triggers SET metric_id=? WHERE project_id=? AND metric_id IN (?,?)`,
		append([]any{newID}, prior...)...); err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `DELETE FROM pivot_metric_triggers WHERE project_id=? AND metric_id IN (?,?)`, prior...)
	return err
}

// DeleteMetricTx removes the metric and every trigger that points at it by either id.
func (r Repo) DeleteMetricTx(ctx context.Context, tx *sql.Tx, m domain.Metric) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM metrics WHERE id=?`, m.ID)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}
	ids := []any{m.ProjectID, m.ID}
	query := `DELETE FROM pivot_metric_triggers WHERE project_id=? AND metric_id IN (?`
	if m.LegacyID != "" {
		query += `,?`
		ids = append(ids, m.LegacyID)
	}
	res, err = r.q(tx).ExecContext(ctx, query+`)`, ids...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
