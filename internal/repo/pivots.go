package repo

import (
	"context"
	"database/sql"

	"leanline/internal/domain"
)

const pivotColumns = `id,COALESCE(legacy_id,''),project_id,type,description,COALESCE(trigger_description,''),likelihood,created_at`

func scanPivotOption(row interface{ Scan(...any) error }) (domain.PivotOption, error) {
	var p domain.PivotOption
	err := row.Scan(&p.ID, &p.LegacyID, &p.ProjectID, &p.Type, &p.Description, &p.TriggerDescription, &p.Likelihood, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) InsertPivotOptionTx(ctx context.Context, tx *sql.Tx, p domain.PivotOption) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO pivot_options(id,legacy_id,project_id,type,description,trigger_description,likelihood,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, nullable(p.LegacyID), p.ProjectID, p.Type, p.Description, nullable(p.TriggerDescription), p.Likelihood, p.CreatedAt)
	return err
}

// GetPivotOption looks an option up by id, falling back to its legacy id.
func (r Repo) GetPivotOption(ctx context.Context, projectID, id string) (domain.PivotOption, error) {
	p, err := scanPivotOption(r.DB.QueryRowContext(ctx, `SELECT `+pivotColumns+` FROM pivot_options WHERE project_id=? AND id=?`, projectID, id))
	if err != ErrNotFound {
		return p, err
	}
	return scanPivotOption(r.DB.QueryRowContext(ctx, `SELECT `+pivotColumns+` FROM pivot_options WHERE project_id=? AND legacy_id=? LIMIT 1`, projectID, id))
}

func (r Repo) ListPivotOptions(ctx context.Context, projectID string) ([]domain.PivotOption, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+pivotColumns+` FROM pivot_options WHERE project_id=? ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PivotOption
	for rows.Next() {
		p, err := scanPivotOption(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// DeletePivotOptionTx removes the option and its trigger links.
func (r Repo) DeletePivotOptionTx(ctx context.Context, tx *sql.Tx, p domain.PivotOption) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM pivot_options WHERE id=?`, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	_, err = r.q(tx).ExecContext(ctx, `DELETE FROM pivot_metric_triggers WHERE project_id=? AND pivot_option_id IN (?,?)`, p.ProjectID, p.ID, p.LegacyID)
	return err
}

// UpsertTriggerTx links a metric to a pivot option, replacing the threshold type of an
// existing link.
func (r Repo) UpsertTriggerTx(ctx context.Context, tx *sql.Tx, t domain.PivotMetricTrigger) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO pivot_metric_triggers(project_id,pivot_option_id,metric_id,threshold_type,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(project_id,pivot_option_id,metric_id) DO UPDATE SET threshold_type=excluded.threshold_type`,
		t.ProjectID, t.PivotOptionID, t.MetricID, t.ThresholdType, t.CreatedAt)
	return err
}

func (r Repo) DeleteTriggerTx(ctx context.Context, tx *sql.Tx, projectID, pivotOptionID, metricID string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM pivot_metric_triggers WHERE project_id=? AND pivot_option_id=? AND metric_id=?`, projectID, pivotOptionID, metricID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListTriggers(ctx context.Context, projectID string) ([]domain.PivotMetricTrigger, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id,pivot_option_id,metric_id,threshold_type,created_at FROM pivot_metric_triggers WHERE project_id=? ORDER BY created_at, pivot_option_id, metric_id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PivotMetricTrigger
	for rows.Next() {
		var t domain.PivotMetricTrigger
		if err := rows.Scan(&t.ProjectID, &t.PivotOptionID, &t.MetricID, &t.ThresholdType, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
