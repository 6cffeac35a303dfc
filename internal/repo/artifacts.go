package repo

import (
	"context"
	"database/sql"

	"leanline/internal/domain"
)

func (r Repo) InsertHypothesisTx(ctx context.Context, tx *sql.Tx, h domain.Hypothesis) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO hypotheses(id,project_id,stage_id,statement,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		h.ID, h.ProjectID, h.StageID, h.Statement, h.Status, h.CreatedAt, h.UpdatedAt)
	return err
}

func (r Repo) UpdateHypothesisTx(ctx context.Context, tx *sql.Tx, h domain.Hypothesis) error {
	return expectRow(r.q(tx).ExecContext(ctx, `UPDATE hypotheses SET stage_id=?,statement=?,status=?,updated_at=? WHERE id=?`,
		h.StageID, h.Statement, h.Status, h.UpdatedAt, h.ID))
}

func (r Repo) GetHypothesis(ctx context.Context, projectID, id string) (domain.Hypothesis, error) {
	var h domain.Hypothesis
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,stage_id,statement,status,created_at,updated_at FROM hypotheses WHERE project_id=? AND id=?`, projectID, id).
		Scan(&h.ID, &h.ProjectID, &h.StageID, &h.Statement, &h.Status, &h.CreatedAt, &h.UpdatedAt)
	if err == sql.ErrNoRows {
		return h, ErrNotFound
	}
	return h, err
}

func (r Repo) ListHypotheses(ctx context.Context, projectID, stageID string) ([]domain.Hypothesis, error) {
	query := `SELECT id,project_id,stage_id,statement,status,created_at,updated_at FROM hypotheses WHERE project_id=?`
	args := []any{projectID}
	if stageID != "" {
		query += ` AND stage_id=?`
		args = append(args, stageID)
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Hypothesis
	for rows.Next() {
		var h domain.Hypothesis
		if err := rows.Scan(&h.ID, &h.ProjectID, &h.StageID, &h.Statement, &h.Status, &h.CreatedAt, &h.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

func (r Repo) InsertExperimentTx(ctx context.Context, tx *sql.Tx, x domain.Experiment) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO experiments(id,project_id,hypothesis_id,name,method,status,result,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		x.ID, x.ProjectID, nullable(x.HypothesisID), x.Name, nullable(x.Method), x.Status, nullable(x.Result), x.CreatedAt, x.UpdatedAt)
	return err
}

func (r Repo) UpdateExperimentTx(ctx context.Context, tx *sql.Tx, x domain.Experiment) error {
	return expectRow(r.q(tx).ExecContext(ctx, `UPDATE experiments SET hypothesis_id=?,name=?,method=?,status=?,result=?,updated_at=? WHERE id=?`,
		nullable(x.HypothesisID), x.Name, nullable(x.Method), x.Status, nullable(x.Result), x.UpdatedAt, x.ID))
}

const experimentColumns = `id,project_id,COALESCE(hypothesis_id,''),name,COALESCE(method,''),status,COALESCE(result,''),created_at,updated_at`

func scanExperiment(row interface{ Scan(...any) error }) (domain.Experiment, error) {
	var x domain.Experiment
	err := row.Scan(&x.ID, &x.ProjectID, &x.HypothesisID, &x.Name, &x.Method, &x.Status, &x.Result, &x.CreatedAt, &x.UpdatedAt)
	if err == sql.ErrNoRows {
		return x, ErrNotFound
	}
	return x, err
}

func (r Repo) GetExperiment(ctx context.Context, projectID, id string) (domain.Experiment, error) {
	return scanExperiment(r.DB.QueryRowContext(ctx, `SELECT `+experimentColumns+` FROM experiments WHERE project_id=? AND id=?`, projectID, id))
}

func (r Repo) ListExperiments(ctx context.Context, projectID, hypothesisID string) ([]domain.Experiment, error) {
	query := `SELECT ` + experimentColumns + ` FROM experiments WHERE project_id=?`
	args := []any{projectID}
	if hypothesisID != "" {
		query += ` AND hypothesis_id=?`
		args = append(args, hypothesisID)
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Experiment
	for rows.Next() {
		x, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, x)
	}
	return res, rows.Err()
}

func (r Repo) InsertFeatureTx(ctx context.Context, tx *sql.Tx, f domain.Feature) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO features(id,project_id,name,description,priority,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		f.ID, f.ProjectID, f.Name, nullable(f.Description), f.Priority, f.Status, f.CreatedAt, f.UpdatedAt)
	return err
}

func (r Repo) UpdateFeatureTx(ctx context.Context, tx *sql.Tx, f domain.Feature) error {
	return expectRow(r.q(tx).ExecContext(ctx, `UPDATE features SET name=?,description=?,priority=?,status=?,updated_at=? WHERE id=?`,
		f.Name, nullable(f.Description), f.Priority, f.Status, f.UpdatedAt, f.ID))
}

const featureColumns = `id,project_id,name,COALESCE(description,''),priority,status,created_at,updated_at`

func scanFeature(row interface{ Scan(...any) error }) (domain.Feature, error) {
	var f domain.Feature
	err := row.Scan(&f.ID, &f.ProjectID, &f.Name, &f.Description, &f.Priority, &f.Status, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	return f, err
}

func (r Repo) GetFeature(ctx context.Context, projectID, id string) (domain.Feature, error) {
	return scanFeature(r.DB.QueryRowContext(ctx, `SELECT `+featureColumns+` FROM features WHERE project_id=? AND id=?`, projectID, id))
}

func (r Repo) ListFeatures(ctx context.Context, projectID string) ([]domain.Feature, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+featureColumns+` FROM features WHERE project_id=? ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Feature
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

func expectRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
