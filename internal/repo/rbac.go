package repo

import (
	"context"
	"database/sql"

	"leanline/internal/domain"
)

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, projectID, actorID, roleID string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(project_id, actor_id, role_id) VALUES (?,?,?)`, projectID, actorID, roleID)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, projectID, actorID, roleID string) error {
	return expectRow(r.q(tx).ExecContext(ctx, `DELETE FROM actor_roles WHERE project_id=? AND actor_id=? AND role_id=?`, projectID, actorID, roleID))
}

// ActorRoles returns the roles actorID holds in projectID.
func (r Repo) ActorRoles(ctx context.Context, tx *sql.Tx, projectID, actorID string) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE project_id=? AND actor_id=? ORDER BY role_id`, projectID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (r Repo) ListActorRoles(ctx context.Context, projectID string) ([]domain.ActorRole, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id, actor_id, role_id FROM actor_roles WHERE project_id=? ORDER BY actor_id, role_id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActorRole
	for rows.Next() {
		var ar domain.ActorRole
		if err := rows.Scan(&ar.ProjectID, &ar.ActorID, &ar.RoleID); err != nil {
			return nil, err
		}
		res = append(res, ar)
	}
	return res, rows.Err()
}
