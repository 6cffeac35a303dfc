package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"leanline/internal/domain"
	"leanline/internal/events"
)

// GrantRole gives an actor a role defined in the project config.
func (e Engine) GrantRole(ctx context.Context, projectID, actorID, roleID, grantedBy string) error {
	cfg, err := e.ProjectConfig(ctx, projectID)
	if err != nil {
		return err
	}
	if cfg.RolePermissions(roleID) == nil {
		return fmt.Errorf("role %s not defined in project config", roleID)
	}
	return e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Auth.EnsureActor(ctx, tx, actorID); err != nil {
			return err
		}
		if err := e.Repo.AssignRole(ctx, tx, projectID, actorID, roleID); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.RoleGranted, projectID, "actor", actorID, grantedBy, events.EventPayload{"role": roleID})
	})
}

// RevokeRole removes a role. The last owner of a project cannot be removed.
func (e Engine) RevokeRole(ctx context.Context, projectID, actorID, roleID, revokedBy string) error {
	if roleID == "owner" {
		roles, err := e.Repo.ListActorRoles(ctx, projectID)
		if err != nil {
			return err
		}
		owners := 0
		for _, r := range roles {
			if r.RoleID == "owner" {
				owners++
			}
		}
		if owners <= 1 {
			return errors.New("cannot revoke the last owner")
		}
	}
	return e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.RevokeRole(ctx, tx, projectID, actorID, roleID); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.RoleRevoked, projectID, "actor", actorID, revokedBy, events.EventPayload{"role": roleID})
	})
}

// CreateAPIKey issues a key for actorID, confined to projectID when it is set. The
// plaintext is returned once; only its digest is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name, projectID string) (domain.APIKey, string, error) {
	if actorID == "" {
		return domain.APIKey{}, "", errors.New("actor_id required")
	}
	if projectID != "" {
		if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
			return domain.APIKey{}, "", fmt.Errorf("project %s: %w", projectID, err)
		}
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	plain := "ll_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		ProjectID: projectID,
		Name:      name,
		CreatedAt: e.timestamp(),
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Auth.EnsureActor(ctx, tx, actorID); err != nil {
			return err
		}
		return e.Repo.InsertAPIKeyTx(ctx, tx, key, plain)
	})
	if err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plain, nil
}

// AuthenticateAPIKey resolves a presented key and records when it was last used.
func (e Engine) AuthenticateAPIKey(ctx context.Context, plaintext string) (domain.APIKey, error) {
	return e.Repo.ResolveAPIKey(ctx, plaintext, e.timestamp())
}
