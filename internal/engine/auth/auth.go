package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"leanline/internal/config"
	"leanline/internal/repo"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Service resolves permissions from actor_roles rows and the role table of the project
// config.
type Service struct {
	Repo repo.Repo
}

func (s Service) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	return s.Repo.EnsureActor(ctx, tx, actorID, now)
}

func (s Service) ActorRoles(ctx context.Context, projectID, actorID string) ([]string, error) {
	return s.Repo.ActorRoles(ctx, nil, projectID, actorID)
}

// ActorPermissions returns the sorted union of permissions granted by the actor's roles.
func (s Service) ActorPermissions(ctx context.Context, cfg *config.Config, projectID, actorID string) ([]string, error) {
	roles, err := s.ActorRoles(ctx, projectID, actorID)
	if err != nil {
		return nil, err
	}
	set := map[string]struct{}{}
	for _, role := range roles {
		for _, perm := range cfg.RolePermissions(role) {
			set[perm] = struct{}{}
		}
	}
	perms := make([]string, 0, len(set))
	for p := range set {
		perms = append(perms, p)
	}
	sort.Strings(perms)
	return perms, nil
}

func (s Service) ActorHasPermission(ctx context.Context, cfg *config.Config, projectID, actorID, perm string) (bool, error) {
	perms, err := s.ActorPermissions(ctx, cfg, projectID, actorID)
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if p == perm {
			return true, nil
		}
	}
	return false, nil
}

// Require returns a ForbiddenError when the actor lacks perm.
func (s Service) Require(ctx context.Context, cfg *config.Config, projectID, actorID, perm string) error {
	ok, err := s.ActorHasPermission(ctx, cfg, projectID, actorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Permission: perm}
	}
	return nil
}
