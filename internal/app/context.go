package app

import (
	"context"
	"errors"
	"fmt"

	"leanline/internal/config"
	"leanline/internal/engine"
	"leanline/internal/repo"
)

// ResolveProjectAndConfig picks the active project and returns its stored config. It
// prefers the override, then a single-project DB. An unknown override is created on the
// fly with the engine seed config when create is set.
func ResolveProjectAndConfig(ctx context.Context, e engine.Engine, projectOverride, actorID string, create bool) (string, *config.Config, error) {
	projectID := projectOverride
	if projectID == "" {
		p, err := e.Repo.SingleProject(ctx)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", nil, fmt.Errorf("no project yet; create one with leanline project create <id>")
			}
			return "", nil, fmt.Errorf("project not specified; use --project: %w", err)
		}
		projectID = p.ID
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) || !create {
			return "", nil, err
		}
		if _, err := e.InitProject(ctx, engine.ProjectCreateOptions{ID: projectID, ActorID: actorID}); err != nil {
			return "", nil, fmt.Errorf("create project %s: %w", projectID, err)
		}
	}
	cfg, err := e.ProjectConfig(ctx, projectID)
	if err != nil {
		return "", nil, err
	}
	cfg.Project.ID = projectID
	return projectID, cfg, nil
}
