package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"leanline/internal/config"
	"leanline/internal/domain"
	"leanline/internal/engine"
)

type projectPath struct {
	ProjectID string `path:"project_id"`
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*output[domain.Project], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		if strings.TrimSpace(input.Body.ID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		// Any authenticated actor may start a project and becomes its owner, unless the
		// credential is confined to one project.
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if principal.ProjectID != "" {
			return nil, errOutOfScope(principal)
		}
		actorID := principal.ActorID
		desc := ""
		if input.Body.Description != nil {
			desc = *input.Body.Description
		}
		p, err := e.InitProject(ctx, engine.ProjectCreateOptions{
			ID:          input.Body.ID,
			Name:        input.Body.Name,
			Description: desc,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects readable by the caller",
	}, func(ctx context.Context, _ *struct{}) (*output[[]domain.Project], error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		visible := make([]domain.Project, 0, len(items))
		for _, p := range items {
			if !principal.reaches(p.ID) {
				continue
			}
			if hasPermission(principal.Permissions, "project.read") {
				visible = append(visible, p)
				continue
			}
			cfg, err := e.ProjectConfig(ctx, p.ID)
			if err != nil {
				return nil, handleError(err)
			}
			ok, err := e.Auth.ActorHasPermission(ctx, cfg, p.ID, principal.ActorID, "project.read")
			if err != nil {
				return nil, handleError(err)
			}
			if ok {
				visible = append(visible, p)
			}
		}
		return respond(visible), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*output[domain.Project], error) {
		if _, err := requirePermission(ctx, e, input.ProjectID, "project.read"); err != nil {
			return nil, handleError(err)
		}
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-project",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}",
		Summary:     "Update project",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		Body      UpdateProjectRequest `json:"body"`
	}) (*output[domain.Project], error) {
		actorID, err := requirePermission(ctx, e, input.ProjectID, "project.update")
		if err != nil {
			return nil, handleError(err)
		}
		p, err := e.UpdateProject(ctx, input.ProjectID, engine.ProjectUpdateOptions{
			Name:        input.Body.Name,
			Status:      input.Body.Status,
			Description: input.Body.Description,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-project",
		Method:        http.MethodDelete,
		Path:          "/projects/{project_id}",
		Summary:       "Delete project and everything it owns",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct{}, error) {
		actorID, err := requirePermission(ctx, e, input.ProjectID, "project.delete")
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteProject(ctx, input.ProjectID, actorID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project-config",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/config",
		Summary:     "Export project config as YAML",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*output[ProjectConfigDocument], error) {
		if _, err := requirePermission(ctx, e, input.ProjectID, "project.read"); err != nil {
			return nil, handleError(err)
		}
		cfg, err := e.ProjectConfig(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		data, err := config.ToYAML(cfg)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(ProjectConfigDocument{YAML: string(data)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "import-project-config",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/config",
		Summary:     "Replace project config",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string                `path:"project_id"`
		Body      ProjectConfigDocument `json:"body"`
	}) (*output[ProjectConfigDocument], error) {
		actorID, err := requirePermission(ctx, e, input.ProjectID, "project.update")
		if err != nil {
			return nil, handleError(err)
		}
		cfg, err := config.FromYAML([]byte(input.Body.YAML))
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "invalid_config", err.Error(), nil)
		}
		if cfg.Project.ID != input.ProjectID {
			return nil, newAPIError(http.StatusBadRequest, "invalid_config", "config.project.id must match the project", map[string]any{
				"project_id": cfg.Project.ID,
			})
		}
		if err := e.ImportConfig(ctx, input.ProjectID, cfg, actorID); err != nil {
			return nil, handleError(err)
		}
		data, err := config.ToYAML(cfg)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(ProjectConfigDocument{YAML: string(data)}), nil
	})
}
