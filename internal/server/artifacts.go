package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"leanline/internal/domain"
	"leanline/internal/engine"
)

type artifactPath struct {
	ProjectID string `path:"project_id"`
	ID        string `path:"id"`
}

var artifactCreateErrors = []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict}

func registerArtifacts(api huma.API, e engine.Engine) {
	registerHypotheses(api, e)
	registerExperiments(api, e)
	registerFeatures(api, e)
}

func registerHypotheses(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-hypothesis",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/hypotheses",
		Summary:       "Record a hypothesis against a stage",
		DefaultStatus: http.StatusCreated,
		Errors:        artifactCreateErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string                  `path:"project_id"`
		Body      CreateHypothesisRequest `json:"body"`
	}) (*output[domain.Hypothesis], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actorID, err := requirePermission(ctx, e, input.ProjectID, "artifact.write")
		if err != nil {
			return nil, handleError(err)
		}
		h, err := e.CreateHypothesis(ctx, domain.Hypothesis{
			ID:        input.Body.ID,
			ProjectID: input.ProjectID,
			StageID:   input.Body.StageID,
			Statement: input.Body.Statement,
			Status:    input.Body.Status,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(h), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-hypotheses",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/hypotheses",
		Summary:     "List hypotheses",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		StageID   string `query:"stage_id"`
	}) (*output[[]domain.Hypothesis], error) {
		if _, err := requirePermission(ctx, e, input.ProjectID, "artifact.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListHypotheses(ctx, input.ProjectID, input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-hypothesis",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/hypotheses/{id}",
		Summary:     "Update hypothesis",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string                  `path:"project_id"`
		ID        string                  `path:"id"`
		Body      UpdateHypothesisRequest `json:"body"`
	}) (*output[domain.Hypothesis], error) {
		actorID, err := requirePermission(ctx, e, input.ProjectID, "artifact.write")
		if err != nil {
			return nil, handleError(err)
		}
		h, err := e.UpdateHypothesis(ctx, input.ProjectID, input.ID, input.Body.Statement, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(h), nil
	})
}

func registerExperiments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-experiment",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/experiments",
		Summary:       "Create experiment",
		DefaultStatus: http.StatusCreated,
		Errors:        artifactCreateErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string                  `path:"project_id"`
		Body      CreateExperimentRequest `json:"body"`
	}) (*output[domain.Experiment], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actorID, err := requirePermission(ctx, e, input.ProjectID, "artifact.write")
		if err != nil {
			return nil, handleError(err)
		}
		x, err := e.CreateExperiment(ctx, domain.Experiment{
			ID:           input.Body.ID,
			ProjectID:    input.ProjectID,
			HypothesisID: input.Body.HypothesisID,
			Name:         input.Body.Name,
			Method:       input.Body.Method,
			Status:       input.Body.Status,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(x), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-experiments",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/experiments",
		Summary:     "List experiments",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID    string `path:"project_id"`
		HypothesisID string `query:"hypothesis_id"`
	}) (*output[[]domain.Experiment], error) {
		if _, err := requirePermission(ctx, e, input.ProjectID, "artifact.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListExperiments(ctx, input.ProjectID, input.HypothesisID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-experiment",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/experiments/{id}",
		Summary:     "Update experiment",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string                  `path:"project_id"`
		ID        string                  `path:"id"`
		Body      UpdateExperimentRequest `json:"body"`
	}) (*output[domain.Experiment], error) {
		actorID, err := requirePermission(ctx, e, input.ProjectID, "artifact.write")
		if err != nil {
			return nil, handleError(err)
		}
		x, err := e.UpdateExperiment(ctx, input.ProjectID, input.ID, engine.ExperimentUpdateOptions{
			Name:    input.Body.Name,
			Method:  input.Body.Method,
			Status:  input.Body.Status,
			Result:  input.Body.Result,
			ActorID: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(x), nil
	})
}

func registerFeatures(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-feature",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/features",
		Summary:       "Create MVP feature",
		DefaultStatus: http.StatusCreated,
		Errors:        artifactCreateErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		Body      CreateFeatureRequest `json:"body"`
	}) (*output[domain.Feature], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actorID, err := requirePermission(ctx, e, input.ProjectID, "artifact.write")
		if err != nil {
			return nil, handleError(err)
		}
		f, err := e.CreateFeature(ctx, domain.Feature{
			ID:          input.Body.ID,
			ProjectID:   input.ProjectID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Priority:    input.Body.Priority,
			Status:      input.Body.Status,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(f), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-features",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/features",
		Summary:     "List MVP features",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*output[[]domain.Feature], error) {
		if _, err := requirePermission(ctx, e, input.ProjectID, "artifact.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListFeatures(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-feature",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/features/{id}",
		Summary:     "Get MVP feature",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *artifactPath) (*output[domain.Feature], error) {
		if _, err := requirePermission(ctx, e, input.ProjectID, "artifact.read"); err != nil {
			return nil, handleError(err)
		}
		f, err := e.Repo.GetFeature(ctx, input.ProjectID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(f), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-feature",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/features/{id}",
		Summary:     "Update MVP feature",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		ID        string               `path:"id"`
		Body      UpdateFeatureRequest `json:"body"`
	}) (*output[domain.Feature], error) {
		actorID, err := requirePermission(ctx, e, input.ProjectID, "artifact.write")
		if err != nil {
			return nil, handleError(err)
		}
		f, err := e.UpdateFeature(ctx, input.ProjectID, input.ID, engine.FeatureUpdateOptions{
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Priority:    input.Body.Priority,
			Status:      input.Body.Status,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(f), nil
	})
}
