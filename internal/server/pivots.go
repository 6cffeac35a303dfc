package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"leanline/internal/domain"
	"leanline/internal/engine"
)

func registerPivots(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-pivot-option",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/pivots",
		Summary:       "Create pivot option",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string                   `path:"project_id"`
		Body      CreatePivotOptionRequest `json:"body"`
	}) (*output[domain.PivotOption], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actorID, err := requirePermission(ctx, e, input.ProjectID, "pivot.write")
		if err != nil {
			return nil, handleError(err)
		}
		p, err := e.CreatePivotOption(ctx, engine.PivotCreateOptions{
			ID:                 input.Body.ID,
			ProjectID:          input.ProjectID,
			Type:               input.Body.Type,
			Description:        input.Body.Description,
			TriggerDescription: input.Body.TriggerDescription,
			Likelihood:         input.Body.Likelihood,
			ActorID:            actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-pivot-options",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/pivots",
		Summary:     "List pivot options",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*output[[]domain.PivotOption], error) {
		if _, err := requirePermission(ctx, e, input.ProjectID, "pivot.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListPivotOptions(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-pivot-option",
		Method:        http.MethodDelete,
		Path:          "/projects/{project_id}/pivots/{pivot_id}",
		Summary:       "Delete pivot option and its triggers",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		PivotID   string `path:"pivot_id"`
	}) (*struct{}, error) {
		actorID, err := requirePermission(ctx, e, input.ProjectID, "pivot.write")
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.DeletePivotOption(ctx, input.ProjectID, input.PivotID, actorID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-triggers",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/triggers",
		Summary:     "List pivot metric triggers",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*output[[]domain.PivotMetricTrigger], error) {
		if _, err := requirePermission(ctx, e, input.ProjectID, "pivot.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListTriggers(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "link-trigger",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/triggers",
		Summary:     "Link a metric to a pivot option",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string             `path:"project_id"`
		Body      LinkTriggerRequest `json:"body"`
	}) (*output[domain.PivotMetricTrigger], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actorID, err := requirePermission(ctx, e, input.ProjectID, "pivot.write")
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.LinkTrigger(ctx, input.ProjectID, input.Body.PivotOptionID, input.Body.MetricID, input.Body.ThresholdType, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "unlink-trigger",
		Method:        http.MethodDelete,
		Path:          "/projects/{project_id}/triggers/{pivot_id}/{metric_id}",
		Summary:       "Remove a trigger link",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		PivotID   string `path:"pivot_id"`
		MetricID  string `path:"metric_id"`
	}) (*struct{}, error) {
		actorID, err := requirePermission(ctx, e, input.ProjectID, "pivot.write")
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.UnlinkTrigger(ctx, input.ProjectID, input.PivotID, input.MetricID, actorID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-signals",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/signals",
		Summary:     "Active pivot triggers and at-risk metrics",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*output[engine.Signals], error) {
		if _, err := requirePermission(ctx, e, input.ProjectID, "pivot.read"); err != nil {
			return nil, handleError(err)
		}
		s, err := e.Signals(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(s), nil
	})
}
