package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"leanline/internal/engine"
	"leanline/internal/tracking"
	"leanline/internal/validation"
)

func registerTracking(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-progress",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/progress",
		Summary:     "Per-stage progress and overall percentage",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Refresh   bool   `query:"refresh" doc:"Reload every stage from the store first"`
	}) (*output[validation.Report], error) {
		if _, err := requirePermission(ctx, e, input.ProjectID, "tracking.read"); err != nil {
			return nil, handleError(err)
		}
		report, err := e.Progress(ctx, input.ProjectID, input.Refresh)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(report), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-criterion",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/stages/{stage_id}/criteria/{index}",
		Summary:     "Mark one checklist criterion completed or not",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		StageID   string              `path:"stage_id"`
		Index     int                 `path:"index"`
		Body      SetCriterionRequest `json:"body"`
	}) (*output[validation.Update], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actorID, err := requirePermission(ctx, e, input.ProjectID, "tracking.write")
		if err != nil {
			return nil, handleError(err)
		}
		upd, err := e.SetCriterion(ctx, input.ProjectID, input.StageID, input.Index, input.Body.Completed, actorID)
		if err != nil {
			var syncErr *tracking.SyncError
			if errors.As(err, &syncErr) {
				return nil, newAPIError(http.StatusServiceUnavailable, "sync_failed", err.Error(), map[string]any{
					"update":      upd,
					"attempts":    syncErr.Attempts,
					"rolled_back": syncErr.RolledBack,
				})
			}
			return nil, handleError(err)
		}
		return respond(upd), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-stage-tracking",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tracking",
		Summary:     "Stored tracking rows with normalized flags",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*output[[]StageTrackingResponse], error) {
		if _, err := requirePermission(ctx, e, input.ProjectID, "tracking.read"); err != nil {
			return nil, handleError(err)
		}
		rows, err := e.Repo.ListStageTracking(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]StageTrackingResponse, 0, len(rows))
		for _, row := range rows {
			res = append(res, stageTrackingResponse(row))
		}
		return respond(res), nil
	})
}
