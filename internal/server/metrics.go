package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"leanline/internal/domain"
	"leanline/internal/engine"
	"leanline/internal/tracking"
)

type metricPath struct {
	ProjectID string `path:"project_id"`
	MetricID  string `path:"metric_id" doc:"Current or legacy metric id"`
}

func registerMetrics(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-metric",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/metrics",
		Summary:       "Create metric",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		Body      CreateMetricRequest `json:"body"`
	}) (*output[domain.Metric], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actorID, err := requirePermission(ctx, e, input.ProjectID, "metric.write")
		if err != nil {
			return nil, handleError(err)
		}
		m, err := e.CreateMetric(ctx, engine.MetricCreateOptions{
			ID:               input.Body.ID,
			ProjectID:        input.ProjectID,
			Category:         input.Body.Category,
			Name:             input.Body.Name,
			CurrentValue:     input.Body.CurrentValue,
			TargetValue:      input.Body.TargetValue,
			WarningThreshold: input.Body.WarningThreshold,
			ErrorThreshold:   input.Body.ErrorThreshold,
			Direction:        input.Body.Direction,
			ActorID:          actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-metrics",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/metrics",
		Summary:     "List metrics",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Category  string `query:"category"`
	}) (*output[[]domain.Metric], error) {
		if _, err := requirePermission(ctx, e, input.ProjectID, "metric.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListMetrics(ctx, input.ProjectID, input.Category)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-metric",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/metrics/{metric_id}",
		Summary:     "Get metric",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *metricPath) (*output[domain.Metric], error) {
		if _, err := requirePermission(ctx, e, input.ProjectID, "metric.read"); err != nil {
			return nil, handleError(err)
		}
		m, err := e.Repo.GetMetric(ctx, input.ProjectID, input.MetricID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-metric",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/metrics/{metric_id}",
		Summary:     "Update metric values and reclassify",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		MetricID  string              `path:"metric_id"`
		Body      UpdateMetricRequest `json:"body"`
	}) (*output[domain.Metric], error) {
		actorID, err := requirePermission(ctx, e, input.ProjectID, "metric.write")
		if err != nil {
			return nil, handleError(err)
		}
		m, err := e.UpdateMetric(ctx, engine.MetricUpdateOptions{
			ProjectID:        input.ProjectID,
			ID:               input.MetricID,
			Category:         input.Body.Category,
			Name:             input.Body.Name,
			CurrentValue:     input.Body.CurrentValue,
			TargetValue:      input.Body.TargetValue,
			WarningThreshold: input.Body.WarningThreshold,
			ErrorThreshold:   input.Body.ErrorThreshold,
			Direction:        input.Body.Direction,
			ActorID:          actorID,
		})
		if err != nil {
			var syncErr *tracking.SyncError
			if errors.As(err, &syncErr) {
				return nil, newAPIError(http.StatusServiceUnavailable, "sync_failed", err.Error(), map[string]any{
					"metric":   m,
					"attempts": syncErr.Attempts,
				})
			}
			return nil, handleError(err)
		}
		return respond(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rekey-metric",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/metrics/{metric_id}/rekey",
		Summary:     "Move a metric to a new id, keeping the old one as legacy id",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string             `path:"project_id"`
		MetricID  string             `path:"metric_id"`
		Body      RekeyMetricRequest `json:"body"`
	}) (*output[domain.Metric], error) {
		actorID, err := requirePermission(ctx, e, input.ProjectID, "metric.write")
		if err != nil {
			return nil, handleError(err)
		}
		m, err := e.RekeyMetric(ctx, input.ProjectID, input.MetricID, input.Body.NewID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-metric",
		Method:        http.MethodDelete,
		Path:          "/projects/{project_id}/metrics/{metric_id}",
		Summary:       "Delete metric and the triggers referencing it",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *metricPath) (*struct{}, error) {
		actorID, err := requirePermission(ctx, e, input.ProjectID, "metric.write")
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteMetric(ctx, input.ProjectID, input.MetricID, actorID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reclassify-metrics",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/metrics/reclassify",
		Summary:     "Recompute and persist every metric status",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *projectPath) (*output[ReclassifyResponse], error) {
		actorID, err := requirePermission(ctx, e, input.ProjectID, "metric.write")
		if err != nil {
			return nil, handleError(err)
		}
		changed, err := e.ReclassifyMetrics(ctx, input.ProjectID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(ReclassifyResponse{Changed: changed}), nil
	})
}
