package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"leanline/internal/domain"
	"leanline/internal/events"
)

// PivotCreateOptions are parameters for creating a pivot option.
type PivotCreateOptions struct {
	ID                 string
	ProjectID          string
	Type               string
	Description        string
	TriggerDescription string
	Likelihood         string
	ActorID            string
}

func (e Engine) CreatePivotOption(ctx context.Context, opts PivotCreateOptions) (domain.PivotOption, error) {
	if strings.TrimSpace(opts.Type) == "" {
		return domain.PivotOption{}, errors.New("type is required")
	}
	if strings.TrimSpace(opts.Description) == "" {
		return domain.PivotOption{}, errors.New("description is required")
	}
	if opts.Likelihood == "" {
		opts.Likelihood = "medium"
	}
	if !oneOf(opts.Likelihood, "high", "medium", "low") {
		return domain.PivotOption{}, fmt.Errorf("invalid likelihood %q", opts.Likelihood)
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.PivotOption{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	p := domain.PivotOption{
		ID:                 id,
		ProjectID:          opts.ProjectID,
		Type:               opts.Type,
		Description:        opts.Description,
		TriggerDescription: opts.TriggerDescription,
		Likelihood:         opts.Likelihood,
		CreatedAt:          e.timestamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PivotOption{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertPivotOptionTx(ctx, tx, p); err != nil {
		return domain.PivotOption{}, fmt.Errorf("insert pivot option: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.PivotCreated, p.ProjectID, "pivot_option", p.ID, opts.ActorID, events.EventPayload{
		"type":       p.Type,
		"likelihood": p.Likelihood,
	}); err != nil {
		return domain.PivotOption{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PivotOption{}, err
	}
	return p, nil
}

// DeletePivotOption removes the option and its trigger links.
func (e Engine) DeletePivotOption(ctx context.Context, projectID, id, actorID string) error {
	p, err := e.Repo.GetPivotOption(ctx, projectID, id)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeletePivotOptionTx(ctx, tx, p); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.PivotDeleted, projectID, "pivot_option", p.ID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// LinkTrigger makes a pivot option depend on a metric. Both ids may be legacy ids; the
// link stores the current ids.
func (e Engine) LinkTrigger(ctx context.Context, projectID, pivotOptionID, metricID, thresholdType, actorID string) (domain.PivotMetricTrigger, error) {
	if thresholdType == "" {
		thresholdType = "warning"
	}
	if !oneOf(thresholdType, "warning", "error") {
		return domain.PivotMetricTrigger{}, fmt.Errorf("invalid threshold type %q", thresholdType)
	}
	p, err := e.Repo.GetPivotOption(ctx, projectID, pivotOptionID)
	if err != nil {
		return domain.PivotMetricTrigger{}, fmt.Errorf("pivot option %s: %w", pivotOptionID, err)
	}
	m, err := e.Repo.GetMetric(ctx, projectID, metricID)
	if err != nil {
		return domain.PivotMetricTrigger{}, fmt.Errorf("metric %s: %w", metricID, err)
	}
	t := domain.PivotMetricTrigger{
		ProjectID:     projectID,
		PivotOptionID: p.ID,
		MetricID:      m.ID,
		ThresholdType: thresholdType,
		CreatedAt:     e.timestamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PivotMetricTrigger{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertTriggerTx(ctx, tx, t); err != nil {
		return domain.PivotMetricTrigger{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TriggerLinked, projectID, "pivot_option", p.ID, actorID, events.EventPayload{
		"metric_id":      m.ID,
		"threshold_type": thresholdType,
	}); err != nil {
		return domain.PivotMetricTrigger{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PivotMetricTrigger{}, err
	}
	return t, nil
}

// UnlinkTrigger removes a link by the ids it was stored with.
func (e Engine) UnlinkTrigger(ctx context.Context, projectID, pivotOptionID, metricID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteTriggerTx(ctx, tx, projectID, pivotOptionID, metricID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TriggerUnlinked, projectID, "pivot_option", pivotOptionID, actorID, events.EventPayload{
		"metric_id": metricID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
