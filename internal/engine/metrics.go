package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"leanline/internal/domain"
	"leanline/internal/events"
	"leanline/internal/repo"
	"leanline/internal/tracking"
	"leanline/internal/validation"
)

// MetricCreateOptions are parameters for creating a metric. Values are formatted
// strings such as "12", "-3.5" or "18%".
type MetricCreateOptions struct {
	ID               string
	ProjectID        string
	Category         string
	Name             string
	CurrentValue     string
	TargetValue      string
	WarningThreshold string
	ErrorThreshold   string
	Direction        string
	ActorID          string
}

func classify(m domain.Metric) validation.Status {
	return validation.Classify(m.CurrentValue, m.TargetValue, m.WarningThreshold, m.ErrorThreshold, validation.ParseDirection(m.Direction))
}

func (e Engine) recordClassification(s validation.Status) {
	if e.Metrics != nil {
		e.Metrics.RecordClassification(string(s))
	}
}

// CreateMetric stores a metric with its status classified from the initial values.
func (e Engine) CreateMetric(ctx context.Context, opts MetricCreateOptions) (domain.Metric, error) {
	if opts.ProjectID == "" {
		return domain.Metric{}, errors.New("project is required")
	}
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Metric{}, errors.New("name is required")
	}
	if strings.TrimSpace(opts.TargetValue) == "" {
		return domain.Metric{}, errors.New("target value is required")
	}
	if opts.Category == "" {
		opts.Category = "general"
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Metric{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.timestamp()
	m := domain.Metric{
		ID:               id,
		ProjectID:        opts.ProjectID,
		Category:         opts.Category,
		Name:             opts.Name,
		CurrentValue:     strings.TrimSpace(opts.CurrentValue),
		TargetValue:      strings.TrimSpace(opts.TargetValue),
		WarningThreshold: strings.TrimSpace(opts.WarningThreshold),
		ErrorThreshold:   strings.TrimSpace(opts.ErrorThreshold),
		Direction:        string(validation.ParseDirection(opts.Direction)),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	status := classify(m)
	m.Status = string(status)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Metric{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertMetricTx(ctx, tx, m); err != nil {
		return domain.Metric{}, fmt.Errorf("insert metric: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.MetricCreated, m.ProjectID, "metric", m.ID, opts.ActorID, events.EventPayload{
		"name":   m.Name,
		"status": m.Status,
	}); err != nil {
		return domain.Metric{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Metric{}, err
	}
	e.recordClassification(status)
	return m, nil
}

// MetricUpdateOptions carries optional changes. An empty string clears an optional
// value; target cannot be cleared.
type MetricUpdateOptions struct {
	ProjectID        string
	ID               string
	Category         *string
	Name             *string
	CurrentValue     *string
	TargetValue      *string
	WarningThreshold *string
	ErrorThreshold   *string
	Direction        *string
	ActorID          string
}

// UpdateMetric saves the new values, then reclassifies and persists the status through
// the project's retrying writer. When only the status write fails, the returned metric
// carries the new status and the error is a *tracking.SyncError.
func (e Engine) UpdateMetric(ctx context.Context, opts MetricUpdateOptions) (domain.Metric, error) {
	m, err := e.Repo.GetMetric(ctx, opts.ProjectID, opts.ID)
	if err != nil {
		return domain.Metric{}, err
	}
	setTrimmed := func(dst *string, v *string) {
		if v != nil {
			*dst = strings.TrimSpace(*v)
		}
	}
	setTrimmed(&m.Category, opts.Category)
	setTrimmed(&m.Name, opts.Name)
	setTrimmed(&m.CurrentValue, opts.CurrentValue)
	setTrimmed(&m.TargetValue, opts.TargetValue)
	setTrimmed(&m.WarningThreshold, opts.WarningThreshold)
	setTrimmed(&m.ErrorThreshold, opts.ErrorThreshold)
	if opts.Direction != nil {
		m.Direction = string(validation.ParseDirection(*opts.Direction))
	}
	if m.Name == "" {
		return domain.Metric{}, errors.New("name cannot be empty")
	}
	if m.TargetValue == "" {
		return domain.Metric{}, errors.New("target value cannot be empty")
	}
	m.UpdatedAt = e.timestamp()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Metric{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateMetricTx(ctx, tx, m); err != nil {
		return domain.Metric{}, err
	}
	if err := e.Events.Append(ctx, tx, events.MetricUpdated, m.ProjectID, "metric", m.ID, opts.ActorID, events.EventPayload{
		"current_value": m.CurrentValue,
		"target_value":  m.TargetValue,
	}); err != nil {
		return domain.Metric{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Metric{}, err
	}

	status := classify(m)
	e.recordClassification(status)
	if string(status) == m.Status {
		return m, nil
	}
	m.Status = string(status)
	return m, e.SaveMetricStatus(ctx, m.ProjectID, m.ID, status, opts.ActorID)
}

// SaveMetricStatus persists a metric status with the project's retry policy. Saving the
// stored status again is a no-op.
func (e Engine) SaveMetricStatus(ctx context.Context, projectID, metricID string, status validation.Status, actorID string) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	cfg, err := e.ProjectConfig(ctx, projectID)
	if err != nil {
		return err
	}
	return e.writer(cfg).Do(ctx, "metric.status", func(ctx context.Context) error {
		err := e.saveMetricStatus(ctx, projectID, metricID, status, actorID)
		if errors.Is(err, repo.ErrNotFound) {
			return tracking.Permanent(err)
		}
		return err
	})
}

func (e Engine) saveMetricStatus(ctx context.Context, projectID, metricID string, status validation.Status, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	changed, err := e.Repo.SaveMetricStatusTx(ctx, tx, metricID, string(status), e.timestamp())
	if err != nil || !changed {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.MetricStatus, projectID, "metric", metricID, actorID, events.EventPayload{
		"status":  string(status),
		"at_risk": status.AtRisk(),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ReclassifyMetrics recomputes every metric of a project and persists the statuses that
// changed. It returns the number of metrics whose status changed.
func (e Engine) ReclassifyMetrics(ctx context.Context, projectID, actorID string) (int, error) {
	metrics, err := e.Repo.ListMetrics(ctx, projectID, "")
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, m := range metrics {
		status := classify(m)
		e.recordClassification(status)
		if string(status) == m.Status {
			continue
		}
		if err := e.SaveMetricStatus(ctx, projectID, m.ID, status, actorID); err != nil {
			return changed, fmt.Errorf("metric %s: %w", m.ID, err)
		}
		changed++
	}
	return changed, nil
}

// RekeyMetric moves a metric and its trigger links to a new id. The old id becomes its
// legacy id, so lookups by it keep resolving.
func (e Engine) RekeyMetric(ctx context.Context, projectID, id, newID, actorID string) (domain.Metric, error) {
	if strings.TrimSpace(newID) == "" {
		newID = uuid.NewString()
	}
	m, err := e.Repo.GetMetric(ctx, projectID, id)
	if err != nil {
		return domain.Metric{}, err
	}
	if m.ID == newID {
		return m, nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Metric{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.RekeyMetricTx(ctx, tx, m, newID, e.timestamp()); err != nil {
		return domain.Metric{}, err
	}
	if err := e.Events.Append(ctx, tx, events.MetricRekeyed, projectID, "metric", newID, actorID, events.EventPayload{
		"legacy_id": m.ID,
	}); err != nil {
		return domain.Metric{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Metric{}, err
	}
	return e.Repo.GetMetric(ctx, projectID, newID)
}

// DeleteMetric removes the metric and the triggers that reference it by either id.
func (e Engine) DeleteMetric(ctx context.Context, projectID, id, actorID string) error {
	m, err := e.Repo.GetMetric(ctx, projectID, id)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	removed, err := e.Repo.DeleteMetricTx(ctx, tx, m)
	if err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.MetricDeleted, projectID, "metric", m.ID, actorID, events.EventPayload{
		"triggers_removed": removed,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Signals is the pivot view of a project.
type Signals struct {
	ActiveTriggers []validation.ActiveTrigger `json:"active_triggers"`
	AtRiskMetrics  []domain.Metric            `json:"at_risk_metrics"`
}

// Signals loads metrics, pivot options and triggers concurrently and correlates them.
func (e Engine) Signals(ctx context.Context, projectID string) (Signals, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return Signals{}, err
	}
	var (
		metrics  []domain.Metric
		options  []domain.PivotOption
		triggers []domain.PivotMetricTrigger
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		metrics, err = e.Repo.ListMetrics(gctx, projectID, "")
		return err
	})
	g.Go(func() error {
		var err error
		options, err = e.Repo.ListPivotOptions(gctx, projectID)
		return err
	})
	g.Go(func() error {
		var err error
		triggers, err = e.Repo.ListTriggers(gctx, projectID)
		return err
	})
	if err := g.Wait(); err != nil {
		return Signals{}, err
	}
	s := Signals{
		ActiveTriggers: validation.ActiveTriggers(metrics, options, triggers),
		AtRiskMetrics:  validation.AtRiskMetrics(metrics),
	}
	if s.ActiveTriggers == nil {
		s.ActiveTriggers = []validation.ActiveTrigger{}
	}
	if s.AtRiskMetrics == nil {
		s.AtRiskMetrics = []domain.Metric{}
	}
	if e.Metrics != nil {
		e.Metrics.SetActiveTriggers(projectID, len(s.ActiveTriggers))
	}
	return s, nil
}
