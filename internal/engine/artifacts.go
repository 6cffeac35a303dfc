package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"leanline/internal/domain"
	"leanline/internal/events"
)

var (
	hypothesisStatuses = []string{"untested", "testing", "validated", "invalidated"}
	experimentStatuses = []string{"planned", "running", "completed"}
	featurePriorities  = []string{"must", "should", "could", "wont"}
	featureStatuses    = []string{"planned", "building", "shipped", "dropped"}
)

func checkEnum(field, v string, allowed []string) error {
	if !oneOf(v, allowed...) {
		return fmt.Errorf("invalid %s %q (want one of %s)", field, v, strings.Join(allowed, ", "))
	}
	return nil
}

// CreateHypothesis records a hypothesis for one stage of the project's catalog.
func (e Engine) CreateHypothesis(ctx context.Context, h domain.Hypothesis, actorID string) (domain.Hypothesis, error) {
	if strings.TrimSpace(h.Statement) == "" {
		return domain.Hypothesis{}, errors.New("statement is required")
	}
	if h.Status == "" {
		h.Status = "untested"
	}
	if err := checkEnum("status", h.Status, hypothesisStatuses); err != nil {
		return domain.Hypothesis{}, err
	}
	cfg, err := e.ProjectConfig(ctx, h.ProjectID)
	if err != nil {
		return domain.Hypothesis{}, err
	}
	if _, err := cfg.Catalog().Stage(h.StageID); err != nil {
		return domain.Hypothesis{}, err
	}
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	h.CreatedAt = e.timestamp()
	h.UpdatedAt = h.CreatedAt
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertHypothesisTx(ctx, tx, h); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.HypothesisCreated, h.ProjectID, "hypothesis", h.ID, actorID, events.EventPayload{
			"stage_id": h.StageID,
			"status":   h.Status,
		})
	})
	return h, err
}

// UpdateHypothesis changes the statement and/or status.
func (e Engine) UpdateHypothesis(ctx context.Context, projectID, id string, statement, status *string, actorID string) (domain.Hypothesis, error) {
	h, err := e.Repo.GetHypothesis(ctx, projectID, id)
	if err != nil {
		return h, err
	}
	from := h.Status
	if statement != nil {
		if strings.TrimSpace(*statement) == "" {
			return h, errors.New("statement cannot be empty")
		}
		h.Statement = *statement
	}
	if status != nil {
		if err := checkEnum("status", *status, hypothesisStatuses); err != nil {
			return h, err
		}
		h.Status = *status
	}
	h.UpdatedAt = e.timestamp()
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpdateHypothesisTx(ctx, tx, h); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.HypothesisUpdated, projectID, "hypothesis", h.ID, actorID, events.EventPayload{
			"from_status": from,
			"to_status":   h.Status,
		})
	})
	return h, err
}

// CreateExperiment records an experiment, optionally testing a hypothesis.
func (e Engine) CreateExperiment(ctx context.Context, x domain.Experiment, actorID string) (domain.Experiment, error) {
	if strings.TrimSpace(x.Name) == "" {
		return domain.Experiment{}, errors.New("name is required")
	}
	if x.Status == "" {
		x.Status = "planned"
	}
	if err := checkEnum("status", x.Status, experimentStatuses); err != nil {
		return domain.Experiment{}, err
	}
	if _, err := e.Repo.GetProject(ctx, x.ProjectID); err != nil {
		return domain.Experiment{}, err
	}
	if x.HypothesisID != "" {
		if _, err := e.Repo.GetHypothesis(ctx, x.ProjectID, x.HypothesisID); err != nil {
			return domain.Experiment{}, fmt.Errorf("hypothesis %s: %w", x.HypothesisID, err)
		}
	}
	if x.ID == "" {
		x.ID = uuid.NewString()
	}
	x.CreatedAt = e.timestamp()
	x.UpdatedAt = x.CreatedAt
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertExperimentTx(ctx, tx, x); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.ExperimentCreated, x.ProjectID, "experiment", x.ID, actorID, events.EventPayload{
			"hypothesis_id": x.HypothesisID,
			"status":        x.Status,
		})
	})
	return x, err
}

// ExperimentUpdateOptions carries optional changes.
type ExperimentUpdateOptions struct {
	Name    *string
	Method  *string
	Status  *string
	Result  *string
	ActorID string
}

func (e Engine) UpdateExperiment(ctx context.Context, projectID, id string, opts ExperimentUpdateOptions) (domain.Experiment, error) {
	x, err := e.Repo.GetExperiment(ctx, projectID, id)
	if err != nil {
		return x, err
	}
	from := x.Status
	if opts.Name != nil {
		if strings.TrimSpace(*opts.Name) == "" {
			return x, errors.New("name cannot be empty")
		}
		x.Name = *opts.Name
	}
	if opts.Method != nil {
		x.Method = *opts.Method
	}
	if opts.Result != nil {
		x.Result = *opts.Result
	}
	if opts.Status != nil {
		if err := checkEnum("status", *opts.Status, experimentStatuses); err != nil {
			return x, err
		}
		x.Status = *opts.Status
	}
	x.UpdatedAt = e.timestamp()
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpdateExperimentTx(ctx, tx, x); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.ExperimentUpdated, projectID, "experiment", x.ID, opts.ActorID, events.EventPayload{
			"from_status": from,
			"to_status":   x.Status,
		})
	})
	return x, err
}

// CreateFeature records an MVP feature.
func (e Engine) CreateFeature(ctx context.Context, f domain.Feature, actorID string) (domain.Feature, error) {
	if strings.TrimSpace(f.Name) == "" {
		return domain.Feature{}, errors.New("name is required")
	}
	if f.Priority == "" {
		f.Priority = "should"
	}
	if f.Status == "" {
		f.Status = "planned"
	}
	if err := checkEnum("priority", f.Priority, featurePriorities); err != nil {
		return domain.Feature{}, err
	}
	if err := checkEnum("status", f.Status, featureStatuses); err != nil {
		return domain.Feature{}, err
	}
	if _, err := e.Repo.GetProject(ctx, f.ProjectID); err != nil {
		return domain.Feature{}, err
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f.CreatedAt = e.timestamp()
	f.UpdatedAt = f.CreatedAt
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertFeatureTx(ctx, tx, f); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.FeatureCreated, f.ProjectID, "feature", f.ID, actorID, events.EventPayload{
			"priority": f.Priority,
			"status":   f.Status,
		})
	})
	return f, err
}

// FeatureUpdateOptions carries optional changes.
type FeatureUpdateOptions struct {
	Name        *string
	Description *string
	Priority    *string
	Status      *string
	ActorID     string
}

func (e Engine) UpdateFeature(ctx context.Context, projectID, id string, opts FeatureUpdateOptions) (domain.Feature, error) {
	f, err := e.Repo.GetFeature(ctx, projectID, id)
	if err != nil {
		return f, err
	}
	from := f.Status
	if opts.Name != nil {
		if strings.TrimSpace(*opts.Name) == "" {
			return f, errors.New("name cannot be empty")
		}
		f.Name = *opts.Name
	}
	if opts.Description != nil {
		f.Description = *opts.Description
	}
	if opts.Priority != nil {
		if err := checkEnum("priority", *opts.Priority, featurePriorities); err != nil {
			return f, err
		}
		f.Priority = *opts.Priority
	}
	if opts.Status != nil {
		if err := checkEnum("status", *opts.Status, featureStatuses); err != nil {
			return f, err
		}
		f.Status = *opts.Status
	}
	f.UpdatedAt = e.timestamp()
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpdateFeatureTx(ctx, tx, f); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.FeatureUpdated, projectID, "feature", f.ID, opts.ActorID, events.EventPayload{
			"from_status": from,
			"to_status":   f.Status,
		})
	})
	return f, err
}
