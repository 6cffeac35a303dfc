package engine

import (
	"context"

	"leanline/internal/events"
	"leanline/internal/tracking"
	"leanline/internal/validation"
)

type actorKey struct{}

func withActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

func actorFrom(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok {
		return v
	}
	return ""
}

// trackingStore persists stage flags in SQLite. A save that changes the stored blob
// appends an event in the same transaction; an identical save writes nothing.
type trackingStore struct {
	e Engine
}

func (s trackingStore) LoadStageFlags(ctx context.Context, projectID, stageID string) (string, error) {
	return s.e.Repo.LoadStageFlags(ctx, projectID, stageID)
}

func (s trackingStore) SaveTrackingFlags(ctx context.Context, projectID, stageID string, flags validation.Flags) error {
	tx, err := s.e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	blob := tracking.EncodeFlags(flags)
	changed, err := s.e.Repo.SaveStageFlagsTx(ctx, tx, projectID, stageID, blob, s.e.timestamp())
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	if err := s.e.Events.Append(ctx, tx, events.CriterionSet, projectID, "stage", stageID, actorFrom(ctx), events.EventPayload{
		"flags": blob,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) boardOptions(projectID string) (tracking.BoardOptions, error) {
	cfg, err := e.ProjectConfig(context.Background(), projectID)
	if err != nil {
		return tracking.BoardOptions{}, err
	}
	notifier := tracking.Fanout{e.Hub}
	if e.Metrics != nil {
		m := e.Metrics
		notifier = append(notifier, tracking.NotifierFunc(func(evt tracking.ProgressChanged) {
			m.SetOverallProgress(evt.ProjectID, evt.OverallPercent)
		}))
	}
	return tracking.BoardOptions{
		Catalog:  cfg.Catalog(),
		Store:    trackingStore{e: e},
		Writer:   e.writer(cfg),
		Notifier: notifier,
		Now:      e.Now,
	}, nil
}

// Progress returns the per-stage report and overall percentage of a project. With
// refresh the board reloads every stage from the store first.
func (e Engine) Progress(ctx context.Context, projectID string, refresh bool) (validation.Report, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return validation.Report{}, err
	}
	board, err := e.Boards.Board(ctx, projectID)
	if err != nil {
		return validation.Report{}, err
	}
	if refresh {
		if err := board.Refresh(ctx); err != nil {
			e.logger().Warn("tracking refresh incomplete", "project", projectID, "error", err)
		}
	}
	return board.Report(), nil
}

// SetCriterion toggles one checklist item. The returned update reflects the optimistic
// state even when the error is a *tracking.SyncError.
func (e Engine) SetCriterion(ctx context.Context, projectID, stageID string, index int, completed bool, actorID string) (validation.Update, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return validation.Update{}, err
	}
	board, err := e.Boards.Board(ctx, projectID)
	if err != nil {
		return validation.Update{}, err
	}
	if e.Metrics != nil {
		defer func(before int64) { e.Metrics.AddDropped(e.Hub.Dropped() - before) }(e.Hub.Dropped())
	}
	return board.SetCriterion(withActor(ctx, actorID), stageID, index, completed)
}
