package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"leanline/internal/config"
	"leanline/internal/domain"
	"leanline/internal/engine/auth"
	"leanline/internal/events"
	"leanline/internal/metrics"
	"leanline/internal/repo"
	"leanline/internal/tracking"
)

// Engine is copied by value; the pointer fields are shared between copies.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Auth   auth.Service
	// Config seeds new projects. Each project keeps its own copy in project_configs.
	Config   *config.Config
	Boards   *tracking.Registry
	Hub      *tracking.Broadcaster
	Metrics  *metrics.Manager
	Logger   *slog.Logger
	Now      func() time.Time
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.Logger = l
		}
	}
}

func WithMetrics(m *metrics.Manager) Option {
	return func(e *Engine) { e.Metrics = m }
}

func New(db *sql.DB, cfg *config.Config, opts ...Option) Engine {
	r := repo.Repo{DB: db}
	e := Engine{
		DB:       db,
		Repo:     r,
		Events:   events.Writer{DB: db},
		Auth:     auth.Service{Repo: r},
		Config:   cfg,
		Hub:      tracking.NewBroadcaster(),
		Logger:   slog.Default(),
		Now:      time.Now,
	}
	for _, opt := range opts {
		opt(&e)
	}
	e.Events.Now = e.now
	// boards see the engine as configured here, not later field edits on copies.
	boardEngine := e
	e.Boards = tracking.NewRegistry(boardEngine.boardOptions)
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) recorder() tracking.Recorder {
	if e.Metrics == nil {
		return nil
	}
	return e.Metrics
}

// writer builds the retrying writer for a project's sync policy.
func (e Engine) writer(cfg *config.Config) *tracking.Writer {
	return tracking.NewWriter(cfg.SyncPolicy(), e.logger(), e.recorder())
}

// ProjectConfig returns the stored config of a project, or the engine seed config for
// projects created before configs were stored.
func (e Engine) ProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	cfg, err := e.Repo.GetProjectConfig(ctx, projectID)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	seed := config.Default(projectID)
	if e.Config != nil {
		seedCopy := *e.Config
		seedCopy.Project.ID = projectID
		seed = &seedCopy
	}
	return seed, nil
}

// ProjectCreateOptions are parameters for creating a project.
type ProjectCreateOptions struct {
	ID          string
	Name        string
	Description string
	ActorID     string
	// Config overrides the engine seed config.
	Config *config.Config
}

// InitProject creates a project with its config, an owner role for the creator and an
// empty tracking row per stage.
func (e Engine) InitProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if strings.TrimSpace(opts.ID) == "" {
		return domain.Project{}, errors.New("project id is required")
	}
	var cfg *config.Config
	switch {
	case opts.Config != nil:
		c := *opts.Config
		cfg = &c
	case e.Config != nil:
		c := *e.Config
		cfg = &c
	default:
		cfg = config.Default(opts.ID)
	}
	cfg.Project.ID = opts.ID
	if opts.Name == "" {
		opts.Name = opts.ID
	}
	if opts.ActorID == "" {
		opts.ActorID = "local-user"
	}
	now := e.timestamp()
	p := domain.Project{
		ID:          opts.ID,
		Name:        opts.Name,
		Status:      "active",
		Description: opts.Description,
		CreatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, cfg); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if err := e.Repo.EnsureStageRowsTx(ctx, tx, p.ID, cfg.Catalog().IDs(), now); err != nil {
		return domain.Project{}, fmt.Errorf("seed tracking: %w", err)
	}
	if err := e.Auth.EnsureActor(ctx, tx, opts.ActorID); err != nil {
		return domain.Project{}, fmt.Errorf("ensure actor: %w", err)
	}
	if err := e.Repo.AssignRole(ctx, tx, p.ID, opts.ActorID, "owner"); err != nil {
		return domain.Project{}, fmt.Errorf("assign owner: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.ProjectCreated, p.ID, "project", p.ID, opts.ActorID, events.EventPayload{
		"name":   p.Name,
		"stages": cfg.Catalog().IDs(),
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// ProjectUpdateOptions carries optional field updates.
type ProjectUpdateOptions struct {
	Name        *string
	Status      *string
	Description *string
	ActorID     string
}

func (e Engine) UpdateProject(ctx context.Context, projectID string, opts ProjectUpdateOptions) (domain.Project, error) {
	if opts.Status != nil && !oneOf(*opts.Status, "active", "paused", "archived") {
		return domain.Project{}, fmt.Errorf("invalid project status %q", *opts.Status)
	}
	if opts.Name != nil && strings.TrimSpace(*opts.Name) == "" {
		return domain.Project{}, errors.New("name cannot be empty")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateProjectTx(ctx, tx, projectID, opts.Name, opts.Status, opts.Description); err != nil {
		return domain.Project{}, err
	}
	payload := events.EventPayload{}
	if opts.Name != nil {
		payload["name"] = *opts.Name
	}
	if opts.Status != nil {
		payload["status"] = *opts.Status
	}
	if opts.Description != nil {
		payload["description"] = *opts.Description
	}
	if err := e.Events.Append(ctx, tx, events.ProjectUpdated, projectID, "project", projectID, opts.ActorID, payload); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return e.Repo.GetProject(ctx, projectID)
}

// DeleteProject removes the project and everything that belongs to it.
func (e Engine) DeleteProject(ctx context.Context, projectID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteProjectTx(ctx, tx, projectID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.ProjectDeleted, projectID, "project", projectID, actorID, nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Boards.Forget(projectID)
	if e.Metrics != nil {
		e.Metrics.ForgetProject(projectID)
	}
	return nil
}

// ImportConfig replaces a project's config. New stages get tracking rows; stages that
// disappear keep their rows so re-adding them restores progress.
func (e Engine) ImportConfig(ctx context.Context, projectID string, cfg *config.Config, actorID string) error {
	if cfg == nil {
		return errors.New("config nil")
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, projectID, cfg); err != nil {
		return err
	}
	if err := e.Repo.EnsureStageRowsTx(ctx, tx, projectID, cfg.Catalog().IDs(), e.timestamp()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.ConfigImported, projectID, "project", projectID, actorID, events.EventPayload{
		"stages":   cfg.Catalog().IDs(),
		"rollback": cfg.Sync.RollbackOnFailure,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Boards.Forget(projectID)
	return nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// inTx runs fn in a transaction and commits when it returns nil.
func (e Engine) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
