package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"leanline/internal/validation"
)

// Store is the persistence boundary the board reads from and writes to. LoadStageFlags
// returns the raw stored blob; the board normalizes it.
type Store interface {
	LoadStageFlags(ctx context.Context, projectID, stageID string) (string, error)
	SaveTrackingFlags(ctx context.Context, projectID, stageID string, flags validation.Flags) error
}

// Board holds the optimistic tracking state of one project. Toggles update the local
// journey first, notify, then persist through the Writer.
type Board struct {
	ProjectID string

	store    Store
	writer   *Writer
	notifier Notifier
	now      func() time.Time

	mu      sync.RWMutex
	journey validation.Journey

	// persists for a project are serialized so the latest local flags always win.
	writeMu sync.Mutex
}

// BoardOptions wires a Board. Writer and Notifier are optional.
type BoardOptions struct {
	ProjectID string
	Catalog   validation.Catalog
	Store     Store
	Writer    *Writer
	Notifier  Notifier
	Now       func() time.Time
}

func NewBoard(opts BoardOptions) *Board {
	b := &Board{
		ProjectID: opts.ProjectID,
		store:     opts.Store,
		writer:    opts.Writer,
		notifier:  opts.Notifier,
		now:       opts.Now,
		journey:   validation.NewJourney(opts.Catalog, nil),
	}
	if b.writer == nil {
		b.writer = NewWriter(DefaultPolicy(), nil, nil)
	}
	if b.notifier == nil {
		b.notifier = nopNotifier{}
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// Journey returns the current local state.
func (b *Board) Journey() validation.Journey {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.journey
}

// Report recomputes progress from the current local state.
func (b *Board) Report() validation.Report {
	return b.Journey().Report()
}

// Refresh reloads every stage concurrently. Each stage is applied as soon as it
// arrives, independently of the others; a stage whose read fails keeps its previous
// flags and the first error is returned after all reads finish.
func (b *Board) Refresh(ctx context.Context) error {
	catalog := b.Journey().Catalog
	var g errgroup.Group
	for _, stage := range catalog {
		stageID := stage.ID
		g.Go(func() error {
			raw, err := b.store.LoadStageFlags(ctx, b.ProjectID, stageID)
			if err != nil {
				return fmt.Errorf("load %s tracking: %w", stageID, err)
			}
			flags := DecodeFlags(raw)
			b.mu.Lock()
			b.journey = b.journey.WithStage(stageID, flags)
			b.mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// SetCriterion applies the toggle locally, publishes it, then persists the stage. When
// the write fails for good the error is a *SyncError; local state is reverted only if
// the writer policy asks for rollback.
func (b *Board) SetCriterion(ctx context.Context, stageID string, index int, completed bool) (validation.Update, error) {
	b.mu.Lock()
	prev := b.journey.Flags(stageID)[index]
	next, upd, err := b.journey.SetCriterion(stageID, index, completed)
	if err != nil {
		b.mu.Unlock()
		return validation.Update{}, err
	}
	b.journey = next
	b.mu.Unlock()

	b.publish(upd, false)

	err = b.persist(ctx, stageID)
	if err == nil {
		return upd, nil
	}
	var syncErr *SyncError
	if errors.As(err, &syncErr) && b.writer.Policy.RollbackOnFailure {
		b.rollback(stageID, index, completed, prev)
		syncErr.RolledBack = true
		b.writer.recorder().SyncRollback("tracking.save")
	}
	return upd, err
}

func (b *Board) persist(ctx context.Context, stageID string) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.writer.Do(ctx, "tracking.save", func(ctx context.Context) error {
		// always write the newest local flags, not the snapshot taken at toggle time
		flags := b.Journey().Flags(stageID)
		return b.store.SaveTrackingFlags(ctx, b.ProjectID, stageID, flags)
	})
}

// rollback restores the criterion unless another toggle already changed it again.
func (b *Board) rollback(stageID string, index int, applied, prev bool) {
	b.mu.Lock()
	if b.journey.Flags(stageID)[index] != applied {
		b.mu.Unlock()
		return
	}
	next, upd, err := b.journey.SetCriterion(stageID, index, prev)
	if err != nil {
		b.mu.Unlock()
		return
	}
	b.journey = next
	b.mu.Unlock()
	b.publish(upd, true)
}

func (b *Board) publish(upd validation.Update, rolledBack bool) {
	b.notifier.Notify(ProgressChanged{
		ProjectID:      b.ProjectID,
		StageID:        upd.StageID,
		Index:          upd.Index,
		Completed:      upd.Completed,
		StagePercent:   upd.Stage.Percent,
		OverallPercent: upd.Overall,
		RolledBack:     rolledBack,
		At:             b.now().UTC(),
	})
}

// Registry keeps one board per project, loading it on first use. Loads run outside the
// registry lock, and concurrent first uses of one project share a single load.
type Registry struct {
	mu     sync.Mutex
	boards map[string]*Board
	// gen changes on Forget so a load that started earlier does not repopulate the cache.
	gen   map[string]uint64
	loads singleflight.Group
	build func(projectID string) (BoardOptions, error)
}

// NewRegistry takes a builder that supplies catalog, store, writer and notifier for a
// project.
func NewRegistry(build func(projectID string) (BoardOptions, error)) *Registry {
	return &Registry{boards: make(map[string]*Board), gen: make(map[string]uint64), build: build}
}

func (r *Registry) cached(projectID string) (*Board, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.boards[projectID], r.gen[projectID]
}

// Board returns the project's board, creating and refreshing it if needed.
func (r *Registry) Board(ctx context.Context, projectID string) (*Board, error) {
	if b, _ := r.cached(projectID); b != nil {
		return b, nil
	}
	v, err, _ := r.loads.Do(projectID, func() (any, error) {
		b, gen := r.cached(projectID)
		if b != nil {
			return b, nil
		}
		opts, err := r.build(projectID)
		if err != nil {
			return nil, err
		}
		opts.ProjectID = projectID
		b = NewBoard(opts)
		if err := b.Refresh(ctx); err != nil {
			return nil, err
		}
		r.mu.Lock()
		if r.gen[projectID] == gen {
			r.boards[projectID] = b
		}
		r.mu.Unlock()
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Board), nil
}

// Forget drops a cached board, e.g. after the project or its catalog changed.
func (r *Registry) Forget(projectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.boards, projectID)
	r.gen[projectID]++
	r.loads.Forget(projectID)
}
