package tracking

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leanline/internal/validation"
)

type fakeStore struct {
	mu        sync.Mutex
	blobs     map[string]string
	failSaves int // remaining saves that fail; -1 fails forever
	loadErr   map[string]error
	saves     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{blobs: map[string]string{}, loadErr: map[string]error{}}
}

func (s *fakeStore) LoadStageFlags(_ context.Context, _ string, stageID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadErr[stageID]; err != nil {
		return "", err
	}
	return s.blobs[stageID], nil
}

func (s *fakeStore) SaveTrackingFlags(_ context.Context, _ string, stageID string, flags validation.Flags) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.failSaves != 0 {
		if s.failSaves > 0 {
			s.failSaves--
		}
		return errors.New("write rejected")
	}
	s.blobs[stageID] = EncodeFlags(flags)
	return nil
}

func (s *fakeStore) blob(stageID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blobs[stageID]
}

func newTestBoard(t *testing.T, store Store, p Policy, n Notifier) *Board {
	t.Helper()
	b := NewBoard(BoardOptions{
		ProjectID: "proj-1",
		Catalog:   validation.DefaultCatalog(),
		Store:     store,
		Writer:    NewWriter(p, nil, nil),
		Notifier:  n,
	})
	require.NoError(t, b.Refresh(context.Background()))
	return b
}

func TestBoardRefreshNormalizesEveryStage(t *testing.T) {
	store := newFakeStore()
	store.blobs[validation.StageProblem] = `{"0":true,"1":true}`
	store.blobs[validation.StageSolution] = `"{\"2\":true}"`
	store.blobs[validation.StageMVP] = `not json at all`
	store.blobs[validation.StageGrowth] = `[true,true,true,true,true]`

	b := newTestBoard(t, store, fastPolicy(0), nil)
	r := b.Report()
	assert.Equal(t, 2, r.Stages[0].Completed)
	assert.Equal(t, 1, r.Stages[1].Completed)
	assert.Equal(t, 0, r.Stages[2].Completed)
	assert.Equal(t, 4, r.Stages[5].Completed)
	// 7 of 24
	assert.Equal(t, 29, r.Overall)
}

func TestBoardRefreshKeepsStagesThatFailed(t *testing.T) {
	store := newFakeStore()
	store.blobs[validation.StageProblem] = `{"0":true}`
	b := newTestBoard(t, store, fastPolicy(0), nil)

	store.mu.Lock()
	store.blobs[validation.StageProblem] = `{"0":true,"1":true}`
	store.blobs[validation.StageSolution] = `{"0":true}`
	store.loadErr[validation.StageProblem] = errors.New("timeout")
	store.mu.Unlock()

	err := b.Refresh(context.Background())
	require.Error(t, err)
	p, _ := b.Journey().Stage(validation.StageProblem)
	assert.Equal(t, 1, p.Completed)
	s, _ := b.Journey().Stage(validation.StageSolution)
	assert.Equal(t, 1, s.Completed)
}

func TestBoardSetCriterionPersistsAndNotifies(t *testing.T) {
	store := newFakeStore()
	bc := NewBroadcaster()
	events, cancel := bc.Subscribe(4)
	defer cancel()

	b := newTestBoard(t, store, fastPolicy(2), bc)
	upd, err := b.SetCriterion(context.Background(), validation.StageProblem, 2, true)
	require.NoError(t, err)
	assert.Equal(t, 25, upd.Stage.Percent)
	assert.Equal(t, `{"2":true}`, store.blob(validation.StageProblem))

	evt := <-events
	assert.Equal(t, "proj-1", evt.ProjectID)
	assert.Equal(t, validation.StageProblem, evt.StageID)
	assert.Equal(t, 25, evt.StagePercent)
	assert.Equal(t, upd.Overall, evt.OverallPercent)
	assert.False(t, evt.RolledBack)
}

func TestBoardRetriesTransientFailures(t *testing.T) {
	store := newFakeStore()
	store.failSaves = 2
	b := newTestBoard(t, store, fastPolicy(3), nil)
	_, err := b.SetCriterion(context.Background(), validation.StageMVP, 0, true)
	require.NoError(t, err)
	assert.Equal(t, 3, store.saves)
	assert.Equal(t, `{"0":true}`, store.blob(validation.StageMVP))
}

func TestBoardKeepsOptimisticStateByDefault(t *testing.T) {
	store := newFakeStore()
	store.failSaves = -1
	b := newTestBoard(t, store, fastPolicy(2), nil)

	upd, err := b.SetCriterion(context.Background(), validation.StageMVP, 1, true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSyncFailed))
	var syncErr *SyncError
	require.True(t, errors.As(err, &syncErr))
	assert.False(t, syncErr.RolledBack)
	assert.Equal(t, 3, store.saves)

	// local state diverges from the store on purpose
	p, _ := b.Journey().Stage(validation.StageMVP)
	assert.Equal(t, 1, p.Completed)
	assert.Equal(t, upd.Stage, p)
	assert.Equal(t, "", store.blob(validation.StageMVP))
}

func TestBoardRollsBackWhenConfigured(t *testing.T) {
	store := newFakeStore()
	store.failSaves = -1
	bc := NewBroadcaster()
	events, cancel := bc.Subscribe(4)
	defer cancel()

	p := fastPolicy(1)
	p.RollbackOnFailure = true
	b := newTestBoard(t, store, p, bc)

	_, err := b.SetCriterion(context.Background(), validation.StagePivot, 3, true)
	require.Error(t, err)
	var syncErr *SyncError
	require.True(t, errors.As(err, &syncErr))
	assert.True(t, syncErr.RolledBack)

	progress, _ := b.Journey().Stage(validation.StagePivot)
	assert.Equal(t, 0, progress.Completed)

	applied := <-events
	assert.True(t, applied.Completed)
	reverted := <-events
	assert.True(t, reverted.RolledBack)
	assert.False(t, reverted.Completed)
	assert.Equal(t, 0, reverted.StagePercent)
}

func TestBoardRejectsBadCriterion(t *testing.T) {
	store := newFakeStore()
	b := newTestBoard(t, store, fastPolicy(0), nil)
	_, err := b.SetCriterion(context.Background(), "nowhere", 0, true)
	assert.True(t, errors.Is(err, validation.ErrUnknownStage))
	_, err = b.SetCriterion(context.Background(), validation.StageGrowth, 7, true)
	assert.True(t, errors.Is(err, validation.ErrCriterionOutOfRange))
	assert.Equal(t, 0, store.saves)
}

func TestBoardConcurrentTogglesConverge(t *testing.T) {
	store := newFakeStore()
	b := newTestBoard(t, store, fastPolicy(0), nil)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := b.SetCriterion(context.Background(), validation.StageGrowth, i, true)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, `{"0":true,"1":true,"2":true,"3":true}`, store.blob(validation.StageGrowth))
	p, _ := b.Journey().Stage(validation.StageGrowth)
	assert.Equal(t, 100, p.Percent)
}

func TestRegistryCachesBoards(t *testing.T) {
	store := newFakeStore()
	builds := 0
	reg := NewRegistry(func(projectID string) (BoardOptions, error) {
		builds++
		return BoardOptions{Catalog: validation.DefaultCatalog(), Store: store}, nil
	})
	a, err := reg.Board(context.Background(), "p")
	require.NoError(t, err)
	b, err := reg.Board(context.Background(), "p")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, builds)
	reg.Forget("p")
	c, err := reg.Board(context.Background(), "p")
	require.NoError(t, err)
	assert.NotSame(t, a, c)
	assert.Equal(t, "p", c.ProjectID)
}

// gatedStore holds every load until gate closes.
type gatedStore struct {
	*fakeStore
	gate    chan struct{}
	entered func()
}

func (s *gatedStore) LoadStageFlags(ctx context.Context, projectID, stageID string) (string, error) {
	s.entered()
	<-s.gate
	return s.fakeStore.LoadStageFlags(ctx, projectID, stageID)
}

func TestRegistryLoadsDoNotBlockOtherProjects(t *testing.T) {
	release, started := make(chan struct{}), make(chan struct{})
	var once sync.Once
	var slowBuilds atomic.Int32
	slow := &gatedStore{fakeStore: newFakeStore(), gate: release, entered: func() { once.Do(func() { close(started) }) }}
	reg := NewRegistry(func(projectID string) (BoardOptions, error) {
		if projectID == "slow" {
			slowBuilds.Add(1)
			return BoardOptions{Catalog: validation.DefaultCatalog(), Store: slow}, nil
		}
		return BoardOptions{Catalog: validation.DefaultCatalog(), Store: newFakeStore()}, nil
	})

	boards := make(chan *Board, 2)
	for range 2 {
		go func() {
			b, err := reg.Board(context.Background(), "slow")
			assert.NoError(t, err)
			boards <- b
		}()
	}
	<-started

	fast, err := reg.Board(context.Background(), "fast")
	require.NoError(t, err)
	assert.Equal(t, "fast", fast.ProjectID)

	close(release)
	a, b := <-boards, <-boards
	assert.Same(t, a, b)
	assert.EqualValues(t, 1, slowBuilds.Load())
}

func TestRegistryForgetDuringLoadIsNotUndone(t *testing.T) {
	release, started := make(chan struct{}), make(chan struct{})
	var once sync.Once
	store := &gatedStore{fakeStore: newFakeStore(), gate: release, entered: func() { once.Do(func() { close(started) }) }}
	reg := NewRegistry(func(string) (BoardOptions, error) {
		return BoardOptions{Catalog: validation.DefaultCatalog(), Store: store}, nil
	})

	done := make(chan *Board, 1)
	go func() {
		b, err := reg.Board(context.Background(), "p")
		assert.NoError(t, err)
		done <- b
	}()
	<-started
	reg.Forget("p")
	close(release)
	stale := <-done

	fresh, err := reg.Board(context.Background(), "p")
	require.NoError(t, err)
	assert.NotSame(t, stale, fresh, "a board loaded before Forget must not stay cached")
}

func TestBroadcasterDropsForSlowSubscribers(t *testing.T) {
	bc := NewBroadcaster()
	_, cancel := bc.Subscribe(1)
	bc.Notify(ProgressChanged{StageID: "a"})
	bc.Notify(ProgressChanged{StageID: "b"})
	assert.Equal(t, int64(1), bc.Dropped())
	assert.Equal(t, 1, bc.Subscribers())
	cancel()
	cancel()
	assert.Equal(t, 0, bc.Subscribers())
}
