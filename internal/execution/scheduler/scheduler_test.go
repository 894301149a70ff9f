package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animus-labs/hannibal/internal/completion"
	"github.com/animus-labs/hannibal/internal/domain"
	"github.com/animus-labs/hannibal/internal/execution/plan"
	"github.com/animus-labs/hannibal/internal/pipeline"
)

const testVersion domain.DataVersion = "17.12"

type recordingExecutor struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
	hook  func(ctx context.Context, stage domain.StageSpec)
}

func newRecorder() *recordingExecutor {
	return &recordingExecutor{fail: map[string]error{}}
}

func (r *recordingExecutor) Run(ctx context.Context, stage domain.StageSpec, version domain.DataVersion) error {
	r.mu.Lock()
	r.calls = append(r.calls, stage.ID)
	hook := r.hook
	err := r.fail[stage.ID]
	r.mu.Unlock()
	if hook != nil {
		hook(ctx, stage)
	}
	return err
}

func (r *recordingExecutor) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeSnapshotter struct {
	mu       sync.Mutex
	versions []domain.DataVersion
	patterns []string
	err      error
}

func (f *fakeSnapshotter) Snapshot(_ context.Context, version domain.DataVersion, pattern string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions = append(f.versions, version)
	f.patterns = append(f.patterns, pattern)
	return f.err
}

type brokenStore struct {
	completion.Store
}

func (brokenStore) IsComplete(context.Context, string, domain.DataVersion) (bool, error) {
	return false, domain.StoreUnavailable("is complete", errors.New("connection refused"))
}

func chain(t *testing.T) *domain.PipelineGraph {
	t.Helper()
	g, err := domain.NewPipelineGraph([]domain.StageSpec{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"b"}},
		{ID: "d", DependsOn: []string{"c"}},
	})
	require.NoError(t, err)
	return g
}

func diamond(t *testing.T) *domain.PipelineGraph {
	t.Helper()
	g, err := domain.NewPipelineGraph([]domain.StageSpec{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"a"}},
		{ID: "d", DependsOn: []string{"b", "c"}},
	})
	require.NoError(t, err)
	return g
}

func resolve(t *testing.T, g *domain.PipelineGraph, targets ...string) domain.ExecutionPlan {
	t.Helper()
	p, err := plan.ResolveMany(g, targets, testVersion)
	require.NoError(t, err)
	return p
}

func markDone(t *testing.T, store completion.Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, store.MarkComplete(context.Background(), domain.CompletionRecord{StageID: id, Version: testVersion}))
	}
}

func assertComplete(t *testing.T, store completion.Store, want bool, ids ...string) {
	t.Helper()
	for _, id := range ids {
		done, err := store.IsComplete(context.Background(), id, testVersion)
		require.NoError(t, err)
		assert.Equalf(t, want, done, "stage %s complete", id)
	}
}

func TestExecuteRunsPlanInOrder(t *testing.T) {
	store := completion.NewMemoryStore()
	exec := newRecorder()

	res, err := New(store).Execute(context.Background(), resolve(t, chain(t), "d"), exec)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c", "d"}, exec.Calls())
	assert.True(t, res.Succeeded())
	assert.Equal(t, []string{"a", "b", "c", "d"}, res.Executed())
	assert.Empty(t, res.Skipped())
	assertComplete(t, store, true, "a", "b", "c", "d")

	record, err := store.Get(context.Background(), "b", testVersion)
	require.NoError(t, err)
	stage, _ := chain(t).Stage("b")
	assert.Equal(t, stage.Digest(testVersion), record.ParamsDigest)
	assert.NotEmpty(t, record.Worker)
	assert.False(t, record.CompletedAt.IsZero())
}

func TestExecuteSkipsCompletedStages(t *testing.T) {
	store := completion.NewMemoryStore()
	markDone(t, store, "a", "b", "c", "d")
	exec := newRecorder()

	res, err := New(store).Execute(context.Background(), resolve(t, chain(t), "d"), exec)
	require.NoError(t, err)

	assert.Empty(t, exec.Calls())
	assert.Equal(t, []string{"a", "b", "c", "d"}, res.Skipped())
	for _, o := range res.Completed {
		assert.Equal(t, StateCompleted, o.State)
	}
}

func TestExecuteHaltsOnFirstFailure(t *testing.T) {
	store := completion.NewMemoryStore()
	exec := newRecorder()
	exec.fail["b"] = errors.New("exit code 2")

	res, err := New(store).Execute(context.Background(), resolve(t, chain(t), "d"), exec)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrExecutionFailure)

	var stageErr *domain.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "b", stageErr.Stage)
	assert.Equal(t, testVersion, stageErr.Version)

	assert.Equal(t, []string{"a", "b"}, exec.Calls())
	require.NotNil(t, res.Failed)
	assert.Equal(t, "b", res.Failed.StageID)
	assert.Equal(t, "exit code 2", res.Failed.Reason)
	assert.Equal(t, []string{"a"}, res.Executed())
	assert.Equal(t, []string{"c", "d"}, res.NotStarted)
	assertComplete(t, store, true, "a")
	assertComplete(t, store, false, "b", "c", "d")
}

func TestExecuteResumesAfterFailure(t *testing.T) {
	store := completion.NewMemoryStore()
	g, err := domain.NewPipelineGraph([]domain.StageSpec{
		{ID: "A"},
		{ID: "B", DependsOn: []string{"A"}},
		{ID: "C", DependsOn: []string{"B"}},
	})
	require.NoError(t, err)
	p := resolve(t, g, "C")

	first := newRecorder()
	first.fail["C"] = errors.New("boom")
	_, err = New(store).Execute(context.Background(), p, first)
	require.ErrorIs(t, err, domain.ErrExecutionFailure)
	assert.Equal(t, []string{"A", "B", "C"}, first.Calls())

	second := newRecorder()
	res, err := New(store).Execute(context.Background(), p, second)
	require.NoError(t, err)
	assert.Equal(t, []string{"C"}, second.Calls())
	assert.Equal(t, []string{"A", "B"}, res.Skipped())
	assert.Equal(t, []string{"C"}, res.Executed())
}

func TestExecuteGeneDataScenario(t *testing.T) {
	store := completion.NewMemoryStore()
	exec := newRecorder()
	p := resolve(t, pipeline.OpenTargets(""), "uniprot", "ensembl", "geneData")

	res, err := New(store).Execute(context.Background(), p, exec)
	require.NoError(t, err)

	calls := exec.Calls()
	assert.Len(t, calls, 6)
	assert.Equal(t, "geneData", calls[len(calls)-1])
	assert.ElementsMatch(t, []string{"uniprot", "ensembl", "expression", "reactome", "mammalianPhenotype", "geneData"}, calls)
	assert.True(t, res.Succeeded())

	again := newRecorder()
	_, err = New(store).Execute(context.Background(), p, again)
	require.NoError(t, err)
	assert.Empty(t, again.Calls())
}

func TestExecuteValidateWithFailingEFO(t *testing.T) {
	store := completion.NewMemoryStore()
	exec := newRecorder()
	exec.fail["efo"] = errors.New("efo download failed")
	p := resolve(t, pipeline.OpenTargets(""), "validate")

	res, err := New(store).Execute(context.Background(), p, exec)
	require.ErrorIs(t, err, domain.ErrExecutionFailure)

	require.NotNil(t, res.Failed)
	assert.Equal(t, "efo", res.Failed.StageID)
	assert.NotContains(t, exec.Calls(), "validate")
	assert.NotContains(t, exec.Calls(), "eco")
	assert.Contains(t, res.NotStarted, "validate")
	assertComplete(t, store, true, "uniprot", "ensembl", "expression", "reactome", "mammalianPhenotype", "geneData")
	assertComplete(t, store, false, "efo", "eco", "validate")
}

func TestExecuteRunsSiblingsConcurrently(t *testing.T) {
	store := completion.NewMemoryStore()
	exec := newRecorder()

	var active, peak atomic.Int32
	both := make(chan struct{})
	var once sync.Once
	exec.hook = func(_ context.Context, stage domain.StageSpec) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		if stage.ID == "b" || stage.ID == "c" {
			if n == 2 {
				once.Do(func() { close(both) })
			}
			select {
			case <-both:
			case <-time.After(2 * time.Second):
			}
		}
	}

	res, err := New(store, WithParallelism(4)).Execute(context.Background(), resolve(t, diamond(t), "d"), exec)
	require.NoError(t, err)

	assert.EqualValues(t, 2, peak.Load())
	calls := exec.Calls()
	assert.Equal(t, "a", calls[0])
	assert.Equal(t, "d", calls[3])
	assert.Equal(t, []string{"a", "b", "c", "d"}, res.Executed())
}

func TestExecuteParallelReportsEarliestFailure(t *testing.T) {
	store := completion.NewMemoryStore()
	exec := newRecorder()
	exec.fail["b"] = errors.New("b failed")
	exec.fail["c"] = errors.New("c failed")
	exec.hook = func(_ context.Context, stage domain.StageSpec) {
		if stage.ID == "b" {
			time.Sleep(20 * time.Millisecond)
		}
	}

	res, err := New(store, WithParallelism(2)).Execute(context.Background(), resolve(t, diamond(t), "d"), exec)
	require.Error(t, err)

	require.NotNil(t, res.Failed)
	assert.Equal(t, "b", res.Failed.StageID)
	assert.Equal(t, []string{"d"}, res.NotStarted)
	assert.NotContains(t, exec.Calls(), "d")
}

func TestExecuteCancellationStopsNewStages(t *testing.T) {
	store := completion.NewMemoryStore()
	exec := newRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var innerErr error
	exec.hook = func(stageCtx context.Context, stage domain.StageSpec) {
		if stage.ID == "b" {
			cancel()
			innerErr = stageCtx.Err()
		}
	}

	res, err := New(store).Execute(ctx, resolve(t, chain(t), "d"), exec)
	require.ErrorIs(t, err, context.Canceled)

	assert.NoError(t, innerErr)
	assert.Equal(t, []string{"a", "b"}, exec.Calls())
	assert.Equal(t, []string{"a", "b"}, res.Executed())
	assert.Equal(t, []string{"c", "d"}, res.NotStarted)
	assert.Nil(t, res.Failed)
	assertComplete(t, store, true, "a", "b")
}

func TestExecuteDispatchesSnapshotStages(t *testing.T) {
	store := completion.NewMemoryStore()
	exec := newRecorder()
	snap := &fakeSnapshotter{}

	p := resolve(t, pipeline.OpenTargets(""), pipeline.ReleaseSnapshotStage)
	res, err := New(store, WithSnapshotter(snap), WithParallelism(3)).Execute(context.Background(), p, exec)
	require.NoError(t, err)

	assert.NotContains(t, exec.Calls(), pipeline.ReleaseSnapshotStage)
	assert.Equal(t, []domain.DataVersion{testVersion}, snap.versions)
	assert.Equal(t, []string{"17.12*"}, snap.patterns)
	assert.Len(t, res.Executed(), 16)

	again, err := New(store, WithSnapshotter(snap)).Execute(context.Background(), p, exec)
	require.NoError(t, err)
	assert.Len(t, snap.versions, 1, "a released version is not snapshotted twice")
	assert.Len(t, again.Skipped(), 16)
}

func TestExecuteSnapshotWithoutService(t *testing.T) {
	g, err := domain.NewPipelineGraph([]domain.StageSpec{
		{ID: "snap", Kind: domain.StageKindSnapshot, Params: []domain.Param{{Key: domain.ParamIndexPattern, Value: "x*"}}},
	})
	require.NoError(t, err)

	res, err := New(completion.NewMemoryStore()).Execute(context.Background(), resolve(t, g, "snap"), newRecorder())
	require.ErrorIs(t, err, domain.ErrExecutionFailure)
	assert.Equal(t, "snap", res.Failed.StageID)
}

func TestExecuteRecoversExecutorPanic(t *testing.T) {
	store := completion.NewMemoryStore()
	exec := ExecutorFunc(func(context.Context, domain.StageSpec, domain.DataVersion) error {
		panic("nil map")
	})

	res, err := New(store).Execute(context.Background(), resolve(t, chain(t), "a"), exec)
	require.ErrorIs(t, err, domain.ErrExecutionFailure)
	assert.Contains(t, res.Failed.Reason, "panic: nil map")
	assertComplete(t, store, false, "a")
}

func TestExecuteStoreUnavailable(t *testing.T) {
	exec := newRecorder()
	res, err := New(brokenStore{}).Execute(context.Background(), resolve(t, chain(t), "b"), exec)
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)

	assert.Empty(t, exec.Calls())
	assert.Equal(t, "a", res.Failed.StageID)
	assert.Equal(t, []string{"b"}, res.NotStarted)
}

func TestExecuteConfirmsDependenciesOutsidePlan(t *testing.T) {
	store := completion.NewMemoryStore()
	exec := newRecorder()
	p := domain.ExecutionPlan{
		Version: testVersion,
		Stages:  []domain.StageSpec{{ID: "b", DependsOn: []string{"a"}}},
	}

	res, err := New(store).Execute(context.Background(), p, exec)
	require.ErrorIs(t, err, domain.ErrExecutionFailure)
	assert.Contains(t, res.Failed.Reason, `dependency "a" is not complete`)
	assert.Empty(t, exec.Calls())

	markDone(t, store, "a")
	_, err = New(store).Execute(context.Background(), p, exec)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, exec.Calls())
}

func TestExecuteRejectsMalformedPlan(t *testing.T) {
	s := New(completion.NewMemoryStore())
	exec := newRecorder()

	_, err := s.Execute(context.Background(), domain.ExecutionPlan{
		Version: testVersion,
		Stages:  []domain.StageSpec{{ID: "a"}, {ID: "a"}},
	}, exec)
	assert.ErrorIs(t, err, domain.ErrInvalidPipeline)

	_, err = s.Execute(context.Background(), domain.ExecutionPlan{
		Version: testVersion,
		Stages:  []domain.StageSpec{{ID: "b", DependsOn: []string{"a"}}, {ID: "a"}},
	}, exec)
	assert.ErrorIs(t, err, domain.ErrInvalidPipeline)

	_, err = s.Execute(context.Background(), domain.ExecutionPlan{Stages: []domain.StageSpec{{ID: "a"}}}, exec)
	assert.Error(t, err)

	_, err = s.Execute(context.Background(), resolve(t, chain(t), "a"), nil)
	assert.Error(t, err)

	assert.Empty(t, exec.Calls())
}

func TestConcurrentExecuteSharesCompletion(t *testing.T) {
	store := completion.NewMemoryStore()
	exec := newRecorder()
	p := resolve(t, chain(t), "b")

	var wg sync.WaitGroup
	results := make([]Result, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = New(store).Execute(context.Background(), p, exec)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 2; i++ {
		require.NoError(t, errs[i])
		assert.True(t, results[i].Succeeded())
		assert.Len(t, results[i].Completed, 2)
	}
	calls := exec.Calls()
	assert.GreaterOrEqual(t, len(calls), 2)
	assert.LessOrEqual(t, len(calls), 4)
	assertComplete(t, store, true, "a", "b")
}

func TestConcurrentExecuteFailureNeverMarks(t *testing.T) {
	store := completion.NewMemoryStore()
	exec := newRecorder()
	exec.fail["a"] = errors.New("broken image")
	p := resolve(t, chain(t), "a")

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := New(store).Execute(context.Background(), p, exec)
			assert.ErrorIs(t, err, domain.ErrExecutionFailure)
		}()
	}
	wg.Wait()
	assertComplete(t, store, false, "a")
}

func TestLeaseGivesAtMostOnceExecution(t *testing.T) {
	store := completion.NewMemoryStore()
	leaser := NewMemoryLeaser()
	exec := newRecorder()
	started := make(chan struct{})
	var once sync.Once
	exec.hook = func(context.Context, domain.StageSpec) {
		once.Do(func() { close(started) })
		time.Sleep(50 * time.Millisecond)
	}
	p := resolve(t, chain(t), "a")

	newScheduler := func(worker string) *Scheduler {
		return New(store, WithLeaser(leaser, time.Minute), WithLeasePoll(5*time.Millisecond), WithWorker(worker))
	}

	var wg sync.WaitGroup
	results := make([]Result, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		var err error
		results[0], err = newScheduler("w1").Execute(context.Background(), p, exec)
		assert.NoError(t, err)
	}()
	<-started
	wg.Add(1)
	go func() {
		defer wg.Done()
		var err error
		results[1], err = newScheduler("w2").Execute(context.Background(), p, exec)
		assert.NoError(t, err)
	}()
	wg.Wait()

	assert.Equal(t, []string{"a"}, exec.Calls())
	assert.Equal(t, []string{"a"}, results[0].Executed())
	assert.Equal(t, []string{"a"}, results[1].Skipped())

	record, err := store.Get(context.Background(), "a", testVersion)
	require.NoError(t, err)
	assert.Equal(t, "w1", record.Worker)
}

func TestMemoryLeaser(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLeaser()
	now := time.Date(2017, time.December, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	ok, err := l.Acquire(ctx, "a", testVersion, "w1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = l.Acquire(ctx, "a", testVersion, "w2", time.Minute)
	assert.False(t, ok)

	ok, _ = l.Acquire(ctx, "a", testVersion, "w1", time.Minute)
	assert.True(t, ok, "holder renews its own lease")

	now = now.Add(2 * time.Minute)
	ok, _ = l.Acquire(ctx, "a", testVersion, "w2", time.Minute)
	assert.True(t, ok, "expired lease is taken over")

	require.NoError(t, l.Release(ctx, "a", testVersion, "w1"))
	ok, _ = l.Acquire(ctx, "a", testVersion, "w1", time.Minute)
	assert.False(t, ok, "release by a non-holder is ignored")

	require.NoError(t, l.Release(ctx, "a", testVersion, "w2"))
	ok, _ = l.Acquire(ctx, "a", testVersion, "w1", time.Minute)
	assert.True(t, ok)
}

func TestLeaseWaitStopsOnCancel(t *testing.T) {
	store := completion.NewMemoryStore()
	leaser := NewMemoryLeaser()
	ok, err := leaser.Acquire(context.Background(), "a", testVersion, "other", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	exec := newRecorder()
	p := resolve(t, chain(t), "b")
	sched := New(store, WithLeaser(leaser, time.Minute), WithLeasePoll(time.Hour), WithWorker("w1"))

	ctx, cancel := context.WithCancel(context.Background())
	type outcome struct {
		res Result
		err error
	}
	finished := make(chan outcome, 1)
	go func() {
		res, err := sched.Execute(ctx, p, exec)
		finished <- outcome{res: res, err: err}
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case got := <-finished:
		assert.ErrorIs(t, got.err, context.Canceled)
		assert.Nil(t, got.res.Failed)
		assert.Equal(t, []string{"a", "b"}, got.res.NotStarted)
	case <-time.After(5 * time.Second):
		t.Fatal("Execute kept waiting for the lease after cancellation")
	}
	assert.Empty(t, exec.Calls())
	assertComplete(t, store, false, "a")
}

func TestTransitions(t *testing.T) {
	states := stageStates{"a": StatePending}
	require.NoError(t, states.move("a", StateRunning))
	require.NoError(t, states.move("a", StateCompleted))
	assert.ErrorIs(t, states.move("a", StateRunning), ErrIllegalTransition)
	assert.ErrorIs(t, states.move("a", StatePending), ErrIllegalTransition)

	states["b"] = StatePending
	require.NoError(t, states.move("b", StateCompleted))
	assert.True(t, states["b"].Terminal())
}

func TestStageTrackerKeepsFirstIllegalTransition(t *testing.T) {
	tracker := newStageTracker([]string{"a", "b"})
	tracker.move("a", StateRunning)
	tracker.move("a", StatePending)
	require.NoError(t, tracker.err, "a stage waiting for its lease may be withdrawn")

	tracker.move("b", StateCompleted)
	tracker.move("b", StateRunning)
	tracker.move("a", StateCompleted)
	tracker.move("a", StateFailed)

	require.ErrorIs(t, tracker.err, ErrIllegalTransition)
	assert.Contains(t, tracker.err.Error(), `stage "b"`)
	assert.Equal(t, StateCompleted, tracker.states["b"])
}
