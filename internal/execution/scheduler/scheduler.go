package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/hannibal/internal/completion"
	"github.com/animus-labs/hannibal/internal/domain"
)

// Executor performs one stage's unit of work synchronously. A nil error is
// success; any error is a failure whose text becomes the reported reason.
type Executor interface {
	Run(ctx context.Context, stage domain.StageSpec, version domain.DataVersion) error
}

// ExecutorFunc adapts a plain function to Executor.
type ExecutorFunc func(ctx context.Context, stage domain.StageSpec, version domain.DataVersion) error

func (f ExecutorFunc) Run(ctx context.Context, stage domain.StageSpec, version domain.DataVersion) error {
	return f(ctx, stage, version)
}

// Snapshotter freezes the indices produced for a data version.
type Snapshotter interface {
	Snapshot(ctx context.Context, version domain.DataVersion, indexPattern string) error
}

const (
	defaultLeaseTTL  = 30 * time.Minute
	defaultLeasePoll = 10 * time.Second
)

// Scheduler drives an ExecutionPlan to completion against a CompletionStore.
// It keeps no state between Execute calls; the store is the only memory.
type Scheduler struct {
	store       completion.Store
	logger      *slog.Logger
	parallelism int
	snapshotter Snapshotter
	leaser      Leaser
	leaseTTL    time.Duration
	leasePoll   time.Duration
	worker      string
	now         func() time.Time
}

// Option configures a Scheduler built by New.
type Option func(*Scheduler)

// WithLogger sets the logger for stage lifecycle events. A nil logger is ignored.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithParallelism lets up to n stages whose dependencies are complete run at once.
func WithParallelism(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.parallelism = n
		}
	}
}

// WithSnapshotter sets the service that runs snapshot stages.
func WithSnapshotter(snapshotter Snapshotter) Option {
	return func(s *Scheduler) {
		s.snapshotter = snapshotter
	}
}

// WithLeaser makes each stage run only under a lease, so workers sharing a
// store never run the same (stage, version) at the same time.
func WithLeaser(leaser Leaser, ttl time.Duration) Option {
	return func(s *Scheduler) {
		s.leaser = leaser
		if ttl > 0 {
			s.leaseTTL = ttl
		}
	}
}

// WithLeasePoll sets how often a worker retries a lease held by another.
func WithLeasePoll(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.leasePoll = interval
		}
	}
}

// WithWorker names this process in completion records and leases.
func WithWorker(worker string) Option {
	return func(s *Scheduler) {
		if worker != "" {
			s.worker = worker
		}
	}
}

// New returns a Scheduler that records completion in store. Without options it
// runs one stage at a time under a random worker id.
func New(store completion.Store, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:       store,
		logger:      slog.New(slog.DiscardHandler),
		parallelism: 1,
		leaseTTL:    defaultLeaseTTL,
		leasePoll:   defaultLeasePoll,
		worker:      "hannibal-" + uuid.NewString()[:8],
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Worker returns the name written into completion records and leases.
func (s *Scheduler) Worker() string {
	return s.worker
}

// StageOutcome is the terminal state of one stage. Skipped marks a stage that
// was already complete and never reached the Executor.
type StageOutcome struct {
	StageID  string
	State    State
	Skipped  bool
	Duration time.Duration
}

// StageFailure names the earliest failed stage of a run and why it failed.
type StageFailure struct {
	StageID string
	Reason  string
	Err     error
}

// Result lists terminal stages in plan order. NotStarted holds stages that
// were never launched because of a failure or cancellation.
type Result struct {
	Version    domain.DataVersion
	Completed  []StageOutcome
	Failed     *StageFailure
	NotStarted []string
}

// Succeeded reports whether every stage of the plan completed.
func (r Result) Succeeded() bool {
	return r.Failed == nil && len(r.NotStarted) == 0
}

// Executed returns the stages whose work ran in this call.
func (r Result) Executed() []string {
	out := make([]string, 0, len(r.Completed))
	for _, o := range r.Completed {
		if !o.Skipped {
			out = append(out, o.StageID)
		}
	}
	return out
}

// Skipped returns the stages found already complete.
func (r Result) Skipped() []string {
	out := make([]string, 0, len(r.Completed))
	for _, o := range r.Completed {
		if o.Skipped {
			out = append(out, o.StageID)
		}
	}
	return out
}

type stageResult struct {
	index     int
	outcome   StageOutcome
	err       error
	withdrawn bool
}

// Execute runs the plan in order. Stages already recorded complete for the
// plan's version are skipped without an Executor call. After the first failure
// no new stage is started; stages already running are awaited. When ctx is
// cancelled no new stage is started either, and running stages finish under a
// context that is not cancelled. A stage still waiting for its lease at that
// point is withdrawn and reported in NotStarted.
func (s *Scheduler) Execute(ctx context.Context, plan domain.ExecutionPlan, exec Executor) (Result, error) {
	if s == nil || s.store == nil {
		return Result{}, fmt.Errorf("scheduler not initialized")
	}
	if exec == nil {
		return Result{}, errors.New("executor is required")
	}
	if err := plan.Version.Validate(); err != nil {
		return Result{}, err
	}
	index, err := planIndex(plan)
	if err != nil {
		return Result{}, err
	}

	version := plan.Version
	detached := context.WithoutCancel(ctx)
	tracker := newStageTracker(plan.StageIDs())
	states := tracker.states
	outcomes := make([]*StageOutcome, len(plan.Stages))
	failures := make(map[int]error)
	results := make(chan stageResult, len(plan.Stages))

	var g errgroup.Group
	running := 0
	halted := false

	s.logger.Info("execution started", "version", version, "targets", plan.Targets, "stages", len(plan.Stages), "parallelism", s.parallelism)

	for {
		for i, stage := range plan.Stages {
			if halted || tracker.err != nil || ctx.Err() != nil || running >= s.parallelism {
				break
			}
			if states[stage.ID] != StatePending || !ready(stage, index, states) {
				continue
			}

			done, err := s.store.IsComplete(detached, stage.ID, version)
			if err != nil {
				tracker.move(stage.ID, StateFailed)
				failures[i] = &domain.StageError{Kind: domain.ErrStoreUnavailable, Stage: stage.ID, Version: version, Err: err}
				stageOutcomes.WithLabelValues(stage.ID, outcomeFailed).Inc()
				halted = true
				break
			}
			if done {
				tracker.move(stage.ID, StateCompleted)
				outcomes[i] = &StageOutcome{StageID: stage.ID, State: StateCompleted, Skipped: true}
				stageOutcomes.WithLabelValues(stage.ID, outcomeSkipped).Inc()
				s.logger.Info("stage already complete", "stage", stage.ID, "version", version)
				continue
			}

			tracker.move(stage.ID, StateRunning)
			running++
			g.Go(func() error {
				results <- s.runStage(detached, ctx, i, stage, version, exec)
				return nil
			})
		}

		if running == 0 {
			break
		}
		r := <-results
		running--
		id := plan.Stages[r.index].ID
		switch {
		case r.withdrawn:
			tracker.move(id, StatePending)
			s.logger.Warn("stage withdrawn while waiting for lease", "stage", id, "version", version)
		case r.err != nil:
			tracker.move(id, StateFailed)
			failures[r.index] = r.err
			halted = true
			s.logger.Error("stage failed", "stage", id, "version", version, "error", r.err)
		default:
			tracker.move(id, r.outcome.State)
			outcome := r.outcome
			outcomes[r.index] = &outcome
		}
	}
	_ = g.Wait()

	res := Result{Version: version}
	for i, stage := range plan.Stages {
		if outcomes[i] != nil {
			res.Completed = append(res.Completed, *outcomes[i])
		}
		if states[stage.ID] == StatePending {
			res.NotStarted = append(res.NotStarted, stage.ID)
		}
	}

	if tracker.err != nil {
		s.logger.Error("execution aborted", "version", version, "error", tracker.err)
		return res, fmt.Errorf("execution aborted: %w", tracker.err)
	}
	if len(failures) > 0 {
		first := earliest(failures)
		failErr := failures[first]
		res.Failed = &StageFailure{
			StageID: plan.Stages[first].ID,
			Reason:  reason(failErr),
			Err:     failErr,
		}
		s.logger.Error("execution halted", "version", version, "stage", res.Failed.StageID, "error", failErr, "not_started", res.NotStarted)
		return res, failErr
	}
	if ctx.Err() != nil && len(res.NotStarted) > 0 {
		s.logger.Warn("execution interrupted", "version", version, "not_started", res.NotStarted)
		return res, fmt.Errorf("execution interrupted: %w", ctx.Err())
	}
	s.logger.Info("execution finished", "version", version, "executed", len(res.Executed()), "skipped", len(res.Skipped()))
	return res, nil
}

// runStage does the work under ctx, which is never cancelled. wait is the
// caller's context and only bounds the wait for a lease.
func (s *Scheduler) runStage(ctx, wait context.Context, index int, stage domain.StageSpec, version domain.DataVersion, exec Executor) (res stageResult) {
	res.index = index
	start := s.now()
	stagesRunning.Inc()
	defer stagesRunning.Dec()
	defer func() {
		if rec := recover(); rec != nil {
			res.err = domain.ExecutionFailure(stage.ID, version, fmt.Errorf("panic: %v", rec))
		}
		if res.err != nil {
			stageOutcomes.WithLabelValues(stage.ID, outcomeFailed).Inc()
		}
	}()

	if err := s.confirmDependencies(ctx, stage, version); err != nil {
		res.err = err
		return res
	}

	if s.leaser != nil {
		release, skipped, err := s.acquireLease(ctx, wait, stage, version)
		if errors.Is(err, errLeaseWaitCancelled) {
			res.withdrawn = true
			return res
		}
		if err != nil {
			res.err = err
			return res
		}
		if skipped {
			stageOutcomes.WithLabelValues(stage.ID, outcomeSkipped).Inc()
			res.outcome = StageOutcome{StageID: stage.ID, State: StateCompleted, Skipped: true}
			return res
		}
		defer release()
	}

	s.logger.Info("stage started", "stage", stage.ID, "version", version, "kind", stage.Kind)
	if err := s.perform(ctx, stage, version, exec); err != nil {
		res.err = domain.ExecutionFailure(stage.ID, version, err)
		return res
	}

	record := domain.CompletionRecord{
		StageID:      stage.ID,
		Version:      version,
		ParamsDigest: stage.Digest(version),
		Worker:       s.worker,
		CompletedAt:  s.now().UTC(),
	}
	if err := s.store.MarkComplete(ctx, record); err != nil {
		res.err = &domain.StageError{Kind: domain.ErrStoreUnavailable, Stage: stage.ID, Version: version, Err: err}
		return res
	}

	elapsed := s.now().Sub(start)
	stageDuration.WithLabelValues(stage.ID).Observe(elapsed.Seconds())
	stageOutcomes.WithLabelValues(stage.ID, outcomeCompleted).Inc()
	s.logger.Info("stage completed", "stage", stage.ID, "version", version, "duration_ms", elapsed.Milliseconds())
	res.outcome = StageOutcome{StageID: stage.ID, State: StateCompleted, Duration: elapsed}
	return res
}

func (s *Scheduler) perform(ctx context.Context, stage domain.StageSpec, version domain.DataVersion, exec Executor) error {
	if !stage.IsSnapshot() {
		return exec.Run(ctx, stage, version)
	}
	if s.snapshotter == nil {
		return errors.New("no snapshot service configured")
	}
	pattern, ok := stage.Param(domain.ParamIndexPattern)
	if !ok || pattern == "" {
		pattern = string(version) + "*"
	}
	return s.snapshotter.Snapshot(ctx, version, pattern)
}

// confirmDependencies rechecks the store so a stage never starts on the word
// of in-memory state alone.
func (s *Scheduler) confirmDependencies(ctx context.Context, stage domain.StageSpec, version domain.DataVersion) error {
	for _, dep := range stage.DependsOn {
		done, err := s.store.IsComplete(ctx, dep, version)
		if err != nil {
			return &domain.StageError{Kind: domain.ErrStoreUnavailable, Stage: stage.ID, Version: version, Err: err}
		}
		if !done {
			return domain.ExecutionFailure(stage.ID, version, fmt.Errorf("dependency %q is not complete", dep))
		}
	}
	return nil
}

var errLeaseWaitCancelled = errors.New("lease wait cancelled")

// acquireLease blocks until this worker holds the stage lease or the stage is
// found complete. Cancelling wait gives up with errLeaseWaitCancelled. The
// returned release stops renewal and frees the lease.
func (s *Scheduler) acquireLease(ctx, wait context.Context, stage domain.StageSpec, version domain.DataVersion) (func(), bool, error) {
	storeErr := func(err error) error {
		return &domain.StageError{Kind: domain.ErrStoreUnavailable, Stage: stage.ID, Version: version, Err: err}
	}
	for {
		ok, err := s.leaser.Acquire(ctx, stage.ID, version, s.worker, s.leaseTTL)
		if err != nil {
			return nil, false, storeErr(err)
		}
		done, err := s.store.IsComplete(ctx, stage.ID, version)
		if err != nil {
			if ok {
				_ = s.leaser.Release(ctx, stage.ID, version, s.worker)
			}
			return nil, false, storeErr(err)
		}
		if done {
			if ok {
				_ = s.leaser.Release(ctx, stage.ID, version, s.worker)
			}
			s.logger.Info("stage completed by another worker", "stage", stage.ID, "version", version)
			return nil, true, nil
		}
		if ok {
			stop := s.renewLease(ctx, stage.ID, version)
			return func() {
				stop()
				if err := s.leaser.Release(ctx, stage.ID, version, s.worker); err != nil {
					s.logger.Warn("lease release failed", "stage", stage.ID, "version", version, "error", err)
				}
			}, false, nil
		}
		s.logger.Info("waiting for stage lease", "stage", stage.ID, "version", version, "poll", s.leasePoll)
		timer := time.NewTimer(s.leasePoll)
		select {
		case <-wait.Done():
			timer.Stop()
			return nil, false, errLeaseWaitCancelled
		case <-timer.C:
		}
	}
}

func (s *Scheduler) renewLease(ctx context.Context, stageID string, version domain.DataVersion) func() {
	stop := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(s.leaseTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ok, err := s.leaser.Acquire(ctx, stageID, version, s.worker, s.leaseTTL)
				if err != nil || !ok {
					s.logger.Warn("lease renewal failed", "stage", stageID, "version", version, "held", ok, "error", err)
				}
			}
		}
	}()
	return func() {
		close(stop)
		<-finished
	}
}

func planIndex(plan domain.ExecutionPlan) (map[string]int, error) {
	index := make(map[string]int, len(plan.Stages))
	for i, stage := range plan.Stages {
		if _, dup := index[stage.ID]; dup {
			return nil, fmt.Errorf("stage %q appears twice in plan: %w", stage.ID, domain.ErrInvalidPipeline)
		}
		for _, dep := range stage.DependsOn {
			if j, ok := index[dep]; !ok {
				if planHas(plan, dep) {
					return nil, fmt.Errorf("stage %q precedes its dependency %q: %w", stage.ID, dep, domain.ErrInvalidPipeline)
				}
			} else if j >= i {
				return nil, fmt.Errorf("stage %q precedes its dependency %q: %w", stage.ID, dep, domain.ErrInvalidPipeline)
			}
		}
		index[stage.ID] = i
	}
	return index, nil
}

func planHas(plan domain.ExecutionPlan, id string) bool {
	return plan.IndexOf(id) >= 0
}

// ready reports whether every in-plan dependency has completed. Dependencies
// outside the plan are checked against the store when the stage starts.
func ready(stage domain.StageSpec, index map[string]int, states stageStates) bool {
	for _, dep := range stage.DependsOn {
		if _, inPlan := index[dep]; !inPlan {
			continue
		}
		if states[dep] != StateCompleted {
			return false
		}
	}
	return true
}

func earliest(failures map[int]error) int {
	keys := make([]int, 0, len(failures))
	for k := range failures {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys[0]
}

func reason(err error) string {
	var stageErr *domain.StageError
	if errors.As(err, &stageErr) && stageErr.Reason() != "" {
		return stageErr.Reason()
	}
	return err.Error()
}
