package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crankci/crank/pkg/artifacts"
	"github.com/crankci/crank/pkg/executor"
	"github.com/crankci/crank/pkg/gates"
	"github.com/crankci/crank/pkg/models"
	"github.com/crankci/crank/pkg/registry"
	"github.com/crankci/crank/pkg/runnerpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingPool counts reservations so tests can assert that cancelled jobs
// never reached the runner pool.
type countingPool struct {
	*runnerpool.Pool

	reserves atomic.Int32
}

func (p *countingPool) Reserve(labels []string) (*runnerpool.Reservation, error) {
	p.reserves.Add(1)

	return p.Pool.Reserve(labels)
}

// memoryStore records every persisted snapshot in order, letting tests read
// the final state of evicted runs and assert persistence monotonicity.
type memoryStore struct {
	mu      sync.Mutex
	latest  map[string]*models.Run
	history []*models.Run
}

func newMemoryStore() *memoryStore {
	return &memoryStore{latest: make(map[string]*models.Run)}
}

func (st *memoryStore) SaveRun(_ context.Context, run *models.Run) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.latest[run.ID] = run
	st.history = append(st.history, run)

	return nil
}

func (st *memoryStore) run(runID string) *models.Run {
	st.mu.Lock()
	defer st.mu.Unlock()

	return st.latest[runID]
}

func (st *memoryStore) snapshots() []*models.Run {
	st.mu.Lock()
	defer st.mu.Unlock()

	return append([]*models.Run(nil), st.history...)
}

type fixture struct {
	scheduler *Scheduler
	pool      *countingPool
	store     *memoryStore
}

func newFixture(t *testing.T, runners []*models.Runner, environments []*models.Environment) *fixture {
	t.Helper()

	logger := slog.Default()
	pool := &countingPool{Pool: runnerpool.NewPool(logger, runners)}

	reg := registry.NewRegistry(logger)
	registry.RegisterBuiltinActions(reg, artifacts.NewFileStore(t.TempDir()))

	steps := executor.NewComposite(
		executor.NewShellExecutor(logger),
		executor.NewActionExecutor(reg, logger),
	)

	gateManager := gates.NewManager(logger, nil, environments)
	store := newMemoryStore()

	return &fixture{
		scheduler: NewScheduler(logger, pool, gateManager, steps, nil, store, t.TempDir()),
		pool:      pool,
		store:     store,
	}
}

func linuxRunner(id string) *models.Runner {
	return &models.Runner{ID: id, Labels: []string{"linux", "x64"}}
}

func pushEvent() models.TriggerEvent {
	return models.TriggerEvent{
		ID:    "evt-1",
		Kind:  models.EventKindPush,
		Ref:   "refs/heads/main",
		Actor: "alice",
	}
}

func definition(jobs ...*models.JobSpec) *models.WorkflowDefinition {
	def := &models.WorkflowDefinition{
		ID:   "wf-1",
		Name: "continuous integration",
		Jobs: make(map[string]*models.JobSpec, len(jobs)),
	}

	for _, job := range jobs {
		def.Jobs[job.ID] = job
		def.JobOrder = append(def.JobOrder, job.ID)
	}

	return def
}

// waitForRun blocks until the run is finished and returns the persisted
// terminal snapshot. A run that is no longer live has already finished.
func waitForRun(t *testing.T, f *fixture, runID string) *models.Run {
	t.Helper()

	if done, ok := f.scheduler.Done(runID); ok {
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("run did not finish in time")
		}
	}

	run := f.store.run(runID)
	require.NotNil(t, run, "finished run must be persisted")
	require.NotNil(t, run.FinishedAt)

	return run
}

func TestScheduler_SingleJobSucceeds(t *testing.T) {
	f := newFixture(t, []*models.Runner{linuxRunner("linux-1")}, nil)

	def := definition(&models.JobSpec{
		ID:     "build",
		RunsOn: []string{"linux"},
		Steps: []models.StepSpec{
			{Name: "compile", Run: "echo compiling"},
			{Name: "version", Run: `echo "version=1.2.3" >> "$CRANK_OUTPUT"`},
		},
	})

	run, err := f.scheduler.Start(t.Context(), def, pushEvent())
	require.NoError(t, err)

	final := waitForRun(t, f, run.ID)

	assert.Equal(t, models.RunStatusSucceeded, final.Status())

	build := final.Jobs["build"]
	assert.Equal(t, models.JobStateSucceeded, build.State)
	assert.Equal(t, "linux-1", build.RunnerID)
	assert.Equal(t, "1.2.3", build.Outputs["version"])
	assert.NotNil(t, build.StartedAt)
	assert.NotNil(t, build.FinishedAt)
	require.Len(t, build.Steps, 2)
	assert.True(t, build.Steps[0].Succeeded())

	// The runner must be back in the pool.
	runner, err := f.pool.Acquire(t.Context(), []string{"linux"})
	require.NoError(t, err)
	assert.Equal(t, "linux-1", runner.ID)
}

func TestScheduler_FinishedRunsAreEvicted(t *testing.T) {
	f := newFixture(t, []*models.Runner{linuxRunner("linux-1")}, nil)

	def := definition(&models.JobSpec{
		ID:     "build",
		RunsOn: []string{"linux"},
		Steps:  []models.StepSpec{{Name: "compile", Run: "echo ok"}},
	})

	run, err := f.scheduler.Start(t.Context(), def, pushEvent())
	require.NoError(t, err)

	waitForRun(t, f, run.ID)

	// The live coordinator no longer tracks the run; queries go to
	// persistence.
	_, ok := f.scheduler.Snapshot(run.ID)
	assert.False(t, ok)

	_, ok = f.scheduler.Done(run.ID)
	assert.False(t, ok)

	assert.Empty(t, f.scheduler.Runs())

	err = f.scheduler.Cancel(t.Context(), run.ID, "too late")
	require.ErrorIs(t, err, ErrRunNotFound)
}

func TestScheduler_DependentSeesFrozenOutputs(t *testing.T) {
	f := newFixture(t, []*models.Runner{linuxRunner("linux-1")}, nil)

	def := definition(
		&models.JobSpec{
			ID:     "build",
			RunsOn: []string{"linux"},
			Steps: []models.StepSpec{
				{Name: "tag", Run: `echo "version=9.9" >> "$CRANK_OUTPUT"`},
			},
		},
		&models.JobSpec{
			ID:     "test",
			RunsOn: []string{"linux"},
			Needs:  []string{"build"},
			Steps: []models.StepSpec{
				{Name: "check", Run: `echo "testing $CRANK_NEEDS_BUILD_VERSION"`},
			},
		},
	)

	run, err := f.scheduler.Start(t.Context(), def, pushEvent())
	require.NoError(t, err)

	final := waitForRun(t, f, run.ID)

	require.Equal(t, models.RunStatusSucceeded, final.Status())

	build, test := final.Jobs["build"], final.Jobs["test"]
	assert.Contains(t, test.Steps[0].Log, "testing 9.9")

	// A dependent never starts before its dependency finished.
	require.NotNil(t, build.FinishedAt)
	require.NotNil(t, test.StartedAt)
	assert.False(t, test.StartedAt.Before(*build.FinishedAt))
}

func TestScheduler_FailFastCancelsTransitiveDependents(t *testing.T) {
	f := newFixture(t, []*models.Runner{linuxRunner("linux-1")}, nil)

	def := definition(
		&models.JobSpec{
			ID:     "build",
			RunsOn: []string{"linux"},
			Steps:  []models.StepSpec{{Name: "compile", Run: "exit 1"}},
		},
		&models.JobSpec{
			ID:     "test",
			RunsOn: []string{"linux"},
			Needs:  []string{"build"},
			Steps:  []models.StepSpec{{Name: "unit", Run: "echo never"}},
		},
		&models.JobSpec{
			ID:     "deploy",
			RunsOn: []string{"linux"},
			Needs:  []string{"test"},
			Steps:  []models.StepSpec{{Name: "ship", Run: "echo never"}},
		},
	)

	run, err := f.scheduler.Start(t.Context(), def, pushEvent())
	require.NoError(t, err)

	final := waitForRun(t, f, run.ID)

	assert.Equal(t, models.RunStatusFailed, final.Status())
	assert.Equal(t, models.JobStateFailed, final.Jobs["build"].State)
	assert.Equal(t, models.JobStateCancelled, final.Jobs["test"].State)
	assert.Equal(t, models.JobStateCancelled, final.Jobs["deploy"].State)
	assert.Contains(t, final.Jobs["test"].Error, "build")

	// Only the failed job ever reached the runner pool.
	assert.Equal(t, int32(1), f.pool.reserves.Load())
	assert.Empty(t, final.Jobs["test"].RunnerID)
	assert.Empty(t, final.Jobs["deploy"].RunnerID)
}

func TestScheduler_GateSuspendsBeforeRunnerAcquisition(t *testing.T) {
	environments := []*models.Environment{{
		Name: "production",
		Gate: models.GatePolicy{RequiredApprovals: 1, Reviewers: []string{"alice"}},
	}}

	f := newFixture(t, []*models.Runner{linuxRunner("linux-1")}, environments)

	def := definition(&models.JobSpec{
		ID:          "deploy",
		RunsOn:      []string{"linux"},
		Environment: "production",
		Steps:       []models.StepSpec{{Name: "ship", Run: "echo shipped"}},
	})

	run, err := f.scheduler.Start(t.Context(), def, pushEvent())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snapshot, ok := f.scheduler.Snapshot(run.ID)

		return ok && snapshot.Jobs["deploy"].State == models.JobStateWaitingOnGate
	}, 2*time.Second, 10*time.Millisecond)

	// No runner is held while the gate is pending.
	assert.Zero(t, f.pool.reserves.Load())

	require.NoError(t, f.scheduler.Approve(t.Context(), run.ID, "production", "alice"))

	final := waitForRun(t, f, run.ID)

	assert.Equal(t, models.RunStatusSucceeded, final.Status())
	assert.Equal(t, models.JobStateSucceeded, final.Jobs["deploy"].State)
	assert.Equal(t, int32(1), f.pool.reserves.Load())
}

func TestScheduler_GateRejectionCancelsRun(t *testing.T) {
	environments := []*models.Environment{{
		Name: "production",
		Gate: models.GatePolicy{RequiredApprovals: 1, Reviewers: []string{"alice", "bob"}},
	}}

	f := newFixture(t, []*models.Runner{linuxRunner("linux-1")}, environments)

	def := definition(
		&models.JobSpec{
			ID:          "deploy",
			RunsOn:      []string{"linux"},
			Environment: "production",
			Steps:       []models.StepSpec{{Name: "ship", Run: "echo never"}},
		},
		&models.JobSpec{
			ID:     "announce",
			RunsOn: []string{"linux"},
			Needs:  []string{"deploy"},
			Steps:  []models.StepSpec{{Name: "post", Run: "echo never"}},
		},
	)

	run, err := f.scheduler.Start(t.Context(), def, pushEvent())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snapshot, ok := f.scheduler.Snapshot(run.ID)

		return ok && snapshot.Jobs["deploy"].State == models.JobStateWaitingOnGate
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.scheduler.Reject(t.Context(), run.ID, "production", "bob"))

	final := waitForRun(t, f, run.ID)

	assert.Equal(t, models.RunStatusCancelled, final.Status())
	assert.Equal(t, models.JobStateCancelled, final.Jobs["deploy"].State)
	assert.Equal(t, models.JobStateCancelled, final.Jobs["announce"].State)
	assert.Zero(t, f.pool.reserves.Load())
}

func TestScheduler_CoverageThresholdBreachFailsJob(t *testing.T) {
	f := newFixture(t, []*models.Runner{linuxRunner("linux-1")}, nil)

	threshold := 80.0

	def := definition(&models.JobSpec{
		ID:                "test",
		RunsOn:            []string{"linux"},
		CoverageThreshold: &threshold,
		Steps: []models.StepSpec{
			{Name: "unit", Run: `echo "coverage=75.0" >> "$CRANK_OUTPUT"`},
		},
	})

	run, err := f.scheduler.Start(t.Context(), def, pushEvent())
	require.NoError(t, err)

	final := waitForRun(t, f, run.ID)

	test := final.Jobs["test"]
	assert.Equal(t, models.RunStatusFailed, final.Status())
	assert.Equal(t, models.JobStateFailed, test.State, "a breached threshold fails the job despite exit 0")
	assert.True(t, test.Steps[0].Succeeded())
	require.NotNil(t, test.Coverage)
	assert.InDelta(t, 75.0, *test.Coverage, 0.001)
	assert.Contains(t, test.Error, "threshold")
}

func TestScheduler_StepRetriesAreBounded(t *testing.T) {
	f := newFixture(t, []*models.Runner{linuxRunner("linux-1")}, nil)

	def := definition(
		&models.JobSpec{
			ID:     "flaky",
			RunsOn: []string{"linux"},
			Steps: []models.StepSpec{
				// Fails twice, then succeeds on the third attempt.
				{
					Name:        "retry",
					Run:         `[ -f second ] && exit 0; [ -f first ] && { touch second; exit 1; }; touch first; exit 1`,
					MaxAttempts: 3,
				},
			},
		},
		&models.JobSpec{
			ID:     "hopeless",
			RunsOn: []string{"linux"},
			Steps: []models.StepSpec{
				{Name: "fail", Run: "exit 1", MaxAttempts: 2},
				{Name: "after", Run: "echo never"},
			},
		},
	)

	run, err := f.scheduler.Start(t.Context(), def, pushEvent())
	require.NoError(t, err)

	final := waitForRun(t, f, run.ID)

	flaky := final.Jobs["flaky"]
	assert.Equal(t, models.JobStateSucceeded, flaky.State)
	assert.Equal(t, 3, flaky.Steps[0].Attempts)

	hopeless := final.Jobs["hopeless"]
	assert.Equal(t, models.JobStateFailed, hopeless.State)
	require.Len(t, hopeless.Steps, 2)
	assert.Equal(t, 2, hopeless.Steps[0].Attempts)
	assert.True(t, hopeless.Steps[1].Skipped, "steps after a failure are skipped")
}

func TestScheduler_UnsatisfiableRequirementFailsJob(t *testing.T) {
	f := newFixture(t, []*models.Runner{linuxRunner("linux-1")}, nil)

	def := definition(
		&models.JobSpec{
			ID:     "windows-build",
			RunsOn: []string{"windows"},
			Steps:  []models.StepSpec{{Name: "compile", Run: "echo never"}},
		},
		&models.JobSpec{
			ID:     "package",
			RunsOn: []string{"linux"},
			Needs:  []string{"windows-build"},
			Steps:  []models.StepSpec{{Name: "zip", Run: "echo never"}},
		},
	)

	run, err := f.scheduler.Start(t.Context(), def, pushEvent())
	require.NoError(t, err)

	final := waitForRun(t, f, run.ID)

	assert.Equal(t, models.RunStatusFailed, final.Status())
	assert.Equal(t, models.JobStateFailed, final.Jobs["windows-build"].State)
	assert.Contains(t, final.Jobs["windows-build"].Error, "no runner matches")
	assert.Equal(t, models.JobStateCancelled, final.Jobs["package"].State)
}

func TestScheduler_CancelInterruptsRunningJob(t *testing.T) {
	f := newFixture(t, []*models.Runner{linuxRunner("linux-1")}, nil)

	def := definition(
		&models.JobSpec{
			ID:     "slow",
			RunsOn: []string{"linux"},
			Steps:  []models.StepSpec{{Name: "wait", Run: "sleep 30"}},
		},
		&models.JobSpec{
			ID:     "later",
			RunsOn: []string{"linux"},
			Needs:  []string{"slow"},
			Steps:  []models.StepSpec{{Name: "never", Run: "echo never"}},
		},
	)

	run, err := f.scheduler.Start(t.Context(), def, pushEvent())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snapshot, ok := f.scheduler.Snapshot(run.ID)

		return ok && snapshot.Jobs["slow"].State == models.JobStateRunning
	}, 2*time.Second, 10*time.Millisecond)

	// Mid-flight snapshots expose per-job detail.
	snapshot, ok := f.scheduler.Snapshot(run.ID)
	require.True(t, ok)
	assert.Equal(t, models.RunStatusRunning, snapshot.Status())
	assert.Equal(t, "linux-1", snapshot.Jobs["slow"].RunnerID)

	start := time.Now()
	require.NoError(t, f.scheduler.Cancel(t.Context(), run.ID, "superseded by a newer push"))

	final := waitForRun(t, f, run.ID)

	assert.Less(t, time.Since(start), 10*time.Second, "cancellation must not wait for the sleep")
	assert.Equal(t, models.RunStatusCancelled, final.Status())
	assert.Equal(t, models.JobStateCancelled, final.Jobs["slow"].State)
	assert.Equal(t, models.JobStateCancelled, final.Jobs["later"].State)

	// The finished run is evicted; cancelling again reports not-found.
	err = f.scheduler.Cancel(t.Context(), run.ID, "again")
	require.ErrorIs(t, err, ErrRunNotFound)

	err = f.scheduler.Cancel(t.Context(), "missing", "nope")
	require.ErrorIs(t, err, ErrRunNotFound)
}

// A cancel racing the hand-off between reservation grant and job start must
// never flip a terminal job or a finalized run back to Running.
func TestScheduler_CancelRacingDispatchStaysTerminal(t *testing.T) {
	f := newFixture(t, []*models.Runner{linuxRunner("linux-1")}, nil)

	def := definition(&models.JobSpec{
		ID:     "build",
		RunsOn: []string{"linux"},
		Steps:  []models.StepSpec{{Name: "compile", Run: "echo ok"}},
	})

	for i := 0; i < 50; i++ {
		run, err := f.scheduler.Start(t.Context(), def, pushEvent())
		require.NoError(t, err)

		// Cancel immediately so it races the worker goroutine; the run may
		// also have finished (and been evicted) already.
		if err := f.scheduler.Cancel(t.Context(), run.ID, "superseded"); err != nil {
			require.ErrorIs(t, err, ErrRunNotFound)
		}

		if done, ok := f.scheduler.Done(run.ID); ok {
			select {
			case <-done:
			case <-time.After(10 * time.Second):
				t.Fatal("run did not finish in time")
			}
		}
	}

	// Once a snapshot was persisted terminal, every later snapshot of that
	// run keeps the same status and shows no Running job.
	terminal := make(map[string]models.RunStatus)

	for _, saved := range f.store.snapshots() {
		if status, finished := terminal[saved.ID]; finished {
			assert.Equal(t, status, saved.Status(), "terminal status must not change")

			for jobID, job := range saved.Jobs {
				assert.NotEqual(t, models.JobStateRunning, job.State,
					"job %s observed Running after the run finished", jobID)
			}
		}

		if saved.FinishedAt != nil {
			terminal[saved.ID] = saved.Status()
		}
	}

	// Every worker goroutine returned its runner.
	runner, err := f.pool.Acquire(t.Context(), []string{"linux"})
	require.NoError(t, err)
	assert.Equal(t, "linux-1", runner.ID)
}

func TestScheduler_IndependentJobsRunConcurrently(t *testing.T) {
	f := newFixture(t, []*models.Runner{linuxRunner("linux-1"), linuxRunner("linux-2")}, nil)

	def := definition(
		&models.JobSpec{
			ID:     "lint",
			RunsOn: []string{"linux"},
			Steps:  []models.StepSpec{{Name: "lint", Run: "sleep 0.3"}},
		},
		&models.JobSpec{
			ID:     "unit",
			RunsOn: []string{"linux"},
			Steps:  []models.StepSpec{{Name: "unit", Run: "sleep 0.3"}},
		},
	)

	start := time.Now()

	run, err := f.scheduler.Start(t.Context(), def, pushEvent())
	require.NoError(t, err)

	final := waitForRun(t, f, run.ID)

	assert.Equal(t, models.RunStatusSucceeded, final.Status())
	assert.Less(t, time.Since(start), 30*time.Second)

	lint, unit := final.Jobs["lint"], final.Jobs["unit"]
	assert.NotEqual(t, lint.RunnerID, unit.RunnerID, "independent jobs spread across idle runners")
}
