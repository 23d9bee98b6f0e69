// Package scheduler drives workflow runs: it tracks per-run job state,
// recomputes the ready set on every transition, and dispatches ready jobs to
// runners in declaration order.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/crankci/crank/pkg/eventbus"
	"github.com/crankci/crank/pkg/events"
	"github.com/crankci/crank/pkg/executor"
	"github.com/crankci/crank/pkg/gates"
	"github.com/crankci/crank/pkg/models"
	"github.com/crankci/crank/pkg/otelhelper"
	"github.com/crankci/crank/pkg/runnerpool"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrRunNotFound indicates the scheduler is not tracking the run. Finished
// runs are evicted from the live set and served from persistence.
var ErrRunNotFound = errors.New("run not found")

// Reserved output keys the engine lifts from step outputs onto the job
// record.
const (
	coverageOutputKey = "coverage"
	artifactOutputKey = "artifact_ref"
)

// RunnerPool reserves execution slots. Reservations take their FIFO queue
// position synchronously, which lets the scheduler dispatch simultaneously
// ready jobs in declaration order.
type RunnerPool interface {
	Reserve(labels []string) (*runnerpool.Reservation, error)
	Release(runner *models.Runner)
}

// RunStore persists run state on every transition so queries and restarts
// see the latest picture.
type RunStore interface {
	SaveRun(ctx context.Context, run *models.Run) error
}

type runState struct {
	run        *models.Run
	definition *models.WorkflowDefinition
	ctx        context.Context
	cancel     context.CancelFunc

	// outputs holds a frozen copy of each succeeded job's outputs, copied
	// again into dependents so no job reads another's live map.
	outputs    map[string]map[string]string
	dispatched map[string]bool
	done       chan struct{}
}

// Scheduler owns the live state of every active run. All transitions happen
// under one mutex; step execution and runner waits happen outside it.
type Scheduler struct {
	logger    *slog.Logger
	pool      RunnerPool
	gates     *gates.Manager
	steps     executor.StepExecutor
	publisher eventbus.EventPublisher
	store     RunStore
	workRoot  string
	tracer    trace.Tracer

	mu   sync.Mutex
	runs map[string]*runState
}

func NewScheduler(
	logger *slog.Logger,
	pool RunnerPool,
	gateManager *gates.Manager,
	stepExecutor executor.StepExecutor,
	publisher eventbus.EventPublisher,
	store RunStore,
	workRoot string,
) *Scheduler {
	if workRoot == "" {
		workRoot = os.TempDir()
	}

	return &Scheduler{
		logger:    logger.With("module", "scheduler"),
		pool:      pool,
		gates:     gateManager,
		steps:     stepExecutor,
		publisher: publisher,
		store:     store,
		workRoot:  workRoot,
		runs:      make(map[string]*runState),
	}
}

// SetTracer enables one span per executed job.
func (s *Scheduler) SetTracer(tracer trace.Tracer) {
	s.tracer = tracer
}

// Start creates a Run for the definition and trigger event and begins
// dispatching its ready jobs. The returned run is a snapshot.
func (s *Scheduler) Start(ctx context.Context, definition *models.WorkflowDefinition, event models.TriggerEvent) (*models.Run, error) {
	run := &models.Run{
		ID:           uuid.New().String(),
		WorkflowID:   definition.ID,
		WorkflowName: definition.Name,
		Event:        event,
		Jobs:         make(map[string]*models.JobExecution, len(definition.Jobs)),
		JobOrder:     append([]string(nil), definition.JobOrder...),
		CreatedAt:    time.Now().UTC(),
	}

	for jobID := range definition.Jobs {
		run.Jobs[jobID] = &models.JobExecution{
			JobID: jobID,
			State: models.JobStatePending,
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())

	state := &runState{
		run:        run,
		definition: definition,
		ctx:        runCtx,
		cancel:     cancel,
		outputs:    make(map[string]map[string]string),
		dispatched: make(map[string]bool),
		done:       make(chan struct{}),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[run.ID] = state

	s.logger.InfoContext(ctx, "Run created",
		"run_id", run.ID,
		"workflow_id", run.WorkflowID,
		"event_kind", event.Kind,
		"ref", event.Ref,
	)

	s.publish(runCtx, run.ID, events.RunCreated{
		BaseEvent:    events.NewBaseEvent(events.RunCreatedEvent, run.ID),
		WorkflowID:   run.WorkflowID,
		WorkflowName: run.WorkflowName,
		EventKind:    event.Kind,
		Ref:          event.Ref,
		Actor:        event.Actor,
	})

	s.advanceLocked(state)
	s.persistLocked(state)
	s.maybeFinishRunLocked(state)

	return cloneRun(run), nil
}

// Cancel aborts a run: pending and gate-waiting jobs become Cancelled
// immediately, running jobs are interrupted and settle as Cancelled.
func (s *Scheduler) Cancel(ctx context.Context, runID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	for _, jobID := range state.run.JobOrder {
		execution := state.run.Jobs[jobID]
		if execution.State == models.JobStatePending || execution.State == models.JobStateWaitingOnGate {
			s.finishJobLocked(state, jobID, models.JobStateCancelled, reason)
		}
	}

	state.cancel()

	s.publish(ctx, runID, events.RunCancelled{
		BaseEvent: events.NewBaseEvent(events.RunCancelledEvent, runID),
		Reason:    reason,
	})

	s.persistLocked(state)
	s.maybeFinishRunLocked(state)

	return nil
}

// Approve forwards one gate approval for the run's environment.
func (s *Scheduler) Approve(ctx context.Context, runID, environment, reviewer string) error {
	return s.gates.Approve(ctx, runID, environment, reviewer)
}

// Reject forwards a gate rejection for the run's environment.
func (s *Scheduler) Reject(ctx context.Context, runID, environment, reviewer string) error {
	return s.gates.Reject(ctx, runID, environment, reviewer)
}

// Snapshot returns a deep copy of a live run's current state, queryable
// while jobs are still in flight. Finished runs are served from persistence.
func (s *Scheduler) Snapshot(runID string) (*models.Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.runs[runID]
	if !ok {
		return nil, false
	}

	return cloneRun(state.run), true
}

// Runs returns snapshots of every live run, newest first.
func (s *Scheduler) Runs() []*models.Run {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshots := make([]*models.Run, 0, len(s.runs))
	for _, state := range s.runs {
		snapshots = append(snapshots, cloneRun(state.run))
	}

	sortRunsNewestFirst(snapshots)

	return snapshots
}

// Done returns a channel closed when the run reaches a terminal status. A
// run that already finished has been evicted and reports not-found.
func (s *Scheduler) Done(runID string) (<-chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.runs[runID]
	if !ok {
		return nil, false
	}

	return state.done, true
}

// advanceLocked recomputes the ready set and dispatches every Pending job
// whose dependencies all Succeeded, walking jobs in declaration order so the
// runner queue position is deterministic.
func (s *Scheduler) advanceLocked(state *runState) {
	for _, jobID := range state.run.JobOrder {
		execution := state.run.Jobs[jobID]
		if execution.State != models.JobStatePending || state.dispatched[jobID] {
			continue
		}

		spec := state.definition.Jobs[jobID]
		if !s.needsSatisfiedLocked(state, spec) {
			continue
		}

		state.dispatched[jobID] = true

		if spec.Environment != "" {
			s.suspendOnGateLocked(state, jobID, spec)

			continue
		}

		s.dispatchLocked(state, jobID, spec)
	}
}

func (s *Scheduler) needsSatisfiedLocked(state *runState, spec *models.JobSpec) bool {
	for _, need := range spec.Needs {
		if state.run.Jobs[need].State != models.JobStateSucceeded {
			return false
		}
	}

	return true
}

// suspendOnGateLocked parks the job behind its environment gate. No runner
// is reserved until the gate is satisfied.
func (s *Scheduler) suspendOnGateLocked(state *runState, jobID string, spec *models.JobSpec) {
	execution := state.run.Jobs[jobID]
	execution.State = models.JobStateWaitingOnGate

	if s.gates == nil {
		s.finishJobLocked(state, jobID, models.JobStateFailed,
			fmt.Sprintf("environment %s: no environments are configured", spec.Environment))
		s.cancelDependentsLocked(state)

		return
	}

	runID := state.run.ID

	err := s.gates.Open(state.ctx, runID, spec.Environment, func(gateErr error) {
		s.onGateOutcome(runID, jobID, gateErr)
	})
	if err != nil {
		s.finishJobLocked(state, jobID, models.JobStateFailed, fmt.Sprintf("environment %s: %v", spec.Environment, err))
		s.cancelDependentsLocked(state)
	}
}

func (s *Scheduler) onGateOutcome(runID, jobID string, gateErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.runs[runID]
	if !ok {
		return
	}

	execution := state.run.Jobs[jobID]
	if execution.State != models.JobStateWaitingOnGate {
		return
	}

	if gateErr != nil {
		s.finishJobLocked(state, jobID, models.JobStateCancelled, gateErr.Error())
		s.cancelDependentsLocked(state)
		s.persistLocked(state)
		s.maybeFinishRunLocked(state)

		return
	}

	s.dispatchLocked(state, jobID, state.definition.Jobs[jobID])
	s.persistLocked(state)
	s.maybeFinishRunLocked(state)
}

// dispatchLocked reserves a runner slot for the job and hands off to a
// worker goroutine. The reservation happens under the lock so simultaneously
// ready jobs queue in declaration order.
func (s *Scheduler) dispatchLocked(state *runState, jobID string, spec *models.JobSpec) {
	s.publish(state.ctx, state.run.ID, events.JobQueued{
		BaseEvent: events.NewBaseEvent(events.JobQueuedEvent, state.run.ID),
		JobID:     jobID,
		RunsOn:    spec.RunsOn,
	})

	reservation, err := s.pool.Reserve(spec.RunsOn)
	if err != nil {
		s.finishJobLocked(state, jobID, models.JobStateFailed, err.Error())
		s.cancelDependentsLocked(state)

		return
	}

	go s.runJob(state, jobID, spec, reservation)
}

// runJob executes one job end to end: wait for the reserved runner, run the
// steps in sequence with bounded retries, enforce the coverage threshold,
// then release the runner and feed the outcome back into the run.
func (s *Scheduler) runJob(state *runState, jobID string, spec *models.JobSpec, reservation *runnerpool.Reservation) {
	runner, err := reservation.Wait(state.ctx)
	if err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()

		if state.run.FinishedAt != nil {
			return
		}

		s.finishJobLocked(state, jobID, models.JobStateCancelled, "run cancelled while queued for a runner")
		s.persistLocked(state)
		s.maybeFinishRunLocked(state)

		return
	}

	defer s.pool.Release(runner)

	stepCtx := s.beginJob(state, jobID, runner)
	if stepCtx == nil {
		// The job reached a terminal state (run cancelled) between the
		// reservation grant and now. The deferred Release returns the runner.
		return
	}

	workDir, err := os.MkdirTemp(s.workRoot, "crank-"+jobID+"-")
	if err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.finishJobLocked(state, jobID, models.JobStateFailed, fmt.Sprintf("create working directory: %v", err))
		s.cancelDependentsLocked(state)
		s.advanceLocked(state)
		s.persistLocked(state)
		s.maybeFinishRunLocked(state)

		return
	}

	defer os.RemoveAll(workDir)

	stepCtx.WorkingDir = workDir

	execCtx := state.ctx

	var span trace.Span

	if s.tracer != nil {
		execCtx, span = otelhelper.StartSpan(state.ctx, s.tracer, "job.execute",
			attribute.String(otelhelper.WorkflowIDKey, state.run.WorkflowID),
			attribute.String(otelhelper.RunIDKey, state.run.ID),
			attribute.String(otelhelper.JobIDKey, jobID),
			attribute.String(otelhelper.RunnerIDKey, runner.ID),
		)
		defer span.End()
	}

	finalState, jobErr, coverage, artifactRefs := s.runSteps(execCtx, state, jobID, spec, stepCtx)

	if span != nil && finalState == models.JobStateFailed {
		otelhelper.SetError(span, errors.New(jobErr))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	execution := state.run.Jobs[jobID]
	execution.Outputs = copyOutputs(stepCtx.Outputs)
	execution.Coverage = coverage
	execution.Artifacts = artifactRefs

	if finalState == models.JobStateSucceeded {
		state.outputs[jobID] = copyOutputs(stepCtx.Outputs)
	}

	s.finishJobLocked(state, jobID, finalState, jobErr)

	if finalState != models.JobStateSucceeded {
		s.cancelDependentsLocked(state)
	}

	s.advanceLocked(state)
	s.persistLocked(state)
	s.maybeFinishRunLocked(state)
}

// beginJob marks the job Running and builds its step context with frozen
// copies of every dependency's outputs. It returns nil when the job was
// already driven to a terminal state while the worker goroutine was getting
// started; terminal states never transition back.
func (s *Scheduler) beginJob(state *runState, jobID string, runner *models.Runner) *models.StepContext {
	s.mu.Lock()
	defer s.mu.Unlock()

	execution := state.run.Jobs[jobID]
	if execution.State.Terminal() {
		return nil
	}

	now := time.Now().UTC()

	execution.State = models.JobStateRunning
	execution.RunnerID = runner.ID
	execution.StartedAt = &now

	spec := state.definition.Jobs[jobID]

	needsOutputs := make(map[string]map[string]string, len(spec.Needs))
	for _, need := range spec.Needs {
		needsOutputs[need] = copyOutputs(state.outputs[need])
	}

	s.logger.Info("Job started", "run_id", state.run.ID, "job_id", jobID, "runner_id", runner.ID)

	s.publish(state.ctx, state.run.ID, events.JobStarted{
		BaseEvent: events.NewBaseEvent(events.JobStartedEvent, state.run.ID),
		JobID:     jobID,
		RunnerID:  runner.ID,
	})

	s.persistLocked(state)

	return &models.StepContext{
		RunID:        state.run.ID,
		JobID:        jobID,
		RunnerID:     runner.ID,
		Outputs:      make(map[string]string),
		NeedsOutputs: needsOutputs,
	}
}

// runSteps executes the job's steps strictly in sequence. The first failing
// step fails the job; remaining steps are recorded as skipped.
func (s *Scheduler) runSteps(ctx context.Context, state *runState, jobID string, spec *models.JobSpec, stepCtx *models.StepContext) (models.JobState, string, *float64, []models.ArtifactRef) {
	var (
		coverage     *float64
		artifactRefs []models.ArtifactRef
		failed       bool
		jobErr       string
	)

	for _, step := range spec.Steps {
		if failed {
			s.recordStep(state, jobID, &models.StepResult{Name: step.Name, Skipped: true})

			continue
		}

		result := s.runStepWithRetry(ctx, state, step, stepCtx)
		s.recordStep(state, jobID, result)

		for key, value := range result.Outputs {
			stepCtx.Outputs[key] = value
		}

		if ref, ok := result.Outputs[artifactOutputKey]; ok {
			artifactRefs = append(artifactRefs, models.ArtifactRef(ref))
		}

		if value, ok := stepCtx.Outputs[coverageOutputKey]; ok {
			if parsed, err := strconv.ParseFloat(value, 64); err == nil {
				coverage = &parsed
			}
		}

		if !result.Succeeded() {
			failed = true
			jobErr = fmt.Sprintf("step %q failed", step.Name)

			if result.Error != "" {
				jobErr = fmt.Sprintf("step %q failed: %s", step.Name, result.Error)
			}
		}
	}

	if failed {
		if state.ctx.Err() != nil {
			return models.JobStateCancelled, "run cancelled", coverage, artifactRefs
		}

		return models.JobStateFailed, jobErr, coverage, artifactRefs
	}

	// A breached coverage threshold fails the job even though every step
	// exited zero.
	if spec.CoverageThreshold != nil {
		if coverage == nil {
			return models.JobStateFailed, "coverage threshold set but no coverage was reported", coverage, artifactRefs
		}

		if *coverage < *spec.CoverageThreshold {
			return models.JobStateFailed,
				fmt.Sprintf("coverage %.1f%% is below the %.1f%% threshold", *coverage, *spec.CoverageThreshold),
				coverage, artifactRefs
		}
	}

	return models.JobStateSucceeded, "", coverage, artifactRefs
}

// runStepWithRetry retries a failing step up to its bounded attempt count.
// The recorded result carries the total attempts consumed.
func (s *Scheduler) runStepWithRetry(ctx context.Context, state *runState, step models.StepSpec, stepCtx *models.StepContext) *models.StepResult {
	var result *models.StepResult

	for attempt := 1; attempt <= step.Attempts(); attempt++ {
		executed, err := s.steps.Execute(ctx, step, stepCtx)
		if err != nil {
			executed = &models.StepResult{
				Name:       step.Name,
				ExitStatus: -1,
				Error:      err.Error(),
			}
		}

		result = executed
		result.Attempts = attempt

		if result.Succeeded() || state.ctx.Err() != nil {
			break
		}
	}

	return result
}

func (s *Scheduler) recordStep(state *runState, jobID string, result *models.StepResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	execution := state.run.Jobs[jobID]
	execution.Steps = append(execution.Steps, *result)

	if result.Skipped {
		return
	}

	s.publish(state.ctx, state.run.ID, events.StepFinished{
		BaseEvent:  events.NewBaseEvent(events.StepFinishedEvent, state.run.ID),
		JobID:      jobID,
		StepName:   result.Name,
		ExitStatus: result.ExitStatus,
		Outputs:    result.Outputs,
		Attempts:   result.Attempts,
	})
}

// finishJobLocked records a terminal state for the job and emits the
// lifecycle event. It is a no-op for jobs already terminal.
func (s *Scheduler) finishJobLocked(state *runState, jobID string, final models.JobState, jobErr string) {
	execution := state.run.Jobs[jobID]
	if execution.State.Terminal() {
		return
	}

	now := time.Now().UTC()

	execution.State = final
	execution.Error = jobErr
	execution.FinishedAt = &now

	var duration time.Duration
	if execution.StartedAt != nil {
		duration = now.Sub(*execution.StartedAt)
	}

	s.logger.Info("Job finished",
		"run_id", state.run.ID,
		"job_id", jobID,
		"state", final,
		"error", jobErr,
	)

	s.publish(state.ctx, state.run.ID, events.JobFinished{
		BaseEvent: events.NewBaseEvent(events.JobFinishedEvent, state.run.ID),
		JobID:     jobID,
		State:     final,
		Error:     jobErr,
		Duration:  duration,
	})
}

// cancelDependentsLocked propagates fail-fast: every undispatched job that
// transitively needs a Failed or Cancelled job is Cancelled without ever
// reserving a runner.
func (s *Scheduler) cancelDependentsLocked(state *runState) {
	for changed := true; changed; {
		changed = false

		for _, jobID := range state.run.JobOrder {
			execution := state.run.Jobs[jobID]
			if execution.State != models.JobStatePending || state.dispatched[jobID] {
				continue
			}

			for _, need := range state.definition.Jobs[jobID].Needs {
				needState := state.run.Jobs[need].State
				if needState == models.JobStateFailed || needState == models.JobStateCancelled {
					state.dispatched[jobID] = true
					s.finishJobLocked(state, jobID, models.JobStateCancelled,
						fmt.Sprintf("dependency %q did not succeed", need))

					changed = true

					break
				}
			}
		}
	}
}

// maybeFinishRunLocked finalizes the run once every job is terminal: it
// stamps FinishedAt, emits RunFinished, persists the terminal snapshot, and
// evicts the live state. Callers persist any intermediate transition before
// calling, so this is always the last step of a locked section.
func (s *Scheduler) maybeFinishRunLocked(state *runState) {
	if state.run.FinishedAt != nil || !state.run.Terminal() {
		return
	}

	now := time.Now().UTC()
	state.run.FinishedAt = &now

	status := state.run.Status()

	s.logger.Info("Run finished",
		"run_id", state.run.ID,
		"workflow_id", state.run.WorkflowID,
		"status", status,
	)

	s.publish(state.ctx, state.run.ID, events.RunFinished{
		BaseEvent: events.NewBaseEvent(events.RunFinishedEvent, state.run.ID),
		Status:    status,
		Duration:  now.Sub(state.run.CreatedAt),
	})

	if s.gates != nil {
		s.gates.Discard(state.run.ID)
	}

	s.persistLocked(state)

	// The terminal snapshot is stored; drop the live entry so the run map
	// does not grow with finished runs. Queries fall back to persistence.
	delete(s.runs, state.run.ID)

	state.cancel()
	close(state.done)
}

func (s *Scheduler) persistLocked(state *runState) {
	if s.store == nil {
		return
	}

	if err := s.store.SaveRun(context.Background(), cloneRun(state.run)); err != nil {
		s.logger.Error("Failed to persist run", "run_id", state.run.ID, "error", err)
	}
}

func (s *Scheduler) publish(ctx context.Context, key string, event eventbus.Event) {
	if s.publisher == nil {
		return
	}

	if err := s.publisher.Publish(ctx, key, event); err != nil {
		s.logger.Error("Failed to publish lifecycle event", "error", err, "event_type", event.GetType())
	}
}
