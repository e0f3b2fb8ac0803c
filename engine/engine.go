package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sicko7947/ensemble-go"
	"github.com/sicko7947/ensemble-go/expr"
)

// Engine orchestrates ensemble execution: it walks the step tree in
// declaration order, threads the versioned state through steps, and drives
// the scoring-gated retry loop around each scored operation.
type Engine struct {
	store    ensemble.Store
	registry *ensemble.Registry
	logger   zerolog.Logger
	config   ensemble.EngineConfig

	// sleep is swapped out in tests so backoff delays don't slow them down
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// EngineOption configures the ensemble engine
type EngineOption func(*Engine)

// WithLogger sets a custom logger for the engine
func WithLogger(logger zerolog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithConfig sets a custom configuration for the engine
func WithConfig(config ensemble.EngineConfig) EngineOption {
	return func(e *Engine) {
		e.config = config
	}
}

// WithSleep overrides the retry delay function
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) EngineOption {
	return func(e *Engine) {
		e.sleep = sleep
	}
}

// NewEngine creates a new ensemble engine with optional configuration.
// If no logger is provided, a default stdout logger with Info level is used.
func NewEngine(store ensemble.Store, registry *ensemble.Registry, opts ...EngineOption) *Engine {
	defaultLogger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger().
		Level(zerolog.InfoLevel)

	eng := &Engine{
		store:    store,
		registry: registry,
		logger:   defaultLogger,
		config:   ensemble.DefaultEngineConfig,
		sleep:    sleepContext,
		cancels:  make(map[string]context.CancelFunc),
	}

	for _, opt := range opts {
		opt(eng)
	}

	return eng
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// StartEnsemble initiates an ensemble run. The definition is compiled on
// first use if the caller has not done so already.
func (e *Engine) StartEnsemble(
	ctx context.Context,
	def *ensemble.Definition,
	input interface{},
	opts ...ensemble.StartOption,
) (string, error) {
	if !def.IsCompiled() {
		if err := def.Compile(); err != nil {
			return "", ensemble.NewEnsembleError(ensemble.ErrCodeValidation, err.Error())
		}
	}
	if err := e.registry.ValidateDefinition(def); err != nil {
		return "", ensemble.NewEnsembleError(ensemble.ErrCodeValidation, err.Error())
	}

	options := &ensemble.StartOptions{}
	for _, opt := range opts {
		opt(options)
	}

	if options.CheckConcurrency && options.ResourceID != "" {
		running, err := e.store.CountRunsByStatus(ctx, options.ResourceID, ensemble.RunStatusRunning)
		if err != nil {
			return "", fmt.Errorf("failed to check concurrency: %w", err)
		}
		if running >= e.config.MaxConcurrentRuns {
			return "", ensemble.NewEnsembleError(ensemble.ErrCodeConcurrency,
				fmt.Sprintf("resource %s already has %d running ensembles", options.ResourceID, running))
		}
	}

	runID := uuid.New().String()

	inputBytes, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("failed to serialize ensemble input: %w", err)
	}

	now := time.Now()
	run := &ensemble.EnsembleRun{
		RunID:           runID,
		EnsembleID:      def.ID,
		EnsembleVersion: def.Version,
		Status:          ensemble.RunStatusPending,
		Progress:        0.0,
		CreatedAt:       now,
		UpdatedAt:       now,
		Input:           inputBytes,
		ResourceID:      options.ResourceID,
		Trigger: &ensemble.TriggerInfo{
			Type:      options.TriggerType,
			Source:    options.TriggerSource,
			Timestamp: now,
		},
		Tags: options.Tags,
	}

	if options.TTL > 0 {
		run.TTL = time.Now().Add(options.TTL).Unix()
	}

	if err := e.store.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("failed to create ensemble run: %w", err)
	}

	ensemble.LogRunStarted(e.logger, runID, def.ID, options.ResourceID)

	if !options.Synchronous {
		go e.executeRun(context.Background(), def, run) //nolint:errcheck
		return runID, nil
	}
	return runID, e.executeRun(ctx, def, run)
}

// runState carries the in-flight execution of one run
type runState struct {
	def    *ensemble.Definition
	run    *ensemble.EnsembleRun
	state  *ensemble.StateManager
	logger zerolog.Logger

	mu              sync.Mutex
	outputs         map[string]json.RawMessage
	failed          map[string]bool
	completedLeaves int
}

// scope snapshots the run into an expression evaluation scope
func (rs *runState) scope(retry *expr.RetryInfo) *expr.Scope {
	rs.mu.Lock()
	outputs := make(map[string]json.RawMessage, len(rs.outputs))
	for k, v := range rs.outputs {
		outputs[k] = v
	}
	failed := make(map[string]bool, len(rs.failed))
	for k, v := range rs.failed {
		failed[k] = v
	}
	rs.mu.Unlock()

	return &expr.Scope{
		Input:   rs.run.Input,
		Outputs: outputs,
		Failed:  failed,
		State:   rs.state.Snapshot(),
		Env:     os.Getenv,
		Retry:   retry,
	}
}

func (rs *runState) recordOutput(stepID string, output json.RawMessage) {
	rs.mu.Lock()
	rs.outputs[stepID] = output
	rs.failed[stepID] = false
	rs.mu.Unlock()
}

func (rs *runState) markFailed(stepID string) {
	rs.mu.Lock()
	rs.failed[stepID] = true
	rs.mu.Unlock()
}

// leafDone advances progress by one operation step
func (rs *runState) leafDone() float64 {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.completedLeaves++
	total := rs.def.LeafCount()
	if total == 0 || rs.completedLeaves >= total {
		return 1.0
	}
	return float64(rs.completedLeaves) / float64(total)
}

// executeRun drives a run to a terminal state
func (e *Engine) executeRun(ctx context.Context, def *ensemble.Definition, run *ensemble.EnsembleRun) error {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancels[run.RunID] = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.cancels, run.RunID)
		e.mu.Unlock()
	}()

	runLogger := ensemble.RunLogger(e.logger, run.RunID, run.EnsembleID, run.ResourceID)

	startTime := time.Now()
	run.Status = ensemble.RunStatusRunning
	run.StartedAt = &startTime
	run.UpdatedAt = startTime
	if err := e.store.UpdateRun(ctx, run); err != nil {
		ensemble.LogPersistenceError(runLogger, run.RunID, "update_run", err)
		return err
	}

	state, err := ensemble.NewStateManager(def.Initial)
	if err != nil {
		return e.failRun(ctx, runLogger, run, nil, err)
	}

	rs := &runState{
		def:     def,
		run:     run,
		state:   state,
		logger:  runLogger,
		outputs: make(map[string]json.RawMessage),
		failed:  make(map[string]bool),
	}

	if err := e.runSequence(ctx, rs, def.Steps); err != nil {
		if errors.Is(err, context.Canceled) {
			return e.cancelRun(context.WithoutCancel(ctx), runLogger, run, rs)
		}
		return e.failRun(context.WithoutCancel(ctx), runLogger, run, rs, err)
	}

	output, err := e.resolveOutput(rs)
	if err != nil {
		return e.failRun(ctx, runLogger, run, rs, err)
	}
	run.Output = output

	return e.completeRun(ctx, runLogger, run, rs)
}

// resolveOutput evaluates the definition's output mapping; without one the
// run output is the map of step outputs keyed by step ID.
func (e *Engine) resolveOutput(rs *runState) (json.RawMessage, error) {
	if bind := rs.def.CompiledOutput(); bind != nil {
		v, err := bind.Resolve(rs.scope(nil))
		if err != nil {
			return nil, fmt.Errorf("output mapping: %w", err)
		}
		doc, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("output mapping: %w", err)
		}
		return doc, nil
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	doc, err := json.Marshal(rs.outputs)
	if err != nil {
		return nil, fmt.Errorf("marshal step outputs: %w", err)
	}
	return doc, nil
}

// runSequence executes steps in declaration order
func (e *Engine) runSequence(ctx context.Context, rs *runState, steps []ensemble.StepSpec) error {
	for i := range steps {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := e.runStep(ctx, rs, &steps[i]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) runStep(ctx context.Context, rs *runState, step *ensemble.StepSpec) error {
	proceed, err := e.evalCondition(rs, step)
	if err != nil {
		return err
	}
	if !proceed {
		return e.skipStep(ctx, rs, step)
	}

	switch step.Kind() {
	case ensemble.StepKindParallel:
		return e.runParallelGroup(ctx, rs, step)
	case ensemble.StepKindLoop:
		return e.runLoop(ctx, rs, step)
	default:
		return e.runOperationStep(ctx, rs, step)
	}
}

// evalCondition evaluates a step's gate. A missing condition proceeds.
func (e *Engine) evalCondition(rs *runState, step *ensemble.StepSpec) (bool, error) {
	cond := step.CompiledCondition()
	if cond == nil {
		return true, nil
	}
	ok, err := cond.EvalBool(rs.scope(nil))
	if err != nil {
		return false, &ensemble.ConditionError{StepID: step.ID, Expr: cond.Source(), Err: err}
	}
	return ok, nil
}

// skipStep records skipped execution for every operation step under the node
func (e *Engine) skipStep(ctx context.Context, rs *runState, step *ensemble.StepSpec) error {
	switch step.Kind() {
	case ensemble.StepKindParallel:
		for i := range step.Parallel {
			if err := e.skipStep(ctx, rs, &step.Parallel[i]); err != nil {
				return err
			}
		}
	case ensemble.StepKindLoop:
		for i := range step.Steps {
			if err := e.skipStep(ctx, rs, &step.Steps[i]); err != nil {
				return err
			}
		}
	default:
		now := time.Now()
		exec := &ensemble.StepExecution{
			RunID:       rs.run.RunID,
			StepID:      step.ID,
			Status:      ensemble.StepStatusSkipped,
			Outcome:     ensemble.OutcomeSkipped,
			CompletedAt: &now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := e.store.CreateStepExecution(ctx, exec); err != nil {
			ensemble.LogPersistenceError(rs.logger, rs.run.RunID, "create_step_execution", err)
		}
		ensemble.LogStepSkipped(rs.logger, rs.run.RunID, step.ID, "condition evaluated to false")
		e.updateProgress(ctx, rs)
	}
	return nil
}

// runOperationStep executes one operation step with its scoring-gated
// attempt loop and commits its staged state on success.
func (e *Engine) runOperationStep(ctx context.Context, rs *runState, step *ensemble.StepSpec) error {
	view := rs.state.ViewFor(step.ID, step.Use, step.Set)

	outcome, err := e.runAttempts(ctx, rs, step, view)
	if err != nil {
		rs.state.Discard(view)

		var execErr *ensemble.ExecutorError
		if errors.As(err, &execErr) && rs.def.FallbackHandled(step.ID) {
			// A later step's condition observes this failure, so the run
			// continues with the flag set and the staged writes dropped.
			rs.markFailed(step.ID)
			rs.logger.Warn().
				Str("step_id", step.ID).
				Err(err).
				Msg("Step failed, continuing to fallback")
			e.updateProgress(ctx, rs)
			return nil
		}
		return err
	}

	if err := rs.state.Commit(view); err != nil {
		return err
	}
	e.checkpointState(ctx, rs, step.ID, view.Staged())

	if outcome.Output != nil {
		rs.recordOutput(step.ID, outcome.Output)
		if err := e.store.SaveStepOutput(ctx, rs.run.RunID, step.ID, outcome.Output); err != nil {
			ensemble.LogPersistenceError(rs.logger, rs.run.RunID, "save_step_output", err)
		}
	}

	e.updateProgress(ctx, rs)
	return nil
}

// parallelResult collects one member's outcome for the barrier join
type parallelResult struct {
	step    *ensemble.StepSpec
	view    *ensemble.StateView
	outcome *ensemble.StepOutcome
	err     error
	skipped bool
}

// runParallelGroup runs the members concurrently over isolated views of the
// same state snapshot, waits for all of them, and commits their writes as one
// atomic merge. Any overlap between actual writes rejects the whole commit.
func (e *Engine) runParallelGroup(ctx context.Context, rs *runState, group *ensemble.StepSpec) error {
	results := make([]parallelResult, len(group.Parallel))

	// Member conditions are evaluated against the pre-group snapshot
	for i := range group.Parallel {
		member := &group.Parallel[i]
		results[i].step = member
		proceed, err := e.evalCondition(rs, member)
		if err != nil {
			return err
		}
		results[i].skipped = !proceed
	}

	g := new(errgroup.Group)
	for i := range results {
		if results[i].skipped {
			continue
		}
		res := &results[i]
		res.view = rs.state.ViewFor(res.step.ID, res.step.Use, res.step.Set)
		g.Go(func() error {
			res.outcome, res.err = e.runAttempts(ctx, rs, res.step, res.view)
			return nil
		})
	}
	// Siblings always run to completion before the outcome is decided
	_ = g.Wait()

	var fatal error
	for i := range results {
		res := &results[i]
		if res.err == nil {
			continue
		}
		var execErr *ensemble.ExecutorError
		if errors.As(res.err, &execErr) && rs.def.FallbackHandled(res.step.ID) {
			continue
		}
		if fatal == nil {
			fatal = res.err
		}
	}

	if fatal != nil {
		for i := range results {
			if results[i].view != nil {
				rs.state.Discard(results[i].view)
			}
		}
		return fatal
	}

	var views []*ensemble.StateView
	for i := range results {
		res := &results[i]
		if res.err == nil && !res.skipped {
			views = append(views, res.view)
		}
	}
	if err := rs.state.CommitAll(views); err != nil {
		ensemble.LogStateConflict(rs.logger, rs.run.RunID, err)
		return err
	}

	for i := range results {
		res := &results[i]
		switch {
		case res.skipped:
			if err := e.skipStep(ctx, rs, res.step); err != nil {
				return err
			}
		case res.err != nil:
			rs.state.Discard(res.view)
			rs.markFailed(res.step.ID)
			rs.logger.Warn().
				Str("step_id", res.step.ID).
				Err(res.err).
				Msg("Parallel member failed, continuing to fallback")
			e.updateProgress(ctx, rs)
		default:
			e.checkpointState(ctx, rs, res.step.ID, res.view.Staged())
			if res.outcome.Output != nil {
				rs.recordOutput(res.step.ID, res.outcome.Output)
				if err := e.store.SaveStepOutput(ctx, rs.run.RunID, res.step.ID, res.outcome.Output); err != nil {
					ensemble.LogPersistenceError(rs.logger, rs.run.RunID, "save_step_output", err)
				}
			}
			e.updateProgress(ctx, rs)
		}
	}
	return nil
}

// runLoop re-executes the body until While turns false or the iteration cap
// is reached, whichever comes first.
func (e *Engine) runLoop(ctx context.Context, rs *runState, loop *ensemble.StepSpec) error {
	for iter := 1; iter <= loop.Loop.MaxIterations; iter++ {
		if while := loop.Loop.CompiledWhile(); while != nil {
			proceed, err := while.EvalBool(rs.scope(nil))
			if err != nil {
				return &ensemble.ConditionError{StepID: loop.ID, Expr: while.Source(), Err: err}
			}
			if !proceed {
				return nil
			}
		}

		rs.logger.Debug().
			Str("step_id", loop.ID).
			Int("iteration", iter).
			Int("max_iterations", loop.Loop.MaxIterations).
			Msg("Loop iteration")

		if err := e.runSequence(ctx, rs, loop.Steps); err != nil {
			return err
		}
	}
	return nil
}

// checkpointState persists committed state keys, best effort
func (e *Engine) checkpointState(ctx context.Context, rs *runState, stepID string, staged map[string]json.RawMessage) {
	if len(staged) == 0 {
		return
	}
	keys := make([]string, 0, len(staged))
	for key, doc := range staged {
		keys = append(keys, key)
		if err := e.store.SaveState(ctx, rs.run.RunID, key, doc); err != nil {
			ensemble.LogPersistenceError(rs.logger, rs.run.RunID, "save_state", err)
		}
	}
	sort.Strings(keys)
	ensemble.LogStateCommitted(rs.logger, rs.run.RunID, stepID, keys)
}

func (e *Engine) updateProgress(ctx context.Context, rs *runState) {
	progress := rs.leafDone()
	rs.run.Progress = progress
	rs.run.UpdatedAt = time.Now()
	if err := e.store.UpdateRun(ctx, rs.run); err != nil {
		ensemble.LogPersistenceError(rs.logger, rs.run.RunID, "update_run", err)
	}
	ensemble.LogRunProgress(rs.logger, rs.run.RunID, progress)
}

// completeRun marks the run as completed with its derived quality metrics
func (e *Engine) completeRun(ctx context.Context, logger zerolog.Logger, run *ensemble.EnsembleRun, rs *runState) error {
	completedAt := time.Now()
	run.Status = ensemble.RunStatusCompleted
	run.Progress = 1.0
	run.CompletedAt = &completedAt
	run.UpdatedAt = completedAt
	run.Quality = rs.state.Metrics()

	if err := e.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("failed to update run on completion: %w", err)
	}

	ensemble.LogRunCompleted(logger, run.RunID, completedAt.Sub(*run.StartedAt), run.Quality)
	return nil
}

// failRun marks the run as failed, preserving scoring context on the error
func (e *Engine) failRun(ctx context.Context, logger zerolog.Logger, run *ensemble.EnsembleRun, rs *runState, err error) error {
	completedAt := time.Now()
	run.Status = ensemble.RunStatusFailed
	run.CompletedAt = &completedAt
	run.UpdatedAt = completedAt
	run.Error = ensemble.ToEnsembleError(err)
	if rs != nil {
		run.Quality = rs.state.Metrics()
	}

	if updateErr := e.store.UpdateRun(ctx, run); updateErr != nil {
		ensemble.LogPersistenceError(logger, run.RunID, "update_run", updateErr)
	}

	ensemble.LogRunFailed(logger, run.RunID, err)
	return err
}

// cancelRun marks the run as cancelled
func (e *Engine) cancelRun(ctx context.Context, logger zerolog.Logger, run *ensemble.EnsembleRun, rs *runState) error {
	completedAt := time.Now()
	run.Status = ensemble.RunStatusCancelled
	run.CompletedAt = &completedAt
	run.UpdatedAt = completedAt
	run.Error = ensemble.NewEnsembleError(ensemble.ErrCodeCancelled, "run cancelled")
	if rs != nil {
		run.Quality = rs.state.Metrics()
	}

	if err := e.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("failed to update run on cancellation: %w", err)
	}

	ensemble.LogRunCancelled(logger, run.RunID)
	return nil
}

// GetRun retrieves an ensemble run
func (e *Engine) GetRun(ctx context.Context, runID string) (*ensemble.EnsembleRun, error) {
	return e.store.GetRun(ctx, runID)
}

// GetStepExecutions retrieves all step executions for a run
func (e *Engine) GetStepExecutions(ctx context.Context, runID string) ([]*ensemble.StepExecution, error) {
	return e.store.ListStepExecutions(ctx, runID)
}

// GetScoreHistory retrieves the persisted score history for a run in
// evaluation order
func (e *Engine) GetScoreHistory(ctx context.Context, runID string) ([]*ensemble.ScoreRecord, error) {
	return e.store.ListScoreRecords(ctx, runID)
}

// Cancel cancels a running ensemble. The in-flight executor is signalled via
// its context and the run is marked cancelled once it stops.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}

	if run.Status.IsTerminal() {
		return fmt.Errorf("cannot cancel ensemble in %s state", run.Status)
	}

	e.mu.Lock()
	cancel, running := e.cancels[runID]
	e.mu.Unlock()
	if running {
		cancel()
		return nil
	}

	return e.cancelRun(ctx, e.logger, run, nil)
}

// ListRuns lists ensemble runs with filtering
func (e *Engine) ListRuns(ctx context.Context, filter ensemble.RunFilter) ([]*ensemble.EnsembleRun, error) {
	return e.store.ListRuns(ctx, filter)
}
