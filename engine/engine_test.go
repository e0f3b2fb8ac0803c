package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sicko7947/ensemble-go"
	"github.com/sicko7947/ensemble-go/builder"
	"github.com/sicko7947/ensemble-go/store"
)

func newTestEngine(t *testing.T, registry *ensemble.Registry, opts ...EngineOption) (*Engine, ensemble.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	opts = append([]EngineOption{
		WithLogger(zerolog.Nop()),
		WithSleep(func(ctx context.Context, d time.Duration) error { return nil }),
	}, opts...)
	return NewEngine(st, registry, opts...), st
}

// echoOp returns a fixed JSON document and counts its invocations
func echoOp(name string, output string, calls *int32) ensemble.Operation {
	return ensemble.NewOperationFunc(name, func(ctx *ensemble.OperationContext, input json.RawMessage) (json.RawMessage, error) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		return json.RawMessage(output), nil
	})
}

func failingOp(name string) ensemble.Operation {
	return ensemble.NewOperationFunc(name, func(ctx *ensemble.OperationContext, input json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("upstream unavailable")
	})
}

// scriptedEvaluator returns scores[attempt-1], clamped to the last entry
func scriptedEvaluator(name string, scores []float64, feedback string) ensemble.Evaluator {
	return ensemble.NewEvaluatorFunc(name, func(ctx *ensemble.OperationContext, output json.RawMessage, criteria []ensemble.Criterion) (*ensemble.EvaluationResult, error) {
		i := ctx.Attempt - 1
		if i >= len(scores) {
			i = len(scores) - 1
		}
		return &ensemble.EvaluationResult{
			Breakdown:  map[string]float64{"quality": scores[i]},
			Feedback:   feedback,
			Confidence: 0.9,
		}, nil
	})
}

func retryScoring(evaluator string, limit int, backoff ensemble.BackoffStrategy) ensemble.ScoringConfig {
	return ensemble.ScoringConfig{
		Evaluator:  evaluator,
		Thresholds: ensemble.Thresholds{Minimum: 0.7, Target: 0.8, Excellent: 0.95},
		OnFailure:  ensemble.OnFailureRetry,
		RetryLimit: limit,
		Backoff:    backoff,
	}
}

func runSync(t *testing.T, e *Engine, def *ensemble.Definition, input any) (string, error) {
	t.Helper()
	return e.StartEnsemble(context.Background(), def, input, ensemble.WithSynchronous())
}

func TestEngine_SequentialStateThreading(t *testing.T) {
	registry := ensemble.NewRegistry()
	require.NoError(t, registry.RegisterOperation(ensemble.NewOperationFunc("produce",
		func(ctx *ensemble.OperationContext, input json.RawMessage) (json.RawMessage, error) {
			if err := ctx.State.Set("draft", "first pass"); err != nil {
				return nil, err
			}
			return json.RawMessage(`{"ok":true}`), nil
		})))
	require.NoError(t, registry.RegisterOperation(ensemble.NewOperationFunc("consume",
		func(ctx *ensemble.OperationContext, input json.RawMessage) (json.RawMessage, error) {
			var draft string
			ok, err := ctx.State.Get("draft", &draft)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, errors.New("draft missing")
			}
			return json.Marshal(map[string]string{"text": draft})
		})))

	def := builder.NewEnsemble("threading", "Threading").
		Then(builder.NewStep("produce", "produce").Sets("draft")).
		Then(builder.NewStep("consume", "consume").Uses("draft")).
		MustBuild()

	e, st := newTestEngine(t, registry)
	runID, err := runSync(t, e, def, map[string]any{})
	require.NoError(t, err)

	run, err := e.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, ensemble.RunStatusCompleted, run.Status)
	assert.Equal(t, 1.0, run.Progress)

	// Default run output is the map of step outputs
	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(run.Output, &out))
	assert.JSONEq(t, `{"text":"first pass"}`, string(out["consume"]))

	// Committed state was checkpointed
	doc, err := st.LoadState(context.Background(), runID, "draft")
	require.NoError(t, err)
	assert.JSONEq(t, `"first pass"`, string(doc))
}

func TestEngine_ConditionSkipsStep(t *testing.T) {
	registry := ensemble.NewRegistry()
	require.NoError(t, registry.RegisterOperation(echoOp("classify", `{"ready":true}`, nil)))
	var escalated int32
	require.NoError(t, registry.RegisterOperation(echoOp("escalate", `{"done":true}`, &escalated)))

	def := builder.NewEnsemble("gated", "Gated").
		Then(builder.NewStep("classify", "classify")).
		Then(builder.NewStep("escalate", "escalate").
			WithCondition(`${steps.classify.output.ready} == false`)).
		MustBuild()

	e, _ := newTestEngine(t, registry)
	runID, err := runSync(t, e, def, nil)
	require.NoError(t, err)

	assert.Equal(t, int32(0), atomic.LoadInt32(&escalated))

	execs, err := e.GetStepExecutions(context.Background(), runID)
	require.NoError(t, err)
	byID := make(map[string]*ensemble.StepExecution)
	for _, ex := range execs {
		byID[ex.StepID] = ex
	}
	require.Contains(t, byID, "escalate")
	assert.Equal(t, ensemble.StepStatusSkipped, byID["escalate"].Status)
	assert.Equal(t, ensemble.OutcomeSkipped, byID["escalate"].Outcome)

	run, err := e.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, ensemble.RunStatusCompleted, run.Status)
	assert.Equal(t, 1.0, run.Progress)
}

func TestEngine_ParallelIsolation(t *testing.T) {
	registry := ensemble.NewRegistry()
	require.NoError(t, registry.RegisterOperation(ensemble.NewOperationFunc("writer",
		func(ctx *ensemble.OperationContext, input json.RawMessage) (json.RawMessage, error) {
			if err := ctx.State.Set("count", 99); err != nil {
				return nil, err
			}
			return json.RawMessage(`{}`), nil
		})))
	require.NoError(t, registry.RegisterOperation(ensemble.NewOperationFunc("reader",
		func(ctx *ensemble.OperationContext, input json.RawMessage) (json.RawMessage, error) {
			var count int
			if _, err := ctx.State.Get("count", &count); err != nil {
				return nil, err
			}
			return json.Marshal(map[string]int{"observed": count})
		})))

	def := builder.NewEnsemble("isolation", "Isolation").
		WithInitial(map[string]any{"count": 1}).
		Parallel("fanout",
			builder.NewStep("writer", "writer").Sets("count"),
			builder.NewStep("reader", "reader").Uses("count"),
		).
		MustBuild()

	e, _ := newTestEngine(t, registry)
	runID, err := runSync(t, e, def, nil)
	require.NoError(t, err)

	run, err := e.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, ensemble.RunStatusCompleted, run.Status)

	// The reader observed the pre-group snapshot, not the sibling's write
	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(run.Output, &out))
	assert.JSONEq(t, `{"observed":1}`, string(out["reader"]))
}

func TestEngine_ParallelWriteConflict(t *testing.T) {
	registry := ensemble.NewRegistry()
	mk := func(name string, value int) ensemble.Operation {
		return ensemble.NewOperationFunc(name, func(ctx *ensemble.OperationContext, input json.RawMessage) (json.RawMessage, error) {
			// An undeclared write: allowed per view, conflicting at the merge
			if err := ctx.State.Set("shared", value); err != nil {
				return nil, err
			}
			return json.RawMessage(`{}`), nil
		})
	}
	require.NoError(t, registry.RegisterOperation(mk("left", 1)))
	require.NoError(t, registry.RegisterOperation(mk("right", 2)))

	def := builder.NewEnsemble("conflict", "Conflict").
		Parallel("fanout",
			builder.NewStep("left", "left"),
			builder.NewStep("right", "right"),
		).
		MustBuild()

	e, st := newTestEngine(t, registry)
	runID, err := runSync(t, e, def, nil)
	require.Error(t, err)

	var conflict *ensemble.StateConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "shared", conflict.Key)

	run, getErr := e.GetRun(context.Background(), runID)
	require.NoError(t, getErr)
	assert.Equal(t, ensemble.RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, ensemble.ErrCodeStateConflict, run.Error.Code)

	// Neither write reached the checkpointed state
	_, loadErr := st.LoadState(context.Background(), runID, "shared")
	assert.Error(t, loadErr)
}

func TestEngine_SequentialFallback(t *testing.T) {
	registry := ensemble.NewRegistry()
	require.NoError(t, registry.RegisterOperation(failingOp("primary")))
	var backupCalls int32
	require.NoError(t, registry.RegisterOperation(echoOp("backup", `{"source":"backup"}`, &backupCalls)))

	def := builder.NewEnsemble("fallback", "Fallback").
		Then(builder.NewStep("primary", "primary")).
		Then(builder.NewStep("backup", "backup").
			WithCondition(`${steps.primary.failed}`)).
		MustBuild()

	e, _ := newTestEngine(t, registry)
	runID, err := runSync(t, e, def, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&backupCalls))

	run, err := e.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, ensemble.RunStatusCompleted, run.Status)

	execs, err := e.GetStepExecutions(context.Background(), runID)
	require.NoError(t, err)
	byID := make(map[string]*ensemble.StepExecution)
	for _, ex := range execs {
		byID[ex.StepID] = ex
	}
	assert.Equal(t, ensemble.StepStatusFailed, byID["primary"].Status)
	assert.Equal(t, ensemble.StepStatusCompleted, byID["backup"].Status)
}

func TestEngine_ParallelMemberFallback(t *testing.T) {
	registry := ensemble.NewRegistry()
	require.NoError(t, registry.RegisterOperation(failingOp("flaky")))
	require.NoError(t, registry.RegisterOperation(echoOp("steady", `{"ok":true}`, nil)))
	var recovered int32
	require.NoError(t, registry.RegisterOperation(echoOp("recover", `{"ok":true}`, &recovered)))

	def := builder.NewEnsemble("parfallback", "ParFallback").
		Parallel("fanout",
			builder.NewStep("flaky", "flaky"),
			builder.NewStep("steady", "steady"),
		).
		Then(builder.NewStep("recover", "recover").
			WithCondition(`${steps.flaky.failed}`)).
		MustBuild()

	e, _ := newTestEngine(t, registry)
	runID, err := runSync(t, e, def, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&recovered))

	run, err := e.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, ensemble.RunStatusCompleted, run.Status)

	// The healthy sibling's output survived the member failure
	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(run.Output, &out))
	assert.Contains(t, out, "steady")
	assert.NotContains(t, out, "flaky")
}

func TestEngine_UnhandledFailureFailsRun(t *testing.T) {
	registry := ensemble.NewRegistry()
	require.NoError(t, registry.RegisterOperation(failingOp("primary")))
	require.NoError(t, registry.RegisterOperation(echoOp("next", `{}`, nil)))

	def := builder.NewEnsemble("nofallback", "NoFallback").
		Then(builder.NewStep("primary", "primary")).
		Then(builder.NewStep("next", "next")).
		MustBuild()

	e, _ := newTestEngine(t, registry)
	runID, err := runSync(t, e, def, nil)
	require.Error(t, err)

	run, getErr := e.GetRun(context.Background(), runID)
	require.NoError(t, getErr)
	assert.Equal(t, ensemble.RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, ensemble.ErrCodeExecutorFailure, run.Error.Code)
	assert.Equal(t, "primary", run.Error.Step)
}

func TestEngine_LoopIterationCap(t *testing.T) {
	registry := ensemble.NewRegistry()
	require.NoError(t, registry.RegisterOperation(ensemble.NewOperationFunc("bump",
		func(ctx *ensemble.OperationContext, input json.RawMessage) (json.RawMessage, error) {
			var count int
			if _, err := ctx.State.Get("count", &count); err != nil {
				return nil, err
			}
			if err := ctx.State.Set("count", count+1); err != nil {
				return nil, err
			}
			return json.Marshal(map[string]int{"count": count + 1})
		})))

	def := builder.NewEnsemble("loopcap", "LoopCap").
		WithInitial(map[string]any{"count": 0}).
		Loop("refine", "", 3,
			builder.NewStep("bump", "bump").Uses("count").Sets("count"),
		).
		MustBuild()

	e, _ := newTestEngine(t, registry)
	runID, err := runSync(t, e, def, nil)
	require.NoError(t, err)

	run, err := e.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, ensemble.RunStatusCompleted, run.Status)

	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(run.Output, &out))
	assert.JSONEq(t, `{"count":3}`, string(out["bump"]))
}

func TestEngine_LoopWhileStopsEarly(t *testing.T) {
	registry := ensemble.NewRegistry()
	var calls int32
	require.NoError(t, registry.RegisterOperation(ensemble.NewOperationFunc("bump",
		func(ctx *ensemble.OperationContext, input json.RawMessage) (json.RawMessage, error) {
			atomic.AddInt32(&calls, 1)
			var count int
			if _, err := ctx.State.Get("count", &count); err != nil {
				return nil, err
			}
			if err := ctx.State.Set("count", count+1); err != nil {
				return nil, err
			}
			return json.RawMessage(`{}`), nil
		})))

	def := builder.NewEnsemble("loopwhile", "LoopWhile").
		WithInitial(map[string]any{"count": 0}).
		Loop("refine", `${state.count} < 2`, 5,
			builder.NewStep("bump", "bump").Uses("count").Sets("count"),
		).
		MustBuild()

	e, _ := newTestEngine(t, registry)
	_, err := runSync(t, e, def, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestEngine_StepTimeout(t *testing.T) {
	registry := ensemble.NewRegistry()
	require.NoError(t, registry.RegisterOperation(ensemble.NewOperationFunc("slow",
		func(ctx *ensemble.OperationContext, input json.RawMessage) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})))

	def := builder.NewEnsemble("timeout", "Timeout").
		Then(builder.NewStep("slow", "slow").WithTimeout(20 * time.Millisecond)).
		MustBuild()

	e, _ := newTestEngine(t, registry)
	runID, err := runSync(t, e, def, nil)
	require.Error(t, err)
	assert.True(t, ensemble.IsTimeoutError(err))

	run, getErr := e.GetRun(context.Background(), runID)
	require.NoError(t, getErr)
	assert.Equal(t, ensemble.RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, ensemble.ErrCodeTimeout, run.Error.Code)
}

func TestEngine_OutputMapping(t *testing.T) {
	registry := ensemble.NewRegistry()
	require.NoError(t, registry.RegisterOperation(echoOp("draft", `{"text":"hello","words":1}`, nil)))

	def := builder.NewEnsemble("mapped", "Mapped").
		Then(builder.NewStep("draft", "draft")).
		WithOutput(map[string]any{
			"summary": "${steps.draft.output.text}",
			"topic":   "${input.topic}",
		}).
		MustBuild()

	e, _ := newTestEngine(t, registry)
	runID, err := runSync(t, e, def, map[string]string{"topic": "go"})
	require.NoError(t, err)

	run, err := e.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"summary":"hello","topic":"go"}`, string(run.Output))
}

func TestEngine_QualityMetricsOnCompletion(t *testing.T) {
	registry := ensemble.NewRegistry()
	require.NoError(t, registry.RegisterOperation(echoOp("draft", `{"text":"hi"}`, nil)))
	require.NoError(t, registry.RegisterEvaluator(scriptedEvaluator("quality", []float64{0.5, 0.9}, "expand")))

	def := builder.NewEnsemble("metrics", "Metrics").
		Then(builder.NewStep("draft", "draft").
			WithScoring(retryScoring("quality", 2, ensemble.BackoffFixed))).
		MustBuild()

	e, _ := newTestEngine(t, registry)
	runID, err := runSync(t, e, def, nil)
	require.NoError(t, err)

	run, err := e.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.NotNil(t, run.Quality)
	assert.Equal(t, 2, run.Quality.TotalEvaluations)
	assert.InDelta(t, 0.7, run.Quality.AverageScore, 1e-9)
	assert.InDelta(t, 0.5, run.Quality.PassRate, 1e-9)
	assert.InDelta(t, 0.9, run.Quality.EnsembleScore, 1e-9)
}

func TestEngine_ConcurrencyLimit(t *testing.T) {
	registry := ensemble.NewRegistry()
	require.NoError(t, registry.RegisterOperation(echoOp("noop", `{}`, nil)))

	def := builder.NewEnsemble("limited", "Limited").
		Then(builder.NewStep("noop", "noop")).
		MustBuild()

	e, st := newTestEngine(t, registry, WithConfig(ensemble.EngineConfig{
		MaxConcurrentRuns: 1,
		DefaultTimeout:    time.Minute,
	}))

	require.NoError(t, st.CreateRun(context.Background(), &ensemble.EnsembleRun{
		RunID:      "existing",
		EnsembleID: "limited",
		Status:     ensemble.RunStatusRunning,
		ResourceID: "res-1",
	}))

	_, err := e.StartEnsemble(context.Background(), def, nil,
		ensemble.WithResourceID("res-1"),
		ensemble.WithConcurrencyCheck(true),
		ensemble.WithSynchronous())
	require.Error(t, err)

	var ee *ensemble.EnsembleError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, ensemble.ErrCodeConcurrency, ee.Code)
}

func TestEngine_UnregisteredOperationRejected(t *testing.T) {
	registry := ensemble.NewRegistry()

	def := builder.NewEnsemble("missing", "Missing").
		Then(builder.NewStep("ghost", "ghost.op")).
		MustBuild()

	e, _ := newTestEngine(t, registry)
	_, err := runSync(t, e, def, nil)
	require.Error(t, err)

	var ee *ensemble.EnsembleError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, ensemble.ErrCodeValidation, ee.Code)
}

func TestEngine_CancelStoredRun(t *testing.T) {
	registry := ensemble.NewRegistry()
	e, st := newTestEngine(t, registry)

	require.NoError(t, st.CreateRun(context.Background(), &ensemble.EnsembleRun{
		RunID:      "orphan",
		EnsembleID: "any",
		Status:     ensemble.RunStatusRunning,
		StartedAt:  ensemble.ToPtr(time.Now()),
	}))

	require.NoError(t, e.Cancel(context.Background(), "orphan"))

	run, err := e.GetRun(context.Background(), "orphan")
	require.NoError(t, err)
	assert.Equal(t, ensemble.RunStatusCancelled, run.Status)

	// Terminal runs cannot be cancelled again
	assert.Error(t, e.Cancel(context.Background(), "orphan"))
}

func TestEngine_TriggerAndTagsPersisted(t *testing.T) {
	registry := ensemble.NewRegistry()
	require.NoError(t, registry.RegisterOperation(echoOp("noop", `{}`, nil)))

	def := builder.NewEnsemble("meta", "Meta").
		Then(builder.NewStep("noop", "noop")).
		MustBuild()

	e, _ := newTestEngine(t, registry)
	runID, err := e.StartEnsemble(context.Background(), def, nil,
		ensemble.WithSynchronous(),
		ensemble.WithResourceID("res-9"),
		ensemble.WithTrigger("api", "user-42"),
		ensemble.WithTags(map[string]string{"env": "test"}))
	require.NoError(t, err)

	run, err := e.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, "res-9", run.ResourceID)
	require.NotNil(t, run.Trigger)
	assert.Equal(t, "api", run.Trigger.Type)
	assert.Equal(t, "user-42", run.Trigger.Source)
	assert.Equal(t, "test", run.Tags["env"])
}
