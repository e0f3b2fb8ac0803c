package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sicko7947/ensemble-go"
	"github.com/sicko7947/ensemble-go/expr"
)

// runAttempts executes one operation step through its attempt loop. Without
// scoring there is exactly one attempt. With scoring, every attempt's output
// is evaluated; a below-minimum score follows the configured policy, and the
// total number of attempts never exceeds retryLimit+1.
//
// Executor errors (operation error, timeout, panic) are never retried here;
// they take the standard error path immediately.
func (e *Engine) runAttempts(
	ctx context.Context,
	rs *runState,
	step *ensemble.StepSpec,
	view *ensemble.StateView,
) (*ensemble.StepOutcome, error) {
	op, err := e.registry.ResolveOperation(step.Operation)
	if err != nil {
		return nil, err
	}

	scoring := step.EffectiveScoring()
	var evaluator ensemble.Evaluator
	if scoring != nil {
		evaluator, err = e.registry.ResolveEvaluator(scoring.Evaluator)
		if err != nil {
			return nil, err
		}
	}

	maxAttempts := 1
	if scoring != nil && scoring.OnFailure == ensemble.OnFailureRetry {
		maxAttempts = scoring.RetryLimit + 1
	}

	now := time.Now()
	exec := &ensemble.StepExecution{
		RunID:     rs.run.RunID,
		StepID:    step.ID,
		Status:    ensemble.StepStatusPending,
		Attempt:   0,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateStepExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("failed to create step execution: %w", err)
	}

	delay := InitialRetryDelay
	var retry *expr.RetryInfo
	var feedbacks []string
	var lastRec *ensemble.ScoreRecord

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			exec.Status = ensemble.StepStatusRetrying
			exec.Attempt = attempt
			exec.UpdatedAt = time.Now()
			if err := e.store.UpdateStepExecution(ctx, exec); err != nil {
				ensemble.LogPersistenceError(rs.logger, rs.run.RunID, "update_step_execution", err)
			}
			ensemble.LogStepRetrying(rs.logger, rs.run.RunID, step.ID, attempt, lastRec.Score, delay)

			if err := e.sleep(ctx, delay); err != nil {
				return nil, err
			}
			delay = NextDelay(delay, scoring.Backoff)

			// A failed attempt's staged writes never reach the next one
			view.Reset()
		}

		input, err := e.resolveInput(rs, step, retry)
		if err != nil {
			return nil, &ensemble.ExecutorError{StepID: step.ID, Attempt: attempt, Err: err}
		}

		startedAt := time.Now()
		exec.Status = ensemble.StepStatusRunning
		exec.StartedAt = &startedAt
		exec.Attempt = attempt
		exec.Input = input
		exec.UpdatedAt = startedAt
		if err := e.store.UpdateStepExecution(ctx, exec); err != nil {
			ensemble.LogPersistenceError(rs.logger, rs.run.RunID, "update_step_execution", err)
		}
		ensemble.LogStepStarted(rs.logger, rs.run.RunID, step.ID, step.Operation)

		output, execErr := e.executeAttempt(ctx, rs, step, op, view, input, attempt)
		exec.DurationMs = time.Since(startedAt).Milliseconds()

		if execErr != nil {
			ensemble.LogStepFailed(rs.logger, rs.run.RunID, step.ID, execErr, attempt)
			e.finishExec(ctx, rs, exec, ensemble.StepStatusFailed, ensemble.OutcomeStatus(""), &ensemble.StepError{
				Message:   execErr.Error(),
				Code:      execErr.Code(),
				Timestamp: time.Now(),
				Attempt:   attempt,
			})
			return nil, execErr
		}

		if scoring == nil {
			exec.Output = output
			e.finishExec(ctx, rs, exec, ensemble.StepStatusCompleted, ensemble.OutcomePassed, nil)
			ensemble.LogStepCompleted(rs.logger, rs.run.RunID, step.ID, exec.DurationMs, ensemble.OutcomePassed)
			return &ensemble.StepOutcome{
				StepID:   step.ID,
				Status:   ensemble.OutcomePassed,
				Output:   output,
				Attempts: attempt,
			}, nil
		}

		exec.Status = ensemble.StepStatusScoring
		exec.UpdatedAt = time.Now()
		if err := e.store.UpdateStepExecution(ctx, exec); err != nil {
			ensemble.LogPersistenceError(rs.logger, rs.run.RunID, "update_step_execution", err)
		}

		rec, err := e.evaluateOutput(ctx, rs, step, scoring, evaluator, view, output, attempt)
		if err != nil {
			ensemble.LogScoreRejected(rs.logger, rs.run.RunID, step.ID, scoring.Evaluator, err)
			e.finishExec(ctx, rs, exec, ensemble.StepStatusFailed, ensemble.OutcomeStatus(""), &ensemble.StepError{
				Message:   err.Error(),
				Code:      ensemble.ErrCodeInvalidScore,
				Timestamp: time.Now(),
				Attempt:   attempt,
			})
			return nil, err
		}

		lastRec = rec
		exec.LastScore = rec
		ensemble.LogStepScored(rs.logger, rs.run.RunID, step.ID, rec, scoring.Thresholds.Band(rec.Score))

		if rec.Passed {
			exec.Output = output
			e.finishExec(ctx, rs, exec, ensemble.StepStatusCompleted, ensemble.OutcomePassed, nil)
			ensemble.LogStepCompleted(rs.logger, rs.run.RunID, step.ID, exec.DurationMs, ensemble.OutcomePassed)
			return &ensemble.StepOutcome{
				StepID:   step.ID,
				Status:   ensemble.OutcomePassed,
				Output:   output,
				Score:    rec,
				Attempts: attempt,
			}, nil
		}

		if rec.Feedback != "" {
			feedbacks = append(feedbacks, rec.Feedback)
		}

		switch scoring.OnFailure {
		case ensemble.OnFailureContinue:
			// The output is accepted as-is; downstream steps can inspect the
			// score history to react to the quality shortfall.
			exec.Output = output
			e.finishExec(ctx, rs, exec, ensemble.StepStatusCompleted, ensemble.OutcomeBelowThreshold, nil)
			ensemble.LogStepCompleted(rs.logger, rs.run.RunID, step.ID, exec.DurationMs, ensemble.OutcomeBelowThreshold)
			return &ensemble.StepOutcome{
				StepID:   step.ID,
				Status:   ensemble.OutcomeBelowThreshold,
				Output:   output,
				Score:    rec,
				Attempts: attempt,
			}, nil

		case ensemble.OnFailureAbort:
			e.finishExec(ctx, rs, exec, ensemble.StepStatusFailed, ensemble.OutcomeAborted, &ensemble.StepError{
				Message:   fmt.Sprintf("score %.3f below minimum %.3f", rec.Score, scoring.Thresholds.Minimum),
				Code:      ensemble.ErrCodeScoreBelowMinimum,
				Timestamp: time.Now(),
				Attempt:   attempt,
			})
			return nil, &ensemble.ScoringError{
				StepID:   step.ID,
				Score:    rec.Score,
				Minimum:  scoring.Thresholds.Minimum,
				Feedback: rec.Feedback,
				Attempt:  attempt,
			}

		default: // retry
			retry = &expr.RetryInfo{
				PreviousScore: rec.Score,
				Feedback:      rec.Feedback,
				Attempt:       attempt + 1,
			}
		}
	}

	// Retry budget exhausted
	e.finishExec(ctx, rs, exec, ensemble.StepStatusFailed, ensemble.OutcomeMaxRetriesExceeded, &ensemble.StepError{
		Message:   fmt.Sprintf("retry budget exhausted after %d attempts", maxAttempts),
		Code:      ensemble.ErrCodeMaxRetries,
		Timestamp: time.Now(),
		Attempt:   maxAttempts,
	})
	return nil, &ensemble.MaxRetriesError{
		StepID:    step.ID,
		Attempts:  maxAttempts,
		LastScore: lastRec,
		Feedback:  feedbacks,
	}
}

// executeAttempt runs the operation once with timeout and panic recovery
func (e *Engine) executeAttempt(
	ctx context.Context,
	rs *runState,
	step *ensemble.StepSpec,
	op ensemble.Operation,
	view *ensemble.StateView,
	input json.RawMessage,
	attempt int,
) (output json.RawMessage, execErr *ensemble.ExecutorError) {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.config.DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opCtx := &ensemble.OperationContext{
		Context: execCtx,
		RunID:   rs.run.RunID,
		StepID:  step.ID,
		Attempt: attempt,
		Logger:  ensemble.StepLogger(rs.logger, step.ID, step.Operation, attempt),
		State:   view,
	}

	var err error
	var panicked bool
	func() {
		defer func() {
			if r := recover(); r != nil {
				panicked = true
				err = fmt.Errorf("step panicked: %v", r)
				opCtx.Logger.Error().Interface("panic", r).Msg("Step panicked")
			}
		}()
		output, err = op.Execute(opCtx, input)
	}()

	if err != nil {
		return nil, &ensemble.ExecutorError{
			StepID:  step.ID,
			Attempt: attempt,
			Timeout: execCtx.Err() == context.DeadlineExceeded,
			Panic:   panicked,
			Err:     err,
		}
	}
	return output, nil
}

// evaluateOutput scores one attempt's output and appends the record to the
// history. Evaluator contract violations surface as InvalidScoreError.
func (e *Engine) evaluateOutput(
	ctx context.Context,
	rs *runState,
	step *ensemble.StepSpec,
	scoring *ensemble.ScoringConfig,
	evaluator ensemble.Evaluator,
	view *ensemble.StateView,
	output json.RawMessage,
	attempt int,
) (*ensemble.ScoreRecord, error) {
	evalCtx := &ensemble.OperationContext{
		Context: ctx,
		RunID:   rs.run.RunID,
		StepID:  step.ID,
		Attempt: attempt,
		Logger:  ensemble.StepLogger(rs.logger, step.ID, scoring.Evaluator, attempt),
		State:   view,
	}

	result, err := evaluator.Evaluate(evalCtx, output, scoring.Criteria)
	if err != nil {
		return nil, &ensemble.InvalidScoreError{Evaluator: scoring.Evaluator, Reason: err.Error()}
	}
	if result == nil {
		return nil, &ensemble.InvalidScoreError{Evaluator: scoring.Evaluator, Reason: "evaluator returned no result"}
	}
	if result.Confidence < 0 || result.Confidence > 1 {
		return nil, &ensemble.InvalidScoreError{
			Evaluator: scoring.Evaluator,
			Reason:    fmt.Sprintf("confidence %v outside [0,1]", result.Confidence),
		}
	}

	score, err := ensemble.CompositeScore(result.Breakdown, scoring.Criteria)
	if err != nil {
		return nil, &ensemble.InvalidScoreError{Evaluator: scoring.Evaluator, Reason: err.Error()}
	}

	rec := ensemble.ScoreRecord{
		StepID:     step.ID,
		Score:      score,
		Breakdown:  result.Breakdown,
		Feedback:   result.Feedback,
		Confidence: result.Confidence,
		Passed:     score >= scoring.Thresholds.Minimum,
		Attempt:    attempt,
		Timestamp:  time.Now(),
	}

	seq := rs.state.AppendScore(rec, step.EffectiveWeight())
	if err := e.store.SaveScoreRecord(ctx, rs.run.RunID, seq, &rec); err != nil {
		ensemble.LogPersistenceError(rs.logger, rs.run.RunID, "save_score_record", err)
	}

	return &rec, nil
}

// resolveInput builds the attempt's input document. Retry attempts get the
// prior evaluation threaded in: references like ${previousScore} resolve in
// the binding, and object inputs gain previousScore, feedback, and attempt
// fields unless the binding already set them.
func (e *Engine) resolveInput(rs *runState, step *ensemble.StepSpec, retry *expr.RetryInfo) (json.RawMessage, error) {
	var doc json.RawMessage

	if bind := step.CompiledInput(); bind != nil {
		v, err := bind.Resolve(rs.scope(retry))
		if err != nil {
			return nil, fmt.Errorf("resolve input: %w", err)
		}
		doc, err = json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal input: %w", err)
		}
	} else if len(rs.run.Input) > 0 {
		doc = rs.run.Input
	} else {
		doc = json.RawMessage("null")
	}

	if retry == nil {
		return doc, nil
	}

	var obj map[string]any
	if err := json.Unmarshal(doc, &obj); err != nil || obj == nil {
		// Non-object inputs carry no augmentation
		return doc, nil
	}
	if _, ok := obj["previousScore"]; !ok {
		obj["previousScore"] = retry.PreviousScore
	}
	if _, ok := obj["feedback"]; !ok {
		obj["feedback"] = retry.Feedback
	}
	if _, ok := obj["attempt"]; !ok {
		obj["attempt"] = retry.Attempt
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("augment retry input: %w", err)
	}
	return out, nil
}

// finishExec records a step execution's terminal status, best effort
func (e *Engine) finishExec(
	ctx context.Context,
	rs *runState,
	exec *ensemble.StepExecution,
	status ensemble.StepStatus,
	outcome ensemble.OutcomeStatus,
	stepErr *ensemble.StepError,
) {
	completedAt := time.Now()
	exec.Status = status
	exec.Outcome = outcome
	exec.Error = stepErr
	exec.CompletedAt = &completedAt
	exec.UpdatedAt = completedAt
	if err := e.store.UpdateStepExecution(ctx, exec); err != nil {
		ensemble.LogPersistenceError(rs.logger, rs.run.RunID, "update_step_execution", err)
	}
}
