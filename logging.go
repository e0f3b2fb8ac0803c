package ensemble

import (
	"time"

	"github.com/rs/zerolog"
)

// Log event names
const (
	// Run-level events
	EventRunStarted   = "run_started"
	EventRunProgress  = "run_progress"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"

	// Step-level events
	EventStepStarted   = "step_started"
	EventStepRetrying  = "step_retrying"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"

	// Scoring events
	EventStepScored    = "step_scored"
	EventScoreRejected = "score_rejected"

	// State events
	EventStateCommitted = "state_committed"
	EventStateConflict  = "state_conflict"

	// Persistence events
	EventPersistenceError = "persistence_error"
)

// LogRunStarted logs when an ensemble run starts execution
func LogRunStarted(logger zerolog.Logger, runID, ensembleID, resourceID string) {
	logger.Info().
		Str("event", EventRunStarted).
		Str("run_id", runID).
		Str("ensemble_id", ensembleID).
		Str("resource_id", resourceID).
		Msg("Run started")
}

// LogRunProgress logs run execution progress
func LogRunProgress(logger zerolog.Logger, runID string, progress float64) {
	logger.Debug().
		Str("event", EventRunProgress).
		Str("run_id", runID).
		Float64("progress", progress).
		Msg("Run progress updated")
}

// LogRunCompleted logs successful run completion
func LogRunCompleted(logger zerolog.Logger, runID string, duration time.Duration, quality *QualityMetrics) {
	evt := logger.Info().
		Str("event", EventRunCompleted).
		Str("run_id", runID).
		Dur("duration", duration)
	if quality != nil {
		evt = evt.
			Float64("ensemble_score", quality.EnsembleScore).
			Float64("pass_rate", quality.PassRate).
			Int("total_evaluations", quality.TotalEvaluations)
	}
	evt.Msg("Run completed")
}

// LogRunFailed logs run failure
func LogRunFailed(logger zerolog.Logger, runID string, err error) {
	logger.Error().
		Str("event", EventRunFailed).
		Str("run_id", runID).
		Err(err).
		Msg("Run failed")
}

// LogRunCancelled logs run cancellation
func LogRunCancelled(logger zerolog.Logger, runID string) {
	logger.Warn().
		Str("event", EventRunCancelled).
		Str("run_id", runID).
		Msg("Run cancelled")
}

// LogStepStarted logs when a step starts execution
func LogStepStarted(logger zerolog.Logger, runID, stepID, operation string) {
	logger.Info().
		Str("event", EventStepStarted).
		Str("run_id", runID).
		Str("step_id", stepID).
		Str("operation", operation).
		Msg("Step started")
}

// LogStepRetrying logs when a step is retried after a below-minimum score
func LogStepRetrying(logger zerolog.Logger, runID, stepID string, attempt int, score float64, delay time.Duration) {
	logger.Warn().
		Str("event", EventStepRetrying).
		Str("run_id", runID).
		Str("step_id", stepID).
		Int("attempt", attempt).
		Float64("score", score).
		Dur("delay", delay).
		Msg("Step retrying")
}

// LogStepCompleted logs successful step completion
func LogStepCompleted(logger zerolog.Logger, runID, stepID string, durationMs int64, outcome OutcomeStatus) {
	logger.Info().
		Str("event", EventStepCompleted).
		Str("run_id", runID).
		Str("step_id", stepID).
		Int64("duration_ms", durationMs).
		Str("outcome", outcome.String()).
		Msg("Step completed")
}

// LogStepFailed logs step failure
func LogStepFailed(logger zerolog.Logger, runID, stepID string, err error, attempt int) {
	logger.Error().
		Str("event", EventStepFailed).
		Str("run_id", runID).
		Str("step_id", stepID).
		Err(err).
		Int("attempt", attempt).
		Msg("Step failed")
}

// LogStepSkipped logs when a conditional step is skipped
func LogStepSkipped(logger zerolog.Logger, runID, stepID, reason string) {
	logger.Info().
		Str("event", EventStepSkipped).
		Str("run_id", runID).
		Str("step_id", stepID).
		Str("reason", reason).
		Msg("Step skipped")
}

// LogStepScored logs every evaluation outcome, passing or not
func LogStepScored(logger zerolog.Logger, runID, stepID string, rec *ScoreRecord, band ScoreBand) {
	logger.Info().
		Str("event", EventStepScored).
		Str("run_id", runID).
		Str("step_id", stepID).
		Float64("score", rec.Score).
		Bool("passed", rec.Passed).
		Int("attempt", rec.Attempt).
		Str("band", string(band)).
		Msg("Step scored")
}

// LogScoreRejected logs an evaluator contract violation
func LogScoreRejected(logger zerolog.Logger, runID, stepID, evaluator string, err error) {
	logger.Error().
		Str("event", EventScoreRejected).
		Str("run_id", runID).
		Str("step_id", stepID).
		Str("evaluator", evaluator).
		Err(err).
		Msg("Evaluator returned an invalid score")
}

// LogStateCommitted logs an applied state commit
func LogStateCommitted(logger zerolog.Logger, runID, stepID string, keys []string) {
	logger.Debug().
		Str("event", EventStateCommitted).
		Str("run_id", runID).
		Str("step_id", stepID).
		Strs("keys", keys).
		Msg("State committed")
}

// LogStateConflict logs a rejected parallel state commit
func LogStateConflict(logger zerolog.Logger, runID string, err error) {
	logger.Error().
		Str("event", EventStateConflict).
		Str("run_id", runID).
		Err(err).
		Msg("State conflict")
}

// LogPersistenceError logs errors during persistence operations
func LogPersistenceError(logger zerolog.Logger, runID, operation string, err error) {
	logger.Error().
		Str("event", EventPersistenceError).
		Str("run_id", runID).
		Str("operation", operation).
		Err(err).
		Msg("Persistence error")
}

// RunLogger creates a logger enriched with run context
func RunLogger(baseLogger zerolog.Logger, runID, ensembleID, resourceID string) zerolog.Logger {
	return baseLogger.With().
		Str("run_id", runID).
		Str("ensemble_id", ensembleID).
		Str("resource_id", resourceID).
		Logger()
}

// StepLogger creates a logger enriched with step context
func StepLogger(runLogger zerolog.Logger, stepID, operation string, attempt int) zerolog.Logger {
	return runLogger.With().
		Str("step_id", stepID).
		Str("operation", operation).
		Int("attempt", attempt).
		Logger()
}
