package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sicko7947/ensemble-go"
	"github.com/sicko7947/ensemble-go/engine"
	"github.com/sicko7947/ensemble-go/example/selfcorrect"
	"github.com/sicko7947/ensemble-go/store"
)

// Shared state used by the HTTP handlers
var (
	ensEngine  *engine.Engine
	definition *ensemble.Definition
)

// ReadableStepExecution wraps StepExecution with decoded input/output
type ReadableStepExecution struct {
	*ensemble.StepExecution
	Input  json.RawMessage `json:"input,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
}

// RunStatus represents the current status of an ensemble run
type RunStatus struct {
	*ensemble.EnsembleRun
	Input          json.RawMessage          `json:"input,omitempty"`
	StepExecutions []*ReadableStepExecution `json:"stepExecutions,omitempty"`
	ScoreHistory   []*ensemble.ScoreRecord  `json:"scoreHistory,omitempty"`
}

// initializeApp wires the store, registry, definition, and engine
func initializeApp() {
	ensembleStore := store.NewMemoryStore()

	registry, err := selfcorrect.NewRegistry()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build registry")
	}

	definition, err = selfcorrect.NewDefinition()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build self-correct ensemble")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})

	ensEngine = engine.NewEngine(
		ensembleStore,
		registry,
		engine.WithLogger(log.Logger),
		engine.WithConfig(ensemble.EngineConfig{
			MaxConcurrentRuns: 50,
			DefaultTimeout:    1 * time.Minute,
		}),
	)

	log.Info().Msg("Ensemble engine initialized successfully")
}

// registerRoutes registers all HTTP routes
func registerRoutes(app *fiber.App) {
	app.Get("/health", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "healthy",
			"service": "selfcorrect-draft",
			"version": "1.0.0",
		})
	})

	app.Get("/", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"service":     "Self-Correcting Draft Pipeline",
			"version":     "1.0.0",
			"description": "Scoring-gated draft generation example",
			"endpoints": fiber.Map{
				"health":     "GET /health",
				"startRun":   "POST /api/v1/ensembles/selfcorrect",
				"getStatus":  "GET /api/v1/ensembles/:runId",
				"getScores":  "GET /api/v1/ensembles/:runId/scores",
				"cancelRun":  "POST /api/v1/ensembles/:runId/cancel",
			},
		})
	})

	v1 := app.Group("/api/v1")
	ensembles := v1.Group("/ensembles")

	ensembles.Post("/selfcorrect", handleStartRun)
	ensembles.Get("/:runId", handleGetStatus)
	ensembles.Get("/:runId/scores", handleGetScores)
	ensembles.Post("/:runId/cancel", handleCancelRun)
}

// handleStartRun starts a new self-correct ensemble run
func handleStartRun(c fiber.Ctx) error {
	var input selfcorrect.DraftInput
	if err := c.Bind().JSON(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	runID, err := ensEngine.StartEnsemble(
		c.Context(),
		definition,
		input,
		ensemble.WithTags(map[string]string{
			"type": "selfcorrect",
		}),
	)

	if err != nil {
		log.Error().Err(err).Msg("Failed to start ensemble run")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to start ensemble run",
		})
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"runId":   runID,
		"status":  "PENDING",
		"message": "Ensemble run started successfully",
	})
}

// handleGetStatus retrieves run status with step executions and scores
func handleGetStatus(c fiber.Ctx) error {
	runID := c.Params("runId")

	run, err := ensEngine.GetRun(c.Context(), runID)
	if err != nil {
		log.Error().Err(err).Str("runId", runID).Msg("Failed to get ensemble run")
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Ensemble run not found",
		})
	}

	stepExecs, err := ensEngine.GetStepExecutions(c.Context(), runID)
	if err != nil {
		log.Error().Err(err).Str("runId", runID).Msg("Failed to get step executions")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get step executions",
		})
	}

	scores, err := ensEngine.GetScoreHistory(c.Context(), runID)
	if err != nil {
		log.Error().Err(err).Str("runId", runID).Msg("Failed to get score history")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get score history",
		})
	}

	readableSteps := make([]*ReadableStepExecution, len(stepExecs))
	for i, step := range stepExecs {
		readableSteps[i] = &ReadableStepExecution{
			StepExecution: step,
		}
		if len(step.Input) > 0 {
			readableSteps[i].Input = json.RawMessage(step.Input)
		}
		if len(step.Output) > 0 {
			readableSteps[i].Output = json.RawMessage(step.Output)
		}
	}

	status := &RunStatus{
		EnsembleRun:    run,
		StepExecutions: readableSteps,
		ScoreHistory:   scores,
	}
	if len(run.Input) > 0 {
		status.Input = json.RawMessage(run.Input)
	}

	return c.JSON(status)
}

// handleGetScores retrieves the run's score history
func handleGetScores(c fiber.Ctx) error {
	runID := c.Params("runId")

	scores, err := ensEngine.GetScoreHistory(c.Context(), runID)
	if err != nil {
		log.Error().Err(err).Str("runId", runID).Msg("Failed to get score history")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get score history",
		})
	}

	return c.JSON(fiber.Map{
		"runId":  runID,
		"scores": scores,
	})
}

// handleCancelRun cancels a running ensemble
func handleCancelRun(c fiber.Ctx) error {
	runID := c.Params("runId")

	if err := ensEngine.Cancel(c.Context(), runID); err != nil {
		log.Error().Err(err).Str("runId", runID).Msg("Failed to cancel ensemble run")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to cancel ensemble run",
		})
	}

	return c.JSON(fiber.Map{
		"runId":   runID,
		"status":  "CANCELLED",
		"message": "Ensemble run cancelled successfully",
	})
}

func main() {
	initializeApp()

	app := fiber.New()
	registerRoutes(app)

	go func() {
		addr := ":3000"
		log.Info().Str("address", addr).Msg("Starting HTTP server")
		if err := app.Listen(addr); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	if err := app.ShutdownWithTimeout(5 * time.Second); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
