// Package selfcorrect is an example ensemble: a drafting pipeline that scores
// each draft and feeds the evaluator's feedback into retry attempts until the
// quality threshold is met.
package selfcorrect

import (
	"fmt"
	"strings"

	"github.com/sicko7947/ensemble-go"
	"github.com/sicko7947/ensemble-go/builder"
)

// DraftInput is the input for the draft generation step. On retries the
// engine fills PreviousScore, Feedback, and Attempt from the last evaluation.
type DraftInput struct {
	Topic         string  `json:"topic"`
	MinWords      int     `json:"minWords"`
	PreviousScore float64 `json:"previousScore,omitempty"`
	Feedback      string  `json:"feedback,omitempty"`
	Attempt       int     `json:"attempt,omitempty"`
}

// Draft is the generation step's output
type Draft struct {
	Text      string `json:"text"`
	WordCount int    `json:"wordCount"`
	Revision  int    `json:"revision"`
}

// AnalysisInput feeds the parallel analysis steps
type AnalysisInput struct {
	Text string `json:"text"`
}

// ToneReport is the tone analysis output
type ToneReport struct {
	Tone      string  `json:"tone"`
	Certainty float64 `json:"certainty"`
}

// ReadabilityReport is the readability analysis output
type ReadabilityReport struct {
	Grade     float64 `json:"grade"`
	Sentences int     `json:"sentences"`
}

// SummaryInput feeds the final summary step
type SummaryInput struct {
	Text string `json:"text"`
	Tone string `json:"tone"`
}

// Summary is the pipeline's final output
type Summary struct {
	Topic    string `json:"topic"`
	Text     string `json:"text"`
	Tone     string `json:"tone"`
	Verdict  string `json:"verdict"`
	Attempts int    `json:"attempts"`
}

// NewRegistry builds the operation and evaluator registry for the pipeline
func NewRegistry() (*ensemble.Registry, error) {
	reg := ensemble.NewRegistry()

	generate := ensemble.NewOperation("draft.generate",
		func(ctx *ensemble.OperationContext, in DraftInput) (Draft, error) {
			if in.Topic == "" {
				return Draft{}, fmt.Errorf("topic is required")
			}

			// Each revision expands the draft; the feedback from the prior
			// evaluation names what was missing.
			text := fmt.Sprintf("An overview of %s.", in.Topic)
			for i := 1; i < ctx.Attempt; i++ {
				text += fmt.Sprintf(" Expanded detail on %s, round %d.", in.Topic, i+1)
			}
			if ctx.IsRetry() {
				ctx.Logger.Info().
					Str("feedback", in.Feedback).
					Float64("previous_score", in.PreviousScore).
					Msg("Revising draft")
			}

			draft := Draft{
				Text:      text,
				WordCount: len(strings.Fields(text)),
				Revision:  ctx.Attempt,
			}
			if err := ctx.State.Set("draft", draft); err != nil {
				return Draft{}, err
			}
			return draft, nil
		})
	if err := reg.RegisterOperation(generate); err != nil {
		return nil, err
	}

	tone := ensemble.NewOperation("draft.analyze_tone",
		func(ctx *ensemble.OperationContext, in AnalysisInput) (ToneReport, error) {
			report := ToneReport{Tone: "neutral", Certainty: 0.9}
			if strings.Contains(strings.ToLower(in.Text), "overview") {
				report.Tone = "informative"
			}
			if err := ctx.State.Set("tone", report); err != nil {
				return ToneReport{}, err
			}
			return report, nil
		})
	if err := reg.RegisterOperation(tone); err != nil {
		return nil, err
	}

	readability := ensemble.NewOperation("draft.analyze_readability",
		func(ctx *ensemble.OperationContext, in AnalysisInput) (ReadabilityReport, error) {
			sentences := strings.Count(in.Text, ".")
			if sentences == 0 {
				sentences = 1
			}
			words := len(strings.Fields(in.Text))
			report := ReadabilityReport{
				Grade:     float64(words) / float64(sentences),
				Sentences: sentences,
			}
			if err := ctx.State.Set("readability", report); err != nil {
				return ReadabilityReport{}, err
			}
			return report, nil
		})
	if err := reg.RegisterOperation(readability); err != nil {
		return nil, err
	}

	summarize := ensemble.NewOperation("draft.summarize",
		func(ctx *ensemble.OperationContext, in SummaryInput) (Summary, error) {
			var draft Draft
			if _, err := ctx.State.Get("draft", &draft); err != nil {
				return Summary{}, err
			}
			verdict := "acceptable"
			if draft.WordCount >= 12 {
				verdict = "thorough"
			}
			return Summary{
				Text:     in.Text,
				Tone:     in.Tone,
				Verdict:  verdict,
				Attempts: draft.Revision,
			}, nil
		})
	if err := reg.RegisterOperation(summarize); err != nil {
		return nil, err
	}

	// A heuristic evaluator: longer drafts score better on completeness,
	// shorter sentences on clarity.
	quality := ensemble.NewEvaluator("draft.quality",
		func(ctx *ensemble.OperationContext, out Draft, criteria []ensemble.Criterion) (*ensemble.EvaluationResult, error) {
			completeness := float64(out.WordCount) / 15.0
			if completeness > 1 {
				completeness = 1
			}
			clarity := 1.0
			if out.WordCount > 60 {
				clarity = 0.6
			}

			feedback := ""
			if completeness < 0.7 {
				feedback = "draft is too short, add detail"
			}

			return &ensemble.EvaluationResult{
				Breakdown: map[string]float64{
					"completeness": completeness,
					"clarity":      clarity,
				},
				Feedback:   feedback,
				Confidence: 0.85,
			}, nil
		})
	if err := reg.RegisterEvaluator(quality); err != nil {
		return nil, err
	}

	return reg, nil
}

// NewDefinition builds the self-correcting draft ensemble
func NewDefinition() (*ensemble.Definition, error) {
	return builder.NewEnsemble("selfcorrect-draft", "Self-Correcting Draft Pipeline").
		WithDescription("Generates a draft, scores it, and retries with feedback until it passes").
		WithVersion("1.0").
		Then(builder.NewStep("generate", "draft.generate").
			WithInput(map[string]any{
				"topic":    "${input.topic}",
				"minWords": "${input.minWords}",
			}).
			WithScoring(ensemble.ScoringConfig{
				Evaluator: "draft.quality",
				Thresholds: ensemble.Thresholds{
					Minimum:   0.7,
					Target:    0.85,
					Excellent: 0.95,
				},
				Criteria: []ensemble.Criterion{
					{Name: "completeness", Weight: 2},
					{Name: "clarity", Weight: 1},
				},
				OnFailure:  ensemble.OnFailureRetry,
				RetryLimit: 3,
				Backoff:    ensemble.BackoffExponential,
			}).
			Sets("draft")).
		Parallel("analysis",
			builder.NewStep("analyze_tone", "draft.analyze_tone").
				WithInput(map[string]any{"text": "${steps.generate.output.text}"}).
				Sets("tone"),
			builder.NewStep("analyze_readability", "draft.analyze_readability").
				WithInput(map[string]any{"text": "${steps.generate.output.text}"}).
				Sets("readability"),
		).
		Then(builder.NewStep("summarize", "draft.summarize").
			WithInput(map[string]any{
				"text": "${steps.generate.output.text}",
				"tone": "${steps.analyze_tone.output.tone}",
			}).
			Uses("draft")).
		WithOutput(map[string]any{
			"topic":   "${input.topic}",
			"summary": "${steps.summarize.output}",
		}).
		Build()
}
