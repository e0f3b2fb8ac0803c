// Package builder provides a fluent API for assembling ensemble definitions.
package builder

import (
	"fmt"
	"time"

	"github.com/sicko7947/ensemble-go"
)

// EnsembleBuilder provides a fluent API for building ensemble definitions
type EnsembleBuilder struct {
	def *ensemble.Definition
}

// NewEnsemble creates a new ensemble builder
func NewEnsemble(id, name string) *EnsembleBuilder {
	return &EnsembleBuilder{
		def: &ensemble.Definition{
			ID:   id,
			Name: name,
		},
	}
}

// WithDescription sets the ensemble description
func (b *EnsembleBuilder) WithDescription(description string) *EnsembleBuilder {
	b.def.Description = description
	return b
}

// WithVersion sets the ensemble version
func (b *EnsembleBuilder) WithVersion(version string) *EnsembleBuilder {
	b.def.Version = version
	return b
}

// WithScoringDefaults sets ensemble-level scoring defaults applied to every
// operation step that does not override them
func (b *EnsembleBuilder) WithScoringDefaults(cfg ensemble.ScoringConfig) *EnsembleBuilder {
	b.def.Scoring = &cfg
	return b
}

// WithInitial seeds the execution state
func (b *EnsembleBuilder) WithInitial(initial map[string]any) *EnsembleBuilder {
	b.def.Initial = initial
	return b
}

// WithOutput sets the output mapping evaluated when the run completes
func (b *EnsembleBuilder) WithOutput(output map[string]any) *EnsembleBuilder {
	b.def.Output = output
	return b
}

// Step appends a step to the sequence
func (b *EnsembleBuilder) Step(spec ensemble.StepSpec) *EnsembleBuilder {
	b.def.Steps = append(b.def.Steps, spec)
	return b
}

// Then appends a step built with a StepBuilder
func (b *EnsembleBuilder) Then(sb *StepBuilder) *EnsembleBuilder {
	return b.Step(sb.Spec())
}

// Parallel appends a parallel group whose members run concurrently and join
// at a barrier
func (b *EnsembleBuilder) Parallel(id string, members ...*StepBuilder) *EnsembleBuilder {
	group := ensemble.StepSpec{ID: id}
	for _, m := range members {
		group.Parallel = append(group.Parallel, m.Spec())
	}
	return b.Step(group)
}

// Loop appends a loop that repeats the body while the condition holds, up to
// maxIterations. An empty while loops on the cap alone.
func (b *EnsembleBuilder) Loop(id, while string, maxIterations int, body ...*StepBuilder) *EnsembleBuilder {
	loop := ensemble.StepSpec{
		ID:   id,
		Loop: &ensemble.LoopSpec{While: while, MaxIterations: maxIterations},
	}
	for _, s := range body {
		loop.Steps = append(loop.Steps, s.Spec())
	}
	return b.Step(loop)
}

// Build compiles and validates the definition
func (b *EnsembleBuilder) Build() (*ensemble.Definition, error) {
	if err := b.def.Compile(); err != nil {
		return nil, fmt.Errorf("invalid ensemble definition: %w", err)
	}
	return b.def, nil
}

// MustBuild compiles and validates the definition, panics on error
func (b *EnsembleBuilder) MustBuild() *ensemble.Definition {
	def, err := b.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build ensemble: %v", err))
	}
	return def
}

// StepBuilder provides a fluent API for building one operation step
type StepBuilder struct {
	spec ensemble.StepSpec
}

// NewStep creates a step builder for a registered operation
func NewStep(id, operation string) *StepBuilder {
	return &StepBuilder{
		spec: ensemble.StepSpec{ID: id, Operation: operation},
	}
}

// WithInput sets the input binding tree. String values may embed ${...}
// references resolved at execution time.
func (s *StepBuilder) WithInput(input map[string]any) *StepBuilder {
	s.spec.Input = input
	return s
}

// WithCondition gates the step on a boolean expression
func (s *StepBuilder) WithCondition(condition string) *StepBuilder {
	s.spec.Condition = condition
	return s
}

// WithScoring wraps the step in a quality-evaluation/retry loop
func (s *StepBuilder) WithScoring(cfg ensemble.ScoringConfig) *StepBuilder {
	s.spec.Scoring = &cfg
	return s
}

// Uses declares the state keys the step reads
func (s *StepBuilder) Uses(keys ...string) *StepBuilder {
	s.spec.Use = append(s.spec.Use, keys...)
	return s
}

// Sets declares the state keys the step writes
func (s *StepBuilder) Sets(keys ...string) *StepBuilder {
	s.spec.Set = append(s.spec.Set, keys...)
	return s
}

// WithWeight sets the step's weight in the ensemble score
func (s *StepBuilder) WithWeight(weight float64) *StepBuilder {
	s.spec.Weight = weight
	return s
}

// WithTimeout bounds each attempt of the step
func (s *StepBuilder) WithTimeout(timeout time.Duration) *StepBuilder {
	s.spec.Timeout = timeout
	return s
}

// Spec returns the built step spec
func (s *StepBuilder) Spec() ensemble.StepSpec {
	return s.spec
}
