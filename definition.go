package ensemble

import (
	"fmt"
	"strings"
	"time"

	"github.com/sicko7947/ensemble-go/expr"
)

// StepKind classifies a StepSpec node
type StepKind string

const (
	StepKindOperation StepKind = "OPERATION"
	StepKindParallel  StepKind = "PARALLEL"
	StepKindLoop      StepKind = "LOOP"
)

// LoopSpec re-executes a step's body while a condition holds, up to a
// mandatory iteration cap. The cap guarantees termination.
type LoopSpec struct {
	// While is an optional boolean expression checked before each iteration
	While string `json:"while,omitempty"`

	// MaxIterations caps the loop regardless of While. Required, >= 1.
	MaxIterations int `json:"maxIterations"`

	whileExpr *expr.Expr
}

// StepSpec is one node of an ensemble definition. Exactly one of Operation,
// Parallel, or Loop must be set. StepSpecs are never mutated at runtime;
// Compile fills the unexported compiled fields once.
type StepSpec struct {
	// ID is unique within the ensemble
	ID string `json:"id"`

	// Operation references a registered operation by name
	Operation string `json:"operation,omitempty"`

	// Input is the binding expression tree resolved before each execution
	Input map[string]any `json:"input,omitempty"`

	// Condition gates execution; a false result skips the step entirely
	Condition string `json:"condition,omitempty"`

	// Scoring wraps the step in a quality-evaluation/retry loop
	Scoring *ScoringConfig `json:"scoring,omitempty"`

	// Use and Set declare the state keys this step reads and writes
	Use []string `json:"use,omitempty"`
	Set []string `json:"set,omitempty"`

	// Weight is this member's weight in the ensemble score (default 1)
	Weight float64 `json:"weight,omitempty"`

	// Timeout bounds each attempt; zero means the engine default
	Timeout time.Duration `json:"timeout,omitempty"`

	// Parallel members run concurrently with a barrier join
	Parallel []StepSpec `json:"parallel,omitempty"`

	// Loop and Steps form a loop node: Steps is the repeated body
	Loop  *LoopSpec  `json:"loop,omitempty"`
	Steps []StepSpec `json:"steps,omitempty"`

	condExpr  *expr.Expr
	inputBind *expr.Binding
	scoring   *ScoringConfig // merged with ensemble defaults
}

// Kind returns the node kind
func (s *StepSpec) Kind() StepKind {
	switch {
	case len(s.Parallel) > 0:
		return StepKindParallel
	case s.Loop != nil:
		return StepKindLoop
	default:
		return StepKindOperation
	}
}

// CompiledCondition returns the compiled condition, nil if none
func (s *StepSpec) CompiledCondition() *expr.Expr {
	return s.condExpr
}

// CompiledInput returns the compiled input binding, nil if none
func (s *StepSpec) CompiledInput() *expr.Binding {
	return s.inputBind
}

// EffectiveScoring returns the step's scoring config merged with ensemble
// defaults, nil when scoring is disabled for the step
func (s *StepSpec) EffectiveScoring() *ScoringConfig {
	return s.scoring
}

// EffectiveWeight returns the member weight used in the ensemble score
func (s *StepSpec) EffectiveWeight() float64 {
	if s.Weight <= 0 {
		return 1
	}
	return s.Weight
}

// CompiledWhile returns the loop's compiled While expression, nil if none
func (l *LoopSpec) CompiledWhile() *expr.Expr {
	return l.whileExpr
}

// Definition is the complete, immutable ensemble blueprint. Build it once,
// call Compile, then hand it to the engine; the engine never mutates it.
type Definition struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`

	// Steps run in declaration order
	Steps []StepSpec `json:"steps"`

	// Scoring provides ensemble-level defaults merged into scored steps
	Scoring *ScoringConfig `json:"scoring,omitempty"`

	// Initial seeds the execution state
	Initial map[string]any `json:"initial,omitempty"`

	// Output maps expressions to the final workflow output
	Output map[string]any `json:"output,omitempty"`

	compiled        bool
	outputBind      *expr.Binding
	fallbackHandled map[string]bool
	leafCount       int
}

// IsCompiled reports whether Compile has succeeded on this definition
func (d *Definition) IsCompiled() bool {
	return d.compiled
}

// CompiledOutput returns the compiled output mapping, nil if none
func (d *Definition) CompiledOutput() *expr.Binding {
	return d.outputBind
}

// FallbackHandled reports whether some step's condition references
// ${steps.<id>.failed}, making that step's executor failure non-fatal.
func (d *Definition) FallbackHandled(stepID string) bool {
	return d.fallbackHandled[stepID]
}

// LeafCount returns the number of operation steps (loop bodies counted
// once), used for progress reporting
func (d *Definition) LeafCount() int {
	return d.leafCount
}

// Compile validates the definition and compiles every expression once.
// It must be called before the definition is executed.
func (d *Definition) Compile() error {
	if d.ID == "" {
		return fmt.Errorf("ensemble definition requires an id")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("ensemble %s has no steps", d.ID)
	}
	if d.Version == "" {
		d.Version = "1.0"
	}
	if d.Scoring != nil {
		merged := d.Scoring.merged(&DefaultScoringConfig)
		if err := merged.Validate(); err != nil {
			return fmt.Errorf("ensemble %s scoring defaults: %w", d.ID, err)
		}
	}

	seen := make(map[string]bool)
	d.fallbackHandled = make(map[string]bool)
	d.leafCount = 0
	if err := d.compileSteps(d.Steps, seen); err != nil {
		return err
	}

	if d.Output != nil {
		bind, err := expr.CompileBinding(map[string]any(d.Output))
		if err != nil {
			return fmt.Errorf("ensemble %s output mapping: %w", d.ID, err)
		}
		d.outputBind = bind
	}

	d.compiled = true
	return nil
}

func (d *Definition) compileSteps(steps []StepSpec, seen map[string]bool) error {
	for i := range steps {
		if err := d.compileStep(&steps[i], seen); err != nil {
			return err
		}
	}
	return nil
}

func (d *Definition) compileStep(s *StepSpec, seen map[string]bool) error {
	if s.ID == "" {
		return fmt.Errorf("ensemble %s: step without an id", d.ID)
	}
	if seen[s.ID] {
		return fmt.Errorf("ensemble %s: duplicate step id %q", d.ID, s.ID)
	}
	seen[s.ID] = true

	kinds := 0
	if s.Operation != "" {
		kinds++
	}
	if len(s.Parallel) > 0 {
		kinds++
	}
	if s.Loop != nil {
		kinds++
	}
	if kinds != 1 {
		return fmt.Errorf("step %s: exactly one of operation, parallel, or loop must be set", s.ID)
	}
	if len(s.Steps) > 0 && s.Loop == nil {
		return fmt.Errorf("step %s: steps body requires a loop", s.ID)
	}
	if s.Weight < 0 {
		return fmt.Errorf("step %s: weight must not be negative", s.ID)
	}

	if s.Condition != "" {
		e, err := expr.Compile(s.Condition)
		if err != nil {
			return fmt.Errorf("step %s condition: %w", s.ID, err)
		}
		s.condExpr = e
		d.markFallbackRefs(e.Refs())
	}

	switch s.Kind() {
	case StepKindOperation:
		if s.Input != nil {
			bind, err := expr.CompileBinding(map[string]any(s.Input))
			if err != nil {
				return fmt.Errorf("step %s input: %w", s.ID, err)
			}
			s.inputBind = bind
		}
		if s.Scoring != nil {
			s.scoring = s.Scoring.merged(d.Scoring)
			if err := s.scoring.Validate(); err != nil {
				return fmt.Errorf("step %s scoring: %w", s.ID, err)
			}
		} else if d.Scoring != nil && d.Scoring.Evaluator != "" {
			// Ensemble-level defaults score every operation step
			s.scoring = d.Scoring.merged(&DefaultScoringConfig)
			if err := s.scoring.Validate(); err != nil {
				return fmt.Errorf("step %s scoring (ensemble defaults): %w", s.ID, err)
			}
		}
		d.leafCount++

	case StepKindParallel:
		if s.Scoring != nil || s.Input != nil {
			return fmt.Errorf("step %s: parallel groups carry no input or scoring of their own", s.ID)
		}
		writers := make(map[string]string)
		for i := range s.Parallel {
			member := &s.Parallel[i]
			if err := d.compileStep(member, seen); err != nil {
				return err
			}
			if member.Kind() != StepKindOperation {
				return fmt.Errorf("step %s: parallel member %s must be an operation step", s.ID, member.ID)
			}
			for _, key := range member.Set {
				if prev, ok := writers[key]; ok {
					return fmt.Errorf("step %s: members %s and %s both declare writes to state key %q",
						s.ID, prev, member.ID, key)
				}
				writers[key] = member.ID
			}
		}

	case StepKindLoop:
		if s.Loop.MaxIterations < 1 {
			return fmt.Errorf("step %s: loop requires maxIterations >= 1", s.ID)
		}
		if len(s.Steps) == 0 {
			return fmt.Errorf("step %s: loop has an empty body", s.ID)
		}
		if s.Loop.While != "" {
			e, err := expr.Compile(s.Loop.While)
			if err != nil {
				return fmt.Errorf("step %s loop condition: %w", s.ID, err)
			}
			s.Loop.whileExpr = e
		}
		if err := d.compileSteps(s.Steps, seen); err != nil {
			return err
		}
	}

	return nil
}

// markFallbackRefs records steps whose failure some condition observes via
// ${steps.<id>.failed}; an executor failure of such a step does not halt the
// run, it only marks the flag and skips the step's commit.
func (d *Definition) markFallbackRefs(refs []string) {
	for _, ref := range refs {
		rest, ok := strings.CutPrefix(ref, "steps.")
		if !ok {
			continue
		}
		stepID, field, ok := strings.Cut(rest, ".")
		if ok && field == "failed" {
			d.fallbackHandled[stepID] = true
		}
	}
}
