package ensemble

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Operation is a unit of work referenced by name from step specs. Input and
// output cross the boundary as JSON so the engine stays type-erased.
type Operation interface {
	Name() string
	Execute(ctx *OperationContext, input json.RawMessage) (json.RawMessage, error)
}

// Evaluator scores one step output against the configured criteria. It
// returns a per-criterion breakdown; the engine computes the composite score
// and applies thresholds, so evaluators stay free of retry policy.
type Evaluator interface {
	Name() string
	Evaluate(ctx *OperationContext, output json.RawMessage, criteria []Criterion) (*EvaluationResult, error)
}

// TypedOperation adapts a strongly typed function to the Operation interface.
// Input and output are marshaled through JSON at the boundary.
type TypedOperation[TIn, TOut any] struct {
	name string
	fn   func(ctx *OperationContext, input TIn) (TOut, error)
}

// NewOperation creates a typed operation
func NewOperation[TIn, TOut any](name string, fn func(ctx *OperationContext, input TIn) (TOut, error)) *TypedOperation[TIn, TOut] {
	return &TypedOperation[TIn, TOut]{name: name, fn: fn}
}

// Name returns the registered operation name
func (o *TypedOperation[TIn, TOut]) Name() string {
	return o.name
}

// Execute unmarshals the input, runs the typed function, and marshals the
// result back to JSON
func (o *TypedOperation[TIn, TOut]) Execute(ctx *OperationContext, input json.RawMessage) (json.RawMessage, error) {
	var in TIn
	if len(input) > 0 {
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, fmt.Errorf("operation %s: unmarshal input: %w", o.name, err)
		}
	}
	out, err := o.fn(ctx, in)
	if err != nil {
		return nil, err
	}
	doc, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("operation %s: marshal output: %w", o.name, err)
	}
	return doc, nil
}

// OperationFunc adapts a raw JSON function to the Operation interface
type OperationFunc struct {
	name string
	fn   func(ctx *OperationContext, input json.RawMessage) (json.RawMessage, error)
}

// NewOperationFunc creates an operation from a raw function
func NewOperationFunc(name string, fn func(ctx *OperationContext, input json.RawMessage) (json.RawMessage, error)) *OperationFunc {
	return &OperationFunc{name: name, fn: fn}
}

// Name returns the registered operation name
func (o *OperationFunc) Name() string { return o.name }

// Execute runs the wrapped function
func (o *OperationFunc) Execute(ctx *OperationContext, input json.RawMessage) (json.RawMessage, error) {
	return o.fn(ctx, input)
}

// TypedEvaluator adapts a strongly typed scoring function to the Evaluator
// interface
type TypedEvaluator[TOut any] struct {
	name string
	fn   func(ctx *OperationContext, output TOut, criteria []Criterion) (*EvaluationResult, error)
}

// NewEvaluator creates a typed evaluator
func NewEvaluator[TOut any](name string, fn func(ctx *OperationContext, output TOut, criteria []Criterion) (*EvaluationResult, error)) *TypedEvaluator[TOut] {
	return &TypedEvaluator[TOut]{name: name, fn: fn}
}

// Name returns the registered evaluator name
func (e *TypedEvaluator[TOut]) Name() string { return e.name }

// Evaluate unmarshals the step output and runs the typed scoring function
func (e *TypedEvaluator[TOut]) Evaluate(ctx *OperationContext, output json.RawMessage, criteria []Criterion) (*EvaluationResult, error) {
	var out TOut
	if len(output) > 0 {
		if err := json.Unmarshal(output, &out); err != nil {
			return nil, fmt.Errorf("evaluator %s: unmarshal output: %w", e.name, err)
		}
	}
	return e.fn(ctx, out, criteria)
}

// EvaluatorFunc adapts a raw JSON scoring function to the Evaluator interface
type EvaluatorFunc struct {
	name string
	fn   func(ctx *OperationContext, output json.RawMessage, criteria []Criterion) (*EvaluationResult, error)
}

// NewEvaluatorFunc creates an evaluator from a raw function
func NewEvaluatorFunc(name string, fn func(ctx *OperationContext, output json.RawMessage, criteria []Criterion) (*EvaluationResult, error)) *EvaluatorFunc {
	return &EvaluatorFunc{name: name, fn: fn}
}

// Name returns the registered evaluator name
func (e *EvaluatorFunc) Name() string { return e.name }

// Evaluate runs the wrapped function
func (e *EvaluatorFunc) Evaluate(ctx *OperationContext, output json.RawMessage, criteria []Criterion) (*EvaluationResult, error) {
	return e.fn(ctx, output, criteria)
}

// Registry holds the operations and evaluators available to definitions.
// Registration happens at startup; lookups are concurrent-safe.
type Registry struct {
	mu    sync.RWMutex
	ops   map[string]Operation
	evals map[string]Evaluator
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		ops:   make(map[string]Operation),
		evals: make(map[string]Evaluator),
	}
}

// RegisterOperation adds an operation; duplicate names are rejected
func (r *Registry) RegisterOperation(op Operation) error {
	if op.Name() == "" {
		return fmt.Errorf("operation requires a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ops[op.Name()]; exists {
		return fmt.Errorf("operation %q already registered", op.Name())
	}
	r.ops[op.Name()] = op
	return nil
}

// RegisterEvaluator adds an evaluator; duplicate names are rejected
func (r *Registry) RegisterEvaluator(ev Evaluator) error {
	if ev.Name() == "" {
		return fmt.Errorf("evaluator requires a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.evals[ev.Name()]; exists {
		return fmt.Errorf("evaluator %q already registered", ev.Name())
	}
	r.evals[ev.Name()] = ev
	return nil
}

// ResolveOperation looks up an operation by name
func (r *Registry) ResolveOperation(name string) (Operation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[name]
	if !ok {
		return nil, NewEnsembleError(ErrCodeNotFound, fmt.Sprintf("operation %q is not registered", name))
	}
	return op, nil
}

// ResolveEvaluator looks up an evaluator by name
func (r *Registry) ResolveEvaluator(name string) (Evaluator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ev, ok := r.evals[name]
	if !ok {
		return nil, NewEnsembleError(ErrCodeNotFound, fmt.Sprintf("evaluator %q is not registered", name))
	}
	return ev, nil
}

// ValidateDefinition checks that every operation and evaluator a compiled
// definition references is registered.
func (r *Registry) ValidateDefinition(def *Definition) error {
	return r.validateSteps(def.Steps)
}

func (r *Registry) validateSteps(steps []StepSpec) error {
	for i := range steps {
		s := &steps[i]
		switch s.Kind() {
		case StepKindOperation:
			if _, err := r.ResolveOperation(s.Operation); err != nil {
				return fmt.Errorf("step %s: %w", s.ID, err)
			}
			if sc := s.EffectiveScoring(); sc != nil {
				if _, err := r.ResolveEvaluator(sc.Evaluator); err != nil {
					return fmt.Errorf("step %s: %w", s.ID, err)
				}
			}
		case StepKindParallel:
			if err := r.validateSteps(s.Parallel); err != nil {
				return err
			}
		case StepKindLoop:
			if err := r.validateSteps(s.Steps); err != nil {
				return err
			}
		}
	}
	return nil
}
