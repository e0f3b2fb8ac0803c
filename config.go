package ensemble

import (
	"fmt"
	"time"
)

// OnFailurePolicy decides what happens when a step's score falls below the
// minimum threshold.
type OnFailurePolicy string

const (
	OnFailureRetry    OnFailurePolicy = "retry"
	OnFailureContinue OnFailurePolicy = "continue"
	OnFailureAbort    OnFailurePolicy = "abort"
)

// BackoffStrategy defines how the retry delay grows between attempts
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// Thresholds are the configured score boundaries for a scored step.
// Invariant: 0 <= Minimum <= Target <= Excellent <= 1. Only Minimum has
// runtime effect (pass/fail); Target and Excellent are reporting bands.
type Thresholds struct {
	Minimum   float64 `json:"minimum"`
	Target    float64 `json:"target"`
	Excellent float64 `json:"excellent"`
}

// Validate checks threshold ordering and range
func (t Thresholds) Validate() error {
	for name, v := range map[string]float64{"minimum": t.Minimum, "target": t.Target, "excellent": t.Excellent} {
		if v < 0 || v > 1 {
			return fmt.Errorf("threshold %s must be in [0,1], got %v", name, v)
		}
	}
	if t.Minimum > t.Target || t.Target > t.Excellent {
		return fmt.Errorf("thresholds must be non-decreasing: minimum %v <= target %v <= excellent %v",
			t.Minimum, t.Target, t.Excellent)
	}
	return nil
}

// Criterion names one quality dimension an evaluator scores. Weight <= 0
// means unweighted (treated as 1 in the composite).
type Criterion struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight,omitempty"`
}

// ScoringConfig wraps a step in a quality-evaluation/retry loop
type ScoringConfig struct {
	// Evaluator is the registered evaluator name
	Evaluator string `json:"evaluator"`

	Thresholds Thresholds  `json:"thresholds"`
	Criteria   []Criterion `json:"criteria,omitempty"`

	// OnFailure decides the below-minimum path: retry, continue, or abort
	OnFailure OnFailurePolicy `json:"onFailure"`

	// RetryLimit bounds retries: total attempts never exceed RetryLimit+1
	RetryLimit int `json:"retryLimit"`

	// Backoff governs delay growth between retries; the delay before the
	// first retry is always InitialRetryDelay regardless of strategy
	Backoff BackoffStrategy `json:"backoff"`
}

// DefaultScoringConfig provides sensible defaults for scored steps
var DefaultScoringConfig = ScoringConfig{
	Thresholds: Thresholds{Minimum: 0.7, Target: 0.8, Excellent: 0.95},
	OnFailure:  OnFailureRetry,
	RetryLimit: 2,
	Backoff:    BackoffFixed,
}

// Validate checks the scoring configuration
func (c *ScoringConfig) Validate() error {
	if c.Evaluator == "" {
		return fmt.Errorf("scoring config requires an evaluator")
	}
	if err := c.Thresholds.Validate(); err != nil {
		return err
	}
	switch c.OnFailure {
	case OnFailureRetry, OnFailureContinue, OnFailureAbort:
	default:
		return fmt.Errorf("unknown onFailure policy %q", c.OnFailure)
	}
	if c.RetryLimit < 0 {
		return fmt.Errorf("retryLimit must be >= 0, got %d", c.RetryLimit)
	}
	switch c.Backoff {
	case BackoffFixed, BackoffLinear, BackoffExponential:
	default:
		return fmt.Errorf("unknown backoff strategy %q", c.Backoff)
	}
	for _, cr := range c.Criteria {
		if cr.Name == "" {
			return fmt.Errorf("criterion name must not be empty")
		}
	}
	return nil
}

// merged returns the step-level config with gaps filled from ensemble-level
// defaults. Step criteria override defaults by name and extend them otherwise.
func (c *ScoringConfig) merged(defaults *ScoringConfig) *ScoringConfig {
	if c == nil {
		return nil
	}
	out := *c
	if defaults != nil {
		if out.Evaluator == "" {
			out.Evaluator = defaults.Evaluator
		}
		zero := Thresholds{}
		if out.Thresholds == zero {
			out.Thresholds = defaults.Thresholds
		}
		if out.OnFailure == "" {
			out.OnFailure = defaults.OnFailure
		}
		if out.Backoff == "" {
			out.Backoff = defaults.Backoff
		}
		out.Criteria = mergeCriteria(defaults.Criteria, c.Criteria)
	}
	if out.OnFailure == "" {
		out.OnFailure = DefaultScoringConfig.OnFailure
	}
	if out.Backoff == "" {
		out.Backoff = DefaultScoringConfig.Backoff
	}
	return &out
}

// mergeCriteria combines ensemble defaults with step-level overrides.
// Step entries win on name collision; default order is preserved.
func mergeCriteria(defaults, overrides []Criterion) []Criterion {
	if len(overrides) == 0 {
		return append([]Criterion(nil), defaults...)
	}
	byName := make(map[string]Criterion, len(overrides))
	for _, c := range overrides {
		byName[c.Name] = c
	}
	var out []Criterion
	seen := make(map[string]bool)
	for _, d := range defaults {
		if o, ok := byName[d.Name]; ok {
			out = append(out, o)
		} else {
			out = append(out, d)
		}
		seen[d.Name] = true
	}
	for _, o := range overrides {
		if !seen[o.Name] {
			out = append(out, o)
		}
	}
	return out
}

// EngineConfig holds engine-level configuration
type EngineConfig struct {
	MaxConcurrentRuns int
	DefaultTimeout    time.Duration
}

// DefaultEngineConfig provides engine defaults
var DefaultEngineConfig = EngineConfig{
	MaxConcurrentRuns: 10,
	DefaultTimeout:    5 * time.Minute,
}

// StartOption allows functional configuration of an ensemble run
type StartOption func(*StartOptions)

// StartOptions holds options for starting an ensemble run
type StartOptions struct {
	ResourceID       string
	CheckConcurrency bool
	TTL              time.Duration
	Tags             map[string]string
	TriggerType      string
	TriggerSource    string
	Synchronous      bool
}

// WithResourceID sets the resource ID for concurrency control
func WithResourceID(id string) StartOption {
	return func(opts *StartOptions) {
		opts.ResourceID = id
	}
}

// WithConcurrencyCheck enables the per-resource running-run limit check
func WithConcurrencyCheck(check bool) StartOption {
	return func(opts *StartOptions) {
		opts.CheckConcurrency = check
	}
}

// WithTTL sets the TTL duration for DynamoDB-backed stores
func WithTTL(ttl time.Duration) StartOption {
	return func(opts *StartOptions) {
		opts.TTL = ttl
	}
}

// WithTags sets custom tags for the run
func WithTags(tags map[string]string) StartOption {
	return func(opts *StartOptions) {
		opts.Tags = tags
	}
}

// WithTrigger records what initiated the run
func WithTrigger(triggerType, source string) StartOption {
	return func(opts *StartOptions) {
		opts.TriggerType = triggerType
		opts.TriggerSource = source
	}
}

// WithSynchronous blocks the caller until the run reaches a terminal state
func WithSynchronous() StartOption {
	return func(opts *StartOptions) {
		opts.Synchronous = true
	}
}
