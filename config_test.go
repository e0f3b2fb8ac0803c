package ensemble

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThresholds_Validate(t *testing.T) {
	valid := Thresholds{Minimum: 0.7, Target: 0.8, Excellent: 0.95}
	assert.NoError(t, valid.Validate())

	// Boundaries are inclusive
	assert.NoError(t, Thresholds{Minimum: 0, Target: 0, Excellent: 0}.Validate())
	assert.NoError(t, Thresholds{Minimum: 1, Target: 1, Excellent: 1}.Validate())

	// Out of range
	assert.Error(t, Thresholds{Minimum: -0.1, Target: 0.5, Excellent: 0.9}.Validate())
	assert.Error(t, Thresholds{Minimum: 0.5, Target: 0.5, Excellent: 1.1}.Validate())

	// Ordering violations
	assert.Error(t, Thresholds{Minimum: 0.8, Target: 0.7, Excellent: 0.9}.Validate())
	assert.Error(t, Thresholds{Minimum: 0.5, Target: 0.9, Excellent: 0.8}.Validate())
}

func TestThresholds_Band(t *testing.T) {
	th := Thresholds{Minimum: 0.7, Target: 0.8, Excellent: 0.95}
	assert.Equal(t, BandBelowMinimum, th.Band(0.69))
	assert.Equal(t, BandAcceptable, th.Band(0.7))
	assert.Equal(t, BandAcceptable, th.Band(0.79))
	assert.Equal(t, BandTarget, th.Band(0.8))
	assert.Equal(t, BandTarget, th.Band(0.94))
	assert.Equal(t, BandExcellent, th.Band(0.95))
	assert.Equal(t, BandExcellent, th.Band(1.0))
}

func TestScoringConfig_Validate(t *testing.T) {
	valid := ScoringConfig{
		Evaluator:  "quality",
		Thresholds: Thresholds{Minimum: 0.7, Target: 0.8, Excellent: 0.95},
		OnFailure:  OnFailureRetry,
		RetryLimit: 2,
		Backoff:    BackoffFixed,
	}
	assert.NoError(t, valid.Validate())

	missing := valid
	missing.Evaluator = ""
	assert.Error(t, missing.Validate())

	badPolicy := valid
	badPolicy.OnFailure = "explode"
	assert.Error(t, badPolicy.Validate())

	badLimit := valid
	badLimit.RetryLimit = -1
	assert.Error(t, badLimit.Validate())

	badBackoff := valid
	badBackoff.Backoff = "random"
	assert.Error(t, badBackoff.Validate())

	badCriterion := valid
	badCriterion.Criteria = []Criterion{{Name: ""}}
	assert.Error(t, badCriterion.Validate())
}

func TestScoringConfig_Merged(t *testing.T) {
	defaults := &ScoringConfig{
		Evaluator:  "quality",
		Thresholds: Thresholds{Minimum: 0.6, Target: 0.7, Excellent: 0.9},
		Criteria:   []Criterion{{Name: "accuracy", Weight: 2}, {Name: "clarity", Weight: 1}},
		OnFailure:  OnFailureContinue,
		RetryLimit: 5,
		Backoff:    BackoffLinear,
	}

	// Step config overrides only what it sets
	step := &ScoringConfig{
		Thresholds: Thresholds{Minimum: 0.8, Target: 0.85, Excellent: 0.95},
		OnFailure:  OnFailureRetry,
	}
	merged := step.merged(defaults)
	require.NotNil(t, merged)
	assert.Equal(t, "quality", merged.Evaluator)
	assert.Equal(t, 0.8, merged.Thresholds.Minimum)
	assert.Equal(t, OnFailureRetry, merged.OnFailure)
	assert.Equal(t, BackoffLinear, merged.Backoff)
	assert.Equal(t, defaults.Criteria, merged.Criteria)

	// Empty step thresholds fall back to defaults
	bare := &ScoringConfig{Evaluator: "other"}
	merged = bare.merged(defaults)
	assert.Equal(t, "other", merged.Evaluator)
	assert.Equal(t, 0.6, merged.Thresholds.Minimum)
}

func TestMergeCriteria(t *testing.T) {
	defaults := []Criterion{{Name: "accuracy", Weight: 2}, {Name: "clarity", Weight: 1}}
	overrides := []Criterion{{Name: "clarity", Weight: 3}, {Name: "tone", Weight: 1}}

	merged := mergeCriteria(defaults, overrides)
	require.Len(t, merged, 3)

	// Default order preserved, step override wins, extras appended
	assert.Equal(t, Criterion{Name: "accuracy", Weight: 2}, merged[0])
	assert.Equal(t, Criterion{Name: "clarity", Weight: 3}, merged[1])
	assert.Equal(t, Criterion{Name: "tone", Weight: 1}, merged[2])

	// No overrides copies defaults
	copied := mergeCriteria(defaults, nil)
	assert.Equal(t, defaults, copied)
}

func TestStartOptions(t *testing.T) {
	opts := &StartOptions{}
	for _, o := range []StartOption{
		WithResourceID("res-1"),
		WithConcurrencyCheck(true),
		WithTags(map[string]string{"env": "test"}),
		WithTrigger("api", "user-42"),
		WithSynchronous(),
	} {
		o(opts)
	}

	assert.Equal(t, "res-1", opts.ResourceID)
	assert.True(t, opts.CheckConcurrency)
	assert.Equal(t, "test", opts.Tags["env"])
	assert.Equal(t, "api", opts.TriggerType)
	assert.Equal(t, "user-42", opts.TriggerSource)
	assert.True(t, opts.Synchronous)
}
