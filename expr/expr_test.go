package expr

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testScope() *Scope {
	return &Scope{
		Input: json.RawMessage(`{"topic":"go","count":3,"enabled":true,"nested":{"depth":2}}`),
		Outputs: map[string]json.RawMessage{
			"draft":  json.RawMessage(`{"text":"hello","score":0.9,"words":12}`),
			"review": json.RawMessage(`"approved"`),
		},
		Failed: map[string]bool{"flaky": true},
		State: map[string]json.RawMessage{
			"attempts": json.RawMessage(`2`),
			"config":   json.RawMessage(`{"mode":"fast"}`),
		},
		Env: func(key string) string {
			if key == "REGION" {
				return "eu-west-1"
			}
			return ""
		},
	}
}

func TestCompile_Literals(t *testing.T) {
	tests := []struct {
		src  string
		want any
	}{
		{`5`, float64(5)},
		{`-2.5`, float64(-2.5)},
		{`'hello'`, "hello"},
		{`"world"`, "world"},
		{`true`, true},
		{`false`, false},
		{`null`, nil},
	}
	for _, tt := range tests {
		e, err := Compile(tt.src)
		require.NoError(t, err, tt.src)
		got, err := e.Eval(testScope())
		require.NoError(t, err, tt.src)
		assert.Equal(t, tt.want, got, tt.src)
	}
}

func TestCompile_References(t *testing.T) {
	scope := testScope()
	tests := []struct {
		src  string
		want any
	}{
		{`${input.topic}`, "go"},
		{`${input.count}`, float64(3)},
		{`${input.nested.depth}`, float64(2)},
		{`${steps.draft.output.text}`, "hello"},
		{`${steps.draft.output.score}`, 0.9},
		{`${steps.flaky.failed}`, true},
		{`${steps.draft.failed}`, false},
		{`${state.attempts}`, float64(2)},
		{`${state.config.mode}`, "fast"},
		{`${env.REGION}`, "eu-west-1"},
	}
	for _, tt := range tests {
		e, err := Compile(tt.src)
		require.NoError(t, err, tt.src)
		got, err := e.Eval(scope)
		require.NoError(t, err, tt.src)
		assert.Equal(t, tt.want, got, tt.src)
	}
}

func TestCompile_Comparisons(t *testing.T) {
	scope := testScope()
	tests := []struct {
		src  string
		want bool
	}{
		{`${input.count} == 3`, true},
		{`${input.count} != 3`, false},
		{`${input.count} < 5`, true},
		{`${input.count} <= 3`, true},
		{`${input.count} > 3`, false},
		{`${steps.draft.output.score} >= 0.9`, true},
		{`${input.topic} == 'go'`, true},
		{`${input.topic} < 'rust'`, true},
		{`${input.enabled} == true`, true},
	}
	for _, tt := range tests {
		e, err := Compile(tt.src)
		require.NoError(t, err, tt.src)
		got, err := e.EvalBool(scope)
		require.NoError(t, err, tt.src)
		assert.Equal(t, tt.want, got, tt.src)
	}
}

func TestCompile_LogicalOperators(t *testing.T) {
	scope := testScope()
	tests := []struct {
		src  string
		want bool
	}{
		{`${input.enabled} && ${input.count} > 2`, true},
		{`${input.enabled} && ${input.count} > 5`, false},
		{`${input.count} > 5 || ${input.enabled}`, true},
		{`!${input.enabled}`, false},
		{`!(${input.count} > 5)`, true},
		{`(${input.count} > 1 || false) && true`, true},
	}
	for _, tt := range tests {
		e, err := Compile(tt.src)
		require.NoError(t, err, tt.src)
		got, err := e.EvalBool(scope)
		require.NoError(t, err, tt.src)
		assert.Equal(t, tt.want, got, tt.src)
	}
}

func TestCompile_ShortCircuit(t *testing.T) {
	// The right-hand side references a missing output; short-circuit must
	// prevent its evaluation.
	e, err := Compile(`false && ${steps.missing.output.x}`)
	require.NoError(t, err)
	got, err := e.EvalBool(testScope())
	require.NoError(t, err)
	assert.False(t, got)

	e, err = Compile(`true || ${steps.missing.output.x}`)
	require.NoError(t, err)
	got, err = e.EvalBool(testScope())
	require.NoError(t, err)
	assert.True(t, got)
}

func TestCompile_Errors(t *testing.T) {
	bad := []string{
		``,
		`${}`,
		`${input.topic} ==`,
		`(${input.count} > 1`,
		`bareword`,
		`1 === 2`,
	}
	for _, src := range bad {
		_, err := Compile(src)
		assert.Error(t, err, src)
	}
}

func TestEval_Errors(t *testing.T) {
	scope := testScope()

	// Undefined state key
	e, err := Compile(`${state.missing}`)
	require.NoError(t, err)
	_, err = e.Eval(scope)
	assert.Error(t, err)

	// Missing step output
	e, err = Compile(`${steps.nope.output.x}`)
	require.NoError(t, err)
	_, err = e.Eval(scope)
	assert.Error(t, err)

	// Retry fields outside a retry attempt
	e, err = Compile(`${previousScore}`)
	require.NoError(t, err)
	_, err = e.Eval(scope)
	assert.Error(t, err)

	// Non-boolean condition result
	e, err = Compile(`${input.topic}`)
	require.NoError(t, err)
	_, err = e.EvalBool(scope)
	assert.Error(t, err)
}

func TestEval_RetryScope(t *testing.T) {
	scope := testScope()
	scope.Retry = &RetryInfo{PreviousScore: 0.55, Feedback: "too short", Attempt: 2}

	e, err := Compile(`${previousScore} < 0.7`)
	require.NoError(t, err)
	got, err := e.EvalBool(scope)
	require.NoError(t, err)
	assert.True(t, got)

	e, err = Compile(`${retry.feedback}`)
	require.NoError(t, err)
	v, err := e.Eval(scope)
	require.NoError(t, err)
	assert.Equal(t, "too short", v)

	e, err = Compile(`${attempt} == 2`)
	require.NoError(t, err)
	got, err = e.EvalBool(scope)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestExpr_Refs(t *testing.T) {
	e, err := Compile(`${input.count} > 2 && ${steps.draft.failed}`)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"input.count", "steps.draft.failed"}, e.Refs())
}

func TestTemplate_WholeReferencePreservesType(t *testing.T) {
	tpl, err := ParseTemplate(`${input.count}`)
	require.NoError(t, err)
	v, err := tpl.Resolve(testScope())
	require.NoError(t, err)
	assert.Equal(t, float64(3), v)
}

func TestTemplate_Interpolation(t *testing.T) {
	tpl, err := ParseTemplate(`topic=${input.topic}, count=${input.count}`)
	require.NoError(t, err)
	v, err := tpl.Resolve(testScope())
	require.NoError(t, err)
	assert.Equal(t, "topic=go, count=3", v)
}

func TestTemplate_PlainString(t *testing.T) {
	tpl, err := ParseTemplate(`just text`)
	require.NoError(t, err)
	assert.False(t, tpl.HasRefs())
	v, err := tpl.Resolve(testScope())
	require.NoError(t, err)
	assert.Equal(t, "just text", v)
}

func TestTemplate_Unterminated(t *testing.T) {
	_, err := ParseTemplate(`${input.topic`)
	assert.Error(t, err)
}

func TestBinding_Resolve(t *testing.T) {
	bind, err := CompileBinding(map[string]any{
		"topic":   "${input.topic}",
		"limit":   5,
		"verbose": true,
		"nested": map[string]any{
			"text": "${steps.draft.output.text}",
		},
		"list": []any{"${input.count}", "static"},
	})
	require.NoError(t, err)

	v, err := bind.Resolve(testScope())
	require.NoError(t, err)

	got, ok := v.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "go", got["topic"])
	assert.Equal(t, 5, got["limit"])
	assert.Equal(t, true, got["verbose"])
	assert.Equal(t, map[string]any{"text": "hello"}, got["nested"])
	assert.Equal(t, []any{float64(3), "static"}, got["list"])
}

func TestBinding_Refs(t *testing.T) {
	bind, err := CompileBinding(map[string]any{
		"a": "${input.topic}",
		"b": []any{"${state.attempts}"},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"input.topic", "state.attempts"}, bind.Refs())
}
