package ensemble

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateManager_InitialState(t *testing.T) {
	m, err := NewStateManager(map[string]any{"count": 1, "mode": "fast"})
	require.NoError(t, err)

	snap := m.Snapshot()
	assert.JSONEq(t, `1`, string(snap["count"]))
	assert.JSONEq(t, `"fast"`, string(snap["mode"]))
	assert.Equal(t, 0, m.Version())
}

func TestStateView_DeclaredReadsOnly(t *testing.T) {
	m, err := NewStateManager(map[string]any{"visible": 1, "hidden": 2})
	require.NoError(t, err)

	view := m.ViewFor("step1", []string{"visible"}, nil)

	var got int
	ok, err := view.Get("visible", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, got)

	// Undeclared reads are rejected
	_, err = view.Get("hidden", &got)
	assert.Error(t, err)
}

func TestStateView_StagedWritesInvisibleUntilCommit(t *testing.T) {
	m, err := NewStateManager(nil)
	require.NoError(t, err)

	writer := m.ViewFor("writer", nil, []string{"result"})
	require.NoError(t, writer.Set("result", "draft"))

	// Another view over the same manager does not see the staged write
	reader := m.ViewFor("reader", []string{"result"}, nil)
	var s string
	ok, err := reader.Get("result", &s)
	require.NoError(t, err)
	assert.False(t, ok)

	// The writer sees its own staged value
	ok, err = writer.Get("result", &s)
	// "result" is not declared in Use, so even the writer cannot read it back
	assert.Error(t, err)
	_ = ok

	require.NoError(t, m.Commit(writer))
	assert.Equal(t, 1, m.Version())

	reader = m.ViewFor("reader2", []string{"result"}, nil)
	ok, err = reader.Get("result", &s)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "draft", s)
}

func TestStateView_OwnWritesVisibleWhenDeclared(t *testing.T) {
	m, err := NewStateManager(nil)
	require.NoError(t, err)

	view := m.ViewFor("step", []string{"counter"}, []string{"counter"})
	require.NoError(t, view.Set("counter", 5))

	var got int
	ok, err := view.Get("counter", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 5, got)
}

func TestStateView_ResetDropsStagedWrites(t *testing.T) {
	m, err := NewStateManager(nil)
	require.NoError(t, err)

	view := m.ViewFor("step", nil, []string{"a"})
	require.NoError(t, view.Set("a", 1))
	view.Reset()

	require.NoError(t, m.Commit(view))
	snap := m.Snapshot()
	_, exists := snap["a"]
	assert.False(t, exists)
	assert.Equal(t, 0, m.Version())
}

func TestStateManager_CommitAllConflict(t *testing.T) {
	m, err := NewStateManager(nil)
	require.NoError(t, err)

	a := m.ViewFor("a", nil, []string{"shared"})
	b := m.ViewFor("b", nil, []string{"shared"})
	require.NoError(t, a.Set("shared", 1))
	require.NoError(t, b.Set("shared", 2))

	err = m.CommitAll([]*StateView{a, b})
	require.Error(t, err)

	var conflict *StateConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "shared", conflict.Key)
	assert.ElementsMatch(t, []string{"a", "b"}, conflict.Steps)

	// Neither write was applied
	snap := m.Snapshot()
	_, exists := snap["shared"]
	assert.False(t, exists)
}

func TestStateManager_CommitAllDisjointWrites(t *testing.T) {
	m, err := NewStateManager(nil)
	require.NoError(t, err)

	a := m.ViewFor("a", nil, []string{"x"})
	b := m.ViewFor("b", nil, []string{"y"})
	require.NoError(t, a.Set("x", 1))
	require.NoError(t, b.Set("y", 2))

	require.NoError(t, m.CommitAll([]*StateView{a, b}))

	snap := m.Snapshot()
	assert.JSONEq(t, `1`, string(snap["x"]))
	assert.JSONEq(t, `2`, string(snap["y"]))
	assert.Equal(t, 1, m.Version())
}

func TestStateManager_AccessReports(t *testing.T) {
	m, err := NewStateManager(map[string]any{"in": 1})
	require.NoError(t, err)

	view := m.ViewFor("step", []string{"in", "never"}, []string{"out", "neverset"})
	var got int
	_, err = view.Get("in", &got)
	require.NoError(t, err)
	require.NoError(t, view.Set("out", 2))
	require.NoError(t, view.Set("undeclared", 3))

	require.NoError(t, m.Commit(view))

	reports := m.Reports()
	require.Len(t, reports, 1)
	rep := reports[0]
	assert.Equal(t, "step", rep.StepID)
	assert.Equal(t, []string{"in"}, rep.Reads)
	assert.ElementsMatch(t, []string{"out", "undeclared"}, rep.Writes)
	assert.Equal(t, []string{"undeclared"}, rep.UndeclaredWrites)
	assert.Equal(t, []string{"never"}, rep.UnusedUse)
	assert.Equal(t, []string{"neverset"}, rep.UnusedSet)
}

func TestStateManager_AppendScoreMetrics(t *testing.T) {
	m, err := NewStateManager(nil)
	require.NoError(t, err)
	assert.Nil(t, m.Metrics())

	seq := m.AppendScore(ScoreRecord{
		StepID:    "draft",
		Score:     0.5,
		Breakdown: map[string]float64{"quality": 0.5},
		Passed:    false,
		Attempt:   1,
	}, 1)
	assert.Equal(t, 1, seq)

	seq = m.AppendScore(ScoreRecord{
		StepID:    "draft",
		Score:     0.9,
		Breakdown: map[string]float64{"quality": 0.9},
		Passed:    true,
		Attempt:   2,
	}, 1)
	assert.Equal(t, 2, seq)

	metrics := m.Metrics()
	require.NotNil(t, metrics)
	assert.Equal(t, 2, metrics.TotalEvaluations)
	assert.InDelta(t, 0.7, metrics.AverageScore, 1e-9)
	assert.InDelta(t, 0.5, metrics.MinScore, 1e-9)
	assert.InDelta(t, 0.9, metrics.MaxScore, 1e-9)
	assert.InDelta(t, 0.5, metrics.PassRate, 1e-9)
	// Last score per step drives the ensemble score
	assert.InDelta(t, 0.9, metrics.EnsembleScore, 1e-9)
	assert.InDelta(t, 0.7, metrics.CriteriaBreakdown["quality"], 1e-9)
}

func TestStateManager_EnsembleScoreWeighted(t *testing.T) {
	m, err := NewStateManager(nil)
	require.NoError(t, err)

	m.AppendScore(ScoreRecord{StepID: "a", Score: 1.0, Breakdown: map[string]float64{"q": 1.0}, Passed: true, Attempt: 1}, 3)
	m.AppendScore(ScoreRecord{StepID: "b", Score: 0.5, Breakdown: map[string]float64{"q": 0.5}, Passed: false, Attempt: 1}, 1)

	metrics := m.Metrics()
	require.NotNil(t, metrics)
	// (1.0*3 + 0.5*1) / 4
	assert.InDelta(t, 0.875, metrics.EnsembleScore, 1e-9)
}

func TestStateManager_HistoryIsAppendOnly(t *testing.T) {
	m, err := NewStateManager(nil)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		m.AppendScore(ScoreRecord{
			StepID:    "s",
			Score:     float64(i) / 10,
			Breakdown: map[string]float64{"q": float64(i) / 10},
			Attempt:   i,
		}, 1)
	}

	history := m.History()
	require.Len(t, history, 3)
	for i, rec := range history {
		assert.Equal(t, i+1, rec.Attempt)
		assert.False(t, rec.Timestamp.IsZero())
	}
}

func TestStateView_SetRawCopies(t *testing.T) {
	m, err := NewStateManager(nil)
	require.NoError(t, err)

	view := m.ViewFor("step", nil, []string{"doc"})
	buf := []byte(`{"a":1}`)
	view.SetRaw("doc", buf)
	buf[2] = 'x' // mutate the caller's buffer after staging

	staged := view.Staged()
	assert.Equal(t, json.RawMessage(`{"a":1}`), staged["doc"])
}
