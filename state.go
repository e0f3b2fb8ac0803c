package ensemble

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// AccessReport records what a step actually touched against what it declared.
// Undeclared writes are allowed but surfaced here so definition drift can be
// detected; undeclared reads are rejected at read time.
type AccessReport struct {
	StepID           string   `json:"stepId"`
	Reads            []string `json:"reads,omitempty"`
	Writes           []string `json:"writes,omitempty"`
	UndeclaredWrites []string `json:"undeclaredWrites,omitempty"`
	UnusedUse        []string `json:"unusedUse,omitempty"`
	UnusedSet        []string `json:"unusedSet,omitempty"`
}

// StateManager owns the versioned execution state of one run: the committed
// key/value documents, the append-only score history, and the quality metrics
// derived from it. Steps never touch committed state directly; they stage
// writes in a StateView and the scheduler commits views atomically.
type StateManager struct {
	mu        sync.Mutex
	committed map[string]json.RawMessage
	version   int
	history   []ScoreRecord
	weights   map[string]float64 // member weight per scored step
	metrics   QualityMetrics
	reports   []AccessReport
}

// NewStateManager seeds the state from the definition's initial values
func NewStateManager(initial map[string]any) (*StateManager, error) {
	m := &StateManager{
		committed: make(map[string]json.RawMessage, len(initial)),
		weights:   make(map[string]float64),
	}
	for key, val := range initial {
		doc, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("initial state key %q: %w", key, err)
		}
		m.committed[key] = doc
	}
	return m, nil
}

// Version returns the commit counter, incremented on every applied commit
func (m *StateManager) Version() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

// Snapshot returns a copy of the committed state
func (m *StateManager) Snapshot() map[string]json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyState(m.committed)
}

// ViewFor creates an isolated view over the current committed state for one
// step, scoped to its declared reads and writes.
func (m *StateManager) ViewFor(stepID string, use, set []string) *StateView {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &StateView{
		stepID: stepID,
		base:   copyState(m.committed),
		use:    toSet(use),
		set:    toSet(set),
		staged: make(map[string]json.RawMessage),
		reads:  make(map[string]bool),
	}
}

// Commit applies one view's staged writes atomically and records its access
// report. A view is committed at most once.
func (m *StateManager) Commit(view *StateView) error {
	return m.CommitAll([]*StateView{view})
}

// CommitAll applies the staged writes of several views as one atomic commit.
// If two views wrote the same key, nothing is applied and a
// StateConflictError is returned. Used to join parallel group members.
func (m *StateManager) CommitAll(views []*StateView) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	writers := make(map[string][]string)
	for _, v := range views {
		for key := range v.staged {
			writers[key] = append(writers[key], v.stepID)
		}
	}
	for key, steps := range writers {
		if len(steps) > 1 {
			sort.Strings(steps)
			return &StateConflictError{Key: key, Steps: steps}
		}
	}

	applied := false
	for _, v := range views {
		for key, doc := range v.staged {
			m.committed[key] = doc
			applied = true
		}
		m.reports = append(m.reports, v.report())
	}
	if applied {
		m.version++
	}
	return nil
}

// Discard records a view's access report without applying its writes. Used
// when a step's outcome invalidates its staged state.
func (m *StateManager) Discard(view *StateView) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, view.report())
}

// AppendScore adds one evaluation record to the history and recomputes the
// quality metrics. Every evaluation is recorded, passing or not. Returns the
// record's 1-based position in the history.
func (m *StateManager) AppendScore(rec ScoreRecord, weight float64) int {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if weight <= 0 {
		weight = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, rec)
	m.weights[rec.StepID] = weight
	m.recomputeMetrics()
	return len(m.history)
}

// History returns a copy of the full score history in append order
func (m *StateManager) History() []ScoreRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ScoreRecord(nil), m.history...)
}

// Metrics returns the current derived quality metrics
func (m *StateManager) Metrics() *QualityMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return nil
	}
	out := m.metrics
	out.CriteriaBreakdown = copyFloats(m.metrics.CriteriaBreakdown)
	return &out
}

// Reports returns the access reports of all committed or discarded views
func (m *StateManager) Reports() []AccessReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AccessReport(nil), m.reports...)
}

// recomputeMetrics derives QualityMetrics from the history. Caller holds mu.
func (m *StateManager) recomputeMetrics() {
	total := len(m.history)
	if total == 0 {
		m.metrics = QualityMetrics{}
		return
	}

	var sum float64
	var passed int
	minScore, maxScore := m.history[0].Score, m.history[0].Score
	critSum := make(map[string]float64)
	critCount := make(map[string]int)
	lastPerStep := make(map[string]float64)

	for _, rec := range m.history {
		sum += rec.Score
		if rec.Passed {
			passed++
		}
		if rec.Score < minScore {
			minScore = rec.Score
		}
		if rec.Score > maxScore {
			maxScore = rec.Score
		}
		for name, v := range rec.Breakdown {
			critSum[name] += v
			critCount[name]++
		}
		lastPerStep[rec.StepID] = rec.Score
	}

	breakdown := make(map[string]float64, len(critSum))
	for name, s := range critSum {
		breakdown[name] = s / float64(critCount[name])
	}

	// Ensemble score: member-weighted mean of each scored step's final score
	var wSum, wTotal float64
	for stepID, score := range lastPerStep {
		w := m.weights[stepID]
		if w <= 0 {
			w = 1
		}
		wSum += score * w
		wTotal += w
	}

	m.metrics = QualityMetrics{
		EnsembleScore:     wSum / wTotal,
		AverageScore:      sum / float64(total),
		MinScore:          minScore,
		MaxScore:          maxScore,
		TotalEvaluations:  total,
		PassRate:          float64(passed) / float64(total),
		CriteriaBreakdown: breakdown,
	}
}

// StateView is one step's isolated window onto the run state. Reads are
// restricted to the step's declared Use keys and see the committed snapshot
// taken at view creation plus the view's own staged writes. Writes are staged
// until the scheduler commits the view.
type StateView struct {
	stepID string
	base   map[string]json.RawMessage
	use    map[string]bool
	set    map[string]bool
	staged map[string]json.RawMessage
	reads  map[string]bool

	undeclaredWrites []string
}

// StepID returns the owning step's ID
func (v *StateView) StepID() string {
	return v.stepID
}

// GetRaw returns the JSON document for a declared state key. Reading a key
// the step did not declare in Use is an error; a declared but unset key
// returns ok=false.
func (v *StateView) GetRaw(key string) (json.RawMessage, bool, error) {
	if !v.use[key] {
		return nil, false, fmt.Errorf("step %s reads state key %q without declaring it in use", v.stepID, key)
	}
	v.reads[key] = true
	if doc, ok := v.staged[key]; ok {
		return doc, true, nil
	}
	doc, ok := v.base[key]
	return doc, ok, nil
}

// Get unmarshals a declared state key into out
func (v *StateView) Get(key string, out any) (bool, error) {
	doc, ok, err := v.GetRaw(key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(doc, out); err != nil {
		return true, fmt.Errorf("state key %q: %w", key, err)
	}
	return true, nil
}

// SetRaw stages a JSON document under a state key. Writes to keys outside
// the declared Set list are accepted but flagged in the access report.
func (v *StateView) SetRaw(key string, doc json.RawMessage) {
	if !v.set[key] && !containsString(v.undeclaredWrites, key) {
		v.undeclaredWrites = append(v.undeclaredWrites, key)
	}
	v.staged[key] = append(json.RawMessage(nil), doc...)
}

// Set marshals a value and stages it under a state key
func (v *StateView) Set(key string, val any) error {
	doc, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("state key %q: %w", key, err)
	}
	v.SetRaw(key, doc)
	return nil
}

// Staged returns a copy of the view's pending writes
func (v *StateView) Staged() map[string]json.RawMessage {
	return copyState(v.staged)
}

// Reset drops all staged writes, keeping read tracking. Used between retry
// attempts so a failed attempt's writes never leak into the next one.
func (v *StateView) Reset() {
	v.staged = make(map[string]json.RawMessage)
	v.undeclaredWrites = nil
}

func (v *StateView) report() AccessReport {
	rep := AccessReport{StepID: v.stepID}
	for key := range v.reads {
		rep.Reads = append(rep.Reads, key)
	}
	for key := range v.staged {
		rep.Writes = append(rep.Writes, key)
	}
	rep.UndeclaredWrites = append([]string(nil), v.undeclaredWrites...)
	for key := range v.use {
		if !v.reads[key] {
			rep.UnusedUse = append(rep.UnusedUse, key)
		}
	}
	for key := range v.set {
		if _, ok := v.staged[key]; !ok {
			rep.UnusedSet = append(rep.UnusedSet, key)
		}
	}
	sort.Strings(rep.Reads)
	sort.Strings(rep.Writes)
	sort.Strings(rep.UnusedUse)
	sort.Strings(rep.UnusedSet)
	return rep
}

func copyState(src map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(src))
	for k, v := range src {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

func copyFloats(src map[string]float64) map[string]float64 {
	if src == nil {
		return nil
	}
	out := make(map[string]float64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func toSet(keys []string) map[string]bool {
	out := make(map[string]bool, len(keys))
	for _, k := range keys {
		out[k] = true
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
