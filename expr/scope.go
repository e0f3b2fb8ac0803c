package expr

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Scope is the immutable evaluation context an expression resolves against.
// All documents are JSON bytes; path traversal inside them uses gjson.
type Scope struct {
	// Input is the workflow input document (root: input.*)
	Input json.RawMessage

	// Outputs maps step ID to its committed output (root: steps.<id>.output.*)
	Outputs map[string]json.RawMessage

	// Failed marks steps whose executor failed (root: steps.<id>.failed)
	Failed map[string]bool

	// State is the committed state snapshot (root: state.<key>.*)
	State map[string]json.RawMessage

	// Env resolves environment/config values (root: env.<NAME>)
	Env func(key string) string

	// Retry is set only while resolving a retry attempt's augmented input
	// (roots: previousScore, feedback, attempt)
	Retry *RetryInfo
}

// RetryInfo carries the prior attempt's evaluation into the next attempt
type RetryInfo struct {
	PreviousScore float64
	Feedback      string
	Attempt       int
}

// Resolve looks up a ${...} reference path
func (s *Scope) Resolve(path string) (any, error) {
	root, rest, _ := strings.Cut(path, ".")

	switch root {
	case "input":
		if rest == "" {
			return decodeJSON(s.Input)
		}
		return lookupJSON(s.Input, rest, path)

	case "steps":
		stepID, field, ok := strings.Cut(rest, ".")
		if !ok || stepID == "" {
			return nil, fmt.Errorf("reference %q: expected steps.<id>.output or steps.<id>.failed", path)
		}
		if field == "failed" {
			return s.Failed[stepID], nil
		}
		sub, hasSub := strings.CutPrefix(field, "output.")
		if field != "output" && !hasSub {
			return nil, fmt.Errorf("reference %q: unknown step field %q", path, field)
		}
		doc, ok := s.Outputs[stepID]
		if !ok {
			return nil, fmt.Errorf("reference %q: no output recorded for step %q", path, stepID)
		}
		if field == "output" {
			return decodeJSON(doc)
		}
		return lookupJSON(doc, sub, path)

	case "state":
		key, sub, _ := strings.Cut(rest, ".")
		if key == "" {
			return nil, fmt.Errorf("reference %q: expected state.<key>", path)
		}
		doc, ok := s.State[key]
		if !ok {
			return nil, fmt.Errorf("reference %q: state key %q not set", path, key)
		}
		if sub == "" {
			return decodeJSON(doc)
		}
		return lookupJSON(doc, sub, path)

	case "env":
		if rest == "" {
			return nil, fmt.Errorf("reference %q: expected env.<NAME>", path)
		}
		if s.Env == nil {
			return "", nil
		}
		return s.Env(rest), nil

	case "retry":
		return s.resolveRetry(rest, path)

	case "previousScore", "feedback", "attempt":
		return s.resolveRetry(root, path)
	}

	return nil, fmt.Errorf("reference %q: unknown root %q", path, root)
}

func (s *Scope) resolveRetry(field, path string) (any, error) {
	if s.Retry == nil {
		return nil, fmt.Errorf("reference %q is only available during a retry attempt", path)
	}
	switch field {
	case "previousScore":
		return s.Retry.PreviousScore, nil
	case "feedback":
		return s.Retry.Feedback, nil
	case "attempt":
		return float64(s.Retry.Attempt), nil
	}
	return nil, fmt.Errorf("reference %q: unknown retry field %q", path, field)
}

func lookupJSON(doc json.RawMessage, sub, path string) (any, error) {
	if len(doc) == 0 {
		return nil, fmt.Errorf("reference %q: document is empty", path)
	}
	res := gjson.GetBytes(doc, sub)
	if !res.Exists() {
		return nil, fmt.Errorf("reference %q: path not found", path)
	}
	return res.Value(), nil
}

func decodeJSON(doc json.RawMessage) (any, error) {
	if len(doc) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return nil, fmt.Errorf("malformed JSON document: %w", err)
	}
	return v, nil
}
