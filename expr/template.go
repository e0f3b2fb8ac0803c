package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// Template is a compiled string that may embed ${...} references. A string
// that is exactly one reference resolves to the referenced value with its
// type preserved; embedded references interpolate into a string.
type Template struct {
	src      string
	segments []segment
}

type segment struct {
	literal string
	expr    *Expr // nil for literal segments
}

// ParseTemplate compiles a binding string
func ParseTemplate(src string) (*Template, error) {
	t := &Template{src: src}
	rest := src
	for {
		i := strings.Index(rest, "${")
		if i < 0 {
			if rest != "" {
				t.segments = append(t.segments, segment{literal: rest})
			}
			return t, nil
		}
		if i > 0 {
			t.segments = append(t.segments, segment{literal: rest[:i]})
		}
		end := strings.IndexByte(rest[i:], '}')
		if end < 0 {
			return nil, fmt.Errorf("template %q: unterminated ${", src)
		}
		ref := rest[i : i+end+1]
		e, err := Compile(ref)
		if err != nil {
			return nil, err
		}
		t.segments = append(t.segments, segment{expr: e})
		rest = rest[i+end+1:]
	}
}

// HasRefs reports whether the template embeds any references
func (t *Template) HasRefs() bool {
	for _, s := range t.segments {
		if s.expr != nil {
			return true
		}
	}
	return false
}

// Refs returns all referenced paths
func (t *Template) Refs() []string {
	var refs []string
	for _, s := range t.segments {
		if s.expr != nil {
			refs = append(refs, s.expr.Refs()...)
		}
	}
	return refs
}

// Resolve evaluates the template against a scope
func (t *Template) Resolve(scope *Scope) (any, error) {
	// Whole-string reference: preserve the referenced value's type
	if len(t.segments) == 1 && t.segments[0].expr != nil {
		return t.segments[0].expr.Eval(scope)
	}

	var b strings.Builder
	for _, s := range t.segments {
		if s.expr == nil {
			b.WriteString(s.literal)
			continue
		}
		v, err := s.expr.Eval(scope)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(v))
	}
	return b.String(), nil
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// Binding is a compiled input-binding value tree: maps and slices are
// traversed, strings become templates, everything else is literal.
type Binding struct {
	value any // *Template | map[string]*Binding | []*Binding | literal
}

// CompileBinding compiles an input-binding value tree
func CompileBinding(v any) (*Binding, error) {
	switch x := v.(type) {
	case string:
		t, err := ParseTemplate(x)
		if err != nil {
			return nil, err
		}
		return &Binding{value: t}, nil
	case map[string]any:
		m := make(map[string]*Binding, len(x))
		for k, e := range x {
			b, err := CompileBinding(e)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			m[k] = b
		}
		return &Binding{value: m}, nil
	case []any:
		s := make([]*Binding, len(x))
		for i, e := range x {
			b, err := CompileBinding(e)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			s[i] = b
		}
		return &Binding{value: s}, nil
	default:
		return &Binding{value: v}, nil
	}
}

// Refs returns all referenced paths in the binding tree
func (b *Binding) Refs() []string {
	var refs []string
	switch x := b.value.(type) {
	case *Template:
		refs = append(refs, x.Refs()...)
	case map[string]*Binding:
		for _, e := range x {
			refs = append(refs, e.Refs()...)
		}
	case []*Binding:
		for _, e := range x {
			refs = append(refs, e.Refs()...)
		}
	}
	return refs
}

// Resolve evaluates the binding tree against a scope
func (b *Binding) Resolve(scope *Scope) (any, error) {
	switch x := b.value.(type) {
	case *Template:
		return x.Resolve(scope)
	case map[string]*Binding:
		out := make(map[string]any, len(x))
		for k, e := range x {
			v, err := e.Resolve(scope)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			out[k] = v
		}
		return out, nil
	case []*Binding:
		out := make([]any, len(x))
		for i, e := range x {
			v, err := e.Resolve(scope)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = v
		}
		return out, nil
	default:
		return x, nil
	}
}
