// Package expr implements the small expression language used in step input
// bindings, conditions, and output mappings. Expressions are compiled once at
// definition load time into a typed AST and evaluated against an immutable
// Scope snapshot per invocation.
package expr

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Expr is a compiled expression
type Expr struct {
	src  string
	root node
	refs []string
}

// Source returns the original expression text
func (e *Expr) Source() string {
	return e.src
}

// Refs returns every ${...} path the expression references
func (e *Expr) Refs() []string {
	return e.refs
}

// Eval evaluates the expression against a scope
func (e *Expr) Eval(scope *Scope) (any, error) {
	return e.root.eval(scope)
}

// EvalBool evaluates the expression and requires a boolean result
func (e *Expr) EvalBool(scope *Scope) (bool, error) {
	v, err := e.root.eval(scope)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q evaluated to %T, expected bool", e.src, v)
	}
	return b, nil
}

// Compile parses an expression like `${state.count} < 5 && ${input.enabled}`
// into an AST. Parse errors are reported with the offending source.
func Compile(src string) (*Expr, error) {
	p := &parser{src: src}
	p.next()
	root, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", src, err)
	}
	if p.tok.kind != tokEOF {
		return nil, fmt.Errorf("compile %q: unexpected %q at offset %d", src, p.tok.text, p.tok.pos)
	}
	return &Expr{src: src, root: root, refs: collectRefs(root)}, nil
}

// AST nodes

type node interface {
	eval(s *Scope) (any, error)
}

type literalNode struct {
	val any
}

func (n *literalNode) eval(*Scope) (any, error) {
	return n.val, nil
}

type refNode struct {
	path string
}

func (n *refNode) eval(s *Scope) (any, error) {
	return s.Resolve(n.path)
}

type unaryNode struct {
	x node
}

func (n *unaryNode) eval(s *Scope) (any, error) {
	v, err := n.x.eval(s)
	if err != nil {
		return nil, err
	}
	b, ok := v.(bool)
	if !ok {
		return nil, fmt.Errorf("operator ! requires bool, got %T", v)
	}
	return !b, nil
}

type binaryNode struct {
	op       string
	lhs, rhs node
}

func (n *binaryNode) eval(s *Scope) (any, error) {
	l, err := n.lhs.eval(s)
	if err != nil {
		return nil, err
	}

	// Short-circuit logical operators
	if n.op == "&&" || n.op == "||" {
		lb, ok := l.(bool)
		if !ok {
			return nil, fmt.Errorf("operator %s requires bool operands, got %T", n.op, l)
		}
		if n.op == "&&" && !lb {
			return false, nil
		}
		if n.op == "||" && lb {
			return true, nil
		}
		r, err := n.rhs.eval(s)
		if err != nil {
			return nil, err
		}
		rb, ok := r.(bool)
		if !ok {
			return nil, fmt.Errorf("operator %s requires bool operands, got %T", n.op, r)
		}
		return rb, nil
	}

	r, err := n.rhs.eval(s)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return valuesEqual(l, r), nil
	case "!=":
		return !valuesEqual(l, r), nil
	case "<", "<=", ">", ">=":
		return compareOrdered(n.op, l, r)
	}
	return nil, fmt.Errorf("unknown operator %s", n.op)
}

func valuesEqual(l, r any) bool {
	if lf, lok := toFloat(l); lok {
		if rf, rok := toFloat(r); rok {
			return lf == rf
		}
		return false
	}
	switch lv := l.(type) {
	case string:
		rv, ok := r.(string)
		return ok && lv == rv
	case bool:
		rv, ok := r.(bool)
		return ok && lv == rv
	case nil:
		return r == nil
	}
	return false
}

func compareOrdered(op string, l, r any) (any, error) {
	if lf, lok := toFloat(l); lok {
		rf, rok := toFloat(r)
		if !rok {
			return nil, fmt.Errorf("operator %s: cannot compare number with %T", op, r)
		}
		switch op {
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		}
	}
	if ls, ok := l.(string); ok {
		rs, rok := r.(string)
		if !rok {
			return nil, fmt.Errorf("operator %s: cannot compare string with %T", op, r)
		}
		switch op {
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		}
	}
	return nil, fmt.Errorf("operator %s requires numbers or strings, got %T", op, l)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func collectRefs(n node) []string {
	var refs []string
	var walk func(node)
	walk = func(n node) {
		switch v := n.(type) {
		case *refNode:
			refs = append(refs, v.path)
		case *unaryNode:
			walk(v.x)
		case *binaryNode:
			walk(v.lhs)
			walk(v.rhs)
		}
	}
	walk(n)
	return refs
}

// Lexer / parser

type tokKind int

const (
	tokEOF tokKind = iota
	tokRef
	tokNumber
	tokString
	tokIdent
	tokOp
	tokLParen
	tokRParen
	tokUnterminated
)

type token struct {
	kind tokKind
	text string
	pos  int
}

type parser struct {
	src string
	off int
	tok token
}

func (p *parser) next() {
	for p.off < len(p.src) && unicode.IsSpace(rune(p.src[p.off])) {
		p.off++
	}
	start := p.off
	if p.off >= len(p.src) {
		p.tok = token{kind: tokEOF, pos: start}
		return
	}

	c := p.src[p.off]
	switch {
	case c == '$' && p.off+1 < len(p.src) && p.src[p.off+1] == '{':
		end := strings.IndexByte(p.src[p.off:], '}')
		if end < 0 {
			p.tok = token{kind: tokUnterminated, text: p.src[p.off:], pos: start}
			p.off = len(p.src)
			return
		}
		p.tok = token{kind: tokRef, text: p.src[p.off+2 : p.off+end], pos: start}
		p.off += end + 1
	case c == '(':
		p.tok = token{kind: tokLParen, text: "(", pos: start}
		p.off++
	case c == ')':
		p.tok = token{kind: tokRParen, text: ")", pos: start}
		p.off++
	case c == '\'' || c == '"':
		quote := c
		end := p.off + 1
		for end < len(p.src) && p.src[end] != quote {
			end++
		}
		if end >= len(p.src) {
			p.tok = token{kind: tokUnterminated, text: p.src[p.off:], pos: start}
			p.off = len(p.src)
			return
		}
		p.tok = token{kind: tokString, text: p.src[p.off+1 : end], pos: start}
		p.off = end + 1
	case c >= '0' && c <= '9' || c == '-' && p.off+1 < len(p.src) && p.src[p.off+1] >= '0' && p.src[p.off+1] <= '9':
		end := p.off + 1
		for end < len(p.src) && (p.src[end] >= '0' && p.src[end] <= '9' || p.src[end] == '.') {
			end++
		}
		p.tok = token{kind: tokNumber, text: p.src[p.off:end], pos: start}
		p.off = end
	case isOpChar(c):
		end := p.off + 1
		for end < len(p.src) && isOpChar(p.src[end]) {
			end++
		}
		p.tok = token{kind: tokOp, text: p.src[p.off:end], pos: start}
		p.off = end
	case isIdentChar(c):
		end := p.off + 1
		for end < len(p.src) && isIdentChar(p.src[end]) {
			end++
		}
		p.tok = token{kind: tokIdent, text: p.src[p.off:end], pos: start}
		p.off = end
	default:
		p.tok = token{kind: tokOp, text: string(c), pos: start}
		p.off++
	}
}

func isOpChar(c byte) bool {
	return c == '=' || c == '!' || c == '<' || c == '>' || c == '&' || c == '|'
}

func isIdentChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_'
}

func (p *parser) parseOr() (node, error) {
	lhs, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && p.tok.text == "||" {
		p.next()
		rhs, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		lhs = &binaryNode{op: "||", lhs: lhs, rhs: rhs}
	}
	return lhs, nil
}

func (p *parser) parseAnd() (node, error) {
	lhs, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && p.tok.text == "&&" {
		p.next()
		rhs, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		lhs = &binaryNode{op: "&&", lhs: lhs, rhs: rhs}
	}
	return lhs, nil
}

func (p *parser) parseComparison() (node, error) {
	lhs, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	if p.tok.kind == tokOp {
		switch p.tok.text {
		case "==", "!=", "<", "<=", ">", ">=":
			op := p.tok.text
			p.next()
			rhs, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			return &binaryNode{op: op, lhs: lhs, rhs: rhs}, nil
		}
	}
	return lhs, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.tok.kind == tokOp && p.tok.text == "!" {
		p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{x: x}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.tok
	switch tok.kind {
	case tokRef:
		if tok.text == "" {
			return nil, fmt.Errorf("empty reference at offset %d", tok.pos)
		}
		p.next()
		return &refNode{path: tok.text}, nil
	case tokNumber:
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q at offset %d", tok.text, tok.pos)
		}
		p.next()
		return &literalNode{val: f}, nil
	case tokString:
		p.next()
		return &literalNode{val: tok.text}, nil
	case tokIdent:
		p.next()
		switch tok.text {
		case "true":
			return &literalNode{val: true}, nil
		case "false":
			return &literalNode{val: false}, nil
		case "null":
			return &literalNode{val: nil}, nil
		}
		return nil, fmt.Errorf("unknown identifier %q at offset %d (references must use ${...})", tok.text, tok.pos)
	case tokLParen:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis at offset %d", p.tok.pos)
		}
		p.next()
		return inner, nil
	case tokUnterminated:
		return nil, fmt.Errorf("unterminated %q at offset %d", tok.text, tok.pos)
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of expression")
	}
	return nil, fmt.Errorf("unexpected %q at offset %d", tok.text, tok.pos)
}
