package workflow

// Branching steps carry a small closed-form boolean expression evaluated
// against the run's state and inputs. The grammar is fixed at parse time:
//
//	expr    := or
//	or      := and ( "||" and )*
//	and     := unary ( "&&" unary )*
//	unary   := "!" unary | primary
//	primary := "(" expr ")" | operand ( cmpOp operand )?
//	operand := number | string | true | false | path
//	cmpOp   := "==" | "!=" | ">" | ">=" | "<" | "<="
//
// Paths are dotted lookups like state.marginPercent or inputs.orderId. A bare
// operand in boolean position is truthy when it is true, a non-zero number or
// a non-empty string. There is no function call, assignment or side effect.

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Expr is a parsed boolean expression node.
type Expr interface {
	eval(env exprEnv) (interface{}, error)
}

type exprEnv struct {
	state  map[string]interface{}
	inputs map[string]interface{}
}

// ParseExpr compiles the expression source into an AST.
func ParseExpr(src string) (Expr, error) {
	toks, err := lexExpr(src)
	if err != nil {
		return nil, err
	}
	p := &exprParser{toks: toks}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.done() {
		return nil, fmt.Errorf("unexpected token %q in expression %q", p.peek().text, src)
	}
	return node, nil
}

// EvalExpr evaluates a parsed expression to a boolean.
func EvalExpr(e Expr, state, inputs map[string]interface{}) (bool, error) {
	v, err := e.eval(exprEnv{state: state, inputs: inputs})
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
}

func lexExpr(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := rune(src[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == '\'' || c == '"':
			quote := src[i]
			j := i + 1
			for j < len(src) && src[j] != quote {
				j++
			}
			if j >= len(src) {
				return nil, fmt.Errorf("unterminated string in expression %q", src)
			}
			toks = append(toks, token{tokString, src[i+1 : j]})
			i = j + 1
		case strings.ContainsRune("=!<>&|", c):
			j := i + 1
			for j < len(src) && strings.ContainsRune("=!<>&|", rune(src[j])) {
				j++
			}
			op := src[i:j]
			switch op {
			case "==", "!=", ">", ">=", "<", "<=", "&&", "||", "!":
				toks = append(toks, token{tokOp, op})
			default:
				return nil, fmt.Errorf("unknown operator %q in expression %q", op, src)
			}
			i = j
		case unicode.IsDigit(c) || (c == '-' && i+1 < len(src) && unicode.IsDigit(rune(src[i+1]))):
			j := i + 1
			for j < len(src) && (unicode.IsDigit(rune(src[j])) || src[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, src[i:j]})
			i = j
		case unicode.IsLetter(c) || c == '_':
			j := i + 1
			for j < len(src) && (unicode.IsLetter(rune(src[j])) || unicode.IsDigit(rune(src[j])) || src[j] == '_' || src[j] == '.') {
				j++
			}
			toks = append(toks, token{tokIdent, src[i:j]})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q in expression %q", c, src)
		}
	}
	return append(toks, token{tokEOF, ""}), nil
}

type exprParser struct {
	toks []token
	pos  int
}

func (p *exprParser) peek() token { return p.toks[p.pos] }
func (p *exprParser) next() token { t := p.toks[p.pos]; p.pos++; return t }
func (p *exprParser) done() bool  { return p.peek().kind == tokEOF }

func (p *exprParser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && p.peek().text == "||" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryExpr{op: "||", left: left, right: right}
	}
	return left, nil
}

func (p *exprParser) parseAnd() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && p.peek().text == "&&" {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryExpr{op: "&&", left: left, right: right}
	}
	return left, nil
}

func (p *exprParser) parseUnary() (Expr, error) {
	if p.peek().kind == tokOp && p.peek().text == "!" {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notExpr{inner: inner}, nil
	}
	return p.parsePrimary()
}

func (p *exprParser) parsePrimary() (Expr, error) {
	if p.peek().kind == tokLParen {
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, fmt.Errorf("expected ) but found %q", p.peek().text)
		}
		p.next()
		return inner, nil
	}
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	if p.peek().kind == tokOp {
		switch op := p.peek().text; op {
		case "==", "!=", ">", ">=", "<", "<=":
			p.next()
			right, err := p.parseOperand()
			if err != nil {
				return nil, err
			}
			return &binaryExpr{op: op, left: left, right: right}, nil
		}
	}
	return left, nil
}

func (p *exprParser) parseOperand() (Expr, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		n, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q: %w", t.text, err)
		}
		return &literalExpr{value: n}, nil
	case tokString:
		return &literalExpr{value: t.text}, nil
	case tokIdent:
		switch t.text {
		case "true":
			return &literalExpr{value: true}, nil
		case "false":
			return &literalExpr{value: false}, nil
		}
		return &pathExpr{path: strings.Split(t.text, ".")}, nil
	default:
		return nil, fmt.Errorf("expected operand but found %q", t.text)
	}
}

type literalExpr struct{ value interface{} }

func (l *literalExpr) eval(exprEnv) (interface{}, error) { return l.value, nil }

// pathExpr resolves a dotted lookup. The first segment selects the namespace
// (state or inputs); a bare name is looked up in state then inputs.
type pathExpr struct{ path []string }

func (pe *pathExpr) eval(env exprEnv) (interface{}, error) {
	segs := pe.path
	var root interface{}
	switch segs[0] {
	case "state":
		root = env.state
		segs = segs[1:]
	case "inputs":
		root = env.inputs
		segs = segs[1:]
	default:
		if v, ok := lookup(env.state, segs); ok {
			return v, nil
		}
		if v, ok := lookup(env.inputs, segs); ok {
			return v, nil
		}
		return nil, nil
	}
	if m, ok := root.(map[string]interface{}); ok {
		if v, ok := lookup(m, segs); ok {
			return v, nil
		}
	}
	return nil, nil
}

func lookup(m map[string]interface{}, segs []string) (interface{}, bool) {
	var cur interface{} = m
	for _, s := range segs {
		mm, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = mm[s]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

type notExpr struct{ inner Expr }

func (n *notExpr) eval(env exprEnv) (interface{}, error) {
	v, err := n.inner.eval(env)
	if err != nil {
		return nil, err
	}
	return !truthy(v), nil
}

type binaryExpr struct {
	op          string
	left, right Expr
}

func (b *binaryExpr) eval(env exprEnv) (interface{}, error) {
	lv, err := b.left.eval(env)
	if err != nil {
		return nil, err
	}
	switch b.op {
	case "&&":
		if !truthy(lv) {
			return false, nil
		}
		rv, err := b.right.eval(env)
		if err != nil {
			return nil, err
		}
		return truthy(rv), nil
	case "||":
		if truthy(lv) {
			return true, nil
		}
		rv, err := b.right.eval(env)
		if err != nil {
			return nil, err
		}
		return truthy(rv), nil
	}

	rv, err := b.right.eval(env)
	if err != nil {
		return nil, err
	}
	switch b.op {
	case "==":
		return valuesEqual(lv, rv), nil
	case "!=":
		return !valuesEqual(lv, rv), nil
	}

	ln, lok := toNumber(lv)
	rn, rok := toNumber(rv)
	if !lok || !rok {
		return nil, fmt.Errorf("operator %s requires numeric operands, got %T and %T", b.op, lv, rv)
	}
	switch b.op {
	case ">":
		return ln > rn, nil
	case ">=":
		return ln >= rn, nil
	case "<":
		return ln < rn, nil
	case "<=":
		return ln <= rn, nil
	}
	return nil, fmt.Errorf("unknown operator %s", b.op)
}

func valuesEqual(a, b interface{}) bool {
	if an, ok := toNumber(a); ok {
		if bn, ok := toNumber(b); ok {
			return an == bn
		}
	}
	return a == b
}

func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	default:
		if n, ok := toNumber(v); ok {
			return n != 0
		}
		return true
	}
}
