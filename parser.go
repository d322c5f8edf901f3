package abac

import (
	"fmt"
	"strconv"
	"strings"
)

// ============================================================================
// POLICY GRAMMAR
// ============================================================================
//
// permit|forbid(principal <op> <val>, action <op> <val>, resource <op> <val>)
//     [when { <condition> }]
//
// Each head clause may also be the bare keyword (principal / action /
// resource) meaning "any". Conditions combine comparisons and `in`
// membership with &&, || and ! over principal.*, action, resource.* and
// context.* attributes.

// PolicyAST is the effect-bearing parsed form of one policy.
type PolicyAST struct {
	Effect    Effect
	Principal Expr
	Action    Expr
	Resource  Expr
	Condition Expr

	// Coarse index hints extracted from the head clauses. Empty means
	// the policy can apply to any action / resource type.
	Actions       []string
	ResourceTypes []string
}

// Matches reports whether all three head clauses and the condition hold.
func (a *PolicyAST) Matches(req *AccessRequest) bool {
	return a.Principal.Evaluate(req) &&
		a.Action.Evaluate(req) &&
		a.Resource.Evaluate(req) &&
		a.Condition.Evaluate(req)
}

// String renders the AST back to canonical policy text.
func (a *PolicyAST) String() string {
	var b strings.Builder
	b.WriteString(string(a.Effect))
	b.WriteByte('(')
	b.WriteString(clauseText("principal", a.Principal))
	b.WriteString(", ")
	b.WriteString(clauseText("action", a.Action))
	b.WriteString(", ")
	b.WriteString(clauseText("resource", a.Resource))
	b.WriteByte(')')
	if _, isTrue := a.Condition.(*TrueExpr); !isTrue {
		b.WriteString(" when { ")
		b.WriteString(a.Condition.String())
		b.WriteString(" }")
	}
	return b.String()
}

func clauseText(head string, e Expr) string {
	if _, isTrue := e.(*TrueExpr); isTrue {
		return head
	}
	return e.String()
}

// ParsePolicy parses policy text into its AST. Errors are
// *ValidationError with line/column where determinable.
func ParsePolicy(text string) (*PolicyAST, error) {
	lx := newLexer(text)
	toks, err := lx.run()
	if err != nil {
		return nil, err
	}
	p := &policyParser{toks: toks}
	ast, err := p.parse()
	if err != nil {
		return nil, err
	}
	return ast, nil
}

// ============================================================================
// LEXER
// ============================================================================

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokString
	tokNumber
	tokOp     // == != < <= > >=
	tokLParen // (
	tokRParen
	tokLBrace // {
	tokRBrace
	tokLBrack // [
	tokRBrack
	tokComma
	tokBang
	tokAndAnd
	tokOrOr
	tokEOF
)

type token struct {
	kind tokenKind
	text string
	line int
	col  int
}

type lexer struct {
	src  string
	pos  int
	line int
	col  int
}

func newLexer(src string) *lexer {
	return &lexer{src: src, line: 1, col: 1}
}

func (l *lexer) errf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...), Line: l.line, Col: l.col}
}

func (l *lexer) advance() byte {
	c := l.src[l.pos]
	l.pos++
	if c == '\n' {
		l.line++
		l.col = 1
	} else {
		l.col++
	}
	return c
}

func (l *lexer) run() ([]token, error) {
	var toks []token
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		line, col := l.line, l.col
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			l.advance()
		case c == '(':
			l.advance()
			toks = append(toks, token{tokLParen, "(", line, col})
		case c == ')':
			l.advance()
			toks = append(toks, token{tokRParen, ")", line, col})
		case c == '{':
			l.advance()
			toks = append(toks, token{tokLBrace, "{", line, col})
		case c == '}':
			l.advance()
			toks = append(toks, token{tokRBrace, "}", line, col})
		case c == '[':
			l.advance()
			toks = append(toks, token{tokLBrack, "[", line, col})
		case c == ']':
			l.advance()
			toks = append(toks, token{tokRBrack, "]", line, col})
		case c == ',':
			l.advance()
			toks = append(toks, token{tokComma, ",", line, col})
		case c == ';':
			l.advance() // trailing terminator, ignored
		case c == '=' || c == '!' || c == '<' || c == '>':
			l.advance()
			if l.pos < len(l.src) && l.src[l.pos] == '=' {
				l.advance()
				toks = append(toks, token{tokOp, string(c) + "=", line, col})
				break
			}
			switch c {
			case '<', '>':
				toks = append(toks, token{tokOp, string(c), line, col})
			case '!':
				toks = append(toks, token{tokBang, "!", line, col})
			default:
				return nil, l.errf("unexpected %q, want ==", c)
			}
		case c == '&':
			l.advance()
			if l.pos >= len(l.src) || l.src[l.pos] != '&' {
				return nil, l.errf("unexpected '&', want &&")
			}
			l.advance()
			toks = append(toks, token{tokAndAnd, "&&", line, col})
		case c == '|':
			l.advance()
			if l.pos >= len(l.src) || l.src[l.pos] != '|' {
				return nil, l.errf("unexpected '|', want ||")
			}
			l.advance()
			toks = append(toks, token{tokOrOr, "||", line, col})
		case c == '"':
			l.advance()
			var sb strings.Builder
			closed := false
			for l.pos < len(l.src) {
				ch := l.advance()
				if ch == '"' {
					closed = true
					break
				}
				sb.WriteByte(ch)
			}
			if !closed {
				return nil, l.errf("unterminated string literal")
			}
			toks = append(toks, token{tokString, sb.String(), line, col})
		case c >= '0' && c <= '9' || c == '-':
			var sb strings.Builder
			sb.WriteByte(l.advance())
			for l.pos < len(l.src) {
				ch := l.src[l.pos]
				if ch >= '0' && ch <= '9' || ch == '.' {
					sb.WriteByte(l.advance())
					continue
				}
				break
			}
			toks = append(toks, token{tokNumber, sb.String(), line, col})
		case isIdentByte(c):
			var sb strings.Builder
			for l.pos < len(l.src) && (isIdentByte(l.src[l.pos]) || l.src[l.pos] == '.') {
				sb.WriteByte(l.advance())
			}
			toks = append(toks, token{tokIdent, sb.String(), line, col})
		default:
			return nil, l.errf("unexpected character %q", c)
		}
	}
	toks = append(toks, token{tokEOF, "", l.line, l.col})
	return toks, nil
}

func isIdentByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_'
}

// ============================================================================
// PARSER
// ============================================================================

type policyParser struct {
	toks []token
	pos  int
}

func (p *policyParser) peek() token { return p.toks[p.pos] }
func (p *policyParser) next() token { t := p.toks[p.pos]; p.pos++; return t }

func (p *policyParser) errAt(t token, format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...), Line: t.line, Col: t.col}
}

func (p *policyParser) expect(kind tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != kind {
		return t, p.errAt(t, "expected %s, got %q", what, t.text)
	}
	return t, nil
}

func (p *policyParser) parse() (*PolicyAST, error) {
	head, err := p.expect(tokIdent, "permit or forbid")
	if err != nil {
		return nil, err
	}
	ast := &PolicyAST{}
	switch head.text {
	case "permit":
		ast.Effect = EffectPermit
	case "forbid":
		ast.Effect = EffectForbid
	default:
		return nil, p.errAt(head, "expected permit or forbid, got %q", head.text)
	}
	if _, err := p.expect(tokLParen, "'('"); err != nil {
		return nil, err
	}
	if ast.Principal, err = p.parseClause("principal"); err != nil {
		return nil, err
	}
	if _, err := p.expect(tokComma, "','"); err != nil {
		return nil, err
	}
	if ast.Action, err = p.parseClause("action"); err != nil {
		return nil, err
	}
	if _, err := p.expect(tokComma, "','"); err != nil {
		return nil, err
	}
	if ast.Resource, err = p.parseClause("resource"); err != nil {
		return nil, err
	}
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}

	ast.Condition = Expr(&TrueExpr{})
	if t := p.peek(); t.kind == tokIdent && t.text == "when" {
		p.next()
		if _, err := p.expect(tokLBrace, "'{'"); err != nil {
			return nil, err
		}
		cond, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRBrace, "'}'"); err != nil {
			return nil, err
		}
		ast.Condition = cond
	}
	if t := p.next(); t.kind != tokEOF {
		return nil, p.errAt(t, "unexpected trailing input %q", t.text)
	}

	ast.Actions = extractEquals(ast.Action, "action")
	ast.ResourceTypes = extractEquals(ast.Resource, "resource.type")
	return ast, nil
}

// parseClause parses one head slot. The field must belong to the slot:
// the action clause may only constrain "action", the principal clause
// only principal.* fields, and so on.
func (p *policyParser) parseClause(head string) (Expr, error) {
	t, err := p.expect(tokIdent, head+" clause")
	if err != nil {
		return nil, err
	}
	if t.text != head && !strings.HasPrefix(t.text, head+".") {
		return nil, p.errAt(t, "expected %s clause, got %q", head, t.text)
	}
	// bare keyword: unconstrained slot
	if t.text == head {
		if nx := p.peek(); nx.kind != tokOp && !(nx.kind == tokIdent && nx.text == "in") {
			return &TrueExpr{}, nil
		}
	}
	return p.parsePredicateFor(t)
}

func (p *policyParser) parsePredicateFor(field token) (Expr, error) {
	nx := p.next()
	switch {
	case nx.kind == tokOp:
		val, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		return &CmpExpr{Field: field.text, Op: CmpOp(nx.text), Value: val}, nil
	case nx.kind == tokIdent && nx.text == "in":
		vals, err := p.parseValueList()
		if err != nil {
			return nil, err
		}
		return &InExpr{Field: field.text, Values: vals}, nil
	}
	return nil, p.errAt(nx, "expected operator after %q, got %q", field.text, nx.text)
}

func (p *policyParser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOrOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &OrExpr{Left: left, Right: right}
	}
	return left, nil
}

func (p *policyParser) parseAnd() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAndAnd {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &AndExpr{Left: left, Right: right}
	}
	return left, nil
}

func (p *policyParser) parseUnary() (Expr, error) {
	if p.peek().kind == tokBang {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &NotExpr{Inner: inner}, nil
	}
	if p.peek().kind == tokLParen {
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil
	}
	field, err := p.expect(tokIdent, "attribute reference")
	if err != nil {
		return nil, err
	}
	if _, ok := validField(field.text); !ok {
		return nil, p.errAt(field, "unknown attribute scope %q", field.text)
	}
	return p.parsePredicateFor(field)
}

func (p *policyParser) parseValue() (any, error) {
	t := p.next()
	switch t.kind {
	case tokString:
		return t.text, nil
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, p.errAt(t, "bad number literal %q", t.text)
		}
		return f, nil
	case tokIdent:
		switch t.text {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		if _, ok := validField(t.text); ok {
			return t.text, nil // attribute reference, resolved at eval time
		}
		return nil, p.errAt(t, "unknown value %q", t.text)
	}
	return nil, p.errAt(t, "expected value, got %q", t.text)
}

func (p *policyParser) parseValueList() ([]any, error) {
	if _, err := p.expect(tokLBrack, "'['"); err != nil {
		return nil, err
	}
	var vals []any
	for {
		if p.peek().kind == tokRBrack {
			p.next()
			return vals, nil
		}
		v, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		vals = append(vals, v)
		if p.peek().kind == tokComma {
			p.next()
		}
	}
}

// validField restricts attribute references to the request scopes.
func validField(f string) (string, bool) {
	switch {
	case f == "action",
		strings.HasPrefix(f, "principal."),
		strings.HasPrefix(f, "resource."),
		strings.HasPrefix(f, "context."):
		return f, true
	}
	return "", false
}

// extractEquals pulls constant equality/membership values for a field
// out of a head-clause expression for coarse indexing. Anything more
// complex yields no hint (the policy indexes as wildcard).
func extractEquals(e Expr, field string) []string {
	switch v := e.(type) {
	case *CmpExpr:
		if v.Field == field && v.Op == OpEq {
			if s, ok := v.Value.(string); ok {
				if _, isRef := fieldRef(s); !isRef {
					return []string{s}
				}
			}
		}
	case *InExpr:
		if v.Field == field {
			out := make([]string, 0, len(v.Values))
			for _, raw := range v.Values {
				s, ok := raw.(string)
				if !ok {
					return nil
				}
				if _, isRef := fieldRef(s); isRef {
					return nil
				}
				out = append(out, s)
			}
			return out
		}
	}
	return nil
}
