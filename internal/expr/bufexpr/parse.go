package bufexpr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrSyntax = errors.New("buffer expression syntax")

type Node interface{ node() }

type (
	Num struct {
		Value float64
		Text  string
	}
	Str   struct{ Value string }
	Field struct{ Name string }
	Null  struct{}
	Bool  struct{ Value bool }
	Unary struct {
		Op string
		X  Node
	}
	Binary struct {
		Op   string
		L, R Node
	}
	Call struct {
		Name string
		Args []Node
	}
	When struct{ Cond, Then Node }
	Case struct {
		Whens []When
		Else  Node
	}
)

func (Num) node()    {}
func (Str) node()    {}
func (Field) node()  {}
func (Null) node()   {}
func (Bool) node()   {}
func (Unary) node()  {}
func (Binary) node() {}
func (Call) node()   {}
func (Case) node()   {}

// Expr is a parsed buffer expression.
type Expr struct {
	Source string
	Root   Node
}

var functions = map[string]int{
	"if":       3,
	"coalesce": -1,
	"abs":      1,
	"min":      -1,
	"max":      -1,
	"sqrt":     1,
	"round":    -1,
}

func Parse(src string) (*Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSyntax, err)
	}
	p := &parser{toks: toks}
	root, err := p.or()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSyntax, err)
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("%w: unexpected %q at %d", ErrSyntax, t.text, t.pos)
	}
	return &Expr{Source: src, Root: root}, nil
}

// Fields lists referenced attribute names in first-use order.
func (e *Expr) Fields() []string {
	var out []string
	seen := map[string]bool{}
	var walk func(Node)
	walk = func(n Node) {
		switch v := n.(type) {
		case Field:
			if !seen[v.Name] {
				seen[v.Name] = true
				out = append(out, v.Name)
			}
		case Unary:
			walk(v.X)
		case Binary:
			walk(v.L)
			walk(v.R)
		case Call:
			for _, a := range v.Args {
				walk(a)
			}
		case Case:
			for _, w := range v.Whens {
				walk(w.Cond)
				walk(w.Then)
			}
			if v.Else != nil {
				walk(v.Else)
			}
		}
	}
	walk(e.Root)
	return out
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) keyword(kw string) bool {
	t := p.peek()
	if t.kind == tokIdent && strings.EqualFold(t.text, kw) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(kind tokKind, what string) error {
	t := p.next()
	if t.kind != kind {
		return fmt.Errorf("expected %s at %d, got %q", what, t.pos, t.text)
	}
	return nil
}

func (p *parser) or() (Node, error) {
	l, err := p.and()
	if err != nil {
		return nil, err
	}
	for p.keyword("OR") {
		r, err := p.and()
		if err != nil {
			return nil, err
		}
		l = Binary{Op: "OR", L: l, R: r}
	}
	return l, nil
}

func (p *parser) and() (Node, error) {
	l, err := p.not()
	if err != nil {
		return nil, err
	}
	for p.keyword("AND") {
		r, err := p.not()
		if err != nil {
			return nil, err
		}
		l = Binary{Op: "AND", L: l, R: r}
	}
	return l, nil
}

func (p *parser) not() (Node, error) {
	if p.keyword("NOT") {
		x, err := p.not()
		if err != nil {
			return nil, err
		}
		return Unary{Op: "NOT", X: x}, nil
	}
	return p.cmp()
}

func (p *parser) cmp() (Node, error) {
	l, err := p.add()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t.kind == tokOp {
		switch t.text {
		case "=", "<>", "!=", "<", "<=", ">", ">=":
			p.next()
			r, err := p.add()
			if err != nil {
				return nil, err
			}
			op := t.text
			if op == "!=" {
				op = "<>"
			}
			return Binary{Op: op, L: l, R: r}, nil
		}
	}
	return l, nil
}

func (p *parser) add() (Node, error) {
	l, err := p.mul()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || (t.text != "+" && t.text != "-") {
			return l, nil
		}
		p.next()
		r, err := p.mul()
		if err != nil {
			return nil, err
		}
		l = Binary{Op: t.text, L: l, R: r}
	}
}

func (p *parser) mul() (Node, error) {
	l, err := p.unary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || (t.text != "*" && t.text != "/" && t.text != "%") {
			return l, nil
		}
		p.next()
		r, err := p.unary()
		if err != nil {
			return nil, err
		}
		l = Binary{Op: t.text, L: l, R: r}
	}
}

func (p *parser) unary() (Node, error) {
	t := p.peek()
	if t.kind == tokOp && (t.text == "-" || t.text == "+") {
		p.next()
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		if t.text == "+" {
			return x, nil
		}
		if n, ok := x.(Num); ok {
			return Num{Value: -n.Value, Text: "-" + n.Text}, nil
		}
		return Unary{Op: "-", X: x}, nil
	}
	return p.primary()
}

func (p *parser) primary() (Node, error) {
	t := p.next()
	switch t.kind {
	case tokNum:
		v, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q at %d", t.text, t.pos)
		}
		return Num{Value: v, Text: t.text}, nil
	case tokStr:
		return Str{Value: t.text}, nil
	case tokQuoted:
		return Field{Name: t.text}, nil
	case tokLParen:
		n, err := p.or()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return n, nil
	case tokIdent:
		switch strings.ToUpper(t.text) {
		case "NULL":
			return Null{}, nil
		case "TRUE":
			return Bool{Value: true}, nil
		case "FALSE":
			return Bool{Value: false}, nil
		case "CASE":
			return p.caseExpr()
		}
		if p.peek().kind == tokLParen {
			return p.call(t)
		}
		return Field{Name: t.text}, nil
	}
	return nil, fmt.Errorf("unexpected %q at %d", t.text, t.pos)
}

func (p *parser) call(name token) (Node, error) {
	fn := strings.ToLower(name.text)
	arity, ok := functions[fn]
	if !ok {
		return nil, fmt.Errorf("unsupported function %q at %d", name.text, name.pos)
	}
	p.next() // (
	var args []Node
	if p.peek().kind != tokRParen {
		for {
			a, err := p.or()
			if err != nil {
				return nil, err
			}
			args = append(args, a)
			if p.peek().kind != tokComma {
				break
			}
			p.next()
		}
	}
	if err := p.expect(tokRParen, ")"); err != nil {
		return nil, err
	}
	if arity >= 0 && len(args) != arity {
		return nil, fmt.Errorf("%s() takes %d arguments, got %d", fn, arity, len(args))
	}
	if arity < 0 && len(args) == 0 {
		return nil, fmt.Errorf("%s() needs at least one argument", fn)
	}
	if fn == "if" {
		return Case{Whens: []When{{Cond: args[0], Then: args[1]}}, Else: args[2]}, nil
	}
	return Call{Name: fn, Args: args}, nil
}

func (p *parser) caseExpr() (Node, error) {
	var c Case
	for p.keyword("WHEN") {
		cond, err := p.or()
		if err != nil {
			return nil, err
		}
		if !p.keyword("THEN") {
			return nil, fmt.Errorf("expected THEN at %d", p.peek().pos)
		}
		then, err := p.or()
		if err != nil {
			return nil, err
		}
		c.Whens = append(c.Whens, When{Cond: cond, Then: then})
	}
	if len(c.Whens) == 0 {
		return nil, fmt.Errorf("CASE without WHEN at %d", p.peek().pos)
	}
	if p.keyword("ELSE") {
		e, err := p.or()
		if err != nil {
			return nil, err
		}
		c.Else = e
	}
	if !p.keyword("END") {
		return nil, fmt.Errorf("expected END at %d", p.peek().pos)
	}
	return c, nil
}
