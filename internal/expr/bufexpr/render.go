package bufexpr

import (
	"fmt"
	"strings"

	"github.com/mohammed-shakir/geofilter/internal/expr"
)

// Flavor selects function spellings that differ between SQL engines.
type Flavor int

const (
	FlavorPostgres Flavor = iota
	FlavorSQLite
)

// Scope tells the renderer which construct the expression is placed in.
// Inside a single-table materialize construct the table is the only implicit
// scope and attribute references must stay unqualified. Inside any construct
// with more than one table in scope they must carry the source alias.
type Scope struct {
	qualifier string
}

// Unqualified is the scope of a single-table "materialize as new relation" construct.
func Unqualified() Scope { return Scope{} }

// Qualified is the scope of a correlated sub-select or join; alias names the source relation.
func Qualified(alias string) Scope { return Scope{qualifier: alias} }

func (s Scope) IsQualified() bool { return s.qualifier != "" }

func (s Scope) field(name string) string {
	if s.qualifier == "" {
		return expr.Ident(name)
	}
	return expr.Qualified(s.qualifier, name)
}

const (
	precOr = iota + 1
	precAnd
	precNot
	precCmp
	precAdd
	precMul
	precUnary
	precAtom
)

// Render emits SQL for the expression in the given scope.
func (e *Expr) Render(scope Scope, flavor Flavor) (string, error) {
	r := renderer{scope: scope, flavor: flavor}
	return r.render(e.Root, 0)
}

type renderer struct {
	scope  Scope
	flavor Flavor
}

func binaryPrec(op string) int {
	switch op {
	case "OR":
		return precOr
	case "AND":
		return precAnd
	case "=", "<>", "<", "<=", ">", ">=":
		return precCmp
	case "+", "-":
		return precAdd
	default:
		return precMul
	}
}

func wrap(s string, prec, parent int) string {
	if prec < parent {
		return "(" + s + ")"
	}
	return s
}

func (r renderer) render(n Node, parent int) (string, error) {
	switch v := n.(type) {
	case Num:
		return v.Text, nil
	case Str:
		return expr.Literal(v.Value), nil
	case Null:
		return "NULL", nil
	case Bool:
		if v.Value {
			return "1 = 1", nil
		}
		return "1 = 0", nil
	case Field:
		return r.scope.field(v.Name), nil
	case Unary:
		prec := precUnary
		if v.Op == "NOT" {
			prec = precNot
		}
		x, err := r.render(v.X, prec)
		if err != nil {
			return "", err
		}
		if v.Op == "NOT" {
			return wrap("NOT "+x, prec, parent), nil
		}
		return wrap(v.Op+x, prec, parent), nil
	case Binary:
		prec := binaryPrec(v.Op)
		l, err := r.render(v.L, prec)
		if err != nil {
			return "", err
		}
		// right operand binds tighter so a-(b-c) keeps its parentheses
		rr, err := r.render(v.R, prec+1)
		if err != nil {
			return "", err
		}
		return wrap(l+" "+v.Op+" "+rr, prec, parent), nil
	case Case:
		var b strings.Builder
		b.WriteString("CASE")
		for _, w := range v.Whens {
			c, err := r.render(w.Cond, 0)
			if err != nil {
				return "", err
			}
			t, err := r.render(w.Then, 0)
			if err != nil {
				return "", err
			}
			b.WriteString(" WHEN " + c + " THEN " + t)
		}
		if v.Else != nil {
			e, err := r.render(v.Else, 0)
			if err != nil {
				return "", err
			}
			b.WriteString(" ELSE " + e)
		}
		b.WriteString(" END")
		return b.String(), nil
	case Call:
		args := make([]string, len(v.Args))
		for i, a := range v.Args {
			s, err := r.render(a, 0)
			if err != nil {
				return "", err
			}
			args[i] = s
		}
		return r.function(v.Name, args), nil
	}
	return "", fmt.Errorf("%w: unsupported node %T", expr.ErrBuild, n)
}

func (r renderer) function(name string, args []string) string {
	joined := strings.Join(args, ", ")
	switch name {
	case "min":
		if r.flavor == FlavorPostgres {
			return "LEAST(" + joined + ")"
		}
		if len(args) == 1 {
			return args[0]
		}
		return "MIN(" + joined + ")"
	case "max":
		if r.flavor == FlavorPostgres {
			return "GREATEST(" + joined + ")"
		}
		if len(args) == 1 {
			return args[0]
		}
		return "MAX(" + joined + ")"
	}
	return strings.ToUpper(name) + "(" + joined + ")"
}
