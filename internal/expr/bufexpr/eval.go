package bufexpr

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

var ErrUnknownField = errors.New("unknown field")

// Distance evaluates the expression against one feature's attributes and
// returns the buffer distance. NULL yields 0.
func (e *Expr) Distance(attrs map[string]any) (float64, error) {
	v, err := eval(e.Root, attrs)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, nil
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, fmt.Errorf("buffer expression %q yields non-numeric %v", e.Source, v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("buffer expression %q yields %v", e.Source, f)
	}
	return f, nil
}

func eval(n Node, attrs map[string]any) (any, error) {
	switch v := n.(type) {
	case Num:
		return v.Value, nil
	case Str:
		return v.Value, nil
	case Null:
		return nil, nil
	case Bool:
		return v.Value, nil
	case Field:
		val, ok := attrs[v.Name]
		if !ok {
			return nil, fmt.Errorf("%w %q", ErrUnknownField, v.Name)
		}
		return normalize(val), nil
	case Unary:
		x, err := eval(v.X, attrs)
		if err != nil || x == nil {
			return nil, err
		}
		if v.Op == "NOT" {
			return !truthy(x), nil
		}
		f, ok := toFloat(x)
		if !ok {
			return nil, fmt.Errorf("cannot negate %v", x)
		}
		return -f, nil
	case Binary:
		return evalBinary(v, attrs)
	case Case:
		for _, w := range v.Whens {
			c, err := eval(w.Cond, attrs)
			if err != nil {
				return nil, err
			}
			if c != nil && truthy(c) {
				return eval(w.Then, attrs)
			}
		}
		if v.Else == nil {
			return nil, nil
		}
		return eval(v.Else, attrs)
	case Call:
		return evalCall(v, attrs)
	}
	return nil, fmt.Errorf("unsupported node %T", n)
}

func evalBinary(b Binary, attrs map[string]any) (any, error) {
	l, err := eval(b.L, attrs)
	if err != nil {
		return nil, err
	}
	switch b.Op {
	case "AND":
		if l != nil && !truthy(l) {
			return false, nil
		}
	case "OR":
		if l != nil && truthy(l) {
			return true, nil
		}
	}
	r, err := eval(b.R, attrs)
	if err != nil {
		return nil, err
	}
	switch b.Op {
	case "AND":
		if r != nil && !truthy(r) {
			return false, nil
		}
		if l == nil || r == nil {
			return nil, nil
		}
		return true, nil
	case "OR":
		if r != nil && truthy(r) {
			return true, nil
		}
		if l == nil || r == nil {
			return nil, nil
		}
		return false, nil
	}
	if l == nil || r == nil {
		return nil, nil
	}
	lf, lok := toFloat(l)
	rf, rok := toFloat(r)
	switch b.Op {
	case "=", "<>", "<", "<=", ">", ">=":
		var c int
		if lok && rok {
			c = cmpFloat(lf, rf)
		} else {
			c = cmpString(fmt.Sprint(l), fmt.Sprint(r))
		}
		switch b.Op {
		case "=":
			return c == 0, nil
		case "<>":
			return c != 0, nil
		case "<":
			return c < 0, nil
		case "<=":
			return c <= 0, nil
		case ">":
			return c > 0, nil
		default:
			return c >= 0, nil
		}
	}
	if !lok || !rok {
		return nil, fmt.Errorf("arithmetic on non-numeric operands %v %s %v", l, b.Op, r)
	}
	switch b.Op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, nil
		}
		return lf / rf, nil
	case "%":
		if rf == 0 {
			return nil, nil
		}
		return math.Mod(lf, rf), nil
	}
	return nil, fmt.Errorf("unsupported operator %q", b.Op)
}

func evalCall(c Call, attrs map[string]any) (any, error) {
	vals := make([]any, len(c.Args))
	for i, a := range c.Args {
		v, err := eval(a, attrs)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	switch c.Name {
	case "coalesce":
		for _, v := range vals {
			if v != nil {
				return v, nil
			}
		}
		return nil, nil
	case "abs", "sqrt":
		f, ok := toFloat(vals[0])
		if !ok {
			return nil, nil
		}
		if c.Name == "abs" {
			return math.Abs(f), nil
		}
		return math.Sqrt(f), nil
	case "round":
		f, ok := toFloat(vals[0])
		if !ok {
			return nil, nil
		}
		places := 0.0
		if len(vals) > 1 {
			places, _ = toFloat(vals[1])
		}
		p := math.Pow(10, places)
		return math.Round(f*p) / p, nil
	case "min", "max":
		var out *float64
		for _, v := range vals {
			f, ok := toFloat(v)
			if !ok {
				continue
			}
			if out == nil || (c.Name == "min" && f < *out) || (c.Name == "max" && f > *out) {
				out = &f
			}
		}
		if out == nil {
			return nil, nil
		}
		return *out, nil
	}
	return nil, fmt.Errorf("unsupported function %q", c.Name)
}

func normalize(v any) any {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint32:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	case []byte:
		return string(t)
	}
	return v
}

func toFloat(v any) (float64, bool) {
	switch t := normalize(v).(type) {
	case float64:
		return t, true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != ""
	}
	f, ok := toFloat(v)
	return ok && f != 0
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
