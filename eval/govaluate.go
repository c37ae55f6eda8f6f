package eval

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/Knetic/govaluate"
)

// Govaluate evaluates plain arithmetic and boolean expressions. It is the
// lightweight alternative to Starlark: no collections, no modules, but a
// fixed whitelist of numeric functions.
type Govaluate struct {
	Functions map[string]govaluate.ExpressionFunction
}

func NewGovaluate() *Govaluate {
	return &Govaluate{Functions: whitelistedFunctions()}
}

func (g *Govaluate) Evaluate(source string, ctx *Context) (string, error) {
	if err := ctx.Checkpoint(StageParse); err != nil {
		return "", err
	}
	_, body := SplitDefinition(source)
	expr, err := govaluate.NewEvaluableExpressionWithFunctions(body, g.Functions)
	if err != nil {
		return "", NewError(ParseFailure, StageParse, err)
	}

	if err := ctx.Checkpoint(StageCompute); err != nil {
		return "", err
	}
	params := make(map[string]interface{})
	for _, name := range expr.Vars() {
		text, ok := ctx.Lookup(name)
		if !ok {
			return "", NewError(EvaluationFailure, StageCompute, fmt.Errorf("undefined: %s", name))
		}
		params[name] = parseParam(text)
	}
	result, err := expr.Evaluate(params)
	if err != nil {
		return "", NewError(EvaluationFailure, StageCompute, err)
	}

	if err := ctx.Checkpoint(StageFormat); err != nil {
		return "", err
	}
	return formatValue(result), nil
}

func parseParam(text string) interface{} {
	if f, err := strconv.ParseFloat(text, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(text); err == nil {
		return b
	}
	if s, err := strconv.Unquote(text); err == nil {
		return s
	}
	return text
}

func formatValue(v interface{}) string {
	switch x := v.(type) {
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case string:
		return strconv.Quote(x)
	}
	return fmt.Sprint(v)
}

var errArity = errors.New("wrong number of arguments")

func numericArgs(args []interface{}, n int) ([]float64, error) {
	if n >= 0 && len(args) != n {
		return nil, errArity
	}
	out := make([]float64, len(args))
	for i, a := range args {
		f, ok := a.(float64)
		if !ok {
			return nil, fmt.Errorf("argument %d is %T, not a number", i, a)
		}
		out[i] = f
	}
	return out, nil
}

func unary(fn func(float64) float64) govaluate.ExpressionFunction {
	return func(args ...interface{}) (interface{}, error) {
		xs, err := numericArgs(args, 1)
		if err != nil {
			return nil, err
		}
		return fn(xs[0]), nil
	}
}

func whitelistedFunctions() map[string]govaluate.ExpressionFunction {
	return map[string]govaluate.ExpressionFunction{
		"sqrt":  unary(math.Sqrt),
		"abs":   unary(math.Abs),
		"floor": unary(math.Floor),
		"ceil":  unary(math.Ceil),
		"exp":   unary(math.Exp),
		"ln":    unary(math.Log),
		"sin":   unary(math.Sin),
		"cos":   unary(math.Cos),
		"pow": func(args ...interface{}) (interface{}, error) {
			xs, err := numericArgs(args, 2)
			if err != nil {
				return nil, err
			}
			return math.Pow(xs[0], xs[1]), nil
		},
		"min": func(args ...interface{}) (interface{}, error) {
			xs, err := numericArgs(args, -1)
			if err != nil || len(xs) == 0 {
				return nil, errArity
			}
			m := xs[0]
			for _, x := range xs[1:] {
				m = math.Min(m, x)
			}
			return m, nil
		},
		"max": func(args ...interface{}) (interface{}, error) {
			xs, err := numericArgs(args, -1)
			if err != nil || len(xs) == 0 {
				return nil, errArity
			}
			m := xs[0]
			for _, x := range xs[1:] {
				m = math.Max(m, x)
			}
			return m, nil
		},
	}
}

// New returns the evaluator registered under name.
func New(name string, maxSteps uint64) (Evaluator, error) {
	switch name {
	case "", "starlark":
		return NewStarlark(maxSteps), nil
	case "govaluate":
		return NewGovaluate(), nil
	}
	return nil, fmt.Errorf("unknown evaluator %q", name)
}
