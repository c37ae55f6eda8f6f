package eval

import (
	"errors"
	"strings"
	"time"

	starlarkmath "go.starlark.net/lib/math"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// watchInterval is how often a running evaluation polls its stop flags and
// deadline.
const watchInterval = 5 * time.Millisecond

// Starlark evaluates cell expressions with the Starlark interpreter. The
// outputs of referenced cells are re-read as Starlark literals, so anything
// whose String form is a literal (numbers, strings, lists, dicts, bools)
// flows between cells with its type intact.
type Starlark struct {
	// MaxSteps bounds the work of one evaluation. Exhausting it is reported
	// as a Timeout. Zero means unbounded.
	MaxSteps    uint64
	Predeclared starlark.StringDict
}

func NewStarlark(maxSteps uint64) *Starlark {
	return &Starlark{
		MaxSteps: maxSteps,
		Predeclared: starlark.StringDict{
			"math": starlarkmath.Module,
		},
	}
}

func (s *Starlark) fileOptions() *syntax.FileOptions {
	return &syntax.FileOptions{}
}

func (s *Starlark) Evaluate(source string, ctx *Context) (string, error) {
	if err := ctx.Checkpoint(StageParse); err != nil {
		return "", err
	}
	_, body := SplitDefinition(source)
	opts := s.fileOptions()
	expr, err := opts.ParseExpr("cell", body, 0)
	if err != nil {
		return "", NewError(ParseFailure, StageParse, err)
	}

	if err := ctx.Checkpoint(StageCompute); err != nil {
		return "", err
	}
	env := s.bind(ctx)
	thread := &starlark.Thread{Name: "cell"}
	if s.MaxSteps > 0 {
		thread.SetMaxExecutionSteps(s.MaxSteps)
	}
	done := make(chan struct{})
	go watch(thread, ctx, done)
	val, err := starlark.EvalExprOptions(opts, thread, expr, env)
	close(done)
	if err != nil {
		if strings.Contains(err.Error(), "computation cancelled") {
			if cerr := ctx.Checkpoint(StageCompute); cerr != nil {
				return "", cerr
			}
		}
		return "", classifyStarlark(err)
	}

	if err := ctx.Checkpoint(StageFormat); err != nil {
		return "", err
	}
	return val.String(), nil
}

// bind builds the global environment from the predeclared names and the
// outputs bound in ctx.
func (s *Starlark) bind(ctx *Context) starlark.StringDict {
	env := make(starlark.StringDict, len(s.Predeclared)+len(ctx.env))
	for k, v := range s.Predeclared {
		env[k] = v
	}
	opts := s.fileOptions()
	for name, text := range ctx.env {
		thread := &starlark.Thread{Name: "bind"}
		v, err := starlark.EvalOptions(opts, thread, name, text, nil)
		if err != nil {
			v = starlark.String(text)
		}
		env[name] = v
	}
	return env
}

// watch cancels thread once ctx asks to stop or runs out of time.
func watch(thread *starlark.Thread, ctx *Context, done <-chan struct{}) {
	tick := time.NewTicker(watchInterval)
	defer tick.Stop()
	for {
		select {
		case <-done:
			return
		case <-tick.C:
			switch {
			case ctx.ShouldStop():
				thread.Cancel("stopped")
				return
			case ctx.Expired():
				thread.Cancel("deadline exceeded")
				return
			}
		}
	}
}

func classifyStarlark(err error) error {
	var resolveErrs resolve.ErrorList
	if errors.As(err, &resolveErrs) {
		return NewError(EvaluationFailure, StageCompute, err)
	}
	var syntaxErr syntax.Error
	if errors.As(err, &syntaxErr) {
		return NewError(ParseFailure, StageParse, err)
	}
	if strings.Contains(err.Error(), "too many steps") {
		return NewError(Timeout, StageCompute, err)
	}
	return NewError(EvaluationFailure, StageCompute, err)
}
