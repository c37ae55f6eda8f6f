// Package eval defines what the engine needs from an expression evaluator:
// a single Evaluate call that observes cooperative cancellation and a
// deadline at fixed checkpoints, and reports failures with a Kind the engine
// uses to decide whether to retry.
package eval

import (
	"sync/atomic"
	"time"
)

// Evaluator turns the source of one item into its formatted output.
type Evaluator interface {
	Evaluate(source string, ctx *Context) (string, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(source string, ctx *Context) (string, error)

func (f EvaluatorFunc) Evaluate(source string, ctx *Context) (string, error) {
	return f(source, ctx)
}

// Stage names the checkpoints at which an evaluation may stop.
type Stage int

const (
	StageParse Stage = iota
	StageCompute
	StageFormat
)

func (s Stage) String() string {
	switch s {
	case StageParse:
		return "parse"
	case StageCompute:
		return "compute"
	case StageFormat:
		return "format"
	}
	return "unknown"
}

// Context is handed to every Evaluate call.
type Context struct {
	started  time.Time
	deadline time.Time
	env      map[string]string
	stop     []*atomic.Bool

	// Progress, if set, receives completion fractions in [0, 1] and returns
	// false to ask the evaluator to stop.
	Progress func(fraction float64) bool
}

// NewContext starts the clock for one evaluation. A zero deadline means
// none. env maps names defined by other items to their current output. Any
// of the stop flags being set asks the evaluation to stop.
func NewContext(deadline time.Time, env map[string]string, stop ...*atomic.Bool) *Context {
	return &Context{
		started:  time.Now(),
		deadline: deadline,
		env:      env,
		stop:     stop,
	}
}

// Background is a context with no deadline, no bindings and no stop flag.
func Background() *Context {
	return NewContext(time.Time{}, nil)
}

// Elapsed is the time since the evaluation started.
func (c *Context) Elapsed() time.Duration {
	return time.Since(c.started)
}

func (c *Context) Deadline() (time.Time, bool) {
	return c.deadline, !c.deadline.IsZero()
}

// ShouldStop reports whether any stop flag is set.
func (c *Context) ShouldStop() bool {
	for _, f := range c.stop {
		if f != nil && f.Load() {
			return true
		}
	}
	return false
}

// Expired reports whether the deadline has passed.
func (c *Context) Expired() bool {
	return !c.deadline.IsZero() && time.Now().After(c.deadline)
}

// Checkpoint returns a Cancelled or Timeout error if the evaluation should
// not continue past stage.
func (c *Context) Checkpoint(stage Stage) error {
	if c.ShouldStop() {
		return &Error{Kind: Cancelled, Stage: stage, Err: ErrCancelled}
	}
	if c.Expired() {
		return &Error{Kind: Timeout, Stage: stage, Err: ErrTimeout}
	}
	return nil
}

// Report forwards progress and returns whether to continue.
func (c *Context) Report(fraction float64) bool {
	if c.ShouldStop() {
		return false
	}
	if c.Progress == nil {
		return true
	}
	return c.Progress(fraction)
}

// Lookup returns the output bound to name.
func (c *Context) Lookup(name string) (string, bool) {
	v, ok := c.env[name]
	return v, ok
}

// Bindings returns a copy of every bound name.
func (c *Context) Bindings() map[string]string {
	out := make(map[string]string, len(c.env))
	for k, v := range c.env {
		out[k] = v
	}
	return out
}
