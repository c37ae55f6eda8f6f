package engine

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/timewinder-dev/notebook/cas"
	"github.com/timewinder-dev/notebook/eval"
	"github.com/timewinder-dev/notebook/queue"
)

// ItemResult is the outcome of one attempt at one item.
type ItemResult struct {
	ID     string
	TaskID string
	Status queue.Status
	Output string
	Err    error
	// Cached is set when the result came from the cache without evaluating.
	Cached bool
	// Retrying is set when the failure put the item back into the queue.
	Retrying bool
	Attempt  int
	Duration time.Duration
}

// evaluable reports whether source has anything to evaluate.
func evaluable(source string) bool {
	_, body := eval.SplitDefinition(source)
	return body != "" && !strings.HasPrefix(body, "#")
}

// cacheKey is the content the cache hashes: the source plus the values it
// was evaluated against, so an upstream change misses even when the item's
// own text did not change.
func cacheKey(source string, env map[string]string) string {
	if len(env) == 0 {
		return source
	}
	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString(source)
	for _, name := range names {
		b.WriteByte(0)
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(env[name])
	}
	return b.String()
}

// runTask takes a dequeued task through one attempt and reports it to the
// queue. It never holds a lock while the evaluator runs. The outcome is
// written to the item store before the queue hears of it: finishing a task
// in the queue is what lets its dependents dequeue, and they read their
// inputs from the store.
func (e *Engine) runTask(ctx context.Context, task *queue.Task) ItemResult {
	id := task.ItemID
	_, span := e.tracer.Start(ctx, "notebook.item", trace.WithAttributes(
		attribute.String("notebook.item.id", id),
		attribute.Int("notebook.item.attempt", task.RetryCount),
		attribute.Bool("notebook.item.incremental", task.Incremental),
	))
	defer span.End()
	stop := context.AfterFunc(ctx, func() { task.StopFlag().Store(true) })
	defer stop()

	res := ItemResult{ID: id, TaskID: task.TaskID, Attempt: task.RetryCount}
	item, ok := e.items.Item(id)
	if !ok || !evaluable(item.Source) {
		e.stats.update(func(s *Statistics) { s.Skipped++ })
		e.items.Annotate(id, func(w *WorkItem) {
			w.Status = queue.Skipped
			w.LastTaskID = task.TaskID
		})
		e.queue.MarkSkipped(id)
		res.Status = queue.Skipped
		e.report(res, span)
		return res
	}

	env := e.bindings(id, item.Source)
	key := cacheKey(item.Source, env)
	if e.cache != nil {
		if cached, hit := e.cache.Get(id, key); hit {
			res = e.fromCache(task, item, cached, res)
			e.report(res, span)
			return res
		}
		e.stats.update(func(s *Statistics) { s.CacheMisses++ })
	}

	var deadline time.Time
	if e.cfg.ExecutionTimeout.Duration > 0 {
		deadline = time.Now().Add(e.cfg.ExecutionTimeout.Duration)
	}
	ectx := eval.NewContext(deadline, env, e.queue.StopFlag(), task.StopFlag())
	ectx.Progress = func(fraction float64) bool {
		span.AddEvent("progress", trace.WithAttributes(attribute.Float64("fraction", fraction)))
		return true
	}

	start := time.Now()
	out, err := e.evaluator.Evaluate(item.Source, ectx)
	res.Duration = time.Since(start)
	if err == nil && task.StopFlag().Load() {
		err = eval.NewError(eval.Cancelled, eval.StageFormat, eval.ErrCancelled)
	}

	if err == nil {
		if e.cache != nil {
			e.cache.Put(id, key, cas.Result{Output: out})
		}
		e.succeeded(task, item, out, true)
		e.queue.MarkCompleted(id, true, out)
		res.Status = task.Status
		if res.Status == queue.Completed {
			e.stats.ran(res.Duration, true)
			res.Output = out
		} else {
			// Cancelled after the stop flag was last checked.
			e.stats.update(func(s *Statistics) { s.Cancelled++ })
			e.overrule(task, res.Status)
		}
		e.report(res, span)
		return res
	}

	res.Err = err
	kind := eval.KindOf(err)
	switch {
	case kind == eval.Cancelled || task.StopFlag().Load() || e.queue.Cancelled():
		e.stats.update(func(s *Statistics) { s.Cancelled++ })
		e.items.Annotate(id, func(w *WorkItem) {
			w.Status = queue.Cancelled
			w.LastTaskID = task.TaskID
		})
		e.queue.MarkCancelled(id, err)
		res.Status = queue.Cancelled
		e.report(res, span)
		return res

	case !kind.Retryable():
		e.stats.ran(res.Duration, false)
		if e.cache != nil {
			e.cache.Put(id, key, cas.Result{Err: causeText(err)})
		}
		e.failed(task, err, true)
		e.queue.MarkCompleted(id, false, err.Error())
		res.Status = task.Status
		log.Warn().Err(err).Str("item", id).Msg("Item failed")

	default:
		e.stats.ran(res.Duration, false)
		e.failed(task, err, true)
		res.Retrying = e.queue.MarkFailedWithRetry(id, err)
		res.Status = task.Status
		if res.Retrying {
			e.stats.update(func(s *Statistics) { s.Retried++ })
			log.Warn().Err(err).Str("item", id).Int("attempt", task.RetryCount+1).
				Str("kind", kind.String()).Msg("Item failed, retrying")
		} else {
			log.Warn().Err(err).Str("item", id).Int("attempts", task.RetryCount+1).
				Str("kind", kind.String()).Msg("Item failed, giving up")
		}
	}
	switch {
	case res.Retrying:
		e.overrule(task, queue.Pending)
	case res.Status != queue.Failed:
		e.overrule(task, res.Status)
	}
	e.report(res, span)
	return res
}

func (e *Engine) fromCache(task *queue.Task, item WorkItem, cached cas.Result, res ItemResult) ItemResult {
	id := task.ItemID
	res.Cached = true
	e.stats.update(func(s *Statistics) { s.CacheHits++ })
	e.items.Annotate(id, func(w *WorkItem) { w.CacheHits++ })
	if cached.Failed() {
		res.Err = eval.NewError(eval.ParseFailure, eval.StageParse, errors.New(cached.Err))
		e.failed(task, res.Err, false)
		e.queue.MarkCompleted(id, false, cached.Err)
		res.Status = task.Status
		if res.Status != queue.Failed {
			e.overrule(task, res.Status)
		}
		return res
	}
	e.succeeded(task, item, cached.Output, false)
	e.queue.MarkCompleted(id, true, cached.Output)
	res.Status = task.Status
	if res.Status == queue.Completed {
		res.Output = cached.Output
	} else {
		e.overrule(task, res.Status)
	}
	return res
}

// succeeded records a successful output. The item stays dirty if its source
// was edited while it ran.
func (e *Engine) succeeded(task *queue.Task, ran WorkItem, out string, evaluated bool) {
	now := time.Now()
	e.items.Annotate(ran.ID, func(w *WorkItem) {
		w.Output = out
		w.HasOutput = true
		w.LastError = nil
		w.Status = queue.Completed
		w.LastTaskID = task.TaskID
		if evaluated {
			w.Executions++
		}
		w.LastRunAt = now
		if w.Source == ran.Source {
			w.Dirty = false
		}
	})
}

// failed records a failure as final. The last successful output is kept.
func (e *Engine) failed(task *queue.Task, err error, evaluated bool) {
	now := time.Now()
	e.items.Annotate(task.ItemID, func(w *WorkItem) {
		w.LastError = err
		w.Failures++
		w.LastRunAt = now
		w.Status = queue.Failed
		w.LastTaskID = task.TaskID
		if evaluated {
			w.Executions++
		}
	})
}

// overrule replaces the status written for task once the queue has decided
// otherwise: a retry was scheduled, or the task was cancelled. A later
// attempt that already wrote the item is left alone. A cancelled success
// leaves the item dirty so its output is not bound downstream.
func (e *Engine) overrule(task *queue.Task, status queue.Status) {
	e.items.Annotate(task.ItemID, func(w *WorkItem) {
		if w.LastTaskID != task.TaskID {
			return
		}
		w.Status = status
		if status == queue.Cancelled {
			w.Dirty = true
		}
	})
}

func (e *Engine) report(res ItemResult, span trace.Span) {
	span.SetAttributes(
		attribute.String("notebook.item.status", res.Status.String()),
		attribute.Bool("notebook.item.cached", res.Cached),
	)
	if res.Err != nil && res.Status != queue.Cancelled {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, eval.KindOf(res.Err).String())
	}
	e.reporter.Printf("%s", FormatItemResult(res))
}

// causeText is the message stored for a cached failure, without the
// classification prefix that is re-added on a hit.
func causeText(err error) string {
	var ee *eval.Error
	if errors.As(err, &ee) && ee.Err != nil {
		return ee.Err.Error()
	}
	return err.Error()
}
