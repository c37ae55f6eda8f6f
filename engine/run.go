package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/timewinder-dev/notebook/queue"
)

// pollInterval bounds how long the drain loop sleeps without a wake-up.
// Tasks started through ExecuteOne do not signal the drain loop.
const pollInterval = 50 * time.Millisecond

// RunResult summarizes one drain of the queue.
type RunResult struct {
	// Scheduled is what the graph asked to run, in topological order.
	Scheduled []string
	// Results has one entry per attempt, in completion order.
	Results  []ItemResult
	Duration time.Duration
}

// Final returns the last attempt of every item that ran.
func (r *RunResult) Final() map[string]ItemResult {
	out := make(map[string]ItemResult, len(r.Results))
	for _, res := range r.Results {
		out[res.ID] = res
	}
	return out
}

// Order returns item ids in the order their final attempt finished.
func (r *RunResult) Order() []string {
	final := r.Final()
	var out []string
	for _, res := range r.Results {
		if final[res.ID].TaskID == res.TaskID {
			out = append(out, res.ID)
		}
	}
	return out
}

// BatchUpdate is sent by ExecuteAsync after each dequeued batch finishes.
type BatchUpdate struct {
	Results []ItemResult
	// Pending is the number of items still queued.
	Pending int
}

// ExecuteOne evaluates id now, ignoring queue order and dependency state,
// and retries it in place until it stops failing transiently. Concurrent
// calls for the same id share one execution.
func (e *Engine) ExecuteOne(ctx context.Context, id string) (ItemResult, error) {
	e.queue.ResetCancel()
	e.AnalyzeDependencies()
	return e.one(ctx, id)
}

func (e *Engine) one(ctx context.Context, id string) (ItemResult, error) {
	v, err, _ := e.flight.Do(id, func() (interface{}, error) {
		return e.executeOne(ctx, id)
	})
	if err != nil {
		return ItemResult{ID: id, Status: queue.Cancelled, Err: err}, err
	}
	return v.(ItemResult), nil
}

func (e *Engine) executeOne(ctx context.Context, id string) (ItemResult, error) {
	if _, ok := e.items.Item(id); !ok {
		return ItemResult{}, fmt.Errorf("%w: %s", ErrUnknownItem, id)
	}
	for {
		task, err := e.acquire(ctx, id)
		if err != nil {
			return ItemResult{}, err
		}
		res := e.runTask(ctx, task)
		if !res.Retrying {
			return res, nil
		}
		if d := e.cfg.RetryDelay.Duration; d > 0 {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				e.queue.Cancel(id)
				return ItemResult{}, ctx.Err()
			}
		}
	}
}

// acquire waits for a free slot to start id.
func (e *Engine) acquire(ctx context.Context, id string) (*queue.Task, error) {
	backoff := time.Millisecond
	for {
		task, err := e.queue.Acquire(id)
		if err == nil {
			return task, nil
		}
		if errors.Is(err, queue.ErrStopped) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < pollInterval {
			backoff *= 2
		}
	}
}

// ExecuteBatch runs ids one after another, in the given order. It stops at
// the first cancellation and returns what finished so far.
func (e *Engine) ExecuteBatch(ctx context.Context, ids []string) ([]ItemResult, error) {
	e.queue.ResetCancel()
	e.AnalyzeDependencies()
	results := make([]ItemResult, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		if e.queue.Cancelled() {
			return results, queue.ErrStopped
		}
		res, err := e.one(ctx, id)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// ExecuteIncremental re-analyzes dependencies, schedules everything made
// dirty by modified and drains the queue.
func (e *Engine) ExecuteIncremental(ctx context.Context, modified []string) (*RunResult, error) {
	scheduled := e.prepare(modified)
	run, err := e.drain(ctx)
	run.Scheduled = scheduled
	return run, err
}

// ExecuteAll runs every item in the store.
func (e *Engine) ExecuteAll(ctx context.Context) (*RunResult, error) {
	return e.ExecuteIncremental(ctx, e.items.IDs())
}

// Drain runs whatever has been queued with Enqueue.
func (e *Engine) Drain(ctx context.Context) (*RunResult, error) {
	e.queue.ResetCancel()
	e.AnalyzeDependencies()
	return e.drain(ctx)
}

func (e *Engine) prepare(modified []string) []string {
	e.queue.ResetCancel()
	e.AnalyzeDependencies()
	if e.cache != nil && e.cfg.CacheMaxAge.Duration > 0 {
		if n := e.cache.CleanupExpired(e.cfg.CacheMaxAge.Duration); n > 0 {
			log.Debug().Int("expired", n).Msg("Dropped expired cache entries")
		}
	}
	ids := e.queue.EnqueueIncremental(modified)
	for _, id := range ids {
		e.items.Annotate(id, func(w *WorkItem) {
			w.Dirty = true
			w.Status = queue.Pending
		})
	}
	log.Debug().Strs("modified", modified).Strs("scheduled", ids).Msg("Incremental run")
	return ids
}

// drain dequeues and runs tasks until the queue is idle. Each task runs in
// a pool slot; the pool and the queue share the same concurrency limit.
func (e *Engine) drain(ctx context.Context) (*RunResult, error) {
	start := time.Now()
	run := &RunResult{}
	var mu sync.Mutex
	record := func(res ...ItemResult) {
		mu.Lock()
		run.Results = append(run.Results, res...)
		mu.Unlock()
	}

	wake := make(chan struct{}, 1)
	p := pool.New().WithMaxGoroutines(e.queue.MaxConcurrent())
	for {
		if ctx.Err() != nil {
			e.queue.CancelAll()
			break
		}
		tasks := e.queue.DequeueBatch(e.queue.MaxConcurrent())
		for _, task := range tasks {
			task := task
			p.Go(func() {
				record(e.runTask(ctx, task))
				select {
				case wake <- struct{}{}:
				default:
				}
			})
		}
		if len(tasks) > 0 {
			continue
		}
		if e.queue.IsIdle() {
			break
		}
		record(e.settle(ctx, wake)...)
	}
	p.Wait()

	run.Duration = time.Since(start)
	return run, ctx.Err()
}

// settle is called when nothing could be dequeued but work remains. It
// blocks until progress may be possible and returns the items it skipped.
func (e *Engine) settle(ctx context.Context, wake <-chan struct{}) []ItemResult {
	if e.queue.ExecutingCount() > 0 {
		select {
		case <-wake:
		case <-ctx.Done():
		case <-time.After(pollInterval):
		}
		return nil
	}
	if e.queue.Cancelled() {
		// Requests released after the cancellation are drained as well.
		e.queue.CancelAll()
		return nil
	}
	if next, ok := e.queue.NextReady(); ok {
		timer := time.NewTimer(time.Until(next))
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
		return nil
	}

	ids := e.queue.SkipBlocked()
	out := make([]ItemResult, 0, len(ids))
	for _, id := range ids {
		log.Warn().Str("item", id).Msg("Item blocked on its dependencies, skipping")
		e.stats.update(func(s *Statistics) { s.Skipped++ })
		e.items.Annotate(id, func(w *WorkItem) { w.Status = queue.Skipped })
		out = append(out, ItemResult{ID: id, Status: queue.Skipped})
	}
	return out
}

// ExecuteAsync is ExecuteIncremental one batch at a time. After each batch
// the results are sent on the returned channel, which is closed when the
// queue is idle or ctx ends. Items may be edited and enqueued between
// batches; the caller must keep receiving until the channel closes.
func (e *Engine) ExecuteAsync(ctx context.Context, modified []string) <-chan BatchUpdate {
	e.prepare(modified)
	out := make(chan BatchUpdate)
	go func() {
		defer close(out)
		for {
			if ctx.Err() != nil {
				e.queue.CancelAll()
				return
			}
			tasks := e.queue.DequeueBatch(e.queue.MaxConcurrent())
			var results []ItemResult
			if len(tasks) == 0 {
				if e.queue.IsIdle() {
					return
				}
				results = e.settle(ctx, nil)
			} else {
				results = make([]ItemResult, len(tasks))
				p := pool.New().WithMaxGoroutines(len(tasks))
				for i, task := range tasks {
					i, task := i, task
					p.Go(func() { results[i] = e.runTask(ctx, task) })
				}
				p.Wait()
			}
			if len(results) == 0 {
				continue
			}
			select {
			case out <- BatchUpdate{Results: results, Pending: e.queue.PendingCount()}:
			case <-ctx.Done():
				e.queue.CancelAll()
				return
			}
		}
	}()
	return out
}
