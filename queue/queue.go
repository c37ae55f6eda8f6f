package queue

import (
	"errors"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/timewinder-dev/notebook/graph"
)

var (
	ErrBusy    = errors.New("concurrency limit reached")
	ErrRunning = errors.New("item is already executing")
	ErrStopped = errors.New("queue is cancelled")
)

// RetryPriorityOffset is added to the priority of a retried item so that
// fresh work is scheduled ahead of it.
const RetryPriorityOffset = 1000

// Queue schedules items for execution. It enforces a concurrency cap, only
// hands out items whose dependencies have finished, and turns retryable
// failures back into pending work. All methods are short critical sections;
// the work itself happens between Dequeue and the matching Mark call.
type Queue struct {
	mu    sync.Mutex
	graph *graph.Graph

	pending    []*ScheduledItem
	pendingSet map[string]*ScheduledItem
	executing  map[string]*Task
	// requeue holds requests for items that were executing when enqueued.
	// They are released once the running attempt finishes.
	requeue map[string]*ScheduledItem

	completed map[string]*Task
	failed    map[string]*Task
	cancelled map[string]*Task
	skipped   map[string]*Task
	last      map[string]*Task

	maxConcurrent int
	maxRetries    int
	retryDelay    time.Duration

	stopAll atomic.Bool
}

// New creates a queue that consults g for incremental scheduling.
func New(g *graph.Graph) *Queue {
	if g == nil {
		g = graph.New()
	}
	return &Queue{
		graph:         g,
		pendingSet:    make(map[string]*ScheduledItem),
		executing:     make(map[string]*Task),
		requeue:       make(map[string]*ScheduledItem),
		completed:     make(map[string]*Task),
		failed:        make(map[string]*Task),
		cancelled:     make(map[string]*Task),
		skipped:       make(map[string]*Task),
		last:          make(map[string]*Task),
		maxConcurrent: runtime.NumCPU(),
	}
}

func (q *Queue) Graph() *graph.Graph {
	return q.graph
}

// SetMaxConcurrent sets the number of tasks that may execute at once.
// Values below one are raised to one.
func (q *Queue) SetMaxConcurrent(n int) {
	if n < 1 {
		n = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.maxConcurrent = n
}

func (q *Queue) MaxConcurrent() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maxConcurrent
}

// SetMaxRetries sets how many times a failed attempt is retried.
func (q *Queue) SetMaxRetries(n int) {
	if n < 0 {
		n = 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.maxRetries = n
}

// SetRetryDelay holds retried items back for d before they may be dequeued.
func (q *Queue) SetRetryDelay(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retryDelay = d
}

// Enqueue adds item in priority order, after any pending item of equal
// priority. It returns false if the item was already pending or executing;
// a pending duplicate only raises the existing entry's priority, and a
// request for an executing item is held until that attempt finishes.
func (q *Queue) Enqueue(item *ScheduledItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueue(item)
}

func (q *Queue) enqueue(item *ScheduledItem) bool {
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	if existing, ok := q.pendingSet[item.ItemID]; ok {
		if item.Priority < existing.Priority {
			q.removePending(item.ItemID)
			existing.Priority = item.Priority
			q.insert(existing)
		}
		return false
	}
	if _, ok := q.executing[item.ItemID]; ok {
		q.requeue[item.ItemID] = item
		return false
	}
	delete(q.completed, item.ItemID)
	delete(q.failed, item.ItemID)
	delete(q.cancelled, item.ItemID)
	delete(q.skipped, item.ItemID)
	q.insert(item)
	return true
}

func (q *Queue) insert(item *ScheduledItem) {
	idx := sort.Search(len(q.pending), func(i int) bool {
		return q.pending[i].Priority > item.Priority
	})
	q.pending = append(q.pending, nil)
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = item
	q.pendingSet[item.ItemID] = item
}

func (q *Queue) removePending(id string) *ScheduledItem {
	item, ok := q.pendingSet[id]
	if !ok {
		return nil
	}
	for i, p := range q.pending {
		if p == item {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	delete(q.pendingSet, id)
	return item
}

// EnqueueIncremental schedules everything that has to re-run because the
// items in modified changed, then puts the whole pending queue into the
// graph's topological order. It returns the ids the graph reported.
func (q *Queue) EnqueueIncremental(modified []string) []string {
	ids := q.graph.ItemsToExecute(modified)
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range ids {
		q.enqueue(&ScheduledItem{
			ItemID:       id,
			Dependencies: q.graph.Dependencies(id),
			EnqueuedAt:   now,
			Incremental:  true,
		})
	}
	q.reorderTopological()
	return ids
}

// reorderTopological sorts pending items by graph position. Items unknown to
// the graph keep their relative order after the known ones.
func (q *Queue) reorderTopological() {
	order := q.graph.TopologicalOrder()
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	rank := func(item *ScheduledItem) int {
		if p, ok := pos[item.ItemID]; ok {
			return p
		}
		return len(order)
	}
	sort.SliceStable(q.pending, func(i, j int) bool {
		return rank(q.pending[i]) < rank(q.pending[j])
	})
}

// Dequeue starts the first pending item whose dependencies are all
// terminal. It returns false if the concurrency cap is reached, everything
// was cancelled, or nothing is ready.
func (q *Queue) Dequeue() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dequeue(time.Now())
}

func (q *Queue) dequeue(now time.Time) (*Task, bool) {
	if q.stopAll.Load() {
		return nil, false
	}
	if len(q.executing) >= q.maxConcurrent {
		return nil, false
	}
	for i, item := range q.pending {
		if now.Before(item.NotBefore) || !q.ready(item) {
			continue
		}
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		delete(q.pendingSet, item.ItemID)

		task := newTask(item, q.maxRetries)
		task.Status = Running
		task.StartedAt = now
		q.executing[item.ItemID] = task
		q.last[item.ItemID] = task
		return task, true
	}
	return nil, false
}

// Acquire starts id directly, ignoring priority order and dependencies. A
// pending entry for id is consumed, keeping its retry count; otherwise a
// fresh one is created. The concurrency cap still applies.
func (q *Queue) Acquire(id string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopAll.Load() {
		return nil, ErrStopped
	}
	if _, ok := q.executing[id]; ok {
		return nil, ErrRunning
	}
	if len(q.executing) >= q.maxConcurrent {
		return nil, ErrBusy
	}
	item := q.removePending(id)
	if item == nil {
		item = NewScheduledItem(id, 0, q.graph.Dependencies(id))
	}
	delete(q.completed, id)
	delete(q.failed, id)
	delete(q.cancelled, id)
	delete(q.skipped, id)

	task := newTask(item, q.maxRetries)
	task.Status = Running
	task.StartedAt = time.Now()
	q.executing[id] = task
	q.last[id] = task
	return task, nil
}

// ready reports whether every dependency of item has reached a terminal
// status. Failed and cancelled dependencies count: the dependent still gets
// its own chance to run and fail. A dependency that is neither pending nor
// executing was not scheduled in this run and is settled already.
func (q *Queue) ready(item *ScheduledItem) bool {
	for _, dep := range item.Dependencies {
		if dep == item.ItemID {
			continue
		}
		if _, ok := q.pendingSet[dep]; ok {
			return false
		}
		if _, ok := q.executing[dep]; ok {
			return false
		}
	}
	return true
}

// DequeueBatch dequeues up to max tasks.
func (q *Queue) DequeueBatch(max int) []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	var out []*Task
	for len(out) < max {
		task, ok := q.dequeue(now)
		if !ok {
			break
		}
		out = append(out, task)
	}
	return out
}

// finish removes id from the executing set. Caller holds the lock.
func (q *Queue) finish(id string) *Task {
	task, ok := q.executing[id]
	if !ok {
		return nil
	}
	delete(q.executing, id)
	task.EndedAt = time.Now()
	return task
}

func (q *Queue) record(task *Task, status Status) {
	task.Status = status
	switch status {
	case Completed:
		q.completed[task.ItemID] = task
	case Failed:
		q.failed[task.ItemID] = task
	case Cancelled:
		q.cancelled[task.ItemID] = task
	case Skipped:
		q.skipped[task.ItemID] = task
	}
}

// releaseRequeue schedules a request that arrived while id was executing.
func (q *Queue) releaseRequeue(id string) {
	item, ok := q.requeue[id]
	if !ok {
		return
	}
	delete(q.requeue, id)
	if q.stopAll.Load() {
		return
	}
	q.enqueue(item)
}

// MarkCompleted finishes the executing task for id. A successful run clears
// the item's dirty flag in the graph. A task cancelled while running ends
// as Cancelled whatever it reports.
func (q *Queue) MarkCompleted(id string, success bool, result string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task := q.finish(id)
	if task == nil {
		return
	}
	task.Result = result
	switch {
	case task.stop.Load():
		q.record(task, Cancelled)
	case success:
		q.record(task, Completed)
		q.graph.MarkExecuted(id)
	default:
		q.record(task, Failed)
	}
	q.releaseRequeue(id)
}

// MarkFailedWithRetry records a failed attempt. If retries remain the item
// goes back into the queue behind fresh work and true is returned.
func (q *Queue) MarkFailedWithRetry(id string, err error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	task := q.finish(id)
	if task == nil {
		return false
	}
	task.Err = err
	if task.stop.Load() || q.stopAll.Load() {
		q.record(task, Cancelled)
		delete(q.requeue, id)
		return false
	}
	task.Status = Failed
	if fresh, ok := q.requeue[id]; ok {
		// The source changed while this attempt ran; the new request
		// replaces the retry.
		delete(q.requeue, id)
		q.enqueue(fresh)
		return true
	}
	if task.RetryCount >= task.MaxRetries {
		q.record(task, Failed)
		return false
	}
	retry := &ScheduledItem{
		ItemID:       id,
		Priority:     task.Priority + RetryPriorityOffset,
		Dependencies: task.deps,
		EnqueuedAt:   time.Now(),
		Incremental:  task.Incremental,
		RetryCount:   task.RetryCount + 1,
	}
	if q.retryDelay > 0 {
		retry.NotBefore = retry.EnqueuedAt.Add(q.retryDelay)
	}
	q.insert(retry)
	return true
}

// MarkCancelled finishes an executing task that stopped on cancellation.
func (q *Queue) MarkCancelled(id string, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task := q.finish(id)
	if task == nil {
		return
	}
	task.Err = err
	q.record(task, Cancelled)
	q.releaseRequeue(id)
}

// MarkSkipped finishes an executing task whose item had nothing to evaluate.
func (q *Queue) MarkSkipped(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task := q.finish(id)
	if task == nil {
		return
	}
	q.record(task, Skipped)
	q.releaseRequeue(id)
}

// Cancel removes a pending item, or flags an executing task so that it
// cannot produce a success. It returns false if id is neither.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if item := q.removePending(id); item != nil {
		task := newTask(item, q.maxRetries)
		task.EndedAt = time.Now()
		q.record(task, Cancelled)
		q.last[id] = task
		return true
	}
	delete(q.requeue, id)
	if task, ok := q.executing[id]; ok {
		task.stop.Store(true)
		return true
	}
	return false
}

// CancelAll stops handing out work, drains every pending item into
// Cancelled and flags every executing task. ResetCancel re-enables the queue.
func (q *Queue) CancelAll() {
	q.stopAll.Store(true)
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	for _, item := range q.pending {
		task := newTask(item, q.maxRetries)
		task.EndedAt = now
		q.record(task, Cancelled)
		q.last[item.ItemID] = task
	}
	q.pending = nil
	q.pendingSet = make(map[string]*ScheduledItem)
	q.requeue = make(map[string]*ScheduledItem)
	for _, task := range q.executing {
		task.stop.Store(true)
	}
}

func (q *Queue) ResetCancel() {
	q.stopAll.Store(false)
}

// Cancelled reports whether CancelAll is in effect.
func (q *Queue) Cancelled() bool {
	return q.stopAll.Load()
}

// StopFlag is the queue-wide cancellation signal set by CancelAll.
func (q *Queue) StopFlag() *atomic.Bool {
	return &q.stopAll
}

// ExecutingCount is the number of tasks currently running.
func (q *Queue) ExecutingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.executing)
}

func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Pending returns copies of the pending items in scheduling order.
func (q *Queue) Pending() []ScheduledItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]ScheduledItem, len(q.pending))
	for i, item := range q.pending {
		out[i] = *item
	}
	return out
}

// IsIdle reports whether nothing is pending or executing.
func (q *Queue) IsIdle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) == 0 && len(q.executing) == 0
}

// NextReady returns the earliest time a delayed pending item becomes
// eligible, if any is waiting.
func (q *Queue) NextReady() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	var next time.Time
	for _, item := range q.pending {
		if item.NotBefore.After(now) && (next.IsZero() || item.NotBefore.Before(next)) {
			next = item.NotBefore
		}
	}
	return next, !next.IsZero()
}

// SkipBlocked marks every pending item Skipped when nothing is executing
// and nothing can be dequeued, which only happens if explicit dependency
// snapshots wait on each other. It returns the skipped ids.
func (q *Queue) SkipBlocked() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.executing) > 0 || len(q.pending) == 0 {
		return nil
	}
	now := time.Now()
	for _, item := range q.pending {
		if now.Before(item.NotBefore) || q.ready(item) {
			return nil
		}
	}
	var ids []string
	for _, item := range q.pending {
		task := newTask(item, q.maxRetries)
		task.EndedAt = now
		q.record(task, Skipped)
		q.last[item.ItemID] = task
		ids = append(ids, item.ItemID)
	}
	q.pending = nil
	q.pendingSet = make(map[string]*ScheduledItem)
	return ids
}

// Task returns a copy of the latest attempt for id.
func (q *Queue) Task(id string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.last[id]
	if !ok {
		return Task{}, false
	}
	return task.snapshot(), true
}

// Status returns the status of the latest attempt for id, or Pending if the
// item is waiting in the queue.
func (q *Queue) Status(id string) (Status, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pendingSet[id]; ok {
		return Pending, true
	}
	if task, ok := q.last[id]; ok {
		return task.Status, true
	}
	return Pending, false
}

// Reset forgets finished tasks. Pending and executing work is kept.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = make(map[string]*Task)
	q.failed = make(map[string]*Task)
	q.cancelled = make(map[string]*Task)
	q.skipped = make(map[string]*Task)
	for id := range q.last {
		if _, ok := q.executing[id]; !ok {
			delete(q.last, id)
		}
	}
}
