package queue

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timewinder-dev/notebook/graph"
)

func mustDequeue(t *testing.T, q *Queue) *Task {
	t.Helper()
	task, ok := q.Dequeue()
	require.True(t, ok, "expected a ready task")
	return task
}

func TestPriorityAndConcurrencyCap(t *testing.T) {
	q := New(nil)
	q.SetMaxConcurrent(2)
	q.Enqueue(NewScheduledItem("p2", 2, nil))
	q.Enqueue(NewScheduledItem("p0", 0, nil))
	q.Enqueue(NewScheduledItem("p1", 1, nil))

	assert.Equal(t, "p0", mustDequeue(t, q).ItemID)
	assert.Equal(t, "p1", mustDequeue(t, q).ItemID)
	_, ok := q.Dequeue()
	assert.False(t, ok, "cap of two is reached")

	q.MarkCompleted("p0", true, "done")
	assert.Equal(t, "p2", mustDequeue(t, q).ItemID)
}

func TestEqualPrioritiesAreFIFO(t *testing.T) {
	q := New(nil)
	q.SetMaxConcurrent(10)
	for i := 0; i < 5; i++ {
		q.Enqueue(NewScheduledItem(fmt.Sprintf("i%d", i), 1, nil))
	}
	for i := 0; i < 5; i++ {
		assert.Equal(t, fmt.Sprintf("i%d", i), mustDequeue(t, q).ItemID)
	}
}

func TestSetMaxConcurrentClamps(t *testing.T) {
	q := New(nil)
	q.SetMaxConcurrent(0)
	assert.Equal(t, 1, q.MaxConcurrent())
	q.SetMaxConcurrent(-3)
	assert.Equal(t, 1, q.Statistics().MaxConcurrent)
}

func TestDuplicateEnqueue(t *testing.T) {
	q := New(nil)
	require.True(t, q.Enqueue(NewScheduledItem("a", 5, nil)))
	require.False(t, q.Enqueue(NewScheduledItem("a", 1, nil)))
	require.Len(t, q.Pending(), 1)
	assert.Equal(t, 1, q.Pending()[0].Priority, "duplicate raises priority")
}

func TestEnqueueWhileExecutingRunsAgainAfterwards(t *testing.T) {
	q := New(nil)
	q.Enqueue(NewScheduledItem("a", 0, nil))
	mustDequeue(t, q)

	assert.False(t, q.Enqueue(NewScheduledItem("a", 0, nil)))
	_, ok := q.Dequeue()
	assert.False(t, ok, "no second concurrent attempt of the same item")

	q.MarkCompleted("a", true, "1")
	task := mustDequeue(t, q)
	assert.Equal(t, "a", task.ItemID)
}

func TestDependenciesGateDequeue(t *testing.T) {
	g := graph.New()
	g.AddDependency("B", "A")
	g.AddDependency("C", "B")
	q := New(g)
	q.SetMaxConcurrent(4)

	ids := q.EnqueueIncremental([]string{"A"})
	assert.Equal(t, []string{"A", "B", "C"}, ids)

	a := mustDequeue(t, q)
	assert.Equal(t, "A", a.ItemID)
	assert.True(t, a.Incremental)
	_, ok := q.Dequeue()
	assert.False(t, ok, "B waits for A")

	q.MarkCompleted("A", true, "1")
	assert.False(t, g.IsDirty("A"))
	assert.Equal(t, "B", mustDequeue(t, q).ItemID)
	q.MarkCompleted("B", true, "2")
	assert.Equal(t, "C", mustDequeue(t, q).ItemID)
	q.MarkCompleted("C", true, "3")
	assert.True(t, q.IsIdle())
	assert.Equal(t, 0, g.Statistics().Dirty)
}

func TestFailedDependencyStillReleasesDependents(t *testing.T) {
	g := graph.New()
	g.AddDependency("B", "A")
	q := New(g)
	q.EnqueueIncremental([]string{"A"})

	mustDequeue(t, q)
	assert.False(t, q.MarkFailedWithRetry("A", errors.New("boom")))
	assert.Equal(t, "B", mustDequeue(t, q).ItemID)
	assert.True(t, g.IsDirty("A"), "a failed item stays dirty")
}

func TestIncrementalReordersWholeQueue(t *testing.T) {
	g := graph.New()
	g.AddItem("X")
	g.AddDependency("B", "A")
	q := New(g)
	q.Enqueue(NewScheduledItem("B", 0, []string{"A"}))
	q.Enqueue(NewScheduledItem("X", 9, nil))
	q.EnqueueIncremental([]string{"A"})

	var order []string
	for _, item := range q.Pending() {
		order = append(order, item.ItemID)
	}
	assert.Equal(t, []string{"X", "A", "B"}, order)
}

func TestRetryTermination(t *testing.T) {
	q := New(nil)
	q.SetMaxRetries(2)
	q.Enqueue(NewScheduledItem("a", 0, nil))

	attempts := 0
	for {
		task, ok := q.Dequeue()
		if !ok {
			break
		}
		attempts++
		assert.Equal(t, Running, task.Status)
		assert.Equal(t, attempts-1, task.RetryCount)
		willRetry := q.MarkFailedWithRetry(task.ItemID, errors.New("always"))
		assert.Equal(t, attempts <= 2, willRetry)
	}
	assert.Equal(t, 3, attempts)

	last, ok := q.Task("a")
	require.True(t, ok)
	assert.Equal(t, Failed, last.Status)
	assert.Equal(t, 2, last.RetryCount)
	assert.Equal(t, 2, last.MaxRetries)
	assert.Equal(t, 1, q.Statistics().Failed)
}

func TestRetryRunsBehindFreshWork(t *testing.T) {
	q := New(nil)
	q.SetMaxRetries(1)
	q.SetMaxConcurrent(1)
	q.Enqueue(NewScheduledItem("a", 0, nil))
	mustDequeue(t, q)
	q.Enqueue(NewScheduledItem("b", 5, nil))
	require.True(t, q.MarkFailedWithRetry("a", errors.New("flaky")))

	assert.Equal(t, "b", mustDequeue(t, q).ItemID)
	q.MarkCompleted("b", true, "")
	retry := mustDequeue(t, q)
	assert.Equal(t, "a", retry.ItemID)
	assert.Equal(t, 1, retry.RetryCount)
}

func TestRetryDelay(t *testing.T) {
	q := New(nil)
	q.SetMaxRetries(1)
	q.SetRetryDelay(time.Hour)
	q.Enqueue(NewScheduledItem("a", 0, nil))
	mustDequeue(t, q)
	require.True(t, q.MarkFailedWithRetry("a", errors.New("flaky")))

	_, ok := q.Dequeue()
	assert.False(t, ok)
	next, waiting := q.NextReady()
	assert.True(t, waiting)
	assert.True(t, next.After(time.Now()))
	assert.Nil(t, q.SkipBlocked(), "a delayed item is not blocked")
}

func TestCancelPendingAndExecuting(t *testing.T) {
	q := New(nil)
	q.SetMaxConcurrent(1)
	q.Enqueue(NewScheduledItem("run", 0, nil))
	q.Enqueue(NewScheduledItem("wait", 1, nil))
	task := mustDequeue(t, q)

	assert.True(t, q.Cancel("wait"))
	assert.Equal(t, 0, q.PendingCount())

	assert.True(t, q.Cancel("run"))
	assert.True(t, task.StopFlag().Load())
	q.MarkCompleted("run", true, "ignored")

	st, ok := q.Status("run")
	require.True(t, ok)
	assert.Equal(t, Cancelled, st)
	assert.Equal(t, 2, q.Statistics().Cancelled)
	assert.Equal(t, 0, q.Statistics().Completed)
	assert.False(t, q.Cancel("unknown"))
}

func TestCancelAllDrains(t *testing.T) {
	q := New(nil)
	q.SetMaxConcurrent(1)
	for _, id := range []string{"a", "b", "c"} {
		q.Enqueue(NewScheduledItem(id, 0, nil))
	}
	running := mustDequeue(t, q)
	q.CancelAll()

	assert.True(t, q.Cancelled())
	assert.True(t, running.StopFlag().Load())
	assert.Equal(t, 0, q.PendingCount())
	assert.False(t, q.MarkFailedWithRetry("a", errors.New("stopped")))
	assert.Equal(t, 3, q.Statistics().Cancelled)

	q.Enqueue(NewScheduledItem("d", 0, nil))
	_, ok := q.Dequeue()
	assert.False(t, ok, "no new work while cancelled")
	q.ResetCancel()
	assert.Equal(t, "d", mustDequeue(t, q).ItemID)
}

func TestSkipBlocked(t *testing.T) {
	q := New(nil)
	q.Enqueue(NewScheduledItem("a", 0, []string{"b"}))
	q.Enqueue(NewScheduledItem("b", 0, []string{"a"}))
	_, ok := q.Dequeue()
	require.False(t, ok)
	assert.ElementsMatch(t, []string{"a", "b"}, q.SkipBlocked())
	assert.Equal(t, 2, q.Statistics().Skipped)
}

func TestMarkSkipped(t *testing.T) {
	q := New(nil)
	q.Enqueue(NewScheduledItem("empty", 0, nil))
	mustDequeue(t, q)
	q.MarkSkipped("empty")
	st, _ := q.Status("empty")
	assert.Equal(t, Skipped, st)
	assert.True(t, st.Terminal())
}

func TestDequeueBatch(t *testing.T) {
	q := New(nil)
	q.SetMaxConcurrent(3)
	for i := 0; i < 5; i++ {
		q.Enqueue(NewScheduledItem(fmt.Sprintf("i%d", i), i, nil))
	}
	assert.Len(t, q.DequeueBatch(2), 2)
	assert.Len(t, q.DequeueBatch(10), 1, "only one slot left")
	assert.Equal(t, 3, q.ExecutingCount())
}

func TestConcurrencyBoundUnderLoad(t *testing.T) {
	const max = 3
	q := New(nil)
	q.SetMaxConcurrent(max)
	for i := 0; i < 200; i++ {
		q.Enqueue(NewScheduledItem(fmt.Sprintf("i%d", i), i%7, nil))
	}

	var peak, done atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for done.Load() < 200 {
				task, ok := q.Dequeue()
				if !ok {
					time.Sleep(time.Microsecond)
					continue
				}
				n := int64(q.ExecutingCount())
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				q.MarkCompleted(task.ItemID, true, "")
				done.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int64(max))
	assert.Equal(t, 200, q.Statistics().Completed)
}

func TestReset(t *testing.T) {
	q := New(nil)
	q.Enqueue(NewScheduledItem("a", 0, nil))
	mustDequeue(t, q)
	q.MarkCompleted("a", true, "1")
	q.Reset()
	_, ok := q.Task("a")
	assert.False(t, ok)
	assert.Equal(t, 0, q.Statistics().Completed)
}

func TestAcquire(t *testing.T) {
	q := New(nil)
	q.SetMaxConcurrent(1)
	q.SetMaxRetries(1)
	q.Enqueue(NewScheduledItem("other", 0, nil))
	q.Enqueue(NewScheduledItem("target", 9, nil))

	task, err := q.Acquire("target")
	require.NoError(t, err)
	assert.Equal(t, "target", task.ItemID)

	_, err = q.Acquire("target")
	assert.ErrorIs(t, err, ErrRunning)
	_, err = q.Acquire("other")
	assert.ErrorIs(t, err, ErrBusy)

	require.True(t, q.MarkFailedWithRetry("target", errors.New("flaky")))
	retry, err := q.Acquire("target")
	require.NoError(t, err)
	assert.Equal(t, 1, retry.RetryCount, "pending retry entry is consumed")

	q.CancelAll()
	_, err = q.Acquire("other")
	assert.ErrorIs(t, err, ErrStopped)
}
