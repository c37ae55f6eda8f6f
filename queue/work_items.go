package queue

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Status is the life-cycle state of one execution attempt.
type Status int

const (
	Pending Status = iota
	Running
	Completed
	Failed
	Cancelled
	Skipped
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	case Skipped:
		return "skipped"
	}
	return "unknown"
}

// Terminal reports whether no further transition happens without an
// explicit retry or re-enqueue.
func (s Status) Terminal() bool {
	return s >= Completed
}

// ScheduledItem is a request to run one item.
type ScheduledItem struct {
	ItemID string
	// Priority orders fresh work; lower runs first.
	Priority int
	// Dependencies is a snapshot of the ids that must reach a terminal
	// status before this item may start.
	Dependencies []string
	EnqueuedAt   time.Time
	Estimate     time.Duration
	// Incremental marks re-runs triggered by an edit, as opposed to
	// explicit requests.
	Incremental bool
	RetryCount  int
	// NotBefore delays a retried item. Zero means ready immediately.
	NotBefore time.Time
}

// NewScheduledItem creates a fresh request for id.
func NewScheduledItem(id string, priority int, deps []string) *ScheduledItem {
	return &ScheduledItem{
		ItemID:       id,
		Priority:     priority,
		Dependencies: deps,
		EnqueuedAt:   time.Now(),
	}
}

// Task is the runtime record of one attempt.
type Task struct {
	TaskID      string
	ItemID      string
	Status      Status
	StartedAt   time.Time
	EndedAt     time.Time
	Result      string
	Err         error
	RetryCount  int
	MaxRetries  int
	Priority    int
	Incremental bool

	deps []string
	stop *atomic.Bool
}

func newTask(item *ScheduledItem, maxRetries int) *Task {
	return &Task{
		TaskID:      uuid.NewString(),
		ItemID:      item.ItemID,
		Status:      Pending,
		RetryCount:  item.RetryCount,
		MaxRetries:  maxRetries,
		Priority:    item.Priority,
		Incremental: item.Incremental,
		deps:        item.Dependencies,
		stop:        new(atomic.Bool),
	}
}

// StopFlag is set when this attempt has been cancelled. Evaluators observe
// it at their checkpoints.
func (t *Task) StopFlag() *atomic.Bool {
	return t.stop
}

// Duration is the run time of a finished attempt.
func (t *Task) Duration() time.Duration {
	if t.StartedAt.IsZero() || t.EndedAt.IsZero() {
		return 0
	}
	return t.EndedAt.Sub(t.StartedAt)
}

// snapshot returns a copy safe to hand out of the lock.
func (t *Task) snapshot() Task {
	return *t
}
