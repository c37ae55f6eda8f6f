package queue

import "github.com/timewinder-dev/notebook/graph"

// Stats summarises the queue and the graph behind it.
type Stats struct {
	Queued        int
	Executing     int
	Completed     int
	Failed        int
	Cancelled     int
	Skipped       int
	MaxConcurrent int
	Graph         graph.Stats
}

func (q *Queue) Statistics() Stats {
	q.mu.Lock()
	s := Stats{
		Queued:        len(q.pending),
		Executing:     len(q.executing),
		Completed:     len(q.completed),
		Failed:        len(q.failed),
		Cancelled:     len(q.cancelled),
		Skipped:       len(q.skipped),
		MaxConcurrent: q.maxConcurrent,
	}
	q.mu.Unlock()
	s.Graph = q.graph.Statistics()
	return s
}
