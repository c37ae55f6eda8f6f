package engine

import (
	"sync"
	"time"
)

// Statistics summarizes what the engine has done since it was created or
// last reset. Executed counts evaluator invocations; cache hits are counted
// separately and never reach the evaluator.
type Statistics struct {
	Executed  int
	Succeeded int
	Failed    int
	Retried   int
	Skipped   int
	Cancelled int

	CacheHits   int
	CacheMisses int

	TotalDuration time.Duration
	MinDuration   time.Duration
	MaxDuration   time.Duration
}

func (s Statistics) AvgDuration() time.Duration {
	if s.Executed == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(s.Executed)
}

func (s Statistics) SuccessRate() float64 {
	if s.Executed == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(s.Executed)
}

func (s Statistics) CacheHitRate() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total)
}

type statsCollector struct {
	mu sync.Mutex
	s  Statistics
}

func (c *statsCollector) ran(d time.Duration, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.s.Executed++
	if success {
		c.s.Succeeded++
	} else {
		c.s.Failed++
	}
	c.s.TotalDuration += d
	if c.s.MinDuration == 0 || d < c.s.MinDuration {
		c.s.MinDuration = d
	}
	if d > c.s.MaxDuration {
		c.s.MaxDuration = d
	}
}

func (c *statsCollector) update(fn func(*Statistics)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.s)
}

func (c *statsCollector) snapshot() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s
}

func (c *statsCollector) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.s = Statistics{}
}
