package engine

import (
	"fmt"
	"io"
	"sync"
)

// Reporter receives a line for every finished item.
type Reporter interface {
	Printf(format string, args ...interface{})
}

// SilentReporter does not output any progress
type SilentReporter struct{}

func (r *SilentReporter) Printf(format string, args ...interface{}) {}

// ColorReporter writes progress lines to a writer (typically stderr). Lines
// from concurrent tasks are serialized.
type ColorReporter struct {
	Writer io.Writer
	mu     sync.Mutex
}

func (r *ColorReporter) Printf(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.Writer, format, args...)
}
