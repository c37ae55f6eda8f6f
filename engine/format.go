package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/gookit/color"

	"github.com/timewinder-dev/notebook/cas"
	"github.com/timewinder-dev/notebook/queue"
)

func statusMark(s queue.Status) string {
	switch s {
	case queue.Completed:
		return color.Green.Sprint("✓")
	case queue.Failed:
		return color.Red.Sprint("✗")
	case queue.Cancelled:
		return color.Yellow.Sprint("⚠")
	case queue.Skipped:
		return color.Gray.Sprint("-")
	}
	return color.Cyan.Sprint("…")
}

// FormatItemResult is the one-line progress report for an attempt.
func FormatItemResult(res ItemResult) string {
	var b strings.Builder
	b.WriteString(statusMark(res.Status))
	b.WriteString(" ")
	b.WriteString(color.Bold.Sprint(res.ID))
	switch {
	case res.Retrying:
		b.WriteString(color.Yellow.Sprintf(" retrying (attempt %d): %v", res.Attempt+1, res.Err))
	case res.Err != nil && res.Status != queue.Cancelled:
		b.WriteString(color.Red.Sprintf(" %v", res.Err))
	case res.Status == queue.Completed:
		b.WriteString(" = ")
		b.WriteString(res.Output)
	default:
		b.WriteString(" ")
		b.WriteString(res.Status.String())
	}
	if res.Cached {
		b.WriteString(color.Gray.Sprint(" (cached)"))
	} else if res.Duration > 0 {
		b.WriteString(color.Gray.Sprintf(" (%s)", res.Duration.Round(time.Microsecond)))
	}
	b.WriteString("\n")
	return b.String()
}

// FormatItems lists every item with its current output or error.
func FormatItems(items []WorkItem) string {
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(color.Cyan.Sprint("=== Cells ==="))
	b.WriteString("\n")
	for _, item := range items {
		b.WriteString(fmt.Sprintf("%s %s ", statusMark(item.Status), color.Bold.Sprintf("[%s]", item.ID)))
		b.WriteString(color.Gray.Sprint(item.Source))
		b.WriteString("\n")
		switch {
		case item.LastError != nil:
			b.WriteString(color.Red.Sprintf("    error: %v\n", item.LastError))
			if item.HasOutput {
				b.WriteString(color.Gray.Sprintf("    last output: %s\n", item.Output))
			}
		case item.HasOutput:
			b.WriteString(fmt.Sprintf("    %s %s\n", color.Green.Sprint("=>"), item.Output))
		}
	}
	return b.String()
}

// FormatStatistics formats engine, queue and cache statistics
func FormatStatistics(stats Statistics, qs queue.Stats, cs *cas.CacheStats) string {
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(color.Cyan.Sprint("=== Execution statistics ==="))
	b.WriteString("\n")
	b.WriteString(color.Bold.Sprint("Evaluations: "))
	b.WriteString(fmt.Sprintf("%d\n", stats.Executed))
	b.WriteString(color.Bold.Sprint("Succeeded: "))
	b.WriteString(color.Green.Sprintf("%d\n", stats.Succeeded))

	b.WriteString(color.Bold.Sprint("Failed: "))
	if stats.Failed > 0 {
		b.WriteString(color.Red.Sprintf("%d\n", stats.Failed))
	} else {
		b.WriteString(fmt.Sprintf("%d\n", stats.Failed))
	}
	b.WriteString(color.Bold.Sprint("Retries: "))
	if stats.Retried > 0 {
		b.WriteString(color.Yellow.Sprintf("%d\n", stats.Retried))
	} else {
		b.WriteString(fmt.Sprintf("%d\n", stats.Retried))
	}
	b.WriteString(color.Bold.Sprint("Skipped / cancelled: "))
	b.WriteString(fmt.Sprintf("%d / %d\n", stats.Skipped, stats.Cancelled))
	b.WriteString(color.Bold.Sprint("Success rate: "))
	b.WriteString(fmt.Sprintf("%.1f%%\n", stats.SuccessRate()*100))
	if stats.Executed > 0 {
		b.WriteString(color.Bold.Sprint("Duration min / avg / max: "))
		b.WriteString(fmt.Sprintf("%s / %s / %s\n",
			stats.MinDuration.Round(time.Microsecond),
			stats.AvgDuration().Round(time.Microsecond),
			stats.MaxDuration.Round(time.Microsecond)))
	}

	b.WriteString(color.Bold.Sprint("Graph: "))
	b.WriteString(fmt.Sprintf("%d items, %d edges, %d dirty\n", qs.Graph.Nodes, qs.Graph.Edges, qs.Graph.Dirty))
	b.WriteString(color.Bold.Sprint("Concurrency limit: "))
	b.WriteString(fmt.Sprintf("%d\n", qs.MaxConcurrent))

	if cs != nil {
		b.WriteString(color.Bold.Sprint("Cache: "))
		b.WriteString(fmt.Sprintf("%d/%d entries, %d hits, %d misses (%.1f%% hit rate), %d evicted\n",
			cs.Size, cs.MaxSize, stats.CacheHits, stats.CacheMisses, stats.CacheHitRate()*100, cs.Evictions))
	}
	return b.String()
}
