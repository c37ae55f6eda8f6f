package engine

import (
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timewinder-dev/notebook/cas"
	"github.com/timewinder-dev/notebook/queue"
)

func TestConfigDecode(t *testing.T) {
	const doc = `
max_concurrent_tasks = 3
enable_cache = false
cache_max_age = "10m"
execution_timeout = "1.5s"
max_retries = 4
retry_delay = "250ms"
evaluator = "govaluate"
`
	cfg := DefaultConfig()
	_, err := toml.Decode(doc, &cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxConcurrentTasks)
	assert.False(t, cfg.EnableCache)
	assert.Equal(t, cas.DefaultMaxSize, cfg.CacheMaxSize, "unset keys keep their defaults")
	assert.Equal(t, 10*time.Minute, cfg.CacheMaxAge.Duration)
	assert.Equal(t, 1500*time.Millisecond, cfg.ExecutionTimeout.Duration)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryDelay.Duration)
	assert.Equal(t, 4, cfg.MaxRetries)
	assert.Equal(t, "govaluate", cfg.Evaluator)

	_, err = toml.Decode(`execution_timeout = "soon"`, &cfg)
	assert.Error(t, err)
}

func TestConfigEncodeRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExecutionTimeout = Duration{3 * time.Second}
	var b strings.Builder
	require.NoError(t, toml.NewEncoder(&b).Encode(cfg))
	assert.Contains(t, b.String(), `execution_timeout = "3s"`)

	var back Config
	_, err := toml.Decode(b.String(), &back)
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}

func TestConfigNormalize(t *testing.T) {
	cfg := Config{MaxConcurrentTasks: 0, CacheMaxSize: -1, MaxRetries: -2}
	cfg.Normalize()
	assert.Equal(t, 1, cfg.MaxConcurrentTasks)
	assert.Equal(t, cas.DefaultMaxSize, cfg.CacheMaxSize)
	assert.Equal(t, 0, cfg.MaxRetries)
	assert.Equal(t, "starlark", cfg.Evaluator)
}

func TestConfigApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvMaxConcurrent: "7",
		EnvMaxRetries:    "1",
		EnvCacheFile:     "/tmp/results.cache",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv(lookup))
	assert.Equal(t, 7, cfg.MaxConcurrentTasks)
	assert.Equal(t, 1, cfg.MaxRetries)
	assert.Equal(t, "/tmp/results.cache", cfg.CacheFile)

	env[EnvMaxRetries] = "many"
	err := cfg.ApplyEnv(lookup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvMaxRetries)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	s.Set("a", "a = 1")
	s.Set("b", "b = 2")
	assert.Equal(t, []string{"a", "b"}, s.IDs())

	s.Annotate("a", func(w *WorkItem) { w.Dirty = false })
	s.Set("a", "a = 1")
	item, _ := s.Item("a")
	assert.False(t, item.Dirty, "unchanged source stays clean")
	s.Set("a", "a = 3")
	item, _ = s.Item("a")
	assert.True(t, item.Dirty)
	assert.Equal(t, "a = 3", item.Source)

	assert.False(t, s.Annotate("zzz", func(*WorkItem) { t.Fatal("called for missing item") }))
	assert.True(t, s.Delete("a"))
	assert.False(t, s.Delete("a"))
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, "b", s.Items()[0].ID)
}

func TestFormatting(t *testing.T) {
	line := FormatItemResult(ItemResult{ID: "total", Status: queue.Completed, Output: "42"})
	assert.Contains(t, line, "total")
	assert.Contains(t, line, " = 42")
	assert.True(t, strings.HasSuffix(line, "\n"))

	retry := FormatItemResult(ItemResult{ID: "x", Status: queue.Failed, Retrying: true, Attempt: 0, Err: assert.AnError})
	assert.Contains(t, retry, "attempt 1")

	items := FormatItems([]WorkItem{
		{ID: "a", Source: "a = 1", Output: "1", HasOutput: true, Status: queue.Completed},
		{ID: "b", Source: "b = a +", Output: "0", HasOutput: true, LastError: assert.AnError, Status: queue.Failed},
	})
	assert.Contains(t, items, "last output: 0")

	stats := FormatStatistics(Statistics{Executed: 2, Succeeded: 1, Failed: 1}, queue.Stats{MaxConcurrent: 2}, &cas.CacheStats{MaxSize: 10})
	assert.Contains(t, stats, "50.0%")
	assert.Contains(t, stats, "hit rate")
}
