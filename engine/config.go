package engine

import (
	"fmt"
	"runtime"
	"strconv"
	"time"

	"github.com/timewinder-dev/notebook/cas"
)

// Duration is a time.Duration that reads from TOML strings such as "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the [engine] table of a notebook.
type Config struct {
	MaxConcurrentTasks int      `toml:"max_concurrent_tasks"`
	EnableCache        bool     `toml:"enable_cache"`
	CacheMaxSize       int      `toml:"cache_max_size"`
	CacheMaxAge        Duration `toml:"cache_max_age,omitempty"`
	ExecutionTimeout   Duration `toml:"execution_timeout,omitempty"`
	MaxRetries         int      `toml:"max_retries"`
	RetryDelay         Duration `toml:"retry_delay,omitempty"`
	Evaluator          string   `toml:"evaluator,omitempty"`
	MaxSteps           uint64   `toml:"max_steps,omitempty"`
	CacheFile          string   `toml:"cache_file,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrentTasks: runtime.NumCPU(),
		EnableCache:        true,
		CacheMaxSize:       cas.DefaultMaxSize,
		MaxRetries:         2,
		Evaluator:          "starlark",
	}
}

// Normalize clamps out of range values.
func (c *Config) Normalize() {
	if c.MaxConcurrentTasks < 1 {
		c.MaxConcurrentTasks = 1
	}
	if c.CacheMaxSize < 1 {
		c.CacheMaxSize = cas.DefaultMaxSize
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.Evaluator == "" {
		c.Evaluator = "starlark"
	}
}

// Environment variables that override the loaded configuration.
const (
	EnvMaxConcurrent = "NOTEBOOK_MAX_CONCURRENT"
	EnvMaxRetries    = "NOTEBOOK_MAX_RETRIES"
	EnvCacheFile     = "NOTEBOOK_CACHE_FILE"
)

// ApplyEnv overrides fields from lookup, which is usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvMaxConcurrent); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxConcurrent, err)
		}
		c.MaxConcurrentTasks = n
	}
	if v, ok := lookup(EnvMaxRetries); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxRetries, err)
		}
		c.MaxRetries = n
	}
	if v, ok := lookup(EnvCacheFile); ok {
		c.CacheFile = v
	}
	c.Normalize()
	return nil
}
