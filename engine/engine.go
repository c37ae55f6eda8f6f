// Package engine drives notebook items through evaluation. It keeps the
// dependency graph in sync with the items' sources, schedules dirty items
// through the queue, consults the result cache and classifies evaluator
// failures into retries or final outcomes.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/timewinder-dev/notebook/cas"
	"github.com/timewinder-dev/notebook/eval"
	"github.com/timewinder-dev/notebook/graph"
	"github.com/timewinder-dev/notebook/queue"
)

const tracerName = "github.com/timewinder-dev/notebook/engine"

var ErrUnknownItem = errors.New("unknown item")

type Option func(*Engine)

// WithEvaluator replaces the evaluator named in the configuration.
func WithEvaluator(ev eval.Evaluator) Option {
	return func(e *Engine) { e.evaluator = ev }
}

func WithReporter(r Reporter) Option {
	return func(e *Engine) { e.reporter = r }
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// Engine executes the items of one ItemStore.
type Engine struct {
	cfg       Config
	items     ItemStore
	graph     *graph.Graph
	queue     *queue.Queue
	cache     *cas.Cache
	evaluator eval.Evaluator
	reporter  Reporter
	tracer    trace.Tracer

	stats  statsCollector
	flight singleflight.Group

	mu sync.RWMutex
	// defs maps a defined name to the item that defines it.
	defs map[string]string
}

// New creates an engine over items. The cache is only allocated when
// cfg.EnableCache is set.
func New(cfg Config, items ItemStore, opts ...Option) (*Engine, error) {
	cfg.Normalize()
	g := graph.New()
	q := queue.New(g)
	q.SetMaxConcurrent(cfg.MaxConcurrentTasks)
	q.SetMaxRetries(cfg.MaxRetries)
	q.SetRetryDelay(cfg.RetryDelay.Duration)

	e := &Engine{
		cfg:      cfg,
		items:    items,
		graph:    g,
		queue:    q,
		reporter: &SilentReporter{},
		tracer:   otel.Tracer(tracerName),
		defs:     make(map[string]string),
	}
	if cfg.EnableCache {
		e.cache = cas.NewCache(cfg.CacheMaxSize)
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.evaluator == nil {
		ev, err := eval.New(cfg.Evaluator, cfg.MaxSteps)
		if err != nil {
			return nil, err
		}
		e.evaluator = ev
	}
	e.AnalyzeDependencies()
	return e, nil
}

func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) Queue() *queue.Queue {
	return e.queue
}

func (e *Engine) Graph() *graph.Graph {
	return e.graph
}

// Cache returns the result cache, or nil when caching is disabled.
func (e *Engine) Cache() *cas.Cache {
	return e.cache
}

func (e *Engine) Items() ItemStore {
	return e.items
}

// AnalyzeDependencies rebuilds every item's edges from its source. An item
// written as "name = expr" defines name; any other item whose expression
// mentions name depends on it. Items new to the graph start dirty if the
// store says so, and graph nodes whose item is gone are dropped.
func (e *Engine) AnalyzeDependencies() {
	ids := e.items.IDs()
	defs := make(map[string]string, len(ids))
	sources := make(map[string]string, len(ids))
	for _, id := range ids {
		item, ok := e.items.Item(id)
		if !ok {
			continue
		}
		sources[id] = item.Source
		if !e.graph.Has(id) {
			e.graph.AddItem(id)
			if item.Dirty {
				e.graph.MarkDirty(id)
			}
		}
		name, _ := eval.SplitDefinition(item.Source)
		if name == "" {
			continue
		}
		if other, dup := defs[name]; dup {
			log.Warn().Str("name", name).Str("item", id).Str("defined_by", other).
				Msg("Name defined more than once, keeping the first definition")
			continue
		}
		defs[name] = id
	}

	for _, id := range ids {
		src, ok := sources[id]
		if !ok {
			continue
		}
		e.graph.ClearDependencies(id)
		for _, ref := range eval.References(src) {
			if dep, ok := defs[ref]; ok && dep != id {
				e.graph.AddDependency(id, dep)
			}
		}
	}

	for _, id := range e.graph.TopologicalOrder() {
		if _, ok := sources[id]; !ok {
			e.graph.RemoveItem(id)
		}
	}

	e.mu.Lock()
	e.defs = defs
	e.mu.Unlock()
}

// UpdateSource edits an item and returns the ids that now have to re-run,
// in execution order.
func (e *Engine) UpdateSource(id, source string) ([]string, error) {
	changed := false
	ok := e.items.Annotate(id, func(w *WorkItem) {
		if w.Source == source {
			return
		}
		w.Source = source
		w.Dirty = true
		w.ModifiedAt = time.Now()
		changed = true
	})
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownItem, id)
	}
	e.AnalyzeDependencies()
	if !changed {
		return nil, nil
	}
	return e.graph.ItemsToExecute([]string{id}), nil
}

// Forget drops every trace of an item the caller has removed from its store.
func (e *Engine) Forget(id string) {
	e.queue.Cancel(id)
	e.graph.RemoveItem(id)
	if e.cache != nil {
		e.cache.Remove(id)
	}
	e.AnalyzeDependencies()
}

// Enqueue schedules id for the next Drain with the given priority.
func (e *Engine) Enqueue(id string, priority int) bool {
	return e.queue.Enqueue(queue.NewScheduledItem(id, priority, e.graph.Dependencies(id)))
}

// Cancel stops a single pending or running item.
func (e *Engine) Cancel(id string) bool {
	return e.queue.Cancel(id)
}

// CancelAll stops every pending and running item. The next entry point call
// re-enables the queue.
func (e *Engine) CancelAll() {
	e.queue.CancelAll()
}

func (e *Engine) Statistics() Statistics {
	return e.stats.snapshot()
}

func (e *Engine) ResetStatistics() {
	e.stats.reset()
}

// SaveCache writes the cache snapshot to path. Failures are logged and
// returned; nothing else depends on the snapshot.
func (e *Engine) SaveCache(path string) error {
	if e.cache == nil || path == "" {
		return nil
	}
	if err := e.cache.SaveFile(path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Could not save result cache")
		return err
	}
	return nil
}

// LoadCache restores a snapshot from path. A missing or unreadable snapshot
// leaves the cache empty and only costs misses.
func (e *Engine) LoadCache(path string) error {
	if e.cache == nil || path == "" {
		return nil
	}
	if err := e.cache.LoadFile(path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Result cache unavailable, starting empty")
		return err
	}
	log.Debug().Str("path", path).Int("entries", e.cache.Len()).Msg("Loaded result cache")
	return nil
}

// bindings resolves the names source refers to into the outputs of the
// items defining them. A defining item that is dirty has no trustworthy
// output and is left unbound, as is one that never succeeded.
func (e *Engine) bindings(id, source string) map[string]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	env := make(map[string]string)
	for _, ref := range eval.References(source) {
		dep, ok := e.defs[ref]
		if !ok || dep == id {
			continue
		}
		item, ok := e.items.Item(dep)
		if ok && item.HasOutput && !item.Dirty {
			env[ref] = item.Output
		}
	}
	return env
}
