package writer

import (
	"log/slog"

	"github.com/DendraScience/dendra-worker-tasks-dpe/errors"
	"github.com/DendraScience/dendra-worker-tasks-dpe/metric"
	"github.com/DendraScience/dendra-worker-tasks-dpe/pkg/cache"
	"github.com/DendraScience/dendra-worker-tasks-dpe/sink"
)

// SinkFactory constructs the sink serving one destination's options.
// Each pipeline flavor supplies its own factory (InfluxDB, webhook).
type SinkFactory func(opts sink.Options) (sink.Sink, error)

// Registry caches one Writer per destination key with bounded LRU
// eviction. Evicted writers flush their pending batch before they go.
type Registry struct {
	cache   cache.Cache[string, *Writer]
	factory SinkFactory
	logger  *slog.Logger
	metrics *metric.Metrics
}

// NewRegistry creates a writer registry holding at most capacity writers.
func NewRegistry(capacity int, factory SinkFactory, logger *slog.Logger, metrics *metric.Metrics) (*Registry, error) {
	if factory == nil {
		return nil, errors.WrapInvalid(
			errors.New("sink factory is required"),
			"Registry", "NewRegistry", "nil factory")
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		factory: factory,
		logger:  logger,
		metrics: metrics,
	}

	c, err := cache.NewLRU(capacity,
		cache.WithEvictionCallback(func(key string, w *Writer) {
			logger.Debug("Evicting batch writer", "destination", key)
			// Flush in the background so cache mutation never blocks
			// on sink I/O.
			go w.Close()
		}))
	if err != nil {
		return nil, err
	}
	r.cache = c

	return r, nil
}

// GetOrCreate returns the writer for the destination named by destOpts,
// constructing one on first use. Same key, same writer.
func (r *Registry) GetOrCreate(destOpts sink.Options, batch Options) (*Writer, error) {
	if err := destOpts.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Registry", "GetOrCreate", "invalid destination options")
	}

	return r.cache.GetOrCreate(destOpts.Key(), func() (*Writer, error) {
		s, err := r.factory(destOpts)
		if err != nil {
			return nil, errors.Wrap(err, "Registry", "GetOrCreate", "construct sink")
		}
		return New(s, destOpts, batch, r.logger, r.metrics), nil
	})
}

// Size returns the number of cached writers.
func (r *Registry) Size() int {
	return r.cache.Size()
}

// CloseAll flushes and closes every cached writer.
func (r *Registry) CloseAll() {
	for _, key := range r.cache.Keys() {
		if w, ok := r.cache.Get(key); ok {
			w.Close()
		}
	}
	r.cache.Clear()
}
