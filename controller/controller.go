// Package controller reconciles live subscriptions against versioned
// configuration snapshots.
//
// Each pipeline converges through a small task graph: every task has a
// guard over the pipeline's committed versions, an effect, and a commit
// step. The graph re-runs on every configuration change and on a
// periodic tick until all tasks report the current version, so a
// half-applied snapshot always finishes converging. Subscriptions for
// two versions never coexist: teardown commits before the new version's
// subscriptions open.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DendraScience/dendra-worker-tasks-dpe/config"
	"github.com/DendraScience/dendra-worker-tasks-dpe/errors"
	"github.com/DendraScience/dendra-worker-tasks-dpe/metric"
	"github.com/DendraScience/dendra-worker-tasks-dpe/natsclient"
	"github.com/DendraScience/dendra-worker-tasks-dpe/pipeline"
	"github.com/DendraScience/dendra-worker-tasks-dpe/pkg/timestamp"
	"github.com/DendraScience/dendra-worker-tasks-dpe/pkg/worker"
	"github.com/DendraScience/dendra-worker-tasks-dpe/rule"
	"github.com/DendraScience/dendra-worker-tasks-dpe/writer"
)

const defaultPoolStopTimeout = 10 * time.Second

// Options configure a controller.
type Options struct {
	Transport Transport

	// Stream is the JetStream stream holding all subscribed subjects.
	Stream string

	EvaluatorFactory  pipeline.EvaluatorFactory
	DecoderFactory    pipeline.DecoderFactory
	TimeEditorFactory pipeline.TimeEditorFactory

	// Archive serves archive-flavor pipelines; may be nil when none are
	// configured.
	Archive           pipeline.Archiver
	ArchiveCollection string

	// SinkFactories supply the batch writer sink per write flavor.
	SinkFactories map[string]writer.SinkFactory

	// ReconcileInterval is how often convergence re-runs between
	// configuration updates. Defaults to 5s.
	ReconcileInterval time.Duration

	Logger          *slog.Logger
	Metrics         *metric.Metrics
	MetricsRegistry *metric.MetricsRegistry
}

// activeSub pairs a live subscription with its bounded worker pool.
type activeSub struct {
	sub  Subscription
	pool *worker.Pool[natsclient.Msg]
}

// sourceModel is one resolved source within a pipeline.
type sourceModel struct {
	key       string
	cfg       config.SourceConfig
	isError   bool
	evaluator pipeline.Evaluator
}

// pipelineState is the converging model of one configured pipeline. The
// four version stamps record which snapshot each task last committed.
type pipelineState struct {
	name   string
	flavor string
	target config.PipelineConfig

	sourcesTs int64
	exprsTs   int64
	rulesTs   int64
	subsTs    int64

	sources   map[string]*sourceModel
	rules     *rule.Store
	resources *pipeline.Resources
	writers   *writer.Registry
	subs      map[string]*activeSub
}

// Controller converges pipelines toward the current snapshot version.
type Controller struct {
	opts   Options
	logger *slog.Logger

	// liveVersion is the snapshot version handlers compare against; a
	// message whose handler captured an older version is deferred.
	liveVersion atomic.Int64

	mu        sync.Mutex
	pipelines map[string]*pipelineState
}

// New creates a controller.
func New(opts Options) (*Controller, error) {
	if opts.Transport == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("transport is required"),
			"Controller", "New", "check transport")
	}
	if opts.Stream == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("stream name is required"),
			"Controller", "New", "check stream")
	}
	if opts.EvaluatorFactory == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("evaluator factory is required"),
			"Controller", "New", "check evaluator factory")
	}
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Controller{
		opts:      opts,
		logger:    opts.Logger,
		pipelines: make(map[string]*pipelineState),
	}, nil
}

// LiveVersion returns the snapshot version the controller is converging
// toward.
func (c *Controller) LiveVersion() int64 {
	return c.liveVersion.Load()
}

// Run reconciles on every configuration update and on a periodic tick
// until the context is cancelled or the update channel closes.
func (c *Controller) Run(ctx context.Context, updates <-chan config.Update) error {
	ticker := time.NewTicker(c.opts.ReconcileInterval)
	defer ticker.Stop()

	var current *config.SafeConfig
	for {
		select {
		case <-ctx.Done():
			c.Shutdown()
			return ctx.Err()

		case update, ok := <-updates:
			if !ok {
				c.Shutdown()
				return nil
			}
			current = update.Config
			c.Reconcile(ctx, current.Get())

		case <-ticker.C:
			// Periodic pass catches transport drops and finishes any
			// convergence a failed task left incomplete.
			if current != nil {
				c.Reconcile(ctx, current.Get())
			}
		}
	}
}

// Reconcile converges all pipelines toward the given snapshot.
func (c *Controller) Reconcile(ctx context.Context, cfg *config.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Raising the live version first makes in-flight handlers for the
	// old version defer their messages instead of half-processing them.
	c.liveVersion.Store(cfg.VersionTs)
	if c.opts.Metrics != nil {
		c.opts.Metrics.ConfigVersion.Set(float64(cfg.VersionTs))
	}

	// Tear down pipelines removed from the configuration
	for name, p := range c.pipelines {
		if _, ok := cfg.Pipelines[name]; ok {
			continue
		}
		c.logger.Info("Removing pipeline", "pipeline", name)
		p.teardown(true)
		if p.writers != nil {
			p.writers.CloseAll()
		}
		delete(c.pipelines, name)
	}

	for name, pcfg := range cfg.Pipelines {
		p, ok := c.pipelines[name]
		if !ok {
			var err error
			p, err = c.newPipelineState(name, pcfg, cfg)
			if err != nil {
				c.logger.Error("Pipeline setup failed", "pipeline", name, "error", err)
				continue
			}
			c.pipelines[name] = p
		}
		p.target = pcfg
		p.flavor = pcfg.Flavor
		c.converge(ctx, p, cfg)
	}

	c.updateActiveGauge()
}

// converge runs the task graph for one pipeline until no guard fires. A
// task failure stops this pipeline's convergence; the next reconcile
// pass retries from the committed state.
func (c *Controller) converge(ctx context.Context, p *pipelineState, cfg *config.Config) {
	v := cfg.VersionTs
	for {
		progressed := false
		for _, t := range taskGraph {
			if !t.guard(c, p, v) {
				continue
			}
			if err := t.execute(ctx, c, p, cfg, v); err != nil {
				c.logger.Error("Task failed",
					"pipeline", p.name,
					"task", t.name,
					"versionTs", v,
					"error", err)
				return
			}
			t.assign(p, v)
			c.logger.Debug("Task committed", "pipeline", p.name, "task", t.name, "versionTs", v)
			progressed = true
		}
		if !progressed {
			return
		}
	}
}

// newPipelineState allocates the per-pipeline caches and writer registry.
func (c *Controller) newPipelineState(name string, pcfg config.PipelineConfig, cfg *config.Config) (*pipelineState, error) {
	p := &pipelineState{
		name:   name,
		flavor: pcfg.Flavor,
		target: pcfg,
	}

	resources, err := pipeline.NewResources(cfg.Caches,
		c.opts.DecoderFactory, c.opts.TimeEditorFactory, c.opts.EvaluatorFactory)
	if err != nil {
		return nil, err
	}
	p.resources = resources

	if pcfg.Flavor == config.FlavorInflux || pcfg.Flavor == config.FlavorWebhook {
		factory, ok := c.opts.SinkFactories[pcfg.Flavor]
		if !ok {
			return nil, errors.WrapInvalid(
				fmt.Errorf("no sink factory for flavor %q", pcfg.Flavor),
				"Controller", "newPipelineState", "check sink factories")
		}
		registry, err := writer.NewRegistry(cfg.Caches.Writers, factory, c.logger, c.opts.Metrics)
		if err != nil {
			return nil, err
		}
		p.writers = registry
	}

	return p, nil
}

// openSubscriptions opens one subscription per source. Per-source
// failures are logged and isolated; the task still commits so healthy
// sources keep flowing, and the failed ones retry on the next snapshot.
func (c *Controller) openSubscriptions(ctx context.Context, p *pipelineState, cfg *config.Config, v int64) error {
	p.subs = make(map[string]*activeSub, len(p.sources))

	for key, src := range p.sources {
		as, err := c.openSubscription(ctx, p, cfg, v, src)
		if err != nil {
			c.logger.Error("Subscription open failed",
				"pipeline", p.name,
				"source", key,
				"subject", src.cfg.SubToSubject,
				"error", err)
			continue
		}
		p.subs[key] = as
		c.logger.Info("Subscribed",
			"pipeline", p.name,
			"source", key,
			"subject", src.cfg.SubToSubject,
			"durable", as.sub.Durable())
	}

	return nil
}

func (c *Controller) openSubscription(ctx context.Context, p *pipelineState, cfg *config.Config, v int64, src *sourceModel) (*activeSub, error) {
	pipeSrc := &pipeline.Source{
		Key:                  src.key,
		Flavor:               p.flavor,
		SubSubject:           src.cfg.SubToSubject,
		PubSubject:           src.cfg.PubToSubject,
		ErrorSubject:         src.cfg.ErrorSubject,
		IsErrorSource:        src.isError,
		IgnoreBefore:         timestamp.Parse(src.cfg.IgnoreBeforeDate),
		SuppressAtRedelivery: src.cfg.ErrorSuppressionThreshold(),
		VersionTs:            v,
		Rules:                p.rules,
		Preprocess:           src.evaluator,
		WriterOptions: writer.Options{
			BatchSize:     src.cfg.WriterOptions.BatchSize,
			BatchInterval: time.Duration(src.cfg.WriterOptions.BatchIntervalMs) * time.Millisecond,
		},
		ChangeLogSubject: p.target.ChangeLogSubject,
	}

	handler, err := pipeline.NewHandler(pipeSrc, pipeline.HandlerDeps{
		Publisher:         c.opts.Transport,
		Resources:         p.resources,
		Writers:           p.writers,
		Archive:           c.opts.Archive,
		ArchiveCollection: c.archiveCollection(cfg),
		LiveVersion:       c.liveVersion.Load,
		Logger:            c.logger,
		Metrics:           c.opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	maxInFlight := src.cfg.SubOptions.MaxInFlight
	var poolOpts []worker.Option[natsclient.Msg]
	if c.opts.MetricsRegistry != nil {
		poolOpts = append(poolOpts,
			worker.WithMetricsRegistry[natsclient.Msg](c.opts.MetricsRegistry, src.key))
	}
	pool := worker.NewPool(maxInFlight, maxInFlight,
		func(ctx context.Context, msg natsclient.Msg) error {
			handler.Handle(ctx, msg)
			return nil
		}, poolOpts...)
	if err := pool.Start(ctx); err != nil {
		return nil, err
	}

	subCfg := natsclient.SubscriptionConfig{
		Stream:        c.opts.Stream,
		Subject:       src.cfg.SubToSubject,
		Durable:       durableName(src),
		AckWait:       time.Duration(src.cfg.SubOptions.AckWaitMs) * time.Millisecond,
		MaxAckPending: maxInFlight,
		DeliverPolicy: natsclient.DeliverAll,
	}
	if delta := src.cfg.SubOptions.StartAtTimeDelta; delta > 0 {
		subCfg.DeliverPolicy = natsclient.DeliverByStartTime
		subCfg.StartTime = time.Now().Add(-time.Duration(delta) * time.Millisecond)
	}

	sub, err := c.opts.Transport.Subscribe(ctx, subCfg, func(msg natsclient.Msg) {
		// Blocking submit: delivery backpressure is the in-flight cap.
		if err := pool.SubmitWait(ctx, msg); err != nil {
			c.logger.Warn("Message submit failed, left for redelivery",
				"source", src.key, "error", err)
		}
	})
	if err != nil {
		_ = pool.Stop(defaultPoolStopTimeout)
		return nil, err
	}

	return &activeSub{sub: sub, pool: pool}, nil
}

func (c *Controller) archiveCollection(cfg *config.Config) string {
	if c.opts.ArchiveCollection != "" {
		return c.opts.ArchiveCollection
	}
	return cfg.Archive.Collection
}

// teardown closes all subscriptions for a pipeline. With closeSubs false
// the handles are dropped without closing, for a transport that is
// already dead.
func (p *pipelineState) teardown(closeSubs bool) {
	for _, as := range p.subs {
		if closeSubs {
			as.sub.Stop()
		}
		_ = as.pool.Stop(defaultPoolStopTimeout)
	}
	p.subs = nil
	p.subsTs = 0
}

// Shutdown tears down every pipeline and flushes all batch writers.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for name, p := range c.pipelines {
		c.logger.Info("Stopping pipeline", "pipeline", name)
		p.teardown(true)
		if p.writers != nil {
			p.writers.CloseAll()
		}
	}
	c.pipelines = make(map[string]*pipelineState)
	c.updateActiveGauge()
}

func (c *Controller) updateActiveGauge() {
	if c.opts.Metrics == nil {
		return
	}
	total := 0
	for _, p := range c.pipelines {
		total += len(p.subs)
	}
	c.opts.Metrics.SubscriptionsActive.Set(float64(total))
}

func durableName(src *sourceModel) string {
	if src.cfg.SubOptions.DurableName != "" {
		return src.cfg.SubOptions.DurableName
	}
	if src.cfg.QueueGroup != "" && !src.isError {
		return src.cfg.QueueGroup
	}
	return normalizeKey(src.key)
}
