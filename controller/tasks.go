package controller

import (
	"context"

	"github.com/DendraScience/dendra-worker-tasks-dpe/config"
	"github.com/DendraScience/dendra-worker-tasks-dpe/rule"
)

// task is one node of the convergence graph. guard reports whether the
// task should run for the target version, execute applies the effect,
// and assign commits the version stamp only after execute succeeds.
type task struct {
	name    string
	guard   func(c *Controller, p *pipelineState, v int64) bool
	execute func(ctx context.Context, c *Controller, p *pipelineState, cfg *config.Config, v int64) error
	assign  func(p *pipelineState, v int64)
}

// taskGraph runs in order on every convergence pass. Ordering encodes
// the dependencies: subscriptions close before the model tasks rebuild,
// and reopen only after sources, expressions and rules all carry the
// target version.
var taskGraph = []task{
	{
		name: "transportCheck",
		guard: func(c *Controller, p *pipelineState, v int64) bool {
			return len(p.subs) > 0 && !c.opts.Transport.IsHealthy()
		},
		execute: func(ctx context.Context, c *Controller, p *pipelineState, cfg *config.Config, v int64) error {
			// The connection is gone, so closing the server-side handles
			// would only block. Drop them and let reopen recreate the
			// durables once the transport recovers.
			c.logger.Warn("Transport unhealthy, dropping subscriptions", "pipeline", p.name)
			p.teardown(false)
			return nil
		},
		assign: func(p *pipelineState, v int64) { p.subsTs = 0 },
	},
	{
		name: "subscriptionsClose",
		guard: func(c *Controller, p *pipelineState, v int64) bool {
			return p.subsTs != v && len(p.subs) > 0
		},
		execute: func(ctx context.Context, c *Controller, p *pipelineState, cfg *config.Config, v int64) error {
			c.logger.Info("Closing subscriptions", "pipeline", p.name, "count", len(p.subs))
			p.teardown(true)
			return nil
		},
		assign: func(p *pipelineState, v int64) { p.subsTs = 0 },
	},
	{
		name: "sources",
		guard: func(c *Controller, p *pipelineState, v int64) bool {
			return p.sourcesTs != v
		},
		execute: func(ctx context.Context, c *Controller, p *pipelineState, cfg *config.Config, v int64) error {
			p.sources = buildSources(p.target)
			return nil
		},
		assign: func(p *pipelineState, v int64) { p.sourcesTs = v },
	},
	{
		name: "preprocessingExprs",
		guard: func(c *Controller, p *pipelineState, v int64) bool {
			return p.exprsTs != v && p.sourcesTs == v
		},
		execute: func(ctx context.Context, c *Controller, p *pipelineState, cfg *config.Config, v int64) error {
			for _, src := range p.sources {
				evaluator, err := c.opts.EvaluatorFactory.Compile(src.cfg.PreprocessingExpr)
				if err != nil {
					return err
				}
				src.evaluator = evaluator
			}
			return nil
		},
		assign: func(p *pipelineState, v int64) { p.exprsTs = v },
	},
	{
		name: "staticRules",
		guard: func(c *Controller, p *pipelineState, v int64) bool {
			return p.rulesTs != v
		},
		execute: func(ctx context.Context, c *Controller, p *pipelineState, cfg *config.Config, v int64) error {
			store, err := rule.NewStore(p.target.StaticRules)
			if err != nil {
				return err
			}
			p.rules = store
			return nil
		},
		assign: func(p *pipelineState, v int64) { p.rulesTs = v },
	},
	{
		name: "subscriptions",
		guard: func(c *Controller, p *pipelineState, v int64) bool {
			return p.subsTs != v &&
				len(p.subs) == 0 &&
				p.sourcesTs == v &&
				p.exprsTs == v &&
				p.rulesTs == v &&
				c.opts.Transport.IsHealthy()
		},
		execute: func(ctx context.Context, c *Controller, p *pipelineState, cfg *config.Config, v int64) error {
			return c.openSubscriptions(ctx, p, cfg, v)
		},
		assign: func(p *pipelineState, v int64) { p.subsTs = v },
	},
}
