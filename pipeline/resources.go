package pipeline

import (
	"github.com/DendraScience/dendra-worker-tasks-dpe/config"
	"github.com/DendraScience/dendra-worker-tasks-dpe/errors"
	"github.com/DendraScience/dendra-worker-tasks-dpe/pkg/cache"
	"github.com/DendraScience/dendra-worker-tasks-dpe/rule"
)

// Resources owns the side tables of derived rule resources. Decoders,
// time editors, and compiled transform expressions are cached per rule
// handle; a new rule parse assigns fresh handles, so entries for a
// replaced rule set become unreachable and age out of the LRU.
type Resources struct {
	decoders cache.Cache[rule.Handle, Decoder]
	editors  cache.Cache[rule.Handle, TimeEditor]
	exprs    cache.Cache[rule.Handle, Evaluator]

	decoderFactory DecoderFactory
	editorFactory  TimeEditorFactory
	evalFactory    EvaluatorFactory
}

// NewResources creates the resource side tables with the configured
// capacities.
func NewResources(caches config.CacheConfig, df DecoderFactory, tf TimeEditorFactory, ef EvaluatorFactory) (*Resources, error) {
	decoders, err := cache.NewLRU[rule.Handle, Decoder](caches.Decoders)
	if err != nil {
		return nil, errors.Wrap(err, "Resources", "NewResources", "create decoder cache")
	}
	editors, err := cache.NewLRU[rule.Handle, TimeEditor](caches.TimeEditors)
	if err != nil {
		return nil, errors.Wrap(err, "Resources", "NewResources", "create editor cache")
	}
	exprs, err := cache.NewLRU[rule.Handle, Evaluator](caches.Expressions)
	if err != nil {
		return nil, errors.Wrap(err, "Resources", "NewResources", "create expression cache")
	}

	return &Resources{
		decoders:       decoders,
		editors:        editors,
		exprs:          exprs,
		decoderFactory: df,
		editorFactory:  tf,
		evalFactory:    ef,
	}, nil
}

// DecoderFor returns the cached decoder for a rule, constructing it from
// the rule's decode format on first use.
func (r *Resources) DecoderFor(ru *rule.Rule) (Decoder, error) {
	return r.decoders.GetOrCreate(ru.Handle, func() (Decoder, error) {
		return r.decoderFactory.New(ru.Definition.DecodeFormat)
	})
}

// EditorFor returns the cached time editor for a rule.
func (r *Resources) EditorFor(ru *rule.Rule) (TimeEditor, error) {
	return r.editors.GetOrCreate(ru.Handle, func() (TimeEditor, error) {
		return r.editorFactory.New(ru.Definition.TimeEdit)
	})
}

// EvaluatorFor returns the cached compiled transform expression for a rule.
func (r *Resources) EvaluatorFor(ru *rule.Rule) (Evaluator, error) {
	return r.exprs.GetOrCreate(ru.Handle, func() (Evaluator, error) {
		return r.evalFactory.Compile(ru.Definition.TransformExpr)
	})
}
