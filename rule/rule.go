// Package rule holds time-windowed, tag-scoped processing rules.
//
// Rules are plain immutable data. Expensive derived resources (compiled
// expressions, decoder and time-editor instances) live in caches keyed by
// the rule's Handle, never on the rule itself. Handles are unique across
// snapshot versions, so replacing the rule set makes old cache entries
// unreachable and they age out of the LRU naturally.
package rule

import (
	"fmt"
	"sync/atomic"

	"github.com/DendraScience/dendra-worker-tasks-dpe/config"
	"github.com/DendraScience/dendra-worker-tasks-dpe/errors"
	"github.com/DendraScience/dendra-worker-tasks-dpe/pkg/timestamp"
)

// handleCounter assigns process-wide unique rule handles.
var handleCounter atomic.Int64

// Handle identifies one parsed rule instance. Two parses of identical
// rule content get distinct handles.
type Handle int64

// Rule is one parsed static rule. The window is half-open: a time t
// matches iff BeginsAt <= t < EndsBefore (Unix milliseconds).
type Rule struct {
	Handle     Handle
	Tags       []string
	BeginsAt   int64
	EndsBefore int64
	Definition Definition
}

// Definition selects decode and transform behavior.
type Definition struct {
	DecodeFormat  string
	DecodeColumns []string
	DecodeSlice   []int
	TimeEdit      string
	TimeInterval  int64 // seconds between consecutive decoded rows
	TransformExpr string
}

// Matches reports whether the rule applies to a message with the given
// tags at time t. The rule's tag set must be a subset of the message tags.
func (r *Rule) Matches(tags map[string]bool, t int64) bool {
	if t < r.BeginsAt || t >= r.EndsBefore {
		return false
	}
	for _, tag := range r.Tags {
		if !tags[tag] {
			return false
		}
	}
	return true
}

// Parse converts one rule config into a Rule with a fresh handle.
func Parse(cfg config.RuleConfig) (Rule, error) {
	beginsAt, err := timestamp.ParseStrict(cfg.BeginsAt)
	if err != nil {
		return Rule{}, errors.WrapInvalid(err, "rule", "Parse", "parse begins_at")
	}
	endsBefore, err := timestamp.ParseStrict(cfg.EndsBefore)
	if err != nil {
		return Rule{}, errors.WrapInvalid(err, "rule", "Parse", "parse ends_before")
	}
	if beginsAt > endsBefore {
		return Rule{}, errors.WrapInvalid(
			fmt.Errorf("begins_at %d after ends_before %d", beginsAt, endsBefore),
			"rule", "Parse", "inverted rule window")
	}
	if len(cfg.Definition.DecodeSlice) != 0 && len(cfg.Definition.DecodeSlice) != 2 {
		return Rule{}, errors.WrapInvalid(
			fmt.Errorf("decode_slice must have exactly two elements, got %d", len(cfg.Definition.DecodeSlice)),
			"rule", "Parse", "invalid decode slice")
	}

	tags := make([]string, len(cfg.Tags))
	copy(tags, cfg.Tags)

	columns := make([]string, len(cfg.Definition.DecodeColumns))
	copy(columns, cfg.Definition.DecodeColumns)

	slice := make([]int, len(cfg.Definition.DecodeSlice))
	copy(slice, cfg.Definition.DecodeSlice)

	return Rule{
		Handle:     Handle(handleCounter.Add(1)),
		Tags:       tags,
		BeginsAt:   beginsAt,
		EndsBefore: endsBefore,
		Definition: Definition{
			DecodeFormat:  cfg.Definition.DecodeFormat,
			DecodeColumns: columns,
			DecodeSlice:   slice,
			TimeEdit:      cfg.Definition.TimeEdit,
			TimeInterval:  cfg.Definition.TimeInterval,
			TransformExpr: cfg.Definition.TransformExpr,
		},
	}, nil
}
