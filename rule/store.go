package rule

import (
	"fmt"

	"github.com/DendraScience/dendra-worker-tasks-dpe/config"
	"github.com/DendraScience/dendra-worker-tasks-dpe/errors"
)

// Store holds the parsed rules of one configuration snapshot in config
// order. A Store is immutable after construction.
type Store struct {
	rules []Rule
}

// NewStore parses all rule configs, preserving order. Any parse failure
// rejects the whole set; a snapshot's rules activate all or nothing.
func NewStore(cfgs []config.RuleConfig) (*Store, error) {
	rules := make([]Rule, 0, len(cfgs))
	for i, cfg := range cfgs {
		r, err := Parse(cfg)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Store", "NewStore",
				fmt.Sprintf("parse rule %d", i))
		}
		rules = append(rules, r)
	}
	return &Store{rules: rules}, nil
}

// Len returns the number of rules in the store.
func (s *Store) Len() int {
	return len(s.rules)
}

// Rules returns the rules in store order.
func (s *Store) Rules() []Rule {
	return s.rules
}

// FindDecodeRule returns the first rule in store order that declares a
// decode format and matches (tags, t). No match returns ErrNoRuleFound.
func (s *Store) FindDecodeRule(tags []string, t int64) (*Rule, error) {
	tagSet := toSet(tags)
	for i := range s.rules {
		r := &s.rules[i]
		if r.Definition.DecodeFormat == "" {
			continue
		}
		if r.Matches(tagSet, t) {
			return r, nil
		}
	}
	return nil, errors.WrapInvalid(
		fmt.Errorf("no decode rule for tags %v at %d: %w", tags, t, errors.ErrNoRuleFound),
		"Store", "FindDecodeRule", "rule lookup failed")
}

// FindTransformRules returns all rules in store order that declare a
// transform expression and match (tags, t). The result may be empty.
func (s *Store) FindTransformRules(tags []string, t int64) []*Rule {
	tagSet := toSet(tags)
	var matched []*Rule
	for i := range s.rules {
		r := &s.rules[i]
		if r.Definition.TransformExpr == "" {
			continue
		}
		if r.Matches(tagSet, t) {
			matched = append(matched, r)
		}
	}
	return matched
}

func toSet(tags []string) map[string]bool {
	set := make(map[string]bool, len(tags))
	for _, tag := range tags {
		set[tag] = true
	}
	return set
}
