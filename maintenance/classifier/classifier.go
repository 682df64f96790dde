// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package classifier maps inbound request paths and methods onto semantic
// operation types. Classification is a pure function over an ordered rule
// list: the first matching rule wins and everything else falls through to
// read operations.
package classifier

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/element-hq/caretaker/maintenance/api"
)

// Rule pairs a path pattern with the operation type it classifies to. An
// empty method list matches every method.
type Rule struct {
	// Name is a human-readable label used in logs and tests.
	Name string
	// Pattern is an anchored regular expression over the request path.
	Pattern string
	// Methods restricts the rule to the given HTTP methods, uppercased.
	Methods []string
	// Type is the operation type assigned when the rule matches.
	Type api.OperationType
}

type compiledRule struct {
	name    string
	re      *regexp.Regexp
	methods map[string]struct{}
	opType  api.OperationType
}

func (r compiledRule) matches(path, method string) bool {
	if len(r.methods) > 0 {
		if _, ok := r.methods[strings.ToUpper(method)]; !ok {
			return false
		}
	}
	return r.re.MatchString(path)
}

// Classifier evaluates an ordered rule list. Rules are added during startup;
// once serving begins the rule list is never mutated, so Classify is safe to
// call from any number of goroutines without locking.
type Classifier struct {
	rules []compiledRule
}

// New returns an empty classifier. Most callers want NewWithDefaults.
func New() *Classifier {
	return &Classifier{}
}

// NewWithDefaults returns a classifier preloaded with the builtin ruleset.
// Mutating rules (POST/PUT/PATCH/DELETE) on the user and media surfaces are
// classified per-resource; the admin surface is matched first so that admin
// operations are recognisable regardless of method. Anything unmatched is a
// read operation.
func NewWithDefaults() (*Classifier, error) {
	c := New()
	defaults := []Rule{
		{Name: "admin", Pattern: "^/_caretaker/", Type: api.OperationAdminOperations},
		{Name: "captions", Pattern: "^/api/v1/captions(/|$)", Methods: []string{"POST", "PUT"}, Type: api.OperationCaptionGeneration},
		{Name: "jobs", Pattern: "^/api/v1/jobs(/|$)", Methods: []string{"POST"}, Type: api.OperationJobCreation},
		{Name: "platform", Pattern: "^/api/v1/platform(/|$)", Type: api.OperationPlatformOperations},
		{Name: "batch", Pattern: "^/api/v1/batch(/|$)", Type: api.OperationBatchOperations},
		{Name: "users", Pattern: "^/api/v1/users(/|$)", Methods: []string{"POST", "PUT", "PATCH", "DELETE"}, Type: api.OperationUserDataModification},
		{Name: "images", Pattern: "^/api/v1/images(/|$)", Methods: []string{"POST", "PUT", "DELETE"}, Type: api.OperationImageProcessing},
	}
	for _, rule := range defaults {
		if err := c.AddRule(rule); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// AddRule appends a rule to the end of the list, giving it the lowest
// priority of all rules added so far. Use InsertRule to jump the queue.
func (c *Classifier) AddRule(rule Rule) error {
	compiled, err := compile(rule)
	if err != nil {
		return err
	}
	c.rules = append(c.rules, compiled)
	return nil
}

// InsertRule inserts a rule at the given position. Position 0 is the highest
// priority; positions past the end behave like AddRule.
func (c *Classifier) InsertRule(position int, rule Rule) error {
	compiled, err := compile(rule)
	if err != nil {
		return err
	}
	if position < 0 {
		position = 0
	}
	if position >= len(c.rules) {
		c.rules = append(c.rules, compiled)
		return nil
	}
	c.rules = append(c.rules[:position], append([]compiledRule{compiled}, c.rules[position:]...)...)
	return nil
}

func compile(rule Rule) (compiledRule, error) {
	if rule.Type == "" {
		return compiledRule{}, fmt.Errorf("classifier rule %q has no operation type", rule.Name)
	}
	re, err := regexp.Compile(rule.Pattern)
	if err != nil {
		return compiledRule{}, fmt.Errorf("classifier rule %q: %w", rule.Name, err)
	}
	compiled := compiledRule{
		name:   rule.Name,
		re:     re,
		opType: rule.Type,
	}
	if len(rule.Methods) > 0 {
		compiled.methods = make(map[string]struct{}, len(rule.Methods))
		for _, m := range rule.Methods {
			compiled.methods[strings.ToUpper(m)] = struct{}{}
		}
	}
	return compiled, nil
}

// Classify maps (path, method) to an operation type. The first matching rule
// wins; anything unmatched is a read operation. Classify performs no I/O and
// touches no shared mutable state.
func (c *Classifier) Classify(path, method string) api.OperationType {
	for _, rule := range c.rules {
		if rule.matches(path, method) {
			return rule.opType
		}
	}
	return api.OperationReadOperations
}

// Types returns the set of operation types the ruleset can produce, including
// custom types, plus the read-operations fallback. The blocking policy is
// built over this set so that custom types are covered.
func (c *Classifier) Types() []api.OperationType {
	seen := map[api.OperationType]struct{}{
		api.OperationReadOperations: {},
	}
	types := []api.OperationType{api.OperationReadOperations}
	for _, rule := range c.rules {
		if _, ok := seen[rule.opType]; ok {
			continue
		}
		seen[rule.opType] = struct{}{}
		types = append(types, rule.opType)
	}
	return types
}
