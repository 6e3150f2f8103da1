// Package rules provides a YAML-based rules engine for transaction categorization.
package rules

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/rumor-ml/commons.systems/stmtimport/internal/domain"
	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var embeddedRules []byte

// MatchType defines how patterns are matched against transaction descriptions
type MatchType string

const (
	// MatchTypeExact requires the pattern to match the entire description exactly
	MatchTypeExact MatchType = "exact"
	// MatchTypeContains requires the pattern to be a substring of the description
	MatchTypeContains MatchType = "contains"
	// MatchTypeRegex treats the pattern as a case-insensitive regular expression
	MatchTypeRegex MatchType = "regex"
)

// Direction restricts a rule to outgoing or incoming money.
type Direction string

const (
	DirectionAny    Direction = ""
	DirectionDebit  Direction = "debit"
	DirectionCredit Direction = "credit"
)

// Rule represents a single categorization rule.
//
// Rules should be created via NewRule or loaded with NewEngine, both of which
// check that:
//   - Priority is in range [0, 999]
//   - Pattern is not empty after trimming (and compiles for regex rules)
//   - MatchType is "exact", "contains" or "regex"
//   - Direction is empty, "debit" or "credit"
//   - Category is a valid domain.Category
type Rule struct {
	Name      string    `yaml:"name"`
	Pattern   string    `yaml:"pattern"`
	MatchType MatchType `yaml:"match_type"`
	Priority  int       `yaml:"priority"`
	Category  string    `yaml:"category"`
	Direction Direction `yaml:"direction"`

	re *regexp.Regexp
}

// NewRule creates a validated rule.
func NewRule(name, pattern string, matchType MatchType, priority int, category string, direction Direction) (*Rule, error) {
	r := &Rule{
		Name:      name,
		Pattern:   pattern,
		MatchType: matchType,
		Priority:  priority,
		Category:  category,
		Direction: direction,
	}
	if err := r.compile(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Rule) compile() error {
	if !domain.ValidateCategory(domain.Category(r.Category)) {
		return fmt.Errorf("invalid category %q", r.Category)
	}
	if r.Priority < 0 || r.Priority > 999 {
		return fmt.Errorf("priority must be in [0,999], got %d", r.Priority)
	}
	if strings.TrimSpace(r.Pattern) == "" {
		return fmt.Errorf("pattern cannot be empty")
	}
	switch r.Direction {
	case DirectionAny, DirectionDebit, DirectionCredit:
	default:
		return fmt.Errorf("invalid direction %q (must be 'debit' or 'credit')", r.Direction)
	}

	switch r.MatchType {
	case MatchTypeExact, MatchTypeContains:
		r.re = nil
	case MatchTypeRegex:
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			return fmt.Errorf("invalid regex pattern %q: %w", r.Pattern, err)
		}
		r.re = re
	default:
		return fmt.Errorf("invalid match_type %q (must be 'exact', 'contains' or 'regex')", r.MatchType)
	}
	return nil
}

func (r *Rule) matches(normalizedDesc string, amountMinor int64) bool {
	switch r.Direction {
	case DirectionDebit:
		if amountMinor >= 0 {
			return false
		}
	case DirectionCredit:
		if amountMinor <= 0 {
			return false
		}
	}

	normalizedPattern := strings.ToLower(strings.TrimSpace(r.Pattern))
	switch r.MatchType {
	case MatchTypeExact:
		return normalizedDesc == normalizedPattern
	case MatchTypeContains:
		return strings.Contains(normalizedDesc, normalizedPattern)
	case MatchTypeRegex:
		return r.re.MatchString(normalizedDesc)
	}
	return false
}

// RuleSet represents the top-level YAML structure
type RuleSet struct {
	Rules []Rule `yaml:"rules"`
}

// Engine performs rule matching on transaction descriptions.
// It is immutable after construction and safe for concurrent use.
type Engine struct {
	rules []Rule // Sorted by priority (highest first)
}

// MatchResult contains the result of applying a rule
type MatchResult struct {
	Category domain.Category
	RuleName string // For debugging
}

// NewEngine creates a rules engine from YAML data
func NewEngine(rulesData []byte) (*Engine, error) {
	var ruleSet RuleSet
	if err := yaml.Unmarshal(rulesData, &ruleSet); err != nil {
		return nil, fmt.Errorf("failed to parse YAML rules (check syntax, indentation, and field names): %w", err)
	}

	for i := range ruleSet.Rules {
		if err := ruleSet.Rules[i].compile(); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, ruleSet.Rules[i].Name, err)
		}
	}

	// Equal priorities keep file order.
	sortedRules := make([]Rule, len(ruleSet.Rules))
	copy(sortedRules, ruleSet.Rules)
	sort.SliceStable(sortedRules, func(i, j int) bool {
		return sortedRules[i].Priority > sortedRules[j].Priority
	})

	return &Engine{
		rules: sortedRules,
	}, nil
}

// LoadEmbedded loads the embedded rules.yaml file
func LoadEmbedded() (*Engine, error) {
	engine, err := NewEngine(embeddedRules)
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded rules (possible binary corruption): %w", err)
	}
	return engine, nil
}

// LoadFromFile loads rules from a filesystem path
func LoadFromFile(path string) (*Engine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	engine, err := NewEngine(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules from %q: %w", path, err)
	}
	return engine, nil
}

// Match applies rules to a transaction description and signed amount and
// returns the first match in priority order. Returns (nil, false) if no
// rules match. A nil engine matches nothing.
func (e *Engine) Match(description string, amountMinor int64) (*MatchResult, bool) {
	if e == nil {
		return nil, false
	}
	normalizedDesc := strings.ToLower(strings.Join(strings.Fields(description), " "))

	for i := range e.rules {
		rule := &e.rules[i]
		if rule.matches(normalizedDesc, amountMinor) {
			return &MatchResult{
				Category: domain.Category(rule.Category),
				RuleName: rule.Name,
			}, true
		}
	}

	return nil, false
}

// GetRules returns a copy of the rules in priority order (highest first).
func (e *Engine) GetRules() []Rule {
	result := make([]Rule, len(e.rules))
	copy(result, e.rules)
	return result
}
