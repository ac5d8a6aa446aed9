// Package policy maps process names to target cgroups.
package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Kind selects how a rule's pattern is compared against a process name.
type Kind string

// Rule kinds.
const (
	KindExact  Kind = "exact"
	KindPrefix Kind = "prefix"
	KindExpr   Kind = "expr"
)

// ErrInvalidRule is returned for rules that cannot be compiled.
var ErrInvalidRule = errors.New("invalid policy rule")

// Rule sends processes whose name matches Pattern to Group.
type Rule struct {
	Kind    Kind   `mapstructure:"kind" yaml:"kind"`
	Pattern string `mapstructure:"pattern" yaml:"pattern"`
	Group   string `mapstructure:"group" yaml:"group"`
}

func (r Rule) String() string {
	return fmt.Sprintf("%s:%s=%s", r.Kind, r.Pattern, r.Group)
}

// ParseRule parses the flag form "kind:pattern=group". The group is taken
// after the last '=' so expressions may contain '=='.
func ParseRule(s string) (Rule, error) {
	kind, rest, ok := strings.Cut(s, ":")
	if !ok {
		return Rule{}, fmt.Errorf("%w: %q: expected kind:pattern=group", ErrInvalidRule, s)
	}

	i := strings.LastIndex(rest, "=")
	if i < 0 {
		return Rule{}, fmt.Errorf("%w: %q: missing =group", ErrInvalidRule, s)
	}

	r := Rule{
		Kind:    Kind(strings.TrimSpace(kind)),
		Pattern: rest[:i],
		Group:   strings.TrimSpace(rest[i+1:]),
	}
	return r, nil
}

// exprEnv is the environment rule expressions are type-checked and run against.
type exprEnv struct {
	Name string `expr:"name"`
}

type compiledRule struct {
	rule    Rule
	program *vm.Program
}

// Table is an ordered, read-only set of rules. The first matching rule wins.
type Table struct {
	rules []compiledRule
}

// New validates rules and pre-compiles expression rules.
func New(rules []Rule) (*Table, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		if r.Group == "" {
			return nil, fmt.Errorf("%w: rule %d (%s): empty group", ErrInvalidRule, i, r)
		}

		c := compiledRule{rule: r}
		switch r.Kind {
		case KindExact, KindPrefix:
			if r.Pattern == "" {
				return nil, fmt.Errorf("%w: rule %d (%s): empty pattern", ErrInvalidRule, i, r)
			}
		case KindExpr:
			program, err := expr.Compile(r.Pattern, expr.Env(exprEnv{}), expr.AsBool())
			if err != nil {
				return nil, fmt.Errorf("%w: rule %d: compiling %q: %w", ErrInvalidRule, i, r.Pattern, err)
			}
			c.program = program
		default:
			return nil, fmt.Errorf("%w: rule %d: unknown kind %q", ErrInvalidRule, i, r.Kind)
		}
		compiled = append(compiled, c)
	}

	return &Table{rules: compiled}, nil
}

// Len returns the number of rules.
func (t *Table) Len() int {
	return len(t.rules)
}

// Rules returns a copy of the configured rules in evaluation order.
func (t *Table) Rules() []Rule {
	out := make([]Rule, len(t.rules))
	for i, c := range t.rules {
		out[i] = c.rule
	}
	return out
}

// Match returns the group for name, if any rule matches.
// Expression rules that fail at run time are treated as non-matching.
func (t *Table) Match(name string) (string, bool) {
	for _, c := range t.rules {
		if c.matches(name) {
			return c.rule.Group, true
		}
	}
	return "", false
}

func (c compiledRule) matches(name string) bool {
	switch c.rule.Kind {
	case KindExact:
		return name == c.rule.Pattern
	case KindPrefix:
		return strings.HasPrefix(name, c.rule.Pattern)
	case KindExpr:
		out, err := expr.Run(c.program, exprEnv{Name: name})
		if err != nil {
			return false
		}
		matched, ok := out.(bool)
		return ok && matched
	default:
		return false
	}
}
