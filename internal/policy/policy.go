// Package policy evaluates configurable business rules that gate retry,
// provider fallback, and manual-review escalation. Rules are boolean
// expressions over the attributes of a payment attempt; they are
// compiled once at construction so a bad expression fails startup, not
// a live payment.
package policy

import (
	"fmt"

	"github.com/Knetic/govaluate"

	"github.com/yourorg/checkout-payments/internal/gateway"
)

// Effect names what a matching rule grants or demands.
type Effect string

const (
	EffectAllowRetry     Effect = "allow_retry"
	EffectAllowFallback  Effect = "allow_fallback"
	EffectEscalateManual Effect = "escalate_manual"
)

// RuleConfig is one rule as configured. Expression uses govaluate
// syntax over the attributes documented on Attributes.
type RuleConfig struct {
	Name       string `yaml:"name" json:"name"`
	Effect     Effect `yaml:"effect" json:"effect"`
	Expression string `yaml:"expression" json:"expression"`
}

// Attributes describes one payment attempt for rule evaluation.
type Attributes struct {
	Gateway      gateway.Type
	Operation    string
	Amount       float64
	Currency     string
	ErrorCode    string
	NetworkError bool
	Attempt      int
}

// Decision is the combined outcome of all matching rules. The zero
// value is the conservative default: no retry, no fallback, no
// escalation.
type Decision struct {
	AllowRetry     bool
	AllowFallback  bool
	EscalateManual bool
	// MatchedRules lists the names of the rules that fired, for audit.
	MatchedRules []string
}

type compiledRule struct {
	name   string
	effect Effect
	expr   *govaluate.EvaluableExpression
}

// Enforcer evaluates the configured rule set.
type Enforcer struct {
	rules []compiledRule
}

// NewEnforcer compiles the rule set. Any malformed expression or
// unknown effect is a construction error.
func NewEnforcer(configs []RuleConfig) (*Enforcer, error) {
	rules := make([]compiledRule, 0, len(configs))
	for _, cfg := range configs {
		switch cfg.Effect {
		case EffectAllowRetry, EffectAllowFallback, EffectEscalateManual:
		default:
			return nil, fmt.Errorf("policy rule %q: unknown effect %q", cfg.Name, cfg.Effect)
		}
		expr, err := govaluate.NewEvaluableExpression(cfg.Expression)
		if err != nil {
			return nil, fmt.Errorf("policy rule %q: compile: %w", cfg.Name, err)
		}
		rules = append(rules, compiledRule{name: cfg.Name, effect: cfg.Effect, expr: expr})
	}
	return &Enforcer{rules: rules}, nil
}

// Evaluate runs every rule against the attempt. A rule that errors at
// evaluation time is treated as non-matching; rules must not be able to
// veto a payment by referencing a missing attribute.
func (e *Enforcer) Evaluate(attrs Attributes) Decision {
	params := map[string]any{
		"gateway":      string(attrs.Gateway),
		"operation":    attrs.Operation,
		"amount":       attrs.Amount,
		"currency":     attrs.Currency,
		"errorCode":    attrs.ErrorCode,
		"networkError": attrs.NetworkError,
		"attempt":      attrs.Attempt,
	}

	var d Decision
	for _, rule := range e.rules {
		result, err := rule.expr.Evaluate(params)
		if err != nil {
			continue
		}
		matched, ok := result.(bool)
		if !ok || !matched {
			continue
		}
		switch rule.effect {
		case EffectAllowRetry:
			d.AllowRetry = true
		case EffectAllowFallback:
			d.AllowFallback = true
		case EffectEscalateManual:
			d.EscalateManual = true
		}
		d.MatchedRules = append(d.MatchedRules, rule.name)
	}
	return d
}
