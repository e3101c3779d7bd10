package dispatch

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/wirestub/wirestub/pkg/mock"
)

// ErrNoRuleMatched reports that no rule matched and no fallback is
// configured.
var ErrNoRuleMatched = errors.New("no rule matched request")

// Rule pairs a predicate with the response it serves.
type Rule struct {
	// Predicate is an expr expression evaluated per request. The
	// environment exposes method, path, body, header(name) and
	// pathMatches(glob). An empty predicate matches every request.
	Predicate string

	// Response is served when the rule matches.
	Response *mock.Response
}

type compiledRule struct {
	rule    Rule
	program *vm.Program
}

// RuleDispatcher serves the first rule whose predicate matches the
// request. Unlike QueueDispatcher it never blocks and never consumes:
// a rule answers any number of requests.
type RuleDispatcher struct {
	mu       sync.RWMutex
	rules    []compiledRule
	fallback *mock.Response
}

var _ Dispatcher = (*RuleDispatcher)(nil)

// NewRules creates an empty RuleDispatcher.
func NewRules() *RuleDispatcher {
	return &RuleDispatcher{}
}

func ruleEnv(req *mock.RecordedRequest) map[string]any {
	return map[string]any{
		"method": req.Method,
		"path":   req.Path,
		"body":   string(req.Body),
		"header": func(name string) string {
			return req.Headers.Get(name)
		},
		"pathMatches": func(glob string) bool {
			ok, err := doublestar.Match(glob, req.Path)
			return err == nil && ok
		},
	}
}

// Add compiles and appends a rule. Rules match in insertion order.
func (d *RuleDispatcher) Add(rule Rule) error {
	if rule.Response == nil {
		return fmt.Errorf("rule %q has no response", rule.Predicate)
	}

	var program *vm.Program
	if rule.Predicate != "" {
		p, err := expr.Compile(rule.Predicate, expr.Env(ruleEnv(&mock.RecordedRequest{})), expr.AsBool())
		if err != nil {
			return fmt.Errorf("compile rule %q: %w", rule.Predicate, err)
		}
		program = p
	}

	d.mu.Lock()
	d.rules = append(d.rules, compiledRule{rule: rule, program: program})
	d.mu.Unlock()
	return nil
}

// SetFallback serves r when no rule matches. nil means unmatched
// requests fail with ErrNoRuleMatched.
func (d *RuleDispatcher) SetFallback(r *mock.Response) {
	d.mu.Lock()
	d.fallback = r
	d.mu.Unlock()
}

// Dispatch evaluates rules in order and serves a copy of the first
// match, the fallback if none matched, or ErrNoRuleMatched.
func (d *RuleDispatcher) Dispatch(req *mock.RecordedRequest) (*mock.Response, error) {
	d.mu.RLock()
	rules := d.rules
	fallback := d.fallback
	d.mu.RUnlock()

	env := ruleEnv(req)
	for _, cr := range rules {
		if cr.program != nil {
			out, err := expr.Run(cr.program, env)
			if err != nil {
				return nil, fmt.Errorf("eval rule %q: %w", cr.rule.Predicate, err)
			}
			if matched, _ := out.(bool); !matched {
				continue
			}
		}
		return cr.rule.Response.Clone(), nil
	}

	if fallback != nil {
		return fallback.Clone(), nil
	}
	return nil, ErrNoRuleMatched
}

// Peek returns a neutral placeholder: which rule will match cannot be
// known before a request exists.
func (d *RuleDispatcher) Peek() *mock.Response {
	return Neutral()
}

// Shutdown is a no-op; rule dispatch never blocks.
func (d *RuleDispatcher) Shutdown() {}
