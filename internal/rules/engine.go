// Package rules provides the CEL-Go based lead eligibility engine.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/leaddesk/internal/domain"
	"github.com/opensource-finance/leaddesk/internal/selection"
)

// ExclusionRuleID identifies the built-in client/broker/network exclusion rule.
const ExclusionRuleID = "builtin-exclusions"

// exclusionExpression drops leads owned by an excluded client, broker or
// network. Leads with no owner recorded are never excluded.
const exclusionExpression = `
	!(lead.client != "" && lead.client in filters.exclude_clients) &&
	!(lead.client_broker != "" && lead.client_broker in filters.exclude_brokers) &&
	!(lead.client_network != "" && lead.client_network in filters.exclude_networks)
`

// Engine decides which candidate leads may be offered to an order.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	builtin       *CompiledRule
	compiledRules map[string]*CompiledRule
	maxWorkers    int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.EligibilityRule
	Program cel.Program
}

// NewEngine creates an eligibility engine with the built-in exclusion rule loaded.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	env, err := cel.NewEnv(
		cel.Variable("lead", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("filters", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
		maxWorkers:    maxWorkers,
	}

	builtin, err := e.compileRule(&domain.EligibilityRule{
		ID:          ExclusionRuleID,
		Name:        "Client exclusions",
		Description: "Rejects leads owned by an excluded client, broker or network",
		Expression:  exclusionExpression,
		Enabled:     true,
	})
	if err != nil {
		return nil, err
	}
	e.builtin = builtin

	return e, nil
}

// ValidateRule compiles a rule without loading it.
func (e *Engine) ValidateRule(cfg *domain.EligibilityRule) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}
	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule into the engine.
func (e *Engine) LoadRule(cfg *domain.EligibilityRule) error {
	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.compiledRules[cfg.ID] = compiled
	e.mu.Unlock()
	return nil
}

// LoadRules compiles and loads the enabled rules.
func (e *Engine) LoadRules(configs []*domain.EligibilityRule) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadRule(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReloadRules atomically replaces all admin rules.
func (e *Engine) ReloadRules(configs []*domain.EligibilityRule) error {
	newRules := make(map[string]*CompiledRule, len(configs))
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		newRules[cfg.ID] = compiled
	}

	e.mu.Lock()
	e.compiledRules = newRules
	e.mu.Unlock()
	return nil
}

// RemoveRule unloads a rule. Unknown ids are ignored.
func (e *Engine) RemoveRule(ruleID string) {
	e.mu.Lock()
	delete(e.compiledRules, ruleID)
	e.mu.Unlock()
}

// RulesCount returns the number of loaded admin rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// GetLoadedRules returns the loaded admin rules ordered by id.
func (e *Engine) GetLoadedRules() []*domain.EligibilityRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*domain.EligibilityRule, 0, len(e.compiledRules))
	for _, compiled := range e.compiledRules {
		out = append(out, compiled.Config)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Filter returns the eligible leads of pool in their original order, plus
// the number rejected. If ctx is done before every lead was evaluated the
// context error is returned instead of a partial answer.
func (e *Engine) Filter(ctx context.Context, leadType domain.LeadType, filters domain.OrderFilters, pool []*domain.Lead) ([]*domain.Lead, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	if len(pool) == 0 {
		return pool, 0, nil
	}

	rules := e.rulesFor(leadType)
	filterVars := filterActivation(filters)

	// Parallel evaluation using worker pool pattern; slots keep pool order
	keep := make([]bool, len(pool))
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i, lead := range pool {
		if lead == nil {
			continue
		}
		wg.Add(1)
		go func(idx int, l *domain.Lead) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			if ctx.Err() != nil {
				return
			}
			keep[idx] = e.eligible(rules, l, filterVars)
		}(i, lead)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	eligible := make([]*domain.Lead, 0, len(pool))
	for i, ok := range keep {
		if ok {
			eligible = append(eligible, pool[i])
		}
	}
	return eligible, len(pool) - len(eligible), nil
}

// Eligible reports whether a single lead passes every applicable rule.
func (e *Engine) Eligible(lead *domain.Lead, filters domain.OrderFilters) bool {
	return e.eligible(e.rulesFor(lead.LeadType), lead, filterActivation(filters))
}

func (e *Engine) rulesFor(leadType domain.LeadType) []*CompiledRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := []*CompiledRule{e.builtin}
	for _, r := range e.compiledRules {
		if r.Config.AppliesTo(leadType) {
			rules = append(rules, r)
		}
	}
	return rules
}

// eligible fails closed: an evaluation error rejects the lead.
func (e *Engine) eligible(rules []*CompiledRule, lead *domain.Lead, filterVars map[string]any) bool {
	activation := map[string]any{
		"lead":    leadActivation(lead),
		"filters": filterVars,
	}

	for _, r := range rules {
		out, _, err := r.Program.Eval(activation)
		if err != nil {
			slog.Warn("eligibility rule evaluation failed",
				"rule_id", r.Config.ID,
				"lead_id", lead.ID,
				"error", err,
			)
			return false
		}
		if out != types.True {
			return false
		}
	}
	return true
}

func leadActivation(l *domain.Lead) map[string]any {
	return map[string]any{
		"id":             l.ID,
		"lead_type":      string(l.LeadType),
		"first_name":     l.FirstName,
		"last_name":      l.LastName,
		"email":          l.NewEmail,
		"phone":          l.NewPhone,
		"phone_pattern":  selection.PhonePattern(l.NewPhone),
		"country":        l.Country,
		"gender":         l.Gender,
		"client":         l.Client,
		"client_broker":  l.ClientBroker,
		"client_network": l.ClientNetwork,
		"source":         l.Source,
		"priority":       l.Priority,
		"status":         l.Status,
		"dob":            l.DOB,
	}
}

func filterActivation(f domain.OrderFilters) map[string]any {
	return map[string]any{
		"country":          f.Country,
		"gender":           f.Gender,
		"exclude_clients":  nonNil(f.ExcludeClients),
		"exclude_brokers":  nonNil(f.ExcludeBrokers),
		"exclude_networks": nonNil(f.ExcludeNetworks),
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (e *Engine) compileRule(cfg *domain.EligibilityRule) (*CompiledRule, error) {
	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", cfg.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}
