// Package rules provides the CEL-Go based custom anomaly rule engine.
package rules

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine compiles operator-supplied rule expressions and evaluates them
// against the flattened transaction context.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
	maxWorkers    int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// NewEngine creates a new rule evaluation engine.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	// Create CEL environment with transaction context variables
	env, err := cel.NewEnv(
		cel.Variable("ctx", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("hour_of_day", cel.IntType),
		cel.Variable("day_of_week", cel.IntType),
		cel.Variable("daily_tx_count", cel.IntType),
		cel.Variable("daily_volume", cel.DoubleType),
		cel.Variable("hourly_tx_count", cel.IntType),
		cel.Variable("hourly_volume", cel.DoubleType),
		cel.Variable("time_since_last", cel.DoubleType),
		cel.Variable("device_fingerprint", cel.StringType),
		cel.Variable("ip", cel.StringType),
		cel.Variable("tx_type", cel.StringType),
		cel.Variable("user_id", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
		maxWorkers:    maxWorkers,
	}, nil
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule into the engine.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	e.compiledRules[cfg.ID] = compiled

	return nil
}

// LoadRules compiles and loads multiple rules.
func (e *Engine) LoadRules(configs []*domain.RuleConfig) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadRule(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// EvaluateInput holds the transaction data for rule evaluation.
type EvaluateInput struct {
	TenantID string
	TxID     string
	TxType   string
	UserID   string
	TxCtx    *domain.TransactionContext
}

// Outcome is the evaluation result of one rule.
type Outcome struct {
	RuleID    string
	RuleName  string
	Type      domain.AnomalyType
	Triggered bool
	Score     float64
	Err       string
	ProcessMs int64
}

// EvaluateAll evaluates all loaded rules in parallel. A rule that fails to
// evaluate reports its error in the outcome and never aborts the batch.
func (e *Engine) EvaluateAll(input *EvaluateInput) []Outcome {
	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, rule := range e.compiledRules {
		rules = append(rules, rule)
	}
	e.mu.RUnlock()

	if len(rules) == 0 {
		return nil
	}

	activation := buildActivation(input)

	// Parallel evaluation using worker pool pattern
	outcomes := make([]Outcome, len(rules))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range rules {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			outcomes[idx] = evaluateRule(r, activation)
		}(i, rule)
	}

	wg.Wait()

	return outcomes
}

// buildActivation flattens the transaction context into CEL variables.
// Absent fields become zero values so expressions never hit unbound names.
func buildActivation(input *EvaluateInput) map[string]any {
	activation := map[string]any{
		"ctx":                map[string]any{},
		"amount":             0.0,
		"currency":           "",
		"hour_of_day":        int64(0),
		"day_of_week":        int64(0),
		"daily_tx_count":     int64(0),
		"daily_volume":       0.0,
		"hourly_tx_count":    int64(0),
		"hourly_volume":      0.0,
		"time_since_last":    0.0,
		"device_fingerprint": "",
		"ip":                 "",
		"tx_type":            input.TxType,
		"user_id":            input.UserID,
	}

	if input.TxCtx == nil {
		return activation
	}

	flat := input.TxCtx.Flatten()
	activation["ctx"] = flat
	for k, v := range flat {
		if _, declared := activation[k]; declared {
			activation[k] = v
		}
	}

	return activation
}

// evaluateRule evaluates a single rule and returns the outcome.
func evaluateRule(rule *CompiledRule, activation map[string]any) Outcome {
	start := time.Now()

	outcome := Outcome{
		RuleID:   rule.Config.ID,
		RuleName: rule.Config.Name,
		Type:     rule.Config.AnomalyType,
	}

	out, _, err := rule.Program.Eval(activation)
	if err != nil {
		outcome.Err = fmt.Sprintf("evaluation error: %v", err)
		outcome.ProcessMs = time.Since(start).Milliseconds()
		return outcome
	}

	outcome.Triggered, outcome.Score = toScore(out, rule.Config.Score)
	outcome.ProcessMs = time.Since(start).Milliseconds()

	return outcome
}

// toScore converts a CEL value to a triggered flag and score. Bool results
// take the rule's configured score; numeric results use their own value
// clamped to 0-100 and trigger whenever positive.
func toScore(val ref.Val, configured float64) (bool, float64) {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return true, configured
		}
		return false, 0
	case types.Double:
		return clampScore(float64(v))
	case types.Int:
		return clampScore(float64(v))
	default:
		return false, 0
	}
}

func clampScore(score float64) (bool, float64) {
	score = math.Min(math.Max(score, 0), 100)
	return score > 0, score
}

// Candidate converts a triggered outcome into an anomaly candidate.
func (o Outcome) Candidate() domain.AnomalyCandidate {
	return domain.AnomalyCandidate{
		Type:     o.Type,
		Score:    o.Score,
		Detected: o.Triggered,
		Details: map[string]any{
			"rule_id":   o.RuleID,
			"rule_name": o.RuleName,
		},
	}
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// ReloadRules clears all existing rules and loads new ones.
// This enables hot-reloading of rules from the database.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	newRules := make(map[string]*CompiledRule)

	// Load new rules
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

	e.compiledRules = newRules

	return nil
}

// GetLoadedRules returns the currently loaded rule configurations.
func (e *Engine) GetLoadedRules() []*domain.RuleConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.RuleConfig, 0, len(e.compiledRules))
	for _, compiled := range e.compiledRules {
		rules = append(rules, compiled.Config)
	}
	return rules
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("rule %s: expression must return bool, int, or double, got %s", cfg.ID, outputType)
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
