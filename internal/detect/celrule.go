package detect

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/rto-platform/harrier/internal/domain"
)

// RuleEngine evaluates operator-defined CEL detector rules alongside the
// built-in detectors. Rules are compiled once and hot-reloadable. Rules
// belong to the office that created them: evaluation and reload never
// cross office boundaries.
type RuleEngine struct {
	mu      sync.RWMutex
	env     *cel.Env
	offices map[string]map[string]*compiledRule
}

type compiledRule struct {
	config  *domain.DetectorRule
	program cel.Program
}

// NewRuleEngine creates a CEL environment exposing the observation
// variables custom rules may reference.
func NewRuleEngine() (*RuleEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("application_id", cel.StringType),
		cel.Variable("broker_id", cel.StringType),
		cel.Variable("actual_fee", cel.DoubleType),
		cel.Variable("expected_fee", cel.DoubleType),
		cel.Variable("actual_duration", cel.DoubleType),
		cel.Variable("expected_duration", cel.DoubleType),
		cel.Variable("similarity", cel.DoubleType),
		cel.Variable("forgery_confidence", cel.DoubleType),
		cel.Variable("otp_elapsed_hours", cel.DoubleType),
		cel.Variable("broker_avg_duration", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &RuleEngine{
		env:     env,
		offices: make(map[string]map[string]*compiledRule),
	}, nil
}

// ValidateRule compiles a rule without loading it.
func (e *RuleEngine) ValidateRule(cfg *domain.DetectorRule) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compile(cfg)
	return err
}

// LoadRule compiles and loads a rule into its office's rule set.
func (e *RuleEngine) LoadRule(cfg *domain.DetectorRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compile(cfg)
	if err != nil {
		return err
	}

	office := e.offices[cfg.OfficeID]
	if office == nil {
		office = make(map[string]*compiledRule)
		e.offices[cfg.OfficeID] = office
	}
	office[cfg.ID] = compiled
	return nil
}

// LoadRules compiles and loads multiple rules, skipping disabled ones.
func (e *RuleEngine) LoadRules(configs []*domain.DetectorRule) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadRule(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReloadRules replaces one office's rule set atomically. Other offices'
// loaded rules are untouched; a compile failure leaves the office's
// previous set in place.
func (e *RuleEngine) ReloadRules(officeID string, configs []*domain.DetectorRule) error {
	newRules := make(map[string]*compiledRule)

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		compiled, err := e.compile(cfg)
		if err != nil {
			return err
		}
		newRules[cfg.ID] = compiled
	}

	if len(newRules) == 0 {
		delete(e.offices, officeID)
		return nil
	}
	e.offices[officeID] = newRules
	return nil
}

// GetLoadedRules returns the rule configurations loaded for one office.
func (e *RuleEngine) GetLoadedRules(officeID string) []*domain.DetectorRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	office := e.offices[officeID]
	rules := make([]*domain.DetectorRule, 0, len(office))
	for _, compiled := range office {
		rules = append(rules, compiled.config)
	}
	return rules
}

// RulesCount returns the number of loaded rules across all offices.
func (e *RuleEngine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	total := 0
	for _, office := range e.offices {
		total += len(office)
	}
	return total
}

// OfficeRulesCount returns the number of rules loaded for one office.
func (e *RuleEngine) OfficeRulesCount(officeID string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.offices[officeID])
}

// Evaluate runs the office's loaded rules against the observation. A
// rule whose confidence reaches its threshold emits an indicator of its
// configured type; rule evaluation errors skip that rule, matching the
// detectors' never-fail contract.
func (e *RuleEngine) Evaluate(officeID string, obs *Observation) []domain.FraudIndicator {
	e.mu.RLock()
	office := e.offices[officeID]
	rules := make([]*compiledRule, 0, len(office))
	for _, r := range office {
		rules = append(rules, r)
	}
	e.mu.RUnlock()

	if len(rules) == 0 {
		return nil
	}

	activation := activationFor(obs)

	indicators := make([]domain.FraudIndicator, 0, len(rules))
	for _, rule := range rules {
		out, _, err := rule.program.Eval(activation)
		if err != nil {
			continue
		}

		conf := clamp01(toConfidence(out))
		if conf < rule.config.Threshold {
			continue
		}

		indicators = append(indicators, domain.FraudIndicator{
			Type:       rule.config.Indicator,
			Confidence: conf,
			Details:    fmt.Sprintf("custom rule %q matched", rule.config.Name),
		})
	}

	return indicators
}

// Close cleans up the engine.
func (e *RuleEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.offices = make(map[string]map[string]*compiledRule)
	return nil
}

func (e *RuleEngine) compile(cfg *domain.DetectorRule) (*compiledRule, error) {
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

	return &compiledRule{
		config:  cfg,
		program: program,
	}, nil
}

// activationFor maps an observation into CEL variables. Absent signals
// are exposed as zero so expressions can guard on them explicitly.
func activationFor(obs *Observation) map[string]any {
	deref := func(p *float64) float64 {
		if p == nil {
			return 0
		}
		return *p
	}

	forgeryConf := 0.0
	if obs.Forgery != nil {
		forgeryConf = obs.Forgery.Confidence
	}

	return map[string]any{
		"application_id":      obs.ApplicationID,
		"broker_id":           obs.BrokerID,
		"actual_fee":          deref(obs.ActualFee),
		"expected_fee":        deref(obs.ExpectedFee),
		"actual_duration":     deref(obs.ActualDuration),
		"expected_duration":   deref(obs.ExpectedDuration),
		"similarity":          deref(obs.Similarity),
		"forgery_confidence":  forgeryConf,
		"otp_elapsed_hours":   obs.OTPElapsedHours(),
		"broker_avg_duration": deref(obs.BrokerAvgDuration),
	}
}

// toConfidence converts a CEL value to a confidence score.
func toConfidence(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}
