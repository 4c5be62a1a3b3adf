package alerting

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/keslleykledston/24-Monitoramento/internal/database"
)

// RuleSpec is one alert rule as written in the rules file
type RuleSpec struct {
	Name                string   `yaml:"name"`
	Type                string   `yaml:"type"`
	Severity            string   `yaml:"severity"`
	Threshold           *float64 `yaml:"threshold"`
	ConsecutiveFailures *int     `yaml:"consecutive_failures"`
	Disabled            bool     `yaml:"disabled"`
}

// RuleFile is the top-level document of the rules file
type RuleFile struct {
	Rules []RuleSpec `yaml:"rules"`
}

// LoadRuleFile reads and validates a YAML rules file
func LoadRuleFile(path string) ([]database.AlertRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes a YAML rules document
func ParseRules(data []byte) ([]database.AlertRule, error) {
	var file RuleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}

	seen := make(map[string]bool)
	rules := make([]database.AlertRule, 0, len(file.Rules))
	for i, spec := range file.Rules {
		rule, err := spec.toRule()
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i+1, err)
		}
		if seen[rule.Name] {
			return nil, fmt.Errorf("rule %d: duplicate name %q", i+1, rule.Name)
		}
		seen[rule.Name] = true
		rules = append(rules, rule)
	}
	return rules, nil
}

func (s RuleSpec) toRule() (database.AlertRule, error) {
	rule := database.AlertRule{
		Name:                s.Name,
		RuleType:            database.RuleType(s.Type),
		Severity:            database.Severity(s.Severity),
		Threshold:           s.Threshold,
		ConsecutiveFailures: s.ConsecutiveFailures,
		IsActive:            !s.Disabled,
	}

	if rule.Name == "" {
		return rule, fmt.Errorf("name is required")
	}
	if !rule.Severity.Valid() {
		return rule, fmt.Errorf("%s: unknown severity %q", rule.Name, s.Severity)
	}

	switch rule.RuleType {
	case database.RuleDown:
		if rule.ConsecutiveFailures != nil && *rule.ConsecutiveFailures <= 0 {
			return rule, fmt.Errorf("%s: consecutive_failures must be positive", rule.Name)
		}
	case database.RuleLoss, database.RuleRTTP95, database.RuleJitter, database.RuleHTTP5xx:
		if rule.Threshold == nil {
			return rule, fmt.Errorf("%s: threshold is required for %s rules", rule.Name, rule.RuleType)
		}
	default:
		return rule, fmt.Errorf("%s: unknown rule type %q", rule.Name, s.Type)
	}
	return rule, nil
}

// SeedRules creates every rule that does not exist yet. Rules already
// present by name are left untouched.
func SeedRules(ctx context.Context, tx database.Transactor, rules []database.AlertRule, log *logrus.Entry) (int, error) {
	created := 0
	err := tx.InTx(ctx, func(s database.Store) error {
		for i := range rules {
			ok, err := s.EnsureAlertRule(ctx, &rules[i])
			if err != nil {
				return fmt.Errorf("failed to seed rule %q: %w", rules[i].Name, err)
			}
			if ok {
				created++
				log.WithField("rule", rules[i].Name).Info("Created default alert rule")
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}
