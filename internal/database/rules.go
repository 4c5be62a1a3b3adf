package database

import (
	"context"
	"time"
)

// ActiveAlertRules retrieves all active alert rules
func (q *Queries) ActiveAlertRules(ctx context.Context) ([]AlertRule, error) {
	query := `
		SELECT id, name, rule_type, severity, threshold,
		       consecutive_failures, is_active, created_at
		FROM alert_rules
		WHERE is_active = true
		ORDER BY id
	`

	rows, err := q.q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []AlertRule
	for rows.Next() {
		var r AlertRule
		var ruleType, severity string
		if err := rows.Scan(
			&r.ID,
			&r.Name,
			&ruleType,
			&severity,
			&r.Threshold,
			&r.ConsecutiveFailures,
			&r.IsActive,
			&r.CreatedAt,
		); err != nil {
			return nil, err
		}
		r.RuleType = RuleType(ruleType)
		r.Severity = Severity(severity)
		rules = append(rules, r)
	}

	return rules, rows.Err()
}

// EnsureAlertRule inserts the rule when no rule with the same name exists
func (q *Queries) EnsureAlertRule(ctx context.Context, r *AlertRule) (bool, error) {
	query := `
		INSERT INTO alert_rules (
			name, rule_type, severity, threshold, consecutive_failures, is_active, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (name) DO NOTHING
	`

	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	result, err := q.q.ExecContext(ctx, query,
		r.Name,
		string(r.RuleType),
		string(r.Severity),
		r.Threshold,
		r.ConsecutiveFailures,
		r.IsActive,
		r.CreatedAt,
	)
	if err != nil {
		return false, err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
