package alerting

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keslleykledston/24-Monitoramento/internal/database"
	"github.com/keslleykledston/24-Monitoramento/internal/database/memstore"
)

func TestLoadRuleFile_Defaults(t *testing.T) {
	rules, err := LoadRuleFile("../../configs/alert_rules.yaml")
	require.NoError(t, err)
	require.Len(t, rules, 6)

	down := rules[0]
	assert.Equal(t, database.RuleDown, down.RuleType)
	assert.Equal(t, database.SeverityCritical, down.Severity)
	require.NotNil(t, down.ConsecutiveFailures)
	assert.Equal(t, 3, *down.ConsecutiveFailures)
	assert.Nil(t, down.Threshold)

	kinds := map[database.RuleType]int{}
	for _, r := range rules {
		assert.True(t, r.IsActive)
		kinds[r.RuleType]++
	}
	assert.Equal(t, 2, kinds[database.RuleLoss])
	assert.Equal(t, 1, kinds[database.RuleHTTP5xx])
}

func TestParseRules_Rejects(t *testing.T) {
	tests := map[string]string{
		"unknown type": `
rules:
  - name: dns
    type: dns
    severity: major
    threshold: 1
`,
		"missing threshold": `
rules:
  - name: jitter
    type: jitter
    severity: major
`,
		"bad severity": `
rules:
  - name: loss
    type: loss
    severity: minor
    threshold: 2
`,
		"duplicate name": `
rules:
  - name: loss
    type: loss
    severity: major
    threshold: 2
  - name: loss
    type: loss
    severity: critical
    threshold: 5
`,
	}

	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRules([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestSeedRules_DoesNotOverwrite(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()

	rules, err := ParseRules([]byte(`
rules:
  - name: Loss >= 2% (MAJOR)
    type: loss
    severity: major
    threshold: 2.0
  - name: paused
    type: jitter
    severity: major
    threshold: 20
    disabled: true
`))
	require.NoError(t, err)

	created, err := SeedRules(ctx, store, rules, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	changed := []database.AlertRule{lossRule("Loss >= 2% (MAJOR)", 9.0)}
	created, err = SeedRules(ctx, store, changed, quietLogger())
	require.NoError(t, err)
	assert.Zero(t, created)

	active, err := store.Auto().ActiveAlertRules(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, 2.0, *active[0].Threshold)
}
