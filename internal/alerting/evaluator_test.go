package alerting

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keslleykledston/24-Monitoramento/internal/database"
	"github.com/keslleykledston/24-Monitoramento/internal/database/memstore"
	"github.com/keslleykledston/24-Monitoramento/internal/incident"
)

var now = time.Date(2026, 3, 1, 10, 30, 15, 0, time.UTC)

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func f(v float64) *float64 { return &v }
func n(v int) *int         { return &v }
func s(v string) *string   { return &v }

type fixture struct {
	store     *memstore.Store
	evaluator *Evaluator
}

func newFixture(t *testing.T, rules ...database.AlertRule) *fixture {
	t.Helper()
	store := memstore.New()
	store.AddProbe(1, 100)
	store.AddProbe(2, 200)

	_, err := SeedRules(context.Background(), store, rules, quietLogger())
	require.NoError(t, err)

	manager := incident.NewManager(store, nil, incident.Options{}, quietLogger())
	manager.SetClock(func() time.Time { return now })

	ev := NewEvaluator(store.Auto(), manager, DefaultMatchers(3, 5.0), 2*time.Minute, quietLogger())
	ev.SetClock(func() time.Time { return now })
	return &fixture{store: store, evaluator: ev}
}

func (fx *fixture) raw(t *testing.T, probe int64, age time.Duration, up bool, errText *string) {
	t.Helper()
	require.NoError(t, fx.store.Auto().InsertRawMeasurement(context.Background(), &database.RawMeasurement{
		Timestamp: now.Add(-age),
		ProbeID:   probe,
		TargetID:  7,
		Up:        up,
		Error:     errText,
	}))
}

func (fx *fixture) bucket(t *testing.T, b database.AggregateBucket) {
	t.Helper()
	if b.ProbeID == 0 {
		b.ProbeID = 1
	}
	b.TargetID = 7
	require.NoError(t, fx.store.Auto().UpsertBucket(context.Background(), &b))
}

func (fx *fixture) incidents(t *testing.T) []database.Incident {
	t.Helper()
	out, err := fx.store.Auto().OpenIncidents(context.Background())
	require.NoError(t, err)
	return out
}

func downRule() database.AlertRule {
	return database.AlertRule{Name: "DOWN - 3 consecutive failures", RuleType: database.RuleDown,
		Severity: database.SeverityCritical, ConsecutiveFailures: n(3), IsActive: true}
}

func lossRule(name string, threshold float64) database.AlertRule {
	return database.AlertRule{Name: name, RuleType: database.RuleLoss,
		Severity: database.SeverityMajor, Threshold: f(threshold), IsActive: true}
}

func TestConsecutiveDown_ThreeFailuresOpenCriticalIncident(t *testing.T) {
	fx := newFixture(t, downRule())
	fx.raw(t, 1, 3*time.Second, false, s("timeout"))
	fx.raw(t, 1, 2*time.Second, false, s("timeout"))
	fx.raw(t, 1, 1*time.Second, false, s("connection refused"))

	res, err := fx.evaluator.RunTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Triggers)
	assert.Equal(t, 1, res.Opened)

	open := fx.incidents(t)
	require.Len(t, open, 1)
	inc := open[0]
	assert.Equal(t, database.SeverityCritical, inc.Severity)
	assert.Equal(t, "Target DOWN - 3 consecutive failures", inc.Title)
	assert.Equal(t, int64(100), inc.LocationID)

	last, ok := inc.Evidence["last_measurements"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, last, 3)
	assert.Equal(t, now.Add(-time.Second).Format(time.RFC3339Nano), last[0]["ts"])
	assert.Equal(t, "connection refused", last[0]["error"])
	assert.Equal(t, "timeout", last[2]["error"])
	for _, m := range last {
		assert.Equal(t, false, m["up"])
	}

	// the condition persists: still one incident
	_, err = fx.evaluator.RunTick(context.Background())
	require.NoError(t, err)
	assert.Len(t, fx.incidents(t), 1)
}

func TestConsecutiveDown_MixedOrShortStreakDoesNotFire(t *testing.T) {
	fx := newFixture(t, downRule())
	fx.raw(t, 1, 3*time.Second, false, nil)
	fx.raw(t, 1, 2*time.Second, true, nil)
	fx.raw(t, 1, 1*time.Second, false, nil)

	// only two observations inside the 3s lookback
	fx.raw(t, 2, 10*time.Second, false, nil)
	fx.raw(t, 2, 2*time.Second, false, nil)
	fx.raw(t, 2, 1*time.Second, false, nil)

	res, err := fx.evaluator.RunTick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Triggers)
	assert.Empty(t, fx.incidents(t))
}

func TestLoss_SeverityFollowsRuleThreshold(t *testing.T) {
	fx := newFixture(t,
		lossRule("Loss >= 2% (MAJOR)", 2.0),
		lossRule("Loss >= 5% (CRITICAL)", 5.0),
	)
	fx.bucket(t, database.AggregateBucket{Bucket: now.Truncate(time.Minute).Add(-time.Minute), LossAvg: f(5.0)})

	res, err := fx.evaluator.RunTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Opened)

	bySeverity := map[database.Severity]database.Incident{}
	for _, inc := range fx.incidents(t) {
		bySeverity[inc.Severity] = inc
	}
	require.Contains(t, bySeverity, database.SeverityCritical)
	require.Contains(t, bySeverity, database.SeverityMajor)
	assert.Equal(t, "High packet loss: 5.0%", bySeverity[database.SeverityCritical].Title)
	assert.Equal(t, 5.0, bySeverity[database.SeverityCritical].Evidence["loss_avg"])
}

func TestLoss_JustBelowCriticalThreshold(t *testing.T) {
	fx := newFixture(t,
		lossRule("Loss >= 3%", 3.0),
		lossRule("Loss >= 5% (CRITICAL)", 5.0),
	)
	fx.bucket(t, database.AggregateBucket{Bucket: now.Truncate(time.Minute).Add(-time.Minute), LossAvg: f(4.99)})

	_, err := fx.evaluator.RunTick(context.Background())
	require.NoError(t, err)

	open := fx.incidents(t)
	require.Len(t, open, 1)
	assert.Equal(t, database.SeverityMajor, open[0].Severity)
	assert.Equal(t, "Alert rule 'Loss >= 3%' triggered", *open[0].Description)
}

func TestStatisticalRules_StrictThresholdAndAbsentFields(t *testing.T) {
	fx := newFixture(t,
		database.AlertRule{Name: "RTT P95 > 120ms", RuleType: database.RuleRTTP95, Severity: database.SeverityMajor, Threshold: f(120), IsActive: true},
		database.AlertRule{Name: "Jitter > 20ms", RuleType: database.RuleJitter, Severity: database.SeverityCritical, Threshold: f(20), IsActive: true},
		database.AlertRule{Name: "HTTP 5xx rate > 2%", RuleType: database.RuleHTTP5xx, Severity: database.SeverityMajor, Threshold: f(2), IsActive: true},
	)
	minute := now.Truncate(time.Minute)
	// equal to the threshold: no trigger
	fx.bucket(t, database.AggregateBucket{Bucket: minute.Add(-time.Minute), RTTP95: f(120)})
	// absent fields never trigger
	fx.bucket(t, database.AggregateBucket{Bucket: minute.Add(-time.Minute), ProbeID: 2})
	// jitter above threshold
	fx.bucket(t, database.AggregateBucket{Bucket: minute, JitterAvg: f(25.3)})

	res, err := fx.evaluator.RunTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Triggers)

	open := fx.incidents(t)
	require.Len(t, open, 1)
	assert.Equal(t, "High jitter: 25.3ms", open[0].Title)
	assert.Equal(t, database.SeverityCritical, open[0].Severity)
	assert.Equal(t, minute.Format(time.RFC3339), open[0].Evidence["bucket"])
}

func TestStatisticalRules_EveryQualifyingBucketRefreshes(t *testing.T) {
	fx := newFixture(t,
		database.AlertRule{Name: "RTT P95 > 120ms", RuleType: database.RuleRTTP95, Severity: database.SeverityMajor, Threshold: f(120), IsActive: true},
	)
	minute := now.Truncate(time.Minute)
	fx.bucket(t, database.AggregateBucket{Bucket: minute.Add(-5 * time.Minute), RTTP95: f(900)})
	fx.bucket(t, database.AggregateBucket{Bucket: minute.Add(-time.Minute), RTTP95: f(150)})
	fx.bucket(t, database.AggregateBucket{Bucket: minute, RTTP95: f(180)})

	res, err := fx.evaluator.RunTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Triggers, "the bucket outside the lookback is ignored")
	assert.Equal(t, 1, res.Opened)

	open := fx.incidents(t)
	require.Len(t, open, 1)
	assert.Equal(t, 180.0, open[0].Evidence["rtt_p95"])
}

func TestRunTick_IsolatesBadRulesAndUnknownProbes(t *testing.T) {
	fx := newFixture(t,
		database.AlertRule{Name: "broken jitter", RuleType: database.RuleJitter, Severity: database.SeverityMajor, IsActive: true},
		lossRule("Loss >= 2% (MAJOR)", 2.0),
	)
	minute := now.Truncate(time.Minute)
	fx.bucket(t, database.AggregateBucket{Bucket: minute, ProbeID: 9, LossAvg: f(10)})
	fx.bucket(t, database.AggregateBucket{Bucket: minute, ProbeID: 1, LossAvg: f(10), JitterAvg: f(99)})

	res, err := fx.evaluator.RunTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Rules)
	assert.Equal(t, 2, res.Triggers)
	assert.Equal(t, 1, res.Dropped)
	assert.Equal(t, 1, res.Opened)
	assert.Zero(t, res.Failed)
}

func TestRunTick_InactiveRulesIgnored(t *testing.T) {
	fx := newFixture(t, lossRule("Loss >= 2% (MAJOR)", 2.0))
	fx.store.SetRuleActive("Loss >= 2% (MAJOR)", false)
	fx.bucket(t, database.AggregateBucket{Bucket: now.Truncate(time.Minute), LossAvg: f(50)})

	res, err := fx.evaluator.RunTick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Rules)
	assert.Empty(t, fx.incidents(t))
}
