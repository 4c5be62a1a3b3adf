package alerting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/keslleykledston/24-Monitoramento/internal/database"
	"github.com/keslleykledston/24-Monitoramento/internal/incident"
)

var ErrMissingThreshold = errors.New("rule has no threshold")

// Window is the data one evaluation tick sees. Buckets are loaded at most
// once per tick and shared by every statistical rule.
type Window struct {
	Now   time.Time
	store database.Store
	since time.Time

	buckets []database.AggregateBucket
	loaded  bool
}

func newWindow(store database.Store, now time.Time, lookback time.Duration) *Window {
	return &Window{Now: now, store: store, since: now.Add(-lookback)}
}

// Buckets returns the buckets starting inside the statistical lookback
func (w *Window) Buckets(ctx context.Context) ([]database.AggregateBucket, error) {
	if w.loaded {
		return w.buckets, nil
	}
	buckets, err := w.store.BucketsSince(ctx, w.since)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent buckets: %w", err)
	}
	w.buckets, w.loaded = buckets, true
	return buckets, nil
}

// Matcher decides, for one rule kind, which pairs currently meet a rule
type Matcher interface {
	Match(ctx context.Context, w *Window, rule database.AlertRule) ([]incident.Trigger, error)
}

// consecutiveDown fires when the last N observations of a pair, all within
// the last N seconds, are down
type consecutiveDown struct {
	defaultN int
}

func (m consecutiveDown) Match(ctx context.Context, w *Window, rule database.AlertRule) ([]incident.Trigger, error) {
	n := m.defaultN
	if rule.ConsecutiveFailures != nil && *rule.ConsecutiveFailures > 0 {
		n = *rule.ConsecutiveFailures
	}
	since := w.Now.Add(-time.Duration(n) * time.Second)

	pairs, err := w.store.ActivePairsSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list active pairs: %w", err)
	}

	var triggers []incident.Trigger
	for _, pair := range pairs {
		recent, err := w.store.RecentRawForPair(ctx, pair, since, n)
		if err != nil {
			return nil, fmt.Errorf("failed to load recent measurements for %s: %w", pair, err)
		}
		if len(recent) != n || anyUp(recent) {
			continue
		}

		last := make([]map[string]any, 0, len(recent))
		for _, r := range recent {
			var errText any
			if r.Error != nil {
				errText = *r.Error
			}
			last = append(last, map[string]any{
				"ts":    r.Timestamp.Format(time.RFC3339Nano),
				"up":    r.Up,
				"error": errText,
			})
		}

		triggers = append(triggers, incident.Trigger{
			RuleID:   rule.ID,
			RuleName: rule.Name,
			Pair:     pair,
			Severity: rule.Severity,
			Title:    fmt.Sprintf("Target DOWN - %d consecutive failures", n),
			Evidence: database.Evidence{
				"consecutive_failures": n,
				"last_measurements":    last,
			},
		})
	}
	return triggers, nil
}

func anyUp(rows []database.RawMeasurement) bool {
	for _, r := range rows {
		if r.Up {
			return true
		}
	}
	return false
}

// bucketThreshold fires once for every recent bucket whose metric crosses the
// rule threshold. Buckets without the metric never fire.
type bucketThreshold struct {
	metric    string
	value     func(*database.AggregateBucket) *float64
	inclusive bool
	title     string
	severity  func(rule database.AlertRule) database.Severity
}

func (m bucketThreshold) Match(ctx context.Context, w *Window, rule database.AlertRule) ([]incident.Trigger, error) {
	if rule.Threshold == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingThreshold, rule.Name)
	}
	threshold := *rule.Threshold

	buckets, err := w.Buckets(ctx)
	if err != nil {
		return nil, err
	}

	var triggers []incident.Trigger
	for i := range buckets {
		b := &buckets[i]
		v := m.value(b)
		if v == nil || !m.crosses(*v, threshold) {
			continue
		}

		triggers = append(triggers, incident.Trigger{
			RuleID:   rule.ID,
			RuleName: rule.Name,
			Pair:     b.Pair(),
			Severity: m.severity(rule),
			Title:    fmt.Sprintf(m.title, *v),
			Evidence: database.Evidence{
				m.metric: *v,
				"bucket": b.Bucket.Format(time.RFC3339),
			},
		})
	}
	return triggers, nil
}

func (m bucketThreshold) crosses(v, threshold float64) bool {
	if m.inclusive {
		return v >= threshold
	}
	return v > threshold
}

func ruleSeverity(rule database.AlertRule) database.Severity {
	return rule.Severity
}

// Matchers maps every rule kind to its matcher
type Matchers map[database.RuleType]Matcher

// DefaultMatchers builds the matcher set. lossCritical is the loss rule
// threshold at or above which loss incidents are critical.
func DefaultMatchers(defaultConsecutive int, lossCritical float64) Matchers {
	return Matchers{
		database.RuleDown: consecutiveDown{defaultN: defaultConsecutive},
		database.RuleLoss: bucketThreshold{
			metric:    "loss_avg",
			value:     func(b *database.AggregateBucket) *float64 { return b.LossAvg },
			inclusive: true,
			title:     "High packet loss: %.1f%%",
			severity: func(rule database.AlertRule) database.Severity {
				if *rule.Threshold >= lossCritical {
					return database.SeverityCritical
				}
				return database.SeverityMajor
			},
		},
		database.RuleRTTP95: bucketThreshold{
			metric:   "rtt_p95",
			value:    func(b *database.AggregateBucket) *float64 { return b.RTTP95 },
			title:    "High latency P95: %.1fms",
			severity: ruleSeverity,
		},
		database.RuleJitter: bucketThreshold{
			metric:   "jitter_avg",
			value:    func(b *database.AggregateBucket) *float64 { return b.JitterAvg },
			title:    "High jitter: %.1fms",
			severity: ruleSeverity,
		},
		database.RuleHTTP5xx: bucketThreshold{
			metric:   "http_5xx_rate",
			value:    func(b *database.AggregateBucket) *float64 { return b.HTTP5xxRate },
			title:    "High 5xx rate: %.1f%%",
			severity: ruleSeverity,
		},
	}
}
