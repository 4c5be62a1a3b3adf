package alerting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/keslleykledston/24-Monitoramento/internal/database"
	"github.com/keslleykledston/24-Monitoramento/internal/incident"
)

// TriggerHandler receives every trigger the evaluator produces
type TriggerHandler interface {
	HandleTrigger(ctx context.Context, t incident.Trigger) (*database.Incident, bool, error)
}

// TickResult summarises one evaluation run
type TickResult struct {
	Rules    int
	Triggers int
	Opened   int
	Dropped  int
	Failed   int
}

// Evaluator checks every active alert rule against recent raw measurements
// and buckets and hands the resulting triggers to the incident manager
type Evaluator struct {
	store    database.Store
	handler  TriggerHandler
	matchers Matchers
	lookback time.Duration
	now      func() time.Time
	log      *logrus.Entry
}

// NewEvaluator creates a rule evaluator. lookback is the bucket window the
// statistical rules consult.
func NewEvaluator(store database.Store, handler TriggerHandler, matchers Matchers, lookback time.Duration, log *logrus.Entry) *Evaluator {
	return &Evaluator{
		store:    store,
		handler:  handler,
		matchers: matchers,
		lookback: lookback,
		now:      time.Now,
		log:      log,
	}
}

// SetClock replaces the time source
func (e *Evaluator) SetClock(now func() time.Time) {
	e.now = now
}

// RunTick evaluates every active rule once. A failing rule or trigger is
// logged and does not stop the others.
func (e *Evaluator) RunTick(ctx context.Context) (TickResult, error) {
	var res TickResult
	log := e.log.WithField("run_id", uuid.NewString())

	rules, err := e.store.ActiveAlertRules(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to load alert rules: %w", err)
	}
	res.Rules = len(rules)

	w := newWindow(e.store, e.now().UTC(), e.lookback)

	for _, rule := range rules {
		rlog := log.WithFields(logrus.Fields{"rule_id": rule.ID, "rule_type": rule.RuleType})

		matcher, ok := e.matchers[rule.RuleType]
		if !ok {
			rlog.Warn("No matcher for rule type, skipping rule")
			continue
		}

		triggers, err := matcher.Match(ctx, w, rule)
		if errors.Is(err, ErrMissingThreshold) {
			rlog.Warn("Rule has no threshold, skipping rule")
			continue
		}
		if err != nil {
			res.Failed++
			rlog.WithError(err).Error("Rule evaluation failed")
			continue
		}

		for _, t := range triggers {
			res.Triggers++
			_, created, err := e.handler.HandleTrigger(ctx, t)
			switch {
			case errors.Is(err, incident.ErrProbeNotFound):
				res.Dropped++
			case err != nil:
				res.Failed++
				rlog.WithError(err).WithFields(logrus.Fields{
					"probe_id":  t.Pair.ProbeID,
					"target_id": t.Pair.TargetID,
				}).Error("Failed to handle trigger")
			case created:
				res.Opened++
			}
		}
	}

	log.WithFields(logrus.Fields{
		"rules":    res.Rules,
		"triggers": res.Triggers,
		"opened":   res.Opened,
		"dropped":  res.Dropped,
		"failed":   res.Failed,
	}).Debug("Evaluation tick completed")

	return res, nil
}
