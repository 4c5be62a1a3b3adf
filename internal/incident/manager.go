package incident

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/keslleykledston/24-Monitoramento/internal/database"
	"github.com/keslleykledston/24-Monitoramento/internal/protocol"
)

var (
	ErrProbeNotFound     = errors.New("probe does not resolve to a location")
	ErrInvalidTransition = errors.New("invalid incident status transition")
)

// Trigger is a rule condition that held for one pair at evaluation time
type Trigger struct {
	RuleID   int64
	RuleName string
	Pair     database.Pair
	Severity database.Severity
	Title    string
	Evidence database.Evidence
}

// Notifier is told about incident lifecycle changes after they commit
type Notifier interface {
	NotifyIncident(ctx context.Context, ev *protocol.IncidentEvent) error
}

// Options tunes the auto-resolve sweep
type Options struct {
	// ResolveLookback bounds how old the observations considered healthy
	// may be.
	ResolveLookback time.Duration
	// ResolveSamples is how many consecutive up observations resolve an
	// incident.
	ResolveSamples int
}

// Manager owns incident state: it opens and refreshes incidents from
// triggers, auto-resolves them and applies operator transitions.
type Manager struct {
	tx       database.Transactor
	notifier Notifier
	opts     Options
	now      func() time.Time
	log      *logrus.Entry
}

// NewManager creates an incident manager. notifier may be nil.
func NewManager(tx database.Transactor, notifier Notifier, opts Options, log *logrus.Entry) *Manager {
	if opts.ResolveLookback <= 0 {
		opts.ResolveLookback = 5 * time.Minute
	}
	if opts.ResolveSamples <= 0 {
		opts.ResolveSamples = 5
	}
	return &Manager{
		tx:       tx,
		notifier: notifier,
		opts:     opts,
		now:      time.Now,
		log:      log,
	}
}

// SetClock replaces the time source
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// HandleTrigger opens a new incident for the trigger's (target, probe, rule)
// key, or refreshes the evidence and severity of the one already open or
// acked. It reports whether an incident was created.
func (m *Manager) HandleTrigger(ctx context.Context, t Trigger) (*database.Incident, bool, error) {
	log := m.log.WithFields(logrus.Fields{
		"probe_id":  t.Pair.ProbeID,
		"target_id": t.Pair.TargetID,
		"rule_id":   t.RuleID,
	})

	var inc *database.Incident
	created := false

	err := m.tx.InTx(ctx, func(s database.Store) error {
		locationID, err := s.ProbeLocation(ctx, t.Pair.ProbeID)
		if errors.Is(err, database.ErrNotFound) {
			return ErrProbeNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to resolve probe location: %w", err)
		}

		existing, err := s.FindOpenIncident(ctx, t.Pair.TargetID, t.Pair.ProbeID, t.RuleID)
		switch {
		case err == nil:
			if err := s.RefreshIncident(ctx, existing.ID, t.Severity, t.Evidence); err != nil {
				return fmt.Errorf("failed to refresh incident %d: %w", existing.ID, err)
			}
			existing.Severity = t.Severity
			existing.Evidence = t.Evidence
			inc = existing
			return nil
		case !errors.Is(err, database.ErrNotFound):
			return fmt.Errorf("failed to look up open incident: %w", err)
		}

		ruleID := t.RuleID
		description := fmt.Sprintf("Alert rule '%s' triggered", t.RuleName)
		inc = &database.Incident{
			TargetID:    t.Pair.TargetID,
			ProbeID:     t.Pair.ProbeID,
			LocationID:  locationID,
			AlertRuleID: &ruleID,
			Severity:    t.Severity,
			Status:      database.IncidentOpen,
			Title:       t.Title,
			Description: &description,
			Evidence:    t.Evidence,
			StartedAt:   m.now().UTC(),
		}
		if err := s.CreateIncident(ctx, inc); err != nil {
			return fmt.Errorf("failed to create incident: %w", err)
		}
		created = true
		return nil
	})
	if errors.Is(err, ErrProbeNotFound) {
		log.Warn("Dropping trigger for unknown probe")
		return nil, false, err
	}
	if err != nil {
		return nil, false, err
	}

	if created {
		log.WithFields(logrus.Fields{
			"incident_id": inc.ID,
			"severity":    inc.Severity,
		}).Infof("Created incident: %s", inc.Title)
		m.notify(ctx, protocol.IncidentOpened, inc)
	} else {
		log.WithField("incident_id", inc.ID).Debug("Refreshed incident evidence")
	}

	return inc, created, nil
}

// SweepAutoResolve resolves every open or acked incident whose pair has
// produced ResolveSamples up observations within ResolveLookback. Pairs with
// fewer recent observations are left alone. Which rule opened the incident
// does not matter. Each incident is checked in its own transaction.
func (m *Manager) SweepAutoResolve(ctx context.Context) (int, error) {
	var open []database.Incident
	err := m.tx.InTx(ctx, func(s database.Store) error {
		var err error
		open, err = s.OpenIncidents(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list open incidents: %w", err)
	}

	resolved := 0
	var errs []error

	for _, candidate := range open {
		inc, ok, err := m.tryResolve(ctx, candidate.ID)
		if err != nil {
			m.log.WithError(err).WithField("incident_id", candidate.ID).Error("Auto-resolve check failed")
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		resolved++
		m.log.WithField("incident_id", inc.ID).Info("Auto-resolved incident")
		m.notify(ctx, protocol.IncidentResolved, inc)
	}

	return resolved, errors.Join(errs...)
}

func (m *Manager) tryResolve(ctx context.Context, id int64) (*database.Incident, bool, error) {
	var inc *database.Incident
	resolved := false

	err := m.tx.InTx(ctx, func(s database.Store) error {
		var err error
		inc, err = s.GetIncident(ctx, id)
		if err != nil {
			return err
		}
		if !inc.Status.Active() {
			return nil
		}

		now := m.now().UTC()
		pair := database.Pair{ProbeID: inc.ProbeID, TargetID: inc.TargetID}
		recent, err := s.RecentRawForPair(ctx, pair, now.Add(-m.opts.ResolveLookback), m.opts.ResolveSamples)
		if err != nil {
			return err
		}
		if !allUp(recent, m.opts.ResolveSamples) {
			return nil
		}

		if err := s.ResolveIncident(ctx, id, now); err != nil {
			return err
		}
		inc.Status = database.IncidentResolved
		inc.ResolvedAt = &now
		resolved = true
		return nil
	})
	return inc, resolved, err
}

func allUp(rows []database.RawMeasurement, want int) bool {
	if len(rows) != want {
		return false
	}
	for _, r := range rows {
		if !r.Up {
			return false
		}
	}
	return true
}

// Ack moves an open incident to acked
func (m *Manager) Ack(ctx context.Context, id int64, by string) (*database.Incident, error) {
	var inc *database.Incident
	err := m.tx.InTx(ctx, func(s database.Store) error {
		var err error
		inc, err = s.GetIncident(ctx, id)
		if err != nil {
			return err
		}
		if inc.Status != database.IncidentOpen {
			return fmt.Errorf("%w: cannot acknowledge a %s incident", ErrInvalidTransition, inc.Status)
		}

		now := m.now().UTC()
		if err := s.AckIncident(ctx, id, by, now); err != nil {
			return err
		}
		inc.Status = database.IncidentAcked
		inc.AckedAt = &now
		inc.AckedBy = &by
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.log.WithFields(logrus.Fields{"incident_id": id, "acked_by": by}).Info("Incident acknowledged")
	m.notify(ctx, protocol.IncidentAcked, inc)
	return inc, nil
}

// Resolve closes an open or acked incident by hand
func (m *Manager) Resolve(ctx context.Context, id int64) (*database.Incident, error) {
	var inc *database.Incident
	err := m.tx.InTx(ctx, func(s database.Store) error {
		var err error
		inc, err = s.GetIncident(ctx, id)
		if err != nil {
			return err
		}
		if !inc.Status.Active() {
			return fmt.Errorf("%w: incident is already %s", ErrInvalidTransition, inc.Status)
		}

		now := m.now().UTC()
		if err := s.ResolveIncident(ctx, id, now); err != nil {
			return err
		}
		inc.Status = database.IncidentResolved
		inc.ResolvedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.log.WithField("incident_id", id).Info("Incident resolved manually")
	m.notify(ctx, protocol.IncidentResolved, inc)
	return inc, nil
}

func (m *Manager) notify(ctx context.Context, t protocol.IncidentEventType, inc *database.Incident) {
	if m.notifier == nil {
		return
	}

	ev := protocol.NewIncidentEvent(t, m.now())
	ev.IncidentID = inc.ID
	ev.TargetID = inc.TargetID
	ev.ProbeID = inc.ProbeID
	ev.LocationID = inc.LocationID
	ev.RuleID = inc.AlertRuleID
	ev.Severity = string(inc.Severity)
	ev.Status = string(inc.Status)
	ev.Title = inc.Title
	ev.Evidence = inc.Evidence
	ev.StartedAt = inc.StartedAt
	if inc.AckedBy != nil {
		ev.AckedBy = *inc.AckedBy
	}

	if err := m.notifier.NotifyIncident(ctx, ev); err != nil {
		m.log.WithError(err).WithField("incident_id", inc.ID).Error("Failed to publish incident event")
	}
}
