// Package memstore is an in-memory database.Store used by tests.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/keslleykledston/24-Monitoramento/internal/database"
)

// ErrDuplicateIncident mirrors the partial unique index on open/acked incidents
var ErrDuplicateIncident = errors.New("duplicate open incident for target, probe and rule")

type bucketKey struct {
	pair   database.Pair
	bucket int64
}

type state struct {
	raw        []database.RawMeasurement
	buckets    map[bucketKey]database.AggregateBucket
	rules      []database.AlertRule
	probes     map[int64]int64
	targets    map[int64]bool
	lastSeen   map[int64]time.Time
	incidents  []database.Incident
	nextRaw    int64
	nextRule   int64
	nextIncide int64
}

func newState() *state {
	return &state{
		buckets:  make(map[bucketKey]database.AggregateBucket),
		probes:   make(map[int64]int64),
		targets:  make(map[int64]bool),
		lastSeen: make(map[int64]time.Time),
	}
}

func (s *state) clone() *state {
	c := &state{
		raw:        append([]database.RawMeasurement(nil), s.raw...),
		buckets:    make(map[bucketKey]database.AggregateBucket, len(s.buckets)),
		rules:      append([]database.AlertRule(nil), s.rules...),
		probes:     make(map[int64]int64, len(s.probes)),
		targets:    make(map[int64]bool, len(s.targets)),
		lastSeen:   make(map[int64]time.Time, len(s.lastSeen)),
		incidents:  append([]database.Incident(nil), s.incidents...),
		nextRaw:    s.nextRaw,
		nextRule:   s.nextRule,
		nextIncide: s.nextIncide,
	}
	for k, v := range s.buckets {
		c.buckets[k] = v
	}
	for k, v := range s.probes {
		c.probes[k] = v
	}
	for k, v := range s.targets {
		c.targets[k] = v
	}
	for k, v := range s.lastSeen {
		c.lastSeen[k] = v
	}
	return c
}

// Store is a goroutine-safe in-memory store. InTx runs fn against a private
// copy of the data and publishes it only when fn succeeds.
type Store struct {
	mu sync.Mutex
	st *state
}

func New() *Store {
	return &Store{st: newState()}
}

// AddProbe registers a probe and the location it reports from
func (s *Store) AddProbe(probeID, locationID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.probes[probeID] = locationID
}

// AddTarget registers targets that measurements may reference
func (s *Store) AddTarget(ids ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.st.targets[id] = true
	}
}

// LastSeen returns when a probe last reported
func (s *Store) LastSeen(probeID int64) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.st.lastSeen[probeID]
	return t, ok
}

// SetRuleActive toggles a rule by name
func (s *Store) SetRuleActive(name string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.st.rules {
		if s.st.rules[i].Name == name {
			s.st.rules[i].IsActive = active
		}
	}
}

// InTx implements database.Transactor
func (s *Store) InTx(ctx context.Context, fn func(database.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(&view{st: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.st = work
	return nil
}

// Auto returns a database.Store whose calls each run in their own transaction
func (s *Store) Auto() database.Store {
	return &auto{s: s}
}

var _ database.Transactor = (*Store)(nil)

// view operates on one state without locking; the caller holds the lock.
type view struct {
	st *state
}

var _ database.Store = (*view)(nil)

func (v *view) InsertRawMeasurement(_ context.Context, m *database.RawMeasurement) error {
	v.st.nextRaw++
	m.ID = v.st.nextRaw
	v.st.raw = append(v.st.raw, *m)
	return nil
}

func (v *view) RawMeasurementsBetween(_ context.Context, from, to time.Time) ([]database.RawMeasurement, error) {
	var out []database.RawMeasurement
	for _, m := range v.st.raw {
		if !m.Timestamp.Before(from) && m.Timestamp.Before(to) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.ProbeID != b.ProbeID {
			return a.ProbeID < b.ProbeID
		}
		if a.TargetID != b.TargetID {
			return a.TargetID < b.TargetID
		}
		return a.Timestamp.Before(b.Timestamp)
	})
	return out, nil
}

func (v *view) RecentRawForPair(_ context.Context, pair database.Pair, since time.Time, limit int) ([]database.RawMeasurement, error) {
	var out []database.RawMeasurement
	for _, m := range v.st.raw {
		if m.Pair() == pair && !m.Timestamp.Before(since) {
			out = append(out, m)
		}
	}
	return newestFirst(out, limit), nil
}

func (v *view) ActivePairsSince(_ context.Context, since time.Time) ([]database.Pair, error) {
	seen := make(map[database.Pair]bool)
	var pairs []database.Pair
	for _, m := range v.st.raw {
		if m.Timestamp.Before(since) || seen[m.Pair()] {
			continue
		}
		seen[m.Pair()] = true
		pairs = append(pairs, m.Pair())
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].ProbeID != pairs[j].ProbeID {
			return pairs[i].ProbeID < pairs[j].ProbeID
		}
		return pairs[i].TargetID < pairs[j].TargetID
	})
	return pairs, nil
}

func (v *view) LiveWindow(_ context.Context, targetID int64, since time.Time, kind database.MeasurementType, limit int) ([]database.RawMeasurement, error) {
	var out []database.RawMeasurement
	for _, m := range v.st.raw {
		if m.TargetID != targetID || m.Timestamp.Before(since) {
			continue
		}
		if kind != "" && m.MeasurementType != kind {
			continue
		}
		out = append(out, m)
	}
	return newestFirst(out, limit), nil
}

func (v *view) DeleteRawBefore(_ context.Context, cutoff time.Time) (int64, error) {
	kept := v.st.raw[:0:0]
	for _, m := range v.st.raw {
		if !m.Timestamp.Before(cutoff) {
			kept = append(kept, m)
		}
	}
	n := int64(len(v.st.raw) - len(kept))
	v.st.raw = kept
	return n, nil
}

func (v *view) LatestBucketStart(_ context.Context) (time.Time, bool, error) {
	var latest time.Time
	found := false
	for _, b := range v.st.buckets {
		if !found || b.Bucket.After(latest) {
			latest = b.Bucket
			found = true
		}
	}
	return latest, found, nil
}

func (v *view) UpsertBucket(_ context.Context, b *database.AggregateBucket) error {
	v.st.buckets[bucketKey{pair: b.Pair(), bucket: b.Bucket.Unix()}] = *b
	return nil
}

func (v *view) BucketsSince(_ context.Context, since time.Time) ([]database.AggregateBucket, error) {
	return v.buckets(func(b database.AggregateBucket) bool {
		return !b.Bucket.Before(since)
	}), nil
}

func (v *view) History(_ context.Context, targetID int64, since time.Time) ([]database.AggregateBucket, error) {
	return v.buckets(func(b database.AggregateBucket) bool {
		return b.TargetID == targetID && !b.Bucket.Before(since)
	}), nil
}

func (v *view) DeleteBucketsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	var n int64
	for k, b := range v.st.buckets {
		if b.Bucket.Before(cutoff) {
			delete(v.st.buckets, k)
			n++
		}
	}
	return n, nil
}

func (v *view) buckets(keep func(database.AggregateBucket) bool) []database.AggregateBucket {
	var out []database.AggregateBucket
	for _, b := range v.st.buckets {
		if keep(b) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Bucket.Equal(b.Bucket) {
			return a.Bucket.Before(b.Bucket)
		}
		if a.ProbeID != b.ProbeID {
			return a.ProbeID < b.ProbeID
		}
		return a.TargetID < b.TargetID
	})
	return out
}

func (v *view) ActiveAlertRules(_ context.Context) ([]database.AlertRule, error) {
	var out []database.AlertRule
	for _, r := range v.st.rules {
		if r.IsActive {
			out = append(out, r)
		}
	}
	return out, nil
}

func (v *view) EnsureAlertRule(_ context.Context, r *database.AlertRule) (bool, error) {
	for _, existing := range v.st.rules {
		if existing.Name == r.Name {
			return false, nil
		}
	}
	v.st.nextRule++
	r.ID = v.st.nextRule
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	v.st.rules = append(v.st.rules, *r)
	return true, nil
}

func (v *view) ProbeLocation(_ context.Context, probeID int64) (int64, error) {
	loc, ok := v.st.probes[probeID]
	if !ok {
		return 0, database.ErrNotFound
	}
	return loc, nil
}

func (v *view) TargetExists(_ context.Context, targetID int64) (bool, error) {
	return v.st.targets[targetID], nil
}

func (v *view) TouchProbe(_ context.Context, probeID int64, seen time.Time) error {
	if _, ok := v.st.probes[probeID]; ok {
		v.st.lastSeen[probeID] = seen
	}
	return nil
}

func (v *view) FindOpenIncident(_ context.Context, targetID, probeID, ruleID int64) (*database.Incident, error) {
	for i := len(v.st.incidents) - 1; i >= 0; i-- {
		inc := v.st.incidents[i]
		if inc.TargetID == targetID && inc.ProbeID == probeID &&
			inc.AlertRuleID != nil && *inc.AlertRuleID == ruleID && inc.Status.Active() {
			return &inc, nil
		}
	}
	return nil, database.ErrNotFound
}

func (v *view) CreateIncident(ctx context.Context, inc *database.Incident) error {
	if inc.AlertRuleID != nil && inc.Status.Active() {
		if _, err := v.FindOpenIncident(ctx, inc.TargetID, inc.ProbeID, *inc.AlertRuleID); err == nil {
			return ErrDuplicateIncident
		}
	}
	v.st.nextIncide++
	inc.ID = v.st.nextIncide
	if inc.CreatedAt.IsZero() {
		inc.CreatedAt = inc.StartedAt
	}
	v.st.incidents = append(v.st.incidents, *inc)
	return nil
}

func (v *view) RefreshIncident(_ context.Context, id int64, severity database.Severity, evidence database.Evidence) error {
	return v.update(id, func(inc *database.Incident) {
		inc.Severity = severity
		inc.Evidence = evidence
	})
}

func (v *view) OpenIncidents(_ context.Context) ([]database.Incident, error) {
	var out []database.Incident
	for _, inc := range v.st.incidents {
		if inc.Status.Active() {
			out = append(out, inc)
		}
	}
	return out, nil
}

func (v *view) GetIncident(_ context.Context, id int64) (*database.Incident, error) {
	for _, inc := range v.st.incidents {
		if inc.ID == id {
			return &inc, nil
		}
	}
	return nil, database.ErrNotFound
}

func (v *view) ListIncidents(_ context.Context, filter database.IncidentFilter) ([]database.Incident, error) {
	var out []database.Incident
	for _, inc := range v.st.incidents {
		if filter.Status != "" && inc.Status != filter.Status {
			continue
		}
		if filter.Severity != "" && inc.Severity != filter.Severity {
			continue
		}
		out = append(out, inc)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (v *view) ResolveIncident(_ context.Context, id int64, at time.Time) error {
	return v.update(id, func(inc *database.Incident) {
		inc.Status = database.IncidentResolved
		inc.ResolvedAt = &at
	})
}

func (v *view) AckIncident(_ context.Context, id int64, by string, at time.Time) error {
	return v.update(id, func(inc *database.Incident) {
		inc.Status = database.IncidentAcked
		inc.AckedAt = &at
		inc.AckedBy = &by
	})
}

func (v *view) update(id int64, fn func(*database.Incident)) error {
	for i := range v.st.incidents {
		if v.st.incidents[i].ID == id {
			fn(&v.st.incidents[i])
			return nil
		}
	}
	return fmt.Errorf("incident %d: %w", id, database.ErrNotFound)
}

func newestFirst(ms []database.RawMeasurement, limit int) []database.RawMeasurement {
	sort.SliceStable(ms, func(i, j int) bool {
		if !ms[i].Timestamp.Equal(ms[j].Timestamp) {
			return ms[i].Timestamp.After(ms[j].Timestamp)
		}
		return ms[i].ID > ms[j].ID
	})
	if limit > 0 && len(ms) > limit {
		ms = ms[:limit]
	}
	return ms
}
