package memstore

import (
	"context"
	"time"

	"github.com/keslleykledston/24-Monitoramento/internal/database"
)

// auto runs every call under the store lock, like autocommit statements
type auto struct {
	s *Store
}

var _ database.Store = (*auto)(nil)

func (a *auto) do(fn func(v *view) error) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	return fn(&view{st: a.s.st})
}

func (a *auto) InsertRawMeasurement(ctx context.Context, m *database.RawMeasurement) error {
	return a.do(func(v *view) error { return v.InsertRawMeasurement(ctx, m) })
}

func (a *auto) RawMeasurementsBetween(ctx context.Context, from, to time.Time) (out []database.RawMeasurement, err error) {
	err = a.do(func(v *view) error { out, err = v.RawMeasurementsBetween(ctx, from, to); return err })
	return out, err
}

func (a *auto) RecentRawForPair(ctx context.Context, pair database.Pair, since time.Time, limit int) (out []database.RawMeasurement, err error) {
	err = a.do(func(v *view) error { out, err = v.RecentRawForPair(ctx, pair, since, limit); return err })
	return out, err
}

func (a *auto) ActivePairsSince(ctx context.Context, since time.Time) (out []database.Pair, err error) {
	err = a.do(func(v *view) error { out, err = v.ActivePairsSince(ctx, since); return err })
	return out, err
}

func (a *auto) LiveWindow(ctx context.Context, targetID int64, since time.Time, kind database.MeasurementType, limit int) (out []database.RawMeasurement, err error) {
	err = a.do(func(v *view) error { out, err = v.LiveWindow(ctx, targetID, since, kind, limit); return err })
	return out, err
}

func (a *auto) DeleteRawBefore(ctx context.Context, cutoff time.Time) (n int64, err error) {
	err = a.do(func(v *view) error { n, err = v.DeleteRawBefore(ctx, cutoff); return err })
	return n, err
}

func (a *auto) LatestBucketStart(ctx context.Context) (t time.Time, ok bool, err error) {
	err = a.do(func(v *view) error { t, ok, err = v.LatestBucketStart(ctx); return err })
	return t, ok, err
}

func (a *auto) UpsertBucket(ctx context.Context, b *database.AggregateBucket) error {
	return a.do(func(v *view) error { return v.UpsertBucket(ctx, b) })
}

func (a *auto) BucketsSince(ctx context.Context, since time.Time) (out []database.AggregateBucket, err error) {
	err = a.do(func(v *view) error { out, err = v.BucketsSince(ctx, since); return err })
	return out, err
}

func (a *auto) History(ctx context.Context, targetID int64, since time.Time) (out []database.AggregateBucket, err error) {
	err = a.do(func(v *view) error { out, err = v.History(ctx, targetID, since); return err })
	return out, err
}

func (a *auto) DeleteBucketsBefore(ctx context.Context, cutoff time.Time) (n int64, err error) {
	err = a.do(func(v *view) error { n, err = v.DeleteBucketsBefore(ctx, cutoff); return err })
	return n, err
}

func (a *auto) ActiveAlertRules(ctx context.Context) (out []database.AlertRule, err error) {
	err = a.do(func(v *view) error { out, err = v.ActiveAlertRules(ctx); return err })
	return out, err
}

func (a *auto) EnsureAlertRule(ctx context.Context, r *database.AlertRule) (created bool, err error) {
	err = a.do(func(v *view) error { created, err = v.EnsureAlertRule(ctx, r); return err })
	return created, err
}

func (a *auto) ProbeLocation(ctx context.Context, probeID int64) (loc int64, err error) {
	err = a.do(func(v *view) error { loc, err = v.ProbeLocation(ctx, probeID); return err })
	return loc, err
}

func (a *auto) TargetExists(ctx context.Context, targetID int64) (ok bool, err error) {
	err = a.do(func(v *view) error { ok, err = v.TargetExists(ctx, targetID); return err })
	return ok, err
}

func (a *auto) TouchProbe(ctx context.Context, probeID int64, seen time.Time) error {
	return a.do(func(v *view) error { return v.TouchProbe(ctx, probeID, seen) })
}

func (a *auto) FindOpenIncident(ctx context.Context, targetID, probeID, ruleID int64) (inc *database.Incident, err error) {
	err = a.do(func(v *view) error { inc, err = v.FindOpenIncident(ctx, targetID, probeID, ruleID); return err })
	return inc, err
}

func (a *auto) CreateIncident(ctx context.Context, inc *database.Incident) error {
	return a.do(func(v *view) error { return v.CreateIncident(ctx, inc) })
}

func (a *auto) RefreshIncident(ctx context.Context, id int64, severity database.Severity, evidence database.Evidence) error {
	return a.do(func(v *view) error { return v.RefreshIncident(ctx, id, severity, evidence) })
}

func (a *auto) OpenIncidents(ctx context.Context) (out []database.Incident, err error) {
	err = a.do(func(v *view) error { out, err = v.OpenIncidents(ctx); return err })
	return out, err
}

func (a *auto) GetIncident(ctx context.Context, id int64) (inc *database.Incident, err error) {
	err = a.do(func(v *view) error { inc, err = v.GetIncident(ctx, id); return err })
	return inc, err
}

func (a *auto) ListIncidents(ctx context.Context, filter database.IncidentFilter) (out []database.Incident, err error) {
	err = a.do(func(v *view) error { out, err = v.ListIncidents(ctx, filter); return err })
	return out, err
}

func (a *auto) ResolveIncident(ctx context.Context, id int64, at time.Time) error {
	return a.do(func(v *view) error { return v.ResolveIncident(ctx, id, at) })
}

func (a *auto) AckIncident(ctx context.Context, id int64, by string, at time.Time) error {
	return a.do(func(v *view) error { return v.AckIncident(ctx, id, by, at) })
}
