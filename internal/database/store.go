package database

import (
	"context"
	"time"
)

// RawStore is the append-only log of raw measurements
type RawStore interface {
	InsertRawMeasurement(ctx context.Context, m *RawMeasurement) error
	// RawMeasurementsBetween returns measurements in [from, to) ordered by
	// probe, target and timestamp.
	RawMeasurementsBetween(ctx context.Context, from, to time.Time) ([]RawMeasurement, error)
	// RecentRawForPair returns at most limit measurements at or after since,
	// newest first.
	RecentRawForPair(ctx context.Context, pair Pair, since time.Time, limit int) ([]RawMeasurement, error)
	ActivePairsSince(ctx context.Context, since time.Time) ([]Pair, error)
	// LiveWindow returns a target's measurements at or after since, newest
	// first. An empty kind matches every measurement type.
	LiveWindow(ctx context.Context, targetID int64, since time.Time, kind MeasurementType, limit int) ([]RawMeasurement, error)
	DeleteRawBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// BucketStore is the rollup store, unique per (probe, target, bucket)
type BucketStore interface {
	LatestBucketStart(ctx context.Context) (time.Time, bool, error)
	UpsertBucket(ctx context.Context, b *AggregateBucket) error
	BucketsSince(ctx context.Context, since time.Time) ([]AggregateBucket, error)
	// History returns a target's buckets at or after since, oldest first.
	History(ctx context.Context, targetID int64, since time.Time) ([]AggregateBucket, error)
	DeleteBucketsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type RuleStore interface {
	ActiveAlertRules(ctx context.Context) ([]AlertRule, error)
	// EnsureAlertRule inserts the rule unless one with the same name exists.
	// It reports whether a row was created.
	EnsureAlertRule(ctx context.Context, r *AlertRule) (bool, error)
}

type ProbeStore interface {
	// ProbeLocation returns ErrNotFound for unknown probes.
	ProbeLocation(ctx context.Context, probeID int64) (int64, error)
	TargetExists(ctx context.Context, targetID int64) (bool, error)
	TouchProbe(ctx context.Context, probeID int64, seen time.Time) error
}

type IncidentStore interface {
	// FindOpenIncident returns the open or acked incident for the dedup key,
	// or ErrNotFound.
	FindOpenIncident(ctx context.Context, targetID, probeID, ruleID int64) (*Incident, error)
	CreateIncident(ctx context.Context, inc *Incident) error
	RefreshIncident(ctx context.Context, id int64, severity Severity, evidence Evidence) error
	OpenIncidents(ctx context.Context) ([]Incident, error)
	GetIncident(ctx context.Context, id int64) (*Incident, error)
	ListIncidents(ctx context.Context, filter IncidentFilter) ([]Incident, error)
	ResolveIncident(ctx context.Context, id int64, at time.Time) error
	AckIncident(ctx context.Context, id int64, by string, at time.Time) error
}

// Store is the full store contract used by the pipeline
type Store interface {
	RawStore
	BucketStore
	RuleStore
	ProbeStore
	IncidentStore
}

// Transactor runs a unit of work in one transaction. Any error returned by fn
// rolls back everything fn did.
type Transactor interface {
	InTx(ctx context.Context, fn func(Store) error) error
}
