package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/keslleykledston/24-Monitoramento/internal/database"
	"github.com/keslleykledston/24-Monitoramento/internal/fanout"
	"github.com/keslleykledston/24-Monitoramento/internal/protocol"
)

var ErrInvalidRecord = protocol.ErrInvalidRecord

// ErrUnregistered marks a record whose probe or target has no row. It wraps
// ErrInvalidRecord so callers reject it like any other bad record.
var ErrUnregistered = fmt.Errorf("%w: probe or target is not registered", ErrInvalidRecord)

// Service appends probe results to the raw store and fans them out
type Service struct {
	tx        database.Transactor
	publisher fanout.Publisher
	now       func() time.Time
	log       *logrus.Entry
}

func NewService(tx database.Transactor, publisher fanout.Publisher, log *logrus.Entry) *Service {
	if publisher == nil {
		publisher = fanout.Noop{}
	}
	return &Service{
		tx:        tx,
		publisher: publisher,
		now:       time.Now,
		log:       log,
	}
}

// SetClock replaces the time source used to stamp records
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Ingest validates a record, stamps it with the server time and stores it
func (s *Service) Ingest(ctx context.Context, rec *protocol.MeasurementRecord) (*database.RawMeasurement, error) {
	return s.IngestAt(ctx, rec, s.now())
}

// Accept ingests a record and returns the timestamp it was stored with
func (s *Service) Accept(ctx context.Context, rec *protocol.MeasurementRecord) (time.Time, error) {
	m, err := s.Ingest(ctx, rec)
	if err != nil {
		return time.Time{}, err
	}
	return m.Timestamp, nil
}

// IngestAt stores a record with an already assigned receive time. Records
// naming an unregistered probe or target are rejected with ErrUnregistered.
func (s *Service) IngestAt(ctx context.Context, rec *protocol.MeasurementRecord, receivedAt time.Time) (*database.RawMeasurement, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	m := toRaw(rec, receivedAt.UTC())
	var locationID int64

	err := s.tx.InTx(ctx, func(st database.Store) error {
		loc, err := newResolver(st).resolve(ctx, m)
		if err != nil {
			return err
		}
		locationID = loc

		if err := st.InsertRawMeasurement(ctx, m); err != nil {
			return fmt.Errorf("failed to insert raw measurement: %w", err)
		}
		return st.TouchProbe(ctx, m.ProbeID, m.Timestamp)
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, m, locationID)
	return m, nil
}

// IngestBatch stores queued records in one transaction. Invalid records and
// records naming an unregistered probe or target are skipped and logged; it
// returns how many were stored.
func (s *Service) IngestBatch(ctx context.Context, batch []*protocol.QueuedMeasurement) (int, error) {
	rows := make([]*database.RawMeasurement, 0, len(batch))
	for _, q := range batch {
		rec := q.Record
		if err := rec.Validate(); err != nil {
			s.log.WithError(err).WithField("probe_id", rec.ProbeID).Warn("Dropping invalid queued measurement")
			continue
		}
		rows = append(rows, toRaw(&rec, q.ReceivedAt.UTC()))
	}
	if len(rows) == 0 {
		return 0, nil
	}

	var stored []*database.RawMeasurement
	var res *resolver
	err := s.tx.InTx(ctx, func(st database.Store) error {
		stored = stored[:0]
		res = newResolver(st)
		lastSeen := make(map[int64]time.Time)
		for _, m := range rows {
			if _, err := res.resolve(ctx, m); err != nil {
				if errors.Is(err, ErrUnregistered) {
					s.log.WithError(err).WithFields(logrus.Fields{
						"probe_id":  m.ProbeID,
						"target_id": m.TargetID,
					}).Warn("Dropping queued measurement")
					continue
				}
				return err
			}
			if err := st.InsertRawMeasurement(ctx, m); err != nil {
				return fmt.Errorf("failed to insert raw measurement: %w", err)
			}
			stored = append(stored, m)
			if m.Timestamp.After(lastSeen[m.ProbeID]) {
				lastSeen[m.ProbeID] = m.Timestamp
			}
		}
		for probeID, seen := range lastSeen {
			if err := st.TouchProbe(ctx, probeID, seen); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, m := range stored {
		s.publish(ctx, m, res.locations[m.ProbeID])
	}
	return len(stored), nil
}

// resolver caches probe and target lookups within one transaction
type resolver struct {
	st        database.Store
	locations map[int64]int64
	missing   map[int64]bool
	targets   map[int64]bool
}

func newResolver(st database.Store) *resolver {
	return &resolver{
		st:        st,
		locations: make(map[int64]int64),
		missing:   make(map[int64]bool),
		targets:   make(map[int64]bool),
	}
}

// resolve returns the probe's location, or ErrUnregistered when the probe or
// the target has no row
func (r *resolver) resolve(ctx context.Context, m *database.RawMeasurement) (int64, error) {
	if r.missing[m.ProbeID] {
		return 0, fmt.Errorf("%w: probe %d", ErrUnregistered, m.ProbeID)
	}
	loc, ok := r.locations[m.ProbeID]
	if !ok {
		var err error
		loc, err = r.st.ProbeLocation(ctx, m.ProbeID)
		if errors.Is(err, database.ErrNotFound) {
			r.missing[m.ProbeID] = true
			return 0, fmt.Errorf("%w: probe %d", ErrUnregistered, m.ProbeID)
		}
		if err != nil {
			return 0, fmt.Errorf("failed to resolve probe location: %w", err)
		}
		r.locations[m.ProbeID] = loc
	}

	exists, ok := r.targets[m.TargetID]
	if !ok {
		var err error
		exists, err = r.st.TargetExists(ctx, m.TargetID)
		if err != nil {
			return 0, fmt.Errorf("failed to look up target: %w", err)
		}
		r.targets[m.TargetID] = exists
	}
	if !exists {
		return 0, fmt.Errorf("%w: target %d", ErrUnregistered, m.TargetID)
	}
	return loc, nil
}

func (s *Service) publish(ctx context.Context, m *database.RawMeasurement, locationID int64) {
	msg := &protocol.LiveMeasurement{
		TargetID:   m.TargetID,
		ProbeID:    m.ProbeID,
		LocationID: locationID,
		Up:         m.Up,
		RTTMs:      m.RTTMs,
		JitterMs:   m.JitterMs,
		LossPct:    m.LossPct,
		HTTPCode:   m.HTTPCode,
		Timestamp:  protocol.FormatTimestamp(m.Timestamp),
	}
	if err := s.publisher.Publish(ctx, msg); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"probe_id":  m.ProbeID,
			"target_id": m.TargetID,
		}).Warn("Failed to fan out measurement")
	}
}

func toRaw(rec *protocol.MeasurementRecord, ts time.Time) *database.RawMeasurement {
	return &database.RawMeasurement{
		Timestamp:       ts,
		ProbeID:         rec.ProbeID,
		TargetID:        rec.TargetID,
		MeasurementType: database.MeasurementType(rec.MeasurementType),
		Up:              *rec.Up,
		RTTMs:           rec.RTTMs,
		JitterMs:        rec.JitterMs,
		LossPct:         rec.LossPct,
		HTTPCode:        rec.HTTPCode,
		Error:           rec.Error,
	}
}
