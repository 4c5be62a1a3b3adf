package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// JobFunc is one run of a periodic job
type JobFunc func(ctx context.Context) error

type job struct {
	name     string
	interval time.Duration
	fn       JobFunc
	running  atomic.Bool
	runs     atomic.Int64
	skipped  atomic.Int64
	failed   atomic.Int64
}

// JobStats counts how a job has fared since start
type JobStats struct {
	Runs    int64
	Skipped int64
	Failed  int64
}

// Scheduler runs named jobs at fixed intervals on top of a TimerManager.
// A job never overlaps itself: a tick that comes due while the previous run
// is still going is skipped and logged.
type Scheduler struct {
	timers *TimerManager
	lock   Lock
	log    *logrus.Entry

	mu     sync.Mutex
	jobs   map[string]*job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. lock may be nil for a single-instance deployment.
func New(lock Lock, log *logrus.Entry) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		timers: NewTimerManager(2),
		lock:   lock,
		log:    log,
		jobs:   make(map[string]*job),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins dispatching scheduled jobs
func (s *Scheduler) Start() {
	s.timers.Start()
}

// Stop cancels running jobs and waits for them to return
func (s *Scheduler) Stop() {
	s.cancel()
	s.timers.Stop()
	s.wg.Wait()
}

// Every registers fn to run every interval, first after one interval
func (s *Scheduler) Every(name string, interval time.Duration, fn JobFunc) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}

	s.mu.Lock()
	if _, exists := s.jobs[name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("job %s already registered", name)
	}
	j := &job{name: name, interval: interval, fn: fn}
	s.jobs[name] = j
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"job":      name,
		"interval": interval.String(),
	}).Info("Job registered")

	return s.scheduleNext(j, time.Now().Add(interval))
}

// Stats returns counters for a registered job
func (s *Scheduler) Stats(name string) (JobStats, bool) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return JobStats{}, false
	}
	return JobStats{
		Runs:    j.runs.Load(),
		Skipped: j.skipped.Load(),
		Failed:  j.failed.Load(),
	}, true
}

func (s *Scheduler) scheduleNext(j *job, at time.Time) error {
	return s.timers.Schedule(j.name, at, func() { s.fire(j, at) })
}

// fire reschedules the job, then starts the run unless one is already in
// flight.
func (s *Scheduler) fire(j *job, at time.Time) {
	next := at.Add(j.interval)
	if now := time.Now(); next.Before(now) {
		next = now.Add(j.interval)
	}
	if err := s.scheduleNext(j, next); err != nil {
		return
	}

	if !j.running.CompareAndSwap(false, true) {
		j.skipped.Add(1)
		s.log.WithField("job", j.name).Warn("Previous run still in progress, skipping tick")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer j.running.Store(false)
		s.execute(j)
	}()
}

func (s *Scheduler) execute(j *job) {
	log := s.log.WithField("job", j.name)

	if s.lock != nil {
		release, ok, err := s.lock.Acquire(s.ctx, j.name)
		if err != nil {
			j.failed.Add(1)
			log.WithError(err).Error("Failed to acquire job lock")
			return
		}
		if !ok {
			j.skipped.Add(1)
			log.Debug("Job lock held elsewhere, skipping tick")
			return
		}
		defer func() {
			if err := release(); err != nil {
				log.WithError(err).Warn("Failed to release job lock, lease will expire")
			}
		}()
	}

	start := time.Now()
	j.runs.Add(1)
	if err := j.fn(s.ctx); err != nil {
		j.failed.Add(1)
		log.WithError(err).Error("Job run failed")
		return
	}
	log.WithField("took", time.Since(start).String()).Debug("Job run completed")
}
