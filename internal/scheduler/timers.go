package scheduler

import (
	"container/heap"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var ErrSchedulerStopped = errors.New("scheduler is stopped")

// deadline is one keyed callback waiting in the queue
type deadline struct {
	key string
	at  time.Time
	fn  func()
	pos int
}

// deadlineQueue orders deadlines earliest first
type deadlineQueue []*deadline

func (q deadlineQueue) Len() int           { return len(q) }
func (q deadlineQueue) Less(i, j int) bool { return q[i].at.Before(q[j].at) }

func (q deadlineQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].pos, q[j].pos = i, j
}

func (q *deadlineQueue) Push(x any) {
	d := x.(*deadline)
	d.pos = len(*q)
	*q = append(*q, d)
}

func (q *deadlineQueue) Pop() any {
	old := *q
	last := old[len(old)-1]
	old[len(old)-1] = nil
	last.pos = -1
	*q = old[:len(old)-1]
	return last
}

// TimerManager runs keyed callbacks at their deadline on a fixed pool of
// workers. Scheduling a key that is already pending replaces it, which is
// how inactivity timers are re-armed and how jobs chain their next run.
type TimerManager struct {
	mu      sync.Mutex
	queue   deadlineQueue
	pending map[string]*deadline
	stopped bool

	kick  chan struct{}
	fire  chan *deadline
	quit  chan struct{}
	pool  int
	wg    sync.WaitGroup
	fired atomic.Int64
}

// NewTimerManager creates a timer manager with the given number of workers
func NewTimerManager(workers int) *TimerManager {
	if workers < 1 {
		workers = 1
	}
	return &TimerManager{
		pending: make(map[string]*deadline),
		kick:    make(chan struct{}, 1),
		fire:    make(chan *deadline, workers),
		quit:    make(chan struct{}),
		pool:    workers,
	}
}

// Start launches the dispatcher and the worker pool
func (tm *TimerManager) Start() {
	tm.wg.Add(tm.pool)
	for i := 0; i < tm.pool; i++ {
		go tm.worker()
	}
	go tm.dispatch()
}

// Stop drops pending deadlines and waits for running callbacks to return
func (tm *TimerManager) Stop() {
	tm.mu.Lock()
	if tm.stopped {
		tm.mu.Unlock()
		return
	}
	tm.stopped = true
	tm.queue = nil
	tm.pending = make(map[string]*deadline)
	close(tm.quit)
	tm.mu.Unlock()

	tm.wg.Wait()
}

// Schedule arms fn to run at the given time under key
func (tm *TimerManager) Schedule(key string, at time.Time, fn func()) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.stopped {
		return ErrSchedulerStopped
	}
	if old, ok := tm.pending[key]; ok {
		heap.Remove(&tm.queue, old.pos)
	}

	d := &deadline{key: key, at: at, fn: fn}
	heap.Push(&tm.queue, d)
	tm.pending[key] = d

	if tm.queue[0] == d {
		select {
		case tm.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// Cancel disarms key. It reports false when nothing was pending.
func (tm *TimerManager) Cancel(key string) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	d, ok := tm.pending[key]
	if !ok {
		return false
	}
	heap.Remove(&tm.queue, d.pos)
	delete(tm.pending, key)
	return true
}

// next pops the earliest deadline when it is due, otherwise reports how long
// to sleep
func (tm *TimerManager) next() (*deadline, time.Duration, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.stopped {
		return nil, 0, false
	}
	if len(tm.queue) == 0 {
		return nil, time.Hour, true
	}
	if wait := time.Until(tm.queue[0].at); wait > 0 {
		return nil, wait, true
	}
	d := heap.Pop(&tm.queue).(*deadline)
	delete(tm.pending, d.key)
	return d, 0, true
}

func (tm *TimerManager) dispatch() {
	sleep := time.NewTimer(time.Hour)
	defer sleep.Stop()

	for {
		d, wait, ok := tm.next()
		if !ok {
			return
		}
		if d != nil {
			select {
			case tm.fire <- d:
			case <-tm.quit:
				return
			}
			continue
		}

		if !sleep.Stop() {
			select {
			case <-sleep.C:
			default:
			}
		}
		sleep.Reset(wait)

		select {
		case <-sleep.C:
		case <-tm.kick:
		case <-tm.quit:
			return
		}
	}
}

func (tm *TimerManager) worker() {
	defer tm.wg.Done()
	for {
		select {
		case d := <-tm.fire:
			d.fn()
			tm.fired.Add(1)
		case <-tm.quit:
			return
		}
	}
}

// TimerStats is a snapshot of the timer manager
type TimerStats struct {
	Pending int
	Fired   int64
	Workers int
}

func (tm *TimerManager) Stats() TimerStats {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return TimerStats{
		Pending: len(tm.pending),
		Fired:   tm.fired.Load(),
		Workers: tm.pool,
	}
}
