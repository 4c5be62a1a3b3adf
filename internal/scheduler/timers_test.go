package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerManager_Schedule(t *testing.T) {
	tm := NewTimerManager(2)
	tm.Start()
	defer tm.Stop()

	done := make(chan struct{})
	require.NoError(t, tm.Schedule("test1", time.Now().Add(50*time.Millisecond), func() {
		close(done)
	}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task was not executed")
	}
}

func TestTimerManager_Cancel(t *testing.T) {
	tm := NewTimerManager(2)
	tm.Start()
	defer tm.Stop()

	var mu sync.Mutex
	executed := false
	require.NoError(t, tm.Schedule("test1", time.Now().Add(100*time.Millisecond), func() {
		mu.Lock()
		executed = true
		mu.Unlock()
	}))

	assert.True(t, tm.Cancel("test1"))
	assert.False(t, tm.Cancel("test1"))

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, executed, "cancelled task must not run")
}

func TestTimerManager_MultipleTasksOrdering(t *testing.T) {
	tm := NewTimerManager(1)
	tm.Start()
	defer tm.Stop()

	var mu sync.Mutex
	var results []int
	record := func(n int) func() {
		return func() {
			mu.Lock()
			results = append(results, n)
			mu.Unlock()
		}
	}

	now := time.Now()
	tm.Schedule("task3", now.Add(150*time.Millisecond), record(3))
	tm.Schedule("task1", now.Add(50*time.Millisecond), record(1))
	tm.Schedule("task2", now.Add(100*time.Millisecond), record(2))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) == 3
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, results)
}

func TestTimerManager_RescheduleExisting(t *testing.T) {
	tm := NewTimerManager(2)
	tm.Start()
	defer tm.Stop()

	var mu sync.Mutex
	count := 0

	tm.Schedule("test1", time.Now().Add(100*time.Millisecond), func() {
		mu.Lock()
		count++
		mu.Unlock()
	})
	tm.Schedule("test1", time.Now().Add(50*time.Millisecond), func() {
		mu.Lock()
		count += 10
		mu.Unlock()
	})

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 10, count, "only the replacement task runs")
}

func TestTimerManager_Stats(t *testing.T) {
	tm := NewTimerManager(5)
	tm.Start()
	defer tm.Stop()

	tm.Schedule("task1", time.Now().Add(time.Hour), func() {})
	tm.Schedule("task2", time.Now().Add(2*time.Hour), func() {})
	tm.Schedule("task3", time.Now().Add(3*time.Hour), func() {})

	assert.Equal(t, TimerStats{Pending: 3, Workers: 5}, tm.Stats())

	assert.True(t, tm.Cancel("task2"))
	assert.Equal(t, 2, tm.Stats().Pending)
}

func TestTimerManager_CountsFired(t *testing.T) {
	tm := NewTimerManager(1)
	tm.Start()
	defer tm.Stop()

	now := time.Now()
	tm.Schedule("a", now, func() {})
	tm.Schedule("b", now.Add(10*time.Millisecond), func() {})

	assert.Eventually(t, func() bool {
		s := tm.Stats()
		return s.Fired == 2 && s.Pending == 0
	}, time.Second, 5*time.Millisecond)
}

func TestTimerManager_ScheduleAfterStop(t *testing.T) {
	tm := NewTimerManager(1)
	tm.Start()
	tm.Stop()

	err := tm.Schedule("late", time.Now(), func() {})
	assert.ErrorIs(t, err, ErrSchedulerStopped)
}
