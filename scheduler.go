package summary

import (
	"sort"
	"sync"
	"time"
)

// Scheduler runs delayed work for background eviction and change
// notification. The system scheduler uses timers; ManualScheduler lets
// tests or an event loop drive the work explicitly.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a scheduled callback.
type Timer interface {
	// Stop cancels the callback and reports whether it was still pending.
	Stop() bool
}

type systemScheduler struct{}

// SystemScheduler returns a Scheduler backed by time.AfterFunc.
func SystemScheduler() Scheduler {
	return systemScheduler{}
}

func (systemScheduler) Now() time.Time { return time.Now() }

func (systemScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// ManualScheduler is a Scheduler with a virtual clock. Callbacks run
// synchronously, on the goroutine that calls Advance or RunPending.
type ManualScheduler struct {
	mu    sync.Mutex
	now   time.Time
	seq   uint64
	tasks []*manualTask
}

type manualTask struct {
	s   *ManualScheduler
	at  time.Time
	seq uint64
	f   func()
}

// NewManualScheduler returns a scheduler whose clock starts at start.
func NewManualScheduler(start time.Time) *ManualScheduler {
	return &ManualScheduler{now: start}
}

// Now returns the virtual time.
func (m *ManualScheduler) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// AfterFunc schedules f to run once the clock has advanced by d.
func (m *ManualScheduler) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTask{s: m, at: m.now.Add(d), seq: m.seq, f: f}
	m.tasks = append(m.tasks, t)
	return t
}

func (t *manualTask) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for i, task := range t.s.tasks {
		if task == t {
			t.s.tasks = append(t.s.tasks[:i], t.s.tasks[i+1:]...)
			return true
		}
	}
	return false
}

// Pending returns the number of scheduled callbacks.
func (m *ManualScheduler) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Advance moves the clock forward by d and runs every callback that is due,
// in due order, including callbacks scheduled by callbacks. It returns the
// number of callbacks run.
func (m *ManualScheduler) Advance(d time.Duration) int {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	ran := 0
	for {
		m.mu.Lock()
		next := m.popDue(target)
		if next == nil {
			m.now = target
			m.mu.Unlock()
			return ran
		}
		if next.at.After(m.now) {
			m.now = next.at
		}
		m.mu.Unlock()

		next.f()
		ran++
	}
}

// RunPending runs every callback that is already due.
func (m *ManualScheduler) RunPending() int {
	return m.Advance(0)
}

// popDue removes and returns the earliest task due at or before target.
// Caller must hold m.mu.
func (m *ManualScheduler) popDue(target time.Time) *manualTask {
	if len(m.tasks) == 0 {
		return nil
	}
	sort.SliceStable(m.tasks, func(i, j int) bool {
		if m.tasks[i].at.Equal(m.tasks[j].at) {
			return m.tasks[i].seq < m.tasks[j].seq
		}
		return m.tasks[i].at.Before(m.tasks[j].at)
	})
	t := m.tasks[0]
	if t.at.After(target) {
		return nil
	}
	m.tasks = m.tasks[1:]
	return t
}
