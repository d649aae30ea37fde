package summary

import (
	"context"
	"sync"
	"time"
	"weak"
)

// evictor periodically drops idle records from a summary's loaded map.
// It holds the summary only weakly and stops by itself once the summary is
// gone, closed, empty or memory-only.
type evictor struct {
	owner    weak.Pointer[Summary]
	sched    Scheduler
	interval time.Duration

	mu      sync.Mutex
	timer   Timer
	stopped bool
}

func newEvictor(owner weak.Pointer[Summary], sched Scheduler, interval time.Duration) *evictor {
	return &evictor{owner: owner, sched: sched, interval: interval}
}

// arm schedules the next tick unless one is pending.
func (e *evictor) arm() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped || e.timer != nil {
		return
	}
	e.timer = e.sched.AfterFunc(e.interval, e.tick)
}

// armed reports whether a tick is scheduled.
func (e *evictor) armed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timer != nil
}

func (e *evictor) tick() {
	e.mu.Lock()
	e.timer = nil
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		return
	}

	s := e.owner.Value()
	if s == nil {
		return
	}
	if s.evictTick(e.interval) {
		e.arm()
	}
}

func (e *evictor) stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// evictTick runs one scheduled sweep and reports whether ticking should go on.
// Nothing is dropped while the last load is more recent than idle.
func (s *Summary) evictTick(idle time.Duration) bool {
	s.mu.Lock()
	if s.closed || s.store == nil || len(s.loaded) == 0 {
		s.mu.Unlock()
		return false
	}
	if s.opts.scheduler.Now().Sub(s.cacheLoadTime) < idle {
		s.mu.Unlock()
		return true
	}
	start := time.Now()
	dropped := s.sweepLocked()
	remaining := len(s.loaded)
	s.mu.Unlock()

	s.finishSweep(start, dropped, remaining)
	return remaining > 0
}

// Evict drops every loaded record that is not pinned, not dirty and not
// folder-flagged, regardless of the idle window. It returns the number of
// records dropped.
func (s *Summary) Evict() int {
	s.mu.Lock()
	start := time.Now()
	dropped := s.sweepLocked()
	remaining := len(s.loaded)
	s.mu.Unlock()

	s.finishSweep(start, dropped, remaining)
	return len(dropped)
}

// sweepLocked removes evictable records from the loaded map. Records a
// Get is still waiting on are kept. Their flag map entries stay. Caller
// must hold s.mu.
func (s *Summary) sweepLocked() []*MessageInfo {
	var dropped []*MessageInfo
	for uid, mi := range s.loaded {
		if mi.Refs() != 1 || s.fetching[uid] > 0 {
			continue
		}
		mi.mu.Lock()
		evictable := !mi.dirty && mi.flags&FlagFolderFlagged == 0
		mi.mu.Unlock()
		if !evictable {
			continue
		}
		delete(s.loaded, uid)
		dropped = append(dropped, mi)
	}
	return dropped
}

func (s *Summary) finishSweep(start time.Time, dropped []*MessageInfo, remaining int) {
	for _, mi := range dropped {
		mi.detach()
	}
	ctx := context.Background()
	s.otel.recordEvicted(ctx, len(dropped))
	s.otel.record(ctx, opEvict, time.Since(start), nil)
	if len(dropped) > 0 {
		s.logger.Debug("evicted idle records", "evicted", len(dropped), "remaining", remaining)
	}
}
