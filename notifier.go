package summary

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// FlagChange is the final flags of one UID within a notification batch.
type FlagChange struct {
	UID   string
	Flags Flags
}

// ChangeHandler receives a batch of coalesced flag changes, sorted by UID.
type ChangeHandler func(ctx context.Context, changes []FlagChange)

// Notifier coalesces flag changes per UID and delivers them in batches.
// Changes queued before a delivery runs collapse to one entry per UID
// carrying the last flags. At most one delivery is scheduled at a time.
type Notifier struct {
	sched   Scheduler
	delay   time.Duration
	logger  *slog.Logger
	deliver ChangeHandler

	mu      sync.Mutex
	pending map[string]Flags
	timer   Timer
	stopped bool
}

func newNotifier(sched Scheduler, delay time.Duration, logger *slog.Logger, deliver ChangeHandler) *Notifier {
	return &Notifier{
		sched:   sched,
		delay:   delay,
		logger:  logger,
		deliver: deliver,
		pending: make(map[string]Flags),
	}
}

// Queue records the new flags of uid and schedules a delivery if none is pending.
func (n *Notifier) Queue(uid string, flags Flags) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return
	}
	n.pending[uid] = flags
	if n.timer == nil {
		n.timer = n.sched.AfterFunc(n.delay, n.drain)
	}
}

// Pending returns the number of UIDs awaiting delivery.
func (n *Notifier) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// Flush delivers pending changes now, on the calling goroutine.
func (n *Notifier) Flush(ctx context.Context) {
	n.mu.Lock()
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	batch := n.takeLocked()
	n.mu.Unlock()
	n.send(ctx, batch)
}

// Stop cancels any scheduled delivery and drops later changes.
func (n *Notifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stopped = true
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	clear(n.pending)
}

func (n *Notifier) drain() {
	n.mu.Lock()
	n.timer = nil
	batch := n.takeLocked()
	n.mu.Unlock()
	n.send(context.Background(), batch)
}

// takeLocked steals the pending map as a sorted batch.
func (n *Notifier) takeLocked() []FlagChange {
	if len(n.pending) == 0 {
		return nil
	}
	batch := make([]FlagChange, 0, len(n.pending))
	for uid, f := range n.pending {
		batch = append(batch, FlagChange{UID: uid, Flags: f})
	}
	n.pending = make(map[string]Flags)
	slices.SortFunc(batch, func(a, b FlagChange) int { return compareUID(a.UID, b.UID) })
	return batch
}

func (n *Notifier) send(ctx context.Context, batch []FlagChange) {
	if len(batch) == 0 || n.deliver == nil {
		return
	}
	n.deliver(ctx, batch)
}

// deliver publishes one event per change and runs the change handlers.
// Failures are logged; a panicking handler does not stop the others.
func (s *Summary) deliver(ctx context.Context, changes []FlagChange) {
	now := s.opts.scheduler.Now()
	if s.events != nil {
		for _, c := range changes {
			err := s.events.FlagsChanged.Publish(ctx, FlagsChangedEvent{
				FolderID:  s.folderID,
				UID:       c.UID,
				Flags:     c.Flags,
				ChangedAt: now,
			})
			if err != nil {
				s.logger.Warn("failed to publish flag change", "uid", c.UID, "error", err)
			}
		}
	}

	for _, h := range s.opts.changeHandlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("change handler panicked", "panic", fmt.Sprint(r))
				}
			}()
			h(ctx, slices.Clone(changes))
		}()
	}
}

// Notifier returns the summary's change notifier.
func (s *Summary) Notifier() *Notifier {
	return s.notifier
}
