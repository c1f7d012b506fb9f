package deadletter

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/resilience/events"
	"github.com/vietddude/resilience/internal/metrics"
)

// Janitor ages out expired items on a schedule, independent of the
// execute path.
type Janitor struct {
	store    *Store
	interval time.Duration
}

// NewJanitor builds a janitor for store. interval <= 0 picks a check
// interval from the store's retention window.
func NewJanitor(store *Store, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = min(store.cfg.Retention/10, 1*time.Hour)
		interval = max(interval, 1*time.Minute)
	}
	return &Janitor{store: store, interval: interval}
}

// Start runs the janitor loop until ctx is cancelled. An initial pass
// runs immediately.
func (j *Janitor) Start(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.sweep()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep()
		}
	}
}

func (j *Janitor) sweep() {
	if n := j.store.Prune(); n > 0 {
		slog.Info("pruned expired dead letters", "count", n)
	}
	j.store.enforceCapacity()
}

// enforceCapacity evicts oldest-first until the store fits its cap.
// Normally Add keeps the invariant; this covers oversized archive
// restores.
func (s *Store) enforceCapacity() {
	for {
		s.mu.Lock()
		if len(s.items) <= s.cfg.Capacity {
			s.mu.Unlock()
			return
		}
		evicted := s.evictOldestLocked()
		size := len(s.items)
		s.mu.Unlock()

		if evicted == nil {
			return
		}
		metrics.DeadLetterSize.Set(float64(size))
		s.archiveDelete(evicted.ID)
		s.bus.Publish(events.Event{
			Type:      events.TypeDeadLetterRemoved,
			Operation: evicted.OperationName,
			Meta:      map[string]any{"id": evicted.ID, "reason": "capacity"},
		})
	}
}
