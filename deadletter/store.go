// Package deadletter parks operations that failed beyond recovery so
// they can be inspected, replayed, or aged out instead of lost.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/resilience/classify"
	"github.com/vietddude/resilience/events"
	"github.com/vietddude/resilience/internal/metrics"
)

// ErrItemNotFound reports a replay or lookup against an unknown id.
var ErrItemNotFound = errors.New("dead letter item not found")

// ReplayFunc re-invokes a parked operation with its captured args.
type ReplayFunc func(ctx context.Context, args []any) (any, error)

// Archive persists items across restarts. Implementations live in
// storage/; all calls from the store are best-effort.
type Archive interface {
	Save(ctx context.Context, item *Item) error
	Delete(ctx context.Context, id string) error
	Load(ctx context.Context) ([]*Item, error)
	Clear(ctx context.Context) error
}

// Config tunes the store. Zero fields take the defaults.
type Config struct {
	Capacity  int           // max items before oldest-first eviction (default 10000)
	Retention time.Duration // prune items whose last failure is older (default 24h)
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = 10000
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	return c
}

// Store is the in-memory dead letter queue. Safe for concurrent use.
type Store struct {
	cfg        Config
	classifier *classify.Classifier
	bus        *events.Bus
	archive    Archive
	log        *slog.Logger

	mu    sync.Mutex
	items map[string]*Item

	now func() time.Time
}

// NewStore builds a store. classifier is used to re-classify replay
// failures and falls back to the built-in rules when nil; bus and
// archive may be nil.
func NewStore(cfg Config, classifier *classify.Classifier, bus *events.Bus, archive Archive) *Store {
	if classifier == nil {
		classifier = classify.NewClassifier()
	}
	return &Store{
		cfg:        cfg.withDefaults(),
		classifier: classifier,
		bus:        bus,
		archive:    archive,
		log:        slog.Default().With("component", "deadletter"),
		items:      make(map[string]*Item),
		now:        time.Now,
	}
}

// Add parks a terminally failed operation and returns the new item's id.
// It never fails: arguments that cannot be serialized are captured
// opaquely, and archive trouble is logged, not raised. At capacity the
// single oldest item (by first failure) is evicted first.
func (s *Store) Add(ctx context.Context, cause *classify.ClassifiedError, operationName string, args []any, opContext map[string]any) string {
	if cause == nil {
		cause = s.classifier.Classify(nil, nil)
	}
	sanitized := *cause
	sanitized.Context = sanitizeMap(cause.Context)

	now := s.now()
	item := &Item{
		ID:            uuid.NewString(),
		OperationName: operationName,
		Args:          sanitizeArgs(args),
		Error:         &sanitized,
		Attempts:      1,
		FirstFailure:  now,
		LastFailure:   now,
		Context:       sanitizeMap(opContext),
	}

	s.mu.Lock()
	var evicted *Item
	if len(s.items) >= s.cfg.Capacity {
		evicted = s.evictOldestLocked()
	}
	s.items[item.ID] = item
	size := len(s.items)
	s.mu.Unlock()

	metrics.DeadLetterSize.Set(float64(size))
	metrics.DeadLetterAdded.WithLabelValues(string(item.Category())).Inc()

	if evicted != nil {
		s.archiveDelete(evicted.ID)
		s.bus.Publish(events.Event{
			Type:      events.TypeDeadLetterRemoved,
			Operation: evicted.OperationName,
			Meta:      map[string]any{"id": evicted.ID, "reason": "capacity"},
		})
	}
	s.bus.Publish(events.Event{
		Type:      events.TypeDeadLetterAdded,
		Operation: operationName,
		Meta:      map[string]any{"id": item.ID, "category": item.Category()},
	})
	s.archiveSave(ctx, item)

	return item.ID
}

// Get returns a copy of the item, if present.
func (s *Store) Get(id string) (*Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return nil, false
	}
	return it.clone(), true
}

// GetAll returns copies of items matching filter, oldest first.
func (s *Store) GetAll(filter Filter) []*Item {
	s.mu.Lock()
	out := make([]*Item, 0, len(s.items))
	for _, it := range s.items {
		if filter.matches(it) {
			out = append(out, it.clone())
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].FirstFailure.Before(out[j].FirstFailure)
	})
	return out
}

// Len returns the number of parked items.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Retry replays one item. On success the item is removed and the
// result returned. On failure the item stays with attempts incremented,
// a fresh last-failure timestamp and a re-classified error, and the new
// failure is returned.
func (s *Store) Retry(ctx context.Context, id string, op ReplayFunc) (any, error) {
	s.mu.Lock()
	it, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("retry %s: %w", id, ErrItemNotFound)
	}
	args := append([]any(nil), it.Args...)
	operationName := it.OperationName
	s.mu.Unlock()

	result, err := op(ctx, args)
	if err == nil {
		s.mu.Lock()
		delete(s.items, id)
		size := len(s.items)
		s.mu.Unlock()

		metrics.DeadLetterSize.Set(float64(size))
		metrics.DeadLetterReplays.WithLabelValues("success").Inc()
		s.archiveDelete(id)
		s.bus.Publish(events.Event{
			Type:      events.TypeDeadLetterReplayed,
			Operation: operationName,
			Meta:      map[string]any{"id": id, "outcome": "success"},
		})
		return result, nil
	}

	reclassified := s.classifier.Classify(err, map[string]any{"operation": operationName, "replay": true})

	s.mu.Lock()
	var updated *Item
	if it, ok := s.items[id]; ok {
		it.Attempts++
		it.LastFailure = s.now()
		it.Error = reclassified
		updated = it.clone()
	}
	s.mu.Unlock()

	metrics.DeadLetterReplays.WithLabelValues("failure").Inc()
	if updated != nil {
		s.archiveSave(ctx, updated)
	}
	s.bus.Publish(events.Event{
		Type:      events.TypeDeadLetterReplayed,
		Operation: operationName,
		Meta:      map[string]any{"id": id, "outcome": "failure"},
	})
	return nil, reclassified
}

// RetryCategory replays every item in the category in batches of
// opts.MaxConcurrent, pausing opts.DelayBetween between batches. It
// returns how many replays succeeded and failed. Cancelling ctx stops
// after the current batch.
func (s *Store) RetryCategory(ctx context.Context, category classify.Category, op ReplayFunc, opts BatchOptions) (succeeded, failed int) {
	opts = opts.withDefaults()

	matching := s.GetAll(Filter{Category: category})
	ids := make([]string, len(matching))
	for i, it := range matching {
		ids[i] = it.ID
	}

	var mu sync.Mutex
	for start := 0; start < len(ids); start += opts.MaxConcurrent {
		if ctx.Err() != nil {
			return succeeded, failed
		}
		if start > 0 {
			select {
			case <-ctx.Done():
				return succeeded, failed
			case <-time.After(opts.DelayBetween):
			}
		}

		end := start + opts.MaxConcurrent
		if end > len(ids) {
			end = len(ids)
		}

		var g errgroup.Group
		g.SetLimit(opts.MaxConcurrent)
		for _, id := range ids[start:end] {
			id := id
			g.Go(func() error {
				_, err := s.Retry(ctx, id, op)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					succeeded++
				case errors.Is(err, ErrItemNotFound):
					// Removed concurrently; neither outcome.
				default:
					failed++
				}
				return nil
			})
		}
		_ = g.Wait()
	}
	return succeeded, failed
}

// Remove deletes one item, reporting whether it existed.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	it, ok := s.items[id]
	if ok {
		delete(s.items, id)
	}
	size := len(s.items)
	s.mu.Unlock()

	if !ok {
		return false
	}
	metrics.DeadLetterSize.Set(float64(size))
	s.archiveDelete(id)
	s.bus.Publish(events.Event{
		Type:      events.TypeDeadLetterRemoved,
		Operation: it.OperationName,
		Meta:      map[string]any{"id": id, "reason": "manual"},
	})
	return true
}

// Clear drops every item.
func (s *Store) Clear() {
	s.mu.Lock()
	s.items = make(map[string]*Item)
	s.mu.Unlock()

	metrics.DeadLetterSize.Set(0)
	if s.archive != nil {
		if err := s.archive.Clear(context.Background()); err != nil {
			s.log.Warn("archive clear failed", "error", err)
		}
	}
}

// Prune removes items whose last failure is older than the retention
// window and returns how many were dropped.
func (s *Store) Prune() int {
	threshold := s.now().Add(-s.cfg.Retention)

	s.mu.Lock()
	var pruned []*Item
	for id, it := range s.items {
		if it.LastFailure.Before(threshold) {
			pruned = append(pruned, it)
			delete(s.items, id)
		}
	}
	size := len(s.items)
	s.mu.Unlock()

	if len(pruned) == 0 {
		return 0
	}
	metrics.DeadLetterSize.Set(float64(size))
	for _, it := range pruned {
		s.archiveDelete(it.ID)
	}
	s.bus.Publish(events.Event{
		Type: events.TypeDeadLetterPruned,
		Meta: map[string]any{"count": len(pruned)},
	})
	return len(pruned)
}

// Export serializes the full item set, oldest first, with ISO-8601
// timestamps.
func (s *Store) Export() ([]byte, error) {
	items := s.GetAll(Filter{})
	data, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("export dead letters: %w", err)
	}
	return data, nil
}

// Import replaces the store contents with a previously exported set.
// Capacity still applies: oldest items beyond it are dropped.
func (s *Store) Import(data []byte) error {
	var items []*Item
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("import dead letters: %w", err)
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].FirstFailure.Before(items[j].FirstFailure)
	})
	if len(items) > s.cfg.Capacity {
		items = items[len(items)-s.cfg.Capacity:]
	}

	s.mu.Lock()
	s.items = make(map[string]*Item, len(items))
	for _, it := range items {
		if it.ID == "" {
			it.ID = uuid.NewString()
		}
		s.items[it.ID] = it
	}
	size := len(s.items)
	s.mu.Unlock()

	metrics.DeadLetterSize.Set(float64(size))

	if s.archive != nil {
		ctx := context.Background()
		if err := s.archive.Clear(ctx); err != nil {
			s.log.Warn("archive clear failed", "error", err)
		}
		for _, it := range items {
			s.archiveSave(ctx, it)
		}
	}
	return nil
}

// Restore replaces the store contents from the archive, typically at
// startup. Without an archive it is a no-op.
func (s *Store) Restore(ctx context.Context) error {
	if s.archive == nil {
		return nil
	}
	items, err := s.archive.Load(ctx)
	if err != nil {
		return fmt.Errorf("restore dead letters: %w", err)
	}

	s.mu.Lock()
	s.items = make(map[string]*Item, len(items))
	for _, it := range items {
		s.items[it.ID] = it
	}
	size := len(s.items)
	s.mu.Unlock()

	metrics.DeadLetterSize.Set(float64(size))
	return nil
}

// GetStats summarizes the current contents.
func (s *Store) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		Total:       len(s.items),
		ByCategory:  make(map[classify.Category]int),
		ByOperation: make(map[string]int),
	}
	totalAttempts := 0
	for _, it := range s.items {
		stats.ByCategory[it.Category()]++
		stats.ByOperation[it.OperationName]++
		totalAttempts += it.Attempts
		if stats.OldestFirst.IsZero() || it.FirstFailure.Before(stats.OldestFirst) {
			stats.OldestFirst = it.FirstFailure
		}
	}
	if stats.Total > 0 {
		stats.AvgAttempts = float64(totalAttempts) / float64(stats.Total)
	}
	return stats
}

// evictOldestLocked drops the oldest item by first failure. Lock must be
// held. Returns the evicted item, nil when the store is empty.
func (s *Store) evictOldestLocked() *Item {
	var oldest *Item
	for _, it := range s.items {
		if oldest == nil || it.FirstFailure.Before(oldest.FirstFailure) {
			oldest = it
		}
	}
	if oldest == nil {
		return nil
	}
	delete(s.items, oldest.ID)
	return oldest
}

func (s *Store) archiveSave(ctx context.Context, it *Item) {
	if s.archive == nil {
		return
	}
	if err := s.archive.Save(ctx, it); err != nil {
		s.log.Warn("archive save failed", "id", it.ID, "error", err)
	}
}

func (s *Store) archiveDelete(id string) {
	if s.archive == nil {
		return
	}
	if err := s.archive.Delete(context.Background(), id); err != nil {
		s.log.Warn("archive delete failed", "id", id, "error", err)
	}
}

// sanitizeArgs keeps args JSON-clean; anything unserializable is
// captured as its formatted string.
func sanitizeArgs(args []any) []any {
	if args == nil {
		return nil
	}
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = sanitizeValue(a)
	}
	return out
}

func sanitizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	if _, err := json.Marshal(v); err != nil {
		return fmt.Sprintf("%v", v)
	}
	return v
}
