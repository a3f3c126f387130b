// Package throttle counts failed login attempts per key inside a fixed
// window that starts at the first counted attempt. One Throttle instance
// serves one scope (source IP or account).
package throttle

import (
	"context"
	"errors"
	"sync"
	"time"

	"school-portal/internal/observability"
	"school-portal/internal/state"
)

const (
	snapshotVersion = 1
	defaultMaxKeys  = 5000
)

// Limit allows Max attempts per key within Window. Once more than MaxKeys
// keys are tracked, expired entries are swept on every new attempt.
type Limit struct {
	Window  time.Duration
	Max     int
	MaxKeys int
}

// Entry is the attempt counter of a single key.
type Entry struct {
	Count          int       `json:"count"`
	FirstAttemptAt time.Time `json:"firstAttemptAt"`
}

// Decision is the outcome of a throttle check.
type Decision struct {
	Blocked    bool
	RetryAfter time.Duration
	Remaining  int
}

type snapshot struct {
	Version int              `json:"version"`
	Entries map[string]Entry `json:"entries"`
}

func newSnapshot() snapshot {
	return snapshot{Version: snapshotVersion, Entries: make(map[string]Entry)}
}

// Throttle is safe for concurrent use. All operations on one instance are
// serialized by a single mutex.
type Throttle struct {
	name   string
	limit  Limit
	bucket *state.Bucket[snapshot]
	logger *observability.Logger

	mu sync.Mutex
}

// New creates a throttle persisting its counters in the named bucket.
func New(name string, limit Limit, store *state.Store, logger *observability.Logger) *Throttle {
	if limit.Max <= 0 {
		limit.Max = 10
	}
	if limit.Window <= 0 {
		limit.Window = 10 * time.Minute
	}
	if limit.MaxKeys <= 0 {
		limit.MaxKeys = defaultMaxKeys
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	return &Throttle{
		name:   name,
		limit:  limit,
		bucket: state.NewBucket(store, name, newSnapshot),
		logger: logger,
	}
}

// Limit returns the effective limit after defaults were applied.
func (t *Throttle) Limit() Limit {
	return t.limit
}

// Evaluate reports whether key is blocked at now. An entry whose window
// has elapsed is removed. An entry exactly window old is still live.
func (t *Throttle) Evaluate(ctx context.Context, key string, now time.Time) Decision {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := t.entries(ctx)
	entry, ok := entries[key]
	if !ok {
		return Decision{Remaining: t.limit.Max}
	}

	if t.expired(entry, now) {
		delete(entries, key)
		t.save(ctx, entries)
		return Decision{Remaining: t.limit.Max}
	}

	return t.decide(entry, now)
}

// Register counts one failed attempt for key.
func (t *Throttle) Register(ctx context.Context, key string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.register(ctx, key, now)
}

// Fail counts one failed attempt and returns the decision that applies
// after it, in a single critical section so concurrent failures for the
// same key are never lost.
func (t *Throttle) Fail(ctx context.Context, key string, now time.Time) Decision {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := t.register(ctx, key, now)
	return t.decide(entry, now)
}

// Acquire admits one attempt for key. A key already at its limit is
// blocked and the attempt is not counted. Otherwise the attempt is counted
// before Acquire returns, so concurrent callers can never be admitted more
// than Max times per window. Remaining is what is left after this attempt.
func (t *Throttle) Acquire(ctx context.Context, key string, now time.Time) Decision {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := t.entries(ctx)
	if entry, ok := entries[key]; ok && !t.expired(entry, now) && entry.Count >= t.limit.Max {
		return t.decide(entry, now)
	}

	entry := t.register(ctx, key, now)
	return Decision{Remaining: max(t.limit.Max-entry.Count, 0)}
}

// Clear forgets every attempt recorded for key.
func (t *Throttle) Clear(ctx context.Context, key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := t.entries(ctx)
	if _, ok := entries[key]; !ok {
		return
	}
	delete(entries, key)
	t.save(ctx, entries)
}

// Reset drops all counters, in memory and in storage.
func (t *Throttle) Reset(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.bucket.Clear(ctx)
}

// Prune removes every entry whose window has elapsed and returns how many
// were removed.
func (t *Throttle) Prune(ctx context.Context, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := t.entries(ctx)
	removed := t.sweep(entries, now)
	if removed > 0 {
		t.save(ctx, entries)
	}
	return removed
}

// Len returns the number of tracked keys.
func (t *Throttle) Len(ctx context.Context) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.entries(ctx))
}

func (t *Throttle) register(ctx context.Context, key string, now time.Time) Entry {
	entries := t.entries(ctx)
	entry, ok := entries[key]
	if !ok || t.expired(entry, now) {
		entry = Entry{Count: 1, FirstAttemptAt: now.UTC()}
	} else {
		entry.Count++
	}
	entries[key] = entry

	if !ok && len(entries) > t.limit.MaxKeys {
		if removed := t.sweep(entries, now); len(entries) > t.limit.MaxKeys {
			t.logger.Warn("login_throttle_over_capacity", map[string]any{
				"bucket":   t.name,
				"keys":     len(entries),
				"max_keys": t.limit.MaxKeys,
				"swept":    removed,
			})
		}
	}

	t.save(ctx, entries)
	return entry
}

func (t *Throttle) sweep(entries map[string]Entry, now time.Time) int {
	removed := 0
	for key, entry := range entries {
		if t.expired(entry, now) {
			delete(entries, key)
			removed++
		}
	}
	return removed
}

func (t *Throttle) decide(entry Entry, now time.Time) Decision {
	remaining := t.limit.Max - entry.Count
	if remaining > 0 {
		return Decision{Remaining: remaining}
	}

	retryAfter := t.limit.Window - now.Sub(entry.FirstAttemptAt)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return Decision{Blocked: true, RetryAfter: retryAfter}
}

func (t *Throttle) expired(entry Entry, now time.Time) bool {
	return now.Sub(entry.FirstAttemptAt) > t.limit.Window
}

// entries returns the live map held by the bucket cache. Storage failures
// leave the throttle running on an in-memory map, which lets attempts
// through until counters build up again. The stored snapshot is left
// untouched until it can be read.
func (t *Throttle) entries(ctx context.Context) map[string]Entry {
	snap, err := t.bucket.Read(ctx)
	if err != nil {
		t.logger.Error("login_throttle_state_unavailable", map[string]any{
			"bucket": t.name,
			"error":  err.Error(),
			"policy": "fail_open",
		})
		observability.CaptureError(err, map[string]string{"bucket": t.name})
	}

	if snap.Version != snapshotVersion || snap.Entries == nil {
		if snap.Version != snapshotVersion && len(snap.Entries) > 0 {
			t.logger.Warn("login_throttle_state_version_mismatch", map[string]any{
				"bucket":  t.name,
				"version": snap.Version,
			})
		}
		snap = newSnapshot()
		t.save(ctx, snap.Entries)
	}

	return snap.Entries
}

func (t *Throttle) save(ctx context.Context, entries map[string]Entry) {
	err := t.bucket.Write(ctx, snapshot{Version: snapshotVersion, Entries: entries})
	if errors.Is(err, state.ErrDetached) {
		// Already reported by entries; counting continues in memory.
		return
	}
	if err != nil {
		t.logger.Error("login_throttle_state_save_failed", map[string]any{
			"bucket": t.name,
			"error":  err.Error(),
		})
		observability.CaptureError(err, map[string]string{"bucket": t.name})
	}
}
