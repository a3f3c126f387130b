// Package state keeps small named buckets of process state in durable
// storage. A bucket is read from the backend at most once per process and
// then served from memory; every write replaces the whole stored value.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned by a Backend when nothing is stored under a key.
var ErrNotFound = errors.New("state not found")

// ErrDetached is returned by Write while the stored value could not be
// read. The write is kept in memory only so an outage cannot overwrite the
// durable copy with a partial one.
var ErrDetached = errors.New("state not loaded")

// Backend persists opaque snapshots by key.
type Backend interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// Store hands out typed buckets over a single backend.
type Store struct {
	backend Backend
}

func NewStore(backend Backend) *Store {
	return &Store{backend: backend}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// Bucket is a lazily loaded, write-through cached value of type T.
type Bucket[T any] struct {
	key      string
	backend  Backend
	fallback func() T

	mu       sync.Mutex
	loaded   bool
	detached bool
	value    T
}

// NewBucket binds key to a typed bucket. newDefault builds the value used
// when nothing has been persisted yet.
func NewBucket[T any](store *Store, key string, newDefault func() T) *Bucket[T] {
	return &Bucket[T]{
		key:      key,
		backend:  store.backend,
		fallback: newDefault,
	}
}

func (b *Bucket[T]) Key() string {
	return b.key
}

// Read returns the cached value, loading it on first use.
//
// When the backend cannot be reached the bucket detaches: it serves an
// in-memory value (the default, then whatever was written since), retries
// the load on every Read and returns the load error alongside the value.
// The first successful load replaces the in-memory value.
//
// A stored snapshot that cannot be decoded is replaced by the default.
func (b *Bucket[T]) Read(ctx context.Context) (T, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.loaded {
		return b.value, nil
	}

	raw, err := b.backend.Load(ctx, b.key)
	switch {
	case errors.Is(err, ErrNotFound):
		if !b.detached {
			b.value = b.fallback()
		}
		b.loaded = true
		b.detached = false
		if err := b.persist(ctx, b.value); err != nil {
			return b.value, err
		}
		return b.value, nil
	case err != nil:
		if !b.detached {
			b.value = b.fallback()
			b.detached = true
		}
		return b.value, fmt.Errorf("load state %s: %w", b.key, err)
	}

	b.detached = false

	var decoded T
	if err := json.Unmarshal(raw, &decoded); err != nil {
		b.value = b.fallback()
		b.loaded = true
		return b.value, fmt.Errorf("decode state %s: %w", b.key, err)
	}

	b.value = decoded
	b.loaded = true
	return b.value, nil
}

// Write replaces the cached value and persists it. The cache is updated
// even when persistence fails. A detached bucket only updates the cache
// and returns ErrDetached.
func (b *Bucket[T]) Write(ctx context.Context, value T) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.value = value
	if b.detached {
		return fmt.Errorf("write state %s: %w", b.key, ErrDetached)
	}
	b.loaded = true
	return b.persist(ctx, value)
}

// Clear drops both the cached and the stored value. The next Read starts
// from the default again.
func (b *Bucket[T]) Clear(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero T
	b.value = zero
	b.loaded = false
	b.detached = false

	if err := b.backend.Delete(ctx, b.key); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete state %s: %w", b.key, err)
	}
	return nil
}

func (b *Bucket[T]) persist(ctx context.Context, value T) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode state %s: %w", b.key, err)
	}
	if err := b.backend.Save(ctx, b.key, encoded); err != nil {
		return fmt.Errorf("save state %s: %w", b.key, err)
	}
	return nil
}
