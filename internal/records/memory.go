package records

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-process RecordStore. List returns the most recently
// created entities first.
type MemoryStore[T Entity] struct {
	mu    sync.RWMutex
	items []T
}

// NewMemoryStore creates a store seeded with items (kept in the given order).
func NewMemoryStore[T Entity](items ...T) *MemoryStore[T] {
	return &MemoryStore[T]{items: append([]T(nil), items...)}
}

func (s *MemoryStore[T]) List(ctx context.Context) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]T(nil), s.items...), nil
}

func (s *MemoryStore[T]) Create(ctx context.Context, entity T) (T, error) {
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, err
	}
	entity, err := AssignID(entity)
	if err != nil {
		return entity, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.items {
		if it.EntityID() == entity.EntityID() {
			var zero T
			return zero, fmt.Errorf("create %s: duplicate id", entity.EntityID())
		}
	}
	s.items = append([]T{entity}, s.items...)
	return entity, nil
}

func (s *MemoryStore[T]) Update(ctx context.Context, id string, fields map[string]any) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, it := range s.items {
		if it.EntityID() != id {
			continue
		}
		updated, err := Patch(it, fields)
		if err != nil {
			return zero, err
		}
		s.items[i] = updated
		return updated, nil
	}
	return zero, fmt.Errorf("update %s: %w", id, ErrNotFound)
}

func (s *MemoryStore[T]) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, it := range s.items {
		if it.EntityID() == id {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("delete %s: %w", id, ErrNotFound)
}

// ============================================================================
// BLOBS
// ============================================================================

// MemoryBlobStore is an in-process BlobStore. URLs use the memory:// scheme.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string]Blob
}

// Blob is a stored object.
type Blob struct {
	Data        []byte
	ContentType string
}

// NewMemoryBlobStore creates an empty blob store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string]Blob)}
}

func (s *MemoryBlobStore) Put(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[path] = Blob{Data: append([]byte(nil), data...), ContentType: contentType}
	return path, nil
}

func (s *MemoryBlobStore) URL(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.blobs[path]; !ok {
		return "", fmt.Errorf("url %s: %w", path, ErrNotFound)
	}
	return "memory://" + path, nil
}

func (s *MemoryBlobStore) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[path]; !ok {
		return fmt.Errorf("delete %s: %w", path, ErrNotFound)
	}
	delete(s.blobs, path)
	return nil
}

// Get returns a stored blob.
func (s *MemoryBlobStore) Get(path string) (Blob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[path]
	return b, ok
}

// Len returns the number of stored blobs.
func (s *MemoryBlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
