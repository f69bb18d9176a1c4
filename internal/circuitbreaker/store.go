package circuitbreaker

import (
	"context"
	"errors"

	"github.com/gunshikin/kanri/internal/records"
)

// IsStoreFailure reports whether err says the store is unhealthy. Missing
// records, rejected entities and caller cancellation do not.
func IsStoreFailure(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, records.ErrNotFound),
		errors.Is(err, records.ErrInvalidEntity),
		errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}

// Store guards a RecordStore with a circuit breaker.
type Store[T records.Entity] struct {
	next records.RecordStore[T]
	cb   *CircuitBreaker
}

// WrapStore returns next guarded by cb.
func WrapStore[T records.Entity](next records.RecordStore[T], cb *CircuitBreaker) *Store[T] {
	return &Store[T]{next: next, cb: cb}
}

func (s *Store[T]) List(ctx context.Context) ([]T, error) {
	return Execute(s.cb, func() ([]T, error) { return s.next.List(ctx) })
}

func (s *Store[T]) Create(ctx context.Context, entity T) (T, error) {
	return Execute(s.cb, func() (T, error) { return s.next.Create(ctx, entity) })
}

func (s *Store[T]) Update(ctx context.Context, id string, fields map[string]any) (T, error) {
	return Execute(s.cb, func() (T, error) { return s.next.Update(ctx, id, fields) })
}

func (s *Store[T]) Delete(ctx context.Context, id string) error {
	_, err := Execute(s.cb, func() (struct{}, error) { return struct{}{}, s.next.Delete(ctx, id) })
	return err
}
