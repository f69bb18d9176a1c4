// Package records defines the contract between kanri and its durable
// backends: a Record Store holding domain entities and a Blob Store holding
// uploaded images. Any backend implementing these interfaces (PostgREST,
// direct SQL, in-memory) can be swapped without touching the callers.
package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when an id or path does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidEntity is returned when an entity cannot be encoded as a
	// JSON object with an id.
	ErrInvalidEntity = errors.New("invalid entity")
)

// Entity is a domain record with a stable identifier. Implementations are
// expected to carry the identifier in a JSON "id" field.
type Entity interface {
	EntityID() string
}

// RecordStore provides durable CRUD for one entity collection. Writes become
// visible to List eventually, not necessarily immediately.
type RecordStore[T Entity] interface {
	List(ctx context.Context) ([]T, error)
	Create(ctx context.Context, entity T) (T, error)
	Update(ctx context.Context, id string, fields map[string]any) (T, error)
	Delete(ctx context.Context, id string) error
}

// BlobStore stores binary objects keyed by path.
type BlobStore interface {
	Put(ctx context.Context, path string, data []byte, contentType string) (string, error)
	URL(ctx context.Context, path string) (string, error)
	Delete(ctx context.Context, path string) error
}

// ============================================================================
// JSON HELPERS
// ============================================================================

// Fields encodes an entity as a field map keyed by its JSON names.
func Fields[T Entity](entity T) (map[string]any, error) {
	raw, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal: %v", ErrInvalidEntity, err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: not a JSON object: %v", ErrInvalidEntity, err)
	}
	return fields, nil
}

// Patch returns a copy of entity with fields merged on top of it. The "id"
// field is never overwritten.
func Patch[T Entity](entity T, fields map[string]any) (T, error) {
	base, err := Fields(entity)
	if err != nil {
		var zero T
		return zero, err
	}
	for k, v := range fields {
		if k == "id" {
			continue
		}
		base[k] = v
	}
	return decode[T](base)
}

// AssignID returns entity unchanged when it already has an id, otherwise a
// copy carrying a fresh UUID.
func AssignID[T Entity](entity T) (T, error) {
	if entity.EntityID() != "" {
		return entity, nil
	}
	fields, err := Fields(entity)
	if err != nil {
		var zero T
		return zero, err
	}
	fields["id"] = uuid.New().String()
	return decode[T](fields)
}

func decode[T Entity](fields map[string]any) (T, error) {
	var out T
	raw, err := json.Marshal(fields)
	if err != nil {
		return out, fmt.Errorf("%w: marshal fields: %v", ErrInvalidEntity, err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: decode: %v", ErrInvalidEntity, err)
	}
	return out, nil
}
