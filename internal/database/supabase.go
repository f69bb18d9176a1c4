package database

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/gunshikin/kanri/internal/records"
	supabase "github.com/supabase-community/supabase-go"
	storage_go "github.com/supabase-community/storage-go"
)

// ============================================================================
// SUPABASE CLIENT
// ============================================================================

// SupabaseClient wraps the Supabase Go client shared by every table and the
// storage bucket.
type SupabaseClient struct {
	client *supabase.Client
	url    string
	key    string
}

// NewSupabaseClient creates a client from SUPABASE_URL and SUPABASE_SERVICE_KEY.
func NewSupabaseClient() (*SupabaseClient, error) {
	url := os.Getenv("SUPABASE_URL")
	key := os.Getenv("SUPABASE_SERVICE_KEY")

	if url == "" || key == "" {
		return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY must be set")
	}
	return NewSupabaseClientWith(url, key)
}

// NewSupabaseClientWith creates a client for an explicit project URL and key.
func NewSupabaseClientWith(url, key string) (*SupabaseClient, error) {
	url = strings.TrimRight(url, "/")
	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}
	return &SupabaseClient{client: client, url: url, key: key}, nil
}

// ============================================================================
// TABLES
// ============================================================================

// Table is a RecordStore backed by one PostgREST table. Rows are keyed by an
// "id" column and listed newest first by "created_at".
type Table[T records.Entity] struct {
	sc      *SupabaseClient
	name    string
	orderBy string
}

// NewTable binds a table name to an entity type.
func NewTable[T records.Entity](sc *SupabaseClient, name string) *Table[T] {
	return &Table[T]{sc: sc, name: name, orderBy: "created_at"}
}

// Name returns the table name.
func (t *Table[T]) Name() string { return t.name }

func (t *Table[T]) List(ctx context.Context) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rows []T
	_, err := t.sc.client.From(t.name).
		Select("*", "", false).
		Order(t.orderBy, nil).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", t.name, err)
	}
	return rows, nil
}

func (t *Table[T]) Create(ctx context.Context, entity T) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	entity, err := records.AssignID(entity)
	if err != nil {
		return zero, err
	}

	var rows []T
	_, err = t.sc.client.From(t.name).
		Insert(entity, false, "", "", "").
		ExecuteTo(&rows)
	if err != nil {
		return zero, fmt.Errorf("failed to create %s row: %w", t.name, err)
	}
	if len(rows) == 0 {
		return entity, nil
	}
	return rows[0], nil
}

func (t *Table[T]) Update(ctx context.Context, id string, fields map[string]any) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	patch := make(map[string]any, len(fields))
	for k, v := range fields {
		if k != "id" {
			patch[k] = v
		}
	}

	var rows []T
	_, err := t.sc.client.From(t.name).
		Update(patch, "", "").
		Eq("id", id).
		ExecuteTo(&rows)
	if err != nil {
		return zero, fmt.Errorf("failed to update %s %s: %w", t.name, id, err)
	}
	if len(rows) == 0 {
		return zero, fmt.Errorf("update %s %s: %w", t.name, id, records.ErrNotFound)
	}
	return rows[0], nil
}

func (t *Table[T]) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var rows []map[string]any
	_, err := t.sc.client.From(t.name).
		Delete("", "").
		Eq("id", id).
		ExecuteTo(&rows)
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", t.name, id, err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("delete %s %s: %w", t.name, id, records.ErrNotFound)
	}
	return nil
}

// ============================================================================
// STORAGE
// ============================================================================

// DefaultSignedURLTTL is how long signed image URLs stay valid.
const DefaultSignedURLTTL = time.Hour

// Storage is a BlobStore backed by one Supabase storage bucket.
type Storage struct {
	sc     *SupabaseClient
	bucket string
	ttl    time.Duration
	logger *slog.Logger
}

// NewStorage binds a bucket. A non-positive ttl uses DefaultSignedURLTTL.
func NewStorage(sc *SupabaseClient, bucket string, ttl time.Duration, logger *slog.Logger) *Storage {
	if ttl <= 0 {
		ttl = DefaultSignedURLTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Storage{sc: sc, bucket: bucket, ttl: ttl, logger: logger}
}

// Put uploads data to path, replacing any existing object.
func (s *Storage) Put(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	upsert := true
	opts := storage_go.FileOptions{ContentType: &contentType, Upsert: &upsert}

	// Upload options are stored in the client's shared headers, so every
	// upload gets a client of its own.
	uploader := storage_go.NewClient(s.sc.url+supabase.STORGAGE_URL, s.sc.key, map[string]string{"apikey": s.sc.key})
	if _, err := uploader.UploadFile(s.bucket, path, bytes.NewReader(data), opts); err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", path, err)
	}

	s.logger.Debug("[Storage] uploaded object", "bucket", s.bucket, "path", path, "bytes", len(data))
	return path, nil
}

// URL returns a signed URL for path.
func (s *Storage) URL(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	resp, err := s.sc.client.Storage.CreateSignedUrl(s.bucket, path, int(s.ttl.Seconds()))
	if err != nil {
		return "", fmt.Errorf("failed to sign %s: %w", path, err)
	}
	return resp.SignedURL, nil
}

// Delete removes path. Removing a missing object is not an error.
func (s *Storage) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.sc.client.Storage.RemoveFile(s.bucket, []string{path}); err != nil {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}
