package database

import (
	"context"
	"log/slog"

	"github.com/gunshikin/kanri/internal/config"
	"github.com/gunshikin/kanri/internal/records"
)

// Backend kinds, in order of preference.
const (
	BackendSupabase = "supabase"
	BackendSQL      = "sql"
	BackendMemory   = "memory"
)

// Backend is the record and blob storage selected from configuration:
// Supabase when a project URL and key are set, otherwise a direct SQL
// database when a DSN is set, otherwise process memory.
type Backend struct {
	Kind string

	supabase *SupabaseClient
	sql      *SQLDB
	blobs    records.BlobStore
}

// OpenBackend selects and opens the storage backend.
func OpenBackend(cfg *config.Config, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch {
	case cfg.Supabase.URL != "" && cfg.Supabase.ServiceKey != "":
		sc, err := NewSupabaseClientWith(cfg.Supabase.URL, cfg.Supabase.ServiceKey)
		if err != nil {
			return nil, err
		}
		return &Backend{
			Kind:     BackendSupabase,
			supabase: sc,
			blobs:    NewStorage(sc, cfg.Supabase.Bucket, cfg.SignedURLTTL(), logger),
		}, nil

	case cfg.Database.DSN != "":
		db, err := OpenSQL(cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		// Images stay in memory: the SQL backend has no object storage.
		return &Backend{Kind: BackendSQL, sql: db, blobs: records.NewMemoryBlobStore()}, nil

	default:
		return &Backend{Kind: BackendMemory, blobs: records.NewMemoryBlobStore()}, nil
	}
}

// OpenStore returns the record store for one table.
func OpenStore[T records.Entity](b *Backend, table string) records.RecordStore[T] {
	switch b.Kind {
	case BackendSupabase:
		return NewTable[T](b.supabase, table)
	case BackendSQL:
		return NewSQLStore[T](b.sql, table)
	default:
		return records.NewMemoryStore[T]()
	}
}

// Blobs returns the image store.
func (b *Backend) Blobs() records.BlobStore {
	return b.blobs
}

// Ping checks connectivity where the backend has a connection to check.
func (b *Backend) Ping(ctx context.Context) error {
	if b.sql != nil {
		return b.sql.Ping(ctx)
	}
	return nil
}

// Close releases the SQL connection, if any.
func (b *Backend) Close() error {
	if b.sql != nil {
		return b.sql.Close()
	}
	return nil
}
