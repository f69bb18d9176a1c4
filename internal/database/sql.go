package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gunshikin/kanri/internal/records"
	_ "github.com/lib/pq"           // Postgres driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Supported database/sql drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// DocumentTable holds every collection as JSON documents.
const DocumentTable = "kanri_records"

// SQLDB is a shared connection to a Postgres or SQLite document table.
// The schema is created lazily on first use.
type SQLDB struct {
	driver string
	dsn    string
	table  string

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	mu       sync.Mutex
	lastSeq  int64
	nowNanos func() int64
}

// OpenSQL validates the driver and returns a lazily connected SQLDB.
func OpenSQL(driver, dsn string) (*SQLDB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("database dsn is required")
	}
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	return &SQLDB{
		driver:   driver,
		dsn:      dsn,
		table:    DocumentTable,
		nowNanos: func() int64 { return time.Now().UnixNano() },
	}, nil
}

// Driver returns the database/sql driver name.
func (d *SQLDB) Driver() string { return d.driver }

// Ping connects (creating the schema if needed) and checks the connection.
func (d *SQLDB) Ping(ctx context.Context) error {
	if err := d.ensureReady(ctx); err != nil {
		return err
	}
	return d.db.PingContext(ctx)
}

func (d *SQLDB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func (d *SQLDB) ensureReady(ctx context.Context) error {
	d.initOnce.Do(func() {
		db, err := sql.Open(d.driver, d.dsn)
		if err != nil {
			d.initErr = fmt.Errorf("failed to open database: %w", err)
			return
		}
		if d.driver == DriverSQLite {
			// SQLite allows a single writer.
			db.SetMaxOpenConns(1)
			db.SetMaxIdleConns(1)
		}

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				collection TEXT NOT NULL,
				id TEXT NOT NULL,
				doc TEXT NOT NULL,
				created_at BIGINT NOT NULL,
				PRIMARY KEY (collection, id)
			)`, quoteIdentifier(d.table))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			d.initErr = fmt.Errorf("failed to create %s: %w", d.table, err)
			return
		}
		d.db = db
	})
	return d.initErr
}

// bind rewrites ? placeholders to $n for Postgres.
func (d *SQLDB) bind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// nextSeq returns a strictly increasing creation stamp so List order is
// stable for rows created within the same clock tick.
func (d *SQLDB) nextSeq() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	seq := d.nowNanos()
	if seq <= d.lastSeq {
		seq = d.lastSeq + 1
	}
	d.lastSeq = seq
	return seq
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

// ============================================================================
// DOCUMENT STORE
// ============================================================================

// SQLStore is a RecordStore keeping one collection in the document table.
type SQLStore[T records.Entity] struct {
	db         *SQLDB
	collection string
}

// NewSQLStore binds a collection name to an entity type.
func NewSQLStore[T records.Entity](db *SQLDB, collection string) *SQLStore[T] {
	return &SQLStore[T]{db: db, collection: collection}
}

func (s *SQLStore[T]) List(ctx context.Context) ([]T, error) {
	if err := s.db.ensureReady(ctx); err != nil {
		return nil, err
	}
	query := s.db.bind(fmt.Sprintf(
		"SELECT doc FROM %s WHERE collection = ? ORDER BY created_at DESC", quoteIdentifier(s.db.table)))
	rows, err := s.db.db.QueryContext(ctx, query, s.collection)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", s.collection, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var entity T
		if err := json.Unmarshal([]byte(doc), &entity); err != nil {
			return nil, fmt.Errorf("failed to decode %s document: %w", s.collection, err)
		}
		out = append(out, entity)
	}
	return out, rows.Err()
}

func (s *SQLStore[T]) Create(ctx context.Context, entity T) (T, error) {
	var zero T
	if err := s.db.ensureReady(ctx); err != nil {
		return zero, err
	}
	entity, err := records.AssignID(entity)
	if err != nil {
		return zero, err
	}
	doc, err := json.Marshal(entity)
	if err != nil {
		return zero, fmt.Errorf("%w: %v", records.ErrInvalidEntity, err)
	}

	query := s.db.bind(fmt.Sprintf(
		"INSERT INTO %s (collection, id, doc, created_at) VALUES (?, ?, ?, ?)", quoteIdentifier(s.db.table)))
	if _, err := s.db.db.ExecContext(ctx, query, s.collection, entity.EntityID(), string(doc), s.db.nextSeq()); err != nil {
		return zero, fmt.Errorf("failed to create %s %s: %w", s.collection, entity.EntityID(), err)
	}
	return entity, nil
}

func (s *SQLStore[T]) Update(ctx context.Context, id string, fields map[string]any) (T, error) {
	var zero T
	if err := s.db.ensureReady(ctx); err != nil {
		return zero, err
	}

	tx, err := s.db.db.BeginTx(ctx, nil)
	if err != nil {
		return zero, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	table := quoteIdentifier(s.db.table)
	var doc string
	err = tx.QueryRowContext(ctx,
		s.db.bind(fmt.Sprintf("SELECT doc FROM %s WHERE collection = ? AND id = ?", table)),
		s.collection, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, fmt.Errorf("update %s %s: %w", s.collection, id, records.ErrNotFound)
	}
	if err != nil {
		return zero, fmt.Errorf("failed to load %s %s: %w", s.collection, id, err)
	}

	var current T
	if err := json.Unmarshal([]byte(doc), &current); err != nil {
		return zero, fmt.Errorf("failed to decode %s document: %w", s.collection, err)
	}
	updated, err := records.Patch(current, fields)
	if err != nil {
		return zero, err
	}
	raw, err := json.Marshal(updated)
	if err != nil {
		return zero, fmt.Errorf("%w: %v", records.ErrInvalidEntity, err)
	}

	if _, err := tx.ExecContext(ctx,
		s.db.bind(fmt.Sprintf("UPDATE %s SET doc = ? WHERE collection = ? AND id = ?", table)),
		string(raw), s.collection, id); err != nil {
		return zero, fmt.Errorf("failed to update %s %s: %w", s.collection, id, err)
	}
	if err := tx.Commit(); err != nil {
		return zero, fmt.Errorf("failed to commit: %w", err)
	}
	return updated, nil
}

func (s *SQLStore[T]) Delete(ctx context.Context, id string) error {
	if err := s.db.ensureReady(ctx); err != nil {
		return err
	}
	query := s.db.bind(fmt.Sprintf(
		"DELETE FROM %s WHERE collection = ? AND id = ?", quoteIdentifier(s.db.table)))
	res, err := s.db.db.ExecContext(ctx, query, s.collection, id)
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", s.collection, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("delete %s %s: %w", s.collection, id, records.ErrNotFound)
	}
	return nil
}
