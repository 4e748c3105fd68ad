package cache

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
)

// Provider is the storage behind the bucket registry.
// It stores and retrieves []byte values, which represent serialized responses,
// grouped into named buckets.
// Putting into a bucket that does not exist creates it.
//
// Implementations must be thread-safe!
type Provider interface {
	// Buckets returns the names of all existing buckets.
	Buckets(ctx context.Context) ([]string, error)
	// Create creates the bucket if it does not already exist.
	Create(ctx context.Context, bucket string) error
	// Get returns the stored value for the given key, if it exists.
	// It also returns a boolean indicating whether retrieval was successful.
	Get(ctx context.Context, bucket, key string) ([]byte, bool, error)
	// Put stores the value under the given key, replacing any previous value.
	Put(ctx context.Context, bucket, key string, bytes []byte) error
	// Delete removes a single key. Missing keys are not an error.
	Delete(ctx context.Context, bucket, key string) error
	// Keys returns all keys stored in the bucket.
	Keys(ctx context.Context, bucket string) ([]string, error)
	// Drop removes the bucket and every entry in it.
	Drop(ctx context.Context, bucket string) error
	// Close releases the underlying storage.
	Close() error
}

// Pinner is implemented by providers that evict entries on their own, such as
// size-bounded ones. Pinned entries are exempt from that eviction and only go
// away with Delete or Drop.
type Pinner interface {
	Pin(ctx context.Context, bucket, key string) error
}

type SQLiteProvider struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteProvider opens a provider with the given filename as the db.
// If file name is empty, a new private in-memory db is opened.
func NewSQLiteProvider(filename string) (*SQLiteProvider, error) {
	inMemory := filename == ""
	if inMemory {
		filename = fmt.Sprintf("file:buckets-%s?mode=memory&cache=shared", uuid.NewString())
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open bucket db: %w", err)
	}
	if inMemory {
		// the database lives as long as its only connection
		db.SetMaxOpenConns(1)
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS buckets (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (bucket, key)
		)`,
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init bucket db: %w", err)
		}
	}
	return &SQLiteProvider{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteProvider) Buckets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM buckets ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteProvider) Create(ctx context.Context, bucket string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO buckets (name, created_at) VALUES (?, ?)", bucket, time.Now().Unix())
	return err
}

func (s *SQLiteProvider) Get(ctx context.Context, bucket, key string) ([]byte, bool, error) {
	var bytes []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT bytes FROM entries WHERE bucket = ? AND key = ?", bucket, key).Scan(&bytes)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (s *SQLiteProvider) Put(ctx context.Context, bucket, key string, bytes []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO buckets (name, created_at) VALUES (?, ?)", bucket, now); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO entries (bucket, key, stored_at, bytes) VALUES (?, ?, ?, ?)",
		bucket, key, now, bytes); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteProvider) Delete(ctx context.Context, bucket, key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE bucket = ? AND key = ?", bucket, key)
	return err
}

func (s *SQLiteProvider) Keys(ctx context.Context, bucket string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key FROM entries WHERE bucket = ? ORDER BY key", bucket)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *SQLiteProvider) Drop(ctx context.Context, bucket string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE bucket = ?", bucket); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM buckets WHERE name = ?", bucket); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteProvider) Close() error {
	return s.db.Close()
}
