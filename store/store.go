// Package store keeps domain records available offline.
//
// Records live in a versioned SQLite database with one table per collection.
// Every record carries a timestamp and a synced flag; GetUnsyncedData and
// MarkAsSynced form the hand-off used to replay offline writes to the remote service.
//
// Storage is best effort. When the database cannot be opened, reads return empty
// results and writes are dropped with ErrStorageUnavailable; nothing panics.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/always-cache/offline/store/migrations"

	_ "github.com/glebarez/go-sqlite"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Config struct {
	// Path of the SQLite database file.
	// An empty path opens a private in-memory database.
	Path string
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// Manager owns the local record database.
// Operations may be issued before Initialize; the first one opens the database
// and concurrent callers wait for the same initialization.
type Manager struct {
	path string
	log  zerolog.Logger
	now  func() time.Time

	once    sync.Once
	initErr error

	mu     sync.RWMutex
	db     *sql.DB
	closed bool
}

func New(config Config) *Manager {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	return &Manager{
		path: config.Path,
		log:  logger.With().Str("component", "store").Logger(),
		now: func() time.Time {
			return time.Now().UTC().Truncate(time.Millisecond)
		},
	}
}

// Initialize opens the database and migrates it to SchemaVersion.
// A failure is remembered: every later call returns the same ErrStorageUnavailable.
// Opening is not bound to the caller's cancellation, so an abandoned first
// request cannot disable storage for the rest of the process.
func (m *Manager) Initialize(ctx context.Context) error {
	m.once.Do(func() {
		m.initErr = m.open(context.WithoutCancel(ctx))
		if m.initErr != nil {
			m.log.Error().Err(m.initErr).Msg("Local storage unavailable")
		}
	})
	return m.initErr
}

func (m *Manager) open(ctx context.Context) error {
	dsn := m.path
	inMemory := dsn == ""
	if inMemory {
		dsn = fmt.Sprintf("file:records-%s?mode=memory&cache=shared", uuid.NewString())
	} else {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("%w: open: %v", ErrStorageUnavailable, err)
	}
	if inMemory {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("%w: ping: %v", ErrStorageUnavailable, err)
	}
	from, err := migrate(ctx, db, migrations.FS, SchemaVersion)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("%w: migrate: %v", ErrStorageUnavailable, err)
	}
	if err := verifySchema(ctx, db); err != nil {
		_ = db.Close()
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	m.mu.Lock()
	m.db = db
	m.mu.Unlock()
	m.log.Info().Int("from", from).Int("to", SchemaVersion).Msg("Local storage ready")
	return nil
}

// verifySchema checks that every collection of the current version has its table.
func verifySchema(ctx context.Context, db *sql.DB) error {
	for _, c := range Collections() {
		s := schemas[c]
		if s.since > SchemaVersion {
			continue
		}
		var name string
		err := db.QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", s.table).Scan(&name)
		if err != nil {
			return fmt.Errorf("collection %s: table %s missing: %w", c, s.table, err)
		}
	}
	return nil
}

// Close closes the database. Later writes fail with ErrNotReady.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}

// conn returns the database, initializing it on first use.
func (m *Manager) conn(ctx context.Context) (*sql.DB, error) {
	if m.isClosed() {
		return nil, ErrNotReady
	}
	if err := m.Initialize(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrNotReady
	}
	return m.db, nil
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// degrade turns unavailability into an empty read.
func (m *Manager) degrade(c Collection, operation string, err error) error {
	if errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrNotReady) {
		m.log.Warn().Err(err).Str("collection", string(c)).Str("op", operation).Msg("Returning empty result")
		return nil
	}
	return err
}

func schemaOf(c Collection) (schema, error) {
	s, ok := schemas[c]
	if !ok {
		return s, fmt.Errorf("%w: %s", ErrUnknownCollection, c)
	}
	return s, nil
}

func indexValue(data map[string]any, field string) any {
	v, ok := data[field]
	if !ok || v == nil {
		return nil
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Put inserts or replaces the record by key and returns the key.
// A record without key gets a generated one, and a zero timestamp is set to now.
func (m *Manager) Put(ctx context.Context, c Collection, rec Record) (key string, err error) {
	defer func() { recordOperation(c, "put", err) }()
	s, err := schemaOf(c)
	if err != nil {
		return "", err
	}
	db, err := m.conn(ctx)
	if err != nil {
		m.log.Warn().Err(err).Str("collection", string(c)).Msg("Dropping write")
		return "", err
	}
	if rec.Key == "" {
		if id, ok := rec.Data[KeyPath].(string); ok && id != "" {
			rec.Key = id
		} else {
			rec.Key = uuid.NewString()
		}
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = m.now()
	}
	data := rec.Data
	if data == nil {
		data = map[string]any{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal %s record: %w", c, err)
	}

	cols := []string{"id"}
	args := []any{rec.Key}
	for _, idx := range s.indexes {
		cols = append(cols, idx.column)
		args = append(args, indexValue(data, idx.Name))
	}
	cols = append(cols, "payload", "timestamp", "synced")
	args = append(args, payload, rec.Timestamp.UnixMilli(), rec.Synced)

	query := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (?%s)",
		s.table, strings.Join(cols, ", "), strings.Repeat(", ?", len(cols)-1))
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return "", fmt.Errorf("put %s record %s: %w", c, rec.Key, err)
	}
	return rec.Key, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec     Record
		payload []byte
		ts      int64
	)
	if err := row.Scan(&rec.Key, &payload, &ts, &rec.Synced); err != nil {
		return rec, err
	}
	rec.Timestamp = time.UnixMilli(ts).UTC()
	rec.Data = map[string]any{}
	if err := json.Unmarshal(payload, &rec.Data); err != nil {
		return rec, fmt.Errorf("unmarshal record %s: %w", rec.Key, err)
	}
	return rec, nil
}

// Get returns the record with the key, or nil when there is none.
func (m *Manager) Get(ctx context.Context, c Collection, key string) (rec *Record, err error) {
	defer func() { recordOperation(c, "get", err) }()
	s, err := schemaOf(c)
	if err != nil {
		return nil, err
	}
	db, err := m.conn(ctx)
	if err != nil {
		return nil, m.degrade(c, "get", err)
	}
	row := db.QueryRowContext(ctx,
		"SELECT id, payload, timestamp, synced FROM "+s.table+" WHERE id = ?", key)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s record %s: %w", c, key, err)
	}
	return &r, nil
}

// GetAll returns every record of the collection.
func (m *Manager) GetAll(ctx context.Context, c Collection) ([]Record, error) {
	return m.query(ctx, c, "get_all", "")
}

// GetByIndex returns the records whose indexed field equals value.
func (m *Manager) GetByIndex(ctx context.Context, c Collection, index, value string) ([]Record, error) {
	s, err := schemaOf(c)
	if err != nil {
		return []Record{}, err
	}
	idx, ok := s.index(index)
	if !ok {
		return []Record{}, fmt.Errorf("%w: %s on %s", ErrUnknownIndex, index, c)
	}
	return m.query(ctx, c, "get_by_index", "WHERE "+idx.column+" = ?", value)
}

// query runs a single SELECT so the result is a consistent snapshot of the collection.
func (m *Manager) query(ctx context.Context, c Collection, operation, where string, args ...any) (recs []Record, err error) {
	defer func() { recordOperation(c, operation, err) }()
	recs = make([]Record, 0)
	s, err := schemaOf(c)
	if err != nil {
		return recs, err
	}
	db, err := m.conn(ctx)
	if err != nil {
		return recs, m.degrade(c, operation, err)
	}
	rows, err := db.QueryContext(ctx,
		"SELECT id, payload, timestamp, synced FROM "+s.table+" "+where+" ORDER BY timestamp, id", args...)
	if err != nil {
		return recs, fmt.Errorf("%s %s: %w", operation, c, err)
	}
	defer rows.Close()
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return recs, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Count returns the number of records in the collection.
func (m *Manager) Count(ctx context.Context, c Collection) (int, error) {
	s, err := schemaOf(c)
	if err != nil {
		return 0, err
	}
	db, err := m.conn(ctx)
	if err != nil {
		return 0, m.degrade(c, "count", err)
	}
	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+s.table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", c, err)
	}
	return n, nil
}

// Remove deletes the record. Removing a missing key is a no-op.
func (m *Manager) Remove(ctx context.Context, c Collection, key string) (err error) {
	defer func() { recordOperation(c, "remove", err) }()
	s, err := schemaOf(c)
	if err != nil {
		return err
	}
	db, err := m.conn(ctx)
	if err != nil {
		m.log.Warn().Err(err).Str("collection", string(c)).Msg("Dropping delete")
		return err
	}
	if _, err := db.ExecContext(ctx, "DELETE FROM "+s.table+" WHERE id = ?", key); err != nil {
		return fmt.Errorf("remove %s record %s: %w", c, key, err)
	}
	return nil
}

// ClearAll wipes every collection, e.g. on logout.
func (m *Manager) ClearAll(ctx context.Context) error {
	db, err := m.conn(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("Cannot clear local storage")
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear: %w", err)
	}
	for _, c := range Collections() {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+schemas[c].table); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("clear %s: %w", c, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clear: %w", err)
	}
	m.log.Info().Msg("Cleared local storage")
	return nil
}

// GetUnsyncedData returns, per collection, the records not yet acknowledged
// by the remote service. Each collection is read with one query;
// there is no consistency across collections.
func (m *Manager) GetUnsyncedData(ctx context.Context) (map[Collection][]Record, error) {
	result := make(map[Collection][]Record, len(schemas))
	for _, c := range Collections() {
		recs, err := m.query(ctx, c, "get_unsynced", "WHERE synced = 0")
		if err != nil {
			return result, err
		}
		result[c] = recs
		UnsyncedRecords.WithLabelValues(string(c)).Set(float64(len(recs)))
	}
	return result, nil
}

// MarkAsSynced flags the record as acknowledged by the remote service.
// A record deleted in the meantime is logged and ignored.
func (m *Manager) MarkAsSynced(ctx context.Context, c Collection, key string) (err error) {
	defer func() { recordOperation(c, "mark_synced", err) }()
	err = m.markAsSynced(ctx, c, key)
	if errors.Is(err, ErrRecordNotFound) {
		m.log.Warn().Str("collection", string(c)).Str("key", key).Msg("Record to mark as synced no longer exists")
		return nil
	}
	return err
}

func (m *Manager) markAsSynced(ctx context.Context, c Collection, key string) error {
	s, err := schemaOf(c)
	if err != nil {
		return err
	}
	db, err := m.conn(ctx)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, "UPDATE "+s.table+" SET synced = 1 WHERE id = ?", key)
	if err != nil {
		return fmt.Errorf("mark %s record %s synced: %w", c, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}
