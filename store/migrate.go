package store

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
)

// SchemaVersion is the database version this build migrates to.
// Bump it together with a new migration file; migrations may only add
// collections or indexes so older local databases never lose data.
const SchemaVersion = 2

type migration struct {
	version int
	name    string
	upSQL   string
}

// loadMigrations reads NNNN_name.sql files from migrationFS, ordered by version.
func loadMigrations(migrationFS fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(migrationFS, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	migrations := make([]migration, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		prefix, _, found := strings.Cut(entry.Name(), "_")
		if !found {
			return nil, fmt.Errorf("migration %s: missing version prefix", entry.Name())
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migration %s: %w", entry.Name(), err)
		}
		content, err := fs.ReadFile(migrationFS, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		migrations = append(migrations, migration{
			version: version,
			name:    entry.Name(),
			upSQL:   extractUpMigration(string(content)),
		})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].version < migrations[j].version })
	for i, m := range migrations {
		if m.version != i+1 {
			return nil, fmt.Errorf("migration %s: expected version %d", m.name, i+1)
		}
	}
	return migrations, nil
}

// extractUpMigration returns the SQL in the -- +migrate Up section.
func extractUpMigration(content string) string {
	upIdx := strings.Index(content, "-- +migrate Up")
	if upIdx == -1 {
		return content
	}
	downIdx := strings.Index(content, "-- +migrate Down")
	if downIdx == -1 {
		return content[upIdx+len("-- +migrate Up"):]
	}
	return content[upIdx+len("-- +migrate Up") : downIdx]
}

func userVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

// migrate upgrades the database from its stored user_version to target.
// Each step runs in its own transaction together with the version bump.
func migrate(ctx context.Context, db *sql.DB, migrationFS fs.FS, target int) (from int, err error) {
	migrations, err := loadMigrations(migrationFS)
	if err != nil {
		return 0, err
	}
	from, err = userVersion(ctx, db)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if from > target {
		return from, fmt.Errorf("database schema version %d is newer than %d", from, target)
	}
	for _, m := range migrations {
		if m.version <= from || m.version > target {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return from, fmt.Errorf("begin migration %s: %w", m.name, err)
		}
		if strings.TrimSpace(m.upSQL) != "" {
			if _, err := tx.ExecContext(ctx, m.upSQL); err != nil {
				_ = tx.Rollback()
				return from, fmt.Errorf("exec migration %s: %w", m.name, err)
			}
		}
		// PRAGMA does not accept bound parameters
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
			_ = tx.Rollback()
			return from, fmt.Errorf("record migration %s: %w", m.name, err)
		}
		if err := tx.Commit(); err != nil {
			return from, fmt.Errorf("commit migration %s: %w", m.name, err)
		}
	}
	return from, nil
}
