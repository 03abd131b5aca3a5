// Package sqlite implements the storage gateway on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// indexManifest declares every secondary index the gateway relies on.
// Ensured at startup; CREATE INDEX IF NOT EXISTS makes the pass
// idempotent.
var indexManifest = []string{
	"CREATE INDEX IF NOT EXISTS idx_mailboxes_user_subscribed ON mailboxes (user_id, subscribed)",
	"CREATE INDEX IF NOT EXISTS idx_messages_mailbox_modseq ON messages (mailbox_id, modseq)",
	"CREATE INDEX IF NOT EXISTS idx_messages_mailbox_deleted ON messages (mailbox_id, deleted)",
	"CREATE INDEX IF NOT EXISTS idx_messages_mailbox_seen ON messages (mailbox_id, seen)",
	"CREATE INDEX IF NOT EXISTS idx_journal_mailbox_modseq ON journal (mailbox_id, modseq)",
	"CREATE INDEX IF NOT EXISTS idx_attachment_refs_message ON attachment_refs (message_id)",
	"CREATE INDEX IF NOT EXISTS idx_attachment_refs_attachment ON attachment_refs (attachment_id)",
}

// DB wraps the SQLite database connection.
type DB struct {
	*sql.DB
}

var memCounter atomic.Int64

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", path)
	pool := 25
	if path == ":memory:" {
		// A uniquely named shared-cache database keeps the in-memory
		// store alive and visible across pool connections while staying
		// isolated from other Open calls in the same process.
		dsn = fmt.Sprintf("file:memdb%d?mode=memory&cache=shared&_foreign_keys=on&_busy_timeout=5000",
			memCounter.Add(1))
		pool = 1
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(pool)
	db.SetMaxIdleConns(5)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db}, nil
}

// Migrate runs all pending migrations, then verifies the index manifest.
func (db *DB) Migrate(ctx context.Context) error {
	currentVersion, err := db.getSchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	migrations, err := db.loadMigrations()
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].version < migrations[j].version
	})

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if err := db.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", m.version, err)
		}
	}

	return db.EnsureIndexes(ctx)
}

// EnsureIndexes creates every index from the declarative manifest.
func (db *DB) EnsureIndexes(ctx context.Context) error {
	for _, stmt := range indexManifest {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure index: %w", err)
		}
	}
	return nil
}

type migration struct {
	version int
	name    string
	sql     string
}

func (db *DB) getSchemaVersion(ctx context.Context) (int, error) {
	var exists int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_migrations'",
	).Scan(&exists)
	if err != nil {
		return 0, err
	}
	if exists == 0 {
		if _, err := db.ExecContext(ctx,
			"CREATE TABLE schema_migrations (version INTEGER PRIMARY KEY, applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP)",
		); err != nil {
			return 0, err
		}
		return 0, nil
	}

	var version int
	err = db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM schema_migrations",
	).Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

func (db *DB) loadMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}

	var migrations []migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		parts := strings.SplitN(entry.Name(), "_", 2)
		if len(parts) < 2 {
			continue
		}
		version, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}

		content, err := fs.ReadFile(migrationsFS, "migrations/"+entry.Name())
		if err != nil {
			return nil, err
		}

		migrations = append(migrations, migration{
			version: version,
			name:    entry.Name(),
			sql:     string(content),
		})
	}

	return migrations, nil
}

func (db *DB) applyMigration(ctx context.Context, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		return fmt.Errorf("migration SQL error: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version) VALUES (?)", m.version,
	); err != nil {
		return err
	}

	return tx.Commit()
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
