package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

var migrationName = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.sql$`)

// Migration is one numbered schema change.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// loadMigrations returns the embedded migrations in version order.
func loadMigrations() ([]Migration, error) {
	return parseMigrations(migrationFiles, "migrations")
}

// parseMigrations reads NNN_name.sql files from dir. Versions must start at 1
// and be contiguous so a missing file cannot be skipped silently.
func parseMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := migrationName.FindStringSubmatch(entry.Name())
		if m == nil {
			if strings.HasSuffix(entry.Name(), ".sql") {
				return nil, fmt.Errorf("migration file %q does not match NNN_name.sql", entry.Name())
			}
			continue
		}
		version, _ := strconv.Atoi(m[1])
		content, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}
		migrations = append(migrations, Migration{Version: version, Name: m[2], SQL: string(content)})
	}

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	for i, m := range migrations {
		if m.Version != i+1 {
			return nil, fmt.Errorf("migration %d (%s) out of sequence: expected version %d", m.Version, m.Name, i+1)
		}
	}
	return migrations, nil
}

// migrator applies pending migrations to one database file.
type migrator struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger
	now    func() time.Time
}

func (m *migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)
	`)
	return err
}

func (m *migrator) version(ctx context.Context) (int, error) {
	var v int
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v)
	return v, err
}

// backup snapshots a populated database before its schema changes.
// VACUUM INTO includes pages still sitting in the WAL, which a file copy
// would miss.
func (m *migrator) backup(ctx context.Context, from int) error {
	if from == 0 || m.path == "" || strings.HasPrefix(m.path, ":memory:") || strings.HasPrefix(m.path, "file:") {
		return nil
	}
	target := fmt.Sprintf("%s.backup-v%d-%s", m.path, from, m.now().Format("20060102-150405"))
	if _, err := os.Stat(target); err == nil {
		return fmt.Errorf("backup %s already exists", target)
	}
	if _, err := m.db.ExecContext(ctx, "VACUUM INTO ?", target); err != nil {
		return err
	}
	m.logger.Info().Str("backup", filepath.Base(target)).Int("from_version", from).Msg("created database backup")
	return nil
}

func (m *migrator) apply(ctx context.Context, mig Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, mig.SQL); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
		mig.Version, mig.Name, m.now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}

// run brings the schema up to the newest embedded migration.
func (m *migrator) run(ctx context.Context, migrations []Migration) error {
	if err := m.ensureTable(ctx); err != nil {
		return fmt.Errorf("failed to initialize migrations table: %w", err)
	}
	current, err := m.version(ctx)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if n := len(migrations); n > 0 && current > migrations[n-1].Version {
		return fmt.Errorf("database schema version %d is newer than this binary (%d)", current, migrations[n-1].Version)
	}

	pending := migrations[current:]
	if len(pending) == 0 {
		m.logger.Debug().Int("version", current).Msg("database is up to date")
		return nil
	}
	if err := m.backup(ctx, current); err != nil {
		return fmt.Errorf("failed to backup database: %w", err)
	}
	for _, mig := range pending {
		if err := m.apply(ctx, mig); err != nil {
			return fmt.Errorf("failed to apply migration %d (%s): %w", mig.Version, mig.Name, err)
		}
		m.logger.Info().Int("version", mig.Version).Str("name", mig.Name).Msg("applied migration")
	}
	return nil
}

func runMigrations(ctx context.Context, db *sql.DB, dbPath string, logger zerolog.Logger) error {
	migrations, err := loadMigrations()
	if err != nil {
		return err
	}
	m := &migrator{db: db, path: dbPath, logger: logger, now: time.Now}
	return m.run(ctx, migrations)
}
