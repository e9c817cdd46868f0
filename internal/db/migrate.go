package db

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/anstrom/neondeck/internal/logging"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migration represents an applied database migration.
type Migration struct {
	ID        int       `db:"id"`
	Name      string    `db:"name"`
	AppliedAt time.Time `db:"applied_at"`
	Checksum  string    `db:"checksum"`
}

// MigrationStatus describes one embedded migration.
type MigrationStatus struct {
	Name      string
	Applied   bool
	AppliedAt *time.Time
	// Modified is set when the embedded file no longer matches the
	// checksum recorded at apply time.
	Modified bool
}

// Migrator handles database migrations.
type Migrator struct {
	db *sqlx.DB
}

// NewMigrator creates a new migrator instance.
func NewMigrator(db *sqlx.DB) *Migrator {
	return &Migrator{db: db}
}

func (m *Migrator) ensureMigrationsTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id SERIAL PRIMARY KEY,
			name VARCHAR(255) NOT NULL UNIQUE,
			applied_at TIMESTAMPTZ DEFAULT NOW(),
			checksum VARCHAR(64) NOT NULL
		)`

	if _, err := m.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

func (m *Migrator) getAppliedMigrations(ctx context.Context) (map[string]Migration, error) {
	var migrations []Migration
	query := `SELECT id, name, applied_at, checksum FROM schema_migrations ORDER BY id`

	if err := m.db.SelectContext(ctx, &migrations, query); err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}

	applied := make(map[string]Migration, len(migrations))
	for _, migration := range migrations {
		applied[migration.Name] = migration
	}
	return applied, nil
}

// migrationFileNames returns the embedded migration files in apply order.
func migrationFileNames() ([]string, error) {
	var files []string
	err := fs.WalkDir(migrationFiles, "migrations", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(p, ".sql") {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read migration files: %w", err)
	}

	sort.Strings(files)
	return files, nil
}

func migrationName(file string) string {
	return strings.TrimSuffix(path.Base(file), ".sql")
}

func checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func (m *Migrator) executeMigration(ctx context.Context, filename string) error {
	content, err := migrationFiles.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read migration file %s: %w", filename, err)
	}

	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("failed to execute migration %s: %w", filename, err)
	}

	insertQuery := `INSERT INTO schema_migrations (name, checksum) VALUES ($1, $2)`
	if _, err := tx.ExecContext(ctx, insertQuery, migrationName(filename), checksum(content)); err != nil {
		return fmt.Errorf("failed to record migration %s: %w", filename, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %s: %w", filename, err)
	}
	return nil
}

// Up runs all pending migrations and returns the names it applied.
func (m *Migrator) Up(ctx context.Context) ([]string, error) {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.getAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}
	files, err := migrationFileNames()
	if err != nil {
		return nil, err
	}

	var ran []string
	for _, file := range files {
		name := migrationName(file)
		if _, exists := applied[name]; exists {
			logging.Debug("Migration already applied, skipping", "migration", name)
			continue
		}

		logging.InfoDatabase("Applying migration", "migration", name)
		if err := m.executeMigration(ctx, file); err != nil {
			return ran, fmt.Errorf("migration %s failed: %w", name, err)
		}
		ran = append(ran, name)
	}
	return ran, nil
}

// Status reports every embedded migration and whether it has been applied.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.getAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}
	files, err := migrationFileNames()
	if err != nil {
		return nil, err
	}

	statuses := make([]MigrationStatus, 0, len(files))
	for _, file := range files {
		status := MigrationStatus{Name: migrationName(file)}
		if migration, ok := applied[status.Name]; ok {
			appliedAt := migration.AppliedAt
			status.Applied = true
			status.AppliedAt = &appliedAt
			if content, err := migrationFiles.ReadFile(file); err == nil {
				status.Modified = checksum(content) != migration.Checksum
			}
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// ConnectAndMigrate connects to the database and runs pending migrations.
func ConnectAndMigrate(ctx context.Context, config *Config) (*DB, error) {
	database, err := Connect(ctx, config)
	if err != nil {
		return nil, err
	}

	if _, err := NewMigrator(database.DB).Up(ctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return database, nil
}
