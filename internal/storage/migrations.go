package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
)

// ErrNoMigration indicates no migration has been applied yet.
var ErrNoMigration = errors.New("no migration")

// Dialect selects the bind-parameter style of the migration bookkeeping SQL.
type Dialect int

const (
	// DialectSQLite uses "?" placeholders.
	DialectSQLite Dialect = iota
	// DialectPostgres uses "$1" placeholders.
	DialectPostgres
)

// MigrationManager applies NNN_name.up.sql / NNN_name.down.sql files from a
// file system (normally an embed.FS) and records applied versions in
// schema_migrations. Each file runs in its own transaction together with its
// bookkeeping row, so a failing migration leaves the previous version intact.
type MigrationManager struct {
	db      *sql.DB
	fsys    fs.FS
	dialect Dialect
}

// Migration is one versioned schema change.
type Migration struct {
	Version uint
	Name    string

	up   string
	down string
}

// NewMigrationManager creates a MigrationManager for db reading migration
// files from the root of fsys.
func NewMigrationManager(db *sql.DB, fsys fs.FS, dialect Dialect) (*MigrationManager, error) {
	if db == nil {
		return nil, fmt.Errorf("migrations: database connection is required")
	}
	if fsys == nil {
		return nil, fmt.Errorf("migrations: migration file system is required")
	}

	const ddl = `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`
	if _, err := db.Exec(ddl); err != nil {
		return nil, fmt.Errorf("migrations: failed to create schema table: %w", err)
	}

	return &MigrationManager{db: db, fsys: fsys, dialect: dialect}, nil
}

func (mgr *MigrationManager) placeholder() string {
	if mgr.dialect == DialectPostgres {
		return "$1"
	}
	return "?"
}

// Up applies pending migrations in ascending order and returns how many ran.
func (mgr *MigrationManager) Up() (int, error) {
	pending, err := mgr.Pending()
	if err != nil {
		return 0, err
	}

	record := "INSERT INTO schema_migrations (version) VALUES (" + mgr.placeholder() + ")"
	for i, m := range pending {
		if err := mgr.apply(m.up, record, m); err != nil {
			return i, fmt.Errorf("migrations: version %d (%s): %w", m.Version, m.Name, err)
		}
	}
	return len(pending), nil
}

// Down rolls back every applied migration that has a down file, newest first.
func (mgr *MigrationManager) Down() error {
	all, err := mgr.load()
	if err != nil {
		return err
	}
	current, err := mgr.Version()
	if errors.Is(err, ErrNoMigration) {
		return nil
	}
	if err != nil {
		return err
	}

	remove := "DELETE FROM schema_migrations WHERE version = " + mgr.placeholder()
	for i := len(all) - 1; i >= 0; i-- {
		m := all[i]
		if m.Version > current || m.down == "" {
			continue
		}
		if err := mgr.apply(m.down, remove, m); err != nil {
			return fmt.Errorf("migrations: roll back version %d (%s): %w", m.Version, m.Name, err)
		}
	}
	return nil
}

// Pending returns the migrations newer than the current version, oldest
// first.
func (mgr *MigrationManager) Pending() ([]Migration, error) {
	all, err := mgr.load()
	if err != nil {
		return nil, err
	}
	current, err := mgr.Version()
	if err != nil && !errors.Is(err, ErrNoMigration) {
		return nil, err
	}

	var pending []Migration
	for _, m := range all {
		if m.Version > current {
			pending = append(pending, m)
		}
	}
	return pending, nil
}

// Version returns the highest applied version, or (0, ErrNoMigration).
func (mgr *MigrationManager) Version() (uint, error) {
	var version uint
	if err := mgr.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return 0, fmt.Errorf("migrations: failed to query version: %w", err)
	}
	if version == 0 {
		return 0, ErrNoMigration
	}
	return version, nil
}

func (mgr *MigrationManager) apply(file, bookkeeping string, m Migration) error {
	body, err := fs.ReadFile(mgr.fsys, file)
	if err != nil {
		return err
	}

	tx, err := mgr.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(string(body)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.Exec(bookkeeping, m.Version); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// load parses the migration files, sorted by version. Files without a
// numeric NNN_ prefix are ignored, as are versions lacking an up file.
func (mgr *MigrationManager) load() ([]Migration, error) {
	entries, err := fs.ReadDir(mgr.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("migrations: failed to read directory: %w", err)
	}

	byVersion := make(map[uint]*Migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version, name, direction, ok := parseMigrationFile(entry.Name())
		if !ok {
			continue
		}

		m := byVersion[version]
		if m == nil {
			m = &Migration{Version: version, Name: name}
			byVersion[version] = m
		}
		if direction == "up" {
			m.up = entry.Name()
		} else {
			m.down = entry.Name()
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.up != "" {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// parseMigrationFile splits "001_initial.up.sql" into (1, "initial", "up").
func parseMigrationFile(file string) (uint, string, string, bool) {
	prefix, rest, found := strings.Cut(file, "_")
	if !found {
		return 0, "", "", false
	}
	version, err := strconv.ParseUint(prefix, 10, 64)
	if err != nil || version == 0 {
		return 0, "", "", false
	}

	switch {
	case strings.HasSuffix(rest, ".up.sql"):
		return uint(version), strings.TrimSuffix(rest, ".up.sql"), "up", true
	case strings.HasSuffix(rest, ".down.sql"):
		return uint(version), strings.TrimSuffix(rest, ".down.sql"), "down", true
	default:
		return 0, "", "", false
	}
}
