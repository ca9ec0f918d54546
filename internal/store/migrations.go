package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"slices"
	"strings"
)

//go:embed migrations/001_initial_schema.sql
var libsqlInitial string

//go:embed migrations/postgres/001_initial_schema.sql
var postgresInitial string

// migration is one versioned schema change.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// statements returns the executable statements of the script. Comment lines
// are dropped before splitting so a semicolon inside a comment is harmless.
func (m migration) statements() []string {
	var code strings.Builder
	for _, line := range strings.Split(m.SQL, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		code.WriteString(line)
		code.WriteByte('\n')
	}
	var out []string
	for _, stmt := range strings.Split(code.String(), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// migrationSet is the ordered history of one SQL dialect.
type migrationSet struct {
	steps []migration
	// record inserts a schema_version row; placeholders differ per dialect.
	record string
}

var (
	libsqlMigrations = migrationSet{
		steps:  []migration{{Version: 1, Name: "initial_schema", SQL: libsqlInitial}},
		record: `INSERT INTO schema_version (version, name) VALUES (?, ?)`,
	}
	postgresMigrations = migrationSet{
		steps:  []migration{{Version: 1, Name: "initial_schema", SQL: postgresInitial}},
		record: `INSERT INTO schema_version (version, name) VALUES ($1, $2)`,
	}
)

// latest is the version a fully migrated database reports.
func (s migrationSet) latest() int {
	if len(s.steps) == 0 {
		return 0
	}
	return slices.MaxFunc(s.steps, func(a, b migration) int { return a.Version - b.Version }).Version
}

// pending returns the steps above current in ascending version order.
func (s migrationSet) pending(current int) []migration {
	out := slices.DeleteFunc(slices.Clone(s.steps), func(m migration) bool { return m.Version <= current })
	slices.SortFunc(out, func(a, b migration) int { return a.Version - b.Version })
	return out
}

const (
	schemaVersionDDL = `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`
	schemaVersionQuery = `SELECT COALESCE(MAX(version), 0) FROM schema_version`
)

// migrateSQL brings a database/sql handle up to the latest libSQL schema.
// Each migration commits on its own so a failure leaves earlier ones applied.
func migrateSQL(ctx context.Context, db *sql.DB, set migrationSet) error {
	if _, err := db.ExecContext(ctx, schemaVersionDDL); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	var current int
	if err := db.QueryRowContext(ctx, schemaVersionQuery).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}
	for _, m := range set.pending(current) {
		if err := applySQL(ctx, db, set, m); err != nil {
			return err
		}
	}
	return nil
}

func applySQL(ctx context.Context, db *sql.DB, set migrationSet, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.Version, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range m.statements() {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
	}
	if _, err := tx.ExecContext(ctx, set.record, m.Version, m.Name); err != nil {
		return fmt.Errorf("record migration %d: %w", m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.Version, err)
	}
	return nil
}
