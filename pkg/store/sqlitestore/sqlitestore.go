// Package sqlitestore implements store.Store on an embedded SQLite database
// file using github.com/mattn/go-sqlite3.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/stockpile/pkg/store"
	"github.com/Sternrassler/stockpile/pkg/table"
)

// Store is a SQLite-backed live store. SQLite allows one writer at a time, so
// the pool is capped at a single connection.
type Store struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger
}

var (
	_ store.Store        = (*Store)(nil)
	_ store.Checkpointer = (*Store)(nil)
)

// Open opens (or creates) the database at path.
func Open(ctx context.Context, path string, logger zerolog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=off", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &Store{db: db, path: path, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = quote(n)
	}
	return out
}

func sqlType(t table.ColumnType) string {
	switch t {
	case table.TypeInt:
		return "INTEGER"
	case table.TypeFloat:
		return "REAL"
	case table.TypeBool:
		return "BOOLEAN"
	case table.TypeDate:
		return "DATE"
	case table.TypeTimestamp:
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}

func (s *Store) CreateTable(ctx context.Context, name string, schema table.Schema) error {
	defs := make([]string, 0, len(schema.Columns)+1)
	for _, c := range schema.Columns {
		def := quote(c.Name) + " " + sqlType(c.Type)
		if c.Required {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	defs = append(defs, "PRIMARY KEY ("+strings.Join(quoteAll(schema.PrimaryKey), ", ")+")")

	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quote(name), strings.Join(defs, ", "))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create table %s: %w", name, err)
	}
	return nil
}

func (s *Store) TableExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("table exists %s: %w", name, err)
	}
	return n > 0, nil
}

func (s *Store) Columns(ctx context.Context, name string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM pragma_table_info(?) ORDER BY cid", name)
	if err != nil {
		return nil, fmt.Errorf("columns %s: %w", name, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("columns %s: %w", name, err)
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("columns %s: %w", name, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: %s", store.ErrTableNotFound, name)
	}
	return cols, nil
}

func (s *Store) RenameTable(ctx context.Context, oldName, newName string) error {
	stmt := fmt.Sprintf("ALTER TABLE %s RENAME TO %s", quote(oldName), quote(newName))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("rename %s to %s: %w", oldName, newName, err)
	}
	return nil
}

func (s *Store) DropTable(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+quote(name)); err != nil {
		return fmt.Errorf("drop %s: %w", name, err)
	}
	return nil
}

func (s *Store) InsertOrReplace(ctx context.Context, name string, schema table.Schema, rows []table.Row) error {
	if len(rows) == 0 {
		return nil
	}
	cols := schema.ColumnNames()
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	stmt := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
		quote(name), strings.Join(quoteAll(cols), ", "), placeholders)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert %s: %w", name, err)
	}
	defer tx.Rollback()

	prepared, err := tx.PrepareContext(ctx, stmt)
	if err != nil {
		return fmt.Errorf("prepare upsert %s: %w", name, err)
	}
	defer prepared.Close()

	args := make([]any, len(cols))
	for _, r := range rows {
		row, err := schema.Coerce(r)
		if err != nil {
			return fmt.Errorf("upsert %s: %w", name, err)
		}
		for i, c := range cols {
			args[i] = bindValue(row[c])
		}
		if _, err := prepared.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("upsert %s: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert %s: %w", name, err)
	}
	return nil
}

// bindValue renders times in a layout the driver parses back for DATE and
// TIMESTAMP columns.
func bindValue(v any) any {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format("2006-01-02 15:04:05.999999999-07:00")
	}
	return v
}

func (s *Store) Count(ctx context.Context, name string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quote(name)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", name, err)
	}
	return n, nil
}

func (s *Store) CountDistinct(ctx context.Context, name string, cols []string) (int64, error) {
	stmt := fmt.Sprintf("SELECT COUNT(*) FROM (SELECT DISTINCT %s FROM %s)",
		strings.Join(quoteAll(cols), ", "), quote(name))
	var n int64
	if err := s.db.QueryRowContext(ctx, stmt).Scan(&n); err != nil {
		return 0, fmt.Errorf("count distinct %s: %w", name, err)
	}
	return n, nil
}

func (s *Store) Scan(ctx context.Context, name string, schema table.Schema, fn func(table.Row) error) error {
	rows, err := s.db.QueryContext(ctx, "SELECT * FROM "+quote(name))
	if err != nil {
		return fmt.Errorf("scan %s: %w", name, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("scan %s: %w", name, err)
	}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("scan %s: %w", name, err)
		}
		raw := make(table.Row, len(cols))
		for i, c := range cols {
			raw[c] = values[i]
		}
		row, err := schema.Coerce(raw)
		if err != nil {
			return fmt.Errorf("scan %s: %w", name, err)
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Store) Swap(ctx context.Context, staging, live string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin swap %s: %w", live, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quote(live)); err != nil {
		return fmt.Errorf("swap drop %s: %w", live, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", quote(staging), quote(live))); err != nil {
		return fmt.Errorf("swap rename %s: %w", staging, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit swap %s: %w", live, err)
	}
	return nil
}

// Checkpoint writes a consistent copy of the database next to the original
// using VACUUM INTO and returns its path.
func (s *Store) Checkpoint(ctx context.Context) (string, error) {
	ext := filepath.Ext(s.path)
	base := strings.TrimSuffix(s.path, ext)
	target := fmt.Sprintf("%s.checkpoint_%s%s", base, time.Now().UTC().Format("20060102_150405"), ext)

	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", target); err != nil {
		return "", fmt.Errorf("checkpoint: %w", err)
	}
	s.logger.Info().Str("path", target).Msg("Created store checkpoint")
	return target, nil
}
