// Package pgstore implements store.Store on PostgreSQL using pgx connection pools.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/stockpile/pkg/store"
	"github.com/Sternrassler/stockpile/pkg/table"
)

// Config holds a single database connection.
type Config struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
	Schema   string
	MaxConns int
	MinConns int
}

// ConnString builds a PostgreSQL connection string from config.
func (c Config) ConnString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}
	port := c.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.User), url.QueryEscape(c.Password), c.Host, port, c.Name, sslMode)
}

// Store is a PostgreSQL-backed live store.
type Store struct {
	pool   *pgxpool.Pool
	schema string
	logger zerolog.Logger
}

var _ store.Store = (*Store)(nil)

// Connect creates the connection pool and verifies it.
func Connect(ctx context.Context, cfg Config, logger zerolog.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return New(pool, cfg.Schema, logger), nil
}

// New wraps an existing pool. An empty schema means "public".
func New(pool *pgxpool.Pool, schema string, logger zerolog.Logger) *Store {
	if schema == "" {
		schema = "public"
	}
	return &Store{pool: pool, schema: schema, logger: logger}
}

// Close closes the pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) ident(name string) string {
	return pgx.Identifier{s.schema, name}.Sanitize()
}

func col(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func cols(names []string) string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = col(n)
	}
	return strings.Join(out, ", ")
}

func sqlType(t table.ColumnType) string {
	switch t {
	case table.TypeInt:
		return "BIGINT"
	case table.TypeFloat:
		return "DOUBLE PRECISION"
	case table.TypeBool:
		return "BOOLEAN"
	case table.TypeDate:
		return "DATE"
	case table.TypeTimestamp:
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}

func (s *Store) CreateTable(ctx context.Context, name string, schema table.Schema) error {
	defs := make([]string, 0, len(schema.Columns)+1)
	for _, c := range schema.Columns {
		def := col(c.Name) + " " + sqlType(c.Type)
		if c.Required {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	// Constraint names are unique per table so a renamed staging table never
	// collides with the next staging table's primary key index.
	constraint := col("pk_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16])
	defs = append(defs, "CONSTRAINT "+constraint+" PRIMARY KEY ("+cols(schema.PrimaryKey)+")")

	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", s.ident(name), strings.Join(defs, ", "))
	if _, err := s.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("create table %s: %w", name, err)
	}
	return nil
}

func (s *Store) TableExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = $1 AND table_name = $2
		)`, s.schema, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("table exists %s: %w", name, err)
	}
	return exists, nil
}

func (s *Store) Columns(ctx context.Context, name string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT column_name FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, s.schema, name)
	if err != nil {
		return nil, fmt.Errorf("columns %s: %w", name, err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("columns %s: %w", name, err)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: %s", store.ErrTableNotFound, name)
	}
	return names, nil
}

func (s *Store) RenameTable(ctx context.Context, oldName, newName string) error {
	stmt := fmt.Sprintf("ALTER TABLE %s RENAME TO %s", s.ident(oldName), col(newName))
	if _, err := s.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("rename %s to %s: %w", oldName, newName, err)
	}
	return nil
}

func (s *Store) DropTable(ctx context.Context, name string) error {
	if _, err := s.pool.Exec(ctx, "DROP TABLE IF EXISTS "+s.ident(name)); err != nil {
		return fmt.Errorf("drop %s: %w", name, err)
	}
	return nil
}

// InsertOrReplace upserts rows with ON CONFLICT DO UPDATE, queued on a single
// pgx.Batch inside one transaction.
func (s *Store) InsertOrReplace(ctx context.Context, name string, schema table.Schema, rows []table.Row) error {
	if len(rows) == 0 {
		return nil
	}
	names := schema.ColumnNames()
	placeholders := make([]string, len(names))
	for i := range names {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	pk := make(map[string]bool, len(schema.PrimaryKey))
	for _, k := range schema.PrimaryKey {
		pk[k] = true
	}
	var updates []string
	for _, n := range names {
		if !pk[n] {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", col(n), col(n)))
		}
	}
	conflict := "DO NOTHING"
	if len(updates) > 0 {
		conflict = "DO UPDATE SET " + strings.Join(updates, ", ")
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
		s.ident(name), cols(names), strings.Join(placeholders, ", "), cols(schema.PrimaryKey), conflict)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin upsert %s: %w", name, err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, r := range rows {
		row, err := schema.Coerce(r)
		if err != nil {
			return fmt.Errorf("upsert %s: %w", name, err)
		}
		args := make([]any, len(names))
		for i, n := range names {
			args[i] = row[n]
		}
		batch.Queue(stmt, args...)
	}

	results := tx.SendBatch(ctx, batch)
	for range rows {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("upsert %s: %w", name, err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("upsert %s: %w", name, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit upsert %s: %w", name, err)
	}
	return nil
}

func (s *Store) Count(ctx context.Context, name string) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+s.ident(name)).Scan(&n); err != nil {
		if IsUndefinedTable(err) {
			return 0, fmt.Errorf("%w: %s", store.ErrTableNotFound, name)
		}
		return 0, fmt.Errorf("count %s: %w", name, err)
	}
	return n, nil
}

func (s *Store) CountDistinct(ctx context.Context, name string, columns []string) (int64, error) {
	stmt := fmt.Sprintf("SELECT COUNT(*) FROM (SELECT DISTINCT %s FROM %s) d", cols(columns), s.ident(name))
	var n int64
	if err := s.pool.QueryRow(ctx, stmt).Scan(&n); err != nil {
		return 0, fmt.Errorf("count distinct %s: %w", name, err)
	}
	return n, nil
}

func (s *Store) Scan(ctx context.Context, name string, schema table.Schema, fn func(table.Row) error) error {
	rows, err := s.pool.Query(ctx, "SELECT * FROM "+s.ident(name))
	if err != nil {
		if IsUndefinedTable(err) {
			return fmt.Errorf("%w: %s", store.ErrTableNotFound, name)
		}
		return fmt.Errorf("scan %s: %w", name, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return fmt.Errorf("scan %s: %w", name, err)
		}
		raw := make(table.Row, len(fields))
		for i, f := range fields {
			raw[f.Name] = values[i]
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

// Swap drops live and renames staging in one transaction. PostgreSQL DDL is
// transactional, so readers block on the lock and then see the new table.
func (s *Store) Swap(ctx context.Context, staging, live string) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+s.ident(live)); err != nil {
			return fmt.Errorf("drop %s: %w", live, err)
		}
		stmt := fmt.Sprintf("ALTER TABLE %s RENAME TO %s", s.ident(staging), col(live))
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("rename %s: %w", staging, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("swap %s: %w", live, err)
	}
	return nil
}

// IsUndefinedTable reports whether err is a PostgreSQL undefined_table error.
func IsUndefinedTable(err error) bool {
	var pgErr interface{ SQLState() string }
	return errors.As(err, &pgErr) && pgErr.SQLState() == "42P01"
}
